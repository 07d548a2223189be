package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/store/memory"
	sredis "github.com/ulule/limiter/v3/drivers/store/redis"
	"go.uber.org/zap"

	"github.com/4xmen/chatpat/internal/auth"
	"github.com/4xmen/chatpat/internal/db"
	"github.com/4xmen/chatpat/internal/handlers"
	"github.com/4xmen/chatpat/internal/media"
	"github.com/4xmen/chatpat/internal/metrics"
	"github.com/4xmen/chatpat/internal/notify"
	"github.com/4xmen/chatpat/internal/push"
	"github.com/4xmen/chatpat/internal/ratelimit"
	"github.com/4xmen/chatpat/internal/realtime"
	"github.com/4xmen/chatpat/internal/store"
	"github.com/4xmen/chatpat/internal/ws"
	"github.com/4xmen/chatpat/pkg/config"
)

const shutdownTimeout = 15 * time.Second

func main() {
	cfg := config.Load()

	logger := newLogger(cfg)
	defer logger.Sync()

	if len(os.Args) > 1 {
		if err := runCommand(cfg, os.Args[1:]); err != nil {
			logger.Fatal("command failed", zap.Error(err))
		}
		return
	}

	if err := runServer(cfg, logger); err != nil {
		logger.Fatal("Failed to start server", zap.Error(err))
	}
}

func newLogger(cfg *config.Config) *zap.Logger {
	var (
		logger *zap.Logger
		err    error
	)
	if cfg.IsProduction() {
		logger, err = zap.NewProduction()
	} else {
		logger, err = zap.NewDevelopment()
	}
	if err != nil {
		return zap.NewNop()
	}
	return logger
}

func runCommand(cfg *config.Config, args []string) error {
	command := args[0]

	switch command {
	case "status":
		return runStatus(cfg, os.Stdout, args[1:])
	case "-h", "--help", "help":
		printUsage(os.Stdout)
		return nil
	default:
		printUsage(os.Stderr)
		return fmt.Errorf("unknown command: %s", command)
	}
}

func printUsage(out io.Writer) {
	fmt.Fprintln(out, "Usage:")
	fmt.Fprintln(out, "  chatpat           Start the server")
	fmt.Fprintln(out, "  chatpat status    Show application statistics")
	fmt.Fprintln(out, "  chatpat status --json")
}

// services is everything the router needs, built from the config.
type services struct {
	db      *db.DB
	store   *store.Store
	redis   *redis.Client
	media   *media.LocalStore
	auth    *auth.Service
	pusher  *push.Notifier
	reg     *realtime.ConnectionRegistry
	hub     *realtime.Hub
	ws      *ws.Server
	limiter *limiter.Limiter
}

func (s *services) Close(log *zap.Logger) {
	if s.ws != nil {
		s.ws.Close()
	}
	if s.hub != nil {
		s.hub.Close()
	}
	s.pusher.Wait()
	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			log.Warn("redis close failed", zap.Error(err))
		}
	}
	if err := s.db.Close(); err != nil {
		log.Warn("database close failed", zap.Error(err))
	}
}

func buildServices(ctx context.Context, cfg *config.Config, log *zap.Logger) (*services, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.DatabasePath), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data dir: %w", err)
	}

	database, err := db.New(cfg.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	st := store.New(database.GetConn())

	// nobody is connected right after a restart
	if err := st.ResetPresence(ctx); err != nil {
		database.Close()
		return nil, fmt.Errorf("failed to reset presence: %w", err)
	}

	ms, err := media.NewLocalStore(cfg.FileStoragePath, cfg.PublicBaseURL, cfg.MaxUploadSize)
	if err != nil {
		database.Close()
		return nil, err
	}

	s := &services{db: database, store: st, media: ms}
	s.redis = connectRedis(ctx, cfg, log)

	var codes auth.CodeStore = auth.NewSQLCodeStore(database.GetConn())
	rateStore := memory.NewStore()
	var events realtime.EventLimiter
	if s.redis != nil {
		codes = auth.NewRedisCodeStore(s.redis)
		rateStore, err = sredis.NewStoreWithOptions(s.redis, limiter.StoreOptions{Prefix: "chatpat:http"})
		if err != nil {
			s.Close(log)
			return nil, fmt.Errorf("failed to create rate limit store: %w", err)
		}
		events = ratelimit.NewLimiter(s.redis, ratelimit.DefaultRules(), log)
	}
	s.limiter = limiter.New(rateStore, limiter.Rate{Period: time.Minute, Limit: 5})

	emailSender, smsSender := newSenders(cfg, log)
	s.auth = auth.New(st, codes, emailSender, smsSender, log, auth.Config{
		JWTSecret: cfg.JWTSecret,
		TokenTTL:  cfg.TokenTTL,
		OTPTTL:    cfg.OTPTTL,
	})

	var offline realtime.OfflineNotifier
	if s.pusher = push.NewNotifier(st, log, cfg.VAPIDPublicKey, cfg.VAPIDPrivateKey); s.pusher != nil {
		offline = s.pusher
	} else {
		log.Info("VAPID keys not set, push notifications disabled")
	}

	s.reg = realtime.NewRegistry()
	s.hub = realtime.NewHub(s.reg, st, ms, offline, events, log, realtime.HubConfig{
		TypingTimeout: cfg.TypingTimeout,
		RingTimeout:   cfg.CallRingTimeout,
		StatusTTL:     cfg.StatusTTL,
	})
	s.ws = ws.NewServer(s.hub, log, splitList(cfg.CORSOrigins))
	return s, nil
}

// connectRedis returns nil when Redis is not configured or unreachable; the
// caller then falls back to in-process stores.
func connectRedis(ctx context.Context, cfg *config.Config, log *zap.Logger) *redis.Client {
	if cfg.RedisAddr == "" {
		return nil
	}
	client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		log.Warn("redis unreachable, using local stores", zap.String("addr", cfg.RedisAddr), zap.Error(err))
		client.Close()
		return nil
	}
	log.Info("connected to redis", zap.String("addr", cfg.RedisAddr))
	return client
}

// newSenders picks the OTP delivery channels. Unconfigured providers fall
// back to logging the code, which is only acceptable outside production.
func newSenders(cfg *config.Config, log *zap.Logger) (email, sms notify.Sender) {
	email, sms = notify.NewLogSender(log), notify.NewLogSender(log)

	if cfg.SMTPHost != "" {
		email = notify.NewSMTPSender(notify.SMTPConfig{
			Host:     cfg.SMTPHost,
			Port:     strconv.Itoa(cfg.SMTPPort),
			Username: cfg.SMTPUsername,
			Password: cfg.SMTPPassword,
			From:     cfg.SMTPFrom,
		})
	} else if cfg.IsProduction() {
		log.Warn("SMTP_HOST not set, email codes will only be logged")
	}

	twilioSender, err := notify.NewTwilioSender(notify.TwilioConfig{
		AccountSID: cfg.TwilioAccountSID,
		AuthToken:  cfg.TwilioAuthToken,
		FromNumber: cfg.TwilioFromNumber,
	})
	switch {
	case err == nil:
		sms = twilioSender
	case errors.Is(err, notify.ErrNotConfigured):
		if cfg.IsProduction() {
			log.Warn("Twilio not configured, sms codes will only be logged")
		}
	default:
		log.Error("twilio setup failed", zap.Error(err))
	}
	return email, sms
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func corsConfig(origins string) cors.Config {
	cfg := cors.Config{
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Accept-Language", "Authorization"},
		ExposeHeaders:    []string{"Content-Length", "X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
	list := splitList(origins)
	for _, o := range list {
		if o == "*" {
			list = nil
			break
		}
	}
	if len(list) == 0 {
		// echo the request origin so credentials keep working
		cfg.AllowOriginFunc = func(string) bool { return true }
	} else {
		cfg.AllowOrigins = list
	}
	return cfg
}

func newRouter(cfg *config.Config, s *services, log *zap.Logger) *gin.Engine {
	authHandler := handlers.NewAuthHandler(s.auth, s.store, s.media, cfg.IsProduction(), log)
	chatHandler := handlers.NewChatHandler(s.store, s.hub.Messages, s.hub.Receipts, log)
	statusHandler := handlers.NewStatusHandler(s.hub.Statuses, log)
	pushHandler := handlers.NewPushHandler(s.store, s.pusher.VAPIDPublicKey(), log)
	webrtcHandler := handlers.NewWebRTCHandler(cfg.StunServers, cfg.TurnServer, cfg.TurnUsername, cfg.TurnPassword)

	router := gin.New()
	router.Use(serverErrorLogger(log))
	router.Use(gin.Logger())
	router.Use(panicRecovery(log))
	router.Use(cors.New(corsConfig(cfg.CORSOrigins)))
	router.MaxMultipartMemory = cfg.MaxUploadSize

	// Public endpoints
	api := router.Group("/api")
	{
		otpLimit := rateLimitMiddleware(s.limiter)
		api.POST("/auth/send-otp", otpLimit, authHandler.SendOTP)
		api.POST("/auth/verify-otp", otpLimit, authHandler.VerifyOTP)
		api.GET("/auth/logout", authHandler.Logout)
		api.GET("/push/vapid-public-key", pushHandler.VAPIDPublicKey)
	}

	// Protected endpoints
	protected := api.Group("")
	protected.Use(authHandler.AuthMiddleware())
	{
		protected.GET("/auth/check-auth", authHandler.CheckAuth)
		protected.PUT("/auth/update-profile", authHandler.UpdateProfile)
		protected.GET("/auth/users", authHandler.Users)

		protected.POST("/chats/send-message", chatHandler.SendMessage)
		protected.GET("/chats/conversations", chatHandler.Conversations)
		protected.GET("/chats/conversations/:id/messages", chatHandler.Messages)
		protected.PUT("/chats/messages/read", chatHandler.MarkRead)
		protected.DELETE("/chats/messages/:id", chatHandler.DeleteMessage)

		protected.POST("/status", statusHandler.Create)
		protected.GET("/status", statusHandler.List)
		protected.PUT("/status/:id/view", statusHandler.View)
		protected.DELETE("/status/:id", statusHandler.Delete)

		protected.POST("/push/subscribe", pushHandler.Subscribe)
		protected.DELETE("/push/subscribe", pushHandler.Unsubscribe)

		protected.GET("/webrtc/config", webrtcHandler.Config)
	}

	// Serve uploaded files from configured storage path
	router.Static("/api/files", cfg.FileStoragePath)

	// WebSocket endpoint
	router.GET("/ws", authHandler.AuthMiddleware(), s.ws.HandleWebSocket)

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "connections": s.reg.Len()})
	})
	router.GET("/metrics", gin.WrapH(metrics.Handler()))

	router.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": __(c, "not found")})
	})

	return router
}

func runServer(cfg *config.Config, log *zap.Logger) error {
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	s, err := buildServices(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer s.Close(log)

	server := &http.Server{
		Addr:              fmt.Sprintf("0.0.0.0:%s", cfg.Port),
		Handler:           newRouter(cfg, s, log),
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		log.Info("Starting server", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErrors <- err
		}
	}()

	select {
	case err := <-serverErrors:
		return err
	case <-ctx.Done():
		log.Info("Shutting down gracefully...")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn("http shutdown incomplete", zap.Error(err))
	}
	return nil
}
