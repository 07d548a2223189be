package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Port            string
	Environment     string
	DatabasePath    string
	JWTSecret       string
	TokenTTL        time.Duration
	CORSOrigins     string
	MaxUploadSize   int64
	FileStoragePath string
	PublicBaseURL   string
	StunServers     string
	TurnServer      string
	TurnUsername    string
	TurnPassword    string

	VAPIDPublicKey  string
	VAPIDPrivateKey string

	RedisAddr     string
	RedisPassword string

	SMTPHost     string
	SMTPPort     int
	SMTPUsername string
	SMTPPassword string
	SMTPFrom     string

	TwilioAccountSID string
	TwilioAuthToken  string
	TwilioFromNumber string

	OTPTTL          time.Duration
	TypingTimeout   time.Duration
	CallRingTimeout time.Duration
	StatusTTL       time.Duration
}

// Load reads the configuration from the environment. Values from the file
// named by CHATPAT_ENV_FILE (or ./.env) fill in anything the environment
// does not set.
func Load() *Config {
	loadEnvFile()

	return &Config{
		Port:            getEnv("PORT", "8080"),
		Environment:     getEnv("ENVIRONMENT", "development"),
		DatabasePath:    getEnv("DATABASE_PATH", "./data/chatpat.db"),
		JWTSecret:       getEnv("JWT_SECRET", "your-secret-key-change-in-production"),
		TokenTTL:        parseDuration(getEnv("TOKEN_TTL", ""), 365*24*time.Hour),
		CORSOrigins:     getEnv("CORS_ORIGINS", "*"),
		MaxUploadSize:   parseInt64(getEnv("MAX_UPLOAD_SIZE", "10485760")), // 10MB default
		FileStoragePath: getEnv("FILE_STORAGE_PATH", "./data/uploads"),
		PublicBaseURL:   getEnv("PUBLIC_BASE_URL", ""),
		StunServers:     getEnv("STUN_SERVERS", "stun:stun.l.google.com:19302"),
		TurnServer:      getEnv("TURN_SERVER", ""),
		TurnUsername:    getEnv("TURN_USERNAME", ""),
		TurnPassword:    getEnv("TURN_PASSWORD", ""),

		VAPIDPublicKey:  getEnv("VAPID_PUBLIC_KEY", ""),
		VAPIDPrivateKey: getEnv("VAPID_PRIVATE_KEY", ""),

		RedisAddr:     getEnv("REDIS_ADDR", ""),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),

		SMTPHost:     getEnv("SMTP_HOST", ""),
		SMTPPort:     parseInt(getEnv("SMTP_PORT", "587"), 587),
		SMTPUsername: getEnv("SMTP_USERNAME", ""),
		SMTPPassword: getEnv("SMTP_PASSWORD", ""),
		SMTPFrom:     getEnv("SMTP_FROM", ""),

		TwilioAccountSID: getEnv("TWILIO_ACCOUNT_SID", ""),
		TwilioAuthToken:  getEnv("TWILIO_AUTH_TOKEN", ""),
		TwilioFromNumber: getEnv("TWILIO_FROM_NUMBER", ""),

		OTPTTL:          parseDuration(getEnv("OTP_TTL", ""), 5*time.Minute),
		TypingTimeout:   parseDuration(getEnv("TYPING_TIMEOUT", ""), 3*time.Second),
		CallRingTimeout: parseDuration(getEnv("CALL_RING_TIMEOUT", ""), 45*time.Second),
		StatusTTL:       parseDuration(getEnv("STATUS_TTL", ""), 24*time.Hour),
	}
}

func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// godotenv.Load never overrides variables that are already set.
func loadEnvFile() {
	if path := os.Getenv("CHATPAT_ENV_FILE"); path != "" {
		_ = godotenv.Load(path)
		return
	}
	if _, err := os.Stat(".env"); err == nil {
		_ = godotenv.Load()
	}
}

func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func parseInt64(s string) int64 {
	val, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 10485760 // 10MB default
	}
	return val
}

func parseInt(s string, fallback int) int {
	val, err := strconv.Atoi(s)
	if err != nil {
		return fallback
	}
	return val
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}
