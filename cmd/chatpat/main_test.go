package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/store/memory"
	"go.uber.org/zap"

	"github.com/4xmen/chatpat/pkg/config"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func TestRateLimitMiddleware(t *testing.T) {
	router := gin.New()
	l := limiter.New(memory.NewStore(), limiter.Rate{Period: time.Minute, Limit: 1})
	router.GET("/limited", rateLimitMiddleware(l), func(c *gin.Context) { c.Status(http.StatusOK) })

	first := httptest.NewRecorder()
	router.ServeHTTP(first, httptest.NewRequest("GET", "/limited", nil))
	if first.Code != http.StatusOK || first.Header().Get("X-RateLimit-Limit") != "1" {
		t.Fatalf("first request: status %d headers %v", first.Code, first.Header())
	}

	second := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/limited", nil)
	req.Header.Set("Accept-Language", "fa")
	router.ServeHTTP(second, req)
	if second.Code != http.StatusTooManyRequests {
		t.Fatalf("second request status = %d, want 429", second.Code)
	}
	var body map[string]string
	json.Unmarshal(second.Body.Bytes(), &body)
	if body["error"] != "تعداد درخواست ها بیش از حد مجاز است" {
		t.Errorf("Unexpected error %q", body["error"])
	}
}

func TestPanicRecovery(t *testing.T) {
	router := gin.New()
	router.Use(serverErrorLogger(zap.NewNop()), panicRecovery(zap.NewNop()))
	router.GET("/boom", func(c *gin.Context) { panic("boom") })

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("GET", "/boom", nil))
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", w.Code)
	}
	if !strings.Contains(w.Body.String(), "internal server error") {
		t.Errorf("Unexpected body %q", w.Body.String())
	}
}

func TestSplitList(t *testing.T) {
	got := splitList(" https://a.example, ,https://b.example ")
	if len(got) != 2 || got[0] != "https://a.example" || got[1] != "https://b.example" {
		t.Errorf("splitList = %q", got)
	}
	if got := splitList(""); len(got) != 0 {
		t.Errorf("splitList(empty) = %q", got)
	}
}

func TestCORSConfig(t *testing.T) {
	wildcard := corsConfig("*")
	if wildcard.AllowOriginFunc == nil || len(wildcard.AllowOrigins) != 0 || !wildcard.AllowOriginFunc("https://x.example") {
		t.Errorf("wildcard config = %+v", wildcard)
	}
	listed := corsConfig("https://a.example,https://b.example")
	if listed.AllowOriginFunc != nil || len(listed.AllowOrigins) != 2 {
		t.Errorf("listed config = %+v", listed)
	}
}

func newTestServices(t *testing.T) (*config.Config, *services) {
	t.Helper()
	dir := t.TempDir()
	cfg := &config.Config{
		Environment:     "test",
		DatabasePath:    filepath.Join(dir, "data", "chatpat.db"),
		FileStoragePath: filepath.Join(dir, "uploads"),
		JWTSecret:       "test-secret",
		CORSOrigins:     "https://app.example",
		MaxUploadSize:   1 << 20,
		StunServers:     "stun:stun.example:3478",
	}
	s, err := buildServices(context.Background(), cfg, zap.NewNop())
	if err != nil {
		t.Fatalf("buildServices: %v", err)
	}
	t.Cleanup(func() { s.Close(zap.NewNop()) })
	return cfg, s
}

func TestBuildServicesWithoutRedis(t *testing.T) {
	_, s := newTestServices(t)
	if s.redis != nil {
		t.Error("redis client created without REDIS_ADDR")
	}
	if s.pusher != nil {
		t.Error("push notifier created without VAPID keys")
	}
	if s.hub == nil || s.ws == nil || s.limiter == nil || s.auth == nil {
		t.Fatalf("services incomplete: %+v", s)
	}
}

func TestRouter(t *testing.T) {
	cfg, s := newTestServices(t)
	router := newRouter(cfg, s, zap.NewNop())

	tests := []struct {
		name       string
		method     string
		path       string
		header     map[string]string
		wantStatus int
		wantBody   string
	}{
		{"health", "GET", "/health", nil, http.StatusOK, `"status":"ok"`},
		{"metrics", "GET", "/metrics", nil, http.StatusOK, "chatpat_"},
		{"protected without token", "GET", "/api/chats/conversations", nil, http.StatusUnauthorized, "missing authorization token"},
		{"websocket without token", "GET", "/ws", nil, http.StatusUnauthorized, ""},
		{"unknown route", "GET", "/nope", nil, http.StatusNotFound, "not found"},
		{"vapid key disabled", "GET", "/api/push/vapid-public-key", nil, http.StatusNotFound, ""},
		{"cors preflight", "OPTIONS", "/api/auth/send-otp", map[string]string{
			"Origin":                        "https://app.example",
			"Access-Control-Request-Method": "POST",
		}, http.StatusNoContent, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.path, nil)
			for k, v := range tt.header {
				req.Header.Set(k, v)
			}
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)
			if w.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d (%s)", w.Code, tt.wantStatus, w.Body.String())
			}
			if tt.wantBody != "" && !strings.Contains(w.Body.String(), tt.wantBody) {
				t.Errorf("body %q does not contain %q", w.Body.String(), tt.wantBody)
			}
		})
	}
}
