package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

type captureLimiter struct {
	ctx     context.Context
	key     string
	allowed bool
}

func (l *captureLimiter) Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error) {
	l.ctx = ctx
	l.key = key
	return l.allowed, nil
}

type ctxKey struct{}

func TestRateLimitForwardsRequestContext(t *testing.T) {
	limiter := &captureLimiter{allowed: true}
	var nextCalled bool
	h := RateLimit(limiter, 10, time.Minute)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		nextCalled = true
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/pools", nil)
	req = req.WithContext(context.WithValue(req.Context(), ctxKey{}, "marker"))
	h.ServeHTTP(httptest.NewRecorder(), req)

	if !nextCalled {
		t.Fatal("next handler not invoked")
	}
	if limiter.ctx == nil || limiter.ctx.Value(ctxKey{}) != "marker" {
		t.Error("limiter did not receive the request context")
	}
}

func TestRateLimitKeysByCaller(t *testing.T) {
	limiter := &captureLimiter{allowed: true}
	h := RateLimit(limiter, 10, time.Minute)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	addr := common.HexToAddress("0x00000000000000000000000000000000000000a1")
	req := httptest.NewRequest(http.MethodGet, "/api/pools", nil)
	req = req.WithContext(WithCaller(req.Context(), addr))
	h.ServeHTTP(httptest.NewRecorder(), req)

	if limiter.key != "api:"+addr.Hex() {
		t.Errorf("key = %q, want api:%s", limiter.key, addr.Hex())
	}
}

func TestRateLimitRejectsWhenDenied(t *testing.T) {
	limiter := &captureLimiter{allowed: false}
	var nextCalled bool
	h := RateLimit(limiter, 1, time.Minute)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		nextCalled = true
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/pools", nil))

	if nextCalled {
		t.Error("next handler invoked past the limit")
	}
	if rec.Code != http.StatusTooManyRequests {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusTooManyRequests)
	}
}
