package api

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/labnotify/internal/ratelimit"
)

func TestIPKeyFunc(t *testing.T) {
	tests := []struct {
		name       string
		forwarded  string
		realIP     string
		remoteAddr string
		expected   string
	}{
		{"X-Forwarded-For", "1.2.3.4", "", "5.6.7.8:1234", "ip:1.2.3.4"},
		{"X-Real-IP", "", "1.2.3.4", "5.6.7.8:1234", "ip:1.2.3.4"},
		{"RemoteAddr fallback", "", "", "5.6.7.8:1234", "ip:5.6.7.8:1234"},
		{"Forwarded takes precedence", "1.1.1.1", "2.2.2.2", "3.3.3.3:1234", "ip:1.1.1.1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/test", nil)
			if tt.forwarded != "" {
				req.Header.Set("X-Forwarded-For", tt.forwarded)
			}
			if tt.realIP != "" {
				req.Header.Set("X-Real-IP", tt.realIP)
			}
			req.RemoteAddr = tt.remoteAddr

			result := IPKeyFunc(req)
			if result != tt.expected {
				t.Errorf("expected %q, got %q", tt.expected, result)
			}
		})
	}
}

type stubAdmitter struct{ err error }

func (s stubAdmitter) CheckAndRecord(context.Context, string) error { return s.err }

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestRateLimitMiddleware(t *testing.T) {
	tests := []struct {
		name       string
		limiter    ratelimit.Admitter
		wantStatus int
		wantRetry  string
	}{
		{"no limiter", nil, http.StatusOK, ""},
		{"admitted", stubAdmitter{}, http.StatusOK, ""},
		{"limited", stubAdmitter{&ratelimit.Error{Identifier: "ip:x", Wait: 2500 * time.Millisecond}}, http.StatusTooManyRequests, "3"},
		{"sub-second wait rounds to one", stubAdmitter{&ratelimit.Error{Identifier: "ip:x"}}, http.StatusTooManyRequests, "1"},
		{"backend failure fails open", stubAdmitter{errors.New("redis down")}, http.StatusOK, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			wrapped := RateLimitMiddleware(tt.limiter, zap.NewNop(), IPKeyFunc)(okHandler())
			rec := httptest.NewRecorder()
			wrapped.ServeHTTP(rec, httptest.NewRequest("GET", "/test", nil))

			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			if got := rec.Header().Get("Retry-After"); got != tt.wantRetry {
				t.Errorf("Retry-After = %q, want %q", got, tt.wantRetry)
			}
		})
	}
}

func TestRateLimitMiddleware_EmptyKeySkips(t *testing.T) {
	limiter := stubAdmitter{&ratelimit.Error{Wait: time.Second}}
	wrapped := RateLimitMiddleware(limiter, zap.NewNop(), func(*http.Request) string { return "" })(okHandler())

	rec := httptest.NewRecorder()
	wrapped.ServeHTTP(rec, httptest.NewRequest("GET", "/test", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d", rec.Code)
	}
}

func TestLocalLimiter(t *testing.T) {
	l := NewLocalLimiter(3)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := l.CheckAndRecord(ctx, "ip:a"); err != nil {
			t.Fatalf("call %d: %v", i+1, err)
		}
	}

	err := l.CheckAndRecord(ctx, "ip:a")
	var limited *ratelimit.Error
	if !errors.As(err, &limited) {
		t.Fatalf("fourth call error = %v, want *ratelimit.Error", err)
	}
	if limited.Wait <= 0 || limited.Wait > 20*time.Second {
		t.Errorf("wait = %v", limited.Wait)
	}

	if err := l.CheckAndRecord(ctx, "ip:b"); err != nil {
		t.Errorf("other key limited: %v", err)
	}

	now = now.Add(20 * time.Second)
	if err := l.CheckAndRecord(ctx, "ip:a"); err != nil {
		t.Errorf("token should refill after 20s: %v", err)
	}
}
