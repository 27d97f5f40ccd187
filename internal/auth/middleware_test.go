package auth

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticVerifier map[string]*Claims

func (v staticVerifier) Verify(_ context.Context, token string) (*Claims, error) {
	if c, ok := v[token]; ok {
		return c, nil
	}
	return nil, errors.New("unknown token")
}

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestMiddleware(cfg MiddlewareConfig) *Middleware {
	cfg.Enabled = true
	cfg.Clock = func() time.Time { return now }
	cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewMiddleware(staticVerifier{
		"alice":   {Subject: "alice", Roles: []string{"workflows", "operator"}},
		"bob":     {Subject: "bob", Roles: []string{"workflows"}},
		"mallory": {Subject: "mallory"},
		"stale":   {Subject: "stale", Roles: []string{"workflows"}, Expiry: now.Add(-time.Minute)},
	}, &cfg)
}

// echoSubject writes the authenticated subject.
var echoSubject = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	subject := ""
	if c := GetClaims(r.Context()); c != nil {
		subject = c.Subject
	}
	w.Write([]byte(subject))
})

func serve(h http.Handler, path string, header string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if header != "" {
		req.Header.Set("Authorization", header)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestMiddleware_Handler(t *testing.T) {
	m := newTestMiddleware(MiddlewareConfig{RequiredRoles: []string{"workflows"}})
	h := m.Handler(echoSubject)

	tests := []struct {
		name   string
		path   string
		header string
		status int
		body   string
	}{
		{name: "valid token", path: "/api/v1/workflows", header: "Bearer alice", status: http.StatusOK, body: "alice"},
		{name: "lowercase scheme", path: "/api/v1/workflows", header: "bearer bob", status: http.StatusOK, body: "bob"},
		{name: "query token", path: "/api/v1/workflows/wf/events?access_token=bob", status: http.StatusOK, body: "bob"},
		{name: "public path", path: "/health", status: http.StatusOK, body: ""},
		{name: "missing header", path: "/api/v1/workflows", status: http.StatusUnauthorized},
		{name: "basic scheme", path: "/api/v1/workflows", header: "Basic YWxpY2U6", status: http.StatusUnauthorized},
		{name: "unknown token", path: "/api/v1/workflows", header: "Bearer eve", status: http.StatusUnauthorized},
		{name: "expired token", path: "/api/v1/workflows", header: "Bearer stale", status: http.StatusUnauthorized},
		{name: "missing role", path: "/api/v1/workflows", header: "Bearer mallory", status: http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := serve(h, tt.path, tt.header)
			require.Equal(t, tt.status, rec.Code, rec.Body.String())
			if tt.status == http.StatusOK {
				assert.Equal(t, tt.body, rec.Body.String())
				return
			}
			var body map[string]string
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.NotEmpty(t, body["message"])
			if tt.status == http.StatusUnauthorized {
				assert.Equal(t, "unauthorized", body["error"])
				assert.Contains(t, rec.Header().Get("WWW-Authenticate"), "Bearer")
			} else {
				assert.Equal(t, "forbidden", body["error"])
			}
		})
	}
}

func TestMiddleware_Operator(t *testing.T) {
	m := newTestMiddleware(MiddlewareConfig{OperatorRole: "operator"})
	h := m.Handler(m.Operator(echoSubject))

	assert.Equal(t, http.StatusOK, serve(h, "/api/v1/nodes/n1/drain", "Bearer alice").Code)
	assert.Equal(t, http.StatusForbidden, serve(h, "/api/v1/nodes/n1/drain", "Bearer bob").Code)
}

func TestMiddleware_Disabled(t *testing.T) {
	m := NewMiddleware(nil, &MiddlewareConfig{Enabled: true, OperatorRole: "operator"})
	assert.False(t, m.Enabled())

	h := m.Handler(m.Operator(echoSubject))
	rec := serve(h, "/api/v1/workflows", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Body.String())
}

func TestMiddleware_Preflight(t *testing.T) {
	m := newTestMiddleware(MiddlewareConfig{})
	req := httptest.NewRequest(http.MethodOptions, "/api/v1/workflows", nil)
	rec := httptest.NewRecorder()
	m.Handler(echoSubject).ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestClaims(t *testing.T) {
	c := &Claims{Roles: []string{"a"}, Groups: []string{"g"}}
	assert.True(t, c.HasRole("a"))
	assert.False(t, c.HasRole("b"))
	assert.True(t, c.HasGroup("g"))
	assert.False(t, c.IsExpired(now))

	c.Expiry = now
	assert.False(t, c.IsExpired(now))
	assert.True(t, c.IsExpired(now.Add(time.Second)))
}
