package auth

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/leifmarkthaler/gleitzeit-sub000/internal/metrics"
)

// contextKey is used for storing claims in context.
type contextKey string

const claimsContextKey contextKey = "claims"

// tokenQueryParam carries the token for clients that cannot set headers,
// such as EventSource and browser websockets.
const tokenQueryParam = "access_token"

// Middleware provides HTTP middleware for authentication and authorization.
type Middleware struct {
	verifier      Verifier
	enabled       bool
	publicPaths   map[string]bool
	requiredRoles []string
	operatorRole  string
	logger        *slog.Logger
	now           func() time.Time
}

// MiddlewareConfig holds middleware configuration.
type MiddlewareConfig struct {
	// Enabled controls whether auth is enforced
	Enabled bool

	// PublicPaths are paths that don't require authentication
	PublicPaths []string

	// RequiredRoles are accepted roles for all protected endpoints; any one
	// of them suffices
	RequiredRoles []string

	// OperatorRole guards endpoints that change pool membership
	OperatorRole string

	Clock  func() time.Time
	Logger *slog.Logger
}

// NewMiddleware creates a new auth middleware.
func NewMiddleware(verifier Verifier, cfg *MiddlewareConfig) *Middleware {
	if cfg == nil {
		cfg = &MiddlewareConfig{}
	}

	publicPaths := map[string]bool{
		"/health":  true,
		"/healthz": true,
		"/ready":   true,
		"/metrics": true,
	}
	for _, p := range cfg.PublicPaths {
		publicPaths[p] = true
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Clock
	if now == nil {
		now = time.Now
	}

	return &Middleware{
		verifier:      verifier,
		enabled:       cfg.Enabled,
		publicPaths:   publicPaths,
		requiredRoles: cfg.RequiredRoles,
		operatorRole:  cfg.OperatorRole,
		logger:        logger,
		now:           now,
	}
}

// Enabled reports whether requests are checked.
func (m *Middleware) Enabled() bool { return m.enabled && m.verifier != nil }

// Handler returns the auth middleware handler.
func (m *Middleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.publicPaths[r.URL.Path] || r.Method == http.MethodOptions || !m.Enabled() {
			next.ServeHTTP(w, r)
			return
		}

		token, ok := bearerToken(r)
		if !ok {
			m.reject(w, r, http.StatusUnauthorized, "missing_token", "missing or malformed authorization header")
			return
		}

		claims, err := m.verifier.Verify(r.Context(), token)
		if err != nil {
			m.logger.Debug("token rejected", slog.String("error", err.Error()))
			m.reject(w, r, http.StatusUnauthorized, "invalid_token", "invalid token")
			return
		}
		if claims.IsExpired(m.now()) {
			m.reject(w, r, http.StatusUnauthorized, "expired", "token expired")
			return
		}

		if len(m.requiredRoles) > 0 && !hasAnyRole(claims, m.requiredRoles) {
			m.reject(w, r, http.StatusForbidden, "forbidden", "insufficient permissions")
			return
		}

		ctx := context.WithValue(r.Context(), claimsContextKey, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// Operator restricts next to callers holding the operator role. It is a
// no-op when auth is disabled or no operator role is configured.
func (m *Middleware) Operator(next http.Handler) http.Handler {
	if !m.Enabled() || m.operatorRole == "" {
		return next
	}
	return m.RequireRole(m.operatorRole)(next)
}

// RequireRole middleware checks for a specific role. It must run after
// Handler.
func (m *Middleware) RequireRole(role string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims := GetClaims(r.Context())
			if claims == nil || !claims.HasRole(role) {
				m.reject(w, r, http.StatusForbidden, "forbidden", "insufficient permissions")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// GetClaims extracts claims from the request context.
func GetClaims(ctx context.Context) *Claims {
	claims, _ := ctx.Value(claimsContextKey).(*Claims)
	return claims
}

func bearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	if header == "" {
		token := r.URL.Query().Get(tokenQueryParam)
		return token, token != ""
	}
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

func hasAnyRole(c *Claims, roles []string) bool {
	for _, role := range roles {
		if c.HasRole(role) {
			return true
		}
	}
	return false
}

func (m *Middleware) reject(w http.ResponseWriter, r *http.Request, status int, reason, message string) {
	metrics.AuthFailures.WithLabelValues(reason).Inc()
	m.logger.Warn("request rejected",
		slog.String("path", r.URL.Path),
		slog.String("reason", reason),
	)

	code := "unauthorized"
	if status == http.StatusUnauthorized {
		w.Header().Set("WWW-Authenticate", `Bearer realm="gleitzeit"`)
	} else {
		code = "forbidden"
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{
		"error":   code,
		"message": message,
	})
}
