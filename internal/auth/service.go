package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// DefaultServiceIssuer is the issuer of service tokens.
const DefaultServiceIssuer = "gleitzeit"

// serviceClaims is the JWT body of a service token.
type serviceClaims struct {
	jwt.RegisteredClaims
	Roles []string `json:"roles,omitempty"`
}

// ServiceTokens signs and verifies HS256 tokens for automated clients that
// have no identity at the OIDC provider, such as CI jobs.
type ServiceTokens struct {
	secret []byte
	issuer string
	now    func() time.Time
}

// NewServiceTokens creates a signer/verifier for secret. An empty issuer
// uses DefaultServiceIssuer.
func NewServiceTokens(secret, issuer string) (*ServiceTokens, error) {
	if len(secret) < 32 {
		return nil, errors.New("service token secret must be at least 32 bytes")
	}
	if issuer == "" {
		issuer = DefaultServiceIssuer
	}
	return &ServiceTokens{secret: []byte(secret), issuer: issuer, now: time.Now}, nil
}

// Issue signs a token for subject holding roles, valid for ttl.
func (s *ServiceTokens) Issue(subject string, roles []string, ttl time.Duration) (string, error) {
	if subject == "" {
		return "", errors.New("subject is required")
	}
	now := s.now()
	claims := serviceClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
		Roles: roles,
	}
	if ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
}

// Verify checks the signature, issuer and time claims of a service token.
func (s *ServiceTokens) Verify(_ context.Context, rawToken string) (*Claims, error) {
	var sc serviceClaims
	_, err := jwt.ParseWithClaims(rawToken, &sc, func(t *jwt.Token) (interface{}, error) {
		return s.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(s.issuer),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		return nil, fmt.Errorf("verify service token: %w", err)
	}

	claims := &Claims{
		Subject: sc.Subject,
		Roles:   sc.Roles,
		Issuer:  sc.Issuer,
	}
	if sc.ExpiresAt != nil {
		claims.Expiry = sc.ExpiresAt.Time
	}
	return claims, nil
}

// Verifiers tries each verifier in order and accepts the first success.
type Verifiers []Verifier

// Verify implements Verifier.
func (vs Verifiers) Verify(ctx context.Context, rawToken string) (*Claims, error) {
	if len(vs) == 0 {
		return nil, errors.New("no token verifier configured")
	}
	var errs []error
	for _, v := range vs {
		claims, err := v.Verify(ctx, rawToken)
		if err == nil {
			return claims, nil
		}
		errs = append(errs, err)
	}
	return nil, errors.Join(errs...)
}
