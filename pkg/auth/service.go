package auth

import (
	"crypto/subtle"
	"fmt"
	"strings"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/golang-jwt/jwt/v5"
	memerr "github.com/theapemachine/memcube/pkg/errors"
)

const principalKey = "memcube.principal"

/*
Principal is the authenticated caller. Subject is empty for the static
token, which is trusted for every user.
*/
type Principal struct {
	Subject string
	Scheme  string
}

// Allows reports whether the principal may act for userID.
func (p Principal) Allows(userID string) bool {
	return p.Subject == "" || p.Subject == strings.TrimSpace(userID)
}

type Options struct {
	// Token is a static bearer token accepted as is.
	Token string
	// SigningKey enables HS256 JWTs whose "sub" claim names the user.
	SigningKey string
	// RateLimit is the number of requests allowed per minute, 0 for none.
	RateLimit int64
}

/*
Service gates the HTTP surface. With neither a token nor a signing key it
lets everything through.
*/
type Service struct {
	token       string
	signingKey  []byte
	rateLimiter *RateLimiter
}

func NewService(options Options) *Service {
	svc := &Service{token: options.Token}

	if options.SigningKey != "" {
		svc.signingKey = []byte(options.SigningKey)
	}

	if options.RateLimit > 0 {
		svc.rateLimiter = NewRateLimiter(options.RateLimit, time.Minute)
	}

	return svc
}

// Enabled reports whether requests must carry credentials.
func (s *Service) Enabled() bool {
	return s.token != "" || len(s.signingKey) > 0
}

func (s *Service) getSigningKey(token *jwt.Token) (any, error) {
	if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
		return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
	}

	return s.signingKey, nil
}

/*
Authenticate checks an Authorization header value. Rate limiting applies
before credentials are looked at.
*/
func (s *Service) Authenticate(header string) (Principal, error) {
	if s.rateLimiter != nil && !s.rateLimiter.Allow() {
		return Principal{}, memerr.ErrRateLimited.WithMessagef("retry in %s", s.rateLimiter.WaitTime().Round(time.Millisecond))
	}

	if !s.Enabled() {
		return Principal{}, nil
	}

	if header == "" {
		return Principal{}, memerr.ErrUnauthorized.WithMessagef("missing authorization header")
	}

	tokenStr := header
	if len(header) > 7 && strings.EqualFold(header[:7], "bearer ") {
		tokenStr = strings.TrimSpace(header[7:])
	}

	if s.token != "" && subtle.ConstantTimeCompare([]byte(tokenStr), []byte(s.token)) == 1 {
		return Principal{Scheme: "static"}, nil
	}

	if len(s.signingKey) == 0 {
		return Principal{}, memerr.ErrUnauthorized.WithMessagef("invalid token")
	}

	token, err := jwt.Parse(tokenStr, s.getSigningKey, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil || !token.Valid {
		return Principal{}, memerr.ErrUnauthorized.WithMessagef("invalid token").Wrap(err)
	}

	subject, err := token.Claims.GetSubject()
	if err != nil || subject == "" {
		return Principal{}, memerr.ErrUnauthorized.WithMessagef("token has no subject")
	}

	return Principal{Subject: subject, Scheme: "jwt"}, nil
}

// GenerateToken signs an HS256 token for subject, valid for ttl.
func (s *Service) GenerateToken(subject string, ttl time.Duration) (string, error) {
	if len(s.signingKey) == 0 {
		return "", memerr.ErrValidation.WithMessagef("no signing key configured")
	}

	now := time.Now()

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   subject,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	})

	signed, err := token.SignedString(s.signingKey)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}

	return signed, nil
}

/*
Middleware authenticates every request except the ones skip accepts and
stores the Principal for the handlers.
*/
func (s *Service) Middleware(skip func(fiber.Ctx) bool) fiber.Handler {
	return func(c fiber.Ctx) error {
		if skip != nil && skip(c) {
			return c.Next()
		}

		principal, err := s.Authenticate(c.Get(fiber.HeaderAuthorization))
		if err != nil {
			return err
		}

		c.Locals(principalKey, principal)

		return c.Next()
	}
}

// PrincipalFrom returns the caller stored by Middleware.
func PrincipalFrom(c fiber.Ctx) Principal {
	principal, _ := c.Locals(principalKey).(Principal)
	return principal
}
