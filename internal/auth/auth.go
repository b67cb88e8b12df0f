package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
	"golang.org/x/crypto/bcrypt"

	"github.com/slipstream/grabber/internal/config"
)

const issuer = "grabber"

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrNoPasswordSet      = errors.New("no password has been set")
	ErrPasswordRequired   = errors.New("password is required")
	ErrInvalidToken       = errors.New("invalid token")
	ErrTokenExpired       = errors.New("token has expired")
	ErrDisabled           = errors.New("authentication is disabled")
)

// Claims represents JWT claims.
type Claims struct {
	jwt.RegisteredClaims
}

// Service issues and checks API tokens.
type Service struct {
	jwtSecret    []byte
	ttl          time.Duration
	passwordHash []byte
	now          func() time.Time
}

// NewService creates a new auth service. An empty secret disables auth.
func NewService(cfg config.AuthConfig) *Service {
	ttl := cfg.TokenTTL
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Service{
		jwtSecret:    []byte(cfg.JWTSecret),
		ttl:          ttl,
		passwordHash: []byte(cfg.PasswordHash),
		now:          time.Now,
	}
}

// Enabled reports whether requests must carry a token.
func (s *Service) Enabled() bool {
	return len(s.jwtSecret) > 0
}

// HashPassword returns the bcrypt hash to store in auth.password_hash.
func HashPassword(password string) (string, error) {
	if password == "" {
		return "", ErrPasswordRequired
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash password: %w", err)
	}
	return string(hash), nil
}

// ValidatePassword checks a password against the configured hash.
func (s *Service) ValidatePassword(password string) error {
	if len(s.passwordHash) == 0 {
		return ErrNoPasswordSet
	}
	if password == "" {
		return ErrPasswordRequired
	}
	if err := bcrypt.CompareHashAndPassword(s.passwordHash, []byte(password)); err != nil {
		return ErrInvalidCredentials
	}
	return nil
}

// GenerateToken creates a new JWT token for subject.
func (s *Service) GenerateToken(subject string) (string, time.Time, error) {
	if !s.Enabled() {
		return "", time.Time{}, ErrDisabled
	}
	now := s.now()
	expires := now.Add(s.ttl)
	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(expires),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    issuer,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.jwtSecret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return signed, expires, nil
}

// ValidateToken validates a JWT token and returns the claims.
func (s *Service) ValidateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.jwtSecret, nil
	}, jwt.WithIssuer(issuer), jwt.WithTimeFunc(s.now))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, ErrInvalidToken
	}

	if claims, ok := token.Claims.(*Claims); ok && token.Valid {
		return claims, nil
	}
	return nil, ErrInvalidToken
}

// Middleware rejects requests without a valid bearer token. WebSocket
// clients that cannot set headers may pass the token as ?token=.
func (s *Service) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if !s.Enabled() {
				return next(c)
			}
			raw := bearer(c.Request().Header.Get(echo.HeaderAuthorization))
			if raw == "" {
				raw = c.QueryParam("token")
			}
			if raw == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "missing token")
			}
			claims, err := s.ValidateToken(raw)
			if err != nil {
				return echo.NewHTTPError(http.StatusUnauthorized, err.Error())
			}
			c.Set("subject", claims.Subject)
			return next(c)
		}
	}
}

func bearer(header string) string {
	const prefix = "Bearer "
	if len(header) > len(prefix) && strings.EqualFold(header[:len(prefix)], prefix) {
		return strings.TrimSpace(header[len(prefix):])
	}
	return ""
}
