package auth

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
)

// TokenRequest carries the daemon password. Username only names the token
// subject.
type TokenRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type TokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
}

type Handlers struct {
	authService *Service
	guard       *Guard
}

// NewHandlers wires the token endpoints. A nil guard disables throttling.
func NewHandlers(authService *Service, guard *Guard) *Handlers {
	return &Handlers{authService: authService, guard: guard}
}

// RegisterRoutes mounts the token exchange and status endpoints.
func (h *Handlers) RegisterRoutes(g *echo.Group) {
	if h.guard != nil {
		g.POST("/token", h.Token, h.guard.Middleware())
	} else {
		g.POST("/token", h.Token)
	}
	g.GET("/status", h.Status)
}

// Token exchanges the configured password for a bearer token.
func (h *Handlers) Token(c echo.Context) error {
	if !h.authService.Enabled() {
		return echo.NewHTTPError(http.StatusNotFound, ErrDisabled.Error())
	}

	var req TokenRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	user := req.Username
	if user == "" {
		user = "admin"
	}
	addr := c.RealIP()

	if h.guard != nil {
		if left := h.guard.Locked(addr); left > 0 {
			return echo.NewHTTPError(http.StatusTooManyRequests,
				fmt.Sprintf("too many failed attempts, try again in %s", left.Round(time.Second)))
		}
	}

	if err := h.authService.ValidatePassword(req.Password); err != nil {
		if h.guard != nil && errors.Is(err, ErrInvalidCredentials) {
			h.guard.Failed(addr)
		}
		switch {
		case errors.Is(err, ErrNoPasswordSet):
			return echo.NewHTTPError(http.StatusForbidden, err.Error())
		case errors.Is(err, ErrPasswordRequired):
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		default:
			return echo.NewHTTPError(http.StatusUnauthorized, ErrInvalidCredentials.Error())
		}
	}
	if h.guard != nil {
		h.guard.Succeeded(addr)
	}

	token, expires, err := h.authService.GenerateToken(user)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, TokenResponse{Token: token, ExpiresAt: expires})
}

// Status reports whether the API requires a token.
func (h *Handlers) Status(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]bool{
		"requiresAuth": h.authService.Enabled(),
		"passwordSet":  len(h.authService.passwordHash) > 0,
	})
}
