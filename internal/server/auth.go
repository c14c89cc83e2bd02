package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/mohammad-safakhou/researcher/internal/runtime"
)

const (
	adminSubject = "admin"
	tokenTTL     = 24 * time.Hour
)

// AuthHandler issues tokens for the single admin account.
type AuthHandler struct {
	Secret            []byte
	AdminPasswordHash string
}

type AuthLoginRequest struct {
	Password string `json:"password"`
}

type TokenResponse struct {
	Token string `json:"token"`
}

func (a *AuthHandler) Register(g *echo.Group) {
	g.POST("/login", a.login)
	g.POST("/logout", a.logout)
}

// login checks the password against the configured bcrypt hash and returns
// a JWT in the body and an auth cookie.
func (a *AuthHandler) login(c echo.Context) error {
	if a.Secret == nil {
		return echo.NewHTTPError(http.StatusNotFound, "authentication is disabled")
	}
	var req AuthLoginRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := runtime.CheckPassword(a.AdminPasswordHash, req.Password); err != nil {
		if errors.Is(err, runtime.ErrInvalidCredentials) {
			return echo.NewHTTPError(http.StatusUnauthorized, "invalid credentials")
		}
		return err
	}
	signed, err := runtime.SignJWT(adminSubject, a.Secret, tokenTTL)
	if err != nil {
		return err
	}
	cookie := new(http.Cookie)
	cookie.Name = "auth"
	cookie.Value = signed
	cookie.Path = "/"
	cookie.HttpOnly = true
	cookie.SameSite = http.SameSiteLaxMode
	cookie.Secure = c.IsTLS()
	c.SetCookie(cookie)
	// also return token for Bearer flows
	c.Response().Header().Set("Authorization", "Bearer "+signed)
	return c.JSON(http.StatusOK, TokenResponse{Token: signed})
}

func (a *AuthHandler) logout(c echo.Context) error {
	cookie := new(http.Cookie)
	cookie.Name = "auth"
	cookie.Value = ""
	cookie.Path = "/"
	cookie.MaxAge = -1
	c.SetCookie(cookie)
	return c.NoContent(http.StatusOK)
}
