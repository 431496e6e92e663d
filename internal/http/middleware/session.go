package middleware

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/studynest/batchline/internal/config"
	"github.com/studynest/batchline/internal/domain"
	"github.com/studynest/batchline/internal/session"
)

// Cookie names for the application session pair.
const (
	AccessCookie  = "bl_access_token"
	RefreshCookie = "bl_refresh_token"
)

const userKey = "sessionUser"

// Session authenticates requests from the session cookie pair and
// transparently rotates expired sessions.
type Session struct {
	Manager *session.Manager
	Cfg     config.Config
}

// Authenticate is the gin middleware guarding authenticated routes. When
// the access token is expired but the refresh token matches, new cookies
// are set on the response; every failure path clears the stale cookies.
func (m *Session) Authenticate(c *gin.Context) {
	access, _ := c.Cookie(AccessCookie)
	refresh, _ := c.Cookie(RefreshCookie)

	user, rotated, err := m.Manager.Authenticate(c.Request.Context(), access, refresh)
	if err != nil {
		ClearSessionCookies(c, m.Cfg)
		switch {
		case errors.Is(err, domain.ErrSessionMissing):
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "login_required", "error_description": "No session, please log in."})
		case errors.Is(err, domain.ErrSessionReuse):
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "session_revoked", "error_description": "Session token mismatch, please log in again."})
		default:
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid_session", "error_description": "Session invalid or expired."})
		}
		return
	}

	if rotated != nil {
		SetSessionCookies(c, m.Cfg, *rotated)
	}

	c.Set(userKey, user)
	c.Next()
}

// GetUser exposes the authenticated user to handlers.
func GetUser(c *gin.Context) (domain.User, bool) {
	value, ok := c.Get(userKey)
	if !ok {
		return domain.User{}, false
	}
	user, ok := value.(domain.User)
	return user, ok
}

// SetSessionCookies writes the HttpOnly session pair. Production uses
// SameSite=None with Secure so the SPA on another origin can send them;
// elsewhere Lax keeps local development working over plain HTTP.
func SetSessionCookies(c *gin.Context, cfg config.Config, pair session.Pair) {
	sameSite := http.SameSiteLaxMode
	secure := false
	if cfg.Production() {
		sameSite = http.SameSiteNoneMode
		secure = true
	}
	c.SetSameSite(sameSite)
	c.SetCookie(AccessCookie, pair.AccessToken, int(cfg.AccessTokenTTL.Seconds()), "/", "", secure, true)
	c.SetCookie(RefreshCookie, pair.RefreshToken, int(cfg.RefreshTokenTTL.Seconds()), "/", "", secure, true)
}

// ClearSessionCookies expires both session cookies.
func ClearSessionCookies(c *gin.Context, cfg config.Config) {
	secure := cfg.Production()
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(AccessCookie, "", -1, "/", "", secure, true)
	c.SetCookie(RefreshCookie, "", -1, "/", "", secure, true)
}
