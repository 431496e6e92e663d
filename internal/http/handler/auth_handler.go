package handler

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/studynest/batchline/internal/config"
	"github.com/studynest/batchline/internal/http/middleware"
	"github.com/studynest/batchline/internal/service"
)

// AuthHandler exposes the OTP login flow and session endpoints.
type AuthHandler struct {
	Auth *service.AuthService
	Cfg  config.Config
}

// NewAuthHandler wires the handler.
func NewAuthHandler(auth *service.AuthService, cfg config.Config) *AuthHandler {
	return &AuthHandler{Auth: auth, Cfg: cfg}
}

func (h *AuthHandler) OTPRequest(c *gin.Context) {
	var req struct {
		Phone string `json:"phone"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "error_description": "Invalid payload."})
		return
	}
	if strings.TrimSpace(req.Phone) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "error_description": "Phone is required."})
		return
	}

	if err := h.Auth.RequestOTP(c.Request.Context(), req.Phone); err != nil {
		respondAPIError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "OTP request accepted."})
}

func (h *AuthHandler) OTPVerify(c *gin.Context) {
	var req struct {
		Phone string `json:"phone"`
		Code  string `json:"code"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "error_description": "Invalid payload."})
		return
	}
	if strings.TrimSpace(req.Phone) == "" || strings.TrimSpace(req.Code) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "error_description": "Phone and code are required."})
		return
	}

	result, err := h.Auth.VerifyOTP(c.Request.Context(), req.Phone, req.Code)
	if err != nil {
		respondAPIError(c, err)
		return
	}

	middleware.SetSessionCookies(c, h.Cfg, result.Tokens)
	c.JSON(http.StatusOK, gin.H{
		"user": gin.H{
			"id":    result.User.ID,
			"name":  result.User.Name,
			"phone": result.User.Phone,
			"role":  result.User.Role,
		},
	})
}

func (h *AuthHandler) Me(c *gin.Context) {
	user, ok := middleware.GetUser(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid_session", "error_description": "No authenticated user."})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"id":    user.ID,
		"name":  user.Name,
		"phone": user.Phone,
		"role":  user.Role,
	})
}

func (h *AuthHandler) Logout(c *gin.Context) {
	user, ok := middleware.GetUser(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid_session", "error_description": "No authenticated user."})
		return
	}
	if err := h.Auth.Logout(c.Request.Context(), user.ID); err != nil {
		respondAPIError(c, err)
		return
	}
	middleware.ClearSessionCookies(c, h.Cfg)
	c.JSON(http.StatusOK, gin.H{"message": "Logged out."})
}

func respondAPIError(c *gin.Context, err error) {
	if apiErr, ok := err.(*service.APIError); ok {
		c.JSON(apiErr.Status, gin.H{"error": apiErr.Code, "error_description": apiErr.Description})
		return
	}
	c.JSON(http.StatusInternalServerError, gin.H{"error": "server_error", "error_description": err.Error()})
}
