package http

import (
	"net/http"
	"strings"
	"time"

	"voxhub/internal/core/domain"
	"voxhub/internal/core/services"
	"voxhub/pkg/errors"
	"voxhub/pkg/validation"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

type AuthHandler struct {
	authService services.AuthService
	tokenTTL    time.Duration
}

func NewAuthHandler(authService services.AuthService, tokenTTL time.Duration) *AuthHandler {
	return &AuthHandler{
		authService: authService,
		tokenTTL:    tokenTTL,
	}
}

func (h *AuthHandler) SetupRoutes(router *gin.Engine) {
	api := router.Group("/api/v1/auth")
	{
		api.POST("/login", h.Login)
		api.POST("/refresh", h.RefreshToken)
	}
}

type LoginRequest struct {
	Username string `json:"username" binding:"required,max=50"`
}

type RefreshTokenRequest struct {
	RefreshToken string `json:"refresh_token" binding:"required,max=2048"`
}

// Login issues signaling credentials for a display name. Credential
// verification against a user directory is an integration point; here any
// well-formed name gets a token.
func (h *AuthHandler) Login(c *gin.Context) {
	var req LoginRequest
	if err := c.BindJSON(&req); err != nil {
		c.Error(errors.NewInvalidInputError("invalid request format"))
		return
	}

	req.Username = strings.TrimSpace(req.Username)
	if err := validation.ValidatePeerID(req.Username); err != nil {
		c.Error(errors.NewInvalidInputError(err.Error()))
		return
	}

	userID := domain.UserID(uuid.New().String())

	accessToken, err := h.authService.GenerateToken(userID, req.Username)
	if err != nil {
		c.Error(errors.NewInternalError("failed to generate token"))
		return
	}

	refreshToken, err := h.authService.GenerateRefreshToken(userID)
	if err != nil {
		c.Error(errors.NewInternalError("failed to generate refresh token"))
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"user_id":       userID,
		"username":      req.Username,
		"access_token":  accessToken,
		"refresh_token": refreshToken,
		"expires_in":    int(h.tokenTTL / time.Second),
	})
}

func (h *AuthHandler) RefreshToken(c *gin.Context) {
	var req RefreshTokenRequest
	if err := c.BindJSON(&req); err != nil {
		c.Error(errors.NewInvalidInputError("invalid request format"))
		return
	}

	claims, err := h.authService.ValidateRefreshToken(req.RefreshToken)
	if err != nil {
		c.Error(errors.NewUnauthorizedError(err.Error()))
		return
	}

	accessToken, err := h.authService.GenerateToken(claims.UserID, claims.Username)
	if err != nil {
		c.Error(errors.NewInternalError("failed to generate token"))
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"access_token": accessToken,
		"expires_in":   int(h.tokenTTL / time.Second),
	})
}
