package handlers

import (
	"github.com/gin-gonic/gin"
	"github.com/huangang/casbridge/internal/middleware"
	"github.com/huangang/casbridge/internal/services"
	"github.com/huangang/casbridge/pkg/response"
)

type AuthHandler struct {
	authService *services.AuthService
	sessions    *services.SessionIssuer
	users       *services.UserService
}

func NewAuthHandler(authService *services.AuthService, sessions *services.SessionIssuer, users *services.UserService) *AuthHandler {
	return &AuthHandler{
		authService: authService,
		sessions:    sessions,
		users:       users,
	}
}

// Login handles password login for local accounts
// POST /api/auth/login
func (h *AuthHandler) Login(c *gin.Context) {
	var req services.LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, err.Error())
		return
	}

	result, err := h.authService.Login(c.Request.Context(), &req, c.ClientIP(), c.Request.UserAgent())
	if err != nil {
		renderError(c, err)
		return
	}
	response.Success(c, result)
}

type RefreshRequest struct {
	RefreshToken string `json:"refresh_token" binding:"required"`
}

// Refresh rotates a refresh token
// POST /api/auth/refresh
func (h *AuthHandler) Refresh(c *gin.Context) {
	var req RefreshRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, err.Error())
		return
	}

	pair, err := h.sessions.Refresh(c.Request.Context(), req.RefreshToken, c.ClientIP(), c.Request.UserAgent())
	if err != nil {
		renderError(c, err)
		return
	}
	response.Success(c, pair)
}

// GetCurrentUser returns the authenticated user
// GET /api/auth/me
func (h *AuthHandler) GetCurrentUser(c *gin.Context) {
	user, err := h.authService.GetUserByID(c.Request.Context(), middleware.GetUserID(c))
	if err != nil {
		renderError(c, err)
		return
	}
	response.Success(c, user)
}

// Logout revokes the given refresh token. Access tokens expire on their own.
// POST /api/auth/logout
func (h *AuthHandler) Logout(c *gin.Context) {
	var req RefreshRequest
	if err := c.ShouldBindJSON(&req); err == nil {
		if err := h.sessions.Revoke(c.Request.Context(), req.RefreshToken); err != nil {
			renderError(c, err)
			return
		}
	}
	response.Success(c, gin.H{"message": "logged out"})
}

// ChangePassword lets a local user replace their password
// POST /api/auth/change-password
func (h *AuthHandler) ChangePassword(c *gin.Context) {
	var req services.ChangePasswordRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, err.Error())
		return
	}

	if err := h.users.ChangePassword(c.Request.Context(), middleware.GetUserID(c), &req); err != nil {
		renderError(c, err)
		return
	}
	response.Success(c, gin.H{"message": "password changed"})
}
