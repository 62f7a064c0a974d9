package handlers

import (
	"github.com/gin-gonic/gin"
	"github.com/huangang/casbridge/internal/middleware"
	"github.com/huangang/casbridge/internal/services"
	"github.com/huangang/casbridge/pkg/response"
)

type CASHandler struct {
	casService *services.CASAuthService
}

func NewCASHandler(casService *services.CASAuthService) *CASHandler {
	return &CASHandler{casService: casService}
}

// GetLoginURL returns where the browser should go to sign in
// GET /api/auth/cas/login-url?redirect_url=
func (h *CASHandler) GetLoginURL(c *gin.Context) {
	response.Success(c, h.casService.LoginURL(c.Query("redirect_url")))
}

type CASCallbackRequest struct {
	Ticket  string `form:"ticket" json:"ticket" binding:"required"`
	Service string `form:"service" json:"service"`
}

// Callback exchanges a service ticket for a session
// GET /api/auth/cas/callback?ticket=&service=
// POST /api/auth/cas/callback
func (h *CASHandler) Callback(c *gin.Context) {
	var req CASCallbackRequest
	if err := c.ShouldBind(&req); err != nil {
		response.Error(c, response.NewBadRequest("ticket is required").WithReason(services.ReasonTicketInvalid))
		return
	}

	result, err := h.casService.Callback(c.Request.Context(), req.Ticket, req.Service, c.ClientIP(), c.Request.UserAgent())
	if err != nil {
		renderError(c, err)
		return
	}
	response.Success(c, result)
}

// Logout ends every session of the caller and returns the CAS logout URL
// POST /api/auth/cas/logout
func (h *CASHandler) Logout(c *gin.Context) {
	resp, err := h.casService.Logout(c.Request.Context(), middleware.GetUserID(c))
	if err != nil {
		renderError(c, err)
		return
	}
	response.Success(c, resp)
}

// GetPublicSettings tells the login page whether to show the CAS button
// GET /api/auth/cas/settings
func (h *CASHandler) GetPublicSettings(c *gin.Context) {
	response.Success(c, h.casService.PublicSettings())
}

// GetConfig GET /api/system-config/cas
func (h *CASHandler) GetConfig(c *gin.Context) {
	response.Success(c, h.casService.GetConfig())
}

// UpdateConfig PUT /api/system-config/cas
func (h *CASHandler) UpdateConfig(c *gin.Context) {
	var req services.UpdateCASConfigRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, err.Error())
		return
	}

	resp, err := h.casService.UpdateConfig(c.Request.Context(), &req)
	if err != nil {
		renderError(c, err)
		return
	}
	response.Success(c, resp)
}

// TestConnection checks unsaved settings against the CAS server
// POST /api/system-config/cas/test
func (h *CASHandler) TestConnection(c *gin.Context) {
	var req services.UpdateCASConfigRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, err.Error())
		return
	}
	response.Success(c, h.casService.TestConnection(c.Request.Context(), &req))
}
