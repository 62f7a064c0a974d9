package handlers

import (
	"github.com/gin-gonic/gin"
	"github.com/huangang/casbridge/internal/services"
	"github.com/huangang/casbridge/pkg/response"
)

// Settings that may be edited through the generic endpoint. CAS settings go
// through the CAS config endpoint so the live snapshot stays in sync.
var editableConfigKeys = map[string]bool{
	"auth_access_token_expire_hours":  true,
	"auth_refresh_token_expire_hours": true,
	"log_retention_days":              true,
}

type SystemConfigHandler struct {
	configService *services.SystemConfigService
}

func NewSystemConfigHandler(configService *services.SystemConfigService) *SystemConfigHandler {
	return &SystemConfigHandler{configService: configService}
}

// GetByGroup GET /api/system-config?group=auth
func (h *SystemConfigHandler) GetByGroup(c *gin.Context) {
	group := c.Query("group")
	if group == "" {
		response.BadRequest(c, "group is required")
		return
	}

	// cas values are served masked by the CAS config endpoint
	if group == "cas" {
		response.Forbidden(c, "use the cas config endpoint")
		return
	}

	configs, err := h.configService.GetByGroup(group)
	if err != nil {
		renderError(c, err)
		return
	}
	response.Success(c, configs)
}

type UpdateSystemConfigRequest struct {
	Values map[string]string `json:"values" binding:"required"`
}

// Update PUT /api/system-config
func (h *SystemConfigHandler) Update(c *gin.Context) {
	var req UpdateSystemConfigRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, err.Error())
		return
	}
	for key := range req.Values {
		if !editableConfigKeys[key] {
			response.BadRequest(c, "unknown or read-only config key: "+key)
			return
		}
	}

	for key, value := range req.Values {
		if err := h.configService.Set(key, value); err != nil {
			renderError(c, err)
			return
		}
	}
	response.Success(c, gin.H{"updated": len(req.Values)})
}
