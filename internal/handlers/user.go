package handlers

import (
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/huangang/casbridge/internal/middleware"
	"github.com/huangang/casbridge/internal/services"
	"github.com/huangang/casbridge/pkg/response"
)

type UserHandler struct {
	userService *services.UserService
}

func NewUserHandler(userService *services.UserService) *UserHandler {
	return &UserHandler{userService: userService}
}

func (h *UserHandler) List(c *gin.Context) {
	var req services.UserListRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		response.BadRequest(c, err.Error())
		return
	}

	result, err := h.userService.List(c.Request.Context(), &req)
	if err != nil {
		renderError(c, err)
		return
	}
	response.Success(c, result)
}

func (h *UserHandler) Get(c *gin.Context) {
	id, ok := userIDParam(c)
	if !ok {
		return
	}

	user, err := h.userService.Get(c.Request.Context(), id)
	if err != nil {
		renderError(c, err)
		return
	}
	response.Success(c, user)
}

func (h *UserHandler) Create(c *gin.Context) {
	var req services.CreateUserRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, err.Error())
		return
	}

	user, err := h.userService.Create(c.Request.Context(), &req)
	if err != nil {
		renderError(c, err)
		return
	}
	response.Created(c, user)
}

func (h *UserHandler) Update(c *gin.Context) {
	id, ok := userIDParam(c)
	if !ok {
		return
	}

	var req services.UpdateUserRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, err.Error())
		return
	}
	if id == middleware.GetUserID(c) && (req.Role != nil || req.IsActive != nil) {
		response.BadRequest(c, "cannot change the role or status of your own account")
		return
	}

	user, err := h.userService.Update(c.Request.Context(), id, &req)
	if err != nil {
		renderError(c, err)
		return
	}
	response.Success(c, user)
}

func (h *UserHandler) Delete(c *gin.Context) {
	id, ok := userIDParam(c)
	if !ok {
		return
	}
	if id == middleware.GetUserID(c) {
		response.BadRequest(c, "cannot delete your own account")
		return
	}

	if err := h.userService.Delete(c.Request.Context(), id); err != nil {
		renderError(c, err)
		return
	}
	response.Success(c, gin.H{"message": "user deleted"})
}

func userIDParam(c *gin.Context) (uint, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil || id == 0 {
		response.BadRequest(c, "invalid user id")
		return 0, false
	}
	return uint(id), true
}
