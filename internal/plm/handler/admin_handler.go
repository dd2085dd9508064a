package handler

import (
	"github.com/bitfantasy/plm-lite/internal/plm/repository"
	"github.com/bitfantasy/plm-lite/internal/plm/service"
	"github.com/gin-gonic/gin"
)

// AdminHandler 用户/角色/审计管理处理器
type AdminHandler struct {
	userSvc  *service.UserService
	auditSvc *service.AuditService
}

// NewAdminHandler 创建管理处理器
func NewAdminHandler(userSvc *service.UserService, auditSvc *service.AuditService) *AdminHandler {
	return &AdminHandler{userSvc: userSvc, auditSvc: auditSvc}
}

// CreateUser 创建用户
// POST /api/v1/admin/users
func (h *AdminHandler) CreateUser(c *gin.Context) {
	var input service.CreateUserInput
	if err := c.ShouldBindJSON(&input); err != nil {
		BadRequest(c, "参数错误: "+err.Error())
		return
	}

	user, err := h.userSvc.CreateUser(c.Request.Context(), input, GetUserID(c))
	if err != nil {
		HandleServiceError(c, err)
		return
	}
	Created(c, user)
}

// ListUsers 用户列表
// GET /api/v1/admin/users
func (h *AdminHandler) ListUsers(c *gin.Context) {
	users, err := h.userSvc.ListUsers(c.Request.Context())
	if err != nil {
		InternalError(c, "获取用户列表失败: "+err.Error())
		return
	}
	Success(c, gin.H{"items": users})
}

// GetUser 用户详情
// GET /api/v1/admin/users/:id
func (h *AdminHandler) GetUser(c *gin.Context) {
	user, err := h.userSvc.GetUser(c.Request.Context(), c.Param("id"))
	if err != nil {
		HandleServiceError(c, err)
		return
	}
	Success(c, user)
}

// UpdateUser 更新用户
// PUT /api/v1/admin/users/:id
func (h *AdminHandler) UpdateUser(c *gin.Context) {
	var input service.UpdateUserInput
	if err := c.ShouldBindJSON(&input); err != nil {
		BadRequest(c, "参数错误: "+err.Error())
		return
	}

	user, err := h.userSvc.UpdateUser(c.Request.Context(), c.Param("id"), input, GetUserID(c))
	if err != nil {
		HandleServiceError(c, err)
		return
	}
	Success(c, user)
}

// DeleteUser 删除用户
// DELETE /api/v1/admin/users/:id
func (h *AdminHandler) DeleteUser(c *gin.Context) {
	if err := h.userSvc.DeleteUser(c.Request.Context(), c.Param("id"), GetUserID(c)); err != nil {
		HandleServiceError(c, err)
		return
	}
	Success(c, nil)
}

// ResetPasswordRequest 重置密码请求
type ResetPasswordRequest struct {
	NewPassword string `json:"new_password" binding:"required,min=6"`
}

// ResetPassword 管理员重置用户密码
// POST /api/v1/admin/users/:id/reset-password
func (h *AdminHandler) ResetPassword(c *gin.Context) {
	var req ResetPasswordRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, "参数错误: "+err.Error())
		return
	}

	if err := h.userSvc.ResetPassword(c.Request.Context(), c.Param("id"), req.NewPassword, GetUserID(c)); err != nil {
		HandleServiceError(c, err)
		return
	}
	Success(c, nil)
}

// CreateRole 创建角色
// POST /api/v1/admin/roles
func (h *AdminHandler) CreateRole(c *gin.Context) {
	var input service.CreateRoleInput
	if err := c.ShouldBindJSON(&input); err != nil {
		BadRequest(c, "参数错误: "+err.Error())
		return
	}

	role, err := h.userSvc.CreateRole(c.Request.Context(), input, GetUserID(c))
	if err != nil {
		HandleServiceError(c, err)
		return
	}
	Created(c, role)
}

// ListRoles 角色列表
// GET /api/v1/admin/roles
func (h *AdminHandler) ListRoles(c *gin.Context) {
	roles, err := h.userSvc.ListRoles(c.Request.Context())
	if err != nil {
		InternalError(c, "获取角色列表失败: "+err.Error())
		return
	}
	Success(c, gin.H{"items": roles})
}

// UpdateRole 更新角色
// PUT /api/v1/admin/roles/:id
func (h *AdminHandler) UpdateRole(c *gin.Context) {
	var input service.CreateRoleInput
	if err := c.ShouldBindJSON(&input); err != nil {
		BadRequest(c, "参数错误: "+err.Error())
		return
	}

	role, err := h.userSvc.UpdateRole(c.Request.Context(), c.Param("id"), input, GetUserID(c))
	if err != nil {
		HandleServiceError(c, err)
		return
	}
	Success(c, role)
}

// DeleteRole 删除角色
// DELETE /api/v1/admin/roles/:id
func (h *AdminHandler) DeleteRole(c *gin.Context) {
	if err := h.userSvc.DeleteRole(c.Request.Context(), c.Param("id"), GetUserID(c)); err != nil {
		HandleServiceError(c, err)
		return
	}
	Success(c, nil)
}

// ListAuditLogs 审计记录列表
// GET /api/v1/admin/audit-logs
func (h *AdminHandler) ListAuditLogs(c *gin.Context) {
	page, pageSize := GetPagination(c)
	filter := repository.AuditFilter{
		UserID:     c.Query("user_id"),
		Action:     c.Query("action"),
		EntityType: c.Query("entity_type"),
		EntityID:   c.Query("entity_id"),
		Page:       page,
		PageSize:   pageSize,
	}

	logs, total, err := h.auditSvc.List(c.Request.Context(), filter)
	if err != nil {
		InternalError(c, "获取审计记录失败: "+err.Error())
		return
	}
	Success(c, gin.H{
		"items":      logs,
		"pagination": NewPagination(page, pageSize, total),
	})
}
