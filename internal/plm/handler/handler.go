package handler

import (
	"errors"
	"strconv"

	"github.com/bitfantasy/plm-lite/internal/config"
	"github.com/bitfantasy/plm-lite/internal/middleware"
	"github.com/bitfantasy/plm-lite/internal/plm/repository"
	"github.com/bitfantasy/plm-lite/internal/plm/service"
	"github.com/gin-gonic/gin"
)

// Handlers 处理器集合
type Handlers struct {
	Auth         *AuthHandler
	Part         *PartHandler
	Relationship *RelationshipHandler
	Document     *DocumentHandler
	Admin        *AdminHandler
}

// NewHandlers 创建处理器集合
func NewHandlers(svc *service.Services, cfg *config.Config) *Handlers {
	return &Handlers{
		Auth:         NewAuthHandler(svc.Auth, cfg),
		Part:         NewPartHandler(svc.Part, svc.BOM),
		Relationship: NewRelationshipHandler(svc.BOM),
		Document:     NewDocumentHandler(svc.Document),
		Admin:        NewAdminHandler(svc.User, svc.Audit),
	}
}

// Response 通用响应结构
type Response struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// Pagination 分页信息
type Pagination struct {
	Page       int `json:"page"`
	PageSize   int `json:"page_size"`
	Total      int `json:"total"`
	TotalPages int `json:"total_pages"`
}

// Success 成功响应
func Success(c *gin.Context, data interface{}) {
	c.JSON(200, Response{
		Code:    0,
		Message: "success",
		Data:    data,
	})
}

// Created 创建成功响应
func Created(c *gin.Context, data interface{}) {
	c.JSON(201, Response{
		Code:    0,
		Message: "success",
		Data:    data,
	})
}

// Error 错误响应
func Error(c *gin.Context, code int, message string) {
	statusCode := code / 100
	if statusCode < 100 || statusCode > 599 {
		statusCode = 500
	}
	c.JSON(statusCode, Response{
		Code:    code,
		Message: message,
	})
}

// ErrorWithData 携带数据的错误响应，签出冲突时返回持有者信息
func ErrorWithData(c *gin.Context, code int, message string, data interface{}) {
	statusCode := code / 100
	if statusCode < 100 || statusCode > 599 {
		statusCode = 500
	}
	c.JSON(statusCode, Response{
		Code:    code,
		Message: message,
		Data:    data,
	})
}

// BadRequest 参数错误响应
func BadRequest(c *gin.Context, message string) {
	Error(c, 40000, message)
}

// Unauthorized 未授权响应
func Unauthorized(c *gin.Context, message string) {
	Error(c, 40100, message)
}

// Forbidden 禁止访问响应
func Forbidden(c *gin.Context, message string) {
	Error(c, 40300, message)
}

// NotFound 资源不存在响应
func NotFound(c *gin.Context, message string) {
	Error(c, 40400, message)
}

// InternalError 服务器错误响应
func InternalError(c *gin.Context, message string) {
	Error(c, 50000, message)
}

// HandleServiceError 业务错误统一映射
func HandleServiceError(c *gin.Context, err error) {
	var lockHeld *service.LockHeldError
	switch {
	case errors.Is(err, repository.ErrNotFound):
		NotFound(c, "资源不存在")
	case errors.As(err, &lockHeld):
		ErrorWithData(c, 40900, "零件已被签出", gin.H{
			"holder_id":      lockHeld.HolderID,
			"holder_name":    lockHeld.HolderName,
			"station":        lockHeld.Station,
			"checked_out_at": lockHeld.Since,
		})
	case errors.Is(err, service.ErrNotLockHolder):
		Error(c, 40901, "当前用户不是签出持有者")
	case errors.Is(err, service.ErrAlreadyReleased):
		Error(c, 40902, "零件已发布")
	case errors.Is(err, service.ErrNotReleased):
		Error(c, 40903, "零件未发布")
	case errors.Is(err, service.ErrDuplicateRelationship):
		Error(c, 40904, "该父子关系已存在")
	case errors.Is(err, service.ErrDuplicatePartNumber):
		Error(c, 40905, "零件号已存在")
	case errors.Is(err, service.ErrRevisionConflict):
		Error(c, 40906, "修订号已被并发更新，请刷新后重试")
	case errors.Is(err, service.ErrSelfReference):
		Error(c, 42200, "零件不能引用自身")
	case errors.Is(err, service.ErrCyclicAssembly):
		Error(c, 42201, "该关系会造成装配环")
	case errors.Is(err, service.ErrPartLocked):
		Error(c, 42300, "零件已发布锁定")
	default:
		InternalError(c, err.Error())
	}
}

// GetUserID 从上下文获取用户ID
func GetUserID(c *gin.Context) string {
	userID, _ := c.Get("user_id")
	if id, ok := userID.(string); ok {
		return id
	}
	return ""
}

// IsAdmin 判断当前请求是否具备管理员能力
func IsAdmin(c *gin.Context) bool {
	v, exists := c.Get("claims")
	if !exists {
		return false
	}
	claims, ok := v.(*middleware.JWTClaims)
	return ok && claims.CanAdmin
}

// GetPagination 从请求获取分页参数
func GetPagination(c *gin.Context) (page, pageSize int) {
	page = 1
	pageSize = 20

	if p := c.Query("page"); p != "" {
		if v, err := strconv.Atoi(p); err == nil && v > 0 {
			page = v
		}
	}

	if ps := c.Query("page_size"); ps != "" {
		if v, err := strconv.Atoi(ps); err == nil && v > 0 && v <= 100 {
			pageSize = v
		}
	}

	return page, pageSize
}

// NewPagination 构造分页信息
func NewPagination(page, pageSize int, total int64) *Pagination {
	totalPages := int(total) / pageSize
	if int(total)%pageSize > 0 {
		totalPages++
	}
	return &Pagination{
		Page:       page,
		PageSize:   pageSize,
		Total:      int(total),
		TotalPages: totalPages,
	}
}
