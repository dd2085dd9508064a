package handler

import (
	"github.com/bitfantasy/plm-lite/internal/plm/service"
	"github.com/gin-gonic/gin"
)

// RelationshipHandler 装配关系处理器
type RelationshipHandler struct {
	bomSvc *service.BOMService
}

// NewRelationshipHandler 创建装配关系处理器
func NewRelationshipHandler(bomSvc *service.BOMService) *RelationshipHandler {
	return &RelationshipHandler{bomSvc: bomSvc}
}

// Create 创建父子关系
// POST /api/v1/relationships
func (h *RelationshipHandler) Create(c *gin.Context) {
	var input service.AddRelationshipInput
	if err := c.ShouldBindJSON(&input); err != nil {
		BadRequest(c, "参数错误: "+err.Error())
		return
	}

	rel, err := h.bomSvc.AddRelationship(c.Request.Context(), input, GetUserID(c))
	if err != nil {
		HandleServiceError(c, err)
		return
	}
	Created(c, rel)
}

// List 全部关系列表
// GET /api/v1/relationships
func (h *RelationshipHandler) List(c *gin.Context) {
	rels, err := h.bomSvc.ListRelationships(c.Request.Context())
	if err != nil {
		InternalError(c, "获取关系列表失败: "+err.Error())
		return
	}
	Success(c, gin.H{"items": rels})
}

// Update 更新关系用量/备注
// PUT /api/v1/relationships/:id
func (h *RelationshipHandler) Update(c *gin.Context) {
	var input service.UpdateRelationshipInput
	if err := c.ShouldBindJSON(&input); err != nil {
		BadRequest(c, "参数错误: "+err.Error())
		return
	}

	rel, err := h.bomSvc.UpdateRelationship(c.Request.Context(), c.Param("id"), input, GetUserID(c))
	if err != nil {
		HandleServiceError(c, err)
		return
	}
	Success(c, rel)
}

// Delete 删除关系
// DELETE /api/v1/relationships/:id
func (h *RelationshipHandler) Delete(c *gin.Context) {
	if err := h.bomSvc.RemoveRelationship(c.Request.Context(), c.Param("id"), GetUserID(c)); err != nil {
		HandleServiceError(c, err)
		return
	}
	Success(c, nil)
}
