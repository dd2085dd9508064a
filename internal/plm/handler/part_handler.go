package handler

import (
	"github.com/bitfantasy/plm-lite/internal/plm/repository"
	"github.com/bitfantasy/plm-lite/internal/plm/service"
	"github.com/gin-gonic/gin"
)

// PartHandler 零件处理器
type PartHandler struct {
	partSvc *service.PartService
	bomSvc  *service.BOMService
}

// NewPartHandler 创建零件处理器
func NewPartHandler(partSvc *service.PartService, bomSvc *service.BOMService) *PartHandler {
	return &PartHandler{partSvc: partSvc, bomSvc: bomSvc}
}

// Create 创建零件
// POST /api/v1/parts
func (h *PartHandler) Create(c *gin.Context) {
	var input service.CreatePartInput
	if err := c.ShouldBindJSON(&input); err != nil {
		BadRequest(c, "参数错误: "+err.Error())
		return
	}

	part, err := h.partSvc.Create(c.Request.Context(), input, GetUserID(c))
	if err != nil {
		HandleServiceError(c, err)
		return
	}
	Created(c, part)
}

// List 零件列表
// GET /api/v1/parts
func (h *PartHandler) List(c *gin.Context) {
	page, pageSize := GetPagination(c)
	filter := repository.ListFilter{
		Search:         c.Query("search"),
		ReleaseStatus:  c.Query("release_status"),
		Station:        c.Query("station"),
		CheckedOutOnly: c.Query("checked_out_only") == "true",
		Page:           page,
		PageSize:       pageSize,
	}
	if c.Query("mine") == "true" {
		filter.CheckedOutBy = GetUserID(c)
	}

	parts, total, err := h.partSvc.List(c.Request.Context(), filter)
	if err != nil {
		InternalError(c, "获取零件列表失败: "+err.Error())
		return
	}
	Success(c, gin.H{
		"items":      parts,
		"pagination": NewPagination(page, pageSize, total),
	})
}

// Get 零件详情
// GET /api/v1/parts/:id
func (h *PartHandler) Get(c *gin.Context) {
	part, err := h.partSvc.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		HandleServiceError(c, err)
		return
	}
	Success(c, part)
}

// Update 更新零件基础字段
// PUT /api/v1/parts/:id
func (h *PartHandler) Update(c *gin.Context) {
	var input service.UpdatePartInput
	if err := c.ShouldBindJSON(&input); err != nil {
		BadRequest(c, "参数错误: "+err.Error())
		return
	}

	part, err := h.partSvc.Update(c.Request.Context(), c.Param("id"), input, GetUserID(c))
	if err != nil {
		HandleServiceError(c, err)
		return
	}
	Success(c, part)
}

// Delete 删除零件
// DELETE /api/v1/parts/:id
func (h *PartHandler) Delete(c *gin.Context) {
	if err := h.partSvc.Delete(c.Request.Context(), c.Param("id"), GetUserID(c)); err != nil {
		HandleServiceError(c, err)
		return
	}
	Success(c, nil)
}

// CheckoutRequest 签出请求
type CheckoutRequest struct {
	Station string `json:"station"`
}

// Checkout 签出零件
// POST /api/v1/parts/:id/checkout
func (h *PartHandler) Checkout(c *gin.Context) {
	var req CheckoutRequest
	// body 可为空
	_ = c.ShouldBindJSON(&req)

	part, err := h.partSvc.Checkout(c.Request.Context(), c.Param("id"), GetUserID(c), req.Station)
	if err != nil {
		HandleServiceError(c, err)
		return
	}
	Success(c, part)
}

// Checkin 签入零件
// POST /api/v1/parts/:id/checkin
func (h *PartHandler) Checkin(c *gin.Context) {
	part, err := h.partSvc.Checkin(c.Request.Context(), c.Param("id"), GetUserID(c), IsAdmin(c))
	if err != nil {
		HandleServiceError(c, err)
		return
	}
	Success(c, part)
}

// Release 发布零件
// POST /api/v1/parts/:id/release
func (h *PartHandler) Release(c *gin.Context) {
	part, err := h.partSvc.Release(c.Request.Context(), c.Param("id"), GetUserID(c))
	if err != nil {
		HandleServiceError(c, err)
		return
	}
	Success(c, part)
}

// Unrelease 撤销发布
// POST /api/v1/parts/:id/unrelease
func (h *PartHandler) Unrelease(c *gin.Context) {
	part, err := h.partSvc.Unrelease(c.Request.Context(), c.Param("id"), GetUserID(c))
	if err != nil {
		HandleServiceError(c, err)
		return
	}
	Success(c, part)
}

// BumpRequest 修订升级请求
type BumpRequest struct {
	Description string `json:"description" binding:"required"`
}

// Bump 修订升级
// POST /api/v1/parts/:id/bump
func (h *PartHandler) Bump(c *gin.Context) {
	var req BumpRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, "参数错误: "+err.Error())
		return
	}

	part, err := h.partSvc.Bump(c.Request.Context(), c.Param("id"), req.Description, GetUserID(c))
	if err != nil {
		HandleServiceError(c, err)
		return
	}
	Success(c, part)
}

// ListRevisions 修订历史
// GET /api/v1/parts/:id/revisions
func (h *PartHandler) ListRevisions(c *gin.Context) {
	revs, err := h.partSvc.ListRevisions(c.Request.Context(), c.Param("id"))
	if err != nil {
		HandleServiceError(c, err)
		return
	}
	Success(c, gin.H{"items": revs})
}

// SetAttributeRequest 写属性请求
type SetAttributeRequest struct {
	Key   string `json:"key" binding:"required"`
	Value string `json:"value"`
	Order int    `json:"order"`
}

// SetAttribute 写入零件属性
// PUT /api/v1/parts/:id/attributes
func (h *PartHandler) SetAttribute(c *gin.Context) {
	var req SetAttributeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, "参数错误: "+err.Error())
		return
	}

	if err := h.partSvc.SetAttribute(c.Request.Context(), c.Param("id"), req.Key, req.Value, req.Order, GetUserID(c)); err != nil {
		HandleServiceError(c, err)
		return
	}
	Success(c, nil)
}

// DeleteAttribute 删除零件属性
// DELETE /api/v1/parts/:id/attributes/:key
func (h *PartHandler) DeleteAttribute(c *gin.Context) {
	if err := h.partSvc.DeleteAttribute(c.Request.Context(), c.Param("id"), c.Param("key"), GetUserID(c)); err != nil {
		HandleServiceError(c, err)
		return
	}
	Success(c, nil)
}

// ListAttributes 零件属性列表
// GET /api/v1/parts/:id/attributes
func (h *PartHandler) ListAttributes(c *gin.Context) {
	attrs, err := h.partSvc.ListAttributes(c.Request.Context(), c.Param("id"))
	if err != nil {
		HandleServiceError(c, err)
		return
	}
	Success(c, gin.H{"items": attrs})
}

// ListAttributeKeys 全库属性键
// GET /api/v1/parts/attribute-keys
func (h *PartHandler) ListAttributeKeys(c *gin.Context) {
	keys, err := h.partSvc.ListAttributeKeys(c.Request.Context())
	if err != nil {
		InternalError(c, "获取属性键失败: "+err.Error())
		return
	}
	Success(c, gin.H{"items": keys})
}

// BOMTree 零件BOM树
// GET /api/v1/parts/:id/bom
func (h *PartHandler) BOMTree(c *gin.Context) {
	tree, err := h.bomSvc.BuildTree(c.Request.Context(), c.Param("id"))
	if err != nil {
		HandleServiceError(c, err)
		return
	}
	Success(c, tree)
}

// WhereUsed 反查直接父件
// GET /api/v1/parts/:id/where-used
func (h *PartHandler) WhereUsed(c *gin.Context) {
	rels, err := h.bomSvc.WhereUsed(c.Request.Context(), c.Param("id"))
	if err != nil {
		HandleServiceError(c, err)
		return
	}
	Success(c, gin.H{"items": rels})
}

// ExportBOM 导出BOM到Excel
// GET /api/v1/parts/:id/bom/export
func (h *PartHandler) ExportBOM(c *gin.Context) {
	buf, filename, err := h.bomSvc.ExportBOM(c.Request.Context(), c.Param("id"))
	if err != nil {
		HandleServiceError(c, err)
		return
	}

	c.Header("Content-Disposition", "attachment; filename=\""+filename+"\"")
	c.Data(200, "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet", buf.Bytes())
}
