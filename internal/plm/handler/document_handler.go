package handler

import (
	"io"

	"github.com/bitfantasy/plm-lite/internal/plm/service"
	"github.com/gin-gonic/gin"
)

// DocumentHandler 文档处理器
type DocumentHandler struct {
	docSvc *service.DocumentService
}

// NewDocumentHandler 创建文档处理器
func NewDocumentHandler(docSvc *service.DocumentService) *DocumentHandler {
	return &DocumentHandler{docSvc: docSvc}
}

// Upload 上传新文档
// POST /api/v1/documents
func (h *DocumentHandler) Upload(c *gin.Context) {
	file, err := c.FormFile("file")
	if err != nil {
		BadRequest(c, "缺少上传文件")
		return
	}

	var partID *string
	if pid := c.PostForm("part_id"); pid != "" {
		partID = &pid
	}

	src, err := file.Open()
	if err != nil {
		InternalError(c, "读取上传文件失败: "+err.Error())
		return
	}
	defer src.Close()

	doc, err := h.docSvc.Upload(c.Request.Context(), partID, file.Filename, src, file.Size, GetUserID(c))
	if err != nil {
		HandleServiceError(c, err)
		return
	}
	Created(c, doc)
}

// SaveVersion 保存文档新内容
// POST /api/v1/documents/:id/versions
func (h *DocumentHandler) SaveVersion(c *gin.Context) {
	file, err := c.FormFile("file")
	if err != nil {
		BadRequest(c, "缺少上传文件")
		return
	}

	src, err := file.Open()
	if err != nil {
		InternalError(c, "读取上传文件失败: "+err.Error())
		return
	}
	defer src.Close()

	doc, err := h.docSvc.SaveNewVersion(c.Request.Context(), c.Param("id"), src, file.Size, GetUserID(c))
	if err != nil {
		HandleServiceError(c, err)
		return
	}
	Success(c, doc)
}

// ListVersions 文档版本历史
// GET /api/v1/documents/:id/versions
func (h *DocumentHandler) ListVersions(c *gin.Context) {
	versions, err := h.docSvc.ListVersions(c.Request.Context(), c.Param("id"))
	if err != nil {
		HandleServiceError(c, err)
		return
	}
	Success(c, gin.H{"items": versions})
}

// Restore 回滚到指定版本
// POST /api/v1/documents/:id/versions/:versionId/restore
func (h *DocumentHandler) Restore(c *gin.Context) {
	doc, err := h.docSvc.Restore(c.Request.Context(), c.Param("id"), c.Param("versionId"), GetUserID(c))
	if err != nil {
		HandleServiceError(c, err)
		return
	}
	Success(c, doc)
}

// List 文档列表
// GET /api/v1/documents
func (h *DocumentHandler) List(c *gin.Context) {
	page, pageSize := GetPagination(c)
	docs, total, err := h.docSvc.List(c.Request.Context(), c.Query("search"), page, pageSize)
	if err != nil {
		InternalError(c, "获取文档列表失败: "+err.Error())
		return
	}
	Success(c, gin.H{
		"items":      docs,
		"pagination": NewPagination(page, pageSize, total),
	})
}

// Get 文档详情
// GET /api/v1/documents/:id
func (h *DocumentHandler) Get(c *gin.Context) {
	doc, err := h.docSvc.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		HandleServiceError(c, err)
		return
	}
	Success(c, doc)
}

// ListByPart 零件挂载的文档
// GET /api/v1/parts/:id/documents
func (h *DocumentHandler) ListByPart(c *gin.Context) {
	docs, err := h.docSvc.ListByPart(c.Request.Context(), c.Param("id"))
	if err != nil {
		HandleServiceError(c, err)
		return
	}
	Success(c, gin.H{"items": docs})
}

// Download 下载文档当前内容
// GET /api/v1/documents/:id/download
func (h *DocumentHandler) Download(c *gin.Context) {
	doc, reader, err := h.docSvc.Download(c.Request.Context(), c.Param("id"))
	if err != nil {
		HandleServiceError(c, err)
		return
	}
	defer reader.Close()

	c.Header("Content-Disposition", "attachment; filename=\""+doc.Filename+"\"")
	c.Header("Content-Type", "application/octet-stream")
	if _, err := io.Copy(c.Writer, reader); err != nil {
		// 响应已开始写出，只能中断
		c.Abort()
	}
}

// DownloadVersion 下载指定备份版本
// GET /api/v1/documents/:id/versions/:versionId/download
func (h *DocumentHandler) DownloadVersion(c *gin.Context) {
	fv, reader, err := h.docSvc.DownloadVersion(c.Request.Context(), c.Param("id"), c.Param("versionId"))
	if err != nil {
		HandleServiceError(c, err)
		return
	}
	defer reader.Close()

	c.Header("Content-Disposition", "attachment; filename=\""+fv.VersionLabel+"\"")
	c.Header("Content-Type", "application/octet-stream")
	if _, err := io.Copy(c.Writer, reader); err != nil {
		c.Abort()
	}
}

// AttachRequest 挂载请求
type AttachRequest struct {
	PartID string `json:"part_id" binding:"required"`
}

// Attach 文档挂载到零件
// POST /api/v1/documents/:id/attach
func (h *DocumentHandler) Attach(c *gin.Context) {
	var req AttachRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, "参数错误: "+err.Error())
		return
	}

	doc, err := h.docSvc.Attach(c.Request.Context(), c.Param("id"), req.PartID, GetUserID(c))
	if err != nil {
		HandleServiceError(c, err)
		return
	}
	Success(c, doc)
}

// Detach 从零件摘除文档
// POST /api/v1/documents/:id/detach
func (h *DocumentHandler) Detach(c *gin.Context) {
	doc, err := h.docSvc.Detach(c.Request.Context(), c.Param("id"), GetUserID(c))
	if err != nil {
		HandleServiceError(c, err)
		return
	}
	Success(c, doc)
}

// Delete 删除文档
// DELETE /api/v1/documents/:id
func (h *DocumentHandler) Delete(c *gin.Context) {
	if err := h.docSvc.Delete(c.Request.Context(), c.Param("id"), GetUserID(c)); err != nil {
		HandleServiceError(c, err)
		return
	}
	Success(c, nil)
}
