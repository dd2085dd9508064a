package repository

import (
	"context"
	"errors"

	"github.com/bitfantasy/plm-lite/internal/plm/entity"

	"gorm.io/gorm"
)

type DocumentRepository struct {
	db *gorm.DB
}

func NewDocumentRepository(db *gorm.DB) *DocumentRepository {
	return &DocumentRepository{db: db}
}

func (r *DocumentRepository) DB() *gorm.DB {
	return r.db
}

// Create 创建文档
func (r *DocumentRepository) Create(ctx context.Context, doc *entity.Document) error {
	return r.db.WithContext(ctx).Create(doc).Error
}

// FindByID 根据ID查找文档
func (r *DocumentRepository) FindByID(ctx context.Context, id string) (*entity.Document, error) {
	var doc entity.Document
	err := r.db.WithContext(ctx).
		Preload("Uploader").
		First(&doc, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &doc, nil
}

// FindByFilename 根据文件名查找文档
func (r *DocumentRepository) FindByFilename(ctx context.Context, filename string) (*entity.Document, error) {
	var doc entity.Document
	err := r.db.WithContext(ctx).First(&doc, "filename = ?", filename).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &doc, nil
}

// ListByPart 列出零件挂载的文档
func (r *DocumentRepository) ListByPart(ctx context.Context, partID string) ([]entity.Document, error) {
	var docs []entity.Document
	err := r.db.WithContext(ctx).
		Preload("Uploader").
		Where("part_id = ?", partID).
		Order("uploaded_at DESC").
		Find(&docs).Error
	return docs, err
}

// List 文档列表，支持搜索与分页
func (r *DocumentRepository) List(ctx context.Context, search string, page, pageSize int) ([]entity.Document, int64, error) {
	query := r.db.WithContext(ctx).Model(&entity.Document{})
	if search != "" {
		query = query.Where("filename ILIKE ?", "%"+search+"%")
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	if page > 0 && pageSize > 0 {
		query = query.Offset((page - 1) * pageSize).Limit(pageSize)
	}

	var docs []entity.Document
	err := query.Preload("Uploader").Order("uploaded_at DESC").Find(&docs).Error
	return docs, total, err
}

// Update 更新文档
func (r *DocumentRepository) Update(ctx context.Context, doc *entity.Document) error {
	return r.db.WithContext(ctx).Save(doc).Error
}

// UpdateFields 更新文档指定字段
func (r *DocumentRepository) UpdateFields(ctx context.Context, id string, fields map[string]interface{}) error {
	return r.db.WithContext(ctx).Model(&entity.Document{}).Where("id = ?", id).Updates(fields).Error
}

// Delete 删除文档
func (r *DocumentRepository) Delete(ctx context.Context, id string) error {
	return r.db.WithContext(ctx).Delete(&entity.Document{}, "id = ?", id).Error
}

// CreateVersion 创建文件版本记录
func (r *DocumentRepository) CreateVersion(ctx context.Context, fv *entity.FileVersion) error {
	return r.db.WithContext(ctx).Create(fv).Error
}

// FindVersionByID 根据ID查找文件版本
func (r *DocumentRepository) FindVersionByID(ctx context.Context, id string) (*entity.FileVersion, error) {
	var fv entity.FileVersion
	err := r.db.WithContext(ctx).First(&fv, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &fv, nil
}

// ListVersions 按时间倒序列出文档的所有版本
func (r *DocumentRepository) ListVersions(ctx context.Context, documentID string) ([]entity.FileVersion, error) {
	var versions []entity.FileVersion
	err := r.db.WithContext(ctx).
		Where("document_id = ?", documentID).
		Order("saved_at DESC").
		Find(&versions).Error
	return versions, err
}
