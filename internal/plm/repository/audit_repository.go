package repository

import (
	"context"

	"github.com/bitfantasy/plm-lite/internal/plm/entity"

	"gorm.io/gorm"
)

type AuditRepository struct {
	db *gorm.DB
}

func NewAuditRepository(db *gorm.DB) *AuditRepository {
	return &AuditRepository{db: db}
}

// Create 追加审计记录
func (r *AuditRepository) Create(ctx context.Context, log *entity.AuditLogEntry) error {
	return r.db.WithContext(ctx).Create(log).Error
}

// AuditFilter 审计查询过滤条件
type AuditFilter struct {
	UserID     string
	Action     string
	EntityType string
	EntityID   string
	Page       int
	PageSize   int
}

// List 按时间倒序列出审计记录
func (r *AuditRepository) List(ctx context.Context, filter AuditFilter) ([]entity.AuditLogEntry, int64, error) {
	query := r.db.WithContext(ctx).Model(&entity.AuditLogEntry{})

	if filter.UserID != "" {
		query = query.Where("user_id = ?", filter.UserID)
	}
	if filter.Action != "" {
		query = query.Where("action = ?", filter.Action)
	}
	if filter.EntityType != "" {
		query = query.Where("entity_type = ?", filter.EntityType)
	}
	if filter.EntityID != "" {
		query = query.Where("entity_id = ?", filter.EntityID)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	if filter.Page > 0 && filter.PageSize > 0 {
		query = query.Offset((filter.Page - 1) * filter.PageSize).Limit(filter.PageSize)
	}

	var logs []entity.AuditLogEntry
	err := query.Preload("User").Order("created_at DESC").Find(&logs).Error
	return logs, total, err
}

// ListByEntity 列出指定实体的审计记录
func (r *AuditRepository) ListByEntity(ctx context.Context, entityType, entityID string) ([]entity.AuditLogEntry, error) {
	var logs []entity.AuditLogEntry
	err := r.db.WithContext(ctx).
		Preload("User").
		Where("entity_type = ? AND entity_id = ?", entityType, entityID).
		Order("created_at DESC").
		Find(&logs).Error
	return logs, err
}
