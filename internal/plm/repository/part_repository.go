package repository

import (
	"context"
	"errors"
	"time"

	"github.com/bitfantasy/plm-lite/internal/plm/entity"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type PartRepository struct {
	db *gorm.DB
}

func NewPartRepository(db *gorm.DB) *PartRepository {
	return &PartRepository{db: db}
}

func (r *PartRepository) DB() *gorm.DB {
	return r.db
}

// Create 创建零件
func (r *PartRepository) Create(ctx context.Context, part *entity.Part) error {
	return r.db.WithContext(ctx).Create(part).Error
}

// FindByID 根据ID查找零件
func (r *PartRepository) FindByID(ctx context.Context, id string) (*entity.Part, error) {
	var part entity.Part
	err := r.db.WithContext(ctx).
		Preload("Creator").
		Preload("Holder").
		Preload("Attributes", func(db *gorm.DB) *gorm.DB {
			return db.Order("attr_order ASC")
		}).
		First(&part, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &part, nil
}

// FindByPartNumber 根据零件号查找零件
func (r *PartRepository) FindByPartNumber(ctx context.Context, partNumber string) (*entity.Part, error) {
	var part entity.Part
	err := r.db.WithContext(ctx).First(&part, "part_number = ?", partNumber).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &part, nil
}

// FindByIDs 批量查找零件
func (r *PartRepository) FindByIDs(ctx context.Context, ids []string) ([]entity.Part, error) {
	var parts []entity.Part
	if len(ids) == 0 {
		return parts, nil
	}
	err := r.db.WithContext(ctx).Where("id IN ?", ids).Find(&parts).Error
	return parts, err
}

// ListFilter 零件列表过滤条件
type ListFilter struct {
	Search         string
	ReleaseStatus  string
	Station        string
	CheckedOutOnly bool
	CheckedOutBy   string
	Page           int
	PageSize       int
}

// List 零件列表，支持搜索与分页
func (r *PartRepository) List(ctx context.Context, filter ListFilter) ([]entity.Part, int64, error) {
	query := r.db.WithContext(ctx).Model(&entity.Part{})

	if filter.Search != "" {
		like := "%" + filter.Search + "%"
		query = query.Where("part_number ILIKE ? OR part_name ILIKE ?", like, like)
	}
	if filter.ReleaseStatus != "" {
		query = query.Where("release_status = ?", filter.ReleaseStatus)
	}
	if filter.Station != "" {
		query = query.Where("station = ?", filter.Station)
	}
	if filter.CheckedOutOnly {
		query = query.Where("checked_out_by IS NOT NULL")
	}
	if filter.CheckedOutBy != "" {
		query = query.Where("checked_out_by = ?", filter.CheckedOutBy)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	if filter.Page > 0 && filter.PageSize > 0 {
		query = query.Offset((filter.Page - 1) * filter.PageSize).Limit(filter.PageSize)
	}

	var parts []entity.Part
	err := query.
		Preload("Holder").
		Order("part_number ASC").
		Find(&parts).Error
	return parts, total, err
}

// Update 更新零件
func (r *PartRepository) Update(ctx context.Context, part *entity.Part) error {
	return r.db.WithContext(ctx).Save(part).Error
}

// UpdateFields 更新零件指定字段
func (r *PartRepository) UpdateFields(ctx context.Context, id string, fields map[string]interface{}) error {
	return r.db.WithContext(ctx).Model(&entity.Part{}).Where("id = ?", id).Updates(fields).Error
}

// Delete 删除零件
func (r *PartRepository) Delete(ctx context.Context, id string) error {
	return r.db.WithContext(ctx).Delete(&entity.Part{}, "id = ?", id).Error
}

// Checkout 签出零件。单条条件更新保证并发下仅一个调用者成功，
// 返回本次更新影响的行数，0 表示未抢到锁或零件不可签出。
func (r *PartRepository) Checkout(ctx context.Context, partID, userID, station string, now time.Time) (int64, error) {
	result := r.db.WithContext(ctx).Model(&entity.Part{}).
		Where("id = ? AND checked_out_by IS NULL", partID).
		Updates(map[string]interface{}{
			"checked_out_by": userID,
			"checked_out_at": now,
			"station":        station,
		})
	return result.RowsAffected, result.Error
}

// Checkin 签入零件，仅持有者可签入
func (r *PartRepository) Checkin(ctx context.Context, partID, userID string) (int64, error) {
	result := r.db.WithContext(ctx).Model(&entity.Part{}).
		Where("id = ? AND checked_out_by = ?", partID, userID).
		Updates(map[string]interface{}{
			"checked_out_by": nil,
			"checked_out_at": nil,
			"station":        "",
		})
	return result.RowsAffected, result.Error
}

// ForceCheckin 强制签入，管理员操作
func (r *PartRepository) ForceCheckin(ctx context.Context, partID string) (int64, error) {
	result := r.db.WithContext(ctx).Model(&entity.Part{}).
		Where("id = ? AND checked_out_by IS NOT NULL", partID).
		Updates(map[string]interface{}{
			"checked_out_by": nil,
			"checked_out_at": nil,
			"station":        "",
		})
	return result.RowsAffected, result.Error
}

// Release 发布零件，仅当处于Prototype时生效
func (r *PartRepository) Release(ctx context.Context, partID string) (int64, error) {
	result := r.db.WithContext(ctx).Model(&entity.Part{}).
		Where("id = ? AND release_status = ?", partID, entity.ReleaseStatusPrototype).
		Updates(map[string]interface{}{
			"release_status": entity.ReleaseStatusReleased,
			"is_locked":      true,
		})
	return result.RowsAffected, result.Error
}

// Unrelease 撤销发布，仅当处于Released时生效
func (r *PartRepository) Unrelease(ctx context.Context, partID string) (int64, error) {
	result := r.db.WithContext(ctx).Model(&entity.Part{}).
		Where("id = ? AND release_status = ?", partID, entity.ReleaseStatusReleased).
		Updates(map[string]interface{}{
			"release_status": entity.ReleaseStatusPrototype,
			"is_locked":      false,
		})
	return result.RowsAffected, result.Error
}

// UpsertAttribute 写入或更新零件属性
func (r *PartRepository) UpsertAttribute(ctx context.Context, attr *entity.PartAttribute) error {
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "part_id"}, {Name: "attr_key"}},
		DoUpdates: clause.AssignmentColumns([]string{"attr_value", "updated_at"}),
	}).Create(attr).Error
}

// DeleteAttribute 删除零件属性
func (r *PartRepository) DeleteAttribute(ctx context.Context, partID, key string) (int64, error) {
	result := r.db.WithContext(ctx).
		Delete(&entity.PartAttribute{}, "part_id = ? AND attr_key = ?", partID, key)
	return result.RowsAffected, result.Error
}

// ListAttributes 列出零件属性
func (r *PartRepository) ListAttributes(ctx context.Context, partID string) ([]entity.PartAttribute, error) {
	var attrs []entity.PartAttribute
	err := r.db.WithContext(ctx).
		Where("part_id = ?", partID).
		Order("attr_order ASC").
		Find(&attrs).Error
	return attrs, err
}

// ListAttributeKeys 列出全库去重后的属性键
func (r *PartRepository) ListAttributeKeys(ctx context.Context) ([]string, error) {
	var keys []string
	err := r.db.WithContext(ctx).Model(&entity.PartAttribute{}).
		Distinct("attr_key").
		Order("attr_key ASC").
		Pluck("attr_key", &keys).Error
	return keys, err
}
