package repository

import (
	"context"
	"errors"

	"github.com/bitfantasy/plm-lite/internal/plm/entity"

	"gorm.io/gorm"
)

type RevisionRepository struct {
	db *gorm.DB
}

func NewRevisionRepository(db *gorm.DB) *RevisionRepository {
	return &RevisionRepository{db: db}
}

// Create 创建修订快照
func (r *RevisionRepository) Create(ctx context.Context, rev *entity.PartRevision) error {
	return r.db.WithContext(ctx).Create(rev).Error
}

// ListByPart 按时间倒序列出零件的修订历史
func (r *RevisionRepository) ListByPart(ctx context.Context, partID string) ([]entity.PartRevision, error) {
	var revs []entity.PartRevision
	err := r.db.WithContext(ctx).
		Preload("Changer").
		Where("part_id = ?", partID).
		Order("changed_at DESC").
		Find(&revs).Error
	return revs, err
}

// FindByID 根据ID查找修订快照
func (r *RevisionRepository) FindByID(ctx context.Context, id string) (*entity.PartRevision, error) {
	var rev entity.PartRevision
	err := r.db.WithContext(ctx).Preload("Changer").First(&rev, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &rev, nil
}

// CountByPart 统计零件修订次数
func (r *RevisionRepository) CountByPart(ctx context.Context, partID string) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&entity.PartRevision{}).
		Where("part_id = ?", partID).Count(&count).Error
	return count, err
}
