package repository

import (
	"context"
	"errors"

	"github.com/bitfantasy/plm-lite/internal/plm/entity"

	"gorm.io/gorm"
)

type RelationshipRepository struct {
	db *gorm.DB
}

func NewRelationshipRepository(db *gorm.DB) *RelationshipRepository {
	return &RelationshipRepository{db: db}
}

func (r *RelationshipRepository) DB() *gorm.DB {
	return r.db
}

// Create 创建零件关系
func (r *RelationshipRepository) Create(ctx context.Context, rel *entity.PartRelationship) error {
	return r.db.WithContext(ctx).Create(rel).Error
}

// FindByID 根据ID查找关系
func (r *RelationshipRepository) FindByID(ctx context.Context, id string) (*entity.PartRelationship, error) {
	var rel entity.PartRelationship
	err := r.db.WithContext(ctx).
		Preload("Parent").
		Preload("Child").
		First(&rel, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &rel, nil
}

// FindByPair 查找指定父子对的关系
func (r *RelationshipRepository) FindByPair(ctx context.Context, parentID, childID string) (*entity.PartRelationship, error) {
	var rel entity.PartRelationship
	err := r.db.WithContext(ctx).
		First(&rel, "parent_part_id = ? AND child_part_id = ?", parentID, childID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &rel, nil
}

// ListChildren 列出零件的直接子关系
func (r *RelationshipRepository) ListChildren(ctx context.Context, parentID string) ([]entity.PartRelationship, error) {
	var rels []entity.PartRelationship
	err := r.db.WithContext(ctx).
		Preload("Child").
		Where("parent_part_id = ?", parentID).
		Order("created_at ASC").
		Find(&rels).Error
	return rels, err
}

// ListAll 列出全部关系
func (r *RelationshipRepository) ListAll(ctx context.Context) ([]entity.PartRelationship, error) {
	var rels []entity.PartRelationship
	err := r.db.WithContext(ctx).
		Preload("Parent").
		Preload("Child").
		Order("created_at ASC").
		Find(&rels).Error
	return rels, err
}

// ListParents 列出零件的直接父关系（where-used）
func (r *RelationshipRepository) ListParents(ctx context.Context, childID string) ([]entity.PartRelationship, error) {
	var rels []entity.PartRelationship
	err := r.db.WithContext(ctx).
		Preload("Parent").
		Where("child_part_id = ?", childID).
		Order("created_at ASC").
		Find(&rels).Error
	return rels, err
}

// Update 更新关系
func (r *RelationshipRepository) Update(ctx context.Context, rel *entity.PartRelationship) error {
	return r.db.WithContext(ctx).Save(rel).Error
}

// Delete 删除关系
func (r *RelationshipRepository) Delete(ctx context.Context, id string) (int64, error) {
	result := r.db.WithContext(ctx).Delete(&entity.PartRelationship{}, "id = ?", id)
	return result.RowsAffected, result.Error
}
