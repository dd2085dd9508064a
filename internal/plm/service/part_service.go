package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/bitfantasy/plm-lite/internal/plm/entity"
	"github.com/bitfantasy/plm-lite/internal/plm/repository"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// PartService 零件服务：检出锁、发布状态机、修订历史
type PartService struct {
	partRepo     *repository.PartRepository
	revisionRepo *repository.RevisionRepository
	audit        *AuditService
	logger       *zap.Logger
}

// NewPartService 创建零件服务
func NewPartService(partRepo *repository.PartRepository, revisionRepo *repository.RevisionRepository, audit *AuditService, logger *zap.Logger) *PartService {
	return &PartService{
		partRepo:     partRepo,
		revisionRepo: revisionRepo,
		audit:        audit,
		logger:       logger,
	}
}

// CreatePartInput 创建零件请求
type CreatePartInput struct {
	PartNumber  string            `json:"part_number" binding:"required"`
	PartName    string            `json:"part_name" binding:"required"`
	Description string            `json:"description"`
	PartLevel   string            `json:"part_level"`
	Attributes  map[string]string `json:"attributes"`
}

// Create 创建零件，初始修订A、状态Prototype。零件号统一大写
func (s *PartService) Create(ctx context.Context, input CreatePartInput, userID string) (*entity.Part, error) {
	partNumber := strings.ToUpper(strings.TrimSpace(input.PartNumber))
	if _, err := s.partRepo.FindByPartNumber(ctx, partNumber); err == nil {
		return nil, ErrDuplicatePartNumber
	}

	part := &entity.Part{
		ID:            newID(),
		PartNumber:    partNumber,
		PartName:      input.PartName,
		PartRevision:  "A",
		Description:   input.Description,
		PartLevel:     input.PartLevel,
		ReleaseStatus: entity.ReleaseStatusPrototype,
		IsLocked:      false,
		CreatedBy:     userID,
	}
	if err := s.partRepo.Create(ctx, part); err != nil {
		return nil, fmt.Errorf("create part: %w", err)
	}

	order := 0
	for key, value := range input.Attributes {
		attr := &entity.PartAttribute{
			ID:        newID(),
			PartID:    part.ID,
			AttrKey:   key,
			AttrValue: value,
			AttrOrder: order,
		}
		if err := s.partRepo.UpsertAttribute(ctx, attr); err != nil {
			return nil, fmt.Errorf("create part attribute: %w", err)
		}
		order++
	}

	s.audit.Record(ctx, userID, "part.create", "part", part.ID, map[string]interface{}{
		"part_number": part.PartNumber,
	})
	return s.partRepo.FindByID(ctx, part.ID)
}

// Get 查询零件详情
func (s *PartService) Get(ctx context.Context, id string) (*entity.Part, error) {
	return s.partRepo.FindByID(ctx, id)
}

// List 零件列表
func (s *PartService) List(ctx context.Context, filter repository.ListFilter) ([]entity.Part, int64, error) {
	return s.partRepo.List(ctx, filter)
}

// UpdatePartInput 更新零件请求
type UpdatePartInput struct {
	PartName    *string `json:"part_name"`
	Description *string `json:"description"`
	PartLevel   *string `json:"part_level"`
}

// Update 更新零件基础字段。发布锁定后拒绝
func (s *PartService) Update(ctx context.Context, id string, input UpdatePartInput, userID string) (*entity.Part, error) {
	part, err := s.partRepo.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if part.IsLocked {
		return nil, ErrPartLocked
	}

	fields := map[string]interface{}{}
	if input.PartName != nil {
		fields["part_name"] = *input.PartName
	}
	if input.Description != nil {
		fields["description"] = *input.Description
	}
	if input.PartLevel != nil {
		fields["part_level"] = *input.PartLevel
	}
	if len(fields) > 0 {
		if err := s.partRepo.UpdateFields(ctx, id, fields); err != nil {
			return nil, fmt.Errorf("update part: %w", err)
		}
	}

	s.audit.Record(ctx, userID, "part.update", "part", id, nil)
	return s.partRepo.FindByID(ctx, id)
}

// Delete 删除零件，属性/修订/关系随级联删除
func (s *PartService) Delete(ctx context.Context, id, userID string) error {
	part, err := s.partRepo.FindByID(ctx, id)
	if err != nil {
		return err
	}
	if err := s.partRepo.Delete(ctx, id); err != nil {
		return fmt.Errorf("delete part: %w", err)
	}
	s.audit.Record(ctx, userID, "part.delete", "part", id, map[string]interface{}{
		"part_number": part.PartNumber,
	})
	return nil
}

// Checkout 签出零件。单条条件更新完成测试加设置，
// 并发下只有一个调用者成功，失败时返回当前持有者信息。
func (s *PartService) Checkout(ctx context.Context, partID, userID, station string) (*entity.Part, error) {
	if _, err := s.partRepo.FindByID(ctx, partID); err != nil {
		return nil, err
	}

	rows, err := s.partRepo.Checkout(ctx, partID, userID, station, time.Now())
	if err != nil {
		return nil, fmt.Errorf("checkout part: %w", err)
	}
	if rows == 0 {
		// 未抢到，查出持有者返回
		part, err := s.partRepo.FindByID(ctx, partID)
		if err != nil {
			return nil, err
		}
		holderName := ""
		holderID := ""
		if part.CheckedOutBy != nil {
			holderID = *part.CheckedOutBy
		}
		if part.Holder != nil {
			holderName = part.Holder.Username
		}
		return nil, &LockHeldError{
			PartID:     partID,
			HolderID:   holderID,
			HolderName: holderName,
			Station:    part.Station,
			Since:      part.CheckedOutAt,
		}
	}

	s.audit.Record(ctx, userID, "part.checkout", "part", partID, map[string]interface{}{
		"station": station,
	})
	return s.partRepo.FindByID(ctx, partID)
}

// Checkin 签入零件。仅持有者或管理员可签入；未签出时为幂等成功
func (s *PartService) Checkin(ctx context.Context, partID, userID string, isAdmin bool) (*entity.Part, error) {
	part, err := s.partRepo.FindByID(ctx, partID)
	if err != nil {
		return nil, err
	}
	if part.CheckedOutBy == nil {
		// 未签出，幂等成功
		return part, nil
	}

	if *part.CheckedOutBy == userID {
		if _, err := s.partRepo.Checkin(ctx, partID, userID); err != nil {
			return nil, fmt.Errorf("checkin part: %w", err)
		}
	} else if isAdmin {
		if _, err := s.partRepo.ForceCheckin(ctx, partID); err != nil {
			return nil, fmt.Errorf("force checkin part: %w", err)
		}
	} else {
		return nil, ErrNotLockHolder
	}

	s.audit.Record(ctx, userID, "part.checkin", "part", partID, map[string]interface{}{
		"forced": *part.CheckedOutBy != userID,
	})
	return s.partRepo.FindByID(ctx, partID)
}

// Release 发布零件：Prototype → Released 并锁定
func (s *PartService) Release(ctx context.Context, partID, userID string) (*entity.Part, error) {
	part, err := s.partRepo.FindByID(ctx, partID)
	if err != nil {
		return nil, err
	}
	if part.ReleaseStatus == entity.ReleaseStatusReleased {
		return nil, ErrAlreadyReleased
	}

	rows, err := s.partRepo.Release(ctx, partID)
	if err != nil {
		return nil, fmt.Errorf("release part: %w", err)
	}
	if rows == 0 {
		// 条件更新落空说明并发下已被他人发布
		return nil, ErrAlreadyReleased
	}

	s.audit.Record(ctx, userID, "part.release", "part", partID, map[string]interface{}{
		"from": entity.ReleaseStatusPrototype,
		"to":   entity.ReleaseStatusReleased,
	})
	return s.partRepo.FindByID(ctx, partID)
}

// Unrelease 撤销发布：Released → Prototype 并解锁。权限由调用方把关
func (s *PartService) Unrelease(ctx context.Context, partID, userID string) (*entity.Part, error) {
	part, err := s.partRepo.FindByID(ctx, partID)
	if err != nil {
		return nil, err
	}
	if part.ReleaseStatus != entity.ReleaseStatusReleased {
		return nil, ErrNotReleased
	}

	rows, err := s.partRepo.Unrelease(ctx, partID)
	if err != nil {
		return nil, fmt.Errorf("unrelease part: %w", err)
	}
	if rows == 0 {
		return nil, ErrNotReleased
	}

	s.audit.Record(ctx, userID, "part.unrelease", "part", partID, map[string]interface{}{
		"from": entity.ReleaseStatusReleased,
		"to":   entity.ReleaseStatusPrototype,
	})
	return s.partRepo.FindByID(ctx, partID)
}

// NextRevisionLabel 计算下一个修订号。A→B→...→Z→AA→AB，
// 与电子表格列名同构的无零位26进制。
func NextRevisionLabel(label string) string {
	if label == "" {
		return "A"
	}
	chars := []byte(strings.ToUpper(label))
	i := len(chars) - 1
	for i >= 0 {
		if chars[i] < 'Z' {
			chars[i]++
			return string(chars)
		}
		chars[i] = 'A'
		i--
	}
	return "A" + string(chars)
}

// Bump 修订升级：以当前修订号存档快照，修订号前进一位。
// 不受锁状态限制，也不改变发布状态。
func (s *PartService) Bump(ctx context.Context, partID, description, userID string) (*entity.Part, error) {
	part, err := s.partRepo.FindByID(ctx, partID)
	if err != nil {
		return nil, err
	}

	attrs := map[string]interface{}{}
	for _, attr := range part.Attributes {
		attrs[attr.AttrKey] = attr.AttrValue
	}
	snapshot := entity.JSONB{
		"part_number":    part.PartNumber,
		"part_name":      part.PartName,
		"part_revision":  part.PartRevision,
		"description":    part.Description,
		"part_level":     part.PartLevel,
		"release_status": part.ReleaseStatus,
		"is_locked":      part.IsLocked,
		"attributes":     attrs,
	}

	rev := &entity.PartRevision{
		ID:            newID(),
		PartID:        part.ID,
		RevisionLabel: part.PartRevision,
		Description:   description,
		ChangedBy:     userID,
		ChangedAt:     time.Now(),
		SnapshotJSON:  snapshot,
	}

	// 快照与修订号推进要么同时落库要么都不落。
	// 推进以读到的修订号为条件，并发升级只有一个生效，落败方整体回滚
	next := NextRevisionLabel(part.PartRevision)
	err = s.partRepo.DB().WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(rev).Error; err != nil {
			return fmt.Errorf("create revision snapshot: %w", err)
		}
		res := tx.Model(&entity.Part{}).
			Where("id = ? AND part_revision = ?", partID, part.PartRevision).
			Update("part_revision", next)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrRevisionConflict
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.audit.Record(ctx, userID, "part.bump", "part", partID, map[string]interface{}{
		"from": part.PartRevision,
		"to":   next,
	})
	return s.partRepo.FindByID(ctx, partID)
}

// ListRevisions 修订历史，新的在前
func (s *PartService) ListRevisions(ctx context.Context, partID string) ([]entity.PartRevision, error) {
	if _, err := s.partRepo.FindByID(ctx, partID); err != nil {
		return nil, err
	}
	return s.revisionRepo.ListByPart(ctx, partID)
}

// SetAttribute 写入零件属性。发布锁定后拒绝
func (s *PartService) SetAttribute(ctx context.Context, partID, key, value string, order int, userID string) error {
	part, err := s.partRepo.FindByID(ctx, partID)
	if err != nil {
		return err
	}
	if part.IsLocked {
		return ErrPartLocked
	}

	attr := &entity.PartAttribute{
		ID:        newID(),
		PartID:    partID,
		AttrKey:   key,
		AttrValue: value,
		AttrOrder: order,
	}
	if err := s.partRepo.UpsertAttribute(ctx, attr); err != nil {
		return fmt.Errorf("set attribute: %w", err)
	}

	s.audit.Record(ctx, userID, "part.attribute.set", "part", partID, map[string]interface{}{
		"key": key,
	})
	return nil
}

// DeleteAttribute 删除零件属性。发布锁定后拒绝
func (s *PartService) DeleteAttribute(ctx context.Context, partID, key, userID string) error {
	part, err := s.partRepo.FindByID(ctx, partID)
	if err != nil {
		return err
	}
	if part.IsLocked {
		return ErrPartLocked
	}

	rows, err := s.partRepo.DeleteAttribute(ctx, partID, key)
	if err != nil {
		return fmt.Errorf("delete attribute: %w", err)
	}
	if rows == 0 {
		return repository.ErrNotFound
	}

	s.audit.Record(ctx, userID, "part.attribute.delete", "part", partID, map[string]interface{}{
		"key": key,
	})
	return nil
}

// ListAttributes 列出零件属性
func (s *PartService) ListAttributes(ctx context.Context, partID string) ([]entity.PartAttribute, error) {
	if _, err := s.partRepo.FindByID(ctx, partID); err != nil {
		return nil, err
	}
	return s.partRepo.ListAttributes(ctx, partID)
}

// ListAttributeKeys 全库去重属性键
func (s *PartService) ListAttributeKeys(ctx context.Context) ([]string, error) {
	return s.partRepo.ListAttributeKeys(ctx)
}
