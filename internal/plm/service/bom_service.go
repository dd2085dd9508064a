package service

import (
	"bytes"
	"context"
	"fmt"

	"github.com/bitfantasy/plm-lite/internal/plm/entity"
	"github.com/bitfantasy/plm-lite/internal/plm/repository"
	"github.com/xuri/excelize/v2"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// maxBOMDepth 展开深度上限。插入时已做环检测，这里是遍历侧的兜底
const maxBOMDepth = 20

// BOMService 装配关系服务
type BOMService struct {
	relRepo  *repository.RelationshipRepository
	partRepo *repository.PartRepository
	audit    *AuditService
	logger   *zap.Logger
}

// NewBOMService 创建装配关系服务
func NewBOMService(relRepo *repository.RelationshipRepository, partRepo *repository.PartRepository, audit *AuditService, logger *zap.Logger) *BOMService {
	return &BOMService{
		relRepo:  relRepo,
		partRepo: partRepo,
		audit:    audit,
		logger:   logger,
	}
}

// AddRelationshipInput 创建关系请求
type AddRelationshipInput struct {
	ParentPartID     string  `json:"parent_part_id" binding:"required"`
	ChildPartID      string  `json:"child_part_id" binding:"required"`
	Quantity         float64 `json:"quantity"`
	RelationshipType string  `json:"relationship_type"`
	Notes            string  `json:"notes"`
}

// AddRelationship 创建父子关系。自环、重复边、装配环均拒绝。
// 环检测与插入在同一事务内完成，避免并发插入绕过检测。
func (s *BOMService) AddRelationship(ctx context.Context, input AddRelationshipInput, userID string) (*entity.PartRelationship, error) {
	if input.ParentPartID == input.ChildPartID {
		return nil, ErrSelfReference
	}

	if _, err := s.partRepo.FindByID(ctx, input.ParentPartID); err != nil {
		return nil, err
	}
	if _, err := s.partRepo.FindByID(ctx, input.ChildPartID); err != nil {
		return nil, err
	}

	if input.Quantity <= 0 {
		input.Quantity = 1
	}
	if input.RelationshipType == "" {
		input.RelationshipType = entity.RelTypeAssembly
	}

	rel := &entity.PartRelationship{
		ID:               newID(),
		ParentPartID:     input.ParentPartID,
		ChildPartID:      input.ChildPartID,
		Quantity:         input.Quantity,
		RelationshipType: input.RelationshipType,
		Notes:            input.Notes,
	}

	err := s.relRepo.DB().WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&entity.PartRelationship{}).
			Where("parent_part_id = ? AND child_part_id = ?", input.ParentPartID, input.ChildPartID).
			Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			return ErrDuplicateRelationship
		}

		if input.RelationshipType == entity.RelTypeAssembly {
			reachable, err := s.isReachable(ctx, tx, input.ChildPartID, input.ParentPartID)
			if err != nil {
				return err
			}
			if reachable {
				return ErrCyclicAssembly
			}
		}

		return tx.Create(rel).Error
	})
	if err != nil {
		return nil, err
	}

	s.audit.Record(ctx, userID, "relationship.add", "relationship", rel.ID, map[string]interface{}{
		"parent_part_id": input.ParentPartID,
		"child_part_id":  input.ChildPartID,
	})
	return s.relRepo.FindByID(ctx, rel.ID)
}

// isReachable 沿装配边深度优先判断 from 是否可达 target
func (s *BOMService) isReachable(ctx context.Context, tx *gorm.DB, from, target string) (bool, error) {
	visited := map[string]bool{}
	stack := []string{from}

	for len(stack) > 0 {
		current := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if current == target {
			return true, nil
		}
		if visited[current] {
			continue
		}
		visited[current] = true

		var rels []entity.PartRelationship
		if err := tx.WithContext(ctx).
			Where("parent_part_id = ? AND relationship_type = ?", current, entity.RelTypeAssembly).
			Find(&rels).Error; err != nil {
			return false, err
		}
		for _, rel := range rels {
			if !visited[rel.ChildPartID] {
				stack = append(stack, rel.ChildPartID)
			}
		}
	}
	return false, nil
}

// ListRelationships 全部关系，带父子零件信息
func (s *BOMService) ListRelationships(ctx context.Context) ([]entity.PartRelationship, error) {
	return s.relRepo.ListAll(ctx)
}

// UpdateRelationshipInput 更新关系请求
type UpdateRelationshipInput struct {
	Quantity *float64 `json:"quantity"`
	Notes    *string  `json:"notes"`
}

// UpdateRelationship 更新用量/备注。改BOM行用量是显式工程决策，不走静默upsert
func (s *BOMService) UpdateRelationship(ctx context.Context, id string, input UpdateRelationshipInput, userID string) (*entity.PartRelationship, error) {
	rel, err := s.relRepo.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}

	if input.Quantity != nil {
		if *input.Quantity <= 0 {
			return nil, fmt.Errorf("quantity must be positive")
		}
		rel.Quantity = *input.Quantity
	}
	if input.Notes != nil {
		rel.Notes = *input.Notes
	}
	if err := s.relRepo.Update(ctx, rel); err != nil {
		return nil, fmt.Errorf("update relationship: %w", err)
	}

	s.audit.Record(ctx, userID, "relationship.update", "relationship", id, nil)
	return s.relRepo.FindByID(ctx, id)
}

// RemoveRelationship 删除关系
func (s *BOMService) RemoveRelationship(ctx context.Context, id, userID string) error {
	rel, err := s.relRepo.FindByID(ctx, id)
	if err != nil {
		return err
	}

	rows, err := s.relRepo.Delete(ctx, id)
	if err != nil {
		return fmt.Errorf("delete relationship: %w", err)
	}
	if rows == 0 {
		return repository.ErrNotFound
	}

	s.audit.Record(ctx, userID, "relationship.remove", "relationship", id, map[string]interface{}{
		"parent_part_id": rel.ParentPartID,
		"child_part_id":  rel.ChildPartID,
	})
	return nil
}

// BuildTree 从根零件递归展开BOM树。
// 同一子件在多处出现时各自独立展开，数量为本级用量。
func (s *BOMService) BuildTree(ctx context.Context, rootPartID string) (*entity.BOMNode, error) {
	root, err := s.partRepo.FindByID(ctx, rootPartID)
	if err != nil {
		return nil, err
	}

	node := &entity.BOMNode{
		PartID:        root.ID,
		PartNumber:    root.PartNumber,
		PartName:      root.PartName,
		PartRevision:  root.PartRevision,
		ReleaseStatus: root.ReleaseStatus,
		Quantity:      1,
		Depth:         0,
		Children:      []*entity.BOMNode{},
	}
	if err := s.expand(ctx, node, 0); err != nil {
		return nil, err
	}
	return node, nil
}

func (s *BOMService) expand(ctx context.Context, node *entity.BOMNode, depth int) error {
	if depth >= maxBOMDepth {
		return fmt.Errorf("bom tree exceeds max depth %d at part %s", maxBOMDepth, node.PartNumber)
	}

	rels, err := s.relRepo.ListChildren(ctx, node.PartID)
	if err != nil {
		return err
	}
	for _, rel := range rels {
		if rel.Child == nil {
			continue
		}
		child := &entity.BOMNode{
			PartID:           rel.Child.ID,
			PartNumber:       rel.Child.PartNumber,
			PartName:         rel.Child.PartName,
			PartRevision:     rel.Child.PartRevision,
			ReleaseStatus:    rel.Child.ReleaseStatus,
			Quantity:         rel.Quantity,
			RelationshipType: rel.RelationshipType,
			Notes:            rel.Notes,
			Depth:            depth + 1,
			Children:         []*entity.BOMNode{},
		}
		if err := s.expand(ctx, child, depth+1); err != nil {
			return err
		}
		node.Children = append(node.Children, child)
	}
	return nil
}

// WhereUsed 反查直接父件，不做传递闭包
func (s *BOMService) WhereUsed(ctx context.Context, partID string) ([]entity.PartRelationship, error) {
	if _, err := s.partRepo.FindByID(ctx, partID); err != nil {
		return nil, err
	}
	return s.relRepo.ListParents(ctx, partID)
}

// FlattenBOM 展平BOM树为缩进行，数量不跨级乘算
func (s *BOMService) FlattenBOM(ctx context.Context, rootPartID string) ([]entity.BOMRow, error) {
	tree, err := s.BuildTree(ctx, rootPartID)
	if err != nil {
		return nil, err
	}

	var rows []entity.BOMRow
	var walk func(node *entity.BOMNode)
	walk = func(node *entity.BOMNode) {
		rows = append(rows, entity.BOMRow{
			Depth:            node.Depth,
			PartID:           node.PartID,
			PartNumber:       node.PartNumber,
			PartName:         node.PartName,
			PartRevision:     node.PartRevision,
			ReleaseStatus:    node.ReleaseStatus,
			Quantity:         node.Quantity,
			RelationshipType: node.RelationshipType,
			Notes:            node.Notes,
		})
		for _, child := range node.Children {
			walk(child)
		}
	}
	walk(tree)
	return rows, nil
}

// ExportBOM 导出BOM到Excel，层级以缩进表达
func (s *BOMService) ExportBOM(ctx context.Context, rootPartID string) (*bytes.Buffer, string, error) {
	rows, err := s.FlattenBOM(ctx, rootPartID)
	if err != nil {
		return nil, "", err
	}

	f := excelize.NewFile()
	defer f.Close()

	sheet := "BOM"
	f.SetSheetName("Sheet1", sheet)

	headers := []string{"层级", "零件号", "名称", "版本", "状态", "数量", "关系类型", "备注"}
	for i, h := range headers {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		f.SetCellValue(sheet, cell, h)
	}

	headerStyle, _ := f.NewStyle(&excelize.Style{
		Font: &excelize.Font{Bold: true},
		Fill: excelize.Fill{Type: "pattern", Color: []string{"#DDEBF7"}, Pattern: 1},
	})
	f.SetCellStyle(sheet, "A1", "H1", headerStyle)
	f.SetPanes(sheet, &excelize.Panes{
		Freeze:      true,
		YSplit:      1,
		TopLeftCell: "A2",
		ActivePane:  "bottomLeft",
	})

	for i, row := range rows {
		r := i + 2
		indent := ""
		for d := 0; d < row.Depth; d++ {
			indent += "    "
		}
		f.SetCellValue(sheet, fmt.Sprintf("A%d", r), row.Depth)
		f.SetCellValue(sheet, fmt.Sprintf("B%d", r), indent+row.PartNumber)
		f.SetCellValue(sheet, fmt.Sprintf("C%d", r), row.PartName)
		f.SetCellValue(sheet, fmt.Sprintf("D%d", r), row.PartRevision)
		f.SetCellValue(sheet, fmt.Sprintf("E%d", r), row.ReleaseStatus)
		f.SetCellValue(sheet, fmt.Sprintf("F%d", r), row.Quantity)
		f.SetCellValue(sheet, fmt.Sprintf("G%d", r), row.RelationshipType)
		f.SetCellValue(sheet, fmt.Sprintf("H%d", r), row.Notes)
	}

	f.SetColWidth(sheet, "B", "C", 30)

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, "", fmt.Errorf("write excel: %w", err)
	}

	filename := fmt.Sprintf("BOM_%s.xlsx", rows[0].PartNumber)
	return buf, filename, nil
}
