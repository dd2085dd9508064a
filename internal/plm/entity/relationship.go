package entity

import "time"

// 装配关系类型
const (
	RelTypeAssembly  = "assembly"
	RelTypeReference = "reference"
	RelTypeDrawing   = "drawing"
)

// PartRelationship 零件父子关系（装配图有向边）
// 不变量: 无自环; assembly 子图无环（插入时校验）
type PartRelationship struct {
	ID               string    `json:"id" gorm:"primaryKey;size:32"`
	ParentPartID     string    `json:"parent_part_id" gorm:"size:32;not null;uniqueIndex:idx_rel_parent_child;index"`
	ChildPartID      string    `json:"child_part_id" gorm:"size:32;not null;uniqueIndex:idx_rel_parent_child;index"`
	Quantity         float64   `json:"quantity" gorm:"not null;default:1"`
	RelationshipType string    `json:"relationship_type" gorm:"size:16;not null;default:assembly"`
	Notes            string    `json:"notes" gorm:"type:text"`
	CreatedAt        time.Time `json:"created_at"`

	// 关联
	Parent *Part `json:"parent,omitempty" gorm:"foreignKey:ParentPartID;constraint:OnDelete:CASCADE"`
	Child  *Part `json:"child,omitempty" gorm:"foreignKey:ChildPartID;constraint:OnDelete:CASCADE"`
}

func (PartRelationship) TableName() string {
	return "part_relationships"
}

// BOMNode BOM 树节点，每次出现都是独立展开的节点
type BOMNode struct {
	PartID           string     `json:"part_id"`
	PartNumber       string     `json:"part_number"`
	PartName         string     `json:"part_name"`
	PartRevision     string     `json:"part_revision"`
	ReleaseStatus    string     `json:"release_status"`
	Quantity         float64    `json:"quantity"`
	RelationshipType string     `json:"relationship_type"`
	Notes            string     `json:"notes,omitempty"`
	Depth            int        `json:"depth"`
	Children         []*BOMNode `json:"children"`
}

// BOMRow 展平后的 BOM 行，数量为本级用量，不做跨级乘算
type BOMRow struct {
	Depth            int     `json:"depth"`
	PartID           string  `json:"part_id"`
	PartNumber       string  `json:"part_number"`
	PartName         string  `json:"part_name"`
	PartRevision     string  `json:"part_revision"`
	ReleaseStatus    string  `json:"release_status"`
	Quantity         float64 `json:"quantity"`
	RelationshipType string  `json:"relationship_type"`
	Notes            string  `json:"notes"`
}
