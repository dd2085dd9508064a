package entity

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// JSONB Postgres jsonb 字段
type JSONB map[string]interface{}

func (j JSONB) Value() (driver.Value, error) {
	if j == nil {
		return nil, nil
	}
	return json.Marshal(j)
}

func (j *JSONB) Scan(value interface{}) error {
	if value == nil {
		*j = nil
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		return fmt.Errorf("failed to scan JSONB: %v", value)
	}
	return json.Unmarshal(bytes, j)
}

// 零件发布状态
const (
	ReleaseStatusPrototype = "Prototype"
	ReleaseStatusReleased  = "Released"
)

// Part 零件实体
// 不变量: is_locked 当且仅当 release_status == Released
// checked_out_by 仅由检出/检入操作设置和清除
type Part struct {
	ID            string     `json:"id" gorm:"primaryKey;size:32"`
	PartNumber    string     `json:"part_number" gorm:"size:64;not null;uniqueIndex"`
	PartName      string     `json:"part_name" gorm:"size:256;not null"`
	PartRevision  string     `json:"part_revision" gorm:"size:8;not null;default:A"`
	Description   string     `json:"description" gorm:"type:text"`
	PartLevel     string     `json:"part_level" gorm:"size:32"`
	ReleaseStatus string     `json:"release_status" gorm:"size:16;not null;default:Prototype"`
	IsLocked      bool       `json:"is_locked" gorm:"not null;default:false"`
	CheckedOutBy  *string    `json:"checked_out_by" gorm:"size:32"`
	CheckedOutAt  *time.Time `json:"checked_out_at"`
	Station       string     `json:"checked_out_station" gorm:"size:64"`
	CreatedBy     string     `json:"created_by" gorm:"size:32"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`

	// 关联
	Creator    *User           `json:"creator,omitempty" gorm:"foreignKey:CreatedBy"`
	Holder     *User           `json:"holder,omitempty" gorm:"foreignKey:CheckedOutBy"`
	Attributes []PartAttribute `json:"attributes,omitempty" gorm:"foreignKey:PartID;constraint:OnDelete:CASCADE"`
}

func (Part) TableName() string {
	return "parts"
}

// PartAttribute 零件属性，(part_id, attr_key) 唯一
type PartAttribute struct {
	ID        string    `json:"id" gorm:"primaryKey;size:32"`
	PartID    string    `json:"part_id" gorm:"size:32;not null;uniqueIndex:idx_part_attr_key"`
	AttrKey   string    `json:"attr_key" gorm:"size:64;not null;uniqueIndex:idx_part_attr_key"`
	AttrValue string    `json:"attr_value" gorm:"type:text"`
	AttrOrder int       `json:"attr_order" gorm:"not null;default:0"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (PartAttribute) TableName() string {
	return "part_attributes"
}

// PartRevision 修订快照，插入后不可变
type PartRevision struct {
	ID            string    `json:"id" gorm:"primaryKey;size:32"`
	PartID        string    `json:"part_id" gorm:"size:32;not null;index"`
	RevisionLabel string    `json:"revision_label" gorm:"size:8;not null"`
	Description   string    `json:"description" gorm:"type:text"`
	ChangedBy     string    `json:"changed_by" gorm:"size:32"`
	ChangedAt     time.Time `json:"changed_at"`
	SnapshotJSON  JSONB     `json:"snapshot_json" gorm:"type:jsonb"`

	// 关联
	Changer *User `json:"changer,omitempty" gorm:"foreignKey:ChangedBy"`
}

func (PartRevision) TableName() string {
	return "part_revisions"
}
