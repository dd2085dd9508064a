package entity

import "time"

// AuditLogEntry 审计日志，只追加，无更新/删除路径
type AuditLogEntry struct {
	ID         string    `json:"id" gorm:"primaryKey;size:32"`
	UserID     string    `json:"user_id" gorm:"size:32;index"`
	Action     string    `json:"action" gorm:"size:64;not null"`
	EntityType string    `json:"entity_type" gorm:"size:32;not null;index:idx_audit_entity"`
	EntityID   string    `json:"entity_id" gorm:"size:32;index:idx_audit_entity"`
	Detail     JSONB     `json:"detail" gorm:"type:jsonb"`
	CreatedAt  time.Time `json:"created_at" gorm:"index"`

	// 关联
	User *User `json:"user,omitempty" gorm:"foreignKey:UserID"`
}

func (AuditLogEntry) TableName() string {
	return "audit_log"
}
