package entity

import (
	"time"
)

// User 用户实体
type User struct {
	ID                 string     `json:"id" gorm:"primaryKey;size:32"`
	Username           string     `json:"username" gorm:"size:64;not null;uniqueIndex"`
	Email              string     `json:"email,omitempty" gorm:"size:128;index"`
	PasswordHash       string     `json:"-" gorm:"size:128"`
	RoleID             *string    `json:"role_id" gorm:"size:32"`
	IsActive           bool       `json:"is_active" gorm:"not null;default:true"`
	MustChangePassword bool       `json:"must_change_password" gorm:"not null;default:false"`
	LastActive         *time.Time `json:"last_active"`
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`

	// 关联
	Role *Role `json:"role,omitempty" gorm:"foreignKey:RoleID;constraint:OnDelete:SET NULL"`
}

func (User) TableName() string {
	return "users"
}

// Role 角色实体（能力开关直接落在角色上）
type Role struct {
	ID          string    `json:"id" gorm:"primaryKey;size:32"`
	Name        string    `json:"name" gorm:"size:64;not null;uniqueIndex"`
	CanRelease  bool      `json:"can_release" gorm:"not null;default:true"`
	CanView     bool      `json:"can_view" gorm:"not null;default:true"`
	CanWrite    bool      `json:"can_write" gorm:"not null;default:true"`
	CanUpload   bool      `json:"can_upload" gorm:"not null;default:true"`
	CanCheckout bool      `json:"can_checkout" gorm:"not null;default:true"`
	CanAdmin    bool      `json:"can_admin" gorm:"not null;default:false"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

func (Role) TableName() string {
	return "roles"
}

// Abilities 角色能力快照，按请求传递（不做进程级单例缓存）
type Abilities struct {
	CanRelease  bool `json:"can_release"`
	CanView     bool `json:"can_view"`
	CanWrite    bool `json:"can_write"`
	CanUpload   bool `json:"can_upload"`
	CanCheckout bool `json:"can_checkout"`
	CanAdmin    bool `json:"can_admin"`
}

// AbilitiesOf 从角色提取能力快照
func AbilitiesOf(r *Role) Abilities {
	if r == nil {
		return Abilities{}
	}
	return Abilities{
		CanRelease:  r.CanRelease,
		CanView:     r.CanView,
		CanWrite:    r.CanWrite,
		CanUpload:   r.CanUpload,
		CanCheckout: r.CanCheckout,
		CanAdmin:    r.CanAdmin,
	}
}
