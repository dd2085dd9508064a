package entity

import "time"

// Document 文档实体，part_id 为空表示全局文档库
type Document struct {
	ID          string    `json:"id" gorm:"primaryKey;size:32"`
	PartID      *string   `json:"part_id" gorm:"size:32;index"`
	Filename    string    `json:"filename" gorm:"size:256;not null"`
	StoredPath  string    `json:"stored_path" gorm:"size:512;not null"`
	FileType    string    `json:"file_type" gorm:"size:16"`
	FileSize    int64     `json:"file_size" gorm:"default:0"`
	Description string    `json:"description" gorm:"type:text"`
	UploadedBy  string    `json:"uploaded_by" gorm:"size:32"`
	UploadedAt  time.Time `json:"uploaded_at"`

	// 关联
	Part     *Part `json:"part,omitempty" gorm:"foreignKey:PartID;constraint:OnDelete:SET NULL"`
	Uploader *User `json:"uploader,omitempty" gorm:"foreignKey:UploadedBy"`
}

func (Document) TableName() string {
	return "documents"
}

// FileVersion 文档历史备份
// 不变量: 每个文档至多一个 is_current; 非当前备份至多保留 3 份
type FileVersion struct {
	ID           string    `json:"id" gorm:"primaryKey;size:32"`
	DocumentID   string    `json:"document_id" gorm:"size:32;not null;index"`
	VersionLabel string    `json:"version_label" gorm:"size:16;not null"`
	BackupPath   string    `json:"backup_path" gorm:"size:512;not null"`
	FileSize     int64     `json:"file_size" gorm:"default:0"`
	SavedBy      string    `json:"saved_by" gorm:"size:32"`
	SavedAt      time.Time `json:"saved_at"`
	IsCurrent    bool      `json:"is_current" gorm:"not null;default:false"`

	// 关联
	Document *Document `json:"document,omitempty" gorm:"foreignKey:DocumentID;constraint:OnDelete:CASCADE"`
	Saver    *User     `json:"saver,omitempty" gorm:"foreignKey:SavedBy"`
}

func (FileVersion) TableName() string {
	return "file_versions"
}
