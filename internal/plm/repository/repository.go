package repository

import (
	"errors"

	"gorm.io/gorm"
)

// 错误定义
var (
	ErrNotFound = errors.New("record not found")
)

// Repositories 仓库集合
type Repositories struct {
	User         *UserRepository
	Part         *PartRepository
	Revision     *RevisionRepository
	Relationship *RelationshipRepository
	Document     *DocumentRepository
	Audit        *AuditRepository
}

// NewRepositories 创建仓库集合
func NewRepositories(db *gorm.DB) *Repositories {
	return &Repositories{
		User:         NewUserRepository(db),
		Part:         NewPartRepository(db),
		Revision:     NewRevisionRepository(db),
		Relationship: NewRelationshipRepository(db),
		Document:     NewDocumentRepository(db),
		Audit:        NewAuditRepository(db),
	}
}
