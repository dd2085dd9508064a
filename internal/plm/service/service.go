package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bitfantasy/plm-lite/internal/config"
	"github.com/bitfantasy/plm-lite/internal/plm/entity"
	"github.com/bitfantasy/plm-lite/internal/plm/repository"
	"github.com/bitfantasy/plm-lite/internal/plm/storage"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// 冲突类错误：请求合法但当前状态不允许，调用方可查看状态后重试
var (
	ErrNotLockHolder         = errors.New("caller is not the lock holder")
	ErrAlreadyReleased       = errors.New("part is already released")
	ErrNotReleased           = errors.New("part is not released")
	ErrDuplicateRelationship = errors.New("relationship already exists")
	ErrDuplicatePartNumber   = errors.New("part number already exists")
	ErrRevisionConflict      = errors.New("part revision changed concurrently")
)

// 不变量类错误：请求对当前图/状态永远不可能成功，调用方必须修改请求
var (
	ErrSelfReference  = errors.New("part cannot reference itself")
	ErrCyclicAssembly = errors.New("relationship would create an assembly cycle")
	ErrPartLocked     = errors.New("part is released and locked")
)

// LockHeldError 零件已被他人签出，携带当前持有者信息
type LockHeldError struct {
	PartID     string
	HolderID   string
	HolderName string
	Station    string
	Since      *time.Time
}

func (e *LockHeldError) Error() string {
	return fmt.Sprintf("part %s is checked out by %s", e.PartID, e.HolderName)
}

// Services 服务集合
type Services struct {
	Auth     *AuthService
	User     *UserService
	Part     *PartService
	BOM      *BOMService
	Document *DocumentService
	Audit    *AuditService
}

// NewServices 创建服务集合
func NewServices(repos *repository.Repositories, rdb *redis.Client, blobs storage.BlobStore, cfg *config.Config, logger *zap.Logger) *Services {
	auditSvc := NewAuditService(repos.Audit, logger)
	authSvc := NewAuthService(repos.User, rdb, cfg, logger)

	return &Services{
		Auth:     authSvc,
		User:     NewUserService(repos.User, authSvc, auditSvc, logger),
		Part:     NewPartService(repos.Part, repos.Revision, auditSvc, logger),
		BOM:      NewBOMService(repos.Relationship, repos.Part, auditSvc, logger),
		Document: NewDocumentService(repos.Document, repos.Part, blobs, auditSvc, cfg, logger),
		Audit:    auditSvc,
	}
}

// newID 生成32位实体ID
func newID() string {
	return uuid.New().String()[:32]
}

// AuditService 审计服务，只追加
type AuditService struct {
	auditRepo *repository.AuditRepository
	logger    *zap.Logger
}

// NewAuditService 创建审计服务
func NewAuditService(auditRepo *repository.AuditRepository, logger *zap.Logger) *AuditService {
	return &AuditService{auditRepo: auditRepo, logger: logger}
}

// Record 追加审计记录。审计失败不阻断主操作，只记日志
func (s *AuditService) Record(ctx context.Context, userID, action, entityType, entityID string, detail map[string]interface{}) {
	log := &entity.AuditLogEntry{
		ID:         newID(),
		UserID:     userID,
		Action:     action,
		EntityType: entityType,
		EntityID:   entityID,
		Detail:     detail,
	}
	if err := s.auditRepo.Create(ctx, log); err != nil {
		s.logger.Error("Failed to write audit log",
			zap.String("action", action),
			zap.String("entity_id", entityID),
			zap.Error(err))
	}
}

// List 审计记录列表
func (s *AuditService) List(ctx context.Context, filter repository.AuditFilter) ([]entity.AuditLogEntry, int64, error) {
	return s.auditRepo.List(ctx, filter)
}

// ListByEntity 指定实体的审计记录
func (s *AuditService) ListByEntity(ctx context.Context, entityType, entityID string) ([]entity.AuditLogEntry, error) {
	return s.auditRepo.ListByEntity(ctx, entityType, entityID)
}
