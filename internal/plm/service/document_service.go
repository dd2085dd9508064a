package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"

	"github.com/bitfantasy/plm-lite/internal/config"
	"github.com/bitfantasy/plm-lite/internal/plm/entity"
	"github.com/bitfantasy/plm-lite/internal/plm/repository"
	"github.com/bitfantasy/plm-lite/internal/plm/storage"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// versionLabelLayout 备份版本号时间格式（_月日_时分），
// 与既有文件库里的备份文件名保持兼容，不得更改
const versionLabelLayout = "_0102_1504"

// quarantineFolder 恢复操作中被替换的当前文件的隔离目录
const quarantineFolder = "Temp"

// DocumentService 文档与文件版本服务
type DocumentService struct {
	docRepo  *repository.DocumentRepository
	partRepo *repository.PartRepository
	blobs    storage.BlobStore
	audit    *AuditService
	cfg      *config.Config
	logger   *zap.Logger
}

// NewDocumentService 创建文档服务
func NewDocumentService(docRepo *repository.DocumentRepository, partRepo *repository.PartRepository, blobs storage.BlobStore, audit *AuditService, cfg *config.Config, logger *zap.Logger) *DocumentService {
	return &DocumentService{
		docRepo:  docRepo,
		partRepo: partRepo,
		blobs:    blobs,
		audit:    audit,
		cfg:      cfg,
		logger:   logger,
	}
}

// backupKey 由当前存储路径和时间标签生成备份路径
// "STEP/bracket.step" + "_0102_1504" → "STEP/bracket_0102_1504.step"
func backupKey(storedPath, label string) string {
	ext := filepath.Ext(storedPath)
	base := strings.TrimSuffix(storedPath, ext)
	return base + label + ext
}

// quarantineKey 生成隔离区路径
func quarantineKey(storedPath, label string) string {
	ext := filepath.Ext(storedPath)
	base := strings.TrimSuffix(filepath.Base(storedPath), ext)
	return quarantineFolder + "/" + base + label + ext
}

// uniqueKey 同一分钟内多次保存会算出同一个备份路径，
// 已占用时在扩展名前追加序号，避免覆盖先前的备份
func (s *DocumentService) uniqueKey(ctx context.Context, key string) (string, error) {
	exists, err := s.blobs.Exists(ctx, key)
	if err != nil {
		return "", err
	}
	if !exists {
		return key, nil
	}
	ext := filepath.Ext(key)
	base := strings.TrimSuffix(key, ext)
	for i := 1; ; i++ {
		candidate := fmt.Sprintf("%s_%d%s", base, i, ext)
		exists, err := s.blobs.Exists(ctx, candidate)
		if err != nil {
			return "", err
		}
		if !exists {
			return candidate, nil
		}
	}
}

// Upload 上传新文档。partID 为空表示进入全局文档库
func (s *DocumentService) Upload(ctx context.Context, partID *string, filename string, r io.Reader, size int64, userID string) (*entity.Document, error) {
	if partID != nil {
		if _, err := s.partRepo.FindByID(ctx, *partID); err != nil {
			return nil, err
		}
	}

	storedPath := storage.ExtFolder(filename) + "/" + filename
	if err := s.blobs.Put(ctx, storedPath, r, size); err != nil {
		return nil, fmt.Errorf("store file: %w", err)
	}

	now := time.Now()
	doc := &entity.Document{
		ID:         newID(),
		PartID:     partID,
		Filename:   filename,
		StoredPath: storedPath,
		FileType:   strings.TrimPrefix(strings.ToLower(filepath.Ext(filename)), "."),
		FileSize:   size,
		UploadedBy: userID,
		UploadedAt: now,
	}
	if err := s.docRepo.Create(ctx, doc); err != nil {
		return nil, fmt.Errorf("create document: %w", err)
	}

	// CAD 文件建立版本记录，当前版本指向存储路径本身
	if s.cfg.Storage.IsCADFile(filename) {
		fv := &entity.FileVersion{
			ID:           newID(),
			DocumentID:   doc.ID,
			VersionLabel: now.Format(versionLabelLayout),
			BackupPath:   storedPath,
			FileSize:     size,
			SavedBy:      userID,
			SavedAt:      now,
			IsCurrent:    true,
		}
		if err := s.docRepo.CreateVersion(ctx, fv); err != nil {
			return nil, fmt.Errorf("create file version: %w", err)
		}
	}

	s.audit.Record(ctx, userID, "document.upload", "document", doc.ID, map[string]interface{}{
		"filename": filename,
	})
	return s.docRepo.FindByID(ctx, doc.ID)
}

// SaveNewVersion 保存文档新内容。
// CAD 文件：原当前文件改名为带时间标签的备份，新内容成为当前版本，
// 非当前备份超过上限时淘汰最旧的一份（记录与存储一起删）。
// 非 CAD 文件：原地覆盖，不留备份。
func (s *DocumentService) SaveNewVersion(ctx context.Context, documentID string, r io.Reader, size int64, userID string) (*entity.Document, error) {
	doc, err := s.docRepo.FindByID(ctx, documentID)
	if err != nil {
		return nil, err
	}

	now := time.Now()

	if !s.cfg.Storage.IsCADFile(doc.Filename) {
		if err := s.blobs.Put(ctx, doc.StoredPath, r, size); err != nil {
			return nil, fmt.Errorf("store file: %w", err)
		}
		if err := s.docRepo.UpdateFields(ctx, doc.ID, map[string]interface{}{
			"file_size":   size,
			"uploaded_by": userID,
			"uploaded_at": now,
		}); err != nil {
			return nil, fmt.Errorf("update document: %w", err)
		}
		s.audit.Record(ctx, userID, "document.save", "document", doc.ID, nil)
		return s.docRepo.FindByID(ctx, doc.ID)
	}

	label := now.Format(versionLabelLayout)

	bkey, err := s.uniqueKey(ctx, backupKey(doc.StoredPath, label))
	if err != nil {
		return nil, err
	}

	// 1. 先复制旧内容到备份路径再写新内容。
	//    写入失败时从备份复原当前文件，此时版本记录尚未触碰
	if err := s.blobs.Copy(ctx, doc.StoredPath, bkey); err != nil && err != storage.ErrNotExist {
		return nil, fmt.Errorf("rotate backup: %w", err)
	}
	if err := s.blobs.Put(ctx, doc.StoredPath, r, size); err != nil {
		if restoreErr := s.blobs.Copy(ctx, bkey, doc.StoredPath); restoreErr != nil && restoreErr != storage.ErrNotExist {
			s.logger.Error("Failed to restore current file after aborted save",
				zap.String("document_id", doc.ID),
				zap.Error(restoreErr))
		}
		_ = s.blobs.Remove(ctx, bkey)
		return nil, fmt.Errorf("store file: %w", err)
	}

	// 2. 记录变更在一个事务内落库。文档行加锁，
	//    同一文档的版本轮换互相串行，任一步失败整体回滚
	fv := &entity.FileVersion{
		ID:           newID(),
		DocumentID:   doc.ID,
		VersionLabel: label,
		BackupPath:   doc.StoredPath,
		FileSize:     size,
		SavedBy:      userID,
		SavedAt:      now,
		IsCurrent:    true,
	}
	var pruned []string
	err = s.docRepo.DB().WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var locked entity.Document
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&locked, "id = ?", doc.ID).Error; err != nil {
			return err
		}

		var current entity.FileVersion
		curErr := tx.First(&current, "document_id = ? AND is_current = ?", doc.ID, true).Error
		if curErr != nil && !errors.Is(curErr, gorm.ErrRecordNotFound) {
			return curErr
		}
		if curErr == nil {
			if err := tx.Model(&entity.FileVersion{}).Where("id = ?", current.ID).
				Updates(map[string]interface{}{
					"is_current":    false,
					"version_label": label,
					"backup_path":   bkey,
				}).Error; err != nil {
				return fmt.Errorf("update backup version: %w", err)
			}
		}

		if err := tx.Create(fv).Error; err != nil {
			return fmt.Errorf("create file version: %w", err)
		}
		if err := tx.Model(&entity.Document{}).Where("id = ?", doc.ID).
			Updates(map[string]interface{}{
				"file_size":   size,
				"uploaded_by": userID,
				"uploaded_at": now,
			}).Error; err != nil {
			return fmt.Errorf("update document: %w", err)
		}

		paths, err := s.pruneBackupRecords(tx, doc.ID)
		if err != nil {
			return err
		}
		pruned = paths
		return nil
	})
	if err != nil {
		// 回滚后把备份副本放回当前位置，内容与记录保持一致
		if restoreErr := s.blobs.Copy(ctx, bkey, doc.StoredPath); restoreErr != nil && restoreErr != storage.ErrNotExist {
			s.logger.Error("Failed to restore current file after aborted save",
				zap.String("document_id", doc.ID),
				zap.Error(restoreErr))
		}
		_ = s.blobs.Remove(ctx, bkey)
		return nil, err
	}

	// 3. 提交后再清理被淘汰的备份文件
	s.removePrunedBlobs(ctx, doc.ID, pruned)

	s.audit.Record(ctx, userID, "document.save_version", "document", doc.ID, map[string]interface{}{
		"version_label": label,
	})
	return s.docRepo.FindByID(ctx, doc.ID)
}

// pruneBackupRecords 非当前备份数量硬上限，超出部分按保存时间
// 从旧到新删除记录，返回待清理的文件路径
func (s *DocumentService) pruneBackupRecords(tx *gorm.DB, documentID string) ([]string, error) {
	var backups []entity.FileVersion
	if err := tx.Where("document_id = ? AND is_current = ?", documentID, false).
		Order("saved_at ASC").Find(&backups).Error; err != nil {
		return nil, err
	}
	var paths []string
	limit := s.cfg.Storage.MaxFileVersions
	for len(backups) > limit {
		oldest := backups[0]
		if err := tx.Delete(&entity.FileVersion{}, "id = ?", oldest.ID).Error; err != nil {
			return nil, fmt.Errorf("delete pruned version: %w", err)
		}
		paths = append(paths, oldest.BackupPath)
		backups = backups[1:]
	}
	return paths, nil
}

// removePrunedBlobs 记录已提交，文件清理失败只记日志
func (s *DocumentService) removePrunedBlobs(ctx context.Context, documentID string, paths []string) {
	for _, p := range paths {
		if err := s.blobs.Remove(ctx, p); err != nil {
			s.logger.Warn("Failed to remove pruned backup",
				zap.String("document_id", documentID),
				zap.String("path", p),
				zap.Error(err))
		}
	}
}

// Restore 回滚到指定备份版本。
// 原当前文件移入隔离区而非删除，误操作本身可再恢复。
func (s *DocumentService) Restore(ctx context.Context, documentID, versionID, userID string) (*entity.Document, error) {
	doc, err := s.docRepo.FindByID(ctx, documentID)
	if err != nil {
		return nil, err
	}

	target, err := s.docRepo.FindVersionByID(ctx, versionID)
	if err != nil {
		return nil, err
	}
	if target.DocumentID != documentID || target.IsCurrent {
		return nil, repository.ErrNotFound
	}

	now := time.Now()
	label := now.Format(versionLabelLayout)

	qkey, err := s.uniqueKey(ctx, quarantineKey(doc.StoredPath, label))
	if err != nil {
		return nil, err
	}

	// 1. 当前内容复制进隔离区，备份内容复制回当前位置。
	//    复制失败时记录未动，当前版本保持有效
	if err := s.blobs.Copy(ctx, doc.StoredPath, qkey); err != nil && err != storage.ErrNotExist {
		return nil, fmt.Errorf("quarantine current file: %w", err)
	}
	if err := s.blobs.Copy(ctx, target.BackupPath, doc.StoredPath); err != nil {
		return nil, fmt.Errorf("restore backup: %w", err)
	}
	oldBackupPath := target.BackupPath

	// 2. 记录变更在一个事务内落库，文档行加锁与保存操作串行
	var pruned []string
	err = s.docRepo.DB().WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var locked entity.Document
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&locked, "id = ?", doc.ID).Error; err != nil {
			return err
		}

		// 目标版本可能已被并发保存淘汰，事务内再校验一次
		var tgt entity.FileVersion
		if err := tx.First(&tgt, "id = ? AND document_id = ? AND is_current = ?",
			target.ID, documentID, false).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return repository.ErrNotFound
			}
			return err
		}

		var current entity.FileVersion
		curErr := tx.First(&current, "document_id = ? AND is_current = ?", doc.ID, true).Error
		if curErr != nil && !errors.Is(curErr, gorm.ErrRecordNotFound) {
			return curErr
		}
		if curErr == nil {
			if err := tx.Model(&entity.FileVersion{}).Where("id = ?", current.ID).
				Updates(map[string]interface{}{
					"is_current":    false,
					"version_label": label,
					"backup_path":   qkey,
				}).Error; err != nil {
				return fmt.Errorf("update quarantined version: %w", err)
			}
		}

		if err := tx.Model(&entity.FileVersion{}).Where("id = ?", tgt.ID).
			Updates(map[string]interface{}{
				"is_current":  true,
				"backup_path": doc.StoredPath,
			}).Error; err != nil {
			return fmt.Errorf("update restored version: %w", err)
		}
		if err := tx.Model(&entity.Document{}).Where("id = ?", doc.ID).
			Updates(map[string]interface{}{
				"file_size":   tgt.FileSize,
				"uploaded_at": now,
			}).Error; err != nil {
			return fmt.Errorf("update document: %w", err)
		}

		paths, err := s.pruneBackupRecords(tx, doc.ID)
		if err != nil {
			return err
		}
		pruned = paths
		return nil
	})
	if err != nil {
		// 回滚后把隔离区副本放回当前位置，内容与记录保持一致
		if restoreErr := s.blobs.Copy(ctx, qkey, doc.StoredPath); restoreErr != nil && restoreErr != storage.ErrNotExist {
			s.logger.Error("Failed to restore current file after aborted restore",
				zap.String("document_id", doc.ID),
				zap.Error(restoreErr))
		}
		_ = s.blobs.Remove(ctx, qkey)
		return nil, err
	}

	// 3. 备份内容已复制到当前位置，原备份文件不再被引用
	if err := s.blobs.Remove(ctx, oldBackupPath); err != nil {
		s.logger.Warn("Failed to remove restored backup source",
			zap.String("document_id", doc.ID),
			zap.String("path", oldBackupPath),
			zap.Error(err))
	}
	s.removePrunedBlobs(ctx, doc.ID, pruned)

	s.audit.Record(ctx, userID, "document.restore", "document", doc.ID, map[string]interface{}{
		"version_id": versionID,
	})
	return s.docRepo.FindByID(ctx, doc.ID)
}

// Get 查询文档详情
func (s *DocumentService) Get(ctx context.Context, id string) (*entity.Document, error) {
	return s.docRepo.FindByID(ctx, id)
}

// List 文档列表
func (s *DocumentService) List(ctx context.Context, search string, page, pageSize int) ([]entity.Document, int64, error) {
	return s.docRepo.List(ctx, search, page, pageSize)
}

// ListByPart 零件挂载的文档
func (s *DocumentService) ListByPart(ctx context.Context, partID string) ([]entity.Document, error) {
	if _, err := s.partRepo.FindByID(ctx, partID); err != nil {
		return nil, err
	}
	return s.docRepo.ListByPart(ctx, partID)
}

// ListVersions 文档版本历史，新的在前
func (s *DocumentService) ListVersions(ctx context.Context, documentID string) ([]entity.FileVersion, error) {
	if _, err := s.docRepo.FindByID(ctx, documentID); err != nil {
		return nil, err
	}
	return s.docRepo.ListVersions(ctx, documentID)
}

// Download 下载文档当前内容
func (s *DocumentService) Download(ctx context.Context, id string) (*entity.Document, io.ReadCloser, error) {
	doc, err := s.docRepo.FindByID(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	reader, err := s.blobs.Get(ctx, doc.StoredPath)
	if err != nil {
		return nil, nil, fmt.Errorf("open stored file: %w", err)
	}
	return doc, reader, nil
}

// DownloadVersion 下载指定备份版本内容
func (s *DocumentService) DownloadVersion(ctx context.Context, documentID, versionID string) (*entity.FileVersion, io.ReadCloser, error) {
	fv, err := s.docRepo.FindVersionByID(ctx, versionID)
	if err != nil {
		return nil, nil, err
	}
	if fv.DocumentID != documentID {
		return nil, nil, repository.ErrNotFound
	}
	reader, err := s.blobs.Get(ctx, fv.BackupPath)
	if err != nil {
		return nil, nil, fmt.Errorf("open backup file: %w", err)
	}
	return fv, reader, nil
}

// Attach 将文档挂载到零件
func (s *DocumentService) Attach(ctx context.Context, documentID, partID, userID string) (*entity.Document, error) {
	if _, err := s.docRepo.FindByID(ctx, documentID); err != nil {
		return nil, err
	}
	if _, err := s.partRepo.FindByID(ctx, partID); err != nil {
		return nil, err
	}

	if err := s.docRepo.UpdateFields(ctx, documentID, map[string]interface{}{
		"part_id": partID,
	}); err != nil {
		return nil, fmt.Errorf("attach document: %w", err)
	}

	s.audit.Record(ctx, userID, "document.attach", "document", documentID, map[string]interface{}{
		"part_id": partID,
	})
	return s.docRepo.FindByID(ctx, documentID)
}

// Detach 从零件摘除文档。零件发布锁定后拒绝
func (s *DocumentService) Detach(ctx context.Context, documentID, userID string) (*entity.Document, error) {
	doc, err := s.docRepo.FindByID(ctx, documentID)
	if err != nil {
		return nil, err
	}
	if doc.PartID != nil {
		// 零件已不存在的悬空引用直接放行，其余查询错误不能绕过锁检查
		part, err := s.partRepo.FindByID(ctx, *doc.PartID)
		if err != nil && !errors.Is(err, repository.ErrNotFound) {
			return nil, err
		}
		if err == nil && part.IsLocked {
			return nil, ErrPartLocked
		}
	}

	if err := s.docRepo.UpdateFields(ctx, documentID, map[string]interface{}{
		"part_id": nil,
	}); err != nil {
		return nil, fmt.Errorf("detach document: %w", err)
	}

	s.audit.Record(ctx, userID, "document.detach", "document", documentID, nil)
	return s.docRepo.FindByID(ctx, documentID)
}

// Delete 删除文档与其全部版本内容
func (s *DocumentService) Delete(ctx context.Context, id, userID string) error {
	doc, err := s.docRepo.FindByID(ctx, id)
	if err != nil {
		return err
	}

	versions, err := s.docRepo.ListVersions(ctx, id)
	if err != nil {
		return err
	}
	for _, fv := range versions {
		if err := s.blobs.Remove(ctx, fv.BackupPath); err != nil {
			s.logger.Warn("Failed to remove version blob",
				zap.String("document_id", id),
				zap.String("path", fv.BackupPath),
				zap.Error(err))
		}
	}
	if err := s.blobs.Remove(ctx, doc.StoredPath); err != nil {
		s.logger.Warn("Failed to remove stored file",
			zap.String("document_id", id),
			zap.String("path", doc.StoredPath),
			zap.Error(err))
	}

	if err := s.docRepo.Delete(ctx, id); err != nil {
		return fmt.Errorf("delete document: %w", err)
	}

	s.audit.Record(ctx, userID, "document.delete", "document", id, map[string]interface{}{
		"filename": doc.Filename,
	})
	return nil
}
