package service

import (
	"context"
	"errors"
	"io"
	"regexp"
	"strings"
	"testing"

	"github.com/bitfantasy/plm-lite/internal/config"
	"github.com/bitfantasy/plm-lite/internal/plm/entity"
	"github.com/bitfantasy/plm-lite/internal/plm/repository"
	"github.com/bitfantasy/plm-lite/internal/plm/storage"
	"github.com/bitfantasy/plm-lite/internal/plm/testutil"
	"gorm.io/gorm"
)

func setupDocumentService(t *testing.T) (*DocumentService, *gorm.DB, *config.Config) {
	t.Helper()
	db := testutil.SetupTestDB(t)
	repos := repository.NewRepositories(db)
	cfg := testutil.TestConfig(t)

	blobs, err := storage.NewDiskStore(cfg.Storage.FilesRoot)
	if err != nil {
		t.Fatalf("create disk store: %v", err)
	}

	audit := NewAuditService(repos.Audit, testutil.TestLogger())
	svc := NewDocumentService(repos.Document, repos.Part, blobs, audit, cfg, testutil.TestLogger())

	testutil.SeedTestUser(t, db, "user-001", "alice")
	testutil.SeedTestPart(t, db, "part-001", "PN-001", "支架", "user-001")
	return svc, db, cfg
}

func uploadDoc(t *testing.T, svc *DocumentService, filename, content string) *entity.Document {
	t.Helper()
	doc, err := svc.Upload(context.Background(), nil, filename, strings.NewReader(content), int64(len(content)), "user-001")
	if err != nil {
		t.Fatalf("upload %s failed: %v", filename, err)
	}
	return doc
}

func saveVersion(t *testing.T, svc *DocumentService, docID, content string) {
	t.Helper()
	if _, err := svc.SaveNewVersion(context.Background(), docID, strings.NewReader(content), int64(len(content)), "user-001"); err != nil {
		t.Fatalf("save version failed: %v", err)
	}
}

func readCurrent(t *testing.T, svc *DocumentService, docID string) string {
	t.Helper()
	_, reader, err := svc.Download(context.Background(), docID)
	if err != nil {
		t.Fatalf("download failed: %v", err)
	}
	defer reader.Close()
	data, err := io.ReadAll(reader)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	return string(data)
}

var versionLabelPattern = regexp.MustCompile(`^_\d{4}_\d{4}$`)

func TestUploadCADCreatesCurrentVersion(t *testing.T) {
	svc, _, _ := setupDocumentService(t)
	doc := uploadDoc(t, svc, "bracket.step", "v1")

	if doc.StoredPath != "STEP/bracket.step" {
		t.Errorf("stored path = %q, want STEP/bracket.step", doc.StoredPath)
	}

	versions, err := svc.ListVersions(context.Background(), doc.ID)
	if err != nil {
		t.Fatalf("list versions failed: %v", err)
	}
	if len(versions) != 1 || !versions[0].IsCurrent {
		t.Fatalf("versions = %+v, want single current", versions)
	}
	if !versionLabelPattern.MatchString(versions[0].VersionLabel) {
		t.Errorf("version label %q does not match _MMDD_HHMM", versions[0].VersionLabel)
	}
}

func TestUploadNonCADHasNoVersions(t *testing.T) {
	svc, _, _ := setupDocumentService(t)
	doc := uploadDoc(t, svc, "notes.pdf", "v1")

	versions, err := svc.ListVersions(context.Background(), doc.ID)
	if err != nil {
		t.Fatalf("list versions failed: %v", err)
	}
	if len(versions) != 0 {
		t.Errorf("non-CAD document must have no version records, got %d", len(versions))
	}

	// 原地覆盖，不留备份
	saveVersion(t, svc, doc.ID, "v2")
	if got := readCurrent(t, svc, doc.ID); got != "v2" {
		t.Errorf("current content = %q, want v2", got)
	}
	versions, _ = svc.ListVersions(context.Background(), doc.ID)
	if len(versions) != 0 {
		t.Errorf("replace-in-place must not create versions, got %d", len(versions))
	}
}

func TestBackupRetentionHardCap(t *testing.T) {
	svc, _, _ := setupDocumentService(t)
	ctx := context.Background()
	doc := uploadDoc(t, svc, "bracket.step", "v1")

	// 再存 v2..v5，应保留最近 3 份备份
	for _, content := range []string{"v2", "v3", "v4", "v5"} {
		saveVersion(t, svc, doc.ID, content)
	}

	if got := readCurrent(t, svc, doc.ID); got != "v5" {
		t.Errorf("current content = %q, want v5", got)
	}

	versions, err := svc.ListVersions(ctx, doc.ID)
	if err != nil {
		t.Fatalf("list versions failed: %v", err)
	}
	currents := 0
	backups := 0
	for _, fv := range versions {
		if fv.IsCurrent {
			currents++
		} else {
			backups++
		}
	}
	if currents != 1 {
		t.Errorf("current versions = %d, want exactly 1", currents)
	}
	if backups != 3 {
		t.Errorf("backups = %d, want exactly 3 (hard cap)", backups)
	}

	// 留下的备份内容应是 v2/v3/v4（v1 被淘汰）
	contents := map[string]bool{}
	for _, fv := range versions {
		if fv.IsCurrent {
			continue
		}
		_, reader, err := svc.DownloadVersion(ctx, doc.ID, fv.ID)
		if err != nil {
			t.Fatalf("download version %s failed: %v", fv.ID, err)
		}
		data, _ := io.ReadAll(reader)
		reader.Close()
		contents[string(data)] = true
	}
	for _, want := range []string{"v2", "v3", "v4"} {
		if !contents[want] {
			t.Errorf("backup content %q missing, got %v", want, contents)
		}
	}
	if contents["v1"] {
		t.Error("oldest backup v1 must be pruned")
	}
}

func TestRestoreQuarantinesCurrent(t *testing.T) {
	svc, _, cfg := setupDocumentService(t)
	ctx := context.Background()
	doc := uploadDoc(t, svc, "bracket.step", "v1")
	saveVersion(t, svc, doc.ID, "v2")

	versions, _ := svc.ListVersions(ctx, doc.ID)
	var backup *entity.FileVersion
	for i := range versions {
		if !versions[i].IsCurrent {
			backup = &versions[i]
		}
	}
	if backup == nil {
		t.Fatal("expected a backup version")
	}

	if _, err := svc.Restore(ctx, doc.ID, backup.ID, "user-001"); err != nil {
		t.Fatalf("restore failed: %v", err)
	}

	// v1 回到当前位置
	if got := readCurrent(t, svc, doc.ID); got != "v1" {
		t.Errorf("current after restore = %q, want v1", got)
	}

	// 被替换的 v2 进入隔离区而不是被删除
	versions, _ = svc.ListVersions(ctx, doc.ID)
	foundQuarantined := false
	for _, fv := range versions {
		if strings.HasPrefix(fv.BackupPath, "Temp/") {
			foundQuarantined = true
			blobs, _ := storage.NewDiskStore(cfg.Storage.FilesRoot)
			exists, err := blobs.Exists(ctx, fv.BackupPath)
			if err != nil || !exists {
				t.Errorf("quarantined file %s missing (err=%v)", fv.BackupPath, err)
			}
		}
	}
	if !foundQuarantined {
		t.Error("previous current must be quarantined under Temp/")
	}
}

func TestRestoreWrongVersion(t *testing.T) {
	svc, _, _ := setupDocumentService(t)
	ctx := context.Background()
	docA := uploadDoc(t, svc, "a.step", "a1")
	docB := uploadDoc(t, svc, "b.step", "b1")
	saveVersion(t, svc, docA.ID, "a2")

	versions, _ := svc.ListVersions(ctx, docA.ID)
	var backup *entity.FileVersion
	for i := range versions {
		if !versions[i].IsCurrent {
			backup = &versions[i]
		}
	}

	// 跨文档的 version_id 视为不存在
	if _, err := svc.Restore(ctx, docB.ID, backup.ID, "user-001"); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("foreign version restore err = %v, want ErrNotFound", err)
	}
	// 当前版本不能作为回滚目标
	for _, fv := range versions {
		if fv.IsCurrent {
			if _, err := svc.Restore(ctx, docA.ID, fv.ID, "user-001"); !errors.Is(err, repository.ErrNotFound) {
				t.Fatalf("restore of current version err = %v, want ErrNotFound", err)
			}
		}
	}
	if _, err := svc.Restore(ctx, docA.ID, "no-such-version", "user-001"); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("missing version restore err = %v, want ErrNotFound", err)
	}
}

func TestAttachDetachLockGate(t *testing.T) {
	svc, db, _ := setupDocumentService(t)
	ctx := context.Background()
	doc := uploadDoc(t, svc, "bracket.step", "v1")

	attached, err := svc.Attach(ctx, doc.ID, "part-001", "user-001")
	if err != nil {
		t.Fatalf("attach failed: %v", err)
	}
	if attached.PartID == nil || *attached.PartID != "part-001" {
		t.Fatalf("part_id = %v, want part-001", attached.PartID)
	}

	// 零件发布锁定后摘除被拒
	if err := db.Model(&entity.Part{}).Where("id = ?", "part-001").Updates(map[string]interface{}{
		"release_status": entity.ReleaseStatusReleased,
		"is_locked":      true,
	}).Error; err != nil {
		t.Fatalf("lock part: %v", err)
	}
	if _, err := svc.Detach(ctx, doc.ID, "user-001"); !errors.Is(err, ErrPartLocked) {
		t.Fatalf("detach on locked part err = %v, want ErrPartLocked", err)
	}

	// 解锁后可摘除，文档保留但 part_id 置空
	if err := db.Model(&entity.Part{}).Where("id = ?", "part-001").Updates(map[string]interface{}{
		"release_status": entity.ReleaseStatusPrototype,
		"is_locked":      false,
	}).Error; err != nil {
		t.Fatalf("unlock part: %v", err)
	}
	detached, err := svc.Detach(ctx, doc.ID, "user-001")
	if err != nil {
		t.Fatalf("detach failed: %v", err)
	}
	if detached.PartID != nil {
		t.Errorf("part_id after detach = %v, want nil", detached.PartID)
	}
}

// brokenReader 模拟上传中途断流
type brokenReader struct{}

func (brokenReader) Read(p []byte) (int, error) {
	return 0, errors.New("stream reset by peer")
}

func TestSaveVersionFailedWriteKeepsCurrent(t *testing.T) {
	svc, _, _ := setupDocumentService(t)
	ctx := context.Background()
	doc := uploadDoc(t, svc, "bracket.step", "v1")

	if _, err := svc.SaveNewVersion(ctx, doc.ID, brokenReader{}, 10, "user-001"); err == nil {
		t.Fatal("save with broken reader must fail")
	}

	// 保存失败不能让文档丢失当前版本，旧内容保持可读
	versions, err := svc.ListVersions(ctx, doc.ID)
	if err != nil {
		t.Fatalf("list versions failed: %v", err)
	}
	currents := 0
	for _, fv := range versions {
		if fv.IsCurrent {
			currents++
		}
	}
	if currents != 1 {
		t.Fatalf("current versions after failed save = %d, want exactly 1", currents)
	}
	if len(versions) != 1 {
		t.Errorf("versions after failed save = %d, want 1 (no orphan records)", len(versions))
	}
	if got := readCurrent(t, svc, doc.ID); got != "v1" {
		t.Errorf("current content after failed save = %q, want v1", got)
	}

	// 失败后仍可正常保存
	saveVersion(t, svc, doc.ID, "v2")
	if got := readCurrent(t, svc, doc.ID); got != "v2" {
		t.Errorf("current content = %q, want v2", got)
	}
}

func TestDetachDanglingPartReference(t *testing.T) {
	svc, db, _ := setupDocumentService(t)
	ctx := context.Background()
	doc := uploadDoc(t, svc, "bracket.step", "v1")

	if _, err := svc.Attach(ctx, doc.ID, "part-001", "user-001"); err != nil {
		t.Fatalf("attach failed: %v", err)
	}

	// 零件已被删除，悬空引用不阻止摘除
	if err := db.Delete(&entity.Part{}, "id = ?", "part-001").Error; err != nil {
		t.Fatalf("delete part: %v", err)
	}
	detached, err := svc.Detach(ctx, doc.ID, "user-001")
	if err != nil {
		t.Fatalf("detach with dangling part reference err = %v, want nil", err)
	}
	if detached.PartID != nil {
		t.Errorf("part_id after detach = %v, want nil", detached.PartID)
	}
}

func TestDeleteDocumentRemovesBlobs(t *testing.T) {
	svc, _, cfg := setupDocumentService(t)
	ctx := context.Background()
	doc := uploadDoc(t, svc, "bracket.step", "v1")
	saveVersion(t, svc, doc.ID, "v2")

	if err := svc.Delete(ctx, doc.ID, "user-001"); err != nil {
		t.Fatalf("delete failed: %v", err)
	}

	if _, err := svc.Get(ctx, doc.ID); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("get after delete err = %v, want ErrNotFound", err)
	}

	blobs, _ := storage.NewDiskStore(cfg.Storage.FilesRoot)
	exists, _ := blobs.Exists(ctx, "STEP/bracket.step")
	if exists {
		t.Error("stored file must be removed with the document")
	}
}
