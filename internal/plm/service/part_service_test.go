package service

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/bitfantasy/plm-lite/internal/plm/entity"
	"github.com/bitfantasy/plm-lite/internal/plm/repository"
	"github.com/bitfantasy/plm-lite/internal/plm/testutil"
	"gorm.io/gorm"
)

func setupPartService(t *testing.T) (*PartService, *gorm.DB) {
	t.Helper()
	db := testutil.SetupTestDB(t)
	repos := repository.NewRepositories(db)
	audit := NewAuditService(repos.Audit, testutil.TestLogger())
	svc := NewPartService(repos.Part, repos.Revision, audit, testutil.TestLogger())

	testutil.SeedTestUser(t, db, "user-001", "alice")
	testutil.SeedTestUser(t, db, "user-002", "bob")
	return svc, db
}

func TestNextRevisionLabel(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"", "A"},
		{"A", "B"},
		{"B", "C"},
		{"Y", "Z"},
		{"Z", "AA"},
		{"AA", "AB"},
		{"AZ", "BA"},
		{"ZZ", "AAA"},
	}
	for _, c := range cases {
		if got := NextRevisionLabel(c.in); got != c.want {
			t.Errorf("NextRevisionLabel(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestCreatePart(t *testing.T) {
	svc, _ := setupPartService(t)
	ctx := context.Background()

	part, err := svc.Create(ctx, CreatePartInput{
		PartNumber: "PN-001",
		PartName:   "支架",
		Attributes: map[string]string{"material": "AL6061"},
	}, "user-001")
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	if part.PartRevision != "A" {
		t.Errorf("new part revision = %q, want A", part.PartRevision)
	}
	if part.ReleaseStatus != entity.ReleaseStatusPrototype {
		t.Errorf("new part status = %q, want Prototype", part.ReleaseStatus)
	}
	if part.IsLocked {
		t.Error("new part must not be locked")
	}
	if len(part.Attributes) != 1 || part.Attributes[0].AttrKey != "material" {
		t.Errorf("attributes not persisted: %+v", part.Attributes)
	}

	// 零件号唯一
	if _, err := svc.Create(ctx, CreatePartInput{PartNumber: "PN-001", PartName: "dup"}, "user-001"); err == nil {
		t.Error("duplicate part number must be rejected")
	}
}

func TestCheckoutConflict(t *testing.T) {
	svc, db := setupPartService(t)
	ctx := context.Background()
	testutil.SeedTestPart(t, db, "part-001", "PN-001", "支架", "user-001")

	part, err := svc.Checkout(ctx, "part-001", "user-001", "WS-01")
	if err != nil {
		t.Fatalf("first checkout failed: %v", err)
	}
	if part.CheckedOutBy == nil || *part.CheckedOutBy != "user-001" {
		t.Fatalf("checked_out_by = %v, want user-001", part.CheckedOutBy)
	}
	if part.Station != "WS-01" {
		t.Errorf("station = %q, want WS-01", part.Station)
	}

	// 第二个用户签出失败并得到持有者信息
	_, err = svc.Checkout(ctx, "part-001", "user-002", "WS-02")
	var lockHeld *LockHeldError
	if !errors.As(err, &lockHeld) {
		t.Fatalf("second checkout err = %v, want LockHeldError", err)
	}
	if lockHeld.HolderID != "user-001" {
		t.Errorf("holder = %q, want user-001", lockHeld.HolderID)
	}
}

func TestCheckoutConcurrentSingleWinner(t *testing.T) {
	svc, db := setupPartService(t)
	ctx := context.Background()
	testutil.SeedTestPart(t, db, "part-001", "PN-001", "支架", "user-001")

	const workers = 8
	var wg sync.WaitGroup
	results := make(chan error, workers)

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			userID := "user-001"
			if n%2 == 1 {
				userID = "user-002"
			}
			_, err := svc.Checkout(ctx, "part-001", userID, "")
			results <- err
		}(i)
	}
	wg.Wait()
	close(results)

	winners := 0
	for err := range results {
		if err == nil {
			winners++
			continue
		}
		var lockHeld *LockHeldError
		if !errors.As(err, &lockHeld) {
			t.Errorf("unexpected checkout error: %v", err)
		}
	}
	if winners != 1 {
		t.Errorf("concurrent checkout winners = %d, want exactly 1", winners)
	}
}

func TestCheckinRules(t *testing.T) {
	svc, db := setupPartService(t)
	ctx := context.Background()
	testutil.SeedTestPart(t, db, "part-001", "PN-001", "支架", "user-001")

	// 未签出时签入为幂等成功
	if _, err := svc.Checkin(ctx, "part-001", "user-001", false); err != nil {
		t.Fatalf("checkin of unlocked part must succeed: %v", err)
	}

	if _, err := svc.Checkout(ctx, "part-001", "user-001", ""); err != nil {
		t.Fatalf("checkout failed: %v", err)
	}

	// 非持有者签入被拒
	if _, err := svc.Checkin(ctx, "part-001", "user-002", false); !errors.Is(err, ErrNotLockHolder) {
		t.Fatalf("non-holder checkin err = %v, want ErrNotLockHolder", err)
	}

	// 管理员可强制签入
	part, err := svc.Checkin(ctx, "part-001", "user-002", true)
	if err != nil {
		t.Fatalf("admin force checkin failed: %v", err)
	}
	if part.CheckedOutBy != nil {
		t.Error("part must be checked in after force checkin")
	}
}

func TestReleaseLifecycle(t *testing.T) {
	svc, db := setupPartService(t)
	ctx := context.Background()
	testutil.SeedTestPart(t, db, "part-001", "PN-001", "支架", "user-001")

	part, err := svc.Release(ctx, "part-001", "user-001")
	if err != nil {
		t.Fatalf("release failed: %v", err)
	}
	if part.ReleaseStatus != entity.ReleaseStatusReleased || !part.IsLocked {
		t.Errorf("after release: status=%q locked=%v, want Released/true", part.ReleaseStatus, part.IsLocked)
	}

	// 重复发布
	if _, err := svc.Release(ctx, "part-001", "user-001"); !errors.Is(err, ErrAlreadyReleased) {
		t.Fatalf("double release err = %v, want ErrAlreadyReleased", err)
	}

	// 锁定期间属性编辑被拒
	if err := svc.SetAttribute(ctx, "part-001", "material", "AL6061", 0, "user-001"); !errors.Is(err, ErrPartLocked) {
		t.Fatalf("attribute edit on locked part err = %v, want ErrPartLocked", err)
	}
	name := "new name"
	if _, err := svc.Update(ctx, "part-001", UpdatePartInput{PartName: &name}, "user-001"); !errors.Is(err, ErrPartLocked) {
		t.Fatalf("rename on locked part err = %v, want ErrPartLocked", err)
	}

	// 锁定期间签出仍然允许
	if _, err := svc.Checkout(ctx, "part-001", "user-001", ""); err != nil {
		t.Fatalf("checkout of released part must be allowed: %v", err)
	}

	// 撤销发布解锁
	part, err = svc.Unrelease(ctx, "part-001", "user-002")
	if err != nil {
		t.Fatalf("unrelease failed: %v", err)
	}
	if part.ReleaseStatus != entity.ReleaseStatusPrototype || part.IsLocked {
		t.Errorf("after unrelease: status=%q locked=%v, want Prototype/false", part.ReleaseStatus, part.IsLocked)
	}

	if _, err := svc.Unrelease(ctx, "part-001", "user-002"); !errors.Is(err, ErrNotReleased) {
		t.Fatalf("unrelease of prototype err = %v, want ErrNotReleased", err)
	}
}

func TestBumpRevision(t *testing.T) {
	svc, db := setupPartService(t)
	ctx := context.Background()
	testutil.SeedTestPart(t, db, "part-001", "PN-001", "支架", "user-001")

	if err := svc.SetAttribute(ctx, "part-001", "material", "AL6061", 0, "user-001"); err != nil {
		t.Fatalf("set attribute failed: %v", err)
	}

	// 发布后仍可修订升级，且不改变发布状态
	if _, err := svc.Release(ctx, "part-001", "user-001"); err != nil {
		t.Fatalf("release failed: %v", err)
	}

	part, err := svc.Bump(ctx, "part-001", "修正材料厚度", "user-001")
	if err != nil {
		t.Fatalf("bump failed: %v", err)
	}
	if part.PartRevision != "B" {
		t.Errorf("revision after bump = %q, want B", part.PartRevision)
	}
	if part.ReleaseStatus != entity.ReleaseStatusReleased {
		t.Errorf("bump must not change release status, got %q", part.ReleaseStatus)
	}

	revs, err := svc.ListRevisions(ctx, "part-001")
	if err != nil {
		t.Fatalf("list revisions failed: %v", err)
	}
	if len(revs) != 1 {
		t.Fatalf("revision count = %d, want 1", len(revs))
	}
	if revs[0].RevisionLabel != "A" {
		t.Errorf("archived label = %q, want A", revs[0].RevisionLabel)
	}
	if revs[0].Description != "修正材料厚度" {
		t.Errorf("archived description = %q", revs[0].Description)
	}
	snapshot := revs[0].SnapshotJSON
	if snapshot["part_revision"] != "A" {
		t.Errorf("snapshot revision = %v, want A", snapshot["part_revision"])
	}
	attrs, ok := snapshot["attributes"].(map[string]interface{})
	if !ok || attrs["material"] != "AL6061" {
		t.Errorf("snapshot attributes = %v, want material=AL6061", snapshot["attributes"])
	}

	// 连续 bump 序号单调递增
	for i := 0; i < 25; i++ {
		if _, err := svc.Bump(ctx, "part-001", "tick", "user-001"); err != nil {
			t.Fatalf("bump %d failed: %v", i, err)
		}
	}
	part, _ = svc.Get(ctx, "part-001")
	if part.PartRevision != "AA" {
		t.Errorf("revision after 26 bumps from A = %q, want AA", part.PartRevision)
	}
}

func TestBumpConcurrentSingleAdvance(t *testing.T) {
	svc, db := setupPartService(t)
	ctx := context.Background()
	testutil.SeedTestPart(t, db, "part-001", "PN-001", "支架", "user-001")

	const workers = 2
	var wg sync.WaitGroup
	results := make(chan error, workers)

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Bump(ctx, "part-001", "tick", "user-001")
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	wins := 0
	for err := range results {
		if err == nil {
			wins++
			continue
		}
		if !errors.Is(err, ErrRevisionConflict) {
			t.Errorf("unexpected bump error: %v", err)
		}
	}
	if wins < 1 {
		t.Fatal("at least one concurrent bump must succeed")
	}

	// 落败方整体回滚，存档数与成功数一致且修订号不重复
	revs, err := svc.ListRevisions(ctx, "part-001")
	if err != nil {
		t.Fatalf("list revisions failed: %v", err)
	}
	if len(revs) != wins {
		t.Errorf("archived revisions = %d, want %d", len(revs), wins)
	}
	seen := map[string]bool{}
	for _, rev := range revs {
		if seen[rev.RevisionLabel] {
			t.Errorf("duplicate archived label %q", rev.RevisionLabel)
		}
		seen[rev.RevisionLabel] = true
	}

	part, err := svc.Get(ctx, "part-001")
	if err != nil {
		t.Fatalf("get part failed: %v", err)
	}
	want := "A"
	for i := 0; i < wins; i++ {
		want = NextRevisionLabel(want)
	}
	if part.PartRevision != want {
		t.Errorf("revision after %d successful bumps = %q, want %q", wins, part.PartRevision, want)
	}
}

func TestBumpMissingPart(t *testing.T) {
	svc, _ := setupPartService(t)
	if _, err := svc.Bump(context.Background(), "no-such-part", "x", "user-001"); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("bump on missing part err = %v, want ErrNotFound", err)
	}
}

func TestAttributeLifecycle(t *testing.T) {
	svc, db := setupPartService(t)
	ctx := context.Background()
	testutil.SeedTestPart(t, db, "part-001", "PN-001", "支架", "user-001")

	if err := svc.SetAttribute(ctx, "part-001", "material", "AL6061", 0, "user-001"); err != nil {
		t.Fatalf("set attribute failed: %v", err)
	}
	// 同键覆盖而不是重复
	if err := svc.SetAttribute(ctx, "part-001", "material", "SUS304", 0, "user-001"); err != nil {
		t.Fatalf("overwrite attribute failed: %v", err)
	}

	attrs, err := svc.ListAttributes(ctx, "part-001")
	if err != nil {
		t.Fatalf("list attributes failed: %v", err)
	}
	if len(attrs) != 1 || attrs[0].AttrValue != "SUS304" {
		t.Errorf("attributes = %+v, want single material=SUS304", attrs)
	}

	if err := svc.DeleteAttribute(ctx, "part-001", "material", "user-001"); err != nil {
		t.Fatalf("delete attribute failed: %v", err)
	}
	if err := svc.DeleteAttribute(ctx, "part-001", "material", "user-001"); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("delete of missing attribute err = %v, want ErrNotFound", err)
	}
}
