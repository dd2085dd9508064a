package service

import (
	"context"
	"errors"
	"testing"

	"github.com/bitfantasy/plm-lite/internal/plm/entity"
	"github.com/bitfantasy/plm-lite/internal/plm/repository"
	"github.com/bitfantasy/plm-lite/internal/plm/testutil"
	"gorm.io/gorm"
)

func setupBOMService(t *testing.T) (*BOMService, *gorm.DB) {
	t.Helper()
	db := testutil.SetupTestDB(t)
	repos := repository.NewRepositories(db)
	audit := NewAuditService(repos.Audit, testutil.TestLogger())
	svc := NewBOMService(repos.Relationship, repos.Part, audit, testutil.TestLogger())

	testutil.SeedTestUser(t, db, "user-001", "alice")
	testutil.SeedTestPart(t, db, "part-a", "PN-A", "总装", "user-001")
	testutil.SeedTestPart(t, db, "part-b", "PN-B", "组件", "user-001")
	testutil.SeedTestPart(t, db, "part-c", "PN-C", "零件", "user-001")
	return svc, db
}

func countRelationships(t *testing.T, db *gorm.DB) int64 {
	t.Helper()
	var count int64
	if err := db.Model(&entity.PartRelationship{}).Count(&count).Error; err != nil {
		t.Fatalf("count relationships failed: %v", err)
	}
	return count
}

func TestAddRelationshipSelfReference(t *testing.T) {
	svc, db := setupBOMService(t)

	_, err := svc.AddRelationship(context.Background(), AddRelationshipInput{
		ParentPartID: "part-a",
		ChildPartID:  "part-a",
	}, "user-001")
	if !errors.Is(err, ErrSelfReference) {
		t.Fatalf("self reference err = %v, want ErrSelfReference", err)
	}
	if countRelationships(t, db) != 0 {
		t.Error("rejected edge must not be stored")
	}
}

func TestAddRelationshipDuplicate(t *testing.T) {
	svc, db := setupBOMService(t)
	ctx := context.Background()

	if _, err := svc.AddRelationship(ctx, AddRelationshipInput{
		ParentPartID: "part-a",
		ChildPartID:  "part-b",
		Quantity:     2,
	}, "user-001"); err != nil {
		t.Fatalf("first edge failed: %v", err)
	}

	_, err := svc.AddRelationship(ctx, AddRelationshipInput{
		ParentPartID: "part-a",
		ChildPartID:  "part-b",
		Quantity:     5,
	}, "user-001")
	if !errors.Is(err, ErrDuplicateRelationship) {
		t.Fatalf("duplicate edge err = %v, want ErrDuplicateRelationship", err)
	}
	if countRelationships(t, db) != 1 {
		t.Error("duplicate edge must not be stored")
	}
}

func TestAddRelationshipCycle(t *testing.T) {
	svc, db := setupBOMService(t)
	ctx := context.Background()

	// a → b → c
	mustAdd := func(parent, child string) {
		t.Helper()
		if _, err := svc.AddRelationship(ctx, AddRelationshipInput{
			ParentPartID: parent,
			ChildPartID:  child,
		}, "user-001"); err != nil {
			t.Fatalf("add %s→%s failed: %v", parent, child, err)
		}
	}
	mustAdd("part-a", "part-b")
	mustAdd("part-b", "part-c")

	before := countRelationships(t, db)

	// c → a 会构成环
	_, err := svc.AddRelationship(ctx, AddRelationshipInput{
		ParentPartID: "part-c",
		ChildPartID:  "part-a",
	}, "user-001")
	if !errors.Is(err, ErrCyclicAssembly) {
		t.Fatalf("cyclic edge err = %v, want ErrCyclicAssembly", err)
	}
	// 被拒绝的插入不得留下半写的边
	if got := countRelationships(t, db); got != before {
		t.Errorf("relationship count after rejected cycle = %d, want %d", got, before)
	}

	// 直接回边 b → a 同样被拒
	if _, err := svc.AddRelationship(ctx, AddRelationshipInput{
		ParentPartID: "part-b",
		ChildPartID:  "part-a",
	}, "user-001"); !errors.Is(err, ErrCyclicAssembly) {
		t.Fatalf("back edge err = %v, want ErrCyclicAssembly", err)
	}
}

func TestReferenceEdgeSkipsCycleCheck(t *testing.T) {
	svc, _ := setupBOMService(t)
	ctx := context.Background()

	if _, err := svc.AddRelationship(ctx, AddRelationshipInput{
		ParentPartID: "part-a",
		ChildPartID:  "part-b",
	}, "user-001"); err != nil {
		t.Fatalf("assembly edge failed: %v", err)
	}

	// reference 类型不参与装配环校验
	if _, err := svc.AddRelationship(ctx, AddRelationshipInput{
		ParentPartID:     "part-b",
		ChildPartID:      "part-a",
		RelationshipType: entity.RelTypeReference,
	}, "user-001"); err != nil {
		t.Fatalf("reference back edge must be allowed: %v", err)
	}
}

func TestBuildTreeAndFlatten(t *testing.T) {
	svc, _ := setupBOMService(t)
	ctx := context.Background()

	// a →(2) b →(3) c
	if _, err := svc.AddRelationship(ctx, AddRelationshipInput{
		ParentPartID: "part-a", ChildPartID: "part-b", Quantity: 2,
	}, "user-001"); err != nil {
		t.Fatalf("add a→b failed: %v", err)
	}
	if _, err := svc.AddRelationship(ctx, AddRelationshipInput{
		ParentPartID: "part-b", ChildPartID: "part-c", Quantity: 3,
	}, "user-001"); err != nil {
		t.Fatalf("add b→c failed: %v", err)
	}

	tree, err := svc.BuildTree(ctx, "part-a")
	if err != nil {
		t.Fatalf("build tree failed: %v", err)
	}
	if tree.PartNumber != "PN-A" || tree.Depth != 0 {
		t.Errorf("root = %s depth %d, want PN-A depth 0", tree.PartNumber, tree.Depth)
	}
	if len(tree.Children) != 1 || tree.Children[0].Quantity != 2 {
		t.Fatalf("root children = %+v, want single qty 2", tree.Children)
	}
	grandchild := tree.Children[0].Children
	if len(grandchild) != 1 || grandchild[0].Quantity != 3 || grandchild[0].Depth != 2 {
		t.Fatalf("grandchild = %+v, want qty 3 depth 2", grandchild)
	}

	rows, err := svc.FlattenBOM(ctx, "part-a")
	if err != nil {
		t.Fatalf("flatten failed: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("flatten rows = %d, want 3", len(rows))
	}
	// 数量是本级用量，不跨级乘算：c 行数量应为 3 而不是 6
	if rows[2].PartNumber != "PN-C" || rows[2].Quantity != 3 {
		t.Errorf("leaf row = %s qty %v, want PN-C qty 3", rows[2].PartNumber, rows[2].Quantity)
	}
	if rows[0].Depth != 0 || rows[1].Depth != 1 || rows[2].Depth != 2 {
		t.Errorf("depths = %d,%d,%d, want 0,1,2", rows[0].Depth, rows[1].Depth, rows[2].Depth)
	}
}

func TestWhereUsedDirectParentsOnly(t *testing.T) {
	svc, _ := setupBOMService(t)
	ctx := context.Background()

	// a → b → c: c 的直接父件只有 b
	if _, err := svc.AddRelationship(ctx, AddRelationshipInput{
		ParentPartID: "part-a", ChildPartID: "part-b",
	}, "user-001"); err != nil {
		t.Fatalf("add a→b failed: %v", err)
	}
	if _, err := svc.AddRelationship(ctx, AddRelationshipInput{
		ParentPartID: "part-b", ChildPartID: "part-c",
	}, "user-001"); err != nil {
		t.Fatalf("add b→c failed: %v", err)
	}

	rels, err := svc.WhereUsed(ctx, "part-c")
	if err != nil {
		t.Fatalf("where used failed: %v", err)
	}
	if len(rels) != 1 || rels[0].ParentPartID != "part-b" {
		t.Errorf("where used = %+v, want single direct parent part-b", rels)
	}
}

func TestUpdateRelationshipQuantity(t *testing.T) {
	svc, _ := setupBOMService(t)
	ctx := context.Background()

	rel, err := svc.AddRelationship(ctx, AddRelationshipInput{
		ParentPartID: "part-a", ChildPartID: "part-b", Quantity: 1,
	}, "user-001")
	if err != nil {
		t.Fatalf("add failed: %v", err)
	}

	qty := 4.0
	updated, err := svc.UpdateRelationship(ctx, rel.ID, UpdateRelationshipInput{Quantity: &qty}, "user-001")
	if err != nil {
		t.Fatalf("update failed: %v", err)
	}
	if updated.Quantity != 4 {
		t.Errorf("quantity = %v, want 4", updated.Quantity)
	}

	bad := -1.0
	if _, err := svc.UpdateRelationship(ctx, rel.ID, UpdateRelationshipInput{Quantity: &bad}, "user-001"); err == nil {
		t.Error("non-positive quantity must be rejected")
	}
}

func TestRemoveRelationship(t *testing.T) {
	svc, db := setupBOMService(t)
	ctx := context.Background()

	rel, err := svc.AddRelationship(ctx, AddRelationshipInput{
		ParentPartID: "part-a", ChildPartID: "part-b",
	}, "user-001")
	if err != nil {
		t.Fatalf("add failed: %v", err)
	}

	if err := svc.RemoveRelationship(ctx, rel.ID, "user-001"); err != nil {
		t.Fatalf("remove failed: %v", err)
	}
	if countRelationships(t, db) != 0 {
		t.Error("edge must be gone after remove")
	}
	if err := svc.RemoveRelationship(ctx, rel.ID, "user-001"); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("remove of missing edge err = %v, want ErrNotFound", err)
	}
}

func TestExportBOM(t *testing.T) {
	svc, _ := setupBOMService(t)
	ctx := context.Background()

	if _, err := svc.AddRelationship(ctx, AddRelationshipInput{
		ParentPartID: "part-a", ChildPartID: "part-b", Quantity: 2,
	}, "user-001"); err != nil {
		t.Fatalf("add failed: %v", err)
	}

	buf, filename, err := svc.ExportBOM(ctx, "part-a")
	if err != nil {
		t.Fatalf("export failed: %v", err)
	}
	if filename != "BOM_PN-A.xlsx" {
		t.Errorf("filename = %q, want BOM_PN-A.xlsx", filename)
	}
	if buf.Len() == 0 {
		t.Error("exported workbook is empty")
	}
}
