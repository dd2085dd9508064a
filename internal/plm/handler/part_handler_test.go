package handler

import (
	"fmt"
	"net/http"
	"testing"

	"github.com/bitfantasy/plm-lite/internal/middleware"
	"github.com/bitfantasy/plm-lite/internal/plm/repository"
	"github.com/bitfantasy/plm-lite/internal/plm/service"
	"github.com/bitfantasy/plm-lite/internal/plm/storage"
	"github.com/bitfantasy/plm-lite/internal/plm/testutil"
	"github.com/gin-gonic/gin"
)

func setupPartTest(t *testing.T) *gin.Engine {
	t.Helper()
	db := testutil.SetupTestDB(t)
	repos := repository.NewRepositories(db)
	cfg := testutil.TestConfig(t)

	blobs, err := storage.NewDiskStore(cfg.Storage.FilesRoot)
	if err != nil {
		t.Fatalf("create disk store: %v", err)
	}

	services := service.NewServices(repos, nil, blobs, cfg, testutil.TestLogger())
	handlers := NewHandlers(services, cfg)

	testutil.SeedTestUser(t, db, "user-001", "alice")
	testutil.SeedTestUser(t, db, "user-002", "bob")

	r := testutil.SetupRouter()
	api := testutil.AuthGroup(r, "/api/v1")
	parts := api.Group("/parts")
	{
		parts.GET("", middleware.RequireAbility("view"), handlers.Part.List)
		parts.POST("", middleware.RequireAbility("write"), handlers.Part.Create)
		parts.GET("/:id", middleware.RequireAbility("view"), handlers.Part.Get)
		parts.POST("/:id/checkout", middleware.RequireAbility("checkout"), handlers.Part.Checkout)
		parts.POST("/:id/checkin", middleware.RequireAbility("checkout"), handlers.Part.Checkin)
		parts.POST("/:id/release", middleware.RequireAbility("release"), handlers.Part.Release)
		parts.POST("/:id/bump", middleware.RequireAbility("write"), handlers.Part.Bump)
		parts.PUT("/:id/attributes", middleware.RequireAbility("write"), handlers.Part.SetAttribute)
		parts.GET("/:id/revisions", middleware.RequireAbility("view"), handlers.Part.ListRevisions)
	}
	return r
}

func createPartHTTP(t *testing.T, r *gin.Engine, token, partNumber string) string {
	t.Helper()
	w := testutil.DoRequest(r, "POST", "/api/v1/parts", map[string]interface{}{
		"part_number": partNumber,
		"part_name":   "测试零件",
	}, token)
	if w.Code != http.StatusCreated {
		t.Fatalf("create part status = %d, body = %s", w.Code, w.Body.String())
	}
	resp := testutil.ParseResponse(w)
	data := resp["data"].(map[string]interface{})
	return data["id"].(string)
}

func TestPartCreateRequiresWriteAbility(t *testing.T) {
	r := setupPartTest(t)

	w := testutil.DoRequest(r, "POST", "/api/v1/parts", map[string]interface{}{
		"part_number": "PN-001",
		"part_name":   "支架",
	}, testutil.ViewerToken("user-001"))
	if w.Code != http.StatusForbidden {
		t.Errorf("viewer create status = %d, want 403", w.Code)
	}

	w = testutil.DoRequest(r, "POST", "/api/v1/parts", map[string]interface{}{
		"part_number": "PN-001",
		"part_name":   "支架",
	}, testutil.EngineerToken("user-001"))
	if w.Code != http.StatusCreated {
		t.Errorf("engineer create status = %d, want 201, body = %s", w.Code, w.Body.String())
	}
}

func TestPartUnauthorized(t *testing.T) {
	r := setupPartTest(t)
	w := testutil.DoRequest(r, "GET", "/api/v1/parts", nil, "")
	if w.Code != http.StatusUnauthorized {
		t.Errorf("no-token status = %d, want 401", w.Code)
	}
}

func TestCheckoutConflictResponse(t *testing.T) {
	r := setupPartTest(t)
	alice := testutil.EngineerToken("user-001")
	bob := testutil.EngineerToken("user-002")
	partID := createPartHTTP(t, r, alice, "PN-001")

	path := fmt.Sprintf("/api/v1/parts/%s/checkout", partID)
	w := testutil.DoRequest(r, "POST", path, map[string]interface{}{"station": "WS-01"}, alice)
	if w.Code != http.StatusOK {
		t.Fatalf("first checkout status = %d, body = %s", w.Code, w.Body.String())
	}

	w = testutil.DoRequest(r, "POST", path, nil, bob)
	if w.Code != http.StatusConflict {
		t.Fatalf("second checkout status = %d, want 409, body = %s", w.Code, w.Body.String())
	}
	resp := testutil.ParseResponse(w)
	if resp["code"].(float64) != 40900 {
		t.Errorf("conflict code = %v, want 40900", resp["code"])
	}
	data, ok := resp["data"].(map[string]interface{})
	if !ok || data["holder_id"] != "user-001" {
		t.Errorf("conflict payload must carry holder identity, got %v", resp["data"])
	}

	// 非持有者签入
	w = testutil.DoRequest(r, "POST", fmt.Sprintf("/api/v1/parts/%s/checkin", partID), nil, bob)
	if w.Code != http.StatusConflict {
		t.Errorf("non-holder checkin status = %d, want 409", w.Code)
	}

	// 管理员强制签入
	w = testutil.DoRequest(r, "POST", fmt.Sprintf("/api/v1/parts/%s/checkin", partID), nil, testutil.AdminToken("user-002"))
	if w.Code != http.StatusOK {
		t.Errorf("admin checkin status = %d, want 200, body = %s", w.Code, w.Body.String())
	}
}

func TestReleaseThenEditThenBump(t *testing.T) {
	r := setupPartTest(t)
	alice := testutil.EngineerToken("user-001")
	partID := createPartHTTP(t, r, alice, "PN-001")

	w := testutil.DoRequest(r, "POST", fmt.Sprintf("/api/v1/parts/%s/release", partID), nil, alice)
	if w.Code != http.StatusOK {
		t.Fatalf("release status = %d, body = %s", w.Code, w.Body.String())
	}

	// 锁定期间属性编辑 423
	w = testutil.DoRequest(r, "PUT", fmt.Sprintf("/api/v1/parts/%s/attributes", partID), map[string]interface{}{
		"key":   "material",
		"value": "AL6061",
	}, alice)
	if w.Code != http.StatusLocked {
		t.Fatalf("locked attribute edit status = %d, want 423, body = %s", w.Code, w.Body.String())
	}

	// 修订升级不受锁限制
	w = testutil.DoRequest(r, "POST", fmt.Sprintf("/api/v1/parts/%s/bump", partID), map[string]interface{}{
		"description": "prepare rev B",
	}, alice)
	if w.Code != http.StatusOK {
		t.Fatalf("bump status = %d, body = %s", w.Code, w.Body.String())
	}
	resp := testutil.ParseResponse(w)
	data := resp["data"].(map[string]interface{})
	if data["part_revision"] != "B" {
		t.Errorf("revision after bump = %v, want B", data["part_revision"])
	}
	if data["release_status"] != "Released" {
		t.Errorf("bump must not change release status, got %v", data["release_status"])
	}

	// 修订历史含 A 快照
	w = testutil.DoRequest(r, "GET", fmt.Sprintf("/api/v1/parts/%s/revisions", partID), nil, alice)
	if w.Code != http.StatusOK {
		t.Fatalf("revisions status = %d", w.Code)
	}
	resp = testutil.ParseResponse(w)
	items := resp["data"].(map[string]interface{})["items"].([]interface{})
	if len(items) != 1 {
		t.Fatalf("revision count = %d, want 1", len(items))
	}
	if items[0].(map[string]interface{})["revision_label"] != "A" {
		t.Errorf("archived revision label = %v, want A", items[0].(map[string]interface{})["revision_label"])
	}
}

func TestPartNotFoundResponse(t *testing.T) {
	r := setupPartTest(t)
	w := testutil.DoRequest(r, "GET", "/api/v1/parts/no-such-id", nil, testutil.ViewerToken("user-001"))
	if w.Code != http.StatusNotFound {
		t.Errorf("missing part status = %d, want 404", w.Code)
	}
	resp := testutil.ParseResponse(w)
	if resp["code"].(float64) != 40400 {
		t.Errorf("missing part code = %v, want 40400", resp["code"])
	}
}
