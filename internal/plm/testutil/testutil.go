package testutil

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/bitfantasy/plm-lite/internal/config"
	"github.com/bitfantasy/plm-lite/internal/middleware"
	"github.com/bitfantasy/plm-lite/internal/plm/entity"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const (
	TestSchema = "test_plm_lite"
	JWTSecret  = "plm-lite-jwt-secret-key-2024"
)

// TestEnv holds test environment resources
type TestEnv struct {
	DB     *gorm.DB
	Router *gin.Engine
	T      *testing.T
}

// projectRoot returns the project root directory by looking for go.mod
func projectRoot() string {
	_, filename, _, _ := runtime.Caller(0)
	dir := filepath.Dir(filename)
	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return ""
}

// loadEnv loads .env from the project root
func loadEnv() {
	root := projectRoot()
	if root != "" {
		godotenv.Load(filepath.Join(root, ".env"))
	}
}

// SetupTestDB creates a test database connection using a dedicated test schema.
// Each test gets an isolated schema that is cleaned up after the test.
func SetupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	loadEnv()

	host := getEnv("DB_HOST", "127.0.0.1")
	port := getEnv("DB_PORT", "5432")
	user := getEnv("DB_USER", "plm")
	password := getEnv("DB_PASSWORD", "plm123")
	dbname := getEnv("DB_NAME", "plm_lite")

	baseDSN := fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=disable",
		host, port, user, password, dbname)

	// Create a unique test schema for isolation
	schemaName := fmt.Sprintf("%s_%d", TestSchema, time.Now().UnixNano()%1000000)

	// First: create schema using a temporary connection
	setupDB, err := gorm.Open(postgres.Open(baseDSN), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("Failed to connect to database for schema setup: %v", err)
	}
	setupDB.Exec(fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", schemaName))
	sqlSetup, _ := setupDB.DB()
	sqlSetup.Close()

	// Second: open connection with search_path in DSN so ALL pooled connections use test schema
	testDSN := fmt.Sprintf("%s search_path=%s", baseDSN, schemaName)
	db, err := gorm.Open(postgres.Open(testDSN), &gorm.Config{
		Logger:                                   logger.Default.LogMode(logger.Silent),
		DisableForeignKeyConstraintWhenMigrating: true,
	})
	if err != nil {
		t.Fatalf("Failed to connect to test database: %v", err)
	}

	// Migrate test tables
	err = db.AutoMigrate(
		&entity.Role{},
		&entity.User{},
		&entity.Part{},
		&entity.PartAttribute{},
		&entity.PartRevision{},
		&entity.PartRelationship{},
		&entity.Document{},
		&entity.FileVersion{},
		&entity.AuditLogEntry{},
	)
	if err != nil {
		t.Fatalf("Failed to migrate test tables: %v", err)
	}

	// Cleanup on test completion
	t.Cleanup(func() {
		sqlDB, _ := db.DB()
		if sqlDB != nil {
			sqlDB.Close()
		}
		// Reconnect to drop the schema
		cleanDB, cleanErr := gorm.Open(postgres.Open(baseDSN), &gorm.Config{
			Logger: logger.Default.LogMode(logger.Silent),
		})
		if cleanErr == nil {
			cleanDB.Exec(fmt.Sprintf("DROP SCHEMA IF EXISTS %s CASCADE", schemaName))
			sqlClean, _ := cleanDB.DB()
			if sqlClean != nil {
				sqlClean.Close()
			}
		}
	})

	return db
}

// TestConfig returns a config suitable for tests: short token expiry,
// temp-dir file storage, 3-version retention.
func TestConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		JWT: config.JWTConfig{
			Secret:            JWTSecret,
			AccessTokenExpire: time.Hour,
			Issuer:            "plm-lite-test",
		},
		Storage: config.StorageConfig{
			FilesRoot:       t.TempDir(),
			MaxFileVersions: 3,
			CADExtensions:   ".prt,.asm,.drw,.stl,.3mf,.obj,.step,.stp,.sldprt,.sldasm,.ipt,.iam",
		},
	}
}

// TestLogger returns a no-op logger for tests
func TestLogger() *zap.Logger {
	return zap.NewNop()
}

// SetupRouter creates a gin test router
func SetupRouter() *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(gin.Recovery())
	return r
}

// AuthGroup creates an API group with JWT auth middleware for testing
func AuthGroup(r *gin.Engine, path string) *gin.RouterGroup {
	return r.Group(path, middleware.JWTAuth(JWTSecret))
}

// GenerateTestToken creates a valid JWT token carrying the given ability flags
func GenerateTestToken(userID, username string, abilities entity.Abilities) string {
	now := time.Now()
	claims := &middleware.JWTClaims{
		UserID:      userID,
		Username:    username,
		CanRelease:  abilities.CanRelease,
		CanView:     abilities.CanView,
		CanWrite:    abilities.CanWrite,
		CanUpload:   abilities.CanUpload,
		CanCheckout: abilities.CanCheckout,
		CanAdmin:    abilities.CanAdmin,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "plm-lite-test",
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(24 * time.Hour)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenString, _ := token.SignedString([]byte(JWTSecret))
	return tokenString
}

// AdminToken returns a token with every ability enabled
func AdminToken(userID string) string {
	return GenerateTestToken(userID, "test-admin", entity.Abilities{
		CanRelease: true, CanView: true, CanWrite: true,
		CanUpload: true, CanCheckout: true, CanAdmin: true,
	})
}

// EngineerToken returns a token with all abilities except admin
func EngineerToken(userID string) string {
	return GenerateTestToken(userID, "test-engineer", entity.Abilities{
		CanRelease: true, CanView: true, CanWrite: true,
		CanUpload: true, CanCheckout: true, CanAdmin: false,
	})
}

// ViewerToken returns a read-only token
func ViewerToken(userID string) string {
	return GenerateTestToken(userID, "test-viewer", entity.Abilities{
		CanView: true,
	})
}

// DoRequest executes an HTTP request against the test router
func DoRequest(r *gin.Engine, method, path string, body interface{}, token string) *httptest.ResponseRecorder {
	var reqBody *bytes.Buffer
	if body != nil {
		jsonBytes, _ := json.Marshal(body)
		reqBody = bytes.NewBuffer(jsonBytes)
	} else {
		reqBody = bytes.NewBuffer(nil)
	}

	req, _ := http.NewRequest(method, path, reqBody)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

// ParseResponse parses the JSON response body into a generic map
func ParseResponse(w *httptest.ResponseRecorder) map[string]interface{} {
	var result map[string]interface{}
	json.Unmarshal(w.Body.Bytes(), &result)
	return result
}

// SeedTestUser creates a test user in the database
func SeedTestUser(t *testing.T, db *gorm.DB, id, username string) *entity.User {
	t.Helper()
	user := &entity.User{
		ID:        id,
		Username:  username,
		IsActive:  true,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
	if err := db.Create(user).Error; err != nil {
		t.Fatalf("Failed to seed test user: %v", err)
	}
	return user
}

// SeedTestPart creates a test part in the database
func SeedTestPart(t *testing.T, db *gorm.DB, id, partNumber, partName, createdBy string) *entity.Part {
	t.Helper()
	part := &entity.Part{
		ID:            id,
		PartNumber:    partNumber,
		PartName:      partName,
		PartRevision:  "A",
		ReleaseStatus: entity.ReleaseStatusPrototype,
		CreatedBy:     createdBy,
		CreatedAt:     time.Now(),
		UpdatedAt:     time.Now(),
	}
	if err := db.Create(part).Error; err != nil {
		t.Fatalf("Failed to seed test part: %v", err)
	}
	return part
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
