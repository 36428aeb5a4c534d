package users

import (
	"context"
	"errors"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/onehippo/hippo-repository/internal/auth"
	"github.com/onehippo/hippo-repository/internal/workflow"
)

func newTestService(t *testing.T) (*Service, *gorm.DB) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "users.db")), &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Silent)})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(Models()...); err != nil {
		t.Fatalf("failed to migrate user schema: %v", err)
	}
	service, err := NewService(ServiceConfig{
		Database: db,
		Clock: func() time.Time {
			return time.Unix(1, 0)
		},
	})
	if err != nil {
		t.Fatalf("failed to create service: %v", err)
	}
	return service, db
}

func TestResolvePrincipalMergesTokenRolesWithGrants(t *testing.T) {
	service, db := newTestService(t)
	ctx := context.Background()

	if err := service.Grant(ctx, "erin", workflow.RoleEditor, "admin"); err != nil {
		t.Fatalf("grant failed: %v", err)
	}
	claims := auth.SessionClaims{UserID: "erin", UserDisplayName: "Erin", UserRoles: []string{workflow.RoleAuthor, workflow.RoleEditor}}
	principal, err := service.ResolvePrincipal(ctx, claims)
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if principal.UserID != "erin" {
		t.Fatalf("unexpected user id %q", principal.UserID)
	}
	if want := []string{workflow.RoleAuthor, workflow.RoleEditor}; !reflect.DeepEqual(principal.Roles, want) {
		t.Fatalf("expected roles %v, got %v", want, principal.Roles)
	}

	if _, err := service.ResolvePrincipal(ctx, claims); err != nil {
		t.Fatalf("second resolve failed: %v", err)
	}
	var count int64
	if err := db.Model(&Identity{}).Count(&count).Error; err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected one identity row, got %d", count)
	}
}

func TestGrantAndRevokeInvalidateCache(t *testing.T) {
	service, _ := newTestService(t)
	ctx := context.Background()

	principal, err := service.ResolvePrincipal(ctx, auth.SessionClaims{UserID: "alice"})
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if principal.CanEdit() {
		t.Fatalf("expected no roles before grant, got %v", principal.Roles)
	}

	if err := service.Grant(ctx, "alice", workflow.RoleAuthor, "admin"); err != nil {
		t.Fatalf("grant failed: %v", err)
	}
	if err := service.Grant(ctx, "alice", workflow.RoleAuthor, "admin"); err != nil {
		t.Fatalf("repeated grant failed: %v", err)
	}
	principal, err = service.ResolvePrincipal(ctx, auth.SessionClaims{UserID: "alice"})
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if !principal.CanEdit() {
		t.Fatalf("expected grant to apply, got %v", principal.Roles)
	}

	if err := service.Revoke(ctx, "alice", workflow.RoleAuthor); err != nil {
		t.Fatalf("revoke failed: %v", err)
	}
	roles, err := service.Roles(ctx, "alice")
	if err != nil {
		t.Fatalf("roles failed: %v", err)
	}
	if len(roles) != 0 {
		t.Fatalf("expected revoked roles, got %v", roles)
	}
}

func TestGrantValidation(t *testing.T) {
	service, _ := newTestService(t)
	ctx := context.Background()
	if err := service.Grant(ctx, "alice", "superuser", "admin"); !errors.Is(err, ErrUnknownRole) {
		t.Fatalf("expected unknown role, got %v", err)
	}
	if err := service.Grant(ctx, " ", workflow.RoleAuthor, "admin"); !errors.Is(err, ErrInvalidIdentity) {
		t.Fatalf("expected invalid identity, got %v", err)
	}
	if _, err := service.ResolvePrincipal(ctx, auth.SessionClaims{}); !errors.Is(err, ErrInvalidIdentity) {
		t.Fatalf("expected invalid identity, got %v", err)
	}
}
