package repository

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

var testTypes = map[string]TypeRef{
	"rep:root":        {Name: "rep:root", Namespace: "internal"},
	"nt:unstructured": {Name: "nt:unstructured", Namespace: "http://www.jcp.org/jcr/nt/1.0"},
}

func openTestDatabase(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "repository.db")), &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Silent)})
	if err != nil {
		t.Fatalf("failed to open sqlite database: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql database: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() {
		_ = sqlDB.Close()
	})
	if err := db.AutoMigrate(&Node{}); err != nil {
		t.Fatalf("failed to migrate nodes: %v", err)
	}
	return db
}

func newTestRepository(t *testing.T) *Repository {
	t.Helper()
	db := openTestDatabase(t)
	now := time.Unix(1700000000, 0).UTC()
	if err := Seed(context.Background(), db, nil, now, []SeedNode{{Path: RootPath, Type: testTypes["rep:root"]}}); err != nil {
		t.Fatalf("failed to seed root: %v", err)
	}
	repo, err := New(Config{
		Database: db,
		Clock:    func() time.Time { return now },
	})
	if err != nil {
		t.Fatalf("failed to construct repository: %v", err)
	}
	return repo
}

func mustGetNode(t *testing.T, session *Session, path string) *Node {
	t.Helper()
	node, err := session.GetNode(context.Background(), path)
	if err != nil {
		t.Fatalf("unexpected error reading %s: %v", path, err)
	}
	return node
}

func mustAddNode(t *testing.T, session *Session, parent *Node, name string) *Node {
	t.Helper()
	node, err := session.AddNode(context.Background(), parent, name, "nt:unstructured")
	if err != nil {
		t.Fatalf("unexpected error adding %s: %v", name, err)
	}
	return node
}

func mustSave(t *testing.T, session *Session) {
	t.Helper()
	if err := session.Save(context.Background()); err != nil {
		t.Fatalf("unexpected save error: %v", err)
	}
}
