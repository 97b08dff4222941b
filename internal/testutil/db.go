// Package testutil 测试辅助：内存数据库
package testutil

import (
	"fmt"
	"strings"
	"sync/atomic"
	"testing"

	"workspace-im/config"
	"workspace-im/internal/model"
	"workspace-im/pkg/db"

	"gorm.io/gorm"
)

var seq atomic.Int64

// NewDB 打开一个独立的内存 SQLite 数据库并完成迁移
func NewDB(t *testing.T) *gorm.DB {
	t.Helper()

	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	cfg := config.DatabaseConfig{
		Driver:   "sqlite",
		Database: fmt.Sprintf("file:%s_%d?mode=memory&cache=shared", name, seq.Add(1)),
		MaxIdle:  1,
		MaxOpen:  1,
		LogLevel: "silent",
	}
	gdb, err := db.Open(cfg)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() {
		if sqlDB, err := gdb.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})

	if err := db.AutoMigrate(gdb, model.AllModels()...); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return gdb
}

// SeedUser 写入一个工作区成员
func SeedUser(t *testing.T, gdb *gorm.DB, workspaceID, id, username, role string) *model.User {
	t.Helper()
	u := &model.User{ID: id, WorkspaceID: workspaceID, Username: username, DisplayName: strings.ToUpper(username[:1]) + username[1:], Role: role}
	if err := gdb.Create(u).Error; err != nil {
		t.Fatalf("seed user %s: %v", id, err)
	}
	return u
}
