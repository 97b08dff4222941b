// devtoken 为本地调试签发工作区令牌，可选同时写入成员目录
//
//	go run ./tools/devtoken -workspace ws-1 -user alice -role agent -seed
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"time"

	"workspace-im/config"
	"workspace-im/internal/model"
	"workspace-im/internal/repository"
	"workspace-im/internal/service"
	dbPkg "workspace-im/pkg/db"
	"workspace-im/pkg/jwt"
)

func main() {
	var (
		workspace = flag.String("workspace", "ws-1", "workspace id")
		user      = flag.String("user", "", "user id (required)")
		username  = flag.String("username", "", "username used for @mentions, defaults to the user id")
		name      = flag.String("name", "", "display name")
		role      = flag.String("role", model.RoleMember, "owner|admin|agent|member")
		ttl       = flag.Duration("ttl", 0, "token lifetime, defaults to jwt.expireTime")
		seed      = flag.Bool("seed", false, "upsert the user into the member directory")
	)
	flag.Parse()

	if *user == "" {
		log.Fatal("-user is required")
	}
	if *username == "" {
		*username = *user
	}

	cfg := config.LoadConfig()
	if *ttl > 0 {
		cfg.JWT.ExpireTime = *ttl
	}

	if *seed {
		gdb, err := dbPkg.Open(cfg.Database)
		if err != nil {
			log.Fatalf("open database: %v", err)
		}
		if err := dbPkg.AutoMigrate(gdb, model.AllModels()...); err != nil {
			log.Fatalf("migrate: %v", err)
		}
		users := service.NewUserService(repository.NewUserRepository(gdb))
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if _, err := users.EnsureMember(ctx, *workspace, *user, *username, *name, *role); err != nil {
			log.Fatalf("seed member: %v", err)
		}
		if sqlDB, err := gdb.DB(); err == nil {
			_ = sqlDB.Close()
		}
	}

	token, err := jwt.NewJWTService(cfg.JWT).GenerateToken(jwt.Identity{
		UserID:      *user,
		WorkspaceID: *workspace,
		Username:    *username,
		Name:        *name,
		Role:        *role,
	})
	if err != nil {
		log.Fatalf("generate token: %v", err)
	}
	fmt.Println(token)
}
