package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"

	"botmail/backend/internal/auth"
	"botmail/backend/internal/config"
	"botmail/backend/internal/domain"
	"botmail/backend/internal/storage"
	sqlstore "botmail/backend/internal/storage/sql"
)

// main 创建或晋升安全复核操作员账号。
func main() {
	email := flag.String("email", "", "管理员邮箱")
	password := flag.String("password", "", "管理员密码 (仅创建新账号时需要)")
	username := flag.String("username", "", "管理员用户名 (可选)")
	flag.Parse()

	if *email == "" {
		fmt.Println("用法:")
		fmt.Println("  go run cmd/create-admin/main.go -email=ops@example.com -password='S3curePass!'")
		fmt.Println("  已存在的账号只需 -email，将被晋升为管理员")
		os.Exit(1)
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("错误: 无法加载配置: %v\n", err)
		os.Exit(1)
	}

	if cfg.Database.Type == "" || cfg.Database.DSN == "" {
		fmt.Println("错误: 未配置数据库，管理员账号需要持久化存储")
		os.Exit(1)
	}

	store, err := sqlstore.NewStore(
		cfg.Database.Type,
		cfg.Database.DSN,
		cfg.Database.MaxOpenConns,
		cfg.Database.MaxIdleConns,
		cfg.Database.ConnMaxLifetime,
	)
	if err != nil {
		fmt.Printf("错误: 无法连接数据库: %v\n", err)
		os.Exit(1)
	}
	defer store.Close()

	// 账号已存在则直接晋升
	if user, err := store.GetUserByEmail(*email); err == nil {
		if user.IsAdmin() {
			fmt.Printf("✓ 账号 %s 已是管理员\n", *email)
			return
		}
		user.Role = domain.RoleAdmin
		user.UpdatedAt = time.Now().UTC()
		if err := store.UpdateUser(user); err != nil {
			fmt.Printf("错误: 晋升账号失败: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("✓ 账号 %s 已晋升为管理员\n", *email)
		return
	} else if !errors.Is(err, storage.ErrUserNotFound) {
		fmt.Printf("错误: 查询账号失败: %v\n", err)
		os.Exit(1)
	}

	if *password == "" {
		fmt.Println("错误: 创建新账号需要 -password")
		os.Exit(1)
	}

	hashed, err := auth.HashPassword(*password)
	if err != nil {
		fmt.Printf("错误: 密码哈希失败: %v\n", err)
		os.Exit(1)
	}

	now := time.Now().UTC()
	user := &domain.User{
		ID:           uuid.NewString(),
		Email:        *email,
		Username:     *username,
		PasswordHash: hashed,
		Role:         domain.RoleAdmin,
		IsActive:     true,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	if err := store.CreateUser(user); err != nil {
		fmt.Printf("错误: 创建账号失败: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("✓ 管理员账号已创建: %s\n", *email)
}
