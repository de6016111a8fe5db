package main

import (
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"log"

	_ "github.com/go-sql-driver/mysql"
	"github.com/golang-migrate/migrate/v4"
	"github.com/lvdashuaibi/livepoll/config"
	"github.com/lvdashuaibi/livepoll/internal/repository/migrations"
)

func main() {
	var (
		action     string
		steps      int
		configPath string
	)

	flag.StringVar(&action, "action", "up", "迁移操作: up, down, force, version")
	flag.IntVar(&steps, "steps", 0, "迁移步数(up/down)，force时为目标版本")
	flag.StringVar(&configPath, "config", "config/config.yaml", "配置文件路径")
	flag.Parse()

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		log.Fatalf("加载配置失败: %v", err)
	}

	db, err := sql.Open("mysql", cfg.MySQL.Master)
	if err != nil {
		log.Fatalf("连接MySQL失败: %v", err)
	}
	defer db.Close()

	m, err := migrations.New(db)
	if err != nil {
		log.Fatal(err)
	}

	switch action {
	case "up":
		if steps > 0 {
			err = m.Steps(steps)
		} else {
			err = m.Up()
		}
	case "down":
		if steps > 0 {
			err = m.Steps(-steps)
		} else {
			err = m.Down()
		}
	case "force":
		err = m.Force(steps)
	case "version":
		version, dirty, err := m.Version()
		if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
			log.Fatal(err)
		}
		fmt.Printf("当前版本: %d, dirty: %v\n", version, dirty)
		return
	default:
		log.Fatalf("未知的迁移操作: %s", action)
	}

	if err != nil && !errors.Is(err, migrate.ErrNoChange) {
		log.Fatal(err)
	}
	fmt.Println("迁移执行成功")
}
