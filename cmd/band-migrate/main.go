// band-migrate 创建 wisefido-band 所需的表和索引（可重复执行）
package main

import (
	"context"
	"flag"
	"fmt"
	"time"

	"wisefido-band/internal/common/database"
	"wisefido-band/internal/common/logger"
	"wisefido-band/internal/config"
	"wisefido-band/internal/repository"

	"go.uber.org/zap"
)

func main() {
	printOnly := flag.Bool("print", false, "print DDL statements without executing")
	timeout := flag.Duration("timeout", time.Minute, "overall migration timeout")
	flag.Parse()

	if *printOnly {
		for _, stmt := range repository.SchemaStatements() {
			fmt.Printf("%s;\n\n", stmt)
		}
		return
	}

	// 只需要数据库配置，不做完整校验
	cfg := config.Default()
	cfg.Database.LoadFromEnv("DB")

	log, err := logger.NewLogger("info", "console", "band-migrate")
	if err != nil {
		panic(fmt.Sprintf("Failed to init logger: %v", err))
	}
	defer log.Sync()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	db, err := database.NewPostgresDB(ctx, &cfg.Database)
	if err != nil {
		log.Fatal("Cannot connect to database", zap.Error(err))
	}
	defer db.Close()

	n, err := repository.ApplySchema(ctx, db)
	if err != nil {
		log.Fatal("Migration failed", zap.String("database", cfg.Database.Database), zap.Error(err))
	}
	log.Info("Migration completed", zap.String("database", cfg.Database.Database), zap.Int("statements", n))
}
