package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"wisefido-band/internal/common/logger"
	"wisefido-band/internal/config"
	"wisefido-band/internal/service"

	"go.uber.org/zap"
)

func main() {
	// 1. 加载配置
	cfg, err := config.Load()
	if err != nil {
		panic(fmt.Sprintf("Failed to load config: %v", err))
	}

	// 2. 初始化日志
	log, err := logger.NewLogger(cfg.Log.Level, cfg.Log.Format, "wisefido-band")
	if err != nil {
		panic(fmt.Sprintf("Failed to init logger: %v", err))
	}
	defer log.Sync()

	// 3. 创建上下文（支持优雅关闭）
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 4. 创建服务
	bandService, err := service.NewBandService(ctx, cfg, log)
	if err != nil {
		log.Fatal("Failed to create band service", zap.Error(err))
	}
	defer bandService.Stop()

	// 5. 启动服务
	if err := bandService.Start(ctx); err != nil {
		log.Error("Failed to start band service", zap.Error(err))
		return
	}

	// 6. 等待信号（优雅关闭）
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		log.Info("Received signal, shutting down", zap.String("signal", sig.String()))
	case err := <-bandService.Err():
		log.Error("Service error", zap.Error(err))
	}
	cancel()

	log.Info("Band service stopped")
}
