package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"revsocks_go/internal/config"
	"revsocks_go/internal/server"
	"revsocks_go/internal/shared/logger"
	"revsocks_go/internal/shared/types"
)

func main() {
	configPath := flag.String("config", "configs/agent.ini", "Path to agent config file")
	flag.Parse()

	// 1. 加载配置
	cfg := types.Default()
	if err := config.LoadIni(cfg, *configPath); err != nil {
		fmt.Fprintf(os.Stderr, "Fatal: Failed to load config file '%s': %v\n", *configPath, err)
		os.Exit(1)
	}

	// 1.1 初始化日志系统
	if err := logger.Init(cfg.LogConf); err != nil {
		fmt.Fprintf(os.Stderr, "Fatal: Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	// 2. 创建并运行服务器，收到信号后优雅退出
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := server.New(cfg).RunAgent(ctx); err != nil {
		logger.Fatal().Err(err).Msg("agent exited with error")
	}
	logger.Info().Msg("agent stopped.")
}
