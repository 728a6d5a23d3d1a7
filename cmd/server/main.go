package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/lambdabear/powermax-b5120/internal/config"
	"github.com/lambdabear/powermax-b5120/internal/server"
	"github.com/lambdabear/powermax-b5120/internal/storage"
)

var (
	Version   = "1.0.0"
	BuildTime = "unknown"
)

func main() {
	// 命令行参数
	configFile := flag.String("config", "configs/config.yaml", "配置文件路径 (.yaml/.toml)")
	showVersion := flag.Bool("version", false, "显示版本信息")
	flag.Parse()

	// 显示版本
	if *showVersion {
		fmt.Printf("PowerMax B5120 BMS Gateway v%s (Build: %s)\n", Version, BuildTime)
		os.Exit(0)
	}

	// 配置文件不可用时使用默认配置，日志建好后再报告
	cfg, cfgErr := config.LoadConfig(*configFile)
	if cfgErr != nil {
		cfg = config.GetDefaultConfig()
	}

	log, err := cfg.Log.NewLogger()
	if err != nil {
		log.Warnf("日志配置错误: %v", err)
	}
	log.Infof("BMS Gateway v%s 启动中...", Version)
	if cfgErr != nil {
		log.Warnf("加载配置失败: %v, 使用默认配置", cfgErr)
	} else {
		log.Infof("配置文件: %s", *configFile)
	}

	sink, err := storage.NewSink(cfg.Sink, log)
	if err != nil {
		log.Fatalf("创建sink失败: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv := server.NewTCPServer(cfg, sink, log)
	if err := srv.Run(ctx); err != nil {
		log.Fatalf("服务器错误: %v", err)
	}
}
