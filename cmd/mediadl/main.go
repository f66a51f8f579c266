// mediadl - 媒体下载管理服务
// 这是主程序入口文件
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/shepherd-project/mediadl/internal/config"
	"github.com/shepherd-project/mediadl/internal/download"
	"github.com/shepherd-project/mediadl/internal/engine"
	"github.com/shepherd-project/mediadl/internal/fsutil"
	"github.com/shepherd-project/mediadl/internal/logger"
	"github.com/shepherd-project/mediadl/internal/netutil"
	"github.com/shepherd-project/mediadl/internal/notify"
	"github.com/shepherd-project/mediadl/internal/server"
	"github.com/shepherd-project/mediadl/internal/shutdown"
	"github.com/shepherd-project/mediadl/internal/storage"
	"github.com/shepherd-project/mediadl/internal/version"
	"github.com/shepherd-project/mediadl/internal/websocket"
)

func main() {
	// 命令行参数
	configPath := flag.String("config", "", "配置文件路径")
	showVersion := flag.Bool("version", false, "显示版本信息")
	flag.Parse()

	if *showVersion {
		fmt.Println(version.GetVersionInfo().FullString())
		os.Exit(0)
	}

	// 创建配置管理器
	configMgr := config.NewManager()
	if *configPath != "" {
		configMgr = config.NewManagerWithPath(*configPath)
	}

	cfg, err := configMgr.Load()
	if err != nil {
		fmt.Printf("警告: 无法加载配置文件，使用默认配置: %v\n", err)
		cfg = config.DefaultConfig()
	}

	// 初始化日志系统
	if err := logger.InitLogger(&cfg.Log); err != nil {
		fmt.Printf("警告: 无法初始化日志系统: %v\n", err)
	}

	logger.Info("mediadl 正在启动...")
	logger.Infof("版本: %s", version.GetVersionInfo())
	logger.Infof("配置文件: %s", configMgr.GetConfigPath())

	// 持久化存储
	storageMgr, err := storage.NewManager(&cfg.Storage)
	if err != nil {
		logger.Fatalf("无法初始化存储: %v", err)
	}

	// 下载引擎
	timeout, progress, persist := cfg.Download.Durations()
	engineCfg := engine.DefaultConfig()
	engineCfg.UserAgent = cfg.Download.UserAgent
	if engineCfg.UserAgent == "" {
		engineCfg.UserAgent = version.UserAgent()
	}
	engineCfg.Timeout = timeout
	engineCfg.ProgressInterval = progress
	if cfg.Download.ChunkSize > 0 {
		engineCfg.ChunkSize = cfg.Download.ChunkSize
	}
	if cfg.Download.HLS.Concurrency > 0 {
		engineCfg.Concurrency = cfg.Download.HLS.Concurrency
	}
	if cfg.Download.HLS.RetryCount >= 0 {
		engineCfg.RetryCount = cfg.Download.HLS.RetryCount
	}
	plain := engine.NewPlain(engineCfg)
	hls := engine.NewHLS(engineCfg)

	// 通知网关必须在 hub 运行前创建
	hub := websocket.NewHub()
	gateway := notify.NewWSGateway(hub)

	channel := notify.DefaultChannel()
	if cfg.Notification.ChannelID != "" {
		channel.ID = cfg.Notification.ChannelID
	}
	if cfg.Notification.ChannelName != "" {
		channel.Name = cfg.Notification.ChannelName
	}

	downloads, err := download.NewManager(download.Config{
		Directory:       cfg.Download.Directory,
		Channel:         channel,
		PersistInterval: persist,
	}, download.Dependencies{
		Plain:      plain,
		HLS:        hls,
		Store:      storageMgr.GetStore(),
		Gateway:    gateway,
		Alerter:    gateway,
		Permission: fsutil.NewDirPermission(cfg.Download.Directory, cfg.Download.MinFreeBytes),
		Files:      fsutil.NewDirChecker(cfg.Download.Directory),
	})
	if err != nil {
		logger.Fatalf("无法创建下载管理器: %v", err)
	}

	restored, err := downloads.LoadPreviousDownloads(context.Background())
	if err != nil {
		logger.Errorf("恢复下载记录失败: %v", err)
	}

	// 创建 HTTP 服务器
	srv := server.NewServer(&server.Config{
		Host:           cfg.Server.Host,
		Port:           cfg.Server.Port,
		ReadTimeout:    time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout:   time.Duration(cfg.Server.WriteTimeout) * time.Second,
		AllowedOrigins: cfg.Server.AllowedOrigins,
	}, hub, gateway, downloads)

	// 创建优雅关闭管理器
	shutdownMgr := shutdown.NewManager(10 * time.Second)

	// 1. 停止接受新连接
	shutdownMgr.Register("http-server", func(ctx context.Context) error {
		return srv.Shutdown(ctx)
	}, shutdown.PriorityCritical)

	// 2. 未完成的任务已持久化，下次启动时恢复
	shutdownMgr.Register("downloads", func(ctx context.Context) error {
		logger.Infof("停止下载: %d 个普通任务, %d 个 HLS 任务进行中", plain.Active(), hls.Active())
		return nil
	}, shutdown.PriorityHigh)

	// 3. 关闭存储
	shutdownMgr.Register("storage", func(ctx context.Context) error {
		return storageMgr.Close()
	}, shutdown.PriorityNormal)

	// 4. 关闭日志系统
	shutdownMgr.Register("logger", func(ctx context.Context) error {
		logger.Info("日志系统已关闭")
		return nil
	}, shutdown.PriorityLow)

	if err := srv.Start(); err != nil {
		logger.Fatalf("无法启动服务器: %v", err)
	}
	shutdownMgr.Start()

	minFree := "不检查"
	if cfg.Download.MinFreeBytes > 0 {
		minFree = humanize.IBytes(uint64(cfg.Download.MinFreeBytes))
	}
	logger.WithFields(map[string]interface{}{
		"directory": cfg.Download.Directory,
		"storage":   storageMgr.Type(),
		"restored":  restored,
		"min_free":  minFree,
		"chunk":     humanize.IBytes(uint64(engineCfg.ChunkSize)),
	}).Info("下载管理器已就绪")

	advertised := netutil.AdvertiseAddr(srv.Addr())
	fmt.Printf("✓ HTTP 服务器已启动，监听 %s\n", srv.Addr())
	fmt.Printf("✓ API: http://%s/api\n", advertised)
	fmt.Printf("✓ WebSocket: ws://%s/ws\n", advertised)
	fmt.Printf("✓ 已恢复 %d 个下载任务\n", restored)
	fmt.Println("\n按 Ctrl+C 停止服务器...")

	<-shutdownMgr.Done()
	shutdownMgr.Wait()

	logger.GetLogger().Close()
	fmt.Println("服务器已关闭")
}
