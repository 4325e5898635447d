package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/NotMugil/Inzx/cache"
	"github.com/NotMugil/Inzx/config"
	"github.com/NotMugil/Inzx/core/downloads"
	"github.com/NotMugil/Inzx/core/player"
	"github.com/NotMugil/Inzx/core/playback"
	"github.com/NotMugil/Inzx/core/queue"
	"github.com/NotMugil/Inzx/core/resolver"
	"github.com/NotMugil/Inzx/core/stream"
	"github.com/NotMugil/Inzx/db"
	"github.com/NotMugil/Inzx/logger"
	"github.com/NotMugil/Inzx/model"
	"github.com/NotMugil/Inzx/repository"
	"github.com/NotMugil/Inzx/server"
	"github.com/NotMugil/Inzx/storage"
)

var rootCmd = &cobra.Command{
	Use:   "inzx",
	Short: "Inzx is a personal streaming music player daemon.",
	Run: func(cmd *cobra.Command, args []string) {
		runDaemon()
	},
}

// Execute executes the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// runDaemon 组装并运行播放核心
func runDaemon() {
	cfg := config.Load()
	settings := config.LoadSettings()

	logger.InitLogger(logger.Config{
		Level:      logger.InfoLevel,
		OutputPath: cfg.LogPath,
		MaxSize:    32,
		MaxBackups: 3,
		MaxAge:     14,
		Compress:   true,
	})
	defer logger.Sync()

	// Redis：队列持久化，连不上时降级为无持久化
	var store playback.QueueStore
	var flags playback.FlagStore
	if err := cache.ConnectRedis(cfg); err != nil {
		logger.Warn("Redis不可用，队列持久化被禁用", logger.ErrorField(err))
	} else {
		defer cache.CloseRedis()
		rs := cache.NewRedisQueueStore()
		store = rs
		flags = rs
	}

	// MySQL：离线下载库记录，连不上时降级为仅本地文件
	var repo repository.DownloadRepository
	if err := db.ConnectGormDB(cfg); err != nil {
		logger.Warn("数据库不可用，下载记录持久化被禁用", logger.ErrorField(err))
	} else {
		defer db.CloseGormDB()
		if err := db.AutoMigrateModels(&model.DownloadTask{}); err != nil {
			logger.Warn("下载记录表迁移失败", logger.ErrorField(err))
		} else {
			repo = repository.NewDownloadRepository()
		}
	}

	// MinIO：可选的离线下载归档
	var archiver *storage.Archiver
	if cfg.MinioEnabled {
		a, err := storage.InitArchiver(cfg)
		if err != nil {
			logger.Warn("MinIO不可用，下载归档被禁用", logger.ErrorField(err))
		} else {
			archiver = a
		}
	}

	// 解析器：web → mobile → tv 依次回退
	res := resolver.New(
		resolver.NewProviderClient(cfg.ProviderBaseURL, "web"),
		resolver.NewProviderClient(cfg.ProviderBaseURL, "mobile"),
		resolver.NewProviderClient(cfg.ProviderBaseURL, "tv"),
	)
	metadata := resolver.NewProviderClient(cfg.ProviderBaseURL, "web")

	byteCache, err := stream.NewByteCache(cfg.CacheRoot)
	if err != nil {
		logger.Fatal("初始化字节缓存失败", logger.ErrorField(err))
	}

	// 控制器尚未创建，设置读取经闭包延迟绑定
	var controller *playback.Controller
	settingsFn := func() config.Settings {
		if controller != nil {
			return controller.Settings()
		}
		return settings
	}

	q := queue.New(time.Now().UnixNano(), nil)
	radio := queue.NewRadioExtender(q, metadata, time.Now().UnixNano())

	precacheDl := stream.NewDownloader(settings.DownloadParallelParts, settings.DownloadParallelMinSizeMB, 20*time.Second)
	probe := stream.DefaultProbe()
	precacher := stream.NewPrecacher(res, byteCache, precacheDl, probe, settingsFn, q)

	// 回环缓存代理：直连流播的同时写入字节缓存；
	// 平台拦截回环时控制器会永久退回纯直连
	proxy := player.NewCacheProxy(byteCache)
	defer proxy.Close()

	builder := player.NewSourceBuilder(res, byteCache, precacher, proxy, probe, settingsFn)

	primary, err := player.NewMpvBackend("primary")
	if err != nil {
		logger.Fatal("创建主播放器失败", logger.ErrorField(err))
	}
	secondary, err := player.NewMpvBackend("secondary")
	if err != nil {
		logger.Fatal("创建备用播放器失败", logger.ErrorField(err))
	}
	engine := player.NewEngine(primary, secondary)

	controller = playback.New(playback.Options{
		Settings:  settings,
		Resolver:  res,
		Metadata:  metadata,
		Engine:    engine,
		Builder:   builder,
		Cache:     byteCache,
		Precacher: precacher,
		Queue:     q,
		Radio:     radio,
		Store:     store,
		Flags:     flags,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := controller.Start(ctx); err != nil {
		logger.Fatal("启动控制器失败", logger.ErrorField(err))
	}

	// 离线下载库：与预缓存共用下载器实现，但重试预算独立
	downloadDl := stream.NewDownloader(settings.DownloadParallelParts, settings.DownloadParallelMinSizeMB, 20*time.Second)
	dm := downloads.NewManager(cfg, downloadDl, res, repo, archiver, settingsFn, nil)

	// .env 热加载：设置变化会触发预缓存重新调度
	if err := config.Watch(ctx, ".env", controller.UpdateSettings); err != nil {
		logger.Warn("设置热加载不可用", logger.ErrorField(err))
	}

	srv := server.New(cfg, controller, dm)
	go func() {
		if err := srv.Start(); err != nil {
			logger.Error("控制面服务退出", logger.ErrorField(err))
			cancel()
		}
	}()

	// 等待退出信号
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sig:
	case <-ctx.Done():
	}

	logger.Info("正在关闭...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = srv.Shutdown(shutdownCtx)
	controller.Shutdown(shutdownCtx)
}
