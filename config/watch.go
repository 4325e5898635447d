package config

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/joho/godotenv"

	"github.com/NotMugil/Inzx/logger"
)

// Watch 监视 .env 文件变化并热加载设置
// 每次文件写入后重新读取，去抖 500ms，再把新的 Settings 快照交给 onChange。
// onChange 在 watcher goroutine 上调用，回调方负责自己的并发安全。
func Watch(ctx context.Context, envPath string, onChange func(Settings)) error {
	if envPath == "" {
		envPath = ".env"
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	// 监视目录而不是文件本身，编辑器常用 rename+create 保存
	dir := filepath.Dir(envPath)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return err
	}

	go func() {
		defer watcher.Close()

		var pending *time.Timer
		target := filepath.Clean(envPath)

		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != target {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				if pending != nil {
					pending.Stop()
				}
				pending = time.AfterFunc(500*time.Millisecond, func() {
					if err := godotenv.Overload(envPath); err != nil {
						logger.Warn("重新加载 .env 失败",
							logger.String("path", envPath),
							logger.ErrorField(err))
						return
					}
					s := LoadSettings()
					logger.Info("设置已热加载",
						logger.String("quality", s.StreamingQuality.String()),
						logger.Int("cacheLimitMb", s.StreamCacheSizeLimitMB),
						logger.Int("crossfadeMs", s.CrossfadeDurationMs))
					onChange(s)
				})
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Warn("设置监视器错误", logger.ErrorField(err))
			}
		}
	}()

	return nil
}
