package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/NotMugil/Inzx/config"
	"github.com/NotMugil/Inzx/core/stream"
	"github.com/NotMugil/Inzx/logger"
)

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "管理流媒体字节缓存",
}

var cacheStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "显示缓存占用",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := openCache()
		if err != nil {
			return err
		}
		usage, err := c.UsageBytes()
		if err != nil {
			return err
		}
		limit := config.LoadSettings().StreamCacheSizeLimitMB
		fmt.Printf("cache dir:   %s\n", c.Dir())
		fmt.Printf("usage:       %.1f MiB\n", float64(usage)/(1<<20))
		fmt.Printf("limit:       %d MiB\n", limit)
		return nil
	},
}

var cacheEvictCmd = &cobra.Command{
	Use:   "evict",
	Short: "立即执行一次LRU淘汰",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := openCache()
		if err != nil {
			return err
		}
		limit := int64(config.LoadSettings().StreamCacheSizeLimitMB) << 20
		if err := c.EnforceLimit(limit); err != nil {
			return err
		}
		usage, _ := c.UsageBytes()
		fmt.Printf("usage after evict: %.1f MiB\n", float64(usage)/(1<<20))
		return nil
	},
}

var cacheClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "清空全部缓存体",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := openCache()
		if err != nil {
			return err
		}
		return c.ClearAll()
	},
}

func openCache() (*stream.ByteCache, error) {
	cfg := config.Load()
	logger.InitLogger(logger.Config{Level: logger.WarnLevel})
	return stream.NewByteCache(cfg.CacheRoot)
}

func init() {
	cacheCmd.AddCommand(cacheStatsCmd, cacheEvictCmd, cacheClearCmd)
	rootCmd.AddCommand(cacheCmd)
}
