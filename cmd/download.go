package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/NotMugil/Inzx/config"
	"github.com/NotMugil/Inzx/core/downloads"
	"github.com/NotMugil/Inzx/core/resolver"
	"github.com/NotMugil/Inzx/core/stream"
	"github.com/NotMugil/Inzx/logger"
	"github.com/NotMugil/Inzx/model"
)

var (
	downloadTitle  string
	downloadArtist string
)

var downloadCmd = &cobra.Command{
	Use:   "download <track_id>",
	Short: "下载单曲到离线库",
	Long:  `解析曲目的下载URL并保存到离线音频目录，带文件头校验与断点续传。`,
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.Load()
		settings := config.LoadSettings()
		logger.InitLogger(logger.Config{Level: logger.InfoLevel})

		res := resolver.New(
			resolver.NewProviderClient(cfg.ProviderBaseURL, "web"),
			resolver.NewProviderClient(cfg.ProviderBaseURL, "mobile"),
			resolver.NewProviderClient(cfg.ProviderBaseURL, "tv"),
		)
		dl := stream.NewDownloader(settings.DownloadParallelParts, settings.DownloadParallelMinSizeMB, 20*time.Second)

		done := make(chan model.DownloadTask, 1)
		dm := downloads.NewManager(cfg, dl, res, nil, nil, func() config.Settings { return settings },
			func(task model.DownloadTask) {
				switch task.Status {
				case model.DownloadCompleted, model.DownloadFailed, model.DownloadCancelled:
					select {
					case done <- task:
					default:
					}
				default:
					fmt.Printf("\r%5.1f%%  %d / %d bytes", task.Progress*100, task.DownloadedBytes, task.TotalBytes)
				}
			})

		track := model.Track{ID: args[0], Title: downloadTitle, Artist: downloadArtist}
		if track.Title == "" {
			track.Title = args[0]
		}
		task, err := dm.Enqueue(track)
		if err != nil {
			return err
		}

		// 等待任务终态
		for {
			time.Sleep(500 * time.Millisecond)
			snap, ok := dm.Task(task.ID)
			if !ok {
				continue
			}
			switch snap.Status {
			case model.DownloadCompleted:
				fmt.Printf("\ncompleted: %s\n", snap.LocalPath)
				return nil
			case model.DownloadFailed:
				return fmt.Errorf("下载失败: %s", snap.Error)
			case model.DownloadCancelled:
				return fmt.Errorf("下载已取消")
			}
		}
	},
}

func init() {
	downloadCmd.Flags().StringVar(&downloadTitle, "title", "", "曲目标题（用于文件命名）")
	downloadCmd.Flags().StringVar(&downloadArtist, "artist", "", "艺术家（用于文件命名）")
	rootCmd.AddCommand(downloadCmd)
}
