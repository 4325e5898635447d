package downloads

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/NotMugil/Inzx/config"
	"github.com/NotMugil/Inzx/core/resolver"
	"github.com/NotMugil/Inzx/core/stream"
	"github.com/NotMugil/Inzx/core/utils"
	"github.com/NotMugil/Inzx/logger"
	"github.com/NotMugil/Inzx/model"
	"github.com/NotMugil/Inzx/repository"
	"github.com/NotMugil/Inzx/storage"
)

const (
	// 瞬态错误最多尝试8次（含首次），退避 min(30, 2+3n) 秒
	maxTransientRetries = 8

	// 通知级进度更新不快于500ms一次
	notifyMinInterval = 500 * time.Millisecond
)

// ProgressListener 任务进度回调（通知表面按契约接入）
type ProgressListener func(task model.DownloadTask)

// Manager 离线下载库管理器
//
// 每曲一个任务：解析下载URL、分段或续传下载到音频目录、魔数校验、
// 封面伴生文件，完成后写入数据库并可选归档到MinIO。
type Manager struct {
	cfg      *config.Config
	dl       *stream.Downloader
	resolver *resolver.Resolver
	repo     repository.DownloadRepository
	archiver *storage.Archiver
	settings func() config.Settings
	listener ProgressListener

	mu      sync.Mutex
	tasks   map[string]*model.DownloadTask
	cancels map[string]context.CancelFunc
}

// NewManager 创建下载管理器；repo 与 archiver 可为 nil（降级为仅本地文件）
func NewManager(cfg *config.Config, dl *stream.Downloader, res *resolver.Resolver, repo repository.DownloadRepository, archiver *storage.Archiver, settings func() config.Settings, listener ProgressListener) *Manager {
	return &Manager{
		cfg:      cfg,
		dl:       dl,
		resolver: res,
		repo:     repo,
		archiver: archiver,
		settings: settings,
		listener: listener,
		tasks:    make(map[string]*model.DownloadTask),
		cancels:  make(map[string]context.CancelFunc),
	}
}

// Enqueue 创建并启动下载任务
func (m *Manager) Enqueue(t model.Track) (*model.DownloadTask, error) {
	if t.ID == "" {
		return nil, fmt.Errorf("曲目ID为空")
	}

	m.mu.Lock()
	for _, existing := range m.tasks {
		if existing.TrackID == t.ID &&
			(existing.Status == model.DownloadQueued || existing.Status == model.DownloadDownloading) {
			m.mu.Unlock()
			return existing, nil
		}
	}

	task := &model.DownloadTask{
		ID:        uuid.NewString(),
		TrackID:   t.ID,
		Title:     t.Title,
		Artist:    t.Artist,
		Status:    model.DownloadQueued,
		StartedAt: time.Now(),
		CreatedAt: time.Now(),
	}
	m.tasks[task.ID] = task

	ctx, cancel := context.WithCancel(context.Background())
	m.cancels[task.ID] = cancel
	m.mu.Unlock()

	go m.run(ctx, task, t)
	return task, nil
}

// Cancel 取消任务
func (m *Manager) Cancel(taskID string) {
	m.mu.Lock()
	cancel, ok := m.cancels[taskID]
	m.mu.Unlock()
	if ok {
		cancel()
	}
}

// Tasks 返回全部内存任务快照
func (m *Manager) Tasks() []model.DownloadTask {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]model.DownloadTask, 0, len(m.tasks))
	for _, t := range m.tasks {
		out = append(out, *t)
	}
	return out
}

// Task 按ID返回任务快照
func (m *Manager) Task(taskID string) (model.DownloadTask, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[taskID]
	if !ok {
		return model.DownloadTask{}, false
	}
	return *t, true
}

// run 单任务主流程
func (m *Manager) run(ctx context.Context, task *model.DownloadTask, t model.Track) {
	defer func() {
		m.mu.Lock()
		delete(m.cancels, task.ID)
		m.mu.Unlock()
	}()

	s := m.settings()

	// 解析下载用的播放数据（离线偏好 Opus/WebM 由策略处理）
	pd, err := m.resolver.Resolve(ctx, t.ID, s.DownloadQuality, false)
	if err != nil {
		m.fail(task, fmt.Errorf("解析下载URL失败: %w", err))
		return
	}

	if err := os.MkdirAll(m.cfg.AudioDir, 0755); err != nil {
		m.fail(task, fmt.Errorf("创建音频目录失败: %w", err))
		return
	}

	ext := extForMime(pd.Format.MimeType)
	base := fmt.Sprintf("%s - %s", utils.SanitizeFileName(t.Artist), utils.SanitizeFileName(t.Title))
	dest := filepath.Join(m.cfg.AudioDir, base+ext)
	partPath := dest + ".part"

	m.update(task, func(dt *model.DownloadTask) {
		dt.Status = model.DownloadDownloading
		dt.TotalBytes = pd.Format.ContentLength
	})

	notifyLim := rate.NewLimiter(rate.Every(notifyMinInterval), 1)
	progress := func(downloaded, total int64) {
		m.update(task, func(dt *model.DownloadTask) {
			dt.DownloadedBytes = downloaded
			if total > 0 {
				dt.TotalBytes = total
				dt.Progress = float64(downloaded) / float64(total)
			}
		})
		if m.listener != nil && notifyLim.Allow() {
			if snap, ok := m.Task(task.ID); ok {
				m.listener(snap)
			}
		}
	}

	n, err := m.downloadWithRetry(ctx, pd, partPath, progress)
	if err != nil {
		m.cleanupPartials(dest, partPath)
		if stream.DownloadKindOf(err) == stream.ErrCancelled {
			m.update(task, func(dt *model.DownloadTask) {
				dt.Status = model.DownloadCancelled
			})
			logger.Info("下载任务已取消", logger.String("taskId", task.ID))
			return
		}
		m.fail(task, err)
		return
	}

	if err := os.Rename(partPath, dest); err != nil {
		m.cleanupPartials(dest, partPath)
		m.fail(task, fmt.Errorf("落盘失败: %w", err))
		return
	}

	// 下载后校验：体积、缺口与文件头魔数
	if err := stream.ValidateAudioFile(dest, pd.Format.ContentLength); err != nil {
		if stream.DownloadKindOf(err) == stream.ErrCorrupt {
			// 文件头损坏：删文件、置Corrupt失败并通知
			_ = os.Remove(dest)
		}
		m.fail(task, err)
		return
	}

	coverPath := m.fetchCover(ctx, t, dest)

	m.update(task, func(dt *model.DownloadTask) {
		dt.Status = model.DownloadCompleted
		dt.Progress = 1.0
		dt.DownloadedBytes = n
		dt.LocalPath = dest
		dt.CoverPath = coverPath
	})

	// 完成的任务写入数据库
	if m.repo != nil {
		if snap, ok := m.Task(task.ID); ok {
			snap.UpdatedAt = time.Now()
			if err := m.repo.SaveTask(&snap); err != nil {
				logger.Warn("保存下载记录失败", logger.ErrorField(err))
			}
		}
	}

	// 可选MinIO归档
	if m.archiver != nil {
		if err := m.archiver.ArchiveFile(ctx, dest, pd.Format.MimeType); err != nil {
			logger.Warn("归档下载失败", logger.ErrorField(err))
		}
	}

	logger.Info("离线下载完成",
		logger.String("trackId", t.ID),
		logger.String("path", dest),
		logger.Int64("bytes", n))
}

// downloadWithRetry 瞬态错误重试，退避 min(30, 2+3n) 秒
func (m *Manager) downloadWithRetry(ctx context.Context, pd *model.PlaybackData, dest string, progress stream.ProgressFunc) (int64, error) {
	var lastErr error
	for attempt := 0; attempt < maxTransientRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(2+3*attempt) * time.Second
			if backoff > 30*time.Second {
				backoff = 30 * time.Second
			}
			logger.Info("下载重试",
				logger.Int("attempt", attempt),
				logger.Duration("backoff", backoff))
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return 0, &stream.DownloadError{Kind: stream.ErrCancelled, Err: ctx.Err()}
			}
		}

		n, err := m.dl.Download(ctx, pd.StreamURL, dest, pd.Format.ContentLength, progress)
		if err == nil {
			return n, nil
		}
		lastErr = err

		switch stream.DownloadKindOf(err) {
		case stream.ErrCancelled:
			return 0, err
		case stream.ErrNetworkTransient:
			continue
		default:
			return 0, err
		}
	}
	return 0, lastErr
}

// fetchCover 下载封面伴生文件，失败不阻塞任务
func (m *Manager) fetchCover(ctx context.Context, t model.Track, audioPath string) string {
	if t.ThumbnailURL == "" {
		return ""
	}

	coverPath := strings.TrimSuffix(audioPath, filepath.Ext(audioPath)) + ".cover.jpg"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.ThumbnailURL, nil)
	if err != nil {
		return ""
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		logger.Debug("下载封面失败", logger.ErrorField(err))
		return ""
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return ""
	}

	out, err := os.Create(coverPath)
	if err != nil {
		return ""
	}
	defer out.Close()
	if _, err := out.ReadFrom(resp.Body); err != nil {
		_ = os.Remove(coverPath)
		return ""
	}
	return coverPath
}

// cleanupPartials 清理全部部分文件（取消不留残留）
func (m *Manager) cleanupPartials(dest, partPath string) {
	_ = os.Remove(partPath)
	_ = os.Remove(dest)
	_ = os.Remove(strings.TrimSuffix(dest, filepath.Ext(dest)) + ".cover.jpg")
	matches, _ := filepath.Glob(partPath + ".seg*.part")
	for _, p := range matches {
		_ = os.Remove(p)
	}
}

func (m *Manager) fail(task *model.DownloadTask, err error) {
	m.update(task, func(dt *model.DownloadTask) {
		dt.Status = model.DownloadFailed
		dt.Error = err.Error()
	})
	if m.listener != nil {
		if snap, ok := m.Task(task.ID); ok {
			m.listener(snap)
		}
	}
	logger.Error("离线下载失败",
		logger.String("taskId", task.ID),
		logger.String("trackId", task.TrackID),
		logger.ErrorField(err))
}

func (m *Manager) update(task *model.DownloadTask, mutate func(*model.DownloadTask)) {
	m.mu.Lock()
	mutate(task)
	m.mu.Unlock()
}

// extForMime 由mime类型推断扩展名
func extForMime(mime string) string {
	m := strings.ToLower(mime)
	switch {
	case strings.Contains(m, "webm"):
		return ".webm"
	case strings.Contains(m, "opus") || strings.Contains(m, "ogg"):
		return ".opus"
	case strings.Contains(m, "mpeg") || strings.Contains(m, "mp3"):
		return ".mp3"
	default:
		return ".m4a"
	}
}
