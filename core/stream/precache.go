package stream

import (
	"context"
	"sync"
	"time"

	"github.com/sourcegraph/conc"
	"golang.org/x/time/rate"

	"github.com/NotMugil/Inzx/config"
	"github.com/NotMugil/Inzx/core/resolver"
	"github.com/NotMugil/Inzx/core/utils"
	"github.com/NotMugil/Inzx/logger"
	"github.com/NotMugil/Inzx/model"
)

// 本地文件小于该值时视为不存在，仍然走流播
const minLocalFile = 10 << 10

// 磁盘增长日志的节流参数
const (
	growthLogInterval = 2 * time.Second
	growthLogDelta    = 512 << 10
)

// ConnectivityProbe 连接状态探测契约
type ConnectivityProbe interface {
	// IsUnmetered Wi-Fi/以太网返回 true
	IsUnmetered() bool
}

// alwaysUnmetered 默认探测器，桌面环境按不计量处理
type alwaysUnmetered struct{}

func (alwaysUnmetered) IsUnmetered() bool { return true }

// DefaultProbe 返回默认连接探测器
func DefaultProbe() ConnectivityProbe { return alwaysUnmetered{} }

// QueueView 预缓存调度需要的队列只读视图
type QueueView interface {
	// UpcomingTracks 返回当前索引之后的至多 n 首曲目
	UpcomingTracks(n int) []model.Track
}

// fifoSem 先进先出的计数信号量，容量随设置动态变化
type fifoSem struct {
	mu      sync.Mutex
	active  int
	waiters []chan struct{}
}

func (s *fifoSem) acquire(ctx context.Context, limit int) error {
	s.mu.Lock()
	if s.active < limit {
		s.active++
		s.mu.Unlock()
		return nil
	}
	ch := make(chan struct{})
	s.waiters = append(s.waiters, ch)
	s.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		s.mu.Lock()
		for i, w := range s.waiters {
			if w == ch {
				s.waiters = append(s.waiters[:i], s.waiters[i+1:]...)
				break
			}
		}
		s.mu.Unlock()
		// 可能在移除前已被唤醒，把名额还回去
		select {
		case <-ch:
			s.release()
		default:
		}
		return ctx.Err()
	}
}

func (s *fifoSem) release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.waiters) > 0 {
		ch := s.waiters[0]
		s.waiters = s.waiters[1:]
		close(ch)
		return
	}
	s.active--
}

func (s *fifoSem) activeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// Precacher 预缓存调度器
//
// 队列变化、当前索引前进或设置变化时触发 ScheduleAhead，
// 为紧随其后的若干曲目解析URL并下载进字节缓存。
// 全局信号量限制并发下载数，等待者按FIFO唤醒。
type Precacher struct {
	resolver *resolver.Resolver
	cache    *ByteCache
	dl       *Downloader
	probe    ConnectivityProbe
	settings func() config.Settings
	queue    QueueView

	sem fifoSem

	mu       sync.Mutex
	inflight map[string]struct{} // trackID
}

// NewPrecacher 创建预缓存调度器
func NewPrecacher(res *resolver.Resolver, cache *ByteCache, dl *Downloader, probe ConnectivityProbe, settings func() config.Settings, queue QueueView) *Precacher {
	if probe == nil {
		probe = DefaultProbe()
	}
	return &Precacher{
		resolver: res,
		cache:    cache,
		dl:       dl,
		probe:    probe,
		settings: settings,
		queue:    queue,
		inflight: make(map[string]struct{}),
	}
}

// ScheduleAhead 调度即将播放曲目的预缓存
func (p *Precacher) ScheduleAhead(ctx context.Context) {
	s := p.settings()

	if s.StreamCacheWifiOnly && !p.probe.IsUnmetered() {
		logger.Debug("仅Wi-Fi缓存开启且当前为计量网络，跳过预缓存")
		return
	}

	k := s.StreamCacheMaxConcurrent
	if k > 3 {
		k = 3
	}
	candidates := p.queue.UpcomingTracks(k)

	// 本地文件存在性批量走后台worker检查，不在调度路径上逐个stat
	paths := make([]string, len(candidates))
	for i, t := range candidates {
		paths[i] = t.LocalFilePath
	}
	hasLocal := utils.StatMany(paths, minLocalFile)

	var wg conc.WaitGroup
	for i, t := range candidates {
		t := t
		if hasLocal[i] {
			continue
		}
		if p.markInflight(t.ID) {
			continue
		}
		wg.Go(func() {
			defer p.clearInflight(t.ID)
			p.precacheOne(ctx, t)
		})
	}
	go wg.Wait()
}

// PrecacheNow 显式预缓存单曲（直连流播时的后台缓存路径）
func (p *Precacher) PrecacheNow(ctx context.Context, t model.Track, pd *model.PlaybackData) {
	s := p.settings()
	if s.StreamCacheWifiOnly && !p.probe.IsUnmetered() {
		return
	}
	if p.markInflight(t.ID) {
		return
	}
	go func() {
		defer p.clearInflight(t.ID)
		p.download(ctx, t, pd)
	}()
}

// InFlight 检查曲目是否正在预缓存
func (p *Precacher) InFlight(trackID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.inflight[trackID]
	return ok
}

// ActiveDownloads 返回当前活跃下载数（监控用）
func (p *Precacher) ActiveDownloads() int {
	return p.sem.activeCount()
}

// markInflight 标记进行中，已在进行时返回 true
func (p *Precacher) markInflight(trackID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.inflight[trackID]; ok {
		return true
	}
	p.inflight[trackID] = struct{}{}
	return false
}

func (p *Precacher) clearInflight(trackID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.inflight, trackID)
}

// precacheOne 解析并下载单曲
func (p *Precacher) precacheOne(ctx context.Context, t model.Track) {
	s := p.settings()
	metered := !p.probe.IsUnmetered()

	pd, err := p.resolver.Resolve(ctx, t.ID, s.StreamingQuality, metered)
	if err != nil {
		logger.Debug("预缓存解析失败",
			logger.String("trackId", t.ID),
			logger.ErrorField(err))
		return
	}

	p.download(ctx, t, pd)
}

// download 带信号量的实际下载，DNS失败时重解析一次后重试
func (p *Precacher) download(ctx context.Context, t model.Track, pd *model.PlaybackData) {
	s := p.settings()

	key := CacheKey{TrackID: t.ID, Quality: s.StreamingQuality, Bitrate: pd.Format.Bitrate}
	if _, err := p.cache.OpenForRead(key); err == nil {
		return
	}

	if err := p.sem.acquire(ctx, s.StreamCacheMaxConcurrent); err != nil {
		return
	}
	defer p.sem.release()

	err := p.downloadOnce(ctx, key, t, pd)
	if err != nil && IsDNSFailure(err) {
		// DNS失败：清掉该曲目的URL缓存，重解析一次再试
		logger.Warn("预缓存DNS解析失败，重新解析URL后重试",
			logger.String("trackId", t.ID))
		p.resolver.Clear(t.ID)
		fresh, rerr := p.resolver.Resolve(ctx, t.ID, s.StreamingQuality, !p.probe.IsUnmetered())
		if rerr == nil {
			err = p.downloadOnce(ctx, key, t, fresh)
		}
	}
	if err != nil {
		logger.Debug("预缓存下载失败",
			logger.String("trackId", t.ID),
			logger.String("title", t.Title),
			logger.ErrorField(err))
		return
	}

	// 每次提交后执行一次容量检查
	limit := int64(p.settings().StreamCacheSizeLimitMB) << 20
	if err := p.cache.EnforceLimit(limit); err != nil {
		logger.Warn("提交后缓存容量检查失败", logger.ErrorField(err))
	}
}

func (p *Precacher) downloadOnce(ctx context.Context, key CacheKey, t model.Track, pd *model.PlaybackData) error {
	slot, err := p.cache.ReserveWrite(key)
	if err != nil {
		return err
	}

	logLim := rate.NewLimiter(rate.Every(growthLogInterval), 1)
	var lastLogged int64

	n, err := p.dl.Download(ctx, pd.StreamURL, slot.Path, pd.Format.ContentLength, func(downloaded, total int64) {
		if downloaded-lastLogged >= growthLogDelta && logLim.Allow() {
			lastLogged = downloaded
			logger.Debug("预缓存下载进度",
				logger.String("trackId", t.ID),
				logger.Int64("downloaded", downloaded),
				logger.Int64("total", total))
		}
	})
	if err != nil {
		p.cache.Abort(slot)
		return err
	}

	if err := p.cache.Commit(slot, n, pd.Format.ContentLength, pd.Format.MimeType); err != nil {
		return err
	}

	logger.Info("预缓存完成",
		logger.String("trackId", t.ID),
		logger.String("title", t.Title),
		logger.Int64("bytes", n))
	return nil
}
