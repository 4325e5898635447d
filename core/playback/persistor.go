package playback

import (
	"context"
	"sync"
	"time"

	"github.com/NotMugil/Inzx/logger"
	"github.com/NotMugil/Inzx/model"
)

const (
	// 变更后的去抖保存延迟
	debounceDelay = 2 * time.Second

	// 播放中的周期保存间隔
	periodicInterval = 5 * time.Second

	// 位置偏移超过该值时强制保存
	forceSaveDelta = 15 * time.Second

	// 恢复时效：超过5分钟的快照不再恢复
	restoreTTL = 5 * time.Minute
)

// QueueStore 持久化队列文档的存取契约
// Redis 实现见 cache.RedisQueueStore；测试使用内存实现。
type QueueStore interface {
	Save(ctx context.Context, pq *model.PersistedQueue) error
	Load(ctx context.Context) (*model.PersistedQueue, error)
	Clear(ctx context.Context) error
}

// Persistor 队列持久化调度
//
// 变更后去抖2秒保存；播放中最多每5秒保存一次，位置跳变超过15秒
// 立即强制保存；暂停与停止走同步保存。
type Persistor struct {
	store    QueueStore
	snapshot func() *model.PersistedQueue

	mu            sync.Mutex
	debounceTimer *time.Timer
	lastPeriodic  time.Time
	lastSavedPos  time.Duration
	closed        bool
}

// NewPersistor 创建持久化调度器，snapshot 由控制器提供当前快照
func NewPersistor(store QueueStore, snapshot func() *model.PersistedQueue) *Persistor {
	return &Persistor{
		store:    store,
		snapshot: snapshot,
	}
}

// ScheduleDebounced 队列变更后调度一次去抖保存
func (p *Persistor) ScheduleDebounced() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return
	}
	if p.debounceTimer != nil {
		p.debounceTimer.Stop()
	}
	p.debounceTimer = time.AfterFunc(debounceDelay, func() {
		if err := p.SaveNow(context.Background()); err != nil {
			logger.Warn("去抖保存队列失败", logger.ErrorField(err))
		}
	})
}

// OnTick 位置tick驱动的周期保存
func (p *Persistor) OnTick(playing bool, pos time.Duration) {
	if !playing {
		return
	}

	p.mu.Lock()
	force := absDuration(pos-p.lastSavedPos) >= forceSaveDelta
	due := time.Since(p.lastPeriodic) >= periodicInterval
	if !force && !due {
		p.mu.Unlock()
		return
	}
	p.lastPeriodic = time.Now()
	p.mu.Unlock()

	if err := p.SaveNow(context.Background()); err != nil {
		logger.Warn("周期保存队列失败", logger.ErrorField(err))
	}
}

// SaveNow 立即保存当前快照（暂停/停止时同步调用）
func (p *Persistor) SaveNow(ctx context.Context) error {
	pq := p.snapshot()
	if pq == nil {
		return nil
	}

	if err := p.store.Save(ctx, pq); err != nil {
		return err
	}

	p.mu.Lock()
	p.lastSavedPos = time.Duration(pq.PositionMs) * time.Millisecond
	p.mu.Unlock()

	logger.Debug("队列已持久化",
		logger.Int("tracks", len(pq.Queue)),
		logger.Int("currentIndex", pq.CurrentIndex),
		logger.Int64("positionMs", pq.PositionMs))
	return nil
}

// Restore 启动时恢复，超出TTL的快照被忽略
func (p *Persistor) Restore(ctx context.Context) (*model.PersistedQueue, bool) {
	pq, err := p.store.Load(ctx)
	if err != nil {
		logger.Warn("读取持久化队列失败", logger.ErrorField(err))
		return nil, false
	}
	if pq == nil || len(pq.Queue) == 0 {
		return nil, false
	}

	savedAt := time.UnixMilli(pq.SavedAtMs)
	if time.Since(savedAt) > restoreTTL {
		logger.Info("持久化队列已过期，跳过恢复",
			logger.Duration("age", time.Since(savedAt)))
		return nil, false
	}

	// 恢复时钳制索引到队列长度
	if pq.CurrentIndex >= len(pq.Queue) {
		pq.CurrentIndex = len(pq.Queue) - 1
	}
	if pq.CurrentIndex < 0 {
		pq.CurrentIndex = 0
	}

	return pq, true
}

// Close 停止后续的去抖任务
func (p *Persistor) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	if p.debounceTimer != nil {
		p.debounceTimer.Stop()
	}
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
