package playback

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/NotMugil/Inzx/config"
	"github.com/NotMugil/Inzx/core/player"
	"github.com/NotMugil/Inzx/core/queue"
	"github.com/NotMugil/Inzx/core/resolver"
	"github.com/NotMugil/Inzx/core/stream"
	"github.com/NotMugil/Inzx/logger"
	"github.com/NotMugil/Inzx/model"
)

const (
	// skip_to_previous：播放超过3秒时回到曲首而不是上一曲
	prevSeekThreshold = 3 * time.Second

	// 状态级位置更新的最小间隔
	positionStateInterval = 500 * time.Millisecond

	// play_track 后电台预热与预缓存的延迟
	radioPrewarmDelay = 500 * time.Millisecond

	// URL预取的前瞻数量
	prefetchAhead = 3

	// 时长迁移的一次性标记名
	durationMigrationFlag = "duration_migration_v1"
)

// FlagStore 一次性持久标记契约
type FlagStore interface {
	SetFlag(ctx context.Context, name string) error
	HasFlag(ctx context.Context, name string) bool
}

// Options 控制器的依赖集合
// 控制器独占队列、引擎、解析器与缓存句柄（显式构造，不用全局单例）。
type Options struct {
	Settings  config.Settings
	Resolver  *resolver.Resolver
	Metadata  resolver.MetadataProvider
	Engine    *player.Engine
	Builder   *player.SourceBuilder
	Cache     *stream.ByteCache
	Precacher *stream.Precacher
	Queue     *queue.Queue
	Radio     *queue.RadioExtender
	Store     QueueStore
	Flags     FlagStore
}

type pendingSeek struct {
	trackID string
	pos     time.Duration
}

// Controller 播放控制器（C10）
//
// 单一控制器任务串行化全部状态变更；播放器事件经有界通道汇入同一任务。
// 对外暴露粗粒度状态流（位置变化不触发）、原始位置流与播完事件流。
type Controller struct {
	resolver  *resolver.Resolver
	metadata  resolver.MetadataProvider
	engine    *player.Engine
	builder   *player.SourceBuilder
	cache     *stream.ByteCache
	precacher *stream.Precacher
	queue     *queue.Queue
	radio     *queue.RadioExtender
	persistor *Persistor
	flags     FlagStore

	settings atomic.Value // config.Settings

	cmds   chan func()
	stopCh chan struct{}
	wg     sync.WaitGroup

	// state 只在控制器任务上修改；读侧经 stateMu 取快照
	stateMu     sync.RWMutex
	state       model.PlaybackState
	lastEmitted model.PlaybackState

	subsMu       sync.Mutex
	stateSubs    []chan model.PlaybackState
	posSubs      []chan time.Duration
	completeSubs []chan model.Track

	jams    atomic.Bool
	loadGen uint64
	pending *pendingSeek

	posLimiter *rate.Limiter

	started atomic.Bool
}

// New 创建控制器
func New(opts Options) *Controller {
	c := &Controller{
		resolver:   opts.Resolver,
		metadata:   opts.Metadata,
		engine:     opts.Engine,
		builder:    opts.Builder,
		cache:      opts.Cache,
		precacher:  opts.Precacher,
		queue:      opts.Queue,
		radio:      opts.Radio,
		flags:      opts.Flags,
		cmds:       make(chan func(), 128),
		stopCh:     make(chan struct{}),
		posLimiter: rate.NewLimiter(rate.Every(positionStateInterval), 1),
	}
	c.settings.Store(opts.Settings)

	c.state = model.PlaybackState{
		CurrentIndex: -1,
		Speed:        1.0,
		AudioQuality: opts.Settings.StreamingQuality,
	}
	c.applySettingsToState(&c.state, opts.Settings)
	c.lastEmitted = c.state

	if opts.Store != nil {
		c.persistor = NewPersistor(opts.Store, c.persistedSnapshot)
		// 每次队列变更都调度一次去抖保存
		c.queue.SetOnMutate(func(uint64) {
			c.persistor.ScheduleDebounced()
		})
	}

	return c
}

// Settings 返回当前设置快照（预缓存与来源构建共用）
func (c *Controller) Settings() config.Settings {
	return c.settings.Load().(config.Settings)
}

// UpdateSettings 应用新的设置快照（热加载回调）
func (c *Controller) UpdateSettings(s config.Settings) {
	c.do(func() {
		old := c.Settings()
		c.settings.Store(s)
		c.emitState(func(st *model.PlaybackState) {
			c.applySettingsToState(st, s)
		})
		if old.StreamingQuality != s.StreamingQuality {
			c.onQualityChanged()
		}
		c.precacher.ScheduleAhead(context.Background())
	})
}

func (c *Controller) applySettingsToState(st *model.PlaybackState, s config.Settings) {
	st.AudioQuality = s.StreamingQuality
	st.CrossfadeMs = s.CrossfadeDurationMs
	st.CacheWifiOnly = s.StreamCacheWifiOnly
	st.CacheLimitMB = s.StreamCacheSizeLimitMB
	st.CacheMaxConcurrent = s.StreamCacheMaxConcurrent
}

// Start 启动控制器任务、事件泵与缓存清理，并尝试恢复上次的队列
func (c *Controller) Start(ctx context.Context) error {
	if !c.started.CompareAndSwap(false, true) {
		return errors.New("控制器已启动")
	}

	c.wg.Add(1)
	go c.run(ctx)

	// 两个播放器句柄各一个事件泵
	for i := 0; i < 2; i++ {
		i := i
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			events := c.engine.Backend(i).Events()
			for {
				select {
				case <-c.stopCh:
					return
				case ev, ok := <-events:
					if !ok {
						return
					}
					c.do(func() { c.handleEvent(i, ev) })
				}
			}
		}()
	}

	c.cache.StartJanitor(ctx, func() int64 {
		return int64(c.Settings().StreamCacheSizeLimitMB) << 20
	})

	if c.persistor != nil {
		c.restoreOnStart(ctx)
	}

	logger.Info("播放控制器已启动")
	return nil
}

// run 控制器任务主循环
func (c *Controller) run(ctx context.Context) {
	defer c.wg.Done()
	for {
		select {
		case <-c.stopCh:
			return
		case <-ctx.Done():
			return
		case fn := <-c.cmds:
			fn()
		}
	}
}

// do 把闭包投递到控制器任务；命令对调用方非阻塞
func (c *Controller) do(fn func()) {
	select {
	case c.cmds <- fn:
	case <-c.stopCh:
	}
}

// Shutdown 停止两个播放器、同步落盘并结束控制器任务
func (c *Controller) Shutdown(ctx context.Context) {
	done := make(chan struct{})
	c.do(func() {
		c.engine.StopBoth(ctx)
		if c.persistor != nil {
			if err := c.persistor.SaveNow(ctx); err != nil {
				logger.Warn("关闭时保存队列失败", logger.ErrorField(err))
			}
			c.persistor.Close()
		}
		close(done)
	})
	select {
	case <-done:
	case <-time.After(5 * time.Second):
	}

	close(c.stopCh)
	c.engine.Close()
	c.wg.Wait()
	logger.Info("播放控制器已关闭")
}

// ---------------------------------------------------------------- streams

// StateStream 订阅粗粒度状态流（位置变化不触发）
func (c *Controller) StateStream() <-chan model.PlaybackState {
	ch := make(chan model.PlaybackState, 8)
	c.subsMu.Lock()
	c.stateSubs = append(c.stateSubs, ch)
	c.subsMu.Unlock()
	return ch
}

// PositionStream 订阅原始位置流
func (c *Controller) PositionStream() <-chan time.Duration {
	ch := make(chan time.Duration, 32)
	c.subsMu.Lock()
	c.posSubs = append(c.posSubs, ch)
	c.subsMu.Unlock()
	return ch
}

// TrackCompleteStream 订阅播完事件流（Jams模式的外部控制器使用）
func (c *Controller) TrackCompleteStream() <-chan model.Track {
	ch := make(chan model.Track, 8)
	c.subsMu.Lock()
	c.completeSubs = append(c.completeSubs, ch)
	c.subsMu.Unlock()
	return ch
}

// State 返回当前状态快照
func (c *Controller) State() model.PlaybackState {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	return c.state
}

// emitState 应用变更并在位置无关等价变化时广播
func (c *Controller) emitState(mutate func(*model.PlaybackState)) {
	c.stateMu.Lock()
	mutate(&c.state)
	snapshot := c.state
	c.stateMu.Unlock()

	if snapshot.Equal(c.lastEmitted) {
		return
	}
	c.lastEmitted = snapshot

	c.subsMu.Lock()
	subs := append([]chan model.PlaybackState(nil), c.stateSubs...)
	c.subsMu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- snapshot:
		default:
			// 订阅方积压时丢最旧
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- snapshot:
			default:
			}
		}
	}
}

// refreshQueueState 把队列模型同步进状态
// 修订号与当前索引/曲目取自同一把快照，订阅方不会看到错位的组合。
func (c *Controller) refreshQueueState(st *model.PlaybackState) {
	items, current, rev := c.queue.Snapshot()
	st.Queue = items
	st.CurrentIndex = current
	st.QueueRevision = rev
	if current >= 0 && current < len(items) {
		t := items[current]
		st.CurrentTrack = &t
	} else {
		st.CurrentTrack = nil
	}
	st.LoopMode = c.queue.LoopMode()
	st.ShuffleEnabled = c.queue.ShuffleEnabled()
	st.SourceID = c.queue.SourceID()
	if c.radio != nil {
		st.IsFetchingRadio = c.radio.IsFetching()
	}
}

// ---------------------------------------------------------------- commands

// PlayTrack 播放单曲；radio 为真时进入电台模式
func (c *Controller) PlayTrack(t model.Track, radio bool) {
	c.do(func() {
		c.queue.Install([]model.Track{t}, 0, "")
		if c.radio != nil {
			c.radio.Reset(t)
		}
		c.emitState(func(st *model.PlaybackState) {
			c.refreshQueueState(st)
			st.IsRadioMode = radio
			st.Error = ""
		})
		c.loadAndPlayCurrent(true)

		// 500ms 后做电台预热与URL预取
		time.AfterFunc(radioPrewarmDelay, func() {
			c.do(func() {
				c.schedulePrefetch()
				if radio {
					c.maybeExtendRadio()
				}
			})
		})
	})
}

// PlayQueue 播放整个队列
// 电台模式当且仅当只装入一首且调用方未标记这本身就是电台队列。
func (c *Controller) PlayQueue(tracks []model.Track, startIndex int, sourceID string, isRadioQueue bool) {
	c.do(func() {
		c.queue.Install(tracks, startIndex, sourceID)
		radioMode := len(tracks) == 1 && !isRadioQueue
		if radioMode && c.radio != nil {
			c.radio.Reset(tracks[0])
		}
		c.emitState(func(st *model.PlaybackState) {
			c.refreshQueueState(st)
			st.IsRadioMode = radioMode
			st.Error = ""
		})
		c.loadAndPlayCurrent(true)
		c.schedulePrefetch()
		if radioMode && len(tracks) <= 2 {
			c.maybeExtendRadio()
		}
	})
}

// AddToQueue 追加曲目
func (c *Controller) AddToQueue(tracks ...model.Track) {
	c.do(func() {
		c.queue.Append(tracks)
		c.emitState(c.refreshQueueState)
		c.schedulePrefetch()
	})
}

// PlayNext 插入到当前曲目之后
func (c *Controller) PlayNext(t model.Track) {
	c.do(func() {
		c.queue.InsertNext(t)
		c.emitState(c.refreshQueueState)
		c.schedulePrefetch()
	})
}

// RemoveFromQueue 移除指定位置
func (c *Controller) RemoveFromQueue(i int) {
	c.do(func() {
		_, current := c.queue.Current()
		c.queue.RemoveAt(i)
		c.emitState(c.refreshQueueState)
		if i == current {
			c.loadAndPlayCurrent(c.State().IsPlaying)
		}
	})
}

// ReorderQueue 移动队列项
func (c *Controller) ReorderQueue(oldIndex, newIndex int) {
	c.do(func() {
		c.queue.Reorder(oldIndex, newIndex)
		c.emitState(c.refreshQueueState)
		c.schedulePrefetch()
	})
}

// SkipToIndex 跳到指定索引并播放
func (c *Controller) SkipToIndex(i int) {
	c.do(func() {
		if c.queue.SkipTo(i) {
			c.emitState(c.refreshQueueState)
			c.loadAndPlayCurrent(true)
			c.schedulePrefetch()
		}
	})
}

// ClearQueue 清空队列并停止
func (c *Controller) ClearQueue() {
	c.do(func() {
		c.queue.Clear()
		c.engine.StopBoth(context.Background())
		c.pending = nil
		c.emitState(func(st *model.PlaybackState) {
			c.refreshQueueState(st)
			st.IsPlaying = false
			st.IsLoading = false
			st.IsBuffering = false
			st.Position = 0
			st.Duration = 0
			st.CurrentPlaybackData = nil
			st.IsRadioMode = false
		})
	})
}

// Play 恢复播放；无源时装载当前曲目，URL过期时静默重解析
func (c *Controller) Play() {
	c.do(func() {
		active := c.engine.Active()
		src := active.CurrentSource()

		if src == nil {
			c.loadAndPlayCurrent(true)
			return
		}
		if src.PlaybackData != nil && src.PlaybackData.Expired() && !src.IsLocal {
			logger.Info("播放数据已过期，静默重解析",
				logger.String("trackId", src.TrackID))
			c.loadAndPlayCurrent(true)
			return
		}
		if err := active.Play(context.Background()); err != nil {
			c.emitState(func(st *model.PlaybackState) { st.Error = err.Error() })
			return
		}
		c.emitState(func(st *model.PlaybackState) {
			st.IsPlaying = true
			st.Error = ""
		})
	})
}

// Pause 暂停并同步落盘
func (c *Controller) Pause() {
	c.do(func() {
		c.engine.PauseBoth(context.Background())
		c.emitState(func(st *model.PlaybackState) { st.IsPlaying = false })
		if c.persistor != nil {
			if err := c.persistor.SaveNow(context.Background()); err != nil {
				logger.Warn("暂停时保存队列失败", logger.ErrorField(err))
			}
		}
	})
}

// Stop 停止两个播放器并同步落盘
func (c *Controller) Stop() {
	c.do(func() {
		c.engine.StopBoth(context.Background())
		c.pending = nil
		c.emitState(func(st *model.PlaybackState) {
			st.IsPlaying = false
			st.IsBuffering = false
			st.IsLoading = false
			st.Position = 0
			st.CurrentPlaybackData = nil
		})
		if c.persistor != nil {
			if err := c.persistor.SaveNow(context.Background()); err != nil {
				logger.Warn("停止时保存队列失败", logger.ErrorField(err))
			}
		}
	})
}

// Seek 跳转；装载中时挂起到对应曲目就绪
func (c *Controller) Seek(pos time.Duration) {
	c.do(func() {
		if c.State().IsLoading {
			if t, _ := c.queue.Current(); t != nil {
				c.pending = &pendingSeek{trackID: t.ID, pos: pos}
			}
			return
		}
		if err := c.engine.Active().Seek(context.Background(), pos); err != nil {
			logger.Debug("跳转失败", logger.ErrorField(err))
		}
	})
}

// SeekBy 相对跳转
func (c *Controller) SeekBy(delta time.Duration) {
	c.do(func() {
		pos := c.engine.Active().Position() + delta
		if pos < 0 {
			pos = 0
		}
		if err := c.engine.Active().Seek(context.Background(), pos); err != nil {
			logger.Debug("跳转失败", logger.ErrorField(err))
		}
	})
}

// SkipToNext 下一曲
// Jams 模式下只上报播完事件，由外部控制器决定走向。
func (c *Controller) SkipToNext() {
	c.do(func() { c.skipToNext(false) })
}

func (c *Controller) skipToNext(auto bool) {
	if c.jams.Load() {
		c.emitTrackComplete()
		return
	}

	// 电台模式先补充队列再决定目标
	c.maybeExtendRadio()

	next, ok := c.queue.NextIndex()
	if !ok {
		if auto {
			c.emitState(func(st *model.PlaybackState) { st.IsPlaying = false })
		}
		return
	}

	s := c.Settings()
	if !auto && s.CrossfadeDurationMs > 0 && c.queue.LoopMode() != model.LoopOne {
		c.crossfadeTo(next)
		return
	}

	c.queue.SkipTo(next)
	c.emitState(c.refreshQueueState)
	c.loadAndPlayCurrent(true)
	c.schedulePrefetch()
}

// SkipToPrevious 上一曲；播放超过3秒时回到曲首且不改变索引
func (c *Controller) SkipToPrevious() {
	c.do(func() {
		if c.jams.Load() {
			c.emitTrackComplete()
			return
		}
		if c.engine.Active().Position() > prevSeekThreshold {
			if err := c.engine.Active().Seek(context.Background(), 0); err != nil {
				logger.Debug("回到曲首失败", logger.ErrorField(err))
			}
			return
		}
		prev, ok := c.queue.PrevIndex()
		if !ok {
			return
		}
		c.queue.SkipTo(prev)
		c.emitState(c.refreshQueueState)
		c.loadAndPlayCurrent(true)
	})
}

// SetLoopMode 设置循环模式并镜像到两个句柄
func (c *Controller) SetLoopMode(m model.LoopMode) {
	c.do(func() {
		c.queue.SetLoopMode(m)
		c.engine.SetLoopOneBoth(context.Background(), m == model.LoopOne)
		c.emitState(c.refreshQueueState)
	})
}

// ToggleShuffle 开关随机播放
func (c *Controller) ToggleShuffle() {
	c.do(func() {
		c.queue.SetShuffle(!c.queue.ShuffleEnabled())
		c.emitState(c.refreshQueueState)
		c.schedulePrefetch()
	})
}

// SetSpeed 设置播放速率并镜像到两个句柄
func (c *Controller) SetSpeed(speed float64) {
	c.do(func() {
		c.engine.SetSpeedBoth(context.Background(), speed)
		c.emitState(func(st *model.PlaybackState) { st.Speed = speed })
	})
}

// SetAudioQuality 切换音质：清空URL缓存与字节缓存后重新调度预缓存
func (c *Controller) SetAudioQuality(q model.AudioQuality) {
	c.do(func() {
		s := c.Settings()
		if s.StreamingQuality == q {
			return
		}
		s.StreamingQuality = q
		c.settings.Store(s)
		c.onQualityChanged()
		c.emitState(func(st *model.PlaybackState) {
			c.applySettingsToState(st, s)
		})
	})
}

// onQualityChanged 音质变化使两级缓存全部失效
func (c *Controller) onQualityChanged() {
	c.resolver.ClearAll()
	if err := c.cache.ClearAll(); err != nil {
		logger.Warn("清空字节缓存失败", logger.ErrorField(err))
	}
	c.precacher.ScheduleAhead(context.Background())
}

// SetJamsMode 开关Jams模式
// 开启后播完不自动接续、交叉淡入淡出关闭，只向外上报播完事件。
func (c *Controller) SetJamsMode(on bool) {
	c.jams.Store(on)
}

// JamsMode 返回Jams模式状态
func (c *Controller) JamsMode() bool {
	return c.jams.Load()
}

// ---------------------------------------------------------------- internal

// loadAndPlayCurrent 装载并播放当前曲目
// 来源构建（可能含网络解析）放到工作goroutine，完成后带代号回到
// 控制器任务，期间的换曲会使过期结果作废。
func (c *Controller) loadAndPlayCurrent(autoplay bool) {
	t, idx := c.queue.Current()
	if t == nil {
		// 队列为空：静默no-op
		return
	}

	c.loadGen++
	gen := c.loadGen
	track := *t

	c.emitState(func(st *model.PlaybackState) {
		st.IsLoading = true
		st.Error = ""
	})

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
		defer cancel()

		src, err := c.builder.Build(ctx, track)

		c.do(func() {
			if gen != c.loadGen {
				return // 已被更新的装载取代
			}
			if _, cur := c.queue.Current(); cur != idx {
				return
			}

			if err != nil {
				c.handleLoadError(track, err, autoplay)
				return
			}

			if herr := c.engine.HardSwitch(context.Background(), src); herr != nil {
				if errors.Is(herr, player.ErrCleartextLoopback) || src.ViaProxy {
					// 回环代理源装载失败按平台拦截处理：
					// 永久退回直连流播后重试本曲
					c.builder.DisableProxyCaching()
					c.loadAndPlayCurrent(autoplay)
					return
				}
				c.emitState(func(st *model.PlaybackState) {
					st.IsLoading = false
					st.Error = herr.Error()
				})
				return
			}
			c.engine.MarkSourceChanged()
			if !autoplay {
				if perr := c.engine.Active().Pause(context.Background()); perr != nil {
					logger.Debug("预载暂停失败", logger.ErrorField(perr))
				}
			}

			c.emitState(func(st *model.PlaybackState) {
				st.IsLoading = false
				st.IsPlaying = autoplay
				st.Position = 0
				st.Duration = track.DurationTime()
				st.CurrentPlaybackData = src.PlaybackData
				st.Error = ""
			})

			c.precacher.ScheduleAhead(context.Background())
			c.schedulePrefetch()
			if c.persistor != nil {
				c.persistor.ScheduleDebounced()
			}
		})
	}()
}

// handleLoadError 装载失败的恢复路径
func (c *Controller) handleLoadError(t model.Track, err error, autoplay bool) {
	if errors.Is(err, player.ErrCleartextLoopback) {
		// 平台拦截回环代理：置位进程级标记，改走直连重试本曲
		c.builder.DisableProxyCaching()
		c.loadAndPlayCurrent(autoplay)
		return
	}

	if resolver.KindOf(err) == resolver.ErrExpiredMidFlight {
		// 使用中过期：静默重解析一次
		s := c.Settings()
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if _, rerr := c.resolver.Refresh(ctx, t.ID, s.StreamingQuality, false); rerr == nil {
				c.do(func() { c.loadAndPlayCurrent(autoplay) })
			}
		}()
		return
	}

	logger.Error("装载曲目失败",
		logger.String("trackId", t.ID),
		logger.String("title", t.Title),
		logger.ErrorField(err))
	c.emitState(func(st *model.PlaybackState) {
		st.IsLoading = false
		st.IsPlaying = false
		st.Error = err.Error()
	})
}

// crossfadeTo 交叉淡入淡出到目标索引
// 渐变是独立的短生命周期任务；队列在原子交换回调里同步前进，
// 周围代码只会在交换完成后看到新的 active。
func (c *Controller) crossfadeTo(target int) {
	t, ok := c.queue.TrackAt(target)
	if !ok {
		return
	}
	track := *t
	s := c.Settings()
	speed := c.State().Speed

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 90*time.Second)
		defer cancel()

		src, err := c.builder.Build(ctx, track)
		if err != nil {
			logger.Warn("交叉淡入淡出构建来源失败，退回硬切换",
				logger.String("trackId", track.ID),
				logger.ErrorField(err))
			c.do(func() {
				c.queue.SkipTo(target)
				c.emitState(c.refreshQueueState)
				c.loadAndPlayCurrent(true)
			})
			return
		}

		ferr := c.engine.Crossfade(ctx, src, time.Duration(s.CrossfadeDurationMs)*time.Millisecond, speed, false, func() {
			// 原子交换点：引擎视角与队列状态在同一事件里前进
			c.do(func() {
				c.queue.SkipTo(target)
				c.emitState(func(st *model.PlaybackState) {
					c.refreshQueueState(st)
					st.Position = 0
					st.Duration = track.DurationTime()
					st.CurrentPlaybackData = src.PlaybackData
					st.IsPlaying = true
				})
				c.precacher.ScheduleAhead(context.Background())
				c.schedulePrefetch()
				if c.persistor != nil {
					c.persistor.ScheduleDebounced()
				}
			})
		})
		if ferr != nil {
			logger.Warn("交叉淡入淡出失败", logger.ErrorField(ferr))
			c.do(func() { c.loadAndPlayCurrent(true) })
		}
	}()
}

// handleEvent 播放器事件入口（控制器任务上执行）
func (c *Controller) handleEvent(backendIdx int, ev player.Event) {
	// 非活跃句柄只保留淡入淡出期间的内部状态，位置tick一律忽略
	if !c.engine.IsActive(backendIdx) {
		return
	}

	switch ev.Type {
	case player.EventPosition:
		c.onPositionTick(ev.Position)

	case player.EventDuration:
		c.onAuthoritativeDuration(ev.Duration)

	case player.EventStatus:
		c.onStatusEvent(ev)

	case player.EventCompleted:
		c.onCompleted()
	}
}

// onPositionTick 位置tick：淡入淡出触发、电台检查、持久化与反失速
func (c *Controller) onPositionTick(pos time.Duration) {
	c.stateMu.RLock()
	playing := c.state.IsPlaying
	c.stateMu.RUnlock()

	// 控制器可见的位置更新限频到500ms
	if c.posLimiter.Allow() {
		c.stateMu.Lock()
		c.state.Position = pos
		c.state.BufferedPosition = c.engine.Active().BufferedPosition()
		c.stateMu.Unlock()
	}

	// 原始位置流
	c.subsMu.Lock()
	subs := append([]chan time.Duration(nil), c.posSubs...)
	c.subsMu.Unlock()
	for _, ch := range subs {
		select {
		case ch <- pos:
		default:
		}
	}

	if !playing {
		return
	}

	// 交叉淡入淡出触发
	s := c.Settings()
	if !c.jams.Load() && c.queue.LoopMode() != model.LoopOne && s.CrossfadeDurationMs > 0 {
		if next, ok := c.queue.NextIndex(); ok {
			crossfade := time.Duration(s.CrossfadeDurationMs) * time.Millisecond
			if c.engine.ShouldTriggerCrossfade(crossfade) {
				c.crossfadeTo(next)
			}
		}
	}

	c.engine.AntiStall(context.Background())
	c.maybeExtendRadio()
	if c.persistor != nil {
		c.persistor.OnTick(playing, pos)
	}
}

// onAuthoritativeDuration 播放器上报权威时长后回写队列（每曲一次）
func (c *Controller) onAuthoritativeDuration(d time.Duration) {
	t, _ := c.queue.Current()
	if t == nil || d <= 0 {
		return
	}
	seconds := d.Seconds()
	if t.Duration != seconds {
		c.queue.UpdateTrackDuration(t.ID, seconds)
	}
	c.emitState(func(st *model.PlaybackState) {
		c.refreshQueueState(st)
		st.Duration = d
	})
}

// onStatusEvent 播放状态事件
func (c *Controller) onStatusEvent(ev player.Event) {
	switch ev.Status {
	case model.StatusReady:
		c.applyPendingSeek()
		c.emitState(func(st *model.PlaybackState) {
			st.IsLoading = false
			st.IsBuffering = false
		})
	case model.StatusPlaying:
		c.emitState(func(st *model.PlaybackState) {
			st.IsPlaying = true
			st.IsBuffering = false
			st.Error = ""
		})
	case model.StatusPaused:
		c.emitState(func(st *model.PlaybackState) { st.IsPlaying = false })
	case model.StatusBuffering:
		c.emitState(func(st *model.PlaybackState) { st.IsBuffering = true })
	case model.StatusError:
		msg := "播放器错误"
		if ev.Err != nil {
			msg = ev.Err.Error()
		}
		c.emitState(func(st *model.PlaybackState) {
			st.IsPlaying = false
			st.Error = msg
		})
	}
}

// onCompleted 当前曲目自然播完
func (c *Controller) onCompleted() {
	c.emitTrackComplete()

	if c.jams.Load() {
		// Jams 模式：不自动接续，由外部控制器决定
		c.emitState(func(st *model.PlaybackState) { st.IsPlaying = false })
		return
	}
	c.skipToNext(true)
}

func (c *Controller) emitTrackComplete() {
	t, _ := c.queue.Current()
	if t == nil {
		return
	}
	track := *t

	c.subsMu.Lock()
	subs := append([]chan model.Track(nil), c.completeSubs...)
	c.subsMu.Unlock()
	for _, ch := range subs {
		select {
		case ch <- track:
		default:
		}
	}
}

// applyPendingSeek 就绪后应用挂起的跳转（按曲目ID匹配）
func (c *Controller) applyPendingSeek() {
	if c.pending == nil {
		return
	}
	t, _ := c.queue.Current()
	if t == nil || t.ID != c.pending.trackID {
		c.pending = nil
		return
	}
	pos := c.pending.pos
	c.pending = nil
	if err := c.engine.Active().Seek(context.Background(), pos); err != nil {
		logger.Debug("应用挂起跳转失败", logger.ErrorField(err))
	}
	logger.Info("已恢复播放位置",
		logger.String("trackId", t.ID),
		logger.Duration("position", pos))
}

// schedulePrefetch 预取即将播放曲目的URL
func (c *Controller) schedulePrefetch() {
	ids := c.queue.UpcomingIDs(prefetchAhead)
	if len(ids) == 0 {
		return
	}
	s := c.Settings()
	c.resolver.Prefetch(context.Background(), ids, s.StreamingQuality, false)
}

// maybeExtendRadio 电台模式的低水位扩展
func (c *Controller) maybeExtendRadio() {
	if c.radio == nil || !c.State().IsRadioMode {
		return
	}
	wasFetching := c.radio.IsFetching()
	c.radio.MaybeExtend(context.Background(), func(appended int) {
		c.do(func() {
			c.emitState(c.refreshQueueState)
			if appended > 0 {
				c.schedulePrefetch()
				c.precacher.ScheduleAhead(context.Background())
			}
		})
	})
	if !wasFetching && c.radio.IsFetching() {
		c.emitState(func(st *model.PlaybackState) { st.IsFetchingRadio = true })
	}
}

// ---------------------------------------------------------------- persistence

// persistedSnapshot 当前队列+位置的持久化快照
func (c *Controller) persistedSnapshot() *model.PersistedQueue {
	items, current, _ := c.queue.Snapshot()
	if len(items) == 0 {
		return nil
	}
	return &model.PersistedQueue{
		Version:      model.PersistedQueueVersion,
		Queue:        items,
		CurrentIndex: current,
		PositionMs:   c.engine.Active().Position().Milliseconds(),
		SavedAtMs:    time.Now().UnixMilli(),
	}
}

// restoreOnStart 启动恢复：TTL内的快照装回队列并挂起跳转
func (c *Controller) restoreOnStart(ctx context.Context) {
	pq, ok := c.persistor.Restore(ctx)
	if !ok {
		return
	}

	c.do(func() {
		c.queue.Install(pq.Queue, pq.CurrentIndex, "")
		t, _ := c.queue.Current()
		if t != nil && pq.PositionMs > 0 {
			c.pending = &pendingSeek{
				trackID: t.ID,
				pos:     time.Duration(pq.PositionMs) * time.Millisecond,
			}
		}
		c.emitState(func(st *model.PlaybackState) {
			c.refreshQueueState(st)
			st.Position = time.Duration(pq.PositionMs) * time.Millisecond
		})
		// 装载但不自动起播
		c.loadAndPlayCurrent(false)

		logger.Info("已恢复上次队列",
			logger.Int("tracks", len(pq.Queue)),
			logger.Int("currentIndex", pq.CurrentIndex),
			logger.Int64("positionMs", pq.PositionMs))

		c.maybeMigrateDuration(t)
	})
}

// maybeMigrateDuration 恢复的当前曲目时长为0时做一次性元数据迁移
func (c *Controller) maybeMigrateDuration(t *model.Track) {
	if t == nil || t.Duration > 0 || c.metadata == nil || c.flags == nil {
		return
	}
	ctx := context.Background()
	if c.flags.HasFlag(ctx, durationMigrationFlag) {
		return
	}

	trackID := t.ID
	go func() {
		fctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		detail, err := c.metadata.TrackDetail(fctx, trackID)
		if err != nil {
			logger.Debug("时长迁移获取元数据失败", logger.ErrorField(err))
			return
		}
		if err := c.flags.SetFlag(fctx, durationMigrationFlag); err != nil {
			logger.Debug("写入迁移标记失败", logger.ErrorField(err))
		}
		if detail.Duration <= 0 {
			return
		}
		c.do(func() {
			c.queue.UpdateTrackDuration(trackID, detail.Duration)
			c.emitState(c.refreshQueueState)
			if c.persistor != nil {
				c.persistor.ScheduleDebounced()
			}
		})
	}()
}
