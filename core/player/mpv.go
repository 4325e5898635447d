package player

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/wildeyedskies/go-mpv/mpv"

	"github.com/NotMugil/Inzx/logger"
	"github.com/NotMugil/Inzx/model"
)

// MpvBackend 基于 libmpv 的播放器句柄实现
// 引擎持有两个独立实例（主/备）用于交叉淡入淡出。
type MpvBackend struct {
	name string
	m    *mpv.Mpv

	events chan Event
	stopCh chan struct{}

	mu       sync.Mutex
	src      *Source
	volume   float64
	position time.Duration
	buffered time.Duration
	duration time.Duration
	closed   bool
}

// NewMpvBackend 创建并初始化一个 mpv 实例
func NewMpvBackend(name string) (*MpvBackend, error) {
	m := mpv.Create()
	if m == nil {
		return nil, fmt.Errorf("创建 mpv 实例失败")
	}

	// 纯音频，无窗口
	_ = m.SetOptionString("video", "no")
	_ = m.SetOptionString("audio-display", "no")
	_ = m.SetOptionString("terminal", "no")
	_ = m.SetOptionString("idle", "yes")
	// 网络源预读
	_ = m.SetOptionString("cache", "yes")
	_ = m.SetOptionString("prefetch-playlist", "yes")

	if err := m.Initialize(); err != nil {
		m.TerminateDestroy()
		return nil, fmt.Errorf("初始化 mpv 失败: %w", err)
	}

	b := &MpvBackend{
		name:   name,
		m:      m,
		events: make(chan Event, eventBufferSize),
		stopCh: make(chan struct{}),
		volume: 1.0,
	}

	go b.eventLoop()
	go b.positionLoop()

	return b, nil
}

// eventLoop 消费 mpv 事件并翻译为句柄事件
func (b *MpvBackend) eventLoop() {
	for {
		select {
		case <-b.stopCh:
			return
		default:
		}

		e := b.m.WaitEvent(1)
		if e == nil {
			time.Sleep(10 * time.Millisecond)
			continue
		}

		switch e.Event_Id {
		case mpv.EVENT_FILE_LOADED:
			b.refreshDuration()
			pushEvent(b.events, Event{Type: EventStatus, Status: model.StatusReady})
		case mpv.EVENT_START_FILE:
			pushEvent(b.events, Event{Type: EventStatus, Status: model.StatusLoading})
		case mpv.EVENT_PLAYBACK_RESTART:
			pushEvent(b.events, Event{Type: EventStatus, Status: model.StatusPlaying})
		case mpv.EVENT_PAUSE:
			pushEvent(b.events, Event{Type: EventStatus, Status: model.StatusPaused})
		case mpv.EVENT_UNPAUSE:
			pushEvent(b.events, Event{Type: EventStatus, Status: model.StatusPlaying})
		case mpv.EVENT_END_FILE:
			// 自然播完才算 Completed；stop/替换源不算
			if b.hasSource() && b.nearEnd() {
				pushEvent(b.events, Event{Type: EventCompleted})
			}
		case mpv.EVENT_SHUTDOWN:
			return
		}
	}
}

// positionLoop 周期轮询位置、缓冲与时长
func (b *MpvBackend) positionLoop() {
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-b.stopCh:
			return
		case <-ticker.C:
		}

		if !b.hasSource() {
			continue
		}

		if pos, err := b.m.GetProperty("time-pos", mpv.FORMAT_DOUBLE); err == nil {
			if f, ok := pos.(float64); ok {
				d := time.Duration(f * float64(time.Second))
				b.mu.Lock()
				b.position = d
				b.mu.Unlock()
				pushEvent(b.events, Event{Type: EventPosition, Position: d})
			}
		}
		if buf, err := b.m.GetProperty("demuxer-cache-time", mpv.FORMAT_DOUBLE); err == nil {
			if f, ok := buf.(float64); ok {
				b.mu.Lock()
				b.buffered = time.Duration(f * float64(time.Second))
				b.mu.Unlock()
			}
		}
		b.refreshDuration()

		// 缓冲状态
		if paused, err := b.m.GetProperty("paused-for-cache", mpv.FORMAT_FLAG); err == nil {
			if flag, ok := paused.(bool); ok && flag {
				pushEvent(b.events, Event{Type: EventStatus, Status: model.StatusBuffering})
			}
		}
	}
}

func (b *MpvBackend) refreshDuration() {
	if dur, err := b.m.GetProperty("duration", mpv.FORMAT_DOUBLE); err == nil {
		if f, ok := dur.(float64); ok && f > 0 {
			b.mu.Lock()
			known := b.duration
			b.duration = time.Duration(f * float64(time.Second))
			b.mu.Unlock()
			if known == 0 {
				pushEvent(b.events, Event{Type: EventDuration, Duration: time.Duration(f * float64(time.Second))})
			}
		}
	}
}

func (b *MpvBackend) hasSource() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.src != nil
}

// nearEnd 判断是否接近曲目末尾（区分自然播完与被替换）
func (b *MpvBackend) nearEnd() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.duration <= 0 {
		return true
	}
	return b.duration-b.position <= 2*time.Second
}

// SetSource 装载音频来源
func (b *MpvBackend) SetSource(ctx context.Context, src Source, preload bool) error {
	b.mu.Lock()
	b.src = &src
	b.position = 0
	b.buffered = 0
	b.duration = 0
	b.mu.Unlock()

	// 先暂停装载，preload 模式下由引擎决定何时起播
	if err := b.m.SetPropertyString("pause", "yes"); err != nil {
		return fmt.Errorf("暂停装载失败: %w", err)
	}
	if err := b.m.Command([]string{"loadfile", src.URI, "replace"}); err != nil {
		return fmt.Errorf("装载音频源失败: %w", err)
	}
	return nil
}

// Play 开始/恢复播放
func (b *MpvBackend) Play(ctx context.Context) error {
	if err := b.m.SetPropertyString("pause", "no"); err != nil {
		return fmt.Errorf("恢复播放失败: %w", err)
	}
	return nil
}

// Pause 暂停
func (b *MpvBackend) Pause(ctx context.Context) error {
	if err := b.m.SetPropertyString("pause", "yes"); err != nil {
		return fmt.Errorf("暂停失败: %w", err)
	}
	return nil
}

// Stop 停止并卸载源
func (b *MpvBackend) Stop(ctx context.Context) error {
	b.mu.Lock()
	b.src = nil
	b.position = 0
	b.buffered = 0
	b.duration = 0
	b.mu.Unlock()

	if err := b.m.Command([]string{"stop"}); err != nil {
		return fmt.Errorf("停止失败: %w", err)
	}
	return nil
}

// Seek 跳转到绝对位置
func (b *MpvBackend) Seek(ctx context.Context, pos time.Duration) error {
	secs := fmt.Sprintf("%.3f", pos.Seconds())
	if err := b.m.Command([]string{"seek", secs, "absolute"}); err != nil {
		return fmt.Errorf("跳转失败: %w", err)
	}
	return nil
}

// SetVolume 设置音量 [0,1]
func (b *MpvBackend) SetVolume(ctx context.Context, v float64) error {
	if v < 0 {
		v = 0
	} else if v > 1 {
		v = 1
	}
	if err := b.m.SetProperty("volume", mpv.FORMAT_DOUBLE, v*100); err != nil {
		return fmt.Errorf("设置音量失败: %w", err)
	}
	b.mu.Lock()
	b.volume = v
	b.mu.Unlock()
	return nil
}

// Volume 返回最近一次成功设置的音量
func (b *MpvBackend) Volume() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.volume
}

// SetSpeed 设置播放速率
func (b *MpvBackend) SetSpeed(ctx context.Context, s float64) error {
	if err := b.m.SetProperty("speed", mpv.FORMAT_DOUBLE, s); err != nil {
		return fmt.Errorf("设置速率失败: %w", err)
	}
	return nil
}

// SetLoopOne 设置单曲循环
func (b *MpvBackend) SetLoopOne(ctx context.Context, on bool) error {
	val := "no"
	if on {
		val = "inf"
	}
	if err := b.m.SetPropertyString("loop-file", val); err != nil {
		return fmt.Errorf("设置循环失败: %w", err)
	}
	return nil
}

func (b *MpvBackend) Events() <-chan Event { return b.events }

func (b *MpvBackend) Position() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.position
}

func (b *MpvBackend) BufferedPosition() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buffered
}

func (b *MpvBackend) Duration() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.duration
}

func (b *MpvBackend) CurrentSource() *Source {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.src
}

// Close 销毁 mpv 实例
func (b *MpvBackend) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	close(b.stopCh)
	_ = b.m.Command([]string{"quit"})
	b.m.TerminateDestroy()
	logger.Debug("mpv 实例已销毁", logger.String("player", b.name))
	return nil
}

var _ Backend = (*MpvBackend)(nil)
