package player

import (
	"context"
	"sync"
	"time"

	"github.com/NotMugil/Inzx/logger"
)

// 音量写入超时：后端卡死时放弃本次写入而不是阻塞音频路径
const volumeWriteTimeout = 1200 * time.Millisecond

// 运行期反失速：非淡入淡出期间音量意外低于该值时重新拉满
const (
	antiStallThreshold = 0.95
	antiStallInterval  = 800 * time.Millisecond
)

// Engine 双播放器引擎
//
// 持有主/备两个句柄，任意时刻恰有一个 active。硬切换直接换源；
// 交叉淡入淡出在备用句柄上预载下一曲，原子交换 active 后做等功率渐变。
type Engine struct {
	mu      sync.Mutex
	players [2]Backend
	active  int

	crossfading bool
	fadeLatched bool // 每个源只触发一次淡入淡出

	lastAntiStall time.Time
}

// NewEngine 创建引擎，p0 为初始 active
func NewEngine(p0, p1 Backend) *Engine {
	return &Engine{players: [2]Backend{p0, p1}}
}

// Active 返回当前活跃句柄
func (e *Engine) Active() Backend {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.players[e.active]
}

// Inactive 返回备用句柄
func (e *Engine) Inactive() Backend {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.players[1-e.active]
}

// Backend 按序号返回句柄（事件泵用）
func (e *Engine) Backend(i int) Backend {
	return e.players[i]
}

// IsActive 判断序号是否为当前活跃句柄
// 非活跃句柄的位置tick会被控制器忽略。
func (e *Engine) IsActive(i int) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.active == i
}

// IsCrossfading 是否正在交叉淡入淡出
func (e *Engine) IsCrossfading() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.crossfading
}

// MarkSourceChanged 源变更后重置淡入淡出触发闩锁
func (e *Engine) MarkSourceChanged() {
	e.mu.Lock()
	e.fadeLatched = false
	e.mu.Unlock()
}

// ShouldTriggerCrossfade 位置tick驱动的触发判定
// remaining ≤ max(300ms, crossfade+120ms) 时触发，每个源只触发一次。
func (e *Engine) ShouldTriggerCrossfade(crossfade time.Duration) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if crossfade <= 0 || e.crossfading || e.fadeLatched {
		return false
	}

	active := e.players[e.active]
	dur := active.Duration()
	if dur <= 0 {
		return false
	}
	remaining := dur - active.Position()

	threshold := crossfade + 120*time.Millisecond
	if threshold < 300*time.Millisecond {
		threshold = 300 * time.Millisecond
	}
	if remaining > threshold {
		return false
	}

	e.fadeLatched = true
	return true
}

// HardSwitch 无淡入淡出的换源：停掉备用，active 换源并起播
func (e *Engine) HardSwitch(ctx context.Context, src Source) error {
	e.mu.Lock()
	active := e.players[e.active]
	inactive := e.players[1-e.active]
	e.fadeLatched = false
	e.mu.Unlock()

	if err := inactive.Stop(ctx); err != nil {
		logger.Debug("停止备用播放器失败", logger.ErrorField(err))
	}
	if err := active.SetSource(ctx, src, false); err != nil {
		return err
	}
	if err := e.setVolumeTimeout(ctx, active, 1.0); err != nil {
		logger.Debug("换源后重置音量失败", logger.ErrorField(err))
	}
	return active.Play(ctx)
}

// StopBoth 停止两个句柄并把音量恢复到1.0
func (e *Engine) StopBoth(ctx context.Context) {
	for _, p := range e.players {
		if err := p.Stop(ctx); err != nil {
			logger.Debug("停止播放器失败", logger.ErrorField(err))
		}
		if err := e.setVolumeTimeout(ctx, p, 1.0); err != nil {
			logger.Debug("恢复音量失败", logger.ErrorField(err))
		}
	}
	e.mu.Lock()
	e.crossfading = false
	e.mu.Unlock()
}

// PauseBoth 暂停两个句柄并把音量恢复到1.0
// 备用句柄可能正带着预载源等待渐变，一并暂停避免它独自出声。
func (e *Engine) PauseBoth(ctx context.Context) {
	for _, p := range e.players {
		if err := p.Pause(ctx); err != nil {
			logger.Debug("暂停播放器失败", logger.ErrorField(err))
		}
		if err := e.setVolumeTimeout(ctx, p, 1.0); err != nil {
			logger.Debug("恢复音量失败", logger.ErrorField(err))
		}
	}
}

// SetSpeedBoth 把速率同步到两个句柄
func (e *Engine) SetSpeedBoth(ctx context.Context, speed float64) {
	for _, p := range e.players {
		if err := p.SetSpeed(ctx, speed); err != nil {
			logger.Debug("设置速率失败", logger.ErrorField(err))
		}
	}
}

// SetLoopOneBoth 把单曲循环同步到两个句柄
func (e *Engine) SetLoopOneBoth(ctx context.Context, on bool) {
	for _, p := range e.players {
		if err := p.SetLoopOne(ctx, on); err != nil {
			logger.Debug("设置循环失败", logger.ErrorField(err))
		}
	}
}

// AntiStall 运行期音量防失速
// 每个位置tick调用；非淡入淡出期间 active 音量被平台悄悄压低时重新拉满，
// 限频一次/800ms。
func (e *Engine) AntiStall(ctx context.Context) {
	e.mu.Lock()
	if e.crossfading {
		e.mu.Unlock()
		return
	}
	if time.Since(e.lastAntiStall) < antiStallInterval {
		e.mu.Unlock()
		return
	}
	active := e.players[e.active]
	e.lastAntiStall = time.Now()
	e.mu.Unlock()

	if active.Volume() < antiStallThreshold {
		logger.Debug("检测到音量异常下降，重新拉满",
			logger.Float64("volume", active.Volume()))
		if err := e.setVolumeTimeout(ctx, active, 1.0); err != nil {
			logger.Debug("反失速音量写入失败", logger.ErrorField(err))
		}
	}
}

// setVolumeTimeout 带超时的音量写入
// 后端行为不可控，单次写入超过1.2s就放弃，绝不让音频路径死锁。
func (e *Engine) setVolumeTimeout(ctx context.Context, p Backend, v float64) error {
	done := make(chan error, 1)
	go func() {
		done <- p.SetVolume(ctx, v)
	}()

	select {
	case err := <-done:
		return err
	case <-time.After(volumeWriteTimeout):
		logger.Warn("音量写入超时", logger.Float64("volume", v))
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close 关闭两个句柄
func (e *Engine) Close() {
	for _, p := range e.players {
		_ = p.Close()
	}
}
