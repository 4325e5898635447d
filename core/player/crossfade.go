package player

import (
	"context"
	"math"
	"time"

	"github.com/NotMugil/Inzx/logger"
)

const (
	fadeSteps = 24

	// 备用句柄起播前的预热音量与缓冲等待
	standbyWarmupVolume = 0.12
	standbyWarmupWait   = 90 * time.Millisecond

	// 交接后音量复断言时刻表；个别平台会在换源后回放过期的音量值
	settleTargetVolume = 0.98
)

var settleDelays = []time.Duration{
	0,
	120 * time.Millisecond,
	320 * time.Millisecond,
	700 * time.Millisecond,
	1400 * time.Millisecond,
}

// Crossfade 等功率交叉淡入淡出到新源
//
// 在备用句柄上预载 src 并以低音量起播，原子交换 active（交换完成后
// 立即调用 onSwapped，让队列状态与引擎视角一致），随后做24步等功率
// 渐变，最后停掉出让方并反复断言接管方音量到位。
// speed/loopOne 会先同步到备用句柄，保证听感连续。
func (e *Engine) Crossfade(ctx context.Context, src Source, crossfade time.Duration, speed float64, loopOne bool, onSwapped func()) error {
	e.mu.Lock()
	if e.crossfading {
		e.mu.Unlock()
		return nil
	}
	e.crossfading = true
	outgoing := e.players[e.active]
	incoming := e.players[1-e.active]
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		e.crossfading = false
		e.mu.Unlock()
	}()

	// 备用句柄准备：停掉残留、对齐循环与速率、预载新源、压低音量
	if err := incoming.Stop(ctx); err != nil {
		logger.Debug("清理备用句柄失败", logger.ErrorField(err))
	}
	if err := incoming.SetLoopOne(ctx, loopOne); err != nil {
		logger.Debug("同步循环模式失败", logger.ErrorField(err))
	}
	if err := incoming.SetSpeed(ctx, speed); err != nil {
		logger.Debug("同步速率失败", logger.ErrorField(err))
	}
	if err := incoming.SetSource(ctx, src, true); err != nil {
		return err
	}
	if err := e.setVolumeTimeout(ctx, incoming, standbyWarmupVolume); err != nil {
		logger.Debug("预热音量写入失败", logger.ErrorField(err))
	}

	// 原子交换 active，外部从此刻起只看到新的活跃句柄
	e.mu.Lock()
	e.active = 1 - e.active
	e.fadeLatched = false
	e.mu.Unlock()
	if onSwapped != nil {
		onSwapped()
	}

	if err := incoming.Play(ctx); err != nil {
		return err
	}

	// 缓冲预热
	select {
	case <-time.After(standbyWarmupWait):
	case <-ctx.Done():
		return ctx.Err()
	}

	// 等功率渐变：out = cos(k/N·π/2)，in = sin(k/N·π/2)
	stepDur := crossfade / fadeSteps
	if stepDur < 10*time.Millisecond {
		stepDur = 10 * time.Millisecond
	} else if stepDur > 500*time.Millisecond {
		stepDur = 500 * time.Millisecond
	}

	for k := 1; k <= fadeSteps; k++ {
		if ctx.Err() != nil {
			break
		}
		phase := float64(k) / fadeSteps * math.Pi / 2
		outGain := math.Cos(phase)
		inGain := math.Sin(phase)

		// 单次写入失败只记录，渐变继续
		if err := e.setVolumeTimeout(ctx, outgoing, outGain); err != nil {
			logger.Debug("渐出音量写入失败", logger.Int("step", k), logger.ErrorField(err))
		}
		if err := e.setVolumeTimeout(ctx, incoming, inGain); err != nil {
			logger.Debug("渐入音量写入失败", logger.Int("step", k), logger.ErrorField(err))
		}

		select {
		case <-time.After(stepDur):
		case <-ctx.Done():
		}
	}

	e.settle(ctx, outgoing, incoming)
	return nil
}

// settle 渐变收尾：停掉出让方、两侧音量回1.0、按时刻表复断言接管方
func (e *Engine) settle(ctx context.Context, outgoing, incoming Backend) {
	// 出让方先停，再做接管方的最终音量断言
	if err := outgoing.Stop(ctx); err != nil {
		logger.Debug("停止出让句柄失败", logger.ErrorField(err))
	}
	if err := e.setVolumeTimeout(ctx, outgoing, 1.0); err != nil {
		logger.Debug("出让句柄音量复位失败", logger.ErrorField(err))
	}

	start := time.Now()
	for _, delay := range settleDelays {
		if wait := delay - time.Since(start); wait > 0 {
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return
			}
		}
		if err := e.setVolumeTimeout(ctx, incoming, 1.0); err != nil {
			logger.Debug("接管句柄音量断言失败", logger.ErrorField(err))
		}
		if incoming.Volume() >= settleTargetVolume {
			return
		}
	}
}
