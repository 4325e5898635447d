package player

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NotMugil/Inzx/model"
)

func testSource(id string) Source {
	track := model.Track{ID: id, Title: id}
	return Source{TrackID: id, URI: "/tmp/" + id + ".webm", IsLocal: true, Track: &track}
}

func TestHardSwitch(t *testing.T) {
	p0 := NewMockBackend()
	p1 := NewMockBackend()
	e := NewEngine(p0, p1)

	require.NoError(t, e.HardSwitch(context.Background(), testSource("t1")))

	assert.Equal(t, 1, p0.SetSourceN)
	assert.Equal(t, 1, p0.PlayN)
	assert.Equal(t, 1, p1.StopN, "standby player must be stopped before the switch")
	assert.True(t, p0.IsPlaying())
	assert.Same(t, Backend(p0), e.Active())
}

func TestShouldTriggerCrossfadeWindowAndLatch(t *testing.T) {
	p0 := NewMockBackend()
	p1 := NewMockBackend()
	e := NewEngine(p0, p1)

	// 场景S2的触发时刻：10s曲目、2s渐变，position=8.1s → remaining 1.9s ≤ 2.12s
	p0.SetDuration(10 * time.Second)
	p0.SetPosition(7 * time.Second)
	crossfade := 2 * time.Second

	assert.False(t, e.ShouldTriggerCrossfade(crossfade), "3s remaining is outside the window")

	p0.SetPosition(8100 * time.Millisecond)
	assert.True(t, e.ShouldTriggerCrossfade(crossfade))

	// 闩锁：同一个源只触发一次
	assert.False(t, e.ShouldTriggerCrossfade(crossfade))

	e.MarkSourceChanged()
	assert.True(t, e.ShouldTriggerCrossfade(crossfade))
}

func TestShouldTriggerCrossfadeDisabled(t *testing.T) {
	p0 := NewMockBackend()
	e := NewEngine(p0, NewMockBackend())
	p0.SetDuration(10 * time.Second)
	p0.SetPosition(9900 * time.Millisecond)

	assert.False(t, e.ShouldTriggerCrossfade(0), "crossfade 0 must never trigger")
}

// 场景S2：渐变换曲后 active 交换、接管方音量1.0、出让方已停止
func TestCrossfadeSwapsAndSettles(t *testing.T) {
	p0 := NewMockBackend()
	p1 := NewMockBackend()
	e := NewEngine(p0, p1)

	require.NoError(t, e.HardSwitch(context.Background(), testSource("t1")))

	swapped := false
	err := e.Crossfade(context.Background(), testSource("t2"), 240*time.Millisecond, 1.0, false, func() {
		swapped = true
		// 交换回调时 active 已指向接管方
		assert.Same(t, Backend(p1), e.Active())
	})
	require.NoError(t, err)

	assert.True(t, swapped)
	assert.Same(t, Backend(p1), e.Active())
	assert.False(t, e.IsCrossfading())

	// 接管方落在满音量，出让方已停止且音量复位
	assert.InDelta(t, 1.0, p1.Volume(), 0.001)
	assert.GreaterOrEqual(t, p0.StopN, 1)
	assert.InDelta(t, 1.0, p0.Volume(), 0.001)
	assert.True(t, p1.IsPlaying())

	// 接管方从预热音量开始爬升
	require.NotEmpty(t, p1.VolumeWrites)
	assert.InDelta(t, standbyWarmupVolume, p1.VolumeWrites[0], 0.001)
	// 渐入序列单调不减
	for i := 2; i < len(p1.VolumeWrites); i++ {
		assert.GreaterOrEqual(t, p1.VolumeWrites[i], p1.VolumeWrites[i-1]-0.001)
	}

	// 速率与循环已同步到接管方
	assert.Equal(t, 1.0, p1.Speed())
	assert.False(t, p1.LoopOne())
}

func TestCrossfadeRampHas24Steps(t *testing.T) {
	p0 := NewMockBackend()
	p1 := NewMockBackend()
	e := NewEngine(p0, p1)
	require.NoError(t, e.HardSwitch(context.Background(), testSource("t1")))

	require.NoError(t, e.Crossfade(context.Background(), testSource("t2"), 240*time.Millisecond, 1.0, false, nil))

	// 预热1次 + 24步渐入 + 收尾断言至少1次
	assert.GreaterOrEqual(t, len(p1.VolumeWrites), fadeSteps+2)
	// 出让方：24步渐出 + 复位1.0
	assert.GreaterOrEqual(t, len(p0.VolumeWrites), fadeSteps)
}

func TestAntiStallReassertsVolume(t *testing.T) {
	p0 := NewMockBackend()
	e := NewEngine(p0, NewMockBackend())

	// 平台悄悄把音量压到0.4
	require.NoError(t, p0.SetVolume(context.Background(), 0.4))
	p0.VolumeWrites = nil

	e.AntiStall(context.Background())
	assert.InDelta(t, 1.0, p0.Volume(), 0.001)

	// 800ms内的重复tick被限频
	require.NoError(t, p0.SetVolume(context.Background(), 0.4))
	e.AntiStall(context.Background())
	assert.InDelta(t, 0.4, p0.Volume(), 0.001, "anti-stall is rate limited to once per 800ms")
}

func TestAntiStallIgnoresHealthyVolume(t *testing.T) {
	p0 := NewMockBackend()
	e := NewEngine(p0, NewMockBackend())

	e.AntiStall(context.Background())
	assert.Empty(t, p0.VolumeWrites, "volume at 1.0 needs no reassertion")
}

func TestStopBothResetsVolumes(t *testing.T) {
	p0 := NewMockBackend()
	p1 := NewMockBackend()
	e := NewEngine(p0, p1)

	require.NoError(t, e.HardSwitch(context.Background(), testSource("t1")))
	require.NoError(t, p0.SetVolume(context.Background(), 0.3))

	e.StopBoth(context.Background())
	assert.GreaterOrEqual(t, p0.StopN, 1)
	assert.GreaterOrEqual(t, p1.StopN, 1)
	assert.InDelta(t, 1.0, p0.Volume(), 0.001)
	assert.InDelta(t, 1.0, p1.Volume(), 0.001)
	assert.False(t, p0.IsPlaying())
}

// 不变量4（active部分）：渐变前后都恰有一个active
func TestExactlyOneActive(t *testing.T) {
	p0 := NewMockBackend()
	p1 := NewMockBackend()
	e := NewEngine(p0, p1)

	assert.True(t, e.IsActive(0) != e.IsActive(1))
	require.NoError(t, e.Crossfade(context.Background(), testSource("t2"), 100*time.Millisecond, 1.0, false, nil))
	assert.True(t, e.IsActive(0) != e.IsActive(1))
}
