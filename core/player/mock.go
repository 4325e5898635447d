package player

import (
	"context"
	"sync"
	"time"

	"github.com/NotMugil/Inzx/model"
)

// MockBackend 测试用播放器句柄
// 不产生任何声音，记录全部命令，事件由测试通过 Emit* 注入。
type MockBackend struct {
	mu sync.Mutex

	src      *Source
	playing  bool
	volume   float64
	speed    float64
	loopOne  bool
	position time.Duration
	buffered time.Duration
	duration time.Duration

	events chan Event

	// 命令记录
	VolumeWrites []float64
	SetSourceN   int
	PlayN        int
	PauseN       int
	StopN        int
	SeekN        int

	// 注入的命令错误（如模拟 set_volume 卡死后的失败）
	VolumeErr error
}

// NewMockBackend 创建测试句柄
func NewMockBackend() *MockBackend {
	return &MockBackend{
		volume: 1.0,
		speed:  1.0,
		events: make(chan Event, eventBufferSize),
	}
}

func (b *MockBackend) SetSource(ctx context.Context, src Source, preload bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.src = &src
	b.position = 0
	b.duration = 0
	b.SetSourceN++
	return nil
}

func (b *MockBackend) Play(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.playing = true
	b.PlayN++
	return nil
}

func (b *MockBackend) Pause(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.playing = false
	b.PauseN++
	return nil
}

func (b *MockBackend) Stop(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.playing = false
	b.src = nil
	b.position = 0
	b.StopN++
	return nil
}

func (b *MockBackend) Seek(ctx context.Context, pos time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.position = pos
	b.SeekN++
	return nil
}

func (b *MockBackend) SetVolume(ctx context.Context, v float64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.VolumeErr != nil {
		return b.VolumeErr
	}
	b.volume = v
	b.VolumeWrites = append(b.VolumeWrites, v)
	return nil
}

func (b *MockBackend) Volume() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.volume
}

func (b *MockBackend) SetSpeed(ctx context.Context, s float64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.speed = s
	return nil
}

// Speed 返回当前速率（测试断言用）
func (b *MockBackend) Speed() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.speed
}

func (b *MockBackend) SetLoopOne(ctx context.Context, on bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.loopOne = on
	return nil
}

// LoopOne 返回单曲循环状态（测试断言用）
func (b *MockBackend) LoopOne() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.loopOne
}

// IsPlaying 返回是否处于播放态（测试断言用）
func (b *MockBackend) IsPlaying() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.playing
}

func (b *MockBackend) Events() <-chan Event { return b.events }

func (b *MockBackend) Position() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.position
}

func (b *MockBackend) BufferedPosition() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buffered
}

func (b *MockBackend) Duration() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.duration
}

func (b *MockBackend) CurrentSource() *Source {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.src
}

func (b *MockBackend) Close() error { return nil }

// SetPosition 测试注入当前位置
func (b *MockBackend) SetPosition(pos time.Duration) {
	b.mu.Lock()
	b.position = pos
	b.mu.Unlock()
}

// SetDuration 测试注入权威时长
func (b *MockBackend) SetDuration(d time.Duration) {
	b.mu.Lock()
	b.duration = d
	b.mu.Unlock()
}

// EmitStatus 注入状态事件
func (b *MockBackend) EmitStatus(s model.PlayerStatus) {
	pushEvent(b.events, Event{Type: EventStatus, Status: s})
}

// EmitPosition 注入位置tick
func (b *MockBackend) EmitPosition(pos time.Duration) {
	b.SetPosition(pos)
	pushEvent(b.events, Event{Type: EventPosition, Position: pos})
}

// EmitDuration 注入时长事件
func (b *MockBackend) EmitDuration(d time.Duration) {
	b.SetDuration(d)
	pushEvent(b.events, Event{Type: EventDuration, Duration: d})
}

// EmitCompleted 注入播完事件
func (b *MockBackend) EmitCompleted() {
	pushEvent(b.events, Event{Type: EventCompleted})
}

var _ Backend = (*MockBackend)(nil)
