package player

import (
	"context"
	"time"

	"github.com/NotMugil/Inzx/model"
)

// Source 可供播放器消费的音频来源
type Source struct {
	TrackID  string
	URI      string // 本地文件路径、回环代理URL或直连流URL
	IsLocal  bool
	ViaProxy bool // 经由回环缓存代理

	Track        *model.Track
	PlaybackData *model.PlaybackData
}

// EventType 播放器事件类型
type EventType int

const (
	// EventStatus 播放状态变化（Ready/Playing/Paused/Buffering/Error）
	EventStatus EventType = iota
	// EventPosition 位置tick
	EventPosition
	// EventDuration 权威时长已知
	EventDuration
	// EventCompleted 当前源自然播完
	EventCompleted
)

// Event 播放器句柄上报的事件
type Event struct {
	Type     EventType
	Status   model.PlayerStatus
	Position time.Duration
	Duration time.Duration
	Err      error
}

// Backend 单个音频播放器句柄
//
// 所有命令只从控制器任务调用；事件流通过有界通道异步送达，
// 溢出时丢弃最旧事件而不是阻塞音频后端。
type Backend interface {
	SetSource(ctx context.Context, src Source, preload bool) error
	Play(ctx context.Context) error
	Pause(ctx context.Context) error
	Stop(ctx context.Context) error
	Seek(ctx context.Context, pos time.Duration) error
	SetVolume(ctx context.Context, v float64) error
	Volume() float64
	SetSpeed(ctx context.Context, s float64) error
	SetLoopOne(ctx context.Context, on bool) error

	Events() <-chan Event
	Position() time.Duration
	BufferedPosition() time.Duration
	Duration() time.Duration
	CurrentSource() *Source

	Close() error
}

// 事件通道容量；写满时丢最旧
const eventBufferSize = 32

// pushEvent 向有界通道写入事件，必要时丢弃最旧的一条
func pushEvent(ch chan Event, ev Event) {
	select {
	case ch <- ev:
	default:
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- ev:
		default:
		}
	}
}
