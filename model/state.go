package model

import "time"

// PlayerStatus 播放槽状态机
// Idle → Loading → (Ready | Error) → Playing ⇄ Paused → Buffering? → Completed
type PlayerStatus int

const (
	StatusIdle PlayerStatus = iota
	StatusLoading
	StatusReady
	StatusError
	StatusPlaying
	StatusPaused
	StatusBuffering
	StatusCompleted
)

func (s PlayerStatus) String() string {
	switch s {
	case StatusLoading:
		return "loading"
	case StatusReady:
		return "ready"
	case StatusError:
		return "error"
	case StatusPlaying:
		return "playing"
	case StatusPaused:
		return "paused"
	case StatusBuffering:
		return "buffering"
	case StatusCompleted:
		return "completed"
	default:
		return "idle"
	}
}

// PlaybackState is the observable state of the playback controller.
//
// Equality deliberately ignores Position and BufferedPosition so that
// high-frequency position ticks do not invalidate coarse subscribers;
// consumers that need raw position use the position stream instead.
type PlaybackState struct {
	CurrentTrack        *Track        `json:"currentTrack,omitempty"`
	Queue               []Track       `json:"queue"`
	QueueRevision       uint64        `json:"queueRevision"`
	CurrentIndex        int           `json:"currentIndex"`
	IsPlaying           bool          `json:"isPlaying"`
	IsBuffering         bool          `json:"isBuffering"`
	IsLoading           bool          `json:"isLoading"`
	Position            time.Duration `json:"position"`
	BufferedPosition    time.Duration `json:"bufferedPosition"`
	Duration            time.Duration `json:"duration,omitempty"`
	Speed               float64       `json:"speed"`
	LoopMode            LoopMode      `json:"loopMode"`
	ShuffleEnabled      bool          `json:"shuffleEnabled"`
	Error               string        `json:"error,omitempty"`
	AudioQuality        AudioQuality  `json:"audioQuality"`
	CurrentPlaybackData *PlaybackData `json:"currentPlaybackData,omitempty"`
	SourceID            string        `json:"sourceId,omitempty"`
	IsRadioMode         bool          `json:"isRadioMode"`
	IsFetchingRadio     bool          `json:"isFetchingRadio"`

	// 缓存与交叉淡入淡出设置快照
	CrossfadeMs        int  `json:"crossfadeMs"`
	CacheWifiOnly      bool `json:"cacheWifiOnly"`
	CacheLimitMB       int  `json:"cacheLimitMb"`
	CacheMaxConcurrent int  `json:"cacheMaxConcurrent"`
}

// Equal 比较两个状态是否等价，忽略 Position 和 BufferedPosition
func (s PlaybackState) Equal(o PlaybackState) bool {
	if s.QueueRevision != o.QueueRevision ||
		s.CurrentIndex != o.CurrentIndex ||
		s.IsPlaying != o.IsPlaying ||
		s.IsBuffering != o.IsBuffering ||
		s.IsLoading != o.IsLoading ||
		s.Duration != o.Duration ||
		s.Speed != o.Speed ||
		s.LoopMode != o.LoopMode ||
		s.ShuffleEnabled != o.ShuffleEnabled ||
		s.Error != o.Error ||
		s.AudioQuality != o.AudioQuality ||
		s.SourceID != o.SourceID ||
		s.IsRadioMode != o.IsRadioMode ||
		s.IsFetchingRadio != o.IsFetchingRadio ||
		s.CrossfadeMs != o.CrossfadeMs ||
		s.CacheWifiOnly != o.CacheWifiOnly ||
		s.CacheLimitMB != o.CacheLimitMB ||
		s.CacheMaxConcurrent != o.CacheMaxConcurrent {
		return false
	}
	if (s.CurrentTrack == nil) != (o.CurrentTrack == nil) {
		return false
	}
	if s.CurrentTrack != nil && s.CurrentTrack.ID != o.CurrentTrack.ID {
		return false
	}
	if (s.CurrentPlaybackData == nil) != (o.CurrentPlaybackData == nil) {
		return false
	}
	if s.CurrentPlaybackData != nil && s.CurrentPlaybackData.StreamURL != o.CurrentPlaybackData.StreamURL {
		return false
	}
	return true
}
