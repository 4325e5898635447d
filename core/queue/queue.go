package queue

import (
	"math/rand"
	"sync"

	"github.com/NotMugil/Inzx/model"
)

// Queue 播放队列模型
//
// 持有队列、原始顺序（退出随机播放时恢复）、当前索引、循环模式与
// 单调递增的修订号。每次变更修订号加一并通知持久化调度。
// 不变量：current == -1 当且仅当队列为空；len(items) == len(original)
// （电台追加的临界区除外）。
type Queue struct {
	mu       sync.RWMutex
	items    []model.Track
	original []model.Track
	current  int
	shuffle  bool
	loop     model.LoopMode
	sourceID string
	revision uint64

	rng *rand.Rand

	// onMutate 在每次变更后（解锁前）携带新修订号调用
	onMutate func(rev uint64)
}

// New 创建空队列
func New(seed int64, onMutate func(rev uint64)) *Queue {
	return &Queue{
		current:  -1,
		rng:      rand.New(rand.NewSource(seed)),
		onMutate: onMutate,
	}
}

// SetOnMutate 注册变更回调（控制器用来调度去抖持久化）
func (q *Queue) SetOnMutate(fn func(rev uint64)) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.onMutate = fn
}

func (q *Queue) bump() {
	q.revision++
	if q.onMutate != nil {
		q.onMutate(q.revision)
	}
}

// Install 安装新队列
func (q *Queue) Install(tracks []model.Track, startIndex int, sourceID string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.items = append([]model.Track(nil), tracks...)
	q.original = append([]model.Track(nil), tracks...)
	q.sourceID = sourceID
	q.shuffle = false

	if len(q.items) == 0 {
		q.current = -1
	} else if startIndex < 0 || startIndex >= len(q.items) {
		q.current = 0
	} else {
		q.current = startIndex
	}
	q.bump()
}

// Append 追加曲目到队尾（队列与原始顺序同步追加）
func (q *Queue) Append(tracks []model.Track) {
	if len(tracks) == 0 {
		return
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	q.items = append(q.items, tracks...)
	q.original = append(q.original, tracks...)
	if q.current == -1 {
		q.current = 0
	}
	q.bump()
}

// InsertNext 把曲目插到当前曲目之后
func (q *Queue) InsertNext(t model.Track) {
	q.mu.Lock()
	defer q.mu.Unlock()

	pos := q.current + 1
	if pos > len(q.items) {
		pos = len(q.items)
	}
	q.items = append(q.items[:pos], append([]model.Track{t}, q.items[pos:]...)...)
	q.original = append(q.original, t)
	if q.current == -1 {
		q.current = 0
	}
	q.bump()
}

// RemoveAt 移除指定位置的曲目
func (q *Queue) RemoveAt(i int) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if i < 0 || i >= len(q.items) {
		return
	}
	removed := q.items[i]
	q.items = append(q.items[:i], q.items[i+1:]...)

	for j, t := range q.original {
		if t.ID == removed.ID {
			q.original = append(q.original[:j], q.original[j+1:]...)
			break
		}
	}

	switch {
	case len(q.items) == 0:
		q.current = -1
	case i < q.current:
		q.current--
	case q.current >= len(q.items):
		q.current = len(q.items) - 1
	}
	q.bump()
}

// Reorder 把 oldIndex 的曲目移动到 newIndex
func (q *Queue) Reorder(oldIndex, newIndex int) {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := len(q.items)
	if oldIndex < 0 || oldIndex >= n || newIndex < 0 || newIndex >= n || oldIndex == newIndex {
		return
	}

	currentTrack := ""
	if q.current >= 0 {
		currentTrack = q.items[q.current].ID
	}

	t := q.items[oldIndex]
	q.items = append(q.items[:oldIndex], q.items[oldIndex+1:]...)
	q.items = append(q.items[:newIndex], append([]model.Track{t}, q.items[newIndex:]...)...)

	// 当前曲目按身份重新定位
	if currentTrack != "" {
		for i, it := range q.items {
			if it.ID == currentTrack {
				q.current = i
				break
			}
		}
	}
	q.bump()
}

// SkipTo 跳到指定索引
func (q *Queue) SkipTo(i int) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if i < 0 || i >= len(q.items) {
		return false
	}
	q.current = i
	q.bump()
	return true
}

// Clear 清空队列
func (q *Queue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.items = nil
	q.original = nil
	q.current = -1
	q.sourceID = ""
	q.shuffle = false
	q.bump()
}

// Current 返回当前曲目与索引
func (q *Queue) Current() (*model.Track, int) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	if q.current < 0 || q.current >= len(q.items) {
		return nil, -1
	}
	t := q.items[q.current]
	return &t, q.current
}

// Len 返回队列长度
func (q *Queue) Len() int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return len(q.items)
}

// Revision 返回当前修订号
func (q *Queue) Revision() uint64 {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.revision
}

// SourceID 返回播种此队列的歌单/专辑标识
func (q *Queue) SourceID() string {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.sourceID
}

// LoopMode 返回循环模式
func (q *Queue) LoopMode() model.LoopMode {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.loop
}

// SetLoopMode 设置循环模式
func (q *Queue) SetLoopMode(m model.LoopMode) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.loop = m
	q.bump()
}

// ShuffleEnabled 返回随机播放状态
func (q *Queue) ShuffleEnabled() bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.shuffle
}

// Snapshot 返回队列副本、当前索引与修订号
func (q *Queue) Snapshot() ([]model.Track, int, uint64) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	items := append([]model.Track(nil), q.items...)
	return items, q.current, q.revision
}

// UpcomingTracks 返回当前索引之后的至多 n 首曲目（预缓存候选）
func (q *Queue) UpcomingTracks(n int) []model.Track {
	q.mu.RLock()
	defer q.mu.RUnlock()

	if q.current < 0 {
		return nil
	}
	out := make([]model.Track, 0, n)
	for i := q.current + 1; i < len(q.items) && len(out) < n; i++ {
		out = append(out, q.items[i])
	}
	return out
}

// UpcomingIDs 返回当前索引之后至多 n 首曲目的ID（URL预取用）
func (q *Queue) UpcomingIDs(n int) []string {
	tracks := q.UpcomingTracks(n)
	ids := make([]string, len(tracks))
	for i, t := range tracks {
		ids[i] = t.ID
	}
	return ids
}

// NextIndex 按循环模式计算下一个索引
func (q *Queue) NextIndex() (int, bool) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	if len(q.items) == 0 {
		return -1, false
	}
	if q.current < len(q.items)-1 {
		return q.current + 1, true
	}
	if q.loop == model.LoopAll {
		return 0, true
	}
	return -1, false
}

// PrevIndex 按循环模式计算上一个索引
func (q *Queue) PrevIndex() (int, bool) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	if len(q.items) == 0 {
		return -1, false
	}
	if q.current > 0 {
		return q.current - 1, true
	}
	if q.loop == model.LoopAll {
		return len(q.items) - 1, true
	}
	return -1, false
}

// UpdateTrackDuration 回写播放器上报的权威时长
func (q *Queue) UpdateTrackDuration(trackID string, seconds float64) {
	q.mu.Lock()
	defer q.mu.Unlock()

	changed := false
	for i := range q.items {
		if q.items[i].ID == trackID && q.items[i].Duration != seconds {
			q.items[i] = q.items[i].WithDuration(seconds)
			changed = true
		}
	}
	for i := range q.original {
		if q.original[i].ID == trackID {
			q.original[i] = q.original[i].WithDuration(seconds)
		}
	}
	if changed {
		q.bump()
	}
}

// SetShuffle 开关随机播放
//
// 开启：Fisher-Yates 打乱副本，当前曲目移到位置0。
// 关闭：恢复原始顺序并按身份重新定位当前曲目，找不到时钳制到0。
func (q *Queue) SetShuffle(on bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if on == q.shuffle || len(q.items) == 0 {
		q.shuffle = on
		return
	}

	currentID := ""
	if q.current >= 0 {
		currentID = q.items[q.current].ID
	}

	if on {
		shuffled := append([]model.Track(nil), q.items...)
		// Fisher-Yates 洗牌
		for i := len(shuffled) - 1; i > 0; i-- {
			j := q.rng.Intn(i + 1)
			shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
		}
		// 当前曲目固定到位置0
		if currentID != "" {
			for i, t := range shuffled {
				if t.ID == currentID {
					shuffled[0], shuffled[i] = shuffled[i], shuffled[0]
					break
				}
			}
			q.current = 0
		}
		q.items = shuffled
		q.shuffle = true
	} else {
		q.items = append([]model.Track(nil), q.original...)
		q.shuffle = false
		q.current = 0
		if currentID != "" {
			for i, t := range q.items {
				if t.ID == currentID {
					q.current = i
					break
				}
			}
		}
	}
	q.bump()
}

// ContainsID 检查队列里是否已有该曲目
func (q *Queue) ContainsID(id string) bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	for _, t := range q.items {
		if t.ID == id {
			return true
		}
	}
	return false
}

// TrackAt 返回指定索引的曲目
func (q *Queue) TrackAt(i int) (*model.Track, bool) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if i < 0 || i >= len(q.items) {
		return nil, false
	}
	t := q.items[i]
	return &t, true
}
