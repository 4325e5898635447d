package queue

import (
	"context"
	"math/rand"
	"sync"
	"sync/atomic"

	"github.com/NotMugil/Inzx/core/resolver"
	"github.com/NotMugil/Inzx/logger"
	"github.com/NotMugil/Inzx/model"
)

const (
	// 队列剩余不超过该数量时触发电台扩展
	radioLowWatermark = 5

	// 单次向推荐服务请求的曲目数
	radioFetchLimit = 25
)

// RadioExtender 电台模式的队列自动扩展
//
// 记录已见过的曲目ID避免重复，按取数次数轮换种子获得多样性。
type RadioExtender struct {
	queue *Queue
	rec   resolver.Recommender

	mu         sync.Mutex
	seen       map[string]struct{}
	fetchCount uint32
	sourceID   string

	fetching atomic.Bool
	rng      *rand.Rand
}

// NewRadioExtender 创建电台扩展器
func NewRadioExtender(q *Queue, rec resolver.Recommender, seed int64) *RadioExtender {
	return &RadioExtender{
		queue: q,
		rec:   rec,
		seen:  make(map[string]struct{}),
		rng:   rand.New(rand.NewSource(seed)),
	}
}

// Reset 以初始曲目重置电台状态
func (r *RadioExtender) Reset(seed model.Track) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seen = map[string]struct{}{seed.ID: {}}
	r.fetchCount = 0
	r.sourceID = seed.ID
}

// SourceID 返回当前电台种子标识
func (r *RadioExtender) SourceID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sourceID
}

// IsFetching 是否正在拉取推荐
func (r *RadioExtender) IsFetching() bool {
	return r.fetching.Load()
}

// ShouldExtend 队列剩余曲目不足时返回 true
func (r *RadioExtender) ShouldExtend() bool {
	if r.fetching.Load() {
		return false
	}
	_, current := r.queue.Current()
	if current < 0 {
		return false
	}
	return r.queue.Len()-current-1 <= radioLowWatermark
}

// MaybeExtend 达到低水位且未在拉取时异步扩展
func (r *RadioExtender) MaybeExtend(ctx context.Context, onDone func(appended int)) {
	if !r.ShouldExtend() {
		return
	}
	if !r.fetching.CompareAndSwap(false, true) {
		return
	}
	go func() {
		defer r.fetching.Store(false)
		n, err := r.Extend(ctx)
		if err != nil {
			logger.Warn("电台扩展失败", logger.ErrorField(err))
		}
		if onDone != nil {
			onDone(n)
		}
	}()
}

// Extend 拉取相关曲目并追加，返回追加数量
//
// 种子选取：首次用初始种子；之后从队列末段30%里按取数次数轮换。
// 返回的曲目全部重复时换一个队列中段的随机种子，本轮不追加。
func (r *RadioExtender) Extend(ctx context.Context) (int, error) {
	seedID := r.pickSeed()
	if seedID == "" {
		return 0, nil
	}

	related, err := r.rec.Related(ctx, seedID, radioFetchLimit)
	if err != nil {
		return 0, err
	}

	r.mu.Lock()
	r.fetchCount++
	fresh := make([]model.Track, 0, len(related))
	for _, t := range related {
		if t.ID == "" {
			continue
		}
		if _, dup := r.seen[t.ID]; dup {
			continue
		}
		if r.queue.ContainsID(t.ID) {
			continue
		}
		r.seen[t.ID] = struct{}{}
		fresh = append(fresh, t)
	}
	r.mu.Unlock()

	if len(fresh) == 0 {
		// 全是重复：从队列中段随机换一个电台源标识
		r.rotateSeedFromMiddle()
		logger.Debug("电台扩展全部重复，已换种子",
			logger.String("seed", seedID),
			logger.String("newSourceId", r.SourceID()))
		return 0, nil
	}

	r.queue.Append(fresh)

	// 把电台源标识换成新批次中的一首；pickSeed 只在首次取数时使用源标识
	r.mu.Lock()
	r.sourceID = fresh[r.rng.Intn(len(fresh))].ID
	r.mu.Unlock()

	logger.Info("电台扩展完成",
		logger.String("seed", seedID),
		logger.Int("appended", len(fresh)),
		logger.Int("queueLen", r.queue.Len()))

	return len(fresh), nil
}

// pickSeed 选择本轮扩展的种子
func (r *RadioExtender) pickSeed() string {
	r.mu.Lock()
	fetchCount := r.fetchCount
	sourceID := r.sourceID
	r.mu.Unlock()

	if fetchCount == 0 {
		return sourceID
	}

	items, _, _ := r.queue.Snapshot()
	n := len(items)
	if n == 0 {
		return sourceID
	}

	// 末段30%里按取数次数轮换；队列很短时可能偏向队尾
	tailStart := n - n*30/100
	if tailStart >= n {
		tailStart = n - 1
	}
	span := n - tailStart
	idx := tailStart + int(fetchCount)%span
	return items[idx].ID
}

// rotateSeedFromMiddle 从队列中段随机挑一个新种子
func (r *RadioExtender) rotateSeedFromMiddle() {
	items, _, _ := r.queue.Snapshot()
	n := len(items)
	if n == 0 {
		return
	}

	lo := n / 4
	hi := n * 3 / 4
	if hi <= lo {
		lo, hi = 0, n
	}

	r.mu.Lock()
	r.sourceID = items[lo+r.rng.Intn(hi-lo)].ID
	r.mu.Unlock()
}
