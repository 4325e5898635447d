package playback

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NotMugil/Inzx/model"
)

// memoryStore 测试用内存实现（Redis实现见 cache 包）
type memoryStore struct {
	mu    sync.Mutex
	doc   *model.PersistedQueue
	flags map[string]bool
	saves int
}

func newMemoryStore() *memoryStore {
	return &memoryStore{flags: make(map[string]bool)}
}

func (s *memoryStore) Save(ctx context.Context, pq *model.PersistedQueue) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc := *pq
	s.doc = &doc
	s.saves++
	return nil
}

func (s *memoryStore) Load(ctx context.Context) (*model.PersistedQueue, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.doc == nil {
		return nil, nil
	}
	doc := *s.doc
	return &doc, nil
}

func (s *memoryStore) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.doc = nil
	return nil
}

func (s *memoryStore) SetFlag(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flags[name] = true
	return nil
}

func (s *memoryStore) HasFlag(ctx context.Context, name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flags[name]
}

func (s *memoryStore) saveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saves
}

func snapshotFor(queue []model.Track, index int, pos time.Duration, savedAt time.Time) func() *model.PersistedQueue {
	return func() *model.PersistedQueue {
		return &model.PersistedQueue{
			Version:      model.PersistedQueueVersion,
			Queue:        queue,
			CurrentIndex: index,
			PositionMs:   pos.Milliseconds(),
			SavedAtMs:    savedAt.UnixMilli(),
		}
	}
}

func testTracks() []model.Track {
	return []model.Track{{ID: "t1"}, {ID: "t2"}, {ID: "t3"}}
}

// 场景S6：5分钟内的快照恢复 (queue, current_index, position)
func TestSaveLoadRoundTrip(t *testing.T) {
	store := newMemoryStore()
	p := NewPersistor(store, snapshotFor(testTracks(), 1, 42*time.Second, time.Now()))

	require.NoError(t, p.SaveNow(context.Background()))

	restored, ok := p.Restore(context.Background())
	require.True(t, ok)
	assert.Equal(t, 1, restored.CurrentIndex)
	assert.Equal(t, int64(42_000), restored.PositionMs)
	require.Len(t, restored.Queue, 3)
	assert.Equal(t, "t2", restored.Queue[restored.CurrentIndex].ID)
}

// 场景S6：超过TTL的快照不恢复
func TestRestoreExpiredSnapshot(t *testing.T) {
	store := newMemoryStore()
	p := NewPersistor(store, snapshotFor(testTracks(), 1, 42*time.Second, time.Now().Add(-6*time.Minute)))
	require.NoError(t, p.SaveNow(context.Background()))

	_, ok := p.Restore(context.Background())
	assert.False(t, ok, "snapshot older than 5 minutes must be ignored")
}

func TestRestoreClampsIndex(t *testing.T) {
	store := newMemoryStore()
	p := NewPersistor(store, snapshotFor(testTracks(), 99, 0, time.Now()))
	require.NoError(t, p.SaveNow(context.Background()))

	restored, ok := p.Restore(context.Background())
	require.True(t, ok)
	assert.Equal(t, 2, restored.CurrentIndex)
}

func TestRestoreEmptyStore(t *testing.T) {
	p := NewPersistor(newMemoryStore(), snapshotFor(nil, -1, 0, time.Now()))
	_, ok := p.Restore(context.Background())
	assert.False(t, ok)
}

func TestDebouncedSaveCoalesces(t *testing.T) {
	store := newMemoryStore()
	p := NewPersistor(store, snapshotFor(testTracks(), 0, 0, time.Now()))
	defer p.Close()

	// 连续变更只产生一次保存
	for i := 0; i < 5; i++ {
		p.ScheduleDebounced()
		time.Sleep(10 * time.Millisecond)
	}

	require.Eventually(t, func() bool {
		return store.saveCount() == 1
	}, 5*time.Second, 50*time.Millisecond)

	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, 1, store.saveCount())
}

func TestPeriodicSaveThrottledAndForced(t *testing.T) {
	store := newMemoryStore()
	p := NewPersistor(store, snapshotFor(testTracks(), 0, time.Second, time.Now()))

	// 非播放状态不保存
	p.OnTick(false, time.Second)
	assert.Zero(t, store.saveCount())

	// 首次tick：间隔已满足（lastPeriodic零值），保存
	p.OnTick(true, time.Second)
	assert.Equal(t, 1, store.saveCount())

	// 5秒内的小幅位置变化被节流
	p.OnTick(true, 2*time.Second)
	assert.Equal(t, 1, store.saveCount())

	// 位置跳变≥15秒强制保存
	p.OnTick(true, 30*time.Second)
	assert.Equal(t, 2, store.saveCount())
}
