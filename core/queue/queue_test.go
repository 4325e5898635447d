package queue

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NotMugil/Inzx/model"
)

func tracks(n int) []model.Track {
	out := make([]model.Track, n)
	for i := range out {
		out[i] = model.Track{ID: fmt.Sprintf("t%d", i), Title: fmt.Sprintf("Track %d", i)}
	}
	return out
}

func ids(ts []model.Track) []string {
	out := make([]string, len(ts))
	for i, t := range ts {
		out[i] = t.ID
	}
	return out
}

func TestEmptyQueueInvariant(t *testing.T) {
	q := New(1, nil)

	// current == -1 当且仅当队列为空
	cur, idx := q.Current()
	assert.Nil(t, cur)
	assert.Equal(t, -1, idx)
	assert.Zero(t, q.Len())

	q.Install(tracks(3), 0, "album:1")
	_, idx = q.Current()
	assert.Equal(t, 0, idx)

	q.Clear()
	cur, idx = q.Current()
	assert.Nil(t, cur)
	assert.Equal(t, -1, idx)
}

func TestInstallClampsStartIndex(t *testing.T) {
	q := New(1, nil)
	q.Install(tracks(3), 99, "")
	_, idx := q.Current()
	assert.Equal(t, 0, idx)

	q.Install(tracks(3), 2, "")
	_, idx = q.Current()
	assert.Equal(t, 2, idx)
}

func TestRevisionStrictlyIncreases(t *testing.T) {
	var seen []uint64
	q := New(1, func(rev uint64) { seen = append(seen, rev) })

	q.Install(tracks(3), 0, "")
	q.Append(tracks(2))
	q.SkipTo(1)
	q.RemoveAt(0)
	q.Clear()

	require.NotEmpty(t, seen)
	for i := 1; i < len(seen); i++ {
		assert.Greater(t, seen[i], seen[i-1], "revision must be strictly monotonic")
	}
}

func TestRemoveAtAdjustsCurrent(t *testing.T) {
	q := New(1, nil)
	q.Install(tracks(4), 2, "")

	// 删当前之前的：索引左移
	q.RemoveAt(0)
	cur, idx := q.Current()
	assert.Equal(t, 1, idx)
	assert.Equal(t, "t2", cur.ID)

	// 删末尾后的钳制
	q.SkipTo(2)
	q.RemoveAt(2)
	_, idx = q.Current()
	assert.Equal(t, 1, idx)

	assert.Equal(t, q.Len(), 2)
}

func TestReorderKeepsCurrentTrackIdentity(t *testing.T) {
	q := New(1, nil)
	q.Install(tracks(4), 1, "")

	q.Reorder(1, 3)
	cur, idx := q.Current()
	assert.Equal(t, "t1", cur.ID, "current must follow the moved track")
	assert.Equal(t, 3, idx)
}

func TestNextIndexRespectsLoopMode(t *testing.T) {
	q := New(1, nil)
	q.Install(tracks(3), 2, "")

	// LoopOff：队尾无下一曲
	_, ok := q.NextIndex()
	assert.False(t, ok)

	// LoopAll：回绕到0
	q.SetLoopMode(model.LoopAll)
	next, ok := q.NextIndex()
	require.True(t, ok)
	assert.Equal(t, 0, next)

	q.SkipTo(0)
	next, ok = q.NextIndex()
	require.True(t, ok)
	assert.Equal(t, 1, next)
}

func TestPrevIndexRespectsLoopMode(t *testing.T) {
	q := New(1, nil)
	q.Install(tracks(3), 0, "")

	_, ok := q.PrevIndex()
	assert.False(t, ok)

	q.SetLoopMode(model.LoopAll)
	prev, ok := q.PrevIndex()
	require.True(t, ok)
	assert.Equal(t, 2, prev)
}

func TestShuffleRoundTrip(t *testing.T) {
	q := New(42, nil)
	original := tracks(20)
	q.Install(original, 5, "")

	q.SetShuffle(true)
	shuffled, idx, _ := q.Snapshot()
	assert.Len(t, shuffled, 20)
	// 当前曲目移到位置0
	assert.Equal(t, 0, idx)
	assert.Equal(t, "t5", shuffled[0].ID)

	// 双重切换恢复原始顺序，当前曲目按身份重定位
	q.SetShuffle(false)
	restored, idx, _ := q.Snapshot()
	assert.Equal(t, ids(original), ids(restored))
	assert.Equal(t, 5, idx)
	assert.Equal(t, "t5", restored[5].ID)
}

func TestShuffleKeepsLengthsEqual(t *testing.T) {
	q := New(7, nil)
	q.Install(tracks(10), 0, "")
	q.SetShuffle(true)
	q.Append(tracks(3)[:1])

	items, _, _ := q.Snapshot()
	assert.Len(t, items, 11)
	// original_order 与 queue 长度保持一致
	q.SetShuffle(false)
	items, _, _ = q.Snapshot()
	assert.Len(t, items, 11)
}

func TestUpcomingTracks(t *testing.T) {
	q := New(1, nil)
	q.Install(tracks(5), 1, "")

	up := q.UpcomingTracks(2)
	require.Len(t, up, 2)
	assert.Equal(t, "t2", up[0].ID)
	assert.Equal(t, "t3", up[1].ID)

	assert.Equal(t, []string{"t2", "t3", "t4"}, q.UpcomingIDs(10))
}

func TestInsertNext(t *testing.T) {
	q := New(1, nil)
	q.Install(tracks(3), 1, "")

	q.InsertNext(model.Track{ID: "x"})
	items, _, _ := q.Snapshot()
	assert.Equal(t, []string{"t0", "t1", "x", "t2"}, ids(items))
}

func TestUpdateTrackDuration(t *testing.T) {
	q := New(1, nil)
	q.Install(tracks(2), 0, "")
	before := q.Revision()

	q.UpdateTrackDuration("t0", 182.5)
	cur, _ := q.Current()
	assert.Equal(t, 182.5, cur.Duration)
	assert.Greater(t, q.Revision(), before)

	// 相同时长不再bump
	rev := q.Revision()
	q.UpdateTrackDuration("t0", 182.5)
	assert.Equal(t, rev, q.Revision())
}
