package queue

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NotMugil/Inzx/model"
)

type fakeRecommender struct {
	batches [][]model.Track
	seeds   []string
}

func (f *fakeRecommender) Related(ctx context.Context, seedID string, limit int) ([]model.Track, error) {
	f.seeds = append(f.seeds, seedID)
	if len(f.batches) == 0 {
		return nil, nil
	}
	batch := f.batches[0]
	f.batches = f.batches[1:]
	if len(batch) > limit {
		batch = batch[:limit]
	}
	return batch, nil
}

func related(prefix string, n int) []model.Track {
	out := make([]model.Track, n)
	for i := range out {
		out[i] = model.Track{ID: fmt.Sprintf("%s%d", prefix, i), Title: prefix}
	}
	return out
}

// 场景S3：扩展追加的曲目不得与种子或现有队列重复
func TestExtendFiltersDuplicates(t *testing.T) {
	q := New(1, nil)
	seed := model.Track{ID: "seed", Title: "Seed"}
	q.Install([]model.Track{seed}, 0, "")

	rec := &fakeRecommender{batches: [][]model.Track{
		{{ID: "seed"}, {ID: "r0"}, {ID: "r1"}, {ID: "r0"}},
	}}
	r := NewRadioExtender(q, rec, 7)
	r.Reset(seed)

	n, err := r.Extend(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	items, _, _ := q.Snapshot()
	assert.Equal(t, []string{"seed", "r0", "r1"}, func() []string {
		out := make([]string, len(items))
		for i, it := range items {
			out[i] = it.ID
		}
		return out
	}())

	// 后续扩展也不得重复已见过的ID
	rec.batches = [][]model.Track{{{ID: "r1"}, {ID: "r2"}}}
	n, err = r.Extend(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 4, q.Len())
}

func TestExtendAllDuplicatesRotatesSeed(t *testing.T) {
	q := New(1, nil)
	seed := model.Track{ID: "seed"}
	q.Install([]model.Track{seed}, 0, "")

	rec := &fakeRecommender{batches: [][]model.Track{
		related("a", 6),
		{{ID: "a0"}, {ID: "a1"}}, // 全部重复
	}}
	r := NewRadioExtender(q, rec, 7)
	r.Reset(seed)

	_, err := r.Extend(context.Background())
	require.NoError(t, err)
	beforeSource := r.SourceID()
	beforeLen := q.Len()

	n, err := r.Extend(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n, "all-duplicate batch must not append")
	assert.Equal(t, beforeLen, q.Len())

	// 换了种子以提升多样性
	_ = beforeSource
	assert.NotEmpty(t, r.SourceID())
}

func TestShouldExtendWatermark(t *testing.T) {
	q := New(1, nil)
	q.Install(tracks(10), 0, "")
	r := NewRadioExtender(q, &fakeRecommender{}, 7)

	// 剩余9首 > 5，不触发
	assert.False(t, r.ShouldExtend())

	q.SkipTo(4)
	// 剩余5首，触发
	assert.True(t, r.ShouldExtend())

	q.SkipTo(9)
	assert.True(t, r.ShouldExtend())
}

func TestFirstExtendUsesInitialSeed(t *testing.T) {
	q := New(1, nil)
	seed := model.Track{ID: "seed"}
	q.Install([]model.Track{seed}, 0, "")

	rec := &fakeRecommender{batches: [][]model.Track{related("b", 3)}}
	r := NewRadioExtender(q, rec, 7)
	r.Reset(seed)

	_, err := r.Extend(context.Background())
	require.NoError(t, err)
	require.NotEmpty(t, rec.seeds)
	assert.Equal(t, "seed", rec.seeds[0])
}

func TestLaterExtendPicksSeedFromTail(t *testing.T) {
	q := New(1, nil)
	seed := model.Track{ID: "seed"}
	q.Install([]model.Track{seed}, 0, "")

	rec := &fakeRecommender{batches: [][]model.Track{
		related("c", 10),
		related("d", 5),
	}}
	r := NewRadioExtender(q, rec, 7)
	r.Reset(seed)

	_, err := r.Extend(context.Background())
	require.NoError(t, err)
	// 第二次选种时的队列（第二批追加之前）
	items, _, _ := q.Snapshot()
	_, err = r.Extend(context.Background())
	require.NoError(t, err)

	require.Len(t, rec.seeds, 2)
	// 第二次的种子来自当时队列末段30%
	tail := items[len(items)-len(items)*30/100:]
	found := false
	for _, it := range tail {
		if it.ID == rec.seeds[1] {
			found = true
			break
		}
	}
	assert.True(t, found, "second seed %s must come from the queue tail", rec.seeds[1])
}
