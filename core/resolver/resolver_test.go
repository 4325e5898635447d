package resolver

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NotMugil/Inzx/model"
)

type fakeClient struct {
	name     string
	variants []StreamVariant
	err      error
	calls    atomic.Int32
}

func (f *fakeClient) Name() string { return f.name }

func (f *fakeClient) FetchVariants(ctx context.Context, trackID string) ([]StreamVariant, error) {
	f.calls.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	return f.variants, nil
}

func variant(bitrate int, mime string) StreamVariant {
	return StreamVariant{
		URL:       fmt.Sprintf("http://cdn.example/%s/%d", mime, bitrate),
		Format:    model.AudioFormat{MimeType: mime, Bitrate: bitrate, ContentLength: 1 << 20},
		ExpiresAt: time.Now().Add(time.Hour),
	}
}

func TestResolveCachesByIDAndQuality(t *testing.T) {
	c := &fakeClient{name: "web", variants: []StreamVariant{variant(128_000, "audio/webm")}}
	r := New(c)

	pd1, err := r.Resolve(context.Background(), "t1", model.QualityAuto, false)
	require.NoError(t, err)
	require.NotNil(t, pd1)

	pd2, err := r.Resolve(context.Background(), "t1", model.QualityAuto, false)
	require.NoError(t, err)
	assert.Equal(t, pd1.StreamURL, pd2.StreamURL)
	assert.Equal(t, int32(1), c.calls.Load(), "second resolve must hit the cache")

	// 不同音质是独立的缓存键
	_, err = r.Resolve(context.Background(), "t1", model.QualityLow, false)
	require.NoError(t, err)
	assert.Equal(t, int32(2), c.calls.Load())

	assert.True(t, r.HasCached("t1", model.QualityAuto))
	r.Clear("t1")
	assert.False(t, r.HasCached("t1", model.QualityAuto))
}

func TestResolveFallsBackAcrossClients(t *testing.T) {
	bad := &fakeClient{name: "web", err: &ResolveError{Kind: ErrUnresolvable, TrackID: "t1"}}
	good := &fakeClient{name: "mobile", variants: []StreamVariant{variant(128_000, "audio/mp4")}}
	r := New(bad, good)

	pd, err := r.Resolve(context.Background(), "t1", model.QualityAuto, false)
	require.NoError(t, err)
	assert.Contains(t, pd.StreamURL, "cdn.example")
	assert.Equal(t, int32(1), bad.calls.Load())
	assert.Equal(t, int32(1), good.calls.Load())

	// web 失败后被记为近期失败，mobile 经回退成功
	r.Clear("t1")
	bad.err = nil
	bad.variants = []StreamVariant{variant(64_000, "audio/webm")}
	// 首次成功已重置失败记录，顺序应恢复 web 优先
	_, err = r.Resolve(context.Background(), "t2", model.QualityAuto, false)
	require.NoError(t, err)
	assert.Equal(t, int32(2), bad.calls.Load())
}

func TestResolveAllClientsFailed(t *testing.T) {
	r := New(
		&fakeClient{name: "web", err: &ResolveError{Kind: ErrUnresolvable, TrackID: "t1"}},
		&fakeClient{name: "mobile", err: &ResolveError{Kind: ErrUnresolvable, TrackID: "t1"}},
	)

	_, err := r.Resolve(context.Background(), "t1", model.QualityAuto, false)
	require.Error(t, err)
	assert.Equal(t, ErrUnresolvable, KindOf(err))
}

func TestResolveExpiredEntryIsReResolved(t *testing.T) {
	c := &fakeClient{name: "web", variants: []StreamVariant{{
		URL:       "http://cdn.example/expired",
		Format:    model.AudioFormat{MimeType: "audio/webm", Bitrate: 128_000},
		ExpiresAt: time.Now().Add(20 * time.Millisecond),
	}}}
	r := New(c)

	_, err := r.Resolve(context.Background(), "t1", model.QualityAuto, false)
	require.NoError(t, err)

	time.Sleep(30 * time.Millisecond)

	// 过期条目不可再发出，必须重新解析
	c.variants = []StreamVariant{variant(128_000, "audio/webm")}
	pd, err := r.Resolve(context.Background(), "t1", model.QualityAuto, false)
	require.NoError(t, err)
	assert.False(t, pd.Expired())
	assert.Equal(t, int32(2), c.calls.Load())
}

func TestRefreshDropsCacheFirst(t *testing.T) {
	c := &fakeClient{name: "web", variants: []StreamVariant{variant(128_000, "audio/webm")}}
	r := New(c)

	_, err := r.Resolve(context.Background(), "t1", model.QualityAuto, false)
	require.NoError(t, err)
	_, err = r.Refresh(context.Background(), "t1", model.QualityAuto, false)
	require.NoError(t, err)
	assert.Equal(t, int32(2), c.calls.Load())
}

func TestClearAll(t *testing.T) {
	c := &fakeClient{name: "web", variants: []StreamVariant{variant(128_000, "audio/webm")}}
	r := New(c)

	_, _ = r.Resolve(context.Background(), "t1", model.QualityAuto, false)
	_, _ = r.Resolve(context.Background(), "t2", model.QualityAuto, false)
	assert.Equal(t, 2, r.CachedCount())

	r.ClearAll()
	assert.Equal(t, 0, r.CachedCount())
}
