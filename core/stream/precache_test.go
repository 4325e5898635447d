package stream

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NotMugil/Inzx/config"
	"github.com/NotMugil/Inzx/core/resolver"
	"github.com/NotMugil/Inzx/model"
)

type fixedQueue struct {
	tracks []model.Track
}

func (q fixedQueue) UpcomingTracks(n int) []model.Track {
	if n > len(q.tracks) {
		n = len(q.tracks)
	}
	return q.tracks[:n]
}

type staticClient struct {
	url  string
	size int64
}

func (c staticClient) Name() string { return "test" }

func (c staticClient) FetchVariants(ctx context.Context, trackID string) ([]resolver.StreamVariant, error) {
	return []resolver.StreamVariant{{
		URL:       c.url + "/" + trackID,
		Format:    model.AudioFormat{MimeType: "audio/webm", Bitrate: 128_000, ContentLength: c.size},
		ExpiresAt: time.Now().Add(time.Hour),
	}}, nil
}

type meteredProbe struct{}

func (meteredProbe) IsUnmetered() bool { return false }

func testSettings(maxConcurrent int, wifiOnly bool) func() config.Settings {
	return func() config.Settings {
		s := config.DefaultSettings()
		s.StreamCacheMaxConcurrent = maxConcurrent
		s.StreamCacheWifiOnly = wifiOnly
		return s
	}
}

func TestFifoSemRespectsLimit(t *testing.T) {
	var sem fifoSem
	var active, peak atomic.Int32

	const limit = 2
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			require.NoError(t, sem.acquire(context.Background(), limit))
			cur := active.Add(1)
			for {
				p := peak.Load()
				if cur <= p || peak.CompareAndSwap(p, cur) {
					break
				}
			}
			time.Sleep(10 * time.Millisecond)
			active.Add(-1)
			sem.release()
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, peak.Load(), int32(limit), "no more than limit downloads may be active")
	assert.Zero(t, sem.activeCount())
}

func TestFifoSemWakesWaitersInOrder(t *testing.T) {
	var sem fifoSem

	require.NoError(t, sem.acquire(context.Background(), 1))

	var order []int
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		i := i
		wg.Add(1)
		ready := make(chan struct{})
		go func() {
			defer wg.Done()
			close(ready)
			require.NoError(t, sem.acquire(context.Background(), 1))
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			sem.release()
		}()
		<-ready
		// 保证等待者按提交顺序排队
		time.Sleep(10 * time.Millisecond)
	}

	sem.release()
	wg.Wait()

	assert.Equal(t, []int{0, 1, 2, 3, 4}, order, "waiters must be woken FIFO")
}

func TestScheduleAheadFillsCache(t *testing.T) {
	body := testBody(minValidBody * 2)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(body)
	}))
	defer srv.Close()

	cache := newTestCache(t)
	res := resolver.New(staticClient{url: srv.URL, size: int64(len(body))})
	dl := NewDownloader(4, 1024, 5*time.Second)

	q := fixedQueue{tracks: []model.Track{{ID: "next1", Title: "Next"}}}
	p := NewPrecacher(res, cache, dl, DefaultProbe(), testSettings(2, false), q)

	p.ScheduleAhead(context.Background())

	key := CacheKey{TrackID: "next1", Quality: model.QualityAuto, Bitrate: 128_000}
	require.Eventually(t, func() bool {
		_, err := cache.OpenForRead(key)
		return err == nil
	}, 5*time.Second, 20*time.Millisecond, "upcoming track must land in the byte cache")

	assert.False(t, p.InFlight("next1"))
	assert.Equal(t, "audio/webm", cache.MimeType(key))
}

func TestScheduleAheadHonorsWifiOnly(t *testing.T) {
	cache := newTestCache(t)
	res := resolver.New(staticClient{url: "http://unused", size: 1})
	dl := NewDownloader(4, 1024, time.Second)

	q := fixedQueue{tracks: []model.Track{{ID: "next1"}}}
	p := NewPrecacher(res, cache, dl, meteredProbe{}, testSettings(2, true), q)

	p.ScheduleAhead(context.Background())
	time.Sleep(100 * time.Millisecond)

	usage, err := cache.UsageBytes()
	require.NoError(t, err)
	assert.Zero(t, usage, "wifi-only policy must suppress precache on metered links")
	assert.False(t, p.InFlight("next1"))
}

func TestScheduleAheadSkipsLocalFiles(t *testing.T) {
	cache := newTestCache(t)
	res := resolver.New(staticClient{url: "http://unused", size: 1})
	dl := NewDownloader(4, 1024, time.Second)

	local := writeWithHeader(t, t.TempDir(), "local.webm", []byte{0x1A, 0x45, 0xDF, 0xA3}, minValidBody)
	q := fixedQueue{tracks: []model.Track{{ID: "loc1", LocalFilePath: local}}}
	p := NewPrecacher(res, cache, dl, DefaultProbe(), testSettings(2, false), q)

	p.ScheduleAhead(context.Background())
	time.Sleep(100 * time.Millisecond)

	usage, err := cache.UsageBytes()
	require.NoError(t, err)
	assert.Zero(t, usage)
}
