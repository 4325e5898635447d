package stream

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NotMugil/Inzx/model"
)

func newTestCache(t *testing.T) *ByteCache {
	t.Helper()
	c, err := NewByteCache(t.TempDir())
	require.NoError(t, err)
	return c
}

func testKey(id string) CacheKey {
	return CacheKey{TrackID: id, Quality: model.QualityAuto, Bitrate: 128_000}
}

// writeBody 直接写一个已提交的缓存体
func writeBody(t *testing.T, c *ByteCache, key CacheKey, size int, mtime time.Time) string {
	t.Helper()
	path := filepath.Join(c.Dir(), key.fileName())
	require.NoError(t, os.WriteFile(path, make([]byte, size), 0644))
	require.NoError(t, os.Chtimes(path, mtime, mtime))
	return path
}

func TestOpenForReadMiss(t *testing.T) {
	c := newTestCache(t)
	_, err := c.OpenForRead(testKey("missing"))
	assert.ErrorIs(t, err, ErrNotCached)
}

func TestOpenForReadRejectsTinyBody(t *testing.T) {
	c := newTestCache(t)
	key := testKey("tiny")
	writeBody(t, c, key, 1024, time.Now())

	_, err := c.OpenForRead(key)
	assert.ErrorIs(t, err, ErrNotCached)

	// 无效残留应当被清掉
	_, statErr := os.Stat(filepath.Join(c.Dir(), key.fileName()))
	assert.True(t, os.IsNotExist(statErr))
}

func TestOpenForReadTouchesMtime(t *testing.T) {
	c := newTestCache(t)
	key := testKey("touch")
	old := time.Now().Add(-time.Hour)
	path := writeBody(t, c, key, minValidBody, old)

	got, err := c.OpenForRead(key)
	require.NoError(t, err)
	assert.Equal(t, path, got)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.True(t, info.ModTime().After(old.Add(30*time.Minute)), "mtime must be refreshed on use")
}

func TestReserveCommitRoundTrip(t *testing.T) {
	c := newTestCache(t)
	key := testKey("commit")

	slot, err := c.ReserveWrite(key)
	require.NoError(t, err)
	assert.True(t, c.InFlight(key))

	// 同键的第二个写入者必须退避
	_, err = c.ReserveWrite(key)
	assert.ErrorIs(t, err, ErrWriteInProgress)

	body := make([]byte, minValidBody+100)
	require.NoError(t, os.WriteFile(slot.Path, body, 0644))
	require.NoError(t, c.Commit(slot, int64(len(body)), int64(len(body)), "audio/webm"))

	assert.False(t, c.InFlight(key))
	path, err := c.OpenForRead(key)
	require.NoError(t, err)
	assert.FileExists(t, path)
	assert.Equal(t, "audio/webm", c.MimeType(key))

	// 临时文件不得残留
	assert.NoFileExists(t, slot.Path)
}

func TestCommitRejectsTooSmall(t *testing.T) {
	c := newTestCache(t)
	slot, err := c.ReserveWrite(testKey("small"))
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(slot.Path, make([]byte, 100), 0644))
	err = c.Commit(slot, 100, 0, "")
	assert.ErrorIs(t, err, ErrTooSmall)
	assert.NoFileExists(t, slot.Path)
}

func TestCommitRejectsLengthMismatch(t *testing.T) {
	c := newTestCache(t)
	slot, err := c.ReserveWrite(testKey("mismatch"))
	require.NoError(t, err)

	body := make([]byte, minValidBody)
	require.NoError(t, os.WriteFile(slot.Path, body, 0644))
	err = c.Commit(slot, int64(len(body)), int64(len(body))+500, "")
	assert.ErrorIs(t, err, ErrLengthMismatch)
	assert.NoFileExists(t, slot.Path)
}

func TestAbortCleansUp(t *testing.T) {
	c := newTestCache(t)
	key := testKey("abort")
	slot, err := c.ReserveWrite(key)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(slot.Path, make([]byte, 1000), 0644))

	c.Abort(slot)
	assert.NoFileExists(t, slot.Path)
	assert.False(t, c.InFlight(key))
}

func TestDeleteRemovesSidecars(t *testing.T) {
	c := newTestCache(t)
	key := testKey("sidecars")
	base := filepath.Join(c.Dir(), key.fileName())

	for _, suffix := range []string{"", ".mime", ".part", ".precache.part", ".seg0.part", ".seg3.part"} {
		require.NoError(t, os.WriteFile(base+suffix, []byte("x"), 0644))
	}

	require.NoError(t, c.Delete(key))
	for _, suffix := range []string{"", ".mime", ".part", ".precache.part", ".seg0.part", ".seg3.part"} {
		assert.NoFileExists(t, base+suffix)
	}
}

func TestUsageBytes(t *testing.T) {
	c := newTestCache(t)
	writeBody(t, c, testKey("a"), minValidBody, time.Now())
	writeBody(t, c, testKey("b"), minValidBody*2, time.Now())

	usage, err := c.UsageBytes()
	require.NoError(t, err)
	assert.Equal(t, int64(minValidBody*3), usage)
}

// 场景S4（按1/10缩小）：限额21MiB，10个3MiB缓存体按mtime递增，
// 淘汰后恰好最旧的3个被删，总量回到限额内。
func TestEnforceLimitEvictsOldestFirst(t *testing.T) {
	c := newTestCache(t)

	const bodySize = 3 << 20 // 30MiB → 3MiB 缩放
	base := time.Now().Add(-time.Hour)
	keys := make([]CacheKey, 10)
	for i := 0; i < 10; i++ {
		keys[i] = testKey(string(rune('a' + i)))
		writeBody(t, c, keys[i], bodySize, base.Add(time.Duration(i)*time.Minute))
	}

	limit := int64(21 << 20)
	require.NoError(t, c.EnforceLimit(limit))

	for i, key := range keys {
		path := filepath.Join(c.Dir(), key.fileName())
		if i < 3 {
			assert.NoFileExists(t, path, "oldest entry %d must be evicted", i)
		} else {
			assert.FileExists(t, path, "newer entry %d must survive", i)
		}
	}

	usage, err := c.UsageBytes()
	require.NoError(t, err)
	assert.LessOrEqual(t, usage, limit)
}

func TestEnforceLimitSkipsInFlightKeys(t *testing.T) {
	c := newTestCache(t)
	key := testKey("busy")
	writeBody(t, c, key, 2<<20, time.Now().Add(-time.Hour))

	slot, err := c.ReserveWrite(key)
	require.NoError(t, err)
	defer c.Abort(slot)

	require.NoError(t, c.EnforceLimit(1))
	assert.FileExists(t, filepath.Join(c.Dir(), key.fileName()), "in-flight key must never be evicted")
}

func TestClearAll(t *testing.T) {
	c := newTestCache(t)
	writeBody(t, c, testKey("x"), minValidBody, time.Now())
	writeBody(t, c, testKey("y"), minValidBody, time.Now())

	require.NoError(t, c.ClearAll())
	usage, err := c.UsageBytes()
	require.NoError(t, err)
	assert.Zero(t, usage)
}
