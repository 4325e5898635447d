package stream

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testBody(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i % 251)
	}
	return b
}

// flakyServer 首次请求在 cutoff 字节后断流，续传请求用 Range 正常服务
func flakyServer(t *testing.T, body []byte, cutoff int) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "identity", r.Header.Get("Accept-Encoding"))

		rangeHeader := r.Header.Get("Range")
		if rangeHeader == "" {
			w.Header().Set("Content-Length", strconv.Itoa(len(body)))
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write(body[:cutoff])
			// 提前断开连接
			if f, ok := w.(http.Flusher); ok {
				f.Flush()
			}
			conn, _, err := w.(http.Hijacker).Hijack()
			if err == nil {
				conn.Close()
			}
			return
		}

		// Range: bytes=<start>-
		start, err := strconv.Atoi(strings.TrimSuffix(strings.TrimPrefix(rangeHeader, "bytes="), "-"))
		require.NoError(t, err)
		w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, len(body)-1, len(body)))
		w.Header().Set("Content-Length", strconv.Itoa(len(body)-start))
		w.WriteHeader(http.StatusPartialContent)
		_, _ = w.Write(body[start:])
	}))
}

// 场景S5：服务器声明4,000,000字节但在2,500,000后断流；
// 下载器必须用 Range: bytes=2500000- 续传并得到完整文件。
func TestSequentialRangeContinuation(t *testing.T) {
	const total = 4_000_000
	const cutoff = 2_500_000
	body := testBody(total)
	srv := flakyServer(t, body, cutoff)
	defer srv.Close()

	d := NewDownloader(4, 1024, 5*time.Second) // 阈值调高，强制走顺序路径
	dest := filepath.Join(t.TempDir(), "out.webm")

	n, err := d.Download(context.Background(), srv.URL, dest, 0, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(total), n)

	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	require.Len(t, got, total)
	assert.Equal(t, body, got)
}

func rangeServer(t *testing.T, body []byte) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rangeHeader := r.Header.Get("Range")
		if rangeHeader == "" {
			w.Header().Set("Content-Length", strconv.Itoa(len(body)))
			_, _ = w.Write(body)
			return
		}
		spec := strings.TrimPrefix(rangeHeader, "bytes=")
		parts := strings.SplitN(spec, "-", 2)
		start, err := strconv.Atoi(parts[0])
		require.NoError(t, err)
		end := len(body) - 1
		if parts[1] != "" {
			end, err = strconv.Atoi(parts[1])
			require.NoError(t, err)
		}
		chunk := body[start : end+1]
		w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end, len(body)))
		w.Header().Set("Content-Length", strconv.Itoa(len(chunk)))
		w.WriteHeader(http.StatusPartialContent)
		_, _ = w.Write(chunk)
	}))
}

// 分段下载合并结果必须与顺序GET完全一致
func TestParallelDownloadMerges(t *testing.T) {
	const total = 3 << 20
	body := testBody(total)
	srv := rangeServer(t, body)
	defer srv.Close()

	d := NewDownloader(4, 1, 5*time.Second)
	dest := filepath.Join(t.TempDir(), "out.webm")

	n, err := d.Download(context.Background(), srv.URL, dest, total, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(total), n)

	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, body, got)

	// 分段临时文件不得残留
	matches, err := filepath.Glob(dest + ".seg*.part")
	require.NoError(t, err)
	assert.Empty(t, matches)
}

// 服务器不支持Range（返回200）时并行路径失败，回退顺序下载仍然成功
func TestParallelFallsBackWhenRangeUnsupported(t *testing.T) {
	const total = 2 << 20
	body := testBody(total)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", strconv.Itoa(len(body)))
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(body)
	}))
	defer srv.Close()

	d := NewDownloader(4, 1, 5*time.Second)
	dest := filepath.Join(t.TempDir(), "out.webm")

	n, err := d.Download(context.Background(), srv.URL, dest, total, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(total), n)
}

func TestDownloadHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	d := NewDownloader(4, 1024, 5*time.Second)
	dest := filepath.Join(t.TempDir(), "out.webm")

	_, err := d.Download(context.Background(), srv.URL, dest, 0, nil)
	require.Error(t, err)
	assert.Equal(t, ErrHTTPStatus, DownloadKindOf(err))
}

func TestDownloadCancellation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "10000000")
		for i := 0; i < 1000; i++ {
			_, _ = w.Write(make([]byte, 10000))
			if f, ok := w.(http.Flusher); ok {
				f.Flush()
			}
			time.Sleep(5 * time.Millisecond)
		}
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	d := NewDownloader(4, 1024, 5*time.Second)
	dest := filepath.Join(t.TempDir(), "out.webm")

	_, err := d.Download(ctx, srv.URL, dest, 0, nil)
	require.Error(t, err)
	assert.Equal(t, ErrCancelled, DownloadKindOf(err))
}

func writeWithHeader(t *testing.T, dir, name string, head []byte, size int) string {
	t.Helper()
	body := make([]byte, size)
	copy(body, head)
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, body, 0644))
	return path
}

func TestValidateAudioFileMagicBytes(t *testing.T) {
	dir := t.TempDir()
	size := minValidBody + 10

	// m4a：ftyp 在偏移4
	m4a := writeWithHeader(t, dir, "ok.m4a", []byte{0, 0, 0, 32, 'f', 't', 'y', 'p'}, size)
	assert.NoError(t, ValidateAudioFile(m4a, 0))

	badM4a := writeWithHeader(t, dir, "bad.m4a", []byte("garbagegarbage"), size)
	err := ValidateAudioFile(badM4a, 0)
	require.Error(t, err)
	assert.Equal(t, ErrCorrupt, DownloadKindOf(err))

	// webm：EBML头
	webm := writeWithHeader(t, dir, "ok.webm", []byte{0x1A, 0x45, 0xDF, 0xA3}, size)
	assert.NoError(t, ValidateAudioFile(webm, 0))

	// opus in Ogg
	opus := writeWithHeader(t, dir, "ok.opus", []byte("OggS"), size)
	assert.NoError(t, ValidateAudioFile(opus, 0))

	// mp3：ID3 或同步字
	mp3 := writeWithHeader(t, dir, "ok.mp3", []byte("ID3"), size)
	assert.NoError(t, ValidateAudioFile(mp3, 0))
	sync := writeWithHeader(t, dir, "sync.mp3", []byte{0xFF, 0xFB}, size)
	assert.NoError(t, ValidateAudioFile(sync, 0))

	// 未知扩展名直接通过
	unknown := writeWithHeader(t, dir, "ok.flac", []byte("fLaC"), size)
	assert.NoError(t, ValidateAudioFile(unknown, 0))
}

func TestValidateAudioFileSizeRules(t *testing.T) {
	dir := t.TempDir()

	tiny := writeWithHeader(t, dir, "tiny.mp3", []byte("ID3"), 100)
	err := ValidateAudioFile(tiny, 0)
	require.Error(t, err)
	assert.Equal(t, ErrIncomplete, DownloadKindOf(err))

	// 已知预期体积：缺口≤5%可接受
	okSize := minValidBody * 100
	slightlyShort := writeWithHeader(t, dir, "short.mp3", []byte("ID3"), okSize-okSize/25) // 缺4%
	assert.NoError(t, ValidateAudioFile(slightlyShort, int64(okSize)))

	// 缺口>5%拒绝
	tooShort := writeWithHeader(t, dir, "tooshort.mp3", []byte("ID3"), okSize/2)
	err = ValidateAudioFile(tooShort, int64(okSize))
	require.Error(t, err)
	assert.Equal(t, ErrIncomplete, DownloadKindOf(err))
}
