package stream

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/sourcegraph/conc"
	"golang.org/x/time/rate"

	"github.com/NotMugil/Inzx/logger"
)

const (
	// 模拟近期官方移动端的 User-Agent
	downloadUserAgent = "com.google.android.apps.youtube.music/7.31.52 (Linux; U; Android 14) gzip"

	// 分段下载的最小分段粒度
	segmentGranularity = 512 << 10

	// 顺序下载的续传参数
	rangeRetrySleep  = 500 * time.Millisecond
	maxRangeAttempts = 10
	maxRetryBudget   = 5

	// 进度回调节流
	progressMinInterval = 100 * time.Millisecond

	copyChunkSize = 64 << 10
)

// DownloadErrorKind 下载错误分类
type DownloadErrorKind int

const (
	// ErrNetworkTransient 可重试的网络错误（按错误类型识别，不靠消息文本）
	ErrNetworkTransient DownloadErrorKind = iota
	// ErrHTTPStatus 服务器返回了非 200/206 状态码
	ErrHTTPStatus
	// ErrIncomplete 下载体缺口超出容忍
	ErrIncomplete
	// ErrCorrupt 文件头校验失败
	ErrCorrupt
	// ErrCancelled 任务被取消
	ErrCancelled
)

func (k DownloadErrorKind) String() string {
	switch k {
	case ErrHTTPStatus:
		return "http_status"
	case ErrIncomplete:
		return "incomplete"
	case ErrCorrupt:
		return "corrupt"
	case ErrCancelled:
		return "cancelled"
	default:
		return "network_transient"
	}
}

// DownloadError 携带分类的下载错误
type DownloadError struct {
	Kind           DownloadErrorKind
	StatusCode     int
	MissingPercent float64
	Err            error
}

func (e *DownloadError) Error() string {
	switch e.Kind {
	case ErrHTTPStatus:
		return fmt.Sprintf("下载失败: 状态码 %d", e.StatusCode)
	case ErrIncomplete:
		return fmt.Sprintf("下载不完整: 缺失 %.1f%%", e.MissingPercent)
	default:
		if e.Err != nil {
			return fmt.Sprintf("下载失败 (%s): %v", e.Kind, e.Err)
		}
		return fmt.Sprintf("下载失败 (%s)", e.Kind)
	}
}

func (e *DownloadError) Unwrap() error { return e.Err }

// DownloadKindOf 返回错误的下载分类
func DownloadKindOf(err error) DownloadErrorKind {
	var de *DownloadError
	if errors.As(err, &de) {
		return de.Kind
	}
	if errors.Is(err, context.Canceled) {
		return ErrCancelled
	}
	return ErrNetworkTransient
}

// ProgressFunc 下载进度回调 (已下载字节, 预期总字节；总字节未知时为0)
type ProgressFunc func(downloaded, total int64)

// Downloader 音频体下载器
// 已知体积且达到阈值时并行分段下载，否则顺序下载并在服务器
// 提前断流时用 Range 续传。
type Downloader struct {
	client           *http.Client
	partCount        int
	minParallelBytes int64
}

// NewDownloader 创建下载器
// partCount 为并行分段数上限 [2,8]，minParallelMB 为启用分段的最小体积。
func NewDownloader(partCount, minParallelMB int, connectTimeout time.Duration) *Downloader {
	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout: connectTimeout,
		}).DialContext,
		TLSHandshakeTimeout:   connectTimeout,
		ResponseHeaderTimeout: connectTimeout,
		DisableCompression:    true,
	}
	return &Downloader{
		client:           &http.Client{Transport: transport},
		partCount:        partCount,
		minParallelBytes: int64(minParallelMB) << 20,
	}
}

// Download 把 url 的完整音频体写入 dest，返回写入字节数
// expected 为预期体积（0表示未知）。progress 可为 nil，下载中的回调间隔不小于100ms，
// 成功结束时另有一次不节流的最终回调。
func (d *Downloader) Download(ctx context.Context, url, dest string, expected int64, progress ProgressFunc) (int64, error) {
	throttled := throttleProgress(progress)

	if expected >= d.minParallelBytes && expected >= 1<<20 && d.partCount >= 2 {
		n, err := d.downloadParallel(ctx, url, dest, expected, throttled)
		if err == nil {
			if progress != nil {
				progress(n, expected)
			}
			return n, nil
		}
		if DownloadKindOf(err) == ErrCancelled {
			return 0, err
		}
		logger.Warn("并行分段下载失败，回退顺序下载",
			logger.String("dest", filepath.Base(dest)),
			logger.ErrorField(err))
	}

	n, err := d.downloadSequential(ctx, url, dest, expected, throttled)
	if err != nil {
		return n, err
	}
	if progress != nil {
		progress(n, expected)
	}
	return n, nil
}

// throttleProgress 用限流器包装进度回调
func throttleProgress(progress ProgressFunc) ProgressFunc {
	if progress == nil {
		return nil
	}
	lim := rate.NewLimiter(rate.Every(progressMinInterval), 1)
	return func(downloaded, total int64) {
		if lim.Allow() {
			progress(downloaded, total)
		}
	}
}

// downloadParallel 并行分段下载并按序合并
// 分段数 P = min(配置值, max(2, expected/512KiB))，余数摊到前面的分段。
// 每段要求 206 且长度精确；任一段失败则整体失败（调用方回退顺序下载）。
func (d *Downloader) downloadParallel(ctx context.Context, url, dest string, expected int64, progress ProgressFunc) (int64, error) {
	maxParts := expected / segmentGranularity
	if maxParts < 2 {
		maxParts = 2
	}
	parts := int64(d.partCount)
	if parts > maxParts {
		parts = maxParts
	}

	base := expected / parts
	remainder := expected % parts

	type segment struct {
		index      int
		start, end int64 // 闭区间
		path       string
	}

	segments := make([]segment, 0, parts)
	var offset int64
	for i := int64(0); i < parts; i++ {
		size := base
		if i < remainder {
			size++
		}
		seg := segment{
			index: int(i),
			start: offset,
			end:   offset + size - 1,
			path:  fmt.Sprintf("%s.seg%d.part", dest, i),
		}
		segments = append(segments, seg)
		offset += size
	}

	cleanup := func() {
		for _, s := range segments {
			_ = os.Remove(s.path)
		}
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var downloadedTotal atomic.Int64
	errs := make([]error, len(segments))

	var wg conc.WaitGroup
	for i := range segments {
		i := i
		seg := segments[i]
		wg.Go(func() {
			var lastReported int64
			n, err := d.downloadRange(ctx, url, seg.path, seg.start, seg.end, func(segTotal int64) {
				downloadedTotal.Add(segTotal - lastReported)
				lastReported = segTotal
				if progress != nil {
					progress(downloadedTotal.Load(), expected)
				}
			})
			if err != nil {
				errs[i] = err
				cancel()
				return
			}
			want := seg.end - seg.start + 1
			if n != want {
				errs[i] = &DownloadError{Kind: ErrIncomplete,
					MissingPercent: float64(want-n) / float64(want) * 100,
					Err:            fmt.Errorf("分段 %d 长度不符: %d != %d", seg.index, n, want)}
				cancel()
			}
		})
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			cleanup()
			if ctx.Err() != nil && DownloadKindOf(err) == ErrCancelled {
				continue
			}
			return 0, err
		}
	}
	if err := ctx.Err(); err != nil {
		cleanup()
		for _, e := range errs {
			if e != nil {
				return 0, e
			}
		}
		return 0, &DownloadError{Kind: ErrCancelled, Err: err}
	}

	// 按序合并
	out, err := os.Create(dest)
	if err != nil {
		cleanup()
		return 0, &DownloadError{Kind: ErrNetworkTransient, Err: fmt.Errorf("创建目标文件失败: %w", err)}
	}

	var merged int64
	for _, seg := range segments {
		in, err := os.Open(seg.path)
		if err != nil {
			out.Close()
			cleanup()
			return 0, &DownloadError{Kind: ErrNetworkTransient, Err: fmt.Errorf("打开分段失败: %w", err)}
		}
		n, err := io.Copy(out, in)
		in.Close()
		if err != nil {
			out.Close()
			cleanup()
			return 0, &DownloadError{Kind: ErrNetworkTransient, Err: fmt.Errorf("合并分段失败: %w", err)}
		}
		merged += n
	}
	if err := out.Close(); err != nil {
		cleanup()
		return 0, &DownloadError{Kind: ErrNetworkTransient, Err: fmt.Errorf("关闭目标文件失败: %w", err)}
	}
	cleanup()

	if merged != expected {
		_ = os.Remove(dest)
		return 0, &DownloadError{Kind: ErrIncomplete,
			MissingPercent: float64(expected-merged) / float64(expected) * 100,
			Err:            fmt.Errorf("合并结果 %d 字节，预期 %d", merged, expected)}
	}

	logger.Debug("并行分段下载完成",
		logger.String("dest", filepath.Base(dest)),
		logger.Int("parts", len(segments)),
		logger.Int64("bytes", merged))

	return merged, nil
}

// downloadRange 下载单个闭区间分段到独立文件，要求206与精确长度
func (d *Downloader) downloadRange(ctx context.Context, url, path string, start, end int64, onChunk func(int64)) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, &DownloadError{Kind: ErrNetworkTransient, Err: err}
	}
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", start, end))
	setDownloadHeaders(req)

	resp, err := d.client.Do(req)
	if err != nil {
		return 0, classifyRequestError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusPartialContent {
		return 0, &DownloadError{Kind: ErrHTTPStatus, StatusCode: resp.StatusCode}
	}

	out, err := os.Create(path)
	if err != nil {
		return 0, &DownloadError{Kind: ErrNetworkTransient, Err: fmt.Errorf("创建分段文件失败: %w", err)}
	}
	defer out.Close()

	return copyWithCancel(ctx, out, resp.Body, onChunk)
}

// downloadSequential 顺序下载，服务器提前断流时用 Range 续传
//
// 续传最多 maxRangeAttempts 次、错误重试预算 maxRetryBudget 次，
// 每次续传前休眠 rangeRetrySleep；空的续传响应视为 EOF 结束。
func (d *Downloader) downloadSequential(ctx context.Context, url, dest string, expected int64, progress ProgressFunc) (int64, error) {
	out, err := os.Create(dest)
	if err != nil {
		return 0, &DownloadError{Kind: ErrNetworkTransient, Err: fmt.Errorf("创建目标文件失败: %w", err)}
	}
	defer out.Close()

	var downloaded int64
	rangeAttempts := 0
	retryBudget := maxRetryBudget

	for {
		if err := ctx.Err(); err != nil {
			return downloaded, &DownloadError{Kind: ErrCancelled, Err: err}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return downloaded, &DownloadError{Kind: ErrNetworkTransient, Err: err}
		}
		setDownloadHeaders(req)
		if downloaded > 0 {
			req.Header.Set("Range", fmt.Sprintf("bytes=%d-", downloaded))
		}

		resp, err := d.client.Do(req)
		if err != nil {
			de := classifyRequestError(err)
			if DownloadKindOf(de) == ErrCancelled {
				return downloaded, de
			}
			retryBudget--
			if retryBudget <= 0 {
				return downloaded, de
			}
			time.Sleep(rangeRetrySleep)
			continue
		}

		if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusPartialContent {
			resp.Body.Close()
			return downloaded, &DownloadError{Kind: ErrHTTPStatus, StatusCode: resp.StatusCode}
		}

		// content-length 大于0时权威地修正预期体积
		if downloaded == 0 && resp.ContentLength > 0 {
			expected = resp.ContentLength
		}

		n, copyErr := copyWithCancel(ctx, out, resp.Body, func(total int64) {
			if progress != nil {
				progress(downloaded+total, expected)
			}
		})
		resp.Body.Close()
		downloaded += n

		if copyErr != nil {
			if DownloadKindOf(copyErr) == ErrCancelled {
				return downloaded, copyErr
			}
			// 网络中断，走续传
		}

		if expected <= 0 || downloaded >= expected {
			return downloaded, nil
		}

		// 续传响应为空说明服务器认为已到末尾
		if downloaded > 0 && n == 0 && rangeAttempts > 0 {
			return downloaded, nil
		}

		rangeAttempts++
		if rangeAttempts >= maxRangeAttempts {
			return downloaded, &DownloadError{Kind: ErrIncomplete,
				MissingPercent: float64(expected-downloaded) / float64(expected) * 100,
				Err:            fmt.Errorf("续传%d次后仍缺 %d 字节", rangeAttempts, expected-downloaded)}
		}

		logger.Debug("服务器提前断流，发起续传",
			logger.String("dest", filepath.Base(dest)),
			logger.Int64("downloaded", downloaded),
			logger.Int64("expected", expected),
			logger.Int("attempt", rangeAttempts))

		time.Sleep(rangeRetrySleep)
	}
}

// copyWithCancel 分块拷贝，每块前检查取消；onChunk 收到累计字节数
func copyWithCancel(ctx context.Context, dst io.Writer, src io.Reader, onChunk func(int64)) (int64, error) {
	buf := make([]byte, copyChunkSize)
	var total int64

	for {
		if err := ctx.Err(); err != nil {
			return total, &DownloadError{Kind: ErrCancelled, Err: err}
		}

		n, readErr := src.Read(buf)
		if n > 0 {
			if err := ctx.Err(); err != nil {
				return total, &DownloadError{Kind: ErrCancelled, Err: err}
			}
			if _, writeErr := dst.Write(buf[:n]); writeErr != nil {
				return total, &DownloadError{Kind: ErrNetworkTransient, Err: fmt.Errorf("写入失败: %w", writeErr)}
			}
			total += int64(n)
			if onChunk != nil {
				onChunk(total)
			}
		}
		if readErr != nil {
			if readErr == io.EOF {
				return total, nil
			}
			return total, classifyRequestError(readErr)
		}
	}
}

func setDownloadHeaders(req *http.Request) {
	req.Header.Set("Accept-Encoding", "identity")
	req.Header.Set("User-Agent", downloadUserAgent)
	req.Header.Set("Accept", "*/*")
}

// classifyRequestError 按错误类型（而非消息文本）识别瞬态网络错误
func classifyRequestError(err error) *DownloadError {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return &DownloadError{Kind: ErrCancelled, Err: err}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return &DownloadError{Kind: ErrNetworkTransient, Err: err}
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return &DownloadError{Kind: ErrNetworkTransient, Err: err}
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return &DownloadError{Kind: ErrNetworkTransient, Err: err}
	}
	var tlsErr *tls.RecordHeaderError
	if errors.As(err, &tlsErr) {
		return &DownloadError{Kind: ErrNetworkTransient, Err: err}
	}
	if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.ErrClosedPipe) {
		return &DownloadError{Kind: ErrNetworkTransient, Err: err}
	}

	return &DownloadError{Kind: ErrNetworkTransient, Err: err}
}

// IsDNSFailure 判断是否DNS解析失败（预缓存路径会据此重解析URL）
func IsDNSFailure(err error) bool {
	var dnsErr *net.DNSError
	return errors.As(err, &dnsErr)
}

// ValidateAudioFile 离线下载完成后的文件校验
//
// 文件必须存在且不小于50KiB；已知预期体积时允许至多5%缺口；
// 并按扩展名做文件头魔数检查。未知扩展名直接通过。
func ValidateAudioFile(path string, expected int64) error {
	info, err := os.Stat(path)
	if err != nil {
		return &DownloadError{Kind: ErrIncomplete, MissingPercent: 100, Err: fmt.Errorf("文件不存在: %w", err)}
	}
	if info.Size() < minValidBody {
		return &DownloadError{Kind: ErrIncomplete,
			MissingPercent: 100,
			Err:            fmt.Errorf("文件过小: %d 字节", info.Size())}
	}
	if expected > 0 && info.Size() < expected {
		missing := float64(expected-info.Size()) / float64(expected) * 100
		if missing > 5.0 {
			return &DownloadError{Kind: ErrIncomplete, MissingPercent: missing,
				Err: fmt.Errorf("缺失 %d 字节", expected-info.Size())}
		}
	}

	return checkMagicBytes(path)
}

// checkMagicBytes 按扩展名检查文件头
func checkMagicBytes(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return &DownloadError{Kind: ErrCorrupt, Err: err}
	}
	defer f.Close()

	head := make([]byte, 12)
	if _, err := io.ReadFull(f, head); err != nil {
		return &DownloadError{Kind: ErrCorrupt, Err: fmt.Errorf("读取文件头失败: %w", err)}
	}

	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".m4a":
		// ftyp 位于偏移0或4
		if string(head[0:4]) == "ftyp" || string(head[4:8]) == "ftyp" {
			return nil
		}
		return &DownloadError{Kind: ErrCorrupt, Err: fmt.Errorf("m4a 文件头缺少 ftyp")}
	case ".opus", ".webm":
		// EBML 或 Ogg 封装
		if head[0] == 0x1A && head[1] == 0x45 && head[2] == 0xDF && head[3] == 0xA3 {
			return nil
		}
		if string(head[0:4]) == "OggS" {
			return nil
		}
		return &DownloadError{Kind: ErrCorrupt, Err: fmt.Errorf("%s 文件头不是 EBML/OggS", ext)}
	case ".mp3":
		if string(head[0:3]) == "ID3" {
			return nil
		}
		if head[0] == 0xFF && head[1]&0xE0 == 0xE0 {
			return nil
		}
		return &DownloadError{Kind: ErrCorrupt, Err: fmt.Errorf("mp3 文件头缺少 ID3/同步字")}
	default:
		return nil
	}
}
