package player

import (
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/NotMugil/Inzx/core/stream"
	"github.com/NotMugil/Inzx/logger"
	"github.com/NotMugil/Inzx/model"
)

// ErrCleartextLoopback 平台安全策略拦截了明文回环连接
// 来源构建器收到此错误后本进程内永久退回直连流播。
var ErrCleartextLoopback = errors.New("明文回环连接被平台策略拦截")

// proxyEntry 一个已注册的代理流
type proxyEntry struct {
	upstream string
	key      stream.CacheKey
	mime     string
	expected int64
}

// CacheProxy 回环缓存代理
//
// 播放器从 127.0.0.1 上的本地HTTP端点读取音频；代理从上游拉取字节，
// 完整读取的同时写入字节缓存，一次播放顺带完成缓存。带 Range 的
// 请求（拖动进度条）直接透传上游，不参与缓存提交。
type CacheProxy struct {
	cache  *stream.ByteCache
	client *http.Client

	mu      sync.Mutex
	ln      net.Listener
	baseURL string
	entries map[string]proxyEntry
	seq     uint64
	closed  bool
}

// NewCacheProxy 创建回环缓存代理，监听在首次注册时惰性启动
func NewCacheProxy(cache *stream.ByteCache) *CacheProxy {
	return &CacheProxy{
		cache: cache,
		client: &http.Client{
			Timeout: 0, // 音频体可能很大，靠连接级超时
		},
		entries: make(map[string]proxyEntry),
	}
}

// ensureStarted 启动回环监听
// 绑定失败说明平台拦截了回环服务，映射为 ErrCleartextLoopback。
func (p *CacheProxy) ensureStarted() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return fmt.Errorf("%w: 代理已关闭", ErrCleartextLoopback)
	}
	if p.ln != nil {
		return nil
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCleartextLoopback, err)
	}
	p.ln = ln
	p.baseURL = fmt.Sprintf("http://%s", ln.Addr().String())

	srv := &http.Server{
		Handler:           p,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if serr := srv.Serve(ln); serr != nil && serr != http.ErrServerClosed {
			logger.Warn("回环代理退出", logger.ErrorField(serr))
		}
	}()

	logger.Info("回环缓存代理已启动", logger.String("addr", p.baseURL))
	return nil
}

// Register 注册一条上游流，返回播放器可消费的回环URL
func (p *CacheProxy) Register(pd *model.PlaybackData, key stream.CacheKey) (string, error) {
	if err := p.ensureStarted(); err != nil {
		return "", err
	}

	p.mu.Lock()
	p.seq++
	token := fmt.Sprintf("s%d", p.seq)
	p.entries[token] = proxyEntry{
		upstream: pd.StreamURL,
		key:      key,
		mime:     pd.Format.MimeType,
		expected: pd.Format.ContentLength,
	}
	base := p.baseURL
	p.mu.Unlock()

	return base + "/stream/" + token, nil
}

// ServeHTTP 按 /stream/{token} 提供已注册的流
func (p *CacheProxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	const prefix = "/stream/"
	if len(r.URL.Path) <= len(prefix) || r.URL.Path[:len(prefix)] != prefix {
		http.Error(w, "invalid stream path", http.StatusBadRequest)
		return
	}
	token := r.URL.Path[len(prefix):]

	p.mu.Lock()
	entry, ok := p.entries[token]
	p.mu.Unlock()
	if !ok {
		http.Error(w, "stream not registered", http.StatusNotFound)
		return
	}

	req, err := http.NewRequestWithContext(r.Context(), http.MethodGet, entry.upstream, nil)
	if err != nil {
		http.Error(w, "bad upstream url", http.StatusBadGateway)
		return
	}
	req.Header.Set("Accept-Encoding", "identity")
	req.Header.Set("Accept", "*/*")

	rangeHeader := r.Header.Get("Range")
	if rangeHeader != "" {
		req.Header.Set("Range", rangeHeader)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		http.Error(w, "upstream request failed", http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusPartialContent {
		http.Error(w, "upstream error", http.StatusBadGateway)
		return
	}

	if entry.mime != "" {
		w.Header().Set("Content-Type", entry.mime)
	}
	if cl := resp.Header.Get("Content-Length"); cl != "" {
		w.Header().Set("Content-Length", cl)
	}
	if cr := resp.Header.Get("Content-Range"); cr != "" {
		w.Header().Set("Content-Range", cr)
	}
	w.Header().Set("Accept-Ranges", "bytes")
	w.WriteHeader(resp.StatusCode)

	// Range 请求只透传，完整读取才参与缓存
	if rangeHeader != "" || resp.StatusCode == http.StatusPartialContent {
		_, _ = io.Copy(w, resp.Body)
		return
	}

	p.serveAndCache(w, resp, entry)
}

// serveAndCache 边服务边写缓存；该键已有写入者时退化为纯透传
func (p *CacheProxy) serveAndCache(w http.ResponseWriter, resp *http.Response, entry proxyEntry) {
	slot, err := p.cache.ReserveWrite(entry.key)
	if err != nil {
		_, _ = io.Copy(w, resp.Body)
		return
	}

	tmp, err := os.Create(slot.Path)
	if err != nil {
		p.cache.Abort(slot)
		_, _ = io.Copy(w, resp.Body)
		return
	}

	expected := entry.expected
	if resp.ContentLength > 0 {
		expected = resp.ContentLength
	}

	n, copyErr := io.Copy(io.MultiWriter(w, tmp), resp.Body)
	closeErr := tmp.Close()

	if copyErr != nil || closeErr != nil {
		// 播放器中途断开或上游断流，留给后台预缓存重试
		p.cache.Abort(slot)
		return
	}

	if err := p.cache.Commit(slot, n, expected, entry.mime); err != nil {
		logger.Debug("代理流缓存提交被拒",
			logger.String("trackId", entry.key.TrackID),
			logger.ErrorField(err))
		return
	}

	logger.Info("播放途中完成缓存",
		logger.String("trackId", entry.key.TrackID),
		logger.Int64("bytes", n))
}

// Close 停止回环监听
func (p *CacheProxy) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.closed = true
	if p.ln != nil {
		err := p.ln.Close()
		p.ln = nil
		return err
	}
	return nil
}
