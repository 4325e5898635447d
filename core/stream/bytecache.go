package stream

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/NotMugil/Inzx/core/utils"
	"github.com/NotMugil/Inzx/logger"
	"github.com/NotMugil/Inzx/model"
)

const (
	cacheDirName = "stream_audio_cache"

	// 小于50KiB的缓存体视为损坏
	minValidBody = 50 << 10

	// 空闲清理周期
	janitorInterval = 3 * time.Minute
)

var (
	// ErrNotCached 缓存未命中
	ErrNotCached = errors.New("音频缓存未命中")
	// ErrWriteInProgress 该键已有写入者
	ErrWriteInProgress = errors.New("该键的缓存写入已在进行中")
	// ErrTooSmall 提交的缓存体过小
	ErrTooSmall = errors.New("缓存体过小")
	// ErrLengthMismatch 提交的缓存体与预期长度不符
	ErrLengthMismatch = errors.New("缓存体长度与预期不符")
)

// CacheKey 磁盘缓存键，音质变化产生新键而非陈旧命中
type CacheKey struct {
	TrackID string
	Quality model.AudioQuality
	Bitrate int
}

// fileName 计算缓存体文件名：sanitize(id)_quality_bitrate.audio
func (k CacheKey) fileName() string {
	return fmt.Sprintf("%s_%s_%d.audio", utils.SanitizeFileName(k.TrackID), k.Quality.String(), k.Bitrate)
}

// WriteSlot 一次独占的缓存写入
type WriteSlot struct {
	key      CacheKey
	Path     string // .precache.part 临时文件
	finalKey string
	cache    *ByteCache
	done     bool
}

// Key 返回槽位对应的缓存键
func (s *WriteSlot) Key() CacheKey { return s.key }

// ByteCache 磁盘LRU字节缓存
//
// 已提交的缓存体为 *.audio 文件，mtime 即 LRU 键；.mime 伴生文件记录
// 内容类型；各种 .part 文件为瞬态产物。读取方只会看到完整有效的缓存体。
type ByteCache struct {
	dir string

	mu      sync.Mutex
	writing map[string]struct{} // 进行中写入的最终文件名集合
}

// NewByteCache 打开（必要时创建）缓存目录
func NewByteCache(root string) (*ByteCache, error) {
	dir := filepath.Join(root, cacheDirName)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("创建缓存目录失败: %w", err)
	}
	return &ByteCache{
		dir:     dir,
		writing: make(map[string]struct{}),
	}, nil
}

// Dir 返回缓存目录
func (c *ByteCache) Dir() string { return c.dir }

// OpenForRead 查找有效缓存体，命中时刷新mtime并返回文件路径
func (c *ByteCache) OpenForRead(key CacheKey) (string, error) {
	path := filepath.Join(c.dir, key.fileName())

	info, err := os.Stat(path)
	if err != nil {
		return "", ErrNotCached
	}
	if info.Size() < minValidBody {
		// 无效残留，直接清掉
		_ = c.Delete(key)
		return "", ErrNotCached
	}

	now := time.Now()
	if err := os.Chtimes(path, now, now); err != nil {
		logger.Debug("刷新缓存mtime失败",
			logger.String("path", path),
			logger.ErrorField(err))
	}

	return path, nil
}

// MimeType 返回缓存体的内容类型（.mime 伴生文件），未知时为空
func (c *ByteCache) MimeType(key CacheKey) string {
	data, err := os.ReadFile(filepath.Join(c.dir, key.fileName()+".mime"))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

// ReserveWrite 为键预留独占写入槽位
// 返回 .precache.part 临时路径；同键的并发写入者会得到 ErrWriteInProgress。
func (c *ByteCache) ReserveWrite(key CacheKey) (*WriteSlot, error) {
	name := key.fileName()

	c.mu.Lock()
	if _, busy := c.writing[name]; busy {
		c.mu.Unlock()
		return nil, ErrWriteInProgress
	}
	c.writing[name] = struct{}{}
	c.mu.Unlock()

	return &WriteSlot{
		key:      key,
		Path:     filepath.Join(c.dir, name+".precache.part"),
		finalKey: name,
		cache:    c,
	}, nil
}

// Commit 校验并原子提交写入槽位
// 体积不足50KiB或与预期长度不符时拒绝并清理临时文件。
func (c *ByteCache) Commit(slot *WriteSlot, downloaded, expected int64, mimeType string) error {
	defer c.releaseSlot(slot)

	if downloaded < minValidBody {
		_ = os.Remove(slot.Path)
		return fmt.Errorf("%w: %d 字节", ErrTooSmall, downloaded)
	}
	if expected > 0 && downloaded != expected {
		_ = os.Remove(slot.Path)
		return fmt.Errorf("%w: 已下载 %d，预期 %d", ErrLengthMismatch, downloaded, expected)
	}

	info, err := os.Stat(slot.Path)
	if err != nil {
		return fmt.Errorf("检查临时文件失败: %w", err)
	}
	if info.Size() != downloaded {
		_ = os.Remove(slot.Path)
		return fmt.Errorf("%w: 文件 %d，声明 %d", ErrLengthMismatch, info.Size(), downloaded)
	}

	final := filepath.Join(c.dir, slot.finalKey)
	if err := os.Rename(slot.Path, final); err != nil {
		_ = os.Remove(slot.Path)
		return fmt.Errorf("提交缓存体失败: %w", err)
	}

	if mimeType != "" {
		if err := os.WriteFile(final+".mime", []byte(mimeType), 0644); err != nil {
			logger.Debug("写入mime伴生文件失败", logger.ErrorField(err))
		}
	}

	slot.done = true
	logger.Info("缓存体已提交",
		logger.String("file", slot.finalKey),
		logger.Int64("bytes", downloaded))
	return nil
}

// Abort 放弃写入并删除临时产物
func (c *ByteCache) Abort(slot *WriteSlot) {
	if slot == nil || slot.done {
		return
	}
	_ = os.Remove(slot.Path)
	c.releaseSlot(slot)
}

func (c *ByteCache) releaseSlot(slot *WriteSlot) {
	c.mu.Lock()
	delete(c.writing, slot.finalKey)
	c.mu.Unlock()
}

// InFlight 检查键是否有进行中的写入
func (c *ByteCache) InFlight(key CacheKey) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.writing[key.fileName()]
	return ok
}

// Delete 删除缓存体及全部伴生文件
func (c *ByteCache) Delete(key CacheKey) error {
	return c.deleteByName(key.fileName())
}

func (c *ByteCache) deleteByName(name string) error {
	base := filepath.Join(c.dir, name)

	var firstErr error
	for _, p := range []string{base, base + ".mime", base + ".part", base + ".precache.part"} {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) && firstErr == nil {
			firstErr = err
		}
	}

	// .segN.part 分段残留
	matches, _ := filepath.Glob(base + ".seg*.part")
	for _, m := range matches {
		if err := os.Remove(m); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	return firstErr
}

// UsageBytes 统计已提交缓存体的总字节数
func (c *ByteCache) UsageBytes() (int64, error) {
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		return 0, fmt.Errorf("扫描缓存目录失败: %w", err)
	}

	var total int64
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".audio") {
			continue
		}
		if info, err := e.Info(); err == nil {
			total += info.Size()
		}
	}
	return total, nil
}

type cacheEntry struct {
	name  string
	size  int64
	mtime time.Time
}

// EnforceLimit 按mtime升序淘汰缓存体直到总量不超过limit
// 进行中写入的键不会被删除，扫描与下载可安全并发。
func (c *ByteCache) EnforceLimit(limitBytes int64) error {
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		return fmt.Errorf("扫描缓存目录失败: %w", err)
	}

	var bodies []cacheEntry
	var total int64
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".audio") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		bodies = append(bodies, cacheEntry{name: e.Name(), size: info.Size(), mtime: info.ModTime()})
		total += info.Size()
	}

	if total <= limitBytes {
		return nil
	}

	sort.Slice(bodies, func(i, j int) bool {
		return bodies[i].mtime.Before(bodies[j].mtime)
	})

	deleted := 0
	for _, b := range bodies {
		if total <= limitBytes {
			break
		}

		c.mu.Lock()
		_, busy := c.writing[b.name]
		c.mu.Unlock()
		if busy {
			continue
		}

		if err := c.deleteByName(b.name); err != nil {
			logger.Warn("淘汰缓存体失败",
				logger.String("file", b.name),
				logger.ErrorField(err))
			continue
		}
		total -= b.size
		deleted++
	}

	if deleted > 0 {
		logger.Info("缓存淘汰完成",
			logger.Int("deleted", deleted),
			logger.Int64("usageBytes", total),
			logger.Int64("limitBytes", limitBytes))
	}
	return nil
}

// StartJanitor 启动周期性缓存清理，limit 每次调用取最新设置
func (c *ByteCache) StartJanitor(ctx context.Context, limit func() int64) {
	go func() {
		ticker := time.NewTicker(janitorInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := c.EnforceLimit(limit()); err != nil {
					logger.Warn("周期缓存清理失败", logger.ErrorField(err))
				}
			}
		}
	}()
}

// ClearAll 删除全部缓存体（音质切换时调用）
func (c *ByteCache) ClearAll() error {
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		return fmt.Errorf("扫描缓存目录失败: %w", err)
	}

	var firstErr error
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		idx := strings.Index(name, ".audio")
		if idx < 0 {
			continue
		}
		bodyName := name[:idx] + ".audio"

		c.mu.Lock()
		_, busy := c.writing[bodyName]
		c.mu.Unlock()
		if busy {
			continue
		}

		if err := os.Remove(filepath.Join(c.dir, name)); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
