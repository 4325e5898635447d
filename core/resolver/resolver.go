package resolver

import (
	"context"
	"fmt"
	"sync"

	"github.com/NotMugil/Inzx/logger"
	"github.com/NotMugil/Inzx/model"
)

// Resolver 把 (track_id, quality) 解析为带时限的 PlaybackData
//
// 内存缓存未过期的解析结果；未命中时依次尝试各客户端形态（web、mobile、tv），
// 第一个给出可播放URL的客户端胜出。失败过的客户端在 ResetClientFailures
// 之前会被排到队尾。同一曲目的并发解析会合并为一次请求。
type Resolver struct {
	clients []Client

	mu       sync.Mutex
	cache    map[string]*model.PlaybackData // key: trackID|quality
	inflight map[string]chan struct{}
	failed   map[string]bool // 客户端名 → 近期失败

	fallbackHappened bool
}

// New 创建解析器，客户端按优先级排列
func New(clients ...Client) *Resolver {
	return &Resolver{
		clients:  clients,
		cache:    make(map[string]*model.PlaybackData),
		inflight: make(map[string]chan struct{}),
		failed:   make(map[string]bool),
	}
}

func cacheKey(trackID string, quality model.AudioQuality) string {
	return trackID + "|" + quality.String()
}

// Resolve 解析曲目的播放数据
// meteredHint 为 true 表示当前连接按流量计费，Auto 档位会压低码率。
func (r *Resolver) Resolve(ctx context.Context, trackID string, quality model.AudioQuality, meteredHint bool) (*model.PlaybackData, error) {
	key := cacheKey(trackID, quality)

	for {
		r.mu.Lock()
		if pd, ok := r.cache[key]; ok {
			if !pd.Expired() {
				r.mu.Unlock()
				return pd, nil
			}
			delete(r.cache, key)
		}
		if wait, ok := r.inflight[key]; ok {
			r.mu.Unlock()
			// 合并到进行中的解析
			select {
			case <-wait:
				continue
			case <-ctx.Done():
				return nil, &ResolveError{Kind: ErrNetwork, TrackID: trackID, Err: ctx.Err()}
			}
		}
		done := make(chan struct{})
		r.inflight[key] = done
		r.mu.Unlock()

		pd, err := r.resolveUncached(ctx, trackID, quality, meteredHint)

		r.mu.Lock()
		delete(r.inflight, key)
		if err == nil {
			r.cache[key] = pd
		}
		r.mu.Unlock()
		close(done)

		return pd, err
	}
}

// resolveUncached 逐客户端尝试解析
func (r *Resolver) resolveUncached(ctx context.Context, trackID string, quality model.AudioQuality, metered bool) (*model.PlaybackData, error) {
	ordered := r.orderedClients()

	var lastErr error
	for i, client := range ordered {
		variants, err := client.FetchVariants(ctx, trackID)
		if err != nil {
			lastErr = err
			kind := KindOf(err)
			logger.Warn("客户端解析失败，尝试下一个",
				logger.String("client", client.Name()),
				logger.String("trackId", trackID),
				logger.String("kind", kind.String()))

			r.mu.Lock()
			r.failed[client.Name()] = true
			r.fallbackHappened = true
			r.mu.Unlock()

			if ctx.Err() != nil {
				return nil, &ResolveError{Kind: ErrNetwork, TrackID: trackID, Err: ctx.Err()}
			}
			continue
		}

		selected := selectVariant(variants, quality, metered)
		if selected == nil {
			lastErr = &ResolveError{Kind: ErrUnresolvable, TrackID: trackID,
				Err: fmt.Errorf("客户端 %s 没有符合策略的音频格式", client.Name())}
			continue
		}

		// 经过回退才成功时，清空失败记录重新信任全部客户端
		if i > 0 || r.hadFallback() {
			r.ResetClientFailures()
		}

		return &model.PlaybackData{
			StreamURL: selected.URL,
			Format:    selected.Format,
			ExpiresAt: selected.ExpiresAt,
		}, nil
	}

	if lastErr != nil {
		if re, ok := lastErr.(*ResolveError); ok && re.Kind != ErrNetwork {
			return nil, lastErr
		}
		return nil, &ResolveError{Kind: ErrUnresolvable, TrackID: trackID, Err: lastErr}
	}
	return nil, &ResolveError{Kind: ErrUnresolvable, TrackID: trackID}
}

// orderedClients 把近期失败过的客户端排到队尾
func (r *Resolver) orderedClients() []Client {
	r.mu.Lock()
	defer r.mu.Unlock()

	good := make([]Client, 0, len(r.clients))
	bad := make([]Client, 0)
	for _, c := range r.clients {
		if r.failed[c.Name()] {
			bad = append(bad, c)
		} else {
			good = append(good, c)
		}
	}
	return append(good, bad...)
}

func (r *Resolver) hadFallback() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.fallbackHappened
}

// Prefetch 预热一批曲目的解析结果，忽略失败
// 同一曲目的进行中解析会被去重，不会重复请求。
func (r *Resolver) Prefetch(ctx context.Context, ids []string, quality model.AudioQuality, meteredHint bool) {
	for _, id := range ids {
		if r.HasCached(id, quality) {
			continue
		}
		id := id
		go func() {
			if _, err := r.Resolve(ctx, id, quality, meteredHint); err != nil {
				logger.Debug("预取解析失败",
					logger.String("trackId", id),
					logger.ErrorField(err))
			}
		}()
	}
}

// HasCached 检查指定曲目是否有未过期的缓存
func (r *Resolver) HasCached(trackID string, quality model.AudioQuality) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	pd, ok := r.cache[cacheKey(trackID, quality)]
	return ok && !pd.Expired()
}

// Clear 清除单个曲目的所有音质缓存
func (r *Resolver) Clear(trackID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, q := range []model.AudioQuality{model.QualityAuto, model.QualityLow, model.QualityMedium, model.QualityHigh, model.QualityMax} {
		delete(r.cache, cacheKey(trackID, q))
	}
}

// ClearAll 清空URL缓存（音质切换时调用）
func (r *Resolver) ClearAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cache = make(map[string]*model.PlaybackData)
}

// Refresh 丢弃缓存并重新解析一次（URL使用中过期的静默恢复路径）
func (r *Resolver) Refresh(ctx context.Context, trackID string, quality model.AudioQuality, meteredHint bool) (*model.PlaybackData, error) {
	r.mu.Lock()
	delete(r.cache, cacheKey(trackID, quality))
	r.mu.Unlock()
	return r.Resolve(ctx, trackID, quality, meteredHint)
}

// ResetClientFailures 清空客户端失败记录，回退事件后的首次成功会调用
func (r *Resolver) ResetClientFailures() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failed = make(map[string]bool)
	r.fallbackHappened = false
}

// CachedCount 返回当前缓存条数（监控用）
func (r *Resolver) CachedCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, pd := range r.cache {
		if !pd.Expired() {
			n++
		}
	}
	return n
}
