package player

import (
	"context"
	"errors"
	"sync/atomic"

	"github.com/NotMugil/Inzx/config"
	"github.com/NotMugil/Inzx/core/resolver"
	"github.com/NotMugil/Inzx/core/stream"
	"github.com/NotMugil/Inzx/core/utils"
	"github.com/NotMugil/Inzx/logger"
	"github.com/NotMugil/Inzx/model"
)

// 本地文件小于10KB视为损坏残留
const minLocalSource = 10 << 10

// SourceBuilder 把队列中的曲目转换为可播放的音频来源
//
// 优先级：本地文件 → 字节缓存命中 → 回环代理缓存源 → 直连流。
// 平台拦截明文回环时（ErrCleartextLoopback）代理源在本进程生命周期内
// 被禁用，此后一律直连流播并交给后台预缓存。
type SourceBuilder struct {
	resolver  *resolver.Resolver
	cache     *stream.ByteCache
	precacher *stream.Precacher
	proxy     *CacheProxy
	probe     stream.ConnectivityProbe
	settings  func() config.Settings

	// 平台拒绝明文回环代理时置位，本进程生命周期内不再尝试代理缓存源
	proxyDisabled atomic.Bool
}

// NewSourceBuilder 创建来源构建器；proxy 可为 nil（纯直连模式）
func NewSourceBuilder(res *resolver.Resolver, cache *stream.ByteCache, pre *stream.Precacher, proxy *CacheProxy, probe stream.ConnectivityProbe, settings func() config.Settings) *SourceBuilder {
	if probe == nil {
		probe = stream.DefaultProbe()
	}
	return &SourceBuilder{
		resolver:  res,
		cache:     cache,
		precacher: pre,
		proxy:     proxy,
		probe:     probe,
		settings:  settings,
	}
}

// DisableProxyCaching 持久关闭代理缓存源（明文回环被平台拦截）
func (b *SourceBuilder) DisableProxyCaching() {
	if b.proxyDisabled.CompareAndSwap(false, true) {
		logger.Warn("明文回环代理被拦截，本进程退回直连流播+后台预缓存")
	}
}

// ProxyCachingDisabled 查询代理缓存源是否被关闭
func (b *SourceBuilder) ProxyCachingDisabled() bool {
	return b.proxyDisabled.Load()
}

// Build 为曲目构建播放来源
func (b *SourceBuilder) Build(ctx context.Context, t model.Track) (Source, error) {
	// 1. 离线库本地文件
	if utils.FileExists(t.LocalFilePath, minLocalSource) {
		logger.Debug("使用本地文件来源",
			logger.String("trackId", t.ID),
			logger.String("path", t.LocalFilePath))
		track := t
		return Source{TrackID: t.ID, URI: t.LocalFilePath, IsLocal: true, Track: &track}, nil
	}

	// 2. 解析播放数据
	s := b.settings()
	metered := !b.probe.IsUnmetered()
	pd, err := b.resolver.Resolve(ctx, t.ID, s.StreamingQuality, metered)
	if err != nil {
		return Source{}, err
	}

	// 3. 字节缓存命中
	key := stream.CacheKey{TrackID: t.ID, Quality: s.StreamingQuality, Bitrate: pd.Format.Bitrate}
	if path, cerr := b.cache.OpenForRead(key); cerr == nil {
		logger.Debug("使用缓存体来源",
			logger.String("trackId", t.ID),
			logger.String("path", path))
		track := t
		return Source{TrackID: t.ID, URI: path, IsLocal: true, Track: &track, PlaybackData: pd}, nil
	}

	// 4. 回环代理缓存源：播放的同时写入字节缓存
	if b.proxy != nil && !b.proxyDisabled.Load() {
		proxyURL, perr := b.proxy.Register(pd, key)
		if perr == nil {
			track := t
			return Source{TrackID: t.ID, URI: proxyURL, ViaProxy: true, Track: &track, PlaybackData: pd}, nil
		}
		if errors.Is(perr, ErrCleartextLoopback) {
			// 控制器据此置位禁用标记并重试本曲
			return Source{}, perr
		}
		logger.Debug("代理源不可用，退回直连",
			logger.String("trackId", t.ID),
			logger.ErrorField(perr))
	}

	// 5. 直连流播，同时安排后台预缓存
	if b.precacher != nil {
		b.precacher.PrecacheNow(ctx, t, pd)
	}

	track := t
	return Source{TrackID: t.ID, URI: pd.StreamURL, IsLocal: false, Track: &track, PlaybackData: pd}, nil
}
