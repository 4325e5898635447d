package resolver

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/NotMugil/Inzx/logger"
	"github.com/NotMugil/Inzx/model"
)

// StreamVariant 一个可选的音频流变体
type StreamVariant struct {
	URL       string
	Format    model.AudioFormat
	ExpiresAt time.Time
}

// Client 解析单个客户端形态（web/mobile/tv）的流变体
// 外部解析服务按契约提供：resolve(track_id, client) → 变体列表或错误。
type Client interface {
	Name() string
	FetchVariants(ctx context.Context, trackID string) ([]StreamVariant, error)
}

// Recommender 电台模式的相关曲目推荐契约
type Recommender interface {
	Related(ctx context.Context, seedID string, limit int) ([]model.Track, error)
}

// MetadataProvider 曲目元数据契约（时长迁移使用）
type MetadataProvider interface {
	TrackDetail(ctx context.Context, trackID string) (*model.Track, error)
}

// ProviderClient 解析服务的HTTP客户端
type ProviderClient struct {
	baseURL    string
	clientName string // web / mobile / tv
	httpClient *http.Client
}

// NewProviderClient 创建指定客户端形态的解析客户端
func NewProviderClient(baseURL, clientName string) *ProviderClient {
	return &ProviderClient{
		baseURL:    baseURL,
		clientName: clientName,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

func (c *ProviderClient) Name() string {
	return c.clientName
}

// FetchVariants 获取曲目的全部音频流变体
func (c *ProviderClient) FetchVariants(ctx context.Context, trackID string) ([]StreamVariant, error) {
	reqURL := fmt.Sprintf("%s/stream/url?id=%s&client=%s",
		c.baseURL, url.QueryEscape(trackID), url.QueryEscape(c.clientName))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, &ResolveError{Kind: ErrNetwork, TrackID: trackID, Err: fmt.Errorf("创建请求失败: %w", err)}
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &ResolveError{Kind: ErrNetwork, TrackID: trackID, Err: fmt.Errorf("请求失败: %w", err)}
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusForbidden, http.StatusTooManyRequests:
		return nil, &ResolveError{Kind: ErrQuotaOrGeo, TrackID: trackID,
			Err: fmt.Errorf("API返回错误状态码: %d", resp.StatusCode)}
	default:
		return nil, &ResolveError{Kind: ErrUnresolvable, TrackID: trackID,
			Err: fmt.Errorf("API返回错误状态码: %d", resp.StatusCode)}
	}

	var result struct {
		Code int    `json:"code"`
		Msg  string `json:"msg,omitempty"`
		Data []struct {
			URL           string `json:"url"`
			MimeType      string `json:"mimeType"`
			Codecs        string `json:"codecs"`
			Bitrate       int    `json:"bitrate"`
			ContentLength int64  `json:"contentLength"`
			ExpiresInSec  int64  `json:"expiresIn"`
		} `json:"data"`
	}

	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, &ResolveError{Kind: ErrNetwork, TrackID: trackID, Err: fmt.Errorf("解析响应失败: %w", err)}
	}

	if result.Code != 200 {
		return nil, &ResolveError{Kind: ErrUnresolvable, TrackID: trackID,
			Err: fmt.Errorf("API返回错误: %s (code: %d)", result.Msg, result.Code)}
	}

	now := time.Now()
	variants := make([]StreamVariant, 0, len(result.Data))
	for _, d := range result.Data {
		if d.URL == "" {
			continue
		}
		expires := d.ExpiresInSec
		if expires <= 0 {
			// 解析服务未给出有效期时按6小时处理
			expires = 6 * 60 * 60
		}
		variants = append(variants, StreamVariant{
			URL: d.URL,
			Format: model.AudioFormat{
				MimeType:      d.MimeType,
				Codecs:        d.Codecs,
				Bitrate:       d.Bitrate,
				ContentLength: d.ContentLength,
			},
			ExpiresAt: now.Add(time.Duration(expires) * time.Second),
		})
	}

	if len(variants) == 0 {
		return nil, &ResolveError{Kind: ErrUnresolvable, TrackID: trackID,
			Err: fmt.Errorf("未找到可播放的音频流")}
	}

	logger.Debug("客户端解析成功",
		logger.String("client", c.clientName),
		logger.String("trackId", trackID),
		logger.Int("variants", len(variants)))

	return variants, nil
}

// Related 获取相关曲目（电台扩展）
func (c *ProviderClient) Related(ctx context.Context, seedID string, limit int) ([]model.Track, error) {
	reqURL := fmt.Sprintf("%s/related?id=%s&limit=%d", c.baseURL, url.QueryEscape(seedID), limit)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("创建请求失败: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("请求失败: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("API返回错误状态码: %d", resp.StatusCode)
	}

	var result struct {
		Code int           `json:"code"`
		Data []model.Track `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("解析响应失败: %w", err)
	}
	if result.Code != 200 {
		return nil, fmt.Errorf("API返回错误 (code: %d)", result.Code)
	}

	return result.Data, nil
}

// TrackDetail 获取单曲元数据
func (c *ProviderClient) TrackDetail(ctx context.Context, trackID string) (*model.Track, error) {
	reqURL := fmt.Sprintf("%s/track/detail?id=%s", c.baseURL, url.QueryEscape(trackID))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("创建请求失败: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("请求失败: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("API返回错误状态码: %d", resp.StatusCode)
	}

	var result struct {
		Code int          `json:"code"`
		Data *model.Track `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("解析响应失败: %w", err)
	}
	if result.Code != 200 || result.Data == nil {
		return nil, fmt.Errorf("未找到曲目 (code: %d)", result.Code)
	}

	return result.Data, nil
}
