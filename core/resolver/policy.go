package resolver

import (
	"sort"
	"strings"

	"github.com/NotMugil/Inzx/model"
)

// 计量网络下 Auto 档位的码率上限
const meteredBitrateCeiling = 128_000

// mimeRank 返回格式偏好序，越小越优先
// 离线场景偏好 Opus/WebM，流播两者皆可，但并列时仍取低秩
func mimeRank(mime string) int {
	m := strings.ToLower(mime)
	switch {
	case strings.Contains(m, "opus") || strings.Contains(m, "webm"):
		return 0
	case strings.Contains(m, "mp4") || strings.Contains(m, "m4a"):
		return 1
	default:
		return 2
	}
}

// selectVariant 按音质策略从变体中选出一个
//
// Auto：取不超过网络上限的最高码率（Wi-Fi 无上限，计量网络 ≤128kbit/s，
// 若全部超限则取最低码率）。Low/Medium/High：取与目标码率最接近的。
// Max：取最高码率。码率并列时取 mime 复杂度低者。
func selectVariant(variants []StreamVariant, quality model.AudioQuality, metered bool) *StreamVariant {
	if len(variants) == 0 {
		return nil
	}

	sorted := make([]StreamVariant, len(variants))
	copy(sorted, variants)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Format.Bitrate != sorted[j].Format.Bitrate {
			return sorted[i].Format.Bitrate < sorted[j].Format.Bitrate
		}
		return mimeRank(sorted[i].Format.MimeType) < mimeRank(sorted[j].Format.MimeType)
	})

	switch quality {
	case model.QualityMax:
		return bestUnder(sorted, 0)
	case model.QualityAuto:
		if metered {
			if v := bestUnder(sorted, meteredBitrateCeiling); v != nil {
				return v
			}
			// 没有低于上限的变体，取最低码率
			return &sorted[0]
		}
		return bestUnder(sorted, 0)
	default:
		return closestTo(sorted, quality.TargetBitrate())
	}
}

// bestUnder 取不超过 ceiling 的最高码率变体；ceiling 为0表示不限
func bestUnder(sorted []StreamVariant, ceiling int) *StreamVariant {
	var best *StreamVariant
	for i := range sorted {
		v := &sorted[i]
		if ceiling > 0 && v.Format.Bitrate > ceiling {
			continue
		}
		if best == nil || v.Format.Bitrate > best.Format.Bitrate ||
			(v.Format.Bitrate == best.Format.Bitrate && mimeRank(v.Format.MimeType) < mimeRank(best.Format.MimeType)) {
			best = v
		}
	}
	return best
}

// closestTo 取与目标码率差值最小的变体
func closestTo(sorted []StreamVariant, target int) *StreamVariant {
	var best *StreamVariant
	bestDiff := 0
	for i := range sorted {
		v := &sorted[i]
		diff := v.Format.Bitrate - target
		if diff < 0 {
			diff = -diff
		}
		if best == nil || diff < bestDiff ||
			(diff == bestDiff && mimeRank(v.Format.MimeType) < mimeRank(best.Format.MimeType)) {
			best = v
			bestDiff = diff
		}
	}
	return best
}
