package resolver

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NotMugil/Inzx/model"
)

func variants(specs ...[2]interface{}) []StreamVariant {
	out := make([]StreamVariant, 0, len(specs))
	for _, s := range specs {
		out = append(out, variant(s[0].(int), s[1].(string)))
	}
	return out
}

func TestSelectVariantAuto(t *testing.T) {
	vs := variants(
		[2]interface{}{64_000, "audio/webm"},
		[2]interface{}{128_000, "audio/mp4"},
		[2]interface{}{256_000, "audio/webm"},
	)

	// Wi-Fi：取最高码率
	got := selectVariant(vs, model.QualityAuto, false)
	require.NotNil(t, got)
	assert.Equal(t, 256_000, got.Format.Bitrate)

	// 计量网络：不超过128kbit/s的最高档
	got = selectVariant(vs, model.QualityAuto, true)
	require.NotNil(t, got)
	assert.Equal(t, 128_000, got.Format.Bitrate)
}

func TestSelectVariantAutoMeteredAllAboveCeiling(t *testing.T) {
	vs := variants(
		[2]interface{}{192_000, "audio/webm"},
		[2]interface{}{256_000, "audio/mp4"},
	)

	// 全部超限时取最低码率
	got := selectVariant(vs, model.QualityAuto, true)
	require.NotNil(t, got)
	assert.Equal(t, 192_000, got.Format.Bitrate)
}

func TestSelectVariantTargets(t *testing.T) {
	vs := variants(
		[2]interface{}{48_000, "audio/webm"},
		[2]interface{}{140_000, "audio/webm"},
		[2]interface{}{250_000, "audio/mp4"},
	)

	got := selectVariant(vs, model.QualityLow, false)
	require.NotNil(t, got)
	assert.Equal(t, 48_000, got.Format.Bitrate)

	got = selectVariant(vs, model.QualityMedium, false)
	require.NotNil(t, got)
	assert.Equal(t, 140_000, got.Format.Bitrate)

	got = selectVariant(vs, model.QualityHigh, false)
	require.NotNil(t, got)
	assert.Equal(t, 250_000, got.Format.Bitrate)

	got = selectVariant(vs, model.QualityMax, false)
	require.NotNil(t, got)
	assert.Equal(t, 250_000, got.Format.Bitrate)
}

func TestSelectVariantMimeTieBreak(t *testing.T) {
	vs := variants(
		[2]interface{}{128_000, "audio/mp4"},
		[2]interface{}{128_000, "audio/webm"},
	)

	// 码率并列时 Opus/WebM 优先
	got := selectVariant(vs, model.QualityMedium, false)
	require.NotNil(t, got)
	assert.Equal(t, "audio/webm", got.Format.MimeType)

	got = selectVariant(vs, model.QualityAuto, false)
	require.NotNil(t, got)
	assert.Equal(t, "audio/webm", got.Format.MimeType)
}

func TestSelectVariantEmpty(t *testing.T) {
	assert.Nil(t, selectVariant(nil, model.QualityAuto, false))
}
