package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestPlaybackStateEqualIgnoresPosition(t *testing.T) {
	track := Track{ID: "t1", Title: "Song"}
	a := PlaybackState{
		CurrentTrack:  &track,
		QueueRevision: 3,
		CurrentIndex:  0,
		IsPlaying:     true,
		Position:      10 * time.Second,
	}
	b := a
	b.Position = 42 * time.Second
	b.BufferedPosition = 60 * time.Second

	// 位置变化不应让订阅者失效
	assert.True(t, a.Equal(b))
}

func TestPlaybackStateEqualDetectsChanges(t *testing.T) {
	t1 := Track{ID: "t1"}
	t2 := Track{ID: "t2"}

	base := PlaybackState{CurrentTrack: &t1, QueueRevision: 1, CurrentIndex: 0}

	changed := base
	changed.CurrentTrack = &t2
	assert.False(t, base.Equal(changed))

	changed = base
	changed.QueueRevision = 2
	assert.False(t, base.Equal(changed))

	changed = base
	changed.IsPlaying = true
	assert.False(t, base.Equal(changed))

	changed = base
	changed.Error = "boom"
	assert.False(t, base.Equal(changed))

	changed = base
	changed.CurrentPlaybackData = &PlaybackData{StreamURL: "http://x"}
	assert.False(t, base.Equal(changed))
}

func TestAudioQualityRoundTrip(t *testing.T) {
	for _, q := range []AudioQuality{QualityAuto, QualityLow, QualityMedium, QualityHigh, QualityMax} {
		assert.Equal(t, q, ParseAudioQuality(q.String()))
	}
	assert.Equal(t, QualityAuto, ParseAudioQuality("garbage"))
}

func TestPlaybackDataExpired(t *testing.T) {
	var nilPD *PlaybackData
	assert.True(t, nilPD.Expired())

	fresh := &PlaybackData{ExpiresAt: time.Now().Add(time.Hour)}
	assert.False(t, fresh.Expired())

	stale := &PlaybackData{ExpiresAt: time.Now().Add(-time.Second)}
	assert.True(t, stale.Expired())
}
