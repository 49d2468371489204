package waybackproxy

import (
	"bytes"
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteThrottledPacing(t *testing.T) {
	if testing.Short() {
		t.Skip("timing test")
	}

	//1000 bytes at 2000 B/s must take close to half a second
	body := bytes.Repeat([]byte("x"), 1000)
	buf := &bytes.Buffer{}

	start := time.Now()
	err := WriteThrottled(context.Background(), buf, body, 2000)
	elapsed := time.Since(start)

	require.NoError(t, err)
	assert.Equal(t, body, buf.Bytes())
	assert.GreaterOrEqual(t, elapsed, 450*time.Millisecond, "the transfer must be paced")
	assert.Less(t, elapsed, time.Second, "the transfer must not overshoot")
}

func TestWriteThrottledUnlimited(t *testing.T) {
	body := bytes.Repeat([]byte("y"), 100000)
	buf := &bytes.Buffer{}

	start := time.Now()
	err := WriteThrottled(context.Background(), buf, body, 0)

	require.NoError(t, err)
	assert.Equal(t, body, buf.Bytes())
	assert.Less(t, time.Since(start), 100*time.Millisecond)
}

func TestWriteThrottledCancellation(t *testing.T) {
	body := bytes.Repeat([]byte("z"), 100000)
	buf := &bytes.Buffer{}

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := WriteThrottled(ctx, buf, body, 1800)

	require.Error(t, err, "a cancelled context must abort the transfer")
	assert.Less(t, time.Since(start), time.Second)
	assert.Less(t, buf.Len(), len(body))
}

func TestWriteThrottledEmptyBody(t *testing.T) {
	buf := &bytes.Buffer{}
	require.NoError(t, WriteThrottled(context.Background(), buf, nil, 1800))
	assert.Zero(t, buf.Len())
}

func TestSpeedTiers(t *testing.T) {
	assert.Equal(t, 1800, SpeedTiers["14.4k"])
	assert.Equal(t, 128000, SpeedTiers["dsl"])
	assert.Equal(t, 0, SpeedTiers["unlimited"])

	names := SpeedTierNames()
	assert.Len(t, names, len(SpeedTiers))
	for _, name := range names {
		assert.True(t, ValidSpeed(name))
	}

	assert.False(t, ValidSpeed("warp9"))
}

func TestEffectiveSpeed(t *testing.T) {
	header := http.Header{}
	header.Set("Cookie", "session=abc; "+SpeedCookieName+"=28.8k")

	assert.Equal(t, "28.8k", EffectiveSpeed(header, true, "56k"), "the cookie wins when the selector is on")
	assert.Equal(t, "56k", EffectiveSpeed(header, false, "56k"), "the cookie is ignored when the selector is off")

	header.Set("Cookie", SpeedCookieName+"=bogus")
	assert.Equal(t, "56k", EffectiveSpeed(header, true, "56k"), "an unknown tier in the cookie falls back to the default")

	assert.Equal(t, "unlimited", EffectiveSpeed(http.Header{}, true, "alsobogus"))
}
