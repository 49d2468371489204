package waybackproxy

import (
	"context"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

//SpeedCookieName is the client-side cookie read by the throttle when the
// speed selector is enabled
const SpeedCookieName = "wayback_speed"

//SpeedTiers maps a named connection profile to its bytes per second.
// Zero means unlimited
var SpeedTiers = map[string]int{
	"14.4k":     1800,
	"28.8k":     3600,
	"56k":       7000,
	"isdn":      16000,
	"dsl":       128000,
	"unlimited": 0,
}

//SpeedTierNames returns the tier names in slowest-to-fastest order,
// used to render the speed selector dropdown
func SpeedTierNames() []string {
	return []string{"14.4k", "28.8k", "56k", "isdn", "dsl", "unlimited"}
}

//ValidSpeed reports whether name is a known speed tier
func ValidSpeed(name string) bool {
	_, ok := SpeedTiers[name]
	return ok
}

//WriteThrottled writes body to w paced at bytesPerSec.
// The body is written in chunks of a tenth of a second worth of bytes, waiting
// on a token bucket between chunks. Cancelling the context aborts the wait
// immediately. A rate of zero or less writes the body unpaced
func WriteThrottled(ctx context.Context, w io.Writer, body []byte, bytesPerSec int) error {
	if bytesPerSec <= 0 || len(body) == 0 {
		_, err := w.Write(body)
		return err
	}

	chunkSize := bytesPerSec / 10
	if chunkSize < 1 {
		chunkSize = 1
	}

	limiter := rate.NewLimiter(rate.Limit(bytesPerSec), chunkSize)
	//Drain the initial burst so the very first chunk is paced too and the
	// total transfer time is len(body)/bytesPerSec
	limiter.AllowN(time.Now(), chunkSize)

	for offset := 0; offset < len(body); {
		end := offset + chunkSize
		if end > len(body) {
			end = len(body)
		}

		if err := limiter.WaitN(ctx, end-offset); err != nil {
			return err
		}

		if _, err := w.Write(body[offset:end]); err != nil {
			return err
		}

		if flusher, ok := w.(flusherWriter); ok {
			if err := flusher.Flush(); err != nil {
				return err
			}
		}

		offset = end
	}

	return nil
}

type flusherWriter interface {
	Flush() error
}

//EffectiveSpeed resolves the speed tier for a request.
// The wayback_speed cookie wins when the selector is enabled and carries a
// valid tier name, otherwise the configured default applies
func EffectiveSpeed(header http.Header, selectorEnabled bool, defaultSpeed string) string {
	if selectorEnabled {
		if value := cookieValue(header.Get("Cookie"), SpeedCookieName); value != "" && ValidSpeed(value) {
			return value
		}
	}

	if ValidSpeed(defaultSpeed) {
		return defaultSpeed
	}

	return "unlimited"
}

func cookieValue(cookieHeader, name string) string {
	for _, part := range strings.Split(cookieHeader, ";") {
		part = strings.TrimSpace(part)
		if strings.HasPrefix(part, name+"=") {
			return strings.TrimPrefix(part, name+"=")
		}
	}

	return ""
}
