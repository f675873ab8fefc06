package auth

import (
	"fmt"
	"time"

	"github.com/i5heu/ouroboros-relay/pkg/apperr"
)

// DefaultClockSkew bounds how far a signed request
// timestamp may drift from the node clock.
const DefaultClockSkew = 5 * time.Minute

// CheckFreshness rejects timestamps (Unix milliseconds)
// further than skew from now.
func CheckFreshness( // A
	clock Clock,
	timestampMs int64,
	skew time.Duration,
) error {
	now := clock.Now().UnixMilli()
	d := now - timestampMs
	if d < 0 {
		d = -d
	}
	if d > skew.Milliseconds() {
		return fmt.Errorf(
			"%w: timestamp %d outside %s of node clock",
			apperr.ErrInvalidInput, timestampMs, skew,
		)
	}
	return nil
}
