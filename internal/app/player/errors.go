package player

import (
	"fmt"
	"time"

	"github.com/cockroachdb/errors"
)

// Errors
var (
	// ErrInvalidChannelState is returned when an operation needs a bound
	// voice channel or an active session and the player has neither.
	ErrInvalidChannelState = errors.New("player has no valid voice channel")

	// ErrNotImplemented is returned by operations the node protocol does
	// not support yet.
	ErrNotImplemented = errors.New("not implemented")

	// ErrAlreadyCleaned is returned by cleanup hooks that find nothing to
	// clean up. It is swallowed during invalidation.
	ErrAlreadyCleaned = errors.New("nothing to clean up")
)

// TimeoutError is returned by Connect when the node does not confirm the
// voice handshake within the deadline. Context cancellation during the wait
// reports the same error.
type TimeoutError struct {
	Channel string        // Channel the player tried to connect to
	Timeout time.Duration // Deadline that elapsed
}

// Error implements the error interface.
func (e *TimeoutError) Error() string {
	return fmt.Sprintf("unable to connect to channel %s: exceeded the timeout of %s", e.Channel, e.Timeout)
}

// IsTimeout reports whether err is a connect timeout.
func IsTimeout(err error) bool {
	var te *TimeoutError
	return errors.As(err, &te)
}
