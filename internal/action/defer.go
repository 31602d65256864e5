package action

import (
	"errors"
	"fmt"
	"math/rand"
	"time"
)

// DeferError is returned (or panicked through a handler boundary) when a
// handler cannot process a message yet. The runtime re-fires the message
// after Delay without acking the original frame.
type DeferError struct {
	// Delay before the re-fire. Zero means a short random delay.
	Delay time.Duration
	// Reason is logged with the deferral.
	Reason string
}

func (e *DeferError) Error() string {
	if e.Reason == "" {
		return "message deferred"
	}
	return fmt.Sprintf("message deferred: %s", e.Reason)
}

// Defer builds a DeferError with the default jittered delay.
func Defer(reason string) *DeferError {
	return &DeferError{Reason: reason}
}

// EffectiveDelay resolves the configured delay, substituting a random
// 0.5s to 1.5s delay when none was given so simultaneous deferrals
// do not re-fire in lockstep.
func (e *DeferError) EffectiveDelay() time.Duration {
	if e.Delay > 0 {
		return e.Delay
	}
	return 500*time.Millisecond + time.Duration(rand.Int63n(int64(time.Second)))
}

// AsDefer reports whether err is (or wraps) a deferral.
func AsDefer(err error) (*DeferError, bool) {
	var de *DeferError
	if errors.As(err, &de) {
		return de, true
	}
	return nil, false
}
