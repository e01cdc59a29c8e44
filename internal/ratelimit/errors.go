package ratelimit

import (
	"errors"
	"fmt"
	"time"
)

// ErrRateLimited matches every *RateLimitError via errors.Is.
var ErrRateLimited = errors.New("ratelimit: limit exceeded")

// RateLimitError is returned by the wrappers when a call was denied.
type RateLimitError struct {
	Action     Action
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("ratelimit: %s limited, retry after %s", e.Action, e.RetryAfter.Round(time.Millisecond))
}

func (e *RateLimitError) Is(target error) bool {
	return target == ErrRateLimited
}

// RetryAfterMillis rounds RetryAfter up to whole milliseconds for display.
func (e *RateLimitError) RetryAfterMillis() int64 {
	return (e.RetryAfter + time.Millisecond - 1).Milliseconds()
}
