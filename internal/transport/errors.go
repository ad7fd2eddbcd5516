package transport

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrRecipientUnreachable means the recipient blocked the bot or deleted
	// the chat. Permanent for this recipient.
	ErrRecipientUnreachable = errors.New("recipient unreachable")

	// ErrChannelRejected means the channel refused the request (malformed
	// payload, invalid media reference). Permanent.
	ErrChannelRejected = errors.New("channel rejected request")
)

// RetryAfterError carries the channel's requested backoff.
type RetryAfterError struct {
	After time.Duration
}

func (e *RetryAfterError) Error() string {
	return fmt.Sprintf("rate limited, retry after %s", e.After)
}

// RetryAfter extracts the backoff duration if err is a rate-limit error.
func RetryAfter(err error) (time.Duration, bool) {
	var ra *RetryAfterError
	if errors.As(err, &ra) {
		return ra.After, true
	}
	return 0, false
}
