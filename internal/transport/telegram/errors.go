package telegram

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	tele "gopkg.in/telebot.v4"

	"mailbot/internal/transport"
)

// classify translates telebot errors into the transport taxonomy.
//
// The 403 family ("bot was blocked", "user is deactivated", "not started")
// means the recipient is unreachable; the 400 family means Telegram rejected
// the request itself. Flood errors carry the retry-after hint.
func classify(err error) error {
	if err == nil {
		return nil
	}

	var flood tele.FloodError
	if errors.As(err, &flood) {
		after := time.Duration(flood.RetryAfter) * time.Second
		if after <= 0 {
			after = time.Second
		}
		return &transport.RetryAfterError{After: after}
	}

	var te *tele.Error
	if errors.As(err, &te) {
		switch te.Code {
		case http.StatusForbidden:
			return fmt.Errorf("%w: %s", transport.ErrRecipientUnreachable, te.Description)
		case http.StatusBadRequest:
			return fmt.Errorf("%w: %s", transport.ErrChannelRejected, te.Description)
		}
	}
	return err
}
