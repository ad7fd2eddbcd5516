package telegram

import (
	tele "gopkg.in/telebot.v4"

	"mailbot/internal/transport"
)

// renderKeyboard maps mailing buttons onto an inline keyboard, one button per
// row. Malformed entries (empty label, both or neither of URL/action set) are
// skipped rather than failing the whole send.
func renderKeyboard(buttons []transport.Button) *tele.ReplyMarkup {
	if len(buttons) == 0 {
		return nil
	}

	mk := &tele.ReplyMarkup{}
	rows := make([]tele.Row, 0, len(buttons))
	for _, b := range buttons {
		if !b.Valid() {
			continue
		}
		if b.URL != "" {
			rows = append(rows, mk.Row(mk.URL(b.Label, b.URL)))
		} else {
			rows = append(rows, mk.Row(mk.Data(b.Label, b.Action)))
		}
	}
	if len(rows) == 0 {
		return nil
	}
	mk.Inline(rows...)
	return mk
}
