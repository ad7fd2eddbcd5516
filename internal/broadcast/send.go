package broadcast

import (
	"context"
	"errors"
	"runtime/debug"
	"strings"

	"mailbot/internal/store"
	"mailbot/internal/transport"
	"mailbot/pkg/logx"
)

// sendToRecipient runs one complete send attempt: open the delivery record,
// dispatch by content kind, close the record with the outcome. It never
// panics or returns an error into the broadcast loop; every failure mode
// collapses to false.
func (e *Engine) sendToRecipient(ctx context.Context, m store.Mailing, userTgID int64, seg store.Segment) (ok bool) {
	recID, err := e.store.CreateDeliveryRecord(ctx, m.ID, userTgID, seg)
	if err != nil {
		e.log.Error("delivery record create failed",
			logx.Int64("mailing", m.ID), logx.Int64("user", userTgID), logx.Err(err))
		return false
	}

	defer func() {
		if r := recover(); r != nil {
			e.log.Error("panic during send",
				logx.Int64("mailing", m.ID),
				logx.Int64("user", userTgID),
				logx.Any("panic", r),
				logx.String("stack", string(debug.Stack())))
			e.closeRecord(ctx, recID, false)
			ok = false
		}
	}()

	_, err = e.dispatch(ctx, m, transport.Recipient{ChatID: userTgID})
	if err == nil {
		e.closeRecord(ctx, recID, true)
		// A received broadcast counts as user activity.
		if err := e.store.TouchUserActivity(ctx, userTgID); err != nil {
			e.log.Warn("activity refresh failed", logx.Int64("user", userTgID), logx.Err(err))
		}
		return true
	}

	switch {
	case errors.Is(err, transport.ErrRecipientUnreachable):
		// Expected at scale; the user blocked the bot or deleted the chat.
		e.log.Debug("recipient unreachable", logx.Int64("user", userTgID))
	case errors.Is(err, transport.ErrChannelRejected):
		e.log.Error("channel rejected send",
			logx.Int64("mailing", m.ID), logx.Int64("user", userTgID), logx.Err(err))
	default:
		e.log.Error("send failed",
			logx.Int64("mailing", m.ID), logx.Int64("user", userTgID), logx.Err(err))
	}
	e.closeRecord(ctx, recID, false)
	return false
}

// closeRecord marks the attempt's outcome. The write must land even when the
// surrounding broadcast was just cancelled, hence WithoutCancel.
func (e *Engine) closeRecord(ctx context.Context, recID int64, delivered bool) {
	if err := e.store.MarkDeliveryResult(context.WithoutCancel(ctx), recID, delivered); err != nil {
		e.log.Error("delivery record update failed",
			logx.Int64("record", recID), logx.Err(err))
	}
}

// dispatch maps the mailing's content kind onto exactly one channel
// primitive. Video notes cannot carry a caption, so a non-empty body is sent
// as an immediate follow-up text message.
func (e *Engine) dispatch(ctx context.Context, m store.Mailing, to transport.Recipient) (transport.MessageRef, error) {
	opt := &transport.SendOptions{ParseMode: "HTML", Buttons: m.Buttons}

	if m.Kind == transport.KindText {
		return e.channel.SendText(ctx, to, m.Body, opt)
	}

	path, err := e.cache.Materialize(ctx, m.MediaRef, m.Kind, m.MediaName)
	if err != nil {
		return transport.MessageRef{}, err
	}

	switch m.Kind {
	case transport.KindPhoto:
		return e.channel.SendPhoto(ctx, to, path, m.Body, opt)
	case transport.KindVideo:
		return e.channel.SendVideo(ctx, to, path, m.Body, opt)
	case transport.KindDocument:
		return e.channel.SendDocument(ctx, to, path, m.MediaName, m.Body, opt)
	case transport.KindVoice:
		return e.channel.SendVoice(ctx, to, path, m.Body, opt)
	case transport.KindVideoNote:
		ref, err := e.channel.SendVideoNote(ctx, to, path, opt)
		if err != nil {
			return ref, err
		}
		if strings.TrimSpace(m.Body) != "" {
			if _, err := e.channel.SendText(ctx, to, m.Body, opt); err != nil {
				return ref, err
			}
		}
		return ref, nil
	default:
		return transport.MessageRef{}, errors.New("unknown content kind: " + string(m.Kind))
	}
}
