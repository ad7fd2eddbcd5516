package broadcast

import (
	"context"
	"fmt"

	"mailbot/internal/store"
	"mailbot/internal/transport"
	"mailbot/pkg/logx"
)

// OperatorReporter renders human-readable progress back through the delivery
// channel to a designated operator chat. One message is sent at the start of
// a run and edited in place at every checkpoint; if an edit fails, a fresh
// message is sent and tracked instead.
type OperatorReporter struct {
	channel  transport.Channel
	operator transport.Recipient
	log      logx.Logger
}

func NewOperatorReporter(channel transport.Channel, operatorChatID int64, log logx.Logger) *OperatorReporter {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &OperatorReporter{
		channel:  channel,
		operator: transport.Recipient{ChatID: operatorChatID},
		log:      log,
	}
}

// NewRun returns a fresh per-run sink so concurrent broadcasts don't fight
// over the same progress message.
func (r *OperatorReporter) NewRun() ProgressSink {
	return &operatorRun{r: r}
}

type operatorRun struct {
	r      *OperatorReporter
	ref    transport.MessageRef
	hasRef bool
}

var progressOpts = &transport.SendOptions{ParseMode: "HTML", DisablePreview: true}

func (run *operatorRun) Begin(ctx context.Context, m store.Mailing, total int) {
	text := fmt.Sprintf("📤 <b>Broadcast started</b>\n%s\nRecipients: %d", m.Title, total)
	run.post(ctx, text)
}

func (run *operatorRun) Update(ctx context.Context, done, success, failed, total int) {
	text := fmt.Sprintf("⏳ <b>Broadcast in progress</b>\nSent %d/%d · delivered %d · failed %d",
		done, total, success, failed)
	run.post(ctx, text)
}

func (run *operatorRun) Finish(ctx context.Context, m store.Mailing, rep Report) {
	text := fmt.Sprintf(
		"✅ <b>Broadcast finished</b>\n%s\nDelivered: %d/%d (%.1f%%)\nFailed: %d",
		m.Title, rep.Success, rep.Total, rep.Percent(), rep.Failed)
	if !rep.OK {
		text = fmt.Sprintf(
			"⚠️ <b>Broadcast aborted</b>\n%s\nDelivered: %d/%d\nFailed: %d",
			m.Title, rep.Success, rep.Total, rep.Failed)
	}
	run.post(ctx, text)
}

// post edits the tracked message or, failing that, sends a new one. Progress
// reporting is best-effort and must never interfere with the broadcast.
func (run *operatorRun) post(ctx context.Context, text string) {
	if run.r.operator.ChatID == 0 {
		return
	}
	if run.hasRef {
		if err := run.r.channel.EditText(ctx, run.ref, text, progressOpts); err == nil {
			return
		}
	}
	ref, err := run.r.channel.SendText(ctx, run.r.operator, text, progressOpts)
	if err != nil {
		run.r.log.Debug("progress message failed", logx.Err(err))
		return
	}
	run.ref = ref
	run.hasRef = true
}
