package broadcast

import (
	"context"
	"fmt"
	"time"

	"mailbot/internal/store"
	"mailbot/pkg/logx"
)

// Broadcast sends the mailing to every member of the segment.
//
// Batch-level failures (mailing missing, not active, unknown segment) abort
// before any send and surface as an error with a zero report. An empty
// audience is success. From the first send on, every outcome is recorded and
// the loop runs to the end unless ctx is cancelled.
func (e *Engine) Broadcast(ctx context.Context, mailingID int64, seg store.Segment) (Report, error) {
	if !seg.Valid() {
		return Report{}, fmt.Errorf("unknown target segment %q", seg)
	}

	m, err := e.store.Mailing(ctx, mailingID)
	if err != nil {
		return Report{}, err
	}
	if m.Status != store.StatusActive {
		return Report{}, fmt.Errorf("mailing %d is %s: %w", mailingID, m.Status, store.ErrMailingNotActive)
	}

	// Warm the media cache once so the per-recipient loop replays from disk.
	// Best-effort: the first recipient's send retries the fetch on failure.
	if m.Kind.NeedsMedia() {
		if _, err := e.cache.Materialize(ctx, m.MediaRef, m.Kind, m.MediaName); err != nil {
			e.log.Warn("media warm-up failed; sends will retry the fetch",
				logx.Int64("mailing", m.ID), logx.Err(err))
		}
	}

	users, err := e.store.UsersBySegment(ctx, seg)
	if err != nil {
		return Report{}, fmt.Errorf("resolve audience: %w", err)
	}
	if len(users) == 0 {
		e.log.Info("broadcast audience empty",
			logx.Int64("mailing", m.ID), logx.String("segment", string(seg)))
		return Report{OK: true}, nil
	}

	run := e.newRun(m, seg, len(users))
	sink := e.sink()

	e.log.Info("broadcast started",
		logx.String("run", run.ID),
		logx.Int64("mailing", m.ID),
		logx.String("segment", string(seg)),
		logx.Int("total", len(users)))
	sink.Begin(ctx, m, len(users))

	start := time.Now()
	var success, failed int
	total := len(users)

	for i, u := range users {
		// Cooperative cancellation between recipients: a broadcast against
		// thousands of users can run for minutes and must be abortable.
		if err := ctx.Err(); err != nil {
			rep := Report{Success: success, Failed: failed, Total: total}
			e.abortRun(run.ID)
			fctx := context.WithoutCancel(ctx)
			sink.Finish(fctx, m, rep)
			e.log.Warn("broadcast cancelled",
				logx.String("run", run.ID),
				logx.Int("done", i), logx.Int("total", total))
			return rep, err
		}
		if err := e.limiter.Wait(ctx); err != nil {
			rep := Report{Success: success, Failed: failed, Total: total}
			e.abortRun(run.ID)
			sink.Finish(context.WithoutCancel(ctx), m, rep)
			return rep, err
		}

		if e.sendToRecipient(ctx, m, u.TgID, seg) {
			success++
		} else {
			failed++
		}
		e.markProgress(run.ID, success, failed)

		done := i + 1
		if done%e.cfg.ProgressEvery == 0 || done == total {
			sink.Update(ctx, done, success, failed, total)
		}
	}

	rep := Report{OK: true, Success: success, Failed: failed, Total: total}
	e.finishRun(run.ID)
	sink.Finish(ctx, m, rep)

	fields := []logx.Field{
		logx.String("run", run.ID),
		logx.Int64("mailing", m.ID),
		logx.Int("success", success),
		logx.Int("failed", failed),
		logx.Int("total", total),
		logx.Float64("pct", rep.Percent()),
		logx.Duration("took", time.Since(start)),
	}
	if failed > 0 {
		e.log.Warn("broadcast finished with failures", fields...)
	} else {
		e.log.Info("broadcast finished", fields...)
	}
	return rep, nil
}

// SendDirect delivers one mailing to a single user outside of a broadcast
// (trigger keywords, welcome message). The delivery record is labeled so
// audits can tell these apart from broadcast fan-out.
func (e *Engine) SendDirect(ctx context.Context, m store.Mailing, userTgID int64) bool {
	return e.sendToRecipient(ctx, m, userTgID, store.SegmentDirect)
}
