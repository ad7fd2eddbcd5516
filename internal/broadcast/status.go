package broadcast

import (
	"fmt"
	"sort"
	"time"

	"mailbot/internal/store"
)

const (
	// Keep run-status memory bounded: broadcasts can be triggered frequently
	// and retaining every status forever steadily leaks memory.
	statusMax = 200
	statusTTL = 24 * time.Hour
)

func (e *Engine) newRun(m store.Mailing, seg store.Segment, total int) *RunStatus {
	now := time.Now()
	e.pruneStatus(now)

	st := &RunStatus{
		ID:        fmt.Sprintf("bc:%d:%d", m.ID, now.UnixNano()),
		MailingID: m.ID,
		Title:     m.Title,
		Segment:   string(seg),
		Total:     total,
		Running:   true,
		CreatedAt: now,
		StartedAt: now,
	}
	e.statusMu.Lock()
	e.status[st.ID] = st
	e.statusMu.Unlock()
	return st
}

func (e *Engine) markProgress(id string, success, failed int) {
	e.statusMu.Lock()
	defer e.statusMu.Unlock()
	if st := e.status[id]; st != nil {
		st.Success = success
		st.Failed = failed
		st.Done = success + failed
	}
}

func (e *Engine) finishRun(id string) {
	e.statusMu.Lock()
	defer e.statusMu.Unlock()
	if st := e.status[id]; st != nil {
		st.Running = false
		st.DoneAt = time.Now()
	}
}

func (e *Engine) abortRun(id string) { e.finishRun(id) }

// Runs returns a snapshot of run statuses, newest first.
func (e *Engine) Runs() []RunStatus {
	e.statusMu.RLock()
	defer e.statusMu.RUnlock()
	out := make([]RunStatus, 0, len(e.status))
	for _, st := range e.status {
		if st != nil {
			out = append(out, *st)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

func (e *Engine) pruneStatus(now time.Time) {
	e.statusMu.Lock()
	defer e.statusMu.Unlock()

	if len(e.status) == 0 {
		return
	}

	// 1) Drop completed runs older than TTL.
	for id, st := range e.status {
		if st == nil {
			delete(e.status, id)
			continue
		}
		ref := st.DoneAt
		if ref.IsZero() {
			ref = st.CreatedAt
		}
		if !ref.IsZero() && now.Sub(ref) > statusTTL {
			delete(e.status, id)
		}
	}

	if len(e.status) <= statusMax {
		return
	}

	// 2) Still too big: drop oldest non-running runs.
	type kv struct {
		id string
		t  time.Time
	}
	items := make([]kv, 0, len(e.status))
	for id, st := range e.status {
		if st == nil || st.Running {
			continue
		}
		t := st.DoneAt
		if t.IsZero() {
			t = st.CreatedAt
		}
		items = append(items, kv{id: id, t: t})
	}
	sort.Slice(items, func(i, j int) bool { return items[i].t.Before(items[j].t) })

	excess := len(e.status) - statusMax
	for i := 0; i < excess && i < len(items); i++ {
		delete(e.status, items[i].id)
	}
}
