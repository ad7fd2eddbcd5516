package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"mailbot/internal/transport"
	"mailbot/pkg/logx"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(Config{Path: filepath.Join(t.TempDir(), "test.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func mustCreate(t *testing.T, s *Store, d MailingDraft) Mailing {
	t.Helper()
	m, err := s.CreateMailing(context.Background(), d)
	if err != nil {
		t.Fatalf("CreateMailing: %v", err)
	}
	return m
}

func textDraft(title string) MailingDraft {
	return MailingDraft{Title: title, Body: "body", Kind: transport.KindText}
}

func TestUpsertUserRegistersAndRefreshes(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	u1, err := s.UpsertUser(ctx, 100, "alice", "Alice A")
	if err != nil {
		t.Fatalf("UpsertUser: %v", err)
	}
	if !u1.Active || u1.TgID != 100 {
		t.Fatalf("unexpected user: %+v", u1)
	}

	u2, err := s.UpsertUser(ctx, 100, "alice2", "Alice B")
	if err != nil {
		t.Fatalf("second upsert: %v", err)
	}
	if u2.ID != u1.ID {
		t.Fatalf("upsert created a second row: %d vs %d", u2.ID, u1.ID)
	}
	if u2.Username != "alice2" || u2.FullName != "Alice B" {
		t.Fatalf("profile not refreshed: %+v", u2)
	}
	if u2.JoinedAt != u1.JoinedAt {
		t.Fatalf("joined-at must be set once: %v vs %v", u2.JoinedAt, u1.JoinedAt)
	}
	if n, _ := s.CountUsers(ctx); n != 1 {
		t.Fatalf("expected 1 user, got %d", n)
	}
}

func TestUpsertReactivatesDeactivatedUser(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.UpsertUser(ctx, 100, "alice", ""); err != nil {
		t.Fatalf("UpsertUser: %v", err)
	}
	if err := s.DeactivateUser(ctx, 100); err != nil {
		t.Fatalf("DeactivateUser: %v", err)
	}
	if users, _ := s.UsersBySegment(ctx, SegmentAll); len(users) != 0 {
		t.Fatalf("deactivated user still in segment: %v", users)
	}

	// Writing to the bot again brings the user back.
	if _, err := s.UpsertUser(ctx, 100, "alice", ""); err != nil {
		t.Fatalf("re-upsert: %v", err)
	}
	users, err := s.UsersBySegment(ctx, SegmentAll)
	if err != nil || len(users) != 1 {
		t.Fatalf("expected reactivated user, got %v (%v)", users, err)
	}
}

func TestSegments(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	for _, id := range []int64{1, 2, 3} {
		if _, err := s.UpsertUser(ctx, id, "", ""); err != nil {
			t.Fatalf("UpsertUser: %v", err)
		}
	}

	// User 1: joined 40 days ago, active 3 days ago.
	// User 2: joined 10 days ago, active 3 days ago.
	// User 3: joined and active now (the upsert default).
	age := func(tgID int64, joinedDays, activeDays int) {
		t.Helper()
		_, err := s.db.ExecContext(ctx,
			`UPDATE users SET joined_at = ?, last_activity = ? WHERE tg_id = ?`,
			fmtTime(time.Now().AddDate(0, 0, -joinedDays)),
			fmtTime(time.Now().AddDate(0, 0, -activeDays)), tgID)
		if err != nil {
			t.Fatalf("age user %d: %v", tgID, err)
		}
	}
	age(1, 40, 3)
	age(2, 10, 3)

	tgIDs := func(seg Segment) map[int64]bool {
		t.Helper()
		users, err := s.UsersBySegment(ctx, seg)
		if err != nil {
			t.Fatalf("UsersBySegment(%s): %v", seg, err)
		}
		out := map[int64]bool{}
		for _, u := range users {
			out[u.TgID] = true
		}
		return out
	}

	if got := tgIDs(SegmentAll); len(got) != 3 {
		t.Fatalf("all: got %v", got)
	}
	if got := tgIDs(SegmentActiveToday); len(got) != 1 || !got[3] {
		t.Fatalf("active today: got %v", got)
	}
	if got := tgIDs(SegmentNew7d); len(got) != 1 || !got[3] {
		t.Fatalf("new 7d: got %v", got)
	}
	if got := tgIDs(SegmentNew30d); len(got) != 2 || !got[2] || !got[3] {
		t.Fatalf("new 30d: got %v", got)
	}

	if _, err := s.UsersBySegment(ctx, Segment("vip")); err == nil {
		t.Fatal("unknown segment must error")
	}
}

func TestMailingLifecycle(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	m := mustCreate(t, s, textDraft("news"))
	if m.Status != StatusDraft {
		t.Fatalf("new mailing must be draft, got %s", m.Status)
	}

	// draft -> archived is not a thing.
	if err := s.SetMailingStatus(ctx, m.ID, StatusArchived); err == nil {
		t.Fatal("draft->archived must be rejected")
	}

	for _, to := range []Status{StatusActive, StatusArchived, StatusActive, StatusDeleted} {
		if err := s.SetMailingStatus(ctx, m.ID, to); err != nil {
			t.Fatalf("transition to %s: %v", to, err)
		}
	}

	// Deleted mailings disappear from reads and accept no transitions.
	if _, err := s.Mailing(ctx, m.ID); !errors.Is(err, ErrMailingNotFound) {
		t.Fatalf("deleted mailing should be gone, got %v", err)
	}
	if err := s.SetMailingStatus(ctx, m.ID, StatusActive); !errors.Is(err, ErrMailingNotFound) {
		t.Fatalf("deleted mailing must not transition, got %v", err)
	}
}

func TestDraftValidation(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	cases := []struct {
		name  string
		draft MailingDraft
	}{
		{"no title", MailingDraft{Kind: transport.KindText, Body: "x"}},
		{"bad kind", MailingDraft{Title: "t", Kind: "sticker"}},
		{"media kind without ref", MailingDraft{Title: "t", Kind: transport.KindPhoto}},
		{"text with media ref", MailingDraft{Title: "t", Kind: transport.KindText, MediaRef: "f"}},
		{"button with url and action", MailingDraft{
			Title: "t", Kind: transport.KindText, Body: "x",
			Buttons: []transport.Button{{Label: "b", URL: "https://x", Action: "go"}},
		}},
		{"button without label", MailingDraft{
			Title: "t", Kind: transport.KindText, Body: "x",
			Buttons: []transport.Button{{URL: "https://x"}},
		}},
	}
	for _, tc := range cases {
		if _, err := s.CreateMailing(ctx, tc.draft); err == nil {
			t.Errorf("%s: expected validation error", tc.name)
		}
	}
}

func TestUpdateMailingRevalidates(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	m := mustCreate(t, s, textDraft("news"))

	// Flipping kind to photo without a media ref must fail.
	kind := transport.KindPhoto
	if _, err := s.UpdateMailing(ctx, m.ID, MailingUpdate{Kind: &kind}); err == nil {
		t.Fatal("expected kind/media invariant to hold on update")
	}

	ref := "file-abc"
	upd, err := s.UpdateMailing(ctx, m.ID, MailingUpdate{Kind: &kind, MediaRef: &ref})
	if err != nil {
		t.Fatalf("valid update rejected: %v", err)
	}
	if upd.Kind != transport.KindPhoto || upd.MediaRef != "file-abc" {
		t.Fatalf("update not applied: %+v", upd)
	}
}

func TestTriggerLookup(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	d := textDraft("price list")
	d.TriggerWord = "  ПРАЙС  " // stored normalized
	m := mustCreate(t, s, d)
	if m.TriggerWord != "прайс" || !m.IsTrigger {
		t.Fatalf("trigger word not normalized: %+v", m)
	}

	// Drafts are not served.
	if _, err := s.MailingByTrigger(ctx, "прайс"); !errors.Is(err, ErrMailingNotFound) {
		t.Fatalf("draft trigger must not resolve, got %v", err)
	}

	if err := s.SetMailingStatus(ctx, m.ID, StatusActive); err != nil {
		t.Fatalf("activate: %v", err)
	}
	got, err := s.MailingByTrigger(ctx, "Прайс")
	if err != nil {
		t.Fatalf("MailingByTrigger: %v", err)
	}
	if got.ID != m.ID {
		t.Fatalf("wrong mailing: %+v", got)
	}

	list, err := s.ActiveTriggerMailings(ctx)
	if err != nil || len(list) != 1 {
		t.Fatalf("ActiveTriggerMailings: %v %v", list, err)
	}
}

func TestDeliveryFlagsAreMonotonic(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	m := mustCreate(t, s, textDraft("news"))
	id, err := s.CreateDeliveryRecord(ctx, m.ID, 100, SegmentAll)
	if err != nil {
		t.Fatalf("CreateDeliveryRecord: %v", err)
	}

	rec, err := s.DeliveryRecord(ctx, id)
	if err != nil {
		t.Fatalf("DeliveryRecord: %v", err)
	}
	if rec.Sent || rec.Delivered || rec.Read {
		t.Fatalf("new record should have no flags: %+v", rec)
	}

	if err := s.MarkDeliveryResult(ctx, id, true); err != nil {
		t.Fatalf("MarkDeliveryResult: %v", err)
	}
	rec, _ = s.DeliveryRecord(ctx, id)
	if !rec.Sent || !rec.Delivered {
		t.Fatalf("expected sent+delivered: %+v", rec)
	}
	firstDelivered := rec.DeliveredAt
	if firstDelivered.IsZero() {
		t.Fatal("delivered-at must be set")
	}

	// A later failure report must not regress delivered back to false.
	if err := s.MarkDeliveryResult(ctx, id, false); err != nil {
		t.Fatalf("MarkDeliveryResult: %v", err)
	}
	rec, _ = s.DeliveryRecord(ctx, id)
	if !rec.Delivered {
		t.Fatalf("delivered flag regressed: %+v", rec)
	}
	if !rec.DeliveredAt.Equal(firstDelivered) {
		t.Fatalf("delivered-at must be set once: %v vs %v", rec.DeliveredAt, firstDelivered)
	}

	if err := s.MarkDeliveryRead(ctx, id); err != nil {
		t.Fatalf("MarkDeliveryRead: %v", err)
	}
	rec, _ = s.DeliveryRecord(ctx, id)
	if !rec.Read || rec.ReadAt.IsZero() {
		t.Fatalf("expected read flag: %+v", rec)
	}
}

func TestFailedDeliveryStillMarkedSent(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	m := mustCreate(t, s, textDraft("news"))
	id, _ := s.CreateDeliveryRecord(ctx, m.ID, 100, SegmentAll)
	if err := s.MarkDeliveryResult(ctx, id, false); err != nil {
		t.Fatalf("MarkDeliveryResult: %v", err)
	}
	rec, _ := s.DeliveryRecord(ctx, id)
	if !rec.Sent || rec.Delivered {
		t.Fatalf("failed attempt must be sent=true delivered=false: %+v", rec)
	}
}

func TestReconcileStuckDeliveries(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	m := mustCreate(t, s, textDraft("news"))
	stuck, _ := s.CreateDeliveryRecord(ctx, m.ID, 100, SegmentAll)
	fresh, _ := s.CreateDeliveryRecord(ctx, m.ID, 101, SegmentAll)

	// Backdate the stuck one past the reconcile window.
	_, err := s.db.ExecContext(ctx,
		`UPDATE delivery_records SET created_at = ? WHERE id = ?`,
		fmtTime(time.Now().Add(-2*time.Hour)), stuck)
	if err != nil {
		t.Fatalf("backdate: %v", err)
	}

	n, err := s.ReconcileStuckDeliveries(ctx, time.Hour)
	if err != nil {
		t.Fatalf("ReconcileStuckDeliveries: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 settled record, got %d", n)
	}

	rec, _ := s.DeliveryRecord(ctx, stuck)
	if !rec.Sent || rec.Delivered {
		t.Fatalf("stuck record must settle as failed: %+v", rec)
	}
	rec, _ = s.DeliveryRecord(ctx, fresh)
	if rec.Sent {
		t.Fatalf("fresh in-flight record must be untouched: %+v", rec)
	}
}

func TestMailingStats(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	m := mustCreate(t, s, textDraft("news"))
	outcomes := []bool{true, true, true, false}
	var ids []int64
	for i, ok := range outcomes {
		id, err := s.CreateDeliveryRecord(ctx, m.ID, int64(100+i), SegmentAll)
		if err != nil {
			t.Fatalf("CreateDeliveryRecord: %v", err)
		}
		if err := s.MarkDeliveryResult(ctx, id, ok); err != nil {
			t.Fatalf("MarkDeliveryResult: %v", err)
		}
		ids = append(ids, id)
	}
	if err := s.MarkDeliveryRead(ctx, ids[0]); err != nil {
		t.Fatalf("MarkDeliveryRead: %v", err)
	}

	st, err := s.MailingStats(ctx, m.ID)
	if err != nil {
		t.Fatalf("MailingStats: %v", err)
	}
	if st.Total != 4 || st.Delivered != 3 || st.Read != 1 {
		t.Fatalf("stats wrong: %+v", st)
	}
	if st.SuccessRate != 75 {
		t.Fatalf("expected 75%% success rate, got %v", st.SuccessRate)
	}
}

func TestButtonsRoundTrip(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	d := textDraft("with buttons")
	d.Buttons = []transport.Button{
		{Label: "Site", URL: "https://example.com"},
		{Label: "More", Action: "more-info"},
	}
	m := mustCreate(t, s, d)
	if len(m.Buttons) != 2 {
		t.Fatalf("expected 2 buttons, got %+v", m.Buttons)
	}
	if m.Buttons[0].URL != "https://example.com" || m.Buttons[1].Action != "more-info" {
		t.Fatalf("buttons corrupted: %+v", m.Buttons)
	}
}
