package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"mailbot/internal/transport"
)

// CreateMailing persists a validated draft in the draft status.
func (s *Store) CreateMailing(ctx context.Context, d MailingDraft) (Mailing, error) {
	if err := d.Validate(); err != nil {
		return Mailing{}, err
	}
	buttons, err := json.Marshal(d.Buttons)
	if err != nil {
		return Mailing{}, err
	}

	trigger := strings.ToLower(strings.TrimSpace(d.TriggerWord))
	now := fmtTime(time.Now())
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO mailings(title, body, kind, media_ref, media_name, buttons, status,
		                      trigger_word, is_trigger, created_at, updated_at)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?)`,
		d.Title, d.Body, string(d.Kind), d.MediaRef, d.MediaName, string(buttons),
		string(StatusDraft), trigger, boolInt(trigger != ""), now, now,
	)
	if err != nil {
		return Mailing{}, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return Mailing{}, err
	}
	return s.Mailing(ctx, id)
}

// Mailing loads one definition. Soft-deleted mailings are reported as not found.
func (s *Store) Mailing(ctx context.Context, id int64) (Mailing, error) {
	row := s.db.QueryRowContext(ctx, mailingSelect+` WHERE id = ?`, id)
	m, err := scanMailing(row)
	if err != nil {
		return Mailing{}, err
	}
	if m.Status == StatusDeleted {
		return Mailing{}, ErrMailingNotFound
	}
	return m, nil
}

// MailingsByStatus lists definitions in one lifecycle state.
func (s *Store) MailingsByStatus(ctx context.Context, st Status) ([]Mailing, error) {
	return s.queryMailings(ctx, mailingSelect+` WHERE status = ? ORDER BY id`, string(st))
}

// AllMailings lists everything except soft-deleted definitions.
func (s *Store) AllMailings(ctx context.Context) ([]Mailing, error) {
	return s.queryMailings(ctx, mailingSelect+` WHERE status != ? ORDER BY id`, string(StatusDeleted))
}

// UpdateMailing applies a partial update, re-validating the result so a
// mailing can never end up with an inconsistent kind/media combination.
func (s *Store) UpdateMailing(ctx context.Context, id int64, upd MailingUpdate) (Mailing, error) {
	m, err := s.Mailing(ctx, id)
	if err != nil {
		return Mailing{}, err
	}

	if upd.Title != nil {
		m.Title = *upd.Title
	}
	if upd.Body != nil {
		m.Body = *upd.Body
	}
	if upd.Kind != nil {
		m.Kind = *upd.Kind
	}
	if upd.MediaRef != nil {
		m.MediaRef = *upd.MediaRef
	}
	if upd.MediaName != nil {
		m.MediaName = *upd.MediaName
	}
	if upd.Buttons != nil {
		m.Buttons = *upd.Buttons
	}
	if upd.TriggerWord != nil {
		m.TriggerWord = strings.ToLower(strings.TrimSpace(*upd.TriggerWord))
		m.IsTrigger = m.TriggerWord != ""
	}
	if upd.IsTrigger != nil {
		m.IsTrigger = *upd.IsTrigger
	}

	draft := MailingDraft{
		Title: m.Title, Body: m.Body, Kind: m.Kind,
		MediaRef: m.MediaRef, MediaName: m.MediaName,
		Buttons: m.Buttons, TriggerWord: m.TriggerWord,
	}
	if err := draft.Validate(); err != nil {
		return Mailing{}, err
	}

	buttons, err := json.Marshal(m.Buttons)
	if err != nil {
		return Mailing{}, err
	}
	_, err = s.db.ExecContext(ctx,
		`UPDATE mailings SET title=?, body=?, kind=?, media_ref=?, media_name=?, buttons=?,
		        trigger_word=?, is_trigger=?, updated_at=?
		 WHERE id = ?`,
		m.Title, m.Body, string(m.Kind), m.MediaRef, m.MediaName, string(buttons),
		m.TriggerWord, boolInt(m.IsTrigger), fmtTime(time.Now()), id,
	)
	if err != nil {
		return Mailing{}, err
	}
	return s.Mailing(ctx, id)
}

// SetMailingStatus performs a lifecycle transition. Invalid transitions
// (e.g. broadcast-ready straight from deleted) are rejected.
func (s *Store) SetMailingStatus(ctx context.Context, id int64, to Status) error {
	m, err := s.Mailing(ctx, id)
	if err != nil {
		return err
	}
	if m.Status == to {
		return nil
	}
	if !canTransition(m.Status, to) {
		return fmt.Errorf("cannot transition mailing %d from %s to %s", id, m.Status, to)
	}
	_, err = s.db.ExecContext(ctx,
		`UPDATE mailings SET status = ?, updated_at = ? WHERE id = ?`,
		string(to), fmtTime(time.Now()), id,
	)
	return err
}

// MailingByTrigger finds the active mailing bound to a trigger keyword.
func (s *Store) MailingByTrigger(ctx context.Context, word string) (Mailing, error) {
	word = strings.ToLower(strings.TrimSpace(word))
	if word == "" {
		return Mailing{}, ErrMailingNotFound
	}
	row := s.db.QueryRowContext(ctx,
		mailingSelect+` WHERE trigger_word = ? AND is_trigger = 1 AND status = ?`,
		word, string(StatusActive))
	return scanMailing(row)
}

// ActiveTriggerMailings lists the keyword-activated mailings users can request.
func (s *Store) ActiveTriggerMailings(ctx context.Context) ([]Mailing, error) {
	return s.queryMailings(ctx,
		mailingSelect+` WHERE is_trigger = 1 AND status = ? ORDER BY trigger_word`,
		string(StatusActive))
}

const mailingSelect = `SELECT id, title, body, kind, media_ref, media_name, buttons, status,
       trigger_word, is_trigger, created_at, updated_at FROM mailings`

func (s *Store) queryMailings(ctx context.Context, q string, args ...any) ([]Mailing, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Mailing
	for rows.Next() {
		m, err := scanMailing(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func scanMailing(r rowScanner) (Mailing, error) {
	var (
		m                  Mailing
		kind, status       string
		buttons            string
		isTrigger          int
		created, updated   string
	)
	err := r.Scan(&m.ID, &m.Title, &m.Body, &kind, &m.MediaRef, &m.MediaName,
		&buttons, &status, &m.TriggerWord, &isTrigger, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return Mailing{}, ErrMailingNotFound
	}
	if err != nil {
		return Mailing{}, err
	}
	m.Kind = transport.ContentKind(kind)
	m.Status = Status(status)
	m.IsTrigger = isTrigger != 0
	m.CreatedAt = parseTime(created)
	m.UpdatedAt = parseTime(updated)
	if err := json.Unmarshal([]byte(buttons), &m.Buttons); err != nil {
		// A corrupted buttons blob should not make the mailing unreadable.
		m.Buttons = nil
	}
	return m, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
