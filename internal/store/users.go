package store

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// UpsertUser registers a user on first contact and refreshes the profile
// fields on every later one. The joined-at timestamp is only set once.
func (s *Store) UpsertUser(ctx context.Context, tgID int64, username, fullName string) (User, error) {
	now := fmtTime(time.Now())
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users(tg_id, username, full_name, is_active, joined_at, last_activity)
		 VALUES(?,?,?,1,?,?)
		 ON CONFLICT(tg_id) DO UPDATE SET
		   username = excluded.username,
		   full_name = excluded.full_name,
		   is_active = 1,
		   last_activity = excluded.last_activity`,
		tgID, username, fullName, now, now,
	)
	if err != nil {
		return User{}, err
	}
	return s.userByTgID(ctx, tgID)
}

// TouchUserActivity refreshes last-activity. A successful broadcast receipt
// counts as activity, same as an inbound message.
func (s *Store) TouchUserActivity(ctx context.Context, tgID int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE users SET last_activity = ? WHERE tg_id = ?`,
		fmtTime(time.Now()), tgID,
	)
	return err
}

// DeactivateUser clears the active flag. Users are never hard-deleted.
func (s *Store) DeactivateUser(ctx context.Context, tgID int64) error {
	res, err := s.db.ExecContext(ctx, `UPDATE users SET is_active = 0 WHERE tg_id = ?`, tgID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrUserNotFound
	}
	return nil
}

func (s *Store) userByTgID(ctx context.Context, tgID int64) (User, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, tg_id, username, full_name, is_active, joined_at, last_activity
		 FROM users WHERE tg_id = ?`, tgID)
	return scanUser(row)
}

// User fetches one directory entry by its Telegram id.
func (s *Store) User(ctx context.Context, tgID int64) (User, error) {
	return s.userByTgID(ctx, tgID)
}

// UsersBySegment resolves a target segment into its member list. Order is
// whatever the index scan yields; callers must not depend on it.
func (s *Store) UsersBySegment(ctx context.Context, seg Segment) ([]User, error) {
	switch seg {
	case SegmentAll:
		return s.queryUsers(ctx, `SELECT id, tg_id, username, full_name, is_active, joined_at, last_activity
			FROM users WHERE is_active = 1`)
	case SegmentActiveToday:
		start, end := s.todayBounds()
		return s.queryUsers(ctx, `SELECT id, tg_id, username, full_name, is_active, joined_at, last_activity
			FROM users WHERE is_active = 1 AND last_activity >= ? AND last_activity <= ?`,
			fmtTime(start), fmtTime(end))
	case SegmentNew7d:
		return s.newUsers(ctx, 7)
	case SegmentNew30d:
		return s.newUsers(ctx, 30)
	default:
		return nil, errors.New("unknown segment: " + string(seg))
	}
}

func (s *Store) newUsers(ctx context.Context, days int) ([]User, error) {
	since := time.Now().AddDate(0, 0, -days)
	return s.queryUsers(ctx, `SELECT id, tg_id, username, full_name, is_active, joined_at, last_activity
		FROM users WHERE is_active = 1 AND joined_at >= ?`, fmtTime(since))
}

// todayBounds returns the configured-timezone day window in UTC.
func (s *Store) todayBounds() (time.Time, time.Time) {
	now := time.Now().In(s.loc)
	start := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, s.loc)
	return start, start.Add(24*time.Hour - time.Nanosecond)
}

// CountUsers returns active directory size (for the ops surface).
func (s *Store) CountUsers(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM users WHERE is_active = 1`).Scan(&n)
	return n, err
}

func (s *Store) queryUsers(ctx context.Context, q string, args ...any) ([]User, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(r rowScanner) (User, error) {
	var (
		u                  User
		active             int
		joined, lastActive string
		username, fullName sql.NullString
	)
	err := r.Scan(&u.ID, &u.TgID, &username, &fullName, &active, &joined, &lastActive)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, ErrUserNotFound
	}
	if err != nil {
		return User{}, err
	}
	u.Username = username.String
	u.FullName = fullName.String
	u.Active = active != 0
	u.JoinedAt = parseTime(joined)
	u.LastActivity = parseTime(lastActive)
	return u, nil
}
