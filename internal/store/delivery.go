package store

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// CreateDeliveryRecord opens the audit row for one send attempt (sent=false).
// The row exists before the network call so a crash mid-send still leaves an
// "attempted" trace; ReconcileStuckDeliveries settles those on restart.
func (s *Store) CreateDeliveryRecord(ctx context.Context, mailingID, userTgID int64, seg Segment) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO delivery_records(mailing_id, user_id, segment, sent, delivered, was_read, created_at)
		 VALUES(?,?,?,0,0,0,?)`,
		mailingID, userTgID, string(seg), fmtTime(time.Now()),
	)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// MarkDeliveryResult closes a send attempt: sent becomes true either way,
// delivered reflects the outcome. Flags only progress false->true and the
// timestamps are set once, on the transition.
func (s *Store) MarkDeliveryResult(ctx context.Context, recordID int64, delivered bool) error {
	now := fmtTime(time.Now())
	_, err := s.db.ExecContext(ctx,
		`UPDATE delivery_records SET
		   sent = 1,
		   sent_at = COALESCE(sent_at, ?),
		   delivered = CASE WHEN delivered = 1 THEN 1 WHEN ? THEN 1 ELSE 0 END,
		   delivered_at = CASE WHEN delivered_at IS NOT NULL THEN delivered_at WHEN ? THEN ? ELSE NULL END
		 WHERE id = ?`,
		now, boolInt(delivered), boolInt(delivered), now, recordID,
	)
	return err
}

// MarkDeliveryRead records a read receipt. The broadcast engine never calls
// this; it exists for a separate read-receipt signal.
func (s *Store) MarkDeliveryRead(ctx context.Context, recordID int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE delivery_records SET
		   was_read = 1,
		   read_at = COALESCE(read_at, ?)
		 WHERE id = ?`,
		fmtTime(time.Now()), recordID,
	)
	return err
}

// DeliveryRecord loads one audit row.
func (s *Store) DeliveryRecord(ctx context.Context, id int64) (DeliveryRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, mailing_id, user_id, segment, sent, delivered, was_read,
		        created_at, sent_at, delivered_at, read_at
		 FROM delivery_records WHERE id = ?`, id)
	return scanDelivery(row)
}

// DeliveryRecords lists the audit rows of one mailing.
func (s *Store) DeliveryRecords(ctx context.Context, mailingID int64) ([]DeliveryRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, mailing_id, user_id, segment, sent, delivered, was_read,
		        created_at, sent_at, delivered_at, read_at
		 FROM delivery_records WHERE mailing_id = ? ORDER BY id`, mailingID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []DeliveryRecord
	for rows.Next() {
		rec, err := scanDelivery(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// MailingStats aggregates delivery outcomes for one mailing.
func (s *Store) MailingStats(ctx context.Context, mailingID int64) (Stats, error) {
	var st Stats
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*),
		        COALESCE(SUM(delivered), 0),
		        COALESCE(SUM(was_read), 0)
		 FROM delivery_records WHERE mailing_id = ?`, mailingID).
		Scan(&st.Total, &st.Delivered, &st.Read)
	if err != nil {
		return Stats{}, err
	}
	if st.Total > 0 {
		st.SuccessRate = float64(st.Delivered) / float64(st.Total) * 100
	}
	return st, nil
}

// ReconcileStuckDeliveries settles records left at sent=false by a crash
// between record creation and the send outcome: anything older than olderThan
// is marked as a failed attempt. Returns how many rows were settled.
func (s *Store) ReconcileStuckDeliveries(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := fmtTime(time.Now().Add(-olderThan))
	res, err := s.db.ExecContext(ctx,
		`UPDATE delivery_records SET
		   sent = 1,
		   sent_at = COALESCE(sent_at, created_at)
		 WHERE sent = 0 AND created_at < ?`,
		cutoff,
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func scanDelivery(r rowScanner) (DeliveryRecord, error) {
	var (
		rec                       DeliveryRecord
		seg                       string
		sent, delivered, wasRead  int
		created                   string
		sentAt, deliveredAt, readAt sql.NullString
	)
	err := r.Scan(&rec.ID, &rec.MailingID, &rec.UserID, &seg, &sent, &delivered, &wasRead,
		&created, &sentAt, &deliveredAt, &readAt)
	if errors.Is(err, sql.ErrNoRows) {
		return DeliveryRecord{}, errors.New("delivery record not found")
	}
	if err != nil {
		return DeliveryRecord{}, err
	}
	rec.Segment = Segment(seg)
	rec.Sent = sent != 0
	rec.Delivered = delivered != 0
	rec.Read = wasRead != 0
	rec.CreatedAt = parseTime(created)
	rec.SentAt = parseNullTime(sentAt)
	rec.DeliveredAt = parseNullTime(deliveredAt)
	rec.ReadAt = parseNullTime(readAt)
	return rec, nil
}
