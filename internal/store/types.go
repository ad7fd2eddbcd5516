package store

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"mailbot/internal/transport"
)

var (
	ErrMailingNotFound  = errors.New("mailing not found")
	ErrMailingNotActive = errors.New("mailing not active")
	ErrUserNotFound     = errors.New("user not found")
)

// Status is a mailing's lifecycle state.
type Status string

const (
	StatusDraft    Status = "draft"
	StatusActive   Status = "active"
	StatusArchived Status = "archived"
	StatusDeleted  Status = "deleted"
)

// validTransitions encodes the lifecycle: draft -> active -> archived, with a
// soft delete reachable from anywhere. Deleted mailings stay deleted.
var validTransitions = map[Status][]Status{
	StatusDraft:    {StatusActive, StatusDeleted},
	StatusActive:   {StatusArchived, StatusDeleted},
	StatusArchived: {StatusActive, StatusDeleted},
}

func canTransition(from, to Status) bool {
	for _, s := range validTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Segment names an audience-selection rule.
type Segment string

const (
	SegmentAll         Segment = "all"
	SegmentActiveToday Segment = "active_today"
	SegmentNew7d       Segment = "new_7d"
	SegmentNew30d      Segment = "new_30d"

	// SegmentDirect labels delivery records for single-user sends (trigger
	// keywords, welcome message). It is not a broadcast audience.
	SegmentDirect Segment = "direct"
)

func (s Segment) Valid() bool {
	switch s {
	case SegmentAll, SegmentActiveToday, SegmentNew7d, SegmentNew30d:
		return true
	}
	return false
}

type User struct {
	ID           int64
	TgID         int64
	Username     string
	FullName     string
	Active       bool
	JoinedAt     time.Time
	LastActivity time.Time
}

type Mailing struct {
	ID          int64
	Title       string
	Body        string
	Kind        transport.ContentKind
	MediaRef    string
	MediaName   string // original filename, kept for document sends
	Buttons     []transport.Button
	Status      Status
	TriggerWord string
	IsTrigger   bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// MailingDraft is the input for creating a mailing.
type MailingDraft struct {
	Title       string
	Body        string
	Kind        transport.ContentKind
	MediaRef    string
	MediaName   string
	Buttons     []transport.Button
	TriggerWord string
}

// Validate enforces the content invariants at the store boundary:
// text mailings carry no media reference, media mailings require one, and
// every button has exactly one of {link, action token}.
func (d MailingDraft) Validate() error {
	if strings.TrimSpace(d.Title) == "" {
		return errors.New("mailing title is required")
	}
	if !d.Kind.Valid() {
		return fmt.Errorf("unknown content kind %q", d.Kind)
	}
	hasMedia := strings.TrimSpace(d.MediaRef) != ""
	if d.Kind.NeedsMedia() && !hasMedia {
		return fmt.Errorf("content kind %q requires a media reference", d.Kind)
	}
	if !d.Kind.NeedsMedia() && hasMedia {
		return errors.New("text mailings must not carry a media reference")
	}
	for i, b := range d.Buttons {
		if !b.Valid() {
			return fmt.Errorf("button %d: need a label and exactly one of url/action", i)
		}
	}
	return nil
}

// MailingUpdate carries partial changes; nil fields are left untouched.
type MailingUpdate struct {
	Title       *string
	Body        *string
	Kind        *transport.ContentKind
	MediaRef    *string
	MediaName   *string
	Buttons     *[]transport.Button
	TriggerWord *string
	IsTrigger   *bool
}

type DeliveryRecord struct {
	ID        int64
	MailingID int64
	UserID    int64
	Segment   Segment
	Sent      bool
	Delivered bool
	Read      bool
	CreatedAt time.Time

	SentAt      time.Time // zero when not yet set
	DeliveredAt time.Time
	ReadAt      time.Time
}

// Stats aggregates delivery outcomes for one mailing.
type Stats struct {
	Total       int
	Delivered   int
	Read        int
	SuccessRate float64 // delivered / total * 100
}
