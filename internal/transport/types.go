package transport

import (
	"context"
	"io"
	"strings"
)

// ContentKind selects which send primitive a mailing uses.
type ContentKind string

const (
	KindText      ContentKind = "text"
	KindPhoto     ContentKind = "photo"
	KindVideo     ContentKind = "video"
	KindDocument  ContentKind = "document"
	KindVoice     ContentKind = "voice"
	KindVideoNote ContentKind = "video_note"
)

// Valid reports whether k is one of the known content kinds.
func (k ContentKind) Valid() bool {
	switch k {
	case KindText, KindPhoto, KindVideo, KindDocument, KindVoice, KindVideoNote:
		return true
	}
	return false
}

// NeedsMedia reports whether the kind requires a media reference.
func (k ContentKind) NeedsMedia() bool { return k.Valid() && k != KindText }

// Recipient addresses one chat on the channel.
type Recipient struct {
	ChatID int64
}

// MessageRef identifies a sent message so it can be edited later.
type MessageRef struct {
	ChatID    int64
	MessageID int
}

// Button is one inline keyboard entry. Exactly one of URL and Action must be
// set; entries violating that are skipped at render time.
type Button struct {
	Label  string `json:"label"`
	URL    string `json:"url,omitempty"`
	Action string `json:"action,omitempty"`
}

// Valid reports whether the button can be rendered.
func (b Button) Valid() bool {
	if strings.TrimSpace(b.Label) == "" {
		return false
	}
	hasURL := strings.TrimSpace(b.URL) != ""
	hasAction := strings.TrimSpace(b.Action) != ""
	return hasURL != hasAction
}

type SendOptions struct {
	ParseMode      string
	DisablePreview bool
	Buttons        []Button
}

type UpdateKind string

const (
	UpdateMessage  UpdateKind = "message"
	UpdateCallback UpdateKind = "callback"
)

// Update is one inbound event from the channel. Exactly one of Message and
// Callback is set, matching Kind.
type Update struct {
	Kind     UpdateKind
	Message  *Message
	Callback *Callback
}

type Message struct {
	ID           int
	ChatID       int64
	FromID       int64
	FromUsername string
	FromName     string
	Text         string
}

type Callback struct {
	ID        string
	FromID    int64
	ChatID    int64
	MessageID int
	Data      string
}

// Channel is the external message transport. All methods honor ctx
// cancellation; sends return the ref of the (first) message sent.
type Channel interface {
	SendText(ctx context.Context, to Recipient, text string, opt *SendOptions) (MessageRef, error)
	SendPhoto(ctx context.Context, to Recipient, path, caption string, opt *SendOptions) (MessageRef, error)
	SendVideo(ctx context.Context, to Recipient, path, caption string, opt *SendOptions) (MessageRef, error)
	SendDocument(ctx context.Context, to Recipient, path, filename, caption string, opt *SendOptions) (MessageRef, error)
	SendVoice(ctx context.Context, to Recipient, path, caption string, opt *SendOptions) (MessageRef, error)
	SendVideoNote(ctx context.Context, to Recipient, path string, opt *SendOptions) (MessageRef, error)

	EditText(ctx context.Context, ref MessageRef, text string, opt *SendOptions) error

	// Download fetches the payload behind an opaque media reference.
	Download(ctx context.Context, ref string) (io.ReadCloser, error)
}

// Listener receives inbound updates. Implemented by adapters that run a
// long-poll loop (the bot side of the channel).
type Listener interface {
	Start(ctx context.Context, out chan<- Update) error
	Stop(ctx context.Context) error
}
