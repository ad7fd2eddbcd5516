package broadcast

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"mailbot/internal/store"
	"mailbot/internal/transport"
	"mailbot/pkg/logx"
)

type Config struct {
	// RatePerSec caps outbound sends to match the channel's published limits.
	RatePerSec int
	// Burst is the limiter burst size; defaults to RatePerSec.
	Burst int
	// ProgressEvery controls how many recipients pass between progress
	// updates. The final recipient always produces one.
	ProgressEvery int
}

func (c Config) withDefaults() Config {
	if c.RatePerSec <= 0 {
		c.RatePerSec = 20
	}
	if c.Burst <= 0 {
		c.Burst = c.RatePerSec
	}
	if c.ProgressEvery <= 0 {
		c.ProgressEvery = 10
	}
	return c
}

// Report is the outcome of one broadcast.
type Report struct {
	OK      bool
	Success int
	Failed  int
	Total   int
}

// Percent returns the delivery success percentage.
func (r Report) Percent() float64 {
	if r.Total == 0 {
		return 0
	}
	return float64(r.Success) / float64(r.Total) * 100
}

// Store is the slice of the persistence layer the engine consumes.
type Store interface {
	Mailing(ctx context.Context, id int64) (store.Mailing, error)
	UsersBySegment(ctx context.Context, seg store.Segment) ([]store.User, error)
	TouchUserActivity(ctx context.Context, tgID int64) error
	CreateDeliveryRecord(ctx context.Context, mailingID, userTgID int64, seg store.Segment) (int64, error)
	MarkDeliveryResult(ctx context.Context, recordID int64, delivered bool) error
}

// Materializer turns a media reference into a local file path.
type Materializer interface {
	Materialize(ctx context.Context, ref string, kind transport.ContentKind, origName string) (string, error)
}

// ProgressSink receives live progress for one broadcast run. Implementations
// must tolerate a cancelled context on Finish (the final summary is still
// attempted after an abort).
type ProgressSink interface {
	Begin(ctx context.Context, m store.Mailing, total int)
	Update(ctx context.Context, done, success, failed, total int)
	Finish(ctx context.Context, m store.Mailing, rep Report)
}

// SinkFactory creates a fresh sink per run so concurrent broadcasts don't
// share progress-message state.
type SinkFactory func() ProgressSink

type Engine struct {
	cfg     Config
	store   Store
	channel transport.Channel
	cache   Materializer
	sink    SinkFactory
	log     logx.Logger

	limiter *rate.Limiter

	statusMu sync.RWMutex
	status   map[string]*RunStatus
}

// RunStatus is the observable state of one broadcast run.
type RunStatus struct {
	ID        string    `json:"id"`
	MailingID int64     `json:"mailing_id"`
	Title     string    `json:"title"`
	Segment   string    `json:"segment"`
	Total     int       `json:"total"`
	Done      int       `json:"done"`
	Success   int       `json:"success"`
	Failed    int       `json:"failed"`
	Running   bool      `json:"running"`
	CreatedAt time.Time `json:"created_at"`
	StartedAt time.Time `json:"started_at"`
	DoneAt    time.Time `json:"done_at,omitempty"`
}

func New(cfg Config, st Store, channel transport.Channel, cache Materializer, sink SinkFactory, log logx.Logger) *Engine {
	cfg = cfg.withDefaults()
	if log.IsZero() {
		log = logx.Nop()
	}
	if sink == nil {
		sink = func() ProgressSink { return nopSink{} }
	}
	return &Engine{
		cfg:     cfg,
		store:   st,
		channel: channel,
		cache:   cache,
		sink:    sink,
		log:     log,
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.Burst),
		status:  map[string]*RunStatus{},
	}
}

// SetRate retunes the send limiter, typically after a config reload. Runs in
// flight pick the new rate up on their next Wait.
func (e *Engine) SetRate(perSec, burst int) {
	if perSec <= 0 {
		return
	}
	if burst <= 0 {
		burst = perSec
	}
	e.limiter.SetLimit(rate.Limit(perSec))
	e.limiter.SetBurst(burst)
}

type nopSink struct{}

func (nopSink) Begin(context.Context, store.Mailing, int)      {}
func (nopSink) Update(context.Context, int, int, int, int)     {}
func (nopSink) Finish(context.Context, store.Mailing, Report)  {}
