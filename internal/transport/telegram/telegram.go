// Package telegram implements the transport.Channel contract on top of
// telebot.v4. One Telegram send primitive per content kind; errors are
// classified into the transport taxonomy before they leave the adapter.
package telegram

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	tele "gopkg.in/telebot.v4"

	"mailbot/internal/transport"
	"mailbot/pkg/logx"
)

type Config struct {
	Token       string
	PollTimeout time.Duration

	// RateLimitRetries bounds how many times a send is re-attempted after the
	// channel asks us to back off. 0 disables the retry entirely.
	RateLimitRetries int
}

// sendFunc is the raw send primitive; swappable in tests.
type sendFunc func(to *tele.Chat, what any, opt *tele.SendOptions) (*tele.Message, error)

type Adapter struct {
	cfg Config
	log logx.Logger

	bot    *tele.Bot
	sendFn sendFunc
	stopFn func()
	out    atomic.Value // stores (chan<- transport.Update)

	runMu   sync.Mutex
	running bool
	stopped chan struct{}

	// droppedUpdates counts inbound updates dropped because the consumer was
	// slower than the poll loop. Logged periodically to avoid per-update spam.
	droppedUpdates uint64
}

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	timeout := cfg.PollTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if cfg.RateLimitRetries < 0 {
		cfg.RateLimitRetries = 0
	}

	b, err := tele.NewBot(tele.Settings{
		Token:  cfg.Token,
		Poller: &tele.LongPoller{Timeout: timeout},
	})
	if err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	a := &Adapter{cfg: cfg, log: log, bot: b}
	a.sendFn = func(to *tele.Chat, what any, opt *tele.SendOptions) (*tele.Message, error) {
		return a.bot.Send(to, what, opt)
	}
	a.stopFn = b.Stop
	var nilOut chan<- transport.Update
	a.out.Store(nilOut)
	a.registerHandlers()
	return a, nil
}

func (a *Adapter) registerHandlers() {
	// Handlers forward to the CURRENT output channel. Start() may swap it.
	a.bot.Handle(tele.OnText, func(c tele.Context) error {
		m := c.Message()
		if m == nil || m.Sender == nil {
			return nil
		}
		a.forward(transport.Update{
			Kind: transport.UpdateMessage,
			Message: &transport.Message{
				ID:           m.ID,
				ChatID:       m.Chat.ID,
				FromID:       m.Sender.ID,
				FromUsername: m.Sender.Username,
				FromName:     strings.TrimSpace(m.Sender.FirstName + " " + m.Sender.LastName),
				Text:         m.Text,
			},
		})
		return nil
	})

	a.bot.Handle(tele.OnCallback, func(c tele.Context) error {
		cb := c.Callback()
		m := c.Message()
		if cb == nil || m == nil {
			return nil
		}
		a.forward(transport.Update{
			Kind: transport.UpdateCallback,
			Callback: &transport.Callback{
				ID:        cb.ID,
				FromID:    cb.Sender.ID,
				ChatID:    m.Chat.ID,
				MessageID: m.ID,
				Data:      cb.Data,
			},
		})
		// Always stop the client-side spinner.
		return c.Respond()
	})
}

func (a *Adapter) forward(up transport.Update) {
	v := a.out.Load()
	out, _ := v.(chan<- transport.Update)
	if out == nil {
		return
	}
	select {
	case out <- up:
	default:
		atomic.AddUint64(&a.droppedUpdates, 1)
	}
}

func (a *Adapter) Start(ctx context.Context, out chan<- transport.Update) error {
	a.runMu.Lock()
	if a.running {
		a.runMu.Unlock()
		return nil
	}
	a.running = true
	a.stopped = make(chan struct{})
	stopped := a.stopped
	a.out.Store(out)
	a.runMu.Unlock()

	// Stop() is the sole owner of bot shutdown. telebot's stop channel is
	// unbuffered, so a second Stop call would block forever.
	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-stopped:
				return
			case <-ticker.C:
				if n := atomic.SwapUint64(&a.droppedUpdates, 0); n > 0 {
					a.log.Warn("inbound updates dropped (channel full)",
						logx.Int64("count", int64(n)), logx.Int("chan_cap", cap(out)))
				}
			}
		}
	}()

	go func() {
		defer close(stopped)
		a.log.Info("polling started")
		a.bot.Start() // blocks until Stop()
		a.log.Info("polling stopped")
	}()
	return nil
}

func (a *Adapter) Stop(ctx context.Context) error {
	a.runMu.Lock()
	wasRunning := a.running
	a.running = false
	stopped := a.stopped
	var nilOut chan<- transport.Update
	a.out.Store(nilOut)
	a.runMu.Unlock()

	if !wasRunning {
		return nil
	}
	go a.stopFn() // telebot Stop is expected to be fast; run async just in case

	if stopped == nil {
		return nil
	}
	select {
	case <-stopped:
		return nil
	case <-ctx.Done():
		a.log.Warn("telegram stop timed out", logx.Err(ctx.Err()))
		return nil
	}
}

// send pushes one payload through telebot, translating rate-limit pushback
// into a bounded sleep-and-retry before surfacing the failure.
func (a *Adapter) send(ctx context.Context, to transport.Recipient, what any, opt *transport.SendOptions) (transport.MessageRef, error) {
	chat := &tele.Chat{ID: to.ChatID}

	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return transport.MessageRef{}, err
		}

		msg, err := a.sendFn(chat, what, sendOptions(opt))
		if err == nil {
			return transport.MessageRef{ChatID: to.ChatID, MessageID: msg.ID}, nil
		}

		cerr := classify(err)
		after, ok := transport.RetryAfter(cerr)
		if !ok || attempt >= a.cfg.RateLimitRetries {
			return transport.MessageRef{}, cerr
		}

		a.log.Debug("rate limited; backing off",
			logx.Int64("chat_id", to.ChatID),
			logx.Duration("after", after),
			logx.Int("attempt", attempt+1))
		timer := time.NewTimer(after)
		select {
		case <-ctx.Done():
			timer.Stop()
			return transport.MessageRef{}, ctx.Err()
		case <-timer.C:
		}
	}
}

func (a *Adapter) SendText(ctx context.Context, to transport.Recipient, text string, opt *transport.SendOptions) (transport.MessageRef, error) {
	return a.send(ctx, to, text, opt)
}

func (a *Adapter) SendPhoto(ctx context.Context, to transport.Recipient, path, caption string, opt *transport.SendOptions) (transport.MessageRef, error) {
	return a.send(ctx, to, &tele.Photo{File: tele.FromDisk(path), Caption: caption}, opt)
}

func (a *Adapter) SendVideo(ctx context.Context, to transport.Recipient, path, caption string, opt *transport.SendOptions) (transport.MessageRef, error) {
	return a.send(ctx, to, &tele.Video{File: tele.FromDisk(path), Caption: caption}, opt)
}

func (a *Adapter) SendDocument(ctx context.Context, to transport.Recipient, path, filename, caption string, opt *transport.SendOptions) (transport.MessageRef, error) {
	doc := &tele.Document{File: tele.FromDisk(path), Caption: caption}
	if filename != "" {
		doc.FileName = filename
	}
	return a.send(ctx, to, doc, opt)
}

func (a *Adapter) SendVoice(ctx context.Context, to transport.Recipient, path, caption string, opt *transport.SendOptions) (transport.MessageRef, error) {
	return a.send(ctx, to, &tele.Voice{File: tele.FromDisk(path), Caption: caption}, opt)
}

func (a *Adapter) SendVideoNote(ctx context.Context, to transport.Recipient, path string, opt *transport.SendOptions) (transport.MessageRef, error) {
	// Video notes cannot carry captions or keyboards; the caller sends any
	// caption as a follow-up text message.
	return a.send(ctx, to, &tele.VideoNote{File: tele.FromDisk(path)}, nil)
}

func (a *Adapter) EditText(ctx context.Context, ref transport.MessageRef, text string, opt *transport.SendOptions) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m := &tele.Message{ID: ref.MessageID, Chat: &tele.Chat{ID: ref.ChatID}}
	_, err := a.bot.Edit(m, text, sendOptions(opt))
	return classify(err)
}

func (a *Adapter) Download(ctx context.Context, ref string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	rc, err := a.bot.File(&tele.File{FileID: ref})
	if err != nil {
		return nil, classify(err)
	}
	return rc, nil
}

func sendOptions(opt *transport.SendOptions) *tele.SendOptions {
	if opt == nil {
		return &tele.SendOptions{}
	}
	return &tele.SendOptions{
		ParseMode:             opt.ParseMode,
		DisableWebPagePreview: opt.DisablePreview,
		ReplyMarkup:           renderKeyboard(opt.Buttons),
	}
}
