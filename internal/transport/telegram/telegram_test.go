package telegram

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	tele "gopkg.in/telebot.v4"

	"mailbot/internal/transport"
	"mailbot/pkg/logx"
)

// loopAdapter builds an adapter around a scripted raw send, bypassing telebot.
func loopAdapter(retries int, fn sendFunc) *Adapter {
	a := &Adapter{cfg: Config{RateLimitRetries: retries}, log: logx.Nop(), sendFn: fn}
	var nilOut chan<- transport.Update
	a.out.Store(nilOut)
	return a
}

func floodErr() error {
	// telebot.v4 keeps FloodError's inner *Error unexported; classify only
	// reads RetryAfter, so the zero inner error is fine here.
	return tele.FloodError{RetryAfter: 1}
}

func TestSendSleepsThroughFloodThenRetries(t *testing.T) {
	t.Parallel()
	var attempts int
	a := loopAdapter(1, func(to *tele.Chat, what any, opt *tele.SendOptions) (*tele.Message, error) {
		attempts++
		if attempts == 1 {
			return nil, floodErr()
		}
		return &tele.Message{ID: 42}, nil
	})

	start := time.Now()
	ref, err := a.SendText(context.Background(), transport.Recipient{ChatID: 5}, "hi", nil)
	if err != nil {
		t.Fatalf("send failed: %v", err)
	}
	if ref.ChatID != 5 || ref.MessageID != 42 {
		t.Fatalf("wrong ref: %+v", ref)
	}
	if attempts != 2 {
		t.Fatalf("expected exactly 2 attempts, got %d", attempts)
	}
	if elapsed := time.Since(start); elapsed < time.Second {
		t.Fatalf("expected to honor the 1s retry-after, waited only %v", elapsed)
	}
}

func TestSendDoesNotRetryWhenDisabled(t *testing.T) {
	t.Parallel()
	var attempts int
	a := loopAdapter(0, func(to *tele.Chat, what any, opt *tele.SendOptions) (*tele.Message, error) {
		attempts++
		return nil, floodErr()
	})

	_, err := a.SendText(context.Background(), transport.Recipient{ChatID: 5}, "hi", nil)
	if _, ok := transport.RetryAfter(err); !ok {
		t.Fatalf("expected a retry-after error, got %v", err)
	}
	if attempts != 1 {
		t.Fatalf("retries disabled must mean a single attempt, got %d", attempts)
	}
}

func TestSendStopsRetryingWhenBudgetSpent(t *testing.T) {
	t.Parallel()
	var attempts int
	a := loopAdapter(1, func(to *tele.Chat, what any, opt *tele.SendOptions) (*tele.Message, error) {
		attempts++
		return nil, floodErr()
	})

	_, err := a.SendText(context.Background(), transport.Recipient{ChatID: 5}, "hi", nil)
	if _, ok := transport.RetryAfter(err); !ok {
		t.Fatalf("expected a retry-after error, got %v", err)
	}
	if attempts != 2 {
		t.Fatalf("budget of one retry means 2 attempts, got %d", attempts)
	}
}

func TestSendAbandonsBackoffOnCancel(t *testing.T) {
	t.Parallel()
	var attempts int
	a := loopAdapter(3, func(to *tele.Chat, what any, opt *tele.SendOptions) (*tele.Message, error) {
		attempts++
		return nil, floodErr()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := a.SendText(ctx, transport.Recipient{ChatID: 5}, "hi", nil)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error, got %v", err)
	}
	if attempts != 1 {
		t.Fatalf("cancel during backoff must halt the loop, got %d attempts", attempts)
	}
}

func TestStopStopsPollerExactlyOnce(t *testing.T) {
	t.Parallel()
	stops := make(chan struct{}, 4)
	done := make(chan struct{})
	close(done)

	a := &Adapter{log: logx.Nop(), stopFn: func() { stops <- struct{}{} }}
	var nilOut chan<- transport.Update
	a.out.Store(nilOut)
	a.running = true
	a.stopped = done

	if err := a.Stop(context.Background()); err != nil {
		t.Fatalf("first stop: %v", err)
	}
	if err := a.Stop(context.Background()); err != nil {
		t.Fatalf("second stop: %v", err)
	}

	select {
	case <-stops:
	case <-time.After(time.Second):
		t.Fatal("poller was never stopped")
	}
	select {
	case <-stops:
		t.Fatal("poller stopped twice")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestClassify(t *testing.T) {
	t.Parallel()

	t.Run("nil", func(t *testing.T) {
		t.Parallel()
		if classify(nil) != nil {
			t.Fatal("nil must stay nil")
		}
	})

	t.Run("blocked is unreachable", func(t *testing.T) {
		t.Parallel()
		err := classify(tele.ErrBlockedByUser)
		if !errors.Is(err, transport.ErrRecipientUnreachable) {
			t.Fatalf("expected unreachable, got %v", err)
		}
	})

	t.Run("403 is unreachable", func(t *testing.T) {
		t.Parallel()
		err := classify(&tele.Error{Code: http.StatusForbidden, Description: "bot was kicked"})
		if !errors.Is(err, transport.ErrRecipientUnreachable) {
			t.Fatalf("expected unreachable, got %v", err)
		}
	})

	t.Run("400 is rejection", func(t *testing.T) {
		t.Parallel()
		err := classify(&tele.Error{Code: http.StatusBadRequest, Description: "wrong file id"})
		if !errors.Is(err, transport.ErrChannelRejected) {
			t.Fatalf("expected rejection, got %v", err)
		}
	})

	t.Run("flood carries retry-after", func(t *testing.T) {
		t.Parallel()
		err := classify(tele.FloodError{RetryAfter: 7})
		after, ok := transport.RetryAfter(err)
		if !ok || after != 7*time.Second {
			t.Fatalf("expected 7s retry-after, got %v %v", after, ok)
		}
	})

	t.Run("flood without hint defaults to one second", func(t *testing.T) {
		t.Parallel()
		err := classify(tele.FloodError{})
		after, ok := transport.RetryAfter(err)
		if !ok || after != time.Second {
			t.Fatalf("expected 1s default, got %v %v", after, ok)
		}
	})

	t.Run("unknown passes through", func(t *testing.T) {
		t.Parallel()
		sentinel := errors.New("connection reset")
		if got := classify(sentinel); !errors.Is(got, sentinel) {
			t.Fatalf("expected passthrough, got %v", got)
		}
	})
}

func TestRenderKeyboardSkipsMalformed(t *testing.T) {
	t.Parallel()
	mk := renderKeyboard([]transport.Button{
		{Label: "Site", URL: "https://example.com"},
		{Label: "", URL: "https://no-label.example"},             // no label
		{Label: "Both", URL: "https://x", Action: "a"},           // ambiguous
		{Label: "Neither"},                                       // no target
		{Label: "More", Action: "more-info"},
	})
	if mk == nil {
		t.Fatal("expected a keyboard")
	}
	if len(mk.InlineKeyboard) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(mk.InlineKeyboard))
	}
	if mk.InlineKeyboard[0][0].URL != "https://example.com" {
		t.Fatalf("first row wrong: %+v", mk.InlineKeyboard[0])
	}
	if mk.InlineKeyboard[1][0].Data == "" {
		t.Fatalf("second row must carry callback data: %+v", mk.InlineKeyboard[1])
	}
}

func TestRenderKeyboardEmpty(t *testing.T) {
	t.Parallel()
	if renderKeyboard(nil) != nil {
		t.Fatal("no buttons means no keyboard")
	}
	if renderKeyboard([]transport.Button{{Label: ""}}) != nil {
		t.Fatal("all-malformed list means no keyboard")
	}
}
