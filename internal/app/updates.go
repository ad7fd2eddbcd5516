package app

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"

	"mailbot/internal/store"
	"mailbot/internal/transport"
	"mailbot/pkg/logx"
)

func (a *App) runUpdates(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case up, ok := <-a.updates:
			if !ok {
				return
			}
			a.handleUpdate(ctx, up)
		}
	}
}

func (a *App) handleUpdate(ctx context.Context, up transport.Update) {
	defer func() {
		if r := recover(); r != nil {
			a.log.Error("update handler panic",
				logx.Any("panic", r),
				logx.String("stack", string(debug.Stack())),
			)
		}
	}()

	switch up.Kind {
	case transport.UpdateMessage:
		if up.Message != nil {
			a.handleMessage(ctx, *up.Message)
		}
	case transport.UpdateCallback:
		if up.Callback != nil {
			a.handleCallback(ctx, *up.Callback)
		}
	}
}

func (a *App) handleMessage(ctx context.Context, msg transport.Message) {
	if _, err := a.store.UpsertUser(ctx, msg.FromID, msg.FromUsername, msg.FromName); err != nil {
		a.log.Error("user upsert failed", logx.Int64("tg_id", msg.FromID), logx.Err(err))
	}

	text := strings.TrimSpace(msg.Text)
	switch {
	case text == "":
		return
	case text == "/start" || strings.HasPrefix(text, "/start "):
		a.sendWelcome(ctx, msg.FromID)
	case text == "/help":
		a.sendHelp(ctx, msg.FromID)
	case strings.HasPrefix(text, "/"):
		// unknown command, ignore
	default:
		a.serveTrigger(ctx, msg.FromID, text, true)
	}
}

// handleCallback serves mailing buttons that carry an action token: the token
// is resolved like a typed trigger word.
func (a *App) handleCallback(ctx context.Context, cb transport.Callback) {
	if err := a.store.TouchUserActivity(ctx, cb.FromID); err != nil {
		a.log.Debug("activity touch failed", logx.Int64("tg_id", cb.FromID), logx.Err(err))
	}
	if cb.Data == "" {
		return
	}
	a.serveTrigger(ctx, cb.FromID, cb.Data, false)
}

// serveTrigger looks the text up as a trigger word and replies with the bound
// mailing. For typed words an unknown one earns a hint; button callbacks fail
// silently.
func (a *App) serveTrigger(ctx context.Context, userTgID int64, text string, hintUnknown bool) {
	word := strings.ToLower(strings.TrimSpace(text))
	m, err := a.store.MailingByTrigger(ctx, word)
	if err != nil || m.Status != store.StatusActive {
		if err != nil && !errors.Is(err, store.ErrMailingNotFound) {
			a.log.Error("trigger lookup failed", logx.String("word", word), logx.Err(err))
		}
		if hintUnknown {
			a.reply(ctx, userTgID,
				"❌ Неизвестное кодовое слово.\n\n💡 Введите /help чтобы увидеть список доступных слов.", "")
		}
		return
	}
	a.engine.SendDirect(ctx, m, userTgID)
}

// sendWelcome answers /start: a configured welcome mailing when one is set
// and active, otherwise a plain greeting listing the available trigger words.
func (a *App) sendWelcome(ctx context.Context, userTgID int64) {
	cfg := a.cfgm.Get()
	if cfg.WelcomeMailingID != 0 {
		m, err := a.store.Mailing(ctx, cfg.WelcomeMailingID)
		if err == nil && m.Status == store.StatusActive {
			a.engine.SendDirect(ctx, m, userTgID)
			return
		}
		if err != nil {
			a.log.Warn("welcome mailing unavailable",
				logx.Int64("mailing_id", cfg.WelcomeMailingID), logx.Err(err))
		}
	}

	var b strings.Builder
	b.WriteString("👋 Добро пожаловать! Этот бот предназначен для рассылки уведомлений.\n\n")
	b.WriteString("💡 <b>Доступные команды:</b>\n/start - начать работу\n/help - помощь\n\n")
	b.WriteString("🔤 <b>Кодовые слова:</b>\n")
	a.writeTriggerList(ctx, &b)
	a.reply(ctx, userTgID, b.String(), "HTML")
}

func (a *App) sendHelp(ctx context.Context, userTgID int64) {
	var b strings.Builder
	b.WriteString("💡 <b>Помощь по боту</b>\n\n🔤 <b>Доступные кодовые слова:</b>\n")
	a.writeTriggerList(ctx, &b)
	b.WriteString("\n📝 Введите любое кодовое слово из списка, и бот отправит вам соответствующую информацию.")
	a.reply(ctx, userTgID, b.String(), "HTML")
}

func (a *App) writeTriggerList(ctx context.Context, b *strings.Builder) {
	triggers, err := a.store.ActiveTriggerMailings(ctx)
	if err != nil {
		a.log.Error("trigger list failed", logx.Err(err))
	}
	if len(triggers) == 0 {
		b.WriteString("Пока нет доступных кодовых слов.\n")
		return
	}
	b.WriteString("Введите одно из слов чтобы получить информацию:\n")
	for _, m := range triggers {
		fmt.Fprintf(b, "• <code>%s</code> - %s\n", m.TriggerWord, m.Title)
	}
}

func (a *App) reply(ctx context.Context, userTgID int64, text, parseMode string) {
	var opt *transport.SendOptions
	if parseMode != "" {
		opt = &transport.SendOptions{ParseMode: parseMode}
	}
	_, err := a.adapter.SendText(ctx, transport.Recipient{ChatID: userTgID}, text, opt)
	if err != nil && !errors.Is(err, transport.ErrRecipientUnreachable) {
		a.log.Error("reply send failed", logx.Int64("tg_id", userTgID), logx.Err(err))
	}
}
