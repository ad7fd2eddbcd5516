// Package app assembles the bot: config, storage, the Telegram adapter, the
// media cache, the broadcast engine and the ops server, plus the inbound
// update loop that serves trigger-word mailings.
package app

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"mailbot/internal/broadcast"
	"mailbot/internal/config"
	"mailbot/internal/mediacache"
	"mailbot/internal/ops"
	"mailbot/internal/store"
	"mailbot/internal/transport"
	"mailbot/internal/transport/telegram"
	"mailbot/pkg/logx"
)

type App struct {
	cfgm *config.Manager
	log  logx.Logger

	store   *store.Store
	adapter *telegram.Adapter
	cache   *mediacache.Cache
	engine  *broadcast.Engine
	ops     *ops.Server
	cron    *cron.Cron

	updates chan transport.Update

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	log, err := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("init logging: %w", err)
	}
	cfgm.SetLogger(log.With(logx.String("comp", "config")))

	st, err := store.Open(store.Config{
		Path:        cfg.Storage.Path,
		BusyTimeout: cfg.Storage.BusyTimeout.Duration,
		Timezone:    cfg.Storage.Timezone,
	}, log.With(logx.String("comp", "store")))
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	ad, err := telegram.New(telegram.Config{
		Token:            cfg.Telegram.Token,
		PollTimeout:      cfg.Telegram.PollTimeout.Duration,
		RateLimitRetries: *cfg.Telegram.RateLimitRetries,
	}, log.With(logx.String("comp", "telegram")))
	if err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("init telegram: %w", err)
	}

	cache, err := mediacache.New(mediacache.Config{
		Dir:             cfg.MediaCache.Dir,
		RetentionDays:   cfg.MediaCache.RetentionDays,
		ForceUnusedDays: cfg.MediaCache.ForceUnusedDays,
	}, ad, log.With(logx.String("comp", "mediacache")))
	if err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("init media cache: %w", err)
	}

	var sink broadcast.SinkFactory
	if cfg.Telegram.OperatorChatID != 0 {
		reporter := broadcast.NewOperatorReporter(ad, cfg.Telegram.OperatorChatID,
			log.With(logx.String("comp", "progress")))
		sink = reporter.NewRun
	}
	engine := broadcast.New(broadcast.Config{
		RatePerSec:    cfg.Broadcast.RatePerSec,
		Burst:         cfg.Broadcast.Burst,
		ProgressEvery: cfg.Broadcast.ProgressEvery,
	}, st, ad, cache, sink, log.With(logx.String("comp", "broadcast")))

	a := &App{
		cfgm:    cfgm,
		log:     log.With(logx.String("comp", "app")),
		store:   st,
		adapter: ad,
		cache:   cache,
		engine:  engine,
		updates: make(chan transport.Update, 256),
	}
	if cfg.Ops.Enabled {
		a.ops = ops.NewServer(cfg.Ops.Addr, engine, cache, log.With(logx.String("comp", "ops")))
	}
	return a, nil
}

func (a *App) Engine() *broadcast.Engine { return a.engine }
func (a *App) Store() *store.Store       { return a.store }

func (a *App) Start(ctx context.Context) error {
	ctx, a.cancel = context.WithCancel(ctx)
	cfg := a.cfgm.Get()

	// Settle delivery records left mid-flight by a previous crash before
	// anything new is sent.
	if n, err := a.store.ReconcileStuckDeliveries(ctx, cfg.ReconcileAfter.Duration); err != nil {
		a.log.Warn("delivery reconcile failed", logx.Err(err))
	} else if n > 0 {
		a.log.Info("settled stuck delivery records", logx.Int64("count", n))
	}

	if err := a.adapter.Start(ctx, a.updates); err != nil {
		return fmt.Errorf("start telegram: %w", err)
	}

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.runUpdates(ctx)
	}()

	a.startSweeper(cfg)

	if a.ops != nil {
		a.ops.Start()
	}

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		_ = a.cfgm.Watch(ctx)
	}()
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.applyReloads(ctx)
	}()

	a.log.Info("mailbot started",
		logx.Int("rate_per_sec", cfg.Broadcast.RatePerSec),
		logx.Bool("ops", a.ops != nil),
	)
	return nil
}

func (a *App) startSweeper(cfg *config.Config) {
	a.cron = cron.New()
	_, err := a.cron.AddFunc(cfg.MediaCache.SweepSchedule, func() {
		rep := a.cache.Sweep()
		a.log.Info("media cache sweep",
			logx.Int("deleted", rep.Deleted),
			logx.Int("kept", rep.Kept),
		)
	})
	if err != nil {
		a.log.Warn("sweep schedule invalid; automatic sweeps disabled",
			logx.String("schedule", cfg.MediaCache.SweepSchedule), logx.Err(err))
		return
	}
	a.cron.Start()
}

// applyReloads picks up committed config changes and retunes what can be
// retuned live. Everything else needs a restart.
func (a *App) applyReloads(ctx context.Context) {
	sub := a.cfgm.Subscribe(1)
	defer a.cfgm.Unsubscribe(sub)
	for {
		select {
		case <-ctx.Done():
			return
		case cfg, ok := <-sub:
			if !ok || cfg == nil {
				return
			}
			a.engine.SetRate(cfg.Broadcast.RatePerSec, cfg.Broadcast.Burst)
			a.log.Info("applied config reload",
				logx.Int("rate_per_sec", cfg.Broadcast.RatePerSec))
		}
	}
}

func (a *App) Stop(ctx context.Context) error {
	if a.cancel != nil {
		a.cancel()
	}
	if a.cron != nil {
		stopCtx := a.cron.Stop()
		select {
		case <-stopCtx.Done():
		case <-time.After(5 * time.Second):
		}
	}
	if a.ops != nil {
		_ = a.ops.Stop(ctx)
	}
	_ = a.adapter.Stop(ctx)
	a.wg.Wait()
	err := a.store.Close()
	a.log.Info("mailbot stopped")
	_ = a.log.Close()
	return err
}
