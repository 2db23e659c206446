package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"msgbus/internal/config"
	"msgbus/internal/eventbus"
	"msgbus/internal/heartbeat"
	"msgbus/internal/messenger"
	rtsup "msgbus/internal/runtime/supervisor"
	logx "msgbus/pkg/logx"
)

type App struct {
	cfgm *config.Manager
	sup  *rtsup.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	msgr *messenger.Messenger
	hb   *heartbeat.Service
}

func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := validate(cfg); err != nil {
		return nil, err
	}
	r, err := config.Resolve(cfg)
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLogConfig(r.Logging))
	bus := eventbus.New()

	msgr := messenger.New(mapMessengerConfig(r), log, bus)
	hb := heartbeat.New(mapHeartbeatConfig(r), msgr, log)

	// Beats are logged so a running daemon shows deliveries end to end.
	beatLog := log.With(logx.String("comp", "heartbeat.sub"))
	messenger.Handle(msgr, "heartbeat.log", func(ctx context.Context, b *heartbeat.Beat) error {
		beatLog.Debug("beat received",
			logx.Uint64("seq", b.Seq),
			logx.Time("at", b.At),
			logx.Int("attempt", b.Attempts()),
		)
		return nil
	})

	return &App{
		cfgm: cfgm,
		log:  log.With(logx.String("comp", "app")),
		logs: logSvc,
		bus:  bus,
		msgr: msgr,
		hb:   hb,
	}, nil
}

// Messenger exposes the messenger so callers can register subscribers
// before Start.
func (a *App) Messenger() *messenger.Messenger { return a.msgr }

// Done is closed when the app supervisor context is canceled.
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log))

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error { return validate(cfg) })

	a.msgr.Start(a.sup.Context())
	if err := a.hb.Start(a.sup.Context()); err != nil {
		return fmt.Errorf("heartbeat: %w", err)
	}

	// Messenger lifecycle events at debug level; they are frequent under failure.
	events, unsub := a.bus.Subscribe(128, "messenger.")
	a.sup.Go("eventbus.log", func(c context.Context) error {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return nil
			case e, ok := <-events:
				if !ok {
					return nil
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time), logx.Any("data", e.Data))
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go("config.reload", func(c context.Context) error {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return nil
			case newCfg, ok := <-sub:
				if !ok {
					return nil
				}
				// Coalesce bursts: keep only the latest config in the channel.
			drain:
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						break drain
					}
				}
				a.applyConfig(c, lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started", logx.String("config", a.cfgm.Path()))
	return nil
}

func (a *App) applyConfig(ctx context.Context, oldCfg, newCfg *config.Config) {
	sections, attrs := config.SummarizeChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	r, err := config.Resolve(newCfg)
	if err != nil {
		// The validator already ran; this only happens on a racing edit.
		a.log.Warn("invalid config; keeping previous", logx.Err(err))
		return
	}

	for _, s := range sections {
		switch s {
		case "logging":
			a.logs.Apply(mapLogConfig(r.Logging))
		case "messenger":
			a.msgr.Apply(mapMessengerConfig(r))
		case "heartbeat":
			if err := a.hb.Apply(ctx, mapHeartbeatConfig(r)); err != nil {
				a.log.Warn("heartbeat not rescheduled", logx.Err(err))
			}
		}
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.sup.Cancel()

	// Each step is bounded so one component can't stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx, cancel := context.WithTimeout(ctx, max)
		defer cancel()
		if err := fn(stepCtx); err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		took := time.Since(start)
		if took >= 500*time.Millisecond {
			a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
		} else {
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
		}
	}

	// Producers first, then the messenger they post to.
	step("heartbeat", 2*time.Second, func(c context.Context) error { a.hb.Stop(c); return nil })
	step("messenger", 2*time.Second, a.msgr.Stop)
	step("supervisor", 3*time.Second, a.sup.Wait)

	st := a.msgr.Stats()
	a.log.Info("stopped",
		logx.Uint64("posted", st.Posted),
		logx.Uint64("failures", st.Failures),
		logx.Uint64("redelivered", st.Redelivered),
		logx.Uint64("dropped", st.Dropped),
		logx.Uint64("beats", a.hb.Beats()),
		logx.Uint64("events_dropped", a.bus.Dropped()),
	)
	return a.logs.Close()
}
