package messenger

import (
	"context"
	"reflect"
	"runtime/debug"
	"time"

	rtsup "msgbus/internal/runtime/supervisor"
	logx "msgbus/pkg/logx"
)

// Start launches the punish sweeper. It is idempotent; ctx bounds the
// sweeper's lifetime and is handed to subscribers.
func (m *Messenger) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	m.mu.Lock()
	if m.sup != nil {
		m.mu.Unlock()
		return
	}
	sup := rtsup.New(ctx, rtsup.WithLogger(m.log))
	m.sup = sup
	m.runCtx = sup.Context()
	cfg := m.cfg
	m.mu.Unlock()

	sup.GoRestart("messenger.punish", m.sweepLoop, rtsup.WithRestartBackoff(cfg.SweepInterval, 30*time.Second))
	m.log.Info("messenger started",
		logx.Int("max_attempts", cfg.MaxAttempts),
		logx.Duration("punish_step", cfg.PunishStep),
		logx.Duration("sweep_interval", cfg.SweepInterval),
	)
}

// Stop halts the sweeper and discards pending retries. Messages posted
// afterwards are still dispatched immediately but never redelivered.
func (m *Messenger) Stop(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	m.mu.Lock()
	sup := m.sup
	m.sup = nil
	m.runCtx = context.Background()
	m.mu.Unlock()
	if sup == nil {
		return nil
	}

	start := time.Now()
	err := sup.Stop(ctx)
	discarded := m.pending.reset()
	m.log.Info("messenger stopped", logx.Int("discarded", discarded), logx.Duration("took", time.Since(start)))
	return err
}

// Supervisor returns the sweeper's supervisor (nil if not started).
func (m *Messenger) Supervisor() *rtsup.Supervisor {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sup
}

// sweepLoop sleeps SweepInterval, then redelivers everything that is due.
// It only returns when ctx is canceled.
func (m *Messenger) sweepLoop(ctx context.Context) error {
	for {
		t := time.NewTimer(m.config().SweepInterval)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
		if m.pending.isEmpty() {
			continue
		}
		m.safeSweep(ctx)
	}
}

// safeSweep contains faults to a single cycle.
func (m *Messenger) safeSweep(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Warn("punish post message failed", logx.Any("panic", r), logx.Stack(string(debug.Stack())))
		}
	}()
	m.sweepOnce(ctx, m.now())
}

// sweepOnce redelivers every entry due at now and returns how many it took.
// Redelivery bypasses the counter: it was advanced when the entry was
// scheduled. A failed redelivery goes back through route.
func (m *Messenger) sweepOnce(ctx context.Context, now time.Time) int {
	n := 0
	for {
		e, ok := m.pending.popDue(now)
		if !ok {
			return n
		}
		n++
		m.redelivered.Add(1)
		m.publish(EventRedelivered, RetryEvent{Type: reflect.TypeOf(e.msg).String(), Attempt: e.msg.Attempts(), Due: e.due})
		if m.dispatch(ctx, e.msg) == outcomeRetry {
			m.route(ctx, e.msg)
		}
	}
}
