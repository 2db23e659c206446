package messenger

import (
	"context"
	"fmt"
	"reflect"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"msgbus/internal/eventbus"
	rtsup "msgbus/internal/runtime/supervisor"
	logx "msgbus/pkg/logx"
)

// Event types published on the event bus. Ceiling drops are not announced.
const (
	EventReceiveFailed  = "messenger.receive_failed"
	EventRetryScheduled = "messenger.retry_scheduled"
	EventRedelivered    = "messenger.redelivered"
)

const (
	DefaultMaxAttempts    = 5
	DefaultPunishStep     = 50 * time.Millisecond
	DefaultSweepInterval  = 500 * time.Millisecond
	DefaultFailureLogRate = 20
)

// Config holds the messenger tunables. Zero values fall back to defaults.
type Config struct {
	MaxAttempts   int
	PunishStep    time.Duration
	SweepInterval time.Duration
	// FailureLogRate caps subscriber failure warnings per second; the rest
	// are logged at debug. Negative disables the cap.
	FailureLogRate int
}

func (c Config) withDefaults() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.PunishStep <= 0 {
		c.PunishStep = DefaultPunishStep
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = DefaultSweepInterval
	}
	if c.FailureLogRate == 0 {
		c.FailureLogRate = DefaultFailureLogRate
	}
	return c
}

// FailureEvent is the payload of EventReceiveFailed.
type FailureEvent struct {
	Type       string `json:"type"`
	Subscriber string `json:"subscriber"`
	Attempt    int    `json:"attempt"`
	Error      string `json:"error"`
}

// RetryEvent is the payload of EventRetryScheduled and EventRedelivered.
type RetryEvent struct {
	Type    string        `json:"type"`
	Attempt int           `json:"attempt"`
	Delay   time.Duration `json:"delay,omitempty"`
	Due     time.Time     `json:"due"`
}

// Stats is a best-effort snapshot of messenger counters.
type Stats struct {
	Posted      uint64 `json:"posted"`
	Dispatched  uint64 `json:"dispatched"`
	Failures    uint64 `json:"failures"`
	Scheduled   uint64 `json:"scheduled"`
	Redelivered uint64 `json:"redelivered"`
	Dropped     uint64 `json:"dropped"`
	Pending     int    `json:"pending"`

	// NextRetry is the earliest pending due time; zero when nothing is pending.
	NextRetry time.Time `json:"next_retry"`
}

type outcome int

const (
	outcomeDone outcome = iota
	outcomeRetry
)

// Messenger owns the subscription registry, the punish queue and the sweeper.
//
// It is safe for concurrent use.
type Messenger struct {
	mu     sync.Mutex
	cfg    Config
	sup    *rtsup.Supervisor
	runCtx context.Context

	log      logx.Logger
	throttle *logx.Throttle
	bus      eventbus.Bus
	tracer   trace.Tracer
	now      func() time.Time

	registry *registry
	pending  delayQueue

	posted      atomic.Uint64
	dispatched  atomic.Uint64
	failures    atomic.Uint64
	scheduled   atomic.Uint64
	redelivered atomic.Uint64
	dropped     atomic.Uint64
}

// New builds a messenger. bus may be nil. No goroutines are started until Start.
func New(cfg Config, log logx.Logger, bus eventbus.Bus) *Messenger {
	if log.IsZero() {
		log = logx.Nop()
	}
	cfg = cfg.withDefaults()
	return &Messenger{
		cfg:      cfg,
		runCtx:   context.Background(),
		log:      log.With(logx.String("comp", "messenger")),
		throttle: logx.NewThrottle(cfg.FailureLogRate),
		bus:      bus,
		tracer:   otel.Tracer("msgbus/messenger"),
		now:      time.Now,
		registry: newRegistry(),
	}
}

// Apply swaps tunables at runtime. Changes take effect on the next routing
// decision or sweep cycle; already scheduled retries keep their due time.
func (m *Messenger) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	m.mu.Lock()
	m.cfg = cfg
	m.mu.Unlock()
	m.throttle.SetRate(cfg.FailureLogRate)
}

func (m *Messenger) config() Config {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cfg
}

func (m *Messenger) runContext() context.Context {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.runCtx
}

// Register subscribes sub to every given message type. Registering the same
// subscriber twice for a type has no additional effect. A nil subscriber or an
// empty type list is ignored.
func (m *Messenger) Register(sub Subscriber, types ...reflect.Type) {
	if sub == nil || len(types) == 0 {
		return
	}
	if rt := reflect.TypeOf(sub); !rt.Comparable() {
		m.log.Debug("subscriber ignored: type is not comparable", logx.String("subscriber", rt.String()))
		return
	}
	if n := m.registry.add(sub, types); n > 0 {
		m.log.Debug("subscriber registered", logx.String("subscriber", subscriberName(sub)), logx.Int("types", n))
	}
}

// Subscribers reports how many subscribers are registered for typ.
func (m *Messenger) Subscribers(typ reflect.Type) int { return m.registry.count(typ) }

// Post submits msg for delivery. It never reports an error: the outcome is
// only observable through subscriber side effects.
func (m *Messenger) Post(msg Message) {
	if envelopeOf(msg) == nil {
		return
	}
	m.posted.Add(1)
	m.route(m.runContext(), msg)
}

// route is the single choke point for every delivery attempt. The counter
// advance and the routing decision happen together, so a shared message is
// never treated as a first attempt twice.
func (m *Messenger) route(ctx context.Context, msg Message) {
	env := envelopeOf(msg)
	for {
		cfg := m.config()
		prev, ok := env.advance(cfg.MaxAttempts)
		if !ok {
			m.dropped.Add(1)
			return
		}
		if prev > 0 {
			m.punishPost(msg, prev+1, cfg.PunishStep)
			return
		}
		if m.dispatch(ctx, msg) == outcomeDone {
			return
		}
	}
}

// punishPost schedules msg for redelivery after attempts*step.
func (m *Messenger) punishPost(msg Message, attempts int, step time.Duration) {
	delay := time.Duration(attempts) * step
	due := m.now().Add(delay)
	m.pending.insert(msg, due)
	m.scheduled.Add(1)

	typ := reflect.TypeOf(msg).String()
	m.log.Debug("retry scheduled", logx.String("type", typ), logx.Int("attempt", attempts), logx.Duration("delay", delay))
	m.publish(EventRetryScheduled, RetryEvent{Type: typ, Attempt: attempts, Delay: delay, Due: due})
}

// dispatch delivers msg to every subscriber of its type. One or more failures
// yield a single outcomeRetry for the whole message.
func (m *Messenger) dispatch(ctx context.Context, msg Message) outcome {
	rt := reflect.TypeOf(msg)
	subs := m.registry.lookup(rt)
	if len(subs) == 0 {
		return outcomeDone
	}
	m.dispatched.Add(1)

	typ := rt.String()
	attempt := msg.Attempts()
	ctx, span := m.tracer.Start(ctx, "messenger.dispatch", trace.WithAttributes(
		attribute.String("messenger.type", typ),
		attribute.Int("messenger.attempt", attempt),
		attribute.Int("messenger.subscribers", len(subs)),
	))
	defer span.End()

	failed := 0
	for _, sub := range subs {
		err := m.deliver(ctx, sub, msg)
		if err == nil {
			continue
		}
		failed++
		m.failures.Add(1)
		name := subscriberName(sub)
		span.RecordError(err, trace.WithAttributes(attribute.String("messenger.subscriber", name)))
		m.throttle.Warn(m.log, "post message to subscriber failed",
			logx.String("type", typ),
			logx.String("subscriber", name),
			logx.Int("attempt", attempt),
			logx.Err(err),
		)
		m.publish(EventReceiveFailed, FailureEvent{Type: typ, Subscriber: name, Attempt: attempt, Error: err.Error()})
	}
	if failed > 0 {
		span.SetStatus(codes.Error, fmt.Sprintf("%d subscriber(s) failed", failed))
		return outcomeRetry
	}
	return outcomeDone
}

func (m *Messenger) deliver(ctx context.Context, sub Subscriber, msg Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrSubscriberPanic, r)
		}
	}()
	return sub.Receive(ctx, msg)
}

func (m *Messenger) publish(typ string, data any) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(eventbus.Event{Type: typ, Time: m.now(), Data: data})
}

// Stats returns a snapshot of the delivery counters.
func (m *Messenger) Stats() Stats {
	next, _ := m.pending.nextDue()
	return Stats{
		Posted:      m.posted.Load(),
		Dispatched:  m.dispatched.Load(),
		Failures:    m.failures.Load(),
		Scheduled:   m.scheduled.Load(),
		Redelivered: m.redelivered.Load(),
		Dropped:     m.dropped.Load(),
		Pending:     m.pending.Len(),
		NextRetry:   next,
	}
}
