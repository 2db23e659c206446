package messenger

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"msgbus/internal/eventbus"
	logx "msgbus/pkg/logx"
)

type orderPlaced struct {
	Envelope
	ID string
}

type orderShipped struct {
	Envelope
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	c.t = t
	c.mu.Unlock()
}

func newTestMessenger(cfg Config, bus eventbus.Bus) (*Messenger, *fakeClock) {
	m := New(cfg, logx.Nop(), bus)
	clk := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	m.now = clk.Now
	return m, clk
}

// recorder fails its first `fails` deliveries and records the attempt
// counter seen on every call.
type recorder struct {
	mu       sync.Mutex
	fails    int
	attempts []int
	notify   chan int
}

func (r *recorder) Receive(_ context.Context, msg Message) error {
	r.mu.Lock()
	r.attempts = append(r.attempts, msg.Attempts())
	n := len(r.attempts)
	r.mu.Unlock()
	if r.notify != nil {
		r.notify <- n
	}
	if n <= r.fails {
		return errors.New("temporarily unavailable")
	}
	return nil
}

func (r *recorder) seen() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int(nil), r.attempts...)
}

func TestPostDeliversImmediatelyWithCounterAtLeastOne(t *testing.T) {
	t.Parallel()
	m, _ := newTestMessenger(Config{}, nil)
	rec := &recorder{}
	m.Register(rec, TypeOf[*orderPlaced]())

	msg := &orderPlaced{ID: "1"}
	m.Post(msg)

	if got := rec.seen(); len(got) != 1 || got[0] != 1 {
		t.Fatalf("attempts seen = %v, want [1]", got)
	}
	if msg.Attempts() != 1 {
		t.Fatalf("Attempts() = %d, want 1", msg.Attempts())
	}
	if st := m.Stats(); st.Posted != 1 || st.Dispatched != 1 || st.Pending != 0 {
		t.Fatalf("stats = %+v", st)
	}
}

func TestPostIgnoresNilMessages(t *testing.T) {
	t.Parallel()
	m, _ := newTestMessenger(Config{}, nil)
	m.Register(&recorder{}, TypeOf[*orderPlaced]())

	m.Post(nil)
	var typedNil *orderPlaced
	m.Post(typedNil)

	if st := m.Stats(); st.Posted != 0 || st.Dispatched != 0 {
		t.Fatalf("stats = %+v, want no activity", st)
	}
}

func TestPostWithoutSubscribersIsNoop(t *testing.T) {
	t.Parallel()
	m, _ := newTestMessenger(Config{}, nil)
	m.Register(&recorder{}, TypeOf[*orderShipped]())

	msg := &orderPlaced{}
	m.Post(msg)

	st := m.Stats()
	if st.Dispatched != 0 || st.Scheduled != 0 || st.Pending != 0 {
		t.Fatalf("stats = %+v, want nothing dispatched or pending", st)
	}
}

func TestDuplicateRegistrationDeliversOnce(t *testing.T) {
	t.Parallel()
	m, _ := newTestMessenger(Config{}, nil)
	rec := &recorder{}
	typ := TypeOf[*orderPlaced]()
	m.Register(rec, typ, typ)
	m.Register(rec, typ)

	if n := m.Subscribers(typ); n != 1 {
		t.Fatalf("Subscribers = %d, want 1", n)
	}
	m.Post(&orderPlaced{})
	if got := len(rec.seen()); got != 1 {
		t.Fatalf("deliveries = %d, want 1", got)
	}
}

type sliceSubscriber []int

func (sliceSubscriber) Receive(context.Context, Message) error { return nil }

func TestRegisterIgnoresInvalidInput(t *testing.T) {
	t.Parallel()
	m, _ := newTestMessenger(Config{}, nil)
	typ := TypeOf[*orderPlaced]()

	m.Register(nil, typ)
	m.Register(&recorder{})
	m.Register(&recorder{}, nil)
	m.Register(sliceSubscriber{1}, typ)

	if n := m.Subscribers(typ); n != 0 {
		t.Fatalf("Subscribers = %d, want 0", n)
	}
}

func TestRegisterConcurrently(t *testing.T) {
	t.Parallel()
	m, _ := newTestMessenger(Config{}, nil)
	placed, shipped := TypeOf[*orderPlaced](), TypeOf[*orderShipped]()

	subs := make([]*recorder, 32)
	for i := range subs {
		subs[i] = &recorder{}
	}
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		for _, s := range subs {
			wg.Add(1)
			go func(s *recorder) {
				defer wg.Done()
				m.Register(s, placed, shipped)
			}(s)
		}
	}
	wg.Wait()

	if n := m.Subscribers(placed); n != len(subs) {
		t.Fatalf("placed subscribers = %d, want %d", n, len(subs))
	}
	if n := m.Subscribers(shipped); n != len(subs) {
		t.Fatalf("shipped subscribers = %d, want %d", n, len(subs))
	}
}

func TestFailOnceIsRedeliveredAfterTwoSteps(t *testing.T) {
	t.Parallel()
	m, clk := newTestMessenger(Config{}, nil)
	rec := &recorder{fails: 1}
	m.Register(rec, TypeOf[*orderPlaced]())

	t0 := clk.Now()
	msg := &orderPlaced{}
	m.Post(msg)

	due, ok := m.pending.nextDue()
	if !ok {
		t.Fatal("expected a pending retry")
	}
	if want := t0.Add(100 * time.Millisecond); !due.Equal(want) {
		t.Fatalf("due = %v, want %v", due.Sub(t0), want.Sub(t0))
	}

	ctx := context.Background()
	if n := m.sweepOnce(ctx, t0.Add(99*time.Millisecond)); n != 0 {
		t.Fatalf("redelivered %d entries before due", n)
	}
	if n := m.sweepOnce(ctx, t0.Add(100*time.Millisecond)); n != 1 {
		t.Fatalf("redelivered %d entries, want 1", n)
	}

	if got := rec.seen(); len(got) != 2 || got[0] != 1 || got[1] != 2 {
		t.Fatalf("attempts seen = %v, want [1 2]", got)
	}
	if msg.Attempts() != 2 {
		t.Fatalf("final counter = %d, want 2", msg.Attempts())
	}
	if st := m.Stats(); st.Pending != 0 || st.Failures != 1 || st.Redelivered != 1 {
		t.Fatalf("stats = %+v", st)
	}
}

func TestAlwaysFailingMessageIsDroppedAfterCeiling(t *testing.T) {
	t.Parallel()
	m, clk := newTestMessenger(Config{}, nil)
	rec := &recorder{fails: 1 << 30}
	m.Register(rec, TypeOf[*orderPlaced]())

	msg := &orderPlaced{}
	m.Post(msg)

	ctx := context.Background()
	var delays []time.Duration
	for m.pending.Len() > 0 {
		due, _ := m.pending.nextDue()
		delays = append(delays, due.Sub(clk.Now()))
		clk.Set(due)
		m.sweepOnce(ctx, due)
	}

	want := []time.Duration{100 * time.Millisecond, 150 * time.Millisecond, 200 * time.Millisecond, 250 * time.Millisecond}
	if len(delays) != len(want) {
		t.Fatalf("delays = %v, want %v", delays, want)
	}
	for i := range want {
		if delays[i] != want[i] {
			t.Fatalf("delays = %v, want %v", delays, want)
		}
	}
	if got := rec.seen(); len(got) != 5 || got[4] != 5 {
		t.Fatalf("attempts seen = %v, want 1..5", got)
	}
	if msg.Attempts() != 5 {
		t.Fatalf("final counter = %d, want 5", msg.Attempts())
	}
	if st := m.Stats(); st.Dropped != 1 || st.Scheduled != 4 || st.Redelivered != 4 {
		t.Fatalf("stats = %+v", st)
	}

	// The ceiling holds for any later post too.
	m.Post(msg)
	if got := len(rec.seen()); got != 5 {
		t.Fatalf("deliveries after ceiling = %d, want 5", got)
	}
	if msg.Attempts() != 5 {
		t.Fatalf("counter moved past ceiling: %d", msg.Attempts())
	}
}

func TestRedeliveryBoundedBySweepGranularity(t *testing.T) {
	t.Parallel()
	cfg := Config{}.withDefaults()
	m, clk := newTestMessenger(cfg, nil)
	rec := &recorder{fails: 1}
	m.Register(rec, TypeOf[*orderPlaced]())

	// Post somewhere between two sweep ticks.
	t0 := clk.Now()
	clk.Set(t0.Add(130 * time.Millisecond))
	scheduledAt := clk.Now()
	m.Post(&orderPlaced{})

	ctx := context.Background()
	var deliveredAt time.Time
	for k := 1; k <= 10 && deliveredAt.IsZero(); k++ {
		tick := t0.Add(time.Duration(k) * cfg.SweepInterval)
		clk.Set(tick)
		if m.sweepOnce(ctx, tick) > 0 {
			deliveredAt = tick
		}
	}
	if deliveredAt.IsZero() {
		t.Fatal("message never redelivered")
	}
	delay := 2 * cfg.PunishStep
	waited := deliveredAt.Sub(scheduledAt)
	if waited < delay || waited >= delay+cfg.SweepInterval {
		t.Fatalf("waited %v, want within [%v, %v)", waited, delay, delay+cfg.SweepInterval)
	}
}

func TestSingleFailureRedeliversToAllSubscribers(t *testing.T) {
	t.Parallel()
	m, clk := newTestMessenger(Config{}, nil)
	ok := &recorder{}
	bad1 := &recorder{fails: 1}
	bad2 := &recorder{fails: 1}
	m.Register(ok, TypeOf[*orderPlaced]())
	m.Register(bad1, TypeOf[*orderPlaced]())
	m.Register(bad2, TypeOf[*orderPlaced]())

	m.Post(&orderPlaced{})

	// Two failures in one dispatch still yield one retry.
	if st := m.Stats(); st.Pending != 1 || st.Scheduled != 1 || st.Failures != 2 {
		t.Fatalf("stats = %+v, want one pending retry and two failures", st)
	}
	m.sweepOnce(context.Background(), clk.Now().Add(time.Second))

	for name, r := range map[string]*recorder{"ok": ok, "bad1": bad1, "bad2": bad2} {
		if got := len(r.seen()); got != 2 {
			t.Fatalf("%s deliveries = %d, want 2", name, got)
		}
	}
}

func TestPanickingSubscriberIsRetried(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	events, unsub := bus.Subscribe(16, EventReceiveFailed)
	defer unsub()

	m, clk := newTestMessenger(Config{}, bus)
	var calls atomic.Int32
	m.Register(Func("panicky", func(ctx context.Context, msg Message) error {
		if calls.Add(1) == 1 {
			panic("nil map write")
		}
		return nil
	}), TypeOf[*orderPlaced]())

	m.Post(&orderPlaced{})
	if m.Stats().Pending != 1 {
		t.Fatal("expected panic to schedule a retry")
	}

	select {
	case e := <-events:
		fe, ok := e.Data.(FailureEvent)
		if !ok || fe.Subscriber != "panicky" || fe.Attempt != 1 {
			t.Fatalf("unexpected failure event %+v", e.Data)
		}
	default:
		t.Fatal("missing receive_failed event")
	}

	m.sweepOnce(context.Background(), clk.Now().Add(time.Second))
	if calls.Load() != 2 {
		t.Fatalf("calls = %d, want 2", calls.Load())
	}
}

func TestDeliverWrapsPanics(t *testing.T) {
	t.Parallel()
	m, _ := newTestMessenger(Config{}, nil)
	err := m.deliver(context.Background(), Func("p", func(context.Context, Message) error {
		panic("boom")
	}), &orderPlaced{})
	if !errors.Is(err, ErrSubscriberPanic) {
		t.Fatalf("err = %v, want ErrSubscriberPanic", err)
	}
}

func TestSharedMessageRoutesFirstAttemptOnce(t *testing.T) {
	t.Parallel()
	m, _ := newTestMessenger(Config{}, nil)
	rec := &recorder{}
	m.Register(rec, TypeOf[*orderPlaced]())

	msg := &orderPlaced{}
	const posters = 64
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < posters; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			m.Post(msg)
		}()
	}
	close(start)
	wg.Wait()

	if got := len(rec.seen()); got != 1 {
		t.Fatalf("immediate deliveries = %d, want 1", got)
	}
	st := m.Stats()
	if st.Pending != DefaultMaxAttempts-1 || st.Dropped != posters-DefaultMaxAttempts {
		t.Fatalf("stats = %+v", st)
	}
	if msg.Attempts() != DefaultMaxAttempts {
		t.Fatalf("Attempts() = %d", msg.Attempts())
	}
}

func TestRetryEvents(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	events, unsub := bus.Subscribe(16, EventRetryScheduled, EventRedelivered)
	defer unsub()

	m, clk := newTestMessenger(Config{}, bus)
	m.Register(&recorder{fails: 1}, TypeOf[*orderPlaced]())
	m.Post(&orderPlaced{})
	m.sweepOnce(context.Background(), clk.Now().Add(time.Second))

	var got []eventbus.Event
	for len(events) > 0 {
		got = append(got, <-events)
	}
	if len(got) != 2 {
		t.Fatalf("events = %+v, want 2", got)
	}
	sched, ok := got[0].Data.(RetryEvent)
	if got[0].Type != EventRetryScheduled || !ok || sched.Attempt != 2 || sched.Delay != 100*time.Millisecond {
		t.Fatalf("first event = %+v", got[0])
	}
	if got[1].Type != EventRedelivered {
		t.Fatalf("second event type = %q", got[1].Type)
	}
}

func TestSafeSweepContainsFaults(t *testing.T) {
	t.Parallel()
	m, clk := newTestMessenger(Config{}, nil)
	rec := &recorder{fails: 1}
	m.Register(rec, TypeOf[*orderPlaced]())
	m.Post(&orderPlaced{})

	var calls atomic.Int32
	m.now = func() time.Time {
		if calls.Add(1) == 1 {
			panic("clock unavailable")
		}
		return clk.Now().Add(time.Second)
	}

	ctx := context.Background()
	m.safeSweep(ctx)
	if m.Stats().Pending != 1 {
		t.Fatal("faulted sweep must leave pending entries alone")
	}
	m.safeSweep(ctx)
	if got := len(rec.seen()); got != 2 {
		t.Fatalf("deliveries = %d, want 2", got)
	}
}

func TestApplyChangesStep(t *testing.T) {
	t.Parallel()
	m, clk := newTestMessenger(Config{}, nil)
	m.Register(&recorder{fails: 1}, TypeOf[*orderPlaced]())
	m.Apply(Config{PunishStep: 10 * time.Millisecond})

	t0 := clk.Now()
	m.Post(&orderPlaced{})
	due, ok := m.pending.nextDue()
	if !ok || due.Sub(t0) != 20*time.Millisecond {
		t.Fatalf("due in %v, want 20ms", due.Sub(t0))
	}
	if cfg := m.config(); cfg.MaxAttempts != DefaultMaxAttempts || cfg.SweepInterval != DefaultSweepInterval {
		t.Fatalf("defaults not applied: %+v", cfg)
	}
}

func TestHandleDeliversTypedMessages(t *testing.T) {
	t.Parallel()
	m, _ := newTestMessenger(Config{}, nil)
	var got string
	Handle(m, "typed", func(ctx context.Context, msg *orderPlaced) error {
		got = msg.ID
		return nil
	})

	m.Post(&orderPlaced{ID: "A-7"})
	if got != "A-7" {
		t.Fatalf("handler saw %q", got)
	}
}

func TestSweeperRedeliversInBackground(t *testing.T) {
	m := New(Config{PunishStep: 5 * time.Millisecond, SweepInterval: 10 * time.Millisecond}, logx.Nop(), nil)
	rec := &recorder{fails: 1, notify: make(chan int, 4)}
	m.Register(rec, TypeOf[*orderPlaced]())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.Start(ctx)
	m.Start(ctx) // idempotent
	t.Cleanup(func() { _ = m.Stop(context.Background()) })

	start := time.Now()
	m.Post(&orderPlaced{})
	<-rec.notify

	select {
	case n := <-rec.notify:
		if n != 2 {
			t.Fatalf("delivery #%d, want #2", n)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("sweeper did not redeliver")
	}
	if waited := time.Since(start); waited < 10*time.Millisecond {
		t.Fatalf("redelivered after %v, before the 10ms punish delay", waited)
	}
	if m.Supervisor() == nil {
		t.Fatal("expected supervisor while running")
	}
}

func TestStopDiscardsPending(t *testing.T) {
	m := New(Config{SweepInterval: time.Hour}, logx.Nop(), nil)
	m.Register(&recorder{fails: 1}, TypeOf[*orderPlaced]())
	m.Start(context.Background())

	m.Post(&orderPlaced{})
	if m.Stats().Pending != 1 {
		t.Fatal("expected pending retry")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := m.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if m.Stats().Pending != 0 || m.Supervisor() != nil {
		t.Fatalf("stats after stop = %+v", m.Stats())
	}
	if err := m.Stop(ctx); err != nil {
		t.Fatalf("second Stop: %v", err)
	}
}
