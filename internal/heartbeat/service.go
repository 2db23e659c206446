package heartbeat

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"msgbus/internal/messenger"
	logx "msgbus/pkg/logx"
)

// Beat is the message posted on every tick.
type Beat struct {
	messenger.Envelope
	Seq uint64
	At  time.Time
}

// Poster is the part of the messenger a producer needs.
type Poster interface {
	Post(msg messenger.Message)
}

type Config struct {
	Enabled  bool
	Schedule string
}

// Service drives a cron scheduler that posts Beats. Apply replaces the
// schedule; the sequence number keeps counting across reschedules.
type Service struct {
	poster Poster
	log    logx.Logger
	now    func() time.Time

	mu      sync.Mutex
	cfg     Config
	c       *cron.Cron
	running bool

	seq atomic.Uint64
}

func New(cfg Config, poster Poster, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		poster: poster,
		cfg:    cfg,
		log:    log.With(logx.String("comp", "heartbeat")),
		now:    time.Now,
	}
}

// Start begins ticking if enabled. A second Start is a no-op.
func (s *Service) Start(ctx context.Context) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}
	s.running = true
	return s.scheduleLocked()
}

// Stop halts ticking and waits for an in-flight beat, bounded by ctx.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.running = false
	s.mu.Unlock()
	stopCron(ctx, c)
}

// Apply swaps the config. When running, the scheduler is rebuilt. On an
// invalid schedule the service stays stopped and the error is returned.
func (s *Service) Apply(ctx context.Context, cfg Config) error {
	s.mu.Lock()
	if cfg == s.cfg {
		s.mu.Unlock()
		return nil
	}
	s.cfg = cfg
	old := s.c
	s.c = nil
	var err error
	if s.running {
		err = s.scheduleLocked()
	}
	s.mu.Unlock()

	stopCron(ctx, old)
	return err
}

// Beats reports how many beats were posted so far.
func (s *Service) Beats() uint64 { return s.seq.Load() }

func (s *Service) scheduleLocked() error {
	if !s.cfg.Enabled {
		s.log.Debug("heartbeat disabled")
		return nil
	}
	spec, err := ParseSpec(s.cfg.Schedule)
	if err != nil {
		return err
	}
	sched, err := spec.Schedule()
	if err != nil {
		return err
	}
	c := cron.New(cron.WithParser(cronParser))
	c.Schedule(sched, cron.FuncJob(s.beat))
	c.Start()
	s.c = c
	s.log.Info("heartbeat scheduled", logx.String("schedule", s.cfg.Schedule), logx.String("kind", spec.Kind.String()))
	return nil
}

func (s *Service) beat() {
	b := &Beat{Seq: s.seq.Add(1), At: s.now()}
	s.log.Trace("beat", logx.Uint64("seq", b.Seq))
	s.poster.Post(b)
}

func stopCron(ctx context.Context, c *cron.Cron) {
	if c == nil {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
}
