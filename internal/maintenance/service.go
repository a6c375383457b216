// Package maintenance runs periodic upkeep for the batch orchestrator:
// re-enqueueing batches whose coordinating job was lost, and pruning finished
// batches past their retention.
package maintenance

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"bulkrun/internal/eventbus"
	logx "bulkrun/pkg/logx"
)

// DefaultSchedule runs upkeep every five minutes.
const DefaultSchedule = "@every 5m"

type Config struct {
	Enabled  bool
	Schedule string
	Timezone string // IANA name; empty means local time
	// MaxAge prunes terminal batches not updated for this long. 0 disables pruning.
	MaxAge time.Duration
	// Timeout bounds one run. 0 means 1m.
	Timeout time.Duration
}

// Target is the orchestrator surface maintenance drives.
type Target interface {
	Reconcile(ctx context.Context) (int, error)
	PruneBefore(ctx context.Context, cutoff time.Time) (int, error)
}

// Report is published as "maintenance.run".
type Report struct {
	Requeued int           `json:"requeued"`
	Pruned   int           `json:"pruned"`
	Took     time.Duration `json:"took"`
	Error    string        `json:"error,omitempty"`
}

type Service struct {
	target Target
	log    logx.Logger
	bus    eventbus.Bus
	now    func() time.Time

	mu      sync.Mutex
	cfg     Config
	parser  cron.Parser
	c       *cron.Cron
	entry   cron.EntryID
	last    Report
	lastAt  time.Time
	running atomic.Bool
}

func New(cfg Config, target Target, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop{}
	}
	return &Service{
		target: target,
		log:    log.With(logx.String("comp", "maintenance")),
		bus:    bus,
		now:    time.Now,
		cfg:    cfg,
		// SecondOptional accepts both 5-field and 6-field specs.
		parser: cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
	}
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// Start begins triggering when enabled. A bad schedule is logged and leaves
// the service idle until the next Apply.
func (s *Service) Start(ctx context.Context) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil || !s.cfg.Enabled {
		return
	}
	s.startLocked()
}

func (s *Service) startLocked() {
	spec, err := Normalize(orDefault(s.cfg.Schedule))
	if err != nil {
		s.log.Error("invalid maintenance schedule", logx.String("schedule", s.cfg.Schedule), logx.Err(err))
		return
	}
	loc := s.locationLocked()
	c := cron.New(cron.WithParser(s.parser), cron.WithLocation(loc))
	id, err := c.AddFunc(spec, s.tick)
	if err != nil {
		s.log.Error("maintenance schedule rejected", logx.String("spec", spec), logx.Err(err))
		return
	}
	c.Start()
	s.c = c
	s.entry = id
	s.log.Info("maintenance started",
		logx.String("spec", spec),
		logx.String("tz", loc.String()),
		logx.Time("next", c.Entry(id).Next),
		logx.Duration("max_age", s.cfg.MaxAge),
	)
}

// Stop halts triggering and waits for a running pass up to ctx.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.entry = 0
	s.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
	s.log.Info("maintenance stopped")
}

// Apply swaps the config. Schedule, timezone or enablement changes restart the
// cron runner.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	old := s.cfg
	s.cfg = cfg
	restart := old.Enabled != cfg.Enabled ||
		strings.TrimSpace(old.Schedule) != strings.TrimSpace(cfg.Schedule) ||
		strings.TrimSpace(old.Timezone) != strings.TrimSpace(cfg.Timezone)
	if !restart {
		s.mu.Unlock()
		return
	}
	c := s.c
	s.c = nil
	s.entry = 0
	if cfg.Enabled {
		s.startLocked()
	}
	s.mu.Unlock()
	if c != nil {
		<-c.Stop().Done()
	}
}

// Next reports the next scheduled run, zero when idle.
func (s *Service) Next() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c == nil || s.entry == 0 {
		return time.Time{}
	}
	return s.c.Entry(s.entry).Next
}

// Last returns the most recent report and when it finished.
func (s *Service) Last() (Report, time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last, s.lastAt
}

func (s *Service) tick() {
	s.mu.Lock()
	timeout := s.cfg.Timeout
	s.mu.Unlock()
	if timeout <= 0 {
		timeout = time.Minute
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if _, ok := s.RunOnce(ctx); !ok {
		s.log.Debug("maintenance skipped", logx.String("reason", "previous run still active"))
	}
}

// RunOnce reconciles then prunes. ok is false when another pass is running.
func (s *Service) RunOnce(ctx context.Context) (Report, bool) {
	if !s.running.CompareAndSwap(false, true) {
		return Report{}, false
	}
	defer s.running.Store(false)

	s.mu.Lock()
	maxAge := s.cfg.MaxAge
	s.mu.Unlock()

	start := s.now()
	var rep Report
	n, err := s.target.Reconcile(ctx)
	rep.Requeued = n
	if err != nil {
		rep.Error = "reconcile: " + err.Error()
		s.log.Warn("reconcile failed", logx.Err(err))
	}
	if maxAge > 0 {
		n, err := s.target.PruneBefore(ctx, start.Add(-maxAge))
		rep.Pruned = n
		if err != nil {
			if rep.Error != "" {
				rep.Error += "; "
			}
			rep.Error += "prune: " + err.Error()
			s.log.Warn("prune failed", logx.Err(err))
		}
	}
	rep.Took = s.now().Sub(start)

	s.mu.Lock()
	s.last = rep
	s.lastAt = s.now()
	s.mu.Unlock()

	if rep.Requeued > 0 || rep.Pruned > 0 {
		s.log.Info("maintenance run", logx.Int("requeued", rep.Requeued), logx.Int("pruned", rep.Pruned), logx.Duration("took", rep.Took))
	}
	s.bus.Publish(eventbus.Event{Type: "maintenance.run", Time: s.now(), Data: rep})
	return rep, true
}

func (s *Service) locationLocked() *time.Location {
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone; using local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}

func orDefault(spec string) string {
	if strings.TrimSpace(spec) == "" {
		return DefaultSchedule
	}
	return spec
}
