package scheduler

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"taskmill/internal/eventbus"
	"taskmill/internal/storage"
	logx "taskmill/pkg/logx"
)

// Service is the scheduled-task engine.
//
// One mutex serializes every read-modify-persist cycle over the job
// store; task executions and outbox drains run on their own goroutines
// and re-acquire the mutex only for bookkeeping.
type Service struct {
	mu sync.Mutex

	log logx.Logger
	bus eventbus.Bus
	cfg Config
	loc *time.Location

	store storage.Store
	deps  Deps
	now   func() time.Time

	state   *State
	running map[string]int64 // job id -> run instant (epoch ms)

	wakeTimer *time.Timer
	stopCh    chan struct{}
	runCtx    context.Context
	runCancel context.CancelFunc
	wg        sync.WaitGroup

	wakeBusy  atomic.Bool
	drainBusy atomic.Bool

	limiter *rate.Limiter
}

func New(cfg Config, store storage.Store, deps Deps, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.New()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.NextRun == nil {
		deps.NextRun = NewCronCalculator(cfg.Timezone)
	}
	cfg = cfg.withDefaults()
	return &Service{
		log:     log.With(logx.String("component", "scheduler")),
		bus:     bus,
		cfg:     cfg,
		store:   store,
		deps:    deps,
		now:     deps.Now,
		running: map[string]int64{},
		limiter: rate.NewLimiter(rate.Limit(cfg.DeliveryRatePerSec), cfg.DeliveryRatePerSec),
	}
}

// Enabled reports the current config flag. (Thread-safe; Apply() may run concurrently.)
func (s *Service) Enabled() bool {
	s.mu.Lock()
	en := s.cfg.Enabled
	s.mu.Unlock()
	return en
}

// Start loads the persisted store, clears stale in-flight markers left by
// a crash, arms the wake timer, and launches the outbox drain loop.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopCh != nil {
		return nil
	}

	if err := s.loadLocked(ctx); err != nil {
		return err
	}

	s.stopCh = make(chan struct{})
	s.runCtx, s.runCancel = context.WithCancel(context.WithoutCancel(ctx))
	s.loc = s.loadLocationLocked()

	// A crash mid-run leaves RunningAtMS set with no goroutine behind it.
	recovered := 0
	for _, j := range s.state.Jobs {
		if j.RunningAtMS != 0 {
			j.RunningAtMS = 0
			recovered++
		}
	}
	if recovered > 0 {
		s.log.Warn("cleared stale in-flight markers", logx.Int("jobs", recovered))
		s.persistLocked(ctx)
	}

	s.armLocked()

	drainEvery := s.cfg.DrainInterval
	stopCh := s.stopCh
	runCtx := s.runCtx
	s.wg.Add(1)
	go s.drainLoop(runCtx, stopCh, drainEvery)

	s.log.Info("service started",
		logx.Int("jobs", len(s.state.Jobs)),
		logx.Int("outbox", len(s.state.Outbox)),
		logx.String("tz", s.loc.String()))
	return nil
}

// Stop disarms the timer, cancels in-flight runs, and waits for them to
// unwind (bounded by ctx).
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	if s.stopCh == nil {
		s.mu.Unlock()
		return
	}
	close(s.stopCh)
	s.stopCh = nil
	if s.wakeTimer != nil {
		s.wakeTimer.Stop()
		s.wakeTimer = nil
	}
	cancel := s.runCancel
	s.runCancel = nil
	s.runCtx = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.log.Info("service stopped")
	case <-ctx.Done():
		s.log.Warn("stop timed out waiting for in-flight runs")
	}
}

// Apply swaps runtime configuration. A timezone change re-resolves the
// location; a changed schedule landscape is handled by re-arming.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	oldTZ := strings.TrimSpace(s.cfg.Timezone)
	s.cfg = cfg.withDefaults()
	s.limiter.SetLimit(rate.Limit(s.cfg.DeliveryRatePerSec))
	s.limiter.SetBurst(s.cfg.DeliveryRatePerSec)
	if s.stopCh == nil {
		return
	}
	if strings.TrimSpace(cfg.Timezone) != oldTZ {
		s.loc = s.loadLocationLocked()
		if calc, ok := s.deps.NextRun.(*CronCalculator); ok {
			calc.SetLocation(s.loc)
		}
	}
	s.armLocked()
}

// Status returns an operational snapshot.
func (s *Service) Status() StatusSummary {
	s.mu.Lock()
	defer s.mu.Unlock()

	sum := StatusSummary{RunningCount: len(s.running)}
	var earliest int64
	for _, j := range s.state.Jobs {
		sum.TotalJobs++
		if j.Enabled {
			sum.EnabledJobs++
			if j.NextRunAtMS > 0 && (earliest == 0 || j.NextRunAtMS < earliest) {
				earliest = j.NextRunAtMS
			}
		}
	}
	if earliest > 0 {
		sum.NextWakeAt = time.UnixMilli(earliest).In(s.location())
	}
	for _, e := range s.state.Outbox {
		if e.State == OutboxQueued {
			sum.OutboxQueued++
		}
	}
	return sum
}

func (s *Service) startedLocked() bool { return s.stopCh != nil }

func (s *Service) location() *time.Location {
	if s.loc != nil {
		return s.loc
	}
	return time.Local
}

func (s *Service) loadLocationLocked() *time.Location {
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone, falling back to Local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}
