/*
scheduler.go - Automated statement materialization

PURPOSE:
  Periodically checks whether the previous calendar month has been closed
  out and, if its financial statement is not stored yet, materializes every
  statement of that month through the reconciler.

DESIGN:
  - Runs a background goroutine with configurable check interval
  - Only ever materializes the month before the current one (closed months)
  - Materializes each closed month once per process. Stored rows are not a
    marker: every payment or invoice already stores the global statement of
    its month, while patients who only carry a balance have no row yet
  - MaterializeMonth is idempotent, so the one repeat after a restart only
    rewrites the same values

USAGE:
  scheduler := NewStatementScheduler(reconciler, log)
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - handlers.go: MaterializeStatements endpoint (manual materialization)
  - billing/materialize.go: MaterializeMonth
*/
package api

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/warp/rxbilling/billing"
)

// StatementScheduler materializes closed months.
type StatementScheduler struct {
	Reconciler    *billing.Reconciler
	Clock         billing.Clock
	CheckInterval time.Duration
	Enabled       bool

	log    *zap.Logger
	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex

	runMu sync.Mutex    // serializes RunNow
	done  billing.Month // last month materialized by this scheduler
}

// NewStatementScheduler creates a new scheduler.
func NewStatementScheduler(reconciler *billing.Reconciler, log *zap.Logger) *StatementScheduler {
	if log == nil {
		log = zap.NewNop()
	}
	return &StatementScheduler{
		Reconciler:    reconciler,
		Clock:         billing.SystemClock{},
		CheckInterval: 1 * time.Hour,
		Enabled:       true,
		log:           log.Named("scheduler"),
	}
}

// Start begins the scheduler.
func (s *StatementScheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.Enabled {
		s.log.Info("disabled, not starting")
		return
	}
	if s.ticker != nil {
		return
	}

	s.ticker = time.NewTicker(s.CheckInterval)
	s.stop = make(chan struct{})
	s.wg.Add(1)

	go s.run()

	s.log.Info("started", zap.Duration("interval", s.CheckInterval))
}

// Stop stops the scheduler and waits for an in-flight check.
func (s *StatementScheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ticker != nil {
		s.ticker.Stop()
		close(s.stop)
		s.wg.Wait()
		s.ticker = nil
		s.log.Info("stopped")
	}
}

func (s *StatementScheduler) run() {
	defer s.wg.Done()

	// Run immediately on start
	s.checkAndProcess()

	for {
		select {
		case <-s.ticker.C:
			s.checkAndProcess()
		case <-s.stop:
			return
		}
	}
}

func (s *StatementScheduler) checkAndProcess() {
	if _, err := s.RunNow(context.Background()); err != nil {
		s.log.Error("materialization failed", zap.Error(err))
	}
}

// RunNow materializes the previous month unless this scheduler already did.
// Returns a nil outcome when there was nothing to do.
func (s *StatementScheduler) RunNow(ctx context.Context) (*billing.Outcome, error) {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	month := billing.MonthOf(s.Clock.Now()).Prev()
	if s.done == month {
		s.log.Debug("month already materialized", zap.Stringer("month", month))
		return nil, nil
	}

	out, err := s.Reconciler.MaterializeMonth(ctx, month)
	if err != nil {
		return nil, err
	}
	s.done = month
	s.log.Info("month materialized",
		zap.Stringer("month", month),
		zap.String("run_id", out.RunID),
		zap.Int("monthly_recomputed", len(out.Monthly)),
		zap.Int("global_recomputed", len(out.Global)))
	return out, nil
}

// NextRunTime returns when the next scheduled check will occur.
func (s *StatementScheduler) NextRunTime() time.Time {
	return s.Clock.Now().Add(s.CheckInterval)
}
