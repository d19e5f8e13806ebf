/*
scheduler.go - Automated dues scheduler

PURPOSE:
  Periodically sweeps collection periods whose due date has passed and
  assesses dues for their non-contributors.

DESIGN:
  - Runs a background goroutine with configurable check interval
  - Calls Service.ProcessDues, the same entry point as POST /api/dues/process
  - Runs as ledger.SystemActor so dues runs record "scheduler" as trigger
  - Exactly-once assessment is enforced by the store, so a tick racing a
    manual trigger is harmless
  - Stop cancels the context of an in-flight sweep; the processor stops
    between entities and records the run as failed

CONFIGURATION:
  - Interval: How often to check (default: 1 hour)
  - Enabled: Whether scheduler is active (default: true)
  - RunOnStart: Sweep immediately on Start (default: true)

USAGE:
  scheduler := NewDuesScheduler(service, logger)
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - handlers.go: ProcessDues endpoint (manual trigger)
  - ledger/processor.go: Processor
*/
package api

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/warp/dues-ledger/ledger"
)

// DuesScheduler runs the dues processor on a fixed interval.
type DuesScheduler struct {
	Service    *ledger.Service
	Interval   time.Duration
	Enabled    bool
	RunOnStart bool
	Logger     *zap.Logger

	ticker  *time.Ticker
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.Mutex
	lastRun time.Time
	last    ledger.Summary
}

// ScheduleDTO reports scheduler state.
type ScheduleDTO struct {
	Enabled  bool        `json:"enabled"`
	Running  bool        `json:"running"`
	Interval string      `json:"interval,omitempty"`
	LastRun  string      `json:"last_run,omitempty"`
	NextRun  string      `json:"next_run,omitempty"`
	Last     *SummaryDTO `json:"last_summary,omitempty"`
}

// NewDuesScheduler creates a new scheduler.
func NewDuesScheduler(svc *ledger.Service, logger *zap.Logger) *DuesScheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DuesScheduler{
		Service:    svc,
		Interval:   1 * time.Hour,
		Enabled:    true,
		RunOnStart: true,
		Logger:     logger.Named("scheduler"),
	}
}

// Start begins the scheduler. Calling Start twice is a no-op.
func (ds *DuesScheduler) Start() {
	ds.mu.Lock()
	defer ds.mu.Unlock()

	if !ds.Enabled {
		ds.Logger.Info("scheduler disabled, not starting")
		return
	}
	if ds.ticker != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	ds.ticker = time.NewTicker(ds.Interval)
	ds.cancel = cancel
	ds.wg.Add(1)

	go ds.run(ctx, ds.ticker)

	ds.Logger.Info("scheduler started", zap.Duration("interval", ds.Interval))
}

// Stop stops the scheduler, cancels an in-flight sweep and waits for it to
// return.
func (ds *DuesScheduler) Stop() {
	ds.mu.Lock()
	ticker, cancel := ds.ticker, ds.cancel
	ds.ticker, ds.cancel = nil, nil
	ds.mu.Unlock()

	if ticker == nil {
		return
	}
	ticker.Stop()
	cancel()
	ds.wg.Wait()
	ds.Logger.Info("scheduler stopped")
}

func (ds *DuesScheduler) run(ctx context.Context, ticker *time.Ticker) {
	defer ds.wg.Done()

	if ds.RunOnStart {
		ds.checkAndProcess(ctx)
	}

	for {
		select {
		case <-ticker.C:
			ds.checkAndProcess(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (ds *DuesScheduler) checkAndProcess(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	if _, err := ds.RunNow(ctx); err != nil {
		ds.Logger.Error("dues sweep failed", zap.Error(err))
	}
}

// RunNow performs one sweep immediately as the system actor.
func (ds *DuesScheduler) RunNow(ctx context.Context) (ledger.Summary, error) {
	ctx = ledger.WithActor(ctx, ledger.SystemActor)
	started := time.Now()

	summary, err := ds.Service.ProcessDues(ctx, nil)
	if err != nil {
		return summary, err
	}

	ds.mu.Lock()
	ds.lastRun = started
	ds.last = summary
	ds.mu.Unlock()

	if summary.PeriodsProcessed > 0 {
		ds.Logger.Info("dues sweep completed",
			zap.Int("periods", summary.PeriodsProcessed),
			zap.Int("entities", summary.EntitiesProcessed),
			zap.Duration("took", time.Since(started)),
		)
	} else {
		ds.Logger.Debug("dues sweep found nothing to process")
	}
	return summary, nil
}

// GetNextRunTime returns when the next scheduled check will occur.
func (ds *DuesScheduler) GetNextRunTime() time.Time {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	if ds.lastRun.IsZero() {
		return time.Now().Add(ds.Interval)
	}
	return ds.lastRun.Add(ds.Interval)
}

// Status returns a snapshot for the API.
func (ds *DuesScheduler) Status() ScheduleDTO {
	next := ds.GetNextRunTime()

	ds.mu.Lock()
	defer ds.mu.Unlock()

	out := ScheduleDTO{
		Enabled:  ds.Enabled,
		Running:  ds.ticker != nil,
		Interval: ds.Interval.String(),
		LastRun:  stamp(ds.lastRun),
	}
	if out.Running {
		out.NextRun = stamp(next)
	}
	if !ds.lastRun.IsZero() {
		s := toSummaryDTO(ds.last)
		out.Last = &s
	}
	return out
}
