// Package janitor re-drives ticket instances stranded mid-workflow, e.g.
// by a crash between a persisted checkpoint and the next tool call.
package janitor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/deskd-io/deskd/internal/store"
	"github.com/deskd-io/deskd/pkg/protocol"
)

// Advancer is the slice of the engine the janitor needs.
type Advancer interface {
	Advance(ctx context.Context, id string) (*protocol.TicketInstance, error)
}

// Lister finds stranded instances.
type Lister interface {
	List(filter store.Filter) ([]*protocol.TicketInstance, error)
}

// Janitor periodically sweeps for instances stuck in created or
// awaiting_tools and re-drives them from their last checkpoint. The stale
// cutoff stays well above the worst-case tool retry budget so a sweep
// never races a live request that is still making progress.
type Janitor struct {
	engine     Advancer
	lister     Lister
	schedule   string
	staleAfter time.Duration
	cron       *cron.Cron
	logger     *slog.Logger
}

// New creates a janitor. schedule is a cron spec ("@every 30s" style).
func New(engine Advancer, lister Lister, schedule string, staleAfter time.Duration, logger *slog.Logger) *Janitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Janitor{
		engine:     engine,
		lister:     lister,
		schedule:   schedule,
		staleAfter: staleAfter,
		cron:       cron.New(),
		logger:     logger,
	}
}

// Start registers the sweep and runs the cron loop until ctx is cancelled.
func (j *Janitor) Start(ctx context.Context) error {
	_, err := j.cron.AddFunc(j.schedule, func() { j.Sweep(ctx) })
	if err != nil {
		return fmt.Errorf("janitor: schedule %q: %w", j.schedule, err)
	}

	j.cron.Start()
	j.logger.Info("janitor started", "schedule", j.schedule, "stale_after", j.staleAfter)

	<-ctx.Done()
	j.cron.Stop()
	j.logger.Info("janitor stopped")
	return ctx.Err()
}

// Sweep re-drives every stranded instance once. Returns the number of
// instances it attempted to advance.
func (j *Janitor) Sweep(ctx context.Context) int {
	stranded, err := j.lister.List(store.Filter{
		Statuses:      []protocol.TicketStatus{protocol.StatusCreated, protocol.StatusAwaitingTools},
		UpdatedBefore: time.Now().Add(-j.staleAfter),
	})
	if err != nil {
		j.logger.Error("janitor list failed", "error", err)
		return 0
	}

	for _, inst := range stranded {
		j.logger.Info("re-driving stranded instance",
			"ticket", inst.ID, "status", inst.Status, "stage", inst.CurrentStage)
		if _, err := j.engine.Advance(ctx, inst.ID); err != nil {
			// A conflict means a live request got there first; that's fine.
			j.logger.Warn("re-drive failed", "ticket", inst.ID, "error", err)
		}
	}
	return len(stranded)
}
