package worker

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/nodalwatch/ace/internal/domain"
	"github.com/nodalwatch/ace/internal/queue"
	"github.com/nodalwatch/ace/internal/store"
	"github.com/nodalwatch/ace/pkg/logger"
)

// Sweeper periodically requeues ANALYZING requests whose deadline has
// passed: spec's "an AR past its deadline is re-queueable without
// requiring worker cooperation" invariant, since a worker that died or
// hung mid-execution never gets the chance to report back on its own.
type Sweeper struct {
	store  store.Store
	queues queue.Manager
	log    *logger.Logger

	cron *cron.Cron
}

// NewSweeper creates a Sweeper. Start's schedule is a standard 5-field cron
// expression (e.g. "*/30 * * * * *" is not standard cron - use
// "@every 30s" style descriptors, which robfig/cron also accepts).
func NewSweeper(s store.Store, queues queue.Manager, log *logger.Logger) *Sweeper {
	return &Sweeper{
		store:  s,
		queues: queues,
		log:    log,
		cron:   cron.New(),
	}
}

// Start schedules the sweep per schedule and begins running it in the
// background. Call Stop to halt it.
func (sw *Sweeper) Start(schedule string) error {
	_, err := sw.cron.AddFunc(schedule, func() {
		sw.sweepOnce(context.Background())
	})
	if err != nil {
		return err
	}
	sw.cron.Start()
	return nil
}

// Stop halts the schedule, waiting out any sweep currently running.
func (sw *Sweeper) Stop() {
	<-sw.cron.Stop().Done()
}

// sweepOnce requeues every currently expired request exactly once; a
// request that was already requeued by a prior sweep (and is therefore no
// longer past its new deadline by the time its queue entry is popped)
// simply runs to completion normally.
func (sw *Sweeper) sweepOnce(ctx context.Context) {
	expired, err := sw.store.ExpiredRequests(ctx, time.Now().UTC())
	if err != nil {
		sw.log.WithError(err).Error("sweeper: failed to list expired requests")
		return
	}

	for _, ar := range expired {
		sw.requeue(ctx, ar)
	}

	if len(expired) > 0 {
		sw.log.WithField("count", len(expired)).Info("sweeper: requeued expired requests")
	}
}

func (sw *Sweeper) requeue(ctx context.Context, ar *domain.AnalysisRequest) {
	if ar.AMTName == "" {
		// A root-submission AR has no module queue to requeue onto; leave
		// it for the dispatcher's own retry path.
		return
	}

	ar.Status = domain.StatusQueued
	ar.Owner = ""
	ar.Deadline = time.Time{}

	if err := sw.store.TrackRequest(ctx, ar); err != nil {
		sw.log.WithField("request", ar.ID).WithError(err).Error("sweeper: failed to update expired request")
		return
	}
	if err := sw.queues.Queue(ar.AMTName).Put(ctx, ar); err != nil {
		sw.log.WithField("request", ar.ID).WithError(err).Error("sweeper: failed to requeue expired request")
	}
}
