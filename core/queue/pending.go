package queue

import (
	"context"
	"errors"
	"sync"
	"time"

	"pulseward/core/store"
	"pulseward/core/utils"
)

// ErrDrainInProgress is returned when a drain trigger fires while another
// drain is still walking the queue. Callers treat it as "nothing to do";
// the running drain covers the same reports.
var ErrDrainInProgress = errors.New("drain already in progress")

// DeliverFunc attempts one delivery and reports whether it succeeded.
type DeliverFunc func(ctx context.Context, report *store.CycleReport) bool

// PendingQueue persists undelivered cycle reports and replays them when a
// drain trigger fires (foreground transition, connectivity return, next
// successful cycle). Capacity is bounded; the store evicts the oldest
// report beyond the cap.
type PendingQueue struct {
	store  store.ServiceStore
	cap    int
	settle time.Duration
	logger *utils.Logger

	mu sync.Mutex

	sleep func(ctx context.Context, d time.Duration) error
}

func New(st store.ServiceStore, cap int, settle time.Duration, logger *utils.Logger) *PendingQueue {
	if cap <= 0 {
		cap = 10
	}
	return &PendingQueue{
		store:  st,
		cap:    cap,
		settle: settle,
		logger: logger,
		sleep:  utils.SleepCtx,
	}
}

func (q *PendingQueue) Enqueue(ctx context.Context, report *store.CycleReport) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	id, err := q.store.EnqueuePendingReport(ctx, report, q.cap)
	if err != nil {
		return err
	}
	q.logger.Infof("queue: report %d enqueued for later delivery", id)
	return nil
}

// Drain gives every pending report exactly one delivery attempt, in FIFO
// order. A report that fails stays queued but does not stop the walk, so a
// stuck oldest report cannot starve newer ones.
func (q *PendingQueue) Drain(ctx context.Context, deliver DeliverFunc) (delivered, stillPending int, err error) {
	if !q.mu.TryLock() {
		return 0, 0, ErrDrainInProgress
	}
	defer q.mu.Unlock()
	items, err := q.store.ListPendingReports(ctx)
	if err != nil {
		return 0, 0, err
	}
	for _, item := range items {
		if ctx.Err() != nil {
			stillPending++
			continue
		}
		report := item.Report
		if deliver(ctx, &report) {
			if err := q.store.DeletePendingReport(ctx, item.ID); err != nil {
				q.logger.Errorf("queue: delete report %d: %v", item.ID, err)
				stillPending++
				continue
			}
			delivered++
			continue
		}
		if err := q.store.BumpPendingAttempt(ctx, item.ID); err != nil {
			q.logger.Errorf("queue: bump attempt for report %d: %v", item.ID, err)
		}
		stillPending++
	}
	if delivered > 0 || stillPending > 0 {
		q.logger.Infof("queue: drain finished, delivered=%d pending=%d", delivered, stillPending)
	}
	return delivered, stillPending, nil
}

// DrainAfterSettle waits out a short settle delay first; connectivity
// signals tend to arrive before routes are actually usable.
func (q *PendingQueue) DrainAfterSettle(ctx context.Context, deliver DeliverFunc) (int, int, error) {
	if err := q.sleep(ctx, q.settle); err != nil {
		return 0, 0, err
	}
	return q.Drain(ctx, deliver)
}

func (q *PendingQueue) Size(ctx context.Context) (int, error) {
	return q.store.CountPendingReports(ctx)
}

func (q *PendingQueue) List(ctx context.Context) ([]store.PendingReport, error) {
	return q.store.ListPendingReports(ctx)
}
