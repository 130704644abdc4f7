package worker

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"

	"github.com/sirupsen/logrus"

	"automation-engine/internal/config"
	"automation-engine/internal/models"
	"automation-engine/internal/queue"
	"automation-engine/internal/telemetry"
)

// runExecutor is satisfied by *Executor.
type runExecutor interface {
	Execute(ctx context.Context, msg models.ExecutionMessage) error
}

// Processor drives the worker loop: it leases hand-off messages, runs them
// through the executor, redelivers on infrastructure errors and performs
// periodic maintenance (approval expiry, stale-run republish).
type Processor struct {
	cfg      config.Config
	queue    *queue.RedisQueue
	exec     runExecutor
	control  *Control
	store    RunStore
	log      *logrus.Entry
	workerID string
	now      func() time.Time

	lastSweep time.Time
}

func NewProcessor(cfg config.Config, q *queue.RedisQueue, exec runExecutor, control *Control, st RunStore, log *logrus.Entry) *Processor {
	return NewProcessorWithID(cfg, q, exec, control, st, log, "")
}

// NewProcessorWithID creates a processor with a specific worker ID for log correlation.
func NewProcessorWithID(cfg config.Config, q *queue.RedisQueue, exec runExecutor, control *Control, st RunStore, log *logrus.Entry, workerID string) *Processor {
	if cfg.WorkerPollInterval <= 0 {
		cfg.WorkerPollInterval = time.Second
	}
	if cfg.ApprovalSweepInterval <= 0 {
		cfg.ApprovalSweepInterval = time.Minute
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	entry := log.WithField("component", "processor")
	if workerID != "" {
		entry = entry.WithField("worker_id", workerID)
	}
	return &Processor{
		cfg:      cfg,
		queue:    q,
		exec:     exec,
		control:  control,
		store:    st,
		log:      entry,
		workerID: workerID,
		now:      time.Now,
	}
}

// Run starts the main worker loop until context cancellation.
func (p *Processor) Run(ctx context.Context) error {
	p.log.Info("worker started")
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		p.maintain(ctx)

		processed, err := p.ProcessOne(ctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			p.log.WithError(err).Warn("dequeue failed")
		}
		if processed {
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(p.cfg.WorkerPollInterval):
		}
	}
}

// maintain moves due retries and expired leases back to ready and, every
// ApprovalSweepInterval, runs the approval and stale-run sweeps.
func (p *Processor) maintain(ctx context.Context) {
	now := p.now()
	if _, err := p.queue.PromoteScheduled(ctx, now, int64(p.cfg.ScheduledBatchSize)); err != nil {
		p.log.WithError(err).Warn("promote scheduled deliveries")
	}
	if reclaimed, err := p.queue.RequeueExpired(ctx, now, 100); err != nil {
		p.log.WithError(err).Warn("requeue expired leases")
	} else if len(reclaimed) > 0 {
		p.log.WithField("count", len(reclaimed)).Info("requeued deliveries with expired leases")
	}
	if depth, err := p.queue.ReadyDepth(ctx); err == nil {
		telemetry.QueueDepthGauge.Set(float64(depth))
	}

	if now.Sub(p.lastSweep) < p.cfg.ApprovalSweepInterval {
		return
	}
	p.lastSweep = now
	p.Sweep(ctx)
}

// Sweep expires overdue approvals and republishes runs whose hand-off was
// lost: PENDING runs left unclaimed and RUNNING runs whose worker died.
func (p *Processor) Sweep(ctx context.Context) {
	if p.control != nil {
		n, err := p.control.ExpireApprovals(ctx, 100)
		if err != nil {
			p.log.WithError(err).Error("approval sweep failed")
		} else if n > 0 {
			p.log.WithField("count", n).Info("expired overdue approvals")
		}
	}

	grace := 2 * p.cfg.VisibilityTimeout
	if grace <= 0 {
		grace = 4 * time.Minute
	}
	now := p.now().UTC()
	stale, err := p.store.TakeStaleRuns(ctx, now.Add(-grace), now.Add(-grace), 100)
	if err != nil {
		p.log.WithError(err).Error("stale run sweep failed")
		return
	}
	for _, run := range stale {
		if err := p.queue.Publish(ctx, run.ExecutionMessage()); err != nil {
			p.log.WithError(err).WithField("run_id", run.ID).Warn("republish stale run failed")
			continue
		}
		p.log.WithFields(logrus.Fields{"run_id": run.ID, "status": string(run.Status)}).Info("republished stale run")
	}
}

// ProcessOne leases and handles at most one delivery. It reports whether a
// delivery was taken.
func (p *Processor) ProcessOne(ctx context.Context) (bool, error) {
	d, err := p.queue.DequeueWithLease(ctx)
	if err != nil {
		if d != nil && (errors.Is(err, queue.ErrMessageMissing) || errors.Is(err, queue.ErrMalformedMessage)) {
			// Nothing to retry; the stale-run sweep covers a run that still needs work.
			p.log.WithError(err).WithField("run_id", d.ID).Warn("dropping unreadable delivery")
			_ = p.queue.Ack(ctx, d.ID)
			return true, nil
		}
		// Anything else leaves the lease to expire and be requeued.
		return false, err
	}
	if d == nil {
		return false, nil
	}
	p.handle(ctx, d)
	return true, nil
}

func (p *Processor) handle(ctx context.Context, d *queue.Delivery) {
	telemetry.InFlightGauge.Inc()
	defer telemetry.InFlightGauge.Dec()
	log := p.log.WithField("run_id", d.ID)

	err := p.exec.Execute(ctx, d.Message)
	if err == nil {
		if ackErr := p.queue.Ack(ctx, d.ID); ackErr != nil {
			log.WithError(ackErr).Warn("ack failed; lease expiry will redeliver and the claim will skip it")
		}
		return
	}

	attempts, incErr := p.queue.IncrAttempts(ctx, d.ID)
	if incErr != nil {
		log.WithError(incErr).Warn("increment attempts failed; lease expiry will redeliver")
		return
	}
	d.Attempts = attempts

	if attempts >= p.cfg.MaxAttempts {
		if dlqErr := p.queue.DLQPush(ctx, *d, err); dlqErr != nil {
			log.WithError(dlqErr).Error("dead-letter push failed")
			return
		}
		_ = p.queue.Ack(ctx, d.ID)
		telemetry.DeliveryDeadLetter.Inc()
		log.WithError(err).WithField("attempts", attempts).Error("delivery dead-lettered")
		return
	}

	backoff := backoffWithJitter(p.cfg.BackoffInitial, p.cfg.BackoffMax, attempts)
	nextRun := p.now().Add(backoff)
	_ = p.queue.Release(ctx, d.ID)
	if schedErr := p.queue.Schedule(ctx, d.ID, nextRun); schedErr != nil {
		log.WithError(schedErr).Error("schedule redelivery failed; stale-run sweep will republish")
		return
	}
	telemetry.DeliveryRetries.Inc()
	log.WithError(err).WithFields(logrus.Fields{
		"attempts": attempts,
		"next_run": nextRun.UTC().Format(time.RFC3339),
	}).Warn("execution failed; redelivery scheduled")
}

func backoffWithJitter(base, max time.Duration, attempt int) time.Duration {
	if base <= 0 {
		base = time.Second
	}
	if max < base {
		max = base
	}
	if attempt <= 0 {
		return base
	}
	exp := float64(base) * math.Pow(2, float64(attempt-1))
	wait := time.Duration(exp)
	if wait > max || exp > float64(math.MaxInt64) {
		wait = max
	}
	half := int64(wait / 2)
	if half <= 0 {
		return wait
	}
	return wait/2 + time.Duration(rand.Int63n(half))
}
