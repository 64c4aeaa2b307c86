// Package outbox publishes committed outbox rows to a Publisher with bounded
// retries.
package outbox

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"predictive-maintenance-core/core/internal/models"
	"predictive-maintenance-core/core/internal/store"
	"predictive-maintenance-core/shared/events"
	"predictive-maintenance-core/shared/logx"
	"predictive-maintenance-core/shared/metricsx"
	"predictive-maintenance-core/shared/workflow"
)

const (
	DefaultBatchSize   = 50
	DefaultMaxAttempts = 20
	DefaultPoll        = time.Second
	DefaultLease       = 30 * time.Second

	retryUnit     = 5 * time.Second
	maxRetryDelay = 5 * time.Minute
)

// Publisher delivers one envelope. The Kafka producer and the in-process
// router both satisfy it.
type Publisher interface {
	PublishEnvelope(ctx context.Context, env events.Envelope, partitionKey string, retryCount int) error
}

type Config struct {
	Owner        string
	BatchSize    int
	PollInterval time.Duration
	Lease        time.Duration
	MaxAttempts  int
}

func (c Config) withDefaults() Config {
	if c.Owner == "" {
		c.Owner = "outbox-" + uuid.NewString()[:8]
	}
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPoll
	}
	if c.Lease <= 0 {
		c.Lease = DefaultLease
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	return c
}

type Dispatcher struct {
	store store.Outbox
	pub   Publisher
	cfg   Config
	log   logx.Logger
	now   func() time.Time
}

func NewDispatcher(st store.Outbox, pub Publisher, cfg Config, log logx.Logger) *Dispatcher {
	return &Dispatcher{
		store: st,
		pub:   pub,
		cfg:   cfg.withDefaults(),
		log:   log,
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// Run polls until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()
	d.log.Info(ctx, "outbox_dispatcher_start", "outbox dispatcher started",
		slog.String("owner", d.cfg.Owner),
		slog.Int("batch_size", d.cfg.BatchSize),
		slog.Duration("poll_interval", d.cfg.PollInterval),
	)
	for {
		if _, err := d.DispatchBatch(ctx); err != nil && !errors.Is(err, context.Canceled) {
			d.log.Error(ctx, "outbox_poll_failed", "outbox poll failed", logx.Err(err))
		}
		select {
		case <-ctx.Done():
			d.log.Info(context.Background(), "outbox_dispatcher_stop", "outbox dispatcher stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// DispatchBatch claims one batch and publishes it in order. It returns how
// many rows were claimed.
func (d *Dispatcher) DispatchBatch(ctx context.Context) (int, error) {
	claimed, err := d.Claim(ctx)
	if err != nil {
		return 0, err
	}
	for _, event := range claimed {
		if err := ctx.Err(); err != nil {
			return len(claimed), err
		}
		if err := d.Dispatch(ctx, event); err != nil {
			d.log.Error(ctx, "outbox_update_failed", "outbox status update failed",
				logx.Tenant(event.TenantID),
				logx.Topic(event.Topic),
				slog.String("event_id", event.EventID.String()),
				logx.Err(err),
			)
		}
	}
	return len(claimed), nil
}

func (d *Dispatcher) Claim(ctx context.Context) ([]models.OutboxEvent, error) {
	claimed, err := d.store.ClaimPending(ctx, d.cfg.Owner, d.cfg.BatchSize, d.cfg.Lease)
	if err != nil {
		return nil, err
	}
	metricsx.ObserveOutboxClaim(len(claimed))
	return claimed, nil
}

// Owner is the lease owner this dispatcher claims rows as.
func (d *Dispatcher) Owner() string { return d.cfg.Owner }

// DispatchByID publishes one row claimed by owner. Rows that are no longer
// pending, or whose lease owner has lost, are left alone.
func (d *Dispatcher) DispatchByID(ctx context.Context, eventID uuid.UUID, owner string) error {
	event, err := d.store.GetEvent(ctx, eventID)
	if err != nil {
		return err
	}
	if event.Status != workflow.OutboxPending {
		return nil
	}
	return d.dispatch(ctx, event, owner)
}

// Dispatch publishes a row this dispatcher claimed and records the outcome.
// A publish failure is recorded on the row, not returned; only store errors
// are returned. A row whose lease has lapsed is skipped.
func (d *Dispatcher) Dispatch(ctx context.Context, event models.OutboxEvent) error {
	return d.dispatch(ctx, event, d.cfg.Owner)
}

func (d *Dispatcher) dispatch(ctx context.Context, event models.OutboxEvent, owner string) error {
	// rows wait behind slower ones in a batch, so the lease is checked per row
	if err := d.store.RenewLease(ctx, event.EventID, owner, d.cfg.Lease); err != nil {
		return d.leaseLost(ctx, event, err)
	}
	pubErr := d.publish(ctx, event, owner)
	if pubErr == nil {
		if err := d.store.MarkPublished(ctx, event.EventID, owner); err != nil {
			return d.leaseLost(ctx, event, err)
		}
		metricsx.IncOutbox(event.Topic, "published")
		return nil
	}

	attempts := event.RetryCount + 1
	dead := attempts >= d.cfg.MaxAttempts
	var nextRetry *time.Time
	if !dead {
		at := d.now().Add(RetryDelay(attempts))
		nextRetry = &at
	}
	if err := d.store.MarkFailed(ctx, event.EventID, owner, attempts, nextRetry, pubErr.Error(), dead); err != nil {
		return d.leaseLost(ctx, event, err)
	}
	attrs := []slog.Attr{
		logx.Tenant(event.TenantID),
		logx.Topic(event.Topic),
		slog.String("event_id", event.EventID.String()),
		slog.Int("attempts", attempts),
		logx.Err(pubErr),
	}
	if dead {
		metricsx.IncOutbox(event.Topic, "failed")
		d.log.Error(ctx, "outbox_failed", "outbox event exhausted retries and needs operator attention", attrs...)
	} else {
		metricsx.IncOutbox(event.Topic, "retry")
		d.log.Warn(ctx, "outbox_retry", "outbox publish failed, will retry", attrs...)
	}
	return nil
}

// publish renews the lease every third of its length while the publisher
// runs. Losing the lease cancels the publish.
func (d *Dispatcher) publish(ctx context.Context, event models.OutboxEvent, owner string) error {
	pubCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	interval := d.cfg.Lease / 3
	if interval <= 0 {
		interval = d.cfg.Lease
	}
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-pubCtx.Done():
				return
			case <-ticker.C:
			}
			err := d.store.RenewLease(pubCtx, event.EventID, owner, d.cfg.Lease)
			if errors.Is(err, store.ErrLeaseLost) {
				cancel()
				return
			}
			if err != nil && pubCtx.Err() == nil {
				d.log.Warn(pubCtx, "outbox_lease_renew_failed", "outbox lease renewal failed",
					slog.String("event_id", event.EventID.String()),
					logx.Err(err),
				)
			}
		}
	}()

	err := d.pub.PublishEnvelope(pubCtx, event.Envelope(), event.AggregateID.String(), event.RetryCount)
	close(done)
	wg.Wait()
	return err
}

func (d *Dispatcher) leaseLost(ctx context.Context, event models.OutboxEvent, err error) error {
	if !errors.Is(err, store.ErrLeaseLost) {
		return err
	}
	metricsx.IncOutbox(event.Topic, "lease_lost")
	d.log.Warn(ctx, "outbox_lease_lost", "outbox lease lost, row left to its current owner",
		logx.Tenant(event.TenantID),
		logx.Topic(event.Topic),
		slog.String("event_id", event.EventID.String()),
	)
	return nil
}

// RetryDelay grows quadratically and is capped at five minutes.
func RetryDelay(attempt int) time.Duration {
	if attempt <= 0 {
		return retryUnit
	}
	delay := time.Duration(attempt*attempt) * retryUnit
	if delay > maxRetryDelay {
		return maxRetryDelay
	}
	return delay
}
