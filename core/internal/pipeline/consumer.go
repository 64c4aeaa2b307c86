package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/segmentio/kafka-go"

	"predictive-maintenance-core/core/internal/store"
	"predictive-maintenance-core/shared/events"
	"predictive-maintenance-core/shared/logx"
	"predictive-maintenance-core/shared/mqx"
)

const fetchRetryDelay = 500 * time.Millisecond

// MessageReader is the subset of *kafka.Reader the consumer uses.
type MessageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
}

// Consumer feeds broker messages into the router. A message whose handler
// keeps failing is retried with backoff, then its outbox row is marked
// FAILED for operator attention and the offset is committed.
type Consumer struct {
	Reader      MessageReader
	Router      *Router
	Outbox      store.Outbox
	MaxAttempts int
	BaseDelay   time.Duration
	Log         logx.Logger
}

func (c *Consumer) Run(ctx context.Context) error {
	for {
		msg, err := c.Reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.Log.Error(ctx, "kafka_fetch_failed", "failed to fetch message", logx.Err(err))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(fetchRetryDelay):
			}
			continue
		}
		c.process(ctx, msg)
		if err := c.Reader.CommitMessages(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.Log.Error(ctx, "kafka_commit_failed", "offset commit failed", logx.Topic(msg.Topic), logx.Err(err))
		}
	}
}

func (c *Consumer) process(ctx context.Context, msg kafka.Message) {
	env, err := events.Decode(msg.Value)
	if err != nil {
		c.Log.Error(ctx, "kafka_message_invalid", "dropping undecodable message",
			logx.Topic(msg.Topic),
			slog.String("event_id", mqx.Header(msg, mqx.HeaderEventID)),
			logx.Err(err),
		)
		return
	}

	attempts := 0
	err = backoff.Retry(func() error {
		attempts++
		return c.Router.Handle(ctx, env)
	}, backoff.WithContext(backoff.WithMaxRetries(c.policy(), uint64(c.maxAttempts()-1)), ctx))
	if err == nil || errors.Is(err, context.Canceled) {
		return
	}

	total := mqx.RetryCount(msg) + attempts
	c.Log.Error(ctx, "stage_exhausted", "handler failed after retries, event needs operator attention",
		logx.Tenant(env.TenantID),
		logx.Topic(env.Topic),
		slog.String("event_id", env.EventID.String()),
		slog.Int("attempts", attempts),
		logx.Err(err),
	)
	if c.Outbox == nil {
		return
	}
	if markErr := c.Outbox.MarkFailed(ctx, env.EventID, "", total, nil, err.Error(), true); markErr != nil {
		c.Log.Error(ctx, "outbox_mark_failed", "could not record failed event", slog.String("event_id", env.EventID.String()), logx.Err(markErr))
	}
}

func (c *Consumer) maxAttempts() int {
	if c.MaxAttempts <= 0 {
		return 5
	}
	return c.MaxAttempts
}

func (c *Consumer) policy() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.BaseDelay
	if b.InitialInterval <= 0 {
		b.InitialInterval = time.Second
	}
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}
