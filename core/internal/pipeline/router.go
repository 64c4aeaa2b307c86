// Package pipeline holds the consumer chain: topic-keyed stage handlers and
// the boundary operations that start a chain. Handlers run the same way
// in-process (through LocalPublisher) and behind a Kafka subscription.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"predictive-maintenance-core/shared/events"
	"predictive-maintenance-core/shared/logx"
	"predictive-maintenance-core/shared/metricsx"
	"predictive-maintenance-core/shared/observability"
)

type Handler interface {
	Handle(ctx context.Context, env events.Envelope) error
}

type HandlerFunc func(ctx context.Context, env events.Envelope) error

func (f HandlerFunc) Handle(ctx context.Context, env events.Envelope) error { return f(ctx, env) }

type Router struct {
	mu       sync.RWMutex
	handlers map[string][]Handler
	log      logx.Logger
}

func NewRouter(log logx.Logger) *Router {
	return &Router{handlers: make(map[string][]Handler), log: log}
}

func (r *Router) Register(topic string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[topic] = append(r.handlers[topic], h)
}

func (r *Router) Topics() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	topics := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		topics = append(topics, t)
	}
	sort.Strings(topics)
	return topics
}

// Handle runs every handler registered for env.Topic and stops at the first
// error. Topics without handlers are acknowledged.
func (r *Router) Handle(ctx context.Context, env events.Envelope) (err error) {
	r.mu.RLock()
	handlers := r.handlers[env.Topic]
	r.mu.RUnlock()
	if len(handlers) == 0 {
		r.log.Debug(ctx, "topic_unrouted", "no handler for topic", logx.Topic(env.Topic))
		return nil
	}

	ctx, span := observability.StartStage(ctx, env.Topic, env.TenantID.String(), env.EventID.String())
	start := time.Now()
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("%s handler panic: %v", env.Topic, rec)
		}
		metricsx.ObserveStage(env.Topic, err, time.Since(start))
		observability.EndSpan(span, err)
		if err != nil {
			r.log.Error(ctx, "stage_failed", "stage handler failed",
				logx.Tenant(env.TenantID),
				logx.Topic(env.Topic),
				slog.String("event_id", env.EventID.String()),
				logx.Err(err),
			)
		}
	}()

	for _, h := range handlers {
		if err = h.Handle(ctx, env); err != nil {
			return err
		}
	}
	return nil
}

// LocalPublisher delivers outbox rows straight into the router.
type LocalPublisher struct {
	Router *Router
}

func (p LocalPublisher) PublishEnvelope(ctx context.Context, env events.Envelope, _ string, _ int) error {
	return p.Router.Handle(ctx, env)
}
