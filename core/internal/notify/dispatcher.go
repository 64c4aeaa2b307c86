// Package notify fans pipeline events out to a tenant's delivery channels:
// websocket broadcast, email and signed webhooks.
package notify

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"predictive-maintenance-core/core/internal/models"
	"predictive-maintenance-core/core/internal/store"
	"predictive-maintenance-core/shared/cachex"
	"predictive-maintenance-core/shared/events"
	"predictive-maintenance-core/shared/logx"
	"predictive-maintenance-core/shared/metricsx"
	"predictive-maintenance-core/shared/tenantx"
)

var ErrChannelExhausted = errors.New("notification channel retries exhausted")

// Broadcaster pushes a message to every connection of a tenant and reports
// how many received it. *wshub.Hub fits.
type Broadcaster interface {
	Broadcast(ctx context.Context, tenantID uuid.UUID, topic string, payload json.RawMessage) (int, error)
}

type EmailSender interface {
	Send(ctx context.Context, to []string, subject string, body string) error
}

type WebhookSender interface {
	Post(ctx context.Context, url string, secret string, tenantID uuid.UUID, body []byte) error
}

type Config struct {
	Cooldown        time.Duration
	AttemptTimeout  time.Duration
	BaseDelay       time.Duration
	EmailAttempts   int
	WebhookAttempts int
}

func (c Config) withDefaults() Config {
	if c.Cooldown <= 0 {
		c.Cooldown = 300 * time.Second
	}
	if c.AttemptTimeout <= 0 {
		c.AttemptTimeout = 5 * time.Second
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = time.Second
	}
	if c.EmailAttempts <= 0 {
		c.EmailAttempts = 3
	}
	if c.WebhookAttempts <= 0 {
		c.WebhookAttempts = 5
	}
	return c
}

// Topics that are worth an email. Shift violations go to websocket and
// webhook only.
var emailTopics = map[string]bool{
	events.TopicAlertTriggered: true,
	events.TopicAlertEscalated: true,
	events.TopicDeviceReminder: true,
}

type Dispatcher struct {
	store   store.Notifications
	cache   *cachex.Cache
	ws      Broadcaster
	email   EmailSender
	webhook WebhookSender
	cfg     Config
	log     logx.Logger
	now     func() time.Time
}

// NewDispatcher wires the channels. A nil sender disables its channel
// regardless of preferences.
func NewDispatcher(st store.Notifications, cache *cachex.Cache, ws Broadcaster, email EmailSender, webhook WebhookSender, cfg Config, log logx.Logger) *Dispatcher {
	return &Dispatcher{
		store:   st,
		cache:   cache,
		ws:      ws,
		email:   email,
		webhook: webhook,
		cfg:     cfg.withDefaults(),
		log:     log,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

type delivery struct {
	env      events.Envelope
	assetID  uuid.UUID
	severity models.Severity
	title    string
	hash     string
	pref     models.NotificationPreference
}

// Notify delivers env to every enabled channel unless the (tenant, asset,
// topic) cooldown is active. Channel failures end up in the notification log;
// only store failures are returned.
func (d *Dispatcher) Notify(ctx context.Context, env events.Envelope) error {
	if err := tenantx.Require(env.TenantID); err != nil {
		return err
	}
	assetID, err := events.AssetOf(env.Payload)
	if err != nil {
		return fmt.Errorf("%s: %w", env.Topic, err)
	}
	attrs := []slog.Attr{logx.Tenant(env.TenantID), logx.Asset(assetID), logx.Topic(env.Topic)}

	category := cachex.CooldownCategory(env.Topic)
	active, err := d.cache.Exists(ctx, env.TenantID, assetID, category)
	switch {
	case err != nil && cachex.IsTenantError(err):
		return err
	case err != nil:
		metricsx.IncCacheFallback(category)
		d.log.Warn(ctx, "cooldown_check_failed", "cooldown lookup failed, delivering anyway", append(attrs, logx.Err(err))...)
	case active:
		metricsx.IncNotification("all", "suppressed")
		d.log.Info(ctx, "notification_suppressed", "cooldown active", attrs...)
		return nil
	}

	pref, found, err := d.store.Preference(ctx, env.TenantID, nil)
	if err != nil {
		return fmt.Errorf("load notification preference: %w", err)
	}
	if !found {
		pref = models.DefaultPreference(env.TenantID)
	}

	dl := delivery{
		env:      env,
		assetID:  assetID,
		severity: severityOf(env),
		title:    titleOf(env),
		hash:     PayloadHash(env),
		pref:     pref,
	}

	g, gctx := errgroup.WithContext(ctx)
	channels := 0
	if pref.WebsocketEnabled && d.ws != nil {
		channels++
		g.Go(func() error { return d.deliverWebsocket(gctx, dl) })
	}
	if pref.EmailEnabled && d.email != nil && emailTopics[env.Topic] {
		channels++
		g.Go(func() error { return d.deliverEmail(gctx, dl) })
	}
	if pref.WebhookEnabled && d.webhook != nil {
		channels++
		g.Go(func() error { return d.deliverWebhook(gctx, dl) })
	}
	if channels == 0 {
		entry := d.entry(dl, models.ChannelNone, "")
		entry.Status, entry.Error = models.DeliverySkipped, "no channel enabled"
		d.log.Info(ctx, "notification_no_channel", "no delivery channel enabled", attrs...)
		return d.record(ctx, entry)
	}
	if err := g.Wait(); err != nil {
		return err
	}

	if err := d.cache.SetJSON(ctx, env.TenantID, assetID, category, map[string]bool{"active": true}, d.cfg.Cooldown); err != nil {
		metricsx.IncCacheFallback(category)
		d.log.Warn(ctx, "cooldown_set_failed", "could not set notification cooldown", append(attrs, logx.Err(err))...)
	}
	return nil
}

func (d *Dispatcher) deliverWebsocket(ctx context.Context, dl delivery) error {
	n, err := d.ws.Broadcast(ctx, dl.env.TenantID, dl.env.Topic, dl.env.Payload)
	entry := d.entry(dl, models.ChannelWebsocket, fmt.Sprintf("tenant:%s", dl.env.TenantID))
	if err != nil {
		entry.Status, entry.Error = models.DeliveryFailed, err.Error()
	} else {
		entry.Status = models.DeliverySent
		entry.Recipient = fmt.Sprintf("tenant:%s (%d connections)", dl.env.TenantID, n)
	}
	return d.record(ctx, entry)
}

func (d *Dispatcher) deliverEmail(ctx context.Context, dl delivery) error {
	recipients := dl.pref.EmailRecipients
	entry := d.entry(dl, models.ChannelEmail, strings.Join(recipients, ","))
	if skip := d.skipReason(ctx, dl, models.ChannelEmail, len(recipients) == 0); skip != "" {
		entry.Status, entry.Error = models.DeliverySkipped, skip
		return d.record(ctx, entry)
	}
	subject := "Predictive maintenance: " + dl.title
	body := fmt.Sprintf("Event: %s\nAsset: %s\nSeverity: %s\nPayload: %s\n", dl.env.Topic, dl.assetID, dl.severity, dl.env.Payload)
	attempts, err := d.retry(ctx, d.cfg.EmailAttempts, func(actx context.Context) error {
		return d.email.Send(actx, recipients, subject, body)
	})
	d.finish(ctx, &entry, attempts, err)
	return d.record(ctx, entry)
}

func (d *Dispatcher) deliverWebhook(ctx context.Context, dl delivery) error {
	entry := d.entry(dl, models.ChannelWebhook, dl.pref.WebhookURL)
	if skip := d.skipReason(ctx, dl, models.ChannelWebhook, dl.pref.WebhookURL == ""); skip != "" {
		entry.Status, entry.Error = models.DeliverySkipped, skip
		return d.record(ctx, entry)
	}
	body, err := dl.env.Encode()
	if err != nil {
		return err
	}
	attempts, err := d.retry(ctx, d.cfg.WebhookAttempts, func(actx context.Context) error {
		return d.webhook.Post(actx, dl.pref.WebhookURL, dl.pref.WebhookSecret, dl.env.TenantID, body)
	})
	d.finish(ctx, &entry, attempts, err)
	return d.record(ctx, entry)
}

// skipReason checks the severity threshold, missing destination and replay
// de-duplication for the retrying channels.
func (d *Dispatcher) skipReason(ctx context.Context, dl delivery, channel string, noDestination bool) string {
	if dl.severity.Rank() < dl.pref.MinSeverity.Rank() {
		return "below minimum severity " + string(dl.pref.MinSeverity)
	}
	if noDestination {
		return "no destination configured"
	}
	sent, err := d.store.HasSentNotification(ctx, dl.env.TenantID, channel, dl.hash)
	if err != nil {
		d.log.Warn(ctx, "notification_dedupe_failed", "duplicate check failed, delivering", logx.Tenant(dl.env.TenantID), logx.Err(err))
		return ""
	}
	if sent {
		return "already delivered"
	}
	return ""
}

func (d *Dispatcher) finish(ctx context.Context, entry *models.NotificationLog, attempts int, err error) {
	entry.RetryCount = max(attempts-1, 0)
	if err == nil {
		entry.Status = models.DeliverySent
		return
	}
	entry.Status, entry.Error = models.DeliveryFailed, err.Error()
	d.log.Error(ctx, "notification_failed", "channel delivery failed after retries",
		logx.Tenant(entry.TenantID),
		logx.Asset(entry.AssetID),
		logx.Topic(entry.Topic),
		slog.String("channel", entry.Channel),
		slog.Int("attempts", attempts),
		logx.Err(err),
	)
}

// retry runs fn up to attempts times with exponential backoff, each attempt
// bounded by the attempt timeout. Permanent errors stop early.
func (d *Dispatcher) retry(ctx context.Context, attempts int, fn func(context.Context) error) (int, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = d.cfg.BaseDelay
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()

	n := 0
	err := backoff.Retry(func() error {
		n++
		actx, cancel := context.WithTimeout(ctx, d.cfg.AttemptTimeout)
		defer cancel()
		return fn(actx)
	}, backoff.WithContext(backoff.WithMaxRetries(b, uint64(attempts-1)), ctx))
	if err != nil {
		return n, fmt.Errorf("%w after %d attempts: %v", ErrChannelExhausted, n, err)
	}
	return n, nil
}

func (d *Dispatcher) entry(dl delivery, channel string, recipient string) models.NotificationLog {
	return models.NotificationLog{
		LogID:       uuid.New(),
		TenantID:    dl.env.TenantID,
		AssetID:     dl.assetID,
		EventID:     dl.env.EventID,
		Topic:       dl.env.Topic,
		Channel:     channel,
		Recipient:   recipient,
		PayloadHash: dl.hash,
		CreatedAt:   d.now(),
	}
}

func (d *Dispatcher) record(ctx context.Context, entry models.NotificationLog) error {
	metricsx.IncNotification(entry.Channel, entry.Status)
	if err := d.store.InsertNotificationLog(ctx, entry); err != nil {
		return fmt.Errorf("insert notification log: %w", err)
	}
	return nil
}

// PayloadHash identifies one event's notification: replays of the same event
// hash the same, distinct events never collide on identical payloads.
func PayloadHash(env events.Envelope) string {
	h := sha256.New()
	h.Write([]byte(env.EventID.String()))
	h.Write([]byte(env.Topic))
	h.Write(env.Payload)
	return hex.EncodeToString(h.Sum(nil))
}

// severityOf maps each topic's payload onto the alert severity scale.
func severityOf(env events.Envelope) models.Severity {
	switch env.Topic {
	case events.TopicAlertTriggered, events.TopicAlertEscalated:
		var p events.AlertRaised
		if err := json.Unmarshal(env.Payload, &p); err == nil && p.Severity != "" {
			return models.Severity(p.Severity)
		}
		return models.SeverityMedium
	case events.TopicShiftViolation:
		var p events.ShiftViolation
		if err := json.Unmarshal(env.Payload, &p); err == nil && p.SeverityLevel == "MODERATE" {
			return models.SeverityMedium
		}
		return models.SeverityLow
	default:
		return models.SeverityLow
	}
}

func titleOf(env events.Envelope) string {
	switch env.Topic {
	case events.TopicAlertTriggered, events.TopicAlertEscalated:
		var p events.AlertRaised
		if err := json.Unmarshal(env.Payload, &p); err == nil && p.Title != "" {
			return p.Title
		}
	case events.TopicDeviceReminder:
		var p events.DeviceReminder
		if err := json.Unmarshal(env.Payload, &p); err == nil && p.Prompt != "" {
			return p.Prompt
		}
	}
	return env.Topic
}
