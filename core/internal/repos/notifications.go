package repos

import (
	"context"
	"time"

	"github.com/google/uuid"

	"predictive-maintenance-core/core/internal/models"
	"predictive-maintenance-core/shared/tenantx"
)

const preferenceColumns = `tenant_id, user_id, websocket_enabled, email_enabled, webhook_enabled, email_recipients,
	min_severity, webhook_url, webhook_secret, digest_enabled, digest_interval_minutes`

// Preference prefers the user's own row over the tenant-wide one.
func (p *Postgres) Preference(ctx context.Context, tenantID uuid.UUID, userID *uuid.UUID) (models.NotificationPreference, bool, error) {
	if err := tenantx.Require(tenantID); err != nil {
		return models.NotificationPreference{}, false, err
	}
	user := uuid.Nil
	if userID != nil {
		user = *userID
	}
	var pref models.NotificationPreference
	var storedUser uuid.UUID
	var severity string
	err := p.pool.QueryRow(ctx, `
		SELECT `+preferenceColumns+`
		FROM notification_preferences
		WHERE tenant_id = $1 AND user_id IN ($2, '00000000-0000-0000-0000-000000000000')
		ORDER BY (user_id = $2) DESC
		LIMIT 1
	`, tenantID, user).Scan(
		&pref.TenantID, &storedUser, &pref.WebsocketEnabled, &pref.EmailEnabled, &pref.WebhookEnabled, &pref.EmailRecipients,
		&severity, &pref.WebhookURL, &pref.WebhookSecret, &pref.DigestEnabled, &pref.DigestIntervalMinutes,
	)
	if notFound(err) {
		return models.NotificationPreference{}, false, nil
	}
	if err != nil {
		return models.NotificationPreference{}, false, err
	}
	pref.MinSeverity = models.Severity(severity)
	if storedUser != uuid.Nil {
		pref.UserID = &storedUser
	}
	return pref, true, nil
}

func (p *Postgres) SavePreference(ctx context.Context, pref models.NotificationPreference) error {
	if err := tenantx.Require(pref.TenantID); err != nil {
		return err
	}
	user := uuid.Nil
	if pref.UserID != nil {
		user = *pref.UserID
	}
	recipients := pref.EmailRecipients
	if recipients == nil {
		recipients = []string{}
	}
	_, err := p.pool.Exec(ctx, `
		INSERT INTO notification_preferences (`+preferenceColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (tenant_id, user_id) DO UPDATE SET
			websocket_enabled = EXCLUDED.websocket_enabled,
			email_enabled = EXCLUDED.email_enabled,
			webhook_enabled = EXCLUDED.webhook_enabled,
			email_recipients = EXCLUDED.email_recipients,
			min_severity = EXCLUDED.min_severity,
			webhook_url = EXCLUDED.webhook_url,
			webhook_secret = EXCLUDED.webhook_secret,
			digest_enabled = EXCLUDED.digest_enabled,
			digest_interval_minutes = EXCLUDED.digest_interval_minutes
	`, pref.TenantID, user, pref.WebsocketEnabled, pref.EmailEnabled, pref.WebhookEnabled, recipients,
		string(pref.MinSeverity), pref.WebhookURL, pref.WebhookSecret, pref.DigestEnabled, pref.DigestIntervalMinutes)
	return err
}

func (p *Postgres) HasSentNotification(ctx context.Context, tenantID uuid.UUID, channel string, payloadHash string) (bool, error) {
	var exists bool
	err := p.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM notification_logs
			WHERE tenant_id = $1 AND channel = $2 AND payload_hash = $3 AND status = 'SENT'
		)
	`, tenantID, channel, payloadHash).Scan(&exists)
	return exists, err
}

func (p *Postgres) InsertNotificationLog(ctx context.Context, entry models.NotificationLog) error {
	if err := tenantx.Require(entry.TenantID); err != nil {
		return err
	}
	if entry.LogID == uuid.Nil {
		entry.LogID = uuid.New()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	_, err := p.pool.Exec(ctx, `
		INSERT INTO notification_logs (
			log_id, tenant_id, asset_id, event_id, topic, channel, recipient, status, retry_count, payload_hash, error, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`, entry.LogID, entry.TenantID, entry.AssetID, entry.EventID, entry.Topic, entry.Channel, entry.Recipient,
		entry.Status, entry.RetryCount, entry.PayloadHash, entry.Error, entry.CreatedAt)
	return err
}
