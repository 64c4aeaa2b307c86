package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"predictive-maintenance-core/core/internal/health"
	"predictive-maintenance-core/core/internal/models"
	"predictive-maintenance-core/shared/lockx"
	"predictive-maintenance-core/shared/tenantx"
	"predictive-maintenance-core/shared/workflow"
)

type assetKey struct {
	tenantID uuid.UUID
	assetID  uuid.UUID
}

type processedKey struct {
	tenantID uuid.UUID
	eventID  uuid.UUID
	stage    string
}

type prefKey struct {
	tenantID uuid.UUID
	userID   uuid.UUID // uuid.Nil for the tenant-wide row
}

type policyKey struct {
	tenantID uuid.UUID
	category string
}

// Memory is an in-process Store. Asset transactions stage their writes and
// apply them atomically on commit; writers of one asset are serialized
// through the configured Locker.
type Memory struct {
	mu    sync.RWMutex
	locks lockx.Locker
	now   func() time.Time

	metadata  map[assetKey]models.AssetMetadata
	states    map[assetKey]models.AssetHealthState
	alerts    map[uuid.UUID]models.Alert
	events    map[uuid.UUID]models.OutboxEvent
	order     []uuid.UUID
	processed map[processedKey]struct{}
	prefs     map[prefKey]models.NotificationPreference
	logs      []models.NotificationLog
	policies  map[policyKey]models.EscalationPolicy
}

type MemoryOption func(*Memory)

func WithLocker(l lockx.Locker) MemoryOption {
	return func(m *Memory) {
		if l != nil {
			m.locks = l
		}
	}
}

func WithClock(now func() time.Time) MemoryOption {
	return func(m *Memory) {
		if now != nil {
			m.now = now
		}
	}
}

func NewMemory(opts ...MemoryOption) *Memory {
	m := &Memory{
		locks:     lockx.NewKeyedMutex(),
		now:       func() time.Time { return time.Now().UTC() },
		metadata:  make(map[assetKey]models.AssetMetadata),
		states:    make(map[assetKey]models.AssetHealthState),
		alerts:    make(map[uuid.UUID]models.Alert),
		events:    make(map[uuid.UUID]models.OutboxEvent),
		processed: make(map[processedKey]struct{}),
		prefs:     make(map[prefKey]models.NotificationPreference),
		policies:  make(map[policyKey]models.EscalationPolicy),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Memory) InAssetTx(ctx context.Context, tenantID uuid.UUID, assetID uuid.UUID, fn func(Tx) error) error {
	if err := tenantx.Require(tenantID); err != nil {
		return err
	}
	unlock, err := m.locks.Lock(ctx, lockx.AssetKey(tenantID, assetID))
	if err != nil {
		return err
	}
	defer func() { _ = unlock(context.Background()) }()

	tx := &memTx{
		m:         m,
		tenantID:  tenantID,
		metadata:  make(map[assetKey]models.AssetMetadata),
		states:    make(map[assetKey]models.AssetHealthState),
		alerts:    make(map[uuid.UUID]models.Alert),
		processed: make(map[processedKey]struct{}),
	}
	if err := fn(tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	m.commit(tx)
	return nil
}

func (m *Memory) commit(tx *memTx) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, v := range tx.metadata {
		m.metadata[k] = v
	}
	for k, v := range tx.states {
		m.states[k] = v
	}
	for k, v := range tx.alerts {
		m.alerts[k] = v
	}
	for k := range tx.processed {
		m.processed[k] = struct{}{}
	}
	for _, e := range tx.events {
		m.events[e.EventID] = e
		m.order = append(m.order, e.EventID)
	}
}

func (m *Memory) AssetMetadata(ctx context.Context, tenantID uuid.UUID, assetID uuid.UUID) (models.AssetMetadata, bool, error) {
	if err := tenantx.Require(tenantID); err != nil {
		return models.AssetMetadata{}, false, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	meta, ok := m.metadata[assetKey{tenantID, assetID}]
	return cloneMetadata(meta), ok, nil
}

func (m *Memory) HealthState(ctx context.Context, tenantID uuid.UUID, assetID uuid.UUID) (models.AssetHealthState, bool, error) {
	if err := tenantx.Require(tenantID); err != nil {
		return models.AssetHealthState{}, false, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	state, ok := m.states[assetKey{tenantID, assetID}]
	return cloneState(state), ok, nil
}

func (m *Memory) Alert(ctx context.Context, tenantID uuid.UUID, alertID uuid.UUID) (models.Alert, error) {
	if err := tenantx.Require(tenantID); err != nil {
		return models.Alert{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	alert, ok := m.alerts[alertID]
	if !ok || alert.TenantID != tenantID {
		return models.Alert{}, ErrNotFound
	}
	return alert, nil
}

// Alerts lists a tenant's alerts oldest first.
func (m *Memory) Alerts(tenantID uuid.UUID) []models.Alert {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.Alert, 0)
	for _, a := range m.alerts {
		if a.TenantID == tenantID {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Events lists outbox rows in enqueue order.
func (m *Memory) Events() []models.OutboxEvent {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.OutboxEvent, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, m.events[id])
	}
	return out
}

func (m *Memory) NotificationLogs() []models.NotificationLog {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]models.NotificationLog(nil), m.logs...)
}

func (m *Memory) ClaimPending(ctx context.Context, owner string, limit int, lease time.Duration) ([]models.OutboxEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	now := m.now()
	until := now.Add(lease)

	m.mu.Lock()
	defer m.mu.Unlock()
	claimed := make([]models.OutboxEvent, 0, limit)
	for _, id := range m.order {
		if len(claimed) == limit {
			break
		}
		e := m.events[id]
		if e.Status != workflow.OutboxPending {
			continue
		}
		if e.NextRetryAt != nil && e.NextRetryAt.After(now) {
			continue
		}
		if e.LockedUntil != nil && e.LockedUntil.After(now) {
			continue
		}
		e.LockedBy = owner
		e.LockedUntil = &until
		m.events[id] = e
		claimed = append(claimed, e)
	}
	return claimed, nil
}

func (m *Memory) RenewLease(ctx context.Context, eventID uuid.UUID, owner string, lease time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.events[eventID]
	if !ok {
		return ErrNotFound
	}
	now := m.now()
	if e.Status != workflow.OutboxPending || e.LockedBy != owner || e.LockedUntil == nil || !e.LockedUntil.After(now) {
		return ErrLeaseLost
	}
	until := now.Add(lease)
	e.LockedUntil = &until
	m.events[eventID] = e
	return nil
}

func (m *Memory) MarkPublished(ctx context.Context, eventID uuid.UUID, owner string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.events[eventID]
	if !ok {
		return ErrNotFound
	}
	if owner != "" && e.LockedBy != owner {
		return ErrLeaseLost
	}
	if !workflow.CanTransitionOutbox(e.Status, workflow.OutboxPublished) {
		return fmt.Errorf("%w: outbox %s -> %s", workflow.ErrInvalidTransition, e.Status, workflow.OutboxPublished)
	}
	now := m.now()
	e.Status = workflow.OutboxPublished
	e.ProcessedAt = &now
	e.LockedBy, e.LockedUntil = "", nil
	m.events[eventID] = e
	return nil
}

func (m *Memory) MarkFailed(ctx context.Context, eventID uuid.UUID, owner string, attempts int, nextRetryAt *time.Time, lastErr string, dead bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.events[eventID]
	if !ok {
		return ErrNotFound
	}
	if owner != "" && e.LockedBy != owner {
		return ErrLeaseLost
	}
	e.RetryCount = attempts
	e.LastError = lastErr
	e.NextRetryAt = nextRetryAt
	e.LockedBy, e.LockedUntil = "", nil
	if dead {
		e.Status = workflow.OutboxFailed
		e.NextRetryAt = nil
	}
	m.events[eventID] = e
	return nil
}

func (m *Memory) Requeue(ctx context.Context, eventID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.events[eventID]
	if !ok {
		return ErrNotFound
	}
	if !workflow.CanTransitionOutbox(e.Status, workflow.OutboxPending) {
		return fmt.Errorf("%w: outbox %s -> %s", workflow.ErrInvalidTransition, e.Status, workflow.OutboxPending)
	}
	m.events[eventID] = requeued(e)
	return nil
}

func (m *Memory) RescanFailed(ctx context.Context, limit int) (int, error) {
	if limit <= 0 {
		limit = 50
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, id := range m.order {
		if n == limit {
			break
		}
		if e := m.events[id]; e.Status == workflow.OutboxFailed {
			m.events[id] = requeued(e)
			n++
		}
	}
	return n, nil
}

func requeued(e models.OutboxEvent) models.OutboxEvent {
	e.Status = workflow.OutboxPending
	e.RetryCount = 0
	e.NextRetryAt = nil
	e.LockedBy, e.LockedUntil = "", nil
	return e
}

func (m *Memory) GetEvent(ctx context.Context, eventID uuid.UUID) (models.OutboxEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.events[eventID]
	if !ok {
		return models.OutboxEvent{}, ErrNotFound
	}
	return e, nil
}

func (m *Memory) Preference(ctx context.Context, tenantID uuid.UUID, userID *uuid.UUID) (models.NotificationPreference, bool, error) {
	if err := tenantx.Require(tenantID); err != nil {
		return models.NotificationPreference{}, false, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if userID != nil {
		if p, ok := m.prefs[prefKey{tenantID, *userID}]; ok {
			return p, true, nil
		}
	}
	p, ok := m.prefs[prefKey{tenantID, uuid.Nil}]
	return p, ok, nil
}

func (m *Memory) SavePreference(ctx context.Context, pref models.NotificationPreference) error {
	if err := tenantx.Require(pref.TenantID); err != nil {
		return err
	}
	key := prefKey{tenantID: pref.TenantID}
	if pref.UserID != nil {
		key.userID = *pref.UserID
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prefs[key] = pref
	return nil
}

func (m *Memory) HasSentNotification(ctx context.Context, tenantID uuid.UUID, channel string, payloadHash string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, l := range m.logs {
		if l.TenantID == tenantID && l.Channel == channel && l.PayloadHash == payloadHash && l.Status == models.DeliverySent {
			return true, nil
		}
	}
	return false, nil
}

func (m *Memory) InsertNotificationLog(ctx context.Context, entry models.NotificationLog) error {
	if err := tenantx.Require(entry.TenantID); err != nil {
		return err
	}
	if entry.LogID == uuid.Nil {
		entry.LogID = uuid.New()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = m.now()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.logs = append(m.logs, entry)
	return nil
}

func (m *Memory) OpenAlerts(ctx context.Context, limit int) ([]models.Alert, error) {
	if limit <= 0 {
		limit = 100
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.Alert, 0)
	for _, a := range m.alerts {
		if a.Status == workflow.AlertOpen {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) EscalationPolicy(ctx context.Context, tenantID uuid.UUID, category string) (models.EscalationPolicy, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.policies[policyKey{tenantID, category}]
	return p, ok, nil
}

func (m *Memory) SaveEscalationPolicy(ctx context.Context, policy models.EscalationPolicy) error {
	if err := tenantx.Require(policy.TenantID); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.policies[policyKey{policy.TenantID, policy.Category}] = policy
	return nil
}

func (m *Memory) StaleHealthStates(ctx context.Context, updatedBefore time.Time, limit int) ([]models.AssetHealthState, error) {
	if limit <= 0 {
		limit = 100
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.AssetHealthState, 0)
	for _, s := range m.states {
		reminded := s.LastReminderAt != nil && !s.LastReminderAt.Before(updatedBefore)
		if s.LastUpdated.Before(updatedBefore) && !reminded {
			out = append(out, cloneState(s))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastUpdated.Before(out[j].LastUpdated) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

type memTx struct {
	m        *Memory
	tenantID uuid.UUID

	metadata  map[assetKey]models.AssetMetadata
	states    map[assetKey]models.AssetHealthState
	alerts    map[uuid.UUID]models.Alert
	events    []models.OutboxEvent
	processed map[processedKey]struct{}
}

func (tx *memTx) scope(tenantID uuid.UUID) error {
	if err := tenantx.Require(tenantID); err != nil {
		return err
	}
	if tenantID != tx.tenantID {
		return fmt.Errorf("transaction scoped to tenant %s, got %s", tx.tenantID, tenantID)
	}
	return nil
}

func (tx *memTx) AssetMetadata(ctx context.Context, tenantID uuid.UUID, assetID uuid.UUID) (models.AssetMetadata, bool, error) {
	if err := tx.scope(tenantID); err != nil {
		return models.AssetMetadata{}, false, err
	}
	if meta, ok := tx.metadata[assetKey{tenantID, assetID}]; ok {
		return cloneMetadata(meta), true, nil
	}
	return tx.m.AssetMetadata(ctx, tenantID, assetID)
}

func (tx *memTx) SaveAssetMetadata(ctx context.Context, meta models.AssetMetadata) error {
	if err := tx.scope(meta.TenantID); err != nil {
		return err
	}
	tx.metadata[assetKey{meta.TenantID, meta.AssetID}] = cloneMetadata(meta)
	return nil
}

func (tx *memTx) LockHealthState(ctx context.Context, tenantID uuid.UUID, assetID uuid.UUID, now time.Time) (models.AssetHealthState, error) {
	if err := tx.scope(tenantID); err != nil {
		return models.AssetHealthState{}, err
	}
	key := assetKey{tenantID, assetID}
	if s, ok := tx.states[key]; ok {
		return cloneState(s), nil
	}
	s, ok, err := tx.m.HealthState(ctx, tenantID, assetID)
	if err != nil {
		return models.AssetHealthState{}, err
	}
	if !ok {
		s = health.New(tenantID, assetID, now)
	}
	return s, nil
}

func (tx *memTx) SaveHealthState(ctx context.Context, state models.AssetHealthState) error {
	if err := tx.scope(state.TenantID); err != nil {
		return err
	}
	tx.states[assetKey{state.TenantID, state.AssetID}] = cloneState(state)
	return nil
}

func (tx *memTx) FindOpenAlert(ctx context.Context, tenantID uuid.UUID, assetID uuid.UUID, category string) (models.Alert, bool, error) {
	if err := tx.scope(tenantID); err != nil {
		return models.Alert{}, false, err
	}
	match := func(a models.Alert) bool {
		return a.TenantID == tenantID && a.AssetID == assetID && a.Category == category && a.Status == workflow.AlertOpen
	}
	for _, a := range tx.alerts {
		if match(a) {
			return a, true, nil
		}
	}
	tx.m.mu.RLock()
	defer tx.m.mu.RUnlock()
	for id, a := range tx.m.alerts {
		if _, staged := tx.alerts[id]; staged {
			continue
		}
		if match(a) {
			return a, true, nil
		}
	}
	return models.Alert{}, false, nil
}

func (tx *memTx) GetAlert(ctx context.Context, tenantID uuid.UUID, alertID uuid.UUID) (models.Alert, error) {
	if err := tx.scope(tenantID); err != nil {
		return models.Alert{}, err
	}
	if a, ok := tx.alerts[alertID]; ok {
		return a, nil
	}
	return tx.m.Alert(ctx, tenantID, alertID)
}

func (tx *memTx) InsertAlert(ctx context.Context, alert models.Alert) error {
	if err := tx.scope(alert.TenantID); err != nil {
		return err
	}
	if alert.AlertID == uuid.Nil {
		return fmt.Errorf("alert id is required")
	}
	tx.alerts[alert.AlertID] = alert
	return nil
}

func (tx *memTx) UpdateAlert(ctx context.Context, alert models.Alert) error {
	if _, err := tx.GetAlert(ctx, alert.TenantID, alert.AlertID); err != nil {
		return err
	}
	tx.alerts[alert.AlertID] = alert
	return nil
}

func (tx *memTx) Enqueue(ctx context.Context, event models.OutboxEvent) (models.OutboxEvent, error) {
	if err := tx.scope(event.TenantID); err != nil {
		return models.OutboxEvent{}, err
	}
	if event.EventID == uuid.Nil {
		event.EventID = uuid.New()
	}
	if event.Status == "" {
		event.Status = workflow.OutboxPending
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = tx.m.now()
	}
	tx.events = append(tx.events, event)
	return event, nil
}

func (tx *memTx) MarkProcessed(ctx context.Context, tenantID uuid.UUID, eventID uuid.UUID, stage string) (bool, error) {
	if err := tx.scope(tenantID); err != nil {
		return false, err
	}
	key := processedKey{tenantID, eventID, stage}
	if _, ok := tx.processed[key]; ok {
		return false, nil
	}
	tx.m.mu.RLock()
	_, seen := tx.m.processed[key]
	tx.m.mu.RUnlock()
	if seen {
		return false, nil
	}
	tx.processed[key] = struct{}{}
	return true, nil
}

func cloneState(s models.AssetHealthState) models.AssetHealthState {
	s.RateHistory = append([]float64(nil), s.RateHistory...)
	if s.LastReminderAt != nil {
		at := *s.LastReminderAt
		s.LastReminderAt = &at
	}
	return s
}

func cloneMetadata(m models.AssetMetadata) models.AssetMetadata {
	if m.Shift != nil {
		shift := *m.Shift
		shift.ActiveDays = append([]string(nil), m.Shift.ActiveDays...)
		m.Shift = &shift
	}
	return m
}
