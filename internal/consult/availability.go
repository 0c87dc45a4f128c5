package consult

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/seers-hq/consultd/internal/shared"
	"github.com/seers-hq/consultd/internal/storage"
)

// Rates are prices per minute in minor currency units.
type Rates struct {
	Chat  int64 `json:"chat"`
	Call  int64 `json:"call"`
	Video int64 `json:"video"`
}

func (r Rates) For(kind shared.Kind) int64 {
	switch kind {
	case shared.KindCall:
		return r.Call
	case shared.KindVideo:
		return r.Video
	default:
		return r.Chat
	}
}

// AvailabilityRecord is a provider's self-reported state.
type AvailabilityRecord struct {
	ProviderID      string    `json:"provider_id"`
	ChatOn          bool      `json:"chat_on"`
	CallOn          bool      `json:"call_on"`
	VideoOn         bool      `json:"video_on"`
	Rates           Rates     `json:"rates"`
	LastHeartbeatAt time.Time `json:"last_heartbeat_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

func (r AvailabilityRecord) flag(kind shared.Kind) bool {
	switch kind {
	case shared.KindChat:
		return r.ChatOn
	case shared.KindCall:
		return r.CallOn
	case shared.KindVideo:
		return r.VideoOn
	}
	return false
}

func (r AvailabilityRecord) anyOn() bool {
	return r.ChatOn || r.CallOn || r.VideoOn
}

// AvailabilityView is the record plus the derived admission state.
type AvailabilityView struct {
	AvailabilityRecord
	Live      bool            `json:"live"`
	Effective map[string]bool `json:"effective"`
}

// ToggleInput sets only the channels that are non-nil.
type ToggleInput struct {
	Chat  *bool `json:"chat,omitempty"`
	Call  *bool `json:"call,omitempty"`
	Video *bool `json:"video,omitempty"`
}

// AvailabilityCoordinator tracks provider flags and heartbeats and decides whether a
// provider may be targeted by new requests and queue entries.
type AvailabilityCoordinator struct {
	db     *sql.DB
	clock  Clock
	window time.Duration
	notify Notifier
	logger *zap.Logger

	mu      sync.RWMutex
	records map[string]AvailabilityRecord
	stale   map[string]bool

	recoveryErrors atomic.Uint64
}

func NewAvailabilityCoordinator(db *sql.DB, clock Clock, window time.Duration, notify Notifier, logger *zap.Logger) *AvailabilityCoordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if clock == nil {
		clock = SystemClock()
	}
	return &AvailabilityCoordinator{
		db:      db,
		clock:   clock,
		window:  window,
		notify:  notifierOrNop(notify),
		logger:  logger,
		records: make(map[string]AvailabilityRecord),
		stale:   make(map[string]bool),
	}
}

// Toggle sets the given channel flags. Channels are independent. A toggle also counts
// as a heartbeat.
func (a *AvailabilityCoordinator) Toggle(ctx context.Context, providerID string, in ToggleInput) (AvailabilityView, error) {
	if providerID == "" {
		return AvailabilityView{}, shared.Validation("MISSING_PROVIDER", "provider_id is required")
	}
	if in.Chat == nil && in.Call == nil && in.Video == nil {
		return AvailabilityView{}, shared.Validation("EMPTY_TOGGLE", "at least one of chat, call, video is required")
	}

	return a.mutate(ctx, providerID, func(r *AvailabilityRecord, now time.Time) {
		if in.Chat != nil {
			r.ChatOn = *in.Chat
		}
		if in.Call != nil {
			r.CallOn = *in.Call
		}
		if in.Video != nil {
			r.VideoOn = *in.Video
		}
		r.LastHeartbeatAt = now
	})
}

func (a *AvailabilityCoordinator) Heartbeat(ctx context.Context, providerID string) (AvailabilityView, error) {
	if providerID == "" {
		return AvailabilityView{}, shared.Validation("MISSING_PROVIDER", "provider_id is required")
	}
	return a.mutate(ctx, providerID, func(r *AvailabilityRecord, now time.Time) {
		r.LastHeartbeatAt = now
	})
}

func (a *AvailabilityCoordinator) SetRates(ctx context.Context, providerID string, rates Rates) (AvailabilityView, error) {
	if rates.Chat < 0 || rates.Call < 0 || rates.Video < 0 {
		return AvailabilityView{}, shared.Validation("INVALID_RATE", "rates must not be negative")
	}
	return a.mutate(ctx, providerID, func(r *AvailabilityRecord, _ time.Time) {
		r.Rates = rates
	})
}

func (a *AvailabilityCoordinator) mutate(ctx context.Context, providerID string, apply func(*AvailabilityRecord, time.Time)) (AvailabilityView, error) {
	now := a.clock.Now()

	a.mu.Lock()
	record, ok := a.records[providerID]
	if !ok {
		record = AvailabilityRecord{ProviderID: providerID}
	}
	apply(&record, now)
	record.UpdatedAt = now

	if err := a.upsert(ctx, record); err != nil {
		a.mu.Unlock()
		return AvailabilityView{}, shared.Server("availability update failed", err)
	}
	a.records[providerID] = record
	delete(a.stale, providerID)
	view := a.viewLocked(record, now)
	a.mu.Unlock()

	a.notify.Notify([]string{providerID}, shared.MessageTypeAvailability, view)
	return view, nil
}

// Get returns the provider's record with derived liveness.
func (a *AvailabilityCoordinator) Get(providerID string) (AvailabilityView, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	record, ok := a.records[providerID]
	if !ok {
		return AvailabilityView{}, shared.NotFound(fmt.Sprintf("provider %s has no availability record", providerID))
	}
	return a.viewLocked(record, a.clock.Now()), nil
}

// Admit reports the price per minute for kind if the provider may take new work on
// it now, or NotAvailable naming why not.
func (a *AvailabilityCoordinator) Admit(providerID string, kind shared.Kind) (int64, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	record, ok := a.records[providerID]
	if !ok || !record.flag(kind) {
		return 0, shared.NotAvailable(shared.ReasonChannelOff, fmt.Sprintf("provider %s is not taking %s consultations", providerID, kind))
	}
	if !a.liveLocked(record, a.clock.Now()) {
		return 0, shared.NotAvailable(shared.ReasonStaleHeartbeat, fmt.Sprintf("provider %s missed its heartbeat", providerID))
	}
	return record.Rates.For(kind), nil
}

// Sweep announces providers whose heartbeat lapsed while their flags are still on.
// Each lapse is announced once.
func (a *AvailabilityCoordinator) Sweep() int {
	now := a.clock.Now()

	var lapsed []AvailabilityView
	online := 0

	a.mu.Lock()
	for id, record := range a.records {
		if !record.anyOn() {
			continue
		}
		if a.liveLocked(record, now) {
			online++
			continue
		}
		if a.stale[id] {
			continue
		}
		a.stale[id] = true
		lapsed = append(lapsed, a.viewLocked(record, now))
	}
	a.mu.Unlock()

	for _, view := range lapsed {
		a.logger.Info("provider heartbeat lapsed",
			zap.String("provider_id", view.ProviderID),
			zap.Time("last_heartbeat_at", view.LastHeartbeatAt),
		)
		a.notify.Notify([]string{view.ProviderID}, shared.MessageTypeAvailability, view)
	}
	GetMetrics().SetProvidersOnline(int64(online))
	return len(lapsed)
}

// RunSweeper calls Sweep every interval until ctx is done.
func (a *AvailabilityCoordinator) RunSweeper(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			a.Sweep()
		}
	}
}

func (a *AvailabilityCoordinator) liveLocked(record AvailabilityRecord, now time.Time) bool {
	if record.LastHeartbeatAt.IsZero() {
		return false
	}
	return now.Sub(record.LastHeartbeatAt) <= a.window
}

func (a *AvailabilityCoordinator) viewLocked(record AvailabilityRecord, now time.Time) AvailabilityView {
	live := a.liveLocked(record, now)
	effective := make(map[string]bool, len(shared.Kinds))
	for _, kind := range shared.Kinds {
		effective[string(kind)] = live && record.flag(kind)
	}
	return AvailabilityView{AvailabilityRecord: record, Live: live, Effective: effective}
}

// LoadFromDB restores records after a restart.
func (a *AvailabilityCoordinator) LoadFromDB(ctx context.Context) error {
	rows, err := a.db.QueryContext(ctx, `
		SELECT provider_id, chat_on, call_on, video_on, chat_rate, call_rate, video_rate, last_heartbeat, updated_at
		FROM availability
	`)
	if err != nil {
		return fmt.Errorf("load availability: query rows: %w", err)
	}
	defer rows.Close()

	records := make(map[string]AvailabilityRecord)
	for rows.Next() {
		record, rowErr := scanAvailabilityRow(rows)
		if rowErr != nil {
			a.recoveryErrors.Add(1)
			a.logger.Warn("load availability: corrupted row", zap.Error(rowErr))
			continue
		}
		records[record.ProviderID] = record
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("load availability: iterate rows: %w", err)
	}

	a.mu.Lock()
	a.records = records
	a.mu.Unlock()
	return nil
}

func (a *AvailabilityCoordinator) RecoveryErrorCount() uint64 {
	return a.recoveryErrors.Load()
}

func (a *AvailabilityCoordinator) upsert(ctx context.Context, r AvailabilityRecord) error {
	_, err := a.db.ExecContext(ctx, `
		INSERT INTO availability (provider_id, chat_on, call_on, video_on, chat_rate, call_rate, video_rate, last_heartbeat, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(provider_id) DO UPDATE SET
			chat_on = excluded.chat_on,
			call_on = excluded.call_on,
			video_on = excluded.video_on,
			chat_rate = excluded.chat_rate,
			call_rate = excluded.call_rate,
			video_rate = excluded.video_rate,
			last_heartbeat = excluded.last_heartbeat,
			updated_at = excluded.updated_at
	`,
		r.ProviderID,
		r.ChatOn, r.CallOn, r.VideoOn,
		r.Rates.Chat, r.Rates.Call, r.Rates.Video,
		storage.NullTime(r.LastHeartbeatAt),
		storage.FormatTime(r.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("upsert availability %s: %w", r.ProviderID, err)
	}
	return nil
}

func scanAvailabilityRow(rows *sql.Rows) (AvailabilityRecord, error) {
	var (
		r             AvailabilityRecord
		lastHeartbeat sql.NullString
		updatedAt     string
	)
	if err := rows.Scan(&r.ProviderID, &r.ChatOn, &r.CallOn, &r.VideoOn,
		&r.Rates.Chat, &r.Rates.Call, &r.Rates.Video, &lastHeartbeat, &updatedAt); err != nil {
		return AvailabilityRecord{}, fmt.Errorf("scan availability row: %w", err)
	}

	var err error
	if r.LastHeartbeatAt, err = storage.ParseNullTime(lastHeartbeat); err != nil {
		return AvailabilityRecord{}, fmt.Errorf("parse last_heartbeat for provider %s: %w", r.ProviderID, err)
	}
	if r.UpdatedAt, err = storage.ParseTime(updatedAt); err != nil {
		return AvailabilityRecord{}, fmt.Errorf("parse updated_at for provider %s: %w", r.ProviderID, err)
	}
	return r, nil
}
