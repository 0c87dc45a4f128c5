package consult

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/seers-hq/consultd/internal/shared"
	"github.com/seers-hq/consultd/internal/storage"
)

type SessionStatus string

const (
	SessionStarting SessionStatus = "starting"
	SessionActive   SessionStatus = "active"
	SessionEnded    SessionStatus = "ended"
)

// SourceType names what a session was promoted from.
type SourceType string

const (
	SourceRequest SourceType = "request"
	SourceQueue   SourceType = "queue"
)

// SourceHandle is an accepted request or connected queue entry ready to become a
// session. Each handle can be consumed once.
type SourceHandle struct {
	ID             string
	Type           SourceType
	RequesterID    string
	ProviderID     string
	Kind           shared.Kind
	PricePerMinute int64
}

type Session struct {
	ID             string        `json:"id"`
	SourceID       string        `json:"source_id"`
	SourceType     SourceType    `json:"source_type"`
	RequesterID    string        `json:"requester_id"`
	ProviderID     string        `json:"provider_id"`
	Kind           shared.Kind   `json:"kind"`
	Status         SessionStatus `json:"status"`
	PricePerMinute int64         `json:"price_per_minute"`
	StartedAt      time.Time     `json:"started_at"`
	EndedAt        *time.Time    `json:"ended_at,omitempty"`
	DurationMs     int64         `json:"duration_ms"`
	TotalCost      int64         `json:"total_cost"`
	Settled        bool          `json:"settled"`
	EndReason      string        `json:"end_reason,omitempty"`
}

func (s Session) hasParticipant(principalID string) bool {
	return principalID == s.RequesterID || principalID == s.ProviderID
}

// SessionView adds the display-only running cost.
type SessionView struct {
	Session
	ElapsedSeconds float64 `json:"elapsed_seconds"`
	LiveCost       float64 `json:"live_cost"`
}

// EndResult is what session.end reports. Repeated ends report the first result with
// AlreadyProcessed set.
type EndResult struct {
	SessionID        string  `json:"session_id"`
	DurationMs       int64   `json:"duration_ms"`
	DurationSeconds  float64 `json:"duration_seconds"`
	TotalCost        int64   `json:"total_cost"`
	AlreadyProcessed bool    `json:"already_processed"`
}

// End reasons recorded on a session.
const (
	EndByParticipant    = "participant"
	EndBalanceExhausted = "balance_exhausted"
)

type sessionState struct {
	session  Session
	started  time.Time
	capTimer Timer
	// budget is the most the session may bill when capped. The requester's other
	// sessions cannot spend it.
	capped bool
	budget int64
}

type pairKey struct {
	requesterID string
	providerID  string
}

// SessionManager runs sessions from start to exactly-once settlement. Starting and
// ending run under the provider's partition lock. Starting also holds the requester's
// wallet lock, always taken after the provider's.
type SessionManager struct {
	db        *sql.DB
	clock     Clock
	billing   BillingPolicy
	ledger    *Ledger
	parts     *Partitions
	wallets   *Partitions
	notify    Notifier
	alerts    Alerter
	residency time.Duration
	logger    *zap.Logger

	mu         sync.RWMutex
	sessions   map[string]*sessionState
	bySource   map[string]string
	openPairs  map[pairKey]string
	openByProv map[string]string
	onEnded    []func(Session)

	recoveryErrors atomic.Uint64
}

type SessionManagerDeps struct {
	DB        *sql.DB
	Clock     Clock
	Billing   BillingPolicy
	Ledger    *Ledger
	Parts     *Partitions
	Notifier  Notifier
	Alerts    Alerter
	Residency time.Duration
	Logger    *zap.Logger
}

func NewSessionManager(deps SessionManagerDeps) *SessionManager {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Clock == nil {
		deps.Clock = SystemClock()
	}
	if deps.Parts == nil {
		deps.Parts = NewPartitions()
	}
	if deps.Alerts == nil {
		deps.Alerts = nopAlerter{}
	}
	return &SessionManager{
		db:         deps.DB,
		clock:      deps.Clock,
		billing:    deps.Billing,
		ledger:     deps.Ledger,
		parts:      deps.Parts,
		wallets:    NewPartitions(),
		notify:     notifierOrNop(deps.Notifier),
		alerts:     deps.Alerts,
		residency:  residencyOrDefault(deps.Residency),
		logger:     deps.Logger,
		sessions:   make(map[string]*sessionState),
		bySource:   make(map[string]string),
		openPairs:  make(map[pairKey]string),
		openByProv: make(map[string]string),
	}
}

// OnEnded registers fn to run after a session ends, outside the provider lock.
func (m *SessionManager) OnEnded(fn func(Session)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onEnded = append(m.onEnded, fn)
}

// ProviderBusy reports whether the provider has an unsettled session.
func (m *SessionManager) ProviderBusy(providerID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.openByProv[providerID]
	return ok
}

// OpenBetween reports whether the pair has an unsettled session.
func (m *SessionManager) OpenBetween(requesterID, providerID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.openPairs[pairKey{requesterID, providerID}]
	return ok
}

// BySource returns the session promoted from a request or queue entry.
func (m *SessionManager) BySource(ctx context.Context, sourceID string) (Session, bool) {
	m.mu.RLock()
	id, ok := m.bySource[sourceID]
	var session Session
	if ok {
		session = m.sessions[id].session
	}
	m.mu.RUnlock()
	if ok {
		return session, true
	}

	stored, found, err := m.loadSession(ctx, `source_id = ?`, sourceID)
	if err != nil {
		m.logger.Warn("session lookup by source failed", zap.String("source_id", sourceID), zap.Error(err))
		return Session{}, false
	}
	return stored, found
}

// startLocked consumes src and starts a session. The caller holds the provider's
// partition lock.
func (m *SessionManager) startLocked(ctx context.Context, src SourceHandle) (Session, error) {
	m.mu.RLock()
	_, consumed := m.bySource[src.ID]
	_, pairOpen := m.openPairs[pairKey{src.RequesterID, src.ProviderID}]
	_, busy := m.openByProv[src.ProviderID]
	m.mu.RUnlock()

	switch {
	case consumed:
		return Session{}, shared.Conflict(shared.ReasonAlreadyStarted, fmt.Sprintf("%s %s already started a session", src.Type, src.ID))
	case pairOpen:
		return Session{}, shared.Conflict(shared.ReasonSessionOpen, "an unsettled session between these participants already exists")
	case busy:
		return Session{}, shared.Conflict(shared.ReasonProviderBusy, fmt.Sprintf("provider %s is in another session", src.ProviderID))
	}

	unlockWallet := m.wallets.Lock(src.RequesterID)
	defer unlockWallet()

	available, err := m.spendable(ctx, src.RequesterID)
	if err != nil {
		return Session{}, err
	}
	if need := m.billing.MinimumCharge(src.PricePerMinute); available < need {
		return Session{}, shared.InsufficientBalance(fmt.Sprintf("balance %d not held by open sessions is below required minimum %d", available, need))
	}

	now := m.clock.Now()
	session := Session{
		ID:             uuid.NewString(),
		SourceID:       src.ID,
		SourceType:     src.Type,
		RequesterID:    src.RequesterID,
		ProviderID:     src.ProviderID,
		Kind:           src.Kind,
		Status:         SessionStarting,
		PricePerMinute: src.PricePerMinute,
		StartedAt:      now,
	}
	if err := m.insertSession(ctx, session); err != nil {
		if isUniqueViolation(err) {
			return Session{}, shared.Conflict(shared.ReasonAlreadyStarted, fmt.Sprintf("%s %s already started a session", src.Type, src.ID))
		}
		return Session{}, shared.Server("session start failed", err)
	}

	session.Status = SessionActive
	if err := m.updateSession(ctx, session); err != nil {
		m.logger.Warn("failed to persist session activation", zap.String("session_id", session.ID), zap.Error(err))
	}

	state := &sessionState{session: session, started: now}
	if src.PricePerMinute > 0 {
		state.capped = true
		state.budget = m.billing.Budget(src.Kind, available, src.PricePerMinute)
	}
	m.mu.Lock()
	m.sessions[session.ID] = state
	m.bySource[src.ID] = session.ID
	m.openPairs[pairKey{src.RequesterID, src.ProviderID}] = session.ID
	m.openByProv[src.ProviderID] = session.ID
	if state.capped {
		limit := m.billing.Affordable(src.Kind, available, src.PricePerMinute)
		id := session.ID
		state.capTimer = m.clock.AfterFunc(limit, func() { m.endOnBalance(id) })
	}
	m.mu.Unlock()

	GetMetrics().SessionStarted(string(src.Kind))
	m.logger.Info("session started",
		zap.String("session_id", session.ID),
		zap.String("source_id", src.ID),
		zap.String("provider_id", src.ProviderID),
		zap.String("requester_id", src.RequesterID),
	)
	m.notify.Notify([]string{src.RequesterID, src.ProviderID}, shared.MessageTypeSessionStarted, session)
	return session, nil
}

// spendable is the requester's balance less the budgets of their open sessions. The
// caller holds the requester's wallet lock.
func (m *SessionManager) spendable(ctx context.Context, requesterID string) (int64, error) {
	balance, err := m.ledger.Balance(ctx, requesterID)
	if err != nil {
		return 0, shared.Server("wallet unavailable", err)
	}
	return balance - m.held(requesterID), nil
}

func (m *SessionManager) held(requesterID string) int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var total int64
	for pair, id := range m.openPairs {
		if pair.requesterID == requesterID {
			total += m.sessions[id].budget
		}
	}
	return total
}

// Get returns the session with its live cost.
func (m *SessionManager) Get(principalID, sessionID string) (SessionView, error) {
	m.mu.RLock()
	state, ok := m.sessions[sessionID]
	var session Session
	var started time.Time
	if ok {
		session, started = state.session, state.started
	}
	m.mu.RUnlock()

	if !ok {
		stored, err := m.stored(context.Background(), sessionID)
		if err != nil {
			return SessionView{}, err
		}
		session, ok = stored, true
	}
	if principalID != "" && !session.hasParticipant(principalID) {
		return SessionView{}, shared.NotFound(fmt.Sprintf("session %s not found", sessionID))
	}

	view := SessionView{Session: session}
	if session.Status == SessionActive {
		elapsed := m.clock.Now().Sub(started)
		view.ElapsedSeconds = elapsed.Seconds()
		view.LiveCost = LiveCost(elapsed, session.PricePerMinute)
	} else {
		view.ElapsedSeconds = float64(session.DurationMs) / 1000
		view.LiveCost = float64(session.TotalCost)
	}
	return view, nil
}

// End settles the session exactly once. Later calls return the first result with
// AlreadyProcessed set and never touch the ledger again.
func (m *SessionManager) End(ctx context.Context, principalID, sessionID string) (EndResult, error) {
	m.mu.RLock()
	state, ok := m.sessions[sessionID]
	var session Session
	if ok {
		session = state.session
	}
	m.mu.RUnlock()

	if !ok {
		stored, err := m.stored(ctx, sessionID)
		if err != nil {
			return EndResult{}, err
		}
		if principalID != "" && !stored.hasParticipant(principalID) {
			return EndResult{}, shared.NotFound(fmt.Sprintf("session %s not found", sessionID))
		}
		// Only settled sessions leave memory.
		return endResult(stored, true), nil
	}
	if principalID != "" && !session.hasParticipant(principalID) {
		return EndResult{}, shared.NotFound(fmt.Sprintf("session %s not found", sessionID))
	}

	unlock := m.parts.Lock(session.ProviderID)
	result, ended, err := m.endLocked(ctx, sessionID, EndByParticipant)
	unlock()

	if ended != nil {
		m.fireEnded(*ended)
	}
	return result, err
}

func (m *SessionManager) endOnBalance(sessionID string) {
	m.mu.RLock()
	state, ok := m.sessions[sessionID]
	var providerID string
	if ok {
		providerID = state.session.ProviderID
	}
	m.mu.RUnlock()
	if !ok {
		return
	}

	unlock := m.parts.Lock(providerID)
	_, ended, err := m.endLocked(context.Background(), sessionID, EndBalanceExhausted)
	unlock()

	if err != nil {
		m.logger.Error("balance cap end failed", zap.String("session_id", sessionID), zap.Error(err))
		return
	}
	if ended != nil {
		m.fireEnded(*ended)
	}
}

// endLocked returns the ended session when this call performed the transition.
func (m *SessionManager) endLocked(ctx context.Context, sessionID, reason string) (EndResult, *Session, error) {
	m.mu.RLock()
	state := m.sessions[sessionID]
	var (
		session Session
		started time.Time
		capped  bool
		budget  int64
	)
	if state != nil {
		session, started = state.session, state.started
		capped, budget = state.capped, state.budget
	}
	m.mu.RUnlock()

	if state == nil {
		stored, err := m.stored(ctx, sessionID)
		if err != nil {
			return EndResult{}, nil, err
		}
		return endResult(stored, true), nil, nil
	}
	if session.Settled {
		return endResult(session, true), nil, nil
	}

	now := m.clock.Now()
	duration := now.Sub(started)
	if duration < 0 {
		duration = 0
	}
	// The cap timer can fire after its deadline; the overrun is not billed.
	cost := m.billing.Cost(session.Kind, duration, session.PricePerMinute)
	if capped && cost > budget {
		cost = budget
	}

	settlement, already, err := m.ledger.Settle(ctx, Settlement{
		SessionID:   session.ID,
		RequesterID: session.RequesterID,
		ProviderID:  session.ProviderID,
		Kind:        session.Kind,
		DurationMs:  duration.Milliseconds(),
		TotalCost:   cost,
		SettledAt:   now.UTC(),
	})
	if err != nil {
		GetMetrics().RecordSettlement("error", 0)
		m.logger.Error("settlement failed", zap.String("session_id", session.ID), zap.Error(err))
		m.alerts.Alert(ctx, "Settlement failed", fmt.Sprintf("session %s (%s → %s): %v", session.ID, session.RequesterID, session.ProviderID, err))
		return EndResult{}, nil, shared.Server("settlement failed", err)
	}

	endedAt := settlement.SettledAt
	session.Status = SessionEnded
	session.Settled = true
	session.EndedAt = &endedAt
	session.DurationMs = settlement.DurationMs
	session.TotalCost = settlement.TotalCost
	session.EndReason = reason

	if err := m.updateSession(ctx, session); err != nil {
		m.logger.Warn("failed to persist ended session", zap.String("session_id", session.ID), zap.Error(err))
	}
	m.mu.Lock()
	stopTimer(state.capTimer)
	state.session = session
	state.capTimer = nil
	delete(m.openPairs, pairKey{session.RequesterID, session.ProviderID})
	if m.openByProv[session.ProviderID] == session.ID {
		delete(m.openByProv, session.ProviderID)
	}
	m.mu.Unlock()

	if already {
		GetMetrics().RecordSettlement("replayed", 0)
	} else {
		GetMetrics().RecordSettlement("settled", settlement.TotalCost)
	}
	GetMetrics().SessionEnded(string(session.Kind), time.Duration(settlement.DurationMs)*time.Millisecond)

	m.logger.Info("session ended",
		zap.String("session_id", session.ID),
		zap.String("reason", reason),
		zap.Int64("duration_ms", session.DurationMs),
		zap.Int64("total_cost", session.TotalCost),
		zap.Bool("already_settled", already),
	)

	result := endResult(session, already)
	m.notify.Notify([]string{session.RequesterID, session.ProviderID}, shared.MessageTypeSessionEnded, result)
	return result, &session, nil
}

func (m *SessionManager) fireEnded(session Session) {
	m.mu.RLock()
	hooks := append([]func(Session){}, m.onEnded...)
	m.mu.RUnlock()

	for _, fn := range hooks {
		fn(session)
	}
}

func endResult(s Session, already bool) EndResult {
	return EndResult{
		SessionID:        s.ID,
		DurationMs:       s.DurationMs,
		DurationSeconds:  float64(s.DurationMs) / 1000,
		TotalCost:        s.TotalCost,
		AlreadyProcessed: already,
	}
}

// ActiveCount returns the number of unsettled sessions.
func (m *SessionManager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.openPairs)
}

// Evict drops settled sessions that ended more than the residency window ago and
// returns how many went. Reads for them go to the database.
func (m *SessionManager) Evict() int {
	cutoff := m.clock.Now().Add(-m.residency)
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for id, state := range m.sessions {
		if state.session.Settled && expiredResidency(state.session.EndedAt, cutoff) {
			delete(m.sessions, id)
			if m.bySource[state.session.SourceID] == id {
				delete(m.bySource, state.session.SourceID)
			}
			n++
		}
	}
	return n
}

// Resident returns the number of sessions held in memory.
func (m *SessionManager) Resident() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

func (m *SessionManager) stored(ctx context.Context, sessionID string) (Session, error) {
	session, found, err := m.loadSession(ctx, `id = ?`, sessionID)
	if err != nil {
		return Session{}, shared.Server("session lookup failed", err)
	}
	if !found {
		return Session{}, shared.NotFound(fmt.Sprintf("session %s not found", sessionID))
	}
	return session, nil
}

func (m *SessionManager) loadSession(ctx context.Context, where string, arg interface{}) (Session, bool, error) {
	rows, err := m.db.QueryContext(ctx, sessionSelect+` WHERE `+where, arg)
	if err != nil {
		return Session{}, false, fmt.Errorf("load session: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		return Session{}, false, rows.Err()
	}
	session, err := scanSessionRow(rows)
	if err != nil {
		return Session{}, false, err
	}
	return session, true, nil
}

// LoadFromDB restores unsettled sessions and those that ended within the residency
// window. An unsettled session the ledger has already settled takes the ledger's
// values. Balance caps and budgets are re-armed for the rest.
func (m *SessionManager) LoadFromDB(ctx context.Context) error {
	now := m.clock.Now()
	rows, err := m.db.QueryContext(ctx, sessionSelect+` WHERE settled = 0 OR ended_at >= ?`,
		storage.FormatTime(now.Add(-m.residency)))
	if err != nil {
		return fmt.Errorf("load sessions: query rows: %w", err)
	}

	var loaded []Session
	for rows.Next() {
		session, rowErr := scanSessionRow(rows)
		if rowErr != nil {
			m.recoveryErrors.Add(1)
			m.logger.Warn("load sessions: corrupted row", zap.Error(rowErr))
			continue
		}
		loaded = append(loaded, session)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return fmt.Errorf("load sessions: iterate rows: %w", err)
	}
	rows.Close()

	for _, session := range loaded {
		if !session.Settled {
			settlement, ok, err := m.ledger.Lookup(ctx, session.ID)
			if err != nil {
				return fmt.Errorf("load sessions: %w", err)
			}
			if ok {
				endedAt := settlement.SettledAt
				session.Status = SessionEnded
				session.Settled = true
				session.EndedAt = &endedAt
				session.DurationMs = settlement.DurationMs
				session.TotalCost = settlement.TotalCost
				if err := m.updateSession(ctx, session); err != nil {
					m.logger.Warn("failed to persist recovered settlement", zap.String("session_id", session.ID), zap.Error(err))
				}
			} else if session.Status == SessionStarting {
				session.Status = SessionActive
			}
		}

		state := &sessionState{session: session, started: session.StartedAt}
		var limit time.Duration
		if !session.Settled && session.PricePerMinute > 0 {
			available, err := m.spendable(ctx, session.RequesterID)
			if err != nil {
				return fmt.Errorf("load sessions: %w", err)
			}
			state.capped = true
			state.budget = m.billing.Budget(session.Kind, available, session.PricePerMinute)
			limit = m.billing.Affordable(session.Kind, available, session.PricePerMinute)
		}

		m.mu.Lock()
		m.sessions[session.ID] = state
		m.bySource[session.SourceID] = session.ID
		if !session.Settled {
			m.openPairs[pairKey{session.RequesterID, session.ProviderID}] = session.ID
			m.openByProv[session.ProviderID] = session.ID
		}
		if state.capped {
			remaining := limit - now.Sub(session.StartedAt)
			if remaining <= 0 {
				remaining = time.Nanosecond
			}
			id := session.ID
			state.capTimer = m.clock.AfterFunc(remaining, func() { m.endOnBalance(id) })
		}
		m.mu.Unlock()
	}
	return nil
}

func (m *SessionManager) RecoveryErrorCount() uint64 {
	return m.recoveryErrors.Load()
}

func (m *SessionManager) insertSession(ctx context.Context, s Session) error {
	_, err := m.db.ExecContext(ctx, `
		INSERT INTO sessions (id, source_id, source_type, requester_id, provider_id, kind, status, price_per_minute, started_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, s.ID, s.SourceID, string(s.SourceType), s.RequesterID, s.ProviderID, string(s.Kind), string(s.Status),
		s.PricePerMinute, storage.FormatTime(s.StartedAt))
	if err != nil {
		return fmt.Errorf("insert session %s: %w", s.ID, err)
	}
	return nil
}

func (m *SessionManager) updateSession(ctx context.Context, s Session) error {
	var endedAt sql.NullString
	if s.EndedAt != nil {
		endedAt = storage.NullTime(*s.EndedAt)
	}
	_, err := m.db.ExecContext(ctx, `
		UPDATE sessions
		SET status = ?, ended_at = ?, duration_ms = ?, total_cost = ?, settled = ?
		WHERE id = ?
	`, string(s.Status), endedAt, s.DurationMs, s.TotalCost, s.Settled, s.ID)
	if err != nil {
		return fmt.Errorf("update session %s: %w", s.ID, err)
	}
	return nil
}

const sessionSelect = `
	SELECT id, source_id, source_type, requester_id, provider_id, kind, status, price_per_minute,
		started_at, ended_at, duration_ms, total_cost, settled
	FROM sessions
`

func scanSessionRow(rows *sql.Rows) (Session, error) {
	var (
		s          Session
		sourceType string
		kind       string
		status     string
		startedAt  string
		endedAt    sql.NullString
	)
	if err := rows.Scan(&s.ID, &s.SourceID, &sourceType, &s.RequesterID, &s.ProviderID, &kind, &status,
		&s.PricePerMinute, &startedAt, &endedAt, &s.DurationMs, &s.TotalCost, &s.Settled); err != nil {
		return Session{}, fmt.Errorf("scan session row: %w", err)
	}
	s.SourceType = SourceType(sourceType)
	s.Kind = shared.Kind(kind)
	s.Status = SessionStatus(status)

	var err error
	if s.StartedAt, err = storage.ParseTime(startedAt); err != nil {
		return Session{}, fmt.Errorf("parse started_at for session %s: %w", s.ID, err)
	}
	ended, err := storage.ParseNullTime(endedAt)
	if err != nil {
		return Session{}, fmt.Errorf("parse ended_at for session %s: %w", s.ID, err)
	}
	if !ended.IsZero() {
		s.EndedAt = &ended
	}
	return s, nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
