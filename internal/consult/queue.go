package consult

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/seers-hq/consultd/internal/shared"
	"github.com/seers-hq/consultd/internal/storage"
)

type EntryStatus string

const (
	EntryWaiting   EntryStatus = "waiting"
	EntryNotified  EntryStatus = "notified"
	EntryConnected EntryStatus = "connected"
	EntryCancelled EntryStatus = "cancelled"
	EntryExpired   EntryStatus = "expired"
	EntrySkipped   EntryStatus = "skipped"
)

func (s EntryStatus) Live() bool {
	return s == EntryWaiting || s == EntryNotified
}

// NextEntry asks Connect for the head of the queue.
const NextEntry = "next"

// QueueEntry is one requester waiting for a busy provider. Position is computed on
// read: 1 + the number of earlier waiting entries in the same provider+kind line.
// Entries that are not waiting report position 0.
type QueueEntry struct {
	ID             string      `json:"id"`
	ProviderID     string      `json:"provider_id"`
	RequesterID    string      `json:"requester_id"`
	Kind           shared.Kind `json:"kind"`
	Status         EntryStatus `json:"status"`
	PricePerMinute int64       `json:"price_per_minute"`
	JoinedAt       time.Time   `json:"joined_at"`
	ExpiresAt      time.Time   `json:"expires_at"`
	ResolvedAt     *time.Time  `json:"resolved_at,omitempty"`
	Position       int         `json:"position"`
	SessionID      string      `json:"session_id,omitempty"`
}

// QueueStatus answers queue.status for a requester.
type QueueStatus struct {
	Entry                QueueEntry `json:"entry"`
	Position             int        `json:"position"`
	EstimatedWaitMinutes int        `json:"estimated_wait_minutes"`
	RemainingSeconds     int        `json:"remaining_seconds"`
}

// ConnectResult is a connected entry and the session it started.
type ConnectResult struct {
	Entry   QueueEntry `json:"entry"`
	Session Session    `json:"session"`
}

type lineKey struct {
	providerID string
	kind       shared.Kind
}

type entryState struct {
	entry QueueEntry
	timer Timer
}

// QueueManager keeps one FIFO line per provider and kind. Join, leave, connect, skip
// and expiry for a provider are serialized by its partition lock.
type QueueManager struct {
	db         *sql.DB
	clock      Clock
	ttl        time.Duration
	avgSession time.Duration
	maxLength  int
	residency  time.Duration
	avail      *AvailabilityCoordinator
	sessions   *SessionManager
	ledger     *Ledger
	billing    BillingPolicy
	parts      *Partitions
	notify     Notifier
	audit      *AuditLogger
	logger     *zap.Logger

	mu      sync.RWMutex
	entries map[string]*entryState
	lines   map[lineKey][]string

	recoveryErrors atomic.Uint64
}

type QueueManagerDeps struct {
	DB             *sql.DB
	Clock          Clock
	TTL            time.Duration
	AverageSession time.Duration
	MaxLength      int
	Availability   *AvailabilityCoordinator
	Sessions       *SessionManager
	Ledger         *Ledger
	Billing        BillingPolicy
	Parts          *Partitions
	Notifier       Notifier
	Audit          *AuditLogger
	Residency      time.Duration
	Logger         *zap.Logger
}

func NewQueueManager(deps QueueManagerDeps) *QueueManager {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Clock == nil {
		deps.Clock = SystemClock()
	}
	if deps.Parts == nil {
		deps.Parts = NewPartitions()
	}
	q := &QueueManager{
		db:         deps.DB,
		clock:      deps.Clock,
		ttl:        deps.TTL,
		avgSession: deps.AverageSession,
		maxLength:  deps.MaxLength,
		residency:  residencyOrDefault(deps.Residency),
		avail:      deps.Availability,
		sessions:   deps.Sessions,
		ledger:     deps.Ledger,
		billing:    deps.Billing,
		parts:      deps.Parts,
		notify:     notifierOrNop(deps.Notifier),
		audit:      deps.Audit,
		logger:     deps.Logger,
		entries:    make(map[string]*entryState),
		lines:      make(map[lineKey][]string),
	}
	if q.sessions != nil {
		q.sessions.OnEnded(func(s Session) { q.NotifyNext(s.ProviderID) })
	}
	return q
}

// Join appends the requester to the provider's line for kind.
func (q *QueueManager) Join(ctx context.Context, requesterID, providerID string, kind shared.Kind) (QueueEntry, error) {
	if providerID == "" {
		return QueueEntry{}, shared.Validation("MISSING_PROVIDER", "provider_id is required")
	}
	if requesterID == providerID {
		return QueueEntry{}, shared.Validation("SELF_REQUEST", "cannot queue for yourself")
	}
	if _, err := shared.ParseKind(string(kind)); err != nil {
		return QueueEntry{}, err
	}

	unlock := q.parts.Lock(providerID)
	defer unlock()

	price, err := q.avail.Admit(providerID, kind)
	if err != nil {
		return QueueEntry{}, err
	}

	key := lineKey{providerID, kind}
	if existing, ok := q.liveEntry(key, requesterID); ok {
		return QueueEntry{}, shared.Conflict(shared.ReasonAlreadyQueued, fmt.Sprintf("already queued as entry %s", existing.ID))
	}
	if q.sessions.OpenBetween(requesterID, providerID) {
		return QueueEntry{}, shared.Conflict(shared.ReasonSessionOpen, "an unsettled session with this provider already exists")
	}
	if q.maxLength > 0 && q.lineLength(key) >= q.maxLength {
		return QueueEntry{}, shared.Conflict(shared.ReasonQueueFull, fmt.Sprintf("queue for provider %s is full", providerID))
	}
	if _, err := q.ledger.EnsureAffordable(ctx, requesterID, q.billing.MinimumCharge(price)); err != nil {
		return QueueEntry{}, err
	}

	now := q.clock.Now()
	entry := QueueEntry{
		ID:             uuid.NewString(),
		ProviderID:     providerID,
		RequesterID:    requesterID,
		Kind:           kind,
		Status:         EntryWaiting,
		PricePerMinute: price,
		JoinedAt:       now,
		ExpiresAt:      now.Add(q.ttl),
	}
	if err := q.insertEntry(ctx, entry); err != nil {
		return QueueEntry{}, shared.Server("queue join failed", err)
	}

	state := &entryState{entry: entry}
	id := entry.ID
	q.mu.Lock()
	q.entries[id] = state
	q.lines[key] = append(q.lines[key], id)
	state.timer = q.clock.AfterFunc(q.ttl, func() { q.expire(id) })
	entry = q.withPositionLocked(state.entry)
	q.mu.Unlock()

	GetMetrics().RecordQueueEntry(string(EntryWaiting))
	q.logger.Info("queue joined",
		zap.String("entry_id", entry.ID),
		zap.String("provider_id", providerID),
		zap.String("requester_id", requesterID),
		zap.Int("position", entry.Position),
	)
	q.notify.Notify([]string{requesterID, providerID}, shared.MessageTypeQueueJoined, entry)
	return entry, nil
}

// Leave removes the requester's entry. Later entries move up by one.
func (q *QueueManager) Leave(ctx context.Context, requesterID, entryID string) (QueueEntry, error) {
	entry, err := q.resolve(ctx, entryID, EntryCancelled,
		func(e QueueEntry) bool { return e.RequesterID == requesterID })
	if err == nil {
		q.audit.Log(ctx, requesterID, "queue.leave", entryID, nil, nil)
	}
	return entry, err
}

// Skip lets the provider pass over an entry.
func (q *QueueManager) Skip(ctx context.Context, providerID, entryID string) (QueueEntry, error) {
	entry, err := q.resolve(ctx, entryID, EntrySkipped,
		func(e QueueEntry) bool { return e.ProviderID == providerID })
	if err == nil {
		q.audit.Log(ctx, providerID, "queue.skip", entryID, nil, nil)
	}
	return entry, err
}

func (q *QueueManager) resolve(ctx context.Context, entryID string, to EntryStatus, allowed func(QueueEntry) bool) (QueueEntry, error) {
	snapshot, err := q.lookupFor(ctx, entryID, allowed)
	if err != nil {
		return QueueEntry{}, err
	}

	unlock := q.parts.Lock(snapshot.ProviderID)
	defer unlock()

	state := q.state(entryID)
	if state == nil {
		// Evicted entries are terminal; snapshot is the stored copy.
		if snapshot.Status == to {
			return snapshot, nil
		}
		return QueueEntry{}, terminalEntryError(snapshot)
	}
	switch {
	case state.entry.Status == to:
		return state.entry, nil
	case !state.entry.Status.Live():
		return QueueEntry{}, terminalEntryError(state.entry)
	}

	wasNotified := state.entry.Status == EntryNotified
	entry := q.finishLocked(ctx, state, to, "")
	if wasNotified {
		q.notifyNextLocked(ctx, snapshot.ProviderID)
	}
	return entry, nil
}

// Connect atomically claims an entry (or the head of the line when target is
// NextEntry) and starts its session. At most one connect succeeds per entry.
func (q *QueueManager) Connect(ctx context.Context, providerID, target string, kind shared.Kind) (ConnectResult, error) {
	if target == "" {
		target = NextEntry
	}
	if kind != "" {
		if _, err := shared.ParseKind(string(kind)); err != nil {
			return ConnectResult{}, err
		}
	}

	unlock := q.parts.Lock(providerID)
	defer unlock()

	var state *entryState
	if target == NextEntry {
		state = q.headLocked(providerID, kind)
		if state == nil {
			return ConnectResult{}, &shared.Error{
				Code:    shared.CodeNotFound,
				Reason:  shared.ReasonQueueEmpty,
				Message: fmt.Sprintf("no one is waiting for provider %s", providerID),
			}
		}
	} else {
		state = q.state(target)
		if state == nil {
			stored, err := q.lookupFor(ctx, target, func(e QueueEntry) bool { return e.ProviderID == providerID })
			if err != nil {
				return ConnectResult{}, err
			}
			return ConnectResult{}, terminalEntryError(stored)
		}
		if state.entry.ProviderID != providerID {
			return ConnectResult{}, shared.NotFound(fmt.Sprintf("queue entry %s not found", target))
		}
	}

	entry := state.entry
	if !entry.Status.Live() {
		return ConnectResult{}, terminalEntryError(entry)
	}
	if !q.clock.Now().Before(entry.ExpiresAt) {
		q.finishLocked(ctx, state, EntryExpired, "")
		return ConnectResult{}, terminalEntryError(state.entry)
	}

	session, err := q.sessions.startLocked(ctx, SourceHandle{
		ID:             entry.ID,
		Type:           SourceQueue,
		RequesterID:    entry.RequesterID,
		ProviderID:     entry.ProviderID,
		Kind:           entry.Kind,
		PricePerMinute: entry.PricePerMinute,
	})
	if err != nil {
		return ConnectResult{}, err
	}

	entry = q.finishLocked(ctx, state, EntryConnected, session.ID)
	q.audit.Log(ctx, providerID, "queue.connect", entry.ID, map[string]interface{}{"session_id": session.ID}, nil)
	return ConnectResult{Entry: entry, Session: session}, nil
}

// Status reports the requester's live entry for provider and kind.
func (q *QueueManager) Status(requesterID, providerID string, kind shared.Kind) (QueueStatus, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	kinds := shared.Kinds
	if kind != "" {
		kinds = []shared.Kind{kind}
	}
	for _, k := range kinds {
		for _, id := range q.lines[lineKey{providerID, k}] {
			state := q.entries[id]
			if state.entry.RequesterID != requesterID {
				continue
			}
			entry := q.withPositionLocked(state.entry)
			status := QueueStatus{
				Entry:                entry,
				Position:             entry.Position,
				EstimatedWaitMinutes: entry.Position * int(q.avgSession/time.Minute),
			}
			if remaining := entry.ExpiresAt.Sub(q.clock.Now()); remaining > 0 {
				status.RemainingSeconds = int((remaining + time.Second - 1) / time.Second)
			}
			return status, nil
		}
	}
	return QueueStatus{}, shared.NotFound(fmt.Sprintf("not queued for provider %s", providerID))
}

// List returns the provider's live entries in line order. An empty kind lists every line.
func (q *QueueManager) List(providerID string, kind shared.Kind) []QueueEntry {
	q.mu.RLock()
	defer q.mu.RUnlock()

	kinds := shared.Kinds
	if kind != "" {
		kinds = []shared.Kind{kind}
	}

	out := []QueueEntry{}
	for _, k := range kinds {
		for _, id := range q.lines[lineKey{providerID, k}] {
			out = append(out, q.withPositionLocked(q.entries[id].entry))
		}
	}
	return out
}

// Get returns an entry visible to principalID.
func (q *QueueManager) Get(principalID, entryID string) (QueueEntry, error) {
	entry, err := q.lookupFor(context.Background(), entryID, func(e QueueEntry) bool {
		return e.RequesterID == principalID || e.ProviderID == principalID
	})
	if err != nil {
		return QueueEntry{}, err
	}

	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.withPositionLocked(entry), nil
}

// NotifyNext tells the head of each of the provider's lines that the provider is free.
func (q *QueueManager) NotifyNext(providerID string) {
	unlock := q.parts.Lock(providerID)
	defer unlock()
	q.notifyNextLocked(context.Background(), providerID)
}

func (q *QueueManager) notifyNextLocked(ctx context.Context, providerID string) {
	if q.sessions.ProviderBusy(providerID) {
		return
	}

	for _, kind := range shared.Kinds {
		key := lineKey{providerID, kind}

		q.mu.RLock()
		var head *entryState
		notified := false
		for _, id := range q.lines[key] {
			state := q.entries[id]
			if state.entry.Status == EntryNotified {
				notified = true
				break
			}
			if head == nil && state.entry.Status == EntryWaiting {
				head = state
			}
		}
		q.mu.RUnlock()

		if notified || head == nil {
			continue
		}

		q.mu.Lock()
		head.entry.Status = EntryNotified
		entry := head.entry
		q.mu.Unlock()

		if err := q.updateEntry(ctx, entry); err != nil {
			q.logger.Warn("failed to persist queue notification", zap.String("entry_id", entry.ID), zap.Error(err))
		}
		GetMetrics().RecordQueueEntry(string(EntryNotified))
		q.logger.Info("queue head notified", zap.String("entry_id", entry.ID), zap.String("provider_id", providerID))
		q.notify.Notify([]string{entry.RequesterID, providerID}, shared.MessageTypeQueueNotified, entry)
	}
}

func (q *QueueManager) expire(entryID string) {
	state := q.state(entryID)
	if state == nil {
		return
	}
	q.mu.RLock()
	snapshot := state.entry
	q.mu.RUnlock()

	unlock := q.parts.Lock(snapshot.ProviderID)
	defer unlock()

	if !state.entry.Status.Live() {
		return
	}
	wasNotified := state.entry.Status == EntryNotified
	q.finishLocked(context.Background(), state, EntryExpired, "")
	if wasNotified {
		q.notifyNextLocked(context.Background(), snapshot.ProviderID)
	}
}

// finishLocked moves a live entry to a terminal status, drops it from its line and
// revokes its timer. The caller holds the provider lock.
func (q *QueueManager) finishLocked(ctx context.Context, state *entryState, to EntryStatus, sessionID string) QueueEntry {
	now := q.clock.Now()

	q.mu.Lock()
	stopTimer(state.timer)
	state.timer = nil
	state.entry.Status = to
	state.entry.ResolvedAt = &now
	state.entry.SessionID = sessionID
	state.entry.Position = 0

	key := lineKey{state.entry.ProviderID, state.entry.Kind}
	line := q.lines[key]
	for i, id := range line {
		if id == state.entry.ID {
			line = append(line[:i:i], line[i+1:]...)
			break
		}
	}
	if len(line) == 0 {
		delete(q.lines, key)
	} else {
		q.lines[key] = line
	}
	entry := state.entry
	q.mu.Unlock()

	if err := q.updateEntry(ctx, entry); err != nil {
		q.logger.Warn("failed to persist queue transition",
			zap.String("entry_id", entry.ID),
			zap.String("status", string(to)),
			zap.Error(err),
		)
	}

	GetMetrics().RecordQueueEntry(string(to))
	q.logger.Info("queue entry resolved", zap.String("entry_id", entry.ID), zap.String("status", string(to)))
	q.notify.Notify([]string{entry.RequesterID, entry.ProviderID}, entryMessageType(to), entry)
	return entry
}

// headLocked picks the entry a "next" connect claims: a notified entry first, then the
// earliest waiting one.
func (q *QueueManager) headLocked(providerID string, kind shared.Kind) *entryState {
	q.mu.RLock()
	defer q.mu.RUnlock()

	kinds := shared.Kinds
	if kind != "" {
		kinds = []shared.Kind{kind}
	}

	var candidates []*entryState
	for _, k := range kinds {
		for _, id := range q.lines[lineKey{providerID, k}] {
			candidates = append(candidates, q.entries[id])
		}
	}
	if len(candidates) == 0 {
		return nil
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i].entry, candidates[j].entry
		if (a.Status == EntryNotified) != (b.Status == EntryNotified) {
			return a.Status == EntryNotified
		}
		return a.JoinedAt.Before(b.JoinedAt)
	})
	return candidates[0]
}

func (q *QueueManager) withPositionLocked(entry QueueEntry) QueueEntry {
	entry.Position = 0
	if entry.Status != EntryWaiting {
		return entry
	}

	position := 1
	for _, id := range q.lines[lineKey{entry.ProviderID, entry.Kind}] {
		if id == entry.ID {
			break
		}
		if q.entries[id].entry.Status == EntryWaiting {
			position++
		}
	}
	entry.Position = position
	return entry
}

func (q *QueueManager) liveEntry(key lineKey, requesterID string) (QueueEntry, bool) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	for _, id := range q.lines[key] {
		if e := q.entries[id].entry; e.RequesterID == requesterID {
			return e, true
		}
	}
	return QueueEntry{}, false
}

func (q *QueueManager) lineLength(key lineKey) int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return len(q.lines[key])
}

func (q *QueueManager) state(entryID string) *entryState {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.entries[entryID]
}

// lookupFor returns a snapshot of the entry if allowed accepts it, reading evicted
// entries back from the database.
func (q *QueueManager) lookupFor(ctx context.Context, entryID string, allowed func(QueueEntry) bool) (QueueEntry, error) {
	q.mu.RLock()
	state, ok := q.entries[entryID]
	var entry QueueEntry
	if ok {
		entry = state.entry
	}
	q.mu.RUnlock()

	if !ok {
		stored, found, err := q.loadEntry(ctx, entryID)
		if err != nil {
			return QueueEntry{}, shared.Server("queue entry lookup failed", err)
		}
		entry, ok = stored, found
	}
	if !ok || !allowed(entry) {
		return QueueEntry{}, shared.NotFound(fmt.Sprintf("queue entry %s not found", entryID))
	}
	return entry, nil
}

// Evict drops entries that finished more than the residency window ago and returns
// how many went.
func (q *QueueManager) Evict() int {
	cutoff := q.clock.Now().Add(-q.residency)
	q.mu.Lock()
	defer q.mu.Unlock()

	n := 0
	for id, state := range q.entries {
		if !state.entry.Status.Live() && expiredResidency(state.entry.ResolvedAt, cutoff) {
			delete(q.entries, id)
			n++
		}
	}
	return n
}

// Resident returns the number of entries held in memory.
func (q *QueueManager) Resident() int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return len(q.entries)
}

func terminalEntryError(e QueueEntry) error {
	return shared.Conflict(shared.ReasonEntryTerminal, fmt.Sprintf("queue entry %s is %s", e.ID, e.Status))
}

func entryMessageType(s EntryStatus) shared.MessageType {
	switch s {
	case EntryConnected:
		return shared.MessageTypeQueueConnected
	case EntryCancelled:
		return shared.MessageTypeQueueLeft
	case EntryExpired:
		return shared.MessageTypeQueueExpired
	case EntrySkipped:
		return shared.MessageTypeQueueSkipped
	case EntryNotified:
		return shared.MessageTypeQueueNotified
	}
	return shared.MessageTypeQueueJoined
}

// Recover expires entries left live by a previous process and loads those that
// finished within the residency window.
func (q *QueueManager) Recover(ctx context.Context) (int, error) {
	now := q.clock.Now()
	res, err := q.db.ExecContext(ctx, `
		UPDATE queue_entries SET status = ?, resolved_at = ?
		WHERE status IN (?, ?)
	`, string(EntryExpired), storage.FormatTime(now), string(EntryWaiting), string(EntryNotified))
	if err != nil {
		return 0, fmt.Errorf("recover queue: expire live entries: %w", err)
	}
	expired, _ := res.RowsAffected()

	rows, err := q.db.QueryContext(ctx, entrySelect+`
		WHERE e.resolved_at >= ?
	`, storage.FormatTime(now.Add(-q.residency)))
	if err != nil {
		return 0, fmt.Errorf("recover queue: query rows: %w", err)
	}
	defer rows.Close()

	entries := make(map[string]*entryState)
	for rows.Next() {
		entry, rowErr := scanEntryRow(rows)
		if rowErr != nil {
			q.recoveryErrors.Add(1)
			q.logger.Warn("recover queue: corrupted row", zap.Error(rowErr))
			continue
		}
		entries[entry.ID] = &entryState{entry: entry}
	}
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("recover queue: iterate rows: %w", err)
	}

	q.mu.Lock()
	q.entries = entries
	q.lines = make(map[lineKey][]string)
	q.mu.Unlock()
	return int(expired), nil
}

func (q *QueueManager) RecoveryErrorCount() uint64 {
	return q.recoveryErrors.Load()
}

func (q *QueueManager) loadEntry(ctx context.Context, entryID string) (QueueEntry, bool, error) {
	rows, err := q.db.QueryContext(ctx, entrySelect+` WHERE e.id = ?`, entryID)
	if err != nil {
		return QueueEntry{}, false, fmt.Errorf("load queue entry %s: %w", entryID, err)
	}
	defer rows.Close()

	if !rows.Next() {
		return QueueEntry{}, false, rows.Err()
	}
	entry, err := scanEntryRow(rows)
	if err != nil {
		return QueueEntry{}, false, err
	}
	return entry, true, nil
}

func (q *QueueManager) insertEntry(ctx context.Context, e QueueEntry) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO queue_entries (id, provider_id, requester_id, kind, status, price_per_minute, joined_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, e.ID, e.ProviderID, e.RequesterID, string(e.Kind), string(e.Status), e.PricePerMinute,
		storage.FormatTime(e.JoinedAt), storage.FormatTime(e.ExpiresAt))
	if err != nil {
		return fmt.Errorf("insert queue entry %s: %w", e.ID, err)
	}
	return nil
}

func (q *QueueManager) updateEntry(ctx context.Context, e QueueEntry) error {
	var resolvedAt sql.NullString
	if e.ResolvedAt != nil {
		resolvedAt = storage.NullTime(*e.ResolvedAt)
	}
	_, err := q.db.ExecContext(ctx, `UPDATE queue_entries SET status = ?, resolved_at = ? WHERE id = ?`,
		string(e.Status), resolvedAt, e.ID)
	if err != nil {
		return fmt.Errorf("update queue entry %s: %w", e.ID, err)
	}
	return nil
}

const entrySelect = `
	SELECT e.id, e.provider_id, e.requester_id, e.kind, e.status, e.price_per_minute,
		e.joined_at, e.expires_at, e.resolved_at, COALESCE(s.id, '')
	FROM queue_entries e
	LEFT JOIN sessions s ON s.source_id = e.id
`

func scanEntryRow(rows *sql.Rows) (QueueEntry, error) {
	var (
		e          QueueEntry
		kind       string
		status     string
		joinedAt   string
		expiresAt  string
		resolvedAt sql.NullString
	)
	if err := rows.Scan(&e.ID, &e.ProviderID, &e.RequesterID, &kind, &status, &e.PricePerMinute,
		&joinedAt, &expiresAt, &resolvedAt, &e.SessionID); err != nil {
		return QueueEntry{}, fmt.Errorf("scan queue entry row: %w", err)
	}
	e.Kind = shared.Kind(kind)
	e.Status = EntryStatus(status)

	var err error
	if e.JoinedAt, err = storage.ParseTime(joinedAt); err != nil {
		return QueueEntry{}, fmt.Errorf("parse joined_at for entry %s: %w", e.ID, err)
	}
	if e.ExpiresAt, err = storage.ParseTime(expiresAt); err != nil {
		return QueueEntry{}, fmt.Errorf("parse expires_at for entry %s: %w", e.ID, err)
	}
	resolved, err := storage.ParseNullTime(resolvedAt)
	if err != nil {
		return QueueEntry{}, fmt.Errorf("parse resolved_at for entry %s: %w", e.ID, err)
	}
	if !resolved.IsZero() {
		e.ResolvedAt = &resolved
	}
	return e, nil
}
