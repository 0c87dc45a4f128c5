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

type RequestStatus string

const (
	RequestPending   RequestStatus = "pending"
	RequestAccepted  RequestStatus = "accepted"
	RequestRejected  RequestStatus = "rejected"
	RequestExpired   RequestStatus = "expired"
	RequestCancelled RequestStatus = "cancelled"
)

func (s RequestStatus) Terminal() bool {
	return s != RequestPending
}

// Request is a direct, time-bounded ask for a consultation.
type Request struct {
	ID             string        `json:"id"`
	Kind           shared.Kind   `json:"kind"`
	RequesterID    string        `json:"requester_id"`
	ProviderID     string        `json:"provider_id"`
	Status         RequestStatus `json:"status"`
	PricePerMinute int64         `json:"price_per_minute"`
	CreatedAt      time.Time     `json:"created_at"`
	ExpiresAt      time.Time     `json:"expires_at"`
	ResolvedAt     *time.Time    `json:"resolved_at,omitempty"`
	Reason         string        `json:"reason,omitempty"`
	SessionID      string        `json:"session_id,omitempty"`
}

func (r Request) hasParticipant(principalID string) bool {
	return principalID == r.RequesterID || principalID == r.ProviderID
}

// RequestStatusView answers request.status.
type RequestStatusView struct {
	Request          Request  `json:"request"`
	Status           string   `json:"status"`
	RemainingSeconds int      `json:"remaining_seconds"`
	Session          *Session `json:"session,omitempty"`
}

// AcceptResult is an accepted request and the session it started.
type AcceptResult struct {
	Request Request `json:"request"`
	Session Session `json:"session"`
}

type requestState struct {
	request Request
	timer   Timer
}

// RequestBroker owns direct consultation requests. Every transition, including TTL
// expiry, runs under the provider's partition lock and re-checks the current status
// first, so exactly one terminal state wins.
type RequestBroker struct {
	db        *sql.DB
	clock     Clock
	ttl       time.Duration
	residency time.Duration
	avail     *AvailabilityCoordinator
	sessions  *SessionManager
	ledger    *Ledger
	billing   BillingPolicy
	parts     *Partitions
	notify    Notifier
	audit     *AuditLogger
	logger    *zap.Logger

	mu       sync.RWMutex
	requests map[string]*requestState

	recoveryErrors atomic.Uint64
}

type RequestBrokerDeps struct {
	DB           *sql.DB
	Clock        Clock
	TTL          time.Duration
	Availability *AvailabilityCoordinator
	Sessions     *SessionManager
	Ledger       *Ledger
	Billing      BillingPolicy
	Parts        *Partitions
	Notifier     Notifier
	Audit        *AuditLogger
	Residency    time.Duration
	Logger       *zap.Logger
}

func NewRequestBroker(deps RequestBrokerDeps) *RequestBroker {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Clock == nil {
		deps.Clock = SystemClock()
	}
	if deps.Parts == nil {
		deps.Parts = NewPartitions()
	}
	return &RequestBroker{
		db:        deps.DB,
		clock:     deps.Clock,
		ttl:       deps.TTL,
		residency: residencyOrDefault(deps.Residency),
		avail:     deps.Availability,
		sessions:  deps.Sessions,
		ledger:    deps.Ledger,
		billing:   deps.Billing,
		parts:     deps.Parts,
		notify:    notifierOrNop(deps.Notifier),
		audit:     deps.Audit,
		logger:    deps.Logger,
		requests:  make(map[string]*requestState),
	}
}

// Create opens a pending request that expires after the configured TTL.
func (b *RequestBroker) Create(ctx context.Context, requesterID, providerID string, kind shared.Kind) (Request, error) {
	if providerID == "" {
		return Request{}, shared.Validation("MISSING_PROVIDER", "provider_id is required")
	}
	if requesterID == providerID {
		return Request{}, shared.Validation("SELF_REQUEST", "cannot request a consultation with yourself")
	}
	if _, err := shared.ParseKind(string(kind)); err != nil {
		return Request{}, err
	}

	unlock := b.parts.Lock(providerID)
	defer unlock()

	price, err := b.avail.Admit(providerID, kind)
	if err != nil {
		return Request{}, err
	}
	if b.sessions.ProviderBusy(providerID) {
		return Request{}, shared.NotAvailable(shared.ReasonProviderBusy, fmt.Sprintf("provider %s is in another session; join the queue instead", providerID))
	}
	if b.sessions.OpenBetween(requesterID, providerID) {
		return Request{}, shared.Conflict(shared.ReasonSessionOpen, "an unsettled session with this provider already exists")
	}
	if b.pendingBetween(requesterID, providerID) {
		return Request{}, shared.Conflict(shared.ReasonRequestPending, "a pending request to this provider already exists")
	}
	if _, err := b.ledger.EnsureAffordable(ctx, requesterID, b.billing.MinimumCharge(price)); err != nil {
		return Request{}, err
	}

	now := b.clock.Now()
	req := Request{
		ID:             uuid.NewString(),
		Kind:           kind,
		RequesterID:    requesterID,
		ProviderID:     providerID,
		Status:         RequestPending,
		PricePerMinute: price,
		CreatedAt:      now,
		ExpiresAt:      now.Add(b.ttl),
	}
	if err := b.insertRequest(ctx, req); err != nil {
		return Request{}, shared.Server("request create failed", err)
	}

	state := &requestState{request: req}
	id := req.ID
	b.mu.Lock()
	b.requests[id] = state
	state.timer = b.clock.AfterFunc(b.ttl, func() { b.expire(id) })
	b.mu.Unlock()

	GetMetrics().RecordRequest(string(RequestPending))
	b.logger.Info("request created",
		zap.String("request_id", req.ID),
		zap.String("provider_id", providerID),
		zap.String("requester_id", requesterID),
		zap.String("kind", string(kind)),
	)
	b.notify.Notify([]string{requesterID, providerID}, shared.MessageTypeRequestCreated, req)
	return req, nil
}

// Accept moves a pending request to accepted and starts its session. Accepting an
// accepted request returns the existing session.
func (b *RequestBroker) Accept(ctx context.Context, providerID, requestID string) (AcceptResult, error) {
	req, err := b.lookupFor(ctx, requestID, func(r Request) bool { return r.ProviderID == providerID })
	if err != nil {
		return AcceptResult{}, err
	}

	unlock := b.parts.Lock(req.ProviderID)
	defer unlock()

	// A request missing from memory was evicted after finishing; req is its stored copy.
	state := b.state(requestID)
	if state != nil {
		req = state.request
	}

	switch req.Status {
	case RequestAccepted:
		session, ok := b.sessions.BySource(ctx, req.ID)
		if !ok {
			return AcceptResult{}, shared.Server("accepted request has no session", nil)
		}
		return AcceptResult{Request: req, Session: session}, nil
	case RequestPending:
		if state == nil {
			return AcceptResult{}, shared.NotFound(fmt.Sprintf("request %s not found", requestID))
		}
	default:
		return AcceptResult{}, terminalRequestError(req)
	}

	if !b.clock.Now().Before(req.ExpiresAt) {
		b.resolveLocked(ctx, state, RequestExpired, "", "")
		return AcceptResult{}, terminalRequestError(state.request)
	}

	session, err := b.sessions.startLocked(ctx, SourceHandle{
		ID:             req.ID,
		Type:           SourceRequest,
		RequesterID:    req.RequesterID,
		ProviderID:     req.ProviderID,
		Kind:           req.Kind,
		PricePerMinute: req.PricePerMinute,
	})
	if err != nil {
		return AcceptResult{}, err
	}

	b.resolveLocked(ctx, state, RequestAccepted, "", session.ID)
	b.audit.Log(ctx, providerID, "request.accept", requestID, nil, nil)
	return AcceptResult{Request: state.request, Session: session}, nil
}

// Reject moves a pending request to rejected. Rejecting a rejected request returns it
// unchanged.
func (b *RequestBroker) Reject(ctx context.Context, providerID, requestID, reason string) (Request, error) {
	return b.transition(ctx, requestID, RequestRejected, reason,
		func(r Request) bool { return r.ProviderID == providerID }, providerID, "request.reject")
}

// Cancel withdraws a pending request on behalf of its requester.
func (b *RequestBroker) Cancel(ctx context.Context, requesterID, requestID string) (Request, error) {
	return b.transition(ctx, requestID, RequestCancelled, "",
		func(r Request) bool { return r.RequesterID == requesterID }, requesterID, "request.cancel")
}

func (b *RequestBroker) transition(ctx context.Context, requestID string, to RequestStatus, reason string,
	allowed func(Request) bool, actor, action string) (Request, error) {
	snapshot, err := b.lookupFor(ctx, requestID, allowed)
	if err != nil {
		return Request{}, err
	}

	unlock := b.parts.Lock(snapshot.ProviderID)
	defer unlock()

	state := b.state(requestID)
	req := snapshot
	if state != nil {
		req = state.request
	}
	if req.Status == to {
		return req, nil
	}
	if req.Status != RequestPending || state == nil {
		return Request{}, terminalRequestError(req)
	}

	b.resolveLocked(ctx, state, to, reason, "")
	b.audit.Log(ctx, actor, action, requestID, map[string]interface{}{"reason": reason}, nil)
	return state.request, nil
}

// Status reports the request with its remaining lifetime and any session. A pending
// request past its deadline reads as expired even before its timer has run.
func (b *RequestBroker) Status(principalID, requestID string) (RequestStatusView, error) {
	ctx := context.Background()
	req, err := b.lookupFor(ctx, requestID, func(r Request) bool { return r.hasParticipant(principalID) })
	if err != nil {
		return RequestStatusView{}, err
	}

	view := RequestStatusView{Request: req, Status: string(req.Status)}
	if req.Status == RequestPending {
		remaining := req.ExpiresAt.Sub(b.clock.Now())
		if remaining > 0 {
			view.RemainingSeconds = int((remaining + time.Second - 1) / time.Second)
		} else {
			view.Status = string(RequestExpired)
			view.Request.Status = RequestExpired
		}
	}
	if req.Status == RequestAccepted {
		if session, ok := b.sessions.BySource(ctx, req.ID); ok {
			view.Session = &session
		}
	}
	return view, nil
}

// ListPending returns the provider's pending requests, oldest first.
func (b *RequestBroker) ListPending(providerID string) []Request {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var out []Request
	for _, state := range b.requests {
		if state.request.ProviderID == providerID && state.request.Status == RequestPending {
			out = append(out, state.request)
		}
	}
	sortRequests(out)
	return out
}

func (b *RequestBroker) expire(requestID string) {
	state := b.state(requestID)
	if state == nil {
		return
	}
	b.mu.RLock()
	providerID := state.request.ProviderID
	b.mu.RUnlock()

	unlock := b.parts.Lock(providerID)
	defer unlock()

	if b.state(requestID) != state || state.request.Status != RequestPending {
		return
	}
	b.resolveLocked(context.Background(), state, RequestExpired, "", "")
}

// resolveLocked records a terminal transition and revokes the TTL timer. The caller
// holds the provider lock and has checked the request is pending.
func (b *RequestBroker) resolveLocked(ctx context.Context, state *requestState, to RequestStatus, reason, sessionID string) {
	stopTimer(state.timer)

	now := b.clock.Now()
	b.mu.Lock()
	state.timer = nil
	state.request.Status = to
	state.request.Reason = reason
	state.request.ResolvedAt = &now
	state.request.SessionID = sessionID
	req := state.request
	b.mu.Unlock()

	if err := b.updateRequest(ctx, req); err != nil {
		b.logger.Warn("failed to persist request transition",
			zap.String("request_id", req.ID),
			zap.String("status", string(to)),
			zap.Error(err),
		)
	}

	GetMetrics().RecordRequest(string(to))
	b.logger.Info("request resolved", zap.String("request_id", req.ID), zap.String("status", string(to)))
	b.notify.Notify([]string{req.RequesterID, req.ProviderID}, requestMessageType(to), req)
}

func (b *RequestBroker) state(requestID string) *requestState {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.requests[requestID]
}

// lookupFor returns a snapshot of the request if allowed accepts it, reading evicted
// requests back from the database. Requests the principal may not see are reported
// as missing.
func (b *RequestBroker) lookupFor(ctx context.Context, requestID string, allowed func(Request) bool) (Request, error) {
	b.mu.RLock()
	state, ok := b.requests[requestID]
	var req Request
	if ok {
		req = state.request
	}
	b.mu.RUnlock()

	if !ok {
		stored, found, err := b.loadRequest(ctx, requestID)
		if err != nil {
			return Request{}, shared.Server("request lookup failed", err)
		}
		req, ok = stored, found
	}
	if !ok || !allowed(req) {
		return Request{}, shared.NotFound(fmt.Sprintf("request %s not found", requestID))
	}
	return req, nil
}

// Evict drops requests that finished more than the residency window ago and returns
// how many went.
func (b *RequestBroker) Evict() int {
	cutoff := b.clock.Now().Add(-b.residency)
	b.mu.Lock()
	defer b.mu.Unlock()

	n := 0
	for id, state := range b.requests {
		if state.request.Status.Terminal() && expiredResidency(state.request.ResolvedAt, cutoff) {
			delete(b.requests, id)
			n++
		}
	}
	return n
}

// Resident returns the number of requests held in memory.
func (b *RequestBroker) Resident() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.requests)
}

func (b *RequestBroker) pendingBetween(requesterID, providerID string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, state := range b.requests {
		r := state.request
		if r.Status == RequestPending && r.RequesterID == requesterID && r.ProviderID == providerID {
			return true
		}
	}
	return false
}

func sortRequests(reqs []Request) {
	sort.Slice(reqs, func(i, j int) bool {
		return reqs[i].CreatedAt.Before(reqs[j].CreatedAt)
	})
}

func terminalRequestError(r Request) error {
	switch r.Status {
	case RequestExpired:
		return shared.Conflict(shared.ReasonRequestExpired, fmt.Sprintf("request %s expired", r.ID))
	case RequestRejected:
		return shared.Conflict(shared.ReasonRequestRejected, fmt.Sprintf("request %s was rejected", r.ID))
	case RequestCancelled:
		return shared.Conflict(shared.ReasonRequestCancelled, fmt.Sprintf("request %s was cancelled", r.ID))
	case RequestAccepted:
		return shared.Conflict(shared.ReasonRequestAccepted, fmt.Sprintf("request %s was already accepted", r.ID))
	}
	return shared.Conflict(shared.ReasonRequestPending, fmt.Sprintf("request %s is still pending", r.ID))
}

func requestMessageType(s RequestStatus) shared.MessageType {
	switch s {
	case RequestAccepted:
		return shared.MessageTypeRequestAccepted
	case RequestRejected:
		return shared.MessageTypeRequestRejected
	case RequestExpired:
		return shared.MessageTypeRequestExpired
	case RequestCancelled:
		return shared.MessageTypeRequestCancelled
	}
	return shared.MessageTypeRequestCreated
}

// Recover expires requests left pending by a previous process and loads those that
// finished within the residency window.
func (b *RequestBroker) Recover(ctx context.Context) (int, error) {
	now := b.clock.Now()
	res, err := b.db.ExecContext(ctx, `
		UPDATE requests SET status = ?, resolved_at = ?, reason = 'restart'
		WHERE status = ?
	`, string(RequestExpired), storage.FormatTime(now), string(RequestPending))
	if err != nil {
		return 0, fmt.Errorf("recover requests: expire pending: %w", err)
	}
	expired, _ := res.RowsAffected()

	rows, err := b.db.QueryContext(ctx, requestSelect+`
		WHERE r.status = ? OR r.resolved_at >= ?
	`, string(RequestPending), storage.FormatTime(now.Add(-b.residency)))
	if err != nil {
		return 0, fmt.Errorf("recover requests: query rows: %w", err)
	}
	defer rows.Close()

	loaded := make(map[string]*requestState)
	for rows.Next() {
		req, rowErr := scanRequestRow(rows)
		if rowErr != nil {
			b.recoveryErrors.Add(1)
			b.logger.Warn("recover requests: corrupted row", zap.Error(rowErr))
			continue
		}
		loaded[req.ID] = &requestState{request: req}
	}
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("recover requests: iterate rows: %w", err)
	}

	b.mu.Lock()
	b.requests = loaded
	b.mu.Unlock()
	return int(expired), nil
}

func (b *RequestBroker) RecoveryErrorCount() uint64 {
	return b.recoveryErrors.Load()
}

func (b *RequestBroker) loadRequest(ctx context.Context, requestID string) (Request, bool, error) {
	rows, err := b.db.QueryContext(ctx, requestSelect+` WHERE r.id = ?`, requestID)
	if err != nil {
		return Request{}, false, fmt.Errorf("load request %s: %w", requestID, err)
	}
	defer rows.Close()

	if !rows.Next() {
		return Request{}, false, rows.Err()
	}
	req, err := scanRequestRow(rows)
	if err != nil {
		return Request{}, false, err
	}
	return req, true, nil
}

func (b *RequestBroker) insertRequest(ctx context.Context, r Request) error {
	_, err := b.db.ExecContext(ctx, `
		INSERT INTO requests (id, kind, requester_id, provider_id, status, price_per_minute, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, r.ID, string(r.Kind), r.RequesterID, r.ProviderID, string(r.Status), r.PricePerMinute,
		storage.FormatTime(r.CreatedAt), storage.FormatTime(r.ExpiresAt))
	if err != nil {
		return fmt.Errorf("insert request %s: %w", r.ID, err)
	}
	return nil
}

func (b *RequestBroker) updateRequest(ctx context.Context, r Request) error {
	var resolvedAt sql.NullString
	if r.ResolvedAt != nil {
		resolvedAt = storage.NullTime(*r.ResolvedAt)
	}
	_, err := b.db.ExecContext(ctx, `
		UPDATE requests SET status = ?, reason = ?, resolved_at = ? WHERE id = ?
	`, string(r.Status), r.Reason, resolvedAt, r.ID)
	if err != nil {
		return fmt.Errorf("update request %s: %w", r.ID, err)
	}
	return nil
}

const requestSelect = `
	SELECT r.id, r.kind, r.requester_id, r.provider_id, r.status, r.price_per_minute, r.reason,
		r.created_at, r.expires_at, r.resolved_at, COALESCE(s.id, '')
	FROM requests r
	LEFT JOIN sessions s ON s.source_id = r.id
`

func scanRequestRow(rows *sql.Rows) (Request, error) {
	var (
		r          Request
		kind       string
		status     string
		createdAt  string
		expiresAt  string
		resolvedAt sql.NullString
	)
	if err := rows.Scan(&r.ID, &kind, &r.RequesterID, &r.ProviderID, &status, &r.PricePerMinute, &r.Reason,
		&createdAt, &expiresAt, &resolvedAt, &r.SessionID); err != nil {
		return Request{}, fmt.Errorf("scan request row: %w", err)
	}
	r.Kind = shared.Kind(kind)
	r.Status = RequestStatus(status)

	var err error
	if r.CreatedAt, err = storage.ParseTime(createdAt); err != nil {
		return Request{}, fmt.Errorf("parse created_at for request %s: %w", r.ID, err)
	}
	if r.ExpiresAt, err = storage.ParseTime(expiresAt); err != nil {
		return Request{}, fmt.Errorf("parse expires_at for request %s: %w", r.ID, err)
	}
	resolved, err := storage.ParseNullTime(resolvedAt)
	if err != nil {
		return Request{}, fmt.Errorf("parse resolved_at for request %s: %w", r.ID, err)
	}
	if !resolved.IsZero() {
		r.ResolvedAt = &resolved
	}
	return r, nil
}
