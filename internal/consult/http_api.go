package consult

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	semver "github.com/Masterminds/semver/v3"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/seers-hq/consultd/internal/shared"
)

const maxBodyBytes = 1 << 16

type HTTPAPIDeps struct {
	Availability *AvailabilityCoordinator
	Requests     *RequestBroker
	Queue        *QueueManager
	Sessions     *SessionManager
	Ledger       *Ledger
	Tokens       *TokenIssuer
	Hub          *Hub
	Health       *HealthChecker
	Audit        *AuditLogger
	Logger       *zap.Logger

	MinClientVersion       string
	RequestsPerMinute      int
	Burst                  int
	LoginRequestsPerMinute int
}

// HTTPAPI exposes the broker operations as JSON over HTTP.
type HTTPAPI struct {
	avail    *AvailabilityCoordinator
	requests *RequestBroker
	queue    *QueueManager
	sessions *SessionManager
	ledger   *Ledger
	tokens   *TokenIssuer
	hub      *Hub
	health   *HealthChecker
	audit    *AuditLogger
	logger   *zap.Logger
	metrics  *Metrics

	minVersion     *semver.Version
	perPrincipal   rate.Limit
	burst          int
	loginPerMinute int
	limiters       *lru.Cache[string, *rate.Limiter]
	idempotency    *lru.Cache[string, cachedResponse]
	inflight       keyLocks
}

func NewHTTPAPI(deps HTTPAPIDeps) (*HTTPAPI, error) {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	a := &HTTPAPI{
		avail:          deps.Availability,
		requests:       deps.Requests,
		queue:          deps.Queue,
		sessions:       deps.Sessions,
		ledger:         deps.Ledger,
		tokens:         deps.Tokens,
		hub:            deps.Hub,
		health:         deps.Health,
		audit:          deps.Audit,
		logger:         deps.Logger,
		metrics:        GetMetrics(),
		burst:          deps.Burst,
		loginPerMinute: deps.LoginRequestsPerMinute,
		idempotency:    newIdempotencyCache(),
	}
	if deps.MinClientVersion != "" {
		v, err := semver.NewVersion(deps.MinClientVersion)
		if err != nil {
			return nil, fmt.Errorf("parse min client version: %w", err)
		}
		a.minVersion = v
	}
	if deps.RequestsPerMinute > 0 {
		a.perPrincipal = rate.Limit(float64(deps.RequestsPerMinute) / 60)
		if a.burst <= 0 {
			a.burst = deps.RequestsPerMinute
		}
		a.limiters = newLimiterCache()
	}
	if a.loginPerMinute <= 0 {
		a.loginPerMinute = 20
	}
	return a, nil
}

func (a *HTTPAPI) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", a.handleLiveness)
	mux.HandleFunc("GET /readyz", a.handleReadiness)
	mux.Handle("GET /metrics", promhttp.Handler())

	credLimit := a.credentialLimit(a.loginPerMinute)
	mux.Handle("POST /api/v1/auth/login", credLimit(http.HandlerFunc(a.handleLogin)))
	mux.Handle("POST /api/v1/auth/refresh", credLimit(http.HandlerFunc(a.handleRefresh)))
	mux.Handle("POST /api/v1/auth/logout", credLimit(http.HandlerFunc(a.handleLogout)))

	user, provider := shared.RoleUser, shared.RoleProvider

	mux.Handle("POST /api/v1/requests", a.requireAuth(a.handleCreateRequest, user))
	mux.Handle("GET /api/v1/requests", a.requireAuth(a.handleListRequests, provider))
	mux.Handle("GET /api/v1/requests/{id}", a.requireAuth(a.handleRequestStatus))
	mux.Handle("POST /api/v1/requests/{id}/accept", a.requireAuth(a.handleAcceptRequest, provider))
	mux.Handle("POST /api/v1/requests/{id}/reject", a.requireAuth(a.handleRejectRequest, provider))
	mux.Handle("POST /api/v1/requests/{id}/cancel", a.requireAuth(a.handleCancelRequest, user))

	mux.Handle("POST /api/v1/queue", a.requireAuth(a.handleJoinQueue, user))
	mux.Handle("GET /api/v1/queue/status", a.requireAuth(a.handleQueueStatus, user))
	mux.Handle("POST /api/v1/queue/connect", a.requireAuth(a.handleConnect, provider))
	mux.Handle("GET /api/v1/queue/entries/{id}", a.requireAuth(a.handleGetEntry))
	mux.Handle("DELETE /api/v1/queue/entries/{id}", a.requireAuth(a.handleLeaveQueue, user))
	mux.Handle("POST /api/v1/queue/entries/{id}/skip", a.requireAuth(a.handleSkipEntry, provider))
	mux.Handle("GET /api/v1/queue/{providerId}", a.requireAuth(a.handleListQueue, provider))

	mux.Handle("GET /api/v1/sessions/{id}", a.requireAuth(a.handleGetSession))
	mux.Handle("POST /api/v1/sessions/{id}/end", a.requireAuth(a.handleEndSession))

	mux.Handle("POST /api/v1/availability/toggle", a.requireAuth(a.handleToggle, provider))
	mux.Handle("POST /api/v1/availability/heartbeat", a.requireAuth(a.handleHeartbeat, provider))
	mux.Handle("POST /api/v1/availability/rates", a.requireAuth(a.handleSetRates, provider))
	mux.Handle("GET /api/v1/availability/{providerId}", a.requireAuth(a.handleGetAvailability))

	mux.Handle("GET /api/v1/wallet", a.requireAuth(a.handleWallet))
	mux.Handle("POST /api/v1/wallet/credit", a.requireAuth(a.handleCredit, user))

	mux.Handle("GET /api/v1/audit", a.requireAuth(a.handleAudit))

	if a.hub != nil {
		mux.HandleFunc("GET /ws", a.hub.ServeWS)
	}

	return a.withCorrelation(a.withAccessLog(a.withVersionGate(mux)))
}

type apiResponse struct {
	Data interface{} `json:"data"`
	Meta *apiMeta    `json:"meta,omitempty"`
}

type apiMeta struct {
	Total int `json:"total"`
}

type apiError struct {
	Error  string `json:"error"`
	Code   string `json:"code"`
	Reason string `json:"reason,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeData(w http.ResponseWriter, status int, data interface{}) {
	writeJSON(w, status, apiResponse{Data: data})
}

func writeList(w http.ResponseWriter, data interface{}, total int) {
	writeJSON(w, http.StatusOK, apiResponse{Data: data, Meta: &apiMeta{Total: total}})
}

// writeError renders a typed error. Untyped errors are reported as SERVER_ERROR
// without their cause.
func writeError(w http.ResponseWriter, err error) {
	var typed *shared.Error
	if !errors.As(err, &typed) {
		typed = shared.Server("internal error", err)
	}
	message := typed.Message
	if message == "" {
		message = string(typed.Code)
	}

	status := shared.HTTPStatus(typed.Code)
	switch typed.Reason {
	case shared.ReasonForbidden:
		status = http.StatusForbidden
	case shared.ReasonClientOutdated:
		status = http.StatusUpgradeRequired
	}
	writeJSON(w, status, apiError{Error: message, Code: string(typed.Code), Reason: typed.Reason})
}

func decodeBody(r *http.Request, target interface{}) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return shared.Validation("INVALID_BODY", "failed to read request body")
	}
	if len(body) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, target); err != nil {
		return shared.Validation("INVALID_BODY", fmt.Sprintf("invalid JSON body: %v", err))
	}
	return nil
}

func principalOf(r *http.Request) shared.Principal {
	p, _ := shared.PrincipalFrom(r.Context())
	return p
}

// optionalKind parses a kind that may be omitted.
func optionalKind(raw string) (shared.Kind, error) {
	if raw == "" {
		return "", nil
	}
	return shared.ParseKind(raw)
}

func (a *HTTPAPI) handleLiveness(w http.ResponseWriter, r *http.Request) {
	if a.health == nil {
		writeJSON(w, http.StatusOK, map[string]string{"status": "alive"})
		return
	}
	writeJSON(w, http.StatusOK, a.health.CheckLiveness(r.Context()))
}

func (a *HTTPAPI) handleReadiness(w http.ResponseWriter, r *http.Request) {
	if a.health == nil {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
		return
	}
	result := a.health.CheckReadiness(r.Context())
	statusCode := http.StatusOK
	if result.Status != HealthHealthy {
		statusCode = http.StatusServiceUnavailable
	}
	writeJSON(w, statusCode, result)
}

type loginBody struct {
	PrincipalID string `json:"principal_id"`
	Role        string `json:"role"`
	Secret      string `json:"secret"`
}

type refreshBody struct {
	RefreshToken string `json:"refresh_token"`
}

func (a *HTTPAPI) handleLogin(w http.ResponseWriter, r *http.Request) {
	var body loginBody
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}
	role, err := shared.ParseRole(body.Role)
	if err != nil {
		writeError(w, err)
		return
	}
	pair, err := a.tokens.Login(r.Context(), body.PrincipalID, role, body.Secret)
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, pair)
}

func (a *HTTPAPI) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var body refreshBody
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}
	pair, err := a.tokens.Refresh(r.Context(), body.RefreshToken)
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, pair)
}

func (a *HTTPAPI) handleLogout(w http.ResponseWriter, r *http.Request) {
	var body refreshBody
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}
	if err := a.tokens.Logout(r.Context(), body.RefreshToken); err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, map[string]bool{"logged_out": true})
}

type targetBody struct {
	ProviderID string `json:"provider_id"`
	Kind       string `json:"kind"`
}

func (a *HTTPAPI) handleCreateRequest(w http.ResponseWriter, r *http.Request) {
	var body targetBody
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}
	kind, err := shared.ParseKind(body.Kind)
	if err != nil {
		writeError(w, err)
		return
	}
	req, err := a.requests.Create(r.Context(), principalOf(r).ID, body.ProviderID, kind)
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusCreated, req)
}

func (a *HTTPAPI) handleListRequests(w http.ResponseWriter, r *http.Request) {
	pending := a.requests.ListPending(principalOf(r).ID)
	if pending == nil {
		pending = []Request{}
	}
	writeList(w, pending, len(pending))
}

func (a *HTTPAPI) handleRequestStatus(w http.ResponseWriter, r *http.Request) {
	view, err := a.requests.Status(principalOf(r).ID, r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, view)
}

func (a *HTTPAPI) handleAcceptRequest(w http.ResponseWriter, r *http.Request) {
	result, err := a.requests.Accept(r.Context(), principalOf(r).ID, r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, result)
}

func (a *HTTPAPI) handleRejectRequest(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Reason string `json:"reason"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}
	req, err := a.requests.Reject(r.Context(), principalOf(r).ID, r.PathValue("id"), body.Reason)
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, req)
}

func (a *HTTPAPI) handleCancelRequest(w http.ResponseWriter, r *http.Request) {
	req, err := a.requests.Cancel(r.Context(), principalOf(r).ID, r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, req)
}

func (a *HTTPAPI) handleJoinQueue(w http.ResponseWriter, r *http.Request) {
	var body targetBody
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}
	kind, err := shared.ParseKind(body.Kind)
	if err != nil {
		writeError(w, err)
		return
	}
	entry, err := a.queue.Join(r.Context(), principalOf(r).ID, body.ProviderID, kind)
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusCreated, entry)
}

func (a *HTTPAPI) handleLeaveQueue(w http.ResponseWriter, r *http.Request) {
	entry, err := a.queue.Leave(r.Context(), principalOf(r).ID, r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, entry)
}

func (a *HTTPAPI) handleQueueStatus(w http.ResponseWriter, r *http.Request) {
	providerID := r.URL.Query().Get("provider_id")
	if providerID == "" {
		writeError(w, shared.Validation("MISSING_PROVIDER", "provider_id is required"))
		return
	}
	kind, err := optionalKind(r.URL.Query().Get("kind"))
	if err != nil {
		writeError(w, err)
		return
	}
	status, err := a.queue.Status(principalOf(r).ID, providerID, kind)
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, status)
}

func (a *HTTPAPI) handleListQueue(w http.ResponseWriter, r *http.Request) {
	providerID := r.PathValue("providerId")
	if providerID != principalOf(r).ID {
		writeError(w, shared.Auth(shared.ReasonForbidden, "providers may only list their own queue"))
		return
	}
	kind, err := optionalKind(r.URL.Query().Get("kind"))
	if err != nil {
		writeError(w, err)
		return
	}
	entries := a.queue.List(providerID, kind)
	writeList(w, entries, len(entries))
}

func (a *HTTPAPI) handleGetEntry(w http.ResponseWriter, r *http.Request) {
	entry, err := a.queue.Get(principalOf(r).ID, r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, entry)
}

func (a *HTTPAPI) handleConnect(w http.ResponseWriter, r *http.Request) {
	var body struct {
		EntryID string `json:"entry_id"`
		Kind    string `json:"kind"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}
	kind, err := optionalKind(body.Kind)
	if err != nil {
		writeError(w, err)
		return
	}
	result, err := a.queue.Connect(r.Context(), principalOf(r).ID, body.EntryID, kind)
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, result)
}

func (a *HTTPAPI) handleSkipEntry(w http.ResponseWriter, r *http.Request) {
	entry, err := a.queue.Skip(r.Context(), principalOf(r).ID, r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, entry)
}

func (a *HTTPAPI) handleGetSession(w http.ResponseWriter, r *http.Request) {
	view, err := a.sessions.Get(principalOf(r).ID, r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, view)
}

func (a *HTTPAPI) handleEndSession(w http.ResponseWriter, r *http.Request) {
	result, err := a.sessions.End(r.Context(), principalOf(r).ID, r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, result)
}

func (a *HTTPAPI) handleToggle(w http.ResponseWriter, r *http.Request) {
	var body ToggleInput
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}
	view, err := a.avail.Toggle(r.Context(), principalOf(r).ID, body)
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, view)
}

func (a *HTTPAPI) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	view, err := a.avail.Heartbeat(r.Context(), principalOf(r).ID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, view)
}

func (a *HTTPAPI) handleSetRates(w http.ResponseWriter, r *http.Request) {
	var body Rates
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}
	view, err := a.avail.SetRates(r.Context(), principalOf(r).ID, body)
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, view)
}

func (a *HTTPAPI) handleGetAvailability(w http.ResponseWriter, r *http.Request) {
	view, err := a.avail.Get(r.PathValue("providerId"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, view)
}

func (a *HTTPAPI) handleWallet(w http.ResponseWriter, r *http.Request) {
	wallet, err := a.ledger.Wallet(r.Context(), principalOf(r).ID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, wallet)
}

func (a *HTTPAPI) handleCredit(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Amount int64  `json:"amount"`
		Memo   string `json:"memo"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}
	if body.Memo == "" {
		body.Memo = "credit"
	}
	principal := principalOf(r)
	wallet, err := a.ledger.Credit(r.Context(), principal.ID, body.Amount, body.Memo)
	a.audit.Log(r.Context(), principal.ID, "wallet.credit", principal.ID, map[string]interface{}{"amount": body.Amount}, err)
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, wallet)
}

// handleAudit lists the caller's own audit trail, optionally filtered by action.
func (a *HTTPAPI) handleAudit(w http.ResponseWriter, r *http.Request) {
	if a.audit == nil {
		writeList(w, []AuditEntry{}, 0)
		return
	}
	limit := parseIntParam(r.URL.Query().Get("limit"), 50)
	principal := principalOf(r)

	var (
		entries []AuditEntry
		err     error
	)
	if action := r.URL.Query().Get("action"); action != "" {
		entries, err = a.audit.QueryByAction(action, limit)
		filtered := entries[:0]
		for _, e := range entries {
			if e.Actor == principal.ID {
				filtered = append(filtered, e)
			}
		}
		entries = filtered
	} else {
		entries, err = a.audit.QueryByActor(principal.ID, limit)
	}
	if err != nil {
		writeError(w, shared.Server("query audit log", err))
		return
	}
	if entries == nil {
		entries = []AuditEntry{}
	}
	writeList(w, entries, len(entries))
}

func parseIntParam(s string, defaultVal int) int {
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil || v <= 0 {
		return defaultVal
	}
	return v
}
