package transport

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/seers-hq/consultd/internal/shared"
)

// LoginRequest is the bootstrap credential exchange.
type LoginRequest struct {
	PrincipalID string `json:"principal_id"`
	Role        string `json:"role"`
	Secret      string `json:"secret"`
}

// Options tunes a Gateway. Zero values select defaults.
type Options struct {
	Logger         *zap.Logger
	RefreshTimeout time.Duration
	MaxReadRetries int
	NewBackoff     func() *Backoff
}

// Stats counts refresh protocol activity.
type Stats struct {
	Refreshes int64
	Replays   int64
	Logouts   int64
}

type callResult struct {
	resp *Response
	err  error
}

type waiter struct {
	ctx    context.Context
	call   Call
	result chan callResult
}

// Gateway owns one Credential and issues every authenticated call. When calls fail
// with an expired access token exactly one refresh runs; every call that failed or
// arrived meanwhile waits in arrival order and is replayed once with the new token.
type Gateway struct {
	endpoint Endpoint
	store    RefreshStore
	logger   *zap.Logger

	refreshTimeout time.Duration
	maxReadRetries int
	newBackoff     func() *Backoff

	mu         sync.Mutex
	cred       *Credential
	generation uint64
	refreshing bool
	flight     uint64
	waiters    []*waiter
	listeners  []func(error)

	refreshes atomic.Int64
	replays   atomic.Int64
	logouts   atomic.Int64

	wg sync.WaitGroup
}

func NewGateway(endpoint Endpoint, store RefreshStore, opts Options) *Gateway {
	if store == nil {
		store = NewMemoryStore()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.RefreshTimeout <= 0 {
		opts.RefreshTimeout = 15 * time.Second
	}
	if opts.MaxReadRetries < 0 {
		opts.MaxReadRetries = 0
	}
	if opts.NewBackoff == nil {
		opts.NewBackoff = DefaultBackoff
	}

	return &Gateway{
		endpoint:       endpoint,
		store:          store,
		logger:         opts.Logger,
		refreshTimeout: opts.RefreshTimeout,
		maxReadRetries: opts.MaxReadRetries,
		newBackoff:     opts.NewBackoff,
	}
}

// OnLogout registers fn to be told when the credential becomes unrecoverable.
func (g *Gateway) OnLogout(fn func(error)) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.listeners = append(g.listeners, fn)
}

// Login exchanges bootstrap credentials for a fresh Credential. A refresh still
// running for the old Credential is abandoned and its queued calls are replayed
// with the new one.
func (g *Gateway) Login(ctx context.Context, req LoginRequest) (Credential, error) {
	resp, err := g.endpoint.Do(ctx, Post(LoginPath, req), "")
	if err != nil {
		return Credential{}, err
	}
	cred, err := decodeCredential(resp)
	if err != nil {
		return Credential{}, err
	}

	g.mu.Lock()
	g.cred = &cred
	g.generation++
	g.flight++
	g.refreshing = false
	waiters := g.waiters
	g.waiters = nil
	g.mu.Unlock()

	if err := g.store.Save(cred.RefreshToken); err != nil {
		g.logger.Warn("failed to persist refresh token", zap.Error(err))
	}
	g.logger.Info("logged in", zap.String("principal_id", cred.PrincipalID), zap.Int("queued_calls", len(waiters)))
	g.replay(waiters, cred.AccessToken)
	return cred, nil
}

// Resume loads a stored refresh token. The first call afterwards refreshes through the
// normal single-flight path. It reports false when nothing was stored.
func (g *Gateway) Resume() (bool, error) {
	token, err := g.store.Load()
	if err != nil {
		return false, err
	}
	if token == "" {
		return false, nil
	}

	g.mu.Lock()
	g.cred = &Credential{RefreshToken: token}
	g.generation++
	// Queued calls follow the stored token, not a refresh of the replaced one.
	g.refreshing = false
	if len(g.waiters) > 0 {
		g.refreshing = true
		g.flight++
		g.wg.Add(1)
		go g.refresh(token, g.flight)
	}
	g.mu.Unlock()
	return true, nil
}

// Logout revokes the refresh token on the broker (best effort) and destroys the
// local Credential.
func (g *Gateway) Logout(ctx context.Context) error {
	g.mu.Lock()
	cred := g.cred
	g.mu.Unlock()

	var remoteErr error
	if cred != nil && cred.RefreshToken != "" {
		call := Post(LogoutPath, map[string]string{"refresh_token": cred.RefreshToken})
		_, remoteErr = g.endpoint.Do(ctx, call, cred.AccessToken)
		if remoteErr != nil {
			g.logger.Warn("remote logout failed", zap.Error(remoteErr))
		}
	}

	g.invalidate(shared.Auth(shared.ReasonLoggedOut, "logged out"))
	return remoteErr
}

// Authenticated reports whether a Credential is held.
func (g *Gateway) Authenticated() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.cred != nil
}

// PrincipalID returns the identity of the held Credential, if known.
func (g *Gateway) PrincipalID() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.cred == nil {
		return ""
	}
	return g.cred.PrincipalID
}

// AccessToken returns the current access token, or "" while none is held. Long-lived
// connections use it to authenticate outside Call.
func (g *Gateway) AccessToken() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.cred == nil || g.refreshing {
		return ""
	}
	return g.cred.AccessToken
}

func (g *Gateway) Stats() Stats {
	return Stats{
		Refreshes: g.refreshes.Load(),
		Replays:   g.replays.Load(),
		Logouts:   g.logouts.Load(),
	}
}

// Close waits for an in-flight refresh and its replays to finish.
func (g *Gateway) Close() {
	g.wg.Wait()
}

// Call issues call with the current access token. Idempotent reads are additionally
// retried with backoff on server, network and rate-limit failures; mutating calls get
// no retry beyond the single post-refresh replay.
func (g *Gateway) Call(ctx context.Context, call Call) (*Response, error) {
	if !call.Idempotent() {
		return g.callOnce(ctx, call)
	}

	backoff := g.newBackoff()
	for {
		resp, err := g.callOnce(ctx, call)
		if err == nil || !shared.Retryable(err) || backoff.Attempt() >= g.maxReadRetries {
			return resp, err
		}
		if ctx.Err() != nil {
			return nil, err
		}

		g.logger.Debug("retrying read",
			zap.String("path", call.Path),
			zap.Int("attempt", backoff.Attempt()+1),
			zap.Error(err),
		)
		if waitErr := backoff.Wait(ctx); waitErr != nil {
			return nil, err
		}
	}
}

func (g *Gateway) callOnce(ctx context.Context, call Call) (*Response, error) {
	g.mu.Lock()
	if g.cred == nil {
		g.mu.Unlock()
		return nil, shared.Auth(shared.ReasonLoggedOut, "not logged in")
	}
	if !call.Credential() && (g.refreshing || g.cred.AccessToken == "") {
		w := g.enqueueLocked(ctx, call)
		g.mu.Unlock()
		return g.await(ctx, w)
	}
	token, gen := g.cred.AccessToken, g.generation
	g.mu.Unlock()

	resp, err := g.endpoint.Do(ctx, call, token)
	if err == nil || !errors.Is(err, shared.ErrAuth) {
		return resp, err
	}

	if call.Credential() {
		g.invalidate(err)
		return nil, err
	}
	if !needsRefresh(err) {
		return nil, err
	}

	g.mu.Lock()
	if g.cred == nil {
		g.mu.Unlock()
		return nil, shared.Auth(shared.ReasonLoggedOut, "credential cleared")
	}
	if g.generation != gen && !g.refreshing {
		// A refresh completed while this call was in flight.
		token = g.cred.AccessToken
		g.mu.Unlock()
		g.replays.Add(1)
		return g.endpoint.Do(ctx, call, token)
	}
	w := g.enqueueLocked(ctx, call)
	g.mu.Unlock()
	return g.await(ctx, w)
}

// enqueueLocked appends a waiter and starts the refresh if none is running.
// g.mu must be held.
func (g *Gateway) enqueueLocked(ctx context.Context, call Call) *waiter {
	w := &waiter{ctx: ctx, call: call, result: make(chan callResult, 1)}
	g.waiters = append(g.waiters, w)

	if !g.refreshing {
		g.refreshing = true
		g.flight++
		g.wg.Add(1)
		go g.refresh(g.cred.RefreshToken, g.flight)
	}
	return w
}

func (g *Gateway) await(ctx context.Context, w *waiter) (*Response, error) {
	select {
	case r := <-w.result:
		return r.resp, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (g *Gateway) refresh(refreshToken string, flight uint64) {
	defer g.wg.Done()

	g.refreshes.Add(1)
	ctx, cancel := context.WithTimeout(context.Background(), g.refreshTimeout)
	defer cancel()

	cred, err := g.endpoint.Refresh(ctx, refreshToken)
	if err != nil {
		g.logger.Warn("credential refresh failed", zap.Error(err))
		if !g.ownsFlight(flight) {
			return
		}
		g.invalidate(&shared.Error{
			Code:    shared.CodeAuth,
			Reason:  shared.ReasonRefreshFailed,
			Message: "credential refresh failed",
			Err:     err,
		})
		return
	}

	g.mu.Lock()
	if g.cred == nil || !g.refreshing || g.flight != flight {
		// Logged out or logged in again while refreshing; the queued calls were
		// already settled.
		g.mu.Unlock()
		return
	}
	if cred.PrincipalID == "" {
		cred.PrincipalID = g.cred.PrincipalID
	}
	g.cred = &cred
	g.generation++
	waiters := g.waiters
	g.waiters = nil
	g.refreshing = false
	g.mu.Unlock()

	if err := g.store.Save(cred.RefreshToken); err != nil {
		g.logger.Warn("failed to persist refresh token", zap.Error(err))
	}
	g.logger.Info("credential refreshed", zap.Int("queued_calls", len(waiters)))
	g.replay(waiters, cred.AccessToken)
}

// replay reissues queued calls in arrival order. Cancelled ones are not sent.
func (g *Gateway) replay(waiters []*waiter, accessToken string) {
	for _, w := range waiters {
		if err := w.ctx.Err(); err != nil {
			w.result <- callResult{err: err}
			continue
		}
		g.replays.Add(1)
		resp, err := g.endpoint.Do(w.ctx, w.call, accessToken)
		w.result <- callResult{resp: resp, err: err}
	}
}

func (g *Gateway) ownsFlight(flight uint64) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.refreshing && g.flight == flight
}

// invalidate destroys the Credential, fails every queued call with cause and tells
// the logout listeners.
func (g *Gateway) invalidate(cause error) {
	g.mu.Lock()
	hadCredential := g.cred != nil
	g.cred = nil
	g.generation++
	g.refreshing = false
	waiters := g.waiters
	g.waiters = nil
	listeners := append([]func(error){}, g.listeners...)
	g.mu.Unlock()

	if err := g.store.Clear(); err != nil {
		g.logger.Warn("failed to clear refresh token", zap.Error(err))
	}

	for _, w := range waiters {
		w.result <- callResult{err: cause}
	}

	if !hadCredential {
		return
	}
	g.logouts.Add(1)
	g.logger.Info("logout required", zap.Error(cause), zap.Int("failed_calls", len(waiters)))
	for _, fn := range listeners {
		fn(cause)
	}
}

func needsRefresh(err error) bool {
	return errors.Is(err, &shared.Error{Code: shared.CodeAuth, Reason: shared.ReasonTokenExpired}) ||
		errors.Is(err, &shared.Error{Code: shared.CodeAuth, Reason: shared.ReasonTokenInvalid})
}
