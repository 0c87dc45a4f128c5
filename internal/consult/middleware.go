package consult

import (
	"bytes"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	semver "github.com/Masterminds/semver/v3"
	"github.com/go-chi/httprate"
	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/seers-hq/consultd/internal/shared"
	"github.com/seers-hq/consultd/internal/transport"
)

const (
	idempotencyCacheSize = 4096
	limiterCacheSize     = 8192
)

// statusRecorder captures what a handler wrote so it can be logged and replayed.
type statusRecorder struct {
	http.ResponseWriter
	status int
	code   string
	body   bytes.Buffer
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	r.body.Write(b)
	return r.ResponseWriter.Write(b)
}

// withCorrelation attaches the caller's X-Request-ID (or a fresh one) to the
// context and echoes it back.
func (a *HTTPAPI) withCorrelation(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(shared.CorrelationHeader)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(shared.CorrelationHeader, id)
		ctx := shared.WithCorrelationID(r.Context(), id)
		ctx = withAuditMeta(ctx, clientIP(r), time.Now())
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// withAccessLog records latency and outcome per route pattern.
func (a *HTTPAPI) withAccessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w}
		next.ServeHTTP(rec, r)

		route := r.Pattern
		if route == "" {
			route = "unmatched"
		}
		status := rec.status
		if status == 0 {
			status = http.StatusOK
		}
		a.metrics.RecordHTTP(route, fmt.Sprintf("%d", status), time.Since(start))
		if status >= http.StatusInternalServerError {
			shared.LogWithContext(r.Context(), a.logger, "http request failed",
				zap.String("route", route),
				zap.Int("status", status),
				zap.Duration("duration", time.Since(start)),
			)
		} else {
			a.logger.Debug("http request",
				zap.String("route", route),
				zap.Int("status", status),
				zap.Duration("duration", time.Since(start)),
			)
		}
	})
}

// withVersionGate rejects clients older than the configured minimum with 426.
// Requests without X-Client-Version are let through.
func (a *HTTPAPI) withVersionGate(next http.Handler) http.Handler {
	if a.minVersion == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := r.Header.Get(transport.ClientVersionHeader)
		if raw == "" {
			next.ServeHTTP(w, r)
			return
		}
		v, err := semver.NewVersion(raw)
		if err != nil {
			writeError(w, shared.Validation("INVALID_CLIENT_VERSION", fmt.Sprintf("invalid client version %q", raw)))
			return
		}
		if v.LessThan(a.minVersion) {
			writeError(w, shared.Validation(shared.ReasonClientOutdated,
				fmt.Sprintf("client %s is older than the minimum supported %s", v, a.minVersion)))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// requireAuth verifies the bearer token and, when roles are given, the principal's role.
func (a *HTTPAPI) requireAuth(next http.HandlerFunc, roles ...shared.Role) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := ""
		if authHeader := r.Header.Get("Authorization"); strings.HasPrefix(authHeader, "Bearer ") {
			token = strings.TrimPrefix(authHeader, "Bearer ")
		}
		if token == "" {
			writeError(w, shared.Auth(shared.ReasonTokenInvalid, "missing access token"))
			return
		}

		principal, err := a.tokens.Verify(token)
		if err != nil {
			writeError(w, err)
			return
		}
		if len(roles) > 0 && !hasRole(principal.Role, roles) {
			writeError(w, shared.Auth(shared.ReasonForbidden, fmt.Sprintf("role %s may not call this endpoint", principal.Role)))
			return
		}

		if !a.allow(principal.ID) {
			writeError(w, shared.RateLimited("too many requests"))
			return
		}

		ctx := shared.WithPrincipal(r.Context(), principal)
		a.withIdempotency(next).ServeHTTP(w, r.WithContext(ctx))
	})
}

func hasRole(role shared.Role, allowed []shared.Role) bool {
	for _, r := range allowed {
		if r == role {
			return true
		}
	}
	return false
}

// allow applies the per-principal token bucket.
func (a *HTTPAPI) allow(principalID string) bool {
	if a.limiters == nil {
		return true
	}
	limiter, ok := a.limiters.Get(principalID)
	if !ok {
		limiter = rate.NewLimiter(a.perPrincipal, a.burst)
		if existing, found, _ := a.limiters.PeekOrAdd(principalID, limiter); found {
			limiter = existing
		}
	}
	return limiter.Allow()
}

// credentialLimit guards the unauthenticated auth endpoints per client IP.
func (a *HTTPAPI) credentialLimit(perMinute int) func(http.Handler) http.Handler {
	return httprate.Limit(
		perMinute,
		time.Minute,
		httprate.WithKeyFuncs(httprate.KeyByIP),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Retry-After", "60")
			writeError(w, shared.RateLimited("too many credential requests"))
		}),
	)
}

type cachedResponse struct {
	status int
	header http.Header
	body   []byte
}

// keyLocks serializes requests that share an idempotency key. A key's mutex lives only
// while someone holds or waits for it.
type keyLocks struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

func (k *keyLocks) lock(key string) func() {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*keyLock)
	}
	l, ok := k.locks[key]
	if !ok {
		l = &keyLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}

func (k *keyLocks) held() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}

// withIdempotency replays the first response for a repeated Idempotency-Key on
// mutating calls. Keys are scoped to the principal and route. A repeat that arrives
// while the first is still running waits for it and then replays.
func (a *HTTPAPI) withIdempotency(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get(transport.IdempotencyKeyHeader)
		if key == "" || r.Method == http.MethodGet || a.idempotency == nil {
			next.ServeHTTP(w, r)
			return
		}
		principal, _ := shared.PrincipalFrom(r.Context())
		cacheKey := principal.ID + " " + r.Method + " " + r.URL.Path + " " + key

		unlock := a.inflight.lock(cacheKey)
		defer unlock()

		if cached, ok := a.idempotency.Get(cacheKey); ok {
			for k, vals := range cached.header {
				for _, v := range vals {
					w.Header().Add(k, v)
				}
			}
			w.Header().Set("Idempotent-Replayed", "true")
			w.WriteHeader(cached.status)
			w.Write(cached.body)
			return
		}

		rec := &statusRecorder{ResponseWriter: w}
		next.ServeHTTP(rec, r)
		if rec.status == 0 || rec.status >= http.StatusInternalServerError || rec.status == http.StatusTooManyRequests {
			return
		}
		a.idempotency.Add(cacheKey, cachedResponse{
			status: rec.status,
			header: http.Header{"Content-Type": []string{w.Header().Get("Content-Type")}},
			body:   append([]byte(nil), rec.body.Bytes()...),
		})
	})
}

func newIdempotencyCache() *lru.Cache[string, cachedResponse] {
	cache, err := lru.New[string, cachedResponse](idempotencyCacheSize)
	if err != nil {
		return nil
	}
	return cache
}

func newLimiterCache() *lru.Cache[string, *rate.Limiter] {
	cache, err := lru.New[string, *rate.Limiter](limiterCacheSize)
	if err != nil {
		return nil
	}
	return cache
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
