package consult

import (
	"context"
	"net/http"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/seers-hq/consultd/internal/shared"
)

// TokenVerifier resolves a bearer access token to a principal.
type TokenVerifier interface {
	Verify(token string) (shared.Principal, error)
}

// HeartbeatFunc is invoked when a provider sends a heartbeat over the push channel.
type HeartbeatFunc func(ctx context.Context, providerID string) error

// Hub fans state transitions out to the websocket connections of the
// principals involved. A principal may hold several connections.
type Hub struct {
	clients    map[*ClientConn]struct{}
	principals map[string]map[*ClientConn]struct{}
	register   chan *ClientConn
	unregister chan *ClientConn

	verifier       TokenVerifier
	allowedOrigins []string
	onHeartbeat    HeartbeatFunc

	upgrader websocket.Upgrader
	logger   *zap.Logger
	mu       sync.RWMutex
	ctx      context.Context
	running  bool
}

func NewHub(ctx context.Context, verifier TokenVerifier, allowedOrigins []string, logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &Hub{
		clients:        make(map[*ClientConn]struct{}),
		principals:     make(map[string]map[*ClientConn]struct{}),
		register:       make(chan *ClientConn),
		unregister:     make(chan *ClientConn),
		verifier:       verifier,
		allowedOrigins: allowedOrigins,
		logger:         logger,
		ctx:            ctx,
	}
	h.upgrader = websocket.Upgrader{
		CheckOrigin: h.checkOrigin,
	}
	return h
}

// SetHeartbeatHandler routes provider heartbeats received on the socket.
func (h *Hub) SetHeartbeatHandler(fn HeartbeatFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onHeartbeat = fn
}

func (h *Hub) Run() {
	h.mu.Lock()
	h.running = true
	h.mu.Unlock()

	for {
		select {
		case <-h.ctx.Done():
			h.mu.Lock()
			for conn := range h.clients {
				h.removeLocked(conn)
				conn.conn.Close()
			}
			h.running = false
			h.mu.Unlock()
			GetMetrics().SetActiveConnections(0)
			return

		case conn := <-h.register:
			h.mu.Lock()
			h.clients[conn] = struct{}{}
			set := h.principals[conn.principal.ID]
			if set == nil {
				set = make(map[*ClientConn]struct{})
				h.principals[conn.principal.ID] = set
			}
			set[conn] = struct{}{}
			count := len(h.clients)
			h.mu.Unlock()
			GetMetrics().SetActiveConnections(int64(count))
			h.logger.Info("push client registered",
				zap.String("principal_id", conn.principal.ID),
				zap.String("role", string(conn.principal.Role)),
			)
			conn.push(shared.MessageTypeSubscriptionReady, map[string]string{"principal_id": conn.principal.ID})

		case conn := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[conn]; ok {
				h.removeLocked(conn)
				h.logger.Info("push client unregistered", zap.String("principal_id", conn.principal.ID))
			}
			count := len(h.clients)
			h.mu.Unlock()
			GetMetrics().SetActiveConnections(int64(count))
		}
	}
}

// Notify implements Notifier. Slow clients are dropped rather than blocking the caller.
func (h *Hub) Notify(principalIDs []string, msgType shared.MessageType, payload interface{}) {
	env, err := shared.NewEnvelope(msgType, uuid.NewString(), payload)
	if err != nil {
		h.logger.Warn("failed to build push envelope", zap.String("type", string(msgType)), zap.Error(err))
		return
	}
	data, err := shared.MarshalEnvelope(env)
	if err != nil {
		h.logger.Warn("failed to marshal push envelope", zap.String("type", string(msgType)), zap.Error(err))
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	seen := make(map[string]bool, len(principalIDs))
	for _, id := range principalIDs {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		for conn := range h.principals[id] {
			select {
			case conn.send <- data:
			default:
				h.logger.Warn("dropping slow push client", zap.String("principal_id", id))
				h.removeLocked(conn)
			}
		}
	}
}

// removeLocked drops conn from every index and closes its send channel.
func (h *Hub) removeLocked(conn *ClientConn) {
	if _, ok := h.clients[conn]; !ok {
		return
	}
	delete(h.clients, conn)
	if set := h.principals[conn.principal.ID]; set != nil {
		delete(set, conn)
		if len(set) == 0 {
			delete(h.principals, conn.principal.ID)
		}
	}
	close(conn.send)
}

// ServeWS upgrades an authenticated request. The access token is read from the
// Authorization header or the token query parameter.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	token := ""
	if authHeader := r.Header.Get("Authorization"); strings.HasPrefix(authHeader, "Bearer ") {
		token = strings.TrimPrefix(authHeader, "Bearer ")
	} else {
		token = r.URL.Query().Get("token")
	}
	if token == "" || h.verifier == nil {
		writeError(w, shared.Auth(shared.ReasonTokenInvalid, "missing access token"))
		return
	}
	principal, err := h.verifier.Verify(token)
	if err != nil {
		writeError(w, err)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", zap.Error(err))
		return
	}

	client := newClientConn(h, conn, principal)
	select {
	case h.register <- client:
	case <-h.ctx.Done():
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Running reports whether the dispatch loop is active.
func (h *Hub) Running() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.running
}

func (h *Hub) checkOrigin(r *http.Request) bool {
	if len(h.allowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range h.allowedOrigins {
		if MatchOrigin(origin, allowed) {
			return true
		}
	}
	h.logger.Warn("rejected connection from unauthorized origin", zap.String("origin", origin))
	return false
}

func (h *Hub) heartbeat(principal shared.Principal) {
	h.mu.RLock()
	fn := h.onHeartbeat
	h.mu.RUnlock()
	if fn == nil || principal.Role != shared.RoleProvider {
		return
	}
	if err := fn(h.ctx, principal.ID); err != nil {
		h.logger.Warn("push heartbeat failed", zap.String("provider_id", principal.ID), zap.Error(err))
	}
}
