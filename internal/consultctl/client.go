package consultctl

import (
	"context"
	"net/url"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/seers-hq/consultd/internal/config"
	"github.com/seers-hq/consultd/internal/shared"
	"github.com/seers-hq/consultd/internal/transport"
)

// Client is the typed SDK over the broker API. Every call goes through one
// transport.Gateway, so expired credentials are refreshed once and replayed.
type Client struct {
	cfg     *config.ClientConfig
	gateway *transport.Gateway
	logger  *zap.Logger
	dialer  *websocket.Dialer
}

// New builds a client with an HTTP endpoint. The refresh token is kept in
// cfg.CredentialFile when set, in memory otherwise.
func New(cfg *config.ClientConfig, clientVersion string, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	endpoint := transport.NewHTTPEndpoint(cfg.ServerURL, clientVersion, cfg.RequestTimeout())

	var store transport.RefreshStore = transport.NewMemoryStore()
	if cfg.CredentialFile != "" {
		store = transport.NewFileTokenStore(cfg.CredentialFile)
	}

	gw := transport.NewGateway(endpoint, store, transport.Options{
		Logger:         logger.Named("gateway"),
		RefreshTimeout: cfg.RefreshTimeout(),
		MaxReadRetries: cfg.MaxReadRetries,
	})
	return NewWithGateway(cfg, gw, logger)
}

// NewWithGateway wraps an existing gateway.
func NewWithGateway(cfg *config.ClientConfig, gw *transport.Gateway, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		cfg:     cfg,
		gateway: gw,
		logger:  logger,
		dialer:  websocket.DefaultDialer,
	}
}

func (c *Client) Login(ctx context.Context, principalID string, role shared.Role, secret string) (transport.Credential, error) {
	return c.gateway.Login(ctx, transport.LoginRequest{
		PrincipalID: principalID,
		Role:        string(role),
		Secret:      secret,
	})
}

// Resume picks up a refresh token stored by an earlier Login.
func (c *Client) Resume() (bool, error) {
	return c.gateway.Resume()
}

func (c *Client) Logout(ctx context.Context) error {
	return c.gateway.Logout(ctx)
}

// OnLogout registers fn to run when the session can no longer be refreshed.
func (c *Client) OnLogout(fn func(error)) {
	c.gateway.OnLogout(fn)
}

func (c *Client) PrincipalID() string {
	return c.gateway.PrincipalID()
}

func (c *Client) Stats() transport.Stats {
	return c.gateway.Stats()
}

// Close waits for background refresh work to finish.
func (c *Client) Close() {
	c.gateway.Close()
}

func (c *Client) get(ctx context.Context, path string, query url.Values, target interface{}) error {
	resp, err := c.gateway.Call(ctx, transport.Get(path, query))
	if err != nil {
		return err
	}
	return resp.Decode(target)
}

// mutate sends a non-idempotent call with a fresh Idempotency-Key so a replay after
// refresh cannot apply twice.
func (c *Client) mutate(ctx context.Context, method, path string, body, target interface{}) error {
	call := transport.Call{
		Method:         method,
		Path:           path,
		Body:           body,
		IdempotencyKey: uuid.NewString(),
	}
	resp, err := c.gateway.Call(ctx, call)
	if err != nil {
		return err
	}
	return resp.Decode(target)
}
