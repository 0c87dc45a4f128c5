package integration

import (
	"context"
	"database/sql"
	"net"
	"net/http"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/seers-hq/consultd/internal/config"
	"github.com/seers-hq/consultd/internal/consult"
	"github.com/seers-hq/consultd/internal/consultctl"
	"github.com/seers-hq/consultd/internal/shared"
	"github.com/seers-hq/consultd/internal/storage"
)

const loginSecret = "integration-secret"

// driftClock is wall time plus an offset the test can push forward.
type driftClock struct {
	offset atomic.Int64
}

func (c *driftClock) Now() time.Time {
	return time.Now().Add(time.Duration(c.offset.Load()))
}

func (c *driftClock) AfterFunc(d time.Duration, f func()) consult.Timer {
	return time.AfterFunc(d, f)
}

func (c *driftClock) jump(d time.Duration) {
	c.offset.Add(int64(d))
}

// brokerHarness runs a real broker over a database file that survives restarts.
type brokerHarness struct {
	t      *testing.T
	dbPath string
	clock  *driftClock
	addr   string

	db     *sql.DB
	srv    *consult.Server
	cancel context.CancelFunc
	done   chan error
}

func newBrokerHarness(t *testing.T) *brokerHarness {
	t.Helper()
	h := &brokerHarness{
		t:      t,
		dbPath: filepath.Join(t.TempDir(), "consultd.db"),
		clock:  &driftClock{},
	}
	h.start()
	t.Cleanup(h.stop)
	return h
}

func brokerConfig() *config.BrokerConfig {
	cfg := &config.BrokerConfig{}
	cfg.Database.Path = "unused"
	cfg.Auth.JWTSecret = "integration-jwt-secret-0123456789abcdef"
	cfg.Auth.LoginSecret = loginSecret
	cfg.Auth.AccessTokenTTLSec = 900
	cfg.Auth.RefreshTokenTTLHours = 24
	cfg.Auth.LoginRequestsPerMinute = 1000
	cfg.Requests.TTLSec = 60
	cfg.Queue.TTLSec = 1800
	cfg.Queue.AverageSessionMinutes = 10
	cfg.Queue.MaxLength = 50
	cfg.Availability.LivenessWindowSec = 90
	cfg.Availability.SweepIntervalSec = 15
	cfg.Billing = config.BillingConfig{
		Policies: config.BillingPolicies{
			Chat:  config.BillingExactSecond,
			Call:  config.BillingPerMinuteCeil,
			Video: config.BillingPerMinuteCeil,
		},
		MinimumMinutes: 5,
	}
	cfg.RateLimit.RequestsPerMinute = 6000
	cfg.RateLimit.Burst = 500
	cfg.Audit.Enabled = true
	cfg.Audit.RetentionDays = 30
	return cfg
}

// start boots a broker on the harness database. After a restart it listens on
// the same address so existing clients keep working.
func (h *brokerHarness) start() {
	h.t.Helper()
	db, err := storage.Open(h.dbPath)
	if err != nil {
		h.t.Fatalf("open db: %v", err)
	}
	srv, err := consult.NewServer(brokerConfig(), db, h.clock, zap.NewNop())
	if err != nil {
		h.t.Fatalf("new server: %v", err)
	}

	addr := h.addr
	if addr == "" {
		addr = "127.0.0.1:0"
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		h.t.Fatalf("listen %s: %v", addr, err)
	}
	h.addr = ln.Addr().String()

	ctx, cancel := context.WithCancel(context.Background())
	h.db, h.srv, h.cancel = db, srv, cancel
	h.done = make(chan error, 1)
	go func() { h.done <- srv.Run(ctx, ln) }()

	waitFor(h.t, 3*time.Second, func() bool {
		resp, err := http.Get(h.baseURL() + "/readyz")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, "broker ready")
}

func (h *brokerHarness) stop() {
	if h.cancel == nil {
		return
	}
	h.cancel()
	if err := <-h.done; err != nil {
		h.t.Errorf("broker run: %v", err)
	}
	h.db.Close()
	h.cancel = nil
}

func (h *brokerHarness) restart() {
	h.t.Helper()
	h.stop()
	h.start()
}

func (h *brokerHarness) baseURL() string {
	return "http://" + h.addr
}

func (h *brokerHarness) newClient(t *testing.T, credentialFile string) *consultctl.Client {
	t.Helper()
	cfg := &config.ClientConfig{
		ServerURL:         h.baseURL(),
		CredentialFile:    credentialFile,
		RequestTimeoutSec: 5,
		RefreshTimeoutSec: 5,
		MaxReadRetries:    2,
		PollIntervalSec:   1,
	}
	c := consultctl.New(cfg, "1.0.0", zap.NewNop())
	t.Cleanup(c.Close)
	return c
}

func (h *brokerHarness) login(t *testing.T, principalID string, role shared.Role) *consultctl.Client {
	t.Helper()
	c := h.newClient(t, filepath.Join(t.TempDir(), principalID+".cred"))
	if _, err := c.Login(context.Background(), principalID, role, loginSecret); err != nil {
		t.Fatalf("login %s: %v", principalID, err)
	}
	return c
}

func (h *brokerHarness) provider(t *testing.T, providerID string, rates consultctl.RatesJSON) *consultctl.Client {
	t.Helper()
	ctx := context.Background()
	p := h.login(t, providerID, shared.RoleProvider)
	if _, err := p.SetRates(ctx, rates); err != nil {
		t.Fatalf("set rates: %v", err)
	}
	on := true
	if _, err := p.Toggle(ctx, consultctl.ToggleJSON{Chat: &on, Call: &on, Video: &on}); err != nil {
		t.Fatalf("toggle: %v", err)
	}
	return p
}

func (h *brokerHarness) user(t *testing.T, userID string, balance int64) *consultctl.Client {
	t.Helper()
	u := h.login(t, userID, shared.RoleUser)
	if balance > 0 {
		if _, err := u.Credit(context.Background(), balance, "integration funding"); err != nil {
			t.Fatalf("credit %s: %v", userID, err)
		}
	}
	return u
}

func waitFor(t *testing.T, timeout time.Duration, fn func() bool, label string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if fn() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("timeout waiting for %s", label)
}
