package consult

import (
	"context"
	"database/sql"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/seers-hq/consultd/internal/config"
	"github.com/seers-hq/consultd/internal/shared"
	"github.com/seers-hq/consultd/internal/storage"
)

func setupConsultTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := storage.Open(filepath.Join(t.TempDir(), "consult.db"))
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

// fakeClock only moves when told to. Advance fires due timers in deadline order.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

type fakeTimer struct {
	clock   *fakeClock
	at      time.Time
	fn      func()
	stopped bool
	fired   bool
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{clock: c, at: c.now.Add(d), fn: f}
	c.timers = append(c.timers, t)
	return t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	var due []*fakeTimer
	for _, t := range c.timers {
		if !t.stopped && !t.fired && !t.at.After(c.now) {
			t.fired = true
			due = append(due, t)
		}
	}
	c.mu.Unlock()

	sort.SliceStable(due, func(i, j int) bool { return due[i].at.Before(due[j].at) })
	for _, t := range due {
		t.fn()
	}
}

// Set moves the clock without firing timers, for racing a deadline against its timer.
func (c *fakeClock) Set(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = now
}

func (c *fakeClock) pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, t := range c.timers {
		if !t.stopped && !t.fired {
			n++
		}
	}
	return n
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	if t.stopped || t.fired {
		return false
	}
	t.stopped = true
	return true
}

type notification struct {
	principals []string
	msgType    shared.MessageType
	payload    interface{}
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []notification
}

func (n *recordingNotifier) Notify(principalIDs []string, msgType shared.MessageType, payload interface{}) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, notification{principals: append([]string(nil), principalIDs...), msgType: msgType, payload: payload})
}

func (n *recordingNotifier) count(msgType shared.MessageType) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	c := 0
	for _, s := range n.sent {
		if s.msgType == msgType {
			c++
		}
	}
	return c
}

type recordingAlerter struct {
	mu     sync.Mutex
	titles []string
}

func (a *recordingAlerter) Alert(_ context.Context, title, _ string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.titles = append(a.titles, title)
}

func (a *recordingAlerter) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.titles)
}

func testBillingConfig() config.BillingConfig {
	return config.BillingConfig{
		Policies: config.BillingPolicies{
			Chat:  config.BillingExactSecond,
			Call:  config.BillingPerMinuteCeil,
			Video: config.BillingPerMinuteCeil,
		},
		MinimumMinutes: 5,
	}
}

const (
	testRequestTTL = 60 * time.Second
	testQueueTTL   = 30 * time.Minute
	testLiveness   = 90 * time.Second
)

// brokerEnv is a fully wired core over a temp database and a fake clock.
type brokerEnv struct {
	db       *sql.DB
	clock    *fakeClock
	notify   *recordingNotifier
	alerts   *recordingAlerter
	avail    *AvailabilityCoordinator
	ledger   *Ledger
	sessions *SessionManager
	requests *RequestBroker
	queue    *QueueManager
	audit    *AuditLogger
}

func newBrokerEnv(t *testing.T) *brokerEnv {
	t.Helper()
	db := setupConsultTestDB(t)
	return newBrokerEnvWithDB(t, db, newFakeClock())
}

func newBrokerEnvWithDB(t *testing.T, db *sql.DB, clock *fakeClock) *brokerEnv {
	t.Helper()
	logger := zap.NewNop()
	env := &brokerEnv{
		db:     db,
		clock:  clock,
		notify: &recordingNotifier{},
		alerts: &recordingAlerter{},
	}
	parts := NewPartitions()
	billing := NewBillingPolicy(testBillingConfig())

	env.audit = NewAuditLogger(db, clock, logger)
	env.avail = NewAvailabilityCoordinator(db, clock, testLiveness, env.notify, logger)
	env.ledger = NewLedger(db, clock, logger)
	env.sessions = NewSessionManager(SessionManagerDeps{
		DB: db, Clock: clock, Billing: billing, Ledger: env.ledger, Parts: parts,
		Notifier: env.notify, Alerts: env.alerts, Logger: logger,
	})
	env.requests = NewRequestBroker(RequestBrokerDeps{
		DB: db, Clock: clock, TTL: testRequestTTL, Availability: env.avail, Sessions: env.sessions,
		Ledger: env.ledger, Billing: billing, Parts: parts, Notifier: env.notify, Audit: env.audit, Logger: logger,
	})
	env.queue = NewQueueManager(QueueManagerDeps{
		DB: db, Clock: clock, TTL: testQueueTTL, AverageSession: 10 * time.Minute, MaxLength: 50,
		Availability: env.avail, Sessions: env.sessions, Ledger: env.ledger, Billing: billing,
		Parts: parts, Notifier: env.notify, Audit: env.audit, Logger: logger,
	})
	return env
}

// goOnline publishes rates and turns every channel on for providerID.
func (e *brokerEnv) goOnline(t *testing.T, providerID string, rates Rates) {
	t.Helper()
	ctx := context.Background()
	if _, err := e.avail.SetRates(ctx, providerID, rates); err != nil {
		t.Fatalf("set rates: %v", err)
	}
	on := true
	if _, err := e.avail.Toggle(ctx, providerID, ToggleInput{Chat: &on, Call: &on, Video: &on}); err != nil {
		t.Fatalf("toggle on: %v", err)
	}
}

func (e *brokerEnv) fund(t *testing.T, ownerID string, amount int64) {
	t.Helper()
	if _, err := e.ledger.Credit(context.Background(), ownerID, amount, "test funding"); err != nil {
		t.Fatalf("credit %s: %v", ownerID, err)
	}
}

func (e *brokerEnv) balance(t *testing.T, ownerID string) int64 {
	t.Helper()
	b, err := e.ledger.Balance(context.Background(), ownerID)
	if err != nil {
		t.Fatalf("balance %s: %v", ownerID, err)
	}
	return b
}

func assertCode(t *testing.T, err error, code shared.Code, reason string) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected %s/%s error, got nil", code, reason)
	}
	if got := shared.CodeOf(err); got != code {
		t.Fatalf("expected code %s, got %s (%v)", code, got, err)
	}
	if reason != "" {
		if got := shared.ReasonOf(err); got != reason {
			t.Fatalf("expected reason %s, got %s (%v)", reason, got, err)
		}
	}
}
