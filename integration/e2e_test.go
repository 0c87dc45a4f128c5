package integration

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/seers-hq/consultd/internal/consultctl"
	"github.com/seers-hq/consultd/internal/shared"
)

func TestRequestToSettlementLifecycle(t *testing.T) {
	h := newBrokerHarness(t)
	ctx := context.Background()
	provider := h.provider(t, "prov-e2e", consultctl.RatesJSON{Chat: 10, Call: 20, Video: 30})
	user := h.user(t, "user-e2e", 500)

	req, err := user.CreateRequest(ctx, "prov-e2e", shared.KindCall)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	accepted, err := provider.AcceptRequest(ctx, req.ID)
	if err != nil {
		t.Fatalf("accept: %v", err)
	}

	view, err := user.Availability(ctx, "prov-e2e")
	if err != nil {
		t.Fatalf("availability: %v", err)
	}
	if !view.Live {
		t.Fatalf("provider should still be live during the session")
	}

	if _, err := user.CreateRequest(ctx, "prov-e2e", shared.KindChat); shared.CodeOf(err) != shared.CodeNotAvailable {
		t.Fatalf("expected provider busy, got %v", err)
	}

	result, err := provider.EndSession(ctx, accepted.Session.ID)
	if err != nil {
		t.Fatalf("end: %v", err)
	}
	// per-minute ceiling bills the first started minute.
	if result.TotalCost != 20 {
		t.Fatalf("expected call cost 20, got %d", result.TotalCost)
	}

	userWallet, err := user.Wallet(ctx)
	if err != nil {
		t.Fatalf("user wallet: %v", err)
	}
	providerWallet, err := provider.Wallet(ctx)
	if err != nil {
		t.Fatalf("provider wallet: %v", err)
	}
	if userWallet.Balance != 480 || providerWallet.Balance != 20 {
		t.Fatalf("expected balances 480/20, got %d/%d", userWallet.Balance, providerWallet.Balance)
	}
}

func TestQueueHandOffAfterSessionEnds(t *testing.T) {
	h := newBrokerHarness(t)
	ctx := context.Background()
	provider := h.provider(t, "prov-q", consultctl.RatesJSON{Chat: 10, Call: 20, Video: 30})
	direct := h.user(t, "user-direct", 200)
	waiting := h.user(t, "user-waiting", 200)

	req, err := direct.CreateRequest(ctx, "prov-q", shared.KindChat)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	accepted, err := provider.AcceptRequest(ctx, req.ID)
	if err != nil {
		t.Fatalf("accept: %v", err)
	}

	entry, err := waiting.JoinQueue(ctx, "prov-q", shared.KindChat)
	if err != nil {
		t.Fatalf("join: %v", err)
	}

	notified := make(chan *consultctl.QueueEntryJSON, 1)
	go func() {
		watchCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		e, err := waiting.WatchQueue(watchCtx, entry.ID)
		if err != nil {
			t.Errorf("watch queue: %v", err)
		}
		notified <- e
	}()

	if _, err := direct.EndSession(ctx, accepted.Session.ID); err != nil {
		t.Fatalf("end: %v", err)
	}

	e := <-notified
	if e == nil || e.Status != "notified" {
		t.Fatalf("expected head of queue to be notified, got %+v", e)
	}

	conn, err := provider.Connect(ctx, consultctl.NextEntry, shared.KindChat)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	if conn.Session.RequesterID != "user-waiting" {
		t.Fatalf("expected session with user-waiting, got %s", conn.Session.RequesterID)
	}
}

func TestExpiredAccessTokenRefreshesOnceAcrossConcurrentCalls(t *testing.T) {
	h := newBrokerHarness(t)
	ctx := context.Background()
	provider := h.provider(t, "prov-refresh", consultctl.RatesJSON{Chat: 10})
	user := h.user(t, "user-refresh", 100)

	h.clock.jump(20 * time.Minute)
	// Keep the provider live across the jump.
	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for i := 0; i < 10; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, err := provider.Heartbeat(ctx)
			errs <- err
		}()
		go func() {
			defer wg.Done()
			_, err := user.Wallet(ctx)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("call after expiry: %v", err)
		}
	}

	if got := provider.Stats().Refreshes; got != 1 {
		t.Fatalf("provider refreshed %d times, want 1", got)
	}
	if got := user.Stats().Refreshes; got != 1 {
		t.Fatalf("user refreshed %d times, want 1", got)
	}

	if _, err := user.CreateRequest(ctx, "prov-refresh", shared.KindChat); err != nil {
		t.Fatalf("create after refresh: %v", err)
	}
}
