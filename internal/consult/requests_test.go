package consult

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/seers-hq/consultd/internal/shared"
)

func TestRequestAcceptStartsSession(t *testing.T) {
	env := newBrokerEnv(t)
	ctx := context.Background()
	env.goOnline(t, "prov-1", Rates{Chat: 10})
	env.fund(t, "user-1", 100)

	req, err := env.requests.Create(ctx, "user-1", "prov-1", shared.KindChat)
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if req.Status != RequestPending || req.PricePerMinute != 10 {
		t.Fatalf("unexpected request: %+v", req)
	}
	if !req.ExpiresAt.Equal(req.CreatedAt.Add(testRequestTTL)) {
		t.Fatalf("expected expiry after ttl, got %v", req.ExpiresAt.Sub(req.CreatedAt))
	}

	result, err := env.requests.Accept(ctx, "prov-1", req.ID)
	if err != nil {
		t.Fatalf("accept failed: %v", err)
	}
	if result.Request.Status != RequestAccepted || result.Request.SessionID != result.Session.ID {
		t.Fatalf("unexpected accept result: %+v", result)
	}
	if result.Session.SourceID != req.ID || result.Session.Status != SessionActive {
		t.Fatalf("unexpected session: %+v", result.Session)
	}

	again, err := env.requests.Accept(ctx, "prov-1", req.ID)
	if err != nil {
		t.Fatalf("repeat accept failed: %v", err)
	}
	if again.Session.ID != result.Session.ID {
		t.Fatalf("repeat accept started a second session: %s vs %s", again.Session.ID, result.Session.ID)
	}

	status, err := env.requests.Status("user-1", req.ID)
	if err != nil {
		t.Fatalf("status failed: %v", err)
	}
	if status.Session == nil || status.Session.ID != result.Session.ID {
		t.Fatalf("expected status to carry the session, got %+v", status)
	}
	if status.RemainingSeconds != 0 {
		t.Fatalf("expected no remaining time once accepted, got %d", status.RemainingSeconds)
	}

	_, err = env.requests.Status("stranger", req.ID)
	assertCode(t, err, shared.CodeNotFound, "")
}

func TestRequestExpiresAfterTTL(t *testing.T) {
	env := newBrokerEnv(t)
	ctx := context.Background()
	env.goOnline(t, "prov-1", Rates{Chat: 10})
	env.fund(t, "user-1", 100)

	req, err := env.requests.Create(ctx, "user-1", "prov-1", shared.KindChat)
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}

	env.clock.Advance(30 * time.Second)
	status, err := env.requests.Status("user-1", req.ID)
	if err != nil {
		t.Fatalf("status failed: %v", err)
	}
	if status.RemainingSeconds != 30 {
		t.Fatalf("expected 30 seconds remaining, got %d", status.RemainingSeconds)
	}

	env.clock.Advance(30 * time.Second)
	status, err = env.requests.Status("user-1", req.ID)
	if err != nil {
		t.Fatalf("status failed: %v", err)
	}
	if status.Status != string(RequestExpired) {
		t.Fatalf("expected expired, got %s", status.Status)
	}

	_, err = env.requests.Accept(ctx, "prov-1", req.ID)
	assertCode(t, err, shared.CodeConflict, shared.ReasonRequestExpired)
	if env.sessions.ActiveCount() != 0 {
		t.Fatal("expired request must not start a session")
	}
	if env.notify.count(shared.MessageTypeRequestExpired) != 1 {
		t.Fatalf("expected one expiry notification, got %d", env.notify.count(shared.MessageTypeRequestExpired))
	}
}

func TestRequestAcceptAtDeadlineLosesToExpiry(t *testing.T) {
	env := newBrokerEnv(t)
	ctx := context.Background()
	env.goOnline(t, "prov-1", Rates{Chat: 10})
	env.fund(t, "user-1", 100)

	req, err := env.requests.Create(ctx, "user-1", "prov-1", shared.KindChat)
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}

	// The TTL timer has not fired yet, but the deadline has passed.
	env.clock.Set(req.ExpiresAt)
	_, err = env.requests.Accept(ctx, "prov-1", req.ID)
	assertCode(t, err, shared.CodeConflict, shared.ReasonRequestExpired)

	status, _ := env.requests.Status("user-1", req.ID)
	if status.Status != string(RequestExpired) {
		t.Fatalf("expected expired, got %s", status.Status)
	}
	if env.clock.pending() != 0 {
		t.Fatalf("expected ttl timer to be revoked, %d pending", env.clock.pending())
	}
}

func TestRequestRejectAndCancel(t *testing.T) {
	env := newBrokerEnv(t)
	ctx := context.Background()
	env.goOnline(t, "prov-1", Rates{Chat: 10})
	env.fund(t, "user-1", 100)

	req, err := env.requests.Create(ctx, "user-1", "prov-1", shared.KindChat)
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}

	rejected, err := env.requests.Reject(ctx, "prov-1", req.ID, "busy today")
	if err != nil {
		t.Fatalf("reject failed: %v", err)
	}
	if rejected.Status != RequestRejected || rejected.Reason != "busy today" {
		t.Fatalf("unexpected rejected request: %+v", rejected)
	}
	if _, err := env.requests.Reject(ctx, "prov-1", req.ID, ""); err != nil {
		t.Fatalf("repeat reject should be a no-op, got %v", err)
	}

	_, err = env.requests.Cancel(ctx, "user-1", req.ID)
	assertCode(t, err, shared.CodeConflict, shared.ReasonRequestRejected)

	_, err = env.requests.Accept(ctx, "prov-1", req.ID)
	assertCode(t, err, shared.CodeConflict, shared.ReasonRequestRejected)

	// Another provider cannot see the request at all.
	_, err = env.requests.Reject(ctx, "prov-2", req.ID, "")
	assertCode(t, err, shared.CodeNotFound, "")

	second, err := env.requests.Create(ctx, "user-1", "prov-1", shared.KindChat)
	if err != nil {
		t.Fatalf("create after rejection failed: %v", err)
	}
	cancelled, err := env.requests.Cancel(ctx, "user-1", second.ID)
	if err != nil {
		t.Fatalf("cancel failed: %v", err)
	}
	if cancelled.Status != RequestCancelled {
		t.Fatalf("expected cancelled, got %s", cancelled.Status)
	}
	env.clock.Advance(testRequestTTL)
	status, _ := env.requests.Status("user-1", second.ID)
	if status.Status != string(RequestCancelled) {
		t.Fatalf("expiry overwrote cancellation: %s", status.Status)
	}
}

func TestRequestCreateAdmission(t *testing.T) {
	env := newBrokerEnv(t)
	ctx := context.Background()
	env.goOnline(t, "prov-1", Rates{Chat: 10, Call: 10})
	env.fund(t, "user-1", 100)

	_, err := env.requests.Create(ctx, "user-1", "offline", shared.KindChat)
	assertCode(t, err, shared.CodeNotAvailable, shared.ReasonChannelOff)

	_, err = env.requests.Create(ctx, "user-1", "user-1", shared.KindChat)
	assertCode(t, err, shared.CodeValidation, "SELF_REQUEST")

	_, err = env.requests.Create(ctx, "user-1", "prov-1", shared.Kind("fax"))
	assertCode(t, err, shared.CodeValidation, "INVALID_KIND")

	_, err = env.requests.Create(ctx, "broke", "prov-1", shared.KindChat)
	assertCode(t, err, shared.CodeInsufficientBalance, "")

	if _, err := env.requests.Create(ctx, "user-1", "prov-1", shared.KindChat); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	_, err = env.requests.Create(ctx, "user-1", "prov-1", shared.KindCall)
	assertCode(t, err, shared.CodeConflict, shared.ReasonRequestPending)
}

func TestRequestCreateRejectedWhileProviderBusy(t *testing.T) {
	env := newBrokerEnv(t)
	ctx := context.Background()
	env.goOnline(t, "prov-1", Rates{Chat: 10})
	env.fund(t, "user-1", 100)
	env.fund(t, "user-2", 100)

	req, err := env.requests.Create(ctx, "user-1", "prov-1", shared.KindChat)
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if _, err := env.requests.Accept(ctx, "prov-1", req.ID); err != nil {
		t.Fatalf("accept failed: %v", err)
	}

	_, err = env.requests.Create(ctx, "user-2", "prov-1", shared.KindChat)
	assertCode(t, err, shared.CodeNotAvailable, shared.ReasonProviderBusy)

	_, err = env.requests.Create(ctx, "user-1", "prov-1", shared.KindChat)
	assertCode(t, err, shared.CodeNotAvailable, shared.ReasonProviderBusy)
}

func TestRequestAcceptRacesCancel(t *testing.T) {
	for i := 0; i < 20; i++ {
		env := newBrokerEnv(t)
		ctx := context.Background()
		env.goOnline(t, "prov-1", Rates{Chat: 10})
		env.fund(t, "user-1", 100)

		req, err := env.requests.Create(ctx, "user-1", "prov-1", shared.KindChat)
		if err != nil {
			t.Fatalf("create failed: %v", err)
		}

		var wg sync.WaitGroup
		var acceptErr, cancelErr error
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, acceptErr = env.requests.Accept(ctx, "prov-1", req.ID)
		}()
		go func() {
			defer wg.Done()
			_, cancelErr = env.requests.Cancel(ctx, "user-1", req.ID)
		}()
		wg.Wait()

		if (acceptErr == nil) == (cancelErr == nil) {
			t.Fatalf("expected exactly one winner, accept=%v cancel=%v", acceptErr, cancelErr)
		}
		status, _ := env.requests.Status("user-1", req.ID)
		if acceptErr == nil && status.Status != string(RequestAccepted) {
			t.Fatalf("accept won but status is %s", status.Status)
		}
		if cancelErr == nil && (status.Status != string(RequestCancelled) || env.sessions.ActiveCount() != 0) {
			t.Fatalf("cancel won but status is %s with %d sessions", status.Status, env.sessions.ActiveCount())
		}
	}
}

func TestRequestRecoverExpiresPending(t *testing.T) {
	env := newBrokerEnv(t)
	ctx := context.Background()
	env.goOnline(t, "prov-1", Rates{Chat: 10, Call: 10})
	env.fund(t, "user-1", 100)
	env.fund(t, "user-2", 100)

	pending, err := env.requests.Create(ctx, "user-1", "prov-1", shared.KindChat)
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	accepted, err := env.requests.Create(ctx, "user-2", "prov-1", shared.KindCall)
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	result, err := env.requests.Accept(ctx, "prov-1", accepted.ID)
	if err != nil {
		t.Fatalf("accept failed: %v", err)
	}

	restarted := newBrokerEnvWithDB(t, env.db, env.clock)
	if err := restarted.sessions.LoadFromDB(ctx); err != nil {
		t.Fatalf("load sessions failed: %v", err)
	}
	expired, err := restarted.requests.Recover(ctx)
	if err != nil {
		t.Fatalf("recover failed: %v", err)
	}
	if expired != 1 {
		t.Fatalf("expected one expired request, got %d", expired)
	}

	status, err := restarted.requests.Status("user-1", pending.ID)
	if err != nil {
		t.Fatalf("status failed: %v", err)
	}
	if status.Status != string(RequestExpired) {
		t.Fatalf("expected pending request to expire on restart, got %s", status.Status)
	}

	status, err = restarted.requests.Status("user-2", accepted.ID)
	if err != nil {
		t.Fatalf("status failed: %v", err)
	}
	if status.Session == nil || status.Session.ID != result.Session.ID {
		t.Fatalf("expected accepted request to keep its session, got %+v", status)
	}
}

func TestRequestStatusPastDeadlineReadsExpired(t *testing.T) {
	env := newBrokerEnv(t)
	ctx := context.Background()
	env.goOnline(t, "prov-1", Rates{Chat: 10})
	env.fund(t, "user-1", 100)

	req, err := env.requests.Create(ctx, "user-1", "prov-1", shared.KindChat)
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}

	env.clock.Set(req.ExpiresAt.Add(-time.Second))
	status, err := env.requests.Status("user-1", req.ID)
	if err != nil {
		t.Fatalf("status failed: %v", err)
	}
	if status.Status != string(RequestPending) || status.RemainingSeconds != 1 {
		t.Fatalf("expected pending with 1s left, got %s with %ds", status.Status, status.RemainingSeconds)
	}

	// The deadline has passed but the TTL timer has not run.
	env.clock.Set(req.ExpiresAt)
	status, err = env.requests.Status("user-1", req.ID)
	if err != nil {
		t.Fatalf("status failed: %v", err)
	}
	if status.Status != string(RequestExpired) || status.RemainingSeconds != 0 {
		t.Fatalf("expected expired with 0s left, got %s with %ds", status.Status, status.RemainingSeconds)
	}
	_, err = env.requests.Accept(ctx, "prov-1", req.ID)
	assertCode(t, err, shared.CodeConflict, shared.ReasonRequestExpired)
}

func TestRequestEvictedAfterResidencyIsReadFromStore(t *testing.T) {
	env := newBrokerEnv(t)
	ctx := context.Background()
	env.goOnline(t, "prov-1", Rates{Chat: 10})
	env.fund(t, "user-1", 100)
	env.fund(t, "user-2", 100)

	rejected, err := env.requests.Create(ctx, "user-1", "prov-1", shared.KindChat)
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if _, err := env.requests.Reject(ctx, "prov-1", rejected.ID, "not today"); err != nil {
		t.Fatalf("reject failed: %v", err)
	}
	accepted, err := env.requests.Create(ctx, "user-2", "prov-1", shared.KindChat)
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	result, err := env.requests.Accept(ctx, "prov-1", accepted.ID)
	if err != nil {
		t.Fatalf("accept failed: %v", err)
	}
	if _, err := env.sessions.End(ctx, "user-2", result.Session.ID); err != nil {
		t.Fatalf("end failed: %v", err)
	}

	env.clock.Advance(DefaultResidency + time.Minute)
	if n := env.requests.Evict(); n != 2 {
		t.Fatalf("expected two evictions, got %d", n)
	}
	env.sessions.Evict()
	if env.requests.Resident() != 0 || env.sessions.Resident() != 0 {
		t.Fatalf("expected nothing resident, got %d requests and %d sessions",
			env.requests.Resident(), env.sessions.Resident())
	}

	status, err := env.requests.Status("user-1", rejected.ID)
	if err != nil {
		t.Fatalf("status after eviction failed: %v", err)
	}
	if status.Status != string(RequestRejected) || status.Request.Reason != "not today" {
		t.Fatalf("unexpected stored status: %+v", status)
	}
	_, err = env.requests.Status("user-2", rejected.ID)
	assertCode(t, err, shared.CodeNotFound, "")

	if again, err := env.requests.Reject(ctx, "prov-1", rejected.ID, ""); err != nil || again.Status != RequestRejected {
		t.Fatalf("repeat reject should be a no-op, got %+v %v", again, err)
	}
	_, err = env.requests.Cancel(ctx, "user-1", rejected.ID)
	assertCode(t, err, shared.CodeConflict, shared.ReasonRequestRejected)
	_, err = env.requests.Accept(ctx, "prov-1", rejected.ID)
	assertCode(t, err, shared.CodeConflict, shared.ReasonRequestRejected)

	replayed, err := env.requests.Accept(ctx, "prov-1", accepted.ID)
	if err != nil {
		t.Fatalf("repeat accept after eviction failed: %v", err)
	}
	if replayed.Session.ID != result.Session.ID || replayed.Request.SessionID != result.Session.ID {
		t.Fatalf("expected the original session, got %+v", replayed)
	}
	if status, err := env.requests.Status("user-2", accepted.ID); err != nil || status.Session == nil || status.Session.ID != result.Session.ID {
		t.Fatalf("expected stored status with its session, got %+v %v", status, err)
	}
}

func TestRequestRecoverSkipsOldFinishedRequests(t *testing.T) {
	env := newBrokerEnv(t)
	ctx := context.Background()
	env.goOnline(t, "prov-1", Rates{Chat: 10})
	env.fund(t, "user-1", 100)
	env.fund(t, "user-2", 100)

	old, err := env.requests.Create(ctx, "user-1", "prov-1", shared.KindChat)
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if _, err := env.requests.Cancel(ctx, "user-1", old.ID); err != nil {
		t.Fatalf("cancel failed: %v", err)
	}

	env.clock.Advance(DefaultResidency + time.Minute)
	pending, err := env.requests.Create(ctx, "user-2", "prov-1", shared.KindChat)
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}

	restarted := newBrokerEnvWithDB(t, env.db, env.clock)
	if err := restarted.sessions.LoadFromDB(ctx); err != nil {
		t.Fatalf("load sessions failed: %v", err)
	}
	if _, err := restarted.requests.Recover(ctx); err != nil {
		t.Fatalf("recover failed: %v", err)
	}
	if got := restarted.requests.Resident(); got != 1 {
		t.Fatalf("expected only the request expired on restart to load, got %d", got)
	}

	status, err := restarted.requests.Status("user-2", pending.ID)
	if err != nil || status.Status != string(RequestExpired) {
		t.Fatalf("expected the pending request expired by restart, got %+v %v", status, err)
	}
	status, err = restarted.requests.Status("user-1", old.ID)
	if err != nil || status.Status != string(RequestCancelled) {
		t.Fatalf("expected the old request read from the store, got %+v %v", status, err)
	}
}
