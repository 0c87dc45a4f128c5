package consult

import (
	"context"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/seers-hq/consultd/internal/shared"
)

func startSession(t *testing.T, env *brokerEnv, requesterID, providerID string, kind shared.Kind) Session {
	t.Helper()
	ctx := context.Background()
	req, err := env.requests.Create(ctx, requesterID, providerID, kind)
	if err != nil {
		t.Fatalf("create request: %v", err)
	}
	result, err := env.requests.Accept(ctx, providerID, req.ID)
	if err != nil {
		t.Fatalf("accept request: %v", err)
	}
	return result.Session
}

func TestSessionChatBilledByTheSecond(t *testing.T) {
	env := newBrokerEnv(t)
	env.goOnline(t, "prov-1", Rates{Chat: 10})
	env.fund(t, "user-1", 100)

	session := startSession(t, env, "user-1", "prov-1", shared.KindChat)
	env.clock.Advance(120 * time.Second)

	result, err := env.sessions.End(context.Background(), "user-1", session.ID)
	if err != nil {
		t.Fatalf("end failed: %v", err)
	}
	if result.TotalCost != 20 || result.DurationSeconds != 120 || result.AlreadyProcessed {
		t.Fatalf("unexpected end result: %+v", result)
	}
	if got := env.balance(t, "user-1"); got != 80 {
		t.Fatalf("expected requester balance 80, got %d", got)
	}
	if got := env.balance(t, "prov-1"); got != 20 {
		t.Fatalf("expected provider balance 20, got %d", got)
	}
	if env.sessions.ActiveCount() != 0 {
		t.Fatal("expected no open sessions")
	}
}

func TestSessionCallRoundsUpStartedMinute(t *testing.T) {
	env := newBrokerEnv(t)
	env.goOnline(t, "prov-1", Rates{Call: 10})
	env.fund(t, "user-1", 100)

	session := startSession(t, env, "user-1", "prov-1", shared.KindCall)
	env.clock.Advance(61 * time.Second)

	result, err := env.sessions.End(context.Background(), "prov-1", session.ID)
	if err != nil {
		t.Fatalf("end failed: %v", err)
	}
	if result.TotalCost != 20 {
		t.Fatalf("expected 2 started minutes at 10, got %d", result.TotalCost)
	}
}

func TestSessionConcurrentEndSettlesOnce(t *testing.T) {
	env := newBrokerEnv(t)
	env.goOnline(t, "prov-1", Rates{Chat: 10})
	env.fund(t, "user-1", 100)

	session := startSession(t, env, "user-1", "prov-1", shared.KindChat)
	env.clock.Advance(90 * time.Second)

	const callers = 8
	var wg sync.WaitGroup
	results := make([]EndResult, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			principal := "user-1"
			if i%2 == 1 {
				principal = "prov-1"
			}
			results[i], errs[i] = env.sessions.End(context.Background(), principal, session.ID)
		}(i)
	}
	wg.Wait()

	fresh := 0
	for i := range results {
		if errs[i] != nil {
			t.Fatalf("end %d failed: %v", i, errs[i])
		}
		if results[i].TotalCost != 15 {
			t.Fatalf("end %d reported cost %d", i, results[i].TotalCost)
		}
		if !results[i].AlreadyProcessed {
			fresh++
		}
	}
	if fresh != 1 {
		t.Fatalf("expected exactly one fresh settlement, got %d", fresh)
	}

	charges, err := env.ledger.Charges(context.Background(), session.ID)
	if err != nil {
		t.Fatalf("charges failed: %v", err)
	}
	if charges != 1 {
		t.Fatalf("expected one charge, got %d", charges)
	}
	if got := env.balance(t, "user-1"); got != 85 {
		t.Fatalf("expected balance 85, got %d", got)
	}
	if n := env.notify.count(shared.MessageTypeSessionEnded); n < 1 {
		t.Fatal("expected a session ended notification")
	}
}

func TestSessionEndsWhenBalanceRunsOut(t *testing.T) {
	env := newBrokerEnv(t)
	env.goOnline(t, "prov-1", Rates{Chat: 10})
	env.fund(t, "user-1", 60)

	session := startSession(t, env, "user-1", "prov-1", shared.KindChat)
	env.clock.Advance(359 * time.Second)
	if env.sessions.ActiveCount() != 1 {
		t.Fatal("session ended before the balance ran out")
	}

	env.clock.Advance(time.Second)
	view, err := env.sessions.Get("user-1", session.ID)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if view.Status != SessionEnded || view.EndReason != EndBalanceExhausted {
		t.Fatalf("expected balance exhausted end, got %+v", view.Session)
	}
	if view.TotalCost != 60 {
		t.Fatalf("expected cost 60, got %d", view.TotalCost)
	}
	if got := env.balance(t, "user-1"); got != 0 {
		t.Fatalf("expected empty wallet, got %d", got)
	}

	again, err := env.sessions.End(context.Background(), "user-1", session.ID)
	if err != nil {
		t.Fatalf("end after cap failed: %v", err)
	}
	if !again.AlreadyProcessed || again.TotalCost != 60 {
		t.Fatalf("expected replayed settlement, got %+v", again)
	}
}

func TestSessionEndBeforeCapRevokesTimer(t *testing.T) {
	env := newBrokerEnv(t)
	env.goOnline(t, "prov-1", Rates{Chat: 10})
	env.fund(t, "user-1", 100)

	session := startSession(t, env, "user-1", "prov-1", shared.KindChat)
	if _, err := env.sessions.End(context.Background(), "user-1", session.ID); err != nil {
		t.Fatalf("end failed: %v", err)
	}
	if env.clock.pending() != 0 {
		t.Fatalf("expected balance cap timer to be revoked, %d pending", env.clock.pending())
	}
}

func TestSessionVisibleOnlyToParticipants(t *testing.T) {
	env := newBrokerEnv(t)
	env.goOnline(t, "prov-1", Rates{Chat: 10})
	env.fund(t, "user-1", 100)

	session := startSession(t, env, "user-1", "prov-1", shared.KindChat)

	_, err := env.sessions.Get("intruder", session.ID)
	assertCode(t, err, shared.CodeNotFound, "")
	_, err = env.sessions.End(context.Background(), "intruder", session.ID)
	assertCode(t, err, shared.CodeNotFound, "")
	if env.sessions.ActiveCount() != 1 {
		t.Fatal("a non-participant must not end the session")
	}
}

func TestSessionLiveCost(t *testing.T) {
	env := newBrokerEnv(t)
	env.goOnline(t, "prov-1", Rates{Chat: 10})
	env.fund(t, "user-1", 100)

	session := startSession(t, env, "user-1", "prov-1", shared.KindChat)
	env.clock.Advance(30 * time.Second)

	view, err := env.sessions.Get("prov-1", session.ID)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if view.ElapsedSeconds != 30 || math.Abs(view.LiveCost-5) > 1e-9 {
		t.Fatalf("unexpected live view: elapsed=%v cost=%v", view.ElapsedSeconds, view.LiveCost)
	}
}

func TestSessionLoadTakesLedgerSettlement(t *testing.T) {
	env := newBrokerEnv(t)
	ctx := context.Background()
	env.goOnline(t, "prov-1", Rates{Chat: 10})
	env.fund(t, "user-1", 100)

	session := startSession(t, env, "user-1", "prov-1", shared.KindChat)

	// Settled in the ledger, but the process died before the session row was updated.
	if _, _, err := env.ledger.Settle(ctx, Settlement{
		SessionID:   session.ID,
		RequesterID: "user-1",
		ProviderID:  "prov-1",
		Kind:        shared.KindChat,
		DurationMs:  60000,
		TotalCost:   10,
	}); err != nil {
		t.Fatalf("settle failed: %v", err)
	}

	restarted := newBrokerEnvWithDB(t, env.db, env.clock)
	if err := restarted.sessions.LoadFromDB(ctx); err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if restarted.sessions.ActiveCount() != 0 {
		t.Fatal("ledger-settled session must not reopen")
	}

	result, err := restarted.sessions.End(ctx, "user-1", session.ID)
	if err != nil {
		t.Fatalf("end failed: %v", err)
	}
	if !result.AlreadyProcessed || result.TotalCost != 10 || result.DurationMs != 60000 {
		t.Fatalf("expected ledger values, got %+v", result)
	}
	if got := restarted.balance(t, "user-1"); got != 90 {
		t.Fatalf("expected a single debit, balance %d", got)
	}
}

func TestSessionLoadReopensUnsettled(t *testing.T) {
	env := newBrokerEnv(t)
	ctx := context.Background()
	env.goOnline(t, "prov-1", Rates{Chat: 10})
	env.fund(t, "user-1", 100)

	session := startSession(t, env, "user-1", "prov-1", shared.KindChat)
	env.clock.Set(env.clock.Now().Add(60 * time.Second))

	restarted := newBrokerEnvWithDB(t, env.db, env.clock)
	if err := restarted.sessions.LoadFromDB(ctx); err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if !restarted.sessions.ProviderBusy("prov-1") {
		t.Fatal("expected the unsettled session to keep the provider busy")
	}

	result, err := restarted.sessions.End(ctx, "prov-1", session.ID)
	if err != nil {
		t.Fatalf("end failed: %v", err)
	}
	if result.AlreadyProcessed || result.TotalCost != 10 {
		t.Fatalf("expected a fresh settlement of 10, got %+v", result)
	}
}

func TestSessionCallCapFiringLateNeverOverdraws(t *testing.T) {
	env := newBrokerEnv(t)
	env.goOnline(t, "prov-1", Rates{Call: 10})
	env.fund(t, "user-1", 50)

	session := startSession(t, env, "user-1", "prov-1", shared.KindCall)
	// The cap is due at 5m; a late timer lands inside the sixth started minute.
	env.clock.Advance(5*time.Minute + time.Millisecond)

	view, err := env.sessions.Get("user-1", session.ID)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if view.Status != SessionEnded || view.EndReason != EndBalanceExhausted {
		t.Fatalf("expected balance exhausted end, got %+v", view.Session)
	}
	if view.TotalCost != 50 {
		t.Fatalf("expected cost capped at 50, got %d", view.TotalCost)
	}
	if got := env.balance(t, "user-1"); got != 0 {
		t.Fatalf("expected empty wallet, got %d", got)
	}
	if got := env.balance(t, "prov-1"); got != 50 {
		t.Fatalf("expected provider credited 50, got %d", got)
	}
}

func TestSessionLateParticipantEndIsCapped(t *testing.T) {
	env := newBrokerEnv(t)
	env.goOnline(t, "prov-1", Rates{Call: 10})
	env.fund(t, "user-1", 50)

	session := startSession(t, env, "user-1", "prov-1", shared.KindCall)
	// Past the deadline but the cap timer has not run yet.
	env.clock.Set(env.clock.Now().Add(5*time.Minute + 2*time.Second))

	result, err := env.sessions.End(context.Background(), "user-1", session.ID)
	if err != nil {
		t.Fatalf("end failed: %v", err)
	}
	if result.TotalCost != 50 {
		t.Fatalf("expected cost capped at 50, got %d", result.TotalCost)
	}
	if got := env.balance(t, "user-1"); got != 0 {
		t.Fatalf("expected empty wallet, got %d", got)
	}
}

func TestSessionOpenBudgetIsNotSpendableTwice(t *testing.T) {
	env := newBrokerEnv(t)
	ctx := context.Background()
	env.goOnline(t, "prov-1", Rates{Chat: 10})
	env.goOnline(t, "prov-2", Rates{Chat: 10})
	env.fund(t, "user-1", 100)

	first := startSession(t, env, "user-1", "prov-1", shared.KindChat)

	second, err := env.requests.Create(ctx, "user-1", "prov-2", shared.KindChat)
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	_, err = env.requests.Accept(ctx, "prov-2", second.ID)
	assertCode(t, err, shared.CodeInsufficientBalance, "")
	if env.sessions.ActiveCount() != 1 {
		t.Fatalf("expected only the first session open, got %d", env.sessions.ActiveCount())
	}

	env.clock.Advance(30 * time.Second)
	if _, err := env.sessions.End(ctx, "user-1", first.ID); err != nil {
		t.Fatalf("end failed: %v", err)
	}
	if got := env.balance(t, "user-1"); got != 95 {
		t.Fatalf("expected balance 95 after the first session, got %d", got)
	}

	result, err := env.requests.Accept(ctx, "prov-2", second.ID)
	if err != nil {
		t.Fatalf("accept after the first session ended failed: %v", err)
	}

	env.clock.Advance(20 * time.Minute)
	view, err := env.sessions.Get("user-1", result.Session.ID)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if view.Status != SessionEnded || view.EndReason != EndBalanceExhausted || view.TotalCost != 95 {
		t.Fatalf("expected the second session to spend exactly 95, got %+v", view.Session)
	}
	if got := env.balance(t, "user-1"); got != 0 {
		t.Fatalf("wallet must never go negative, got %d", got)
	}
}

func TestSessionConcurrentStartsForOneRequesterHoldOneBudget(t *testing.T) {
	env := newBrokerEnv(t)
	ctx := context.Background()
	providers := []string{"prov-1", "prov-2", "prov-3", "prov-4"}
	env.fund(t, "user-1", 100)

	var reqs []Request
	for _, p := range providers {
		env.goOnline(t, p, Rates{Chat: 10})
		req, err := env.requests.Create(ctx, "user-1", p, shared.KindChat)
		if err != nil {
			t.Fatalf("create to %s failed: %v", p, err)
		}
		reqs = append(reqs, req)
	}

	var wg sync.WaitGroup
	errs := make([]error, len(reqs))
	for i, req := range reqs {
		wg.Add(1)
		go func(i int, req Request) {
			defer wg.Done()
			_, errs[i] = env.requests.Accept(ctx, req.ProviderID, req.ID)
		}(i, req)
	}
	wg.Wait()

	started := 0
	for _, err := range errs {
		if err == nil {
			started++
		} else if shared.CodeOf(err) != shared.CodeInsufficientBalance {
			t.Fatalf("unexpected accept error: %v", err)
		}
	}
	if started != 1 {
		t.Fatalf("expected exactly one session to start, got %d", started)
	}

	env.clock.Advance(time.Hour)
	if got := env.balance(t, "user-1"); got != 0 {
		t.Fatalf("expected the single session to spend the wallet exactly, got %d", got)
	}
}

func TestSessionEvictedAfterResidencyIsReadFromStore(t *testing.T) {
	env := newBrokerEnv(t)
	ctx := context.Background()
	env.goOnline(t, "prov-1", Rates{Chat: 10})
	env.fund(t, "user-1", 100)

	session := startSession(t, env, "user-1", "prov-1", shared.KindChat)
	env.clock.Advance(60 * time.Second)
	if _, err := env.sessions.End(ctx, "user-1", session.ID); err != nil {
		t.Fatalf("end failed: %v", err)
	}
	if n := env.sessions.Evict(); n != 0 {
		t.Fatalf("a just-ended session must stay resident, evicted %d", n)
	}

	env.clock.Advance(DefaultResidency + time.Minute)
	if n := env.sessions.Evict(); n != 1 {
		t.Fatalf("expected one eviction, got %d", n)
	}
	if env.sessions.Resident() != 0 {
		t.Fatalf("expected no resident sessions, got %d", env.sessions.Resident())
	}

	view, err := env.sessions.Get("user-1", session.ID)
	if err != nil {
		t.Fatalf("get after eviction failed: %v", err)
	}
	if view.Status != SessionEnded || view.TotalCost != 10 || view.ElapsedSeconds != 60 {
		t.Fatalf("unexpected stored view: %+v", view)
	}
	_, err = env.sessions.Get("intruder", session.ID)
	assertCode(t, err, shared.CodeNotFound, "")

	again, err := env.sessions.End(ctx, "prov-1", session.ID)
	if err != nil {
		t.Fatalf("end after eviction failed: %v", err)
	}
	if !again.AlreadyProcessed || again.TotalCost != 10 {
		t.Fatalf("expected replayed settlement, got %+v", again)
	}
	if got := env.balance(t, "user-1"); got != 90 {
		t.Fatalf("expected a single debit, balance %d", got)
	}
	if bySource, ok := env.sessions.BySource(ctx, session.SourceID); !ok || bySource.ID != session.ID {
		t.Fatalf("expected source lookup to read the store, got %+v %v", bySource, ok)
	}

	restarted := newBrokerEnvWithDB(t, env.db, env.clock)
	if err := restarted.sessions.LoadFromDB(ctx); err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if restarted.sessions.Resident() != 0 {
		t.Fatalf("expected old settled sessions to stay on disk, loaded %d", restarted.sessions.Resident())
	}
}
