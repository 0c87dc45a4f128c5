package consult

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/seers-hq/consultd/internal/shared"
)

func TestAvailabilityChannelsAreIndependent(t *testing.T) {
	env := newBrokerEnv(t)
	ctx := context.Background()
	on, off := true, false

	if _, err := env.avail.SetRates(ctx, "prov-1", Rates{Chat: 10, Call: 20, Video: 30}); err != nil {
		t.Fatalf("set rates failed: %v", err)
	}
	view, err := env.avail.Toggle(ctx, "prov-1", ToggleInput{Chat: &on, Video: &on})
	if err != nil {
		t.Fatalf("toggle failed: %v", err)
	}
	if !view.Effective["chat"] || view.Effective["call"] || !view.Effective["video"] {
		t.Fatalf("unexpected effective flags: %+v", view.Effective)
	}

	view, err = env.avail.Toggle(ctx, "prov-1", ToggleInput{Video: &off})
	if err != nil {
		t.Fatalf("toggle video off failed: %v", err)
	}
	if !view.ChatOn || view.VideoOn {
		t.Fatalf("toggling video touched chat: %+v", view.AvailabilityRecord)
	}

	price, err := env.avail.Admit("prov-1", shared.KindChat)
	if err != nil {
		t.Fatalf("admit chat failed: %v", err)
	}
	if price != 10 {
		t.Fatalf("expected chat price 10, got %d", price)
	}
	_, err = env.avail.Admit("prov-1", shared.KindCall)
	assertCode(t, err, shared.CodeNotAvailable, shared.ReasonChannelOff)

	_, err = env.avail.Toggle(ctx, "prov-1", ToggleInput{})
	assertCode(t, err, shared.CodeValidation, "EMPTY_TOGGLE")

	_, err = env.avail.SetRates(ctx, "prov-1", Rates{Chat: -1})
	assertCode(t, err, shared.CodeValidation, "INVALID_RATE")
}

func TestAvailabilityStaleHeartbeatBlocksAdmission(t *testing.T) {
	env := newBrokerEnv(t)
	ctx := context.Background()
	env.goOnline(t, "prov-1", Rates{Chat: 10})

	env.clock.Advance(testLiveness - time.Second)
	if _, err := env.avail.Admit("prov-1", shared.KindChat); err != nil {
		t.Fatalf("expected provider live inside window: %v", err)
	}

	env.clock.Advance(2 * time.Second)
	_, err := env.avail.Admit("prov-1", shared.KindChat)
	assertCode(t, err, shared.CodeNotAvailable, shared.ReasonStaleHeartbeat)

	view, err := env.avail.Get("prov-1")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if view.Live || view.Effective["chat"] {
		t.Fatalf("expected stale provider to be offline, got %+v", view)
	}
	if !view.ChatOn {
		t.Fatal("stale heartbeat must not clear the stored flag")
	}

	if _, err := env.avail.Heartbeat(ctx, "prov-1"); err != nil {
		t.Fatalf("heartbeat failed: %v", err)
	}
	if _, err := env.avail.Admit("prov-1", shared.KindChat); err != nil {
		t.Fatalf("expected heartbeat to restore admission: %v", err)
	}
}

func TestAvailabilitySweepAnnouncesLapseOnce(t *testing.T) {
	env := newBrokerEnv(t)
	env.goOnline(t, "prov-1", Rates{Chat: 10})
	env.goOnline(t, "prov-2", Rates{Chat: 10})

	if lapsed := env.avail.Sweep(); lapsed != 0 {
		t.Fatalf("expected no lapses while live, got %d", lapsed)
	}

	env.clock.Advance(testLiveness + time.Second)
	if _, err := env.avail.Heartbeat(context.Background(), "prov-2"); err != nil {
		t.Fatalf("heartbeat failed: %v", err)
	}

	before := env.notify.count(shared.MessageTypeAvailability)
	if lapsed := env.avail.Sweep(); lapsed != 1 {
		t.Fatalf("expected one lapse, got %d", lapsed)
	}
	if lapsed := env.avail.Sweep(); lapsed != 0 {
		t.Fatalf("expected lapse to be announced once, got %d", lapsed)
	}
	if got := env.notify.count(shared.MessageTypeAvailability) - before; got != 1 {
		t.Fatalf("expected one availability notification from sweep, got %d", got)
	}
}

func TestAvailabilityGetUnknownProvider(t *testing.T) {
	env := newBrokerEnv(t)
	_, err := env.avail.Get("ghost")
	assertCode(t, err, shared.CodeNotFound, "")

	_, err = env.avail.Admit("ghost", shared.KindChat)
	assertCode(t, err, shared.CodeNotAvailable, shared.ReasonChannelOff)
}

func TestAvailabilityPersistReload(t *testing.T) {
	env := newBrokerEnv(t)
	env.goOnline(t, "prov-1", Rates{Chat: 10, Call: 20, Video: 30})

	reloaded := NewAvailabilityCoordinator(env.db, env.clock, testLiveness, nil, zap.NewNop())
	if err := reloaded.LoadFromDB(context.Background()); err != nil {
		t.Fatalf("load failed: %v", err)
	}
	view, err := reloaded.Get("prov-1")
	if err != nil {
		t.Fatalf("get after reload failed: %v", err)
	}
	if !view.Live || view.Rates.Video != 30 || !view.CallOn {
		t.Fatalf("unexpected reloaded view: %+v", view)
	}
	if reloaded.RecoveryErrorCount() != 0 {
		t.Fatalf("expected no corrupted rows, got %d", reloaded.RecoveryErrorCount())
	}
}
