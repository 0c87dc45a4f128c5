package consult

import (
	"context"
	"testing"

	"go.uber.org/zap"
)

func TestReadinessReportsComponents(t *testing.T) {
	db := setupConsultTestDB(t)
	ledger := NewLedger(db, newFakeClock(), zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	hub := NewHub(ctx, nil, nil, zap.NewNop())
	checker := NewHealthChecker(db, hub, ledger)

	result := checker.CheckReadiness(context.Background())
	if result.Status != HealthDegraded {
		t.Fatalf("expected degraded while the hub is stopped, got %s", result.Status)
	}
	if result.Components["websocket_hub"].Status != StatusUnavailable {
		t.Fatalf("unexpected hub status: %+v", result.Components["websocket_hub"])
	}
	if result.Components["database"].Status != StatusOK || result.Components["ledger"].Status != StatusOK {
		t.Fatalf("expected database and ledger ok: %+v", result.Components)
	}

	db.Close()
	result = checker.CheckReadiness(context.Background())
	if result.Status != HealthUnhealthy {
		t.Fatalf("expected unhealthy with a closed database, got %s", result.Status)
	}
}

func TestLivenessAlwaysHealthy(t *testing.T) {
	checker := NewHealthChecker(nil, nil, nil)
	if got := checker.CheckLiveness(context.Background()).Status; got != HealthHealthy {
		t.Fatalf("expected healthy, got %s", got)
	}
}
