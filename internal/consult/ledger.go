package consult

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/seers-hq/consultd/internal/shared"
	"github.com/seers-hq/consultd/internal/storage"
)

// Settlement is the charge of record for one session.
type Settlement struct {
	SessionID   string      `json:"session_id"`
	RequesterID string      `json:"requester_id"`
	ProviderID  string      `json:"provider_id"`
	Kind        shared.Kind `json:"kind"`
	DurationMs  int64       `json:"duration_ms"`
	TotalCost   int64       `json:"total_cost"`
	SettledAt   time.Time   `json:"settled_at"`
}

// Wallet is a principal's spendable balance in minor currency units.
type Wallet struct {
	OwnerID   string    `json:"owner_id"`
	Balance   int64     `json:"balance"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Ledger owns wallets and the settlement table. Settle is idempotent by session id and
// is the source of truth for whether a session has already been charged.
type Ledger struct {
	db     *sql.DB
	clock  Clock
	logger *zap.Logger
}

func NewLedger(db *sql.DB, clock Clock, logger *zap.Logger) *Ledger {
	if logger == nil {
		logger = zap.NewNop()
	}
	if clock == nil {
		clock = SystemClock()
	}
	return &Ledger{db: db, clock: clock, logger: logger}
}

// Settle records s and moves its cost from the requester to the provider in one
// transaction. When the session was already settled the stored settlement is returned
// with alreadySettled set and no wallet is touched.
func (l *Ledger) Settle(ctx context.Context, s Settlement) (Settlement, bool, error) {
	if s.SessionID == "" {
		return Settlement{}, false, fmt.Errorf("settle: missing session_id")
	}
	if s.TotalCost < 0 {
		return Settlement{}, false, fmt.Errorf("settle session %s: negative cost %d", s.SessionID, s.TotalCost)
	}
	if s.SettledAt.IsZero() {
		s.SettledAt = l.clock.Now().UTC()
	}

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return Settlement{}, false, fmt.Errorf("settle session %s: begin: %w", s.SessionID, err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO settlements (session_id, requester_id, provider_id, kind, duration_ms, total_cost, settled_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id) DO NOTHING
	`, s.SessionID, s.RequesterID, s.ProviderID, string(s.Kind), s.DurationMs, s.TotalCost, storage.FormatTime(s.SettledAt))
	if err != nil {
		return Settlement{}, false, fmt.Errorf("settle session %s: insert: %w", s.SessionID, err)
	}

	inserted, err := res.RowsAffected()
	if err != nil {
		return Settlement{}, false, fmt.Errorf("settle session %s: rows affected: %w", s.SessionID, err)
	}
	if inserted == 0 {
		existing, err := scanSettlement(tx.QueryRowContext(ctx, settlementSelect+` WHERE session_id = ?`, s.SessionID))
		if err != nil {
			return Settlement{}, false, fmt.Errorf("settle session %s: read existing: %w", s.SessionID, err)
		}
		return existing, true, nil
	}

	if s.TotalCost > 0 {
		memo := "session " + s.SessionID
		if err := adjustWallet(ctx, tx, s.RequesterID, -s.TotalCost, s.SessionID, memo, s.SettledAt); err != nil {
			return Settlement{}, false, fmt.Errorf("settle session %s: debit: %w", s.SessionID, err)
		}
		if err := adjustWallet(ctx, tx, s.ProviderID, s.TotalCost, s.SessionID, memo, s.SettledAt); err != nil {
			return Settlement{}, false, fmt.Errorf("settle session %s: credit: %w", s.SessionID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return Settlement{}, false, fmt.Errorf("settle session %s: commit: %w", s.SessionID, err)
	}

	l.logger.Info("session settled",
		zap.String("session_id", s.SessionID),
		zap.Int64("duration_ms", s.DurationMs),
		zap.Int64("total_cost", s.TotalCost),
	)
	return s, false, nil
}

// Lookup returns the stored settlement for sessionID, if any.
func (l *Ledger) Lookup(ctx context.Context, sessionID string) (Settlement, bool, error) {
	s, err := scanSettlement(l.db.QueryRowContext(ctx, settlementSelect+` WHERE session_id = ?`, sessionID))
	if errors.Is(err, sql.ErrNoRows) {
		return Settlement{}, false, nil
	}
	if err != nil {
		return Settlement{}, false, fmt.Errorf("lookup settlement %s: %w", sessionID, err)
	}
	return s, true, nil
}

// Balance returns the owner's balance; unknown owners have zero.
func (l *Ledger) Balance(ctx context.Context, ownerID string) (int64, error) {
	w, err := l.Wallet(ctx, ownerID)
	if err != nil {
		return 0, err
	}
	return w.Balance, nil
}

func (l *Ledger) Wallet(ctx context.Context, ownerID string) (Wallet, error) {
	var (
		balance   int64
		updatedAt string
	)
	err := l.db.QueryRowContext(ctx, `SELECT balance, updated_at FROM wallets WHERE owner_id = ?`, ownerID).Scan(&balance, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Wallet{OwnerID: ownerID}, nil
	}
	if err != nil {
		return Wallet{}, fmt.Errorf("read wallet %s: %w", ownerID, err)
	}

	ts, err := storage.ParseTime(updatedAt)
	if err != nil {
		return Wallet{}, fmt.Errorf("parse wallet %s updated_at: %w", ownerID, err)
	}
	return Wallet{OwnerID: ownerID, Balance: balance, UpdatedAt: ts}, nil
}

// Credit tops up a wallet.
func (l *Ledger) Credit(ctx context.Context, ownerID string, amount int64, memo string) (Wallet, error) {
	if amount <= 0 {
		return Wallet{}, shared.Validation("INVALID_AMOUNT", "amount must be positive")
	}

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return Wallet{}, fmt.Errorf("credit wallet %s: begin: %w", ownerID, err)
	}
	defer tx.Rollback()

	if err := adjustWallet(ctx, tx, ownerID, amount, "", memo, l.clock.Now()); err != nil {
		return Wallet{}, fmt.Errorf("credit wallet %s: %w", ownerID, err)
	}
	if err := tx.Commit(); err != nil {
		return Wallet{}, fmt.Errorf("credit wallet %s: commit: %w", ownerID, err)
	}
	return l.Wallet(ctx, ownerID)
}

// EnsureAffordable fails with InsufficientBalance unless the owner holds at least need.
func (l *Ledger) EnsureAffordable(ctx context.Context, ownerID string, need int64) (int64, error) {
	balance, err := l.Balance(ctx, ownerID)
	if err != nil {
		return 0, shared.Server("wallet unavailable", err)
	}
	if balance < need {
		return balance, shared.InsufficientBalance(fmt.Sprintf("balance %d below required minimum %d", balance, need))
	}
	return balance, nil
}

// Charges counts the debit entries recorded for a session.
func (l *Ledger) Charges(ctx context.Context, sessionID string) (int, error) {
	var n int
	err := l.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM ledger_entries WHERE session_id = ? AND delta < 0`, sessionID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count charges for session %s: %w", sessionID, err)
	}
	return n, nil
}

// Ping checks that the settlement table is reachable.
func (l *Ledger) Ping(ctx context.Context) error {
	var n int
	return l.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM settlements WHERE session_id = ''").Scan(&n)
}

func adjustWallet(ctx context.Context, tx *sql.Tx, ownerID string, delta int64, sessionID, memo string, at time.Time) error {
	ts := storage.FormatTime(at)
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO wallets (owner_id, balance, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(owner_id) DO UPDATE SET
			balance = balance + excluded.balance,
			updated_at = excluded.updated_at
	`, ownerID, delta, ts); err != nil {
		return fmt.Errorf("update wallet %s: %w", ownerID, err)
	}

	var session sql.NullString
	if sessionID != "" {
		session = sql.NullString{String: sessionID, Valid: true}
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO ledger_entries (id, owner_id, session_id, delta, memo, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, uuid.NewString(), ownerID, session, delta, memo, ts); err != nil {
		return fmt.Errorf("insert ledger entry for %s: %w", ownerID, err)
	}
	return nil
}

const settlementSelect = `SELECT session_id, requester_id, provider_id, kind, duration_ms, total_cost, settled_at FROM settlements`

func scanSettlement(row *sql.Row) (Settlement, error) {
	var (
		s         Settlement
		kind      string
		settledAt string
	)
	if err := row.Scan(&s.SessionID, &s.RequesterID, &s.ProviderID, &kind, &s.DurationMs, &s.TotalCost, &settledAt); err != nil {
		return Settlement{}, err
	}
	s.Kind = shared.Kind(kind)

	ts, err := storage.ParseTime(settledAt)
	if err != nil {
		return Settlement{}, fmt.Errorf("parse settled_at for session %s: %w", s.SessionID, err)
	}
	s.SettledAt = ts
	return s, nil
}
