package consult

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/seers-hq/consultd/internal/storage"
)

type AuditEntry struct {
	ID         string    `json:"id"`
	Timestamp  time.Time `json:"timestamp"`
	Actor      string    `json:"actor"`
	Action     string    `json:"action"`
	Target     string    `json:"target"`
	Args       string    `json:"args"`
	Result     string    `json:"result"`
	Error      string    `json:"error,omitempty"`
	DurationMs int       `json:"duration_ms"`
	IPAddress  string    `json:"ip_address,omitempty"`
}

type auditContextKey struct{}

type auditMeta struct {
	ip      string
	started time.Time
}

// withAuditMeta records the client address and request start for audit entries.
func withAuditMeta(ctx context.Context, ip string, started time.Time) context.Context {
	return context.WithValue(ctx, auditContextKey{}, auditMeta{ip: ip, started: started})
}

// AuditLogger writes state-changing actions to audit_log. A nil logger records nothing.
type AuditLogger struct {
	db     *sql.DB
	clock  Clock
	logger *zap.Logger
}

func NewAuditLogger(db *sql.DB, clock Clock, logger *zap.Logger) *AuditLogger {
	if logger == nil {
		logger = zap.NewNop()
	}
	if clock == nil {
		clock = SystemClock()
	}
	return &AuditLogger{db: db, clock: clock, logger: logger}
}

func (a *AuditLogger) Log(ctx context.Context, actor, action, target string, args map[string]interface{}, actionErr error) {
	if a == nil || a.db == nil {
		return
	}

	now := a.clock.Now().UTC()
	entry := AuditEntry{
		ID:        uuid.NewString(),
		Timestamp: now,
		Actor:     actor,
		Action:    action,
		Target:    target,
		Args:      SanitizeArgs(args),
		Result:    "success",
	}
	if entry.Target == "" {
		entry.Target = "unknown"
	}
	if actionErr != nil {
		entry.Result = "failure"
		entry.Error = actionErr.Error()
	}
	if meta, ok := ctx.Value(auditContextKey{}).(auditMeta); ok {
		entry.IPAddress = meta.ip
		if !meta.started.IsZero() {
			entry.DurationMs = int(now.Sub(meta.started).Milliseconds())
		}
	}

	if err := a.insertEntry(entry); err != nil {
		a.logger.Warn("failed to write audit log entry",
			zap.String("action", entry.Action),
			zap.Error(err),
		)
	}
}

func (a *AuditLogger) insertEntry(entry AuditEntry) error {
	_, err := a.db.Exec(`
		INSERT INTO audit_log (id, timestamp, actor, action, target, args, result, error, duration_ms, ip_address)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, entry.ID, storage.FormatTime(entry.Timestamp), entry.Actor, entry.Action,
		entry.Target, entry.Args, entry.Result, entry.Error, entry.DurationMs, entry.IPAddress)
	return err
}

func (a *AuditLogger) QueryByActor(actor string, limit int) ([]AuditEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	return a.queryEntries(auditSelect+" WHERE actor = ? ORDER BY timestamp DESC LIMIT ?", actor, limit)
}

func (a *AuditLogger) QueryByAction(action string, limit int) ([]AuditEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	return a.queryEntries(auditSelect+" WHERE action = ? ORDER BY timestamp DESC LIMIT ?", action, limit)
}

// PurgeOlderThan drops entries past the retention window.
func (a *AuditLogger) PurgeOlderThan(retentionDays int) (int64, error) {
	if a == nil || a.db == nil {
		return 0, nil
	}
	cutoff := storage.FormatTime(a.clock.Now().AddDate(0, 0, -retentionDays))
	result, err := a.db.Exec("DELETE FROM audit_log WHERE timestamp < ?", cutoff)
	if err != nil {
		return 0, fmt.Errorf("purge audit log: %w", err)
	}
	return result.RowsAffected()
}

const auditSelect = "SELECT id, timestamp, actor, action, target, args, result, error, duration_ms, ip_address FROM audit_log"

func (a *AuditLogger) queryEntries(query string, args ...interface{}) ([]AuditEntry, error) {
	rows, err := a.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []AuditEntry
	for rows.Next() {
		var e AuditEntry
		var ts string
		var errStr, argsStr, ipAddr sql.NullString
		if err := rows.Scan(&e.ID, &ts, &e.Actor, &e.Action, &e.Target, &argsStr, &e.Result, &errStr, &e.DurationMs, &ipAddr); err != nil {
			return nil, err
		}
		if t, err := storage.ParseTime(ts); err == nil {
			e.Timestamp = t
		}
		e.Error = errStr.String
		e.Args = argsStr.String
		e.IPAddress = ipAddr.String
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
