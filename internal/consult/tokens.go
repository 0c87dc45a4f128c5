package consult

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"database/sql"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/seers-hq/consultd/internal/shared"
	"github.com/seers-hq/consultd/internal/storage"
)

// TokenPair is the credential handed to clients on login and refresh.
type TokenPair struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	ExpiresAt    time.Time `json:"expires_at"`
	PrincipalID  string    `json:"principal_id"`
	Role         string    `json:"role"`
}

type TokenIssuerConfig struct {
	JWTSecret   []byte
	LoginSecret string
	AccessTTL   time.Duration
	RefreshTTL  time.Duration
}

// TokenIssuer signs HS256 access tokens and rotates opaque refresh tokens.
// Refresh tokens are stored hashed; presenting an already rotated token
// revokes its whole family.
type TokenIssuer struct {
	db     *sql.DB
	clock  Clock
	cfg    TokenIssuerConfig
	alerts Alerter
	audit  *AuditLogger
	logger *zap.Logger
}

func NewTokenIssuer(db *sql.DB, clock Clock, cfg TokenIssuerConfig, alerts Alerter, audit *AuditLogger, logger *zap.Logger) *TokenIssuer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if clock == nil {
		clock = SystemClock()
	}
	if alerts == nil {
		alerts = nopAlerter{}
	}
	return &TokenIssuer{db: db, clock: clock, cfg: cfg, alerts: alerts, audit: audit, logger: logger}
}

// Login exchanges the bootstrap secret for a fresh token family.
func (t *TokenIssuer) Login(ctx context.Context, principalID string, role shared.Role, secret string) (TokenPair, error) {
	if principalID == "" {
		return TokenPair{}, shared.Validation("MISSING_PRINCIPAL", "principal_id is required")
	}
	if subtle.ConstantTimeCompare([]byte(secret), []byte(t.cfg.LoginSecret)) != 1 {
		GetMetrics().RecordToken("login", "denied")
		t.audit.Log(ctx, principalID, "auth.login", principalID, nil, errors.New("invalid secret"))
		return TokenPair{}, shared.Auth(shared.ReasonTokenInvalid, "invalid credentials")
	}

	pair, err := t.issue(ctx, nil, principalID, role, uuid.NewString())
	if err != nil {
		return TokenPair{}, err
	}
	GetMetrics().RecordToken("login", "ok")
	t.audit.Log(ctx, principalID, "auth.login", principalID, map[string]interface{}{"role": string(role)}, nil)
	return pair, nil
}

// Refresh rotates a refresh token. Each token is single use.
func (t *TokenIssuer) Refresh(ctx context.Context, refreshToken string) (TokenPair, error) {
	if refreshToken == "" {
		return TokenPair{}, shared.Auth(shared.ReasonTokenInvalid, "refresh token is required")
	}
	hash := hashToken(refreshToken)
	now := t.clock.Now()

	tx, err := t.db.BeginTx(ctx, nil)
	if err != nil {
		return TokenPair{}, shared.Server("begin refresh", err)
	}
	defer tx.Rollback()

	var familyID, principalID, role, expiresAt string
	var rotatedAt, revokedAt sql.NullString
	err = tx.QueryRowContext(ctx, `
		SELECT family_id, principal_id, role, expires_at, rotated_at, revoked_at
		FROM refresh_tokens WHERE token_hash = ?
	`, hash).Scan(&familyID, &principalID, &role, &expiresAt, &rotatedAt, &revokedAt)
	if errors.Is(err, sql.ErrNoRows) {
		GetMetrics().RecordToken("refresh", "unknown")
		return TokenPair{}, shared.Auth(shared.ReasonTokenInvalid, "unknown refresh token")
	}
	if err != nil {
		return TokenPair{}, shared.Server("load refresh token", err)
	}

	if revokedAt.Valid {
		GetMetrics().RecordToken("refresh", "revoked")
		return TokenPair{}, shared.Auth(shared.ReasonTokenInvalid, "refresh token revoked")
	}
	if rotatedAt.Valid {
		if _, err := tx.ExecContext(ctx,
			"UPDATE refresh_tokens SET revoked_at = ? WHERE family_id = ? AND revoked_at IS NULL",
			storage.FormatTime(now), familyID); err != nil {
			return TokenPair{}, shared.Server("revoke token family", err)
		}
		if err := tx.Commit(); err != nil {
			return TokenPair{}, shared.Server("commit revocation", err)
		}
		GetMetrics().RecordToken("refresh", "reused")
		t.logger.Warn("refresh token reuse detected, family revoked",
			zap.String("principal_id", principalID),
			zap.String("family_id", familyID),
		)
		t.alerts.Alert(ctx, "Refresh token reuse", fmt.Sprintf("principal %s presented a rotated refresh token; family %s revoked", principalID, familyID))
		t.audit.Log(ctx, principalID, "auth.refresh", principalID, nil, errors.New("refresh token reuse"))
		return TokenPair{}, shared.Auth(shared.ReasonTokenInvalid, "refresh token already used")
	}
	if exp, err := storage.ParseTime(expiresAt); err == nil && !now.Before(exp) {
		GetMetrics().RecordToken("refresh", "expired")
		return TokenPair{}, shared.Auth(shared.ReasonTokenExpired, "refresh token expired")
	}

	res, err := tx.ExecContext(ctx,
		"UPDATE refresh_tokens SET rotated_at = ? WHERE token_hash = ? AND rotated_at IS NULL",
		storage.FormatTime(now), hash)
	if err != nil {
		return TokenPair{}, shared.Server("rotate refresh token", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return TokenPair{}, shared.Auth(shared.ReasonTokenInvalid, "refresh token already used")
	}

	pair, err := t.issue(ctx, tx, principalID, shared.Role(role), familyID)
	if err != nil {
		return TokenPair{}, err
	}
	if err := tx.Commit(); err != nil {
		return TokenPair{}, shared.Server("commit refresh", err)
	}

	GetMetrics().RecordToken("refresh", "ok")
	t.audit.Log(ctx, principalID, "auth.refresh", principalID, nil, nil)
	return pair, nil
}

// Logout revokes the family of the given refresh token. Unknown tokens are ignored.
func (t *TokenIssuer) Logout(ctx context.Context, refreshToken string) error {
	if refreshToken == "" {
		return nil
	}
	_, err := t.db.ExecContext(ctx, `
		UPDATE refresh_tokens SET revoked_at = ?
		WHERE revoked_at IS NULL AND family_id = (SELECT family_id FROM refresh_tokens WHERE token_hash = ?)
	`, storage.FormatTime(t.clock.Now()), hashToken(refreshToken))
	if err != nil {
		return shared.Server("revoke refresh token", err)
	}
	GetMetrics().RecordToken("logout", "ok")
	return nil
}

// Verify validates an access token and returns the principal it names.
func (t *TokenIssuer) Verify(tokenString string) (shared.Principal, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return t.cfg.JWTSecret, nil
	}, jwt.WithTimeFunc(t.clock.Now), jwt.WithExpirationRequired())
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return shared.Principal{}, shared.Auth(shared.ReasonTokenExpired, "access token expired")
		}
		return shared.Principal{}, &shared.Error{Code: shared.CodeAuth, Reason: shared.ReasonTokenInvalid, Message: "invalid access token", Err: err}
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return shared.Principal{}, shared.Auth(shared.ReasonTokenInvalid, "invalid access token")
	}
	sub, _ := claims["sub"].(string)
	if sub == "" {
		return shared.Principal{}, shared.Auth(shared.ReasonTokenInvalid, "access token missing sub")
	}
	rawRole, _ := claims["role"].(string)
	role, err := shared.ParseRole(rawRole)
	if err != nil {
		return shared.Principal{}, shared.Auth(shared.ReasonTokenInvalid, "access token has invalid role")
	}
	return shared.Principal{ID: sub, Role: role}, nil
}

// issue signs an access token and stores a new refresh token in family.
// A nil tx writes directly to the database.
func (t *TokenIssuer) issue(ctx context.Context, tx *sql.Tx, principalID string, role shared.Role, familyID string) (TokenPair, error) {
	now := t.clock.Now()
	expiresAt := now.Add(t.cfg.AccessTTL)

	access, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":  principalID,
		"role": string(role),
		"iat":  now.Unix(),
		"exp":  expiresAt.Unix(),
	}).SignedString(t.cfg.JWTSecret)
	if err != nil {
		return TokenPair{}, shared.Server("sign access token", err)
	}

	refresh, err := newRefreshToken()
	if err != nil {
		return TokenPair{}, shared.Server("generate refresh token", err)
	}

	const insert = `
		INSERT INTO refresh_tokens (token_hash, family_id, principal_id, role, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`
	args := []interface{}{hashToken(refresh), familyID, principalID, string(role),
		storage.FormatTime(now), storage.FormatTime(now.Add(t.cfg.RefreshTTL))}
	if tx != nil {
		_, err = tx.ExecContext(ctx, insert, args...)
	} else {
		_, err = t.db.ExecContext(ctx, insert, args...)
	}
	if err != nil {
		return TokenPair{}, shared.Server("store refresh token", err)
	}

	return TokenPair{
		AccessToken:  access,
		RefreshToken: refresh,
		ExpiresAt:    time.Unix(expiresAt.Unix(), 0).UTC(),
		PrincipalID:  principalID,
		Role:         string(role),
	}, nil
}

func newRefreshToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
