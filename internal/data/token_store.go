package data

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// TokenKind identifies the credential table an operation targets.
type TokenKind string

const (
	KindSession           TokenKind = "session"
	KindPasswordReset     TokenKind = "password_reset"
	KindEmailVerification TokenKind = "email_verification"
)

// singleUseTables maps the single-use kinds onto their tables. Sessions
// are not single-use and live in their own table.
var singleUseTables = map[TokenKind]string{
	KindPasswordReset:     "password_reset_tokens",
	KindEmailVerification: "email_verification_tokens",
}

// TokenStore issues and validates time-bounded credentials: sessions,
// password-reset tokens and email-verification tokens. A token past its
// expiry or already consumed is permanently unusable; sweeping merely
// reclaims the space.
type TokenStore struct {
	db *sqlx.DB

	// now is replaceable in tests to move the clock.
	now func() time.Time
}

// NewTokenStore creates a new TokenStore.
func NewTokenStore(db *sqlx.DB) *TokenStore {
	return &TokenStore{db: db, now: time.Now}
}

func (s *TokenStore) clock() time.Time {
	return s.now().UTC().Truncate(time.Microsecond)
}

// IssueSession creates a session expiring after ttl and returns it with
// its opaque token.
func (s *TokenStore) IssueSession(ctx context.Context, userID int64, ttl time.Duration) (*Session, error) {
	if ttl <= 0 {
		return nil, &ValidationError{Field: "ttl", Reason: "must be positive"}
	}
	now := s.clock()
	sess := &Session{
		Token:        uuid.NewString(),
		UserID:       userID,
		ExpiresAt:    now.Add(ttl),
		LastAccessed: now,
		CreatedAt:    now,
	}
	_, err := s.db.NamedExecContext(ctx, `INSERT INTO user_sessions
		(token, user_id, expires_at, last_accessed, created_at)
		VALUES (:token, :user_id, :expires_at, :last_accessed, :created_at)`, sess)
	if err != nil {
		return nil, translateErr(fmt.Errorf("failed to insert session: %w", err))
	}
	return sess, nil
}

// IssuePasswordResetToken creates an unused password-reset token.
func (s *TokenStore) IssuePasswordResetToken(ctx context.Context, userID int64, ttl time.Duration) (*CredentialToken, error) {
	return s.issueSingleUse(ctx, KindPasswordReset, userID, ttl)
}

// IssueEmailVerificationToken creates an unused email-verification token.
func (s *TokenStore) IssueEmailVerificationToken(ctx context.Context, userID int64, ttl time.Duration) (*CredentialToken, error) {
	return s.issueSingleUse(ctx, KindEmailVerification, userID, ttl)
}

func (s *TokenStore) issueSingleUse(ctx context.Context, kind TokenKind, userID int64, ttl time.Duration) (*CredentialToken, error) {
	if ttl <= 0 {
		return nil, &ValidationError{Field: "ttl", Reason: "must be positive"}
	}
	table := singleUseTables[kind]
	now := s.clock()
	tok := &CredentialToken{
		Token:     uuid.NewString(),
		UserID:    userID,
		ExpiresAt: now.Add(ttl),
		CreatedAt: now,
	}
	query := fmt.Sprintf(`INSERT INTO %s (token, user_id, used, expires_at, created_at)
		VALUES (:token, :user_id, 0, :expires_at, :created_at)`, table)
	if _, err := s.db.NamedExecContext(ctx, query, tok); err != nil {
		return nil, translateErr(fmt.Errorf("failed to insert %s token: %w", kind, err))
	}
	return tok, nil
}

// Validate checks a credential and returns the owning user ID. For
// single-use kinds a successful validation consumes the token in the same
// statement that checks it, so at most one of any number of concurrent
// callers can succeed; the rest observe ErrTokenUsed.
func (s *TokenStore) Validate(ctx context.Context, token string, kind TokenKind) (int64, error) {
	if kind == KindSession {
		return s.validateSession(ctx, token)
	}
	table, ok := singleUseTables[kind]
	if !ok {
		return 0, &ValidationError{Field: "kind", Reason: fmt.Sprintf("unknown token kind %q", kind)}
	}

	now := s.clock()
	var userID int64
	// Consuming and reading back happen in one unit of work so a
	// concurrent sweep cannot delete the row between the two statements
	// and turn a successful redemption into ErrTokenNotFound.
	err := RunInTx(ctx, s.db, func(tx *sqlx.Tx) error {
		consume := fmt.Sprintf(`UPDATE %s SET used = 1 WHERE token = ? AND used = 0 AND expires_at > ?`, table)
		res, err := tx.ExecContext(ctx, consume, token, now)
		if err != nil {
			return fmt.Errorf("failed to consume %s token: %w", kind, err)
		}
		rows, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to get rows affected: %w", err)
		}
		if rows == 1 {
			query := fmt.Sprintf(`SELECT user_id FROM %s WHERE token = ?`, table)
			if err := tx.GetContext(ctx, &userID, query, token); err != nil {
				return fmt.Errorf("failed to load consumed token: %w", err)
			}
			return nil
		}
		// The consume touched nothing: diagnose why.
		var tok CredentialToken
		query := fmt.Sprintf(`SELECT * FROM %s WHERE token = ?`, table)
		if err := tx.GetContext(ctx, &tok, query, token); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrTokenNotFound
			}
			return fmt.Errorf("failed to diagnose token: %w", err)
		}
		if now.After(tok.ExpiresAt) {
			return ErrTokenExpired
		}
		return ErrTokenUsed
	})
	if err != nil {
		return 0, err
	}
	return userID, nil
}

func (s *TokenStore) validateSession(ctx context.Context, token string) (int64, error) {
	var sess Session
	err := s.db.GetContext(ctx, &sess, `SELECT * FROM user_sessions WHERE token = ?`, token)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, ErrTokenNotFound
		}
		return 0, translateErr(fmt.Errorf("failed to load session: %w", err))
	}
	if s.clock().After(sess.ExpiresAt) {
		return 0, ErrTokenExpired
	}
	return sess.UserID, nil
}

// Touch records session liveness by updating last_accessed. It never
// extends expires_at.
func (s *TokenStore) Touch(ctx context.Context, sessionToken string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE user_sessions SET last_accessed = ? WHERE token = ?`, s.clock(), sessionToken)
	if err != nil {
		return translateErr(fmt.Errorf("failed to touch session: %w", err))
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return ErrTokenNotFound
	}
	return nil
}

// DeleteSession removes a session, e.g. on logout. Deleting an absent
// session is not an error.
func (s *TokenStore) DeleteSession(ctx context.Context, sessionToken string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM user_sessions WHERE token = ?`, sessionToken); err != nil {
		return translateErr(fmt.Errorf("failed to delete session: %w", err))
	}
	return nil
}

// SweepExpired deletes credentials past expiry across all three tables
// and returns how many rows were reclaimed. Validation already rejects
// expired rows, so sweeping is space reclamation, never a correctness
// dependency. It is idempotent and safe to run on any schedule.
func (s *TokenStore) SweepExpired(ctx context.Context) (int64, error) {
	now := s.clock()
	var total int64
	for _, table := range []string{"user_sessions", "password_reset_tokens", "email_verification_tokens"} {
		res, err := s.db.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE expires_at <= ?`, table), now)
		if err != nil {
			return total, translateErr(fmt.Errorf("failed to sweep %s: %w", table, err))
		}
		rows, err := res.RowsAffected()
		if err != nil {
			return total, fmt.Errorf("failed to get rows affected: %w", err)
		}
		total += rows
	}
	return total, nil
}
