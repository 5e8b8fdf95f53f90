package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/Henryk03/agentic-quotation-system-sub000/internal/database"
)

// SentinelLoginFailed marks an artifact whose login fallback chain was
// exhausted. It replaces the storage snapshot so the next run fails fast
// instead of launching a browser.
const SentinelLoginFailed = "LOGIN_FAILED"

// Artifact is the persisted authentication state for one (client, provider)
// pair: either a serialized browser storage snapshot or the failure sentinel.
type Artifact struct {
	State       string
	FailReason  string
	FailCount   int
	LockedUntil time.Time
	UpdatedAt   time.Time
}

func (a *Artifact) Failed() bool {
	return a.State == SentinelLoginFailed
}

func (a *Artifact) LockedOut(now time.Time) bool {
	return !a.LockedUntil.IsZero() && now.Before(a.LockedUntil)
}

type Credentials struct {
	Username string
	Password string
}

// Store persists artifacts and credentials per (client, provider) key.
// Implementations must be safe for concurrent use by distinct provider
// tasks; each call touches exactly one row.
type Store interface {
	Artifact(ctx context.Context, clientID, providerID string) (*Artifact, error)
	SaveArtifact(ctx context.Context, clientID, providerID, state string) error
	MarkLoginFailed(ctx context.Context, clientID, providerID, reason string) error
	ClearFailure(ctx context.Context, clientID, providerID string) error
	Credentials(ctx context.Context, clientID, providerID string) (*Credentials, error)
	SaveCredentials(ctx context.Context, clientID, providerID string, creds Credentials) error
}

// LockoutPolicy: MaxFailures consecutive failed logins lock the pair out for
// Cooldown. A successful login resets the counter.
type LockoutPolicy struct {
	MaxFailures int
	Cooldown    time.Duration
}

// PGStore is the Postgres-backed Store. All payloads go through the
// process-wide cipher before hitting a row.
type PGStore struct {
	db     database.Querier
	cipher *Cipher
	policy LockoutPolicy
	logger *slog.Logger
	now    func() time.Time
}

func NewPGStore(db database.Querier, cipher *Cipher, policy LockoutPolicy, logger *slog.Logger) *PGStore {
	return &PGStore{
		db:     db,
		cipher: cipher,
		policy: policy,
		logger: logger.With("component", "session_store"),
		now:    time.Now,
	}
}

// EnsureSchema creates the session tables if they do not exist. Schema
// migrations proper are owned by the deployment, not this package.
func (s *PGStore) EnsureSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			client_id    TEXT NOT NULL,
			provider_id  TEXT NOT NULL,
			state        TEXT NOT NULL,
			fail_reason  TEXT NOT NULL DEFAULT '',
			fail_count   INT NOT NULL DEFAULT 0,
			locked_until TIMESTAMPTZ,
			updated_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (client_id, provider_id)
		)`,
		`CREATE TABLE IF NOT EXISTS credentials (
			client_id   TEXT NOT NULL,
			provider_id TEXT NOT NULL,
			username    TEXT NOT NULL,
			password    TEXT NOT NULL,
			updated_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (client_id, provider_id)
		)`,
	}

	for _, stmt := range statements {
		if _, err := s.db.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to ensure schema: %w", err)
		}
	}

	return nil
}

// Artifact returns the stored artifact, or (nil, nil) when none exists.
func (s *PGStore) Artifact(ctx context.Context, clientID, providerID string) (*Artifact, error) {
	var (
		encState    string
		artifact    Artifact
		lockedUntil *time.Time
	)

	err := s.db.QueryRow(ctx,
		`SELECT state, fail_reason, fail_count, locked_until, updated_at
		 FROM sessions WHERE client_id = $1 AND provider_id = $2`,
		clientID, providerID,
	).Scan(&encState, &artifact.FailReason, &artifact.FailCount, &lockedUntil, &artifact.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load session artifact: %w", err)
	}

	state, err := s.cipher.Decrypt(encState)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt session artifact: %w", err)
	}
	artifact.State = state

	if lockedUntil != nil {
		artifact.LockedUntil = *lockedUntil
	}

	return &artifact, nil
}

// SaveArtifact overwrites the row with a fresh snapshot and resets the
// failure counters.
func (s *PGStore) SaveArtifact(ctx context.Context, clientID, providerID, state string) error {
	encState, err := s.cipher.Encrypt(state)
	if err != nil {
		return fmt.Errorf("failed to encrypt session artifact: %w", err)
	}

	_, err = s.db.Exec(ctx,
		`INSERT INTO sessions (client_id, provider_id, state, fail_reason, fail_count, locked_until, updated_at)
		 VALUES ($1, $2, $3, '', 0, NULL, $4)
		 ON CONFLICT (client_id, provider_id) DO UPDATE
		 SET state = $3, fail_reason = '', fail_count = 0, locked_until = NULL, updated_at = $4`,
		clientID, providerID, encState, s.now(),
	)
	if err != nil {
		return fmt.Errorf("failed to save session artifact: %w", err)
	}

	return nil
}

// MarkLoginFailed writes the failure sentinel with the given reason and
// advances the lockout counter.
func (s *PGStore) MarkLoginFailed(ctx context.Context, clientID, providerID, reason string) error {
	existing, err := s.Artifact(ctx, clientID, providerID)
	if err != nil {
		return err
	}

	failCount := 1
	if existing != nil {
		failCount = existing.FailCount + 1
	}

	var lockedUntil *time.Time
	if failCount >= s.policy.MaxFailures {
		until := s.now().Add(s.policy.Cooldown)
		lockedUntil = &until
		s.logger.Warn("login lockout engaged",
			"client_id", clientID, "provider_id", providerID,
			"fail_count", failCount, "locked_until", until)
	}

	encState, err := s.cipher.Encrypt(SentinelLoginFailed)
	if err != nil {
		return fmt.Errorf("failed to encrypt failure sentinel: %w", err)
	}

	_, err = s.db.Exec(ctx,
		`INSERT INTO sessions (client_id, provider_id, state, fail_reason, fail_count, locked_until, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (client_id, provider_id) DO UPDATE
		 SET state = $3, fail_reason = $4, fail_count = $5, locked_until = $6, updated_at = $7`,
		clientID, providerID, encState, reason, failCount, lockedUntil, s.now(),
	)
	if err != nil {
		return fmt.Errorf("failed to mark login failed: %w", err)
	}

	return nil
}

// ClearFailure removes the sentinel row so the next run retries login.
// Called when an operator reports a completed out-of-band login.
func (s *PGStore) ClearFailure(ctx context.Context, clientID, providerID string) error {
	_, err := s.db.Exec(ctx,
		`DELETE FROM sessions WHERE client_id = $1 AND provider_id = $2`,
		clientID, providerID,
	)
	if err != nil {
		return fmt.Errorf("failed to clear login failure: %w", err)
	}
	return nil
}

// Credentials returns the decrypted credential pair, or (nil, nil) when none
// is stored.
func (s *PGStore) Credentials(ctx context.Context, clientID, providerID string) (*Credentials, error) {
	var encUser, encPass string

	err := s.db.QueryRow(ctx,
		`SELECT username, password FROM credentials WHERE client_id = $1 AND provider_id = $2`,
		clientID, providerID,
	).Scan(&encUser, &encPass)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load credentials: %w", err)
	}

	username, err := s.cipher.Decrypt(encUser)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt username: %w", err)
	}

	password, err := s.cipher.Decrypt(encPass)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt password: %w", err)
	}

	return &Credentials{Username: username, Password: password}, nil
}

func (s *PGStore) SaveCredentials(ctx context.Context, clientID, providerID string, creds Credentials) error {
	encUser, err := s.cipher.Encrypt(creds.Username)
	if err != nil {
		return fmt.Errorf("failed to encrypt username: %w", err)
	}

	encPass, err := s.cipher.Encrypt(creds.Password)
	if err != nil {
		return fmt.Errorf("failed to encrypt password: %w", err)
	}

	_, err = s.db.Exec(ctx,
		`INSERT INTO credentials (client_id, provider_id, username, password, updated_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (client_id, provider_id) DO UPDATE
		 SET username = $3, password = $4, updated_at = $5`,
		clientID, providerID, encUser, encPass, s.now(),
	)
	if err != nil {
		return fmt.Errorf("failed to save credentials: %w", err)
	}

	return nil
}
