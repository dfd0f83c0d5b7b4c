// Package storage is the concrete durable-store adapter behind the core's
// persistence boundary: a SQL key/value table with compare-and-swap for
// session, plan and pool records, an append-only audit-event log with
// range scans per stream, and an encrypted key vault whose destroy
// operation backs the deposit-key erasure guarantee.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/r3e-network/mixcore/internal/crypto"
)

// Store implements the core's persistence interfaces over database/sql.
// The driver is the caller's choice; schema is plain ANSI SQL with
// Postgres placeholders.
type Store struct {
	db   *sql.DB
	zlog zerolog.Logger
	// vaultKey encrypts deposit private keys at rest; derived from the
	// operator master secret at startup.
	vaultKey []byte
}

// New wraps an opened database handle. masterSecret seeds the vault's
// at-rest encryption key.
func New(db *sql.DB, masterSecret []byte, zlog zerolog.Logger) (*Store, error) {
	vaultKey, err := crypto.DeriveKey(masterSecret, []byte("mixcore-vault"), "deposit-key-encryption", 32)
	if err != nil {
		return nil, fmt.Errorf("storage: derive vault key: %w", err)
	}
	return &Store{db: db, zlog: zlog, vaultKey: vaultKey}, nil
}

// Migrate creates the backing tables when absent.
func (s *Store) Migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS mixcore_kv (
			key        TEXT PRIMARY KEY,
			value      BYTEA NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS mixcore_audit_log (
			seq    BIGSERIAL PRIMARY KEY,
			stream TEXT NOT NULL,
			event  BYTEA NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS mixcore_audit_log_stream ON mixcore_audit_log (stream, seq)`,
		`CREATE TABLE IF NOT EXISTS mixcore_vault (
			session_id TEXT PRIMARY KEY,
			key_enc    BYTEA NOT NULL,
			created_at TIMESTAMPTZ NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("storage: migrate: %w", err)
		}
	}
	return nil
}

// Save upserts a key/value record.
func (s *Store) Save(ctx context.Context, key string, data []byte) error {
	start := time.Now()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO mixcore_kv (key, value, updated_at) VALUES ($1, $2, $3)
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = EXCLUDED.updated_at
	`, key, data, time.Now().UTC())
	s.zlog.Debug().Str("op", "save").Str("key", key).Dur("elapsed", time.Since(start)).Err(err).Msg("kv")
	return err
}

// Load reads a key's value.
func (s *Store) Load(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx, `SELECT value FROM mixcore_kv WHERE key = $1`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("storage: key %s not found", key)
	}
	return value, err
}

// Delete removes a key.
func (s *Store) Delete(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM mixcore_kv WHERE key = $1`, key)
	return err
}

// List returns all keys under prefix.
func (s *Store) List(ctx context.Context, prefix string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key FROM mixcore_kv WHERE key LIKE $1 ORDER BY key`, prefix+"%")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// CompareAndSwap replaces key's value only when it currently equals
// oldData; a nil oldData asserts absence.
func (s *Store) CompareAndSwap(ctx context.Context, key string, oldData, newData []byte) (bool, error) {
	if oldData == nil {
		res, err := s.db.ExecContext(ctx, `
			INSERT INTO mixcore_kv (key, value, updated_at) VALUES ($1, $2, $3)
			ON CONFLICT (key) DO NOTHING
		`, key, newData, time.Now().UTC())
		if err != nil {
			return false, err
		}
		n, _ := res.RowsAffected()
		return n == 1, nil
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE mixcore_kv SET value = $2, updated_at = $3 WHERE key = $1 AND value = $4
	`, key, newData, time.Now().UTC(), oldData)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// Close releases the database handle.
func (s *Store) Close(ctx context.Context) error { return s.db.Close() }

// Append adds one audit event to a stream.
func (s *Store) Append(ctx context.Context, stream string, event []byte) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO mixcore_audit_log (stream, event) VALUES ($1, $2)`, stream, event)
	return err
}

// Range returns a stream's events in append order.
func (s *Store) Range(ctx context.Context, stream string) ([][]byte, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT event FROM mixcore_audit_log WHERE stream = $1 ORDER BY seq`, stream)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events [][]byte
	for rows.Next() {
		var ev []byte
		if err := rows.Scan(&ev); err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// PutKey stores a session's deposit private key, encrypted at rest.
func (s *Store) PutKey(ctx context.Context, sessionID string, privateKey []byte) error {
	enc, err := crypto.Encrypt(s.vaultKey, privateKey)
	if err != nil {
		return fmt.Errorf("storage: encrypt deposit key: %w", err)
	}
	crypto.ZeroBytes(privateKey)
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO mixcore_vault (session_id, key_enc, created_at) VALUES ($1, $2, $3)
		ON CONFLICT (session_id) DO NOTHING
	`, sessionID, enc, time.Now().UTC())
	return err
}

// GetKey decrypts a session's deposit private key for signing. The caller
// must ZeroBytes the result after use.
func (s *Store) GetKey(ctx context.Context, sessionID string) ([]byte, error) {
	var enc []byte
	err := s.db.QueryRowContext(ctx, `SELECT key_enc FROM mixcore_vault WHERE session_id = $1`, sessionID).Scan(&enc)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("storage: no key for session %s", sessionID)
	}
	if err != nil {
		return nil, err
	}
	return crypto.Decrypt(s.vaultKey, enc)
}

// Destroy erases a session's deposit key material permanently.
func (s *Store) Destroy(ctx context.Context, sessionID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM mixcore_vault WHERE session_id = $1`, sessionID)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	s.zlog.Info().Str("session_id", sessionID).Int64("rows", n).Msg("vault: deposit key destroyed")
	return nil
}
