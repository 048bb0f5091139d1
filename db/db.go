// Package db provides database connection helpers, schema migration, and the
// durable account credential store.
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // pgx postgres driver registered as 'pgx'

	"github.com/onnwee/streambot/crypto"
)

var (
	// encryptor is the global encryptor instance for OAuth token encryption
	encryptor     crypto.Encryptor
	encryptorOnce sync.Once
	encryptorErr  error
)

// ErrAccountNotFound is returned when no credential row exists for an account id.
var ErrAccountNotFound = errors.New("account not found")

// initEncryptor initializes the global encryptor from ENCRYPTION_KEY.
// If ENCRYPTION_KEY is not set, encryption is disabled (encryption_version = 0).
func initEncryptor() {
	encryptorOnce.Do(func() {
		key := os.Getenv("ENCRYPTION_KEY")
		if key == "" {
			slog.Warn("ENCRYPTION_KEY not set, account tokens will be stored in plaintext (not recommended for production)", slog.String("component", "db_encryption"))
			return
		}
		enc, err := crypto.NewAESEncryptor(key)
		if err != nil {
			encryptorErr = fmt.Errorf("failed to initialize encryption: %w", err)
			slog.Error("encryption initialization failed", slog.Any("error", encryptorErr), slog.String("component", "db_encryption"))
			return
		}
		encryptor = enc
		slog.Info("account token encryption enabled (AES-256-GCM)", slog.String("component", "db_encryption"))
	})
}

func getEncryptor() (crypto.Encryptor, error) {
	initEncryptor()
	if encryptorErr != nil {
		return nil, encryptorErr
	}
	return encryptor, nil
}

// Connect opens a Postgres handle for the given DSN. The DSN comes from
// config.Load, which owns the DB_DSN default.
func Connect(dsn string) (*sql.DB, error) {
	if dsn == "" {
		return nil, errors.New("empty database DSN")
	}
	return sql.Open("pgx", dsn)
}

// Migrate applies idempotent schema changes for all required tables and indices.
// It is the embedded fallback for deployments without the versioned migrations directory.
func Migrate(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS accounts (
			account_id TEXT PRIMARY KEY,
			login TEXT,
			access_token TEXT,
			refresh_token TEXT,
			expires_at TIMESTAMPTZ,
			scope TEXT,
			needs_reauth BOOLEAN NOT NULL DEFAULT FALSE,
			encryption_version INTEGER DEFAULT 0,
			encryption_key_id TEXT,
			created_at TIMESTAMPTZ DEFAULT NOW(),
			updated_at TIMESTAMPTZ DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS channels (
			channel_id TEXT PRIMARY KEY,
			channel_name TEXT NOT NULL,
			is_active BOOLEAN NOT NULL DEFAULT TRUE,
			added_by TEXT,
			created_at TIMESTAMPTZ DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS channel_settings (
			channel_id TEXT PRIMARY KEY REFERENCES channels(channel_id) ON DELETE CASCADE,
			prefix TEXT NOT NULL DEFAULT '!',
			settings JSONB NOT NULL DEFAULT '{}'::jsonb,
			updated_at TIMESTAMPTZ DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS custom_commands (
			id SERIAL PRIMARY KEY,
			channel_id TEXT NOT NULL REFERENCES channels(channel_id) ON DELETE CASCADE,
			command_name TEXT NOT NULL,
			response_text TEXT NOT NULL,
			cooldown_seconds INTEGER NOT NULL DEFAULT 5,
			user_level TEXT NOT NULL DEFAULT 'everyone',
			is_active BOOLEAN NOT NULL DEFAULT TRUE,
			usage_count BIGINT NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ DEFAULT NOW(),
			updated_at TIMESTAMPTZ,
			UNIQUE (channel_id, command_name)
		)`,
		`CREATE TABLE IF NOT EXISTS command_usage (
			channel_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			command_name TEXT NOT NULL,
			last_used TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (channel_id, user_id, command_name)
		)`,
		`CREATE TABLE IF NOT EXISTS channel_redemptions (
			id SERIAL PRIMARY KEY,
			channel_id TEXT NOT NULL,
			requester_name TEXT NOT NULL,
			target_channel TEXT NOT NULL,
			cost INTEGER NOT NULL DEFAULT 0,
			success BOOLEAN NOT NULL,
			error_message TEXT,
			created_at TIMESTAMPTZ DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS channel_leases (
			channel_id TEXT PRIMARY KEY,
			holder TEXT NOT NULL,
			expires_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS kv (
			key TEXT PRIMARY KEY,
			value TEXT,
			updated_at TIMESTAMPTZ DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_channels_active ON channels(is_active)`,
		`CREATE INDEX IF NOT EXISTS idx_commands_channel_active ON custom_commands(channel_id, is_active)`,
		`CREATE INDEX IF NOT EXISTS idx_redemptions_channel ON channel_redemptions(channel_id, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_accounts_expiry ON accounts(expires_at)`,
	}
	for i, s := range stmts {
		if _, err := db.ExecContext(ctx, s); err != nil {
			return fmt.Errorf("postgres migrate step %d failed: %w", i, err)
		}
	}
	return nil
}

// AccountToken is a decrypted credential row for one bot/broadcaster account.
type AccountToken struct {
	AccountID    string
	Login        string
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
	Scope        string
	NeedsReauth  bool
	UpdatedAt    time.Time
}

// UpsertAccountToken stores or replaces the credential pair for an account.
// Access and refresh tokens are replaced together; a successful upsert clears
// the needs_reauth flag. Tokens are encrypted when ENCRYPTION_KEY is set.
func UpsertAccountToken(ctx context.Context, dbx *sql.DB, accountID, login, access, refresh string, expiry time.Time, scope string) error {
	enc, err := getEncryptor()
	if err != nil {
		return fmt.Errorf("get encryptor: %w", err)
	}

	encVersion := 0
	encKeyID := ""
	accessToStore := access
	refreshToStore := refresh
	if enc != nil {
		encVersion = 1
		encKeyID = "default"
		if access != "" {
			if accessToStore, err = crypto.EncryptString(enc, access); err != nil {
				return fmt.Errorf("encrypt access token: %w", err)
			}
		}
		if refresh != "" {
			if refreshToStore, err = crypto.EncryptString(enc, refresh); err != nil {
				return fmt.Errorf("encrypt refresh token: %w", err)
			}
		}
	}

	q := `INSERT INTO accounts(account_id, login, access_token, refresh_token, expires_at, scope, needs_reauth, encryption_version, encryption_key_id, updated_at)
		  VALUES($1,$2,$3,$4,$5,$6,FALSE,$7,$8,NOW())
		  ON CONFLICT(account_id) DO UPDATE SET
		    login=COALESCE(NULLIF(EXCLUDED.login,''), accounts.login),
		    access_token=EXCLUDED.access_token,
		    refresh_token=EXCLUDED.refresh_token,
		    expires_at=EXCLUDED.expires_at,
		    scope=EXCLUDED.scope,
		    needs_reauth=FALSE,
		    encryption_version=EXCLUDED.encryption_version,
		    encryption_key_id=EXCLUDED.encryption_key_id,
		    updated_at=NOW()`
	_, err = dbx.ExecContext(ctx, q, accountID, login, accessToStore, refreshToStore, expiry, scope, encVersion, encKeyID)
	return err
}

// GetAccountToken retrieves and decrypts the credential row for an account.
// Returns ErrAccountNotFound when no row exists.
func GetAccountToken(ctx context.Context, dbx *sql.DB, accountID string) (AccountToken, error) {
	var tok AccountToken
	var encVersion int
	var login, scope sql.NullString
	var expiry, updated sql.NullTime

	row := dbx.QueryRowContext(ctx,
		`SELECT account_id, login, access_token, refresh_token, expires_at, scope, needs_reauth, COALESCE(encryption_version, 0), updated_at
		 FROM accounts WHERE account_id = $1`, accountID)
	err := row.Scan(&tok.AccountID, &login, &tok.AccessToken, &tok.RefreshToken, &expiry, &scope, &tok.NeedsReauth, &encVersion, &updated)
	if err == sql.ErrNoRows {
		return AccountToken{}, ErrAccountNotFound
	}
	if err != nil {
		return AccountToken{}, err
	}
	tok.Login = login.String
	tok.Scope = scope.String
	tok.ExpiresAt = expiry.Time
	tok.UpdatedAt = updated.Time

	if encVersion == 1 {
		enc, encErr := getEncryptor()
		if encErr != nil {
			return AccountToken{}, fmt.Errorf("get encryptor for decryption: %w", encErr)
		}
		if enc == nil {
			return AccountToken{}, fmt.Errorf("token is encrypted but ENCRYPTION_KEY not configured")
		}
		if tok.AccessToken != "" {
			if tok.AccessToken, err = crypto.DecryptString(enc, tok.AccessToken); err != nil {
				return AccountToken{}, fmt.Errorf("decrypt access token: %w", err)
			}
		}
		if tok.RefreshToken != "" {
			if tok.RefreshToken, err = crypto.DecryptString(enc, tok.RefreshToken); err != nil {
				return AccountToken{}, fmt.Errorf("decrypt refresh token: %w", err)
			}
		}
	}
	return tok, nil
}

// MarkAccountNeedsReauth flags an account whose refresh token was rejected by
// the identity provider. The credential pair stays in place (superseded on the
// next authorization), but callers must treat it as unusable.
func MarkAccountNeedsReauth(ctx context.Context, dbx *sql.DB, accountID string) error {
	_, err := dbx.ExecContext(ctx, `UPDATE accounts SET needs_reauth=TRUE, updated_at=NOW() WHERE account_id=$1`, accountID)
	return err
}

// ListAccountsExpiringWithin returns account ids whose tokens expire inside the
// window and that still have a usable refresh token.
func ListAccountsExpiringWithin(ctx context.Context, dbx *sql.DB, window time.Duration) ([]string, error) {
	rows, err := dbx.QueryContext(ctx,
		`SELECT account_id FROM accounts
		 WHERE needs_reauth=FALSE AND refresh_token<>'' AND expires_at IS NOT NULL AND expires_at <= NOW() + $1::interval`,
		fmt.Sprintf("%d seconds", int(window.Seconds())))
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := rows.Close(); err != nil {
			slog.Warn("failed to close rows", slog.Any("err", err))
		}
	}()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// SetKV stores an operational key/value pair (instance heartbeats, admin
// overrides). Last write wins.
func SetKV(ctx context.Context, dbx *sql.DB, key, value string) error {
	_, err := dbx.ExecContext(ctx,
		`INSERT INTO kv(key, value, updated_at) VALUES($1,$2,NOW())
		 ON CONFLICT(key) DO UPDATE SET value=EXCLUDED.value, updated_at=NOW()`, key, value)
	return err
}

// GetKV returns the stored value, or "" when the key is absent.
func GetKV(ctx context.Context, dbx *sql.DB, key string) (string, error) {
	var v sql.NullString
	err := dbx.QueryRowContext(ctx, `SELECT value FROM kv WHERE key=$1`, key).Scan(&v)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return v.String, nil
}

// AccountStore adapts the accounts table to the oauth.TokenStore interface.
type AccountStore struct{ DB *sql.DB }

func (s *AccountStore) Get(ctx context.Context, accountID string) (AccountToken, error) {
	return GetAccountToken(ctx, s.DB, accountID)
}

func (s *AccountStore) Upsert(ctx context.Context, accountID, login, access, refresh string, expiry time.Time, scope string) error {
	return UpsertAccountToken(ctx, s.DB, accountID, login, access, refresh, expiry, scope)
}

func (s *AccountStore) MarkNeedsReauth(ctx context.Context, accountID string) error {
	return MarkAccountNeedsReauth(ctx, s.DB, accountID)
}

func (s *AccountStore) ListExpiringWithin(ctx context.Context, window time.Duration) ([]string, error) {
	return ListAccountsExpiringWithin(ctx, s.DB, window)
}
