// Package identity is the registry of client identities the token service authenticates
// against. Secrets are stored as bcrypt hashes; the row id is the client's stable client_id.
package identity

import (
	"context"
	"database/sql"
	goerrs "errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sessamekesh/spanreed-netsync/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
	_ "modernc.org/sqlite"
)

type Store struct {
	db  *sql.DB
	log *zap.Logger
}

type Identity struct {
	ClientID  uint64
	Name      string
	CreatedAt time.Time
}

// Open opens (creating if needed) the SQLite identity database at path. ":memory:" is
// accepted for tests.
func Open(path string, logger *zap.Logger) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("identity database path is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := initPragmas(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db, log: logger.With(zap.String("handler", "IdentityStore"))}, nil
}

func initPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return fmt.Errorf("%s: %w", p, err)
		}
	}
	return nil
}

func initSchema(db *sql.DB) error {
	_, err := db.Exec(`CREATE TABLE IF NOT EXISTS identities (
		client_id   INTEGER PRIMARY KEY AUTOINCREMENT,
		name        TEXT NOT NULL UNIQUE,
		secret_hash BLOB NOT NULL,
		created_at  INTEGER NOT NULL
	);`)
	if err != nil {
		return fmt.Errorf("init schema: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Register stores a new identity. A name that is already taken is a *errors.NameCollision.
func (s *Store) Register(ctx context.Context, name, secret string) (Identity, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Identity{}, fmt.Errorf("identity name is required")
	}
	if secret == "" {
		return Identity{}, fmt.Errorf("identity secret is required")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return Identity{}, fmt.Errorf("hash secret: %w", err)
	}

	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO identities (name, secret_hash, created_at) VALUES (?, ?, ?)
		 ON CONFLICT(name) DO NOTHING`,
		name, hash, now.UnixMilli())
	if err != nil {
		return Identity{}, fmt.Errorf("insert identity: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return Identity{}, &errors.NameCollision{CollisionContext: "identities", Name: name}
	}
	id, err := res.LastInsertId()
	if err != nil {
		return Identity{}, err
	}

	s.log.Info("Registered identity", zap.String("identity", name), zap.Int64("clientId", id))
	return Identity{ClientID: uint64(id), Name: name, CreatedAt: now.Truncate(time.Millisecond)}, nil
}

// Authenticate implements tokenservice.Authenticator. Unknown names and wrong secrets are
// indistinguishable to the caller.
func (s *Store) Authenticate(ctx context.Context, name, secret string) (uint64, error) {
	var id int64
	var hash []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT client_id, secret_hash FROM identities WHERE name = ?`, strings.TrimSpace(name)).Scan(&id, &hash)
	if goerrs.Is(err, sql.ErrNoRows) {
		return 0, &errors.Unauthorized{Identity: name}
	}
	if err != nil {
		return 0, fmt.Errorf("lookup identity: %w", err)
	}
	if bcrypt.CompareHashAndPassword(hash, []byte(secret)) != nil {
		return 0, &errors.Unauthorized{Identity: name}
	}
	return uint64(id), nil
}

// Remove deletes an identity; its client_id is never reused.
func (s *Store) Remove(ctx context.Context, name string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM identities WHERE name = ?`, strings.TrimSpace(name))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (s *Store) List(ctx context.Context) ([]Identity, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT client_id, name, created_at FROM identities ORDER BY client_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Identity
	for rows.Next() {
		var id, created int64
		var name string
		if err := rows.Scan(&id, &name, &created); err != nil {
			return nil, err
		}
		out = append(out, Identity{ClientID: uint64(id), Name: name, CreatedAt: time.UnixMilli(created).UTC()})
	}
	return out, rows.Err()
}
