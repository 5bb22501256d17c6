package db

import (
	"context"
	"crypto/rsa"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"jwks-srv/internal/crypto"
	"jwks-srv/internal/keys"
)

// DefaultPath is where the SQLite database lives unless configured otherwise.
const DefaultPath = "totally_not_my_privateKeys.db"

// SQLiteStore is a keys.Store backed by a SQLite file. Private keys are
// encrypted w/ a per-row IV before they reach the table.
type SQLiteStore struct {
	conn  *sql.DB
	path  string
	codec codec
	now   func() time.Time
}

var _ keys.Store = (*SQLiteStore)(nil)

// AuthLog is one row of the token issuance log.
type AuthLog struct {
	ID               int64
	RequestIP        string
	RequestTimestamp time.Time
	Kid              int64
}

// OpenSQLite opens (creating if needed) the database at path.
func OpenSQLite(path string, enc *crypto.Encryptor) (*SQLiteStore, error) {
	if enc == nil {
		return nil, errors.New("sqlite store requires an encryptor")
	}
	if path == "" {
		path = DefaultPath
	}

	// ensure directory exists
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
	}

	// create w/ restrictive permissions before sqlite touches it
	if _, err := os.Stat(path); os.IsNotExist(err) {
		file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0600)
		if err != nil {
			return nil, fmt.Errorf("failed to create database file: %w", err)
		}
		file.Close()
	}

	conn, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// one writer at a time; sqlite serializes anyway
	conn.SetMaxOpenConns(1)

	s := &SQLiteStore{
		conn:  conn,
		path:  path,
		codec: codec{enc: enc},
		now:   time.Now,
	}

	if err := s.initSchema(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to initialize database schema: %w", err)
	}

	return s, nil
}

// initSchema creates the keys and auth_logs tables if they don't exist
func (s *SQLiteStore) initSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS keys(
			kid INTEGER PRIMARY KEY AUTOINCREMENT,
			key BLOB NOT NULL,
			iv BLOB NOT NULL,
			exp INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS keys_exp_idx ON keys(exp);`,
		`CREATE TABLE IF NOT EXISTS auth_logs(
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			request_ip TEXT NOT NULL,
			request_timestamp TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			kid INTEGER
		);`,
	}

	for _, stmt := range stmts {
		if _, err := s.conn.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// Path returns the database file location.
func (s *SQLiteStore) Path() string {
	return s.path
}

func (s *SQLiteStore) Insert(ctx context.Context, priv *rsa.PrivateKey, expiry time.Time) (int64, error) {
	blob, iv, err := s.codec.seal(priv)
	if err != nil {
		return 0, err
	}

	result, err := s.conn.ExecContext(ctx,
		`INSERT INTO keys (key, iv, exp) VALUES (?, ?, ?);`, blob, iv, expiry.Unix())
	if err != nil {
		return 0, keys.NewStorageError("insert", err)
	}

	kid, err := result.LastInsertId()
	if err != nil {
		return 0, keys.NewStorageError("insert", err)
	}
	return kid, nil
}

func (s *SQLiteStore) FindBest(ctx context.Context, valid bool) (*keys.Key, error) {
	query := `SELECT kid, key, iv, exp FROM keys WHERE exp > ? ORDER BY exp DESC, kid DESC LIMIT 1;`
	if !valid {
		query = `SELECT kid, key, iv, exp FROM keys WHERE exp <= ? ORDER BY exp DESC, kid DESC LIMIT 1;`
	}

	k, err := s.codec.scanKey(s.conn.QueryRowContext(ctx, query, s.now().Unix()))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, keys.ErrNotFound
	}
	if err != nil && !errors.Is(err, keys.ErrEncoding) {
		return nil, keys.NewStorageError("find", err)
	}
	return k, err
}

func (s *SQLiteStore) ListValid(ctx context.Context) ([]*keys.Key, error) {
	rows, err := s.conn.QueryContext(ctx,
		`SELECT kid, key, iv, exp FROM keys WHERE exp > ? ORDER BY kid DESC;`, s.now().Unix())
	if err != nil {
		return nil, keys.NewStorageError("list", err)
	}
	defer rows.Close()

	var out []*keys.Key
	for rows.Next() {
		k, err := s.codec.scanKey(rows)
		if err != nil {
			if errors.Is(err, keys.ErrEncoding) {
				return nil, err
			}
			return nil, keys.NewStorageError("list", err)
		}
		out = append(out, k)
	}

	if err := rows.Err(); err != nil {
		return nil, keys.NewStorageError("list", err)
	}
	return out, nil
}

func (s *SQLiteStore) Delete(ctx context.Context, id int64) error {
	if _, err := s.conn.ExecContext(ctx, `DELETE FROM keys WHERE kid = ?;`, id); err != nil {
		return keys.NewStorageError("delete", err)
	}
	return nil
}

func (s *SQLiteStore) ForceExpire(ctx context.Context, id int64) error {
	result, err := s.conn.ExecContext(ctx,
		`UPDATE keys SET exp = ? WHERE kid = ?;`, keys.PastExpiry(s.now()).Unix(), id)
	if err != nil {
		return keys.NewStorageError("force expire", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return keys.NewStorageError("force expire", err)
	}
	if n == 0 {
		return keys.ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) DeleteExpired(ctx context.Context, before time.Time) (int64, error) {
	result, err := s.conn.ExecContext(ctx, `DELETE FROM keys WHERE exp < ?;`, before.Unix())
	if err != nil {
		return 0, keys.NewStorageError("sweep", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return 0, keys.NewStorageError("sweep", err)
	}
	return n, nil
}

func (s *SQLiteStore) Count(ctx context.Context) (int, int, error) {
	now := s.now().Unix()

	var valid, expired int
	err := s.conn.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(CASE WHEN exp > ? THEN 1 ELSE 0 END), 0),
		       COALESCE(SUM(CASE WHEN exp <= ? THEN 1 ELSE 0 END), 0)
		FROM keys;`, now, now).Scan(&valid, &expired)
	if err != nil {
		return 0, 0, keys.NewStorageError("count", err)
	}
	return valid, expired, nil
}

// LogAuthRequest records an issued token against the caller's IP.
func (s *SQLiteStore) LogAuthRequest(ctx context.Context, requestIP string, kid int64) error {
	_, err := s.conn.ExecContext(ctx,
		`INSERT INTO auth_logs (request_ip, kid) VALUES (?, ?);`, requestIP, kid)
	if err != nil {
		return keys.NewStorageError("log auth request", err)
	}
	return nil
}

// AuthLogs returns the newest entries first; limit <= 0 means all.
func (s *SQLiteStore) AuthLogs(ctx context.Context, limit int) ([]*AuthLog, error) {
	query := `SELECT id, request_ip, request_timestamp, kid FROM auth_logs ORDER BY id DESC`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, keys.NewStorageError("auth logs", err)
	}
	defer rows.Close()

	var logs []*AuthLog
	for rows.Next() {
		var entry AuthLog
		var kid sql.NullInt64
		if err := rows.Scan(&entry.ID, &entry.RequestIP, &entry.RequestTimestamp, &kid); err != nil {
			return nil, keys.NewStorageError("auth logs", err)
		}
		entry.Kid = kid.Int64
		logs = append(logs, &entry)
	}

	if err := rows.Err(); err != nil {
		return nil, keys.NewStorageError("auth logs", err)
	}
	return logs, nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}

func unixTime(sec int64) time.Time {
	return time.Unix(sec, 0)
}
