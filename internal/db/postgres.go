package db

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"jwks-srv/internal/crypto"
	"jwks-srv/internal/keys"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS keys (
	kid BIGSERIAL PRIMARY KEY,
	key BYTEA NOT NULL,
	iv  BYTEA NOT NULL,
	exp BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS keys_exp_idx ON keys (exp);
CREATE TABLE IF NOT EXISTS auth_logs (
	id BIGSERIAL PRIMARY KEY,
	request_ip TEXT NOT NULL,
	request_timestamp TIMESTAMPTZ NOT NULL DEFAULT now(),
	kid BIGINT
);`

// PostgresStore is a keys.Store backed by a PostgreSQL pool.
type PostgresStore struct {
	pool  *pgxpool.Pool
	codec codec
	now   func() time.Time
}

var _ keys.Store = (*PostgresStore)(nil)

// OpenPostgres connects, pings and applies the schema.
func OpenPostgres(ctx context.Context, databaseURL string, enc *crypto.Encryptor) (*PostgresStore, error) {
	if enc == nil {
		return nil, errors.New("postgres store requires an encryptor")
	}

	poolConfig, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to initialize database schema: %w", err)
	}

	return &PostgresStore{pool: pool, codec: codec{enc: enc}, now: time.Now}, nil
}

func (s *PostgresStore) Insert(ctx context.Context, priv *rsa.PrivateKey, expiry time.Time) (int64, error) {
	blob, iv, err := s.codec.seal(priv)
	if err != nil {
		return 0, err
	}

	var kid int64
	err = s.pool.QueryRow(ctx,
		`INSERT INTO keys (key, iv, exp) VALUES ($1, $2, $3) RETURNING kid`,
		blob, iv, expiry.Unix()).Scan(&kid)
	if err != nil {
		return 0, keys.NewStorageError("insert", err)
	}
	return kid, nil
}

func (s *PostgresStore) FindBest(ctx context.Context, valid bool) (*keys.Key, error) {
	query := `SELECT kid, key, iv, exp FROM keys WHERE exp > $1 ORDER BY exp DESC, kid DESC LIMIT 1`
	if !valid {
		query = `SELECT kid, key, iv, exp FROM keys WHERE exp <= $1 ORDER BY exp DESC, kid DESC LIMIT 1`
	}

	k, err := s.codec.scanKey(s.pool.QueryRow(ctx, query, s.now().Unix()))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, keys.ErrNotFound
	}
	if err != nil && !errors.Is(err, keys.ErrEncoding) {
		return nil, keys.NewStorageError("find", err)
	}
	return k, err
}

func (s *PostgresStore) ListValid(ctx context.Context) ([]*keys.Key, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT kid, key, iv, exp FROM keys WHERE exp > $1 ORDER BY kid DESC`, s.now().Unix())
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

func (s *PostgresStore) Delete(ctx context.Context, id int64) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM keys WHERE kid = $1`, id); err != nil {
		return keys.NewStorageError("delete", err)
	}
	return nil
}

func (s *PostgresStore) ForceExpire(ctx context.Context, id int64) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE keys SET exp = $1 WHERE kid = $2`, keys.PastExpiry(s.now()).Unix(), id)
	if err != nil {
		return keys.NewStorageError("force expire", err)
	}
	if tag.RowsAffected() == 0 {
		return keys.ErrNotFound
	}
	return nil
}

func (s *PostgresStore) DeleteExpired(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM keys WHERE exp < $1`, before.Unix())
	if err != nil {
		return 0, keys.NewStorageError("sweep", err)
	}
	return tag.RowsAffected(), nil
}

func (s *PostgresStore) Count(ctx context.Context) (int, int, error) {
	var valid, expired int
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FILTER (WHERE exp > $1), COUNT(*) FILTER (WHERE exp <= $1)
		FROM keys`, s.now().Unix()).Scan(&valid, &expired)
	if err != nil {
		return 0, 0, keys.NewStorageError("count", err)
	}
	return valid, expired, nil
}

// LogAuthRequest records an issued token against the caller's IP.
func (s *PostgresStore) LogAuthRequest(ctx context.Context, requestIP string, kid int64) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO auth_logs (request_ip, kid) VALUES ($1, $2)`, requestIP, kid)
	if err != nil {
		return keys.NewStorageError("log auth request", err)
	}
	return nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
