package db

import (
	"context"
	"crypto/rsa"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"jwks-srv/internal/crypto"
	"jwks-srv/internal/keys"
)

// testDatabase creates a temporary database for testing
func testDatabase(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := OpenSQLite(filepath.Join(t.TempDir(), "test_keys.db"), testEncryptor(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSQLiteStore(t *testing.T) {
	runStoreSuite(t, func(t *testing.T) keys.Store {
		return testDatabase(t)
	})
}

func TestOpenSQLiteRequiresEncryptor(t *testing.T) {
	_, err := OpenSQLite(filepath.Join(t.TempDir(), "x.db"), nil)
	assert.Error(t, err)
}

func TestOpenSQLiteCreatesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "keys.db")
	s, err := OpenSQLite(path, testEncryptor(t))
	require.NoError(t, err)
	defer s.Close()

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())
	assert.Equal(t, path, s.Path())
}

func TestSQLiteKeysEncryptedAtRest(t *testing.T) {
	ctx := context.Background()
	s := testDatabase(t)

	_, err := s.Insert(ctx, testKeys(t)[0], time.Now().Add(time.Hour))
	require.NoError(t, err)

	var blob, iv []byte
	require.NoError(t, s.conn.QueryRow(`SELECT key, iv FROM keys LIMIT 1`).Scan(&blob, &iv))
	assert.NotContains(t, string(blob), "PRIVATE KEY")
	assert.Len(t, iv, testEncryptor(t).IVSize())
}

func TestSQLitePersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "keys.db")
	priv := testKeys(t)[0]

	s, err := OpenSQLite(path, testEncryptor(t))
	require.NoError(t, err)
	id, err := s.Insert(ctx, priv, time.Now().Add(time.Hour))
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = OpenSQLite(path, testEncryptor(t))
	require.NoError(t, err)
	defer s.Close()

	k, err := s.FindBest(ctx, true)
	require.NoError(t, err)
	assert.Equal(t, id, k.ID)
	assert.True(t, priv.Equal(k.PrivateKey))
}

func TestSQLiteWrongPassphrase(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "keys.db")

	s, err := OpenSQLite(path, testEncryptor(t))
	require.NoError(t, err)
	_, err = s.Insert(ctx, testKeys(t)[0], time.Now().Add(time.Hour))
	require.NoError(t, err)
	require.NoError(t, s.Close())

	other, err := crypto.NewEncryptor("some-other-key")
	require.NoError(t, err)
	s, err = OpenSQLite(path, other)
	require.NoError(t, err)
	defer s.Close()

	_, err = s.FindBest(ctx, true)
	assert.ErrorIs(t, err, keys.ErrEncoding)

	_, err = s.ListValid(ctx)
	assert.ErrorIs(t, err, keys.ErrEncoding)
}

func TestSQLiteStorageError(t *testing.T) {
	s := testDatabase(t)
	require.NoError(t, s.Close())

	_, err := s.Insert(context.Background(), testKeys(t)[0], time.Now())
	var se *keys.StorageError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "insert", se.Op)
}

func TestSQLiteAuthLogs(t *testing.T) {
	ctx := context.Background()
	s := testDatabase(t)

	require.NoError(t, s.LogAuthRequest(ctx, "192.168.1.1", 1))
	require.NoError(t, s.LogAuthRequest(ctx, "10.0.0.2", 2))

	logs, err := s.AuthLogs(ctx, 0)
	require.NoError(t, err)
	require.Len(t, logs, 2)
	assert.Equal(t, "10.0.0.2", logs[0].RequestIP)
	assert.Equal(t, int64(2), logs[0].Kid)
	assert.Equal(t, "192.168.1.1", logs[1].RequestIP)
	assert.False(t, logs[1].RequestTimestamp.IsZero())

	logs, err = s.AuthLogs(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, logs, 1)
}

func TestSQLiteManagerIntegration(t *testing.T) {
	ctx := context.Background()
	s := testDatabase(t)

	m := keys.NewManager(s, keys.Options{
		SeedExpired: true,
		Generator: keys.GeneratorFunc(func() (*rsa.PrivateKey, error) {
			return testKeys(t)[1], nil
		}),
	})
	require.NoError(t, m.Start(ctx))
	defer m.Stop()

	set, err := m.JWKS(ctx)
	require.NoError(t, err)
	require.Len(t, set.Keys, 1)

	err = m.WithSigningKey(ctx, true, func(k *keys.Key) error {
		assert.True(t, k.IsExpired(time.Now()))
		_, published := set.Find(k.KID())
		assert.False(t, published)
		return nil
	})
	require.NoError(t, err)

	n, err := m.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}
