package db

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"jwks-srv/internal/crypto"
	"jwks-srv/internal/keys"
)

const testPassphrase = "test-not-my-key"

var (
	poolOnce sync.Once
	pool     []*rsa.PrivateKey
)

func testKeys(t *testing.T) []*rsa.PrivateKey {
	t.Helper()
	poolOnce.Do(func() {
		for i := 0; i < 2; i++ {
			k, err := rsa.GenerateKey(rand.Reader, keys.DefaultKeyBits)
			if err != nil {
				panic(err)
			}
			pool = append(pool, k)
		}
	})
	return pool
}

func testEncryptor(t *testing.T) *crypto.Encryptor {
	t.Helper()
	enc, err := crypto.NewEncryptor(testPassphrase)
	require.NoError(t, err)
	return enc
}

// runStoreSuite exercises the keys.Store contract against a backend.
func runStoreSuite(t *testing.T, open func(t *testing.T) keys.Store) {
	t.Run("insert and find", func(t *testing.T) {
		ctx := context.Background()
		s := open(t)
		privs := testKeys(t)
		now := time.Now()

		validID, err := s.Insert(ctx, privs[0], now.Add(time.Hour))
		require.NoError(t, err)
		expiredID, err := s.Insert(ctx, privs[1], now.Add(-time.Hour))
		require.NoError(t, err)
		assert.Greater(t, expiredID, validID)

		k, err := s.FindBest(ctx, true)
		require.NoError(t, err)
		assert.Equal(t, validID, k.ID)
		assert.Equal(t, now.Add(time.Hour).Unix(), k.Expiry.Unix())
		assert.True(t, privs[0].Equal(k.PrivateKey))
		assert.True(t, privs[0].PublicKey.Equal(k.PublicKey))

		k, err = s.FindBest(ctx, false)
		require.NoError(t, err)
		assert.Equal(t, expiredID, k.ID)
		assert.True(t, privs[1].Equal(k.PrivateKey))
	})

	t.Run("empty", func(t *testing.T) {
		ctx := context.Background()
		s := open(t)

		_, err := s.FindBest(ctx, true)
		assert.ErrorIs(t, err, keys.ErrNotFound)
		_, err = s.FindBest(ctx, false)
		assert.ErrorIs(t, err, keys.ErrNotFound)

		valid, err := s.ListValid(ctx)
		require.NoError(t, err)
		assert.Empty(t, valid)

		nValid, nExpired, err := s.Count(ctx)
		require.NoError(t, err)
		assert.Zero(t, nValid)
		assert.Zero(t, nExpired)
	})

	t.Run("latest expiry wins", func(t *testing.T) {
		ctx := context.Background()
		s := open(t)
		priv := testKeys(t)[0]
		now := time.Now()

		_, _ = s.Insert(ctx, priv, now.Add(2*time.Hour))
		latest, err := s.Insert(ctx, priv, now.Add(3*time.Hour))
		require.NoError(t, err)
		_, _ = s.Insert(ctx, priv, now.Add(time.Hour))

		k, err := s.FindBest(ctx, true)
		require.NoError(t, err)
		assert.Equal(t, latest, k.ID)
	})

	t.Run("list valid", func(t *testing.T) {
		ctx := context.Background()
		s := open(t)
		priv := testKeys(t)[0]
		now := time.Now()

		a, _ := s.Insert(ctx, priv, now.Add(time.Hour))
		_, _ = s.Insert(ctx, priv, now.Add(-time.Hour))
		b, _ := s.Insert(ctx, priv, now.Add(time.Minute))

		valid, err := s.ListValid(ctx)
		require.NoError(t, err)
		require.Len(t, valid, 2)
		assert.Equal(t, b, valid[0].ID)
		assert.Equal(t, a, valid[1].ID)
	})

	t.Run("force expire", func(t *testing.T) {
		ctx := context.Background()
		s := open(t)
		id, err := s.Insert(ctx, testKeys(t)[0], time.Now().Add(time.Hour))
		require.NoError(t, err)

		require.NoError(t, s.ForceExpire(ctx, id))

		_, err = s.FindBest(ctx, true)
		assert.ErrorIs(t, err, keys.ErrNotFound)

		k, err := s.FindBest(ctx, false)
		require.NoError(t, err)
		assert.Equal(t, id, k.ID)
		assert.True(t, k.IsExpired(time.Now()))

		assert.ErrorIs(t, s.ForceExpire(ctx, id+1000), keys.ErrNotFound)
	})

	t.Run("delete", func(t *testing.T) {
		ctx := context.Background()
		s := open(t)
		id, _ := s.Insert(ctx, testKeys(t)[0], time.Now().Add(time.Hour))

		require.NoError(t, s.Delete(ctx, id))
		require.NoError(t, s.Delete(ctx, id))

		_, err := s.FindBest(ctx, true)
		assert.ErrorIs(t, err, keys.ErrNotFound)
	})

	t.Run("delete expired", func(t *testing.T) {
		ctx := context.Background()
		s := open(t)
		priv := testKeys(t)[0]
		now := time.Now()

		_, _ = s.Insert(ctx, priv, now.Add(-2*time.Hour))
		_, _ = s.Insert(ctx, priv, now.Add(-time.Minute))
		_, _ = s.Insert(ctx, priv, now.Add(time.Hour))

		n, err := s.DeleteExpired(ctx, now.Add(-time.Hour))
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)

		n, err = s.DeleteExpired(ctx, now)
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)

		// second sweep is a no-op
		n, err = s.DeleteExpired(ctx, now)
		require.NoError(t, err)
		assert.Zero(t, n)

		nValid, nExpired, err := s.Count(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, nValid)
		assert.Zero(t, nExpired)
	})

	t.Run("ids never reused", func(t *testing.T) {
		ctx := context.Background()
		s := open(t)
		priv := testKeys(t)[0]

		first, _ := s.Insert(ctx, priv, time.Now().Add(-time.Hour))
		_, err := s.DeleteExpired(ctx, time.Now())
		require.NoError(t, err)

		second, err := s.Insert(ctx, priv, time.Now().Add(time.Hour))
		require.NoError(t, err)
		assert.Greater(t, second, first)
	})

	t.Run("nil key", func(t *testing.T) {
		s := open(t)
		_, err := s.Insert(context.Background(), nil, time.Now())
		assert.ErrorIs(t, err, keys.ErrEncoding)
	})

	t.Run("concurrent inserts", func(t *testing.T) {
		ctx := context.Background()
		s := open(t)
		priv := testKeys(t)[0]
		const n = 20

		ids := make([]int64, n)
		var wg sync.WaitGroup
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				id, err := s.Insert(ctx, priv, time.Now().Add(time.Hour))
				assert.NoError(t, err)
				ids[i] = id
			}(i)
		}
		wg.Wait()

		seen := make(map[int64]bool, n)
		for _, id := range ids {
			assert.False(t, seen[id], "duplicate id %d", id)
			seen[id] = true
		}

		valid, err := s.ListValid(ctx)
		require.NoError(t, err)
		assert.Len(t, valid, n)
	})
}
