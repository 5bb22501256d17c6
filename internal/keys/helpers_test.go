package keys

import (
	"crypto/rand"
	"crypto/rsa"
	"sync"
	"sync/atomic"
	"testing"
)

var (
	poolOnce sync.Once
	pool     []*rsa.PrivateKey
)

func testKeyPool(t *testing.T) []*rsa.PrivateKey {
	t.Helper()
	poolOnce.Do(func() {
		for i := 0; i < 3; i++ {
			k, err := rsa.GenerateKey(rand.Reader, DefaultKeyBits)
			if err != nil {
				panic(err)
			}
			pool = append(pool, k)
		}
	})
	return pool
}

// testGenerator hands out pre-generated keys and counts calls.
type testGenerator struct {
	keys  []*rsa.PrivateKey
	calls atomic.Int64
}

func newTestGenerator(t *testing.T) *testGenerator {
	return &testGenerator{keys: testKeyPool(t)}
}

func (g *testGenerator) Generate() (*rsa.PrivateKey, error) {
	n := g.calls.Add(1)
	return g.keys[int(n)%len(g.keys)], nil
}
