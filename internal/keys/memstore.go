package keys

import (
	"context"
	"crypto/rsa"
	"sort"
	"sync"
	"time"
)

// MemoryStore keeps records in a map guarded by an RWMutex.
type MemoryStore struct {
	mu   sync.RWMutex
	keys map[int64]*Key
	ids  IDSource
	now  func() time.Time
}

// NewMemoryStore creates an empty store; a nil source means SequenceIDs.
func NewMemoryStore(ids IDSource) *MemoryStore {
	if ids == nil {
		ids = &SequenceIDs{}
	}
	return &MemoryStore{
		keys: make(map[int64]*Key),
		ids:  ids,
		now:  time.Now,
	}
}

func (s *MemoryStore) Insert(_ context.Context, priv *rsa.PrivateKey, expiry time.Time) (int64, error) {
	if priv == nil {
		return 0, ErrEncoding
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.ids.Next(s.now())
	for s.keys[id] != nil {
		// ids are never overwritten
		id = s.ids.Next(s.now())
	}

	s.keys[id] = &Key{
		ID:         id,
		Expiry:     toExpiry(expiry),
		PrivateKey: priv,
		PublicKey:  &priv.PublicKey,
	}
	return id, nil
}

func (s *MemoryStore) FindBest(_ context.Context, valid bool) (*Key, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	now := s.now()
	var best *Key
	for _, k := range s.keys {
		if k.IsExpired(now) == valid {
			continue
		}
		if best == nil || k.Expiry.After(best.Expiry) ||
			(k.Expiry.Equal(best.Expiry) && k.ID > best.ID) {
			best = k
		}
	}

	if best == nil {
		return nil, ErrNotFound
	}
	cp := *best
	return &cp, nil
}

func (s *MemoryStore) ListValid(_ context.Context) ([]*Key, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	now := s.now()
	out := make([]*Key, 0, len(s.keys))
	for _, k := range s.keys {
		if !k.IsExpired(now) {
			cp := *k
			out = append(out, &cp)
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out, nil
}

func (s *MemoryStore) Get(_ context.Context, id int64) (*Key, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	k, ok := s.keys[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *k
	return &cp, nil
}

func (s *MemoryStore) Delete(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.keys, id)
	return nil
}

func (s *MemoryStore) ForceExpire(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	k, ok := s.keys[id]
	if !ok {
		return ErrNotFound
	}

	// replace rather than mutate so copies already handed out stay intact
	updated := *k
	updated.Expiry = pastExpiry(s.now())
	s.keys[id] = &updated
	return nil
}

func (s *MemoryStore) DeleteExpired(_ context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for id, k := range s.keys {
		if k.Expiry.Unix() < before.Unix() {
			delete(s.keys, id)
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) Count(_ context.Context) (int, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	now := s.now()
	var valid, expired int
	for _, k := range s.keys {
		if k.IsExpired(now) {
			expired++
		} else {
			valid++
		}
	}
	return valid, expired, nil
}

func (s *MemoryStore) Close() error {
	return nil
}
