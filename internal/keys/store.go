package keys

import (
	"context"
	"crypto/rsa"
	"time"
)

// Store is the registry of key records. Implementations must be safe for
// concurrent use and must never hand out a duplicate or reused id.
type Store interface {
	// Insert stores a new record and returns its id.
	Insert(ctx context.Context, priv *rsa.PrivateKey, expiry time.Time) (int64, error)

	// FindBest returns the record w/ the latest expiry among valid
	// (exp > now) or expired (exp <= now) records. ErrNotFound if none.
	FindBest(ctx context.Context, valid bool) (*Key, error)

	// ListValid returns every record w/ exp > now.
	ListValid(ctx context.Context) ([]*Key, error)

	// Delete removes a record; missing ids are a no-op.
	Delete(ctx context.Context, id int64) error

	// ForceExpire moves a record's expiry into the past.
	ForceExpire(ctx context.Context, id int64) error

	// DeleteExpired removes records w/ exp < before and reports how many.
	DeleteExpired(ctx context.Context, before time.Time) (int64, error)

	// Count reports valid and expired record counts.
	Count(ctx context.Context) (valid, expired int, err error)

	Close() error
}

// pastExpiry is the timestamp ForceExpire writes.
func pastExpiry(now time.Time) time.Time {
	return time.Unix(now.Unix()-1, 0)
}

// PastExpiry is exported for the SQL stores.
func PastExpiry(now time.Time) time.Time {
	return pastExpiry(now)
}
