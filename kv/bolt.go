package kv

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"go.etcd.io/bbolt"
)

var bucketEntries = []byte("entries")

// envelope wraps a stored value with its absolute expiry deadline.
type envelope struct {
	Value     []byte `json:"value"`
	ExpiresAt int64  `json:"expires_at"` // unix nanoseconds
}

func (e envelope) expired(now time.Time) bool {
	return e.ExpiresAt <= now.UnixNano()
}

// Bolt is an embedded Store backed by bbolt. Expired entries are treated as
// absent on every read; a background sweeper reclaims their space.
type Bolt struct {
	db     *bbolt.DB
	logger *slog.Logger
	now    func() time.Time
}

// BoltOption configures a Bolt store.
type BoltOption func(*Bolt)

// WithLogger sets the logger for the store.
func WithLogger(logger *slog.Logger) BoltOption {
	return func(b *Bolt) {
		b.logger = logger
	}
}

// WithNow sets the time function for testing.
func WithNow(now func() time.Time) BoltOption {
	return func(b *Bolt) {
		b.now = now
	}
}

// OpenBolt opens (creating if necessary) a bbolt-backed store at path.
func OpenBolt(path string, opts ...BoltOption) (*Bolt, error) {
	b := &Bolt{
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}

	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketEntries)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("creating bucket: %w", err)
	}

	b.db = db
	b.logger.Debug("opened bolt store", "path", path)
	return b, nil
}

// Close closes the underlying database.
func (b *Bolt) Close() error {
	if b.db == nil {
		return nil
	}
	return b.db.Close()
}

// Get returns the live value at key.
func (b *Bolt) Get(_ context.Context, key string) ([]byte, error) {
	var value []byte
	err := b.db.View(func(tx *bbolt.Tx) error {
		raw := tx.Bucket(bucketEntries).Get([]byte(key))
		if raw == nil {
			return ErrNotFound
		}
		var env envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			return fmt.Errorf("decoding entry %s: %w", key, err)
		}
		if env.expired(b.now()) {
			return ErrNotFound
		}
		value = append([]byte(nil), env.Value...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return value, nil
}

// SetNX sets key if absent. The write transaction makes the existence check
// and the set a single atomic step, closing the race between two writers.
func (b *Bolt) SetNX(_ context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	var set bool
	err := b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketEntries)
		if raw := bucket.Get([]byte(key)); raw != nil {
			var env envelope
			if err := json.Unmarshal(raw, &env); err != nil {
				return fmt.Errorf("decoding entry %s: %w", key, err)
			}
			if !env.expired(b.now()) {
				return nil // lost the race, key is live
			}
		}

		env := envelope{
			Value:     value,
			ExpiresAt: b.now().Add(ttl).UnixNano(),
		}
		raw, err := json.Marshal(env)
		if err != nil {
			return fmt.Errorf("encoding entry %s: %w", key, err)
		}
		if err := bucket.Put([]byte(key), raw); err != nil {
			return fmt.Errorf("writing entry %s: %w", key, err)
		}
		set = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return set, nil
}

// Expire renews the TTL of a live key.
func (b *Bolt) Expire(_ context.Context, key string, ttl time.Duration) (bool, error) {
	var renewed bool
	err := b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketEntries)
		raw := bucket.Get([]byte(key))
		if raw == nil {
			return nil
		}
		var env envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			return fmt.Errorf("decoding entry %s: %w", key, err)
		}
		if env.expired(b.now()) {
			return nil
		}
		env.ExpiresAt = b.now().Add(ttl).UnixNano()
		updated, err := json.Marshal(env)
		if err != nil {
			return fmt.Errorf("encoding entry %s: %w", key, err)
		}
		if err := bucket.Put([]byte(key), updated); err != nil {
			return fmt.Errorf("writing entry %s: %w", key, err)
		}
		renewed = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return renewed, nil
}

// Delete removes the given keys, returning how many were live.
func (b *Bolt) Delete(_ context.Context, keys ...string) (int, error) {
	var deleted int
	err := b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketEntries)
		for _, key := range keys {
			raw := bucket.Get([]byte(key))
			if raw == nil {
				continue
			}
			var env envelope
			if err := json.Unmarshal(raw, &env); err != nil {
				return fmt.Errorf("decoding entry %s: %w", key, err)
			}
			live := !env.expired(b.now())
			if err := bucket.Delete([]byte(key)); err != nil {
				return fmt.Errorf("deleting entry %s: %w", key, err)
			}
			if live {
				deleted++
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return deleted, nil
}

// Sweep removes all expired entries and returns how many were reclaimed.
func (b *Bolt) Sweep(_ context.Context) (int, error) {
	var reclaimed int
	err := b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketEntries)
		cursor := bucket.Cursor()

		var stale [][]byte
		for k, raw := cursor.First(); k != nil; k, raw = cursor.Next() {
			var env envelope
			if err := json.Unmarshal(raw, &env); err != nil {
				return fmt.Errorf("decoding entry %s: %w", k, err)
			}
			if env.expired(b.now()) {
				stale = append(stale, append([]byte(nil), k...))
			}
		}
		for _, k := range stale {
			if err := bucket.Delete(k); err != nil {
				return fmt.Errorf("deleting entry %s: %w", k, err)
			}
		}
		reclaimed = len(stale)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return reclaimed, nil
}
