package kv

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// maxConflictRetries bounds optimistic transaction retries under contention.
const maxConflictRetries = 256

// BadgerStore implements Store on Badger.
type BadgerStore struct {
	db *badger.DB
}

// OpenBadger opens a store at dir, or in memory when dir is empty.
func OpenBadger(dir string) (*BadgerStore, error) {
	opts := badger.DefaultOptions(dir).
		WithLoggingLevel(badger.ERROR)
	if dir == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger: %w", err)
	}
	return &BadgerStore{db: db}, nil
}

// Close closes the database.
func (s *BadgerStore) Close() error {
	return s.db.Close()
}

// Get returns the value of key or ErrMiss.
func (s *BadgerStore) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		out, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrMiss
	}
	if err != nil {
		return nil, fmt.Errorf("kv get %s: %w", key, err)
	}
	return out, nil
}

// Set writes key unconditionally.
func (s *BadgerStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.SetEntry(newEntry(key, value, ttl))
	})
	if err != nil {
		return fmt.Errorf("kv set %s: %w", key, err)
	}
	return nil
}

// SetNX writes key only if it does not exist.
func (s *BadgerStore) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	var written bool
	err := s.update(ctx, func(txn *badger.Txn) error {
		written = false
		_, err := txn.Get([]byte(key))
		if err == nil {
			return nil
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		written = true
		return txn.SetEntry(newEntry(key, value, ttl))
	})
	if err != nil {
		return false, fmt.Errorf("kv setnx %s: %w", key, err)
	}
	return written, nil
}

// Delete removes key. Deleting an absent key is not an error.
func (s *BadgerStore) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(key))
	})
	if err != nil {
		return fmt.Errorf("kv delete %s: %w", key, err)
	}
	return nil
}

// CompareAndDelete removes key if its current value equals value.
func (s *BadgerStore) CompareAndDelete(ctx context.Context, key string, value []byte) (bool, error) {
	var deleted bool
	err := s.update(ctx, func(txn *badger.Txn) error {
		deleted = false
		item, err := txn.Get([]byte(key))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		cur, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		if !bytes.Equal(cur, value) {
			return nil
		}
		deleted = true
		return txn.Delete([]byte(key))
	})
	if err != nil {
		return false, fmt.Errorf("kv compare-and-delete %s: %w", key, err)
	}
	return deleted, nil
}

// CompareAndSet swaps the value of key if it currently equals old.
func (s *BadgerStore) CompareAndSet(ctx context.Context, key string, old, value []byte, ttl time.Duration) (bool, error) {
	var swapped bool
	err := s.update(ctx, func(txn *badger.Txn) error {
		swapped = false
		item, err := txn.Get([]byte(key))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		cur, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		if !bytes.Equal(cur, old) {
			return nil
		}
		swapped = true
		return txn.SetEntry(newEntry(key, value, ttl))
	})
	if err != nil {
		return false, fmt.Errorf("kv compare-and-set %s: %w", key, err)
	}
	return swapped, nil
}

// Incr increments the decimal counter at key.
func (s *BadgerStore) Incr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	var n int64
	err := s.update(ctx, func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if errors.Is(err, badger.ErrKeyNotFound) {
			n = 1
			return txn.SetEntry(newEntry(key, []byte("1"), ttl))
		}
		if err != nil {
			return err
		}
		raw, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		cur, err := strconv.ParseInt(string(raw), 10, 64)
		if err != nil {
			return fmt.Errorf("counter value %q: %w", raw, err)
		}
		n = cur + 1
		e := badger.NewEntry([]byte(key), []byte(strconv.FormatInt(n, 10)))
		// Keep the original expiry.
		e.ExpiresAt = item.ExpiresAt()
		return txn.SetEntry(e)
	})
	if err != nil {
		return 0, fmt.Errorf("kv incr %s: %w", key, err)
	}
	return n, nil
}

// RunGC reclaims value-log space. In-memory stores have nothing to collect.
func (s *BadgerStore) RunGC(discardRatio float64) error {
	if s.db.Opts().InMemory {
		return nil
	}
	for {
		err := s.db.RunValueLogGC(discardRatio)
		if errors.Is(err, badger.ErrNoRewrite) {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

// update runs fn in a read-write transaction, retrying on write conflicts.
func (s *BadgerStore) update(ctx context.Context, fn func(txn *badger.Txn) error) error {
	for i := 0; ; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := s.db.Update(fn)
		if !errors.Is(err, badger.ErrConflict) || i >= maxConflictRetries {
			return err
		}
	}
}

func newEntry(key string, value []byte, ttl time.Duration) *badger.Entry {
	e := badger.NewEntry([]byte(key), value)
	if ttl > 0 {
		e = e.WithTTL(ttl)
	}
	return e
}
