// Package kv is the tuple-packed transactional KV façade. It stands in for
// the black-box embedded database (universaldb) the platform is specified
// against, backed concretely by go.etcd.io/bbolt the way the teacher's own
// storage driver is.
package kv

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	bolt "go.etcd.io/bbolt"

	"github.com/pegboardhq/engine/pkg/log"
)

// Isolation selects how a read observes concurrent writers. bbolt's
// transaction model gives every read-only transaction a consistent
// point-in-time view already, so Snapshot is implemented identically to
// Serializable here — a deliberate simplification of the black box's
// contract, not a silent gap (see DESIGN.md).
type Isolation int

const (
	Serializable Isolation = iota
	Snapshot
)

var (
	// ErrRetryableConflict is raised by AtomicOp when its compare-and-swap
	// guard fails; Run retries the whole closure.
	ErrRetryableConflict = errors.New("kv: retryable conflict")
	// ErrTooOld is raised when a transaction exceeds its wall-clock budget.
	ErrTooOld = errors.New("kv: transaction too old")
	// ErrEmptyValue is returned by Codec.Decode on a zero-length value.
	ErrEmptyValue = errors.New("kv: empty value")
)

var bucketName = []byte("pegboard")

// DB wraps a single bbolt database file as the process's transactional KV.
type DB struct {
	bolt *bolt.DB
}

// Open opens (creating if absent) the KV file at path and ensures its single
// top-level bucket exists.
func Open(path string) (*DB, error) {
	b, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("kv: open %s: %w", path, err)
	}
	err = b.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketName)
		return err
	})
	if err != nil {
		b.Close()
		return nil, err
	}
	return &DB{bolt: b}, nil
}

// Close closes the underlying database file.
func (db *DB) Close() error {
	return db.bolt.Close()
}

// Txn is a single KV transaction. It is not safe for concurrent use; each
// goroutine driving a transaction should obtain its own via Run.
type Txn struct {
	tx *bolt.Tx
}

// Get returns the raw value for key, or (nil, false) if absent.
func (t *Txn) Get(key Key) ([]byte, bool) {
	v := t.tx.Bucket(bucketName).Get(key.Pack())
	if v == nil {
		return nil, false
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, true
}

// Exists reports whether key has a value.
func (t *Txn) Exists(key Key) bool {
	_, ok := t.Get(key)
	return ok
}

// Set writes value for key unconditionally.
func (t *Txn) Set(key Key, value []byte) error {
	return t.tx.Bucket(bucketName).Put(key.Pack(), value)
}

// Delete removes key, a no-op if absent.
func (t *Txn) Delete(key Key) error {
	return t.tx.Bucket(bucketName).Delete(key.Pack())
}

// AtomicOp performs a compare-and-swap: if the current value (as returned by
// Get) does not equal expect (both nil meaning "absent"), it returns
// ErrRetryableConflict; otherwise it writes newValue (nil meaning delete).
// This is the KV façade's only mutation primitive for contended keys, e.g.
// allocation-index slot reservation.
func (t *Txn) AtomicOp(key Key, expect []byte, newValue []byte) error {
	cur, ok := t.Get(key)
	if ok != (expect != nil) || (ok && string(cur) != string(expect)) {
		return ErrRetryableConflict
	}
	if newValue == nil {
		return t.Delete(key)
	}
	return t.Set(key, newValue)
}

// Entry is one key/value pair returned by GetRange.
type Entry struct {
	Key   []byte
	Value []byte
}

// GetRange returns up to limit entries with keys in [prefix, end-of-prefix),
// ordered ascending by key. limit <= 0 means unbounded.
func (t *Txn) GetRange(prefix []byte, limit int) []Entry {
	c := t.tx.Bucket(bucketName).Cursor()
	var out []Entry
	for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
		entry := Entry{Key: append([]byte(nil), k...), Value: append([]byte(nil), v...)}
		out = append(out, entry)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}

func hasPrefix(k, prefix []byte) bool {
	if len(k) < len(prefix) {
		return false
	}
	for i := range prefix {
		if k[i] != prefix[i] {
			return false
		}
	}
	return true
}

// Run executes fn inside a fresh transaction, retrying on
// ErrRetryableConflict with exponential backoff and jitter (base 10ms, cap
// 1.28s), for at most 20 attempts. ErrTooOld is not retried: Run returns it
// once an attempt would start more than 5s after Run began. fn must
// be idempotent or guard itself with a unique-write check, since after a
// retry the previous attempt's effects may already be committed
// (maybe_committed).
func Run(ctx context.Context, db *DB, writable bool, fn func(*Txn) error) error {
	deadline := time.Now().Add(5 * time.Second)

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 10 * time.Millisecond
	bo.MaxInterval = 1280 * time.Millisecond
	bo.RandomizationFactor = 0.1
	bo.MaxElapsedTime = 0 // bounded by deadline/attempts below, not wall-clock here
	bob := backoff.WithContext(bo, ctx)

	attempts := 0
	const maxAttempts = 20

	operation := func() error {
		if time.Now().After(deadline) {
			return backoff.Permanent(ErrTooOld)
		}
		attempts++
		if attempts > maxAttempts {
			return backoff.Permanent(fmt.Errorf("kv: %w after %d attempts", errMaxRetries, attempts))
		}

		var txErr error
		if writable {
			txErr = db.bolt.Update(func(tx *bolt.Tx) error {
				return fn(&Txn{tx: tx})
			})
		} else {
			txErr = db.bolt.View(func(tx *bolt.Tx) error {
				return fn(&Txn{tx: tx})
			})
		}

		if errors.Is(txErr, ErrRetryableConflict) {
			log.WithComponent("kv").Debug().Msg("retrying transaction after conflict")
			return txErr
		}
		if txErr != nil {
			return backoff.Permanent(txErr)
		}
		return nil
	}

	err := backoff.Retry(operation, bob)
	if err == nil {
		return nil
	}
	// unwrap backoff.Permanent's wrapping so callers see the real error
	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		return perm.Err
	}
	return err
}

var errMaxRetries = errors.New("max retries reached")
