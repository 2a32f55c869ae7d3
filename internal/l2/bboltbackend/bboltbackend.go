// Package bboltbackend is an l2.Backend backed by an embedded bbolt
// database: single bucket, byte keys, byte values.
// bbolt has no native per-key expiry, so TTL is tracked as an 8-byte
// big-endian Unix-nano deadline prepended to the stored value (a sidecar,
// not a second bucket, so Get/Delete/Exists stay single-key lookups) and
// reaped lazily on read plus by a periodic sweep goroutine.
package bboltbackend

import (
	"context"
	"encoding/binary"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/cachekit-io/cachekit/internal/cacheerr"
	"github.com/cachekit-io/cachekit/internal/logger"
)

const bucketName = "cachekit_l2"

// Backend is an l2.Backend and l2.Locker over a bbolt database file.
type Backend struct {
	db            *bolt.DB
	log           *logger.Logger
	sweepInterval time.Duration
	stop          chan struct{}
	done          chan struct{}
}

// Option configures a Backend at construction time.
type Option func(*Backend)

// WithLogger attaches a logger; defaults to a warn-level "L2-BBOLT" logger
// if omitted.
func WithLogger(l *logger.Logger) Option { return func(b *Backend) { b.log = l } }

// WithSweepInterval overrides the default 1-minute periodic-reap interval.
// A non-positive interval disables the sweep goroutine entirely, leaving
// only the lazy reap-on-read.
func WithSweepInterval(d time.Duration) Option {
	return func(b *Backend) { b.sweepInterval = d }
}

// Open opens (or creates) the bbolt database at path and ensures the
// bucket exists.
func Open(path string, opts ...Option) (*Backend, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, cacheerr.New(cacheerr.KindPermanent, "l2.bbolt.open", "", fmt.Errorf("open bbolt database %q: %w", path, err))
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(bucketName))
		return err
	}); err != nil {
		db.Close() //nolint:errcheck // best-effort close on init failure
		return nil, cacheerr.New(cacheerr.KindPermanent, "l2.bbolt.open", "", fmt.Errorf("create bucket: %w", err))
	}

	b := &Backend{
		db:            db,
		log:           logger.New("L2-BBOLT", "warn"),
		sweepInterval: time.Minute,
		stop:          make(chan struct{}),
		done:          make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.startSweep(b.sweepInterval)
	return b, nil
}

func (b *Backend) startSweep(interval time.Duration) {
	if interval <= 0 {
		close(b.done)
		return
	}
	go func() {
		defer close(b.done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				b.sweepExpired()
			case <-b.stop:
				return
			}
		}
	}()
}

func (b *Backend) sweepExpired() {
	now := time.Now()
	var reaped int
	err := b.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket([]byte(bucketName))
		if bkt == nil {
			return nil
		}
		c := bkt.Cursor()
		var toDelete [][]byte
		for k, v := c.First(); k != nil; k, v = c.Next() {
			deadline, ok := decodeDeadline(v)
			if ok && now.After(deadline) {
				key := make([]byte, len(k))
				copy(key, k)
				toDelete = append(toDelete, key)
			}
		}
		for _, k := range toDelete {
			if err := bkt.Delete(k); err != nil {
				return err
			}
		}
		reaped = len(toDelete)
		return nil
	})
	if err != nil {
		b.log.Errorf("sweep", "bbolt sweep failed: %v", err)
		return
	}
	if reaped > 0 {
		b.log.Debug("sweep", fmt.Sprintf("reaped %d expired entries", reaped))
	}
}

// Close stops the sweep goroutine and closes the database.
func (b *Backend) Close() error {
	close(b.stop)
	<-b.done
	return b.db.Close()
}

// encodeValue prepends an 8-byte big-endian Unix-nano deadline (0 = no
// expiry) to data.
func encodeValue(data []byte, ttl time.Duration) []byte {
	out := make([]byte, 8+len(data))
	var deadline int64
	if ttl > 0 {
		deadline = time.Now().Add(ttl).UnixNano()
	}
	binary.BigEndian.PutUint64(out[:8], uint64(deadline))
	copy(out[8:], data)
	return out
}

func decodeDeadline(stored []byte) (time.Time, bool) {
	if len(stored) < 8 {
		return time.Time{}, false
	}
	nanos := int64(binary.BigEndian.Uint64(stored[:8]))
	if nanos == 0 {
		return time.Time{}, false
	}
	return time.Unix(0, nanos), true
}

func decodeValue(stored []byte) ([]byte, bool) {
	if len(stored) < 8 {
		return nil, false
	}
	deadline, hasDeadline := decodeDeadline(stored)
	if hasDeadline && time.Now().After(deadline) {
		return nil, false
	}
	data := make([]byte, len(stored)-8)
	copy(data, stored[8:])
	return data, true
}

func (b *Backend) Get(_ context.Context, key string) ([]byte, bool, error) {
	var out []byte
	var ok bool
	var expiredKeyToReap bool
	err := b.db.View(func(tx *bolt.Tx) error {
		bkt := tx.Bucket([]byte(bucketName))
		if bkt == nil {
			return nil
		}
		stored := bkt.Get([]byte(key))
		if stored == nil {
			return nil
		}
		data, fresh := decodeValue(stored)
		if !fresh {
			expiredKeyToReap = true
			return nil
		}
		out, ok = data, true
		return nil
	})
	if err != nil {
		return nil, false, cacheerr.New(cacheerr.KindTransient, "l2.bbolt.get", key, err)
	}
	if expiredKeyToReap {
		_, _ = b.Delete(context.Background(), key)
	}
	return out, ok, nil
}

func (b *Backend) Set(_ context.Context, key string, data []byte, ttl time.Duration) error {
	stored := encodeValue(data, ttl)
	err := b.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket([]byte(bucketName))
		if bkt == nil {
			return fmt.Errorf("bucket %q not found", bucketName)
		}
		return bkt.Put([]byte(key), stored)
	})
	if err != nil {
		return cacheerr.New(cacheerr.KindTransient, "l2.bbolt.set", key, err)
	}
	return nil
}

func (b *Backend) Delete(_ context.Context, key string) (bool, error) {
	var existed bool
	err := b.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket([]byte(bucketName))
		if bkt == nil {
			return nil
		}
		if bkt.Get([]byte(key)) != nil {
			existed = true
		}
		return bkt.Delete([]byte(key))
	})
	if err != nil {
		return false, cacheerr.New(cacheerr.KindTransient, "l2.bbolt.delete", key, err)
	}
	return existed, nil
}

func (b *Backend) Exists(ctx context.Context, key string) (bool, error) {
	_, ok, err := b.Get(ctx, key)
	return ok, err
}

// SetNX implements l2.Locker. bbolt transactions are serialized per
// database (one writer at a time), so a read-then-write inside a single
// Update call is atomic with respect to every other backend call.
func (b *Backend) SetNX(_ context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	var acquired bool
	err := b.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket([]byte(bucketName))
		if bkt == nil {
			return fmt.Errorf("bucket %q not found", bucketName)
		}
		if stored := bkt.Get([]byte(key)); stored != nil {
			if _, fresh := decodeValue(stored); fresh {
				return nil
			}
		}
		acquired = true
		return bkt.Put([]byte(key), encodeValue(value, ttl))
	})
	if err != nil {
		return false, cacheerr.New(cacheerr.KindTransient, "l2.bbolt.setnx", key, err)
	}
	return acquired, nil
}

// CompareDelete implements l2.Locker.
func (b *Backend) CompareDelete(_ context.Context, key string, expected []byte) (bool, error) {
	var deleted bool
	err := b.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket([]byte(bucketName))
		if bkt == nil {
			return nil
		}
		stored := bkt.Get([]byte(key))
		if stored == nil {
			return nil
		}
		data, fresh := decodeValue(stored)
		if !fresh || string(data) != string(expected) {
			return nil
		}
		deleted = true
		return bkt.Delete([]byte(key))
	})
	if err != nil {
		return false, cacheerr.New(cacheerr.KindTransient, "l2.bbolt.comparedelete", key, err)
	}
	return deleted, nil
}
