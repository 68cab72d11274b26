// Package store persists the Task/Communication/AuditEvent aggregate to
// a single embedded database file, reloading it on startup, and scans
// for expired entities on a timer. Flushes are coalesced: a flush
// in-flight absorbs every pending signal into the next run, and the
// latest snapshot always wins.
package store

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/gob"
	"errors"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/erx-fd/fachdienst/pkg/log"
	"github.com/erx-fd/fachdienst/pkg/metrics"
	"github.com/erx-fd/fachdienst/pkg/task"
)

// ErrStateUnreadable is wrapped into every error Open or Load returns.
// Callers classify a state-file problem (operator must resolve: permissions,
// disk, schema mismatch) against a misconfigured dependency (trust anchor,
// VAU cert) with errors.Is(err, ErrStateUnreadable) rather than by matching
// error message text.
var ErrStateUnreadable = errors.New("state file unreadable")

// schemaVersion is bumped on any breaking change to the persisted
// aggregate's shape. A mismatch refuses to load rather than migrate,
// per the release policy: upgrades discard prior state.
const schemaVersion = 1

var (
	bucketMeta  = []byte("meta")
	bucketTasks = []byte("tasks")
	bucketComms = []byte("communications")
	bucketAudit = []byte("audit_events")

	keySchemaVersion = []byte("schema_version")
)

// Store owns the on-disk database file and the flush/expiry background
// loops.
type Store struct {
	db           *bolt.DB
	engine       *task.Engine
	expiryTick   time.Duration
	stopCh       chan struct{}
}

// Open opens (creating if absent) the database at path and validates
// its schema version. A version mismatch is a fatal configuration error
// the operator must resolve (delete the old state file).
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open state file: %w: %w", ErrStateUnreadable, err)
	}

	if err := db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketMeta, bucketTasks, bucketComms, bucketAudit} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}

		meta := tx.Bucket(bucketMeta)
		existing := meta.Get(keySchemaVersion)
		if existing == nil {
			buf := make([]byte, 4)
			binary.BigEndian.PutUint32(buf, schemaVersion)
			return meta.Put(keySchemaVersion, buf)
		}
		got := binary.BigEndian.Uint32(existing)
		if got != schemaVersion {
			return fmt.Errorf("%w: state file schema version %d does not match expected %d; upgrades do not migrate prior state", ErrStateUnreadable, got, schemaVersion)
		}
		return nil
	}); err != nil {
		db.Close()
		if errors.Is(err, ErrStateUnreadable) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", ErrStateUnreadable, err)
	}

	return &Store{db: db, stopCh: make(chan struct{})}, nil
}

// Close releases the database file.
func (s *Store) Close() error {
	return s.db.Close()
}

// Load reads the persisted aggregate, or returns an empty Snapshot if
// the database was just created.
func (s *Store) Load() (*task.Snapshot, error) {
	snap := &task.Snapshot{}

	err := s.db.View(func(tx *bolt.Tx) error {
		if err := decodeBucket(tx.Bucket(bucketTasks), &snap.Tasks); err != nil {
			return fmt.Errorf("decode tasks: %w", err)
		}
		if err := decodeBucket(tx.Bucket(bucketComms), &snap.Communications); err != nil {
			return fmt.Errorf("decode communications: %w", err)
		}
		if err := decodeBucket(tx.Bucket(bucketAudit), &snap.AuditEvents); err != nil {
			return fmt.Errorf("decode audit events: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStateUnreadable, err)
	}
	return snap, nil
}

// decodeBucket gob-decodes every value in bucket, appending to *out
// (out must point to a slice of gob-decodable pointers).
func decodeBucket[T any](bucket *bolt.Bucket, out *[]T) error {
	return bucket.ForEach(func(k, v []byte) error {
		var item T
		dec := gob.NewDecoder(bytes.NewReader(v))
		if err := dec.Decode(&item); err != nil {
			return fmt.Errorf("decode key %q: %w", k, err)
		}
		*out = append(*out, item)
		return nil
	})
}

// Flush replaces the persisted aggregate wholesale with snap.
func (s *Store) Flush(snap *task.Snapshot) error {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.StoreFlushDuration)

	err := s.db.Update(func(tx *bolt.Tx) error {
		if err := replaceBucket(tx, bucketTasks, snap.Tasks, func(t *task.Task) string { return t.ID }); err != nil {
			return err
		}
		if err := replaceBucket(tx, bucketComms, snap.Communications, func(c *task.Communication) string { return c.ID }); err != nil {
			return err
		}
		if err := replaceBucket(tx, bucketAudit, snap.AuditEvents, func(a *task.AuditEvent) string { return a.ID }); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		return err
	}
	metrics.StoreFlushesTotal.Inc()
	return nil
}

// replaceBucket drops and recreates bucket, then gob-encodes every item
// keyed by idFn.
func replaceBucket[T any](tx *bolt.Tx, name []byte, items []T, idFn func(T) string) error {
	if err := tx.DeleteBucket(name); err != nil && err != bolt.ErrBucketNotFound {
		return err
	}
	bucket, err := tx.CreateBucket(name)
	if err != nil {
		return err
	}
	for _, item := range items {
		var buf bytes.Buffer
		if err := gob.NewEncoder(&buf).Encode(item); err != nil {
			return fmt.Errorf("encode item: %w", err)
		}
		if err := bucket.Put([]byte(idFn(item)), buf.Bytes()); err != nil {
			return err
		}
	}
	return nil
}

// RunLoops starts the coalesced-flush consumer and the auto-expiry
// ticker against engine, until ctx is cancelled or Stop is called.
func (s *Store) RunLoops(ctx context.Context, engine *task.Engine, expiryTick time.Duration) {
	s.engine = engine
	s.expiryTick = expiryTick
	go s.flushLoop(ctx, engine)
	go s.expiryLoop(ctx, engine)
}

// Stop halts the background loops.
func (s *Store) Stop() {
	close(s.stopCh)
}

func (s *Store) flushLoop(ctx context.Context, engine *task.Engine) {
	logger := log.WithComponent("store")
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-engine.FlushRequested():
			if err := s.Flush(engine.Snapshot()); err != nil {
				logger.Error().Err(err).Msg("state flush failed")
			}
		}
	}
}

func (s *Store) expiryLoop(ctx context.Context, engine *task.Engine) {
	tick := s.expiryTick
	if tick <= 0 {
		tick = 60 * time.Second
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			n := engine.ExpireOverdue(time.Now())
			metrics.StoreExpiryScansTotal.Inc()
			if n > 0 {
				log.WithComponent("store").Info().Int("expired", n).Msg("auto-expiry scan cancelled overdue entities")
			}
		}
	}
}
