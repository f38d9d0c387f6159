// Package pebblestore persists dead-letter records in an embedded Pebble
// database so captured messages survive process restarts without an
// external datastore.
package pebblestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/cockroachdb/pebble"

	"github.com/glimte/sessionq-go/deadletter"
)

// Store is a durable deadletter.Store backed by Pebble.
type Store struct {
	db   *pebble.DB
	sync pebble.WriteOptions
}

// Option configures a Store.
type Option func(*options)

type options struct {
	syncAlways   bool
	syncInterval time.Duration
	pebbleOpts   *pebble.Options
}

// WithSyncAlways forces a WAL fsync on every committed write. Slower,
// but a crash never loses an acknowledged capture.
func WithSyncAlways() Option {
	return func(o *options) {
		o.syncAlways = true
	}
}

// WithSyncInterval enables group commit, letting Pebble coalesce WAL
// syncs for writes within the interval. Ignored under WithSyncAlways.
func WithSyncInterval(d time.Duration) Option {
	return func(o *options) {
		o.syncInterval = d
	}
}

// WithPebbleOptions passes advanced tuning through to Pebble.
func WithPebbleOptions(po *pebble.Options) Option {
	return func(o *options) {
		o.pebbleOpts = po
	}
}

// Open creates or opens the store at dir.
func Open(dir string, opts ...Option) (*Store, error) {
	if dir == "" {
		return nil, errors.New("pebblestore: dir is required")
	}
	o := options{syncInterval: 5 * time.Millisecond}
	for _, opt := range opts {
		opt(&o)
	}

	po := o.pebbleOpts
	if po == nil {
		po = &pebble.Options{}
	}
	if !o.syncAlways && o.syncInterval > 0 {
		interval := o.syncInterval
		po.WALMinSyncInterval = func() time.Duration { return interval }
	}

	db, err := pebble.Open(dir, po)
	if err != nil {
		return nil, fmt.Errorf("pebblestore: open %s: %w", dir, err)
	}

	s := &Store{db: db}
	if o.syncAlways {
		s.sync = pebble.WriteOptions{Sync: true}
	}
	return s, nil
}

// Put implements deadletter.Store. The record and its expiry index entry
// commit in one batch.
func (s *Store) Put(ctx context.Context, rec deadletter.Record) error {
	value, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("pebblestore: encode record %s: %w", rec.ID, err)
	}

	b := s.db.NewBatch()
	defer b.Close()

	// An overwrite with a different expiry must not leave the old index
	// entry behind.
	if old, err := s.load(rec.Queue, rec.ID); err == nil {
		if !old.Meta.ExpiresAt.IsZero() && !old.Meta.ExpiresAt.Equal(rec.Meta.ExpiresAt) {
			if err := b.Delete(expiryKey(old.Meta.ExpiresAt, old.Queue, old.ID), nil); err != nil {
				return err
			}
		}
	} else if !errors.Is(err, deadletter.ErrRecordNotFound) {
		return err
	}

	if err := b.Set(recordKey(rec.Queue, rec.ID), value, nil); err != nil {
		return err
	}
	if !rec.Meta.ExpiresAt.IsZero() {
		if err := b.Set(expiryKey(rec.Meta.ExpiresAt, rec.Queue, rec.ID), nil, nil); err != nil {
			return err
		}
	}
	return b.Commit(&s.sync)
}

// Get implements deadletter.Store.
func (s *Store) Get(ctx context.Context, originQueue, id string) (deadletter.Record, error) {
	return s.load(originQueue, id)
}

func (s *Store) load(originQueue, id string) (deadletter.Record, error) {
	value, closer, err := s.db.Get(recordKey(originQueue, id))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return deadletter.Record{}, deadletter.ErrRecordNotFound
		}
		return deadletter.Record{}, fmt.Errorf("pebblestore: get %s/%s: %w", originQueue, id, err)
	}
	defer closer.Close()

	var rec deadletter.Record
	if err := json.Unmarshal(value, &rec); err != nil {
		return deadletter.Record{}, fmt.Errorf("pebblestore: decode record %s: %w", id, err)
	}
	return rec, nil
}

// Delete implements deadletter.Store.
func (s *Store) Delete(ctx context.Context, originQueue, id string) error {
	rec, err := s.load(originQueue, id)
	if err != nil {
		return err
	}

	b := s.db.NewBatch()
	defer b.Close()
	if err := b.Delete(recordKey(originQueue, id), nil); err != nil {
		return err
	}
	if !rec.Meta.ExpiresAt.IsZero() {
		if err := b.Delete(expiryKey(rec.Meta.ExpiresAt, originQueue, id), nil); err != nil {
			return err
		}
	}
	return b.Commit(&s.sync)
}

// List implements deadletter.Store. Records come back in id order, which
// for UUIDv7 ids is capture order.
func (s *Store) List(ctx context.Context, originQueue string, opts deadletter.ListOptions) ([]deadletter.Record, error) {
	prefix := recordPrefix(originQueue)
	lower := prefix
	if opts.AfterID != "" {
		// Seek just past the cursor key.
		lower = append(recordKey(originQueue, opts.AfterID), 0x00)
	}

	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: lower,
		UpperBound: prefixUpperBound(prefix),
	})
	if err != nil {
		return nil, fmt.Errorf("pebblestore: list %s: %w", originQueue, err)
	}
	defer iter.Close()

	var recs []deadletter.Record
	for ok := iter.First(); ok; ok = iter.Next() {
		var rec deadletter.Record
		if err := json.Unmarshal(iter.Value(), &rec); err != nil {
			return nil, fmt.Errorf("pebblestore: decode record at %q: %w", iter.Key(), err)
		}
		recs = append(recs, rec)
		if opts.Limit > 0 && len(recs) >= opts.Limit {
			break
		}
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("pebblestore: list %s: %w", originQueue, err)
	}
	return recs, nil
}

// Expired implements deadletter.Store using a bounded scan over the
// expiry index. Dangling index entries whose record is already gone are
// cleaned up as they are found.
func (s *Store) Expired(ctx context.Context, originQueue string, now time.Time) ([]deadletter.Record, error) {
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(prefixExpiry),
		UpperBound: expiryUpperBound(now),
	})
	if err != nil {
		return nil, fmt.Errorf("pebblestore: expired scan: %w", err)
	}
	defer iter.Close()

	var (
		recs     []deadletter.Record
		dangling [][]byte
	)
	for ok := iter.First(); ok; ok = iter.Next() {
		origin, id, ok := splitExpiryKey(iter.Key())
		if !ok || origin != originQueue {
			continue
		}
		rec, err := s.load(origin, id)
		if errors.Is(err, deadletter.ErrRecordNotFound) {
			dangling = append(dangling, append([]byte(nil), iter.Key()...))
			continue
		}
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("pebblestore: expired scan: %w", err)
	}

	if len(dangling) > 0 {
		b := s.db.NewBatch()
		defer b.Close()
		for _, key := range dangling {
			if err := b.Delete(key, nil); err != nil {
				return recs, err
			}
		}
		if err := b.Commit(&s.sync); err != nil {
			return recs, err
		}
	}

	sort.Slice(recs, func(i, j int) bool { return recs[i].ID < recs[j].ID })
	return recs, nil
}

// Queues implements deadletter.Store by skip-scanning the record keyspace,
// one seek per distinct origin queue.
func (s *Store) Queues(ctx context.Context) ([]string, error) {
	prefix := []byte(prefixRecord)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixUpperBound(prefix),
	})
	if err != nil {
		return nil, fmt.Errorf("pebblestore: queues scan: %w", err)
	}
	defer iter.Close()

	var queues []string
	for ok := iter.First(); ok; {
		origin, _, valid := splitRecordKey(iter.Key())
		if !valid {
			ok = iter.Next()
			continue
		}
		queues = append(queues, origin)
		// Jump past every remaining record of this origin.
		ok = iter.SeekGE(prefixUpperBound(recordPrefix(origin)))
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("pebblestore: queues scan: %w", err)
	}
	return queues, nil
}

// Close implements deadletter.Store.
func (s *Store) Close() error {
	return s.db.Close()
}
