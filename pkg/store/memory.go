package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/netreg-cloud/netreg/pkg/util"
)

// MemStore is an in-memory Store with the same semantics as the Redis
// backend: versioned records, precondition-checked atomic batches, ordered
// index per bucket. Used by unit tests.
type MemStore struct {
	mu        sync.Mutex
	buckets   map[string]*memBucket
	lastMtime time.Time
}

type memBucket struct {
	version int
	recs    map[string]Record
}

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{buckets: make(map[string]*memBucket)}
}

func (s *MemStore) Ping(ctx context.Context) error { return nil }

func (s *MemStore) EnsureBucket(ctx context.Context, b Bucket) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if mb, ok := s.buckets[b.Name]; ok {
		if b.Version > mb.version {
			mb.version = b.Version
		}
		return nil
	}
	s.buckets[b.Name] = &memBucket{version: b.Version, recs: make(map[string]Record)}
	return nil
}

func (s *MemStore) DeleteBucket(ctx context.Context, b Bucket) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.buckets, b.Name)
	return nil
}

func (s *MemStore) Get(ctx context.Context, b Bucket, key string) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	mb, ok := s.buckets[b.Name]
	if !ok {
		return nil, util.NewNotFoundError("bucket", b.Name)
	}
	rec, ok := mb.recs[key]
	if !ok {
		return nil, util.NewNotFoundError(b.Name, key)
	}
	out := rec
	out.Value = append([]byte(nil), rec.Value...)
	return &out, nil
}

func (s *MemStore) Batch(ctx context.Context, ops []Op) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	// Check every precondition before touching anything.
	for i := range ops {
		op := &ops[i]
		mb, ok := s.buckets[op.Bucket.Name]
		if !ok {
			return util.NewNotFoundError("bucket", op.Bucket.Name)
		}
		cur, exists := mb.recs[op.Key]
		switch op.Precond.Kind {
		case PrecondCreate:
			if exists {
				return &util.ConflictError{Bucket: op.Bucket.Name, Key: op.Key}
			}
		case PrecondMatch:
			if !exists || cur.Etag != op.Precond.Etag {
				return &util.ConflictError{Bucket: op.Bucket.Name, Key: op.Key}
			}
		}
	}

	now := s.nextMtime()
	for i := range ops {
		op := &ops[i]
		mb := s.buckets[op.Bucket.Name]
		if op.Delete {
			delete(mb.recs, op.Key)
			continue
		}
		sortKey := op.SortKey
		if sortKey == "" {
			sortKey = op.Key
		}
		mb.recs[op.Key] = Record{
			Key:     op.Key,
			SortKey: sortKey,
			Value:   append([]byte(nil), op.Value...),
			Etag:    newEtag(),
			Mtime:   now,
		}
	}
	return nil
}

// nextMtime returns a strictly increasing timestamp so mtime ordering is
// total even for back-to-back batches.
func (s *MemStore) nextMtime() time.Time {
	now := time.Now()
	if !now.After(s.lastMtime) {
		now = s.lastMtime.Add(time.Nanosecond)
	}
	s.lastMtime = now
	return now
}

func (s *MemStore) List(ctx context.Context, b Bucket, opts ListOpts) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	mb, ok := s.buckets[b.Name]
	if !ok {
		return nil, util.NewNotFoundError("bucket", b.Name)
	}
	recs := make([]Record, 0, len(mb.recs))
	for _, rec := range mb.recs {
		if opts.After != "" && rec.SortKey <= opts.After {
			continue
		}
		cp := rec
		cp.Value = append([]byte(nil), rec.Value...)
		recs = append(recs, cp)
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].SortKey < recs[j].SortKey })
	if opts.Offset > 0 {
		if opts.Offset >= len(recs) {
			return nil, nil
		}
		recs = recs[opts.Offset:]
	}
	if opts.Limit > 0 && len(recs) > opts.Limit {
		recs = recs[:opts.Limit]
	}
	return recs, nil
}

func (s *MemStore) GapScan(ctx context.Context, b Bucket, lo, hi string, maxGap uint64) (*Gap, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	mb, ok := s.buckets[b.Name]
	if !ok {
		return nil, util.NewNotFoundError("bucket", b.Name)
	}
	var keys []string
	for _, rec := range mb.recs {
		if rec.SortKey >= lo && rec.SortKey <= hi {
			keys = append(keys, rec.SortKey)
		}
	}
	sort.Strings(keys)
	return scanGap(keys, maxGap)
}

func (s *MemStore) Close() error { return nil }
