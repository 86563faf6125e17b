// Package store defines the versioned bucket abstraction the engine writes
// through, with two implementations: Redis (production) and in-memory
// (tests). Every record carries an opaque etag; every mutation states a
// precondition, and a batch commits all of its operations or none.
package store

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Bucket names a record namespace. Version is the bucket's schema version,
// recorded in the store so migrations can detect stale layouts.
type Bucket struct {
	Name    string
	Version int
}

// Record is a stored value plus its version metadata.
type Record struct {
	Key     string
	SortKey string
	Value   []byte
	Etag    string
	Mtime   time.Time
}

// PrecondKind selects how a write's precondition is evaluated.
type PrecondKind int

const (
	// PrecondNone applies the write unconditionally.
	PrecondNone PrecondKind = iota
	// PrecondCreate requires that no record exists at the key.
	PrecondCreate
	// PrecondMatch requires the existing record's etag to equal Etag.
	PrecondMatch
)

// Precond is a write precondition.
type Precond struct {
	Kind PrecondKind
	Etag string
}

// CreateOnly returns a create-only precondition.
func CreateOnly() Precond { return Precond{Kind: PrecondCreate} }

// MatchEtag returns a match-etag precondition.
func MatchEtag(etag string) Precond { return Precond{Kind: PrecondMatch, Etag: etag} }

// Unconditional returns an unconditional precondition.
func Unconditional() Precond { return Precond{Kind: PrecondNone} }

// Op is one operation inside a batch. SortKey positions the record in the
// bucket's ordered index; when empty the record key is used.
type Op struct {
	Bucket  Bucket
	Key     string
	SortKey string
	Value   []byte
	Delete  bool
	Precond Precond
}

// Gap is the result of a gap scan: the first run of absent sort keys.
type Gap struct {
	Start  string
	Length uint64
}

// ListOpts bounds an ordered range read.
type ListOpts struct {
	// After restricts the scan to sort keys strictly greater than this.
	After string
	// Limit caps the number of records returned; 0 means no cap.
	Limit int
	// Offset skips this many records from the start of the range.
	Offset int
}

// Store is the versioned key/value interface the engine coordinates
// through. Implementations must make Batch atomic: either every operation
// lands or none does, and a precondition failure is reported as a
// *util.ConflictError naming the first failing bucket.
type Store interface {
	Ping(ctx context.Context) error
	EnsureBucket(ctx context.Context, b Bucket) error
	DeleteBucket(ctx context.Context, b Bucket) error
	Get(ctx context.Context, b Bucket, key string) (*Record, error)
	Batch(ctx context.Context, ops []Op) error
	List(ctx context.Context, b Bucket, opts ListOpts) ([]Record, error)
	GapScan(ctx context.Context, b Bucket, lo, hi string, maxGap uint64) (*Gap, error)
	Close() error
}

// Put is a single-operation batch.
func Put(ctx context.Context, s Store, b Bucket, key, sortKey string, value []byte, pre Precond) error {
	return s.Batch(ctx, []Op{{Bucket: b, Key: key, SortKey: sortKey, Value: value, Precond: pre}})
}

// Delete is a single-operation deleting batch.
func Delete(ctx context.Context, s Store, b Bucket, key string, pre Precond) error {
	return s.Batch(ctx, []Op{{Bucket: b, Key: key, Delete: true, Precond: pre}})
}

// SortField selects the ordering of a Find result.
type SortField int

const (
	// SortByKey orders by the bucket's sort key (address order for IP
	// buckets, MAC order for the NIC bucket).
	SortByKey SortField = iota
	// SortByMtime orders by record modification time, oldest first.
	SortByMtime
)

// FindOpts bounds and orders a filtered read.
type FindOpts struct {
	Sort   SortField
	Limit  int
	Offset int
}

// Find reads a bucket and returns the records matching the filter, ordered
// and bounded per opts. Filtering happens adapter-side; buckets are small
// enough (one record per address or NIC touched) that this mirrors how the
// indexed find behaves.
func Find(ctx context.Context, s Store, b Bucket, match func(*Record) bool, opts FindOpts) ([]Record, error) {
	recs, err := s.List(ctx, b, ListOpts{})
	if err != nil {
		return nil, err
	}
	out := recs[:0]
	for i := range recs {
		if match == nil || match(&recs[i]) {
			out = append(out, recs[i])
		}
	}
	if opts.Sort == SortByMtime {
		sort.SliceStable(out, func(i, j int) bool {
			return out[i].Mtime.Before(out[j].Mtime)
		})
	}
	if opts.Offset > 0 {
		if opts.Offset >= len(out) {
			return nil, nil
		}
		out = out[opts.Offset:]
	}
	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out, nil
}

// newEtag draws a fresh opaque version token. Tokens from successive writes
// are always distinct.
func newEtag() string {
	return strings.ReplaceAll(uuid.New().String(), "-", "")[:16]
}
