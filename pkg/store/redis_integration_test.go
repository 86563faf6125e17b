//go:build integration

package store

import (
	"context"
	"errors"
	"testing"

	"github.com/netreg-cloud/netreg/internal/testutil"
	"github.com/netreg-cloud/netreg/pkg/util"
)

func newRedisTestStore(t *testing.T) *RedisStore {
	t.Helper()
	testutil.SkipIfNoRedis(t)
	addr := testutil.RedisAddr()
	testutil.FlushDB(t, addr, testutil.TestDB)

	s := NewRedisStore(addr, testutil.TestDB)
	t.Cleanup(func() { s.Close() })
	if err := s.EnsureBucket(context.Background(), testBucket); err != nil {
		t.Fatalf("EnsureBucket: %v", err)
	}
	return s
}

func TestRedisPutGetDelete(t *testing.T) {
	ctx := context.Background()
	s := newRedisTestStore(t)

	if err := Put(ctx, s, testBucket, "a", "10", []byte(`{"v":1}`), CreateOnly()); err != nil {
		t.Fatalf("Put: %v", err)
	}
	rec, err := s.Get(ctx, testBucket, "a")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(rec.Value) != `{"v":1}` || rec.SortKey != "10" || rec.Etag == "" {
		t.Errorf("Get = %+v", rec)
	}

	if err := Delete(ctx, s, testBucket, "a", MatchEtag(rec.Etag)); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := s.Get(ctx, testBucket, "a"); !errors.Is(err, util.ErrNotFound) {
		t.Errorf("Get after delete = %v", err)
	}
}

func TestRedisBatchAtomicity(t *testing.T) {
	ctx := context.Background()
	s := newRedisTestStore(t)

	if err := Put(ctx, s, testBucket, "taken", "", []byte("1"), CreateOnly()); err != nil {
		t.Fatalf("Put: %v", err)
	}
	err := s.Batch(ctx, []Op{
		{Bucket: testBucket, Key: "fresh", Value: []byte("1"), Precond: CreateOnly()},
		{Bucket: testBucket, Key: "taken", Value: []byte("2"), Precond: CreateOnly()},
	})
	var conflict *util.ConflictError
	if !errors.As(err, &conflict) || conflict.Key != "taken" {
		t.Fatalf("Batch = %v, want conflict on 'taken'", err)
	}
	if _, err := s.Get(ctx, testBucket, "fresh"); !errors.Is(err, util.ErrNotFound) {
		t.Error("partial batch was applied")
	}
}

func TestRedisListAndGapScan(t *testing.T) {
	ctx := context.Background()
	s := newRedisTestStore(t)

	key := func(n uint64) string { return key128{lo: n}.String() }
	for _, n := range []uint64{4, 5, 6, 251} {
		if err := Put(ctx, s, testBucket, key(n), key(n), []byte("x"), CreateOnly()); err != nil {
			t.Fatalf("Put: %v", err)
		}
	}

	recs, err := s.List(ctx, testBucket, ListOpts{})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(recs) != 4 || recs[0].Key != key(4) || recs[3].Key != key(251) {
		t.Errorf("List = %v records", len(recs))
	}

	recs, err = s.List(ctx, testBucket, ListOpts{After: key(5), Limit: 1})
	if err != nil {
		t.Fatalf("List after: %v", err)
	}
	if len(recs) != 1 || recs[0].Key != key(6) {
		t.Errorf("List After = %+v", recs)
	}

	gap, err := s.GapScan(ctx, testBucket, key(4), key(251), 100)
	if err != nil {
		t.Fatalf("GapScan: %v", err)
	}
	if gap == nil || gap.Start != key(7) || gap.Length != 100 {
		t.Fatalf("GapScan = %+v", gap)
	}
}

func TestRedisDeleteBucket(t *testing.T) {
	ctx := context.Background()
	s := newRedisTestStore(t)

	if err := Put(ctx, s, testBucket, "a", "", []byte("1"), CreateOnly()); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := s.DeleteBucket(ctx, testBucket); err != nil {
		t.Fatalf("DeleteBucket: %v", err)
	}
	if _, err := s.Get(ctx, testBucket, "a"); !errors.Is(err, util.ErrNotFound) {
		t.Errorf("Get after DeleteBucket = %v", err)
	}
}
