package store

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/netreg-cloud/netreg/pkg/util"
)

// RedisStore keeps each record in a hash at "<bucket>|<key>" (fields value,
// etag, mtime, sortkey) with an ordered index ZSET at "<bucket>|_index"
// whose members are "<sortkey>|<key>" at score 0. Range reads and gap scans
// run over the index with ZRANGEBYLEX; batches commit through one Lua
// script so preconditions and writes are a single atomic step.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore creates a store backed by the given Redis instance.
func NewRedisStore(addr string, db int) *RedisStore {
	return &RedisStore{
		client: redis.NewClient(&redis.Options{Addr: addr, DB: db}),
	}
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

func recordKey(b Bucket, key string) string { return b.Name + "|" + key }
func indexKey(b Bucket) string              { return b.Name + "|_index" }
func metaKey(b Bucket) string               { return b.Name + "|_meta" }

func (s *RedisStore) EnsureBucket(ctx context.Context, b Bucket) error {
	cur, err := s.client.HGet(ctx, metaKey(b), "version").Result()
	if err != nil && err != redis.Nil {
		return fmt.Errorf("reading bucket meta %s: %w", b.Name, err)
	}
	if cur != "" {
		if v, _ := strconv.Atoi(cur); v >= b.Version {
			return nil
		}
	}
	return s.client.HSet(ctx, metaKey(b), "version", strconv.Itoa(b.Version)).Err()
}

func (s *RedisStore) DeleteBucket(ctx context.Context, b Bucket) error {
	members, err := s.client.ZRangeByLex(ctx, indexKey(b), &redis.ZRangeBy{Min: "-", Max: "+"}).Result()
	if err != nil {
		return fmt.Errorf("listing bucket %s: %w", b.Name, err)
	}
	keys := make([]string, 0, len(members)+2)
	for _, m := range members {
		_, key, ok := splitMember(m)
		if !ok {
			continue
		}
		keys = append(keys, recordKey(b, key))
	}
	keys = append(keys, indexKey(b), metaKey(b))
	return s.client.Del(ctx, keys...).Err()
}

func (s *RedisStore) Get(ctx context.Context, b Bucket, key string) (*Record, error) {
	vals, err := s.client.HGetAll(ctx, recordKey(b, key)).Result()
	if err != nil {
		return nil, fmt.Errorf("reading %s|%s: %w", b.Name, key, err)
	}
	if len(vals) == 0 {
		return nil, util.NewNotFoundError(b.Name, key)
	}
	return recordFromHash(key, vals), nil
}

func recordFromHash(key string, vals map[string]string) *Record {
	nanos, _ := strconv.ParseInt(vals["mtime"], 10, 64)
	return &Record{
		Key:     key,
		SortKey: vals["sortkey"],
		Value:   []byte(vals["value"]),
		Etag:    vals["etag"],
		Mtime:   time.Unix(0, nanos),
	}
}

// batchScript checks every precondition, then applies every operation.
// Returns the 0-based index of the first operation whose precondition
// failed, or -1 on success. ARGV[1] is the batch mtime; each operation
// contributes 8 ARGV entries (bucket, key, sortkey, value, delete flag,
// precondition kind, precondition etag, new etag) and 2 KEYS entries
// (record key, index key).
var batchScript = redis.NewScript(`
local n = (#ARGV - 1) / 8
for i = 0, n - 1 do
  local base = 2 + i * 8
  local rkey = KEYS[i * 2 + 1]
  local kind = ARGV[base + 5]
  local exists = redis.call('EXISTS', rkey)
  if kind == 'create' and exists == 1 then
    return i
  end
  if kind == 'match' then
    if exists == 0 then
      return i
    end
    if redis.call('HGET', rkey, 'etag') ~= ARGV[base + 6] then
      return i
    end
  end
end
for i = 0, n - 1 do
  local base = 2 + i * 8
  local rkey = KEYS[i * 2 + 1]
  local ikey = KEYS[i * 2 + 2]
  local key = ARGV[base + 1]
  local sortkey = ARGV[base + 2]
  local old = redis.call('HGET', rkey, 'sortkey')
  if ARGV[base + 4] == '1' then
    if old then
      redis.call('ZREM', ikey, old .. '|' .. key)
    end
    redis.call('DEL', rkey)
  else
    if old and old ~= sortkey then
      redis.call('ZREM', ikey, old .. '|' .. key)
    end
    redis.call('HSET', rkey,
      'value', ARGV[base + 3],
      'etag', ARGV[base + 7],
      'mtime', ARGV[1],
      'sortkey', sortkey)
    redis.call('ZADD', ikey, 0, sortkey .. '|' .. key)
  end
end
return -1
`)

func (s *RedisStore) Batch(ctx context.Context, ops []Op) error {
	if len(ops) == 0 {
		return nil
	}
	keys := make([]string, 0, len(ops)*2)
	argv := make([]interface{}, 0, 1+len(ops)*8)
	argv = append(argv, strconv.FormatInt(time.Now().UnixNano(), 10))
	for i := range ops {
		op := &ops[i]
		sortKey := op.SortKey
		if sortKey == "" {
			sortKey = op.Key
		}
		keys = append(keys, recordKey(op.Bucket, op.Key), indexKey(op.Bucket))
		del := "0"
		if op.Delete {
			del = "1"
		}
		argv = append(argv, op.Bucket.Name, op.Key, sortKey, string(op.Value),
			del, precondName(op.Precond.Kind), op.Precond.Etag, newEtag())
	}
	res, err := batchScript.Run(ctx, s.client, keys, argv...).Int64()
	if err != nil {
		return fmt.Errorf("batch: %w", err)
	}
	if res >= 0 {
		failed := &ops[res]
		return &util.ConflictError{Bucket: failed.Bucket.Name, Key: failed.Key}
	}
	return nil
}

func precondName(k PrecondKind) string {
	switch k {
	case PrecondCreate:
		return "create"
	case PrecondMatch:
		return "match"
	}
	return "none"
}

func (s *RedisStore) List(ctx context.Context, b Bucket, opts ListOpts) ([]Record, error) {
	min := "-"
	if opts.After != "" {
		// Members are "<sortkey>|<key>"; exclude every member with this
		// sort key, not just the bare string.
		min = "(" + opts.After + "\xff"
	}
	rng := &redis.ZRangeBy{Min: min, Max: "+"}
	if opts.Limit > 0 || opts.Offset > 0 {
		rng.Offset = int64(opts.Offset)
		rng.Count = int64(opts.Limit)
		if rng.Count == 0 {
			rng.Count = -1
		}
	}
	members, err := s.client.ZRangeByLex(ctx, indexKey(b), rng).Result()
	if err != nil {
		return nil, fmt.Errorf("listing %s: %w", b.Name, err)
	}
	if len(members) == 0 {
		return nil, nil
	}

	pipe := s.client.Pipeline()
	cmds := make([]*redis.StringStringMapCmd, 0, len(members))
	recKeys := make([]string, 0, len(members))
	for _, m := range members {
		_, key, ok := splitMember(m)
		if !ok {
			continue
		}
		recKeys = append(recKeys, key)
		cmds = append(cmds, pipe.HGetAll(ctx, recordKey(b, key)))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("reading %s records: %w", b.Name, err)
	}
	recs := make([]Record, 0, len(cmds))
	for i, cmd := range cmds {
		vals := cmd.Val()
		if len(vals) == 0 {
			// Record deleted between index read and hash read; skip.
			continue
		}
		recs = append(recs, *recordFromHash(recKeys[i], vals))
	}
	return recs, nil
}

func (s *RedisStore) GapScan(ctx context.Context, b Bucket, lo, hi string, maxGap uint64) (*Gap, error) {
	members, err := s.client.ZRangeByLex(ctx, indexKey(b), &redis.ZRangeBy{
		Min: "[" + lo,
		Max: "[" + hi + "\xff",
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("gap scan on %s: %w", b.Name, err)
	}
	keys := make([]string, 0, len(members))
	for _, m := range members {
		sortKey, _, ok := splitMember(m)
		if !ok || sortKey > hi {
			continue
		}
		keys = append(keys, sortKey)
	}
	return scanGap(keys, maxGap)
}

func splitMember(m string) (sortKey, key string, ok bool) {
	i := strings.IndexByte(m, '|')
	if i < 0 {
		return "", "", false
	}
	return m[:i], m[i+1:], true
}
