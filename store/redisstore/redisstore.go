// Package redisstore implements the job-record store on Redis hashes. Each
// job record is one HASH keyed by "<prefix><jobID>"; replay slots, search
// fields, and metadata are hash fields, which makes the replay-log prefix
// query a server-side HSCAN MATCH.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"goa.design/loom/store"
)

type (
	// Options configures the Redis store.
	Options struct {
		// Client is the Redis client. Required.
		Client *redis.Client
		// KeyPrefix namespaces job keys. Defaults to "loom:job:".
		KeyPrefix string
	}

	// Store is a Redis-backed implementation of store.Store.
	Store struct {
		rdb    *redis.Client
		prefix string
	}
)

// Compile-time check that Store implements store.Store.
var _ store.Store = (*Store)(nil)

// New constructs a Redis-backed store. The Client field in opts is required.
func New(opts Options) (*Store, error) {
	if opts.Client == nil {
		return nil, errors.New("redis client is required")
	}
	prefix := opts.KeyPrefix
	if prefix == "" {
		prefix = "loom:job:"
	}
	return &Store{rdb: opts.Client, prefix: prefix}, nil
}

func (s *Store) key(jobID string) string { return s.prefix + jobID }

// FindJobFields runs HSCAN MATCH against the job hash. Redis bounds pages by
// field count only, so maxBytes is applied client-side as a soft limit; a
// page is never empty when matches remain.
func (s *Store) FindJobFields(ctx context.Context, jobID, pattern, cursor string, maxFields, maxBytes int) (string, map[string]string, error) {
	var cur uint64
	if cursor != "" {
		n, err := strconv.ParseUint(cursor, 10, 64)
		if err != nil {
			return "", nil, errors.New("malformed cursor")
		}
		cur = n
	}
	count := int64(maxFields)
	if count <= 0 {
		count = 128
	}
	out := make(map[string]string)
	bytes := 0
	for {
		kvs, next, err := s.rdb.HScan(ctx, s.key(jobID), cur, pattern, count).Result()
		if err != nil {
			return "", nil, err
		}
		for i := 0; i+1 < len(kvs); i += 2 {
			out[kvs[i]] = kvs[i+1]
			bytes += len(kvs[i]) + len(kvs[i+1])
		}
		cur = next
		if cur == 0 {
			return "", out, nil
		}
		if (maxFields > 0 && len(out) >= maxFields) || (maxBytes > 0 && bytes >= maxBytes) {
			return strconv.FormatUint(cur, 10), out, nil
		}
	}
}

// SetFields issues a single HSET; Redis reports the number of new fields.
func (s *Store) SetFields(ctx context.Context, jobID string, fields map[string]string) (int, error) {
	if len(fields) == 0 {
		return 0, nil
	}
	args := make([]any, 0, len(fields)*2)
	for k, v := range fields {
		args = append(args, k, v)
	}
	n, err := s.rdb.HSet(ctx, s.key(jobID), args...).Result()
	return int(n), err
}

// GetField returns one hash field or store.ErrFieldNotFound.
func (s *Store) GetField(ctx context.Context, jobID, field string) (string, error) {
	v, err := s.rdb.HGet(ctx, s.key(jobID), field).Result()
	if errors.Is(err, redis.Nil) {
		return "", store.ErrFieldNotFound
	}
	return v, err
}

// GetFields returns the present subset of the requested fields via HMGET.
func (s *Store) GetFields(ctx context.Context, jobID string, fields []string) (map[string]string, error) {
	if len(fields) == 0 {
		return map[string]string{}, nil
	}
	vals, err := s.rdb.HMGet(ctx, s.key(jobID), fields...).Result()
	if err != nil {
		return nil, err
	}
	out := make(map[string]string, len(fields))
	for i, v := range vals {
		if str, ok := v.(string); ok {
			out[fields[i]] = str
		}
	}
	return out, nil
}

// DeleteFields removes hash fields, returning the number removed.
func (s *Store) DeleteFields(ctx context.Context, jobID string, fields ...string) (int, error) {
	if len(fields) == 0 {
		return 0, nil
	}
	n, err := s.rdb.HDel(ctx, s.key(jobID), fields...).Result()
	return int(n), err
}

// IncrementFieldByFloat delegates to HINCRBYFLOAT.
func (s *Store) IncrementFieldByFloat(ctx context.Context, jobID, field string, delta float64) (float64, error) {
	return s.rdb.HIncrByFloat(ctx, s.key(jobID), field, delta).Result()
}

// UpdateContext applies the JSONB ops under an optimistic WATCH transaction
// so the mutated document and the replay marker commit together. Concurrent
// writers on the same job retry until the transaction lands.
func (s *Store) UpdateContext(ctx context.Context, jobID string, ops []store.ContextOp, marker string) ([]json.RawMessage, error) {
	key := s.key(jobID)
	var results []json.RawMessage
	txn := func(tx *redis.Tx) error {
		doc, err := tx.HGet(ctx, key, "context").Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		next, res, err := store.ApplyContextOps([]byte(doc), ops)
		if err != nil {
			return err
		}
		results = res
		fields := []any{"context", string(next)}
		if marker != "" {
			fields = append(fields, marker, store.EncodeMarker(res))
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, fields...)
			return nil
		})
		return err
	}
	for {
		err := s.rdb.Watch(ctx, txn, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return results, err
	}
}

// ExpireJob maps onto the key TTL; zero clears it with PERSIST.
func (s *Store) ExpireJob(ctx context.Context, jobID string, ttl time.Duration) error {
	if ttl <= 0 {
		return s.rdb.Persist(ctx, s.key(jobID)).Err()
	}
	return s.rdb.Expire(ctx, s.key(jobID), ttl).Err()
}

// DeleteJob removes the job hash.
func (s *Store) DeleteJob(ctx context.Context, jobID string) error {
	return s.rdb.Del(ctx, s.key(jobID)).Err()
}
