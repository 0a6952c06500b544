// Package statsstore implements the Filter Stats Store (C5): Redis-backed
// counters and token tallies for Layer 1/1.5/2 routing decisions, grounded
// on the gateway service's redisclient wrapper. A missing key always reads
// as zero; write failures are logged and returned, and the pipeline stages
// that call us discard them rather than failing (§4.5).
package statsstore

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// Store is the Redis-backed counter/token store.
type Store struct {
	rdb *redis.Client
	log *slog.Logger
}

// New parses url (redis://...) and returns a Store.
func New(url string, log *slog.Logger) (*Store, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("statsstore: invalid REDIS_URL: %w", err)
	}
	return &Store{rdb: redis.NewClient(opt), log: log}, nil
}

func (s *Store) Close() error { return s.rdb.Close() }

func (s *Store) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

const dayKeyLayout = "2006-01-02"

func dailyKey(name string, t time.Time) string {
	return fmt.Sprintf("stats:%s:%s", name, t.UTC().Format(dayKeyLayout))
}

func totalKey(name string) string {
	return "stats:" + name + ":total"
}

// Increment bumps both the all-time and today's counter for name. Errors are
// logged and returned; the pipeline stages that call it discard the error,
// so a dropped stats increment never fails a stage (§4.5).
func (s *Store) Increment(ctx context.Context, name string) error {
	pipe := s.rdb.Pipeline()
	pipe.Incr(ctx, totalKey(name))
	pipe.Incr(ctx, dailyKey(name, time.Now()))
	_, err := pipe.Exec(ctx)
	if err != nil {
		s.log.Warn("statsstore: increment failed", "name", name, "error", err)
		return fmt.Errorf("statsstore: increment %s: %w", name, err)
	}
	return nil
}

// TrackTokens adds input/output token counts under a per-stage hash, used
// to compute prompt-cache efficacy in the admin stats endpoints.
func (s *Store) TrackTokens(ctx context.Context, stage string, input, output int) error {
	key := "stats:tokens:" + stage
	pipe := s.rdb.Pipeline()
	pipe.HIncrBy(ctx, key, "prompt_tokens", int64(input))
	pipe.HIncrBy(ctx, key, "completion_tokens", int64(output))
	_, err := pipe.Exec(ctx)
	if err != nil {
		s.log.Warn("statsstore: track tokens failed", "stage", stage, "error", err)
		return fmt.Errorf("statsstore: track tokens %s: %w", stage, err)
	}
	return nil
}

// Snapshot reads the all-time counters for the given names, treating a
// missing key as zero.
func (s *Store) Snapshot(ctx context.Context, names ...string) (map[string]int64, error) {
	out := make(map[string]int64, len(names))
	pipe := s.rdb.Pipeline()
	cmds := make(map[string]*redis.StringCmd, len(names))
	for _, n := range names {
		cmds[n] = pipe.Get(ctx, totalKey(n))
	}
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, fmt.Errorf("statsstore: snapshot: %w", err)
	}
	for n, cmd := range cmds {
		v, err := cmd.Int64()
		if err != nil && err != redis.Nil {
			return nil, fmt.Errorf("statsstore: snapshot %s: %w", n, err)
		}
		out[n] = v
	}
	return out, nil
}

// DailySnapshot reads today's counters for the given names.
func (s *Store) DailySnapshot(ctx context.Context, names ...string) (map[string]int64, error) {
	out := make(map[string]int64, len(names))
	now := time.Now()
	pipe := s.rdb.Pipeline()
	cmds := make(map[string]*redis.StringCmd, len(names))
	for _, n := range names {
		cmds[n] = pipe.Get(ctx, dailyKey(n, now))
	}
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, fmt.Errorf("statsstore: daily snapshot: %w", err)
	}
	for n, cmd := range cmds {
		v, err := cmd.Int64()
		if err != nil && err != redis.Nil {
			return nil, fmt.Errorf("statsstore: daily snapshot %s: %w", n, err)
		}
		out[n] = v
	}
	return out, nil
}

// RangeSnapshot sums each name's daily counters over the last days days
// (inclusive of today), for admin endpoints that take a ?days= window
// instead of either the all-time or today-only view.
func (s *Store) RangeSnapshot(ctx context.Context, days int, names ...string) (map[string]int64, error) {
	if days <= 0 {
		days = 1
	}
	out := make(map[string]int64, len(names))
	now := time.Now()
	pipe := s.rdb.Pipeline()
	cmds := make([]map[string]*redis.StringCmd, days)
	for d := 0; d < days; d++ {
		day := now.AddDate(0, 0, -d)
		cmds[d] = make(map[string]*redis.StringCmd, len(names))
		for _, n := range names {
			cmds[d][n] = pipe.Get(ctx, dailyKey(n, day))
		}
	}
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, fmt.Errorf("statsstore: range snapshot: %w", err)
	}
	for _, day := range cmds {
		for n, cmd := range day {
			v, err := cmd.Int64()
			if err != nil && err != redis.Nil {
				return nil, fmt.Errorf("statsstore: range snapshot %s: %w", n, err)
			}
			out[n] += v
		}
	}
	return out, nil
}

// ProgressKey namespaces per-run ingest progress counters for C10 (e.g. a
// dispatcher run ID), distinct from the long-lived named counters above.
type ProgressKey string

// SetProgress records a dispatcher run's in-flight counters, expiring after
// ttl so a crashed run doesn't leave a stale counter forever.
func (s *Store) SetProgress(ctx context.Context, key ProgressKey, field string, value int64, ttl time.Duration) error {
	redisKey := "progress:" + string(key)
	pipe := s.rdb.Pipeline()
	pipe.HSet(ctx, redisKey, field, value)
	pipe.Expire(ctx, redisKey, ttl)
	_, err := pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("statsstore: set progress %s/%s: %w", key, field, err)
	}
	return nil
}

func (s *Store) GetProgress(ctx context.Context, key ProgressKey) (map[string]string, error) {
	m, err := s.rdb.HGetAll(ctx, "progress:"+string(key)).Result()
	if err != nil {
		return nil, fmt.Errorf("statsstore: get progress %s: %w", key, err)
	}
	return m, nil
}
