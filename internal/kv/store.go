package kv

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	cserrors "github.com/osvaldoandrade/lambda-tester/internal/errors"
	"github.com/osvaldoandrade/lambda-tester/internal/report"
)

const defaultListLimit = 50

// Store keeps expectation reports in Redis or KVRocks. Each report is a JSON
// string with a TTL, indexed per suite in a sorted set scored by creation
// time.
type Store struct {
	client *redis.Client
	ttl    time.Duration
}

func NewStore(addr, password string, ttl time.Duration) *Store {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     16,
		MinIdleConns: 2,
	})
	return &Store{client: client, ttl: ttl}
}

func (s *Store) Close() error {
	return s.client.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return cserrors.Wrap(cserrors.CSKVUnavailable, "kvrocks ping failed", err)
	}
	return nil
}

func (s *Store) SaveReport(ctx context.Context, r report.Report) error {
	raw, err := json.Marshal(r)
	if err != nil {
		return cserrors.Wrap(cserrors.CSKVWriteFailed, "failed to encode report", err)
	}
	idxKey := SuiteIndexKey(r.Suite)
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, ReportKey(r.ID), raw, s.ttl)
	pipe.ZAdd(ctx, idxKey, redis.Z{Score: float64(r.CreatedAtMS), Member: r.ID})
	pipe.SAdd(ctx, SuitesKey(), r.Suite)
	if s.ttl > 0 {
		pipe.Expire(ctx, idxKey, s.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return cserrors.Wrap(cserrors.CSKVWriteFailed, "failed to save report", err)
	}
	return nil
}

func (s *Store) GetReport(ctx context.Context, id string) (report.Report, error) {
	var out report.Report
	raw, err := s.client.Get(ctx, ReportKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return out, report.NotFound(id)
		}
		return out, cserrors.Wrap(cserrors.CSKVReadFailed, "failed to read report", err)
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, cserrors.Wrap(cserrors.CSKVReadFailed, "failed to decode report", err)
	}
	return out, nil
}

// ListReports returns up to limit reports of a suite, newest first. Index
// entries whose report expired are dropped from the index.
func (s *Store) ListReports(ctx context.Context, suite string, limit int) ([]report.Report, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	idxKey := SuiteIndexKey(suite)
	ids, err := s.client.ZRevRange(ctx, idxKey, 0, int64(limit-1)).Result()
	if err != nil {
		return nil, cserrors.Wrap(cserrors.CSKVReadFailed, "failed to list reports", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = ReportKey(id)
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, cserrors.Wrap(cserrors.CSKVReadFailed, "failed to read reports", err)
	}
	out := make([]report.Report, 0, len(values))
	var expired []any
	for i, v := range values {
		raw, ok := v.(string)
		if !ok {
			expired = append(expired, ids[i])
			continue
		}
		var r report.Report
		if err := json.Unmarshal([]byte(raw), &r); err != nil {
			continue
		}
		out = append(out, r)
	}
	if len(expired) > 0 {
		_ = s.client.ZRem(ctx, idxKey, expired...).Err()
	}
	return out, nil
}

func (s *Store) ListSuites(ctx context.Context) ([]string, error) {
	suites, err := s.client.SMembers(ctx, SuitesKey()).Result()
	if err != nil {
		return nil, cserrors.Wrap(cserrors.CSKVReadFailed, "failed to list suites", err)
	}
	sort.Strings(suites)
	return suites, nil
}
