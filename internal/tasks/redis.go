package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore is the durable Store, used when a Redis address is configured.
// Tasks live in a hash keyed by task id; records live in a sorted set scored
// by timestamp so range queries map directly onto ZRANGEBYSCORE.
type RedisStore struct {
	client *redis.Client
	prefix string
}

func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "camdash"
	}
	return &RedisStore{client: client, prefix: prefix}
}

// Ping verifies the connection; called once at startup.
func (s *RedisStore) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("tasks: redis ping: %w", err)
	}
	return nil
}

func (s *RedisStore) tasksKey() string   { return s.prefix + ":tasks" }
func (s *RedisStore) recordsKey() string { return s.prefix + ":records" }

func (s *RedisStore) SaveTask(ctx context.Context, t Task) error {
	payload, err := json.Marshal(t)
	if err != nil {
		return err
	}
	return s.client.HSet(ctx, s.tasksKey(), t.ID, payload).Err()
}

func (s *RedisStore) Task(ctx context.Context, id string) (Task, error) {
	payload, err := s.client.HGet(ctx, s.tasksKey(), id).Bytes()
	if errors.Is(err, redis.Nil) {
		return Task{}, ErrTaskNotFound
	}
	if err != nil {
		return Task{}, err
	}
	var t Task
	if err := json.Unmarshal(payload, &t); err != nil {
		return Task{}, err
	}
	return t, nil
}

func (s *RedisStore) Tasks(ctx context.Context) ([]Task, error) {
	all, err := s.client.HGetAll(ctx, s.tasksKey()).Result()
	if err != nil {
		return nil, err
	}
	out := make([]Task, 0, len(all))
	for _, payload := range all {
		var t Task
		if err := json.Unmarshal([]byte(payload), &t); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *RedisStore) UpdateTaskStatus(ctx context.Context, id string, status Status) error {
	t, err := s.Task(ctx, id)
	if err != nil {
		return err
	}
	t.Status = status
	return s.SaveTask(ctx, t)
}

func (s *RedisStore) AppendRecord(ctx context.Context, r Record) error {
	payload, err := json.Marshal(r)
	if err != nil {
		return err
	}
	return s.client.ZAdd(ctx, s.recordsKey(), redis.Z{
		Score:  float64(r.Timestamp.UnixNano()),
		Member: payload,
	}).Err()
}

func (s *RedisStore) Records(ctx context.Context, from, to time.Time) ([]Record, error) {
	min, max := "-inf", "+inf"
	if !from.IsZero() {
		min = strconv.FormatInt(from.UnixNano(), 10)
	}
	if !to.IsZero() {
		max = strconv.FormatInt(to.UnixNano(), 10)
	}
	payloads, err := s.client.ZRangeByScore(ctx, s.recordsKey(), &redis.ZRangeBy{
		Min: min,
		Max: max,
	}).Result()
	if err != nil {
		return nil, err
	}
	out := make([]Record, 0, len(payloads))
	for _, payload := range payloads {
		var r Record
		if err := json.Unmarshal([]byte(payload), &r); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}
