package jobstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Backend is what the board and the processors need from a job store.
// Store and RedisStore implement it.
type Backend interface {
	SetProgress(ctx context.Context, queue, jobID string, progress int) error
	AppendLog(ctx context.Context, queue, jobID, line string) error
	Progress(ctx context.Context, queue, jobID string) (int, bool, error)
	Logs(ctx context.Context, queue, jobID string, limit int) ([]LogLine, error)
	DeleteJob(ctx context.Context, queue, jobID string) error
	DeleteQueue(ctx context.Context, queue string) error
	Close() error
}

var (
	_ Backend = (*Store)(nil)
	_ Backend = (*RedisStore)(nil)
)

// DefaultRedisPrefix namespaces every key RedisStore writes.
const DefaultRedisPrefix = "axon-board"

// RedisStore keeps progress and logs in Redis next to the queues, so every
// process attached to the same Redis sees them.
//
// Layout per queue q:
//
//	<prefix>:progress:<q>       hash job id -> progress
//	<prefix>:logs:<q>:<job id>  list of JSON LogLine
//	<prefix>:jobs:<q>           set of job ids with logs or progress
type RedisStore struct {
	rdb       *redis.Client
	prefix    string
	retention time.Duration
	now       func() time.Time
}

// NewRedisStore wraps rdb, which the store closes on Close. Keys expire
// retention after their last write; zero keeps them until deleted.
func NewRedisStore(rdb *redis.Client, retention time.Duration) *RedisStore {
	return &RedisStore{
		rdb:       rdb,
		prefix:    DefaultRedisPrefix,
		retention: retention,
		now:       time.Now,
	}
}

func (s *RedisStore) progressKey(queue string) string {
	return s.prefix + ":progress:" + queue
}

func (s *RedisStore) logsKey(queue, jobID string) string {
	return s.prefix + ":logs:" + queue + ":" + jobID
}

func (s *RedisStore) jobsKey(queue string) string {
	return s.prefix + ":jobs:" + queue
}

func (s *RedisStore) expire(ctx context.Context, pipe redis.Pipeliner, keys ...string) {
	if s.retention <= 0 {
		return
	}
	for _, k := range keys {
		pipe.Expire(ctx, k, s.retention)
	}
}

// Close closes the Redis client.
func (s *RedisStore) Close() error {
	if s == nil || s.rdb == nil {
		return nil
	}
	return s.rdb.Close()
}

// SetProgress records progress (0-100) for a job.
func (s *RedisStore) SetProgress(ctx context.Context, queue, jobID string, progress int) error {
	if err := checkKey(queue, jobID); err != nil {
		return err
	}
	if progress < 0 || progress > 100 {
		return fmt.Errorf("progress %d out of range", progress)
	}
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, s.progressKey(queue), jobID, progress)
		pipe.SAdd(ctx, s.jobsKey(queue), jobID)
		s.expire(ctx, pipe, s.progressKey(queue), s.jobsKey(queue))
		return nil
	})
	if err != nil {
		return fmt.Errorf("set progress: %w", err)
	}
	return nil
}

// Progress returns the last recorded progress. ok is false when the job never
// reported any.
func (s *RedisStore) Progress(ctx context.Context, queue, jobID string) (int, bool, error) {
	progress, err := s.rdb.HGet(ctx, s.progressKey(queue), jobID).Int()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("get progress: %w", err)
	}
	return progress, true, nil
}

// AppendLog appends one line to a job's log.
func (s *RedisStore) AppendLog(ctx context.Context, queue, jobID, line string) error {
	if err := checkKey(queue, jobID); err != nil {
		return err
	}
	raw, err := json.Marshal(LogLine{Line: line, CreatedAt: s.now().UTC()})
	if err != nil {
		return fmt.Errorf("encode log: %w", err)
	}
	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.RPush(ctx, s.logsKey(queue, jobID), raw)
		pipe.SAdd(ctx, s.jobsKey(queue), jobID)
		s.expire(ctx, pipe, s.logsKey(queue, jobID), s.jobsKey(queue))
		return nil
	})
	if err != nil {
		return fmt.Errorf("append log: %w", err)
	}
	return nil
}

// Logs returns up to limit of the most recent lines, oldest first. A limit
// <= 0 returns every line.
func (s *RedisStore) Logs(ctx context.Context, queue, jobID string, limit int) ([]LogLine, error) {
	start := int64(0)
	if limit > 0 {
		start = -int64(limit)
	}
	raws, err := s.rdb.LRange(ctx, s.logsKey(queue, jobID), start, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("query logs: %w", err)
	}

	lines := make([]LogLine, 0, len(raws))
	for _, raw := range raws {
		var l LogLine
		if err := json.Unmarshal([]byte(raw), &l); err != nil {
			return nil, fmt.Errorf("decode log: %w", err)
		}
		lines = append(lines, l)
	}
	return lines, nil
}

// DeleteJob drops everything recorded for one job.
func (s *RedisStore) DeleteJob(ctx context.Context, queue, jobID string) error {
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HDel(ctx, s.progressKey(queue), jobID)
		pipe.Del(ctx, s.logsKey(queue, jobID))
		pipe.SRem(ctx, s.jobsKey(queue), jobID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("delete job: %w", err)
	}
	return nil
}

// DeleteQueue drops everything recorded for a queue.
func (s *RedisStore) DeleteQueue(ctx context.Context, queue string) error {
	ids, err := s.rdb.SMembers(ctx, s.jobsKey(queue)).Result()
	if err != nil {
		return fmt.Errorf("list jobs: %w", err)
	}
	keys := make([]string, 0, len(ids)+2)
	keys = append(keys, s.progressKey(queue), s.jobsKey(queue))
	for _, id := range ids {
		keys = append(keys, s.logsKey(queue, id))
	}
	if err := s.rdb.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("delete queue: %w", err)
	}
	return nil
}
