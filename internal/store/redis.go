package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/nhle/mailcore/internal/model"
)

// RedisStore implements Store on top of Redis. Pending jobs live in a
// sorted set scored by next attempt time; members are zero-padded IDs so
// that equal scores order by ID.
type RedisStore struct {
	rdb    *redis.Client
	prefix string
}

var _ Store = (*RedisStore)(nil)

// NewRedisStore connects to addr and verifies the connection.
func NewRedisStore(ctx context.Context, addr string, db int, prefix string) (*RedisStore, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr: addr,
		DB:   db,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("connecting to redis %s: %w", addr, err)
	}
	return NewRedisStoreFromClient(rdb, prefix), nil
}

// NewRedisStoreFromClient wraps an existing client.
func NewRedisStoreFromClient(rdb *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "mailcore"
	}
	return &RedisStore{rdb: rdb, prefix: prefix}
}

func (s *RedisStore) key(parts ...string) string {
	k := s.prefix
	for _, p := range parts {
		k += ":" + p
	}
	return k
}

func member(id int64) string {
	return fmt.Sprintf("%020d", id)
}

func (s *RedisStore) jobKey(id int64) string {
	return s.key("job", strconv.FormatInt(id, 10))
}

// Close closes the client.
func (s *RedisStore) Close() error {
	return s.rdb.Close()
}

// Insert assigns an ID from a counter and schedules the job.
func (s *RedisStore) Insert(ctx context.Context, job *model.Job) (int64, error) {
	now := time.Now()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	if job.NextAttemptAt.IsZero() {
		job.NextAttemptAt = job.CreatedAt
	}
	if job.Status == "" {
		job.Status = model.JobPending
	}

	id, err := s.rdb.Incr(ctx, s.key("seq")).Result()
	if err != nil {
		return 0, fmt.Errorf("allocating job id: %w", err)
	}
	job.ID = id

	if err := s.write(ctx, job); err != nil {
		return 0, fmt.Errorf("inserting %s job: %w", job.Kind, err)
	}
	return id, nil
}

// write stores the job body and moves its ID into the index matching its
// status.
func (s *RedisStore) write(ctx context.Context, job *model.Job) error {
	body, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encoding job %d: %w", job.ID, err)
	}

	m := member(job.ID)
	pipe := s.rdb.TxPipeline()
	pipe.Set(ctx, s.jobKey(job.ID), body, 0)
	switch job.Status {
	case model.JobPending:
		pipe.ZAdd(ctx, s.key("pending"), redis.Z{
			Score:  float64(job.NextAttemptAt.UnixMilli()),
			Member: m,
		})
		pipe.SRem(ctx, s.key("inprogress"), m)
		pipe.SRem(ctx, s.key("finished"), m)
	case model.JobInProgress:
		pipe.ZRem(ctx, s.key("pending"), m)
		pipe.SAdd(ctx, s.key("inprogress"), m)
		pipe.SRem(ctx, s.key("finished"), m)
	default:
		pipe.ZRem(ctx, s.key("pending"), m)
		pipe.SRem(ctx, s.key("inprogress"), m)
		pipe.SAdd(ctx, s.key("finished"), m)
	}
	_, err = pipe.Exec(ctx)
	return err
}

// NextPending returns the lowest-scored pending job.
func (s *RedisStore) NextPending(ctx context.Context) (*model.Job, error) {
	for {
		zs, err := s.rdb.ZRangeWithScores(ctx, s.key("pending"), 0, 0).Result()
		if err != nil {
			return nil, fmt.Errorf("loading next pending job: %w", err)
		}
		if len(zs) == 0 {
			return nil, nil
		}

		m, _ := zs[0].Member.(string)
		id, err := strconv.ParseInt(m, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("corrupt pending member %q: %w", m, err)
		}

		job, err := s.Get(ctx, id)
		if errors.Is(err, ErrNotFound) {
			// Body vanished underneath the index; drop the stale entry.
			s.rdb.ZRem(ctx, s.key("pending"), m)
			continue
		}
		if err != nil {
			return nil, err
		}
		return job, nil
	}
}

// Update rewrites the job and its index membership.
func (s *RedisStore) Update(ctx context.Context, job *model.Job) error {
	n, err := s.rdb.Exists(ctx, s.jobKey(job.ID)).Result()
	if err != nil {
		return fmt.Errorf("updating job %d: %w", job.ID, err)
	}
	if n == 0 {
		return fmt.Errorf("updating job %d: %w", job.ID, ErrNotFound)
	}
	if err := s.write(ctx, job); err != nil {
		return fmt.Errorf("updating job %d: %w", job.ID, err)
	}
	return nil
}

// Delete removes the job body and index entries.
func (s *RedisStore) Delete(ctx context.Context, id int64) error {
	m := member(id)
	pipe := s.rdb.TxPipeline()
	pipe.Del(ctx, s.jobKey(id))
	pipe.ZRem(ctx, s.key("pending"), m)
	pipe.SRem(ctx, s.key("inprogress"), m)
	pipe.SRem(ctx, s.key("finished"), m)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("deleting job %d: %w", id, err)
	}
	return nil
}

// Get loads a job body.
func (s *RedisStore) Get(ctx context.Context, id int64) (*model.Job, error) {
	body, err := s.rdb.Get(ctx, s.jobKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("getting job %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("getting job %d: %w", id, err)
	}

	var job model.Job
	if err := json.Unmarshal(body, &job); err != nil {
		return nil, fmt.Errorf("decoding job %d: %w", id, err)
	}
	return &job, nil
}

// List returns every stored job ordered by ID.
func (s *RedisStore) List(ctx context.Context) ([]model.Job, error) {
	pending, err := s.rdb.ZRange(ctx, s.key("pending"), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("listing jobs: %w", err)
	}
	running, err := s.rdb.SMembers(ctx, s.key("inprogress")).Result()
	if err != nil {
		return nil, fmt.Errorf("listing jobs: %w", err)
	}

	finished, err := s.rdb.SMembers(ctx, s.key("finished")).Result()
	if err != nil {
		return nil, fmt.Errorf("listing jobs: %w", err)
	}

	members := append(append(pending, running...), finished...)
	sort.Strings(members)

	jobs := make([]model.Job, 0, len(members))
	for _, m := range members {
		id, err := strconv.ParseInt(m, 10, 64)
		if err != nil {
			continue
		}
		job, err := s.Get(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *job)
	}
	return jobs, nil
}

// ResetInProgress moves every in-progress job back to pending.
func (s *RedisStore) ResetInProgress(ctx context.Context) (int, error) {
	running, err := s.rdb.SMembers(ctx, s.key("inprogress")).Result()
	if err != nil {
		return 0, fmt.Errorf("resetting in-progress jobs: %w", err)
	}

	n := 0
	for _, m := range running {
		id, err := strconv.ParseInt(m, 10, 64)
		if err != nil {
			s.rdb.SRem(ctx, s.key("inprogress"), m)
			continue
		}
		job, err := s.Get(ctx, id)
		if errors.Is(err, ErrNotFound) {
			s.rdb.SRem(ctx, s.key("inprogress"), m)
			continue
		}
		if err != nil {
			return n, err
		}
		job.Status = model.JobPending
		if err := s.write(ctx, job); err != nil {
			return n, fmt.Errorf("resetting job %d: %w", id, err)
		}
		n++
	}
	return n, nil
}

// DeleteKind removes all listed jobs of kind.
func (s *RedisStore) DeleteKind(ctx context.Context, kind model.JobKind) (int, error) {
	jobs, err := s.List(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, j := range jobs {
		if j.Kind != kind {
			continue
		}
		if err := s.Delete(ctx, j.ID); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

// GetConfig reads a config field.
func (s *RedisStore) GetConfig(ctx context.Context, key string) (string, bool, error) {
	v, err := s.rdb.HGet(ctx, s.key("config"), key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("reading config %q: %w", key, err)
	}
	return v, true, nil
}

// SetConfig writes a config field.
func (s *RedisStore) SetConfig(ctx context.Context, key, value string) error {
	if err := s.rdb.HSet(ctx, s.key("config"), key, value).Err(); err != nil {
		return fmt.Errorf("writing config %q: %w", key, err)
	}
	return nil
}

// SetConfigs writes all fields with a single HSET.
func (s *RedisStore) SetConfigs(ctx context.Context, values map[string]string) error {
	if len(values) == 0 {
		return nil
	}
	if err := s.rdb.HSet(ctx, s.key("config"), values).Err(); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}
	return nil
}
