package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore is the production Store backend. All process instances share it;
// the claim path is a single Lua script so a job id can only ever reach one
// consumer.
type RedisStore struct {
	client *redis.Client
	prefix string
}

func NewRedisStore(redisURL string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %v", err)
	}
	return &RedisStore{
		client: redis.NewClient(opts),
		prefix: "rgbpp",
	}, nil
}

func (s *RedisStore) key(queue, part string) string {
	return fmt.Sprintf("%s:q:%s:%s", s.prefix, queue, part)
}

// claimScript promotes due delayed jobs, then hands exactly one waiting job
// to the consumer. Runs atomically inside redis.
var claimScript = redis.NewScript(`
local jobs, waiting, delayed, active, leases = KEYS[1], KEYS[2], KEYS[3], KEYS[4], KEYS[5]
local now, leaseUntil, consumer = ARGV[1], ARGV[2], ARGV[3]
local due = redis.call('ZRANGEBYSCORE', delayed, '-inf', now, 'LIMIT', 0, 100)
for _, id in ipairs(due) do
	redis.call('ZREM', delayed, id)
	redis.call('ZADD', waiting, now, id)
	local raw = redis.call('HGET', jobs, id)
	if raw then
		local job = cjson.decode(raw)
		job['state'] = 'waiting'
		redis.call('HSET', jobs, id, cjson.encode(job))
	end
end
local ids = redis.call('ZRANGE', waiting, 0, 0)
if #ids == 0 then
	return false
end
local id = ids[1]
redis.call('ZREM', waiting, id)
redis.call('ZADD', active, leaseUntil, id)
redis.call('HSET', leases, consumer, id)
local raw = redis.call('HGET', jobs, id)
local job = cjson.decode(raw)
job['state'] = 'active'
job['attempt'] = (job['attempt'] or 0) + 1
job['leased_by'] = consumer
job['lease_until'] = tonumber(leaseUntil)
raw = cjson.encode(job)
redis.call('HSET', jobs, id, raw)
return raw
`)

// requeueScript returns every lease-expired active job to waiting.
var requeueScript = redis.NewScript(`
local jobs, waiting, active, leases = KEYS[1], KEYS[2], KEYS[3], KEYS[4]
local now = ARGV[1]
local expired = redis.call('ZRANGEBYSCORE', active, '-inf', now)
for _, id in ipairs(expired) do
	redis.call('ZREM', active, id)
	redis.call('ZADD', waiting, now, id)
	local raw = redis.call('HGET', jobs, id)
	if raw then
		local job = cjson.decode(raw)
		if job['leased_by'] then
			redis.call('HDEL', leases, job['leased_by'])
		end
		job['state'] = 'waiting'
		job['leased_by'] = nil
		job['lease_until'] = nil
		redis.call('HSET', jobs, id, cjson.encode(job))
	end
end
return #expired
`)

func (s *RedisStore) Enqueue(ctx context.Context, queue, id string, payload json.RawMessage, delay time.Duration) (bool, error) {
	added, err := s.client.SAdd(ctx, s.key(queue, "ids"), id).Result()
	if err != nil {
		return false, fmt.Errorf("enqueue %s/%s: %v", queue, id, err)
	}
	if added == 0 {
		// already seen, dedup no-op
		return false, nil
	}

	now := time.Now()
	job := &Job{
		ID:         id,
		Payload:    payload,
		State:      StateWaiting,
		EnqueuedAt: now.UnixMilli(),
		NotBefore:  now.Add(delay).UnixMilli(),
	}
	target := s.key(queue, "waiting")
	score := float64(job.EnqueuedAt)
	if delay > 0 {
		job.State = StateDelayed
		target = s.key(queue, "delayed")
		score = float64(job.NotBefore)
	}
	raw, err := json.Marshal(job)
	if err != nil {
		return false, err
	}

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, s.key(queue, "jobs"), id, raw)
	pipe.ZAdd(ctx, target, redis.Z{Score: score, Member: id})
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("enqueue %s/%s: %v", queue, id, err)
	}
	return true, nil
}

func (s *RedisStore) Claim(ctx context.Context, queue, consumer string, visibility time.Duration) (*Job, error) {
	now := time.Now()
	keys := []string{
		s.key(queue, "jobs"),
		s.key(queue, "waiting"),
		s.key(queue, "delayed"),
		s.key(queue, "active"),
		s.key(queue, "leases"),
	}
	raw, err := claimScript.Run(ctx, s.client, keys,
		now.UnixMilli(), now.Add(visibility).UnixMilli(), consumer).Text()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim %s: %v", queue, err)
	}
	var job Job
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		return nil, fmt.Errorf("claim %s: decode job: %v", queue, err)
	}
	return &job, nil
}

func (s *RedisStore) FindActiveByConsumer(ctx context.Context, queue, consumer string) (*Job, error) {
	id, err := s.client.HGet(ctx, s.key(queue, "leases"), consumer).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	job, err := s.Get(ctx, queue, id)
	if err != nil {
		return nil, err
	}
	if job == nil || job.State != StateActive || job.LeasedBy != consumer {
		// stale lease pointer, e.g. the job expired back to waiting
		return nil, nil
	}
	return job, nil
}

func (s *RedisStore) Get(ctx context.Context, queue, id string) (*Job, error) {
	raw, err := s.client.HGet(ctx, s.key(queue, "jobs"), id).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var job Job
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		return nil, fmt.Errorf("get %s/%s: decode job: %v", queue, id, err)
	}
	return &job, nil
}

func (s *RedisStore) Complete(ctx context.Context, queue, id string) error {
	return s.finish(ctx, queue, id, StateCompleted, "")
}

func (s *RedisStore) Fail(ctx context.Context, queue, id, reason string) error {
	return s.finish(ctx, queue, id, StateFailed, reason)
}

// finish moves an exclusively leased job to a terminal state. The caller owns
// the lease, so read-modify-write outside a script is safe here.
func (s *RedisStore) finish(ctx context.Context, queue, id, state, reason string) error {
	job, err := s.Get(ctx, queue, id)
	if err != nil {
		return err
	}
	if job == nil {
		return fmt.Errorf("finish %s/%s: unknown job", queue, id)
	}
	if job.State == state {
		return nil
	}
	consumer := job.LeasedBy
	job.State = state
	job.LeasedBy = ""
	job.LeaseUntil = 0
	job.FailReason = reason
	raw, err := json.Marshal(job)
	if err != nil {
		return err
	}

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, s.key(queue, "jobs"), id, raw)
	pipe.ZRem(ctx, s.key(queue, "active"), id)
	if consumer != "" {
		pipe.HDel(ctx, s.key(queue, "leases"), consumer)
	}
	pipe.Incr(ctx, s.key(queue, state))
	_, err = pipe.Exec(ctx)
	return err
}

func (s *RedisStore) Retry(ctx context.Context, queue, id string, attempt int, delay time.Duration) error {
	job, err := s.Get(ctx, queue, id)
	if err != nil {
		return err
	}
	if job == nil {
		return fmt.Errorf("retry %s/%s: unknown job", queue, id)
	}
	consumer := job.LeasedBy
	job.State = StateDelayed
	job.Attempt = attempt
	job.NotBefore = time.Now().Add(delay).UnixMilli()
	job.LeasedBy = ""
	job.LeaseUntil = 0
	raw, err := json.Marshal(job)
	if err != nil {
		return err
	}

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, s.key(queue, "jobs"), id, raw)
	pipe.ZRem(ctx, s.key(queue, "active"), id)
	pipe.ZAdd(ctx, s.key(queue, "delayed"), redis.Z{Score: float64(job.NotBefore), Member: id})
	if consumer != "" {
		pipe.HDel(ctx, s.key(queue, "leases"), consumer)
	}
	_, err = pipe.Exec(ctx)
	return err
}

func (s *RedisStore) RequeueExpired(ctx context.Context, queue string) (int, error) {
	keys := []string{
		s.key(queue, "jobs"),
		s.key(queue, "waiting"),
		s.key(queue, "active"),
		s.key(queue, "leases"),
	}
	n, err := requeueScript.Run(ctx, s.client, keys, time.Now().UnixMilli()).Int()
	if err != nil && err != redis.Nil {
		return 0, fmt.Errorf("requeue expired %s: %v", queue, err)
	}
	return n, nil
}

func (s *RedisStore) Counts(ctx context.Context, queue string) (Counts, error) {
	pipe := s.client.TxPipeline()
	waiting := pipe.ZCard(ctx, s.key(queue, "waiting"))
	delayed := pipe.ZCard(ctx, s.key(queue, "delayed"))
	active := pipe.ZCard(ctx, s.key(queue, "active"))
	completed := pipe.Get(ctx, s.key(queue, StateCompleted))
	failed := pipe.Get(ctx, s.key(queue, StateFailed))
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return Counts{}, fmt.Errorf("counts %s: %v", queue, err)
	}
	completedN, _ := completed.Int64()
	failedN, _ := failed.Int64()
	return Counts{
		Waiting:   waiting.Val(),
		Delayed:   delayed.Val(),
		Active:    active.Val(),
		Completed: completedN,
		Failed:    failedN,
	}, nil
}

func (s *RedisStore) AcquireLock(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return s.client.SetNX(ctx, fmt.Sprintf("%s:lock:%s", s.prefix, key), 1, ttl).Result()
}

func (s *RedisStore) ReleaseLock(ctx context.Context, key string) error {
	return s.client.Del(ctx, fmt.Sprintf("%s:lock:%s", s.prefix, key)).Err()
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

var _ Store = (*RedisStore)(nil)
