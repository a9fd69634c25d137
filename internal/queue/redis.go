package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/iago/creator-ingest/internal/domain"
	"github.com/redis/go-redis/v9"
)

// Wait-list scores are priority*1e12 + a per-queue sequence, so a lower
// priority value runs first and equal priorities run in submission order.
var addScript = redis.NewScript(`
local prefix = ARGV[1]
local jobId = ARGV[2]
local dedupKey = ARGV[3]
if dedupKey ~= '' then
  local existing = redis.call('HGET', KEYS[1], dedupKey)
  if existing then
    local state = redis.call('HGET', prefix .. 'job:' .. existing, 'state')
    if state and state ~= 'completed' and state ~= 'failed' then
      return {0, existing}
    end
    redis.call('ZREM', KEYS[4], existing)
    redis.call('ZREM', KEYS[5], existing)
    redis.call('DEL', prefix .. 'job:' .. existing)
  end
  redis.call('HSET', KEYS[1], dedupKey, jobId)
end
local now = tonumber(ARGV[6])
local readyAt = tonumber(ARGV[5])
local state = 'waiting'
if readyAt > now then
  state = 'delayed'
else
  readyAt = now
end
redis.call('HSET', prefix .. 'job:' .. jobId,
  'id', jobId, 'queue', ARGV[10], 'type', ARGV[7], 'dedup_key', dedupKey,
  'payload', ARGV[8], 'priority', ARGV[4], 'attempts', 0, 'max_attempts', ARGV[9],
  'state', state, 'stalled_count', 0, 'created_at', now, 'ready_at', readyAt)
if state == 'delayed' then
  redis.call('ZADD', KEYS[3], readyAt, jobId)
else
  local seq = redis.call('INCR', KEYS[6])
  redis.call('ZADD', KEYS[2], tonumber(ARGV[4]) * 1e12 + seq, jobId)
end
return {1, jobId}
`)

var claimScript = redis.NewScript(`
local prefix = ARGV[1]
local now = tonumber(ARGV[2])
local due = redis.call('ZRANGEBYSCORE', KEYS[2], '-inf', now, 'LIMIT', 0, 1000)
for _, id in ipairs(due) do
  local key = prefix .. 'job:' .. id
  redis.call('ZREM', KEYS[2], id)
  local priority = tonumber(redis.call('HGET', key, 'priority') or '0')
  local seq = redis.call('INCR', KEYS[4])
  redis.call('ZADD', KEYS[1], priority * 1e12 + seq, id)
  redis.call('HSET', key, 'state', 'waiting')
end
local popped = redis.call('ZPOPMIN', KEYS[1])
if #popped == 0 then
  return false
end
local id = popped[1]
local key = prefix .. 'job:' .. id
redis.call('HINCRBY', key, 'attempts', 1)
redis.call('HSET', key, 'state', 'active', 'processed_at', now,
  'lease_token', ARGV[4], 'lease_expiry', ARGV[3])
redis.call('ZADD', KEYS[3], ARGV[3], id)
return redis.call('HGETALL', key)
`)

var extendScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return -1
end
if redis.call('HGET', KEYS[1], 'state') ~= 'active' or redis.call('HGET', KEYS[1], 'lease_token') ~= ARGV[1] then
  return 0
end
redis.call('HSET', KEYS[1], 'lease_expiry', ARGV[2])
redis.call('ZADD', KEYS[2], ARGV[2], ARGV[3])
return 1
`)

var completeScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return -1
end
if redis.call('HGET', KEYS[1], 'state') ~= 'active' or redis.call('HGET', KEYS[1], 'lease_token') ~= ARGV[1] then
  return 0
end
redis.call('ZREM', KEYS[2], ARGV[4])
redis.call('HSET', KEYS[1], 'state', 'completed', 'finished_at', ARGV[2], 'result', ARGV[3],
  'failed_reason', '', 'lease_token', '', 'lease_expiry', 0)
redis.call('ZADD', KEYS[3], ARGV[2], ARGV[4])
return 1
`)

var failScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return -1
end
if redis.call('HGET', KEYS[1], 'state') ~= 'active' or redis.call('HGET', KEYS[1], 'lease_token') ~= ARGV[1] then
  return 0
end
redis.call('ZREM', KEYS[2], ARGV[4])
redis.call('HSET', KEYS[1], 'failed_reason', ARGV[3], 'lease_token', '', 'lease_expiry', 0)
if ARGV[5] ~= '' then
  redis.call('HSET', KEYS[1], 'state', 'delayed', 'ready_at', ARGV[5])
  redis.call('ZADD', KEYS[3], ARGV[5], ARGV[4])
else
  redis.call('HSET', KEYS[1], 'state', 'failed', 'finished_at', ARGV[2])
  redis.call('ZADD', KEYS[4], ARGV[2], ARGV[4])
end
return 1
`)

var recoverScript = redis.NewScript(`
local prefix = ARGV[1]
local expired = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[2], 'LIMIT', 0, 1000)
local requeued = 0
local failed = 0
for _, id in ipairs(expired) do
  local key = prefix .. 'job:' .. id
  redis.call('ZREM', KEYS[1], id)
  local stalled = redis.call('HINCRBY', key, 'stalled_count', 1)
  redis.call('HSET', key, 'lease_token', '', 'lease_expiry', 0)
  if stalled > tonumber(ARGV[3]) then
    redis.call('HSET', key, 'state', 'failed', 'failed_reason', ARGV[4], 'finished_at', ARGV[2])
    redis.call('ZADD', KEYS[3], ARGV[2], id)
    failed = failed + 1
  else
    local priority = tonumber(redis.call('HGET', key, 'priority') or '0')
    local seq = redis.call('INCR', KEYS[4])
    redis.call('HSET', key, 'state', 'waiting', 'ready_at', ARGV[2])
    redis.call('ZADD', KEYS[2], priority * 1e12 + seq, id)
    requeued = requeued + 1
  end
end
return {requeued, failed}
`)

var cleanScript = redis.NewScript(`
local prefix = ARGV[1]
local limit = tonumber(ARGV[3])
local ids
if limit > 0 then
  ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', '(' .. ARGV[2], 'LIMIT', 0, limit)
else
  ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', '(' .. ARGV[2])
end
for _, id in ipairs(ids) do
  local key = prefix .. 'job:' .. id
  local dedupKey = redis.call('HGET', key, 'dedup_key')
  if dedupKey and dedupKey ~= '' and redis.call('HGET', KEYS[2], dedupKey) == id then
    redis.call('HDEL', KEYS[2], dedupKey)
  end
  redis.call('DEL', key)
  redis.call('ZREM', KEYS[1], id)
end
return #ids
`)

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
}

// RedisStore keeps job state in Redis. Each queue owns one hash per job, a
// dedup index and one sorted set per state; transitions run as Lua scripts.
type RedisStore struct {
	client *redis.Client
	prefix string
	now    func() time.Time
}

func NewRedisStore(ctx context.Context, cfg RedisConfig) (*RedisStore, error) {
	if cfg.Addr == "" {
		return nil, errors.New("redis address is required")
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "ingest"
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	return &RedisStore{
		client: client,
		prefix: cfg.Prefix,
		now:    func() time.Time { return time.Now().UTC() },
	}, nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) queuePrefix(queue domain.QueueName) string {
	return s.prefix + ":" + string(queue) + ":"
}

func (s *RedisStore) key(queue domain.QueueName, suffix string) string {
	return s.queuePrefix(queue) + suffix
}

func (s *RedisStore) jobKey(queue domain.QueueName, jobID string) string {
	return s.queuePrefix(queue) + "job:" + jobID
}

func (s *RedisStore) stateKey(queue domain.QueueName, state domain.JobState) string {
	switch state {
	case domain.JobStateWaiting:
		return s.key(queue, "wait")
	default:
		return s.key(queue, string(state))
	}
}

func (s *RedisStore) addArgs(job *domain.Job, now time.Time) ([]string, []any) {
	keys := []string{
		s.key(job.Queue, "dedup"),
		s.stateKey(job.Queue, domain.JobStateWaiting),
		s.stateKey(job.Queue, domain.JobStateDelayed),
		s.stateKey(job.Queue, domain.JobStateCompleted),
		s.stateKey(job.Queue, domain.JobStateFailed),
		s.key(job.Queue, "seq"),
	}
	args := []any{
		s.queuePrefix(job.Queue),
		job.ID,
		job.DedupKey,
		job.Priority,
		toMillis(job.ReadyAt),
		toMillis(now),
		string(job.Type),
		string(job.Payload),
		job.MaxAttempts,
		string(job.Queue),
	}
	return keys, args
}

func (s *RedisStore) Add(ctx context.Context, job *domain.Job) (AddResult, error) {
	keys, args := s.addArgs(job, s.now())
	reply, err := addScript.Run(ctx, s.client, keys, args...).Slice()
	if err != nil {
		return AddResult{}, fmt.Errorf("add job: %w", err)
	}
	return parseAddReply(reply)
}

func (s *RedisStore) AddBatch(ctx context.Context, jobs []*domain.Job) ([]AddResult, error) {
	if len(jobs) == 0 {
		return nil, nil
	}

	now := s.now()
	pipeline := s.client.Pipeline()
	commands := make([]*redis.Cmd, 0, len(jobs))
	for _, job := range jobs {
		keys, args := s.addArgs(job, now)
		commands = append(commands, addScript.Eval(ctx, pipeline, keys, args...))
	}

	if _, err := pipeline.Exec(ctx); err != nil {
		return nil, fmt.Errorf("add job batch: %w", err)
	}

	results := make([]AddResult, 0, len(commands))
	for _, command := range commands {
		reply, err := command.Slice()
		if err != nil {
			return nil, fmt.Errorf("add job batch: %w", err)
		}
		result, err := parseAddReply(reply)
		if err != nil {
			return nil, err
		}
		results = append(results, result)
	}
	return results, nil
}

func (s *RedisStore) Get(ctx context.Context, queue domain.QueueName, jobID string) (*domain.Job, error) {
	fields, err := s.client.HGetAll(ctx, s.jobKey(queue, jobID)).Result()
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	if len(fields) == 0 {
		return nil, ErrJobNotFound
	}
	return parseJobHash(fields)
}

func (s *RedisStore) GetByDedupKey(ctx context.Context, queue domain.QueueName, dedupKey string) (*domain.Job, error) {
	jobID, err := s.client.HGet(ctx, s.key(queue, "dedup"), dedupKey).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrJobNotFound
		}
		return nil, fmt.Errorf("lookup dedup key: %w", err)
	}
	return s.Get(ctx, queue, jobID)
}

func (s *RedisStore) Claim(ctx context.Context, queue domain.QueueName, lease time.Duration) (*domain.Job, error) {
	now := s.now()
	keys := []string{
		s.stateKey(queue, domain.JobStateWaiting),
		s.stateKey(queue, domain.JobStateDelayed),
		s.stateKey(queue, domain.JobStateActive),
		s.key(queue, "seq"),
	}
	reply, err := claimScript.Run(ctx, s.client, keys,
		s.queuePrefix(queue),
		toMillis(now),
		toMillis(now.Add(lease)),
		uuid.NewString(),
	).Slice()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("claim job: %w", err)
	}
	return parseJobHash(flatToMap(reply))
}

func (s *RedisStore) ExtendLease(ctx context.Context, job *domain.Job, lease time.Duration) error {
	expiry := toMillis(s.now().Add(lease))
	code, err := extendScript.Run(ctx, s.client,
		[]string{s.jobKey(job.Queue, job.ID), s.stateKey(job.Queue, domain.JobStateActive)},
		job.LeaseToken, expiry, job.ID,
	).Int()
	if err != nil {
		return fmt.Errorf("extend lease: %w", err)
	}
	return transitionError(code)
}

func (s *RedisStore) Complete(ctx context.Context, job *domain.Job, result json.RawMessage) error {
	code, err := completeScript.Run(ctx, s.client,
		[]string{
			s.jobKey(job.Queue, job.ID),
			s.stateKey(job.Queue, domain.JobStateActive),
			s.stateKey(job.Queue, domain.JobStateCompleted),
		},
		job.LeaseToken, toMillis(s.now()), string(result), job.ID,
	).Int()
	if err != nil {
		return fmt.Errorf("complete job: %w", err)
	}
	return transitionError(code)
}

func (s *RedisStore) Fail(ctx context.Context, job *domain.Job, reason string, retryAt *time.Time) error {
	retry := ""
	if retryAt != nil {
		retry = strconv.FormatInt(toMillis(*retryAt), 10)
	}
	code, err := failScript.Run(ctx, s.client,
		[]string{
			s.jobKey(job.Queue, job.ID),
			s.stateKey(job.Queue, domain.JobStateActive),
			s.stateKey(job.Queue, domain.JobStateDelayed),
			s.stateKey(job.Queue, domain.JobStateFailed),
		},
		job.LeaseToken, toMillis(s.now()), reason, job.ID, retry,
	).Int()
	if err != nil {
		return fmt.Errorf("fail job: %w", err)
	}
	return transitionError(code)
}

func (s *RedisStore) RecoverStalled(ctx context.Context, queue domain.QueueName, maxStalled int) (int, int, error) {
	reply, err := recoverScript.Run(ctx, s.client,
		[]string{
			s.stateKey(queue, domain.JobStateActive),
			s.stateKey(queue, domain.JobStateWaiting),
			s.stateKey(queue, domain.JobStateFailed),
			s.key(queue, "seq"),
		},
		s.queuePrefix(queue), toMillis(s.now()), maxStalled, stalledReason,
	).Int64Slice()
	if err != nil {
		return 0, 0, fmt.Errorf("recover stalled jobs: %w", err)
	}
	if len(reply) != 2 {
		return 0, 0, fmt.Errorf("recover stalled jobs: unexpected reply %v", reply)
	}
	return int(reply[0]), int(reply[1]), nil
}

func (s *RedisStore) Counts(ctx context.Context, queue domain.QueueName) (domain.QueueCounts, error) {
	pipeline := s.client.Pipeline()
	waiting := pipeline.ZCard(ctx, s.stateKey(queue, domain.JobStateWaiting))
	active := pipeline.ZCard(ctx, s.stateKey(queue, domain.JobStateActive))
	completed := pipeline.ZCard(ctx, s.stateKey(queue, domain.JobStateCompleted))
	failed := pipeline.ZCard(ctx, s.stateKey(queue, domain.JobStateFailed))
	delayed := pipeline.ZCard(ctx, s.stateKey(queue, domain.JobStateDelayed))
	if _, err := pipeline.Exec(ctx); err != nil {
		return domain.QueueCounts{}, fmt.Errorf("count jobs: %w", err)
	}
	return domain.QueueCounts{
		Waiting:   waiting.Val(),
		Active:    active.Val(),
		Completed: completed.Val(),
		Failed:    failed.Val(),
		Delayed:   delayed.Val(),
	}, nil
}

func (s *RedisStore) Clean(
	ctx context.Context,
	queue domain.QueueName,
	state domain.JobState,
	olderThan time.Time,
	limit int,
) (int, error) {
	if !state.Terminal() {
		return 0, fmt.Errorf("clean jobs: state %s is not terminal", state)
	}
	removed, err := cleanScript.Run(ctx, s.client,
		[]string{s.stateKey(queue, state), s.key(queue, "dedup")},
		s.queuePrefix(queue), toMillis(olderThan), limit,
	).Int()
	if err != nil {
		return 0, fmt.Errorf("clean %s jobs: %w", state, err)
	}
	return removed, nil
}

func transitionError(code int) error {
	switch code {
	case 1:
		return nil
	case -1:
		return ErrJobNotFound
	default:
		return ErrLeaseLost
	}
}

func parseAddReply(reply []any) (AddResult, error) {
	if len(reply) != 2 {
		return AddResult{}, fmt.Errorf("add job: unexpected reply %v", reply)
	}
	added, _ := reply[0].(int64)
	jobID, _ := reply[1].(string)
	return AddResult{Added: added == 1, JobID: jobID}, nil
}

func flatToMap(values []any) map[string]string {
	fields := make(map[string]string, len(values)/2)
	for i := 0; i+1 < len(values); i += 2 {
		key, _ := values[i].(string)
		value, _ := values[i+1].(string)
		fields[key] = value
	}
	return fields
}

func parseJobHash(fields map[string]string) (*domain.Job, error) {
	getInt := func(key string) (int, error) {
		value, ok := fields[key]
		if !ok || value == "" {
			return 0, nil
		}
		parsed, err := strconv.Atoi(value)
		if err != nil {
			return 0, fmt.Errorf("invalid %s: %w", key, err)
		}
		return parsed, nil
	}
	getTime := func(key string) (time.Time, error) {
		millis, err := getInt(key)
		if err != nil || millis == 0 {
			return time.Time{}, err
		}
		return fromMillis(int64(millis)), nil
	}

	job := &domain.Job{
		ID:           fields["id"],
		Queue:        domain.QueueName(fields["queue"]),
		Type:         domain.JobType(fields["type"]),
		DedupKey:     fields["dedup_key"],
		State:        domain.JobState(fields["state"]),
		LeaseToken:   fields["lease_token"],
		FailedReason: fields["failed_reason"],
	}
	if job.ID == "" {
		return nil, errors.New("job hash without id")
	}
	if payload := fields["payload"]; payload != "" {
		job.Payload = json.RawMessage(payload)
	}
	if result := fields["result"]; result != "" {
		job.Result = json.RawMessage(result)
	}

	var err error
	if job.Priority, err = getInt("priority"); err != nil {
		return nil, err
	}
	if job.Attempts, err = getInt("attempts"); err != nil {
		return nil, err
	}
	if job.MaxAttempts, err = getInt("max_attempts"); err != nil {
		return nil, err
	}
	if job.StalledCount, err = getInt("stalled_count"); err != nil {
		return nil, err
	}
	if job.CreatedAt, err = getTime("created_at"); err != nil {
		return nil, err
	}
	if job.ReadyAt, err = getTime("ready_at"); err != nil {
		return nil, err
	}
	if job.ProcessedAt, err = getTime("processed_at"); err != nil {
		return nil, err
	}
	if job.FinishedAt, err = getTime("finished_at"); err != nil {
		return nil, err
	}
	if job.LeaseExpiry, err = getTime("lease_expiry"); err != nil {
		return nil, err
	}
	return job, nil
}

func toMillis(value time.Time) int64 {
	if value.IsZero() {
		return 0
	}
	return value.UnixMilli()
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}
