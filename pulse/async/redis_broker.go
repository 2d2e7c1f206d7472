package async

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/teranos/herald/errors"
)

// DefaultRedisPrefix namespaces herald's keys
const DefaultRedisPrefix = "herald"

// Job placement is a sorted set per state, scored by run_at for delayed,
// lease_until for active and the failure time for failed. Job fields live in
// a hash per job. Every state move is a script so a job is never in two sets.

var enqueueScript = redis.NewScript(`
if redis.call('ZSCORE', KEYS[2], ARGV[1]) then
	return 0
end
redis.call('ZREM', KEYS[3], ARGV[1])
redis.call('ZADD', KEYS[1], ARGV[2], ARGV[1])
if redis.call('EXISTS', KEYS[4]) == 0 then
	redis.call('HSET', KEYS[4], 'created_at', ARGV[5])
end
redis.call('HSET', KEYS[4], 'post_id', ARGV[1], 'state', 'delayed', 'run_at', ARGV[2],
	'attempts', ARGV[3], 'max_attempts', ARGV[4], 'updated_at', ARGV[5])
redis.call('HDEL', KEYS[4], 'lease_until', 'last_error')
return 1
`)

var dequeueScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, 1)
if #ids == 0 then
	return false
end
local id = ids[1]
redis.call('ZREM', KEYS[1], id)
redis.call('ZADD', KEYS[2], ARGV[2], id)
redis.call('HSET', ARGV[3] .. id, 'state', 'active', 'lease_until', ARGV[2], 'updated_at', ARGV[4])
return id
`)

var retryScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
	return 0
end
redis.call('ZREM', KEYS[3], ARGV[1])
redis.call('ZREM', KEYS[4], ARGV[1])
redis.call('ZADD', KEYS[2], ARGV[2], ARGV[1])
redis.call('HSET', KEYS[1], 'state', 'delayed', 'run_at', ARGV[2], 'attempts', ARGV[3],
	'last_error', ARGV[4], 'updated_at', ARGV[5])
redis.call('HDEL', KEYS[1], 'lease_until')
return 1
`)

var failScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
	return 0
end
redis.call('ZREM', KEYS[2], ARGV[1])
redis.call('ZREM', KEYS[3], ARGV[1])
redis.call('ZADD', KEYS[4], ARGV[3], ARGV[1])
redis.call('HSET', KEYS[1], 'state', 'failed', 'last_error', ARGV[2], 'updated_at', ARGV[3])
redis.call('HDEL', KEYS[1], 'lease_until')
return 1
`)

var reclaimScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', '(' .. ARGV[1])
for _, id in ipairs(ids) do
	redis.call('ZREM', KEYS[1], id)
	redis.call('ZADD', KEYS[2], ARGV[1], id)
	redis.call('HSET', ARGV[2] .. id, 'state', 'delayed', 'run_at', ARGV[1], 'updated_at', ARGV[3])
	redis.call('HDEL', ARGV[2] .. id, 'lease_until')
end
return #ids
`)

// RedisBroker keeps jobs in Redis, for deployments that already run one
type RedisBroker struct {
	client *redis.Client
	prefix string
	now    func() time.Time
}

var _ Broker = (*RedisBroker)(nil)

// NewRedisBroker creates a broker over client. An empty prefix uses DefaultRedisPrefix.
func NewRedisBroker(client *redis.Client, prefix string) *RedisBroker {
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	return &RedisBroker{client: client, prefix: prefix, now: time.Now}
}

func (b *RedisBroker) setKey(s State) string { return b.prefix + ":jobs:" + string(s) }

func (b *RedisBroker) jobPrefix() string { return b.prefix + ":job:" }

func (b *RedisBroker) jobKey(id string) string { return b.jobPrefix() + id }

// Enqueue implements Broker
func (b *RedisBroker) Enqueue(ctx context.Context, job *Job) error {
	if job.PostID == "" {
		return errors.NewInvalidArgumentError("job needs a post id")
	}
	keys := []string{b.setKey(StateDelayed), b.setKey(StateActive), b.setKey(StateFailed), b.jobKey(job.PostID)}
	err := enqueueScript.Run(ctx, b.client, keys,
		job.PostID, job.RunAt.UnixMilli(), job.Attempts, job.MaxAttempts, b.now().UnixMilli()).Err()
	if err != nil {
		return errors.Wrapf(err, "failed to enqueue job %s", job.PostID)
	}
	return nil
}

// Get implements Broker
func (b *RedisBroker) Get(ctx context.Context, id string) (*Job, error) {
	fields, err := b.client.HGetAll(ctx, b.jobKey(id)).Result()
	if err != nil {
		return nil, errors.Wrap(err, "failed to get job")
	}
	if len(fields) == 0 {
		return nil, errors.NewNotFoundError("job %s", id)
	}
	return decodeJob(id, fields)
}

// Dequeue implements Broker
func (b *RedisBroker) Dequeue(ctx context.Context, now time.Time, lease time.Duration) (*Job, error) {
	keys := []string{b.setKey(StateDelayed), b.setKey(StateActive)}
	id, err := dequeueScript.Run(ctx, b.client, keys,
		now.UnixMilli(), now.Add(lease).UnixMilli(), b.jobPrefix(), b.now().UnixMilli()).Text()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to lease job")
	}
	return b.Get(ctx, id)
}

// Ack implements Broker
func (b *RedisBroker) Ack(ctx context.Context, id string) error {
	return errors.Wrapf(b.remove(ctx, id), "failed to ack job %s", id)
}

// Retry implements Broker
func (b *RedisBroker) Retry(ctx context.Context, id string, attempts int, runAt time.Time, lastErr string) error {
	keys := []string{b.jobKey(id), b.setKey(StateDelayed), b.setKey(StateActive), b.setKey(StateFailed)}
	err := retryScript.Run(ctx, b.client, keys,
		id, runAt.UnixMilli(), attempts, lastErr, b.now().UnixMilli()).Err()
	return errors.Wrapf(err, "failed to retry job %s", id)
}

// Fail implements Broker
func (b *RedisBroker) Fail(ctx context.Context, id string, lastErr string) error {
	keys := []string{b.jobKey(id), b.setKey(StateDelayed), b.setKey(StateActive), b.setKey(StateFailed)}
	err := failScript.Run(ctx, b.client, keys, id, lastErr, b.now().UnixMilli()).Err()
	return errors.Wrapf(err, "failed to fail job %s", id)
}

// Remove implements Broker
func (b *RedisBroker) Remove(ctx context.Context, id string) error {
	return errors.Wrapf(b.remove(ctx, id), "failed to remove job %s", id)
}

func (b *RedisBroker) remove(ctx context.Context, id string) error {
	_, err := b.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, st := range AllStates() {
			pipe.ZRem(ctx, b.setKey(st), id)
		}
		pipe.Del(ctx, b.jobKey(id))
		return nil
	})
	return err
}

// ReclaimStalled implements Broker
func (b *RedisBroker) ReclaimStalled(ctx context.Context, now time.Time) (int, error) {
	keys := []string{b.setKey(StateActive), b.setKey(StateDelayed)}
	n, err := reclaimScript.Run(ctx, b.client, keys, now.UnixMilli(), b.jobPrefix(), b.now().UnixMilli()).Int()
	if err != nil {
		return 0, errors.Wrap(err, "failed to reclaim stalled jobs")
	}
	return n, nil
}

// Stats implements Broker
func (b *RedisBroker) Stats(ctx context.Context) (map[State]int, error) {
	states := AllStates()
	cmds := make([]*redis.IntCmd, len(states))
	_, err := b.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, st := range states {
			cmds[i] = pipe.ZCard(ctx, b.setKey(st))
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to count jobs")
	}

	counts := make(map[State]int, len(states))
	for i, st := range states {
		counts[st] = int(cmds[i].Val())
	}
	return counts, nil
}

// Ping implements Broker
func (b *RedisBroker) Ping(ctx context.Context) error {
	return errors.Wrap(b.client.Ping(ctx).Err(), "redis broker unreachable")
}

func decodeJob(id string, f map[string]string) (*Job, error) {
	job := &Job{
		ID:        id,
		PostID:    f["post_id"],
		State:     State(f["state"]),
		LastError: f["last_error"],
	}

	var err error
	if job.Attempts, err = strconv.Atoi(f["attempts"]); err != nil {
		return nil, errors.Wrapf(err, "job %s: bad attempts", id)
	}
	if job.MaxAttempts, err = strconv.Atoi(f["max_attempts"]); err != nil {
		return nil, errors.Wrapf(err, "job %s: bad max_attempts", id)
	}
	if job.RunAt, err = parseMillis(f["run_at"]); err != nil {
		return nil, errors.Wrapf(err, "job %s: bad run_at", id)
	}
	if job.CreatedAt, err = parseMillis(f["created_at"]); err != nil {
		return nil, errors.Wrapf(err, "job %s: bad created_at", id)
	}
	if job.UpdatedAt, err = parseMillis(f["updated_at"]); err != nil {
		return nil, errors.Wrapf(err, "job %s: bad updated_at", id)
	}
	if v, ok := f["lease_until"]; ok {
		lease, err := parseMillis(v)
		if err != nil {
			return nil, errors.Wrapf(err, "job %s: bad lease_until", id)
		}
		job.LeaseUntil = &lease
	}
	return job, nil
}

func parseMillis(s string) (time.Time, error) {
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.UnixMilli(ms).UTC(), nil
}
