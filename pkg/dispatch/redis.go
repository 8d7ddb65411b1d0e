package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisConfig configures the Redis queue backend.
type RedisConfig struct {
	// Address is the Redis server address (e.g., "localhost:6379")
	Address string

	// Password for Redis authentication (optional)
	Password string

	// Database number to use (default: 0)
	Database int

	// Prefix is prepended to all queue keys (e.g., "legalflow:dispatch:")
	Prefix string

	// ClaimTimeout is how long a claim may stay unsettled before the job
	// is requeued.
	ClaimTimeout time.Duration

	// Timeout for Redis operations that should not block.
	Timeout time.Duration

	// PoolSize is the maximum number of connections
	PoolSize int
}

// DefaultRedisConfig returns sensible defaults.
func DefaultRedisConfig(address string) RedisConfig {
	return RedisConfig{
		Address:      address,
		Prefix:       "legalflow:dispatch:",
		ClaimTimeout: 5 * time.Minute,
		Timeout:      5 * time.Second,
		PoolSize:     10,
	}
}

// RedisQueue is the Redis-backed queue: one list per lane, claimed jobs in a
// deadline-scored sorted set, and a reaper that requeues expired claims.
// Multiple service instances can share it.
type RedisQueue struct {
	cfg    RedisConfig
	client *redis.Client
	done   chan struct{}
}

// requeueExpired moves claims past their deadline back to the front of
// their lane. Guarded so only one reaper moves each claim.
var requeueExpired = redis.NewScript(`
	local moved = 0
	local expired = redis.call("zrangebyscore", KEYS[1], "-inf", ARGV[1])
	for _, id in ipairs(expired) do
		local payload = redis.call("hget", KEYS[2], id)
		if payload then
			local job = cjson.decode(payload)
			redis.call("lpush", KEYS[3] .. job.lane, payload)
			moved = moved + 1
		end
		redis.call("zrem", KEYS[1], id)
		redis.call("hdel", KEYS[2], id)
	end
	return moved
`)

// NewRedisQueue creates a Redis queue backend and verifies the connection.
func NewRedisQueue(cfg RedisConfig) (*RedisQueue, error) {
	if cfg.Prefix == "" {
		cfg.Prefix = "legalflow:dispatch:"
	}
	if cfg.ClaimTimeout <= 0 {
		cfg.ClaimTimeout = 5 * time.Minute
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}

	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Address,
		Password:     cfg.Password,
		DB:           cfg.Database,
		PoolSize:     cfg.PoolSize,
		ReadTimeout:  -1, // Claim uses blocking pops
		WriteTimeout: cfg.Timeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Timeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	q := &RedisQueue{cfg: cfg, client: client, done: make(chan struct{})}
	go q.reaper()
	return q, nil
}

func (q *RedisQueue) laneKey(lane Lane) string {
	return q.cfg.Prefix + "lane:" + string(lane)
}

func (q *RedisQueue) claimsKey() string { return q.cfg.Prefix + "claims" }
func (q *RedisQueue) jobsKey() string   { return q.cfg.Prefix + "jobs" }

func (q *RedisQueue) Enqueue(ctx context.Context, job Job) error {
	if _, ok := ParseLane(string(job.Lane)); !ok {
		job.Lane = LaneDefault
	}
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = time.Now()
	}

	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, q.cfg.Timeout)
	defer cancel()
	if err := q.client.RPush(ctx, q.laneKey(job.Lane), payload).Err(); err != nil {
		return fmt.Errorf("failed to enqueue job: %w", err)
	}
	return nil
}

func (q *RedisQueue) Claim(ctx context.Context) (Job, error) {
	keys := make([]string, 0, len(lanePriority))
	for _, lane := range lanePriority {
		keys = append(keys, q.laneKey(lane))
	}

	for {
		select {
		case <-q.done:
			return Job{}, ErrClosed
		default:
		}

		// BLMPOP scans keys in order, so lane priority falls out of the
		// key order. Short timeout keeps the loop responsive to shutdown.
		_, values, err := q.client.BLMPop(ctx, time.Second, "LEFT", 1, keys...).Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return Job{}, ctx.Err()
			}
			return Job{}, fmt.Errorf("failed to claim job: %w", err)
		}

		var job Job
		if err := json.Unmarshal([]byte(values[0]), &job); err != nil {
			// Drop the poison entry rather than wedge the lane.
			continue
		}

		deadline := time.Now().Add(q.cfg.ClaimTimeout)
		pipe := q.client.Pipeline()
		pipe.ZAdd(ctx, q.claimsKey(), redis.Z{Score: float64(deadline.UnixMilli()), Member: job.ID})
		pipe.HSet(ctx, q.jobsKey(), job.ID, values[0])
		if _, err := pipe.Exec(ctx); err != nil {
			return Job{}, fmt.Errorf("failed to record claim: %w", err)
		}
		return job, nil
	}
}

func (q *RedisQueue) Ack(ctx context.Context, jobID string) error {
	ctx, cancel := context.WithTimeout(ctx, q.cfg.Timeout)
	defer cancel()

	pipe := q.client.Pipeline()
	removed := pipe.ZRem(ctx, q.claimsKey(), jobID)
	pipe.HDel(ctx, q.jobsKey(), jobID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to ack job: %w", err)
	}
	if removed.Val() == 0 {
		return ErrNotClaimed
	}
	return nil
}

func (q *RedisQueue) Nack(ctx context.Context, jobID string) error {
	ctx, cancel := context.WithTimeout(ctx, q.cfg.Timeout)
	defer cancel()

	payload, err := q.client.HGet(ctx, q.jobsKey(), jobID).Result()
	if err == redis.Nil {
		return ErrNotClaimed
	}
	if err != nil {
		return fmt.Errorf("failed to load claimed job: %w", err)
	}

	var job Job
	if err := json.Unmarshal([]byte(payload), &job); err != nil {
		return fmt.Errorf("failed to unmarshal claimed job: %w", err)
	}

	pipe := q.client.Pipeline()
	pipe.ZRem(ctx, q.claimsKey(), jobID)
	pipe.HDel(ctx, q.jobsKey(), jobID)
	pipe.LPush(ctx, q.laneKey(job.Lane), payload)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to nack job: %w", err)
	}
	return nil
}

func (q *RedisQueue) Withdraw(ctx context.Context, jobID string) error {
	ctx, cancel := context.WithTimeout(ctx, q.cfg.Timeout)
	defer cancel()

	// Jobs are stored as full payloads, so find the entry by scanning the
	// lane. Lanes are short-lived; this stays cheap in practice.
	for _, lane := range lanePriority {
		entries, err := q.client.LRange(ctx, q.laneKey(lane), 0, -1).Result()
		if err != nil {
			return fmt.Errorf("failed to scan lane: %w", err)
		}
		for _, entry := range entries {
			var job Job
			if json.Unmarshal([]byte(entry), &job) == nil && job.ID == jobID {
				if err := q.client.LRem(ctx, q.laneKey(lane), 1, entry).Err(); err != nil {
					return fmt.Errorf("failed to withdraw job: %w", err)
				}
				return nil
			}
		}
	}
	return nil
}

func (q *RedisQueue) Len(ctx context.Context) (map[Lane]int, error) {
	ctx, cancel := context.WithTimeout(ctx, q.cfg.Timeout)
	defer cancel()

	pipe := q.client.Pipeline()
	cmds := make(map[Lane]*redis.IntCmd, len(lanePriority))
	for _, lane := range lanePriority {
		cmds[lane] = pipe.LLen(ctx, q.laneKey(lane))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("failed to read lane lengths: %w", err)
	}

	counts := make(map[Lane]int, len(lanePriority))
	for lane, cmd := range cmds {
		counts[lane] = int(cmd.Val())
	}
	return counts, nil
}

func (q *RedisQueue) Close() error {
	select {
	case <-q.done:
	default:
		close(q.done)
	}
	return q.client.Close()
}

// reaper requeues expired claims every few seconds.
func (q *RedisQueue) reaper() {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-q.done:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), q.cfg.Timeout)
			now := strconv.FormatInt(time.Now().UnixMilli(), 10)
			requeueExpired.Run(ctx, q.client,
				[]string{q.claimsKey(), q.jobsKey(), q.cfg.Prefix + "lane:"}, now)
			cancel()
		}
	}
}
