package database

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Priority order queue keyspace (§6 reserved prefix). Ten priority buckets
// (1-10) are Redis sorted sets scored by enqueue-time so FIFO ordering holds
// within a priority level; priority 0 is a plain list. Atomicity of "pop
// highest non-empty bucket, mark in-flight" is achieved by a Lua script
// evaluated through the embedded *redis.Client.
const (
	queuePriorityZSetPrefix = "orderq:priority:"
	queueFIFOList           = "orderq:pending"
	queueProcessingSet      = "orderq:processing"
	queueFailedList         = "orderq:failed"
	queueCompletedList      = "orderq:completed"
	queueDataKeyPrefix      = "orderq:data:"
	queueDataTTL            = 24 * time.Hour
	queueCompletedMaxLen    = 1000
)

func priorityZSetKey(priority int) string {
	return fmt.Sprintf("%s%d", queuePriorityZSetPrefix, priority)
}

// EnqueueOrderPayload writes the serialized intent under its item id with a
// 24h TTL and pushes the envelope id into the correct priority structure.
func (r *RedisClient) EnqueueOrderPayload(ctx context.Context, itemID string, payload []byte, priority int, envelope []byte) error {
	if err := r.Set(ctx, queueDataKeyPrefix+itemID, payload, queueDataTTL).Err(); err != nil {
		return fmt.Errorf("writing queue payload: %w", err)
	}

	if priority <= 0 {
		if err := r.LPush(ctx, queueFIFOList, envelope).Err(); err != nil {
			return fmt.Errorf("pushing to fifo queue: %w", err)
		}
		return nil
	}

	score := float64(time.Now().UnixNano())
	if err := r.ZAdd(ctx, priorityZSetKey(priority), redis.Z{Score: score, Member: envelope}).Err(); err != nil {
		return fmt.Errorf("adding to priority bucket %d: %w", priority, err)
	}
	return nil
}

// dequeueScript atomically scans priority buckets 10..1 for the oldest
// member, falling back to the priority-0 FIFO list, and moves whatever it
// finds into the processing set. Returns the envelope or nil.
var dequeueScript = redis.NewScript(`
local fifo_key = KEYS[1]
local processing_key = KEYS[2]
for i = 3, #KEYS do
	local zkey = KEYS[i]
	local popped = redis.call('ZRANGE', zkey, 0, 0)
	if popped[1] then
		redis.call('ZREM', zkey, popped[1])
		redis.call('SADD', processing_key, popped[1])
		return popped[1]
	end
end
local item = redis.call('RPOP', fifo_key)
if item then
	redis.call('SADD', processing_key, item)
	return item
end
return nil
`)

// DequeueEnvelope pops the highest-priority pending envelope and marks it
// in-flight atomically. Returns ("", nil) when the queue is empty.
func (r *RedisClient) DequeueEnvelope(ctx context.Context, maxPriority int) (string, error) {
	keys := make([]string, 0, maxPriority+2)
	keys = append(keys, queueFIFOList, queueProcessingSet)
	for p := maxPriority; p >= 1; p-- {
		keys = append(keys, priorityZSetKey(p))
	}

	result, err := dequeueScript.Run(ctx, r.Client, keys).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("dequeue script: %w", err)
	}
	envelope, ok := result.(string)
	if !ok {
		return "", nil
	}
	return envelope, nil
}

// GetOrderPayload reads back a previously enqueued intent payload. A cache
// miss (expired or never written, i.e. a garbage envelope) returns ok=false.
func (r *RedisClient) GetOrderPayload(ctx context.Context, itemID string) ([]byte, bool, error) {
	val, err := r.Get(ctx, queueDataKeyPrefix+itemID).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("reading queue payload: %w", err)
	}
	return val, true, nil
}

// CompleteEnvelope removes an envelope from the processing set and appends
// it to the bounded completed list.
func (r *RedisClient) CompleteEnvelope(ctx context.Context, envelope string) error {
	pipe := r.TxPipeline()
	pipe.SRem(ctx, queueProcessingSet, envelope)
	pipe.LPush(ctx, queueCompletedList, envelope)
	pipe.LTrim(ctx, queueCompletedList, 0, queueCompletedMaxLen-1)
	_, err := pipe.Exec(ctx)
	return err
}

// FailEnvelope removes an envelope from processing and appends it to the
// failed list (max-attempts exhausted).
func (r *RedisClient) FailEnvelope(ctx context.Context, envelope string) error {
	pipe := r.TxPipeline()
	pipe.SRem(ctx, queueProcessingSet, envelope)
	pipe.LPush(ctx, queueFailedList, envelope)
	_, err := pipe.Exec(ctx)
	return err
}

// RequeueEnvelope removes an envelope from processing and re-inserts it at
// the given priority, used when Complete sees a retryable failure.
func (r *RedisClient) RequeueEnvelope(ctx context.Context, oldEnvelope, newEnvelope string, priority int) error {
	pipe := r.TxPipeline()
	pipe.SRem(ctx, queueProcessingSet, oldEnvelope)
	if priority <= 0 {
		pipe.LPush(ctx, queueFIFOList, newEnvelope)
	} else {
		pipe.ZAdd(ctx, priorityZSetKey(priority), redis.Z{Score: float64(time.Now().UnixNano()), Member: newEnvelope})
	}
	_, err := pipe.Exec(ctx)
	return err
}

// QueueCounts reports pending/in-flight/failed/completed sizes for Status().
type QueueCounts struct {
	Pending   int64
	InFlight  int64
	Failed    int64
	Completed int64
}

func (r *RedisClient) QueueCounts(ctx context.Context, maxPriority int) (QueueCounts, error) {
	pipe := r.Pipeline()
	fifoCmd := pipe.LLen(ctx, queueFIFOList)
	zsetCmds := make([]*redis.IntCmd, maxPriority)
	for p := 1; p <= maxPriority; p++ {
		zsetCmds[p-1] = pipe.ZCard(ctx, priorityZSetKey(p))
	}
	procCmd := pipe.SCard(ctx, queueProcessingSet)
	failCmd := pipe.LLen(ctx, queueFailedList)
	doneCmd := pipe.LLen(ctx, queueCompletedList)

	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return QueueCounts{}, fmt.Errorf("queue counts pipeline: %w", err)
	}

	pending := fifoCmd.Val()
	for _, c := range zsetCmds {
		pending += c.Val()
	}

	return QueueCounts{
		Pending:   pending,
		InFlight:  procCmd.Val(),
		Failed:    failCmd.Val(),
		Completed: doneCmd.Val(),
	}, nil
}
