// Package queue implements the priority order queue of §4.2: hand-off from
// order-accept RPCs to executor workers, backed by the shared Redis KV.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/quantterminal/core/pkg/database"
	"github.com/quantterminal/core/pkg/observability"
)

// MaxPriority bounds the priority buckets maintained as Redis sorted sets;
// priority 0 uses the plain FIFO list instead (§4.2).
const MaxPriority = 10

// DefaultMaxAttempts is the envelope retry budget before a failure moves to
// the failed list (§4.2, §7).
const DefaultMaxAttempts = 3

// Envelope is the queue-level wrapper around an enqueued order intent. The
// intent payload itself is held separately under the item id (§4.2).
type Envelope struct {
	ItemID      string    `json:"item_id"`
	Priority    int       `json:"priority"`
	EnqueuedAt  time.Time `json:"enqueued_at"`
	Attempt     int       `json:"attempt"`
	MaxAttempts int       `json:"max_attempts"`
}

// Outcome is what Complete is told about a dequeued envelope's processing.
type Outcome struct {
	Success bool
	Retryable bool
	Err     error
}

// HealthTag is the derived queue health per Status().
type HealthTag string

const (
	HealthHealthy  HealthTag = "healthy"
	HealthDegraded HealthTag = "degraded"
	HealthCritical HealthTag = "critical"
)

// Status is the queue's point-in-time observability snapshot.
type Status struct {
	Pending   int64     `json:"pending"`
	InFlight  int64     `json:"in_flight"`
	Failed    int64     `json:"failed"`
	Completed int64     `json:"completed"`
	Health    HealthTag `json:"health"`
}

// Queue is a thin Go-side wrapper around the Redis-backed primitives in
// pkg/database/queue_store.go.
type Queue struct {
	redis       *database.RedisClient
	logger      *observability.Logger
	workerCount int
}

func New(redis *database.RedisClient, logger *observability.Logger, workerCount int) *Queue {
	if workerCount <= 0 {
		workerCount = 1
	}
	return &Queue{redis: redis, logger: logger, workerCount: workerCount}
}

// Enqueue writes the intent payload and pushes a fresh envelope, returning
// its item id.
func (q *Queue) Enqueue(ctx context.Context, intentPayload []byte, priority int) (string, error) {
	itemID := uuid.NewString()
	env := Envelope{
		ItemID:      itemID,
		Priority:    priority,
		EnqueuedAt:  time.Now(),
		Attempt:     1,
		MaxAttempts: DefaultMaxAttempts,
	}
	envBytes, err := json.Marshal(env)
	if err != nil {
		return "", fmt.Errorf("marshaling envelope: %w", err)
	}
	if err := q.redis.EnqueueOrderPayload(ctx, itemID, intentPayload, priority, envBytes); err != nil {
		return "", err
	}
	return itemID, nil
}

// Dequeue pops the highest-priority pending envelope, loads its payload, and
// marks it in-flight. Returns (nil, nil, nil) when the queue is empty, and
// (envelope, nil, nil) with a nil payload when the envelope's payload has
// already expired — a garbage envelope that Dequeue has already removed from
// the in-flight set, so the caller just skips it.
func (q *Queue) Dequeue(ctx context.Context) (*Envelope, []byte, error) {
	raw, err := q.redis.DequeueEnvelope(ctx, MaxPriority)
	if err != nil {
		return nil, nil, err
	}
	if raw == "" {
		return nil, nil, nil
	}

	var env Envelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		q.logger.Warn(ctx, "discarding unparseable queue envelope", map[string]interface{}{"error": err.Error()})
		_ = q.redis.CompleteEnvelope(ctx, raw)
		return nil, nil, nil
	}

	payload, ok, err := q.redis.GetOrderPayload(ctx, env.ItemID)
	if err != nil {
		return &env, nil, err
	}
	if !ok {
		q.logger.Warn(ctx, "queue envelope payload missing (expired or garbage)", map[string]interface{}{"item_id": env.ItemID})
		_ = q.redis.CompleteEnvelope(ctx, raw)
		return &env, nil, nil
	}

	return &env, payload, nil
}

// Complete finishes processing of a dequeued envelope: on success it moves
// to the completed list; on a retryable failure under budget it re-enqueues
// with attempt+1 after a backoff of base*attempt seconds; otherwise it moves
// to the failed list (§4.2, §7).
func (q *Queue) Complete(ctx context.Context, env *Envelope, outcome Outcome) error {
	rawOld, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshaling envelope: %w", err)
	}

	if outcome.Success {
		return q.redis.CompleteEnvelope(ctx, string(rawOld))
	}

	if outcome.Retryable && env.Attempt < env.MaxAttempts {
		backoff := time.Duration(env.Attempt) * time.Second
		time.Sleep(backoff)

		next := *env
		next.Attempt++
		rawNew, err := json.Marshal(next)
		if err != nil {
			return fmt.Errorf("marshaling requeued envelope: %w", err)
		}
		return q.redis.RequeueEnvelope(ctx, string(rawOld), string(rawNew), next.Priority)
	}

	return q.redis.FailEnvelope(ctx, string(rawOld))
}

// Status reports queue depth and a derived health tag: degraded when
// in-flight exceeds twice the worker count or failures pile up, critical at
// higher multiples.
func (q *Queue) Status(ctx context.Context) (Status, error) {
	counts, err := q.redis.QueueCounts(ctx, MaxPriority)
	if err != nil {
		return Status{}, err
	}

	return Status{
		Pending:   counts.Pending,
		InFlight:  counts.InFlight,
		Failed:    counts.Failed,
		Completed: counts.Completed,
		Health:    deriveHealth(counts, q.workerCount),
	}, nil
}

// deriveHealth classifies queue depth into a HealthTag: degraded when
// in-flight exceeds twice the worker count or failures pile up, critical at
// higher multiples.
func deriveHealth(counts database.QueueCounts, workerCount int) HealthTag {
	switch {
	case counts.InFlight > int64(4*workerCount) || counts.Failed > 100:
		return HealthCritical
	case counts.InFlight > int64(2*workerCount) || counts.Failed > 20:
		return HealthDegraded
	default:
		return HealthHealthy
	}
}

// RunWorker loops Dequeue/process/Complete until ctx is canceled, backing off
// one second whenever the queue is empty (§4.2 worker discipline). process
// is handed the raw intent payload and must return promptly: strategies that
// are themselves long-running (TWAP/iceberg) spawn a detached goroutine and
// return immediately so the worker can loop back to Dequeue.
func (q *Queue) RunWorker(ctx context.Context, process func(ctx context.Context, itemID string, payload []byte) Outcome) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		env, payload, err := q.Dequeue(ctx)
		if err != nil {
			q.logger.Error(ctx, "queue worker dequeue failed", err, nil)
			time.Sleep(time.Second)
			continue
		}
		if env == nil {
			time.Sleep(time.Second)
			continue
		}
		if payload == nil {
			continue // garbage envelope, already discarded by Dequeue
		}

		outcome := process(ctx, env.ItemID, payload)
		if err := q.Complete(ctx, env, outcome); err != nil {
			q.logger.Error(ctx, "queue worker complete failed", err, map[string]interface{}{"item_id": env.ItemID})
		}
	}
}
