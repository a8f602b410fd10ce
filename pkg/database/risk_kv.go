package database

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Risk/alert keyspace helpers (§6). These are thin JSON marshal/unmarshal
// wrappers over the generic Redis primitives already on RedisClient; they
// exist so internal/risk and internal/alerts never touch raw key strings.

func emergencyStopKey(userID string) string { return "risk:emergency_stop:" + userID }
func pnlKey(userID string) string            { return "risk:pnl:" + userID }
func positionsKey(userID string) string      { return "risk:positions:" + userID }
func alertsListKey(userID string) string     { return "risk:alerts:list:" + userID }
func alertDataKey(userID, alertID string) string {
	return fmt.Sprintf("risk:alerts:data:%s:%s", userID, alertID)
}

// SetEmergencyStop writes the per-user stop flag with a 24h TTL carrying the
// trigger reason in its payload (§4.9).
func (r *RedisClient) SetEmergencyStop(ctx context.Context, userID string, payload []byte) error {
	return r.SetWithExpiry(ctx, emergencyStopKey(userID), payload, 24*time.Hour)
}

// GetEmergencyStop reports whether the flag is set and, if so, its payload.
func (r *RedisClient) GetEmergencyStop(ctx context.Context, userID string) ([]byte, bool, error) {
	val, err := r.Get(ctx, emergencyStopKey(userID)).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return val, true, nil
}

// ClearEmergencyStop removes the flag ahead of its TTL (explicit clear).
func (r *RedisClient) ClearEmergencyStop(ctx context.Context, userID string) error {
	return r.DeleteKeys(ctx, emergencyStopKey(userID))
}

// GetPnLSnapshot / SetPnLSnapshot round-trip the external P&L feeder's record
// (realized/unrealized/equity/peak/consecutive-losses) consumed by the risk
// rule chain and monitor.
func (r *RedisClient) GetPnLSnapshot(ctx context.Context, userID string, out interface{}) (bool, error) {
	val, err := r.Get(ctx, pnlKey(userID)).Bytes()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, json.Unmarshal(val, out)
}

func (r *RedisClient) SetPnLSnapshot(ctx context.Context, userID string, snapshot interface{}) error {
	payload, err := json.Marshal(snapshot)
	if err != nil {
		return err
	}
	return r.Set(ctx, pnlKey(userID), payload, 0).Err()
}

// GetPositionsSnapshot / SetPositionsSnapshot round-trip the position-service
// map instrument -> position row used by the risk monitor.
func (r *RedisClient) GetPositionsSnapshot(ctx context.Context, userID string, out interface{}) (bool, error) {
	val, err := r.Get(ctx, positionsKey(userID)).Bytes()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, json.Unmarshal(val, out)
}

func (r *RedisClient) SetPositionsSnapshot(ctx context.Context, userID string, snapshot interface{}) error {
	payload, err := json.Marshal(snapshot)
	if err != nil {
		return err
	}
	return r.Set(ctx, positionsKey(userID), payload, 0).Err()
}

// AddAlert writes an alert's body and appends its id to the user's ordered
// alert-id set, scored by created-at so listing is ordered without a sort.
func (r *RedisClient) AddAlert(ctx context.Context, userID, alertID string, createdAt time.Time, payload []byte) error {
	pipe := r.TxPipeline()
	pipe.Set(ctx, alertDataKey(userID, alertID), payload, 0)
	pipe.ZAdd(ctx, alertsListKey(userID), redis.Z{Score: float64(createdAt.UnixNano()), Member: alertID})
	_, err := pipe.Exec(ctx)
	return err
}

// ListAlertIDs returns alert ids for a user, newest first.
func (r *RedisClient) ListAlertIDs(ctx context.Context, userID string, offset, limit int64) ([]string, error) {
	return r.ZRevRange(ctx, alertsListKey(userID), offset, offset+limit-1).Result()
}

func (r *RedisClient) GetAlertPayload(ctx context.Context, userID, alertID string) ([]byte, error) {
	return r.Get(ctx, alertDataKey(userID, alertID)).Bytes()
}

func (r *RedisClient) SetAlertPayload(ctx context.Context, userID, alertID string, payload []byte) error {
	return r.Set(ctx, alertDataKey(userID, alertID), payload, 0).Err()
}

// RemoveAlert deletes an alert's body and its entry from the ordered set
// (used by the cleanup-by-age endpoint).
func (r *RedisClient) RemoveAlert(ctx context.Context, userID, alertID string) error {
	pipe := r.TxPipeline()
	pipe.Del(ctx, alertDataKey(userID, alertID))
	pipe.ZRem(ctx, alertsListKey(userID), alertID)
	_, err := pipe.Exec(ctx)
	return err
}
