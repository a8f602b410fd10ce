// Package alerts implements the per-user alert model of §3/§4.9: creation,
// listing, acknowledgement, and age-based cleanup, backed by the shared KV
// so alerts survive process restarts. Generalized from the teacher's
// AlertService shape (in-memory history + topic subscribe/notify), with the
// infra-monitoring channel-notification machinery dropped: nothing in this
// spec requires email/webhook/Slack delivery, only the create/list/ack/expire
// lifecycle the risk monitor and gateway need.
package alerts

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/quantterminal/core/pkg/database"
	"github.com/quantterminal/core/pkg/observability"
)

// Type is the alert taxonomy of §3.
type Type string

const (
	TypePositionLimit   Type = "position-limit"
	TypeDailyLoss       Type = "daily-loss"
	TypeDrawdown        Type = "drawdown"
	TypeConsecutiveLoss Type = "consecutive-loss"
	TypeEmergencyStop   Type = "emergency-stop"
)

// Severity is the alert's urgency.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Alert is the per-user record of §3. Invariant: an acknowledged alert
// never returns to unacknowledged.
type Alert struct {
	ID           string                 `json:"id"`
	UserID       string                 `json:"user_id"`
	Type         Type                   `json:"type"`
	Severity     Severity               `json:"severity"`
	Message      string                 `json:"message"`
	Detail       map[string]interface{} `json:"detail,omitempty"`
	CreatedAt    time.Time              `json:"created_at"`
	Acknowledged bool                   `json:"acknowledged"`
}

// Service is the KV-backed alert store. There is no in-memory authoritative
// cache here (unlike Order/Position): the KV already is the system of
// record for alerts (§6), so every method reads/writes it directly.
type Service struct {
	redis       *database.RedisClient
	logger      *observability.Logger
	subscribers map[string][]chan Alert
	mu          sync.Mutex
}

func NewService(redis *database.RedisClient, logger *observability.Logger) *Service {
	return &Service{redis: redis, logger: logger, subscribers: make(map[string][]chan Alert)}
}

// Create persists a new alert and notifies any live subscribers for the
// user. Alert ids are globally unique (uuid) (§3 invariant).
func (s *Service) Create(ctx context.Context, userID string, alertType Type, severity Severity, message string, detail map[string]interface{}) (*Alert, error) {
	a := &Alert{
		ID:        uuid.NewString(),
		UserID:    userID,
		Type:      alertType,
		Severity:  severity,
		Message:   message,
		Detail:    detail,
		CreatedAt: time.Now(),
	}
	payload, err := json.Marshal(a)
	if err != nil {
		return nil, fmt.Errorf("marshaling alert: %w", err)
	}
	if err := s.redis.AddAlert(ctx, userID, a.ID, a.CreatedAt, payload); err != nil {
		return nil, fmt.Errorf("persisting alert: %w", err)
	}

	s.notifySubscribers(userID, *a)
	return a, nil
}

// List returns a user's alerts newest-first with (limit, offset) pagination.
func (s *Service) List(ctx context.Context, userID string, offset, limit int64) ([]*Alert, error) {
	if limit <= 0 {
		limit = 50
	}
	ids, err := s.redis.ListAlertIDs(ctx, userID, offset, limit)
	if err != nil {
		return nil, fmt.Errorf("listing alert ids: %w", err)
	}

	out := make([]*Alert, 0, len(ids))
	for _, id := range ids {
		payload, err := s.redis.GetAlertPayload(ctx, userID, id)
		if err != nil {
			s.logger.Warn(ctx, "alert payload missing for listed id", map[string]interface{}{"user_id": userID, "alert_id": id})
			continue
		}
		var a Alert
		if err := json.Unmarshal(payload, &a); err != nil {
			continue
		}
		out = append(out, &a)
	}
	return out, nil
}

// Acknowledge sets the acknowledged flag. Idempotent: acknowledging an
// already-acknowledged alert is a no-op success.
func (s *Service) Acknowledge(ctx context.Context, userID, alertID string) (*Alert, error) {
	payload, err := s.redis.GetAlertPayload(ctx, userID, alertID)
	if err != nil {
		return nil, fmt.Errorf("alert %s not found: %w", alertID, err)
	}
	var a Alert
	if err := json.Unmarshal(payload, &a); err != nil {
		return nil, fmt.Errorf("unmarshaling alert: %w", err)
	}
	if a.Acknowledged {
		return &a, nil
	}
	a.Acknowledged = true
	updated, err := json.Marshal(a)
	if err != nil {
		return nil, fmt.Errorf("marshaling acknowledged alert: %w", err)
	}
	if err := s.redis.SetAlertPayload(ctx, userID, alertID, updated); err != nil {
		return nil, fmt.Errorf("persisting acknowledgement: %w", err)
	}
	return &a, nil
}

// CleanupOlderThan removes a user's alerts created before cutoff, returning
// the count removed. Used by the gateway's alert-cleanup endpoint, not by the
// risk monitor itself.
func (s *Service) CleanupOlderThan(ctx context.Context, userID string, cutoff time.Time) (int, error) {
	ids, err := s.redis.ListAlertIDs(ctx, userID, 0, 10000)
	if err != nil {
		return 0, fmt.Errorf("listing alert ids for cleanup: %w", err)
	}
	removed := 0
	for _, id := range ids {
		payload, err := s.redis.GetAlertPayload(ctx, userID, id)
		if err != nil {
			continue
		}
		var a Alert
		if err := json.Unmarshal(payload, &a); err != nil {
			continue
		}
		if a.CreatedAt.Before(cutoff) {
			if err := s.redis.RemoveAlert(ctx, userID, id); err != nil {
				s.logger.Warn(ctx, "failed to remove expired alert", map[string]interface{}{"user_id": userID, "alert_id": id})
				continue
			}
			removed++
		}
	}
	return removed, nil
}

// Subscribe returns a channel fed every alert created for userID, buffered
// so a slow reader doesn't block Create.
func (s *Service) Subscribe(userID string) <-chan Alert {
	ch := make(chan Alert, 100)
	s.mu.Lock()
	s.subscribers[userID] = append(s.subscribers[userID], ch)
	s.mu.Unlock()
	return ch
}

func (s *Service) notifySubscribers(userID string, a Alert) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ch := range s.subscribers[userID] {
		select {
		case ch <- a:
		default:
		}
	}
}
