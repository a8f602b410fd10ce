package queue

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/quantterminal/core/pkg/database"
)

func TestDeriveHealthHealthy(t *testing.T) {
	h := deriveHealth(database.QueueCounts{InFlight: 1, Failed: 0}, 4)
	assert.Equal(t, HealthHealthy, h)
}

func TestDeriveHealthDegradedOnInFlight(t *testing.T) {
	h := deriveHealth(database.QueueCounts{InFlight: 9}, 4)
	assert.Equal(t, HealthDegraded, h)
}

func TestDeriveHealthDegradedOnFailed(t *testing.T) {
	h := deriveHealth(database.QueueCounts{Failed: 21}, 4)
	assert.Equal(t, HealthDegraded, h)
}

func TestDeriveHealthCriticalOnInFlight(t *testing.T) {
	h := deriveHealth(database.QueueCounts{InFlight: 17}, 4)
	assert.Equal(t, HealthCritical, h)
}

func TestDeriveHealthCriticalOnFailed(t *testing.T) {
	h := deriveHealth(database.QueueCounts{Failed: 101}, 4)
	assert.Equal(t, HealthCritical, h)
}

func TestNewQueueDefaultsWorkerCount(t *testing.T) {
	q := New(nil, nil, 0)
	assert.Equal(t, 1, q.workerCount)
}
