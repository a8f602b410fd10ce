package marketdata

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewAppliesDefaultsForZeroFields(t *testing.T) {
	c := New("mock", nil, nil, nil, Config{})
	assert.Equal(t, DefaultConfig().SoftCap, c.cfg.SoftCap)
	assert.Equal(t, DefaultConfig().FlushInterval, c.cfg.FlushInterval)
	assert.Equal(t, DefaultConfig().TickerCacheTTL, c.cfg.TickerCacheTTL)
	assert.Equal(t, DefaultConfig().BookCacheTTL, c.cfg.BookCacheTTL)
}

func TestNewKeepsExplicitConfig(t *testing.T) {
	cfg := Config{SoftCap: 10, FlushInterval: time.Second, TickerCacheTTL: time.Second, BookCacheTTL: time.Second}
	c := New("mock", nil, nil, nil, cfg)
	assert.Equal(t, 10, c.cfg.SoftCap)
}

func TestHardCapIsTwiceSoftCap(t *testing.T) {
	c := New("mock", nil, nil, nil, Config{SoftCap: 5, FlushInterval: time.Second, TickerCacheTTL: time.Second, BookCacheTTL: time.Second})
	assert.Equal(t, 10, c.hardCap())
}

func TestAppendBoundedGrowsUnderCap(t *testing.T) {
	var buf []int
	var dropped bool
	buf, dropped = appendBounded(buf, 1, 3)
	assert.False(t, dropped)
	buf, dropped = appendBounded(buf, 2, 3)
	assert.False(t, dropped)
	require.Equal(t, []int{1, 2}, buf)
}

func TestAppendBoundedDropsOldestAtHardCap(t *testing.T) {
	buf := []int{1, 2, 3}
	buf, dropped := appendBounded(buf, 4, 3)
	assert.True(t, dropped)
	assert.Equal(t, []int{2, 3, 4}, buf)
}

func TestStatsSnapshotIsIndependentCopy(t *testing.T) {
	c := New("mock", nil, nil, nil, Config{})
	c.recordReceived()
	c.recordDropped()
	c.recordFlushed(5)
	c.recordError()

	stats := c.Stats()
	assert.Equal(t, int64(1), stats.Received)
	assert.Equal(t, int64(1), stats.Dropped)
	assert.Equal(t, int64(5), stats.Flushed)
	assert.Equal(t, int64(1), stats.Errors)
}
