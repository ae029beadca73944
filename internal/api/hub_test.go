package api

import (
	"encoding/json"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/talgya/cult-world/internal/governance"
)

func TestHubFanOut(t *testing.T) {
	h := NewHub()
	id1, ch1 := h.Subscribe()
	_, ch2 := h.Subscribe()
	assert.Equal(t, 2, h.Subscribers())

	h.Emit(governance.Event{Cycle: 7, Category: governance.CategoryBribe, Description: "offer"})
	for _, ch := range []<-chan []byte{ch1, ch2} {
		var ev governance.Event
		require.NoError(t, json.Unmarshal(<-ch, &ev))
		assert.Equal(t, uint64(7), ev.Cycle)
	}

	h.Unsubscribe(id1)
	_, open := <-ch1
	assert.False(t, open)
	assert.Equal(t, 1, h.Subscribers())
	h.Unsubscribe(id1)
}

func TestHubDropsForSlowSubscribers(t *testing.T) {
	h := NewHub()
	_, ch := h.Subscribe()
	for i := 0; i < subscriberBuffer+5; i++ {
		h.Emit(governance.Event{Cycle: uint64(i)})
	}
	assert.Len(t, ch, subscriberBuffer)
	assert.Equal(t, uint64(5), h.Dropped())
}

func TestRateLimiter(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	rl := NewRateLimiter(2, time.Minute)
	rl.now = func() time.Time { return now }

	assert.True(t, rl.Allow("a"))
	assert.True(t, rl.Allow("a"))
	assert.False(t, rl.Allow("a"))
	assert.True(t, rl.Allow("b"))
	assert.Equal(t, 60, rl.RetryAfter("a"))
	assert.Equal(t, 0, rl.RetryAfter("unknown"))

	now = now.Add(30*time.Second + 500*time.Millisecond)
	assert.Equal(t, 30, rl.RetryAfter("a"))
	assert.False(t, rl.Allow("a"))

	now = now.Add(29*time.Second + 500*time.Millisecond)
	assert.Equal(t, 0, rl.RetryAfter("a"))
	assert.True(t, rl.Allow("a"))

	now = now.Add(5 * time.Minute)
	rl.Allow("c")
	rl.mu.Lock()
	_, stale := rl.buckets["b"]
	rl.mu.Unlock()
	assert.False(t, stale)
}

func TestClientIP(t *testing.T) {
	r := httptest.NewRequest("GET", "/", nil)
	r.RemoteAddr = "10.0.0.5:4123"
	assert.Equal(t, "10.0.0.5", clientIP(r))
	r.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")
	assert.Equal(t, "203.0.113.9", clientIP(r))
}
