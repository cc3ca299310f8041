package cache

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

func TestTTL_ExpiresLazily(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	c := NewTTL[string, int](60*time.Second, WithClock(clock.Now))

	c.Set("http://b:5000", 1)

	clock.Advance(10 * time.Second)
	v, ok := c.Get("http://b:5000")
	assert.True(t, ok)
	assert.Equal(t, 1, v)

	item, ok := c.Item("http://b:5000")
	assert.True(t, ok)
	assert.Equal(t, time.Unix(1000, 0), item.CreatedAt)

	clock.Advance(51 * time.Second)
	_, ok = c.Get("http://b:5000")
	assert.False(t, ok)
	assert.Equal(t, 0, c.Len(), "expired entry is evicted on lookup")
}

func TestTTL_SetWithTTLAndPurge(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	c := NewTTL[string, string](time.Minute, WithClock(clock.Now))

	c.SetWithTTL("short", "a", time.Second)
	c.Set("long", "b")

	clock.Advance(2 * time.Second)
	assert.Equal(t, 1, c.Purge())
	assert.Equal(t, 1, c.Len())

	c.Delete("long")
	assert.Equal(t, 0, c.Len())
}

func TestTTL_Clear(t *testing.T) {
	c := NewTTL[string, bool](time.Minute)
	c.Set("http://a:5000", true)
	c.Set("http://b:5000", true)
	assert.Equal(t, 2, c.Len())

	c.Clear()
	assert.Equal(t, 0, c.Len())
}

func TestTTL_Janitor(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	c := NewTTL[string, bool](time.Second, WithClock(clock.Now))
	c.Set("http://c:5000", true)
	clock.Advance(2 * time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c.StartJanitor(ctx, 5*time.Millisecond)

	assert.Eventually(t, func() bool { return c.Len() == 0 }, time.Second, 5*time.Millisecond)
}
