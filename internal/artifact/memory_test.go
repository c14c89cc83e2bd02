package artifact

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time           { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func TestMemoryStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(10, time.Hour)

	payload := map[string]any{"items": []any{"a", "b"}, "n": 2}
	id, err := s.Put(ctx, payload)
	require.NoError(t, err)
	require.NotEmpty(t, id)

	got, err := s.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, payload, got)
}

func TestMemoryStoreEvictsLeastRecentlyUsed(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(2, 0)

	a, _ := s.Put(ctx, "A")
	b, _ := s.Put(ctx, "B")
	c, _ := s.Put(ctx, "C")

	_, err := s.Get(ctx, a)
	require.ErrorIs(t, err, ErrNotFound)
	got, err := s.Get(ctx, b)
	require.NoError(t, err)
	require.Equal(t, "B", got)
	got, err = s.Get(ctx, c)
	require.NoError(t, err)
	require.Equal(t, "C", got)
}

func TestMemoryStoreGetRefreshesRecency(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(2, 0)

	a, _ := s.Put(ctx, "A")
	b, _ := s.Put(ctx, "B")
	_, err := s.Get(ctx, a)
	require.NoError(t, err)
	_, _ = s.Put(ctx, "C")

	_, err = s.Get(ctx, a)
	require.NoError(t, err)
	_, err = s.Get(ctx, b)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStoreExpiresLazily(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	s := NewMemoryStore(10, time.Minute, WithClock(clock.now))

	id, _ := s.Put(ctx, "fresh")
	clock.advance(59 * time.Second)
	_, err := s.Get(ctx, id)
	require.NoError(t, err)

	clock.advance(2 * time.Second)
	_, err = s.Get(ctx, id)
	require.ErrorIs(t, err, ErrNotFound)

	st, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, st.Count)
}

func TestMemoryStoreZeroTTLNeverExpires(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{t: time.Unix(0, 0)}
	s := NewMemoryStore(1, 0, WithClock(clock.now))

	id, _ := s.Put(ctx, 1)
	clock.advance(1000 * time.Hour)
	got, err := s.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, 1, got)
}

func TestMemoryStoreStatsAndEvict(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(5, 30*time.Second)
	id, _ := s.Put(ctx, "x")
	_, _ = s.Put(ctx, "y")

	st, err := s.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, Stats{Count: 2, Capacity: 5, TTL: 30 * time.Second}, st)

	require.NoError(t, s.Evict(ctx, id))
	require.NoError(t, s.Evict(ctx, "unknown"))
	_, err = s.Get(ctx, id)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStoreConcurrentAccess(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(50, time.Minute)

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				id, err := s.Put(ctx, fmt.Sprintf("%d-%d", w, i))
				if err != nil {
					t.Error(err)
					return
				}
				_, _ = s.Get(ctx, id)
			}
		}(w)
	}
	wg.Wait()

	st, _ := s.Stats(ctx)
	require.Equal(t, 50, st.Count)
}
