package ledger

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var base = time.Date(2025, 6, 15, 9, 0, 0, 0, time.UTC)

// exerciseLedger runs the shared behaviour checks against any backend.
func exerciseLedger(t *testing.T, l Ledger) {
	ctx := context.Background()

	c, err := l.Claim(ctx, 1, base)
	require.NoError(t, err)
	assert.True(t, c.Claimed, "first claim succeeds")

	c, err = l.Claim(ctx, 1, base.Add(time.Hour))
	require.NoError(t, err)
	assert.False(t, c.Claimed, "within the window")
	assert.True(t, c.Last.Equal(base))

	c, err = l.Claim(ctx, 1, base.Add(11*time.Hour+59*time.Minute))
	require.NoError(t, err)
	assert.False(t, c.Claimed)

	c, err = l.Claim(ctx, 1, base.Add(12*time.Hour))
	require.NoError(t, err)
	assert.True(t, c.Claimed, "a full window later the task is claimable again")

	_, err = l.Claim(ctx, 2, base.Add(20*time.Hour))
	require.NoError(t, err)

	n, err := l.Size(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	// task 1 was stamped at base+12h, task 2 at base+20h
	removed, err := l.Sweep(ctx, base.Add(24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	n, err = l.Size(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	c, err = l.Claim(ctx, 2, base.Add(24*time.Hour))
	require.NoError(t, err)
	assert.False(t, c.Claimed, "sweep keeps entries inside the window")
}

func TestMemory(t *testing.T) {
	exerciseLedger(t, NewMemory(12*time.Hour))
}

func TestMemory_ConcurrentClaimsOnlyOneWins(t *testing.T) {
	l := NewMemory(12 * time.Hour)

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c, err := l.Claim(context.Background(), 7, base)
			if err == nil && c.Claimed {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, wins)
}
