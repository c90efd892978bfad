package turn

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIdleWatchFiresWhileWaiting(t *testing.T) {
	ctx, cancel := context.WithCancelCause(context.Background())
	defer cancel(nil)
	w := newIdleWatch(10*time.Millisecond, cancel)

	w.begin()
	select {
	case <-ctx.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("idle timeout never fired")
	}
	assert.True(t, w.end())
	assert.ErrorIs(t, context.Cause(ctx), errIdleTimeout)
}

func TestIdleWatchIgnoresFireAfterClaim(t *testing.T) {
	ctx, cancel := context.WithCancelCause(context.Background())
	defer cancel(nil)
	w := newIdleWatch(time.Hour, cancel)

	w.begin()
	require.False(t, w.end())
	// The timer callback may still run once the result has been claimed.
	w.fire()
	assert.NoError(t, ctx.Err())
}

func TestIdleWatchIgnoresFireFromEarlierWait(t *testing.T) {
	ctx, cancel := context.WithCancelCause(context.Background())
	defer cancel(nil)
	w := newIdleWatch(time.Hour, cancel)

	w.begin()
	require.False(t, w.end())
	w.begin()
	// A callback left over from the first wait lands during the second.
	w.fire()
	assert.NoError(t, ctx.Err())
	assert.False(t, w.end())
}
