package turn

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	backend := errors.New("boom")

	live := context.Background()
	assert.Equal(t, KindGeneration, classify(live, KindGeneration, "op", backend).Kind)

	abandoned, cancel := context.WithCancelCause(context.Background())
	cancel(errAbandoned)
	got := classify(abandoned, KindGeneration, "op", backend)
	assert.Equal(t, KindCancelled, got.Kind)
	assert.ErrorIs(t, got, errAbandoned)

	idle, cancelIdle := context.WithCancelCause(context.Background())
	cancelIdle(errIdleTimeout)
	assert.Equal(t, KindTimeout, classify(idle, KindGeneration, "op", backend).Kind)

	expired, stop := context.WithTimeout(context.Background(), 0)
	defer stop()
	<-expired.Done()
	assert.Equal(t, KindTimeout, classify(expired, KindPersistence, "op", backend).Kind)
}

func TestKindOf(t *testing.T) {
	err := fmt.Errorf("wrapped: %w", &Error{Kind: KindOverloaded, Op: "schedule"})
	assert.Equal(t, KindOverloaded, KindOf(err))
	assert.Equal(t, ErrorKind(""), KindOf(errors.New("plain")))
	assert.Equal(t, "turn schedule: overloaded", (&Error{Kind: KindOverloaded, Op: "schedule"}).Error())
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "RESOLVING_SESSION", StateResolvingSession.String())
	assert.Equal(t, "PERSISTING", StatePersisting.String())
	assert.True(t, StateFailed.Terminal())
	assert.False(t, StateStreaming.Terminal())
}
