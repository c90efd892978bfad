package turn

import (
	"context"
	"sync"
	"time"
)

// idleWatch cancels a turn when a single wait on the backend outlasts the
// idle timeout. Only the wait itself is timed. A fire that runs after the
// result was claimed, or that belongs to an earlier wait, is ignored.
type idleWatch struct {
	timeout time.Duration
	cancel  context.CancelCauseFunc
	timer   *time.Timer

	mu       sync.Mutex
	waiting  bool
	fired    bool
	deadline time.Time
}

func newIdleWatch(timeout time.Duration, cancel context.CancelCauseFunc) *idleWatch {
	w := &idleWatch{timeout: timeout, cancel: cancel}
	w.timer = time.AfterFunc(timeout, w.fire)
	w.timer.Stop()
	return w
}

// begin starts timing one wait.
func (w *idleWatch) begin() {
	w.mu.Lock()
	w.waiting = true
	w.deadline = time.Now().Add(w.timeout)
	w.mu.Unlock()
	w.timer.Reset(w.timeout)
}

// end claims the result of the current wait. It reports true when the
// timeout fired first, in which case the turn is already cancelled.
func (w *idleWatch) end() bool {
	w.mu.Lock()
	w.waiting = false
	fired := w.fired
	w.mu.Unlock()
	w.timer.Stop()
	return fired
}

func (w *idleWatch) fire() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.waiting || time.Now().Before(w.deadline) {
		return
	}
	w.fired = true
	w.cancel(errIdleTimeout)
}
