package generation

import (
	"context"
	"errors"
)

// ErrBackend wraps every failure reported by the generation backend.
var ErrBackend = errors.New("generation backend error")

// Prompt is what one turn sends to the model: a fixed system instruction and
// the rendered user prompt.
type Prompt struct {
	System string
	Text   string
}

// Fragment is one incremental piece of generated text.
type Fragment struct {
	Text string
}

// FragmentReader is a pull-style stream. Recv returns io.EOF once the backend
// signals completion; any other error ends the stream as failed. Close
// releases the backend resources and may be called at any point.
type FragmentReader interface {
	Recv() (Fragment, error)
	Close()
}

// Generator opens a fragment stream for a prompt. The stream is bound to ctx:
// cancelling it stops the backend.
type Generator interface {
	Generate(ctx context.Context, prompt Prompt) (FragmentReader, error)
}
