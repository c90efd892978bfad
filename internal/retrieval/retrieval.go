package retrieval

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"botchat/internal/models"
)

var (
	// ErrCorpusNotFound means the backend has no corpus under the given id.
	ErrCorpusNotFound = errors.New("corpus not found")
	// ErrBackendUnavailable covers transport failures and backend-side errors.
	ErrBackendUnavailable = errors.New("retrieval backend unavailable")
)

// Retriever returns up to k passages of corpusID ranked by the backend's own
// relevance score, best first.
type Retriever interface {
	Search(ctx context.Context, corpusID, query string, k int) ([]models.Passage, error)
}

// WebCorpusPrefix marks corpus ids served by web search instead of the
// document index. "web:" searches everywhere, "web:example.com" one site.
const WebCorpusPrefix = "web:"

// Router dispatches a search to the backend that owns the corpus id.
type Router struct {
	docs    Retriever
	web     Retriever
	timeout time.Duration
}

// NewRouter builds a router; either backend may be nil when not configured.
func NewRouter(docs, web Retriever, timeout time.Duration) *Router {
	return &Router{docs: docs, web: web, timeout: timeout}
}

func (r *Router) Search(ctx context.Context, corpusID, query string, k int) ([]models.Passage, error) {
	backend, name := r.docs, "document index"
	if strings.HasPrefix(corpusID, WebCorpusPrefix) {
		backend, name = r.web, "web search"
	}
	if backend == nil {
		return nil, fmt.Errorf("%w: %s not configured", ErrBackendUnavailable, name)
	}
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}
	return backend.Search(ctx, corpusID, query, k)
}
