package retrieval

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/rs/zerolog"

	"botchat/internal/config"
	"botchat/internal/models"
)

// ElasticRetriever searches one Elasticsearch index per corpus. Documents
// carry the passage text in a content field and an optional metadata object.
type ElasticRetriever struct {
	client *elasticsearch.Client
	field  string
	logger zerolog.Logger
}

func NewElasticRetriever(cfg config.ElasticsearchConfig, logger zerolog.Logger) (*ElasticRetriever, error) {
	client, err := elasticsearch.NewClient(elasticsearch.Config{
		Addresses: cfg.Addresses,
		Username:  cfg.Username,
		Password:  cfg.Password,
		APIKey:    cfg.APIKey,
	})
	if err != nil {
		return nil, fmt.Errorf("create elasticsearch client: %w", err)
	}
	return NewElasticRetrieverWithClient(client, cfg.ContentField, logger), nil
}

func NewElasticRetrieverWithClient(client *elasticsearch.Client, contentField string, logger zerolog.Logger) *ElasticRetriever {
	if contentField == "" {
		contentField = "content"
	}
	return &ElasticRetriever{
		client: client,
		field:  contentField,
		logger: logger.With().Str("component", "elastic_retriever").Logger(),
	}
}

type searchResponse struct {
	Hits struct {
		Hits []struct {
			ID     string         `json:"_id"`
			Score  float64        `json:"_score"`
			Source map[string]any `json:"_source"`
		} `json:"hits"`
	} `json:"hits"`
}

func (r *ElasticRetriever) Search(ctx context.Context, corpusID, query string, k int) ([]models.Passage, error) {
	if k <= 0 {
		return nil, nil
	}
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(map[string]any{
		"query": map[string]any{
			"match": map[string]any{r.field: query},
		},
	}); err != nil {
		return nil, fmt.Errorf("encode search body: %w", err)
	}

	res, err := r.client.Search(
		r.client.Search.WithContext(ctx),
		r.client.Search.WithIndex(corpusID),
		r.client.Search.WithBody(&buf),
		r.client.Search.WithSize(k),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: search %s: %v", ErrBackendUnavailable, corpusID, err)
	}
	defer res.Body.Close()

	if res.StatusCode == http.StatusNotFound {
		io.Copy(io.Discard, res.Body)
		return nil, fmt.Errorf("%w: %s", ErrCorpusNotFound, corpusID)
	}
	if res.IsError() {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 512))
		r.logger.Warn().Str("corpus_id", corpusID).Int("status", res.StatusCode).Bytes("body", body).Msg("search rejected")
		return nil, fmt.Errorf("%w: search %s: %s", ErrBackendUnavailable, corpusID, res.Status())
	}

	var parsed searchResponse
	if err := json.NewDecoder(res.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("%w: decode search response: %v", ErrBackendUnavailable, err)
	}

	passages := make([]models.Passage, 0, len(parsed.Hits.Hits))
	for _, hit := range parsed.Hits.Hits {
		content, _ := hit.Source[r.field].(string)
		if content == "" {
			continue
		}
		meta := map[string]any{"id": hit.ID}
		if extra, ok := hit.Source["metadata"].(map[string]any); ok {
			for key, v := range extra {
				meta[key] = v
			}
		}
		passages = append(passages, models.Passage{Content: content, Metadata: meta, Score: hit.Score})
		if len(passages) == k {
			break
		}
	}
	return passages, nil
}
