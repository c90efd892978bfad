package retrieval

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cloudwego/eino-ext/components/tool/duckduckgo/v2"
	"github.com/cloudwego/eino-ext/components/tool/googlesearch"
	"github.com/cloudwego/eino/components/tool"
	"github.com/rs/zerolog"

	"botchat/internal/config"
	"botchat/internal/models"
)

// WebRetriever serves "web:" corpora from search engines. Google is tried
// first when credentials exist, DuckDuckGo is the keyless fallback.
type WebRetriever struct {
	google tool.InvokableTool
	duck   tool.InvokableTool
	logger zerolog.Logger
}

// NewWebRetriever builds the search tools described by cfg.
func NewWebRetriever(ctx context.Context, cfg config.WebSearchConfig, timeout time.Duration, logger zerolog.Logger) (*WebRetriever, error) {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	var googleTool tool.InvokableTool
	if cfg.GoogleAPIKey != "" && cfg.GoogleSearchEngineID != "" {
		lang := cfg.Lang
		if lang == "" {
			lang = "en"
		}
		t, err := googlesearch.NewTool(ctx, &googlesearch.Config{
			ToolName:       "web_search_google",
			ToolDesc:       "Google Search Tool",
			APIKey:         cfg.GoogleAPIKey,
			SearchEngineID: cfg.GoogleSearchEngineID,
			Lang:           lang,
			Num:            5,
		})
		if err != nil {
			return nil, fmt.Errorf("init google search: %w", err)
		}
		googleTool = t
	} else {
		logger.Info().Msg("google search disabled: missing api key or search engine id")
	}

	duckTool, err := duckduckgo.NewTextSearchTool(ctx, &duckduckgo.Config{
		ToolName:   "web_search_ddg",
		ToolDesc:   "DuckDuckGo Search Tool (no token required)",
		MaxResults: 5,
		Region:     duckduckgo.RegionWT,
		Timeout:    timeout,
	})
	if err != nil {
		return nil, fmt.Errorf("init duckduckgo search: %w", err)
	}
	return newWebRetriever(googleTool, duckTool, logger), nil
}

func newWebRetriever(google, duck tool.InvokableTool, logger zerolog.Logger) *WebRetriever {
	return &WebRetriever{
		google: google,
		duck:   duck,
		logger: logger.With().Str("component", "web_retriever").Logger(),
	}
}

func (w *WebRetriever) Search(ctx context.Context, corpusID, query string, k int) ([]models.Passage, error) {
	if k <= 0 {
		return nil, nil
	}
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, nil
	}
	if site := strings.TrimPrefix(corpusID, WebCorpusPrefix); site != "" && site != "*" {
		query = "site:" + site + " " + query
	}
	payload, err := json.Marshal(map[string]string{"query": query})
	if err != nil {
		return nil, fmt.Errorf("marshal search params: %w", err)
	}

	var errs []error
	for _, candidate := range []struct {
		name string
		tool tool.InvokableTool
	}{{"google", w.google}, {"duckduckgo", w.duck}} {
		if candidate.tool == nil {
			continue
		}
		out, err := candidate.tool.InvokableRun(ctx, string(payload))
		if err != nil {
			w.logger.Warn().Err(err).Str("provider", candidate.name).Msg("web search failed")
			errs = append(errs, fmt.Errorf("%s: %w", candidate.name, err))
			continue
		}
		return passagesFromToolOutput(candidate.name, out, k), nil
	}
	if len(errs) == 0 {
		return nil, fmt.Errorf("%w: no search provider configured", ErrBackendUnavailable)
	}
	return nil, fmt.Errorf("%w: %w", ErrBackendUnavailable, errors.Join(errs...))
}

// passagesFromToolOutput turns a search tool's JSON answer into passages.
// Result lists are found under "items" or "results"; anything unrecognised
// becomes a single passage holding the raw text.
func passagesFromToolOutput(provider, out string, k int) []models.Passage {
	var decoded map[string]any
	if err := json.Unmarshal([]byte(out), &decoded); err == nil {
		var list []any
		for _, key := range []string{"items", "results", "Items", "Results"} {
			if l, ok := decoded[key].([]any); ok {
				list = l
				break
			}
		}
		passages := make([]models.Passage, 0, k)
		for _, raw := range list {
			item, ok := raw.(map[string]any)
			if !ok {
				continue
			}
			text := firstString(item, "snippet", "summary", "content", "desc", "description")
			title := firstString(item, "title")
			if text == "" && title == "" {
				continue
			}
			if title != "" && text != "" {
				text = title + "\n" + text
			} else if text == "" {
				text = title
			}
			meta := map[string]any{"provider": provider}
			if link := firstString(item, "link", "url"); link != "" {
				meta["url"] = link
			}
			if title != "" {
				meta["title"] = title
			}
			// Engines return results best first; keep that order in the score.
			passages = append(passages, models.Passage{
				Content:  text,
				Metadata: meta,
				Score:    1 / float64(len(passages)+1),
			})
			if len(passages) == k {
				break
			}
		}
		if len(passages) > 0 {
			return passages
		}
	}
	out = strings.TrimSpace(out)
	if out == "" {
		return nil
	}
	return []models.Passage{{Content: out, Metadata: map[string]any{"provider": provider}, Score: 1}}
}

func firstString(m map[string]any, keys ...string) string {
	for _, key := range keys {
		if v, ok := m[key].(string); ok && strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}
