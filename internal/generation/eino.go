package generation

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/cloudwego/eino-ext/components/model/claude"
	"github.com/cloudwego/eino-ext/components/model/gemini"
	"github.com/cloudwego/eino-ext/components/model/openai"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"google.golang.org/genai"

	"botchat/internal/config"
)

// EinoGenerator streams completions from any eino chat model.
type EinoGenerator struct {
	model model.BaseChatModel
}

func NewEinoGenerator(chatModel model.BaseChatModel) *EinoGenerator {
	return &EinoGenerator{model: chatModel}
}

func (g *EinoGenerator) Generate(ctx context.Context, prompt Prompt) (FragmentReader, error) {
	messages := make([]*schema.Message, 0, 2)
	if prompt.System != "" {
		messages = append(messages, schema.SystemMessage(prompt.System))
	}
	messages = append(messages, schema.UserMessage(prompt.Text))

	stream, err := g.model.Stream(ctx, messages)
	if err != nil {
		return nil, fmt.Errorf("%w: open stream: %v", ErrBackend, err)
	}
	return &einoReader{stream: stream}, nil
}

type einoReader struct {
	stream *schema.StreamReader[*schema.Message]
}

func (r *einoReader) Recv() (Fragment, error) {
	for {
		chunk, err := r.stream.Recv()
		if errors.Is(err, io.EOF) {
			return Fragment{}, io.EOF
		}
		if err != nil {
			return Fragment{}, fmt.Errorf("%w: %v", ErrBackend, err)
		}
		// Role-only and tool-call chunks carry no text for the caller.
		if chunk == nil || chunk.Content == "" {
			continue
		}
		return Fragment{Text: chunk.Content}, nil
	}
}

func (r *einoReader) Close() {
	r.stream.Close()
}

// NewChatModel builds the eino chat model for the configured provider.
func NewChatModel(ctx context.Context, gen config.GenerationConfig, provCfg config.ProviderConfig) (model.BaseChatModel, error) {
	modelName := gen.Model
	if modelName == "" {
		modelName = provCfg.Model
	}
	if modelName == "" {
		return nil, fmt.Errorf("model not configured for provider %s", gen.Provider)
	}
	maxTokens := gen.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 3000
	}

	var (
		chatModel model.BaseChatModel
		err       error
	)
	switch gen.Provider {
	case "openai":
		// base_url may point at any OpenAI-compatible endpoint such as OpenRouter.
		chatModel, err = openai.NewChatModel(ctx, &openai.ChatModelConfig{
			BaseURL:   provCfg.BaseURL,
			Model:     modelName,
			APIKey:    provCfg.APIKey,
			MaxTokens: &maxTokens,
		})
	case "gemini":
		client, clientErr := genai.NewClient(ctx, &genai.ClientConfig{
			APIKey:  provCfg.APIKey,
			Backend: genai.BackendGeminiAPI,
		})
		if clientErr != nil {
			return nil, fmt.Errorf("create gemini client: %w", clientErr)
		}
		chatModel, err = gemini.NewChatModel(ctx, &gemini.Config{
			Client: client,
			Model:  modelName,
		})
	case "claude":
		var baseURLPtr *string
		if provCfg.BaseURL != "" {
			baseURLPtr = &provCfg.BaseURL
		}
		chatModel, err = claude.NewChatModel(ctx, &claude.Config{
			APIKey:    provCfg.APIKey,
			Model:     modelName,
			BaseURL:   baseURLPtr,
			MaxTokens: maxTokens,
		})
	default:
		return nil, fmt.Errorf("invalid provider: %s", gen.Provider)
	}
	if err != nil {
		return nil, fmt.Errorf("init %s chat model: %w", gen.Provider, err)
	}
	return chatModel, nil
}
