package embedding

import (
	"context"
	"time"

	"github.com/google/generative-ai-go/genai"
	"github.com/m-mizutani/goerr/v2"
	"golang.org/x/time/rate"
	"google.golang.org/api/option"

	"gwi.com/local-rag/internal/logging"
)

const (
	defaultGeminiModel     = "text-embedding-004"
	defaultGeminiDimension = 768

	// Gemini allows 1500 embedding requests per minute.
	defaultGeminiInterval = 40 * time.Millisecond
)

// GeminiEmbedder calls the Gemini embedding API. It is an optional
// alternative to HashEmbedder and needs network access and an API key.
type GeminiEmbedder struct {
	client    *genai.Client
	model     string
	dimension int
	limiter   *rate.Limiter
}

func NewGeminiEmbedder(ctx context.Context, apiKey string) (*GeminiEmbedder, error) {
	if apiKey == "" {
		return nil, goerr.New("GEMINI_API_KEY is required for the gemini embedder")
	}
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, goerr.Wrap(err, "failed to create GenAI client")
	}

	return &GeminiEmbedder{
		client:    client,
		model:     defaultGeminiModel,
		dimension: defaultGeminiDimension,
		limiter:   rate.NewLimiter(rate.Every(defaultGeminiInterval), 1),
	}, nil
}

func (e *GeminiEmbedder) Name() string { return "gemini" }

func (e *GeminiEmbedder) Dimension() int { return e.dimension }

func (e *GeminiEmbedder) Close() {
	if e.client == nil {
		return
	}
	if err := e.client.Close(); err != nil {
		logging.Default().Warn("Error closing GenAI client", "error", err)
	}
}

func (e *GeminiEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := e.limiter.Wait(ctx); err != nil {
		return nil, goerr.Wrap(err, "embedding rate limiter aborted")
	}

	em := e.client.EmbeddingModel(e.model)
	res, err := em.EmbedContent(ctx, genai.Text(text))
	if err != nil {
		return nil, goerr.Wrap(err, "gemini embedding request failed", goerr.V("model", e.model))
	}
	if res.Embedding == nil || len(res.Embedding.Values) == 0 {
		return nil, goerr.New("no embedding data received from gemini", goerr.V("model", e.model))
	}
	if len(res.Embedding.Values) != e.dimension {
		return nil, goerr.New("unexpected embedding dimension",
			goerr.V("model", e.model), goerr.V("want", e.dimension), goerr.V("got", len(res.Embedding.Values)))
	}
	return res.Embedding.Values, nil
}
