package embedding

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/pingcap/gotidb/internal/domain"
	"github.com/pingcap/gotidb/internal/logger"
	"github.com/pingcap/gotidb/internal/metrics"
)

// maxAPIBatchSize caps how many inputs go into a single embeddings request.
const maxAPIBatchSize = 256

// OpenAI embeds via an OpenAI-compatible embeddings API. The base URL can
// point at any compatible provider (OpenAI, Jina, Nebius, local gateways).
type OpenAI struct {
	client     *openai.Client
	model      openai.EmbeddingModel
	provider   string
	dimensions int
	user       string
	logger     *zap.Logger
}

var _ Function = (*OpenAI)(nil)

// OpenAIConfig holds the embedding provider settings.
type OpenAIConfig struct {
	// APIKey falls back to the OPENAI_API_KEY environment variable.
	APIKey string
	// BaseURL overrides the OpenAI endpoint for compatible providers.
	BaseURL string
	// Model is the model identifier, optionally provider-qualified
	// ("openai/text-embedding-3-small").
	Model string
	// Dimensions fixes the vector length. Zero probes the model once at
	// construction; a probe failure is fatal.
	Dimensions int
	User       string
	Logger     *zap.Logger
}

// NewOpenAI creates an OpenAI-compatible embedding function. When no
// dimensions are configured it embeds a probe string to discover them.
func NewOpenAI(ctx context.Context, cfg OpenAIConfig) (*OpenAI, error) {
	apiKey := cfg.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("OPENAI_API_KEY")
	}
	if apiKey == "" {
		return nil, fmt.Errorf("%w: embedding API key is required", domain.ErrConfiguration)
	}
	if cfg.Model == "" {
		return nil, fmt.Errorf("%w: embedding model is required", domain.ErrConfiguration)
	}

	provider := "openai"
	model := cfg.Model
	if p, m, ok := strings.Cut(cfg.Model, "/"); ok && p != "" && m != "" {
		provider, model = p, m
	}

	clientCfg := openai.DefaultConfig(apiKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}

	e := &OpenAI{
		client:     openai.NewClientWithConfig(clientCfg),
		model:      openai.EmbeddingModel(model),
		provider:   provider,
		dimensions: cfg.Dimensions,
		user:       cfg.User,
		logger:     logger.OrNop(cfg.Logger),
	}

	if e.dimensions <= 0 {
		vecs, err := e.embed(ctx, []string{"test"})
		if err != nil {
			return nil, fmt.Errorf("probe embedding dimensions: %w", err)
		}
		e.dimensions = len(vecs[0])
		e.logger.Debug("probed embedding dimensions",
			zap.String("model", string(e.model)), zap.Int("dimensions", e.dimensions))
	}
	return e, nil
}

// Name returns the provider-qualified model identifier.
func (e *OpenAI) Name() string { return e.provider + "/" + string(e.model) }

// Dimensions returns the vector length this function produces.
func (e *OpenAI) Dimensions() int { return e.dimensions }

// ServerSide reports false; this function embeds on the client.
func (e *OpenAI) ServerSide() bool { return false }

// QueryEmbedding embeds a search query. An image-source query that
// references an image is resolved first; plain text goes through as-is.
func (e *OpenAI) QueryEmbedding(ctx context.Context, query string, sourceType SourceType) ([]float32, error) {
	input := query
	if sourceType == SourceTypeImage && isImageRef(query) {
		resolved, err := resolveImageValue(query)
		if err != nil {
			return nil, err
		}
		input = resolved
	}
	vecs, err := e.embed(ctx, []string{input})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// SourceEmbedding embeds one stored value.
func (e *OpenAI) SourceEmbedding(ctx context.Context, value string, sourceType SourceType) ([]float32, error) {
	vecs, err := e.SourceEmbeddings(ctx, []string{value}, sourceType)
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// SourceEmbeddings embeds stored values in bulk, chunking requests at
// maxAPIBatchSize and preserving input order.
func (e *OpenAI) SourceEmbeddings(ctx context.Context, values []string, sourceType SourceType) ([][]float32, error) {
	if len(values) == 0 {
		return nil, nil
	}
	if !sourceType.IsValid() {
		return nil, fmt.Errorf("%w: unknown source type %q", domain.ErrConfiguration, sourceType)
	}

	inputs := values
	if sourceType == SourceTypeImage {
		inputs = make([]string, len(values))
		for i, v := range values {
			resolved, err := resolveImageValue(v)
			if err != nil {
				return nil, err
			}
			inputs[i] = resolved
		}
	}

	out := make([][]float32, 0, len(inputs))
	for offset := 0; offset < len(inputs); offset += maxAPIBatchSize {
		end := offset + maxAPIBatchSize
		if end > len(inputs) {
			end = len(inputs)
		}
		vecs, err := e.embed(ctx, inputs[offset:end])
		if err != nil {
			return nil, err
		}
		out = append(out, vecs...)
	}
	return out, nil
}

// HealthCheck verifies API availability via ListModels (free endpoint).
func (e *OpenAI) HealthCheck(ctx context.Context) error {
	if _, err := e.client.ListModels(ctx); err != nil {
		return fmt.Errorf("list models: %w", err)
	}
	return nil
}

// embed performs one embeddings request with transport-level metrics.
// Vectors are reordered by response index.
func (e *OpenAI) embed(ctx context.Context, inputs []string) ([][]float32, error) {
	req := openai.EmbeddingRequest{
		Input:          inputs,
		Model:          e.model,
		EncodingFormat: openai.EmbeddingEncodingFormatFloat,
		User:           e.user,
	}
	if e.dimensions > 0 {
		req.Dimensions = e.dimensions
	}

	start := time.Now()

	resp, err := e.client.CreateEmbeddings(ctx, req)

	duration := time.Since(start)

	if err != nil {
		metrics.EmbeddingRequestsTotal.WithLabelValues(e.provider, string(e.model), "error").Inc()
		metrics.EmbeddingErrorsTotal.WithLabelValues(e.provider, string(e.model), "api_error").Inc()
		return nil, parseAPIError(err)
	}

	if len(resp.Data) != len(inputs) {
		metrics.EmbeddingRequestsTotal.WithLabelValues(e.provider, string(e.model), "error").Inc()
		metrics.EmbeddingErrorsTotal.WithLabelValues(e.provider, string(e.model), "incomplete_response").Inc()
		return nil, fmt.Errorf("embedding response has %d vectors for %d inputs: %w",
			len(resp.Data), len(inputs), domain.ErrProvider)
	}

	metrics.EmbeddingRequestsTotal.WithLabelValues(e.provider, string(e.model), "success").Inc()
	metrics.EmbeddingRequestDuration.WithLabelValues(e.provider, string(e.model)).Observe(duration.Seconds())

	if resp.Usage.TotalTokens > 0 {
		metrics.EmbeddingTokensTotal.WithLabelValues(e.provider, string(e.model), "prompt").
			Add(float64(resp.Usage.PromptTokens))
		metrics.EmbeddingTokensTotal.WithLabelValues(e.provider, string(e.model), "total").
			Add(float64(resp.Usage.TotalTokens))
	}

	// Providers may return vectors out of order.
	sort.Slice(resp.Data, func(i, j int) bool { return resp.Data[i].Index < resp.Data[j].Index })

	out := make([][]float32, len(resp.Data))
	for i, d := range resp.Data {
		out[i] = d.Embedding
	}
	return out, nil
}

// parseAPIError extracts a human-readable error from the API response.
// All errors are wrapped with domain.ErrProvider.
func parseAPIError(err error) error {
	wrap := domain.ErrProvider

	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		detail := extractDetail(reqErr.Body)
		if detail != "" {
			return fmt.Errorf("embedding API error %d: %s: %w",
				reqErr.HTTPStatusCode, detail, wrap)
		}
		return fmt.Errorf("embedding API error %d: %s: %w",
			reqErr.HTTPStatusCode, string(reqErr.Body), wrap)
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return fmt.Errorf("embedding API error %d: %s: %w",
			apiErr.HTTPStatusCode, apiErr.Message, wrap)
	}

	return fmt.Errorf("embedding request failed: %w", wrap)
}

// extractDetail extracts the "detail" field from a JSON error body, a shape
// some OpenAI-compatible gateways use instead of the standard error object.
func extractDetail(body []byte) string {
	var parsed struct {
		Detail string `json:"detail"`
	}
	if json.Unmarshal(body, &parsed) == nil && parsed.Detail != "" {
		return parsed.Detail
	}
	return ""
}
