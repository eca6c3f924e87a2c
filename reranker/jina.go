package reranker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/pingcap/gotidb/internal/domain"
	"github.com/pingcap/gotidb/internal/logger"
	"github.com/pingcap/gotidb/internal/metrics"
)

const jinaRerankURL = "https://api.jina.ai/v1/rerank"

// Jina reranks via the Jina AI rerank API.
type Jina struct {
	apiKey  string
	model   string
	baseURL string
	client  *http.Client
	logger  *zap.Logger
}

var _ Reranker = (*Jina)(nil)

// JinaConfig holds the rerank provider settings.
type JinaConfig struct {
	// APIKey falls back to the JINA_AI_API_KEY environment variable.
	APIKey string
	// Model is the model identifier, optionally provider-qualified
	// ("jina_ai/jina-reranker-v2-base-multilingual").
	Model string
	// BaseURL overrides the Jina endpoint.
	BaseURL string
	Logger  *zap.Logger
}

// NewJina creates a Jina reranker.
func NewJina(cfg JinaConfig) (*Jina, error) {
	apiKey := cfg.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("JINA_AI_API_KEY")
	}
	if apiKey == "" {
		return nil, fmt.Errorf("%w: rerank API key is required", domain.ErrConfiguration)
	}
	if cfg.Model == "" {
		return nil, fmt.Errorf("%w: rerank model is required", domain.ErrConfiguration)
	}

	model := cfg.Model
	if _, m, ok := strings.Cut(cfg.Model, "/"); ok && m != "" {
		model = m
	}

	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = jinaRerankURL
	}

	return &Jina{
		apiKey:  apiKey,
		model:   model,
		baseURL: baseURL,
		client:  &http.Client{Timeout: 30 * time.Second},
		logger:  logger.OrNop(cfg.Logger),
	}, nil
}

// Model returns the model identifier sent to the API.
func (j *Jina) Model() string { return j.model }

type jinaRerankRequest struct {
	Model           string   `json:"model"`
	Query           string   `json:"query"`
	Documents       []string `json:"documents"`
	TopN            int      `json:"top_n,omitempty"`
	ReturnDocuments bool     `json:"return_documents"`
}

type jinaRerankResponse struct {
	Results []struct {
		Index          int     `json:"index"`
		RelevanceScore float64 `json:"relevance_score"`
	} `json:"results"`
	Usage struct {
		TotalTokens int `json:"total_tokens"`
	} `json:"usage"`
}

// Rerank scores documents against the query and returns at most topN
// results in descending relevance order.
func (j *Jina) Rerank(ctx context.Context, query string, documents []string, topN int) ([]Result, error) {
	if len(documents) == 0 {
		return nil, nil
	}

	reqBody := jinaRerankRequest{
		Model:     j.model,
		Query:     query,
		Documents: documents,
		TopN:      topN,
	}
	payload, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("marshal rerank request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, j.baseURL, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create rerank request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+j.apiKey)

	start := time.Now()

	resp, err := j.client.Do(req)
	if err != nil {
		metrics.RerankRequestsTotal.WithLabelValues("jina_ai", j.model, "error").Inc()
		return nil, fmt.Errorf("rerank request failed: %w", domain.ErrProvider)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		metrics.RerankRequestsTotal.WithLabelValues("jina_ai", j.model, "error").Inc()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("rerank API error %d: %s: %w", resp.StatusCode, string(body), domain.ErrProvider)
	}

	var parsed jinaRerankResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		metrics.RerankRequestsTotal.WithLabelValues("jina_ai", j.model, "error").Inc()
		return nil, fmt.Errorf("decode rerank response: %w", domain.ErrProvider)
	}

	metrics.RerankRequestsTotal.WithLabelValues("jina_ai", j.model, "success").Inc()
	j.logger.Debug("reranked documents",
		zap.String("model", j.model),
		zap.Int("documents", len(documents)),
		zap.Int("results", len(parsed.Results)),
		zap.Int("total_tokens", parsed.Usage.TotalTokens),
		zap.Duration("duration", time.Since(start)))

	out := make([]Result, len(parsed.Results))
	for i, r := range parsed.Results {
		if r.Index < 0 || r.Index >= len(documents) {
			return nil, fmt.Errorf("rerank result index %d out of range for %d documents: %w",
				r.Index, len(documents), domain.ErrProvider)
		}
		out[i] = Result{Index: r.Index, RelevanceScore: r.RelevanceScore}
	}
	return out, nil
}
