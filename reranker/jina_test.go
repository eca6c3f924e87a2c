package reranker

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/pingcap/gotidb/internal/domain"
	"github.com/pingcap/gotidb/internal/metrics"
)

func TestMain(m *testing.M) {
	metrics.RegisterSearchMetrics()
	os.Exit(m.Run())
}

func newRerankServer(t *testing.T, handler func(req map[string]any) any) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("unexpected method: %s", r.Method)
		}
		if r.Header.Get("Authorization") != "Bearer test-key" {
			t.Errorf("unexpected auth header: %s", r.Header.Get("Authorization"))
		}
		var req map[string]any
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(handler(req))
	}))
}

func TestJina_Rerank(t *testing.T) {
	server := newRerankServer(t, func(req map[string]any) any {
		if req["model"] != "jina-reranker-v2-base-multilingual" {
			t.Errorf("unexpected model: %v", req["model"])
		}
		if req["query"] != "best database" {
			t.Errorf("unexpected query: %v", req["query"])
		}
		if docs := req["documents"].([]any); len(docs) != 3 {
			t.Errorf("expected 3 documents, got %d", len(docs))
		}
		if req["top_n"] != float64(2) {
			t.Errorf("unexpected top_n: %v", req["top_n"])
		}
		return map[string]any{
			"results": []map[string]any{
				{"index": 2, "relevance_score": 0.92},
				{"index": 0, "relevance_score": 0.41},
			},
			"usage": map[string]any{"total_tokens": 30},
		}
	})
	defer server.Close()

	rr, err := NewJina(JinaConfig{
		APIKey:  "test-key",
		Model:   "jina_ai/jina-reranker-v2-base-multilingual",
		BaseURL: server.URL,
	})
	if err != nil {
		t.Fatalf("NewJina failed: %v", err)
	}

	results, err := rr.Rerank(context.Background(), "best database", []string{"a", "b", "c"}, 2)
	if err != nil {
		t.Fatalf("Rerank failed: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	if results[0].Index != 2 || results[0].RelevanceScore != 0.92 {
		t.Errorf("unexpected first result: %+v", results[0])
	}
	if results[1].Index != 0 || results[1].RelevanceScore != 0.41 {
		t.Errorf("unexpected second result: %+v", results[1])
	}
}

func TestJina_Rerank_EmptyDocuments(t *testing.T) {
	rr, err := NewJina(JinaConfig{APIKey: "test-key", Model: "jina-reranker-v2-base-multilingual"})
	if err != nil {
		t.Fatalf("NewJina failed: %v", err)
	}

	results, err := rr.Rerank(context.Background(), "q", nil, 5)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if results != nil {
		t.Errorf("expected nil results for empty documents, got %v", results)
	}
}

func TestJina_Rerank_APIError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusPaymentRequired)
		w.Write([]byte(`{"detail":"quota exceeded"}`))
	}))
	defer server.Close()

	rr, err := NewJina(JinaConfig{APIKey: "test-key", Model: "m", BaseURL: server.URL})
	if err != nil {
		t.Fatalf("NewJina failed: %v", err)
	}

	_, err = rr.Rerank(context.Background(), "q", []string{"a"}, 1)
	if !errors.Is(err, domain.ErrProvider) {
		t.Fatalf("expected provider error, got %v", err)
	}
}

func TestJina_Rerank_IndexOutOfRange(t *testing.T) {
	server := newRerankServer(t, func(req map[string]any) any {
		return map[string]any{
			"results": []map[string]any{{"index": 7, "relevance_score": 0.5}},
		}
	})
	defer server.Close()

	rr, err := NewJina(JinaConfig{APIKey: "test-key", Model: "m", BaseURL: server.URL})
	if err != nil {
		t.Fatalf("NewJina failed: %v", err)
	}

	_, err = rr.Rerank(context.Background(), "q", []string{"a", "b"}, 2)
	if !errors.Is(err, domain.ErrProvider) {
		t.Fatalf("expected provider error for out-of-range index, got %v", err)
	}
}

func TestNewJina_Validation(t *testing.T) {
	t.Setenv("JINA_AI_API_KEY", "")
	if _, err := NewJina(JinaConfig{Model: "m"}); !errors.Is(err, domain.ErrConfiguration) {
		t.Errorf("expected configuration error without API key, got %v", err)
	}
	if _, err := NewJina(JinaConfig{APIKey: "k"}); !errors.Is(err, domain.ErrConfiguration) {
		t.Errorf("expected configuration error without model, got %v", err)
	}
}
