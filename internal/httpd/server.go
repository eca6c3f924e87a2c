// Package httpd exposes a fixed-schema document search API over a TiDB
// table per collection of documents.
package httpd

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"regexp"
	"strings"
	"sync"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/pingcap/gotidb"
	"github.com/pingcap/gotidb/embedding"
	"github.com/pingcap/gotidb/internal/metrics"
)

const maxBatchSize = 100

var tableNamePattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]{0,63}$`)

// Document is the row schema the service manages. The embedding column is
// filled from the text field by the configured embedding function.
type Document struct {
	ID        int64           `gotidb:"id,pk,auto"`
	Text      string          `gotidb:"text,text,fulltext"`
	Meta      json.RawMessage `gotidb:"meta,json"`
	Embedding []float32       `gotidb:"embedding,vector,source=text"`
}

// Server routes document and search requests onto SDK tables. Table
// handles are cached per name after the first use.
type Server struct {
	client   *gotidb.Client
	embedder embedding.Function
	logger   *zap.Logger

	mu     sync.RWMutex
	tables map[string]*gotidb.Table[Document]
}

// NewServer creates the HTTP API server.
func NewServer(client *gotidb.Client, embedder embedding.Function, logger *zap.Logger) *Server {
	return &Server{
		client:   client,
		embedder: embedder,
		logger:   logger,
		tables:   make(map[string]*gotidb.Table[Document]),
	}
}

// Router assembles the chi router with the middleware stack.
func (s *Server) Router(apiKeys []string) *chi.Mux {
	r := chi.NewRouter()
	r.Use(Recoverer(s.logger))
	r.Use(chimiddleware.RequestID)
	r.Use(RequestLogger(s.logger))
	r.Use(BearerAuth(apiKeys))
	r.Use(metrics.Middleware())

	r.Get("/healthz", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/v1/tables/{table}", func(r chi.Router) {
		r.Put("/", s.handleCreateTable)
		r.Delete("/", s.handleDropTable)
		r.Post("/documents", s.handleInsertDocuments)
		r.Post("/search", s.handleSearch)
	})
	return r
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type tableResponse struct {
	Name    string `json:"name"`
	Created bool   `json:"created"`
}

type documentPayload struct {
	Text string          `json:"text"`
	Meta json.RawMessage `json:"meta,omitempty"`
}

type insertRequest struct {
	Documents []documentPayload `json:"documents"`
}

type insertResponse struct {
	Inserted int     `json:"inserted"`
	IDs      []int64 `json:"ids"`
}

type searchRequest struct {
	Query             string         `json:"query"`
	Type              string         `json:"type,omitempty"`
	Limit             int            `json:"limit,omitempty"`
	Filters           map[string]any `json:"filters,omitempty"`
	DistanceThreshold *float64       `json:"distance_threshold,omitempty"`
}

type hitResponse struct {
	ID         int64           `json:"id"`
	Text       string          `json:"text"`
	Meta       json.RawMessage `json:"meta,omitempty"`
	Distance   *float64        `json:"distance,omitempty"`
	MatchScore *float64        `json:"match_score,omitempty"`
	Score      *float64        `json:"score,omitempty"`
}

type searchResponse struct {
	Hits  []hitResponse `json:"hits"`
	Limit int           `json:"limit"`
	Total int           `json:"total"`
}

// handleCreateTable handles PUT /v1/tables/{table}. Creating an existing
// table is a no-op that reports created=false.
func (s *Server) handleCreateTable(w http.ResponseWriter, r *http.Request) {
	name, ok := s.tableName(w, r)
	if !ok {
		return
	}

	exists, err := s.client.HasTable(r.Context(), name)
	if err != nil {
		s.handleError(w, err)
		return
	}

	t, err := gotidb.CreateTable[Document](r.Context(), s.client, name,
		gotidb.WithEmbedding("embedding", s.embedder),
		gotidb.WithIfExists(gotidb.IfExistsSkip))
	if err != nil {
		s.handleError(w, err)
		return
	}
	s.storeTable(name, t)

	status := http.StatusCreated
	if exists {
		status = http.StatusOK
	}
	writeJSON(w, status, tableResponse{Name: name, Created: !exists})
}

// handleDropTable handles DELETE /v1/tables/{table}.
func (s *Server) handleDropTable(w http.ResponseWriter, r *http.Request) {
	name, ok := s.tableName(w, r)
	if !ok {
		return
	}

	if err := s.client.DropTable(r.Context(), name); err != nil {
		s.handleError(w, err)
		return
	}
	s.evictTable(name)

	w.WriteHeader(http.StatusNoContent)
}

// handleInsertDocuments handles POST /v1/tables/{table}/documents.
func (s *Server) handleInsertDocuments(w http.ResponseWriter, r *http.Request) {
	name, ok := s.tableName(w, r)
	if !ok {
		return
	}

	var req insertRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid request body: "+err.Error())
		return
	}
	if len(req.Documents) == 0 || len(req.Documents) > maxBatchSize {
		writeError(w, http.StatusBadRequest, "validation_failed",
			"documents count must be between 1 and 100")
		return
	}

	t, err := s.table(r.Context(), name)
	if err != nil {
		s.handleError(w, err)
		return
	}

	docs := make([]Document, len(req.Documents))
	for i, d := range req.Documents {
		docs[i] = Document{Text: d.Text, Meta: d.Meta}
	}

	stored, err := t.BulkInsert(r.Context(), docs)
	if err != nil {
		s.handleError(w, err)
		return
	}

	ids := make([]int64, len(stored))
	for i, d := range stored {
		ids[i] = d.ID
	}
	writeJSON(w, http.StatusCreated, insertResponse{Inserted: len(stored), IDs: ids})
}

// handleSearch handles POST /v1/tables/{table}/search.
func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	name, ok := s.tableName(w, r)
	if !ok {
		return
	}

	var req searchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid request body: "+err.Error())
		return
	}

	t, err := s.table(r.Context(), name)
	if err != nil {
		s.handleError(w, err)
		return
	}

	limit := req.Limit
	if limit <= 0 {
		limit = 10
	}

	q := t.Search(req.Query).Limit(limit)
	if req.Type != "" {
		q = q.SearchType(gotidb.SearchType(strings.ToLower(req.Type)))
	}
	if len(req.Filters) > 0 {
		q = q.Filter(req.Filters)
	}
	if req.DistanceThreshold != nil {
		q = q.DistanceThreshold(*req.DistanceThreshold)
	}

	results, err := q.ToResults(r.Context())
	if err != nil {
		s.handleError(w, err)
		return
	}

	hits := make([]hitResponse, len(results))
	for i, res := range results {
		hits[i] = hitResponse{
			ID:         res.Hit.ID,
			Text:       res.Hit.Text,
			Meta:       res.Hit.Meta,
			Distance:   res.Distance,
			MatchScore: res.MatchScore,
			Score:      res.Score,
		}
	}
	writeJSON(w, http.StatusOK, searchResponse{Hits: hits, Limit: limit, Total: len(hits)})
}

// handleHealth handles GET /healthz.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	httpStatus := http.StatusOK
	checks := map[string]string{"database": "ok"}
	if err := s.client.Ping(r.Context()); err != nil {
		status = "unhealthy"
		httpStatus = http.StatusServiceUnavailable
		checks["database"] = "unavailable"
	}
	writeJSON(w, httpStatus, map[string]any{
		"status": status,
		"checks": checks,
	})
}

// tableName extracts and validates the table path parameter, writing a 400
// response when it is unusable.
func (s *Server) tableName(w http.ResponseWriter, r *http.Request) (string, bool) {
	name := chi.URLParam(r, "table")
	if !tableNamePattern.MatchString(name) {
		writeError(w, http.StatusBadRequest, "validation_failed", "invalid table name")
		return "", false
	}
	return name, true
}

// table returns the cached handle for a table, opening and validating it
// on first use.
func (s *Server) table(ctx context.Context, name string) (*gotidb.Table[Document], error) {
	s.mu.RLock()
	t, ok := s.tables[name]
	s.mu.RUnlock()
	if ok {
		return t, nil
	}

	t, err := gotidb.OpenTable[Document](ctx, s.client, name,
		gotidb.WithEmbedding("embedding", s.embedder))
	if err != nil {
		return nil, err
	}
	s.storeTable(name, t)
	return t, nil
}

func (s *Server) storeTable(name string, t *gotidb.Table[Document]) {
	s.mu.Lock()
	s.tables[name] = t
	s.mu.Unlock()
}

func (s *Server) evictTable(name string) {
	s.mu.Lock()
	delete(s.tables, name)
	s.mu.Unlock()
}

// handleError maps SDK sentinel errors onto HTTP statuses. Configuration
// errors carry their message to the client; everything else is reduced to
// its sentinel to avoid leaking internals.
func (s *Server) handleError(w http.ResponseWriter, err error) {
	s.logger.Warn("request failed", zap.Error(err))
	switch {
	case errors.Is(err, gotidb.ErrTableNotFound):
		writeError(w, http.StatusNotFound, "table_not_found", gotidb.ErrTableNotFound.Error())
	case errors.Is(err, gotidb.ErrTableExists):
		writeError(w, http.StatusConflict, "table_already_exists", gotidb.ErrTableExists.Error())
	case errors.Is(err, gotidb.ErrConfiguration):
		writeError(w, http.StatusBadRequest, "validation_failed", err.Error())
	case errors.Is(err, gotidb.ErrProvider):
		writeError(w, http.StatusBadGateway, "embedding_provider_error", gotidb.ErrProvider.Error())
	default:
		s.logger.Error("internal error", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal_error", "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorResponse{Code: code, Message: message})
}
