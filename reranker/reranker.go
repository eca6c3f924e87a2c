// Package reranker rescores search hits with a cross-encoder model.
//
// A Reranker receives the query and the candidate documents and returns
// relevance-ordered results; the search layer replaces fusion or distance
// scores with the returned relevance scores.
package reranker

import "context"

// Result is one reranked document reference.
type Result struct {
	// Index points into the documents slice passed to Rerank.
	Index int
	// RelevanceScore is the model's query-document relevance, higher is
	// more relevant.
	RelevanceScore float64
}

// Reranker rescores documents against a query. Results come back in
// descending relevance order, at most topN of them.
type Reranker interface {
	Rerank(ctx context.Context, query string, documents []string, topN int) ([]Result, error)
}
