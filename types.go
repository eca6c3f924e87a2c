package gotidb

import "fmt"

// SearchType selects the search strategy.
type SearchType string

// Search type constants.
const (
	// SearchTypeVector ranks rows by vector distance to the query.
	SearchTypeVector SearchType = "vector"
	// SearchTypeFulltext ranks rows by keyword match score.
	SearchTypeFulltext SearchType = "fulltext"
	// SearchTypeHybrid runs both and fuses the ranked lists.
	SearchTypeHybrid SearchType = "hybrid"
)

// IsValid checks if the search type is one of the supported values.
func (t SearchType) IsValid() bool {
	return t == SearchTypeVector || t == SearchTypeFulltext || t == SearchTypeHybrid
}

// DistanceMetric identifies the dissimilarity function used for vector
// search and vector index creation. Lower distance means more similar.
type DistanceMetric string

// Distance metric constants.
const (
	DistanceCosine DistanceMetric = "COSINE"
	DistanceL2     DistanceMetric = "L2"
	DistanceL1     DistanceMetric = "L1"
	// DistanceNegativeInnerProduct negates the dot product so that lower
	// still means more similar.
	DistanceNegativeInnerProduct DistanceMetric = "NEGATIVE_INNER_PRODUCT"
)

// IsValid checks if the metric is one of the supported values.
func (m DistanceMetric) IsValid() bool {
	switch m {
	case DistanceCosine, DistanceL2, DistanceL1, DistanceNegativeInnerProduct:
		return true
	}
	return false
}

// Indexable reports whether the storage engine supports a vector index for
// this metric. Only L2 and COSINE indexes exist today.
func (m DistanceMetric) Indexable() bool {
	return m == DistanceCosine || m == DistanceL2
}

// distanceFuncs maps metrics to the SQL distance functions for literal
// query vectors and for server-evaluated embeddings.
var distanceFuncs = map[DistanceMetric]string{
	DistanceCosine:               "VEC_COSINE_DISTANCE",
	DistanceL2:                   "VEC_L2_DISTANCE",
	DistanceL1:                   "VEC_L1_DISTANCE",
	DistanceNegativeInnerProduct: "VEC_NEGATIVE_INNER_PRODUCT",
}

var embedDistanceFuncs = map[DistanceMetric]string{
	DistanceCosine:               "VEC_EMBED_COSINE_DISTANCE",
	DistanceL2:                   "VEC_EMBED_L2_DISTANCE",
	DistanceL1:                   "VEC_EMBED_L1_DISTANCE",
	DistanceNegativeInnerProduct: "VEC_EMBED_NEGATIVE_INNER_PRODUCT",
}

// distanceFunc returns the SQL function for the metric, switching to the
// server-evaluated family when the column embeds on the server.
func (m DistanceMetric) distanceFunc(serverSide bool) (string, error) {
	funcs := distanceFuncs
	if serverSide {
		funcs = embedDistanceFuncs
	}
	name, ok := funcs[m]
	if !ok {
		return "", fmt.Errorf("%w: invalid distance metric %q", ErrConfiguration, string(m))
	}
	return name, nil
}

// parseDistanceMetric validates and normalizes a metric name. "ip" is
// shorthand for negative inner product.
func parseDistanceMetric(s string) (DistanceMetric, error) {
	switch DistanceMetric(normalizeUpper(s)) {
	case DistanceCosine:
		return DistanceCosine, nil
	case DistanceL2:
		return DistanceL2, nil
	case DistanceL1:
		return DistanceL1, nil
	case DistanceNegativeInnerProduct, "IP":
		return DistanceNegativeInnerProduct, nil
	default:
		return "", fmt.Errorf("%w: invalid distance metric %q, valid options: COSINE, L2, L1, IP",
			ErrConfiguration, s)
	}
}

// fusionMethod selects the hybrid rank-fusion algorithm.
type fusionMethod string

const (
	fusionRRF      fusionMethod = "rrf"
	fusionWeighted fusionMethod = "weighted"
)

// Result labels reserved for computed search columns. User columns must not
// collide with them.
const (
	distanceLabel   = "_distance"
	matchScoreLabel = "_match_score"
	scoreLabel      = "_score"
	rowIDLabel      = "_tidb_rowid"
)

func normalizeUpper(s string) string {
	b := []byte(s)
	for i, c := range b {
		if 'a' <= c && c <= 'z' {
			b[i] = c - 'a' + 'A'
		}
	}
	return string(b)
}
