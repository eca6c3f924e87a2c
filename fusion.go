package gotidb

import (
	"math"
	"sort"
)

// defaultRRFK is the Reciprocal Rank Fusion constant (standard value from Cormack et al. 2009).
const defaultRRFK = 60

// mergeByKey unions two hit lists by row identity, vector hits first. When
// both sides return a row, the vector copy keeps the entity and the
// fulltext copy contributes its match score. The resulting order is the
// tie-break order for fusion.
func mergeByKey[T any](vs, fts []searchRow[T]) ([]searchRow[T], map[string]int) {
	merged := make([]searchRow[T], 0, len(vs)+len(fts))
	index := make(map[string]int, len(vs)+len(fts))

	for _, r := range vs {
		index[r.key] = len(merged)
		merged = append(merged, r)
	}
	for _, r := range fts {
		if i, ok := index[r.key]; ok {
			merged[i].matchScore = r.matchScore
			continue
		}
		index[r.key] = len(merged)
		merged = append(merged, r)
	}
	return merged, index
}

// fuseRRF merges vector and fulltext hits via Reciprocal Rank Fusion:
// score(d) = sum of 1/(k + rank) over the lists that contain d, ranks 1-based.
// Ties keep merge order, so vector hits sort before fulltext-only hits.
func fuseRRF[T any](vs, fts []searchRow[T], k int) []searchRow[T] {
	merged, index := mergeByKey(vs, fts)
	scores := make([]float64, len(merged))

	for rank, r := range vs {
		scores[index[r.key]] += 1.0 / float64(k+rank+1)
	}
	for rank, r := range fts {
		scores[index[r.key]] += 1.0 / float64(k+rank+1)
	}

	for i := range merged {
		s := scores[i]
		merged[i].score = &s
	}
	sort.SliceStable(merged, func(i, j int) bool {
		return *merged[i].score > *merged[j].score
	})
	return merged
}

// fuseWeighted merges vector and fulltext hits via a weighted linear
// combination: vector distances become similarities via 1-distance, match
// scores are min-max scaled to [0,1] within the fulltext list, and a
// missing side contributes 0.
func fuseWeighted[T any](vs, fts []searchRow[T], vsWeight, ftsWeight float64) []searchRow[T] {
	merged, index := mergeByKey(vs, fts)
	scores := make([]float64, len(merged))

	for _, r := range vs {
		if r.distance != nil {
			scores[index[r.key]] += vsWeight * (1 - *r.distance)
		}
	}

	if len(fts) > 0 {
		lo, hi := math.Inf(1), math.Inf(-1)
		for _, r := range fts {
			if r.matchScore == nil {
				continue
			}
			lo = math.Min(lo, *r.matchScore)
			hi = math.Max(hi, *r.matchScore)
		}
		for _, r := range fts {
			if r.matchScore == nil {
				continue
			}
			// A constant list scales to 1.0 rather than dividing by zero.
			norm := 1.0
			if hi > lo {
				norm = (*r.matchScore - lo) / (hi - lo)
			}
			scores[index[r.key]] += ftsWeight * norm
		}
	}

	for i := range merged {
		s := scores[i]
		merged[i].score = &s
	}
	sort.SliceStable(merged, func(i, j int) bool {
		return *merged[i].score > *merged[j].score
	})
	return merged
}
