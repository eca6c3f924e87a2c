package gotidb

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"testing"

	"github.com/pingcap/gotidb/reranker"
)

type fakeReranker struct {
	results []reranker.Result
	err     error

	gotQuery string
	gotDocs  []string
	gotTopN  int
}

func (f *fakeReranker) Rerank(_ context.Context, query string, docs []string, topN int) ([]reranker.Result, error) {
	f.gotQuery, f.gotDocs, f.gotTopN = query, docs, topN
	if f.err != nil {
		return nil, f.err
	}
	if f.results != nil {
		return f.results, nil
	}
	// Reverse the incoming order, highest relevance first.
	out := make([]reranker.Result, len(docs))
	for i := range docs {
		out[i] = reranker.Result{Index: len(docs) - 1 - i, RelevanceScore: float64(len(docs) - i)}
	}
	return out, nil
}

func TestSearch_RequiresLimit(t *testing.T) {
	exec := &fakeExec{}
	tbl := newChunkTable(t, exec)

	_, err := tbl.SearchVector([]float32{1, 0, 0}).ToResults(context.Background())
	if !errors.Is(err, ErrConfiguration) {
		t.Fatalf("expected ErrConfiguration, got %v", err)
	}
	if !strings.Contains(err.Error(), "limit is required") {
		t.Fatalf("unexpected error message: %v", err)
	}
	if len(exec.queries) != 0 {
		t.Fatalf("no query should run without a limit, got %d", len(exec.queries))
	}
}

func TestSearch_InvalidTypeSurfacesAtTerminal(t *testing.T) {
	tbl := newChunkTable(t, &fakeExec{})

	_, err := tbl.Search("q").SearchType("nearest").Limit(3).ToResults(context.Background())
	if !errors.Is(err, ErrConfiguration) {
		t.Fatalf("expected ErrConfiguration, got %v", err)
	}
	if !strings.Contains(err.Error(), "invalid search type") {
		t.Fatalf("unexpected error message: %v", err)
	}
}

func TestVectorSearch_LiteralVector(t *testing.T) {
	exec := &fakeExec{}
	exec.queueRows(&fakeRows{
		columns: []string{"id", "text", "category", "embedding", "_distance", "_score"},
		rows: [][]any{
			{int64(1), "alpha doc", "news", "[1,0,0]", 0.1, 0.9},
			{int64(2), []byte("beta doc"), []byte("blog"), []byte("[0,1,0]"), 0.4, 0.6},
		},
	})
	tbl := newChunkTable(t, exec)

	results, err := tbl.SearchVector([]float32{1, 0, 0}).Limit(2).ToResults(context.Background())
	if err != nil {
		t.Fatalf("search: %v", err)
	}

	wantSQL := "SELECT `id`, `text`, `category`, `embedding`, " +
		"VEC_COSINE_DISTANCE(`embedding`, ?) AS `_distance`, " +
		"1 - VEC_COSINE_DISTANCE(`embedding`, ?) AS `_score` " +
		"FROM `chunks` HAVING `_distance` IS NOT NULL " +
		"ORDER BY `_distance` ASC LIMIT 2"
	if got := exec.queries[0].query; got != wantSQL {
		t.Fatalf("sql mismatch:\n got %s\nwant %s", got, wantSQL)
	}
	wantArgs := []any{"[1,0,0]", "[1,0,0]"}
	if !reflect.DeepEqual(exec.queries[0].args, wantArgs) {
		t.Fatalf("args mismatch: got %v want %v", exec.queries[0].args, wantArgs)
	}

	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	first := results[0]
	if first.Hit.ID != 1 || first.Hit.Text != "alpha doc" || first.Hit.Category != "news" {
		t.Fatalf("unexpected first hit: %+v", first.Hit)
	}
	if !reflect.DeepEqual(first.Hit.Vec, []float32{1, 0, 0}) {
		t.Fatalf("unexpected vector: %v", first.Hit.Vec)
	}
	if first.Distance == nil || *first.Distance != 0.1 {
		t.Fatalf("unexpected distance: %v", first.Distance)
	}
	if first.Score == nil || *first.Score != 0.9 {
		t.Fatalf("unexpected score: %v", first.Score)
	}
	if first.MatchScore != nil {
		t.Fatalf("vector search should not set a match score")
	}
	if results[1].Hit.Text != "beta doc" {
		t.Fatalf("unexpected second hit: %+v", results[1].Hit)
	}
}

func TestVectorSearch_EmbedsQueryOnce(t *testing.T) {
	exec := &fakeExec{}
	fn := &fakeEmbedder{dims: 3}
	tbl := newChunkTable(t, exec, WithEmbedding("embedding", fn))

	b := tbl.Search("hello world").Limit(3)
	if _, err := b.ToResults(context.Background()); err != nil {
		t.Fatalf("first run: %v", err)
	}
	if _, err := b.ToResults(context.Background()); err != nil {
		t.Fatalf("second run: %v", err)
	}

	if fn.queryCalls != 1 {
		t.Fatalf("expected one embedding call across runs, got %d", fn.queryCalls)
	}
	if len(exec.queries) != 2 {
		t.Fatalf("expected two queries, got %d", len(exec.queries))
	}
	want := EncodeVector(fn.vectorFor("hello world"))
	if exec.queries[1].args[0] != want {
		t.Fatalf("second run should reuse the cached vector, got %v", exec.queries[1].args[0])
	}
}

func TestVectorSearch_NoEmbedder(t *testing.T) {
	tbl := newChunkTable(t, &fakeExec{})

	_, err := tbl.Search("what is tidb").Limit(3).ToResults(context.Background())
	if !errors.Is(err, ErrConfiguration) {
		t.Fatalf("expected ErrConfiguration, got %v", err)
	}
	if !strings.Contains(err.Error(), "no embedding function") {
		t.Fatalf("unexpected error message: %v", err)
	}
}

func TestVectorSearch_QueryDimensionCheck(t *testing.T) {
	tbl := newChunkTable(t, &fakeExec{})

	_, err := tbl.SearchVector([]float32{1, 0}).Limit(3).ToResults(context.Background())
	if !errors.Is(err, ErrConfiguration) {
		t.Fatalf("expected ErrConfiguration, got %v", err)
	}
	if !strings.Contains(err.Error(), "query vector has 2 dimensions") {
		t.Fatalf("unexpected error message: %v", err)
	}
}

func TestVectorSearch_DistanceThreshold(t *testing.T) {
	exec := &fakeExec{}
	tbl := newChunkTable(t, exec)

	_, err := tbl.SearchVector([]float32{1, 0, 0}).DistanceThreshold(0.3).Limit(5).ToResults(context.Background())
	if err != nil {
		t.Fatalf("search: %v", err)
	}

	q := exec.queries[0]
	if !strings.Contains(q.query, "HAVING `_distance` IS NOT NULL AND `_distance` <= ?") {
		t.Fatalf("missing threshold clause: %s", q.query)
	}
	if got := q.args[len(q.args)-1]; got != 0.3 {
		t.Fatalf("expected threshold arg 0.3, got %v", got)
	}
}

func TestVectorSearch_DistanceRange(t *testing.T) {
	exec := &fakeExec{}
	tbl := newChunkTable(t, exec)

	_, err := tbl.SearchVector([]float32{1, 0, 0}).DistanceRange(0.1, 0.6).Limit(5).ToResults(context.Background())
	if err != nil {
		t.Fatalf("search: %v", err)
	}

	q := exec.queries[0]
	if !strings.Contains(q.query, "`_distance` >= ? AND `_distance` <= ?") {
		t.Fatalf("missing range clauses: %s", q.query)
	}
	n := len(q.args)
	if q.args[n-2] != 0.1 || q.args[n-1] != 0.6 {
		t.Fatalf("unexpected range args: %v", q.args)
	}
}

func TestVectorSearch_MetricOverride(t *testing.T) {
	exec := &fakeExec{}
	tbl := newChunkTable(t, exec)

	_, err := tbl.SearchVector([]float32{1, 0, 0}).DistanceMetric("l2").Limit(2).ToResults(context.Background())
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if !strings.Contains(exec.queries[0].query, "VEC_L2_DISTANCE(`embedding`, ?)") {
		t.Fatalf("metric override not applied: %s", exec.queries[0].query)
	}

	_, err = tbl.SearchVector([]float32{1, 0, 0}).DistanceMetric("chebyshev").Limit(2).ToResults(context.Background())
	if !errors.Is(err, ErrConfiguration) {
		t.Fatalf("expected ErrConfiguration for unknown metric, got %v", err)
	}
}

func TestVectorSearch_PrefilterShape(t *testing.T) {
	exec := &fakeExec{}
	tbl := newChunkTable(t, exec)

	_, err := tbl.SearchVector([]float32{1, 0, 0}).
		Filter(map[string]any{"category": "news"}).
		Prefilter().
		Limit(5).
		ToResults(context.Background())
	if err != nil {
		t.Fatalf("search: %v", err)
	}

	wantSQL := "SELECT `id`, `text`, `category`, `embedding`, " +
		"VEC_COSINE_DISTANCE(`embedding`, ?) AS `_distance`, " +
		"1 - VEC_COSINE_DISTANCE(`embedding`, ?) AS `_score` " +
		"FROM `chunks` WHERE `category` = ? " +
		"HAVING `_distance` IS NOT NULL " +
		"ORDER BY `_distance` ASC LIMIT 5"
	if got := exec.queries[0].query; got != wantSQL {
		t.Fatalf("sql mismatch:\n got %s\nwant %s", got, wantSQL)
	}
	wantArgs := []any{"[1,0,0]", "[1,0,0]", "news"}
	if !reflect.DeepEqual(exec.queries[0].args, wantArgs) {
		t.Fatalf("args mismatch: got %v want %v", exec.queries[0].args, wantArgs)
	}
}

func TestVectorSearch_PostfilterShape(t *testing.T) {
	exec := &fakeExec{}
	tbl := newChunkTable(t, exec)

	_, err := tbl.SearchVector([]float32{1, 0, 0}).
		Filter(map[string]any{"category": "news"}).
		Limit(5).
		ToResults(context.Background())
	if err != nil {
		t.Fatalf("search: %v", err)
	}

	inner := "SELECT `id`, `text`, `category`, `embedding`, " +
		"VEC_COSINE_DISTANCE(`embedding`, ?) AS `_distance` " +
		"FROM `chunks` HAVING `_distance` IS NOT NULL " +
		"ORDER BY `_distance` ASC LIMIT 50"
	wantSQL := "SELECT `candidates`.`id`, `candidates`.`text`, `candidates`.`category`, `candidates`.`embedding`, " +
		"`candidates`.`_distance` AS `_distance`, " +
		"1 - `candidates`.`_distance` AS `_score` " +
		"FROM (" + inner + ") AS `candidates` " +
		"WHERE `candidates`.`category` = ? " +
		"ORDER BY `_distance` ASC LIMIT 5"
	if got := exec.queries[0].query; got != wantSQL {
		t.Fatalf("sql mismatch:\n got %s\nwant %s", got, wantSQL)
	}
	wantArgs := []any{"[1,0,0]", "news"}
	if !reflect.DeepEqual(exec.queries[0].args, wantArgs) {
		t.Fatalf("args mismatch: got %v want %v", exec.queries[0].args, wantArgs)
	}
}

func TestVectorSearch_CandidateWindow(t *testing.T) {
	exec := &fakeExec{}
	tbl := newChunkTable(t, exec)

	_, err := tbl.SearchVector([]float32{1, 0, 0}).
		Filter(map[string]any{"category": "news"}).
		NumCandidate(200).
		Limit(5).
		ToResults(context.Background())
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if !strings.Contains(exec.queries[0].query, "LIMIT 200) AS `candidates`") {
		t.Fatalf("candidate window not applied: %s", exec.queries[0].query)
	}
}

func TestFulltextSearch_Shape(t *testing.T) {
	exec := &fakeExec{}
	exec.queueRows(&fakeRows{
		columns: []string{"id", "text", "category", "embedding", "_match_score", "_score"},
		rows: [][]any{
			{int64(7), "tidb vector search", "news", "[0,0,1]", 2.5, 2.5},
		},
	})
	tbl := newChunkTable(t, exec)

	results, err := tbl.Search("vector").
		SearchType(SearchTypeFulltext).
		Limit(4).
		ToResults(context.Background())
	if err != nil {
		t.Fatalf("search: %v", err)
	}

	wantSQL := "SELECT `id`, `text`, `category`, `embedding`, " +
		"FTS_MATCH_WORD(?, `text`) AS `_match_score`, " +
		"FTS_MATCH_WORD(?, `text`) AS `_score` " +
		"FROM `chunks` WHERE FTS_MATCH_WORD(?, `text`) " +
		"ORDER BY `_match_score` DESC LIMIT 4"
	if got := exec.queries[0].query; got != wantSQL {
		t.Fatalf("sql mismatch:\n got %s\nwant %s", got, wantSQL)
	}
	wantArgs := []any{"vector", "vector", "vector"}
	if !reflect.DeepEqual(exec.queries[0].args, wantArgs) {
		t.Fatalf("args mismatch: got %v", exec.queries[0].args)
	}

	if len(results) != 1 {
		t.Fatalf("expected 1 result, got %d", len(results))
	}
	r := results[0]
	if r.MatchScore == nil || *r.MatchScore != 2.5 {
		t.Fatalf("unexpected match score: %v", r.MatchScore)
	}
	if r.Distance != nil {
		t.Fatalf("fulltext search should not set a distance")
	}
}

func TestFulltextSearch_NeedsQueryText(t *testing.T) {
	tbl := newChunkTable(t, &fakeExec{})

	_, err := tbl.SearchVector([]float32{1, 0, 0}).
		SearchType(SearchTypeFulltext).
		Limit(3).
		ToResults(context.Background())
	if !errors.Is(err, ErrConfiguration) {
		t.Fatalf("expected ErrConfiguration, got %v", err)
	}
	if !strings.Contains(err.Error(), "fulltext search needs a query text") {
		t.Fatalf("unexpected error message: %v", err)
	}
}

func TestHybridSearch_FusesAndTrims(t *testing.T) {
	exec := &fakeExec{}
	exec.queueRows(&fakeRows{
		columns: []string{"id", "text", "category", "embedding", "_distance", "_score"},
		rows: [][]any{
			{int64(1), "vector only", "news", "[1,0,0]", 0.1, 0.9},
			{int64(2), "both sides", "news", "[0,1,0]", 0.2, 0.8},
		},
	})
	exec.queueRows(&fakeRows{
		columns: []string{"id", "text", "category", "embedding", "_match_score", "_score"},
		rows: [][]any{
			{int64(2), "both sides", "news", "[0,1,0]", 3.0, 3.0},
			{int64(3), "fulltext only", "blog", "[0,0,1]", 1.5, 1.5},
		},
	})
	fn := &fakeEmbedder{dims: 3}
	tbl := newChunkTable(t, exec, WithEmbedding("embedding", fn))

	results, err := tbl.Search("both").
		SearchType(SearchTypeHybrid).
		Limit(2).
		ToResults(context.Background())
	if err != nil {
		t.Fatalf("search: %v", err)
	}

	if len(exec.queries) != 2 {
		t.Fatalf("expected two sub-queries, got %d", len(exec.queries))
	}
	if !strings.Contains(exec.queries[0].query, "VEC_COSINE_DISTANCE") {
		t.Fatalf("first sub-query should rank by distance: %s", exec.queries[0].query)
	}
	if !strings.Contains(exec.queries[1].query, "FTS_MATCH_WORD") {
		t.Fatalf("second sub-query should match fulltext: %s", exec.queries[1].query)
	}

	// RRF with k=60: id 2 appears in both lists (1/62 + 1/61), id 1 leads
	// the vector list (1/61), id 3 trails. The limit cuts the third row.
	if len(results) != 2 {
		t.Fatalf("expected 2 fused results, got %d", len(results))
	}
	if results[0].Hit.ID != 2 || results[1].Hit.ID != 1 {
		t.Fatalf("unexpected fused order: %d, %d", results[0].Hit.ID, results[1].Hit.ID)
	}

	both := results[0]
	if both.Distance == nil || *both.Distance != 0.2 {
		t.Fatalf("fused row lost its distance: %v", both.Distance)
	}
	if both.MatchScore == nil || *both.MatchScore != 3.0 {
		t.Fatalf("fused row lost its match score: %v", both.MatchScore)
	}
	wantScore := 1.0/62 + 1.0/61
	if both.Score == nil || *both.Score != wantScore {
		t.Fatalf("unexpected fused score: %v, want %v", both.Score, wantScore)
	}
}

func TestHybridSearch_WeightedFusion(t *testing.T) {
	exec := &fakeExec{}
	exec.queueRows(&fakeRows{
		columns: []string{"id", "text", "category", "embedding", "_distance", "_score"},
		rows: [][]any{
			{int64(1), "close", "news", "[1,0,0]", 0.2, 0.8},
		},
	})
	exec.queueRows(&fakeRows{
		columns: []string{"id", "text", "category", "embedding", "_match_score", "_score"},
		rows: [][]any{
			{int64(2), "matched", "news", "[0,1,0]", 4.0, 4.0},
		},
	})
	fn := &fakeEmbedder{dims: 3}
	tbl := newChunkTable(t, exec, WithEmbedding("embedding", fn))

	results, err := tbl.Search("q").
		SearchType(SearchTypeHybrid).
		FusionWeighted(0.7, 0.3).
		Limit(5).
		ToResults(context.Background())
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	// 0.7 * (1 - 0.2) = 0.56 beats 0.3 * 1.0 for the single fulltext hit.
	if results[0].Hit.ID != 1 {
		t.Fatalf("unexpected winner: %d", results[0].Hit.ID)
	}
	if got := *results[0].Score; got < 0.559 || got > 0.561 {
		t.Fatalf("unexpected weighted score: %v", got)
	}
}

func TestRerank_ReordersAndRescores(t *testing.T) {
	exec := &fakeExec{}
	exec.queueRows(&fakeRows{
		columns: []string{"id", "text", "category", "embedding", "_distance", "_score"},
		rows: [][]any{
			{int64(1), "first doc", "news", "[1,0,0]", 0.1, 0.9},
			{int64(2), "second doc", "news", "[0,1,0]", 0.2, 0.8},
			{int64(3), "third doc", "news", "[0,0,1]", 0.3, 0.7},
		},
	})
	fn := &fakeEmbedder{dims: 3}
	rr := &fakeReranker{}
	tbl := newChunkTable(t, exec, WithEmbedding("embedding", fn))

	results, err := tbl.Search("which doc").
		Rerank(rr).
		Limit(3).
		ToResults(context.Background())
	if err != nil {
		t.Fatalf("search: %v", err)
	}

	if rr.gotQuery != "which doc" || rr.gotTopN != 3 {
		t.Fatalf("unexpected rerank call: query=%q topN=%d", rr.gotQuery, rr.gotTopN)
	}
	// The rerank field defaults to the vector column's source field.
	wantDocs := []string{"first doc", "second doc", "third doc"}
	if !reflect.DeepEqual(rr.gotDocs, wantDocs) {
		t.Fatalf("unexpected rerank docs: %v", rr.gotDocs)
	}

	if results[0].Hit.ID != 3 || results[1].Hit.ID != 2 || results[2].Hit.ID != 1 {
		t.Fatalf("rerank order not applied: %d, %d, %d",
			results[0].Hit.ID, results[1].Hit.ID, results[2].Hit.ID)
	}
	if *results[0].Score != 3 {
		t.Fatalf("relevance score should replace the retrieval score, got %v", *results[0].Score)
	}
	if *results[0].Distance != 0.3 {
		t.Fatalf("distance should survive reranking, got %v", *results[0].Distance)
	}
}

func TestRerank_IndexOutOfRange(t *testing.T) {
	exec := &fakeExec{}
	exec.queueRows(&fakeRows{
		columns: []string{"id", "text", "category", "embedding", "_distance", "_score"},
		rows: [][]any{
			{int64(1), "only doc", "news", "[1,0,0]", 0.1, 0.9},
		},
	})
	rr := &fakeReranker{results: []reranker.Result{{Index: 5, RelevanceScore: 0.9}}}
	tbl := newChunkTable(t, exec, WithEmbedding("embedding", &fakeEmbedder{dims: 3}))

	_, err := tbl.Search("q").Rerank(rr).Limit(3).ToResults(context.Background())
	if !errors.Is(err, ErrProvider) {
		t.Fatalf("expected ErrProvider, got %v", err)
	}
}

type keylessRow struct {
	Title string    `gotidb:"title"`
	Vec   []float32 `gotidb:"vec,vector,dim=2"`
}

func TestSearch_NoPrimaryKeyUsesHiddenRowID(t *testing.T) {
	exec := &fakeExec{}
	exec.queueRows(&fakeRows{
		columns: []string{"_tidb_rowid", "title", "vec", "_distance", "_score"},
		rows: [][]any{
			{int64(42), "untitled", "[1,0]", 0.2, 0.8},
		},
	})
	client := newTestClient(exec)
	tbl, _, err := newTable[keylessRow](client, "notes", nil)
	if err != nil {
		t.Fatalf("new table: %v", err)
	}

	results, err := tbl.SearchVector([]float32{1, 0}).Limit(3).ToResults(context.Background())
	if err != nil {
		t.Fatalf("search: %v", err)
	}

	if !strings.HasPrefix(exec.queries[0].query, "SELECT `_tidb_rowid`, `title`, `vec`") {
		t.Fatalf("hidden row id not projected: %s", exec.queries[0].query)
	}
	if len(results) != 1 || results[0].Hit.Title != "untitled" {
		t.Fatalf("unexpected results: %+v", results)
	}
}

func TestSearch_ExecutionErrorWrapped(t *testing.T) {
	exec := &fakeExec{}
	exec.queueQueryErr(errors.New("connection reset"))
	tbl := newChunkTable(t, exec)

	_, err := tbl.SearchVector([]float32{1, 0, 0}).Limit(3).ToResults(context.Background())
	if !errors.Is(err, ErrExecution) {
		t.Fatalf("expected ErrExecution, got %v", err)
	}
}
