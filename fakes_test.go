package gotidb

import (
	"context"
	"database/sql"
	"fmt"
	"testing"

	"go.uber.org/zap"

	"github.com/pingcap/gotidb/embedding"
)

// chunkRow is the standard test entity: auto-key PK, fulltext-indexed text,
// a filterable scalar, and an auto-embedded vector.
type chunkRow struct {
	ID       int64     `gotidb:"id,pk,auto"`
	Text     string    `gotidb:"text,text,fulltext"`
	Category string    `gotidb:"category"`
	Vec      []float32 `gotidb:"embedding,vector,dim=3,source=text"`
}

// fakeRows serves a canned result grid through the rowSet interface.
type fakeRows struct {
	columns []string
	rows    [][]any
	pos     int
	iterErr error
	closed  bool
}

func (r *fakeRows) Columns() ([]string, error) { return r.columns, nil }

func (r *fakeRows) Next() bool {
	if r.pos >= len(r.rows) {
		return false
	}
	r.pos++
	return true
}

func (r *fakeRows) Scan(dest ...any) error {
	row := r.rows[r.pos-1]
	if len(dest) != len(row) {
		return fmt.Errorf("scan wants %d destinations, got %d", len(row), len(dest))
	}
	for i, v := range row {
		switch p := dest[i].(type) {
		case *any:
			*p = v
		case *string:
			s, err := rawString(v)
			if err != nil {
				return err
			}
			*p = s
		case *int64:
			n, err := rawInt(v)
			if err != nil {
				return err
			}
			*p = n
		default:
			return fmt.Errorf("unsupported scan destination %T", dest[i])
		}
	}
	return nil
}

func (r *fakeRows) Err() error   { return r.iterErr }
func (r *fakeRows) Close() error { r.closed = true; return nil }

type captured struct {
	query string
	args  []any
}

type queryReply struct {
	rows *fakeRows
	err  error
}

type execReply struct {
	result sql.Result
	err    error
}

// fakeExec implements executor: it records every statement and replays
// queued responses in FIFO order. An empty queue answers with no rows and
// an empty result.
type fakeExec struct {
	queries []captured
	execs   []captured

	queryReplies []queryReply
	execReplies  []execReply
}

func (e *fakeExec) QueryContext(_ context.Context, query string, args ...any) (rowSet, error) {
	e.queries = append(e.queries, captured{query: query, args: args})
	if len(e.queryReplies) == 0 {
		return &fakeRows{}, nil
	}
	reply := e.queryReplies[0]
	e.queryReplies = e.queryReplies[1:]
	if reply.err != nil {
		return nil, reply.err
	}
	if reply.rows == nil {
		return &fakeRows{}, nil
	}
	return reply.rows, nil
}

func (e *fakeExec) ExecContext(_ context.Context, query string, args ...any) (sql.Result, error) {
	e.execs = append(e.execs, captured{query: query, args: args})
	if len(e.execReplies) == 0 {
		return fakeResult{}, nil
	}
	reply := e.execReplies[0]
	e.execReplies = e.execReplies[1:]
	if reply.err != nil {
		return nil, reply.err
	}
	if reply.result == nil {
		return fakeResult{}, nil
	}
	return reply.result, nil
}

func (e *fakeExec) queueRows(r *fakeRows) {
	e.queryReplies = append(e.queryReplies, queryReply{rows: r})
}

func (e *fakeExec) queueQueryErr(err error) {
	e.queryReplies = append(e.queryReplies, queryReply{err: err})
}

func (e *fakeExec) queueCount(n int64) {
	e.queueRows(&fakeRows{columns: []string{"count"}, rows: [][]any{{n}}})
}

func (e *fakeExec) queueResult(lastID, affected int64) {
	e.execReplies = append(e.execReplies, execReply{result: fakeResult{lastID: lastID, affected: affected}})
}

func (e *fakeExec) queueExecErr(err error) {
	e.execReplies = append(e.execReplies, execReply{err: err})
}

// fakeResult implements sql.Result.
type fakeResult struct {
	lastID   int64
	affected int64
	idErr    error
}

func (r fakeResult) LastInsertId() (int64, error) { return r.lastID, r.idErr }
func (r fakeResult) RowsAffected() (int64, error) { return r.affected, nil }

// fakeEmbedder is a deterministic embedding.Function. Vectors derive from
// the input, so assertions can tell inputs apart, and every provider call
// is counted.
type fakeEmbedder struct {
	name       string
	dims       int
	serverSide bool

	queryCalls  int
	sourceCalls int
	lastInputs  []string

	queryErr   error
	sourceErr  error
	sourceVecs [][]float32 // overrides derived vectors when set
}

var _ embedding.Function = (*fakeEmbedder)(nil)

func (f *fakeEmbedder) Name() string {
	if f.name == "" {
		return "test/fake-embed"
	}
	return f.name
}

func (f *fakeEmbedder) Dimensions() int { return f.dims }

func (f *fakeEmbedder) ServerSide() bool { return f.serverSide }

func (f *fakeEmbedder) QueryEmbedding(_ context.Context, query string, _ embedding.SourceType) ([]float32, error) {
	f.queryCalls++
	if f.queryErr != nil {
		return nil, f.queryErr
	}
	return f.vectorFor(query), nil
}

func (f *fakeEmbedder) SourceEmbedding(ctx context.Context, value string, sourceType embedding.SourceType) ([]float32, error) {
	vecs, err := f.SourceEmbeddings(ctx, []string{value}, sourceType)
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

func (f *fakeEmbedder) SourceEmbeddings(_ context.Context, values []string, _ embedding.SourceType) ([][]float32, error) {
	f.sourceCalls++
	f.lastInputs = values
	if f.sourceErr != nil {
		return nil, f.sourceErr
	}
	if f.sourceVecs != nil {
		return f.sourceVecs, nil
	}
	out := make([][]float32, len(values))
	for i, v := range values {
		out[i] = f.vectorFor(v)
	}
	return out, nil
}

func (f *fakeEmbedder) vectorFor(s string) []float32 {
	vec := make([]float32, f.dims)
	for i := range vec {
		vec[i] = float32(len(s) + i)
	}
	return vec
}

func newTestClient(exec executor) *Client {
	return &Client{exec: exec, logger: zap.NewNop(), database: "test"}
}

func newChunkTable(t *testing.T, exec *fakeExec, opts ...TableOption) *Table[chunkRow] {
	t.Helper()
	tbl, _, err := newTable[chunkRow](newTestClient(exec), "chunks", opts)
	if err != nil {
		t.Fatalf("new table: %v", err)
	}
	return tbl
}
