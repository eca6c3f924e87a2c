package embedding

import (
	"context"
	"testing"

	"go.uber.org/zap"
)

type mockFunction struct {
	name string
	dims int
	vec  []float32
	err  error

	queryCalls int
	batchCalls int
}

func (m *mockFunction) Name() string {
	if m.name == "" {
		return "mock/model"
	}
	return m.name
}

func (m *mockFunction) Dimensions() int { return m.dims }

func (m *mockFunction) ServerSide() bool { return false }

func (m *mockFunction) QueryEmbedding(_ context.Context, _ string, _ SourceType) ([]float32, error) {
	m.queryCalls++
	return m.vec, m.err
}

func (m *mockFunction) SourceEmbedding(ctx context.Context, value string, st SourceType) ([]float32, error) {
	vecs, err := m.SourceEmbeddings(ctx, []string{value}, st)
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

func (m *mockFunction) SourceEmbeddings(_ context.Context, values []string, _ SourceType) ([][]float32, error) {
	m.batchCalls++
	if m.err != nil {
		return nil, m.err
	}
	vecs := make([][]float32, len(values))
	for i := range values {
		vecs[i] = m.vec
	}
	return vecs, nil
}

// mockStore implements the consumer interface for tests.
type mockStore struct {
	getFn func(ctx context.Context, key string) ([]byte, error)
	setFn func(ctx context.Context, key string, value []byte) error
}

func (m *mockStore) Get(ctx context.Context, key string) ([]byte, error) {
	if m.getFn != nil {
		return m.getFn(ctx, key)
	}
	return nil, ErrCacheMiss
}

func (m *mockStore) Set(ctx context.Context, key string, value []byte) error {
	if m.setFn != nil {
		return m.setFn(ctx, key, value)
	}
	return nil
}

func newTestCached(t *testing.T, inner *mockFunction) (*Cached, *mockStore) {
	t.Helper()
	ms := &mockStore{}
	return NewCached(inner, ms, zap.NewNop()), ms
}
