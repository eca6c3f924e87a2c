package embedding

import (
	"context"
	"fmt"

	"github.com/pingcap/gotidb/internal/domain"
)

// Server marks a vector column whose values the database computes itself in
// a STORED generated column. Query text travels to the server raw and is
// embedded there, so the client-side embed methods always fail.
type Server struct {
	name       string
	dimensions int
}

var _ Function = (*Server)(nil)

// NewServer declares a server-side embedding model, e.g.
// "tidbcloud_free/amazon/titan-embed-text-v2". Dimensions must match the
// model; the client has no way to probe them.
func NewServer(model string, dimensions int) *Server {
	return &Server{name: model, dimensions: dimensions}
}

// Name returns the provider-qualified model identifier.
func (s *Server) Name() string { return s.name }

// Dimensions returns the declared vector length.
func (s *Server) Dimensions() int { return s.dimensions }

// ServerSide reports true.
func (s *Server) ServerSide() bool { return true }

func (s *Server) QueryEmbedding(context.Context, string, SourceType) ([]float32, error) {
	return nil, s.clientSideErr()
}

func (s *Server) SourceEmbedding(context.Context, string, SourceType) ([]float32, error) {
	return nil, s.clientSideErr()
}

func (s *Server) SourceEmbeddings(context.Context, []string, SourceType) ([][]float32, error) {
	return nil, s.clientSideErr()
}

func (s *Server) clientSideErr() error {
	return fmt.Errorf("%w: model %q embeds on the database server, not the client", domain.ErrConfiguration, s.name)
}
