// Package embedding turns stored values and search queries into vectors.
//
// A Function is attached to a vector column through table options; the table
// layer calls it on insert and search. OpenAI covers any OpenAI-compatible
// embeddings API, Server marks columns the database embeds itself, and
// Cached decorates a Function with a Redis-backed cache.
package embedding

import (
	"context"
	"encoding/base64"
	"fmt"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/pingcap/gotidb/internal/domain"
)

// SourceType tells a Function how to treat raw input values.
type SourceType string

const (
	SourceTypeText  SourceType = "text"
	SourceTypeImage SourceType = "image"
)

// IsValid reports whether the source type is a known value.
func (s SourceType) IsValid() bool {
	return s == SourceTypeText || s == SourceTypeImage
}

// Function produces fixed-length vectors for stored values and search
// queries. Implementations must be safe for concurrent use.
type Function interface {
	// Name returns the provider-qualified model identifier,
	// e.g. "openai/text-embedding-3-small".
	Name() string
	// Dimensions returns the vector length this function produces.
	Dimensions() int
	// ServerSide reports whether the database computes embeddings itself.
	// The embed methods of a server-side function are never called.
	ServerSide() bool
	// QueryEmbedding embeds a search query. With an image source type, a
	// query that references an image (URL, data URI, or file) is embedded
	// as an image; any other string is embedded as cross-modal text.
	QueryEmbedding(ctx context.Context, query string, sourceType SourceType) ([]float32, error)
	// SourceEmbedding embeds one stored value.
	SourceEmbedding(ctx context.Context, value string, sourceType SourceType) ([]float32, error)
	// SourceEmbeddings embeds stored values in bulk, preserving input order.
	SourceEmbeddings(ctx context.Context, values []string, sourceType SourceType) ([][]float32, error)
}

// isImageRef reports whether a query string references an image rather
// than being literal query text.
func isImageRef(s string) bool {
	return strings.HasPrefix(s, "http://") ||
		strings.HasPrefix(s, "https://") ||
		strings.HasPrefix(s, "data:") ||
		strings.HasPrefix(s, "file://")
}

// resolveImageValue prepares an image source value for a provider call.
// Remote URLs and data URIs pass through; file:// URLs and local paths are
// read and inlined as base64 data URIs.
func resolveImageValue(value string) (string, error) {
	switch {
	case strings.HasPrefix(value, "http://"), strings.HasPrefix(value, "https://"), strings.HasPrefix(value, "data:"):
		return value, nil
	case strings.HasPrefix(value, "file://"):
		return fileToDataURI(strings.TrimPrefix(value, "file://"))
	}
	if scheme, _, ok := strings.Cut(value, "://"); ok {
		return "", fmt.Errorf("%w: unsupported image URL scheme %q", domain.ErrConfiguration, scheme)
	}
	return fileToDataURI(value)
}

// fileToDataURI reads a local image and encodes it as a data URI. The MIME
// type comes from the file extension, falling back to content sniffing.
func fileToDataURI(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("%w: read image %q: %v", domain.ErrConfiguration, path, err)
	}
	mimeType := mime.TypeByExtension(filepath.Ext(path))
	if mimeType == "" {
		mimeType = http.DetectContentType(data)
	}
	return "data:" + mimeType + ";base64," + base64.StdEncoding.EncodeToString(data), nil
}
