package embedding

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/pingcap/gotidb/internal/domain"
)

// pngHeader is enough of a PNG for content sniffing.
var pngHeader = []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n'}

func writeTempImage(t *testing.T, name string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, pngHeader, 0o600); err != nil {
		t.Fatalf("write temp image: %v", err)
	}
	return path
}

func TestResolveImageValue_Passthrough(t *testing.T) {
	tests := []struct {
		name  string
		value string
	}{
		{"http", "http://example.com/cat.png"},
		{"https", "https://example.com/cat.png"},
		{"data URI", "data:image/png;base64,AAAA"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := resolveImageValue(tt.value)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.value {
				t.Errorf("expected passthrough, got %q", got)
			}
		})
	}
}

func TestResolveImageValue_LocalPath(t *testing.T) {
	path := writeTempImage(t, "cat.png")

	got, err := resolveImageValue(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.HasPrefix(got, "data:image/png;base64,") {
		t.Errorf("expected png data URI, got %q", got)
	}
}

func TestResolveImageValue_FileURL(t *testing.T) {
	path := writeTempImage(t, "cat.png")

	got, err := resolveImageValue("file://" + path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.HasPrefix(got, "data:image/png;base64,") {
		t.Errorf("expected png data URI, got %q", got)
	}
}

func TestResolveImageValue_SniffsMissingExtension(t *testing.T) {
	path := writeTempImage(t, "cat")

	got, err := resolveImageValue(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.HasPrefix(got, "data:image/png;base64,") {
		t.Errorf("expected sniffed png data URI, got %q", got)
	}
}

func TestResolveImageValue_UnsupportedScheme(t *testing.T) {
	_, err := resolveImageValue("ftp://example.com/cat.png")
	if !errors.Is(err, domain.ErrConfiguration) {
		t.Fatalf("expected configuration error, got %v", err)
	}
}

func TestResolveImageValue_MissingFile(t *testing.T) {
	_, err := resolveImageValue(filepath.Join(t.TempDir(), "missing.png"))
	if !errors.Is(err, domain.ErrConfiguration) {
		t.Fatalf("expected configuration error, got %v", err)
	}
}

func TestIsImageRef(t *testing.T) {
	tests := []struct {
		value string
		want  bool
	}{
		{"https://example.com/cat.png", true},
		{"http://example.com/cat.png", true},
		{"data:image/png;base64,AAAA", true},
		{"file:///tmp/cat.png", true},
		{"a photo of a cat", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := isImageRef(tt.value); got != tt.want {
			t.Errorf("isImageRef(%q) = %v, expected %v", tt.value, got, tt.want)
		}
	}
}

func TestSourceType_IsValid(t *testing.T) {
	if !SourceTypeText.IsValid() || !SourceTypeImage.IsValid() {
		t.Error("expected text and image to be valid")
	}
	if SourceType("audio").IsValid() {
		t.Error("expected audio to be invalid")
	}
}
