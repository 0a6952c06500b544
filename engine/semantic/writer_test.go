package semantic

import (
	"context"
	"strings"
	"testing"
)

func TestChunk_SplitsIntoOverlappingWindows(t *testing.T) {
	words := make([]string, 900)
	for i := range words {
		words[i] = "word"
	}
	text := strings.Join(words, " ")

	chunks := Chunk(text)
	if len(chunks) < 2 {
		t.Fatalf("expected multiple chunks for 900 words, got %d", len(chunks))
	}
	for _, c := range chunks {
		if len(strings.Fields(c)) > chunkSize {
			t.Fatalf("chunk exceeds chunkSize: %d words", len(strings.Fields(c)))
		}
	}
}

func TestChunk_EmptyText(t *testing.T) {
	if chunks := Chunk(""); chunks != nil {
		t.Fatalf("expected nil chunks for empty text, got %v", chunks)
	}
}

func TestChunk_ShortText(t *testing.T) {
	chunks := Chunk("a short article body")
	if len(chunks) != 1 {
		t.Fatalf("expected 1 chunk for short text, got %d", len(chunks))
	}
}

type fakeEmbedder struct {
	dims int
}

func (f fakeEmbedder) Embed(_ context.Context, _, _ string, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range out {
		out[i] = make([]float32, f.dims)
	}
	return out, nil
}

// Writer.Replace needs a live Postgres pool to take the advisory lock, so
// its end-to-end behavior is exercised by integration tests against a real
// database rather than here; Chunk above covers the pure chunking logic.
var _ Embedder = fakeEmbedder{}
