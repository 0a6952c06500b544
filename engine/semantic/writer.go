package semantic

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/avesed/webstock/pkg/pgrepo"
)

// chunkSize and chunkOverlap bound each embedding window in words, ported
// from the original embedding task's chunking constants.
const (
	chunkSize    = 400
	chunkOverlap = 50
)

// Embedder is the subset of pkg/llm.Gateway the writer needs.
type Embedder interface {
	Embed(ctx context.Context, providerType, model string, texts []string) ([][]float32, error)
}

// Writer is the Index/Embedding Writer (C11): it chunks article text,
// batch-embeds the chunks, and atomically replaces the prior vector set for
// a (sourceType, sourceID) pair under a Postgres advisory lock.
type Writer struct {
	store    *VectorStore
	embedder Embedder
	pool     *pgxpool.Pool
	provider string
	model    string
}

func NewWriter(store *VectorStore, embedder Embedder, pool *pgxpool.Pool, provider, model string) *Writer {
	return &Writer{store: store, embedder: embedder, pool: pool, provider: provider, model: model}
}

// Chunk splits text into overlapping word windows of chunkSize words.
func Chunk(text string) []string {
	words := strings.Fields(text)
	if len(words) == 0 {
		return nil
	}
	var chunks []string
	step := chunkSize - chunkOverlap
	for start := 0; start < len(words); start += step {
		end := min(start+chunkSize, len(words))
		chunks = append(chunks, strings.Join(words[start:end], " "))
		if end == len(words) {
			break
		}
	}
	return chunks
}

// Replace chunks content, embeds every chunk, and atomically swaps out the
// prior vector set for (sourceType, sourceID), serialised by a Postgres
// advisory lock keyed on the pair (§3 invariant v). If every embedding call
// fails, the prior vectors are left untouched — the delete only happens
// once the new set is fully ready.
func (w *Writer) Replace(ctx context.Context, sourceType, sourceID, content, symbol string) error {
	lockKey := sourceType + ":" + sourceID
	release, err := pgrepo.AdvisoryLock(ctx, w.pool, lockKey)
	if err != nil {
		return fmt.Errorf("semantic: lock %s: %w", lockKey, err)
	}
	defer release(ctx)

	chunks := Chunk(content)
	if len(chunks) == 0 {
		return nil
	}

	embeddings, err := w.embedder.Embed(ctx, w.provider, w.model, chunks)
	if err != nil {
		return fmt.Errorf("semantic: embed %s: %w", lockKey, err)
	}
	if len(embeddings) != len(chunks) {
		return fmt.Errorf("semantic: embed %s: got %d vectors for %d chunks", lockKey, len(embeddings), len(chunks))
	}

	records := make([]VectorRecord, len(chunks))
	for i, chunk := range chunks {
		records[i] = VectorRecord{
			ID:        uuid.NewString(),
			Embedding: embeddings[i],
			Payload: map[string]any{
				"content":     chunk,
				"doc_id":      lockKey,
				"source_type": sourceType,
				"symbol":      symbol,
				"chunk_index": i,
			},
		}
	}

	if err := w.store.DeleteByDocID(ctx, lockKey); err != nil {
		return fmt.Errorf("semantic: clear prior vectors for %s: %w", lockKey, err)
	}
	if err := w.store.Upsert(ctx, records); err != nil {
		return fmt.Errorf("semantic: upsert vectors for %s: %w", lockKey, err)
	}
	return nil
}
