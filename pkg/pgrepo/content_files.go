package pgrepo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/avesed/webstock/engine/domain"
	"github.com/avesed/webstock/pkg/repo"
)

// ContentFileMetaRepo is the Postgres-backed content_files table: it tracks
// the filesystem path, word count, and fetch metadata for each saved
// content file, separate from the file bytes themselves (§4.3).
type ContentFileMetaRepo struct {
	pool *pgxpool.Pool
}

func NewContentFileMetaRepo(pool *pgxpool.Pool) *ContentFileMetaRepo {
	return &ContentFileMetaRepo{pool: pool}
}

// Upsert records or updates the metadata row for a saved content file,
// keyed by the article ID that owns it.
func (r *ContentFileMetaRepo) Upsert(ctx context.Context, articleID, path string, cf domain.ContentFile) error {
	meta, err := json.Marshal(cf.Metadata)
	if err != nil {
		return fmt.Errorf("pgrepo: marshal content file metadata: %w", err)
	}
	_, err = r.pool.Exec(ctx, `
		INSERT INTO content_files (article_id, path, word_count, language, source, fetched_at, metadata)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		ON CONFLICT (article_id) DO UPDATE SET
			path = EXCLUDED.path, word_count = EXCLUDED.word_count,
			language = EXCLUDED.language, source = EXCLUDED.source,
			fetched_at = EXCLUDED.fetched_at, metadata = EXCLUDED.metadata`,
		articleID, path, cf.WordCount, cf.Language, cf.Source, cf.FetchedAt, meta)
	if err != nil {
		return fmt.Errorf("pgrepo: upsert content file meta for article %s: %w", articleID, err)
	}
	return nil
}

// Path returns the stored filesystem path for an article's content file.
func (r *ContentFileMetaRepo) Path(ctx context.Context, articleID string) (string, error) {
	var path string
	err := r.pool.QueryRow(ctx, `SELECT path FROM content_files WHERE article_id = $1`, articleID).Scan(&path)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", fmt.Errorf("pgrepo: content file for article %s: %w", articleID, repo.ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("pgrepo: lookup content file path for article %s: %w", articleID, err)
	}
	return path, nil
}

// Delete removes the metadata row; the caller is responsible for also
// removing the backing file via the content store's Delete.
func (r *ContentFileMetaRepo) Delete(ctx context.Context, articleID string) error {
	_, err := r.pool.Exec(ctx, `DELETE FROM content_files WHERE article_id = $1`, articleID)
	if err != nil {
		return fmt.Errorf("pgrepo: delete content file meta for article %s: %w", articleID, err)
	}
	return nil
}

// StaleBefore lists (article_id, path) pairs whose owning article has
// content_status deleted, for the retention sweep (§4.3/§4.4). Files of
// articles in other terminal statuses, or with no article row, are not
// listed, and file age is not considered.
func (r *ContentFileMetaRepo) StaleBefore(ctx context.Context) (map[string]string, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT cf.article_id, cf.path
		FROM content_files cf
		JOIN articles a ON a.id = cf.article_id
		WHERE a.content_status = $1`, domain.ContentDeleted)
	if err != nil {
		return nil, fmt.Errorf("pgrepo: stale content files: %w", err)
	}
	defer rows.Close()

	out := map[string]string{}
	for rows.Next() {
		var articleID, path string
		if err := rows.Scan(&articleID, &path); err != nil {
			return nil, fmt.Errorf("pgrepo: scan stale content file: %w", err)
		}
		out[articleID] = path
	}
	return out, rows.Err()
}
