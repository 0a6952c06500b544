// Package content implements Content Storage (C3): full article text lives
// on the filesystem as JSON, written atomically via a temp-file-then-rename,
// with metadata (path, word count, fetch time) tracked separately in
// Postgres through pkg/pgrepo.ContentFileMetaRepo. Grounded on the manuals
// downloader's tmp-then-os.Rename write path.
package content

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/avesed/webstock/engine/domain"
)

// MetaRepo is the subset of pgrepo.ContentFileMetaRepo the store needs.
type MetaRepo interface {
	Upsert(ctx context.Context, articleID, path string, cf domain.ContentFile) error
	Path(ctx context.Context, articleID string) (string, error)
	Delete(ctx context.Context, articleID string) error
}

// Store writes and reads content files under root, one JSON file per
// article keyed by article ID.
type Store struct {
	root string
	meta MetaRepo
}

func New(root string, meta MetaRepo) *Store {
	return &Store{root: root, meta: meta}
}

func (s *Store) pathFor(articleID string) string {
	return filepath.Join(s.root, articleID[:2], articleID+".json")
}

// Save writes cf to disk and records its metadata, write-then-rename so a
// crash mid-write never leaves a partially-written file visible at the
// final path.
func (s *Store) Save(ctx context.Context, articleID string, cf domain.ContentFile) (string, error) {
	finalPath := s.pathFor(articleID)
	if err := os.MkdirAll(filepath.Dir(finalPath), 0o755); err != nil {
		return "", fmt.Errorf("content: mkdir for %s: %w", articleID, err)
	}

	data, err := json.Marshal(cf)
	if err != nil {
		return "", fmt.Errorf("content: marshal %s: %w", articleID, err)
	}

	tmpPath := finalPath + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o644); err != nil {
		return "", fmt.Errorf("content: write temp file for %s: %w", articleID, err)
	}
	if err := os.Rename(tmpPath, finalPath); err != nil {
		os.Remove(tmpPath)
		return "", fmt.Errorf("content: rename temp file for %s: %w", articleID, err)
	}

	if err := s.meta.Upsert(ctx, articleID, finalPath, cf); err != nil {
		return finalPath, fmt.Errorf("content: record metadata for %s: %w", articleID, err)
	}
	return finalPath, nil
}

// Read loads a previously saved content file by article ID.
func (s *Store) Read(ctx context.Context, articleID string) (domain.ContentFile, error) {
	path, err := s.meta.Path(ctx, articleID)
	if err != nil {
		return domain.ContentFile{}, fmt.Errorf("content: read %s: %w", articleID, err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return domain.ContentFile{}, fmt.Errorf("content: read file %s: %w", path, err)
	}
	var cf domain.ContentFile
	if err := json.Unmarshal(data, &cf); err != nil {
		return domain.ContentFile{}, fmt.Errorf("content: unmarshal %s: %w", path, err)
	}
	return cf, nil
}

// Delete removes the backing file and its metadata row. A missing file is
// not an error — deletion is idempotent, matching the sweep's retry path.
func (s *Store) Delete(ctx context.Context, articleID, path string) error {
	if path == "" {
		var err error
		path, err = s.meta.Path(ctx, articleID)
		if err != nil {
			return nil
		}
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("content: delete file %s: %w", path, err)
	}
	if err := s.meta.Delete(ctx, articleID); err != nil {
		return fmt.Errorf("content: delete metadata for %s: %w", articleID, err)
	}
	return nil
}

// StaleLister is the subset of pgrepo.ContentFileMetaRepo the sweep needs.
type StaleLister interface {
	StaleBefore(ctx context.Context) (map[string]string, error)
}

// Sweep deletes the backing files (and metadata) for every article that has
// reached a terminal deleted status, returning how many were removed.
func Sweep(ctx context.Context, s *Store, lister StaleLister) (int, error) {
	stale, err := lister.StaleBefore(ctx)
	if err != nil {
		return 0, fmt.Errorf("content: sweep lookup: %w", err)
	}
	removed := 0
	for articleID, path := range stale {
		if err := s.Delete(ctx, articleID, path); err != nil {
			return removed, fmt.Errorf("content: sweep delete %s: %w", articleID, err)
		}
		removed++
	}
	return removed, nil
}
