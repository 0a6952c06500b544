package pgrepo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/avesed/webstock/engine/domain"
	"github.com/avesed/webstock/pkg/repo"
)

// FeedRepo is the Postgres-backed feeds table, consumed by the dispatcher (C10).
type FeedRepo struct {
	pool *pgxpool.Pool
}

var _ repo.Repository[domain.Feed, string] = (*FeedRepo)(nil)

func NewFeedRepo(pool *pgxpool.Pool) *FeedRepo {
	return &FeedRepo{pool: pool}
}

const feedColumns = `id, route, category, poll_interval_seconds, fulltext_mode,
	enabled, last_poll, consecutive_errors, article_count`

func (r *FeedRepo) Get(ctx context.Context, id string) (domain.Feed, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+feedColumns+` FROM feeds WHERE id = $1`, id)
	f, err := scanFeed(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Feed{}, fmt.Errorf("pgrepo: feed %s: %w", id, repo.ErrNotFound)
	}
	if err != nil {
		return domain.Feed{}, fmt.Errorf("pgrepo: get feed %s: %w", id, err)
	}
	return f, nil
}

// List returns feeds, optionally filtered to Filter["due"]="true" (enabled
// and past their poll interval as of now()) — the query the dispatcher (C10)
// runs every tick instead of loading every feed and filtering in-process.
func (r *FeedRepo) List(ctx context.Context, opts repo.ListOpts) ([]domain.Feed, error) {
	query := `SELECT ` + feedColumns + ` FROM feeds WHERE enabled = true`
	if due, ok := opts.Filter["due"]; ok && due == "true" {
		query += ` AND last_poll + (poll_interval_seconds * interval '1 second') <= now()`
	}
	query += ` ORDER BY last_poll ASC`

	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("pgrepo: list feeds: %w", err)
	}
	defer rows.Close()

	var out []domain.Feed
	for rows.Next() {
		f, err := scanFeed(rows)
		if err != nil {
			return nil, fmt.Errorf("pgrepo: scan feed: %w", err)
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

func (r *FeedRepo) Create(ctx context.Context, f domain.Feed) (domain.Feed, error) {
	row := r.pool.QueryRow(ctx, `
		INSERT INTO feeds (id, route, category, poll_interval_seconds, fulltext_mode, enabled, last_poll)
		VALUES ($1,$2,$3,$4,$5,$6, 'epoch')
		RETURNING `+feedColumns,
		f.ID, f.Route, f.Category, int(f.PollInterval.Seconds()), f.FulltextMode, f.Enabled)
	result, err := scanFeed(row)
	if err != nil {
		return domain.Feed{}, fmt.Errorf("pgrepo: create feed: %w", err)
	}
	return result, nil
}

func (r *FeedRepo) Update(ctx context.Context, f domain.Feed) (domain.Feed, error) {
	row := r.pool.QueryRow(ctx, `
		UPDATE feeds SET category = $2, poll_interval_seconds = $3, fulltext_mode = $4,
			enabled = $5, last_poll = $6, consecutive_errors = $7, article_count = $8
		WHERE id = $1
		RETURNING `+feedColumns,
		f.ID, f.Category, int(f.PollInterval.Seconds()), f.FulltextMode,
		f.Enabled, f.LastPoll, f.ConsecutiveErrors, f.ArticleCount)
	result, err := scanFeed(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Feed{}, fmt.Errorf("pgrepo: update feed %s: %w", f.ID, repo.ErrNotFound)
	}
	if err != nil {
		return domain.Feed{}, fmt.Errorf("pgrepo: update feed %s: %w", f.ID, err)
	}
	return result, nil
}

func (r *FeedRepo) Delete(ctx context.Context, id string) error {
	tag, err := r.pool.Exec(ctx, `UPDATE feeds SET enabled = false WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("pgrepo: disable feed %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("pgrepo: delete feed %s: %w", id, repo.ErrNotFound)
	}
	return nil
}

func scanFeed(row rowScanner) (domain.Feed, error) {
	var f domain.Feed
	var pollSeconds int
	err := row.Scan(&f.ID, &f.Route, &f.Category, &pollSeconds, &f.FulltextMode,
		&f.Enabled, &f.LastPoll, &f.ConsecutiveErrors, &f.ArticleCount)
	f.PollInterval = time.Duration(pollSeconds) * time.Second
	return f, err
}
