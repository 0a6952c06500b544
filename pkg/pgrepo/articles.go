package pgrepo

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/avesed/webstock/engine/domain"
	"github.com/avesed/webstock/pkg/repo"
)

// ArticleRepo is the Postgres-backed articles table, implementing
// repo.Repository[domain.Article, string] keyed by article ID (uuid text).
type ArticleRepo struct {
	pool *pgxpool.Pool
}

var _ repo.Repository[domain.Article, string] = (*ArticleRepo)(nil)

func NewArticleRepo(pool *pgxpool.Pool) *ArticleRepo {
	return &ArticleRepo{pool: pool}
}

const articleColumns = `id, source, url, title, summary, symbol, market_region,
	published_at, ingested_at, content_status, filter_status, content_file_path,
	industry_tags, event_tags, sentiment_tag, investment_summary, detailed_summary,
	analysis_report, primary_entity, max_entity_score`

func (r *ArticleRepo) Get(ctx context.Context, id string) (domain.Article, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+articleColumns+` FROM articles WHERE id = $1`, id)
	a, err := scanArticle(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Article{}, fmt.Errorf("pgrepo: article %s: %w", id, repo.ErrNotFound)
	}
	if err != nil {
		return domain.Article{}, fmt.Errorf("pgrepo: get article %s: %w", id, err)
	}
	return a, nil
}

func (r *ArticleRepo) List(ctx context.Context, opts repo.ListOpts) ([]domain.Article, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT ` + articleColumns + ` FROM articles`
	args := []any{}
	if status, ok := opts.Filter["content_status"]; ok {
		args = append(args, status)
		query += fmt.Sprintf(" WHERE content_status = $%d", len(args))
	}
	query += fmt.Sprintf(" ORDER BY ingested_at DESC LIMIT %d OFFSET %d", limit, opts.Offset)

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("pgrepo: list articles: %w", err)
	}
	defer rows.Close()

	var out []domain.Article
	for rows.Next() {
		a, err := scanArticle(rows)
		if err != nil {
			return nil, fmt.Errorf("pgrepo: scan article: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// Create inserts a new article. (source, url) collisions are a no-op per the
// dedup invariant: the existing row is returned rather than erroring.
func (r *ArticleRepo) Create(ctx context.Context, a domain.Article) (domain.Article, error) {
	row := r.pool.QueryRow(ctx, `
		INSERT INTO articles (id, source, url, title, summary, symbol, market_region,
		                       published_at, ingested_at, content_status, filter_status,
		                       content_file_path, industry_tags, event_tags)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,now(),$9,$10,$11,$12,$13)
		ON CONFLICT (source, url) DO UPDATE SET source = EXCLUDED.source
		RETURNING `+articleColumns,
		a.ID, a.Source, a.URL, a.Title, a.Summary, a.Symbol, a.MarketRegion,
		a.PublishedAt, a.ContentStatus, a.FilterStatus, a.ContentFilePath,
		a.IndustryTags, a.EventTags)
	result, err := scanArticle(row)
	if err != nil {
		return domain.Article{}, fmt.Errorf("pgrepo: create article: %w", err)
	}
	return result, nil
}

// Update writes back the Layer 1.5/2-mutable fields, content_status
// included, unconditionally: it does not itself refuse to downgrade a
// terminal content status (§3 invariant). Callers needing that guard check
// domain.Article.ContentStatus.IsTerminal() before calling Update.
func (r *ArticleRepo) Update(ctx context.Context, a domain.Article) (domain.Article, error) {
	row := r.pool.QueryRow(ctx, `
		UPDATE articles SET
			content_status = $2, filter_status = $3, content_file_path = $4,
			industry_tags = $5, event_tags = $6, sentiment_tag = $7,
			investment_summary = $8, detailed_summary = $9, analysis_report = $10,
			primary_entity = $11, max_entity_score = $12
		WHERE id = $1
		RETURNING `+articleColumns,
		a.ID, a.ContentStatus, a.FilterStatus, a.ContentFilePath,
		a.IndustryTags, a.EventTags, a.SentimentTag, a.InvestmentSummary,
		a.DetailedSummary, a.AnalysisReport, a.PrimaryEntity, a.MaxEntityScore)
	result, err := scanArticle(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Article{}, fmt.Errorf("pgrepo: update article %s: %w", a.ID, repo.ErrNotFound)
	}
	if err != nil {
		return domain.Article{}, fmt.Errorf("pgrepo: update article %s: %w", a.ID, err)
	}
	return result, nil
}

// Delete marks an article deleted; rows are never physically removed so
// trace history and dedup keys stay intact.
func (r *ArticleRepo) Delete(ctx context.Context, id string) error {
	tag, err := r.pool.Exec(ctx, `UPDATE articles SET content_status = $2 WHERE id = $1`,
		id, domain.ContentDeleted)
	if err != nil {
		return fmt.Errorf("pgrepo: soft-delete article %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("pgrepo: delete article %s: %w", id, repo.ErrNotFound)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanArticle(row rowScanner) (domain.Article, error) {
	var a domain.Article
	err := row.Scan(&a.ID, &a.Source, &a.URL, &a.Title, &a.Summary, &a.Symbol, &a.MarketRegion,
		&a.PublishedAt, &a.IngestedAt, &a.ContentStatus, &a.FilterStatus, &a.ContentFilePath,
		&a.IndustryTags, &a.EventTags, &a.SentimentTag, &a.InvestmentSummary, &a.DetailedSummary,
		&a.AnalysisReport, &a.PrimaryEntity, &a.MaxEntityScore)
	return a, err
}
