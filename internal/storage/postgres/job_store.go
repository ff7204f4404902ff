// Package postgres provides a Postgres-backed job store.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/site-audit/internal/id/uuid"
	"github.com/JakeFAU/site-audit/internal/scan"
)

const (
	jobsTable  = "scan_jobs"
	pagesTable = "scan_pages"
)

var jobColumns = []string{
	"id::text", "url", "scan_type", "user_id", "status", "progress_percent", "current_step",
	"pages_discovered", "pages_selected", "pages_scanned", "overall_score", "category_scores",
	"total_issues", "critical_issues", "warning_issues", "info_issues", "error_message",
	"created_at", "updated_at", "started_at", "completed_at",
}

var pageColumns = []string{
	"url", "page_order", "rank", "status_code", "final_url", "blob_uri", "content_hash",
	"content_bytes", "load_ms", "rendered", "extraction", "overall_score", "category_scores",
	"issues", "error", "scanned_at",
}

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

// Pool is the subset of pgxpool.Pool the store uses. pgxmock satisfies it in tests.
type Pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
	Ping(ctx context.Context) error
	Close()
}

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

// JobStore persists jobs and pages in Postgres. Status writes are conditional
// updates, so a writer racing a terminal transition sees ErrInvalidTransition.
type JobStore struct {
	pool  Pool
	ids   scan.IDGenerator
	clock scan.Clock
}

// New connects to Postgres using cfg.
func New(ctx context.Context, cfg Config) (*JobStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("db.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return NewWithPool(pool, uuid.Generator{}, scan.SystemClock{})
}

// NewWithPool constructs a store from an existing pool (primarily for testing).
func NewWithPool(pool Pool, ids scan.IDGenerator, clock scan.Clock) (*JobStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if ids == nil {
		ids = uuid.Generator{}
	}
	if clock == nil {
		clock = scan.SystemClock{}
	}
	return &JobStore{pool: pool, ids: ids, clock: clock}, nil
}

// Close releases the underlying pool resources.
func (s *JobStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// Ping checks connectivity for readiness checks.
func (s *JobStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// CreateJob inserts a queued job and returns its id.
func (s *JobStore) CreateJob(ctx context.Context, target scan.Target) (string, error) {
	id, err := s.ids.NewID()
	if err != nil {
		return "", fmt.Errorf("generate job id: %w", err)
	}
	now := s.clock.Now()
	query, args, err := psql.Insert(jobsTable).
		Columns("id", "url", "scan_type", "user_id", "status", "current_step", "created_at", "updated_at").
		Values(id, target.URL, string(target.ScanType), target.UserID,
			string(scan.StatusQueued), scan.StatusQueued.Label(), now, now).
		ToSql()
	if err != nil {
		return "", fmt.Errorf("build insert job: %w", err)
	}
	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		return "", fmt.Errorf("insert job: %w", err)
	}
	return id, nil
}

// GetJob fetches a job by id.
func (s *JobStore) GetJob(ctx context.Context, jobID string) (scan.Job, error) {
	if !uuid.Valid(jobID) {
		return scan.Job{}, scan.ErrNotFound
	}
	query, args, err := psql.Select(jobColumns...).From(jobsTable).Where(sq.Eq{"id": jobID}).ToSql()
	if err != nil {
		return scan.Job{}, fmt.Errorf("build select job: %w", err)
	}
	job, err := scanJob(s.pool.QueryRow(ctx, query, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return scan.Job{}, scan.ErrNotFound
	}
	if err != nil {
		return scan.Job{}, fmt.Errorf("select job: %w", err)
	}
	return job, nil
}

// UpdateJob merges patch into a non-terminal job.
func (s *JobStore) UpdateJob(ctx context.Context, jobID string, patch scan.JobPatch) (scan.Job, error) {
	if !uuid.Valid(jobID) {
		return scan.Job{}, scan.ErrNotFound
	}
	b := psql.Update(jobsTable).
		Set("updated_at", s.clock.Now()).
		Where(sq.Eq{"id": jobID}).
		Where(sq.NotEq{"status": []string{string(scan.StatusCompleted), string(scan.StatusFailed)}})
	b, err := applyPatch(b, patch)
	if err != nil {
		return scan.Job{}, err
	}
	job, err := s.updateReturning(ctx, b)
	if errors.Is(err, pgx.ErrNoRows) {
		return scan.Job{}, s.missOrTerminal(ctx, jobID, "")
	}
	return job, err
}

// TransitionJob moves the job into status to if its current status allows it.
func (s *JobStore) TransitionJob(ctx context.Context, jobID string, to scan.Status, patch scan.JobPatch) (scan.Job, error) {
	if !uuid.Valid(jobID) {
		return scan.Job{}, scan.ErrNotFound
	}
	sources := scan.SourcesFor(to)
	if len(sources) == 0 {
		return scan.Job{}, scan.InvalidTransition("", to)
	}
	from := make([]string, len(sources))
	for i, st := range sources {
		from[i] = string(st)
	}

	now := s.clock.Now()
	b := psql.Update(jobsTable).
		Set("status", string(to)).
		Set("updated_at", now).
		Where(sq.Eq{"id": jobID, "status": from})
	if patch.CurrentStep == nil {
		b = b.Set("current_step", to.Label())
	}
	if p, ok := to.Progress(); ok {
		if patch.ProgressPercent == nil || *patch.ProgressPercent < p {
			patch.ProgressPercent = &p
		}
	}
	if to != scan.StatusQueued {
		b = b.Set("started_at", sq.Expr("COALESCE(started_at, ?)", now))
	}
	if to.Terminal() {
		b = b.Set("completed_at", now)
	}
	b, err := applyPatch(b, patch)
	if err != nil {
		return scan.Job{}, err
	}
	job, err := s.updateReturning(ctx, b)
	if errors.Is(err, pgx.ErrNoRows) {
		return scan.Job{}, s.missOrTerminal(ctx, jobID, to)
	}
	return job, err
}

func (s *JobStore) updateReturning(ctx context.Context, b sq.UpdateBuilder) (scan.Job, error) {
	query, args, err := b.Suffix("RETURNING " + strings.Join(jobColumns, ", ")).ToSql()
	if err != nil {
		return scan.Job{}, fmt.Errorf("build update job: %w", err)
	}
	job, err := scanJob(s.pool.QueryRow(ctx, query, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return scan.Job{}, err
		}
		return scan.Job{}, fmt.Errorf("update job: %w", err)
	}
	return job, nil
}

// missOrTerminal explains why a conditional update matched zero rows.
func (s *JobStore) missOrTerminal(ctx context.Context, jobID string, to scan.Status) error {
	status, err := s.jobStatus(ctx, jobID)
	if err != nil {
		return err
	}
	if to == "" {
		return fmt.Errorf("%w: job is %s", scan.ErrInvalidTransition, status)
	}
	return scan.InvalidTransition(status, to)
}

func (s *JobStore) jobStatus(ctx context.Context, jobID string) (scan.Status, error) {
	query, args, err := psql.Select("status").From(jobsTable).Where(sq.Eq{"id": jobID}).ToSql()
	if err != nil {
		return "", fmt.Errorf("build select status: %w", err)
	}
	var raw string
	if err := s.pool.QueryRow(ctx, query, args...).Scan(&raw); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", scan.ErrNotFound
		}
		return "", fmt.Errorf("select status: %w", err)
	}
	return scan.Status(raw), nil
}

func applyPatch(b sq.UpdateBuilder, patch scan.JobPatch) (sq.UpdateBuilder, error) {
	if patch.ProgressPercent != nil {
		b = b.Set("progress_percent", sq.Expr("GREATEST(progress_percent, ?)", *patch.ProgressPercent))
	}
	if patch.CurrentStep != nil {
		b = b.Set("current_step", *patch.CurrentStep)
	}
	if patch.PagesDiscovered != nil {
		b = b.Set("pages_discovered", *patch.PagesDiscovered)
	}
	if patch.PagesSelected != nil {
		b = b.Set("pages_selected", *patch.PagesSelected)
	}
	if patch.PagesScanned != nil {
		b = b.Set("pages_scanned", *patch.PagesScanned)
	}
	if patch.OverallScore != nil {
		b = b.Set("overall_score", *patch.OverallScore)
	}
	if patch.CategoryScores != nil {
		raw, err := json.Marshal(patch.CategoryScores)
		if err != nil {
			return b, fmt.Errorf("marshal category scores: %w", err)
		}
		b = b.Set("category_scores", raw)
	}
	if patch.Issues != nil {
		b = b.Set("total_issues", patch.Issues.Total).
			Set("critical_issues", patch.Issues.Critical).
			Set("warning_issues", patch.Issues.Warning).
			Set("info_issues", patch.Issues.Info)
	}
	if patch.ErrorMessage != nil {
		b = b.Set("error_message", *patch.ErrorMessage)
	}
	return b, nil
}

func scanJob(row pgx.Row) (scan.Job, error) {
	var (
		job      scan.Job
		scanType string
		status   string
		scores   []byte
	)
	err := row.Scan(
		&job.ID, &job.Target.URL, &scanType, &job.Target.UserID, &status, &job.ProgressPercent, &job.CurrentStep,
		&job.Counters.PagesDiscovered, &job.Counters.PagesSelected, &job.Counters.PagesScanned,
		&job.OverallScore, &scores,
		&job.Issues.Total, &job.Issues.Critical, &job.Issues.Warning, &job.Issues.Info, &job.ErrorMessage,
		&job.CreatedAt, &job.UpdatedAt, &job.StartedAt, &job.CompletedAt,
	)
	if err != nil {
		return scan.Job{}, err
	}
	job.Target.ScanType = scan.ScanType(scanType)
	if job.Status, err = scan.ParseStatus(status); err != nil {
		return scan.Job{}, err
	}
	if len(scores) > 0 {
		if err := json.Unmarshal(scores, &job.CategoryScores); err != nil {
			return scan.Job{}, fmt.Errorf("decode category scores: %w", err)
		}
		if len(job.CategoryScores) == 0 {
			job.CategoryScores = nil
		}
	}
	return job, nil
}

// ReplacePages swaps the full page set for a non-terminal job inside one
// transaction. The job row stays locked until commit.
func (s *JobStore) ReplacePages(ctx context.Context, jobID string, pages []scan.Page) error {
	if !uuid.Valid(jobID) {
		return scan.ErrNotFound
	}
	return s.inTx(ctx, func(tx pgx.Tx) error {
		var raw string
		err := tx.QueryRow(ctx, "SELECT status FROM "+jobsTable+" WHERE id = $1 FOR UPDATE", jobID).Scan(&raw)
		if errors.Is(err, pgx.ErrNoRows) {
			return scan.ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("lock job: %w", err)
		}
		if scan.Status(raw).Terminal() {
			return fmt.Errorf("%w: job is %s", scan.ErrInvalidTransition, raw)
		}
		if _, err := tx.Exec(ctx, "DELETE FROM "+pagesTable+" WHERE job_id = $1", jobID); err != nil {
			return fmt.Errorf("delete pages: %w", err)
		}
		if len(pages) == 0 {
			return nil
		}
		ins := psql.Insert(pagesTable).Columns(append([]string{"job_id"}, pageColumns...)...)
		for _, p := range pages {
			values, err := pageValues(p)
			if err != nil {
				return err
			}
			ins = ins.Values(append([]any{jobID}, values...)...)
		}
		query, args, err := ins.ToSql()
		if err != nil {
			return fmt.Errorf("build insert pages: %w", err)
		}
		if _, err := tx.Exec(ctx, query, args...); err != nil {
			return fmt.Errorf("insert pages: %w", err)
		}
		return nil
	})
}

// UpdatePage overwrites the stored page with the same URL.
func (s *JobStore) UpdatePage(ctx context.Context, jobID string, page scan.Page) error {
	if !uuid.Valid(jobID) {
		return scan.ErrNotFound
	}
	values, err := pageValues(page)
	if err != nil {
		return err
	}
	b := psql.Update(pagesTable)
	// url is the key, skip it.
	for i, col := range pageColumns[1:] {
		b = b.Set(col, values[i+1])
	}
	query, args, err := b.Where(sq.Eq{"job_id": jobID, "url": page.URL}).
		Where(sq.Expr("EXISTS (SELECT 1 FROM "+jobsTable+" WHERE id = ? AND status NOT IN (?, ?))",
			jobID, string(scan.StatusCompleted), string(scan.StatusFailed))).
		ToSql()
	if err != nil {
		return fmt.Errorf("build update page: %w", err)
	}
	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update page: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	status, err := s.jobStatus(ctx, jobID)
	if err != nil {
		return err
	}
	if status.Terminal() {
		return fmt.Errorf("%w: job is %s", scan.ErrInvalidTransition, status)
	}
	return fmt.Errorf("page %s: %w", page.URL, scan.ErrNotFound)
}

// ListPages returns the job's pages in discovery order.
func (s *JobStore) ListPages(ctx context.Context, jobID string) ([]scan.Page, error) {
	if !uuid.Valid(jobID) {
		return nil, scan.ErrNotFound
	}
	query, args, err := psql.Select(pageColumns...).From(pagesTable).
		Where(sq.Eq{"job_id": jobID}).OrderBy("page_order").ToSql()
	if err != nil {
		return nil, fmt.Errorf("build select pages: %w", err)
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("select pages: %w", err)
	}
	defer rows.Close()

	var pages []scan.Page
	for rows.Next() {
		page, err := scanPage(rows)
		if err != nil {
			return nil, err
		}
		pages = append(pages, page)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate pages: %w", err)
	}
	if len(pages) == 0 {
		if _, err := s.GetJob(ctx, jobID); err != nil {
			return nil, err
		}
	}
	return pages, nil
}

// ListJobs returns jobs matching filter, newest first.
func (s *JobStore) ListJobs(ctx context.Context, filter scan.JobFilter) ([]scan.Job, error) {
	filter = filter.Normalize()
	b := psql.Select(jobColumns...).From(jobsTable).
		OrderBy("created_at DESC", "id DESC").
		Limit(uint64(filter.Limit)).
		Offset(uint64(filter.Offset))
	if filter.UserID != "" {
		b = b.Where(sq.Eq{"user_id": filter.UserID})
	}
	if filter.Status != "" {
		b = b.Where(sq.Eq{"status": string(filter.Status)})
	}
	query, args, err := b.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list jobs: %w", err)
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	jobs := []scan.Job{}
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate jobs: %w", err)
	}
	return jobs, nil
}

func (s *JobStore) inTx(ctx context.Context, fn func(pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil {
			return fmt.Errorf("%w (rollback: %v)", err, rbErr)
		}
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// pageValues returns column values in pageColumns order.
func pageValues(p scan.Page) ([]any, error) {
	var extraction []byte
	if p.Extraction != nil {
		raw, err := json.Marshal(p.Extraction)
		if err != nil {
			return nil, fmt.Errorf("marshal extraction: %w", err)
		}
		extraction = raw
	}
	scores := p.CategoryScores
	if scores == nil {
		scores = map[string]int{}
	}
	scoresJSON, err := json.Marshal(scores)
	if err != nil {
		return nil, fmt.Errorf("marshal page scores: %w", err)
	}
	issues := p.Issues
	if issues == nil {
		issues = []scan.Issue{}
	}
	issuesJSON, err := json.Marshal(issues)
	if err != nil {
		return nil, fmt.Errorf("marshal page issues: %w", err)
	}
	return []any{
		p.URL, p.Order, p.Rank, p.StatusCode, p.FinalURL, p.BlobURI, p.ContentHash,
		p.ContentBytes, p.LoadMS, p.Rendered, extraction, p.OverallScore, scoresJSON,
		issuesJSON, p.Error, p.ScannedAt,
	}, nil
}

func scanPage(rows pgx.Rows) (scan.Page, error) {
	var (
		page       scan.Page
		extraction []byte
		scores     []byte
		issues     []byte
	)
	err := rows.Scan(
		&page.URL, &page.Order, &page.Rank, &page.StatusCode, &page.FinalURL, &page.BlobURI, &page.ContentHash,
		&page.ContentBytes, &page.LoadMS, &page.Rendered, &extraction, &page.OverallScore, &scores,
		&issues, &page.Error, &page.ScannedAt,
	)
	if err != nil {
		return scan.Page{}, fmt.Errorf("scan page: %w", err)
	}
	if len(extraction) > 0 {
		page.Extraction = &scan.Extraction{}
		if err := json.Unmarshal(extraction, page.Extraction); err != nil {
			return scan.Page{}, fmt.Errorf("decode extraction: %w", err)
		}
	}
	if len(scores) > 0 {
		if err := json.Unmarshal(scores, &page.CategoryScores); err != nil {
			return scan.Page{}, fmt.Errorf("decode page scores: %w", err)
		}
		if len(page.CategoryScores) == 0 {
			page.CategoryScores = nil
		}
	}
	if len(issues) > 0 {
		if err := json.Unmarshal(issues, &page.Issues); err != nil {
			return scan.Page{}, fmt.Errorf("decode page issues: %w", err)
		}
		if len(page.Issues) == 0 {
			page.Issues = nil
		}
	}
	return page, nil
}
