package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/markdave123-py/ocrflow/internal/config"
	"github.com/markdave123-py/ocrflow/internal/core"
	"github.com/markdave123-py/ocrflow/internal/models"
)

// MemoryDSN selects the in-process repository instead of Postgres.
const MemoryDSN = "memory"

var _ core.RunRepository = (*DatabaseClient)(nil)

type DatabaseClient struct {
	db *sql.DB
}

func NewDatabaseClient(ctx context.Context, cfg *config.Config) (core.RunRepository, error) {
	if cfg == nil {
		return nil, fmt.Errorf("database client configuration is nil")
	}
	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is empty")
	}
	if cfg.DatabaseURL == MemoryDSN {
		return NewMemoryClient(), nil
	}

	dsn, err := buildDSN(cfg.DatabaseURL, cfg.SslCertPath)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(30 * time.Minute)
	db.SetConnMaxIdleTime(10 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}

	if err := EnsureBootstrapped(ctx, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("bootstrap: %w", err)
	}

	return &DatabaseClient{db: db}, nil
}

// buildDSN appends verify-ca SSL params when a root certificate is configured.
func buildDSN(raw, certPath string) (string, error) {
	if certPath == "" {
		return raw, nil
	}
	if _, err := os.Stat(certPath); err != nil {
		return "", fmt.Errorf("ssl cert not accessible at %q: %w", certPath, err)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("invalid DATABASE_URL: %w", err)
	}
	q := u.Query()
	q.Set("sslmode", "verify-ca")
	q.Set("sslrootcert", certPath)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (c *DatabaseClient) Close() error {
	if c.db != nil {
		return c.db.Close()
	}
	return nil
}

func (c *DatabaseClient) CreateRun(ctx context.Context, run *models.Run) error {
	if run == nil {
		return errors.New("nil run")
	}
	if run.Status == "" {
		run.Status = models.StatusInitializing
	}
	extras, err := json.Marshal(run.Extras)
	if err != nil {
		return fmt.Errorf("marshal extras: %w", err)
	}
	const q = `
		INSERT INTO ocr_runs (mode, status, original_name, mime_type, extras)
		VALUES ($1, $2, NULLIF($3, ''), NULLIF($4, ''), $5::jsonb)
		RETURNING id, created_at, updated_at
	`
	return c.db.QueryRowContext(ctx, q,
		run.Mode.String(), string(run.Status), run.OriginalName, run.MimeType, string(extras),
	).Scan(&run.ID, &run.CreatedAt, &run.UpdatedAt)
}

const updateRunQuery = `
	UPDATE ocr_runs SET
		status        = COALESCE(NULLIF($2::text, ''), status),
		engine_used   = COALESCE(NULLIF($3::text, ''), engine_used),
		original_file = COALESCE(NULLIF($4::text, ''), original_file),
		mime_type     = COALESCE(NULLIF($5::text, ''), mime_type),
		error_message = COALESCE(NULLIF($6::text, ''), error_message),
		extras        = COALESCE($7::jsonb, extras),
		updated_at    = now()
	WHERE id = $1 AND ($2::text = '' OR status = ANY($8::text[]))
`

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// UpdateRun applies upd. Status changes are guarded in the WHERE clause so concurrent
// writers cannot move a run backwards.
func (c *DatabaseClient) UpdateRun(ctx context.Context, id int64, upd models.RunUpdate) error {
	return updateRun(ctx, c.db, id, upd)
}

func updateRun(ctx context.Context, ex execer, id int64, upd models.RunUpdate) error {
	var extras any
	if upd.Extras != nil {
		b, err := json.Marshal(upd.Extras)
		if err != nil {
			return fmt.Errorf("marshal extras: %w", err)
		}
		extras = string(b)
	}
	prev := make([]string, 0, 2)
	for _, s := range models.PreviousStates(upd.Status) {
		prev = append(prev, string(s))
	}

	res, err := ex.ExecContext(ctx, updateRunQuery,
		id, string(upd.Status), upd.EngineUsed, upd.OriginalFile, upd.MimeType, upd.ErrorMessage, extras, prev,
	)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		return nil
	}

	var current string
	err = ex.QueryRowContext(ctx, `SELECT status FROM ocr_runs WHERE id = $1`, id).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return &core.NotFoundError{RunID: id}
	}
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: run %d %s -> %s", core.ErrInvalidTransition, id, current, upd.Status)
}

// AddImages inserts images in a single transaction and fills in their ids.
func (c *DatabaseClient) AddImages(ctx context.Context, runID int64, images []models.Image) error {
	if len(images) == 0 {
		return nil
	}
	tx, err := c.db.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return err
	}

	const q = `
		INSERT INTO ocr_images (run_id, role, path, page_number, step, metadata)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6::jsonb)
		RETURNING id, created_at
	`
	stmt, err := tx.PrepareContext(ctx, q)
	if err != nil {
		_ = tx.Rollback()
		return err
	}
	defer stmt.Close()

	for i := range images {
		img := &images[i]
		img.RunID = runID
		meta, err := json.Marshal(img.Metadata)
		if err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("marshal image metadata: %w", err)
		}
		var page sql.NullInt64
		if img.PageNumber != nil {
			page = sql.NullInt64{Int64: int64(*img.PageNumber), Valid: true}
		}
		if err := stmt.QueryRowContext(ctx,
			runID, string(img.Role), img.Path, page, img.Step, string(meta),
		).Scan(&img.ID, &img.CreatedAt); err != nil {
			_ = tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

// AddResults inserts results in a single transaction and fills in their ids.
func (c *DatabaseClient) AddResults(ctx context.Context, runID int64, results []models.Result) error {
	if len(results) == 0 {
		return nil
	}
	tx, err := c.db.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return err
	}
	if err := insertResults(ctx, tx, runID, results); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func insertResults(ctx context.Context, tx *sql.Tx, runID int64, results []models.Result) error {
	const q = `
		INSERT INTO ocr_results (run_id, engine, mode, page_number, text, confidence, extra)
		VALUES ($1, $2, $3, $4, $5, $6, $7::jsonb)
		RETURNING id, created_at
	`
	stmt, err := tx.PrepareContext(ctx, q)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for i := range results {
		r := &results[i]
		r.RunID = runID
		extra := []byte("{}")
		if len(r.Extra) > 0 {
			if extra, err = json.Marshal(r.Extra); err != nil {
				return fmt.Errorf("marshal result extra: %w", err)
			}
		}
		var conf sql.NullFloat64
		if r.Confidence != nil {
			conf = sql.NullFloat64{Float64: *r.Confidence, Valid: true}
		}
		if err := stmt.QueryRowContext(ctx,
			runID, r.Engine, r.Mode.String(), r.PageNumber, r.Text, conf, string(extra),
		).Scan(&r.ID, &r.CreatedAt); err != nil {
			return err
		}
	}
	return nil
}

func (c *DatabaseClient) CompleteRun(ctx context.Context, runID int64, results []models.Result, engine string, extras models.RunExtras) error {
	tx, err := c.db.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return err
	}
	if err := insertResults(ctx, tx, runID, results); err != nil {
		_ = tx.Rollback()
		return err
	}
	upd := models.RunUpdate{Status: models.StatusCompleted, EngineUsed: engine, Extras: &extras}
	if err := updateRun(ctx, tx, runID, upd); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// GetRun reads the run and its children in one repeatable-read snapshot.
func (c *DatabaseClient) GetRun(ctx context.Context, id int64) (*models.Run, error) {
	tx, err := c.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelRepeatableRead, ReadOnly: true})
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	const q = `
		SELECT id, mode, status, engine_used, original_file, original_name, mime_type,
		       error_message, extras, created_at, updated_at
		FROM ocr_runs
		WHERE id = $1
	`
	var (
		run                                  models.Run
		mode, status                         string
		engine, file, name, mimeType, errMsg sql.NullString
		extras                               []byte
	)
	err = tx.QueryRowContext(ctx, q, id).Scan(
		&run.ID, &mode, &status, &engine, &file, &name, &mimeType, &errMsg, &extras, &run.CreatedAt, &run.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &core.NotFoundError{RunID: id}
	}
	if err != nil {
		return nil, err
	}
	if run.Mode, err = models.ParseMode(mode); err != nil {
		return nil, err
	}
	run.Status = models.RunStatus(status)
	run.EngineUsed = engine.String
	run.OriginalFile = file.String
	run.OriginalName = name.String
	run.MimeType = mimeType.String
	run.ErrorMessage = errMsg.String
	if err := json.Unmarshal(extras, &run.Extras); err != nil {
		return nil, fmt.Errorf("decode run extras: %w", err)
	}

	if run.Images, err = queryImages(ctx, tx, id); err != nil {
		return nil, err
	}
	if run.Results, err = queryResults(ctx, tx, id); err != nil {
		return nil, err
	}
	return &run, nil
}

func queryImages(ctx context.Context, tx *sql.Tx, runID int64) ([]models.Image, error) {
	const q = `
		SELECT id, run_id, role, path, page_number, step, metadata, created_at
		FROM ocr_images
		WHERE run_id = $1
		ORDER BY id ASC
	`
	rows, err := tx.QueryContext(ctx, q, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Image
	for rows.Next() {
		var (
			img  models.Image
			role string
			page sql.NullInt64
			step sql.NullString
			meta []byte
		)
		if err := rows.Scan(&img.ID, &img.RunID, &role, &img.Path, &page, &step, &meta, &img.CreatedAt); err != nil {
			return nil, err
		}
		img.Role = models.ImageRole(role)
		img.Step = step.String
		if page.Valid {
			img.PageNumber = models.PageNumber(int(page.Int64))
		}
		if err := json.Unmarshal(meta, &img.Metadata); err != nil {
			return nil, fmt.Errorf("decode image metadata: %w", err)
		}
		out = append(out, img)
	}
	return out, rows.Err()
}

func queryResults(ctx context.Context, tx *sql.Tx, runID int64) ([]models.Result, error) {
	const q = `
		SELECT id, run_id, engine, mode, page_number, text, confidence, extra, created_at
		FROM ocr_results
		WHERE run_id = $1
		ORDER BY id ASC
	`
	rows, err := tx.QueryContext(ctx, q, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Result
	for rows.Next() {
		var (
			r     models.Result
			mode  string
			conf  sql.NullFloat64
			extra []byte
		)
		if err := rows.Scan(&r.ID, &r.RunID, &r.Engine, &mode, &r.PageNumber, &r.Text, &conf, &extra, &r.CreatedAt); err != nil {
			return nil, err
		}
		if r.Mode, err = models.ParseMode(mode); err != nil {
			return nil, err
		}
		if conf.Valid {
			v := conf.Float64
			r.Confidence = &v
		}
		if err := json.Unmarshal(extra, &r.Extra); err != nil {
			return nil, fmt.Errorf("decode result extra: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (c *DatabaseClient) ListRuns(ctx context.Context, limit int) ([]models.RunSummary, error) {
	limit = ClampLimit(limit)
	const q = `
		SELECT id, mode, status, engine_used, original_file, created_at, updated_at
		FROM ocr_runs
		ORDER BY created_at DESC, id DESC
		LIMIT $1
	`
	rows, err := c.db.QueryContext(ctx, q, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []models.RunSummary{}
	for rows.Next() {
		var (
			s            models.RunSummary
			mode, status string
			engine, file sql.NullString
		)
		if err := rows.Scan(&s.ID, &mode, &status, &engine, &file, &s.CreatedAt, &s.UpdatedAt); err != nil {
			return nil, err
		}
		if s.Mode, err = models.ParseMode(mode); err != nil {
			return nil, err
		}
		s.Status = models.RunStatus(status)
		s.EngineUsed = engine.String
		s.OriginalFile = file.String
		out = append(out, s)
	}
	return out, rows.Err()
}

// DeleteRun removes the run; images and results go with it through ON DELETE CASCADE.
func (c *DatabaseClient) DeleteRun(ctx context.Context, id int64) error {
	const q = `DELETE FROM ocr_runs WHERE id = $1`
	res, err := c.db.ExecContext(ctx, q, id)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return &core.NotFoundError{RunID: id}
	}
	return nil
}
