package store

import (
	"context"
	"database/sql"
	"time"
)

// ImportRecord is one row of the import history. The id matches the
// asset id assigned by the engine.
type ImportRecord struct {
	ID         int64
	Path       string
	HasVideo   bool
	HasAudio   bool
	Width      int
	Height     int
	SampleRate int
	Channels   int
	DurationTL int64
	CreatedAt  time.Time
}

// ExportRecord is one export job's persisted outcome.
type ExportRecord struct {
	ID         string
	OutputPath string
	Status     string
	Error      string
	DoneTL     int64
	TotalTL    int64
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Export statuses.
const (
	ExportRunning   = "running"
	ExportFinished  = "finished"
	ExportCancelled = "cancelled"
	ExportFailed    = "failed"
)

// Repository is the persistence surface consumed by the engine.
type Repository interface {
	RecordImport(ctx context.Context, rec *ImportRecord) error
	GetImport(ctx context.Context, id int64) (*ImportRecord, error)
	ListImports(ctx context.Context) ([]*ImportRecord, error)
	CountImports(ctx context.Context) (int, error)

	CreateExport(ctx context.Context, rec *ExportRecord) error
	UpdateExportProgress(ctx context.Context, id string, doneTL int64) error
	FinishExport(ctx context.Context, id, status, errorMsg string) error
	ListExports(ctx context.Context, limit int) ([]*ExportRecord, error)
}

type SQLiteRepository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

func (r *SQLiteRepository) RecordImport(ctx context.Context, rec *ImportRecord) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO imports (id, path, has_video, has_audio, width, height, sample_rate, channels, duration_tl, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, rec.ID, rec.Path, boolToInt(rec.HasVideo), boolToInt(rec.HasAudio),
		rec.Width, rec.Height, rec.SampleRate, rec.Channels, rec.DurationTL,
		rec.CreatedAt.Format(time.RFC3339))
	return err
}

func (r *SQLiteRepository) GetImport(ctx context.Context, id int64) (*ImportRecord, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, path, has_video, has_audio, width, height, sample_rate, channels, duration_tl, created_at
		FROM imports WHERE id = ?
	`, id)

	var rec ImportRecord
	var hasVideo, hasAudio int
	var createdAt string
	err := row.Scan(&rec.ID, &rec.Path, &hasVideo, &hasAudio, &rec.Width, &rec.Height,
		&rec.SampleRate, &rec.Channels, &rec.DurationTL, &createdAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	rec.HasVideo = hasVideo == 1
	rec.HasAudio = hasAudio == 1
	rec.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	return &rec, nil
}

func (r *SQLiteRepository) ListImports(ctx context.Context) ([]*ImportRecord, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, path, has_video, has_audio, width, height, sample_rate, channels, duration_tl, created_at
		FROM imports ORDER BY id ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*ImportRecord
	for rows.Next() {
		var rec ImportRecord
		var hasVideo, hasAudio int
		var createdAt string
		if err := rows.Scan(&rec.ID, &rec.Path, &hasVideo, &hasAudio, &rec.Width, &rec.Height,
			&rec.SampleRate, &rec.Channels, &rec.DurationTL, &createdAt); err != nil {
			return nil, err
		}
		rec.HasVideo = hasVideo == 1
		rec.HasAudio = hasAudio == 1
		rec.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		records = append(records, &rec)
	}
	return records, rows.Err()
}

func (r *SQLiteRepository) CountImports(ctx context.Context) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM imports").Scan(&count)
	return count, err
}

func (r *SQLiteRepository) CreateExport(ctx context.Context, rec *ExportRecord) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO exports (id, output_path, status, error, done_tl, total_tl, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, rec.ID, rec.OutputPath, rec.Status, nullString(rec.Error), rec.DoneTL, rec.TotalTL,
		rec.CreatedAt.Format(time.RFC3339), rec.UpdatedAt.Format(time.RFC3339))
	return err
}

func (r *SQLiteRepository) UpdateExportProgress(ctx context.Context, id string, doneTL int64) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE exports SET done_tl = ?, updated_at = datetime('now') WHERE id = ?
	`, doneTL, id)
	return err
}

func (r *SQLiteRepository) FinishExport(ctx context.Context, id, status, errorMsg string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE exports SET status = ?, error = ?, updated_at = datetime('now') WHERE id = ?
	`, status, nullString(errorMsg), id)
	return err
}

func (r *SQLiteRepository) ListExports(ctx context.Context, limit int) ([]*ExportRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, output_path, status, error, done_tl, total_tl, created_at, updated_at
		FROM exports ORDER BY created_at DESC, id DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*ExportRecord
	for rows.Next() {
		var rec ExportRecord
		var errMsg sql.NullString
		var createdAt, updatedAt string
		if err := rows.Scan(&rec.ID, &rec.OutputPath, &rec.Status, &errMsg,
			&rec.DoneTL, &rec.TotalTL, &createdAt, &updatedAt); err != nil {
			return nil, err
		}
		rec.Error = errMsg.String
		rec.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		rec.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
		records = append(records, &rec)
	}
	return records, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
