package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hitoshi/medhive/internal/model"
)

const (
	defaultListLimit = 50
	maxListLimit     = 200
)

func clampLimit(limit int) int {
	if limit <= 0 {
		return defaultListLimit
	}
	if limit > maxListLimit {
		return maxListLimit
	}
	return limit
}

// PostgresModelRepo はPostgreSQLを使用したモデルカタログリポジトリ。
type PostgresModelRepo struct {
	db *sql.DB
}

// NewPostgresModelRepo はPostgresModelRepoを生成する。
func NewPostgresModelRepo(db *sql.DB) *PostgresModelRepo {
	return &PostgresModelRepo{db: db}
}

const modelColumns = `id, name, status, accuracy, f1_score, precision_score, recall_score,
	approved, approved_by, approved_at, updated_at`

// status_rankはmodel.ModelStatus.Rankと同じ順序でなければならない。
const modelRankExpr = `CASE status WHEN 'training' THEN 0 WHEN 'pending' THEN 1 ELSE 2 END`

func scanModel(s scanner) (*model.ModelEntry, error) {
	m := &model.ModelEntry{}
	var status string
	var accuracy, f1, precision, recall sql.NullFloat64
	var approvedBy sql.NullString
	var approvedAt sql.NullTime
	if err := s.Scan(
		&m.ID, &m.Name, &status, &accuracy, &f1, &precision, &recall,
		&m.Approved, &approvedBy, &approvedAt, &m.UpdatedAt,
	); err != nil {
		return nil, err
	}
	m.Status = model.ModelStatus(status)
	m.Accuracy = nullFloatPtr(accuracy)
	m.F1Score = nullFloatPtr(f1)
	m.PrecisionScore = nullFloatPtr(precision)
	m.RecallScore = nullFloatPtr(recall)
	m.ApprovedBy = nullStringPtr(approvedBy)
	m.ApprovedAt = nullTimePtr(approvedAt)
	return m, nil
}

// FindByID は指定IDのモデルを取得する。見つからない場合はnilを返す。
func (r *PostgresModelRepo) FindByID(ctx context.Context, id string) (*model.ModelEntry, error) {
	m, err := scanModel(r.db.QueryRowContext(ctx,
		`SELECT `+modelColumns+` FROM models WHERE id = $1`,
		id,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find model by ID: %w", err)
	}
	return m, nil
}

// List はstatus_rank昇順、updated_at降順、id降順でモデルを返す。
// q.Afterが指定された場合はその位置より後ろの行のみを返す。
func (r *PostgresModelRepo) List(ctx context.Context, q ModelQuery) ([]*model.ModelEntry, error) {
	var (
		conds []string
		args  []any
	)
	if q.Status != nil {
		args = append(args, string(*q.Status))
		conds = append(conds, fmt.Sprintf("status = $%d", len(args)))
	}
	if q.After != nil {
		args = append(args, q.After.Rank, q.After.UpdatedAt, q.After.ID)
		n := len(args)
		conds = append(conds, fmt.Sprintf(
			"(status_rank > $%d OR (status_rank = $%d AND (updated_at, id) < ($%d, $%d)))",
			n-2, n-2, n-1, n,
		))
	}
	where := ""
	if len(conds) > 0 {
		where = "WHERE " + strings.Join(conds, " AND ")
	}
	args = append(args, clampLimit(q.Limit))

	query := fmt.Sprintf(
		`SELECT %s FROM (
		     SELECT %s, %s AS status_rank FROM models
		 ) ranked
		 %s
		 ORDER BY status_rank ASC, updated_at DESC, id DESC
		 LIMIT $%d`,
		modelColumns, modelColumns, modelRankExpr, where, len(args),
	)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list models: %w", err)
	}
	defer rows.Close()

	var models []*model.ModelEntry
	for rows.Next() {
		m, err := scanModel(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan model: %w", err)
		}
		models = append(models, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate models: %w", err)
	}
	return models, nil
}

// Approve はstatus=trainedのモデルを承認する。条件に一致しない場合はnilを返す。
func (r *PostgresModelRepo) Approve(ctx context.Context, id, adminID string, at time.Time) (*model.ModelEntry, error) {
	m, err := scanModel(r.db.QueryRowContext(ctx,
		`UPDATE models
		 SET approved = true, approved_by = $2, approved_at = $3, updated_at = $3
		 WHERE id = $1 AND status = 'trained'
		 RETURNING `+modelColumns,
		id, adminID, at,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to approve model: %w", err)
	}
	return m, nil
}

// MarkForRetraining はstatus=trainedのモデルを再学習待ちに戻す。条件に一致しない場合はnilを返す。
func (r *PostgresModelRepo) MarkForRetraining(ctx context.Context, id string, at time.Time) (*model.ModelEntry, error) {
	m, err := scanModel(r.db.QueryRowContext(ctx,
		`UPDATE models
		 SET status = 'pending', approved = false, approved_by = NULL, approved_at = NULL, updated_at = $2
		 WHERE id = $1 AND status = 'trained'
		 RETURNING `+modelColumns,
		id, at,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to mark model for retraining: %w", err)
	}
	return m, nil
}

// PostgresDatasetRepo はPostgreSQLを使用したデータセットリポジトリ。
type PostgresDatasetRepo struct {
	db *sql.DB
}

// NewPostgresDatasetRepo はPostgresDatasetRepoを生成する。
func NewPostgresDatasetRepo(db *sql.DB) *PostgresDatasetRepo {
	return &PostgresDatasetRepo{db: db}
}

const datasetColumns = `id, name, description, data_provider, size_bytes, num_samples,
	data_type, metadata, status, reviewed_by, reviewed_at, updated_at`

func scanDataset(s scanner) (*model.Dataset, error) {
	d := &model.Dataset{}
	var status string
	var metadata []byte
	var reviewedBy sql.NullString
	var reviewedAt sql.NullTime
	if err := s.Scan(
		&d.ID, &d.Name, &d.Description, &d.DataProvider, &d.SizeBytes, &d.NumSamples,
		&d.DataType, &metadata, &status, &reviewedBy, &reviewedAt, &d.UpdatedAt,
	); err != nil {
		return nil, err
	}
	d.Status = model.DatasetStatus(status)
	d.Metadata = metadata
	d.ReviewedBy = nullStringPtr(reviewedBy)
	d.ReviewedAt = nullTimePtr(reviewedAt)
	return d, nil
}

// FindByID は指定IDのデータセットを取得する。見つからない場合はnilを返す。
func (r *PostgresDatasetRepo) FindByID(ctx context.Context, id string) (*model.Dataset, error) {
	d, err := scanDataset(r.db.QueryRowContext(ctx,
		`SELECT `+datasetColumns+` FROM datasets WHERE id = $1`,
		id,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find dataset by ID: %w", err)
	}
	return d, nil
}

// List はupdated_at降順、id降順でデータセットを返す。
func (r *PostgresDatasetRepo) List(ctx context.Context, q DatasetQuery) ([]*model.Dataset, error) {
	var (
		conds []string
		args  []any
	)
	if q.Status != nil {
		args = append(args, string(*q.Status))
		conds = append(conds, fmt.Sprintf("status = $%d", len(args)))
	}
	if q.ProviderID != "" {
		args = append(args, q.ProviderID)
		conds = append(conds, fmt.Sprintf("data_provider = $%d", len(args)))
	}
	if q.After != nil {
		args = append(args, q.After.UpdatedAt, q.After.ID)
		conds = append(conds, fmt.Sprintf("(updated_at, id) < ($%d, $%d)", len(args)-1, len(args)))
	}
	where := ""
	if len(conds) > 0 {
		where = "WHERE " + strings.Join(conds, " AND ")
	}
	args = append(args, clampLimit(q.Limit))

	query := fmt.Sprintf(
		`SELECT %s FROM datasets
		 %s
		 ORDER BY updated_at DESC, id DESC
		 LIMIT $%d`,
		datasetColumns, where, len(args),
	)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list datasets: %w", err)
	}
	defer rows.Close()

	var datasets []*model.Dataset
	for rows.Next() {
		d, err := scanDataset(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan dataset: %w", err)
		}
		datasets = append(datasets, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate datasets: %w", err)
	}
	return datasets, nil
}

// Create はデータセットをpendingで登録する。
func (r *PostgresDatasetRepo) Create(ctx context.Context, d *model.Dataset, at time.Time) (*model.Dataset, error) {
	metadata := d.Metadata
	if len(metadata) == 0 {
		metadata = []byte(`{}`)
	}
	created, err := scanDataset(r.db.QueryRowContext(ctx,
		`INSERT INTO datasets
		   (name, description, data_provider, size_bytes, num_samples, data_type, metadata, status, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $9)
		 RETURNING `+datasetColumns,
		d.Name, d.Description, d.DataProvider, d.SizeBytes, d.NumSamples, d.DataType,
		[]byte(metadata), string(model.DatasetStatusPending), at,
	))
	if err != nil {
		return nil, fmt.Errorf("failed to create dataset: %w", err)
	}
	return created, nil
}

// UpdateStatus はstatusがfromの場合に限りtoへ変更する。条件に一致しない場合はnilを返す。
func (r *PostgresDatasetRepo) UpdateStatus(ctx context.Context, id string, from, to model.DatasetStatus, reviewerID string, at time.Time) (*model.Dataset, error) {
	d, err := scanDataset(r.db.QueryRowContext(ctx,
		`UPDATE datasets
		 SET status = $3, reviewed_by = $4, reviewed_at = $5, updated_at = $5
		 WHERE id = $1 AND status = $2
		 RETURNING `+datasetColumns,
		id, string(from), string(to), reviewerID, at,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to update dataset status: %w", err)
	}
	return d, nil
}

// compile-time interface check
var (
	_ ModelRepository   = (*PostgresModelRepo)(nil)
	_ DatasetRepository = (*PostgresDatasetRepo)(nil)
)
