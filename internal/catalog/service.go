// Package catalog は管理者によるモデルとデータセットの承認機能を提供する。
package catalog

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/hitoshi/medhive/internal/model"
	"github.com/hitoshi/medhive/internal/repository"
)

// DefaultPageSize は一覧のデフォルト件数。
const DefaultPageSize = 20

// MaxPageSize は一覧の最大件数。
const MaxPageSize = 100

// ModelFilter はモデル一覧の取得条件。
type ModelFilter struct {
	Status string
	Cursor string
	Limit  int
}

// DatasetFilter はデータセット一覧の取得条件。
// ProviderIDを指定すると、そのデータ提供者のデータセットのみを返す。
type DatasetFilter struct {
	Status     string
	ProviderID string
	Cursor     string
	Limit      int
}

// データセット登録時の入力上限。テーブル定義の列長に合わせる。
const (
	maxDatasetNameLen     = 255
	maxDatasetTypeLen     = 64
	maxDatasetDescription = 4000
)

// DatasetSubmission はデータ提供者が登録するデータセットの内容。
type DatasetSubmission struct {
	Name        string
	Description string
	DataType    string
	SizeBytes   int64
	NumSamples  int64
	Metadata    json.RawMessage
}

// ModelPage はモデル一覧の1ページ。
type ModelPage struct {
	Models     []*model.ModelEntry
	NextCursor string
	HasMore    bool
}

// DatasetPage はデータセット一覧の1ページ。
type DatasetPage struct {
	Datasets   []*model.Dataset
	NextCursor string
	HasMore    bool
}

// Service はカタログ操作のサービス層。
type Service struct {
	models   repository.ModelRepository
	datasets repository.DatasetRepository
	now      func() time.Time
}

// NewService はServiceの新しいインスタンスを生成する。
func NewService(models repository.ModelRepository, datasets repository.DatasetRepository) *Service {
	return &Service{models: models, datasets: datasets, now: time.Now}
}

func pageSize(limit int) int {
	switch {
	case limit <= 0:
		return DefaultPageSize
	case limit > MaxPageSize:
		return MaxPageSize
	default:
		return limit
	}
}

// ListModels は学習中、再学習待ち、その他の順でモデルを返す。
// limit+1件を取得してHasMoreを判定する。
func (s *Service) ListModels(ctx context.Context, f ModelFilter) (*ModelPage, error) {
	q := repository.ModelQuery{}
	if f.Status != "" {
		status := model.ModelStatus(f.Status)
		if !status.Valid() {
			return nil, model.NewInvalidFilterError(f.Status)
		}
		q.Status = &status
	}
	if f.Cursor != "" {
		after, err := decodeModelCursor(f.Cursor)
		if err != nil {
			return nil, err
		}
		q.After = after
	}
	limit := pageSize(f.Limit)
	q.Limit = limit + 1

	models, err := s.models.List(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("failed to list models: %w", err)
	}

	page := &ModelPage{Models: models}
	if len(models) > limit {
		page.Models = models[:limit]
		page.HasMore = true
		page.NextCursor = modelCursor(page.Models[limit-1])
	}
	return page, nil
}

// ApproveModel は学習済みモデルを承認する。
func (s *Service) ApproveModel(ctx context.Context, adminID, id string) (*model.ModelEntry, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, model.NewModelNotFoundError(id)
	}
	m, err := s.models.Approve(ctx, id, adminID, s.now())
	if err != nil {
		return nil, fmt.Errorf("failed to approve model: %w", err)
	}
	if m == nil {
		return nil, s.modelTransitionError(ctx, id, "approve")
	}
	slog.Info("model approved",
		slog.String("model_id", id),
		slog.String("admin_id", adminID),
	)
	return m, nil
}

// RetrainModel は学習済みモデルを再学習待ちに戻す。
func (s *Service) RetrainModel(ctx context.Context, id string) (*model.ModelEntry, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, model.NewModelNotFoundError(id)
	}
	m, err := s.models.MarkForRetraining(ctx, id, s.now())
	if err != nil {
		return nil, fmt.Errorf("failed to mark model for retraining: %w", err)
	}
	if m == nil {
		return nil, s.modelTransitionError(ctx, id, "retrain")
	}
	slog.Info("model queued for retraining", slog.String("model_id", id))
	return m, nil
}

// modelTransitionError は条件付き更新が適用されなかった理由を判別する。
func (s *Service) modelTransitionError(ctx context.Context, id, operation string) error {
	current, err := s.models.FindByID(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to find model: %w", err)
	}
	if current == nil {
		return model.NewModelNotFoundError(id)
	}
	return model.NewInvalidStatusTransitionError(string(current.Status), operation)
}

// ListDatasets はupdated_at降順でデータセットを返す。
func (s *Service) ListDatasets(ctx context.Context, f DatasetFilter) (*DatasetPage, error) {
	q := repository.DatasetQuery{ProviderID: f.ProviderID}
	if f.Status != "" {
		status := model.DatasetStatus(f.Status)
		if !status.Valid() {
			return nil, model.NewInvalidFilterError(f.Status)
		}
		q.Status = &status
	}
	if f.Cursor != "" {
		after, err := decodeDatasetCursor(f.Cursor)
		if err != nil {
			return nil, err
		}
		q.After = after
	}
	limit := pageSize(f.Limit)
	q.Limit = limit + 1

	datasets, err := s.datasets.List(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("failed to list datasets: %w", err)
	}

	page := &DatasetPage{Datasets: datasets}
	if len(datasets) > limit {
		page.Datasets = datasets[:limit]
		page.HasMore = true
		page.NextCursor = datasetCursor(page.Datasets[limit-1])
	}
	return page, nil
}

// SubmitDataset はデータ提供者のデータセットを審査待ちとして登録する。
// 登録されたデータセットは管理者がApproveDatasetまたはRejectDatasetで審査する。
func (s *Service) SubmitDataset(ctx context.Context, providerID string, in DatasetSubmission) (*model.Dataset, error) {
	name := strings.TrimSpace(in.Name)
	switch {
	case name == "":
		return nil, model.NewInvalidInputError("name is required")
	case utf8.RuneCountInString(name) > maxDatasetNameLen:
		return nil, model.NewInvalidInputError(fmt.Sprintf("name must be at most %d characters", maxDatasetNameLen))
	case utf8.RuneCountInString(in.DataType) > maxDatasetTypeLen:
		return nil, model.NewInvalidInputError(fmt.Sprintf("data_type must be at most %d characters", maxDatasetTypeLen))
	case utf8.RuneCountInString(in.Description) > maxDatasetDescription:
		return nil, model.NewInvalidInputError(fmt.Sprintf("description must be at most %d characters", maxDatasetDescription))
	case in.SizeBytes < 0 || in.NumSamples < 0:
		return nil, model.NewInvalidInputError("size_bytes and num_samples must not be negative")
	}

	metadata := bytes.TrimSpace(in.Metadata)
	if len(metadata) == 0 || bytes.Equal(metadata, []byte("null")) {
		metadata = []byte(`{}`)
	}
	var obj map[string]any
	if err := json.Unmarshal(metadata, &obj); err != nil {
		return nil, model.NewInvalidInputError("metadata must be a JSON object")
	}

	d, err := s.datasets.Create(ctx, &model.Dataset{
		Name:         name,
		Description:  strings.TrimSpace(in.Description),
		DataProvider: providerID,
		SizeBytes:    in.SizeBytes,
		NumSamples:   in.NumSamples,
		DataType:     strings.TrimSpace(in.DataType),
		Metadata:     metadata,
	}, s.now())
	if err != nil {
		return nil, fmt.Errorf("failed to submit dataset: %w", err)
	}
	slog.Info("dataset submitted",
		slog.String("dataset_id", d.ID),
		slog.String("provider_id", providerID),
	)
	return d, nil
}

// ApproveDataset は審査待ちのデータセットを承認する。
func (s *Service) ApproveDataset(ctx context.Context, adminID, id string) (*model.Dataset, error) {
	return s.reviewDataset(ctx, adminID, id, model.DatasetStatusApproved, "approve")
}

// RejectDataset は審査待ちのデータセットを却下する。
func (s *Service) RejectDataset(ctx context.Context, adminID, id string) (*model.Dataset, error) {
	return s.reviewDataset(ctx, adminID, id, model.DatasetStatusRejected, "reject")
}

func (s *Service) reviewDataset(ctx context.Context, adminID, id string, to model.DatasetStatus, operation string) (*model.Dataset, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, model.NewDatasetNotFoundError(id)
	}
	d, err := s.datasets.UpdateStatus(ctx, id, model.DatasetStatusPending, to, adminID, s.now())
	if err != nil {
		return nil, fmt.Errorf("failed to update dataset status: %w", err)
	}
	if d == nil {
		current, err := s.datasets.FindByID(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("failed to find dataset: %w", err)
		}
		if current == nil {
			return nil, model.NewDatasetNotFoundError(id)
		}
		return nil, model.NewInvalidStatusTransitionError(string(current.Status), operation)
	}
	slog.Info("dataset reviewed",
		slog.String("dataset_id", id),
		slog.String("status", string(to)),
		slog.String("admin_id", adminID),
	)
	return d, nil
}
