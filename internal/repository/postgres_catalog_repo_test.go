package repository

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/hitoshi/medhive/internal/model"
)

var modelRowColumns = []string{
	"id", "name", "status", "accuracy", "f1_score", "precision_score", "recall_score",
	"approved", "approved_by", "approved_at", "updated_at",
}

var datasetRowColumns = []string{
	"id", "name", "description", "data_provider", "size_bytes", "num_samples",
	"data_type", "metadata", "status", "reviewed_by", "reviewed_at", "updated_at",
}

// 一覧はstatus_rank, updated_at, idの順で並べること
func TestPostgresModelRepo_List_OrdersByRank(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewPostgresModelRepo(db)
	now := time.Now()

	mock.ExpectQuery(`CASE status WHEN 'training' THEN 0 WHEN 'pending' THEN 1 ELSE 2 END AS status_rank .+ORDER BY status_rank ASC, updated_at DESC, id DESC\s+LIMIT \$1`).
		WithArgs(defaultListLimit).
		WillReturnRows(sqlmock.NewRows(modelRowColumns).
			AddRow("m-1", "cnn", "training", nil, nil, nil, nil, false, nil, nil, now).
			AddRow("m-2", "svm", "trained", 0.93, 0.9, 0.91, 0.89, true, "a-1", now, now))

	models, err := repo.List(context.Background(), ModelQuery{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(models) != 2 {
		t.Fatalf("len = %d, want 2", len(models))
	}
	if models[0].Accuracy != nil {
		t.Error("NULLの指標はnilになるべき")
	}
	if models[1].Accuracy == nil || *models[1].Accuracy != 0.93 {
		t.Errorf("Accuracy = %v", models[1].Accuracy)
	}
	if !models[1].Approved || models[1].ApprovedBy == nil || *models[1].ApprovedBy != "a-1" {
		t.Errorf("承認情報が正しく読み込まれていない: %+v", models[1])
	}
}

// ステータスフィルタとカーソルがプレースホルダに順番どおり渡ること
func TestPostgresModelRepo_List_FilterAndCursor(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewPostgresModelRepo(db)
	status := model.ModelStatusTrained
	at := time.Date(2025, 4, 19, 0, 0, 0, 0, time.UTC)

	mock.ExpectQuery(`WHERE status = \$1 AND \(status_rank > \$2 OR \(status_rank = \$2 AND \(updated_at, id\) < \(\$3, \$4\)\)\)`).
		WithArgs("trained", 2, at, "m-9", 10).
		WillReturnRows(sqlmock.NewRows(modelRowColumns))

	models, err := repo.List(context.Background(), ModelQuery{
		Status: &status,
		After:  &ModelCursor{Rank: 2, UpdatedAt: at, ID: "m-9"},
		Limit:  10,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(models) != 0 {
		t.Errorf("len = %d, want 0", len(models))
	}
}

func TestClampLimit(t *testing.T) {
	tests := []struct{ in, want int }{
		{0, defaultListLimit},
		{-1, defaultListLimit},
		{10, 10},
		{maxListLimit + 1, maxListLimit},
	}
	for _, tt := range tests {
		if got := clampLimit(tt.in); got != tt.want {
			t.Errorf("clampLimit(%d) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

// 学習済みでないモデルの承認はnilを返すこと
func TestPostgresModelRepo_Approve_NotTrained(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewPostgresModelRepo(db)
	at := time.Now()

	mock.ExpectQuery(`UPDATE models\s+SET approved = true.+WHERE id = \$1 AND status = 'trained'`).
		WithArgs("m-1", "a-1", at).
		WillReturnError(sql.ErrNoRows)

	m, err := repo.Approve(context.Background(), "m-1", "a-1", at)
	if err != nil || m != nil {
		t.Errorf("Approve = (%v, %v), want (nil, nil)", m, err)
	}
}

// 再学習指示で承認が取り消されること
func TestPostgresModelRepo_MarkForRetraining(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewPostgresModelRepo(db)
	at := time.Now()

	mock.ExpectQuery(`SET status = 'pending', approved = false, approved_by = NULL, approved_at = NULL`).
		WithArgs("m-1", at).
		WillReturnRows(sqlmock.NewRows(modelRowColumns).
			AddRow("m-1", "cnn", "pending", 0.8, nil, nil, nil, false, nil, nil, at))

	m, err := repo.MarkForRetraining(context.Background(), "m-1", at)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if m.Status != model.ModelStatusPending || m.Approved {
		t.Errorf("再学習待ちかつ未承認になるべき: %+v", m)
	}
}

// データセット一覧で提供者フィルタとカーソルが組み合わされること
func TestPostgresDatasetRepo_List_ProviderAndCursor(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewPostgresDatasetRepo(db)
	status := model.DatasetStatusPending
	at := time.Now()

	mock.ExpectQuery(`WHERE status = \$1 AND data_provider = \$2 AND \(updated_at, id\) < \(\$3, \$4\)\s+ORDER BY updated_at DESC, id DESC\s+LIMIT \$5`).
		WithArgs("pending", "p-1", at, "d-5", 20).
		WillReturnRows(sqlmock.NewRows(datasetRowColumns).
			AddRow("d-4", "xray", "", "p-1", 1024, 10, "image", []byte(`{"k":"v"}`), "pending", nil, nil, at))

	datasets, err := repo.List(context.Background(), DatasetQuery{
		Status:     &status,
		ProviderID: "p-1",
		After:      &DatasetCursor{UpdatedAt: at, ID: "d-5"},
		Limit:      20,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(datasets) != 1 || string(datasets[0].Metadata) != `{"k":"v"}` {
		t.Errorf("datasets = %+v", datasets)
	}
}

// Createは常にpendingで登録し、metadata未指定時は空オブジェクトを保存すること
func TestPostgresDatasetRepo_Create(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewPostgresDatasetRepo(db)
	at := time.Now()

	mock.ExpectQuery(`INSERT INTO datasets .+VALUES \(\$1, \$2, \$3, \$4, \$5, \$6, \$7, \$8, \$9, \$9\)\s+RETURNING id, name`).
		WithArgs("ecg-2025", "12誘導心電図", "p-1", int64(4096), int64(120), "timeseries", []byte(`{}`), "pending", at).
		WillReturnRows(sqlmock.NewRows(datasetRowColumns).
			AddRow("d-9", "ecg-2025", "12誘導心電図", "p-1", 4096, 120, "timeseries", []byte(`{}`), "pending", nil, nil, at))

	d, err := repo.Create(context.Background(), &model.Dataset{
		ID:           "ignored",
		Name:         "ecg-2025",
		Description:  "12誘導心電図",
		DataProvider: "p-1",
		SizeBytes:    4096,
		NumSamples:   120,
		DataType:     "timeseries",
		Status:       model.DatasetStatusApproved,
	}, at)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d.ID != "d-9" || d.Status != model.DatasetStatusPending || d.ReviewedBy != nil {
		t.Errorf("dataset = %+v", d)
	}
}

func TestPostgresDatasetRepo_Create_Error(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewPostgresDatasetRepo(db)

	mock.ExpectQuery(`INSERT INTO datasets`).WillReturnError(sql.ErrConnDone)

	if _, err := repo.Create(context.Background(), &model.Dataset{Name: "x", DataProvider: "p-1"}, time.Now()); err == nil {
		t.Fatal("エラーが返されるべき")
	}
}

// UpdateStatusは現在のstatusを条件に含めること
func TestPostgresDatasetRepo_UpdateStatus(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewPostgresDatasetRepo(db)
	at := time.Now()

	mock.ExpectQuery(`UPDATE datasets .+WHERE id = \$1 AND status = \$2`).
		WithArgs("d-1", "pending", "approved", "a-1", at).
		WillReturnRows(sqlmock.NewRows(datasetRowColumns).
			AddRow("d-1", "xray", "", "p-1", 0, 0, "image", []byte(`{}`), "approved", "a-1", at, at))
	mock.ExpectQuery(`UPDATE datasets`).
		WithArgs("d-1", "pending", "rejected", "a-1", at).
		WillReturnError(sql.ErrNoRows)

	d, err := repo.UpdateStatus(context.Background(), "d-1", model.DatasetStatusPending, model.DatasetStatusApproved, "a-1", at)
	if err != nil || d == nil || d.Status != model.DatasetStatusApproved {
		t.Fatalf("UpdateStatus = (%+v, %v)", d, err)
	}
	d, err = repo.UpdateStatus(context.Background(), "d-1", model.DatasetStatusPending, model.DatasetStatusRejected, "a-1", at)
	if err != nil || d != nil {
		t.Errorf("審査済みデータセットの再審査はnilを返すべき: (%+v, %v)", d, err)
	}
}
