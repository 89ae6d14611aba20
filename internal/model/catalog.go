package model

import (
	"encoding/json"
	"time"
)

// ModelStatus は連合学習モデルの学習状態を表す。
type ModelStatus string

const (
	// ModelStatusTraining は学習中。
	ModelStatusTraining ModelStatus = "training"
	// ModelStatusTrained は学習済み。承認・再学習の対象となる。
	ModelStatusTrained ModelStatus = "trained"
	// ModelStatusPending は再学習待ち。
	ModelStatusPending ModelStatus = "pending"
)

// Valid はModelStatusが定義済みの値かどうかを返す。
func (s ModelStatus) Valid() bool {
	switch s {
	case ModelStatusTraining, ModelStatusTrained, ModelStatusPending:
		return true
	default:
		return false
	}
}

// ModelEntry はモデルカタログの1行を表す。
type ModelEntry struct {
	ID             string
	Name           string
	Status         ModelStatus
	Accuracy       *float64
	F1Score        *float64
	PrecisionScore *float64
	RecallScore    *float64
	Approved       bool
	ApprovedBy     *string
	ApprovedAt     *time.Time
	UpdatedAt      time.Time
}

// DatasetStatus はデータ提供者がアップロードしたデータセットの審査状態を表す。
type DatasetStatus string

const (
	// DatasetStatusPending は審査待ち。
	DatasetStatusPending DatasetStatus = "pending"
	// DatasetStatusApproved は承認済み。
	DatasetStatusApproved DatasetStatus = "approved"
	// DatasetStatusRejected は却下済み。
	DatasetStatusRejected DatasetStatus = "rejected"
)

// Valid はDatasetStatusが定義済みの値かどうかを返す。
func (s DatasetStatus) Valid() bool {
	switch s {
	case DatasetStatusPending, DatasetStatusApproved, DatasetStatusRejected:
		return true
	default:
		return false
	}
}

// Dataset はデータ提供者が登録したデータセットを表す。
type Dataset struct {
	ID           string
	Name         string
	Description  string
	DataProvider string
	SizeBytes    int64
	NumSamples   int64
	DataType     string
	Metadata     json.RawMessage
	Status       DatasetStatus
	ReviewedBy   *string
	ReviewedAt   *time.Time
	UpdatedAt    time.Time
}

// Rank は一覧表示での並び順を返す。学習中、再学習待ち、その他の順に並べる。
func (s ModelStatus) Rank() int {
	switch s {
	case ModelStatusTraining:
		return 0
	case ModelStatusPending:
		return 1
	default:
		return 2
	}
}
