// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"
	"time"

	"github.com/hitoshi/medhive/internal/identity"
	"github.com/hitoshi/medhive/internal/model"
)

// ProfileRepository はユーザープロフィールの永続化インターフェース。
type ProfileRepository interface {
	// FindByID は指定IDのプロフィールを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.UserProfile, error)

	// Insert はサインアップ時にプロフィールを作成する。
	// 既に同じIDの行が存在する場合は何もせずfalseを返す。
	Insert(ctx context.Context, profile *model.UserProfile) (bool, error)

	// UpsertSetup はセットアップ画面の入力で氏名・電話番号・所属を保存する。
	// 行が存在しない場合はrole=userで作成する。既存行のroleは変更しない。
	UpsertSetup(ctx context.Context, id string, fullName, phone, organization *string) (*model.UserProfile, error)
}

// ModelCursor はモデル一覧のキーセットページネーション位置。
type ModelCursor struct {
	Rank      int
	UpdatedAt time.Time
	ID        string
}

// ModelQuery はモデル一覧の検索条件。
type ModelQuery struct {
	Status *model.ModelStatus
	After  *ModelCursor
	Limit  int
}

// ModelRepository は連合学習モデルの永続化インターフェース。
type ModelRepository interface {
	// FindByID は指定IDのモデルを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.ModelEntry, error)

	// List は学習中、再学習待ち、その他の順、同順位内はupdated_at降順でモデルを返す。
	List(ctx context.Context, q ModelQuery) ([]*model.ModelEntry, error)

	// Approve はstatus=trainedのモデルを承認済みにする。
	// 条件に一致する行がない場合はnilを返す。
	Approve(ctx context.Context, id, adminID string, at time.Time) (*model.ModelEntry, error)

	// MarkForRetraining はstatus=trainedのモデルを再学習待ちに戻し、承認を取り消す。
	// 条件に一致する行がない場合はnilを返す。
	MarkForRetraining(ctx context.Context, id string, at time.Time) (*model.ModelEntry, error)
}

// DatasetCursor はデータセット一覧のキーセットページネーション位置。
type DatasetCursor struct {
	UpdatedAt time.Time
	ID        string
}

// DatasetQuery はデータセット一覧の検索条件。
type DatasetQuery struct {
	Status     *model.DatasetStatus
	ProviderID string
	After      *DatasetCursor
	Limit      int
}

// DatasetRepository はデータセットの永続化インターフェース。
type DatasetRepository interface {
	// FindByID は指定IDのデータセットを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Dataset, error)

	// List はupdated_at降順でデータセットを返す。
	List(ctx context.Context, q DatasetQuery) ([]*model.Dataset, error)

	// Create はデータセットを審査待ち(pending)として登録し、採番後の行を返す。
	// IDとStatusは無視される。
	Create(ctx context.Context, d *model.Dataset, at time.Time) (*model.Dataset, error)

	// UpdateStatus はstatusがfromの場合に限りtoへ変更し、審査者と日時を記録する。
	// 条件に一致する行がない場合はnilを返す。
	UpdateStatus(ctx context.Context, id string, from, to model.DatasetStatus, reviewerID string, at time.Time) (*model.Dataset, error)
}

// AuthSessionRepository はIdPセッションの保存先。
// identity.Storageに加えて期限切れ行の一括削除を提供する。
type AuthSessionRepository interface {
	identity.Storage

	// DeleteExpired はbefore以前に期限切れとなった行を削除し、削除件数を返す。
	DeleteExpired(ctx context.Context, before time.Time) (int64, error)
}
