// Package cleanup は期限切れのIdPセッションを定期削除するジョブを提供する。
// 保持期間（デフォルト30日）を超えて期限切れのまま残っている行を日次で削除する。
package cleanup

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// ExpiredSessionDeleter は期限切れセッションの一括削除を抽象化するインターフェース。
// repository.AuthSessionRepositoryが実装する。
type ExpiredSessionDeleter interface {
	DeleteExpired(ctx context.Context, before time.Time) (int64, error)
}

// DefaultRetention は期限切れセッションを保持する既定の期間。
const DefaultRetention = 30 * 24 * time.Hour

// CleanupJob は期限切れセッションの削除ジョブ。
// 削除は冪等であり、対象がない場合もエラーにならない。
type CleanupJob struct {
	sessions  ExpiredSessionDeleter
	logger    *slog.Logger
	Retention time.Duration

	now func() time.Time
}

// NewCleanupJob は新しいCleanupJobを生成する。
// retentionが0以下の場合はDefaultRetentionを使用する。
func NewCleanupJob(sessions ExpiredSessionDeleter, logger *slog.Logger, retention time.Duration) *CleanupJob {
	if logger == nil {
		logger = slog.Default()
	}
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &CleanupJob{
		sessions:  sessions,
		logger:    logger,
		Retention: retention,
		now:       time.Now,
	}
}

// Run は現在時刻からRetentionを引いた時刻より前に期限切れとなったセッションを削除する。
func (j *CleanupJob) Run(ctx context.Context) error {
	start := j.now()
	before := start.Add(-j.Retention)

	deleted, err := j.sessions.DeleteExpired(ctx, before)
	if err != nil {
		j.logger.Error("セッションクリーンアップジョブの実行に失敗しました",
			slog.String("error", err.Error()),
			slog.Duration("retention", j.Retention),
		)
		return fmt.Errorf("セッションクリーンアップの実行に失敗: %w", err)
	}

	j.logger.Info("セッションクリーンアップジョブが完了しました",
		slog.Int64("deleted_count", deleted),
		slog.Time("expired_before", before),
		slog.Duration("retention", j.Retention),
		slog.Float64("duration_ms", float64(j.now().Sub(start).Milliseconds())),
	)
	return nil
}

// Start は起動直後に1回、その後はintervalごとにRunを実行する。
// ctxがキャンセルされるまでブロックする。
func (j *CleanupJob) Start(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 24 * time.Hour
	}

	// 失敗はRun内でログ出力済みのため、次回実行で再試行する
	_ = j.Run(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			j.logger.Info("セッションクリーンアップジョブを停止しました")
			return
		case <-ticker.C:
			_ = j.Run(ctx)
		}
	}
}
