package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// PostgresAuthSessionRepo はIdPセッションをauth_sessionsテーブルに保存する。
type PostgresAuthSessionRepo struct {
	db *sql.DB
}

// NewPostgresAuthSessionRepo はPostgresAuthSessionRepoを生成する。
func NewPostgresAuthSessionRepo(db *sql.DB) *PostgresAuthSessionRepo {
	return &PostgresAuthSessionRepo{db: db}
}

// GetItem は指定キーの値を取得する。存在しないか期限切れの場合はnilを返す。
func (r *PostgresAuthSessionRepo) GetItem(ctx context.Context, key string) ([]byte, error) {
	var data []byte
	err := r.db.QueryRowContext(ctx,
		`SELECT data FROM auth_sessions WHERE key = $1 AND expires_at > now()`,
		key,
	).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get auth session: %w", err)
	}
	return data, nil
}

// SetItem は指定キーに値を保存する。既存の値は上書きする。
func (r *PostgresAuthSessionRepo) SetItem(ctx context.Context, key string, value []byte, expiresAt time.Time) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO auth_sessions (key, data, expires_at, updated_at)
		 VALUES ($1, $2, $3, now())
		 ON CONFLICT (key) DO UPDATE SET
		     data = EXCLUDED.data,
		     expires_at = EXCLUDED.expires_at,
		     updated_at = now()`,
		key, value, expiresAt,
	)
	if err != nil {
		return fmt.Errorf("failed to set auth session: %w", err)
	}
	return nil
}

// RemoveItem は指定キーの値を削除する。
func (r *PostgresAuthSessionRepo) RemoveItem(ctx context.Context, key string) error {
	_, err := r.db.ExecContext(ctx,
		`DELETE FROM auth_sessions WHERE key = $1`,
		key,
	)
	if err != nil {
		return fmt.Errorf("failed to remove auth session: %w", err)
	}
	return nil
}

// DeleteExpired はbefore以前に期限切れとなった行を削除する。
func (r *PostgresAuthSessionRepo) DeleteExpired(ctx context.Context, before time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM auth_sessions WHERE expires_at <= $1`,
		before,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired auth sessions: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n, nil
}

// compile-time interface check
var _ AuthSessionRepository = (*PostgresAuthSessionRepo)(nil)
