package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/hitoshi/medhive/internal/model"
)

// PostgresProfileRepo はPostgreSQLを使用したプロフィールリポジトリ。
type PostgresProfileRepo struct {
	db *sql.DB
}

// NewPostgresProfileRepo はPostgresProfileRepoを生成する。
func NewPostgresProfileRepo(db *sql.DB) *PostgresProfileRepo {
	return &PostgresProfileRepo{db: db}
}

const profileColumns = `id, role, full_name, phone, organization, created_at`

func scanProfile(s scanner) (*model.UserProfile, error) {
	p := &model.UserProfile{}
	var role string
	var fullName, phone, organization sql.NullString
	if err := s.Scan(&p.ID, &role, &fullName, &phone, &organization, &p.CreatedAt); err != nil {
		return nil, err
	}
	r, err := model.ParseRole(role)
	if err != nil {
		return nil, fmt.Errorf("invalid role in user_profiles row %s: %w", p.ID, err)
	}
	p.Role = r
	p.FullName = nullStringPtr(fullName)
	p.Phone = nullStringPtr(phone)
	p.Organization = nullStringPtr(organization)
	return p, nil
}

// FindByID は指定IDのプロフィールを取得する。見つからない場合はnilを返す。
func (r *PostgresProfileRepo) FindByID(ctx context.Context, id string) (*model.UserProfile, error) {
	p, err := scanProfile(r.db.QueryRowContext(ctx,
		`SELECT `+profileColumns+` FROM user_profiles WHERE id = $1`,
		id,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find profile by ID: %w", err)
	}
	return p, nil
}

// Insert はサインアップ時にプロフィールを作成する。
// 同じIDの行が既に存在する場合は何もせずfalseを返す。
func (r *PostgresProfileRepo) Insert(ctx context.Context, p *model.UserProfile) (bool, error) {
	result, err := r.db.ExecContext(ctx,
		`INSERT INTO user_profiles (id, role, full_name, phone, organization)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (id) DO NOTHING`,
		p.ID, string(p.Role), p.FullName, p.Phone, p.Organization,
	)
	if err != nil {
		return false, fmt.Errorf("failed to insert profile: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n > 0, nil
}

// UpsertSetup はセットアップ入力を保存する。既存行のroleは更新対象に含めない。
func (r *PostgresProfileRepo) UpsertSetup(ctx context.Context, id string, fullName, phone, organization *string) (*model.UserProfile, error) {
	p, err := scanProfile(r.db.QueryRowContext(ctx,
		`INSERT INTO user_profiles (id, role, full_name, phone, organization)
		 VALUES ($1, 'user', $2, $3, $4)
		 ON CONFLICT (id) DO UPDATE SET
		     full_name = EXCLUDED.full_name,
		     phone = EXCLUDED.phone,
		     organization = EXCLUDED.organization,
		     updated_at = now()
		 RETURNING `+profileColumns,
		id, fullName, phone, organization,
	))
	if err != nil {
		return nil, fmt.Errorf("failed to upsert profile: %w", err)
	}
	return p, nil
}

// compile-time interface check
var _ ProfileRepository = (*PostgresProfileRepo)(nil)
