// Package user はプロフィール閲覧とオンボーディングのドメインロジックを提供する。
package user

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/hitoshi/medhive/internal/model"
	"github.com/hitoshi/medhive/internal/repository"
)

// SetupInput はセットアップ画面の入力。
type SetupInput struct {
	FullName     string
	Phone        string
	Organization string
}

// Service はプロフィールのサービス層。
type Service struct {
	profiles repository.ProfileRepository
}

// NewService はServiceの新しいインスタンスを生成する。
func NewService(profiles repository.ProfileRepository) *Service {
	return &Service{profiles: profiles}
}

// Profile はプロフィールを取得する。行が存在しない場合はPROFILE_NOT_FOUNDを返す。
func (s *Service) Profile(ctx context.Context, userID string) (*model.UserProfile, error) {
	profile, err := s.profiles.FindByID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("プロフィールの取得に失敗しました: %w", err)
	}
	if profile == nil {
		return nil, model.NewProfileNotFoundError()
	}
	return profile, nil
}

// CompleteSetup はオンボーディング入力を保存する。
// 氏名と電話番号は必須、所属は任意。行が存在しない場合はrole=userで作成し、既存行のroleは変更しない。
func (s *Service) CompleteSetup(ctx context.Context, userID string, in SetupInput) (*model.UserProfile, error) {
	if strings.TrimSpace(in.FullName) == "" {
		return nil, model.NewInvalidInputError("full name is required")
	}
	if strings.TrimSpace(in.Phone) == "" {
		return nil, model.NewInvalidInputError("phone is required")
	}

	profile, err := s.profiles.UpsertSetup(ctx, userID,
		model.StringPtr(in.FullName),
		model.StringPtr(in.Phone),
		model.StringPtr(in.Organization),
	)
	if err != nil {
		return nil, fmt.Errorf("プロフィールの保存に失敗しました: %w", err)
	}

	slog.Info("プロフィールのセットアップが完了しました",
		slog.String("user_id", userID),
		slog.String("role", string(profile.Role)),
	)
	return profile, nil
}
