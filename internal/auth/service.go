// Package auth はサインアップ、サインイン、OAuth確認、サインアウトの各フローを提供する。
// IdPクライアントはブラウザごとに異なるため、各操作の引数として受け取る。
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/mail"
	"strings"

	"github.com/hitoshi/medhive/internal/identity"
	"github.com/hitoshi/medhive/internal/model"
	"github.com/hitoshi/medhive/internal/navigation"
	"github.com/hitoshi/medhive/internal/repository"
)

// IdentityClient はブラウザ単位のIdPクライアントのうち、認証フローで使う操作。
type IdentityClient interface {
	SignUp(ctx context.Context, email, password string) (*identity.AuthResponse, error)
	SignInWithPassword(ctx context.Context, email, password string) (*identity.AuthResponse, error)
	SignInWithOAuth(ctx context.Context, provider, redirectTo string) (string, error)
	ExchangeCodeForSession(ctx context.Context, code string) (*identity.AuthResponse, error)
	VerifyOTP(ctx context.Context, tokenHash, otpType string) (*identity.AuthResponse, error)
	SignOut(ctx context.Context) error
}

// ConfirmPath はOAuthとメール確認のコールバック先パス。
const ConfirmPath = "/auth/confirm"

// UserType はサインアップ時に選択できるアカウント種別。
type UserType string

const (
	// UserTypeUser は一般ユーザー。
	UserTypeUser UserType = "user"
	// UserTypeDataProvider はデータ提供者。
	UserTypeDataProvider UserType = "data_provider"
)

// SignUpInput はサインアップフォームの入力。
type SignUpInput struct {
	Email        string
	Password     string
	UserType     UserType
	FullName     string
	Phone        string
	Organization string
}

// ConfirmInput は確認コールバックのクエリパラメータ。
type ConfirmInput struct {
	TokenHash string
	Type      string
	Code      string
}

// Result は認証フローの結果。
type Result struct {
	Redirect string
	User     *model.AuthUser
	Profile  *model.UserProfile
	// SignedIn はIdPがセッションを発行したかどうか。メール確認待ちのサインアップではfalse。
	SignedIn bool
}

// Service は認証に関するビジネスロジックを提供する。
type Service struct {
	profiles repository.ProfileRepository
	baseURL  string
	logger   *slog.Logger
}

// NewService はServiceを生成する。baseURLはOAuthのリダイレクト先の組み立てに使う。
func NewService(profiles repository.ProfileRepository, baseURL string, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		profiles: profiles,
		baseURL:  strings.TrimRight(baseURL, "/"),
		logger:   logger,
	}
}

// SignUp はIdPにユーザーを登録し、プロフィール行を作成する。
// データ提供者は氏名・電話番号・所属を保存し、一般ユーザーはroleのみで作成する。
func (s *Service) SignUp(ctx context.Context, client IdentityClient, in SignUpInput) (*Result, error) {
	if err := validateCredentials(in.Email, in.Password); err != nil {
		return nil, err
	}

	profile := &model.UserProfile{}
	switch in.UserType {
	case UserTypeDataProvider:
		profile.Role = model.RoleDataProvider
		profile.FullName = model.StringPtr(in.FullName)
		profile.Phone = model.StringPtr(in.Phone)
		profile.Organization = model.StringPtr(in.Organization)
	case UserTypeUser, "":
		profile.Role = model.RoleUser
	default:
		return nil, model.NewInvalidInputError(fmt.Sprintf("unsupported user type: %s", in.UserType))
	}

	resp, err := client.SignUp(ctx, in.Email, in.Password)
	if err != nil {
		return nil, toAPIError(err)
	}
	user := resp.User
	if user == nil && resp.Session != nil {
		user = &resp.Session.User
	}
	if user == nil || user.ID == "" {
		return nil, fmt.Errorf("identity provider returned no user for sign-up")
	}

	profile.ID = user.ID
	inserted, err := s.profiles.Insert(ctx, profile)
	if err != nil {
		return nil, fmt.Errorf("failed to insert profile: %w", err)
	}
	if !inserted {
		s.logger.Warn("profile already existed at sign-up",
			slog.String("user_id", user.ID),
		)
	}

	s.logger.Info("user signed up",
		slog.String("user_id", user.ID),
		slog.String("role", string(profile.Role)),
	)

	redirect := navigation.PathSetup
	if profile.Role == model.RoleDataProvider {
		redirect = navigation.PathProviderLanding
	}
	return &Result{
		Redirect: redirect,
		User:     user,
		Profile:  profile,
		SignedIn: resp.Session != nil,
	}, nil
}

// SignIn はパスワードでサインインし、プロフィールに応じた遷移先を返す。
// プロフィールの取得に失敗した場合はプロフィールなしとして扱う。
func (s *Service) SignIn(ctx context.Context, client IdentityClient, email, password string) (*Result, error) {
	if err := validateCredentials(email, password); err != nil {
		return nil, err
	}

	resp, err := client.SignInWithPassword(ctx, email, password)
	if err != nil {
		return nil, toAPIError(err)
	}

	user := resp.User
	if user == nil && resp.Session != nil {
		user = &resp.Session.User
	}
	if user == nil {
		return nil, fmt.Errorf("identity provider returned no user for sign-in")
	}

	profile := s.lookupProfile(ctx, user.ID)
	return &Result{
		Redirect: navigation.LandingPath(profile),
		User:     user,
		Profile:  profile,
		SignedIn: true,
	}, nil
}

// OAuthURL は外部プロバイダーの認可URLを返す。コールバック先は{baseURL}/auth/confirm。
func (s *Service) OAuthURL(ctx context.Context, client IdentityClient, provider string) (string, error) {
	provider = strings.TrimSpace(provider)
	if provider == "" {
		return "", model.NewInvalidInputError("provider is required")
	}
	u, err := client.SignInWithOAuth(ctx, provider, s.baseURL+ConfirmPath)
	if err != nil {
		return "", toAPIError(err)
	}
	return u, nil
}

// Confirm はメール確認リンクまたはOAuthコールバックを処理し、遷移先を返す。
// token_hashとtypeがあればOTP検証、codeがあればPKCE交換を行う。
// パラメータ不足やIdPエラーの場合は/errorを返す。
func (s *Service) Confirm(ctx context.Context, client IdentityClient, in ConfirmInput) *Result {
	var (
		resp *identity.AuthResponse
		err  error
	)
	switch {
	case in.TokenHash != "" && in.Type != "":
		resp, err = client.VerifyOTP(ctx, in.TokenHash, in.Type)
	case in.Code != "":
		resp, err = client.ExchangeCodeForSession(ctx, in.Code)
	default:
		s.logger.Warn("confirm called without token_hash/type or code")
		return &Result{Redirect: navigation.PathError}
	}
	if err != nil {
		s.logger.Warn("confirm failed", slog.String("error", err.Error()))
		return &Result{Redirect: navigation.PathError}
	}
	if resp == nil || resp.Session == nil {
		s.logger.Warn("confirm returned no session")
		return &Result{Redirect: navigation.PathError}
	}

	user := &resp.Session.User
	profile := s.lookupProfile(ctx, user.ID)
	return &Result{
		Redirect: navigation.ConfirmLandingPath(profile),
		User:     user,
		Profile:  profile,
		SignedIn: true,
	}
}

// SignOut はサインアウトする。IdP側の失効に失敗してもローカル状態は破棄されるため、エラーはログのみとする。
func (s *Service) SignOut(ctx context.Context, client IdentityClient) {
	if err := client.SignOut(ctx); err != nil {
		s.logger.Warn("sign-out completed locally but remote revocation failed",
			slog.String("error", err.Error()),
		)
	}
}

func (s *Service) lookupProfile(ctx context.Context, userID string) *model.UserProfile {
	profile, err := s.profiles.FindByID(ctx, userID)
	if err != nil {
		s.logger.Error("failed to fetch profile after sign-in",
			slog.String("user_id", userID),
			slog.String("error", err.Error()),
		)
		return nil
	}
	return profile
}

func validateCredentials(email, password string) error {
	if strings.TrimSpace(email) == "" || password == "" {
		return model.NewInvalidInputError("email and password are required")
	}
	if _, err := mail.ParseAddress(email); err != nil {
		return model.NewInvalidInputError("email address is invalid")
	}
	return nil
}

// toAPIError はIdPのエラーメッセージをそのまま利用者に返すAPIErrorに変換する。
func toAPIError(err error) error {
	var ae *identity.AuthError
	if errors.As(err, &ae) {
		return model.NewAuthFailedError(ae.Message)
	}
	return fmt.Errorf("identity provider request failed: %w", err)
}
