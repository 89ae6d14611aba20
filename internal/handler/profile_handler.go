package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/hitoshi/medhive/internal/middleware"
	"github.com/hitoshi/medhive/internal/model"
	"github.com/hitoshi/medhive/internal/navigation"
	"github.com/hitoshi/medhive/internal/security"
	"github.com/hitoshi/medhive/internal/user"
)

// UserServiceInterface はプロフィールハンドラーが必要とするサービスインターフェース。
type UserServiceInterface interface {
	Profile(ctx context.Context, userID string) (*model.UserProfile, error)
	CompleteSetup(ctx context.Context, userID string, in user.SetupInput) (*model.UserProfile, error)
}

// AvatarFetcher はアバター画像を取得する。
type AvatarFetcher interface {
	Fetch(ctx context.Context, rawURL string) (*security.Avatar, error)
}

// ProfileHandler はプロフィール関連のHTTPハンドラー。
type ProfileHandler struct {
	service UserServiceInterface
	avatars AvatarFetcher
}

// NewProfileHandler はProfileHandlerを生成する。
func NewProfileHandler(service UserServiceInterface, avatars AvatarFetcher) *ProfileHandler {
	return &ProfileHandler{
		service: service,
		avatars: avatars,
	}
}

type setupRequest struct {
	FullName     string `json:"full_name"`
	Phone        string `json:"phone"`
	Organization string `json:"organization"`
}

type setupResponse struct {
	Profile  *profileResponse `json:"profile"`
	Redirect string           `json:"redirect"`
}

type profilePageResponse struct {
	User    *userResponse    `json:"user"`
	Profile *profileResponse `json:"profile"`
}

// Profile はログイン中のユーザーのプロフィールを返す。
// GET /api/profile
func (h *ProfileHandler) Profile(w http.ResponseWriter, r *http.Request) {
	snap, ok := middleware.SnapshotFromContext(r.Context())
	if !ok || snap.Session == nil {
		middleware.WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
		return
	}

	profile, err := h.service.Profile(r.Context(), snap.UserID())
	if err != nil {
		middleware.WriteError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, profilePageResponse{
		User:    toUserResponse(&snap.Session.User),
		Profile: toProfileResponse(profile),
	})
}

// Setup はオンボーディングの入力を保存し、セッションストアのプロフィールを更新する。
// PUT /api/profile/setup
func (h *ProfileHandler) Setup(w http.ResponseWriter, r *http.Request) {
	snap, ok := middleware.SnapshotFromContext(r.Context())
	if !ok || snap.Session == nil {
		middleware.WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
		return
	}

	var req setupRequest
	if err := decodeJSON(w, r, &req); err != nil {
		middleware.WriteError(w, err)
		return
	}

	profile, err := h.service.CompleteSetup(r.Context(), snap.UserID(), user.SetupInput{
		FullName:     req.FullName,
		Phone:        req.Phone,
		Organization: req.Organization,
	})
	if err != nil {
		middleware.WriteError(w, err)
		return
	}

	// 保存したプロフィールをストアへ反映し、以降のガードで参照されるようにする
	if entry, ok := middleware.EntryFromContext(r.Context()); ok {
		entry.Store.Refresh(r.Context())
	}

	writeJSON(w, http.StatusOK, setupResponse{
		Profile:  toProfileResponse(profile),
		Redirect: navigation.LandingPath(profile),
	})
}

// Avatar はIdPのユーザーメタデータにあるアバター画像をプロキシする。
// 取得できない場合は既定画像への遷移先を含む404を返す。
// GET /api/profile/avatar
func (h *ProfileHandler) Avatar(w http.ResponseWriter, r *http.Request) {
	snap, ok := middleware.SnapshotFromContext(r.Context())
	if !ok || snap.Session == nil {
		middleware.WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
		return
	}

	avatarURL := snap.Session.User.AvatarURL()
	if avatarURL == "" {
		middleware.WriteErrorResponse(w, http.StatusNotFound, model.NewAvatarUnavailableError())
		return
	}

	avatar, err := h.avatars.Fetch(r.Context(), avatarURL)
	if err != nil {
		if !errors.Is(err, security.ErrAvatarUnavailable) {
			slog.Error("avatar fetch failed unexpectedly", slog.String("error", err.Error()))
		} else {
			slog.Warn("avatar unavailable",
				slog.String("user_id", snap.UserID()),
				slog.String("error", err.Error()),
			)
		}
		middleware.WriteErrorResponse(w, http.StatusNotFound, model.NewAvatarUnavailableError())
		return
	}

	w.Header().Set("Content-Type", avatar.ContentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(avatar.Data)))
	w.Header().Set("Cache-Control", "private, max-age=3600")
	w.WriteHeader(http.StatusOK)
	w.Write(avatar.Data)
}
