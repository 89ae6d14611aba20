package handler

import (
	"net/http"
	"time"

	"github.com/hitoshi/medhive/internal/middleware"
	"github.com/hitoshi/medhive/internal/navigation"
)

// NavHandler はロールに応じたナビゲーションを返すハンドラー。
type NavHandler struct {
	waitTimeout time.Duration
}

// NewNavHandler はNavHandlerを生成する。
func NewNavHandler(waitTimeout time.Duration) *NavHandler {
	return &NavHandler{waitTimeout: waitTimeout}
}

type navResponse struct {
	navigation.Menu
	SignedIn  bool          `json:"signed_in"`
	IsLoading bool          `json:"is_loading"`
	User      *userResponse `json:"user"`
}

// Nav はナビゲーションバーのリンク一式を返す。
// プロフィール読み込み前や未ログインの場合は一般ユーザーのリンクを返す。
// GET /api/nav
func (h *NavHandler) Nav(w http.ResponseWriter, r *http.Request) {
	entry, ok := entryFrom(w, r)
	if !ok {
		return
	}

	snap, err := middleware.WaitSnapshot(r.Context(), entry, h.waitTimeout)
	if err != nil {
		snap = entry.Store.Current()
	}

	resp := navResponse{
		Menu:      navigation.Links(snap.Role()),
		SignedIn:  snap.Session != nil,
		IsLoading: snap.IsLoading,
	}
	if snap.Session != nil {
		resp.User = toUserResponse(&snap.Session.User)
	}
	writeJSON(w, http.StatusOK, resp)
}
