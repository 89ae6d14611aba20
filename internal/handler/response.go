// Package handler はHTTPハンドラーを提供する。
package handler

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/hitoshi/medhive/internal/model"
	"github.com/hitoshi/medhive/internal/navigation"
	"github.com/hitoshi/medhive/internal/session"
)

// maxJSONBodyBytes はJSONリクエストボディの上限。
const maxJSONBodyBytes = 1 << 20

// writeJSON はステータスコードとJSONボディを書き込む。
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", slog.String("error", err.Error()))
	}
}

// decodeJSON はリクエストボディをvにデコードする。
// 不正なJSONや未知のフィールドはINVALID_INPUTとして返す。
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxJSONBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return model.NewInvalidInputError("request body is too large")
		}
		if errors.Is(err, io.EOF) {
			return model.NewInvalidInputError("request body is empty")
		}
		return model.NewInvalidInputError("malformed JSON body")
	}
	return nil
}

// --- レスポンス型 ---

type userResponse struct {
	ID        string `json:"id"`
	Email     string `json:"email"`
	AvatarURL string `json:"avatar_url"`
}

type profileResponse struct {
	ID              string    `json:"id"`
	Role            string    `json:"role"`
	RoleName        string    `json:"role_name"`
	FullName        *string   `json:"full_name"`
	Phone           *string   `json:"phone"`
	Organization    *string   `json:"organization"`
	NeedsOnboarding bool      `json:"needs_onboarding"`
	CreatedAt       time.Time `json:"created_at"`
}

// sessionResponse はセッションストアのスナップショットを表す。
// トークンはブラウザに返さない。
type sessionResponse struct {
	State           string           `json:"state"`
	IsLoading       bool             `json:"is_loading"`
	User            *userResponse    `json:"user"`
	Profile         *profileResponse `json:"profile"`
	NeedsOnboarding bool             `json:"needs_onboarding"`
	ExpiresAt       *time.Time       `json:"expires_at,omitempty"`
}

// authResultResponse は認証フローの結果。フロントエンドはredirectへ遷移する。
type authResultResponse struct {
	Redirect string           `json:"redirect"`
	SignedIn bool             `json:"signed_in"`
	Session  *sessionResponse `json:"session,omitempty"`
}

type modelResponse struct {
	ID             string     `json:"id"`
	Name           string     `json:"name"`
	Status         string     `json:"status"`
	Accuracy       *float64   `json:"accuracy"`
	F1Score        *float64   `json:"f1_score"`
	PrecisionScore *float64   `json:"precision_score"`
	RecallScore    *float64   `json:"recall_score"`
	Approved       bool       `json:"approved"`
	ApprovedBy     *string    `json:"approved_by"`
	ApprovedAt     *time.Time `json:"approved_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

type datasetResponse struct {
	ID           string          `json:"id"`
	Name         string          `json:"name"`
	Description  string          `json:"description"`
	DataProvider string          `json:"data_provider"`
	SizeBytes    int64           `json:"size_bytes"`
	NumSamples   int64           `json:"num_samples"`
	DataType     string          `json:"data_type"`
	Metadata     json.RawMessage `json:"metadata,omitempty"`
	Status       string          `json:"status"`
	ReviewedBy   *string         `json:"reviewed_by"`
	ReviewedAt   *time.Time      `json:"reviewed_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

type pageResponse[T any] struct {
	Items      []T    `json:"items"`
	NextCursor string `json:"next_cursor,omitempty"`
	HasMore    bool   `json:"has_more"`
}

// --- 変換 ---

func toUserResponse(u *model.AuthUser) *userResponse {
	if u == nil {
		return nil
	}
	return &userResponse{
		ID:        u.ID,
		Email:     u.Email,
		AvatarURL: navigation.AvatarURL(u),
	}
}

func toProfileResponse(p *model.UserProfile) *profileResponse {
	if p == nil {
		return nil
	}
	return &profileResponse{
		ID:              p.ID,
		Role:            string(p.Role),
		RoleName:        p.Role.DisplayName(),
		FullName:        p.FullName,
		Phone:           p.Phone,
		Organization:    p.Organization,
		NeedsOnboarding: p.NeedsOnboarding(),
		CreatedAt:       p.CreatedAt,
	}
}

func toSessionResponse(s session.Snapshot) *sessionResponse {
	resp := &sessionResponse{
		State:           string(s.State),
		IsLoading:       s.IsLoading,
		Profile:         toProfileResponse(s.Profile),
		NeedsOnboarding: s.NeedsOnboarding(),
	}
	if s.Session != nil {
		resp.User = toUserResponse(&s.Session.User)
		if !s.Session.ExpiresAt.IsZero() {
			exp := s.Session.ExpiresAt
			resp.ExpiresAt = &exp
		}
	}
	return resp
}

func toModelResponse(m *model.ModelEntry) modelResponse {
	return modelResponse{
		ID:             m.ID,
		Name:           m.Name,
		Status:         string(m.Status),
		Accuracy:       m.Accuracy,
		F1Score:        m.F1Score,
		PrecisionScore: m.PrecisionScore,
		RecallScore:    m.RecallScore,
		Approved:       m.Approved,
		ApprovedBy:     m.ApprovedBy,
		ApprovedAt:     m.ApprovedAt,
		UpdatedAt:      m.UpdatedAt,
	}
}

func toDatasetResponse(d *model.Dataset) datasetResponse {
	return datasetResponse{
		ID:           d.ID,
		Name:         d.Name,
		Description:  d.Description,
		DataProvider: d.DataProvider,
		SizeBytes:    d.SizeBytes,
		NumSamples:   d.NumSamples,
		DataType:     d.DataType,
		Metadata:     d.Metadata,
		Status:       string(d.Status),
		ReviewedBy:   d.ReviewedBy,
		ReviewedAt:   d.ReviewedAt,
		UpdatedAt:    d.UpdatedAt,
	}
}
