package handler

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/hitoshi/medhive/internal/model"
	"github.com/hitoshi/medhive/internal/security"
	"github.com/hitoshi/medhive/internal/session"
	"github.com/hitoshi/medhive/internal/user"
)

func TestProfileHandler_Profile_Success(t *testing.T) {
	e := newTestEntry(t, testSession("u-1"), testProfile("u-1", model.RoleContributor))
	svc := &mockUserService{
		profileFn: func(ctx context.Context, userID string) (*model.UserProfile, error) {
			if userID != "u-1" {
				t.Errorf("userID = %q, want u-1", userID)
			}
			return testProfile("u-1", model.RoleContributor), nil
		},
	}

	w := httptest.NewRecorder()
	NewProfileHandler(svc, nil).Profile(w, withSnapshot(httptest.NewRequest(http.MethodGet, "/api/profile", nil), e))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	body := decodeBody[profilePageResponse](t, w)
	if body.Profile.Role != "contributor" || body.Profile.RoleName == "" {
		t.Errorf("profile = %+v", body.Profile)
	}
	if body.User.Email != "u-1@example.com" {
		t.Errorf("user = %+v", body.User)
	}
}

func TestProfileHandler_Profile_NotFound(t *testing.T) {
	e := newTestEntry(t, testSession("u-1"), nil)
	svc := &mockUserService{
		profileFn: func(ctx context.Context, userID string) (*model.UserProfile, error) {
			return nil, model.NewProfileNotFoundError()
		},
	}

	w := httptest.NewRecorder()
	NewProfileHandler(svc, nil).Profile(w, withSnapshot(httptest.NewRequest(http.MethodGet, "/api/profile", nil), e))

	requireErrorCode(t, w, http.StatusNotFound, model.ErrCodeProfileNotFound)
}

func TestProfileHandler_Profile_NoSnapshot_Returns401(t *testing.T) {
	w := httptest.NewRecorder()
	NewProfileHandler(&mockUserService{}, nil).Profile(w, httptest.NewRequest(http.MethodGet, "/api/profile", nil))
	requireErrorCode(t, w, http.StatusUnauthorized, model.ErrCodeUnauthorized)
}

func TestProfileHandler_Setup_UpdatesStoreAndRedirects(t *testing.T) {
	e := newTestEntry(t, testSession("u-1"), nil)
	svc := &mockUserService{
		completeSetupFn: func(ctx context.Context, userID string, in user.SetupInput) (*model.UserProfile, error) {
			if in.FullName != "Ada Lovelace" || in.Phone != "090-1234" || in.Organization != "" {
				t.Errorf("input = %+v", in)
			}
			p := &model.UserProfile{ID: userID, Role: model.RoleUser, FullName: model.StringPtr(in.FullName), Phone: model.StringPtr(in.Phone)}
			e.profiles.put(p)
			return p, nil
		},
	}

	req := httptest.NewRequest(http.MethodPut, "/api/profile/setup", jsonBody(t, map[string]string{
		"full_name": "Ada Lovelace", "phone": "090-1234",
	}))
	w := httptest.NewRecorder()
	NewProfileHandler(svc, nil).Setup(w, withSnapshot(req, e))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d (body: %s)", w.Code, w.Body.String())
	}
	body := decodeBody[setupResponse](t, w)
	if body.Redirect != "/user-profile" {
		t.Errorf("redirect = %q, want /user-profile", body.Redirect)
	}
	if body.Profile.NeedsOnboarding {
		t.Error("セットアップ後はオンボーディング不要であるべき")
	}
	if e.Store.Current().State != session.StateAuthenticatedProfiled {
		t.Errorf("State = %s, want %s", e.Store.Current().State, session.StateAuthenticatedProfiled)
	}
}

func TestProfileHandler_Setup_ValidationError(t *testing.T) {
	e := newTestEntry(t, testSession("u-1"), nil)
	svc := &mockUserService{
		completeSetupFn: func(ctx context.Context, userID string, in user.SetupInput) (*model.UserProfile, error) {
			return nil, model.NewInvalidInputError("phone is required")
		},
	}

	req := httptest.NewRequest(http.MethodPut, "/api/profile/setup", jsonBody(t, map[string]string{"full_name": "Ada"}))
	w := httptest.NewRecorder()
	NewProfileHandler(svc, nil).Setup(w, withSnapshot(req, e))

	requireErrorCode(t, w, http.StatusBadRequest, model.ErrCodeInvalidInput)
}

func TestProfileHandler_Setup_UnknownFieldRejected(t *testing.T) {
	e := newTestEntry(t, testSession("u-1"), nil)
	req := httptest.NewRequest(http.MethodPut, "/api/profile/setup", jsonBody(t, map[string]string{
		"full_name": "Ada", "phone": "090", "role": "admin",
	}))
	w := httptest.NewRecorder()
	NewProfileHandler(&mockUserService{}, nil).Setup(w, withSnapshot(req, e))

	requireErrorCode(t, w, http.StatusBadRequest, model.ErrCodeInvalidInput)
}

func TestProfileHandler_Avatar_ProxiesImage(t *testing.T) {
	e := newTestEntry(t, testSession("u-1"), nil)
	png := []byte("\x89PNG\r\n\x1a\nrest")
	fetcher := &mockAvatarFetcher{
		fetchFn: func(ctx context.Context, rawURL string) (*security.Avatar, error) {
			if rawURL != "https://cdn.example.com/u-1.png" {
				t.Errorf("rawURL = %q", rawURL)
			}
			return &security.Avatar{ContentType: "image/png", Data: png}, nil
		},
	}

	w := httptest.NewRecorder()
	NewProfileHandler(nil, fetcher).Avatar(w, withSnapshot(httptest.NewRequest(http.MethodGet, "/api/profile/avatar", nil), e))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if w.Header().Get("Content-Type") != "image/png" {
		t.Errorf("Content-Type = %q", w.Header().Get("Content-Type"))
	}
	if w.Body.String() != string(png) {
		t.Error("画像データが一致しない")
	}
}

func TestProfileHandler_Avatar_Unavailable(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{"blocked", fmt.Errorf("%w: blocked host", security.ErrAvatarUnavailable)},
		{"unexpected", errors.New("boom")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newTestEntry(t, testSession("u-1"), nil)
			fetcher := &mockAvatarFetcher{
				fetchFn: func(ctx context.Context, rawURL string) (*security.Avatar, error) { return nil, tt.err },
			}
			w := httptest.NewRecorder()
			NewProfileHandler(nil, fetcher).Avatar(w, withSnapshot(httptest.NewRequest(http.MethodGet, "/api/profile/avatar", nil), e))

			requireErrorCode(t, w, http.StatusNotFound, model.ErrCodeAvatarUnavailable)
		})
	}
}

func TestProfileHandler_Avatar_NoAvatarURL(t *testing.T) {
	sess := testSession("u-1")
	sess.User.UserMetadata = nil
	e := newTestEntry(t, sess, nil)
	fetcher := &mockAvatarFetcher{
		fetchFn: func(ctx context.Context, rawURL string) (*security.Avatar, error) {
			t.Error("アバターURLがない場合は取得しないべき")
			return nil, nil
		},
	}

	w := httptest.NewRecorder()
	NewProfileHandler(nil, fetcher).Avatar(w, withSnapshot(httptest.NewRequest(http.MethodGet, "/api/profile/avatar", nil), e))

	requireErrorCode(t, w, http.StatusNotFound, model.ErrCodeAvatarUnavailable)
}
