package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/hitoshi/medhive/internal/auth"
	"github.com/hitoshi/medhive/internal/catalog"
	"github.com/hitoshi/medhive/internal/identity"
	"github.com/hitoshi/medhive/internal/inference"
	"github.com/hitoshi/medhive/internal/middleware"
	"github.com/hitoshi/medhive/internal/model"
	"github.com/hitoshi/medhive/internal/security"
	"github.com/hitoshi/medhive/internal/session"
	"github.com/hitoshi/medhive/internal/user"
)

// --- セッションストアのテスト用部品 ---

// switchableSource はテストから現在のセッションを差し替えられるIdPクライアントのモック。
type switchableSource struct {
	identity.Emitter

	mu   sync.Mutex
	sess *model.Session
}

func (s *switchableSource) GetSession(ctx context.Context) (*model.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sess, nil
}

func (s *switchableSource) OnAuthStateChange(l identity.Listener) *identity.Subscription {
	return s.Subscribe(l)
}

func (s *switchableSource) set(sess *model.Session) {
	s.mu.Lock()
	s.sess = sess
	s.mu.Unlock()
}

// profileTable はユーザーIDをキーにしたProfileFinder。
type profileTable struct {
	mu   sync.Mutex
	rows map[string]*model.UserProfile
}

func (p *profileTable) FindByID(ctx context.Context, id string) (*model.UserProfile, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.rows[id], nil
}

func (p *profileTable) put(profile *model.UserProfile) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.rows == nil {
		p.rows = make(map[string]*model.UserProfile)
	}
	p.rows[profile.ID] = profile
}

type testEntry struct {
	*session.Entry
	source   *switchableSource
	profiles *profileTable
}

// newTestEntry は確定済みのセッションストアを持つEntryを生成する。
func newTestEntry(t *testing.T, sess *model.Session, profile *model.UserProfile) *testEntry {
	t.Helper()
	src := &switchableSource{sess: sess}
	profiles := &profileTable{}
	if profile != nil {
		profiles.put(profile)
	}
	store := session.NewStore(src, profiles)
	store.Start(context.Background())
	t.Cleanup(store.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := store.Wait(ctx); err != nil {
		t.Fatalf("store did not settle: %v", err)
	}
	return &testEntry{
		Entry:    &session.Entry{BrowserID: "browser-test", Store: store},
		source:   src,
		profiles: profiles,
	}
}

func testSession(userID string) *model.Session {
	return &model.Session{
		AccessToken: "access-" + userID,
		ExpiresAt:   time.Now().Add(time.Hour),
		User: model.AuthUser{
			ID:           userID,
			Email:        userID + "@example.com",
			UserMetadata: map[string]any{"avatar_url": "https://cdn.example.com/" + userID + ".png"},
		},
	}
}

func testProfile(userID string, role model.Role) *model.UserProfile {
	return &model.UserProfile{ID: userID, Role: role, FullName: model.StringPtr("Test " + userID), Phone: model.StringPtr("090")}
}

// withEntry はリクエストにEntryを注入する。
func withEntry(req *http.Request, e *testEntry) *http.Request {
	return req.WithContext(middleware.ContextWithEntry(req.Context(), e.Entry))
}

// withSnapshot はRequireSession通過後と同じコンテキストを構築する。
func withSnapshot(req *http.Request, e *testEntry) *http.Request {
	ctx := middleware.ContextWithEntry(req.Context(), e.Entry)
	ctx = middleware.ContextWithSnapshot(ctx, e.Store.Current())
	return req.WithContext(ctx)
}

func jsonBody(t *testing.T, v any) io.Reader {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("failed to marshal body: %v", err)
	}
	return bytes.NewReader(b)
}

func decodeBody[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(w.Body).Decode(&v); err != nil {
		t.Fatalf("failed to decode response: %v\nraw: %s", err, w.Body.String())
	}
	return v
}

func requireErrorCode(t *testing.T, w *httptest.ResponseRecorder, status int, code string) {
	t.Helper()
	if w.Code != status {
		t.Fatalf("status = %d, want %d (body: %s)", w.Code, status, w.Body.String())
	}
	body := decodeBody[middleware.ErrorResponseBody](t, w)
	if body.Code != code {
		t.Errorf("code = %q, want %q", body.Code, code)
	}
}

// --- サービスのモック ---

type mockAuthService struct {
	signUpFn   func(ctx context.Context, in auth.SignUpInput) (*auth.Result, error)
	signInFn   func(ctx context.Context, email, password string) (*auth.Result, error)
	oauthURLFn func(ctx context.Context, provider string) (string, error)
	confirmFn  func(ctx context.Context, in auth.ConfirmInput) *auth.Result
	signOutFn  func(ctx context.Context)
}

func (m *mockAuthService) SignUp(ctx context.Context, _ auth.IdentityClient, in auth.SignUpInput) (*auth.Result, error) {
	return m.signUpFn(ctx, in)
}

func (m *mockAuthService) SignIn(ctx context.Context, _ auth.IdentityClient, email, password string) (*auth.Result, error) {
	return m.signInFn(ctx, email, password)
}

func (m *mockAuthService) OAuthURL(ctx context.Context, _ auth.IdentityClient, provider string) (string, error) {
	return m.oauthURLFn(ctx, provider)
}

func (m *mockAuthService) Confirm(ctx context.Context, _ auth.IdentityClient, in auth.ConfirmInput) *auth.Result {
	return m.confirmFn(ctx, in)
}

func (m *mockAuthService) SignOut(ctx context.Context, _ auth.IdentityClient) {
	if m.signOutFn != nil {
		m.signOutFn(ctx)
	}
}

type mockUserService struct {
	profileFn       func(ctx context.Context, userID string) (*model.UserProfile, error)
	completeSetupFn func(ctx context.Context, userID string, in user.SetupInput) (*model.UserProfile, error)
}

func (m *mockUserService) Profile(ctx context.Context, userID string) (*model.UserProfile, error) {
	return m.profileFn(ctx, userID)
}

func (m *mockUserService) CompleteSetup(ctx context.Context, userID string, in user.SetupInput) (*model.UserProfile, error) {
	return m.completeSetupFn(ctx, userID, in)
}

type mockAvatarFetcher struct {
	fetchFn func(ctx context.Context, rawURL string) (*security.Avatar, error)
}

func (m *mockAvatarFetcher) Fetch(ctx context.Context, rawURL string) (*security.Avatar, error) {
	return m.fetchFn(ctx, rawURL)
}

type mockInferenceService struct {
	breastCancerFn func(ctx context.Context, f inference.Features) (*inference.Prediction, error)
	pneumoniaFn    func(ctx context.Context, filename string, image io.Reader) (*inference.Prediction, error)
	symptomsFn     func(ctx context.Context, history []inference.ChatTurn, message string) (string, error)
	dataAgentFn    func(ctx context.Context, message string, file *inference.Upload) (string, error)
	healthFn       func(ctx context.Context) []inference.HealthStatus
	maxUpload      int64
}

func (m *mockInferenceService) PredictBreastCancer(ctx context.Context, f inference.Features) (*inference.Prediction, error) {
	return m.breastCancerFn(ctx, f)
}

func (m *mockInferenceService) PredictPneumonia(ctx context.Context, filename string, image io.Reader) (*inference.Prediction, error) {
	return m.pneumoniaFn(ctx, filename, image)
}

func (m *mockInferenceService) AnalyzeSymptoms(ctx context.Context, history []inference.ChatTurn, message string) (string, error) {
	return m.symptomsFn(ctx, history, message)
}

func (m *mockInferenceService) AskDataAgent(ctx context.Context, message string, file *inference.Upload) (string, error) {
	return m.dataAgentFn(ctx, message, file)
}

func (m *mockInferenceService) CheckHealth(ctx context.Context) []inference.HealthStatus {
	return m.healthFn(ctx)
}

func (m *mockInferenceService) MaxUploadBytes() int64 {
	if m.maxUpload == 0 {
		return 1 << 20
	}
	return m.maxUpload
}

type mockCatalogService struct {
	listModelsFn     func(ctx context.Context, f catalog.ModelFilter) (*catalog.ModelPage, error)
	approveModelFn   func(ctx context.Context, adminID, id string) (*model.ModelEntry, error)
	retrainModelFn   func(ctx context.Context, id string) (*model.ModelEntry, error)
	listDatasetsFn   func(ctx context.Context, f catalog.DatasetFilter) (*catalog.DatasetPage, error)
	approveDatasetFn func(ctx context.Context, adminID, id string) (*model.Dataset, error)
	rejectDatasetFn  func(ctx context.Context, adminID, id string) (*model.Dataset, error)
	submitDatasetFn  func(ctx context.Context, providerID string, in catalog.DatasetSubmission) (*model.Dataset, error)
}

func (m *mockCatalogService) ListModels(ctx context.Context, f catalog.ModelFilter) (*catalog.ModelPage, error) {
	return m.listModelsFn(ctx, f)
}

func (m *mockCatalogService) ApproveModel(ctx context.Context, adminID, id string) (*model.ModelEntry, error) {
	return m.approveModelFn(ctx, adminID, id)
}

func (m *mockCatalogService) RetrainModel(ctx context.Context, id string) (*model.ModelEntry, error) {
	return m.retrainModelFn(ctx, id)
}

func (m *mockCatalogService) ListDatasets(ctx context.Context, f catalog.DatasetFilter) (*catalog.DatasetPage, error) {
	return m.listDatasetsFn(ctx, f)
}

func (m *mockCatalogService) ApproveDataset(ctx context.Context, adminID, id string) (*model.Dataset, error) {
	return m.approveDatasetFn(ctx, adminID, id)
}

func (m *mockCatalogService) RejectDataset(ctx context.Context, adminID, id string) (*model.Dataset, error) {
	return m.rejectDatasetFn(ctx, adminID, id)
}

func (m *mockCatalogService) SubmitDataset(ctx context.Context, providerID string, in catalog.DatasetSubmission) (*model.Dataset, error) {
	return m.submitDatasetFn(ctx, providerID, in)
}
