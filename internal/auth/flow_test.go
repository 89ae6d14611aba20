package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/medhive/internal/identity"
	"github.com/hitoshi/medhive/internal/model"
	"github.com/hitoshi/medhive/internal/navigation"
	"github.com/hitoshi/medhive/internal/session"
)

// fakeIdentityProvider はサインアップとパスワードサインインのみを扱うGoTrue互換サーバー。
type fakeIdentityProvider struct {
	*httptest.Server
	mu    sync.Mutex
	users map[string]string // email -> user id
	calls map[string]int
}

func newFakeIdentityProvider(t *testing.T) *fakeIdentityProvider {
	t.Helper()
	f := &fakeIdentityProvider{
		users: make(map[string]string),
		calls: make(map[string]int),
	}
	f.Server = httptest.NewServer(http.HandlerFunc(f.serve))
	t.Cleanup(f.Close)
	return f
}

func (f *fakeIdentityProvider) status(method, path string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[method+" "+path]
}

func (f *fakeIdentityProvider) serve(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	f.calls[r.Method+" "+r.URL.Path]++
	f.mu.Unlock()

	var body struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)

	switch {
	case r.URL.Path == "/signup":
		f.mu.Lock()
		id := uuid.NewString()
		f.users[body.Email] = id
		f.mu.Unlock()
		writeSession(w, id, body.Email)
	case r.URL.Path == "/token" && r.URL.Query().Get("grant_type") == "password":
		f.mu.Lock()
		id, ok := f.users[body.Email]
		f.mu.Unlock()
		if !ok {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":"invalid_grant","error_description":"Invalid login credentials"}`))
			return
		}
		writeSession(w, id, body.Email)
	case r.URL.Path == "/logout":
		w.WriteHeader(http.StatusNoContent)
	default:
		http.NotFound(w, r)
	}
}

func writeSession(w http.ResponseWriter, userID, email string) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"access_token":  "access-" + userID,
		"refresh_token": "refresh-" + userID,
		"token_type":    "bearer",
		"expires_in":    3600,
		"user":          map[string]any{"id": userID, "email": email},
	})
}

// memoryProfiles はuser_profilesテーブルのインメモリ実装。
type memoryProfiles struct {
	mu   sync.Mutex
	rows map[string]model.UserProfile
}

func newMemoryProfiles() *memoryProfiles {
	return &memoryProfiles{rows: make(map[string]model.UserProfile)}
}

func (m *memoryProfiles) FindByID(_ context.Context, id string) (*model.UserProfile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.rows[id]
	if !ok {
		return nil, nil
	}
	return &p, nil
}

func (m *memoryProfiles) Insert(_ context.Context, p *model.UserProfile) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rows[p.ID]; ok {
		return false, nil
	}
	row := *p
	row.CreatedAt = time.Now()
	m.rows[p.ID] = row
	return true, nil
}

func (m *memoryProfiles) UpsertSetup(_ context.Context, id string, fullName, phone, org *string) (*model.UserProfile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.rows[id]
	if !ok {
		row = model.UserProfile{ID: id, Role: model.RoleUser, CreatedAt: time.Now()}
	}
	row.FullName, row.Phone, row.Organization = fullName, phone, org
	m.rows[id] = row
	return &row, nil
}

// 一般ユーザーとしてサインアップした直後、ストアはプロフィール付きで確定し、
// ナビゲーションは一般ユーザー用（左側リンクなし）になる
func TestFlow_StandardSignUpShowsStandardNavigation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	idp := newFakeIdentityProvider(t)
	profiles := newMemoryProfiles()
	client := identity.NewClient(identity.Config{BaseURL: idp.URL, APIKey: "anon"}, identity.NewMemoryStorage())
	store := session.NewStore(client, profiles)
	store.Start(ctx)
	defer store.Close()

	if snap, err := store.Wait(ctx); err != nil || snap.State != session.StateUnauthenticated {
		t.Fatalf("初期状態 = (%s, %v), want unauthenticated", snap.State, err)
	}

	var buf bytes.Buffer
	svc := newTestService(profiles, &buf)
	res, err := svc.SignUp(ctx, client, SignUpInput{Email: "std@example.com", Password: "pw", UserType: UserTypeUser})
	if err != nil {
		t.Fatalf("SignUp: %v", err)
	}
	if res.Redirect != navigation.PathSetup {
		t.Errorf("Redirect = %q, want %q", res.Redirect, navigation.PathSetup)
	}

	// プロフィール作成後の取得はイベント起因の取得より新しい世代になる
	snap := store.Refresh(ctx)
	if snap.State != session.StateAuthenticatedProfiled {
		t.Fatalf("State = %s, want %s", snap.State, session.StateAuthenticatedProfiled)
	}
	if snap.Profile.ID != snap.Session.User.ID {
		t.Errorf("profile.ID = %q, session user = %q", snap.Profile.ID, snap.Session.User.ID)
	}
	if !snap.NeedsOnboarding() {
		t.Error("氏名未入力のためオンボーディングが必要であるべき")
	}

	menu := navigation.Links(snap.Role())
	if len(menu.Links) != 0 {
		t.Errorf("一般ユーザーの左側リンクは空であるべき: %+v", menu.Links)
	}
	if len(menu.RightLinks) != 2 {
		t.Errorf("右側リンクはHOMEとABOUTであるべき: %+v", menu.RightLinks)
	}

	// サインアウトでストアは即座に未認証になる
	svc.SignOut(ctx, client)
	if cur := store.Current(); cur.State != session.StateUnauthenticated || cur.Session != nil || cur.Profile != nil {
		t.Errorf("サインアウト後の状態 = %+v", cur)
	}
}

// 同じ資格情報で再度サインインすると、データ提供者はプロバイダー画面に遷移する
func TestFlow_ProviderSignUpThenSignIn(t *testing.T) {
	ctx := context.Background()
	idp := newFakeIdentityProvider(t)
	profiles := newMemoryProfiles()
	newClient := func() *identity.Client {
		return identity.NewClient(identity.Config{BaseURL: idp.URL}, identity.NewMemoryStorage())
	}

	var buf bytes.Buffer
	svc := newTestService(profiles, &buf)
	if _, err := svc.SignUp(ctx, newClient(), SignUpInput{
		Email: "prov@example.com", Password: "pw", UserType: UserTypeDataProvider,
		FullName: "Grace", Phone: "+1", Organization: "Lab",
	}); err != nil {
		t.Fatalf("SignUp: %v", err)
	}

	res, err := svc.SignIn(ctx, newClient(), "prov@example.com", "pw")
	if err != nil {
		t.Fatalf("SignIn: %v", err)
	}
	if res.Redirect != navigation.PathProviderLanding {
		t.Errorf("Redirect = %q, want %q", res.Redirect, navigation.PathProviderLanding)
	}

	_, err = svc.SignIn(ctx, newClient(), "unknown@example.com", "pw")
	requireAPIErrorCode(t, err, model.ErrCodeAuthFailed)
}
