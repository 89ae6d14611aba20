package session

import "github.com/hitoshi/medhive/internal/model"

// State はセッションストアの状態を表す。
type State string

const (
	// StateUninitialized はStart前の状態。
	StateUninitialized State = "uninitialized"
	// StateLoading はセッション・プロフィールを取得中の状態。
	StateLoading State = "loading"
	// StateAuthenticatedProfiled はセッションとプロフィールの両方がある状態。
	StateAuthenticatedProfiled State = "authenticated_profiled"
	// StateAuthenticatedUnprofiled はセッションはあるがプロフィールがない状態（オンボーディング前）。
	StateAuthenticatedUnprofiled State = "authenticated_unprofiled"
	// StateUnauthenticated はセッションがない状態。
	StateUnauthenticated State = "unauthenticated"
)

// settledState は取得結果から確定後の状態を求める。
func settledState(sess *model.Session, profile *model.UserProfile) State {
	switch {
	case sess == nil:
		return StateUnauthenticated
	case profile == nil:
		return StateAuthenticatedUnprofiled
	default:
		return StateAuthenticatedProfiled
	}
}

// Snapshot はセッションストアが公開する値。
// SessionとProfileは読み取り専用として扱うこと。
type Snapshot struct {
	Session   *model.Session
	Profile   *model.UserProfile
	IsLoading bool
	State     State
}

// UserID はセッションのユーザーIDを返す。セッションがない場合は空文字列。
func (s Snapshot) UserID() string {
	if s.Session == nil {
		return ""
	}
	return s.Session.User.ID
}

// Role はプロフィールのRoleを返す。プロフィールがない場合はnil。
func (s Snapshot) Role() *model.Role {
	if s.Profile == nil {
		return nil
	}
	r := s.Profile.Role
	return &r
}

// NeedsOnboarding はセッションがあり、プロフィールが未作成または未完了かどうかを返す。
func (s Snapshot) NeedsOnboarding() bool {
	return s.Session != nil && s.Profile.NeedsOnboarding()
}
