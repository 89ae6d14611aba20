package identity

import (
	"sync"

	"github.com/hitoshi/medhive/internal/model"
)

// Event は認証状態変化イベントの種別を表す。
type Event string

const (
	// EventSignedIn はサインイン（サインアップ・OAuth・OTP確認を含む）完了時に発行される。
	EventSignedIn Event = "SIGNED_IN"
	// EventSignedOut はサインアウト時、またはセッションが失効した時に発行される。
	EventSignedOut Event = "SIGNED_OUT"
	// EventTokenRefreshed はリフレッシュトークンでセッションを更新した時に発行される。
	EventTokenRefreshed Event = "TOKEN_REFRESHED"
)

// Listener は認証状態変化を受け取るコールバック。
// セッションなしのイベントではsessionがnilになる。
type Listener func(event Event, session *model.Session)

// Emitter は認証状態変化の購読者を管理する。
// ゼロ値で使用できる。
type Emitter struct {
	mu        sync.Mutex
	nextID    uint64
	listeners map[uint64]Listener
}

// Subscription はOnAuthStateChangeの購読ハンドル。
type Subscription struct {
	id      uint64
	emitter *Emitter
	once    sync.Once
}

// Subscribe はリスナーを登録する。
func (e *Emitter) Subscribe(l Listener) *Subscription {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.listeners == nil {
		e.listeners = make(map[uint64]Listener)
	}
	e.nextID++
	e.listeners[e.nextID] = l
	return &Subscription{id: e.nextID, emitter: e}
}

// Emit は登録済みの全リスナーにイベントを通知する。
// リスナーはロック外で呼び出すため、リスナー内で購読解除してもデッドロックしない。
func (e *Emitter) Emit(event Event, session *model.Session) {
	e.mu.Lock()
	targets := make([]Listener, 0, len(e.listeners))
	for _, l := range e.listeners {
		targets = append(targets, l)
	}
	e.mu.Unlock()

	for _, l := range targets {
		l(event, session)
	}
}

// Len は登録中のリスナー数を返す。
func (e *Emitter) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.listeners)
}

// Unsubscribe は購読を解除する。複数回呼び出しても安全。
func (s *Subscription) Unsubscribe() {
	if s == nil || s.emitter == nil {
		return
	}
	s.once.Do(func() {
		s.emitter.mu.Lock()
		delete(s.emitter.listeners, s.id)
		s.emitter.mu.Unlock()
	})
}
