// Package session はブラウザセッションごとの認証セッション・プロフィールのキャッシュを提供する。
package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/hitoshi/medhive/internal/identity"
	"github.com/hitoshi/medhive/internal/metrics"
	"github.com/hitoshi/medhive/internal/model"
)

// ErrClosed はClose済みのStoreに対する待機で返される。
var ErrClosed = errors.New("session store is closed")

// Source はセッションの取得元（IdPクライアント）。
type Source interface {
	GetSession(ctx context.Context) (*model.Session, error)
	OnAuthStateChange(l identity.Listener) *identity.Subscription
}

// ProfileFinder はユーザーIDでプロフィールを検索する。
// 該当なしの場合はnil, nilを返す。
type ProfileFinder interface {
	FindByID(ctx context.Context, id string) (*model.UserProfile, error)
}

// Option はStoreの設定を変更する。
type Option func(*Store)

// WithLogger はロガーを設定する。
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// WithMetrics はメトリクスコレクターを設定する。
func WithMetrics(m metrics.MetricsCollector) Option {
	return func(s *Store) { s.metrics = m }
}

// WithFetchTimeout はセッション・プロフィール取得1回あたりのタイムアウトを設定する。
func WithFetchTimeout(d time.Duration) Option {
	return func(s *Store) { s.fetchTimeout = d }
}

// Store は1ブラウザ分の{セッション, プロフィール}のキャッシュ。
//
// 更新のたびに世代番号を採番し、取得結果は採番時の世代が現在の世代と一致する場合にのみ反映する。
// サインアウト後に完了した古い取得結果が、クリア済みの状態を上書きすることはない。
type Store struct {
	source       Source
	profiles     ProfileFinder
	logger       *slog.Logger
	metrics      metrics.MetricsCollector
	fetchTimeout time.Duration

	mu        sync.Mutex
	snap      Snapshot
	gen       uint64
	seq       uint64
	settled   chan struct{} // IsLoadingがfalseになった時にcloseされる
	listeners map[uint64]func(Snapshot)
	nextID    uint64
	authSub   *identity.Subscription
	started   bool
	closed    bool

	// notifyMu は購読者への通知を直列化する。
	notifyMu  sync.Mutex
	delivered uint64

	ctx    context.Context
	cancel context.CancelFunc
}

// NewStore はStoreを生成する。Startを呼ぶまでは状態はUninitializedのまま。
func NewStore(source Source, profiles ProfileFinder, opts ...Option) *Store {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Store{
		source:    source,
		profiles:  profiles,
		logger:    slog.Default(),
		metrics:   metrics.Nop{},
		snap:      Snapshot{IsLoading: true, State: StateUninitialized},
		settled:   make(chan struct{}),
		listeners: make(map[uint64]func(Snapshot)),
		ctx:       ctx,
		cancel:    cancel,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start は認証状態変化の購読を開始し、初回の取得を非同期に開始する。
// ctxがキャンセルされると進行中の取得も中断される。2回目以降の呼び出しは何もしない。
func (s *Store) Start(ctx context.Context) {
	s.mu.Lock()
	if s.started || s.closed {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.mu.Unlock()

	context.AfterFunc(ctx, s.cancel)

	sub := s.source.OnAuthStateChange(s.handleAuthEvent)
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		sub.Unsubscribe()
		return
	}
	s.authSub = sub
	s.mu.Unlock()

	s.refreshAsync()
}

// Current は最後に確定した値を返す。ブロックしない。
func (s *Store) Current() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snap
}

// Refresh はセッションを取得し、セッションがあればプロフィールも取得して反映する。
// 取得中に新しいイベントが発生した場合、この呼び出しの結果は破棄され、その時点の値を返す。
// 取得の失敗はログに記録するのみでリトライしない。
func (s *Store) Refresh(ctx context.Context) Snapshot {
	gen, ok := s.begin()
	if !ok {
		return s.Current()
	}
	return s.run(ctx, gen)
}

// Subscribe は値が変化するたびに呼ばれるコールバックを登録し、解除関数を返す。
// コールバックは通知中に呼ばれるため、RefreshやCloseを同期的に呼び出してはならない。
func (s *Store) Subscribe(fn func(Snapshot)) func() {
	s.mu.Lock()
	s.nextID++
	id := s.nextID
	s.listeners[id] = fn
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.listeners, id)
			s.mu.Unlock()
		})
	}
}

// Wait は取得が完了（IsLoadingがfalse）するまで待ち、その時点の値を返す。
func (s *Store) Wait(ctx context.Context) (Snapshot, error) {
	for {
		s.mu.Lock()
		if !s.snap.IsLoading {
			snap := s.snap
			s.mu.Unlock()
			return snap, nil
		}
		if s.closed {
			snap := s.snap
			s.mu.Unlock()
			return snap, ErrClosed
		}
		ch := s.settled
		s.mu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			return s.Current(), ctx.Err()
		}
	}
}

// Close は購読を解除し、進行中の取得を中断する。以後の取得結果は反映されない。
func (s *Store) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.gen++
	if s.settled != nil {
		close(s.settled)
		s.settled = nil
	}
	sub := s.authSub
	s.authSub = nil
	s.mu.Unlock()

	sub.Unsubscribe()
	s.cancel()
}

// handleAuthEvent はIdPの認証状態変化を処理する。
// セッションなしのイベントは即座にキャッシュをクリアし、それ以外は再取得する。
func (s *Store) handleAuthEvent(event identity.Event, sess *model.Session) {
	s.metrics.RecordAuthEvent(string(event))

	if sess != nil {
		s.refreshAsync()
		return
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.gen++
	snap := s.settleLocked(nil, nil)
	seq := s.seq
	listeners := s.listenersLocked()
	s.mu.Unlock()

	s.logger.Info("session store cleared", slog.String("event", string(event)))
	s.metrics.RecordSessionRefresh(string(StateUnauthenticated))
	s.publish(seq, snap, listeners)
}

func (s *Store) refreshAsync() {
	gen, ok := s.begin()
	if !ok {
		return
	}
	go s.run(s.ctx, gen)
}

// refreshOutcomeAbandoned は中断された取得のメトリクスラベル。
const refreshOutcomeAbandoned = "abandoned"

// begin は新しい世代を採番し、Loading状態へ遷移する。
func (s *Store) begin() (uint64, bool) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return 0, false
	}
	s.gen++
	gen := s.gen
	s.snap.IsLoading = true
	s.snap.State = StateLoading
	if s.settled == nil {
		s.settled = make(chan struct{})
	}
	s.seq++
	seq := s.seq
	snap := s.snap
	listeners := s.listenersLocked()
	s.mu.Unlock()

	s.publish(seq, snap, listeners)
	return gen, true
}

// run はセッションとプロフィールを取得し、世代が一致すれば反映する。
func (s *Store) run(ctx context.Context, gen uint64) Snapshot {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(s.ctx, cancel)
	defer stop()
	if s.fetchTimeout > 0 {
		var tcancel context.CancelFunc
		ctx, tcancel = context.WithTimeout(ctx, s.fetchTimeout)
		defer tcancel()
	}

	sess, err := s.source.GetSession(ctx)
	if ctx.Err() != nil {
		return s.abandon(gen, ctx.Err())
	}
	if err != nil {
		s.logger.Warn("failed to fetch session", slog.String("error", err.Error()))
		sess = nil
	}

	var profile *model.UserProfile
	if sess != nil {
		p, err := s.profiles.FindByID(ctx, sess.User.ID)
		switch {
		case err != nil:
			s.logger.Warn("failed to fetch profile",
				slog.String("user_id", sess.User.ID),
				slog.String("error", err.Error()),
			)
		case p != nil && p.ID != sess.User.ID:
			s.logger.Error("profile does not belong to session user; ignoring",
				slog.String("user_id", sess.User.ID),
				slog.String("profile_id", p.ID),
			)
		default:
			profile = p
		}
		if ctx.Err() != nil {
			return s.abandon(gen, ctx.Err())
		}
	}

	return s.commit(gen, sess, profile)
}

// abandon は取得が中断された場合に呼ばれる。IdPの応答ではないため値は更新せず、
// 世代が現在のものであれば取得前の値のままLoadingを解除する。
func (s *Store) abandon(gen uint64, cause error) Snapshot {
	s.mu.Lock()
	if s.closed || gen != s.gen {
		snap := s.snap
		s.mu.Unlock()
		s.metrics.RecordStaleRefreshDiscarded()
		return snap
	}
	snap := s.settleLocked(s.snap.Session, s.snap.Profile)
	seq := s.seq
	listeners := s.listenersLocked()
	s.mu.Unlock()

	s.logger.Warn("session refresh abandoned; keeping previous values",
		slog.Uint64("generation", gen),
		slog.String("error", cause.Error()),
	)
	s.metrics.RecordSessionRefresh(refreshOutcomeAbandoned)
	s.publish(seq, snap, listeners)
	return snap
}

// commit は世代が現在のものと一致する場合のみ値を反映する。
func (s *Store) commit(gen uint64, sess *model.Session, profile *model.UserProfile) Snapshot {
	s.mu.Lock()
	if s.closed || gen != s.gen {
		snap := s.snap
		s.mu.Unlock()
		s.metrics.RecordStaleRefreshDiscarded()
		s.logger.Debug("discarded stale session refresh", slog.Uint64("generation", gen))
		return snap
	}
	snap := s.settleLocked(sess, profile)
	seq := s.seq
	listeners := s.listenersLocked()
	s.mu.Unlock()

	s.metrics.RecordSessionRefresh(string(snap.State))
	s.publish(seq, snap, listeners)
	return snap
}

// settleLocked は値を確定させる。s.muを保持した状態で呼ぶこと。
func (s *Store) settleLocked(sess *model.Session, profile *model.UserProfile) Snapshot {
	s.snap = Snapshot{
		Session:   sess,
		Profile:   profile,
		IsLoading: false,
		State:     settledState(sess, profile),
	}
	if s.settled != nil {
		close(s.settled)
		s.settled = nil
	}
	s.seq++
	return s.snap
}

func (s *Store) listenersLocked() []func(Snapshot) {
	out := make([]func(Snapshot), 0, len(s.listeners))
	for _, l := range s.listeners {
		out = append(out, l)
	}
	return out
}

// publish は購読者に通知する。追い越された古い通知は配信しない。
func (s *Store) publish(seq uint64, snap Snapshot, listeners []func(Snapshot)) {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()
	if seq <= s.delivered {
		return
	}
	s.delivered = seq
	for _, l := range listeners {
		l(snap)
	}
}
