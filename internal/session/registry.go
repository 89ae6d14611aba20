package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/hitoshi/medhive/internal/identity"
	"github.com/hitoshi/medhive/internal/metrics"
)

// ClientFactory はブラウザIDに対応するIdPクライアントを生成する。
type ClientFactory func(browserID string) *identity.Client

// RegistryConfig はRegistryの設定。
type RegistryConfig struct {
	IdleTTL         time.Duration // 最終アクセスからこの時間を超えたエントリを破棄する
	CleanupInterval time.Duration // 破棄処理の実行間隔
	FetchTimeout    time.Duration // Storeの取得タイムアウト
	MaxEntries      int           // 保持するエントリの上限。超えた場合は最も古くアクセスされたものから破棄する
	Logger          *slog.Logger
	Metrics         metrics.MetricsCollector
}

// Entry は1ブラウザ分のIdPクライアントとセッションストア。
type Entry struct {
	BrowserID string
	Client    *identity.Client
	Store     *Store

	lastAccess time.Time
}

// DefaultMaxEntries はRegistryConfig.MaxEntries未指定時の上限。
const DefaultMaxEntries = 10000

// Registry はブラウザセッションCookieごとのEntryを管理する。
// エントリは初回アクセス時に生成され、一定時間アクセスがなければStoreをCloseして破棄する。
// 件数はMaxEntriesで頭打ちになり、溢れた分はLRU順に破棄する。
type Registry struct {
	config    RegistryConfig
	newClient ClientFactory
	profiles  ProfileFinder
	ctx       context.Context

	mu      sync.Mutex
	entries *lru.Cache[string, *Entry]

	now    func() time.Time
	stopCh chan struct{}
	once   sync.Once
}

// NewRegistry はRegistryを生成する。ctxは各StoreのStartに渡され、キャンセルで全取得を中断する。
func NewRegistry(ctx context.Context, newClient ClientFactory, profiles ProfileFinder, config RegistryConfig) *Registry {
	if config.MaxEntries <= 0 {
		config.MaxEntries = DefaultMaxEntries
	}
	if config.IdleTTL <= 0 {
		config.IdleTTL = 30 * time.Minute
	}
	if config.CleanupInterval <= 0 {
		config.CleanupInterval = time.Minute
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.Metrics == nil {
		config.Metrics = metrics.Nop{}
	}
	return &Registry{
		config:    config,
		newClient: newClient,
		profiles:  profiles,
		ctx:       ctx,
		entries:   newEntryCache(config.MaxEntries),
		now:       time.Now,
		stopCh:    make(chan struct{}),
	}
}

func newEntryCache(size int) *lru.Cache[string, *Entry] {
	c, err := lru.New[string, *Entry](size)
	if err != nil {
		// sizeは呼び出し側で正の値に補正済み
		panic(fmt.Sprintf("session: invalid registry size %d: %v", size, err))
	}
	return c
}

// Get はブラウザIDに対応するEntryを返す。存在しない場合は生成してStoreを開始する。
func (r *Registry) Get(browserID string) *Entry {
	r.mu.Lock()

	if e, ok := r.entries.Get(browserID); ok {
		e.lastAccess = r.now()
		r.mu.Unlock()
		return e
	}

	var displaced *Entry
	if r.entries.Len() >= r.config.MaxEntries {
		_, displaced, _ = r.entries.RemoveOldest()
	}

	client := r.newClient(browserID)
	store := NewStore(client, r.profiles,
		WithLogger(r.config.Logger.With(slog.String("browser_id", shortID(browserID)))),
		WithMetrics(r.config.Metrics),
		WithFetchTimeout(r.config.FetchTimeout),
	)
	e := &Entry{
		BrowserID:  browserID,
		Client:     client,
		Store:      store,
		lastAccess: r.now(),
	}
	r.entries.Add(browserID, e)
	store.Start(r.ctx)
	n := r.entries.Len()
	r.mu.Unlock()

	if displaced != nil {
		displaced.Store.Close()
		r.config.Logger.Warn("browser session limit reached; evicted least recently used entry",
			slog.String("evicted_browser_id", shortID(displaced.BrowserID)),
			slog.Int("max_entries", r.config.MaxEntries),
		)
	}
	r.config.Metrics.SetActiveSessions(n)
	return e
}

// Remove はエントリを破棄する。
func (r *Registry) Remove(browserID string) {
	r.mu.Lock()
	e, ok := r.entries.Peek(browserID)
	if ok {
		r.entries.Remove(browserID)
	}
	n := r.entries.Len()
	r.mu.Unlock()

	if ok {
		e.Store.Close()
		r.config.Metrics.SetActiveSessions(n)
	}
}

// Len は保持中のエントリ数を返す。
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.entries.Len()
}

// EvictIdle は最終アクセスがIdleTTLを超えたエントリを破棄し、破棄した件数を返す。
func (r *Registry) EvictIdle() int {
	now := r.now()

	r.mu.Lock()
	var evicted []*Entry
	for _, id := range r.entries.Keys() {
		e, ok := r.entries.Peek(id)
		if ok && now.Sub(e.lastAccess) > r.config.IdleTTL {
			evicted = append(evicted, e)
			r.entries.Remove(id)
		}
	}
	n := r.entries.Len()
	r.mu.Unlock()

	for _, e := range evicted {
		e.Store.Close()
	}
	if len(evicted) > 0 {
		r.config.Logger.Info("evicted idle browser sessions",
			slog.Int("evicted", len(evicted)),
			slog.Int("remaining", n),
		)
	}
	r.config.Metrics.SetActiveSessions(n)
	return len(evicted)
}

// StartCleanup はバックグラウンドで定期的にEvictIdleを実行する。
func (r *Registry) StartCleanup() {
	go r.cleanupLoop()
}

// Stop はクリーンアップを停止し、全エントリを破棄する。
func (r *Registry) Stop() {
	r.once.Do(func() { close(r.stopCh) })

	r.mu.Lock()
	entries := r.entries.Values()
	r.entries.Purge()
	r.mu.Unlock()

	for _, e := range entries {
		e.Store.Close()
	}
	r.config.Metrics.SetActiveSessions(0)
}

func (r *Registry) cleanupLoop() {
	ticker := time.NewTicker(r.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.EvictIdle()
		case <-r.stopCh:
			return
		case <-r.ctx.Done():
			return
		}
	}
}

// shortID はログ出力用にブラウザIDの先頭のみを返す。
func shortID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}
