package middleware

import (
	"log/slog"
	"math"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/hitoshi/medhive/internal/model"
)

// レート制限のバケット名。
const (
	LimitGeneral   = "general"
	LimitAuth      = "auth"
	LimitInference = "inference"
	// LimitBrowserMint はブラウザCookieを持たないリクエストをIPごとに数える。
	LimitBrowserMint = "browser_mint"
)

// defaultBrowserMintPerMinute はBrowserMintPerMinute未指定時の上限。
const defaultBrowserMintPerMinute = 30

// RateLimiterConfig はレート制限の設定を保持する。
// 各値は1分あたりのリクエスト数で、バーストサイズも同じ値とする。
type RateLimiterConfig struct {
	GeneralPerMinute   int
	AuthPerMinute      int
	InferencePerMinute int
	// BrowserMintPerMinute は1つのIPが新しいブラウザセッションを発行させられる回数。
	BrowserMintPerMinute int
	CleanupInterval      time.Duration // 期限切れエントリのクリーンアップ間隔
}

// DefaultRateLimiterConfig はデフォルトのレート制限設定を返す。
// API全般 120 req/min、認証 10 req/min、推論 20 req/min、ブラウザセッション発行 30 req/min
func DefaultRateLimiterConfig() RateLimiterConfig {
	return RateLimiterConfig{
		GeneralPerMinute:     120,
		AuthPerMinute:        10,
		InferencePerMinute:   20,
		BrowserMintPerMinute: defaultBrowserMintPerMinute,
		CleanupInterval:      5 * time.Minute,
	}
}

// keyLimiter はキーごとのレートリミッターとアクセス時刻を保持する。
type keyLimiter struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// limiterSet は1種類のレート制限についてキーごとのリミッターを管理する。
type limiterSet struct {
	name  string
	limit rate.Limit
	burst int

	mu       sync.Mutex
	limiters map[string]*keyLimiter
}

func newLimiterSet(name string, perMinute int) *limiterSet {
	if perMinute <= 0 {
		perMinute = 1
	}
	return &limiterSet{
		name:     name,
		limit:    rate.Limit(float64(perMinute) / 60.0),
		burst:    perMinute,
		limiters: make(map[string]*keyLimiter),
	}
}

// get はキーのリミッターを取得または作成する。
func (s *limiterSet) get(key string, now time.Time) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()

	if kl, ok := s.limiters[key]; ok {
		kl.lastAccess = now
		return kl.limiter
	}
	l := rate.NewLimiter(s.limit, s.burst)
	s.limiters[key] = &keyLimiter{limiter: l, lastAccess: now}
	return l
}

func (s *limiterSet) evict(now time.Time, ttl time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, kl := range s.limiters {
		if now.Sub(kl.lastAccess) > ttl {
			delete(s.limiters, key)
		}
	}
}

func (s *limiterSet) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.limiters)
}

// RateLimiter はユーザーごとのレート制限を管理する。
// 認証済みリクエストはユーザーID、未認証リクエストはブラウザIDをキーとする。
type RateLimiter struct {
	config RateLimiterConfig
	sets   map[string]*limiterSet

	stopCh chan struct{}
	once   sync.Once
}

// NewRateLimiter は新しいRateLimiterを生成する。
// バックグラウンドで期限切れエントリのクリーンアップを開始する。
func NewRateLimiter(config RateLimiterConfig) *RateLimiter {
	if config.CleanupInterval <= 0 {
		config.CleanupInterval = 5 * time.Minute
	}
	if config.BrowserMintPerMinute <= 0 {
		config.BrowserMintPerMinute = defaultBrowserMintPerMinute
	}
	rl := &RateLimiter{
		config: config,
		sets: map[string]*limiterSet{
			LimitGeneral:   newLimiterSet(LimitGeneral, config.GeneralPerMinute),
			LimitAuth:      newLimiterSet(LimitAuth, config.AuthPerMinute),
			LimitInference: newLimiterSet(LimitInference, config.InferencePerMinute),

			LimitBrowserMint: newLimiterSet(LimitBrowserMint, config.BrowserMintPerMinute),
		},
		stopCh: make(chan struct{}),
	}

	go rl.cleanupLoop()

	return rl
}

// Stop はクリーンアップのバックグラウンドゴルーチンを停止する。
func (rl *RateLimiter) Stop() {
	rl.once.Do(func() { close(rl.stopCh) })
}

// GeneralMiddleware はAPI全般のレート制限ミドルウェアを返す。
func (rl *RateLimiter) GeneralMiddleware() func(next http.Handler) http.Handler {
	return rl.middleware(rl.sets[LimitGeneral])
}

// AuthMiddleware はサインアップ・サインイン用のレート制限ミドルウェアを返す。
// API全般のレート制限とは独立に動作する。
func (rl *RateLimiter) AuthMiddleware() func(next http.Handler) http.Handler {
	return rl.middleware(rl.sets[LimitAuth])
}

// InferenceMiddleware は推論エンドポイント用のレート制限ミドルウェアを返す。
func (rl *RateLimiter) InferenceMiddleware() func(next http.Handler) http.Handler {
	return rl.middleware(rl.sets[LimitInference])
}

// BrowserMintMiddleware は有効なブラウザCookieを持たないリクエストを
// リモートアドレスごとに制限する。NewBrowserSessionMiddlewareより前に配置し、
// Cookieを捨てて繰り返すクライアントがセッションエントリを量産できないようにする。
func (rl *RateLimiter) BrowserMintMiddleware() func(next http.Handler) http.Handler {
	set := rl.sets[LimitBrowserMint]
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if browserIDFromCookie(r) != "" {
				next.ServeHTTP(w, r)
				return
			}
			key := remoteIPKey(r)
			if !set.get(key, time.Now()).Allow() {
				writeRateLimitResponse(w, set.limit)
				slog.Warn("rate limit exceeded",
					slog.String("key", key),
					slog.String("limit_type", set.name),
				)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// LimiterCount は指定バケットで管理されているエントリ数を返す。
// テストおよびメトリクス用。
func (rl *RateLimiter) LimiterCount(bucket string) int {
	s, ok := rl.sets[bucket]
	if !ok {
		return 0
	}
	return s.len()
}

func (rl *RateLimiter) middleware(set *limiterSet) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := rateLimitKey(r)
			if !set.get(key, time.Now()).Allow() {
				writeRateLimitResponse(w, set.limit)
				slog.Warn("rate limit exceeded",
					slog.String("key", key),
					slog.String("limit_type", set.name),
				)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// rateLimitKey はリクエストのレート制限キーを求める。
// ユーザーID、ブラウザID、リモートアドレスの順に使用する。
func rateLimitKey(r *http.Request) string {
	if userID, err := UserIDFromContext(r.Context()); err == nil {
		return "user:" + userID
	}
	if e, ok := EntryFromContext(r.Context()); ok {
		return "browser:" + e.BrowserID
	}
	return remoteIPKey(r)
}

func remoteIPKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return "ip:" + host
}

// cleanupLoop はバックグラウンドで期限切れエントリを定期的にクリーンアップする。
func (rl *RateLimiter) cleanupLoop() {
	ticker := time.NewTicker(rl.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.cleanup(time.Now())
		case <-rl.stopCh:
			return
		}
	}
}

// cleanup は最終アクセス時刻がCleanupIntervalの2倍を超えたエントリを削除する。
func (rl *RateLimiter) cleanup(now time.Time) {
	ttl := rl.config.CleanupInterval * 2
	for _, s := range rl.sets {
		s.evict(now, ttl)
	}
}

// writeRateLimitResponse は429 Too Many Requestsレスポンスを書き込む。
// Retry-Afterヘッダーにはトークンが補充されるまでの推定秒数を設定する。
func writeRateLimitResponse(w http.ResponseWriter, r rate.Limit) {
	retryAfterSec := int(math.Ceil(1.0 / float64(r)))
	if retryAfterSec < 1 {
		retryAfterSec = 1
	}

	w.Header().Set("Retry-After", strconv.Itoa(retryAfterSec))
	WriteErrorResponse(w, http.StatusTooManyRequests, model.NewRateLimitedError())
}
