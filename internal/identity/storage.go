package identity

import (
	"context"
	"sync"
	"time"
)

// Storage はIdPセッションとPKCE検証子を永続化するキー・バリューストア。
// 該当キーが存在しない場合、GetItemはnil, nilを返す。
type Storage interface {
	GetItem(ctx context.Context, key string) ([]byte, error)
	SetItem(ctx context.Context, key string, value []byte, expiresAt time.Time) error
	RemoveItem(ctx context.Context, key string) error
}

// MemoryStorage はプロセス内メモリに保持するStorage実装。
// 開発環境とテストで使用する。
type MemoryStorage struct {
	mu    sync.Mutex
	items map[string]memoryItem
	now   func() time.Time
}

type memoryItem struct {
	value     []byte
	expiresAt time.Time
}

// NewMemoryStorage はMemoryStorageを生成する。
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		items: make(map[string]memoryItem),
		now:   time.Now,
	}
}

// GetItem はキーに対応する値を返す。期限切れの値は削除してnilを返す。
func (s *MemoryStorage) GetItem(_ context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	item, ok := s.items[key]
	if !ok {
		return nil, nil
	}
	if !item.expiresAt.IsZero() && !s.now().Before(item.expiresAt) {
		delete(s.items, key)
		return nil, nil
	}
	out := make([]byte, len(item.value))
	copy(out, item.value)
	return out, nil
}

// SetItem は値を保存する。expiresAtがゼロ値の場合は期限なし。
func (s *MemoryStorage) SetItem(_ context.Context, key string, value []byte, expiresAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	v := make([]byte, len(value))
	copy(v, value)
	s.items[key] = memoryItem{value: v, expiresAt: expiresAt}
	return nil
}

// RemoveItem は値を削除する。存在しないキーはエラーにしない。
func (s *MemoryStorage) RemoveItem(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.items, key)
	return nil
}

// compile-time interface check
var _ Storage = (*MemoryStorage)(nil)
