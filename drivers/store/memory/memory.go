package memory

import (
	"sync"
	"time"

	"github.com/Fischlvor/go-toolguard/cache"
	"github.com/Fischlvor/go-toolguard/drivers/algorithm"
)

// Store 进程内存储
//
// 默认不清理任何key的窗口状态，key的数量随调用方身份增长。
// 指定 maxKeys 后改用LRU保存，超出时淘汰最久未使用的key。
type Store struct {
	mu      sync.Mutex
	windows map[string]algorithm.Window
	lru     *cache.LRU[string, algorithm.Window]
}

// NewStore 创建内存存储，maxKeys <= 0 表示不限制key数量
func NewStore(maxKeys int) *Store {
	if maxKeys > 0 {
		lru, err := cache.New[string, algorithm.Window](maxKeys)
		if err == nil {
			return &Store{lru: lru}
		}
	}
	return &Store{windows: make(map[string]algorithm.Window)}
}

// Load 读取窗口状态
func (s *Store) Load(key string) (algorithm.Window, bool, error) {
	if s.lru != nil {
		w, ok := s.lru.Get(key)
		return w, ok, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.windows[key]
	return w, ok, nil
}

// Save 保存窗口状态。过期的窗口由限流器整体替换，ttl 在内存存储中不使用。
func (s *Store) Save(key string, w algorithm.Window, _ time.Duration) error {
	if s.lru != nil {
		s.lru.Set(key, w)
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.windows[key] = w
	return nil
}

// Len 当前保存的key数量
func (s *Store) Len() int {
	if s.lru != nil {
		return s.lru.Size()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.windows)
}

// Close 释放存储
func (s *Store) Close() error {
	if s.lru != nil {
		s.lru.Close()
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.windows = make(map[string]algorithm.Window)
	return nil
}
