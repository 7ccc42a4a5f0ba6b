package state

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

const defaultFlushInterval = time.Second

// KV is the debounced, path-scoped key/value store every processor keeps its
// state in. Writes land in memory immediately; dirty paths are flushed to the
// backing Store on a fixed interval.
type KV struct {
	store    Store
	interval time.Duration
	log      *zap.Logger

	mu    sync.Mutex
	tree  map[string]map[string]json.RawMessage
	dirty map[string]struct{}
}

func NewKV(store Store, interval time.Duration, log *zap.Logger) *KV {
	if interval <= 0 {
		interval = defaultFlushInterval
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &KV{
		store:    store,
		interval: interval,
		log:      log,
		tree:     make(map[string]map[string]json.RawMessage),
		dirty:    make(map[string]struct{}),
	}
}

// Load replaces the in-memory tree with the backend contents. Unreadable or
// malformed entries are dropped and logged rather than failing startup.
func (k *KV) Load(ctx context.Context) error {
	if k.store == nil {
		return nil
	}
	keys, err := k.store.Keys(ctx)
	if err != nil {
		k.log.Warn("state load failed, starting empty", zap.Error(err))
		return fmt.Errorf("list keys: %w", ErrPersistence)
	}
	tree := make(map[string]map[string]json.RawMessage, len(keys))
	for _, path := range keys {
		raw, ok, err := k.store.Get(ctx, path)
		if err != nil {
			k.log.Warn("state entry unreadable", zap.String("path", path), zap.Error(err))
			continue
		}
		if !ok || strings.TrimSpace(raw) == "" {
			continue
		}
		var node map[string]json.RawMessage
		if err := json.Unmarshal([]byte(raw), &node); err != nil {
			k.log.Warn("state entry malformed", zap.String("path", path), zap.Error(err))
			continue
		}
		tree[path] = node
	}
	k.mu.Lock()
	k.tree = tree
	k.dirty = make(map[string]struct{})
	k.mu.Unlock()
	return nil
}

func (k *KV) Scope(path string) *Scope {
	return &Scope{kv: k, path: strings.Trim(path, "/")}
}

func (k *KV) Paths() []string {
	k.mu.Lock()
	defer k.mu.Unlock()
	paths := make([]string, 0, len(k.tree))
	for path := range k.tree {
		paths = append(paths, path)
	}
	sort.Strings(paths)
	return paths
}

// Dump returns a copy of every key stored under path.
func (k *KV) Dump(path string) map[string]json.RawMessage {
	k.mu.Lock()
	defer k.mu.Unlock()
	node := k.tree[strings.Trim(path, "/")]
	out := make(map[string]json.RawMessage, len(node))
	for key, val := range node {
		out[key] = append(json.RawMessage(nil), val...)
	}
	return out
}

// Reset drops a path from memory and from the backend immediately.
func (k *KV) Reset(ctx context.Context, path string) error {
	path = strings.Trim(path, "/")
	k.mu.Lock()
	delete(k.tree, path)
	delete(k.dirty, path)
	k.mu.Unlock()
	if k.store == nil {
		return nil
	}
	if err := k.store.Delete(ctx, path); err != nil {
		return fmt.Errorf("delete %s: %w: %v", path, ErrPersistence, err)
	}
	return nil
}

// Run flushes dirty paths until ctx is done, then flushes once more.
func (k *KV) Run(ctx context.Context) {
	ticker := time.NewTicker(k.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := k.Flush(flushCtx); err != nil {
				k.log.Warn("final state flush failed", zap.Error(err))
			}
			cancel()
			return
		case <-ticker.C:
			if err := k.Flush(ctx); err != nil {
				k.log.Warn("state flush failed", zap.Error(err))
			}
		}
	}
}

// Flush writes every dirty path to the backend, one write per path.
func (k *KV) Flush(ctx context.Context) error {
	if k.store == nil {
		return nil
	}
	k.mu.Lock()
	if len(k.dirty) == 0 {
		k.mu.Unlock()
		return nil
	}
	pending := make(map[string][]byte, len(k.dirty))
	for path := range k.dirty {
		payload, err := json.Marshal(k.tree[path])
		if err != nil {
			k.mu.Unlock()
			return fmt.Errorf("encode %s: %w", path, err)
		}
		pending[path] = payload
	}
	k.dirty = make(map[string]struct{})
	k.mu.Unlock()

	var firstErr error
	for path, payload := range pending {
		if err := k.store.Set(ctx, path, string(payload)); err != nil {
			k.markDirty(path)
			if firstErr == nil {
				firstErr = fmt.Errorf("write %s: %w: %v", path, ErrPersistence, err)
			}
		}
	}
	return firstErr
}

func (k *KV) markDirty(path string) {
	k.mu.Lock()
	k.dirty[path] = struct{}{}
	k.mu.Unlock()
}

func (k *KV) get(path, key string) (json.RawMessage, bool) {
	k.mu.Lock()
	defer k.mu.Unlock()
	node, ok := k.tree[path]
	if !ok {
		return nil, false
	}
	val, ok := node[key]
	return val, ok
}

func (k *KV) set(path, key string, val json.RawMessage) {
	k.mu.Lock()
	defer k.mu.Unlock()
	node, ok := k.tree[path]
	if !ok {
		node = make(map[string]json.RawMessage)
		k.tree[path] = node
	}
	node[key] = val
	k.dirty[path] = struct{}{}
}

func (k *KV) replace(path string, node map[string]json.RawMessage) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.tree[path] = node
	k.dirty[path] = struct{}{}
}

// Scope is a handle bound to one path prefix of a KV.
type Scope struct {
	kv   *KV
	path string
}

func (s *Scope) Path() string {
	return s.path
}

func (s *Scope) Get(key string, dst any) (bool, error) {
	raw, ok := s.kv.get(s.path, key)
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return false, fmt.Errorf("decode %s/%s: %w", s.path, key, err)
	}
	return true, nil
}

func (s *Scope) Set(key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode %s/%s: %w", s.path, key, err)
	}
	s.kv.set(s.path, key, raw)
	return nil
}

// Load decodes every key under the scope into dst, which is usually a struct
// whose json tags match the stored keys.
func (s *Scope) Load(dst any) (bool, error) {
	node := s.kv.Dump(s.path)
	if len(node) == 0 {
		return false, nil
	}
	raw, err := json.Marshal(node)
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return false, fmt.Errorf("decode %s: %w", s.path, err)
	}
	return true, nil
}

// Save replaces every key under the scope with the fields of value.
func (s *Scope) Save(value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode %s: %w", s.path, err)
	}
	var node map[string]json.RawMessage
	if err := json.Unmarshal(raw, &node); err != nil {
		return fmt.Errorf("encode %s: value must be an object: %w", s.path, err)
	}
	s.kv.replace(s.path, node)
	return nil
}
