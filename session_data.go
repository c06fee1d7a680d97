package kvsession

import (
	"reflect"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// SessionData 会话的可变实现, 可并发使用
type SessionData struct {
	mu sync.RWMutex

	id                  string
	creationTime        time.Time
	lastAccessedTime    time.Time
	maxInactiveInterval time.Duration
	attributes          map[string]interface{}

	dirty           bool
	intervalChanged bool   // 加载后修改过最大不活动间隔
	generation      uint64 // 每次属性变化加一
}

var _ Session = (*SessionData)(nil)

// NewSessionData 创建新会话, 时间精确到毫秒 (与存储一致)
func NewSessionData(id string, now time.Time, maxInactive time.Duration) *SessionData {
	now = truncateMillis(now)
	return &SessionData{
		id:                  id,
		creationTime:        now,
		lastAccessedTime:    now,
		maxInactiveInterval: maxInactive,
		attributes:          make(map[string]interface{}),
	}
}

func truncateMillis(t time.Time) time.Time {
	return time.UnixMilli(t.UnixMilli())
}

func (s *SessionData) ID() string {
	return s.id
}

func (s *SessionData) Get(name string) (interface{}, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.attributes[name]
	return v, ok
}

// Set 新值与旧值不相等时标记为脏
func (s *SessionData) Set(name string, value interface{}) {
	if value == nil {
		s.Delete(name)
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	old, ok := s.attributes[name]
	s.attributes[name] = value
	if !ok || !attributesEqual(old, value) {
		s.markDirty()
	}
}

// Delete 属性存在时才标记为脏
func (s *SessionData) Delete(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.attributes[name]; !ok {
		return
	}
	delete(s.attributes, name)
	s.markDirty()
}

func (s *SessionData) markDirty() {
	s.dirty = true
	s.generation++
}

func (s *SessionData) AttributeNames() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.attributes))
	for name := range s.attributes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (s *SessionData) CreationTime() time.Time {
	return s.creationTime
}

func (s *SessionData) LastAccessedTime() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastAccessedTime
}

func (s *SessionData) SetLastAccessedTime(t time.Time) {
	s.mu.Lock()
	s.lastAccessedTime = truncateMillis(t)
	s.mu.Unlock()
}

func (s *SessionData) MaxInactiveInterval() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.maxInactiveInterval
}

func (s *SessionData) SetMaxInactiveInterval(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d != s.maxInactiveInterval {
		s.maxInactiveInterval = d
		s.intervalChanged = true
	}
}

func (s *SessionData) ExpirationTime() (time.Time, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return expiration(s.lastAccessedTime, s.maxInactiveInterval)
}

func (s *SessionData) IsExpired(now time.Time) bool {
	exp, ok := s.ExpirationTime()
	return ok && !now.Before(exp)
}

func (s *SessionData) IsDirty() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.dirty
}

// ResetDirty 清除脏标记, 用于重新加载或测试
func (s *SessionData) ResetDirty() {
	s.mu.Lock()
	s.dirty = false
	s.mu.Unlock()
}

// markSaved 保存成功后调用. 快照之后又发生变化的会话保持为脏.
func (s *SessionData) markSaved(generation uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.generation == generation {
		s.dirty = false
	}
	s.intervalChanged = false
}

func (s *SessionData) Snapshot() *Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b := NewSnapshotBuilder(s.id).
		CreationTime(s.creationTime).
		LastAccessedTime(s.lastAccessedTime).
		MaxInactiveInterval(s.maxInactiveInterval).
		Dirty(s.dirty)
	for name, value := range s.attributes {
		b.Attribute(name, cloneValue(value))
	}
	snap := b.Build()
	snap.generation = s.generation
	snap.intervalChanged = s.intervalChanged
	return snap
}

// 超过该深度的容器不再复制
const maxCloneDepth = 32

// cloneValue 深复制切片、数组和 map (包括 interface{} 元素中的), 其余值原样返回.
// 指针和结构体内部的切片、map 仍与原值共享.
func cloneValue(v interface{}) interface{} {
	if v == nil {
		return nil
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array, reflect.Map:
		return cloneReflect(rv, 0).Interface()
	}
	return v
}

func cloneReflect(rv reflect.Value, depth int) reflect.Value {
	if depth > maxCloneDepth {
		return rv
	}
	switch rv.Kind() {
	case reflect.Interface:
		if rv.IsNil() {
			return rv
		}
		return cloneReflect(rv.Elem(), depth)
	case reflect.Slice:
		if rv.IsNil() {
			return rv
		}
		out := reflect.MakeSlice(rv.Type(), rv.Len(), rv.Len())
		for i := 0; i < rv.Len(); i++ {
			out.Index(i).Set(cloneReflect(rv.Index(i), depth+1))
		}
		return out
	case reflect.Array:
		out := reflect.New(rv.Type()).Elem()
		for i := 0; i < rv.Len(); i++ {
			out.Index(i).Set(cloneReflect(rv.Index(i), depth+1))
		}
		return out
	case reflect.Map:
		if rv.IsNil() {
			return rv
		}
		out := reflect.MakeMapWithSize(rv.Type(), rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			out.SetMapIndex(iter.Key(), cloneReflect(iter.Value(), depth+1))
		}
		return out
	}
	return rv
}

func expiration(lastAccessed time.Time, interval time.Duration) (time.Time, bool) {
	if interval <= 0 {
		return time.Time{}, false
	}
	return lastAccessed.Add(interval), true
}

// ----------------------------------------------------------------------------
// 属性比较

// attributesEqual 深度比较, 原子类型按持有的值比较, map 逐项按同一规则比较
func attributesEqual(a, b interface{}) bool {
	if av, ok := atomicValue(a); ok {
		bv, ok := atomicValue(b)
		return ok && av == bv
	}
	if _, ok := atomicValue(b); ok {
		return false
	}

	ra, rb := reflect.ValueOf(a), reflect.ValueOf(b)
	if ra.IsValid() && rb.IsValid() && ra.Kind() == reflect.Map && ra.Type() == rb.Type() {
		if ra.IsNil() != rb.IsNil() || ra.Len() != rb.Len() {
			return false
		}
		iter := ra.MapRange()
		for iter.Next() {
			bv := rb.MapIndex(iter.Key())
			if !bv.IsValid() || !attributesEqual(iter.Value().Interface(), bv.Interface()) {
				return false
			}
		}
		return true
	}
	return reflect.DeepEqual(a, b)
}

func atomicValue(v interface{}) (interface{}, bool) {
	switch a := v.(type) {
	case *atomic.Int32:
		if a != nil {
			return a.Load(), true
		}
	case *atomic.Int64:
		if a != nil {
			return a.Load(), true
		}
	case *atomic.Uint32:
		if a != nil {
			return a.Load(), true
		}
	case *atomic.Uint64:
		if a != nil {
			return a.Load(), true
		}
	case *atomic.Bool:
		if a != nil {
			return a.Load(), true
		}
	}
	return nil, false
}
