package kvsession

import (
	"sort"
	"time"
)

// Snapshot 会话在某一时刻的不可变副本, 交给异步保存使用
type Snapshot struct {
	id                  string
	creationTime        time.Time
	lastAccessedTime    time.Time
	maxInactiveInterval time.Duration
	expirationTime      time.Time
	expires             bool
	dirty               bool
	attributes          map[string]interface{}

	generation      uint64
	intervalChanged bool
}

func (s *Snapshot) ID() string                         { return s.id }
func (s *Snapshot) CreationTime() time.Time            { return s.creationTime }
func (s *Snapshot) LastAccessedTime() time.Time        { return s.lastAccessedTime }
func (s *Snapshot) MaxInactiveInterval() time.Duration { return s.maxInactiveInterval }
func (s *Snapshot) Dirty() bool                        { return s.dirty }

// ExpirationTime 永不过期时第二个返回值为 false
func (s *Snapshot) ExpirationTime() (time.Time, bool) {
	return s.expirationTime, s.expires
}

// Attribute 读取属性
func (s *Snapshot) Attribute(name string) (interface{}, bool) {
	v, ok := s.attributes[name]
	return v, ok
}

// Attributes 返回属性表的副本
func (s *Snapshot) Attributes() map[string]interface{} {
	out := make(map[string]interface{}, len(s.attributes))
	for k, v := range s.attributes {
		out[k] = v
	}
	return out
}

// AttributeNames 排序后的属性名
func (s *Snapshot) AttributeNames() []string {
	names := make([]string, 0, len(s.attributes))
	for name := range s.attributes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// SnapshotBuilder 构造 Snapshot
type SnapshotBuilder struct {
	s Snapshot
}

func NewSnapshotBuilder(id string) *SnapshotBuilder {
	return &SnapshotBuilder{s: Snapshot{id: id, attributes: make(map[string]interface{})}}
}

func (b *SnapshotBuilder) CreationTime(t time.Time) *SnapshotBuilder {
	b.s.creationTime = t
	return b
}

func (b *SnapshotBuilder) LastAccessedTime(t time.Time) *SnapshotBuilder {
	b.s.lastAccessedTime = t
	return b
}

func (b *SnapshotBuilder) MaxInactiveInterval(d time.Duration) *SnapshotBuilder {
	b.s.maxInactiveInterval = d
	return b
}

func (b *SnapshotBuilder) Dirty(dirty bool) *SnapshotBuilder {
	b.s.dirty = dirty
	return b
}

// Attribute 添加属性, 空名称或 nil 值被忽略
func (b *SnapshotBuilder) Attribute(name string, value interface{}) *SnapshotBuilder {
	if name == "" || value == nil {
		return b
	}
	b.s.attributes[name] = value
	return b
}

// Build 生成快照, 过期时间由最后访问时间和最大不活动间隔计算.
// 之后对 builder 的修改不影响已生成的快照.
func (b *SnapshotBuilder) Build() *Snapshot {
	snap := b.s
	snap.expirationTime, snap.expires = expiration(snap.lastAccessedTime, snap.maxInactiveInterval)
	snap.attributes = make(map[string]interface{}, len(b.s.attributes))
	for k, v := range b.s.attributes {
		snap.attributes[k] = v
	}
	return &snap
}
