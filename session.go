// Package kvsession 会话持久化: 会话属性经过编码后按字段写入键值存储,
// 过期时间字段上的二级索引用于清理过期会话.
package kvsession

import (
	"context"
	"time"
)

// Session 接口定义 - 会话元数据与属性
type Session interface {
	ID() string
	Get(name string) (interface{}, bool)
	// Set 设置属性, value 为 nil 等同于 Delete
	Set(name string, value interface{})
	Delete(name string)
	AttributeNames() []string

	CreationTime() time.Time
	LastAccessedTime() time.Time
	SetLastAccessedTime(t time.Time)
	// MaxInactiveInterval 非正数表示永不过期
	MaxInactiveInterval() time.Duration
	SetMaxInactiveInterval(d time.Duration)
	// ExpirationTime 最后访问时间 + 最大不活动间隔, 永不过期时第二个返回值为 false
	ExpirationTime() (time.Time, bool)
	IsExpired(now time.Time) bool

	// IsDirty 属性自上次成功保存后是否发生变化
	IsDirty() bool
	// Snapshot 返回当前状态的不可变快照
	Snapshot() *Snapshot
}

// Manager 管理接口
type Manager interface {
	// Create 创建新会话, 只在内存中, 保存后才写入存储
	Create(ctx context.Context) (Session, error)
	// Save 同步生成快照, 异步写入存储, 结果只记录日志.
	// 快照深复制切片、数组和 map 属性, 之后可以继续修改它们;
	// 指针和结构体内部的可变数据仍然共享, 写入完成前不应原地修改.
	Save(ctx context.Context, s Session) error
	// SaveSync 在调用方 goroutine 上写入存储
	SaveSync(ctx context.Context, s Session) error
	// Get 读取会话, 不存在或已过期返回 ErrNotFound
	Get(ctx context.Context, sessionID string) (Session, error)
	Destroy(ctx context.Context, sessionID string) error
	// CleanExpiredSessions 删除过期时间不晚于当前时间的会话, 返回删除数量
	CleanExpiredSessions(ctx context.Context) (int, error)
	// Close 停止接受保存请求并等待进行中的保存完成, 不关闭存储
	Close() error
}
