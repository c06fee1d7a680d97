package kvsession

import (
	"time"

	"github.com/haiyiyun/kvsession/codec"
	"github.com/haiyiyun/kvsession/marshal"
)

// 配置选项
type Option func(*sessionManager)

// WithConfig 整体替换配置, 之后的选项仍可覆盖单项
func WithConfig(cfg Config) Option {
	return func(m *sessionManager) {
		m.config = cfg
	}
}

// WithMaxInactiveInterval 新会话的默认最大不活动间隔, 非正数表示永不过期
func WithMaxInactiveInterval(d time.Duration) Option {
	return func(m *sessionManager) {
		m.config.MaxInactiveInterval = d
	}
}

func WithCodec(family codec.Family, compression codec.Compression) Option {
	return func(m *sessionManager) {
		m.config.Codec = family
		m.config.Compression = compression
	}
}

// WithEnginePool 编解码引擎池大小与借出超时
func WithEnginePool(size int, acquireTimeout time.Duration) Option {
	return func(m *sessionManager) {
		m.config.EnginePoolSize = size
		m.config.EngineAcquireTimeout = acquireTimeout
	}
}

// WithSaveWorkers 异步保存的并发数
func WithSaveWorkers(n int) Option {
	return func(m *sessionManager) {
		m.config.SaveWorkers = n
	}
}

// WithIndexName 覆盖过期时间索引名
func WithIndexName(name string) Option {
	return func(m *sessionManager) {
		m.config.IndexName = name
	}
}

// WithEventPublisher 会话删除事件的接收方
func WithEventPublisher(p EventPublisher) Option {
	return func(m *sessionManager) {
		m.publisher = p
	}
}

func WithIDGenerator(g IDGenerator) Option {
	return func(m *sessionManager) {
		m.newID = g
	}
}

// WithClock 替换时钟, 用于测试
func WithClock(now func() time.Time) Option {
	return func(m *sessionManager) {
		m.now = now
	}
}

// WithRegistry 使用指定的属性类型注册表
func WithRegistry(r *marshal.Registry) Option {
	return func(m *sessionManager) {
		m.registry = r
	}
}
