package kvsession

import (
	"context"
)

// SessionDeletedEvent 会话被删除 (显式删除或过期清理) 后发布的事件
type SessionDeletedEvent struct {
	ID string
}

// EventPublisher 接收会话删除通知, 例如用于关闭与会话关联的长连接
type EventPublisher interface {
	PublishSessionDeleted(ctx context.Context, event SessionDeletedEvent) error
}

// EventPublisherFunc 函数形式的 EventPublisher
type EventPublisherFunc func(ctx context.Context, event SessionDeletedEvent) error

func (f EventPublisherFunc) PublishSessionDeleted(ctx context.Context, event SessionDeletedEvent) error {
	return f(ctx, event)
}

type nopPublisher struct{}

func (nopPublisher) PublishSessionDeleted(context.Context, SessionDeletedEvent) error {
	return nil
}
