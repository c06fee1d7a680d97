package kvsession

import "github.com/pkg/errors"

var (
	// ErrNotFound 会话不存在、已过期, 或读取失败 (已记录日志)
	ErrNotFound = errors.New("session not found")
	// ErrManagerClosed 管理器已关闭
	ErrManagerClosed = errors.New("session manager closed")
)
