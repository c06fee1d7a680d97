package kvsession

import (
	"crypto/rand"
	"encoding/base64"

	"github.com/google/uuid"
)

// IDGenerator 生成会话 ID
type IDGenerator func() string

// UUIDGenerator 默认生成器, 随机 UUID
func UUIDGenerator() string {
	return uuid.New().String()
}

// RandomIDGenerator 24 字节随机数的 URL 安全 base64 编码, 长度 32
func RandomIDGenerator() string {
	b := make([]byte, 24)
	if _, err := rand.Read(b); err != nil {
		panic("session id generation failed")
	}
	return base64.URLEncoding.EncodeToString(b)
}
