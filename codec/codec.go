// Package codec 提供会话属性的二进制编解码.
//
// 支持两种编码族: msgpack (紧凑快速) 与 gob (通用反射), 均可叠加流式压缩
// (snappy 或 zstd). 编解码引擎是有状态的, 单个引擎不能并发使用, 因此每个
// Codec 内部持有一个固定大小的引擎池, 调用时借出、用完归还.
package codec

import (
	"fmt"
	"strings"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/lni/dragonboat/v4/logger"

	"github.com/haiyiyun/kvsession/internal/logging"
)

var plog = logger.GetLogger(logging.Codec)

// Family 编码族
type Family string

const (
	FamilyMsgpack Family = "msgpack" // 紧凑快速的对象编码
	FamilyGob     Family = "gob"     // 通用反射编码
)

// Compression 流式压缩类型
type Compression string

const (
	CompressionNone   Compression = "none"
	CompressionSnappy Compression = "snappy"
	CompressionZstd   Compression = "zstd"
)

const (
	DefaultPoolSize       = 8
	DefaultAcquireTimeout = 2 * time.Second
)

// ParseFamily 将配置字符串转换为编码族
func ParseFamily(s string) (Family, error) {
	switch Family(strings.ToLower(strings.TrimSpace(s))) {
	case FamilyMsgpack, "fast", "":
		return FamilyMsgpack, nil
	case FamilyGob, "reflective":
		return FamilyGob, nil
	default:
		return "", fmt.Errorf("invalid codec %q (expected one of: msgpack, gob)", s)
	}
}

// ParseCompression 将配置字符串转换为压缩类型
func ParseCompression(s string) (Compression, error) {
	switch Compression(strings.ToLower(strings.TrimSpace(s))) {
	case CompressionNone, "":
		return CompressionNone, nil
	case CompressionSnappy:
		return CompressionSnappy, nil
	case CompressionZstd:
		return CompressionZstd, nil
	default:
		return "", fmt.Errorf("invalid compression %q (expected one of: none, snappy, zstd)", s)
	}
}

// Codec 编解码接口, 实现可被多个 goroutine 并发调用
type Codec interface {
	// Serialize 将 v 编码为字节, 编码族无法表示该值时返回 *EncodingError
	Serialize(v interface{}) ([]byte, error)
	// Deserialize 将 data 解码到 v (必须是指向期望类型的指针),
	// 输入损坏或类型不匹配时返回 *DecodingError
	Deserialize(data []byte, v interface{}) error
	// Name 返回编码标识, 用于诊断
	Name() string
	// Close 释放引擎资源, 之后的调用返回 ErrPoolClosed
	Close() error
}

// Config 编解码配置
type Config struct {
	Family         Family
	Compression    Compression
	PoolSize       int           // 引擎池大小
	AcquireTimeout time.Duration // 借出引擎的最长等待时间, 0 表示不等待
}

func (c Config) withDefaults() Config {
	if c.Family == "" {
		c.Family = FamilyMsgpack
	}
	if c.Compression == "" {
		c.Compression = CompressionNone
	}
	if c.PoolSize <= 0 {
		c.PoolSize = DefaultPoolSize
	}
	if c.AcquireTimeout < 0 {
		c.AcquireTimeout = 0
	}
	return c
}

// pooledCodec 通过引擎池实现 Codec
type pooledCodec struct {
	name string
	pool *Pool
}

// New 按配置创建 Codec, 引擎池在返回前预热完毕, 构建失败应视为启动失败
func New(cfg Config) (Codec, error) {
	cfg = cfg.withDefaults()
	switch cfg.Family {
	case FamilyMsgpack, FamilyGob:
	default:
		return nil, fmt.Errorf("unsupported codec family %q", cfg.Family)
	}
	switch cfg.Compression {
	case CompressionNone, CompressionSnappy, CompressionZstd:
	default:
		return nil, fmt.Errorf("unsupported compression %q", cfg.Compression)
	}

	name := string(cfg.Family) + "+" + string(cfg.Compression)
	pool, err := NewPool(cfg.PoolSize, cfg.AcquireTimeout, func() (*Engine, error) {
		return NewEngine(cfg.Family, cfg.Compression)
	})
	if err != nil {
		return nil, err
	}
	plog.Debugf("codec %s ready with %d engines", name, cfg.PoolSize)
	return &pooledCodec{name: name, pool: pool}, nil
}

func (c *pooledCodec) Serialize(v interface{}) (out []byte, err error) {
	err = c.pool.With(func(e *Engine) error {
		out, err = e.Encode(v)
		return err
	})
	if err != nil {
		plog.Debugf("serialization error (%s): %v", c.name, err)
		return nil, err
	}
	return out, nil
}

func (c *pooledCodec) Deserialize(data []byte, v interface{}) error {
	err := c.pool.With(func(e *Engine) error {
		return e.Decode(data, v)
	})
	if err != nil {
		plog.Debugf("deserialization error (%s): %v", c.name, err)
	}
	return err
}

func (c *pooledCodec) Name() string {
	return c.name
}

func (c *pooledCodec) Close() error {
	return c.pool.Close()
}

var (
	poolExhaustedTotal = metrics.GetOrCreateCounter("kvsession_codec_pool_exhausted_total")
	poolWaitSeconds    = metrics.GetOrCreateHistogram("kvsession_codec_pool_wait_seconds")
)
