package kvsession

import (
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/viper"

	"github.com/haiyiyun/kvsession/codec"
	"github.com/haiyiyun/kvsession/store"
)

const (
	DefaultNamespace           = "cache"
	DefaultSetName             = "httpsession"
	DefaultMaxInactiveInterval = 1800 * time.Second
	DefaultSaveWorkers         = 4
	DefaultStoreTimeout        = 5 * time.Second
)

// Config 会话存储配置
type Config struct {
	Namespace string
	SetName   string
	IndexName string // 为空时使用 "ei.<SetName>"

	// MaxInactiveInterval 新会话的默认最大不活动间隔, 非正数表示永不过期
	MaxInactiveInterval time.Duration

	Codec                codec.Family
	Compression          codec.Compression
	EnginePoolSize       int
	EngineAcquireTimeout time.Duration

	SaveWorkers int

	StoreTimeout time.Duration
	RecordTTL    time.Duration // 存储层的物理 TTL, 0 表示不设置

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	LogLevel string
}

// DefaultConfig 默认配置
func DefaultConfig() Config {
	return Config{
		Namespace:            DefaultNamespace,
		SetName:              DefaultSetName,
		MaxInactiveInterval:  DefaultMaxInactiveInterval,
		Codec:                codec.FamilyMsgpack,
		Compression:          codec.CompressionNone,
		EnginePoolSize:       codec.DefaultPoolSize,
		EngineAcquireTimeout: codec.DefaultAcquireTimeout,
		SaveWorkers:          DefaultSaveWorkers,
		StoreTimeout:         DefaultStoreTimeout,
		RedisAddr:            "localhost:6379",
		LogLevel:             "info",
	}
}

// ExpiredIndexName 返回过期时间索引名
func (c Config) ExpiredIndexName() string {
	if c.IndexName != "" {
		return c.IndexName
	}
	return store.ExpiredIndexName(c.SetName)
}

// Validate 检查配置
func (c Config) Validate() error {
	if c.Namespace == "" {
		return errors.New("namespace must not be empty")
	}
	if c.SetName == "" {
		return errors.New("set name must not be empty")
	}
	if c.SaveWorkers <= 0 {
		return errors.Errorf("save workers must be positive, got %d", c.SaveWorkers)
	}
	if c.EnginePoolSize <= 0 {
		return errors.Errorf("engine pool size must be positive, got %d", c.EnginePoolSize)
	}
	if _, err := codec.ParseFamily(string(c.Codec)); err != nil {
		return err
	}
	if _, err := codec.ParseCompression(string(c.Compression)); err != nil {
		return err
	}
	return nil
}

func (c Config) String() string {
	var sb strings.Builder
	sb.WriteString("{\n")
	fmt.Fprintf(&sb, "  namespace: %s\n", c.Namespace)
	fmt.Fprintf(&sb, "  set-name: %s\n", c.SetName)
	fmt.Fprintf(&sb, "  index-name: %s\n", c.ExpiredIndexName())
	fmt.Fprintf(&sb, "  max-inactive-interval: %s\n", c.MaxInactiveInterval)
	fmt.Fprintf(&sb, "  codec: %s\n", c.Codec)
	fmt.Fprintf(&sb, "  compression: %s\n", c.Compression)
	fmt.Fprintf(&sb, "  engine-pool-size: %d\n", c.EnginePoolSize)
	fmt.Fprintf(&sb, "  engine-acquire-timeout: %s\n", c.EngineAcquireTimeout)
	fmt.Fprintf(&sb, "  save-workers: %d\n", c.SaveWorkers)
	fmt.Fprintf(&sb, "  store-timeout: %s\n", c.StoreTimeout)
	fmt.Fprintf(&sb, "  record-ttl: %s\n", c.RecordTTL)
	fmt.Fprintf(&sb, "  redis-addr: %s\n", c.RedisAddr)
	if c.RedisPassword != "" {
		sb.WriteString("  redis-password: ******\n")
	}
	fmt.Fprintf(&sb, "  redis-db: %d\n", c.RedisDB)
	fmt.Fprintf(&sb, "  log-level: %s\n", c.LogLevel)
	sb.WriteString("}")
	return sb.String()
}

// ----------------------------------------------------------------------------
// viper

// 配置键
const (
	KeyNamespace            = "namespace"
	KeySetName              = "set-name"
	KeyIndexName            = "index-name"
	KeyMaxInactiveInterval  = "max-inactive-interval"
	KeyCodec                = "codec"
	KeyCompression          = "compression"
	KeySaveWorkers          = "save-workers"
	KeyEnginePoolSize       = "engine-pool-size"
	KeyEngineAcquireTimeout = "engine-acquire-timeout"
	KeyStoreTimeout         = "store-timeout"
	KeyRecordTTL            = "record-ttl"
	KeyRedisAddr            = "redis-addr"
	KeyRedisPassword        = "redis-password"
	KeyRedisDB              = "redis-db"
	KeyLogLevel             = "log-level"
)

// SetViperDefaults 将默认配置写入 viper
func SetViperDefaults(v *viper.Viper) {
	d := DefaultConfig()
	v.SetDefault(KeyNamespace, d.Namespace)
	v.SetDefault(KeySetName, d.SetName)
	v.SetDefault(KeyIndexName, "")
	v.SetDefault(KeyMaxInactiveInterval, int(d.MaxInactiveInterval/time.Second))
	v.SetDefault(KeyCodec, string(d.Codec))
	v.SetDefault(KeyCompression, string(d.Compression))
	v.SetDefault(KeySaveWorkers, d.SaveWorkers)
	v.SetDefault(KeyEnginePoolSize, d.EnginePoolSize)
	v.SetDefault(KeyEngineAcquireTimeout, d.EngineAcquireTimeout)
	v.SetDefault(KeyStoreTimeout, d.StoreTimeout)
	v.SetDefault(KeyRecordTTL, d.RecordTTL)
	v.SetDefault(KeyRedisAddr, d.RedisAddr)
	v.SetDefault(KeyRedisPassword, "")
	v.SetDefault(KeyRedisDB, d.RedisDB)
	v.SetDefault(KeyLogLevel, d.LogLevel)
}

// ConfigFromViper 从 viper 读取配置. max-inactive-interval 以秒为单位, 负数表示永不过期.
func ConfigFromViper(v *viper.Viper) (Config, error) {
	family, err := codec.ParseFamily(v.GetString(KeyCodec))
	if err != nil {
		return Config{}, err
	}
	compression, err := codec.ParseCompression(v.GetString(KeyCompression))
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		Namespace:            v.GetString(KeyNamespace),
		SetName:              v.GetString(KeySetName),
		IndexName:            v.GetString(KeyIndexName),
		MaxInactiveInterval:  time.Duration(v.GetInt64(KeyMaxInactiveInterval)) * time.Second,
		Codec:                family,
		Compression:          compression,
		EnginePoolSize:       v.GetInt(KeyEnginePoolSize),
		EngineAcquireTimeout: v.GetDuration(KeyEngineAcquireTimeout),
		SaveWorkers:          v.GetInt(KeySaveWorkers),
		StoreTimeout:         v.GetDuration(KeyStoreTimeout),
		RecordTTL:            v.GetDuration(KeyRecordTTL),
		RedisAddr:            v.GetString(KeyRedisAddr),
		RedisPassword:        v.GetString(KeyRedisPassword),
		RedisDB:              v.GetInt(KeyRedisDB),
		LogLevel:             v.GetString(KeyLogLevel),
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, errors.Wrap(err, "invalid configuration")
	}
	return cfg, nil
}
