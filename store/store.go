// Package store 定义会话记录的键值存储接口.
//
// 每条记录由若干命名字段 (bin) 组成, 写入为 upsert 语义, 只修改给定字段.
// 存储需要支持数值字段上的二级索引, 以便按范围查询记录而无需全表扫描.
package store

import (
	"context"
	"fmt"
	"strconv"

	"github.com/pkg/errors"
)

// 记录字段名
const (
	FieldSessionID    = "sessionId"
	FieldCreated      = "created"
	FieldMaxInactive  = "maxInactive"
	FieldLastAccessed = "lastAccessed"
	FieldExpired      = "expired"
	FieldAttributes   = "attributes"
)

// ExpiredIndexPrefix 过期时间索引的默认名称前缀, 完整名称为 "ei.<set>"
const ExpiredIndexPrefix = "ei"

// ExpiredIndexName 返回集合对应的过期时间索引名
func ExpiredIndexName(setName string) string {
	return ExpiredIndexPrefix + "." + setName
}

var (
	// ErrTransport 与存储通信失败 (网络错误、超时等)
	ErrTransport = errors.New("store: transport failure")
	// ErrUnsupportedIndex 不支持的索引类型
	ErrUnsupportedIndex = errors.New("store: unsupported index type")
	// ErrIndexConflict 同名索引已存在但定义不同
	ErrIndexConflict = errors.New("store: index exists with a different definition")
	// ErrClosed 存储已关闭
	ErrClosed = errors.New("store: closed")
)

// TransportError 包装底层客户端错误, errors.Is(err, ErrTransport) 为 true
type TransportError struct {
	Op  string
	Key string
	Err error
}

func (e *TransportError) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("store: %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("store: %s %s: %v", e.Op, e.Key, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

func (e *TransportError) Is(target error) bool { return target == ErrTransport }

// Transport 构造 TransportError, err 为 nil 时返回 nil
func Transport(op, key string, err error) error {
	if err == nil {
		return nil
	}
	return &TransportError{Op: op, Key: key, Err: err}
}

// IndexType 二级索引类型
type IndexType int

const (
	IndexNumeric IndexType = iota
	IndexString
)

func (t IndexType) String() string {
	switch t {
	case IndexNumeric:
		return "numeric"
	case IndexString:
		return "string"
	default:
		return "IndexType(" + strconv.Itoa(int(t)) + ")"
	}
}

// Bin 记录中的一个命名字段.
// Value 只能是 int64、string、[]byte 或 nil; nil 表示删除该字段.
type Bin struct {
	Name  string
	Value interface{}
}

// Int64Bin 构造整数字段
func Int64Bin(name string, v int64) Bin { return Bin{Name: name, Value: v} }

// StringBin 构造字符串字段
func StringBin(name, v string) Bin { return Bin{Name: name, Value: v} }

// BytesBin 构造字节字段
func BytesBin(name string, v []byte) Bin { return Bin{Name: name, Value: v} }

// NullBin 构造删除字段的标记
func NullBin(name string) Bin { return Bin{Name: name} }

// Validate 检查字段值类型
func (b Bin) Validate() error {
	if b.Name == "" {
		return errors.New("store: empty bin name")
	}
	switch b.Value.(type) {
	case nil, int64, string, []byte:
		return nil
	default:
		return errors.Errorf("store: unsupported value type %T for bin %q", b.Value, b.Name)
	}
}

// Record 读取到的记录
type Record struct {
	Key  string
	Bins map[string]interface{}
}

// Has 判断字段是否存在
func (r *Record) Has(name string) bool {
	_, ok := r.Bins[name]
	return ok
}

// String 读取字符串字段
func (r *Record) String(name string) (string, bool) {
	switch v := r.Bins[name].(type) {
	case string:
		return v, true
	case []byte:
		return string(v), true
	}
	return "", false
}

// Int64 读取整数字段
func (r *Record) Int64(name string) (int64, bool) {
	switch v := r.Bins[name].(type) {
	case int64:
		return v, true
	case string:
		n, err := strconv.ParseInt(v, 10, 64)
		return n, err == nil
	}
	return 0, false
}

// Bytes 读取字节字段
func (r *Record) Bytes(name string) ([]byte, bool) {
	switch v := r.Bins[name].(type) {
	case []byte:
		return v, true
	case string:
		return []byte(v), true
	}
	return nil, false
}

// Store 键值存储. 实现必须可被并发调用.
type Store interface {
	// HasKey 判断记录是否存在, 只有通信失败才返回错误
	HasKey(ctx context.Context, key string) (bool, error)
	// Persist 以 upsert 语义写入字段, 未给出的字段保持不变
	Persist(ctx context.Context, key string, bins ...Bin) error
	// Fetch 读取记录, 不存在时返回 (nil, nil). 读取会顺带延长记录的物理 TTL.
	Fetch(ctx context.Context, key string) (*Record, error)
	// Delete 删除记录, 记录不存在不是错误
	Delete(ctx context.Context, key string) error
	// CreateIndex 在数值字段上创建二级索引, 已存在视为成功
	CreateIndex(ctx context.Context, bin, name string, typ IndexType) error
	// FetchRange 返回索引字段值落在 [begin, end] 内的记录的 idBin 值 (去重)
	FetchRange(ctx context.Context, idBin, indexedBin string, begin, end int64) ([]string, error)
	// DeleteAll 删除集合内全部记录
	DeleteAll(ctx context.Context) error
	Close() error
}
