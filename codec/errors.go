package codec

import (
	"fmt"

	"github.com/pkg/errors"
)

// ErrPoolExhausted 在等待时间内没有可用引擎
var ErrPoolExhausted = errors.New("codec: engine pool exhausted")

// ErrPoolClosed 引擎池已关闭
var ErrPoolClosed = errors.New("codec: engine pool closed")

// EncodingError 编码失败
type EncodingError struct {
	Type string
	Err  error
}

func (e *EncodingError) Error() string {
	return fmt.Sprintf("codec: cannot encode %s: %v", e.Type, e.Err)
}

func (e *EncodingError) Unwrap() error { return e.Err }

// DecodingError 解码失败 (输入损坏或类型不匹配)
type DecodingError struct {
	Type string
	Err  error
}

func (e *DecodingError) Error() string {
	return fmt.Sprintf("codec: cannot decode %s: %v", e.Type, e.Err)
}

func (e *DecodingError) Unwrap() error { return e.Err }

func typeOf(v interface{}) string {
	if v == nil {
		return "<nil>"
	}
	return fmt.Sprintf("%T", v)
}
