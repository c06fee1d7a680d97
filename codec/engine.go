package codec

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"io"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"
	"github.com/vmihailenco/msgpack/v5"
)

// 归还引擎时缓冲区超过该容量则丢弃, 避免单次大对象长期占用内存
const maxRetainedBuffer = 64 * 1024

// Engine 有状态的编解码引擎, 不能并发使用.
// 引擎持有可复用的编码器、解码器、压缩器和缓冲区, 构建成本较高.
type Engine struct {
	family      Family
	compression Compression

	buf    bytes.Buffer
	reader bytes.Reader

	menc *msgpack.Encoder
	mdec *msgpack.Decoder

	snappyW *snappy.Writer
	snappyR *snappy.Reader
	zstdW   *zstd.Encoder
	zstdR   *zstd.Decoder
}

// NewEngine 创建指定编码族与压缩方式的引擎
func NewEngine(family Family, compression Compression) (*Engine, error) {
	e := &Engine{family: family, compression: compression}

	switch family {
	case FamilyMsgpack:
		e.menc = msgpack.NewEncoder(nil)
		e.mdec = msgpack.NewDecoder(nil)
	case FamilyGob:
	default:
		return nil, fmt.Errorf("unsupported codec family %q", family)
	}

	switch compression {
	case CompressionNone:
	case CompressionSnappy:
		e.snappyW = snappy.NewBufferedWriter(nil)
		e.snappyR = snappy.NewReader(nil)
	case CompressionZstd:
		w, err := zstd.NewWriter(nil, zstd.WithEncoderConcurrency(1))
		if err != nil {
			return nil, fmt.Errorf("zstd encoder: %w", err)
		}
		r, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
		if err != nil {
			_ = w.Close()
			return nil, fmt.Errorf("zstd decoder: %w", err)
		}
		e.zstdW, e.zstdR = w, r
	default:
		return nil, fmt.Errorf("unsupported compression %q", compression)
	}
	return e, nil
}

// Encode 编码 v, 返回的切片归调用方所有
func (e *Engine) Encode(v interface{}) (out []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			out, err = nil, &EncodingError{Type: typeOf(v), Err: fmt.Errorf("panic: %v", r)}
		}
	}()

	e.buf.Reset()
	w, finish, err := e.compressor(&e.buf)
	if err != nil {
		return nil, &EncodingError{Type: typeOf(v), Err: err}
	}

	switch e.family {
	case FamilyMsgpack:
		e.menc.Reset(w)
		e.menc.UseCompactInts(true)
		e.menc.SetSortMapKeys(true)
		err = e.menc.Encode(v)
	case FamilyGob:
		err = gob.NewEncoder(w).Encode(v)
	}
	if err != nil {
		return nil, &EncodingError{Type: typeOf(v), Err: err}
	}
	if err = finish(); err != nil {
		return nil, &EncodingError{Type: typeOf(v), Err: err}
	}

	out = make([]byte, e.buf.Len())
	copy(out, e.buf.Bytes())
	return out, nil
}

// Decode 将 data 解码到 v, 解压方式由配置决定而不是从数据中探测
func (e *Engine) Decode(data []byte, v interface{}) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &DecodingError{Type: typeOf(v), Err: fmt.Errorf("panic: %v", r)}
		}
	}()

	if len(data) == 0 {
		return &DecodingError{Type: typeOf(v), Err: io.ErrUnexpectedEOF}
	}

	e.reader.Reset(data)
	r, err := e.decompressor(&e.reader)
	if err != nil {
		return &DecodingError{Type: typeOf(v), Err: err}
	}

	switch e.family {
	case FamilyMsgpack:
		e.mdec.Reset(r)
		// interface{} 中的整数统一为 int64、浮点统一为 float64; 需要保留元素
		// 具体类型的调用方 (marshal 包) 自行按元素记录类型
		e.mdec.UseLooseInterfaceDecoding(true)
		err = e.mdec.Decode(v)
	case FamilyGob:
		err = gob.NewDecoder(r).Decode(v)
	}
	if err != nil {
		return &DecodingError{Type: typeOf(v), Err: err}
	}
	return nil
}

// Reset 清理单次调用留下的状态
func (e *Engine) Reset() {
	e.buf.Reset()
	if e.buf.Cap() > maxRetainedBuffer {
		e.buf = bytes.Buffer{}
	}
	e.reader.Reset(nil)
	if e.menc != nil {
		e.menc.Reset(nil)
	}
	if e.snappyW != nil {
		e.snappyW.Reset(nil)
	}
	if e.snappyR != nil {
		e.snappyR.Reset(nil)
	}
}

// Close 释放压缩器持有的资源
func (e *Engine) Close() {
	if e.zstdW != nil {
		_ = e.zstdW.Close()
	}
	if e.zstdR != nil {
		e.zstdR.Close()
	}
}

func noFinish() error { return nil }

func (e *Engine) compressor(dst io.Writer) (io.Writer, func() error, error) {
	switch e.compression {
	case CompressionSnappy:
		e.snappyW.Reset(dst)
		return e.snappyW, e.snappyW.Close, nil
	case CompressionZstd:
		e.zstdW.Reset(dst)
		return e.zstdW, e.zstdW.Close, nil
	default:
		return dst, noFinish, nil
	}
}

func (e *Engine) decompressor(src io.Reader) (io.Reader, error) {
	switch e.compression {
	case CompressionSnappy:
		e.snappyR.Reset(src)
		return e.snappyR, nil
	case CompressionZstd:
		if err := e.zstdR.Reset(src); err != nil {
			return nil, err
		}
		return e.zstdR, nil
	default:
		return src, nil
	}
}
