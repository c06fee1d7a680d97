package codec

import (
	"encoding/gob"
	"time"
)

func init() {
	// gob 通过接口传递的值必须预先注册, 否则会在解码时静默丢失或报错
	gob.Register(map[string]interface{}{})
	gob.Register([]interface{}{})
	gob.Register(time.Time{})
	gob.Register(time.Duration(0))
	gob.Register(map[string]string{})
	gob.Register(map[string]int{})
	gob.Register(map[string]int64{})
	gob.Register(map[string]float64{})
	gob.Register(map[string]bool{})
	gob.Register([]map[string]interface{}{})
}

// RegisterGob 为 gob 编码族注册自定义类型
func RegisterGob(v interface{}) {
	defer func() {
		// 重复注册同一类型会 panic, 这里视为幂等
		_ = recover()
	}()
	gob.Register(v)
}
