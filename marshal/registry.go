package marshal

import (
	"reflect"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/haiyiyun/kvsession/codec"
)

var (
	bytesType    = reflect.TypeOf([]byte(nil))
	timeType     = reflect.TypeOf(time.Time{})
	durationType = reflect.TypeOf(time.Duration(0))
	anyType      = reflect.TypeOf((*interface{})(nil)).Elem()
)

// 按名称构造数组类型时允许的最大长度
const maxArrayLen = 1 << 16

// shape 一种可编码的属性形态
type shape struct {
	name string
	typ  reflect.Type // 属性值的类型
	wire reflect.Type // 实际编码的类型

	// 仅用于需要转换的形态 (原子类型), 这类形态只允许出现在顶层
	toWire   func(interface{}) interface{}
	fromWire func(interface{}) interface{}
}

func (s shape) transformed() bool {
	return s.toWire != nil
}

func (s shape) decode(c codec.Codec, data []byte) (interface{}, error) {
	ptr := reflect.New(s.wire)
	if err := c.Deserialize(data, ptr.Interface()); err != nil {
		return nil, err
	}
	v := ptr.Elem().Interface()
	if s.fromWire != nil {
		v = s.fromWire(v)
	}
	return v, nil
}

// Registry 记录可编码的属性形态, 以及类型名到类型的映射
type Registry struct {
	byName *xsync.MapOf[string, shape]
	byType *xsync.MapOf[reflect.Type, shape]
}

// NewRegistry 创建包含内置形态的注册表
func NewRegistry() *Registry {
	r := &Registry{
		byName: xsync.NewMapOf[string, shape](),
		byType: xsync.NewMapOf[reflect.Type, shape](),
	}
	for _, v := range builtinValues {
		r.add(plainShape(reflect.TypeOf(v)))
	}
	for _, s := range atomicShapes() {
		r.add(s)
	}
	return r
}

var defaultRegistry = NewRegistry()

// Register 将 v 的类型登记为可编码属性类型 (结构体、指针等需要显式登记),
// 同时为 gob 编码族注册该类型
func Register(v interface{}) {
	defaultRegistry.Register(v)
}

// Register 见包级 Register
func (r *Registry) Register(v interface{}) {
	if v == nil {
		return
	}
	r.add(plainShape(reflect.TypeOf(v)))
	codec.RegisterGob(v)
}

func (r *Registry) add(s shape) {
	r.byName.Store(s.name, s)
	r.byType.Store(s.typ, s)
}

// learn 记住本进程成功编码过的类型, 之后可按类型名解码
func (r *Registry) learn(s shape) {
	if _, ok := r.byName.Load(s.name); ok {
		return
	}
	r.byName.LoadOrStore(s.name, s)
	r.byType.LoadOrStore(s.typ, s)
}

// resolve 按类型名查找形态. 未登记的匿名复合类型 (如 []string、map[string][]int64)
// 由名称构造, 因此进程重启后仍可解码.
func (r *Registry) resolve(name string) (shape, bool) {
	if s, ok := r.byName.Load(name); ok {
		return s, true
	}
	t, ok := r.parse(name)
	if !ok || !r.encodable(t) {
		return shape{}, false
	}
	s := plainShape(t)
	r.learn(s)
	return s, true
}

// parse 解析 TypeName 生成的匿名复合类型名, 元素类型必须可解析
func (r *Registry) parse(name string) (reflect.Type, bool) {
	if name == anyType.String() {
		return anyType, true
	}
	if s, ok := r.byName.Load(name); ok {
		return s.typ, true
	}

	switch {
	case strings.HasPrefix(name, "[]"):
		elem, ok := r.parse(name[2:])
		if !ok {
			return nil, false
		}
		return reflect.SliceOf(elem), true
	case strings.HasPrefix(name, "["):
		end := strings.IndexByte(name, ']')
		if end < 0 {
			return nil, false
		}
		n, err := strconv.Atoi(name[1:end])
		if err != nil || n < 0 || n > maxArrayLen {
			return nil, false
		}
		elem, ok := r.parse(name[end+1:])
		if !ok {
			return nil, false
		}
		return reflect.ArrayOf(n, elem), true
	case strings.HasPrefix(name, "map["):
		end := closingBracket(name, len("map"))
		if end < 0 {
			return nil, false
		}
		key, ok := r.parse(name[len("map["):end])
		if !ok || !key.Comparable() {
			return nil, false
		}
		elem, ok := r.parse(name[end+1:])
		if !ok {
			return nil, false
		}
		return reflect.MapOf(key, elem), true
	}
	return nil, false
}

func closingBracket(s string, open int) int {
	depth := 0
	for i := open; i < len(s); i++ {
		switch s[i] {
		case '[':
			depth++
		case ']':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}

// shapeOf 已登记类型返回登记的形态, 否则按类型本身编码
func (r *Registry) shapeOf(t reflect.Type) shape {
	if s, ok := r.byType.Load(t); ok {
		return s
	}
	return plainShape(t)
}

// Eligible 判断属性值能否被安全编码: 值本身是可编码形态, 或者是切片、数组、
// map 且其直接元素 (键和值) 均为可编码形态. 只检查一层.
func (r *Registry) Eligible(v interface{}) bool {
	_, ok := r.shapeFor(v)
	return ok
}

func (r *Registry) shapeFor(v interface{}) (shape, bool) {
	if v == nil {
		return shape{}, false
	}
	rv := reflect.ValueOf(v)
	t := rv.Type()
	if t.Kind() == reflect.Ptr && rv.IsNil() {
		return shape{}, false
	}
	if s, ok := r.byType.Load(t); ok && s.transformed() {
		return s, true
	}
	if !r.encodable(t) {
		return shape{}, false
	}

	switch t.Kind() {
	case reflect.Slice, reflect.Array:
		if t != bytesType && t.Elem().Kind() == reflect.Interface {
			for i := 0; i < rv.Len(); i++ {
				if !r.elementEligible(rv.Index(i)) {
					return shape{}, false
				}
			}
		}
	case reflect.Map:
		if t.Key().Kind() == reflect.Interface || t.Elem().Kind() == reflect.Interface {
			iter := rv.MapRange()
			for iter.Next() {
				if !r.elementEligible(iter.Key()) || !r.elementEligible(iter.Value()) {
					return shape{}, false
				}
			}
		}
	}

	if s, ok := r.byType.Load(t); ok {
		return s, true
	}
	return plainShape(t), true
}

func (r *Registry) elementEligible(ev reflect.Value) bool {
	if ev.Kind() == reflect.Interface {
		if ev.IsNil() {
			return true
		}
		ev = ev.Elem()
	}
	if ev.Kind() == reflect.Ptr && ev.IsNil() {
		return false
	}
	return r.encodable(ev.Type())
}

// encodable 按静态类型判断, 容器只看元素类型
func (r *Registry) encodable(t reflect.Type) bool {
	if r.direct(t) {
		return true
	}
	switch t.Kind() {
	case reflect.Slice, reflect.Array:
		return r.elementType(t.Elem())
	case reflect.Map:
		return r.elementType(t.Key()) && r.elementType(t.Elem())
	}
	return false
}

func (r *Registry) elementType(t reflect.Type) bool {
	if t.Kind() == reflect.Interface {
		return true
	}
	if s, ok := r.byType.Load(t); ok && s.transformed() {
		return false
	}
	return r.encodable(t)
}

// direct 预声明的标量、[]byte、time.Time 以及已登记的类型.
// 未登记的具名类型 (如 type Role string) 不可编码: 重启后的进程无法按名称还原它们.
func (r *Registry) direct(t reflect.Type) bool {
	if isScalar(t.Kind()) && t.PkgPath() == "" {
		return true
	}
	if t == bytesType || t == timeType {
		return true
	}
	_, ok := r.byType.Load(t)
	return ok
}

func isScalar(k reflect.Kind) bool {
	switch k {
	case reflect.Bool,
		reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64,
		reflect.String:
		return true
	}
	return false
}

// TypeName 返回类型的限定名称, 具名类型带包路径, 复合类型的元素同样带包路径
func TypeName(t reflect.Type) string {
	if t.Name() != "" {
		if t.PkgPath() != "" {
			return t.PkgPath() + "." + t.Name()
		}
		return t.String()
	}
	switch t.Kind() {
	case reflect.Ptr:
		return "*" + TypeName(t.Elem())
	case reflect.Slice:
		return "[]" + TypeName(t.Elem())
	case reflect.Array:
		return "[" + strconv.Itoa(t.Len()) + "]" + TypeName(t.Elem())
	case reflect.Map:
		return "map[" + TypeName(t.Key()) + "]" + TypeName(t.Elem())
	}
	return t.String()
}

func plainShape(t reflect.Type) shape {
	return shape{name: TypeName(t), typ: t, wire: t}
}

var builtinValues = []interface{}{
	false, "",
	int(0), int8(0), int16(0), int32(0), int64(0),
	uint(0), uint8(0), uint16(0), uint32(0), uint64(0),
	float32(0), float64(0),
	[]byte(nil), time.Time{}, time.Duration(0),
	[]interface{}(nil), map[string]interface{}(nil),
	[]string(nil), []int(nil), []int64(nil), []float64(nil), []bool(nil),
	map[string]string(nil), map[string]int(nil), map[string]int64(nil),
	map[string]float64(nil), map[string]bool(nil),
	[]map[string]interface{}(nil),
}

func atomicShapes() []shape {
	shapes := []shape{
		{
			typ: reflect.TypeOf(&atomic.Int32{}), wire: reflect.TypeOf(int32(0)),
			toWire: func(v interface{}) interface{} { return v.(*atomic.Int32).Load() },
			fromWire: func(v interface{}) interface{} {
				a := new(atomic.Int32)
				a.Store(v.(int32))
				return a
			},
		},
		{
			typ: reflect.TypeOf(&atomic.Int64{}), wire: reflect.TypeOf(int64(0)),
			toWire: func(v interface{}) interface{} { return v.(*atomic.Int64).Load() },
			fromWire: func(v interface{}) interface{} {
				a := new(atomic.Int64)
				a.Store(v.(int64))
				return a
			},
		},
		{
			typ: reflect.TypeOf(&atomic.Uint32{}), wire: reflect.TypeOf(uint32(0)),
			toWire: func(v interface{}) interface{} { return v.(*atomic.Uint32).Load() },
			fromWire: func(v interface{}) interface{} {
				a := new(atomic.Uint32)
				a.Store(v.(uint32))
				return a
			},
		},
		{
			typ: reflect.TypeOf(&atomic.Uint64{}), wire: reflect.TypeOf(uint64(0)),
			toWire: func(v interface{}) interface{} { return v.(*atomic.Uint64).Load() },
			fromWire: func(v interface{}) interface{} {
				a := new(atomic.Uint64)
				a.Store(v.(uint64))
				return a
			},
		},
		{
			typ: reflect.TypeOf(&atomic.Bool{}), wire: reflect.TypeOf(false),
			toWire: func(v interface{}) interface{} { return v.(*atomic.Bool).Load() },
			fromWire: func(v interface{}) interface{} {
				a := new(atomic.Bool)
				a.Store(v.(bool))
				return a
			},
		},
	}
	for i := range shapes {
		shapes[i].name = TypeName(shapes[i].typ)
	}
	return shapes
}
