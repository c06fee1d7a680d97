package marshal

import (
	"reflect"

	"github.com/pkg/errors"

	"github.com/haiyiyun/kvsession/codec"
)

// typedElement interface{} 元素连同其具体类型名一起编码, 空元素 Type 为空
type typedElement struct {
	Type    string `msgpack:"t"`
	Content []byte `msgpack:"c"`
}

// typedContainer 元素 (或键) 类型为 interface{} 的切片、数组、map 的编码形式.
// 编码族在解码 interface{} 时会归一化数值类型 (msgpack 中 int 变成 int64,
// float32 变成 float64), 因此元素逐个按具体类型编码, 解码后类型不变.
type typedContainer struct {
	Nil    bool           `msgpack:"z"`
	Keys   []typedElement `msgpack:"k"`
	Values []typedElement `msgpack:"v"`
}

// dynamic 类型是否含有 interface{} 元素或键, 包括匿名复合元素内部的
func dynamic(t reflect.Type) bool {
	switch t.Kind() {
	case reflect.Slice, reflect.Array:
		return t.Elem().Kind() == reflect.Interface || nestedDynamic(t.Elem())
	case reflect.Map:
		return t.Key().Kind() == reflect.Interface || t.Elem().Kind() == reflect.Interface ||
			nestedDynamic(t.Elem())
	}
	return false
}

// 具名元素类型不展开, 避免递归类型
func nestedDynamic(t reflect.Type) bool {
	return t.Name() == "" && dynamic(t)
}

// wireValue 返回属性值实际交给编码器的形式
func (m *Marshaller) wireValue(s shape, v interface{}) (interface{}, error) {
	if s.transformed() {
		return s.toWire(v), nil
	}
	if dynamic(s.typ) {
		return m.typed(reflect.ValueOf(v))
	}
	return v, nil
}

// fromWire wireValue 的逆过程
func (m *Marshaller) fromWire(s shape, c codec.Codec, data []byte) (interface{}, error) {
	if s.transformed() || !dynamic(s.typ) {
		return s.decode(c, data)
	}
	var tc typedContainer
	if err := c.Deserialize(data, &tc); err != nil {
		return nil, err
	}
	rv, err := m.untyped(s.typ, tc)
	if err != nil {
		return nil, err
	}
	return rv.Interface(), nil
}

func (m *Marshaller) typed(rv reflect.Value) (typedContainer, error) {
	var tc typedContainer
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		if rv.Kind() == reflect.Slice && rv.IsNil() {
			tc.Nil = true
			return tc, nil
		}
		tc.Values = make([]typedElement, rv.Len())
		for i := range tc.Values {
			e, err := m.element(rv.Index(i))
			if err != nil {
				return tc, errors.Wrapf(err, "element %d", i)
			}
			tc.Values[i] = e
		}
	case reflect.Map:
		if rv.IsNil() {
			tc.Nil = true
			return tc, nil
		}
		tc.Keys = make([]typedElement, 0, rv.Len())
		tc.Values = make([]typedElement, 0, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			k, err := m.element(iter.Key())
			if err != nil {
				return tc, errors.Wrap(err, "map key")
			}
			v, err := m.element(iter.Value())
			if err != nil {
				return tc, errors.Wrapf(err, "map value of %v", iter.Key())
			}
			tc.Keys = append(tc.Keys, k)
			tc.Values = append(tc.Values, v)
		}
	default:
		return tc, errors.Errorf("%s is not a container", rv.Type())
	}
	return tc, nil
}

// element 元素使用不压缩的容器编码器单独编码
func (m *Marshaller) element(ev reflect.Value) (typedElement, error) {
	if ev.Kind() == reflect.Interface {
		if ev.IsNil() {
			return typedElement{}, nil
		}
		ev = ev.Elem()
	}
	if !m.registry.elementEligible(ev) {
		return typedElement{}, errors.Errorf("element of type %s is not eligible for serialization", ev.Type())
	}

	s := m.registry.shapeOf(ev.Type())
	v, err := m.wireValue(s, ev.Interface())
	if err != nil {
		return typedElement{}, err
	}
	data, err := m.container.Serialize(v)
	if err != nil {
		return typedElement{}, err
	}
	m.registry.learn(s)
	return typedElement{Type: s.name, Content: data}, nil
}

func (m *Marshaller) untyped(t reflect.Type, tc typedContainer) (reflect.Value, error) {
	if tc.Nil {
		return reflect.Zero(t), nil
	}
	switch t.Kind() {
	case reflect.Slice, reflect.Array:
		var rv reflect.Value
		if t.Kind() == reflect.Slice {
			rv = reflect.MakeSlice(t, len(tc.Values), len(tc.Values))
		} else {
			if len(tc.Values) != t.Len() {
				return reflect.Value{}, errors.Errorf("array %s has %d elements", t, len(tc.Values))
			}
			rv = reflect.New(t).Elem()
		}
		for i, e := range tc.Values {
			ev, err := m.fromElement(t.Elem(), e)
			if err != nil {
				return reflect.Value{}, errors.Wrapf(err, "element %d", i)
			}
			rv.Index(i).Set(ev)
		}
		return rv, nil
	case reflect.Map:
		if len(tc.Keys) != len(tc.Values) {
			return reflect.Value{}, errors.Errorf("map %s has %d keys and %d values", t, len(tc.Keys), len(tc.Values))
		}
		rv := reflect.MakeMapWithSize(t, len(tc.Keys))
		for i := range tc.Keys {
			k, err := m.fromElement(t.Key(), tc.Keys[i])
			if err != nil {
				return reflect.Value{}, errors.Wrap(err, "map key")
			}
			v, err := m.fromElement(t.Elem(), tc.Values[i])
			if err != nil {
				return reflect.Value{}, errors.Wrapf(err, "map value of %v", k)
			}
			rv.SetMapIndex(k, v)
		}
		return rv, nil
	}
	return reflect.Value{}, errors.Errorf("%s is not a container", t)
}

func (m *Marshaller) fromElement(target reflect.Type, e typedElement) (reflect.Value, error) {
	if e.Type == "" {
		return reflect.Zero(target), nil
	}
	s, ok := m.registry.resolve(e.Type)
	if !ok {
		return reflect.Value{}, errors.Errorf("unknown element type %s", e.Type)
	}
	v, err := m.fromWire(s, m.container, e.Content)
	if err != nil {
		return reflect.Value{}, err
	}
	ev := reflect.ValueOf(v)
	if !ev.Type().AssignableTo(target) {
		return reflect.Value{}, errors.Errorf("element type %s is not assignable to %s", ev.Type(), target)
	}
	return ev, nil
}
