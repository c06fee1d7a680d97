// Package marshal 将会话属性表编码为单个二进制 blob, 以及反向解码.
//
// 每个属性单独编码后放入一个容器再整体编码, 因此单个属性编码或解码失败
// 只会丢弃该属性, 不影响其余属性. 解码时类型无法识别的属性以
// MarshalledAttribute 的形式保留.
package marshal

import (
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/lni/dragonboat/v4/logger"

	"github.com/haiyiyun/kvsession/codec"
	"github.com/haiyiyun/kvsession/internal/logging"
)

var plog = logger.GetLogger(logging.Marshal)

// 小于该长度的 blob 视为空
const minBlobLength = 2

var (
	droppedIneligible = metrics.GetOrCreateCounter(`kvsession_marshal_dropped_total{reason="ineligible"}`)
	droppedEncode     = metrics.GetOrCreateCounter(`kvsession_marshal_dropped_total{reason="encode"}`)
	droppedDecode     = metrics.GetOrCreateCounter(`kvsession_marshal_dropped_total{reason="decode"}`)
	unknownTypes      = metrics.GetOrCreateCounter("kvsession_unmarshal_unknown_type_total")
	marshalSeconds    = metrics.GetOrCreateHistogram("kvsession_marshal_duration_seconds")
	unmarshalSeconds  = metrics.GetOrCreateHistogram("kvsession_unmarshal_duration_seconds")
)

// Marshaller 会话属性表编解码器, 可并发使用
type Marshaller struct {
	attrs     codec.Codec // 单个属性值, 按配置压缩
	container codec.Codec // 外层容器, 不压缩
	registry  *Registry
}

// New 使用包级默认注册表创建编解码器
func New(attrs, container codec.Codec) *Marshaller {
	return NewWithRegistry(attrs, container, defaultRegistry)
}

// NewWithRegistry 使用指定注册表创建编解码器
func NewWithRegistry(attrs, container codec.Codec, registry *Registry) *Marshaller {
	return &Marshaller{attrs: attrs, container: container, registry: registry}
}

// Marshal 编码属性表. 不可编码或编码失败的属性被跳过; 容器编码失败时返回空切片.
func (m *Marshaller) Marshal(attributes map[string]interface{}) []byte {
	start := time.Now()
	defer marshalSeconds.UpdateDuration(start)

	out := make(map[string]wireAttribute, len(attributes))
	for name, value := range attributes {
		if ma, ok := value.(*MarshalledAttribute); ok {
			// 原样写回
			out[name] = ma.wire()
			continue
		}

		s, ok := m.registry.shapeFor(value)
		if !ok {
			plog.Debugf("attribute '%s' of type %T is not eligible for serialization - ignore", name, value)
			droppedIneligible.Inc()
			continue
		}
		wire, err := m.wireValue(s, value)
		if err != nil {
			plog.Warningf("unable to marshal attribute '%s': %v - ignore", name, err)
			droppedEncode.Inc()
			continue
		}
		data, err := m.attrs.Serialize(wire)
		if err != nil {
			plog.Warningf("unable to marshal attribute '%s': %v - ignore", name, err)
			droppedEncode.Inc()
			continue
		}
		m.registry.learn(s)
		out[name] = wireAttribute{Name: name, Type: s.name, Content: data}
	}

	blob, err := m.container.Serialize(out)
	if err != nil {
		plog.Errorf("unable to marshal session attributes: %v", err)
		return []byte{}
	}
	return blob
}

// Unmarshal 解码属性表, 任何错误都不会向外抛出, 最坏情况下返回空表
func (m *Marshaller) Unmarshal(data []byte) map[string]interface{} {
	start := time.Now()
	defer unmarshalSeconds.UpdateDuration(start)

	result := make(map[string]interface{})
	if len(data) < minBlobLength {
		if len(data) > 0 {
			plog.Warningf("session attributes blob too short (%d bytes) - ignore", len(data))
		}
		return result
	}

	var container map[string]wireAttribute
	if err := m.container.Deserialize(data, &container); err != nil {
		plog.Errorf("unable to unmarshal session attributes: %v", err)
		return result
	}

	for name, wa := range container {
		s, ok := m.registry.resolve(wa.Type)
		if !ok {
			plog.Debugf("attribute '%s' has unknown type %s - kept marshalled", name, wa.Type)
			unknownTypes.Inc()
			result[name] = NewMarshalledAttribute(wa.Name, wa.Type, wa.Content)
			continue
		}
		v, err := m.fromWire(s, m.attrs, wa.Content)
		if err != nil {
			plog.Warningf("unable to unmarshal attribute '%s' of type %s: %v - ignore", name, wa.Type, err)
			droppedDecode.Inc()
			continue
		}
		result[name] = v
	}
	return result
}
