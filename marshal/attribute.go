package marshal

import (
	"fmt"
)

// MarshalledAttribute 已编码的会话属性 (不可变).
//
// 解码时类型无法识别的属性 (例如由其他部署写入) 以该形式原样保留在会话中,
// 再次保存时不会被重新编码.
type MarshalledAttribute struct {
	name     string
	typeName string
	content  []byte
}

// NewMarshalledAttribute 创建已编码属性, content 会被复制
func NewMarshalledAttribute(name, typeName string, content []byte) *MarshalledAttribute {
	c := make([]byte, len(content))
	copy(c, content)
	return &MarshalledAttribute{name: name, typeName: typeName, content: c}
}

// Name 属性名
func (a *MarshalledAttribute) Name() string { return a.name }

// TypeName 编码时属性值的类型名
func (a *MarshalledAttribute) TypeName() string { return a.typeName }

// Content 返回编码内容的副本
func (a *MarshalledAttribute) Content() []byte {
	c := make([]byte, len(a.content))
	copy(c, a.content)
	return c
}

// Len 编码内容的字节数
func (a *MarshalledAttribute) Len() int { return len(a.content) }

func (a *MarshalledAttribute) String() string {
	return fmt.Sprintf("MarshalledAttribute[%s-%s %d bytes]", a.name, a.typeName, len(a.content))
}

// wireAttribute 属性在容器中的存储形式
type wireAttribute struct {
	Name    string `msgpack:"n"`
	Type    string `msgpack:"t"`
	Content []byte `msgpack:"c"`
}

func (a *MarshalledAttribute) wire() wireAttribute {
	return wireAttribute{Name: a.name, Type: a.typeName, Content: a.content}
}
