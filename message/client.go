package message

// 客户端发往服务端的消息体。

type Hello struct {
	MAC      string
	HostName string
	Version  string
}

func (m *Hello) MsgType() Type { return TypeHello }

// Marshal 编码 Hello：mac/host/version 三个长度前缀字符串。
func (m *Hello) Marshal() ([]byte, error) {
	out := putString(nil, m.MAC)
	out = putString(out, m.HostName)
	out = putString(out, m.Version)
	return out, nil
}

// Unmarshal 解码 Hello。
func (m *Hello) Unmarshal(b []byte) error {
	r := fieldReader{b: b}
	m.MAC = r.str()
	m.HostName = r.str()
	m.Version = r.str()
	return r.err
}

// Request 携带被请求消息的类型码（Time/ServerSettings/SampleFormat/Header）。
type Request struct {
	Kind Type
}

func (m *Request) MsgType() Type { return TypeRequest }

func (m *Request) Marshal() ([]byte, error) {
	out := make([]byte, 2)
	out[0] = byte(m.Kind)
	out[1] = byte(m.Kind >> 8)
	return out, nil
}

func (m *Request) Unmarshal(b []byte) error {
	r := fieldReader{b: b}
	m.Kind = Type(r.uint16())
	return r.err
}

type Command struct {
	Verb string
}

func (m *Command) MsgType() Type { return TypeCommand }

func (m *Command) Marshal() ([]byte, error) { return putString(nil, m.Verb), nil }

func (m *Command) Unmarshal(b []byte) error {
	r := fieldReader{b: b}
	m.Verb = r.str()
	return r.err
}
