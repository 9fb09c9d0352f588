package message

import (
	"encoding/binary"
	"math"
)

// 服务端发往客户端的消息体。

type Ack struct{}

func (m *Ack) MsgType() Type { return TypeAck }

func (m *Ack) Marshal() ([]byte, error) { return nil, nil }

func (m *Ack) Unmarshal(b []byte) error { return nil }

// Time 应答时间同步请求，latency 为请求在途耗时（秒）。
type Time struct {
	Latency float64
}

func (m *Time) MsgType() Type { return TypeTime }

func (m *Time) Marshal() ([]byte, error) {
	out := make([]byte, 8)
	binary.LittleEndian.PutUint64(out, math.Float64bits(m.Latency))
	return out, nil
}

func (m *Time) Unmarshal(b []byte) error {
	r := fieldReader{b: b}
	m.Latency = math.Float64frombits(r.uint64())
	return r.err
}

type SampleFormat struct {
	Rate     uint32
	Bits     uint16
	Channels uint16
}

func (m *SampleFormat) MsgType() Type { return TypeSampleFormat }

func (m *SampleFormat) Marshal() ([]byte, error) {
	out := make([]byte, 8)
	binary.LittleEndian.PutUint32(out[0:], m.Rate)
	binary.LittleEndian.PutUint16(out[4:], m.Bits)
	binary.LittleEndian.PutUint16(out[6:], m.Channels)
	return out, nil
}

func (m *SampleFormat) Unmarshal(b []byte) error {
	r := fieldReader{b: b}
	m.Rate = r.uint32()
	m.Bits = r.uint16()
	m.Channels = r.uint16()
	return r.err
}

// ServerSettings 下发整体缓冲与该客户端的音量/静音/延迟修正。
type ServerSettings struct {
	BufferMs uint32
	Latency  int32
	Volume   uint16
	Muted    bool
}

func (m *ServerSettings) MsgType() Type { return TypeServerSettings }

func (m *ServerSettings) Marshal() ([]byte, error) {
	out := make([]byte, 11)
	binary.LittleEndian.PutUint32(out[0:], m.BufferMs)
	binary.LittleEndian.PutUint32(out[4:], uint32(m.Latency))
	binary.LittleEndian.PutUint16(out[8:], m.Volume)
	if m.Muted {
		out[10] = 1
	}
	return out, nil
}

func (m *ServerSettings) Unmarshal(b []byte) error {
	r := fieldReader{b: b}
	m.BufferMs = r.uint32()
	m.Latency = int32(r.uint32())
	m.Volume = r.uint16()
	m.Muted = r.byte() != 0
	return r.err
}

// Header 携带编码器初始化数据（如 pcm 的 WAV 头）。
type Header struct {
	Codec string
	Blob  []byte
}

func (m *Header) MsgType() Type { return TypeHeader }

func (m *Header) Marshal() ([]byte, error) {
	out := putString(nil, m.Codec)
	out = putBytes(out, m.Blob)
	return out, nil
}

func (m *Header) Unmarshal(b []byte) error {
	r := fieldReader{b: b}
	m.Codec = r.str()
	m.Blob = r.blob()
	return r.err
}

// PcmChunk 携带一段定长时长的 PCM 数据与其采集时间戳。
type PcmChunk struct {
	Timestamp Timeval
	Payload   []byte
}

func (m *PcmChunk) MsgType() Type { return TypePcmChunk }

func (m *PcmChunk) Marshal() ([]byte, error) {
	out := make([]byte, 8, 8+4+len(m.Payload))
	binary.LittleEndian.PutUint32(out[0:], uint32(m.Timestamp.Sec))
	binary.LittleEndian.PutUint32(out[4:], uint32(m.Timestamp.Usec))
	return putBytes(out, m.Payload), nil
}

func (m *PcmChunk) Unmarshal(b []byte) error {
	r := fieldReader{b: b}
	m.Timestamp.Sec = int32(r.uint32())
	m.Timestamp.Usec = int32(r.uint32())
	m.Payload = r.blob()
	return r.err
}
