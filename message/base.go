package message

import (
	"encoding/binary"
	"io"
	"time"

	"streamcast/errors"
)

type Type uint16

const (
	TypeBase Type = iota
	TypeHeader
	TypePcmChunk
	TypeSampleFormat
	TypeServerSettings
	TypeTime
	TypeRequest
	TypeAck
	TypeCommand
	TypeHello
)

// String 返回消息类型名（用于日志）。
func (t Type) String() string {
	switch t {
	case TypeBase:
		return "Base"
	case TypeHeader:
		return "Header"
	case TypePcmChunk:
		return "PcmChunk"
	case TypeSampleFormat:
		return "SampleFormat"
	case TypeServerSettings:
		return "ServerSettings"
	case TypeTime:
		return "Time"
	case TypeRequest:
		return "Request"
	case TypeAck:
		return "Ack"
	case TypeCommand:
		return "Command"
	case TypeHello:
		return "Hello"
	default:
		return "Unknown"
	}
}

type Timeval struct {
	Sec  int32
	Usec int32
}

// NowTimeval 返回当前时刻的秒/微秒表示。
func NowTimeval() Timeval {
	t := time.Now()
	return Timeval{Sec: int32(t.Unix()), Usec: int32(t.Nanosecond() / 1000)}
}

// baseSize 固定信封长度：type/id/refersTo 各 u16，sent/received 各两个 i32，size u32。
const baseSize = 2 + 2 + 2 + 8 + 8 + 4

type BaseMessage struct {
	Type     Type
	ID       uint16
	RefersTo uint16
	Sent     Timeval
	Received Timeval
	Size     uint32
}

// Payload 是可以装入信封的类型化消息体。
type Payload interface {
	MsgType() Type
	Marshal() ([]byte, error)
	Unmarshal(b []byte) error
}

// ReadFrame 从流中读取一帧：26 字节信封 + size 字节消息体。
// 信封解析完成的瞬间填充 Received 时间戳。
// 参数：
// - r: 输入流
// - maxSize: 单帧消息体最大字节数，超限按畸形帧处理
// 返回：
// - *BaseMessage: 信封
// - []byte: 消息体
// - error: io.EOF（干净关闭）/ CodeShortRead（半截帧）/ CodeBadFrame、CodeFrameTooLarge
func ReadFrame(r io.Reader, maxSize uint32) (*BaseMessage, []byte, error) {
	var hdr [baseSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		if err == io.EOF {
			return nil, nil, io.EOF
		}
		if err == io.ErrUnexpectedEOF {
			return nil, nil, errors.Wrap(errors.CodeShortRead, "stream ended inside envelope", err)
		}
		return nil, nil, err
	}

	b := &BaseMessage{
		Type:     Type(binary.LittleEndian.Uint16(hdr[0:])),
		ID:       binary.LittleEndian.Uint16(hdr[2:]),
		RefersTo: binary.LittleEndian.Uint16(hdr[4:]),
		Sent: Timeval{
			Sec:  int32(binary.LittleEndian.Uint32(hdr[6:])),
			Usec: int32(binary.LittleEndian.Uint32(hdr[10:])),
		},
		Received: Timeval{
			Sec:  int32(binary.LittleEndian.Uint32(hdr[14:])),
			Usec: int32(binary.LittleEndian.Uint32(hdr[18:])),
		},
		Size: binary.LittleEndian.Uint32(hdr[22:]),
	}
	if b.Type == TypeBase || b.Type > TypeHello {
		return nil, nil, errors.New(errors.CodeBadFrame, "unknown message type")
	}
	if b.Size > maxSize {
		return nil, nil, errors.New(errors.CodeFrameTooLarge, "frame size exceeds limit")
	}
	b.Received = NowTimeval()

	payload := make([]byte, b.Size)
	if _, err := io.ReadFull(r, payload); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return nil, nil, errors.Wrap(errors.CodeShortRead, "stream ended inside payload", err)
		}
		return nil, nil, err
	}
	return b, payload, nil
}

// EncodeFrame 将类型化消息体编码为一帧完整的线缆字节（信封 + 消息体）。
// Sent 时间戳在编码时填充；Received 留空由对端填充。
// 参数：
// - p: 消息体
// - id: 发送方自增消息 ID
// - refersTo: 被应答消息的 ID（主动推送为 0）
// 返回：
// - []byte: 可整体写出、可跨会话共享的不可变帧
// - error: 消息体编码失败原因
func EncodeFrame(p Payload, id, refersTo uint16) ([]byte, error) {
	body, err := p.Marshal()
	if err != nil {
		return nil, err
	}
	sent := NowTimeval()
	out := make([]byte, baseSize+len(body))
	binary.LittleEndian.PutUint16(out[0:], uint16(p.MsgType()))
	binary.LittleEndian.PutUint16(out[2:], id)
	binary.LittleEndian.PutUint16(out[4:], refersTo)
	binary.LittleEndian.PutUint32(out[6:], uint32(sent.Sec))
	binary.LittleEndian.PutUint32(out[10:], uint32(sent.Usec))
	binary.LittleEndian.PutUint32(out[14:], 0)
	binary.LittleEndian.PutUint32(out[18:], 0)
	binary.LittleEndian.PutUint32(out[22:], uint32(len(body)))
	copy(out[baseSize:], body)
	return out, nil
}

// putString 追加 u32 长度前缀字符串。
func putString(dst []byte, s string) []byte {
	var l [4]byte
	binary.LittleEndian.PutUint32(l[:], uint32(len(s)))
	dst = append(dst, l[:]...)
	return append(dst, s...)
}

// putBytes 追加 u32 长度前缀字节串。
func putBytes(dst, b []byte) []byte {
	var l [4]byte
	binary.LittleEndian.PutUint32(l[:], uint32(len(b)))
	dst = append(dst, l[:]...)
	return append(dst, b...)
}

// fieldReader 顺序读取消息体字段，越界时记录畸形帧错误。
type fieldReader struct {
	b   []byte
	off int
	err error
}

func (r *fieldReader) fail() {
	if r.err == nil {
		r.err = errors.New(errors.CodeBadFrame, "payload truncated")
	}
}

func (r *fieldReader) uint16() uint16 {
	if r.err != nil || r.off+2 > len(r.b) {
		r.fail()
		return 0
	}
	v := binary.LittleEndian.Uint16(r.b[r.off:])
	r.off += 2
	return v
}

func (r *fieldReader) uint32() uint32 {
	if r.err != nil || r.off+4 > len(r.b) {
		r.fail()
		return 0
	}
	v := binary.LittleEndian.Uint32(r.b[r.off:])
	r.off += 4
	return v
}

func (r *fieldReader) uint64() uint64 {
	if r.err != nil || r.off+8 > len(r.b) {
		r.fail()
		return 0
	}
	v := binary.LittleEndian.Uint64(r.b[r.off:])
	r.off += 8
	return v
}

func (r *fieldReader) byte() byte {
	if r.err != nil || r.off+1 > len(r.b) {
		r.fail()
		return 0
	}
	v := r.b[r.off]
	r.off++
	return v
}

func (r *fieldReader) blob() []byte {
	n := int(r.uint32())
	if r.err != nil || r.off+n > len(r.b) {
		r.fail()
		return nil
	}
	v := make([]byte, n)
	copy(v, r.b[r.off:r.off+n])
	r.off += n
	return v
}

func (r *fieldReader) str() string { return string(r.blob()) }
