package stream

import (
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"streamcast/errors"
	"streamcast/log"
	"streamcast/message"
	"streamcast/status"
)

// 套接字读写超时，超时即判定会话死亡。
const sessionIOTimeout = 5 * time.Second

// 出站帧队列深度；慢客户端塞满队列时会话被标记失活并在下次广播时回收。
const sendQueueDepth = 256

// SessionSink 是客户端会话向协调器的上行接口。
type SessionSink interface {
	// OnMessageReceived 处理一帧来自播放客户端的已解码消息。
	OnMessageReceived(s *Session, base *message.BaseMessage, payload []byte)
	// OnDisconnect 在会话终止时回调（每个会话至多一次）。
	OnDisconnect(s *Session)
}

// Session 持有一条到播放客户端的连接：
// 出站帧经有界队列由发送协程按入队顺序写出；入站帧由读取协程解码后上交协调器。
type Session struct {
	conn     net.Conn
	sink     SessionSink
	maxFrame uint32

	out chan []byte

	active       atomic.Bool
	streamActive atomic.Bool
	bufferMs     atomic.Int64
	nextID       atomic.Uint32

	mu    sync.RWMutex
	mac   string
	state status.SessionStatus

	closeOnce      sync.Once
	disconnectOnce sync.Once
	done           chan struct{}
}

// NewSession 创建客户端会话（尚未启动）。
// 参数：
// - conn: 已接受的连接（TCP 或 SRT）
// - sink: 协调器上行接口
// - maxFrame: 单帧消息体上限
func NewSession(conn net.Conn, sink SessionSink, maxFrame uint32) *Session {
	s := &Session{
		conn:     conn,
		sink:     sink,
		maxFrame: maxFrame,
		out:      make(chan []byte, sendQueueDepth),
		state:    status.SessionPreHello,
		done:     make(chan struct{}),
	}
	s.active.Store(true)
	return s
}

// Start 启动读取与发送协程。
func (s *Session) Start() {
	go s.readLoop()
	go s.sendLoop()
}

// Stop 关闭会话并释放连接（幂等）。关闭后读写协程自行退出。
func (s *Session) Stop() {
	s.closeOnce.Do(func() {
		s.active.Store(false)
		s.setState(status.SessionClosed)
		close(s.done)
		_ = s.conn.SetDeadline(time.Now())
		_ = s.conn.Close()
	})
}

// Active 返回会话是否仍可用；发送或读取遇到不可恢复错误后为 false。
func (s *Session) Active() bool { return s.active.Load() }

// SetStreamActive 设置是否向该会话投递 PCM 分片。
func (s *Session) SetStreamActive(v bool) { s.streamActive.Store(v) }

// StreamActive 返回该会话是否处于收流状态。
func (s *Session) StreamActive() bool { return s.streamActive.Load() }

// SetBufferMs 记录链路目标缓冲（随 ServerSettings 下发给客户端）。
func (s *Session) SetBufferMs(ms int) { s.bufferMs.Store(int64(ms)) }

// BufferMs 返回链路目标缓冲。
func (s *Session) BufferMs() int { return int(s.bufferMs.Load()) }

// MAC 返回会话绑定的客户端标识（Hello 之前为空）。
func (s *Session) MAC() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.mac
}

// Identify 绑定 MAC 并进入 Identified 状态。
func (s *Session) Identify(mac string) {
	s.mu.Lock()
	s.mac = mac
	if s.state == status.SessionPreHello {
		s.state = status.SessionIdentified
	}
	s.mu.Unlock()
}

// State 返回会话状态。
func (s *Session) State() status.SessionStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

func (s *Session) setState(v status.SessionStatus) {
	s.mu.Lock()
	s.state = v
	s.mu.Unlock()
}

// RemoteIP 返回对端 IP 文本。
func (s *Session) RemoteIP() string {
	host, _, err := net.SplitHostPort(s.conn.RemoteAddr().String())
	if err != nil {
		return s.conn.RemoteAddr().String()
	}
	return host
}

// Add 非阻塞入队一帧共享的已编码消息。
// 队列已满说明客户端长期不排空，按失活处理，交由下次广播回收。
// 参数：
// - frame: 不可变帧字节（可被多个会话共享）
func (s *Session) Add(frame []byte) {
	if !s.active.Load() {
		return
	}
	select {
	case s.out <- frame:
	case <-s.done:
	default:
		log.With(map[string]any{"mac": s.MAC(), "peer": s.conn.RemoteAddr().String()}).
			Warn("出站队列已满，标记会话失活")
		s.active.Store(false)
	}
}

// AddChunk 入队一帧 PCM 分片；仅在收流状态下投递。
func (s *Session) AddChunk(frame []byte) {
	if !s.streamActive.Load() {
		return
	}
	s.Add(frame)
}

// Send 编码并入队一条单播应答（Time/Ack/SampleFormat/Header/ServerSettings）。
// 内部同样走出站队列，保证与其它帧的顺序关系。
// 参数：
// - p: 消息体
// - refersTo: 被应答消息的 ID（主动推送为 0）
// 返回：
// - error: 编码失败原因
func (s *Session) Send(p message.Payload, refersTo uint16) error {
	frame, err := message.EncodeFrame(p, s.nextMsgID(), refersTo)
	if err != nil {
		return err
	}
	s.Add(frame)
	return nil
}

// nextMsgID 返回会话内自增消息 ID（u16 回绕）。
func (s *Session) nextMsgID() uint16 {
	return uint16(s.nextID.Add(1))
}

// sendLoop 将出站队列按序写出；写超时或写错误即判定会话死亡。
func (s *Session) sendLoop() {
	for {
		select {
		case <-s.done:
			return
		case frame := <-s.out:
			_ = s.conn.SetWriteDeadline(time.Now().Add(sessionIOTimeout))
			if _, err := s.conn.Write(frame); err != nil {
				s.deactivate("write_error", err)
				return
			}
		}
	}
}

// readLoop 持续解码入站帧并上交协调器。
// 任何读取错误都经 deactivate 标记失活、关闭连接并回调 OnDisconnect；
// 协议帧错误（畸形帧/超长帧/半截帧）另外以告警级别记录。
func (s *Session) readLoop() {
	for {
		select {
		case <-s.done:
			return
		default:
		}
		_ = s.conn.SetReadDeadline(time.Now().Add(sessionIOTimeout))
		base, payload, err := message.ReadFrame(s.conn, s.maxFrame)
		if err != nil {
			if err == io.EOF {
				s.deactivate("peer_closed", nil)
				return
			}
			if errors.IsFrameError(err) {
				log.With(map[string]any{"mac": s.MAC(), "peer": s.conn.RemoteAddr().String()}).
					WithError(err).Warn("协议帧错误，关闭会话")
				s.deactivate("bad_frame", err)
				return
			}
			s.deactivate("read_error", err)
			return
		}
		s.sink.OnMessageReceived(s, base, payload)
	}
}

// deactivate 标记会话死亡，关闭连接并回调协调器（至多一次）。
func (s *Session) deactivate(reason string, err error) {
	s.active.Store(false)
	entry := log.With(map[string]any{"mac": s.MAC(), "peer": s.conn.RemoteAddr().String(), "reason": reason})
	if err != nil {
		entry = entry.WithError(err)
	}
	entry.Debug("会话失活")
	s.Stop()
	s.disconnectOnce.Do(func() {
		s.sink.OnDisconnect(s)
	})
}
