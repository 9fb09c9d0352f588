package stream

import (
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"streamcast/clients"
	"streamcast/config"
	"streamcast/control"
	"streamcast/log"
	"streamcast/message"
	"streamcast/status"
)

// Server 是流服务协调器：
// - 持有会话名册并把数据源分片扇出到所有会话
// - 解派播放客户端的二进制消息与控制端的 JSON-RPC 请求
// - 名册与客户端注册表的字段变更都发生在 s.mu 之内
type Server struct {
	cfg     config.Config
	sf      config.SampleFormat
	store   *clients.Store
	version string
	host    string

	control *control.Server
	pipe    *PipeReader
	ln      net.Listener
	srt     *srtAcceptor

	mu       sync.Mutex
	sessions []*Session
	state    status.ServerStatus

	started time.Time
	chunkID atomic.Uint32
}

// NewServer 创建流服务协调器。
// 参数：
// - cfg: 全局配置
// - store: 客户端注册表（已 Load）
// - version: 对外上报的服务版本
// 返回：
// - *Server: 协调器实例
// - error: 采样格式非法时返回错误
func NewServer(cfg config.Config, store *clients.Store, version string) (*Server, error) {
	sf, err := config.ParseSampleFormat(cfg.Stream.SampleFormat)
	if err != nil {
		return nil, err
	}
	host, _ := os.Hostname()
	return &Server{
		cfg:     cfg,
		sf:      sf,
		store:   store,
		version: version,
		host:    host,
		state:   status.ServerStopped,
	}, nil
}

// Start 启动服务：控制面 → 数据源 → 客户端接入（TCP，可选 SRT）。
// 返回：
// - error: 任一环节启动失败原因（已启动的环节会被回收）
func (s *Server) Start() error {
	s.setState(status.ServerStarting)
	s.started = time.Now()

	s.control = control.NewServer(s.cfg.Control.Port, s)
	if err := s.control.Start(); err != nil {
		s.setState(status.ServerStopped)
		return err
	}

	s.pipe = NewPipeReader(s.cfg.Stream, s.sf, s)
	if err := s.pipe.Start(); err != nil {
		s.control.Stop()
		s.setState(status.ServerStopped)
		return err
	}

	ln, err := net.Listen("tcp4", fmt.Sprintf(":%d", s.cfg.Stream.Port))
	if err != nil {
		s.pipe.Stop()
		s.control.Stop()
		s.setState(status.ServerStopped)
		return err
	}
	s.ln = ln
	go s.acceptLoop()

	if s.cfg.Stream.SRTPort > 0 {
		s.srt = newSRTAcceptor(s.cfg.Stream.SRTPort, s.cfg.Stream.SRTLatencyMs, s.handleConn)
		if err := s.srt.Start(); err != nil {
			_ = s.ln.Close()
			s.pipe.Stop()
			s.control.Stop()
			s.setState(status.ServerStopped)
			return err
		}
	}

	s.setState(status.ServerRunning)
	log.With(map[string]any{
		"port":          s.cfg.Stream.Port,
		"control_port":  s.cfg.Control.Port,
		"srt_port":      s.cfg.Stream.SRTPort,
		"sample_format": s.sf.String(),
		"buffer_ms":     s.cfg.Stream.BufferMs,
	}).Info("流服务已启动")
	return nil
}

// Stop 依次停止控制面、客户端接入（TCP、SRT）与数据源，最后在锁内停止名册中的全部会话
// （幂等由各环节自身保证）。
func (s *Server) Stop() {
	s.setState(status.ServerStopping)
	if s.control != nil {
		s.control.Stop()
	}
	if s.ln != nil {
		_ = s.ln.Close()
	}
	if s.srt != nil {
		s.srt.Stop()
	}
	if s.pipe != nil {
		s.pipe.Stop()
	}
	s.mu.Lock()
	for _, sess := range s.sessions {
		sess.Stop()
	}
	s.sessions = nil
	s.mu.Unlock()
	s.setState(status.ServerStopped)
	log.L().Info("流服务已停止")
}

// acceptLoop 接受播放客户端的 TCP 连接。
func (s *Server) acceptLoop() {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			continue
		}
		s.handleConn(conn)
	}
}

// handleConn 接入一条播放客户端连接（TCP 与 SRT 共用）。
func (s *Server) handleConn(conn net.Conn) {
	log.With(map[string]any{"peer": conn.RemoteAddr().String()}).Info("播放客户端接入")
	sess := NewSession(conn, s, uint32(s.cfg.Stream.MaxFrameBytes))
	s.mu.Lock()
	sess.SetBufferMs(s.cfg.Stream.BufferMs)
	sess.Start()
	s.sessions = append(s.sessions, sess)
	s.mu.Unlock()
}

// OnChunkRead 数据源分片回调：编码一次，共享地扇出到所有会话。
func (s *Server) OnChunkRead(_ *PipeReader, chunk *message.PcmChunk, durationMs float64) {
	frame, err := message.EncodeFrame(chunk, uint16(s.chunkID.Add(1)), 0)
	if err != nil {
		log.L().WithError(err).Error("分片编码失败")
		return
	}
	s.broadcastFrame(frame)
}

// OnResync 数据源断流恢复回调；客户端凭分片时间戳自行对齐，这里只记录。
func (s *Server) OnResync(_ *PipeReader, ms float64) {
	log.With(map[string]any{"gap_ms": ms}).Info("数据源断流恢复")
}

// broadcastFrame 扇出一帧共享分片：
// 锁内先清扫失活会话（耗时的 Stop 移交独立协程），再对幸存者逐一入队。
func (s *Server) broadcastFrame(frame []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.sessions[:0]
	for _, sess := range s.sessions {
		if !sess.Active() {
			gone := sess
			go gone.Stop()
			log.With(map[string]any{"mac": gone.MAC()}).Warn("会话失活，移出名册")
			s.control.Broadcast("Client gone: " + gone.MAC())
			continue
		}
		kept = append(kept, sess)
	}
	// 收缩后去掉尾部残留引用，避免压住已回收的会话
	for i := len(kept); i < len(s.sessions); i++ {
		s.sessions[i] = nil
	}
	s.sessions = kept

	for _, sess := range s.sessions {
		sess.AddChunk(frame)
	}
}

// sessionByMAC 返回绑定指定 MAC 的最新活跃会话（重连竞态下可能短暂同 MAC 多会话）。
// 必须在持有 s.mu 时调用。
func (s *Server) sessionByMAC(mac string) *Session {
	if mac == "" {
		return nil
	}
	for i := len(s.sessions) - 1; i >= 0; i-- {
		if s.sessions[i].Active() && s.sessions[i].MAC() == mac {
			return s.sessions[i]
		}
	}
	return nil
}

// OnDisconnect 会话终止回调：翻转 connected 标记、持久化并广播下线通知。
func (s *Server) OnDisconnect(sess *Session) {
	s.mu.Lock()
	mac := sess.MAC()
	var snapshot *clients.ClientInfo
	if c := s.store.Get(mac, false); c != nil {
		c.Connected = false
		c.LastSeen = clients.Now()
		cp := *c
		snapshot = &cp
	}
	s.mu.Unlock()

	if snapshot == nil {
		return
	}
	s.saveStore()
	s.control.Broadcast(control.NewNotification("Client.OnDisconnect", *snapshot))
	log.With(map[string]any{"mac": mac}).Info("播放客户端下线")
}

// OnMessageReceived 播放客户端二进制消息解派。
func (s *Server) OnMessageReceived(sess *Session, base *message.BaseMessage, payload []byte) {
	switch base.Type {
	case message.TypeHello:
		s.handleHello(sess, payload)
	case message.TypeRequest:
		s.handleRequest(sess, base, payload)
	case message.TypeCommand:
		s.handleCommand(sess, base, payload)
	default:
		log.With(map[string]any{"type": base.Type.String(), "mac": sess.MAC()}).Debug("忽略未处理的消息类型")
	}
}

// handleHello 绑定 MAC、登记客户端并广播上线通知。
func (s *Server) handleHello(sess *Session, payload []byte) {
	var hello message.Hello
	if err := hello.Unmarshal(payload); err != nil {
		log.With(map[string]any{"peer": sess.RemoteIP()}).WithError(err).Warn("Hello 解析失败，关闭会话")
		sess.Stop()
		return
	}
	if hello.MAC == "" {
		log.With(map[string]any{"peer": sess.RemoteIP()}).Warn("Hello 缺少 MAC，关闭会话")
		sess.Stop()
		return
	}
	sess.Identify(hello.MAC)

	s.mu.Lock()
	c := s.store.Get(hello.MAC, true)
	c.IP = sess.RemoteIP()
	c.HostName = hello.HostName
	c.Version = hello.Version
	c.Connected = true
	c.LastSeen = clients.Now()
	snapshot := *c
	s.mu.Unlock()

	s.saveStore()
	log.With(map[string]any{"mac": hello.MAC, "host": hello.HostName, "version": hello.Version}).
		Info("播放客户端上线")
	s.control.Broadcast(control.NewNotification("Client.OnConnect", snapshot))
}

// handleRequest 应答客户端请求；与源行为一致，Hello 之前的请求同样被应答。
func (s *Server) handleRequest(sess *Session, base *message.BaseMessage, payload []byte) {
	var req message.Request
	if err := req.Unmarshal(payload); err != nil {
		log.With(map[string]any{"mac": sess.MAC()}).WithError(err).Warn("Request 解析失败")
		return
	}

	switch req.Kind {
	case message.TypeTime:
		latency := float64(base.Received.Sec-base.Sent.Sec) +
			float64(base.Received.Usec-base.Sent.Usec)/1e6
		_ = sess.Send(&message.Time{Latency: latency}, base.ID)

	case message.TypeServerSettings:
		st := &message.ServerSettings{
			BufferMs: uint32(sess.BufferMs()),
			Volume:   100,
		}
		s.mu.Lock()
		if c := s.store.Get(sess.MAC(), sess.MAC() != ""); c != nil {
			st.Volume = c.Volume.Percent
			st.Muted = c.Volume.Muted
			st.Latency = int32(c.Latency)
		}
		s.mu.Unlock()
		_ = sess.Send(st, base.ID)

	case message.TypeSampleFormat:
		_ = sess.Send(&message.SampleFormat{
			Rate:     uint32(s.sf.Rate),
			Bits:     uint16(s.sf.Bits),
			Channels: uint16(s.sf.Channels),
		}, base.ID)

	case message.TypeHeader:
		_ = sess.Send(s.pipe.Header(), base.ID)

	default:
		log.With(map[string]any{"kind": req.Kind.String(), "mac": sess.MAC()}).Debug("忽略未知请求类型")
	}
}

// handleCommand 处理客户端命令；startStream 应答 Ack 并开始投递分片。
func (s *Server) handleCommand(sess *Session, base *message.BaseMessage, payload []byte) {
	var cmd message.Command
	if err := cmd.Unmarshal(payload); err != nil {
		log.With(map[string]any{"mac": sess.MAC()}).WithError(err).Warn("Command 解析失败")
		return
	}
	switch cmd.Verb {
	case "startStream":
		_ = sess.Send(&message.Ack{}, base.ID)
		sess.SetStreamActive(true)
		sess.setState(status.SessionStreaming)
		log.With(map[string]any{"mac": sess.MAC()}).Info("客户端开始收流")
	default:
		log.With(map[string]any{"verb": cmd.Verb, "mac": sess.MAC()}).Debug("忽略未知命令")
	}
}

// Health 返回健康信息（控制面补齐连接数与资源占用）。
func (s *Server) Health() control.Health {
	s.mu.Lock()
	state := s.state
	sessions := len(s.sessions)
	s.mu.Unlock()
	return control.Health{
		Status:          state.String(),
		Version:         s.version,
		StartedAtUnixMs: s.started.UnixMilli(),
		Sessions:        sessions,
		KnownClients:    s.store.Count(),
	}
}

func (s *Server) setState(v status.ServerStatus) {
	s.mu.Lock()
	s.state = v
	s.mu.Unlock()
}

// saveStore 持久化客户端注册表：锁内序列化（记录字段的读写都以 s.mu 定序），
// 锁外写盘。失败只记录，内存状态仍是权威。
func (s *Server) saveStore() {
	s.mu.Lock()
	raw, err := s.store.Encode()
	s.mu.Unlock()
	if err == nil {
		err = s.store.Flush(raw)
	}
	if err != nil {
		log.L().WithError(err).Warn("客户端注册表持久化失败")
	}
}
