package stream

import (
	"fmt"
	"net"
	"sync"
	"time"

	srt "github.com/datarhei/gosrt"

	"streamcast/errors"
	"streamcast/log"
)

// srtAcceptor 在 SRT 端口接受播放客户端；接入后的连接与 TCP 会话走同一条
// 会话/广播路径（Session 只依赖 net.Conn）。
type srtAcceptor struct {
	port      int
	latencyMs int
	onConn    func(net.Conn)

	ln srt.Listener

	closeOnce sync.Once
}

// newSRTAcceptor 创建 SRT 接入器。
// 参数：
// - port: SRT 监听端口
// - latencyMs: goSRT 接收侧延迟窗口（毫秒）
// - onConn: 接入回调（复用 TCP 接入路径）
func newSRTAcceptor(port, latencyMs int, onConn func(net.Conn)) *srtAcceptor {
	return &srtAcceptor{port: port, latencyMs: latencyMs, onConn: onConn}
}

// Start 启动 SRT 监听与接受循环。
// 返回：
// - error: 监听失败原因
func (a *srtAcceptor) Start() error {
	cfg := srt.DefaultConfig()
	cfg.Latency = time.Duration(a.latencyMs) * time.Millisecond
	cfg.PeerIdleTimeout = 8 * time.Second

	ln, err := srt.Listen("srt", fmt.Sprintf("0.0.0.0:%d", a.port), cfg)
	if err != nil {
		return errors.Wrap(errors.CodeUnavailable, "srt listen failed", err)
	}
	a.ln = ln
	log.With(map[string]any{"port": a.port}).Info("SRT 接入端口开始监听")
	go a.acceptLoop()
	return nil
}

// Stop 关闭 SRT 监听（幂等）。
func (a *srtAcceptor) Stop() {
	a.closeOnce.Do(func() {
		if a.ln != nil {
			a.ln.Close()
		}
	})
}

// acceptLoop 接受新 SRT 连接并交给接入回调。
func (a *srtAcceptor) acceptLoop() {
	for {
		req, err := a.ln.Accept2()
		if err != nil {
			return
		}
		conn, err := req.Accept()
		if err != nil {
			continue
		}
		go a.onConn(conn)
	}
}
