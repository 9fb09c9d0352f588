package stream

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"testing"
	"time"

	"streamcast/clients"
	"streamcast/config"
	"streamcast/log"
	"streamcast/message"
)

// startTestServer 启动一套用于测试的完整流服务（随机端口 + 临时 FIFO）。
func startTestServer(t *testing.T) (config.Config, *Server, func()) {
	t.Helper()
	dir := t.TempDir()
	fifo := filepath.Join(dir, "source.fifo")
	if err := syscall.Mkfifo(fifo, 0o600); err != nil {
		t.Fatal(err)
	}

	cfg := config.DefaultConfig()
	cfg.Logging.Output = "console"
	cfg.Logging.Level = "warn"
	_ = log.Init(cfg.Logging)

	cfg.Stream.Port = freeTCPPort(t)
	cfg.Control.Port = freeTCPPort(t)
	cfg.Stream.SourceFifo = fifo
	cfg.Stream.ClientStore = filepath.Join(dir, "clients.yaml")
	cfg.Stream.PipeReadMs = 20

	store := clients.NewStore(cfg.Stream.ClientStore)
	srv, err := NewServer(cfg, store, "test")
	if err != nil {
		t.Fatal(err)
	}
	if err := srv.Start(); err != nil {
		t.Fatal(err)
	}
	return cfg, srv, srv.Stop
}

// freeTCPPort 获取一个可用的临时 TCP 端口（用于测试）。
func freeTCPPort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port
}

// dialStream 建立播放客户端连接。
func dialStream(t *testing.T, port int) net.Conn {
	t.Helper()
	c, err := net.DialTimeout("tcp", fmt.Sprintf("127.0.0.1:%d", port), 2*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	return c
}

// dialControl 建立控制连接。
func dialControl(t *testing.T, port int) (net.Conn, *bufio.Reader) {
	t.Helper()
	c, err := net.DialTimeout("tcp", fmt.Sprintf("127.0.0.1:%d", port), 2*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	return c, bufio.NewReader(c)
}

// sendFrame 以客户端身份发送一帧消息。
func sendFrame(t *testing.T, conn net.Conn, p message.Payload, id uint16) {
	t.Helper()
	frame, err := message.EncodeFrame(p, id, 0)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := conn.Write(frame); err != nil {
		t.Fatal(err)
	}
}

// readFrameOfType 读取下一帧指定类型的消息（跳过其它类型）。
func readFrameOfType(t *testing.T, conn net.Conn, typ message.Type) (*message.BaseMessage, []byte) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		_ = conn.SetReadDeadline(deadline)
		base, payload, err := message.ReadFrame(conn, 1<<20)
		if err != nil {
			t.Fatalf("read frame: %v", err)
		}
		if base.Type == typ {
			return base, payload
		}
	}
}

// sendRPC 发送一行 JSON-RPC 请求。
func sendRPC(t *testing.T, conn net.Conn, line string) {
	t.Helper()
	if _, err := conn.Write([]byte(line + "\n")); err != nil {
		t.Fatal(err)
	}
}

// awaitLine 读取控制连接直到出现包含 substr 的一行。
func awaitLine(t *testing.T, conn net.Conn, r *bufio.Reader, substr string) string {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		_ = conn.SetReadDeadline(deadline)
		line, err := r.ReadString('\n')
		if err != nil {
			t.Fatalf("await %q: %v", substr, err)
		}
		if strings.Contains(line, substr) {
			return strings.TrimSpace(line)
		}
	}
}

const testMAC = "00:11:22:33:44:55"

// helloUp 完成一次 Hello 并等待上线通知。
// 先做一次状态查询确保控制会话已注册，避免错过广播。
func helloUp(t *testing.T, sc net.Conn, cc net.Conn, cr *bufio.Reader) {
	t.Helper()
	sendRPC(t, cc, `{"jsonrpc":"2.0","method":"System.GetStatus","id":100}`)
	awaitLine(t, cc, cr, `"id":100`)
	sendFrame(t, sc, &message.Hello{MAC: testMAC, HostName: "pi", Version: "0.10"}, 1)
	awaitLine(t, cc, cr, "Client.OnConnect")
}

// TestHelloTimeAndStatus 场景 S1：Hello 后时间同步可用，状态查询可见 connected=true。
func TestHelloTimeAndStatus(t *testing.T) {
	cfg, _, stop := startTestServer(t)
	defer stop()

	cc, cr := dialControl(t, cfg.Control.Port)
	defer cc.Close()
	sc := dialStream(t, cfg.Stream.Port)
	defer sc.Close()

	helloUp(t, sc, cc, cr)

	sendFrame(t, sc, &message.Request{Kind: message.TypeTime}, 7)
	base, payload := readFrameOfType(t, sc, message.TypeTime)
	if base.RefersTo != 7 {
		t.Fatalf("refersTo = %d, want 7", base.RefersTo)
	}
	var tm message.Time
	if err := tm.Unmarshal(payload); err != nil {
		t.Fatal(err)
	}
	if tm.Latency < -5 || tm.Latency > 5 {
		t.Fatalf("implausible latency: %v", tm.Latency)
	}

	sendRPC(t, cc, `{"jsonrpc":"2.0","method":"System.GetStatus","id":2}`)
	line := awaitLine(t, cc, cr, `"id":2`)
	var resp struct {
		Result struct {
			Server struct {
				Version string `json:"version"`
			} `json:"server"`
			Clients []clients.ClientInfo `json:"clients"`
		} `json:"result"`
	}
	if err := json.Unmarshal([]byte(line), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Result.Server.Version != "test" {
		t.Fatalf("bad server block: %s", line)
	}
	if len(resp.Result.Clients) != 1 || !resp.Result.Clients[0].Connected || resp.Result.Clients[0].MAC != testMAC {
		t.Fatalf("bad clients block: %s", line)
	}
}

// TestPreHelloTimeAnswered 验证 Hello 之前的时间同步请求同样被应答（保留源行为）。
func TestPreHelloTimeAnswered(t *testing.T) {
	cfg, _, stop := startTestServer(t)
	defer stop()

	sc := dialStream(t, cfg.Stream.Port)
	defer sc.Close()

	sendFrame(t, sc, &message.Request{Kind: message.TypeTime}, 3)
	base, _ := readFrameOfType(t, sc, message.TypeTime)
	if base.RefersTo != 3 {
		t.Fatalf("refersTo = %d, want 3", base.RefersTo)
	}
}

// TestVolumeRoundTrip 场景 S2：改音量后响应、更新通知与 ServerSettings 下发齐备。
func TestVolumeRoundTrip(t *testing.T) {
	cfg, _, stop := startTestServer(t)
	defer stop()

	cc, cr := dialControl(t, cfg.Control.Port)
	defer cc.Close()
	sc := dialStream(t, cfg.Stream.Port)
	defer sc.Close()

	helloUp(t, sc, cc, cr)

	sendRPC(t, cc, fmt.Sprintf(`{"jsonrpc":"2.0","method":"Client.SetVolume","params":{"client":"%s","volume":42},"id":1}`, testMAC))
	update := awaitLine(t, cc, cr, "Client.OnUpdate")
	if !strings.Contains(update, `"percent":42`) {
		t.Fatalf("update lacks new volume: %s", update)
	}
	resp := awaitLine(t, cc, cr, `"id":1`)
	if !strings.Contains(resp, `"result":42`) {
		t.Fatalf("bad response: %s", resp)
	}

	_, payload := readFrameOfType(t, sc, message.TypeServerSettings)
	var st message.ServerSettings
	if err := st.Unmarshal(payload); err != nil {
		t.Fatal(err)
	}
	if st.Volume != 42 || st.BufferMs != uint32(cfg.Stream.BufferMs) {
		t.Fatalf("bad settings push: %+v", st)
	}
}

// TestUnknownClientAndMethod 场景 S3/S4：未知客户端与未知方法的错误码。
func TestUnknownClientAndMethod(t *testing.T) {
	cfg, _, stop := startTestServer(t)
	defer stop()

	cc, cr := dialControl(t, cfg.Control.Port)
	defer cc.Close()

	sendRPC(t, cc, `{"jsonrpc":"2.0","method":"Client.SetMute","params":{"client":"aa:aa:aa:aa:aa:aa","mute":true},"id":1}`)
	line := awaitLine(t, cc, cr, `"id":1`)
	if !strings.Contains(line, "-32603") || !strings.Contains(line, "Client not found") {
		t.Fatalf("bad unknown-client error: %s", line)
	}

	sendRPC(t, cc, `{"jsonrpc":"2.0","method":"Foo.Bar","id":2}`)
	line = awaitLine(t, cc, cr, `"id":2`)
	if !strings.Contains(line, "-32601") {
		t.Fatalf("bad unknown-method error: %s", line)
	}
}

// TestLatencyBound 场景 S6：越界延迟被拒且状态不变、不发通知。
func TestLatencyBound(t *testing.T) {
	cfg, _, stop := startTestServer(t)
	defer stop()

	cc, cr := dialControl(t, cfg.Control.Port)
	defer cc.Close()
	sc := dialStream(t, cfg.Stream.Port)
	defer sc.Close()

	helloUp(t, sc, cc, cr)

	sendRPC(t, cc, fmt.Sprintf(`{"jsonrpc":"2.0","method":"Client.SetLatency","params":{"client":"%s","latency":%d},"id":1}`, testMAC, cfg.Stream.BufferMs+1))
	line := awaitLine(t, cc, cr, `"id":1`)
	if !strings.Contains(line, "-32602") {
		t.Fatalf("bad range error: %s", line)
	}
	if strings.Contains(line, "Client.OnUpdate") {
		t.Fatalf("unexpected notification: %s", line)
	}

	sendRPC(t, cc, fmt.Sprintf(`{"jsonrpc":"2.0","method":"System.GetStatus","params":{"client":"%s"},"id":2}`, testMAC))
	// 错误响应之后的下一行必须就是状态查询的响应，中间不得夹带通知
	_ = cc.SetReadDeadline(time.Now().Add(3 * time.Second))
	line, err := cr.ReadString('\n')
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(line, `"id":2`) {
		t.Fatalf("unexpected line before status response: %s", line)
	}
	if !strings.Contains(line, `"latency":0`) {
		t.Fatalf("latency changed despite error: %s", line)
	}

	sendRPC(t, cc, fmt.Sprintf(`{"jsonrpc":"2.0","method":"Client.SetLatency","params":{"client":"%s","latency":-50},"id":3}`, testMAC))
	awaitLine(t, cc, cr, "Client.OnUpdate")
	line = awaitLine(t, cc, cr, `"id":3`)
	if !strings.Contains(line, `"result":-50`) {
		t.Fatalf("valid latency rejected: %s", line)
	}
}

// TestStartStreamReceivesChunks 验证 startStream 应答 Ack 且随后的分片按序推送。
func TestStartStreamReceivesChunks(t *testing.T) {
	cfg, _, stop := startTestServer(t)
	defer stop()

	cc, cr := dialControl(t, cfg.Control.Port)
	defer cc.Close()
	sc := dialStream(t, cfg.Stream.Port)
	defer sc.Close()

	helloUp(t, sc, cc, cr)

	sendFrame(t, sc, &message.Command{Verb: "startStream"}, 5)
	base, _ := readFrameOfType(t, sc, message.TypeAck)
	if base.RefersTo != 5 {
		t.Fatalf("ack refersTo = %d, want 5", base.RefersTo)
	}

	sf, err := config.ParseSampleFormat(cfg.Stream.SampleFormat)
	if err != nil {
		t.Fatal(err)
	}
	chunkBytes := sf.BytesPerMs() * cfg.Stream.PipeReadMs

	w, err := os.OpenFile(cfg.Stream.SourceFifo, os.O_WRONLY, 0)
	if err != nil {
		t.Fatal(err)
	}
	defer w.Close()
	if _, err := w.Write(make([]byte, chunkBytes*5)); err != nil {
		t.Fatal(err)
	}

	first, payload := readFrameOfType(t, sc, message.TypePcmChunk)
	var chunk message.PcmChunk
	if err := chunk.Unmarshal(payload); err != nil {
		t.Fatal(err)
	}
	if len(chunk.Payload) != chunkBytes {
		t.Fatalf("chunk size = %d, want %d", len(chunk.Payload), chunkBytes)
	}
	second, _ := readFrameOfType(t, sc, message.TypePcmChunk)
	if second.ID <= first.ID {
		t.Fatalf("chunks out of order: %d then %d", first.ID, second.ID)
	}
}

// TestSampleFormatAndHeader 验证采样格式与编码头请求的应答内容。
func TestSampleFormatAndHeader(t *testing.T) {
	cfg, _, stop := startTestServer(t)
	defer stop()

	sc := dialStream(t, cfg.Stream.Port)
	defer sc.Close()

	sendFrame(t, sc, &message.Request{Kind: message.TypeSampleFormat}, 11)
	base, payload := readFrameOfType(t, sc, message.TypeSampleFormat)
	if base.RefersTo != 11 {
		t.Fatalf("refersTo = %d", base.RefersTo)
	}
	var sf message.SampleFormat
	if err := sf.Unmarshal(payload); err != nil {
		t.Fatal(err)
	}
	if sf.Rate != 48000 || sf.Bits != 16 || sf.Channels != 2 {
		t.Fatalf("bad sample format: %+v", sf)
	}

	sendFrame(t, sc, &message.Request{Kind: message.TypeHeader}, 12)
	_, payload = readFrameOfType(t, sc, message.TypeHeader)
	var h message.Header
	if err := h.Unmarshal(payload); err != nil {
		t.Fatal(err)
	}
	if h.Codec != "pcm" || len(h.Blob) != 44 || string(h.Blob[:4]) != "RIFF" {
		t.Fatalf("bad header: codec=%s blob=%d", h.Codec, len(h.Blob))
	}
}

// TestDisconnectAndReap 场景 S5：断开后下线通知、connected 翻转，下次广播清扫名册。
func TestDisconnectAndReap(t *testing.T) {
	cfg, _, stop := startTestServer(t)
	defer stop()

	cc, cr := dialControl(t, cfg.Control.Port)
	defer cc.Close()
	sc := dialStream(t, cfg.Stream.Port)

	helloUp(t, sc, cc, cr)
	_ = sc.Close()
	awaitLine(t, cc, cr, "Client.OnDisconnect")

	sendRPC(t, cc, `{"jsonrpc":"2.0","method":"System.GetStatus","id":9}`)
	line := awaitLine(t, cc, cr, `"id":9`)
	if !strings.Contains(line, `"connected":false`) {
		t.Fatalf("connected not flipped: %s", line)
	}

	// 下一次分片广播触发名册清扫
	w, err := os.OpenFile(cfg.Stream.SourceFifo, os.O_WRONLY, 0)
	if err != nil {
		t.Fatal(err)
	}
	defer w.Close()
	sf, _ := config.ParseSampleFormat(cfg.Stream.SampleFormat)
	if _, err := w.Write(make([]byte, sf.BytesPerMs()*cfg.Stream.PipeReadMs*2)); err != nil {
		t.Fatal(err)
	}
	awaitLine(t, cc, cr, "Client gone: "+testMAC)
}

// TestHTTPStatusEndpoint 验证控制端口的 HTTP /status 健康检查。
func TestHTTPStatusEndpoint(t *testing.T) {
	cfg, _, stop := startTestServer(t)
	defer stop()

	c, err := net.DialTimeout("tcp", fmt.Sprintf("127.0.0.1:%d", cfg.Control.Port), 2*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	_, _ = c.Write([]byte("GET /status HTTP/1.1\r\nHost: localhost\r\n\r\n"))
	_ = c.SetReadDeadline(time.Now().Add(3 * time.Second))
	r := bufio.NewReader(c)
	line, err := r.ReadString('\n')
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(line, "200") {
		t.Fatalf("unexpected status line: %q", line)
	}
	for {
		l, err := r.ReadString('\n')
		if err != nil {
			t.Fatal(err)
		}
		if l == "\r\n" || l == "\n" {
			break
		}
	}
	var hs struct {
		Status  string `json:"status"`
		Version string `json:"version"`
	}
	if err := json.NewDecoder(r).Decode(&hs); err != nil {
		t.Fatal(err)
	}
	if hs.Status != "Running" || hs.Version != "test" {
		t.Fatalf("bad health payload: %+v", hs)
	}
}
