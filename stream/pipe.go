package stream

import (
	"encoding/binary"
	"os"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"streamcast/config"
	"streamcast/errors"
	"streamcast/log"
	"streamcast/message"
)

// PipeListener 是管道读取器向协调器的回调接口。
type PipeListener interface {
	// OnChunkRead 在读满一个分片时回调；durationMs 为该分片的播放时长。
	OnChunkRead(p *PipeReader, chunk *message.PcmChunk, durationMs float64)
	// OnResync 在数据源断流恢复时回调；ms 为断流时长。
	OnResync(p *PipeReader, ms float64)
}

// PipeReader 以 pipe_read_ms 的节拍从 FIFO 读取 PCM 数据并切分为分片。
// FIFO 以非阻塞方式打开，写端缺席只造成断流（OnResync），不会阻塞节拍。
type PipeReader struct {
	path     string
	codec    string
	sf       config.SampleFormat
	chunkMs  int
	listener PipeListener

	file       *os.File
	header     *message.Header
	chunkBytes int

	closeOnce sync.Once
	done      chan struct{}
	wg        sync.WaitGroup
}

// NewPipeReader 创建管道读取器。
// 参数：
// - cfg: stream 配置（FIFO 路径、编码名、分片时长）
// - sf: 已解析的采样格式
// - listener: 分片回调
func NewPipeReader(cfg config.StreamConfig, sf config.SampleFormat, listener PipeListener) *PipeReader {
	p := &PipeReader{
		path:       cfg.SourceFifo,
		codec:      cfg.Codec,
		sf:         sf,
		chunkMs:    cfg.PipeReadMs,
		listener:   listener,
		chunkBytes: sf.BytesPerMs() * cfg.PipeReadMs,
		done:       make(chan struct{}),
	}
	p.header = &message.Header{Codec: cfg.Codec, Blob: codecHeader(cfg.Codec, sf)}
	return p
}

// Header 返回当前编码器初始化数据的副本。
func (p *PipeReader) Header() *message.Header {
	blob := make([]byte, len(p.header.Blob))
	copy(blob, p.header.Blob)
	return &message.Header{Codec: p.header.Codec, Blob: blob}
}

// Start 打开 FIFO 并启动读取协程。
// 返回：
// - error: FIFO 打开失败原因
func (p *PipeReader) Start() error {
	fd, err := unix.Open(p.path, unix.O_RDONLY|unix.O_NONBLOCK, 0)
	if err != nil {
		return errors.Wrap(errors.CodeUnavailable, "open source fifo failed", err)
	}
	p.file = os.NewFile(uintptr(fd), p.path)
	log.With(map[string]any{"fifo": p.path, "chunk_ms": p.chunkMs}).Info("数据源管道已打开")

	p.wg.Add(1)
	go p.readLoop()
	return nil
}

// Stop 停止读取并关闭 FIFO（幂等）。
func (p *PipeReader) Stop() {
	p.closeOnce.Do(func() {
		close(p.done)
	})
	p.wg.Wait()
	if p.file != nil {
		_ = p.file.Close()
	}
}

// readLoop 以固定节拍聚满分片：
// - 每个节拍尝试把缓冲读满；读满即产出一个带当前时间戳的分片
// - 写端缺席或无数据时累计断流时长，恢复供数时回调 OnResync
func (p *PipeReader) readLoop() {
	defer p.wg.Done()

	ticker := time.NewTicker(time.Duration(p.chunkMs) * time.Millisecond)
	defer ticker.Stop()

	// 分片缓冲在编码广播后即可复用，单条读取协程只需要这一块
	buf := make([]byte, p.chunkBytes)
	fill := 0
	var drySince time.Time

	for {
		select {
		case <-p.done:
			return
		case <-ticker.C:
		}

		for fill < len(buf) {
			n, _ := p.file.Read(buf[fill:])
			if n <= 0 {
				// 无写端（EOF）与暂无数据（EAGAIN）都按断流处理，等下一个节拍
				break
			}
			fill += n
		}

		if fill < len(buf) {
			if drySince.IsZero() {
				drySince = time.Now()
			}
			continue
		}

		if !drySince.IsZero() {
			ms := float64(time.Since(drySince).Milliseconds())
			drySince = time.Time{}
			if ms >= float64(p.chunkMs) {
				p.listener.OnResync(p, ms)
			}
		}

		chunk := &message.PcmChunk{
			Timestamp: message.NowTimeval(),
			Payload:   buf[:fill],
		}
		p.listener.OnChunkRead(p, chunk, float64(p.chunkMs))
		fill = 0
	}
}

// codecHeader 生成编码器初始化数据；pcm 使用流式 WAV 头，其余编码留空。
func codecHeader(codec string, sf config.SampleFormat) []byte {
	if codec != "pcm" {
		return nil
	}
	return wavHeader(sf)
}

// wavHeader 生成 44 字节流式 RIFF/WAVE 头（data 长度为 0，表示未知）。
func wavHeader(sf config.SampleFormat) []byte {
	h := make([]byte, 44)
	copy(h[0:], "RIFF")
	binary.LittleEndian.PutUint32(h[4:], 36)
	copy(h[8:], "WAVE")
	copy(h[12:], "fmt ")
	binary.LittleEndian.PutUint32(h[16:], 16)
	binary.LittleEndian.PutUint16(h[20:], 1)
	binary.LittleEndian.PutUint16(h[22:], uint16(sf.Channels))
	binary.LittleEndian.PutUint32(h[24:], uint32(sf.Rate))
	binary.LittleEndian.PutUint32(h[28:], uint32(sf.Rate*sf.FrameSize()))
	binary.LittleEndian.PutUint16(h[32:], uint16(sf.FrameSize()))
	binary.LittleEndian.PutUint16(h[34:], uint16(sf.Bits))
	copy(h[36:], "data")
	binary.LittleEndian.PutUint32(h[40:], 0)
	return h
}
