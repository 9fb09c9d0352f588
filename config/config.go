package config

type Config struct {
	Stream  StreamConfig  `yaml:"stream"`
	Control ControlConfig `yaml:"control"`
	Logging LoggingConfig `yaml:"logging"`
}

type StreamConfig struct {
	// Port 播放客户端接入的 TCP 端口。
	Port int `yaml:"port"`
	// SRTPort 播放客户端接入的 SRT 端口（0 表示关闭 SRT 接入）。
	SRTPort int `yaml:"srt_port"`
	// SRTLatencyMs goSRT 接收侧延迟窗口（毫秒）。
	SRTLatencyMs int `yaml:"srt_latency_ms"`
	// BufferMs 整条链路的目标缓冲（毫秒），同时是客户端延迟修正的上界。
	BufferMs int `yaml:"buffer_ms"`
	// Codec 下发给客户端的编码名（当前仅 pcm）。
	Codec string `yaml:"codec"`
	// SampleFormat 形如 "48000:16:2"（采样率:位深:声道）。
	SampleFormat string `yaml:"sample_format"`
	// SourceFifo PCM 来源 FIFO 路径。
	SourceFifo string `yaml:"source_fifo"`
	// PipeReadMs 每次从 FIFO 读取的时长（毫秒），决定分片粒度。
	PipeReadMs int `yaml:"pipe_read_ms"`
	// ClientStore 客户端注册表持久化文件路径。
	ClientStore string `yaml:"client_store"`
	// MaxFrameBytes 单帧最大负载，超限按畸形帧处理。
	MaxFrameBytes int `yaml:"max_frame_bytes"`
}

type ControlConfig struct {
	Port int `yaml:"port"`
}

type LoggingConfig struct {
	Level    string   `yaml:"level"`
	Format   string   `yaml:"format"`
	Output   string   `yaml:"output"`
	FilePath string   `yaml:"file_path"`
	MaxSize  ByteSize `yaml:"max_size"`
	MaxAge   int      `yaml:"max_age"`
	Compress bool     `yaml:"compress"`
}
