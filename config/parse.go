package config

import (
	"fmt"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type SampleFormat struct {
	Rate     int
	Bits     int
	Channels int
}

// FrameSize 返回单个采样帧的字节数（所有声道）。
func (f SampleFormat) FrameSize() int { return f.Channels * f.Bits / 8 }

// BytesPerMs 返回 1 毫秒 PCM 数据的字节数。
func (f SampleFormat) BytesPerMs() int { return f.Rate * f.FrameSize() / 1000 }

// String 返回 "rate:bits:channels" 形式的文本。
func (f SampleFormat) String() string {
	return fmt.Sprintf("%d:%d:%d", f.Rate, f.Bits, f.Channels)
}

// ParseSampleFormat 解析采样格式字符串（形如 "48000:16:2"）。
// 参数：
// - s: 采样格式文本
// 返回：
// - SampleFormat: 采样率/位深/声道
// - error: 解析失败原因
func ParseSampleFormat(s string) (SampleFormat, error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) != 3 {
		return SampleFormat{}, fmt.Errorf("invalid sample_format: %q", s)
	}
	rate, err := strconv.Atoi(strings.TrimSpace(parts[0]))
	if err != nil {
		return SampleFormat{}, fmt.Errorf("invalid sample rate: %q", parts[0])
	}
	bits, err := strconv.Atoi(strings.TrimSpace(parts[1]))
	if err != nil {
		return SampleFormat{}, fmt.Errorf("invalid bit depth: %q", parts[1])
	}
	channels, err := strconv.Atoi(strings.TrimSpace(parts[2]))
	if err != nil {
		return SampleFormat{}, fmt.Errorf("invalid channel count: %q", parts[2])
	}
	if rate <= 0 || channels <= 0 {
		return SampleFormat{}, fmt.Errorf("invalid sample_format values: %q", s)
	}
	if bits != 8 && bits != 16 && bits != 24 && bits != 32 {
		return SampleFormat{}, fmt.Errorf("unsupported bit depth: %d", bits)
	}
	return SampleFormat{Rate: rate, Bits: bits, Channels: channels}, nil
}

type ByteSize int64

// Int64 返回字节数的 int64 表达。
func (b ByteSize) Int64() int64 { return int64(b) }

// UnmarshalYAML 支持从 YAML 中解析 ByteSize（如 100MB、2GB、1024B）。
// 参数：
// - value: YAML 节点
// 返回：
// - error: 解析失败原因
func (b *ByteSize) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		*b = 0
		return nil
	}
	v := strings.TrimSpace(value.Value)
	if v == "" {
		*b = 0
		return nil
	}
	n, err := parseByteSize(v)
	if err != nil {
		return err
	}
	*b = ByteSize(n)
	return nil
}

// parseByteSize 解析形如 "100MB"/"1.5GB" 的字节数文本。
func parseByteSize(s string) (int64, error) {
	s = strings.TrimSpace(strings.ToUpper(s))
	mult := int64(1)
	switch {
	case strings.HasSuffix(s, "KB"):
		mult = 1024
		s = strings.TrimSuffix(s, "KB")
	case strings.HasSuffix(s, "MB"):
		mult = 1024 * 1024
		s = strings.TrimSuffix(s, "MB")
	case strings.HasSuffix(s, "GB"):
		mult = 1024 * 1024 * 1024
		s = strings.TrimSuffix(s, "GB")
	case strings.HasSuffix(s, "B"):
		mult = 1
		s = strings.TrimSuffix(s, "B")
	}
	s = strings.TrimSpace(s)
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid byte size: %q", s)
	}
	if f < 0 {
		return 0, fmt.Errorf("invalid byte size: %q", s)
	}
	return int64(f * float64(mult)), nil
}

// DefaultConfig 返回一份可用的默认配置；Load 以它为底板合并配置文件中的字段
// （配置文件读取失败时 Load 返回错误，不回落到默认配置）。
func DefaultConfig() Config {
	return Config{
		Stream: StreamConfig{
			Port:          1704,
			SRTPort:       0,
			SRTLatencyMs:  120,
			BufferMs:      1000,
			Codec:         "pcm",
			SampleFormat:  "48000:16:2",
			SourceFifo:    "/tmp/snapfifo",
			PipeReadMs:    20,
			ClientStore:   "/var/lib/streamcast/clients.yaml",
			MaxFrameBytes: 1024 * 1024,
		},
		Control: ControlConfig{
			Port: 1705,
		},
		Logging: LoggingConfig{
			Level:    "info",
			Format:   "json",
			Output:   "console",
			FilePath: "/var/log/streamcast.log",
			MaxSize:  ByteSize(100 * 1024 * 1024),
			MaxAge:   7,
			Compress: true,
		},
	}
}
