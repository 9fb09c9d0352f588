package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Load 从 YAML 文件读取并解析配置，并做基础校验与默认值补齐。
// 参数：
// - path: 配置文件路径
// 返回：
// - Config: 合并默认值后的配置
// - error: 读取/解析/校验失败原因
func Load(path string) (Config, error) {
	cfg := DefaultConfig()
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate 校验配置字段合法性（端口、采样格式、缓冲与日志输出等）。
// 参数：
// - cfg: 待校验配置
// 返回：
// - error: 校验失败原因
func Validate(cfg Config) error {
	if cfg.Stream.Port <= 0 || cfg.Stream.Port > 65535 {
		return fmt.Errorf("invalid stream.port: %d", cfg.Stream.Port)
	}
	if cfg.Control.Port <= 0 || cfg.Control.Port > 65535 {
		return fmt.Errorf("invalid control.port: %d", cfg.Control.Port)
	}
	if cfg.Stream.Port == cfg.Control.Port {
		return fmt.Errorf("stream.port and control.port must differ: %d", cfg.Stream.Port)
	}
	if cfg.Stream.SRTPort < 0 || cfg.Stream.SRTPort > 65535 {
		return fmt.Errorf("invalid stream.srt_port: %d", cfg.Stream.SRTPort)
	}
	if cfg.Stream.BufferMs <= 0 {
		return fmt.Errorf("invalid stream.buffer_ms: %d", cfg.Stream.BufferMs)
	}
	if cfg.Stream.PipeReadMs <= 0 {
		return fmt.Errorf("invalid stream.pipe_read_ms: %d", cfg.Stream.PipeReadMs)
	}
	if cfg.Stream.MaxFrameBytes <= 0 {
		return fmt.Errorf("invalid stream.max_frame_bytes: %d", cfg.Stream.MaxFrameBytes)
	}
	if cfg.Stream.SourceFifo == "" {
		return fmt.Errorf("stream.source_fifo is required")
	}
	if cfg.Stream.ClientStore == "" {
		return fmt.Errorf("stream.client_store is required")
	}
	if _, err := ParseSampleFormat(cfg.Stream.SampleFormat); err != nil {
		return fmt.Errorf("invalid stream.sample_format: %w", err)
	}
	if cfg.Logging.Output == "file" && cfg.Logging.FilePath == "" {
		return fmt.Errorf("logging.file_path is required when output=file")
	}
	return nil
}
