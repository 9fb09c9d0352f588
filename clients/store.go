package clients

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

type Timeval struct {
	Sec  int32 `json:"sec" yaml:"sec"`
	Usec int32 `json:"usec" yaml:"usec"`
}

// Now 返回当前时刻的秒/微秒表示。
func Now() Timeval {
	t := time.Now()
	return Timeval{Sec: int32(t.Unix()), Usec: int32(t.Nanosecond() / 1000)}
}

type Volume struct {
	Percent uint16 `json:"percent" yaml:"percent"`
	Muted   bool   `json:"muted" yaml:"muted"`
}

type ClientInfo struct {
	MAC       string  `json:"mac" yaml:"mac"`
	HostName  string  `json:"host" yaml:"host"`
	IP        string  `json:"ip" yaml:"ip"`
	Version   string  `json:"version" yaml:"version"`
	Name      string  `json:"name" yaml:"name"`
	Connected bool    `json:"connected" yaml:"connected"`
	LastSeen  Timeval `json:"lastSeen" yaml:"last_seen"`
	Volume    Volume  `json:"volume" yaml:"volume"`
	Latency   int     `json:"latency" yaml:"latency"`
}

type storeFile struct {
	Clients []*ClientInfo `yaml:"clients"`
}

// Store 是按 MAC 索引的客户端注册表，持久化为 YAML（Encode 暂存 + Flush 写盘）。
// 字段级别的读写由持有者（协调器）在其自身锁内完成；Store 的锁只保护
// map 结构本身。读取字段的入口（All/Encode）同样要求调用方持有持有者锁。
type Store struct {
	path string

	mu     sync.Mutex
	byMAC  map[string]*ClientInfo
	defVol uint16
}

// NewStore 创建客户端注册表。
// 参数：
// - path: 持久化文件路径
func NewStore(path string) *Store {
	return &Store{
		path:   path,
		byMAC:  make(map[string]*ClientInfo),
		defVol: 100,
	}
}

// Load 从磁盘加载注册表；文件不存在视为空表。
// 返回：
// - error: 读取或解析失败原因
func (s *Store) Load() error {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read client store: %w", err)
	}
	var f storeFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return fmt.Errorf("unmarshal client store: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range f.Clients {
		if c == nil || c.MAC == "" {
			continue
		}
		// 重启后没有任何会话，connected 一律回落为 false
		c.Connected = false
		s.byMAC[c.MAC] = c
	}
	return nil
}

// Encode 将注册表序列化为 YAML 暂存字节。
// 记录字段由持有者在其自身锁内修改，调用方需持有同一把锁再 Encode，
// 随后在锁外 Flush。
// 返回：
// - []byte: 暂存字节
// - error: 序列化失败原因
func (s *Store) Encode() ([]byte, error) {
	s.mu.Lock()
	f := storeFile{Clients: make([]*ClientInfo, 0, len(s.byMAC))}
	for _, c := range s.byMAC {
		f.Clients = append(f.Clients, c)
	}
	s.mu.Unlock()
	sort.Slice(f.Clients, func(i, j int) bool { return f.Clients[i].MAC < f.Clients[j].MAC })
	raw, err := yaml.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("marshal client store: %w", err)
	}
	return raw, nil
}

// Flush 将暂存字节写盘（临时文件 + 重命名），不触碰任何记录字段。
// 参数：
// - raw: Encode 产出的暂存字节
// 返回：
// - error: 写盘失败原因
func (s *Store) Flush(raw []byte) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("mkdir client store: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return fmt.Errorf("write client store: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("rename client store: %w", err)
	}
	return nil
}

// Save 一步完成序列化与写盘（单线程场景的便捷入口）。
func (s *Store) Save() error {
	raw, err := s.Encode()
	if err != nil {
		return err
	}
	return s.Flush(raw)
}

// Get 返回指定 MAC 的客户端记录。
// 参数：
// - mac: 客户端标识
// - create: 记录不存在时是否创建（默认音量 100、未静音、零延迟）
// 返回：
// - *ClientInfo: 记录指针；不存在且不创建时为 nil
func (s *Store) Get(mac string, create bool) *ClientInfo {
	if mac == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.byMAC[mac]; ok {
		return c
	}
	if !create {
		return nil
	}
	c := &ClientInfo{
		MAC:    mac,
		Volume: Volume{Percent: s.defVol},
	}
	s.byMAC[mac] = c
	return c
}

// All 返回按 MAC 排序的记录副本列表（用于状态快照）。
// 副本复制会读取字段，调用方需持有持有者锁。
func (s *Store) All() []ClientInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ClientInfo, 0, len(s.byMAC))
	for _, c := range s.byMAC {
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].MAC < out[j].MAC })
	return out
}

// Count 返回当前记录数量。
func (s *Store) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.byMAC)
}
