package control

import (
	"os"
	"runtime"
	"strconv"
	"strings"
	"sync"
)

// sysSampler 为 /status 健康检查提供资源占用采样。
// CPU 使用率是整机口径，按两次采样之间 /proc/stat 汇总行的时间片差值估算；
// 内存取本进程 Go 堆当前已分配的字节数。
type sysSampler struct {
	mu        sync.Mutex
	prevBusy  uint64
	prevTotal uint64
}

func newSysSampler() *sysSampler { return &sysSampler{} }

// Sample 返回距上次采样以来的整机 CPU 使用率（0~100）与本进程 Go 堆已分配内存（MB）。
// 首次调用只建立基线，CPU 返回 0。
func (s *sysSampler) Sample() (cpuPct, memMB float64) {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	memMB = float64(ms.Alloc) / (1024 * 1024)

	busy, total, ok := cpuTicks()
	if !ok {
		return 0, memMB
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.prevTotal > 0 && total > s.prevTotal {
		cpuPct = float64(busy-s.prevBusy) / float64(total-s.prevTotal) * 100
		if cpuPct < 0 {
			cpuPct = 0
		}
		if cpuPct > 100 {
			cpuPct = 100
		}
	}
	s.prevBusy, s.prevTotal = busy, total
	return cpuPct, memMB
}

// cpuTicks 解析 /proc/stat 首行，返回 busy 与 total 时间片。
// idle 与 iowait 计入空闲。
func cpuTicks() (busy, total uint64, ok bool) {
	raw, err := os.ReadFile("/proc/stat")
	if err != nil {
		return 0, 0, false
	}
	line, _, _ := strings.Cut(string(raw), "\n")
	fields := strings.Fields(line)
	if len(fields) < 5 || fields[0] != "cpu" {
		return 0, 0, false
	}
	var idle uint64
	for i, f := range fields[1:] {
		v, err := strconv.ParseUint(f, 10, 64)
		if err != nil {
			return 0, 0, false
		}
		total += v
		if i == 3 || i == 4 {
			idle += v
		}
	}
	return total - idle, total, true
}
