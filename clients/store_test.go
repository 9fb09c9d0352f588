package clients

import (
	"path/filepath"
	"testing"
)

// TestGetCreates 验证记录按需创建且带默认音量。
func TestGetCreates(t *testing.T) {
	s := NewStore(filepath.Join(t.TempDir(), "clients.yaml"))
	if s.Get("00:11:22:33:44:55", false) != nil {
		t.Fatal("record should not exist yet")
	}
	c := s.Get("00:11:22:33:44:55", true)
	if c == nil || c.Volume.Percent != 100 || c.Volume.Muted {
		t.Fatalf("bad defaults: %+v", c)
	}
	if s.Get("00:11:22:33:44:55", false) != c {
		t.Fatal("second lookup should return the same record")
	}
	if s.Get("", true) != nil {
		t.Fatal("empty mac must not create a record")
	}
}

// TestSaveLoadRoundTrip 验证落盘后重新加载字段不丢，connected 回落为 false。
func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "clients.yaml")
	s := NewStore(path)
	c := s.Get("00:11:22:33:44:55", true)
	c.HostName = "pi"
	c.IP = "192.168.1.10"
	c.Version = "0.10"
	c.Name = "living room"
	c.Connected = true
	c.LastSeen = Now()
	c.Volume = Volume{Percent: 42, Muted: true}
	c.Latency = -50
	if err := s.Save(); err != nil {
		t.Fatal(err)
	}

	s2 := NewStore(path)
	if err := s2.Load(); err != nil {
		t.Fatal(err)
	}
	got := s2.Get("00:11:22:33:44:55", false)
	if got == nil {
		t.Fatal("record lost on reload")
	}
	if got.Connected {
		t.Fatal("connected must reset to false on load")
	}
	if got.HostName != "pi" || got.Name != "living room" || got.Latency != -50 {
		t.Fatalf("fields lost: %+v", got)
	}
	if got.Volume != (Volume{Percent: 42, Muted: true}) {
		t.Fatalf("volume lost: %+v", got.Volume)
	}
	if got.LastSeen != c.LastSeen {
		t.Fatalf("lastSeen lost: %+v != %+v", got.LastSeen, c.LastSeen)
	}
}

// TestLoadMissingFile 验证文件不存在按空表处理。
func TestLoadMissingFile(t *testing.T) {
	s := NewStore(filepath.Join(t.TempDir(), "nope.yaml"))
	if err := s.Load(); err != nil {
		t.Fatal(err)
	}
	if s.Count() != 0 {
		t.Fatalf("count = %d", s.Count())
	}
}

// TestAllSorted 验证快照按 MAC 排序且是副本。
func TestAllSorted(t *testing.T) {
	s := NewStore(filepath.Join(t.TempDir(), "clients.yaml"))
	s.Get("bb:00:00:00:00:00", true)
	s.Get("aa:00:00:00:00:00", true)
	all := s.All()
	if len(all) != 2 || all[0].MAC != "aa:00:00:00:00:00" {
		t.Fatalf("bad snapshot: %+v", all)
	}
	all[0].Name = "scratch"
	if s.Get("aa:00:00:00:00:00", false).Name != "" {
		t.Fatal("snapshot must be a copy")
	}
}
