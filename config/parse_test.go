package config

import "testing"

// TestParseSampleFormat 验证采样格式解析与派生字节数。
func TestParseSampleFormat(t *testing.T) {
	sf, err := ParseSampleFormat("48000:16:2")
	if err != nil {
		t.Fatal(err)
	}
	if sf.Rate != 48000 || sf.Bits != 16 || sf.Channels != 2 {
		t.Fatalf("bad sample format: %+v", sf)
	}
	if sf.FrameSize() != 4 {
		t.Fatalf("frame size = %d, want 4", sf.FrameSize())
	}
	if sf.BytesPerMs() != 192 {
		t.Fatalf("bytes per ms = %d, want 192", sf.BytesPerMs())
	}
}

// TestParseSampleFormatInvalid 验证非法采样格式被拒绝。
func TestParseSampleFormatInvalid(t *testing.T) {
	for _, s := range []string{"", "48000:16", "x:16:2", "48000:12:2", "48000:16:0"} {
		if _, err := ParseSampleFormat(s); err == nil {
			t.Fatalf("expected error for %q", s)
		}
	}
}

// TestValidateDefaults 验证默认配置可通过校验。
func TestValidateDefaults(t *testing.T) {
	if err := Validate(DefaultConfig()); err != nil {
		t.Fatal(err)
	}
}

// TestValidateRejectsPortClash 验证数据口与控制口相同被拒绝。
func TestValidateRejectsPortClash(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Control.Port = cfg.Stream.Port
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for clashing ports")
	}
}

// TestParseByteSize 验证字节数文本解析。
func TestParseByteSize(t *testing.T) {
	n, err := parseByteSize("100MB")
	if err != nil {
		t.Fatal(err)
	}
	if n != 100*1024*1024 {
		t.Fatalf("n = %d", n)
	}
	if _, err := parseByteSize("abc"); err == nil {
		t.Fatal("expected error")
	}
}
