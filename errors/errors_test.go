package errors

import (
	stderrors "errors"
	"fmt"
	"testing"
)

// TestCode 验证错误码提取规则。
func TestCode(t *testing.T) {
	if Code(nil) != 0 {
		t.Fatal("nil should be 0")
	}
	if Code(New(CodeBadFrame, "x")) != CodeBadFrame {
		t.Fatal("CodeError code lost")
	}
	if Code(stderrors.New("plain")) != CodeInternal {
		t.Fatal("plain error should default to internal")
	}
}

// TestWrapUnwrap 验证包装错误保留底层错误链。
func TestWrapUnwrap(t *testing.T) {
	inner := stderrors.New("inner")
	err := Wrap(CodeShortRead, "read failed", inner)
	if !stderrors.Is(err, inner) {
		t.Fatal("unwrap chain broken")
	}
	wrapped := fmt.Errorf("outer: %w", err)
	if Code(wrapped) != CodeShortRead {
		t.Fatal("code lost through fmt wrap")
	}
}

// TestIsFrameError 验证协议帧错误判定。
func TestIsFrameError(t *testing.T) {
	for _, c := range []int{CodeBadFrame, CodeShortRead, CodeFrameTooLarge} {
		if !IsFrameError(New(c, "x")) {
			t.Fatalf("code %d should be frame error", c)
		}
	}
	if IsFrameError(New(CodeUnavailable, "x")) {
		t.Fatal("unavailable is not a frame error")
	}
	if IsFrameError(nil) {
		t.Fatal("nil is not a frame error")
	}
}
