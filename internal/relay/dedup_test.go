package relay_test

import (
	"testing"
	"time"

	"github.com/codexmonitor/relay/internal/relay"
)

func TestDedupWindow_DuplicateInsideWindow(t *testing.T) {
	dw := relay.NewDedupWindow(30 * time.Second)

	if dw.Check("client1", "ws1", "thr1", "deploy it") {
		t.Error("first submission should not be a duplicate")
	}
	if !dw.Check("client1", "ws1", "thr1", "deploy it") {
		t.Error("identical submission inside window should be a duplicate")
	}
}

func TestDedupWindow_DifferentKeysPass(t *testing.T) {
	dw := relay.NewDedupWindow(30 * time.Second)

	dw.Check("client1", "ws1", "thr1", "deploy it")

	if dw.Check("client1", "ws1", "thr2", "deploy it") {
		t.Error("same text on a different thread should not be a duplicate")
	}
	if dw.Check("client2", "ws1", "thr1", "deploy it") {
		t.Error("same text from a different client should not be a duplicate")
	}
}

func TestDedupWindow_ExpiresAfterWindow(t *testing.T) {
	dw := relay.NewDedupWindow(50 * time.Millisecond)

	dw.Check("client1", "ws1", "thr1", "deploy it")
	time.Sleep(80 * time.Millisecond)

	if dw.Check("client1", "ws1", "thr1", "deploy it") {
		t.Error("submission after the window expired should not be a duplicate")
	}
}

func TestDedupWindow_Trim(t *testing.T) {
	dw := relay.NewDedupWindow(50 * time.Millisecond)

	dw.Check("client1", "ws1", "thr1", "a")
	dw.Check("client1", "ws1", "thr1", "b")
	time.Sleep(80 * time.Millisecond)
	dw.Check("client1", "ws1", "thr1", "c")

	dw.Trim()

	if dw.Len() != 1 {
		t.Errorf("Len() = %d after trim, want 1 (only the fresh entry)", dw.Len())
	}
}
