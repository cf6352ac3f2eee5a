package state

import (
	"sync/atomic"
	"testing"
	"time"

	"gphotosync/pkg/logging"
)

func TestSaverFlushesOnClose(t *testing.T) {
	var saves atomic.Int32
	saver := NewSaver(time.Hour, func() error {
		saves.Add(1)
		return nil
	}, logging.Discard())
	saver.Nudge()
	saver.Close()
	if saves.Load() != 1 {
		t.Fatalf("expected exactly one final flush, got %d", saves.Load())
	}
}

func TestSaverCoalescesBursts(t *testing.T) {
	var saves atomic.Int32
	saver := NewSaver(50*time.Millisecond, func() error {
		saves.Add(1)
		return nil
	}, logging.Discard())
	for i := 0; i < 100; i++ {
		saver.Nudge()
	}
	time.Sleep(120 * time.Millisecond)
	saver.Close()
	// 100 次信号最多合并出少量写入（周期内最多一次，关闭再补一次）
	if n := saves.Load(); n > 4 {
		t.Fatalf("burst not coalesced, %d saves", n)
	}
	if saves.Load() == 0 {
		t.Fatalf("expected at least one save")
	}
}

func TestSaverCloseIsIdempotent(t *testing.T) {
	saver := NewSaver(time.Hour, func() error { return nil }, logging.Discard())
	saver.Close()
	saver.Close()
}
