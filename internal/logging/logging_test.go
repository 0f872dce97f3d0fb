package logging

import (
	"testing"
	"time"
)

func TestLoggerLevelsAndRecent(t *testing.T) {
	t.Setenv("LOG_LEVEL", "debug")
	l := New("test")
	l.Info("hello", "k", 1)
	l.Debug("dbg", "a", 2)
	l.Error("oops")
	items := Recent(3)
	if len(items) != 3 {
		t.Fatalf("expected 3 recent logs, got %d", len(items))
	}
	if items[0].Msg != "oops" || items[1].Msg != "dbg" || items[2].Msg != "hello" {
		t.Fatalf("expected newest-first ordering, got %q %q %q", items[0].Msg, items[1].Msg, items[2].Msg)
	}
	if items[2].Fields["k"] != int64(1) {
		t.Fatalf("expected field k=1, got %#v", items[2].Fields)
	}
	if items[2].Fields["env"] != "test" {
		t.Fatalf("expected env field, got %#v", items[2].Fields)
	}
}

func TestSetLevelFilters(t *testing.T) {
	t.Setenv("LOG_LEVEL", "error")
	l := New("")
	if GetLevel() != "error" {
		t.Fatalf("level = %s", GetLevel())
	}
	l.Info("filtered-info")
	l.Error("kept-error")
	if got := Recent(1)[0].Msg; got != "kept-error" {
		t.Fatalf("unexpected newest entry %q", got)
	}
	SetLevel("bogus")
	if GetLevel() != "info" {
		t.Fatalf("unknown level should fall back to info, got %s", GetLevel())
	}
}

func TestSubscribe(t *testing.T) {
	t.Setenv("LOG_LEVEL", "info")
	ch, cancel := Subscribe()
	defer cancel()
	New("test").Info("stream-test")
	select {
	case e := <-ch:
		if e.Msg != "stream-test" {
			t.Fatalf("unexpected entry: %#v", e)
		}
	case <-time.After(time.Second):
		t.Fatalf("no log received via subscription")
	}
	cancel()
	cancel()
}

func TestNopLogsNothing(t *testing.T) {
	var before *Entry
	if r := Recent(1); len(r) > 0 {
		before = r[0]
	}
	NewNop().Error("silent")
	if r := Recent(1); len(r) > 0 && r[0] != before {
		t.Fatalf("nop logger wrote to the buffer: %#v", r[0])
	}
}
