package log

import (
	"bytes"
	"strings"
	"testing"
)

type buf struct{ bytes.Buffer }

func (b *buf) Close() error { return nil }

func TestLevelFiltering(t *testing.T) {
	var b buf
	l := New(&b)
	if err := l.SetLevel(WARN); err != nil {
		t.Fatal(err)
	}
	l.Info("should not appear")
	l.Warn("should appear")
	out := b.String()
	if strings.Contains(out, "should not appear") {
		t.Fatalf("INFO line leaked through WARN filter: %q", out)
	}
	if !strings.Contains(out, "should appear") {
		t.Fatalf("WARN line missing: %q", out)
	}
}

func TestLevelFromString(t *testing.T) {
	lvl, err := LevelFromString("warn")
	if err != nil || lvl != WARN {
		t.Fatalf("got (%v, %v), want (WARN, nil)", lvl, err)
	}
	if _, err := LevelFromString("bogus"); err != ErrInvalidLevel {
		t.Fatalf("got %v, want ErrInvalidLevel", err)
	}
}

func TestKV(t *testing.T) {
	p := KV("feed", "IDS")
	if p.Name != "feed" || p.Value != "IDS" {
		t.Fatalf("unexpected KV: %+v", p)
	}
}
