package logging

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestBufferWrapsAround(t *testing.T) {
	b := NewBuffer(3)
	for _, msg := range []string{"a", "b", "c", "d"} {
		b.Add(Entry{Message: msg, Level: "INFO"})
	}

	var got []string
	for _, e := range b.Query(Query{}) {
		got = append(got, e.Message)
	}
	if diff := cmp.Diff([]string{"b", "c", "d"}, got); diff != "" {
		t.Errorf("entries (-want +got):\n%s", diff)
	}
	if b.Count() != 3 {
		t.Errorf("Count = %d, want 3", b.Count())
	}
}

func TestBufferQuery(t *testing.T) {
	b := NewBuffer(10)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	b.Add(Entry{Timestamp: base, Level: "DEBUG", Message: "one"})
	b.Add(Entry{Timestamp: base.Add(time.Second), Level: "WARN", Message: "two"})
	b.Add(Entry{Timestamp: base.Add(2 * time.Second), Level: "INFO", Message: "three"})
	b.Add(Entry{Timestamp: base.Add(3 * time.Second), Level: "ERROR", Message: "four"})

	since := base.Add(2 * time.Second)
	tests := []struct {
		name string
		q    Query
		want []string
	}{
		{"all", Query{}, []string{"one", "two", "three", "four"}},
		{"level", Query{Level: "WARN"}, []string{"two", "four"}},
		{"since", Query{Since: &since}, []string{"three", "four"}},
		{"limit", Query{Limit: 2}, []string{"one", "two"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got []string
			for _, e := range b.Query(tt.q) {
				got = append(got, e.Message)
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("Query (-want +got):\n%s", diff)
			}
		})
	}
}

func TestBufferedHandler(t *testing.T) {
	var out bytes.Buffer
	next, err := NewHandler(&out, "info", "json")
	if err != nil {
		t.Fatalf("NewHandler: %v", err)
	}
	buf := NewBuffer(10)
	log := slog.New(NewBufferedHandler(buf, next)).With("room", "alpha").WithGroup("op")

	log.Info("Write committed", "key", "score")
	log.Debug("hidden")

	entries := buf.Query(Query{})
	if len(entries) != 1 {
		t.Fatalf("entries = %d, want 1", len(entries))
	}
	want := map[string]any{"room": "alpha", "op.key": "score"}
	if diff := cmp.Diff(want, entries[0].Fields); diff != "" {
		t.Errorf("fields (-want +got):\n%s", diff)
	}
	if !strings.Contains(out.String(), `"msg":"Write committed"`) {
		t.Errorf("next handler output = %q", out.String())
	}
}

func TestNewHandler(t *testing.T) {
	if _, err := NewHandler(&bytes.Buffer{}, "loud", "text"); err == nil {
		t.Error("unknown level accepted")
	}
	if _, err := NewHandler(&bytes.Buffer{}, "info", "xml"); err == nil {
		t.Error("unknown format accepted")
	}

	h, err := NewHandler(&bytes.Buffer{}, "WARN", "")
	if err != nil {
		t.Fatalf("NewHandler: %v", err)
	}
	if h.Enabled(context.Background(), slog.LevelInfo) {
		t.Error("info enabled at warn level")
	}
}
