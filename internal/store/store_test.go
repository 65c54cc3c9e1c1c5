package store

import (
	"encoding/json"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestCommitAndGet(t *testing.T) {
	s := New()

	if _, ok := s.Get("score"); ok {
		t.Fatal("Get on empty store reported a value")
	}

	s.Commit("score", json.RawMessage("42"))
	v, ok := s.Get("score")
	if !ok || string(v) != "42" {
		t.Fatalf("Get(score) = %s, %v; want 42, true", v, ok)
	}

	s.Commit("score", json.RawMessage("43"))
	v, _ = s.Get("score")
	if string(v) != "43" {
		t.Errorf("Get after overwrite = %s, want 43", v)
	}
}

func TestValuesAreCopied(t *testing.T) {
	s := New()

	in := json.RawMessage(`"abc"`)
	s.Commit("k", in)
	in[1] = 'X'

	out, _ := s.Get("k")
	if string(out) != `"abc"` {
		t.Fatalf("stored value aliased input: %s", out)
	}
	out[1] = 'Y'
	again, _ := s.Get("k")
	if string(again) != `"abc"` {
		t.Errorf("stored value aliased output: %s", again)
	}
}

func TestSnapshotAndKeys(t *testing.T) {
	s := New()
	s.Commit("b", json.RawMessage("2"))
	s.Commit("a", json.RawMessage("1"))

	if diff := cmp.Diff([]string{"a", "b"}, s.Keys()); diff != "" {
		t.Errorf("Keys mismatch (-want +got):\n%s", diff)
	}

	want := map[string]json.RawMessage{"a": json.RawMessage("1"), "b": json.RawMessage("2")}
	if diff := cmp.Diff(want, s.Snapshot()); diff != "" {
		t.Errorf("Snapshot mismatch (-want +got):\n%s", diff)
	}
}

func TestLocalIsSeparate(t *testing.T) {
	s := New()
	s.SetLocal("nick", json.RawMessage(`"neo"`))

	if _, ok := s.Get("nick"); ok {
		t.Error("local value visible as replicated")
	}
	v, ok := s.GetLocal("nick")
	if !ok || string(v) != `"neo"` {
		t.Fatalf("GetLocal = %s, %v", v, ok)
	}
}

func TestLocalReply(t *testing.T) {
	s := New()
	if got := s.LocalReply("missing"); string(got) != "null" {
		t.Errorf("LocalReply(missing) = %s, want null", got)
	}
	s.SetLocal("nick", json.RawMessage(`"neo"`))
	if got := s.LocalReply("nick"); string(got) != `"neo"` {
		t.Errorf("LocalReply(nick) = %s", got)
	}
}
