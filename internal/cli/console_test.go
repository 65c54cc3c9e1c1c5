package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"portal.dev/go/portal"
	"portal.dev/go/portal/internal/testutil"
	"portal.dev/go/portal/transport/memory"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func (b *syncBuffer) contains(s string) func() bool {
	return func() bool { return strings.Contains(b.String(), s) }
}

func startSystem(t *testing.T, hub *memory.Hub, id string) *portal.System {
	t.Helper()
	sys := portal.New(hub.Node(id), portal.DefaultOptions())
	if err := sys.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := sys.OpenChannel(context.Background(), "alpha"); err != nil {
		t.Fatalf("OpenChannel: %v", err)
	}
	t.Cleanup(func() { sys.Close() })
	return sys
}

func TestConsoleSession(t *testing.T) {
	hub := memory.NewHub()
	local := startSystem(t, hub, "L")
	remote := startSystem(t, hub, "A")
	remote.SetLocal("nick", "neo")

	var out syncBuffer
	con := newConsole(local, "alpha", &out)
	untap := local.Tap(con.event)
	defer untap()

	for _, sys := range []*portal.System{local, remote} {
		testutil.WaitFor(t, 2*time.Second, func() bool {
			chans := sys.Channels()
			return len(chans) == 1 && chans[0].State == "joined" && len(chans[0].Peers) == 1
		}, "peers connected")
	}

	ctx := context.Background()
	con.exec(ctx, "peers")
	if !strings.Contains(out.String(), "alpha (joined) as L: A") {
		t.Errorf("peers output:\n%s", out.String())
	}

	con.exec(ctx, "set score 42")
	testutil.WaitFor(t, 2*time.Second, out.contains("* score = 42"), "commit printed")

	con.exec(ctx, "get score")
	if !strings.Contains(out.String(), "score = 42\n") {
		t.Errorf("get output:\n%s", out.String())
	}

	con.exec(ctx, "fetch A nick")
	if !strings.Contains(out.String(), `A/nick = "neo"`) {
		t.Errorf("fetch output:\n%s", out.String())
	}

	con.exec(ctx, "keys")
	if !strings.Contains(out.String(), "score\n") {
		t.Errorf("keys output:\n%s", out.String())
	}

	con.exec(ctx, "get missing")
	con.exec(ctx, "bogus")
	con.exec(ctx, "set onlykey")
	for _, want := range []string{"missing is not set", `unknown command "bogus"`, "usage: set <key> <value>"} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("output missing %q:\n%s", want, out.String())
		}
	}

	if !con.exec(ctx, "quit") {
		t.Error("quit did not end the session")
	}
}

func TestConsoleWaitForCommit(t *testing.T) {
	hub := memory.NewHub()
	local := startSystem(t, hub, "L")
	remote := startSystem(t, hub, "A")
	for _, sys := range []*portal.System{local, remote} {
		testutil.WaitFor(t, 2*time.Second, func() bool {
			chans := sys.Channels()
			return len(chans) == 1 && len(chans[0].Peers) == 1
		}, "peers connected")
	}

	var out syncBuffer
	con := newConsole(local, "alpha", &out)
	go con.exec(context.Background(), "wait level")

	// The subscription may not be in place yet, so keep writing until it
	// sees a commit.
	n := 0
	testutil.WaitFor(t, 2*time.Second, func() bool {
		n++
		remote.Write("level", n)
		return strings.Contains(out.String(), "level = ")
	}, "wait returned")

	con.fetch = 20 * time.Millisecond
	con.exec(context.Background(), "wait never")
	if !strings.Contains(out.String(), "error: waiting for never") {
		t.Errorf("timeout output:\n%s", out.String())
	}
}

func TestConsoleRunStopsAtQuit(t *testing.T) {
	hub := memory.NewHub()
	sys := startSystem(t, hub, "L")

	var out syncBuffer
	con := newConsole(sys, "alpha", &out)
	in := strings.NewReader("local nick trinity\nquit\nset never 1\n")

	if err := con.run(context.Background(), in, true); err != nil {
		t.Fatalf("run: %v", err)
	}
	if v, _ := sys.GetLocal("nick"); string(v) != `"trinity"` {
		t.Errorf("local nick = %s", v)
	}
	if len(sys.Pending()) != 0 {
		t.Error("commands after quit were run")
	}
	if !strings.HasPrefix(out.String(), "alpha> ") {
		t.Errorf("prompt missing: %q", out.String())
	}
}

func TestParseValue(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"42", "42"},
		{`{"a":1}`, `{"a":1}`},
		{"true", "true"},
		{"hello world", `"hello world"`},
		{`"quoted"`, `"quoted"`},
	}
	for _, tt := range tests {
		raw, err := json.Marshal(parseValue(tt.in))
		if err != nil {
			t.Fatalf("marshal %q: %v", tt.in, err)
		}
		if string(raw) != tt.want {
			t.Errorf("parseValue(%q) = %s, want %s", tt.in, raw, tt.want)
		}
	}
}

func TestFormatEvent(t *testing.T) {
	tests := []struct {
		name string
		data any
		want string
	}{
		{portal.EventStarted, nil, "* portal-started"},
		{"score", json.RawMessage("42"), "* score = 42"},
		{portal.EventChannelError, portal.ChannelOutcome{Channel: "alpha", Error: "join timed out"}, "* portal-channel-error alpha: join timed out"},
		{portal.EventPeerConnected, portal.PeerEvent{Channel: "alpha", Peer: "A"}, "* portal-peer-connected alpha/A"},
		{portal.EventWriteAborted, portal.WriteAborted{Key: "score", Reason: "timeout"}, "* portal-write-aborted score (timeout)"},
	}
	for _, tt := range tests {
		if got := formatEvent(tt.name, tt.data); got != tt.want {
			t.Errorf("formatEvent(%s) = %q, want %q", tt.name, got, tt.want)
		}
	}
}

func TestVersionCommand(t *testing.T) {
	var out bytes.Buffer
	versionCmd.SetOut(&out)
	SetVersion("1.2.3")
	runVersion(versionCmd, nil)
	if !strings.HasPrefix(out.String(), "portal version 1.2.3") {
		t.Errorf("version output = %q", out.String())
	}
}
