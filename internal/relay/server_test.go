package relay

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/gorilla/websocket"

	"portal.dev/go/portal/internal/logging"
	"portal.dev/go/portal/internal/telemetry"
	"portal.dev/go/portal/internal/testutil"
	"portal.dev/go/portal/protocol"
	"portal.dev/go/portal/transport/wsrelay"
)

func startRelay(t *testing.T, opts Options) (*Server, *httptest.Server) {
	t.Helper()
	s := NewServer(opts)
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		s.Close()
		srv.Close()
	})
	return s, srv
}

func dial(t *testing.T, srv *httptest.Server, room, peer string) *websocket.Conn {
	t.Helper()
	u := "ws" + strings.TrimPrefix(srv.URL, "http") + "/rooms/" + url.PathEscape(room) + "?peer=" + url.QueryEscape(peer)
	conn, _, err := websocket.DefaultDialer.Dial(u, nil)
	if err != nil {
		t.Fatalf("dial %s as %s: %v", room, peer, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn, want string) wsrelay.Frame {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var f wsrelay.Frame
	if err := conn.ReadJSON(&f); err != nil {
		t.Fatalf("read %s frame: %v", want, err)
	}
	if f.Type != want {
		t.Fatalf("frame type = %s (%s), want %s", f.Type, f.Payload, want)
	}
	return f
}

func sendTo(t *testing.T, conn *websocket.Conn, to string, env protocol.Envelope) {
	t.Helper()
	raw, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}
	f, err := wsrelay.NewFrame(wsrelay.TypeSend, wsrelay.Message{To: to, Envelope: raw})
	if err != nil {
		t.Fatalf("NewFrame: %v", err)
	}
	if err := conn.WriteJSON(f); err != nil {
		t.Fatalf("write send frame: %v", err)
	}
}

func TestJoinAnnouncesMembers(t *testing.T) {
	s, srv := startRelay(t, Options{})

	a := dial(t, srv, "alpha", "A")
	var joined wsrelay.Joined
	readFrame(t, a, wsrelay.TypeJoined).Decode(&joined)
	if diff := cmp.Diff(wsrelay.Joined{Peer: "A", Peers: []string{}}, joined); diff != "" {
		t.Errorf("A joined (-want +got):\n%s", diff)
	}

	b := dial(t, srv, "alpha", "B")
	readFrame(t, b, wsrelay.TypeJoined).Decode(&joined)
	if diff := cmp.Diff(wsrelay.Joined{Peer: "B", Peers: []string{"A"}}, joined); diff != "" {
		t.Errorf("B joined (-want +got):\n%s", diff)
	}

	var notice wsrelay.PeerNotice
	readFrame(t, a, wsrelay.TypePeerJoined).Decode(&notice)
	if notice.Peer != "B" {
		t.Errorf("peer_joined = %q, want B", notice.Peer)
	}

	if diff := cmp.Diff([]string{"A", "B"}, s.Members("alpha")); diff != "" {
		t.Errorf("Members (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"alpha"}, s.Rooms()); diff != "" {
		t.Errorf("Rooms (-want +got):\n%s", diff)
	}
}

func TestForwardsMessages(t *testing.T) {
	_, srv := startRelay(t, Options{})
	a := dial(t, srv, "alpha", "A")
	readFrame(t, a, wsrelay.TypeJoined)
	b := dial(t, srv, "alpha", "B")
	readFrame(t, b, wsrelay.TypeJoined)
	readFrame(t, a, wsrelay.TypePeerJoined)

	env := protocol.Envelope{CorrelationID: "c1", Payload: protocol.NewComplete("op1")}
	sendTo(t, a, "B", env)

	var m wsrelay.Message
	readFrame(t, b, wsrelay.TypeMessage).Decode(&m)
	got, err := protocol.Decode(m.Envelope)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if m.From != "A" || got.CorrelationID != "c1" {
		t.Errorf("message from %s = %+v", m.From, got)
	}
	if _, kind := protocol.ParseRequest(got.Payload); kind != protocol.KindComplete {
		t.Errorf("payload kind = %v, want complete", kind)
	}
}

func TestRoomsAreIsolated(t *testing.T) {
	_, srv := startRelay(t, Options{})
	a := dial(t, srv, "alpha", "A")
	readFrame(t, a, wsrelay.TypeJoined)
	b := dial(t, srv, "beta", "B")
	readFrame(t, b, wsrelay.TypeJoined)

	sendTo(t, a, "B", protocol.Envelope{CorrelationID: "c1", Payload: protocol.True})

	var e wsrelay.ErrorPayload
	readFrame(t, a, wsrelay.TypeError).Decode(&e)
	if e.Code != wsrelay.CodeUnknownPeer || e.To != "B" {
		t.Errorf("error = %+v", e)
	}
}

func TestDuplicatePeerRejected(t *testing.T) {
	s, srv := startRelay(t, Options{})
	a := dial(t, srv, "alpha", "A")
	readFrame(t, a, wsrelay.TypeJoined)

	dup := dial(t, srv, "alpha", "A")
	var e wsrelay.ErrorPayload
	readFrame(t, dup, wsrelay.TypeError).Decode(&e)
	if e.Code != wsrelay.CodeDuplicatePeer {
		t.Errorf("code = %s, want %s", e.Code, wsrelay.CodeDuplicatePeer)
	}
	if diff := cmp.Diff([]string{"A"}, s.Members("alpha")); diff != "" {
		t.Errorf("Members (-want +got):\n%s", diff)
	}
}

func TestLeaveNotifiesMembers(t *testing.T) {
	s, srv := startRelay(t, Options{})
	a := dial(t, srv, "alpha", "A")
	readFrame(t, a, wsrelay.TypeJoined)
	b := dial(t, srv, "alpha", "B")
	readFrame(t, b, wsrelay.TypeJoined)
	readFrame(t, a, wsrelay.TypePeerJoined)

	b.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	b.Close()

	var notice wsrelay.PeerNotice
	readFrame(t, a, wsrelay.TypePeerLeft).Decode(&notice)
	if notice.Peer != "B" {
		t.Errorf("peer_left = %q, want B", notice.Peer)
	}
	testutil.WaitFor(t, time.Second, func() bool { return len(s.Members("alpha")) == 1 }, "B removed")

	a.Close()
	testutil.WaitFor(t, time.Second, func() bool { return len(s.Rooms()) == 0 }, "empty room removed")
}

func TestBadFrames(t *testing.T) {
	_, srv := startRelay(t, Options{})
	a := dial(t, srv, "alpha", "A")
	readFrame(t, a, wsrelay.TypeJoined)

	for _, raw := range []string{
		`not json`,
		`{"type":"message","payload":{}}`,
		`{"type":"send","payload":{"envelope":{"correlationId":"x","payload":true}}}`,
	} {
		a.WriteMessage(websocket.TextMessage, []byte(raw))
		var e wsrelay.ErrorPayload
		readFrame(t, a, wsrelay.TypeError).Decode(&e)
		if e.Code != wsrelay.CodeBadFrame {
			t.Errorf("%s: code = %s, want %s", raw, e.Code, wsrelay.CodeBadFrame)
		}
	}
}

func TestRateLimitedFrames(t *testing.T) {
	metrics := telemetry.New()
	_, srv := startRelay(t, Options{
		Limits:  Limits{PeerFramesPerSecond: 0.001, PeerBurst: 1},
		Metrics: metrics,
	})
	a := dial(t, srv, "alpha", "A")
	readFrame(t, a, wsrelay.TypeJoined)
	b := dial(t, srv, "alpha", "B")
	readFrame(t, b, wsrelay.TypeJoined)
	readFrame(t, a, wsrelay.TypePeerJoined)

	env := protocol.Envelope{CorrelationID: "c1", Payload: protocol.True}
	sendTo(t, a, "B", env)
	sendTo(t, a, "B", env)

	readFrame(t, b, wsrelay.TypeMessage)
	var e wsrelay.ErrorPayload
	readFrame(t, a, wsrelay.TypeError).Decode(&e)
	if e.Code != wsrelay.CodeRateLimited {
		t.Errorf("code = %s, want %s", e.Code, wsrelay.CodeRateLimited)
	}

	resp, err := http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	for _, want := range []string{
		"portal_relay_rate_limited_total 1",
		"portal_relay_connections 2",
		`portal_relay_frames_total{type="send"} 1`,
	} {
		if !strings.Contains(string(body), want) {
			t.Errorf("metrics missing %q", want)
		}
	}
}

func TestHealthAndLogs(t *testing.T) {
	buf := logging.NewBuffer(10)
	buf.Add(logging.Entry{Timestamp: time.Now(), Level: slog.LevelInfo.String(), Message: "Relay listening"})
	buf.Add(logging.Entry{Timestamp: time.Now(), Level: slog.LevelDebug.String(), Message: "noise"})
	_, srv := startRelay(t, Options{Logs: buf})

	resp, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	var health map[string]any
	json.NewDecoder(resp.Body).Decode(&health)
	resp.Body.Close()
	if health["status"] != "ok" {
		t.Errorf("health = %v", health)
	}

	resp, err = http.Get(srv.URL + "/logs?level=info")
	if err != nil {
		t.Fatalf("GET /logs: %v", err)
	}
	var logs struct {
		Entries []logging.Entry `json:"entries"`
		Total   int             `json:"total"`
	}
	json.NewDecoder(resp.Body).Decode(&logs)
	resp.Body.Close()
	if len(logs.Entries) != 1 || logs.Entries[0].Message != "Relay listening" || logs.Total != 2 {
		t.Errorf("logs = %+v", logs)
	}

	resp, err = http.Get(srv.URL + "/rooms/alpha")
	if err != nil {
		t.Fatalf("GET /rooms/alpha: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("join without peer status = %d, want 400", resp.StatusCode)
	}
}
