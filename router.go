package portal

import (
	"encoding/json"
	"log/slog"

	"portal.dev/go/portal/internal/channel"
	"portal.dev/go/portal/internal/replication"
	"portal.dev/go/portal/protocol"
)

// router dispatches inbound envelopes: responses go to the peer's
// conversation, requests to the engine or the store.
type router struct {
	sys *System
}

func (r *router) PeerJoined(p *channel.Peer) {}

func (r *router) PeerLeft(p *channel.Peer) {
	r.sys.engine.RemovePeer(p.Ref())
}

func (r *router) Deliver(p *channel.Peer, env protocol.Envelope) {
	if err := env.Validate(); err != nil {
		slog.Debug("Ignoring envelope", "peer", p.Ref(), "error", err)
		return
	}
	if p.Conversation().Resolve(env) {
		return
	}

	req, kind := protocol.ParseRequest(env.Payload)
	var reply json.RawMessage
	switch kind {
	case protocol.KindPush:
		// Denied pushes are dropped without an answer.
		if !p.Channel().Permits(req.Push.Key) {
			r.sys.opts.Metrics.Dropped("push-denied")
			slog.Debug("Push denied", "peer", p.Ref(), "key", req.Push.Key)
			return
		}
		r.sys.engine.HandlePush(p, *req.Push)
		reply = protocol.True

	case protocol.KindComplete:
		r.sys.engine.HandleComplete(p.Ref(), req.CompleteRequest.ID)
		reply = protocol.True

	case protocol.KindPersonalData:
		reply = r.sys.store.LocalReply(req.PersonalData.Key)

	default:
		slog.Debug("Ignoring unrecognised payload", "peer", p.Ref(), "id", env.CorrelationID)
		return
	}

	if err := p.Respond(env.CorrelationID, reply); err != nil {
		slog.Debug("Response not sent", "peer", p.Ref(), "kind", kind, "error", err)
	}
}

// membership exposes channel membership to the engine.
type membership struct {
	reg *channel.Registry
}

func (m membership) TargetsFor(key string) ([]replication.Peer, bool) {
	peers, ok := m.reg.TargetsFor(key)
	out := make([]replication.Peer, len(peers))
	for i, p := range peers {
		out[i] = p
	}
	return out, ok
}
