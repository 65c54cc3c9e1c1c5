package channel

import (
	"context"
	"encoding/json"

	"portal.dev/go/portal/internal/conversation"
)

// PeerRef identifies a peer within one channel. The same remote process
// seen through two channels yields two refs.
type PeerRef struct {
	Channel string
	ID      string
}

func (r PeerRef) String() string {
	return r.Channel + "/" + r.ID
}

// Peer is a remote member of a channel.
type Peer struct {
	ref     PeerRef
	channel *Channel
	conv    *conversation.Conversation
}

func (p *Peer) Ref() PeerRef      { return p.ref }
func (p *Peer) ID() string        { return p.ref.ID }
func (p *Peer) Channel() *Channel { return p.channel }

// Conversation returns the request/response state shared with the peer.
func (p *Peer) Conversation() *conversation.Conversation { return p.conv }

// Call sends a request; onDone runs once with its outcome.
func (p *Peer) Call(payload json.RawMessage, onDone func(conversation.Reply)) error {
	_, err := p.conv.Send(payload, onDone)
	return err
}

// Request sends a request and waits for its response.
func (p *Peer) Request(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
	call, err := p.conv.Send(payload, nil)
	if err != nil {
		return nil, err
	}
	return call.Wait(ctx)
}

// Respond answers a request received from the peer.
func (p *Peer) Respond(correlationID string, payload json.RawMessage) error {
	return p.conv.Respond(correlationID, payload)
}
