package replication

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/benbjohnson/clock"

	"portal.dev/go/portal/internal/channel"
)

// Status is the stage of an operation.
type Status int

const (
	Proposed Status = iota
	Collecting
	Committed
	Aborted
)

func (s Status) String() string {
	switch s {
	case Proposed:
		return "proposed"
	case Collecting:
		return "collecting"
	case Committed:
		return "committed"
	case Aborted:
		return "aborted"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// operation is one write from proposal to commit. Targets are fixed when
// the write is proposed and only shrink as peers depart.
type operation struct {
	id      string
	key     string
	value   json.RawMessage
	created time.Time
	status  Status

	remote bool
	origin channel.PeerRef

	targets  map[channel.PeerRef]Peer
	acked    map[channel.PeerRef]bool
	inflight map[channel.PeerRef]bool

	timer *clock.Timer
}

func newOperation(id, key string, value json.RawMessage, now time.Time) *operation {
	return &operation{
		id:       id,
		key:      key,
		value:    append(json.RawMessage(nil), value...),
		created:  now,
		targets:  make(map[channel.PeerRef]Peer),
		acked:    make(map[channel.PeerRef]bool),
		inflight: make(map[channel.PeerRef]bool),
	}
}

// ready reports whether every remaining target has acknowledged.
func (op *operation) ready() bool {
	return !op.remote && len(op.targets) > 0 && len(op.acked) == len(op.targets)
}

// Info describes an open operation.
type Info struct {
	ID      string    `json:"id"`
	Key     string    `json:"key"`
	Status  string    `json:"status"`
	Remote  bool      `json:"remote"`
	Origin  string    `json:"origin,omitempty"`
	Targets []string  `json:"targets,omitempty"`
	Acked   []string  `json:"acked,omitempty"`
	Created time.Time `json:"created"`
}

func (op *operation) info() Info {
	in := Info{
		ID:      op.id,
		Key:     op.key,
		Status:  op.status.String(),
		Remote:  op.remote,
		Created: op.created,
	}
	if op.remote {
		in.Origin = op.origin.String()
	}
	for ref := range op.targets {
		in.Targets = append(in.Targets, ref.String())
	}
	for ref := range op.acked {
		in.Acked = append(in.Acked, ref.String())
	}
	sort.Strings(in.Targets)
	sort.Strings(in.Acked)
	return in
}
