package cli

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"portal.dev/go/portal"
	"portal.dev/go/portal/internal/events"
)

const consoleHelp = `commands:
  set <key> <value>     propose a replicated write
  local <key> <value>   set a value peers can fetch but that is not replicated
  get <key>             print the committed value
  keys                  list committed keys
  wait <key>            wait for the next commit of key
  fetch <peer> <key>    ask a peer for its local value
  peers                 list peers in the room
  pending               list writes waiting for acknowledgement
  help                  show this text
  quit                  leave the room`

// console runs the interactive line protocol of `portal join`.
type console struct {
	sys    *portal.System
	events events.Subscriber
	room   string
	fetch  time.Duration

	mu  sync.Mutex
	out io.Writer
}

func newConsole(sys *portal.System, room string, out io.Writer) *console {
	return &console{sys: sys, events: sys, room: room, out: out, fetch: 10 * time.Second}
}

func (c *console) printf(format string, args ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.out, format, args...)
}

// event prints one bus event. Installed as a tap.
func (c *console) event(name string, data any) {
	c.printf("%s\n", formatEvent(name, data))
}

// run reads commands from in until quit or EOF.
func (c *console) run(ctx context.Context, in io.Reader, prompt bool) error {
	scanner := bufio.NewScanner(in)
	for {
		if prompt {
			c.printf("%s> ", c.room)
		}
		if !scanner.Scan() {
			return scanner.Err()
		}
		if c.exec(ctx, scanner.Text()) {
			return nil
		}
		if ctx.Err() != nil {
			return nil
		}
	}
}

// exec runs a single command line and reports whether the session should end.
func (c *console) exec(ctx context.Context, line string) bool {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return false
	}
	cmd, args := fields[0], fields[1:]

	switch cmd {
	case "set", "local":
		if len(args) < 2 {
			c.printf("usage: %s <key> <value>\n", cmd)
			return false
		}
		value := parseValue(strings.Join(args[1:], " "))
		var err error
		if cmd == "set" {
			err = c.sys.Write(args[0], value)
		} else {
			err = c.sys.SetLocal(args[0], value)
		}
		if err != nil {
			c.printf("error: %v\n", err)
		}

	case "get":
		if len(args) != 1 {
			c.printf("usage: get <key>\n")
			return false
		}
		if v, ok := c.sys.Get(args[0]); ok {
			c.printf("%s = %s\n", args[0], v)
		} else {
			c.printf("%s is not set\n", args[0])
		}

	case "keys":
		keys := c.sys.Keys()
		if len(keys) == 0 {
			c.printf("no committed keys\n")
			return false
		}
		c.printf("%s\n", strings.Join(keys, " "))

	case "wait":
		if len(args) != 1 {
			c.printf("usage: wait <key>\n")
			return false
		}
		v, err := c.waitFor(ctx, args[0])
		if err != nil {
			c.printf("error: %v\n", err)
			return false
		}
		c.printf("%s = %s\n", args[0], v)

	case "fetch":
		if len(args) != 2 {
			c.printf("usage: fetch <peer> <key>\n")
			return false
		}
		fctx, cancel := context.WithTimeout(ctx, c.fetch)
		v, err := c.sys.FetchLocal(fctx, c.room, args[0], args[1])
		cancel()
		if err != nil {
			c.printf("error: %v\n", err)
			return false
		}
		c.printf("%s/%s = %s\n", args[0], args[1], v)

	case "peers":
		for _, ch := range c.sys.Channels() {
			if ch.Name != c.room {
				continue
			}
			c.printf("%s (%s) as %s: %s\n", ch.Name, ch.State, ch.LocalID, strings.Join(ch.Peers, ", "))
		}

	case "pending":
		ops := c.sys.Pending()
		if len(ops) == 0 {
			c.printf("no pending writes\n")
		}
		for _, op := range ops {
			c.printf("%s %s %s acked %d/%d\n", op.ID, op.Key, op.Status, len(op.Acked), len(op.Targets))
		}

	case "help":
		c.printf("%s\n", consoleHelp)

	case "quit", "exit":
		return true

	default:
		c.printf("unknown command %q, try help\n", cmd)
	}
	return false
}

// waitFor blocks until key is next committed.
func (c *console) waitFor(ctx context.Context, key string) (json.RawMessage, error) {
	got := make(chan json.RawMessage, 1)
	id := c.events.Subscribe(key, func(data any) {
		raw, _ := data.(json.RawMessage)
		select {
		case got <- raw:
		default:
		}
	})
	defer c.events.Unsubscribe(key, id)

	ctx, cancel := context.WithTimeout(ctx, c.fetch)
	defer cancel()
	select {
	case v := <-got:
		return v, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("waiting for %s: %w", key, ctx.Err())
	}
}

// parseValue treats valid JSON as JSON and anything else as a string.
func parseValue(s string) any {
	if json.Valid([]byte(s)) {
		return json.RawMessage(s)
	}
	return s
}

func formatEvent(name string, data any) string {
	switch d := data.(type) {
	case nil:
		return "* " + name
	case json.RawMessage:
		return fmt.Sprintf("* %s = %s", name, d)
	case portal.ChannelOutcome:
		if d.Error != "" {
			return fmt.Sprintf("* %s %s: %s", name, d.Channel, d.Error)
		}
		return fmt.Sprintf("* %s %s", name, d.Channel)
	case portal.PeerEvent:
		return fmt.Sprintf("* %s %s/%s", name, d.Channel, d.Peer)
	case portal.WriteAborted:
		return fmt.Sprintf("* %s %s (%s)", name, d.Key, d.Reason)
	case portal.StartError:
		return fmt.Sprintf("* %s %s: %s", name, d.Err, d.Message)
	default:
		return fmt.Sprintf("* %s %v", name, d)
	}
}
