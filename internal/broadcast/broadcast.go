// Copyright (c) 2024 Z5Labs and Contributors
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

// Package broadcast implements the Maelstrom broadcast workload: every
// node accepts client broadcast/read requests and gossips what it knows
// to its topology-assigned neighbours until the whole cluster converges.
package broadcast

import (
	"fmt"
	"log/slog"
	"sort"

	"github.com/crywolf/gossipy-go/internal/node"
)

// sendGossip is the sole command this workload reacts to: a periodic
// tick telling the handler to gossip its known messages to neighbours.
type sendGossip struct{}

// SendGossip is the command value a cmd/broadcast timer sends on the
// channel registered with node.Node.RegisterCommands.
var SendGossip node.Command = sendGossip{}

type broadcastBody struct {
	Type    string `json:"type"`
	Message int    `json:"message"`
}

type broadcastOkBody struct {
	Type string `json:"type"`
}

type readBody struct {
	Type string `json:"type"`
}

type readOkBody struct {
	Type     string `json:"type"`
	Messages []int  `json:"messages"`
}

type topologyBody struct {
	Type     string              `json:"type"`
	Topology map[string][]string `json:"topology"`
}

type topologyOkBody struct {
	Type string `json:"type"`
}

type gossipBody struct {
	Type string `json:"type"`
	Have []int  `json:"have"`
}

// Handler implements the broadcast workload. It is not safe for
// concurrent use, but the node runtime never calls it concurrently.
type Handler struct {
	log *slog.Logger

	messages   map[int]struct{}
	topology   map[string][]string
	neighbours []string

	// othersKnow[peer] is the set of messages we believe peer has
	// already seen, used to keep gossip payloads to only the delta.
	othersKnow map[string]map[int]struct{}
}

// New constructs an empty broadcast Handler.
func New(log *slog.Logger) *Handler {
	return &Handler{
		log:        log,
		messages:   make(map[int]struct{}),
		topology:   make(map[string][]string),
		othersKnow: make(map[string]map[int]struct{}),
	}
}

func (h *Handler) Handle(msg node.Message, n *node.Node) error {
	typ, err := msg.Type()
	if err != nil {
		return err
	}

	switch typ {
	case "topology":
		var body topologyBody
		if err := msg.Unmarshal(&body); err != nil {
			return err
		}
		h.topology = body.Topology
		neighbours, ok := h.topology[n.ID()]
		if !ok {
			return fmt.Errorf("broadcast: node %s missing from topology", n.ID())
		}
		h.neighbours = neighbours
		return n.Reply(msg, topologyOkBody{Type: "topology_ok"})

	case "broadcast":
		var body broadcastBody
		if err := msg.Unmarshal(&body); err != nil {
			return err
		}
		h.messages[body.Message] = struct{}{}
		return n.Reply(msg, broadcastOkBody{Type: "broadcast_ok"})

	case "read":
		return n.Reply(msg, readOkBody{Type: "read_ok", Messages: h.snapshot()})

	case "gossip":
		var body gossipBody
		if err := msg.Unmarshal(&body); err != nil {
			return err
		}
		for _, m := range body.Have {
			h.messages[m] = struct{}{}
		}
		known := h.othersKnow[msg.Src]
		if known == nil {
			known = make(map[int]struct{})
			h.othersKnow[msg.Src] = known
		}
		for _, m := range body.Have {
			known[m] = struct{}{}
		}
		// Gossip is fire-and-forget; the protocol defines no gossip_ok.
		return nil

	case "broadcast_ok", "topology_ok":
		return nil

	default:
		return fmt.Errorf("broadcast: unexpected message type %q", typ)
	}
}

func (h *Handler) HandleCommand(cmd node.Command, n *node.Node) error {
	if _, ok := cmd.(sendGossip); !ok {
		return nil
	}
	for _, peer := range h.neighbours {
		delta := h.deltaFor(peer)
		if len(delta) == 0 {
			continue
		}
		// We do not mark peer as knowing delta here: Maelstrom's nemesis
		// can drop this gossip in flight, and othersKnow must only grow
		// from a peer's own confirmed gossip back to us (see Handle),
		// or a lost message's items would never be retried.
		if _, err := n.Send(peer, gossipBody{Type: "gossip", Have: delta}); err != nil {
			return err
		}
	}
	return nil
}

func (h *Handler) deltaFor(peer string) []int {
	known := h.othersKnow[peer]
	delta := make([]int, 0, len(h.messages))
	for m := range h.messages {
		if _, seen := known[m]; seen {
			continue
		}
		delta = append(delta, m)
	}
	sort.Ints(delta)
	return delta
}

func (h *Handler) snapshot() []int {
	out := make([]int, 0, len(h.messages))
	for m := range h.messages {
		out = append(out, m)
	}
	sort.Ints(out)
	return out
}
