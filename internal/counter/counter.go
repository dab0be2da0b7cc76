// Copyright (c) 2024 Z5Labs and Contributors
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

// Package counter implements the Maelstrom g-counter workload: a
// stateless grow-only counter built entirely out of read/cas round trips
// against the Maelstrom-provided sequentially-consistent seq-kv service.
package counter

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/crywolf/gossipy-go/internal/correlation"
	"github.com/crywolf/gossipy-go/internal/kv"
	"github.com/crywolf/gossipy-go/internal/node"
)

// CounterKey is the single seq-kv key the counter's value lives under.
const CounterKey = "g-counter"

// timestampKey forces seq-kv to observe a fresh write before every read,
// defeating the stale reads a sequentially consistent store otherwise
// permits (https://jepsen.io/consistency/phenomena/stale-read).
const timestampKey = "timestamp"

type initStore struct{}

// InitStore is sent once at startup to seed CounterKey with a
// create-if-missing compare-and-swap, so the first Add doesn't race a
// key-does-not-exist error.
var InitStore node.Command = initStore{}

type addBody struct {
	Type  string `json:"type"`
	Delta int    `json:"delta"`
}

type addOkBody struct {
	Type string `json:"type"`
}

type readBody struct {
	Type string `json:"type"`
}

type readOkBody struct {
	Type  string `json:"type"`
	Value int    `json:"value"`
}

// clientRead is the client (src, msg_id) waiting on a counter value,
// kept around while the read round-trips through seq-kv.
type clientRead struct {
	src   string
	msgID int
}

// Handler implements the g-counter workload.
type Handler struct {
	log *slog.Logger

	// deltas maps an outstanding seq-kv msg_id (read or cas) to the
	// client delta it is working on behalf of.
	deltas *correlation.Cache[int, int]
	// pendingReads maps an outstanding seq-kv read msg_id to the client
	// waiting for the counter's value.
	pendingReads *correlation.Cache[int, clientRead]
}

// New constructs an empty counter Handler.
func New(log *slog.Logger) *Handler {
	return &Handler{
		log:          log,
		deltas:       correlation.New[int, int](),
		pendingReads: correlation.New[int, clientRead](),
	}
}

func (h *Handler) Handle(msg node.Message, n *node.Node) error {
	typ, err := msg.Type()
	if err != nil {
		return err
	}

	switch typ {
	case "add":
		var body addBody
		if err := msg.Unmarshal(&body); err != nil {
			return err
		}
		readID, err := n.Send(kv.SeqKV, kv.NewRead(CounterKey))
		if err != nil {
			return err
		}
		h.deltas.Put(readID, body.Delta)
		return n.Reply(msg, addOkBody{Type: "add_ok"})

	case "read":
		now := time.Now().UnixNano()
		if _, err := n.Send(kv.SeqKV, kv.NewWrite(timestampKey, int(now))); err != nil {
			return err
		}
		readID, err := n.Send(kv.SeqKV, kv.NewRead(CounterKey))
		if err != nil {
			return err
		}
		msgID, ok, err := msg.MsgID()
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("counter: read request has no msg_id")
		}
		h.pendingReads.Put(readID, clientRead{src: msg.Src, msgID: msgID})
		return nil

	case "read_ok":
		var body kv.ReadOkBody
		if err := msg.Unmarshal(&body); err != nil {
			return err
		}
		inReplyTo, ok, err := msg.InReplyTo()
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("counter: read_ok has no in_reply_to")
		}
		if client, found := h.pendingReads.GetAndDelete(inReplyTo); found {
			_, err := n.ReplyTo(client.src, client.msgID, readOkBody{Type: "read_ok", Value: body.Value})
			return err
		}
		delta, found := h.deltas.GetAndDelete(inReplyTo)
		if !found {
			return fmt.Errorf("counter: unexpected read_ok for msg_id %d", inReplyTo)
		}
		casID, err := n.Send(kv.SeqKV, kv.NewCas(CounterKey, body.Value, body.Value+delta, false))
		if err != nil {
			return err
		}
		h.deltas.Put(casID, delta)
		return nil

	case "cas_ok":
		inReplyTo, ok, err := msg.InReplyTo()
		if err != nil {
			return err
		}
		if ok {
			h.deltas.Delete(inReplyTo)
		}
		return nil

	case "error":
		var body kv.ErrorBody
		if err := msg.Unmarshal(&body); err != nil {
			return err
		}
		inReplyTo, ok, err := msg.InReplyTo()
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		if body.Code != kv.ErrPreconditionFailed {
			h.log.Warn("unexpected kv error", slog.Int("code", body.Code), slog.String("text", body.Text))
			return nil
		}
		h.log.Info("cas precondition failed, retrying", slog.String("text", body.Text))
		delta, found := h.deltas.GetAndDelete(inReplyTo)
		if !found {
			return nil
		}
		readID, err := n.Send(kv.SeqKV, kv.NewRead(CounterKey))
		if err != nil {
			return err
		}
		h.deltas.Put(readID, delta)
		return nil

	case "add_ok", "write_ok":
		return nil

	default:
		return fmt.Errorf("counter: unexpected message type %q", typ)
	}
}

func (h *Handler) HandleCommand(cmd node.Command, n *node.Node) error {
	if _, ok := cmd.(initStore); !ok {
		return nil
	}
	h.log.Info("initializing counter key", slog.String("key", CounterKey))
	_, err := n.Send(kv.SeqKV, kv.NewCas(CounterKey, 0, 0, true))
	return err
}
