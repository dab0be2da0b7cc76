// Copyright (c) 2024 Z5Labs and Contributors
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

// Package kafkalog implements the Maelstrom multi-node Kafka-style log
// workload: append-only, per-key logs with client-driven polling and
// offset commits, all built out of read/cas/write round trips against
// the Maelstrom-provided linearizable lin-kv service.
package kafkalog

import (
	"fmt"
	"log/slog"
	"sort"

	"github.com/crywolf/gossipy-go/internal/correlation"
	"github.com/crywolf/gossipy-go/internal/kv"
	"github.com/crywolf/gossipy-go/internal/node"
)

// numPolledMessages bounds how many entries a single poll of a key reads
// past its requested offset, trading lower latency for not necessarily
// draining the whole backlog in one round trip.
const numPolledMessages = 3

type sendBody struct {
	Type string `json:"type"`
	Key  string `json:"key"`
	Msg  int    `json:"msg"`
}

type sendOkBody struct {
	Type   string `json:"type"`
	Offset int    `json:"offset"`
}

type pollBody struct {
	Type    string         `json:"type"`
	Offsets map[string]int `json:"offsets"`
}

type pollOkBody struct {
	Type string              `json:"type"`
	Msgs map[string][][2]int `json:"msgs"`
}

type commitOffsetsBody struct {
	Type    string         `json:"type"`
	Offsets map[string]int `json:"offsets"`
}

type commitOffsetsOkBody struct {
	Type string `json:"type"`
}

type listCommittedOffsetsBody struct {
	Type string   `json:"type"`
	Keys []string `json:"keys"`
}

type listCommittedOffsetsOkBody struct {
	Type    string         `json:"type"`
	Offsets map[string]int `json:"offsets"`
}

// clientRequest is the client (src, msg_id) a reply must eventually be
// addressed to, once the KV round trip(s) it started have finished.
type clientRequest struct {
	src   string
	msgID int
}

// sendEntry tracks a client send() through its offset-read, offset-cas
// and entry-write round trips.
type sendEntry struct {
	client clientRequest
	key    string
	msg    int
	offset int
}

type offsetUpdate struct {
	key      string
	newValue int
}

// pollRead tracks one of the (up to numPolledMessages) reads fanned out
// for a single requested key within a poll.
type pollRead struct {
	agg    *pollAggregate
	key    string
	offset int
}

// pollAggregate collects the reads fanned out for every key in a single
// poll request, replying only once every key has either produced
// numPolledMessages entries or hit a missing entry.
type pollAggregate struct {
	client    clientRequest
	requested map[string]struct{}
	completed map[string]struct{}
	entries   map[string][]offsetEntry
	replied   bool
}

type offsetEntry struct {
	offset int
	msg    int
}

// commitWrite tracks one of the per-key writes fanned out for a single
// commit_offsets request.
type commitWrite struct {
	agg *commitAggregate
}

type commitAggregate struct {
	client    clientRequest
	remaining int
}

// committedRead tracks one of the per-key reads fanned out for a single
// list_committed_offsets request.
type committedRead struct {
	agg *committedAggregate
	key string
}

type committedAggregate struct {
	client    clientRequest
	requested []string
	answered  map[string]struct{}
	offsets   map[string]int
}

// Handler implements the kafkalog workload.
type Handler struct {
	node.NoCommands

	log *slog.Logger

	offsetReads   *correlation.Cache[int, sendEntry] // offset read msg_id -> send in progress
	offsetUpdates *correlation.Cache[int, offsetUpdate]
	sendWrites    *correlation.Cache[int, sendEntry] // offset cas or entry write msg_id -> send in progress

	pollReads *correlation.Cache[int, pollRead]

	commitWrites *correlation.Cache[int, commitWrite]

	committedReads *correlation.Cache[int, committedRead]
}

// New constructs an empty kafkalog Handler.
func New(log *slog.Logger) *Handler {
	return &Handler{
		log:            log,
		offsetReads:    correlation.New[int, sendEntry](),
		offsetUpdates:  correlation.New[int, offsetUpdate](),
		sendWrites:     correlation.New[int, sendEntry](),
		pollReads:      correlation.New[int, pollRead](),
		commitWrites:   correlation.New[int, commitWrite](),
		committedReads: correlation.New[int, committedRead](),
	}
}

func (h *Handler) Handle(msg node.Message, n *node.Node) error {
	typ, err := msg.Type()
	if err != nil {
		return err
	}

	switch typ {
	case "send":
		return h.handleSend(msg, n)
	case "poll":
		return h.handlePoll(msg, n)
	case "commit_offsets":
		return h.handleCommitOffsets(msg, n)
	case "list_committed_offsets":
		return h.handleListCommittedOffsets(msg, n)
	case "read_ok":
		return h.handleReadOk(msg, n)
	case "cas_ok":
		return h.handleCasOk(msg, n)
	case "write_ok":
		return h.handleWriteOk(msg, n)
	case "error":
		return h.handleError(msg, n)
	case "send_ok", "poll_ok", "commit_offsets_ok", "list_committed_offsets_ok":
		return nil
	default:
		return fmt.Errorf("kafkalog: unexpected message type %q", typ)
	}
}

func (h *Handler) handleSend(msg node.Message, n *node.Node) error {
	var body sendBody
	if err := msg.Unmarshal(&body); err != nil {
		return err
	}
	client, err := clientOf(msg)
	if err != nil {
		return err
	}

	readID, err := n.Send(kv.LinKV, kv.NewRead(kv.OffsetKey(body.Key)))
	if err != nil {
		return err
	}
	h.offsetReads.Put(readID, sendEntry{client: client, key: body.Key, msg: body.Msg})
	return nil
}

func (h *Handler) handlePoll(msg node.Message, n *node.Node) error {
	var body pollBody
	if err := msg.Unmarshal(&body); err != nil {
		return err
	}
	client, err := clientOf(msg)
	if err != nil {
		return err
	}

	if len(body.Offsets) == 0 {
		return n.Reply(msg, pollOkBody{Type: "poll_ok", Msgs: map[string][][2]int{}})
	}

	agg := &pollAggregate{
		client:    client,
		requested: make(map[string]struct{}, len(body.Offsets)),
		completed: make(map[string]struct{}, len(body.Offsets)),
		entries:   make(map[string][]offsetEntry, len(body.Offsets)),
	}
	for key := range body.Offsets {
		agg.requested[key] = struct{}{}
	}

	for key, from := range body.Offsets {
		start := from
		if start <= 0 {
			start = 1
		}
		for offset := start; offset < start+numPolledMessages; offset++ {
			readID, err := n.Send(kv.LinKV, kv.NewRead(kv.EntryKey(key, offset)))
			if err != nil {
				return err
			}
			h.pollReads.Put(readID, pollRead{agg: agg, key: key, offset: offset})
		}
	}
	return nil
}

func (h *Handler) handleCommitOffsets(msg node.Message, n *node.Node) error {
	var body commitOffsetsBody
	if err := msg.Unmarshal(&body); err != nil {
		return err
	}
	client, err := clientOf(msg)
	if err != nil {
		return err
	}

	agg := &commitAggregate{client: client, remaining: len(body.Offsets)}
	for key, offset := range body.Offsets {
		writeID, err := n.Send(kv.LinKV, kv.NewWrite(kv.CommittedOffsetKey(key), offset))
		if err != nil {
			return err
		}
		h.commitWrites.Put(writeID, commitWrite{agg: agg})
	}
	return nil
}

func (h *Handler) handleListCommittedOffsets(msg node.Message, n *node.Node) error {
	var body listCommittedOffsetsBody
	if err := msg.Unmarshal(&body); err != nil {
		return err
	}
	client, err := clientOf(msg)
	if err != nil {
		return err
	}

	if len(body.Keys) == 0 {
		return n.Reply(msg, listCommittedOffsetsOkBody{Type: "list_committed_offsets_ok", Offsets: map[string]int{}})
	}

	agg := &committedAggregate{
		client:    client,
		requested: append([]string(nil), body.Keys...),
		answered:  make(map[string]struct{}, len(body.Keys)),
		offsets:   make(map[string]int, len(body.Keys)),
	}
	for _, key := range body.Keys {
		readID, err := n.Send(kv.LinKV, kv.NewRead(kv.CommittedOffsetKey(key)))
		if err != nil {
			return err
		}
		h.committedReads.Put(readID, committedRead{agg: agg, key: key})
	}
	return nil
}

func (h *Handler) handleReadOk(msg node.Message, n *node.Node) error {
	var body kv.ReadOkBody
	if err := msg.Unmarshal(&body); err != nil {
		return err
	}
	inReplyTo, err := requireInReplyTo(msg)
	if err != nil {
		return err
	}

	if entry, ok := h.offsetReads.GetAndDelete(inReplyTo); ok {
		return h.advanceSendOffset(n, entry, body.Value)
	}
	if pr, ok := h.pollReads.GetAndDelete(inReplyTo); ok {
		return h.completePollRead(n, pr, body.Value, true)
	}
	if cr, ok := h.committedReads.GetAndDelete(inReplyTo); ok {
		return h.completeCommittedRead(n, cr, body.Value, true)
	}
	return fmt.Errorf("kafkalog: unexpected read_ok for msg_id %d", inReplyTo)
}

func (h *Handler) advanceSendOffset(n *node.Node, entry sendEntry, current int) error {
	newOffset := current + 1
	casID, err := n.Send(kv.LinKV, kv.NewCas(kv.OffsetKey(entry.key), current, newOffset, false))
	if err != nil {
		return err
	}
	h.offsetUpdates.Put(casID, offsetUpdate{key: entry.key, newValue: newOffset})
	entry.offset = newOffset
	h.sendWrites.Put(casID, entry)
	return nil
}

func (h *Handler) handleCasOk(msg node.Message, n *node.Node) error {
	inReplyTo, err := requireInReplyTo(msg)
	if err != nil {
		return err
	}
	upd, ok := h.offsetUpdates.GetAndDelete(inReplyTo)
	if !ok {
		return fmt.Errorf("kafkalog: unexpected cas_ok for msg_id %d", inReplyTo)
	}
	entry, ok := h.sendWrites.GetAndDelete(inReplyTo)
	if !ok {
		return fmt.Errorf("kafkalog: missing send in progress for cas_ok msg_id %d", inReplyTo)
	}
	writeID, err := n.Send(kv.LinKV, kv.NewWrite(kv.EntryKey(upd.key, entry.offset), entry.msg))
	if err != nil {
		return err
	}
	h.sendWrites.Put(writeID, entry)
	return nil
}

func (h *Handler) handleWriteOk(msg node.Message, n *node.Node) error {
	inReplyTo, err := requireInReplyTo(msg)
	if err != nil {
		return err
	}
	if entry, ok := h.sendWrites.GetAndDelete(inReplyTo); ok {
		_, err := n.ReplyTo(entry.client.src, entry.client.msgID, sendOkBody{Type: "send_ok", Offset: entry.offset})
		return err
	}
	if cw, ok := h.commitWrites.GetAndDelete(inReplyTo); ok {
		return h.completeCommitWrite(n, cw)
	}
	return fmt.Errorf("kafkalog: unexpected write_ok for msg_id %d", inReplyTo)
}

func (h *Handler) handleError(msg node.Message, n *node.Node) error {
	var body kv.ErrorBody
	if err := msg.Unmarshal(&body); err != nil {
		return err
	}
	inReplyTo, err := requireInReplyTo(msg)
	if err != nil {
		return err
	}

	switch body.Code {
	case kv.ErrKeyDoesNotExist:
		return h.handleKeyDoesNotExist(n, inReplyTo)
	case kv.ErrPreconditionFailed:
		return h.handlePreconditionFailed(n, inReplyTo, body.Text)
	default:
		h.log.Error("unexpected kv error", slog.Int("code", body.Code), slog.String("text", body.Text))
		return nil
	}
}

func (h *Handler) handleKeyDoesNotExist(n *node.Node, inReplyTo int) error {
	if entry, ok := h.offsetReads.GetAndDelete(inReplyTo); ok {
		return h.advanceSendOffsetFromMissing(n, entry)
	}
	if pr, ok := h.pollReads.GetAndDelete(inReplyTo); ok {
		return h.completePollRead(n, pr, 0, false)
	}
	if cr, ok := h.committedReads.GetAndDelete(inReplyTo); ok {
		return h.completeCommittedRead(n, cr, 0, false)
	}
	return fmt.Errorf("kafkalog: unexpected key-does-not-exist for msg_id %d", inReplyTo)
}

func (h *Handler) advanceSendOffsetFromMissing(n *node.Node, entry sendEntry) error {
	casID, err := n.Send(kv.LinKV, kv.NewCas(kv.OffsetKey(entry.key), 0, 1, true))
	if err != nil {
		return err
	}
	h.offsetUpdates.Put(casID, offsetUpdate{key: entry.key, newValue: 1})
	entry.offset = 1
	h.sendWrites.Put(casID, entry)
	return nil
}

func (h *Handler) handlePreconditionFailed(n *node.Node, inReplyTo int, text string) error {
	h.log.Info("cas precondition failed, retrying", slog.String("text", text))
	upd, ok := h.offsetUpdates.GetAndDelete(inReplyTo)
	if !ok {
		return fmt.Errorf("kafkalog: unexpected precondition-failed for msg_id %d", inReplyTo)
	}
	entry, ok := h.sendWrites.GetAndDelete(inReplyTo)
	if !ok {
		return fmt.Errorf("kafkalog: missing send in progress for precondition-failed msg_id %d", inReplyTo)
	}
	readID, err := n.Send(kv.LinKV, kv.NewRead(kv.OffsetKey(upd.key)))
	if err != nil {
		return err
	}
	h.offsetReads.Put(readID, entry)
	return nil
}

func (h *Handler) completePollRead(n *node.Node, pr pollRead, value int, present bool) error {
	agg := pr.agg
	if agg.replied {
		// Late read for a key whose aggregate already completed and
		// replied once (its other reads raced this one); ignore.
		return nil
	}
	if _, ok := agg.requested[pr.key]; !ok {
		return nil
	}
	if present {
		agg.entries[pr.key] = append(agg.entries[pr.key], offsetEntry{offset: pr.offset, msg: value})
		if len(agg.entries[pr.key]) >= numPolledMessages {
			agg.completed[pr.key] = struct{}{}
		}
	} else {
		agg.completed[pr.key] = struct{}{}
	}

	if len(agg.completed) < len(agg.requested) {
		return nil
	}

	msgs := make(map[string][][2]int, len(agg.requested))
	for key := range agg.requested {
		entries := agg.entries[key]
		sort.Slice(entries, func(i, j int) bool { return entries[i].offset < entries[j].offset })
		pairs := make([][2]int, len(entries))
		for i, e := range entries {
			pairs[i] = [2]int{e.offset, e.msg}
		}
		msgs[key] = pairs
	}
	agg.replied = true
	_, err := n.ReplyTo(agg.client.src, agg.client.msgID, pollOkBody{Type: "poll_ok", Msgs: msgs})
	return err
}

func (h *Handler) completeCommitWrite(n *node.Node, cw commitWrite) error {
	cw.agg.remaining--
	if cw.agg.remaining > 0 {
		return nil
	}
	_, err := n.ReplyTo(cw.agg.client.src, cw.agg.client.msgID, commitOffsetsOkBody{Type: "commit_offsets_ok"})
	return err
}

func (h *Handler) completeCommittedRead(n *node.Node, cr committedRead, value int, present bool) error {
	agg := cr.agg
	if present {
		agg.offsets[cr.key] = value
	}
	agg.answered[cr.key] = struct{}{}
	if len(agg.answered) < len(agg.requested) {
		return nil
	}
	_, err := n.ReplyTo(agg.client.src, agg.client.msgID, listCommittedOffsetsOkBody{Type: "list_committed_offsets_ok", Offsets: agg.offsets})
	return err
}

func clientOf(msg node.Message) (clientRequest, error) {
	msgID, ok, err := msg.MsgID()
	if err != nil {
		return clientRequest{}, err
	}
	if !ok {
		return clientRequest{}, fmt.Errorf("kafkalog: request has no msg_id")
	}
	return clientRequest{src: msg.Src, msgID: msgID}, nil
}

func requireInReplyTo(msg node.Message) (int, error) {
	inReplyTo, ok, err := msg.InReplyTo()
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, fmt.Errorf("kafkalog: reply has no in_reply_to")
	}
	return inReplyTo, nil
}
