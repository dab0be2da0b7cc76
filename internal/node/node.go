// Copyright (c) 2024 Z5Labs and Contributors
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

// Package node implements the Maelstrom line-delimited JSON node protocol:
// the init handshake, the request/reply envelope plumbing and a
// single-goroutine dispatch loop that serializes message and command
// handling for a workload Handler.
package node

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"

	"github.com/sourcegraph/conc/pool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const maxMessageBytes = 1 << 20

type eventKind int

const (
	eventMessage eventKind = iota
	eventCommand
)

func (k eventKind) String() string {
	if k == eventCommand {
		return "command"
	}
	return "message"
}

type event struct {
	kind eventKind
	msg  Message
	cmd  Command
}

// Node is a single participant in a Maelstrom cluster. It owns the
// handshake, the msg_id sequence and the serialized stdout writer; the
// workload-specific behaviour lives entirely in the Handler passed to Run.
type Node struct {
	stdin  io.Reader
	stdout io.Writer

	log    *slog.Logger
	tracer trace.Tracer

	id       string
	nodeIDs  []string
	commands <-chan Command

	mu        sync.Mutex
	nextMsgID int

	writeMu sync.Mutex
}

// Option configures a Node constructed with New.
type Option func(*Node)

// WithLogger overrides the default stderr JSON logger.
func WithLogger(l *slog.Logger) Option {
	return func(n *Node) { n.log = l }
}

// WithTracer overrides the default global tracer.
func WithTracer(t trace.Tracer) Option {
	return func(n *Node) { n.tracer = t }
}

// New constructs a Node reading the protocol from stdin and writing it to
// stdout. stdout must never carry anything but protocol envelopes, so all
// diagnostic logging defaults to stderr.
func New(stdin io.Reader, stdout io.Writer, opts ...Option) *Node {
	n := &Node{
		stdin:     stdin,
		stdout:    stdout,
		nextMsgID: 1,
		log:       slog.New(slog.NewJSONHandler(os.Stderr, nil)),
		tracer:    otel.Tracer("maelstrom/node"),
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// ID returns this node's id, valid only after the init handshake completes.
func (n *Node) ID() string { return n.id }

// NodeIDs returns the ids of every node in the cluster, including this one.
func (n *Node) NodeIDs() []string { return n.nodeIDs }

// RegisterCommands wires a command source into the dispatch loop. It must
// be called before Run. Commands arriving on ch are delivered to the
// Handler's HandleCommand in the same serialized loop as messages.
func (n *Node) RegisterCommands(ch <-chan Command) {
	n.commands = ch
}

// Reply sends payload back to the sender of msg, setting in_reply_to to
// msg's own msg_id. msg must carry a msg_id.
func (n *Node) Reply(msg Message, payload any) error {
	msgID, ok, err := msg.MsgID()
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("node: cannot reply, incoming message has no msg_id")
	}
	_, err = n.ReplyTo(msg.Src, msgID, payload)
	return err
}

// ReplyTo sends payload to dest with in_reply_to set to inReplyTo. Unlike
// Reply it does not require the original Message, which lets a handler
// answer a client on behalf of a request it is no longer holding, e.g.
// after round-tripping through a KV service.
func (n *Node) ReplyTo(dest string, inReplyTo int, payload any) (int, error) {
	id := n.nextID()
	body, err := n.injectIDs(payload, id, &inReplyTo)
	if err != nil {
		return 0, err
	}
	return id, n.write(Message{Src: n.id, Dest: dest, Body: body})
}

// Send dispatches payload to dest as a fresh request and returns the
// msg_id it was assigned, so the caller can correlate the eventual reply.
func (n *Node) Send(dest string, payload any) (int, error) {
	id := n.nextID()
	body, err := n.injectIDs(payload, id, nil)
	if err != nil {
		return 0, err
	}
	return id, n.write(Message{Src: n.id, Dest: dest, Body: body})
}

func (n *Node) nextID() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	id := n.nextMsgID
	n.nextMsgID++
	return id
}

func (n *Node) injectIDs(payload any, msgID int, inReplyTo *int) (json.RawMessage, error) {
	buf, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("node: marshal payload: %w", err)
	}
	var m map[string]any
	if err := json.Unmarshal(buf, &m); err != nil {
		return nil, fmt.Errorf("node: decode payload: %w", err)
	}
	m["msg_id"] = msgID
	if inReplyTo != nil {
		m["in_reply_to"] = *inReplyTo
	}
	body, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("node: marshal body: %w", err)
	}
	return body, nil
}

func (n *Node) write(msg Message) error {
	buf, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("node: marshal message: %w", err)
	}
	n.writeMu.Lock()
	defer n.writeMu.Unlock()
	if _, err := n.stdout.Write(buf); err != nil {
		return fmt.Errorf("node: write stdout: %w", err)
	}
	if _, err := n.stdout.Write([]byte("\n")); err != nil {
		return fmt.Errorf("node: write stdout: %w", err)
	}
	return nil
}

// Run performs the init handshake and then drives msg and command events
// through handler until stdin is closed or handler returns an error.
func (n *Node) Run(h Handler) error {
	scanner := bufio.NewScanner(n.stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), maxMessageBytes)

	if err := n.handshake(scanner); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events := make(chan event)
	p := pool.New().WithContext(ctx)

	p.Go(func(ctx context.Context) error {
		defer cancel()
		return n.readLoop(ctx, scanner, events)
	})

	if n.commands != nil {
		cmds := n.commands
		p.Go(func(ctx context.Context) error {
			return n.commandLoop(ctx, cmds, events)
		})
	}

	var dispatchErr error
	p.Go(func(ctx context.Context) error {
		defer cancel()
		dispatchErr = n.dispatchLoop(ctx, events, h)
		return dispatchErr
	})

	waitErr := p.Wait()
	if dispatchErr != nil {
		return dispatchErr
	}
	if waitErr != nil && !errors.Is(waitErr, context.Canceled) {
		return waitErr
	}
	return nil
}

func (n *Node) handshake(scanner *bufio.Scanner) error {
	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return fmt.Errorf("node: read init message: %w", err)
		}
		return fmt.Errorf("node: stdin closed before init message")
	}

	var msg Message
	if err := json.Unmarshal(scanner.Bytes(), &msg); err != nil {
		return fmt.Errorf("node: decode init message: %w", err)
	}

	typ, err := msg.Type()
	if err != nil {
		return fmt.Errorf("node: decode init body: %w", err)
	}
	if typ != "init" {
		return fmt.Errorf("node: expected init message, got %q", typ)
	}

	var body initBody
	if err := msg.Unmarshal(&body); err != nil {
		return fmt.Errorf("node: decode init body: %w", err)
	}
	n.id = body.NodeID
	n.nodeIDs = body.NodeIDs
	n.log = n.log.With(slog.String("node_id", n.id))

	if err := n.Reply(msg, initOkBody{Type: "init_ok"}); err != nil {
		return fmt.Errorf("node: reply init_ok: %w", err)
	}
	n.log.Info("node initialized", slog.Any("node_ids", n.nodeIDs))
	return nil
}

func (n *Node) readLoop(ctx context.Context, scanner *bufio.Scanner, events chan<- event) error {
	for scanner.Scan() {
		var msg Message
		if err := json.Unmarshal(scanner.Bytes(), &msg); err != nil {
			return fmt.Errorf("node: decode message: %w", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case events <- event{kind: eventMessage, msg: msg}:
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("node: read stdin: %w", err)
	}
	return nil
}

func (n *Node) commandLoop(ctx context.Context, cmds <-chan Command, events chan<- event) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case cmd, ok := <-cmds:
			if !ok {
				return nil
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case events <- event{kind: eventCommand, cmd: cmd}:
			}
		}
	}
}

func (n *Node) dispatchLoop(ctx context.Context, events <-chan event, h Handler) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-events:
			if err := n.dispatch(ctx, ev, h); err != nil {
				return err
			}
		}
	}
}

func (n *Node) dispatch(ctx context.Context, ev event, h Handler) error {
	ctx, span := n.tracer.Start(ctx, "node.dispatch", trace.WithAttributes(
		attribute.String("event.kind", ev.kind.String()),
	))
	defer span.End()

	var err error
	switch ev.kind {
	case eventMessage:
		err = h.Handle(ev.msg, n)
	case eventCommand:
		err = h.HandleCommand(ev.cmd, n)
	}
	if err != nil {
		span.RecordError(err)
		n.log.ErrorContext(ctx, "handler returned error", slog.Any("error", err))
	}
	return err
}
