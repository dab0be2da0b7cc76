// Copyright (c) 2024 Z5Labs and Contributors
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package node

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type echoHandler struct {
	NoCommands
}

func (echoHandler) Handle(msg Message, n *Node) error {
	typ, err := msg.Type()
	if err != nil {
		return err
	}
	if typ != "echo" {
		return nil
	}
	var body struct {
		Echo string `json:"echo"`
	}
	if err := msg.Unmarshal(&body); err != nil {
		return err
	}
	return n.Reply(msg, struct {
		Type string `json:"type"`
		Echo string `json:"echo"`
	}{Type: "echo_ok", Echo: body.Echo})
}

func decodeLines(t *testing.T, r *bytes.Buffer) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(r.String()), "\n") {
		if line == "" {
			continue
		}
		var m map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &m))
		out = append(out, m)
	}
	return out
}

func TestNode_HandshakeAndEcho(t *testing.T) {
	in := strings.NewReader(
		`{"src":"c1","dest":"n1","body":{"type":"init","msg_id":1,"node_id":"n1","node_ids":["n1"]}}` + "\n" +
			`{"src":"c1","dest":"n1","body":{"type":"echo","msg_id":2,"echo":"hi"}}` + "\n",
	)
	var out bytes.Buffer

	n := New(in, &out)
	err := n.Run(echoHandler{})
	require.NoError(t, err)

	lines := decodeLines(t, &out)
	require.Len(t, lines, 2)

	initOk := lines[0]["body"].(map[string]any)
	assert.Equal(t, "init_ok", initOk["type"])
	assert.EqualValues(t, 1, initOk["in_reply_to"])

	echoOk := lines[1]["body"].(map[string]any)
	assert.Equal(t, "echo_ok", echoOk["type"])
	assert.Equal(t, "hi", echoOk["echo"])
	assert.EqualValues(t, 2, echoOk["in_reply_to"])
	assert.Equal(t, "n1", lines[1]["src"])
	assert.Equal(t, "c1", lines[1]["dest"])
}

func TestNode_IDAndNodeIDs(t *testing.T) {
	in := strings.NewReader(
		`{"src":"c1","dest":"n2","body":{"type":"init","msg_id":1,"node_id":"n2","node_ids":["n1","n2","n3"]}}` + "\n",
	)
	var out bytes.Buffer

	n := New(in, &out)
	h := handlerFunc{
		handle: func(msg Message, n *Node) error { return nil },
	}
	require.NoError(t, n.Run(h))
	assert.Equal(t, "n2", n.ID())
	assert.Equal(t, []string{"n1", "n2", "n3"}, n.NodeIDs())
}

type handlerFunc struct {
	NoCommands
	handle func(Message, *Node) error
}

func (h handlerFunc) Handle(msg Message, n *Node) error { return h.handle(msg, n) }

func TestNode_RegisterCommands(t *testing.T) {
	in := strings.NewReader(
		`{"src":"c1","dest":"n1","body":{"type":"init","msg_id":1,"node_id":"n1","node_ids":["n1"]}}` + "\n",
	)
	var out bytes.Buffer

	n := New(in, &out)
	cmds := make(chan Command, 1)
	n.RegisterCommands(cmds)

	done := make(chan struct{})
	h := commandHandler{done: done}
	cmds <- "ping"

	go func() {
		_ = n.Run(h)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("command was never dispatched")
	}
}

type commandHandler struct {
	done chan struct{}
}

func (commandHandler) Handle(Message, *Node) error { return nil }
func (h commandHandler) HandleCommand(cmd Command, n *Node) error {
	close(h.done)
	return nil
}
