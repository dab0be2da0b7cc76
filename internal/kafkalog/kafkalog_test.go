// Copyright (c) 2024 Z5Labs and Contributors
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package kafkalog

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crywolf/gossipy-go/internal/node"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
}

func testNode() (*node.Node, *bytes.Buffer) {
	var out bytes.Buffer
	n := node.New(strings.NewReader(""), &out, node.WithLogger(testLogger()))
	return n, &out
}

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var m map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &m))
		out = append(out, m)
	}
	return out
}

func TestHandler_SendStartsOffsetRead(t *testing.T) {
	h := New(testLogger())
	n, out := testNode()

	msg := node.Message{
		Src:  "c1",
		Dest: "n1",
		Body: json.RawMessage(`{"type":"send","msg_id":1,"key":"k1","msg":9}`),
	}
	require.NoError(t, h.Handle(msg, n))

	lines := decodeLines(t, out)
	require.Len(t, lines, 1)
	assert.Equal(t, "lin-kv", lines[0]["dest"])
	body := lines[0]["body"].(map[string]any)
	assert.Equal(t, "read", body["type"])
	assert.Equal(t, "offset-k1", body["key"])
}

func TestHandler_SendEndToEndAssignsOffsetAndReplies(t *testing.T) {
	h := New(testLogger())
	n, out := testNode()

	send := node.Message{Src: "c1", Body: json.RawMessage(`{"type":"send","msg_id":1,"key":"k1","msg":9}`)}
	require.NoError(t, h.Handle(send, n))
	readID := firstMsgID(t, out)

	readOk := node.Message{Src: "lin-kv", Body: json.RawMessage(`{"type":"read_ok","value":4,"in_reply_to":` + strconv.Itoa(readID) + `}`)}
	require.NoError(t, h.Handle(readOk, n))
	casID := lastMsgID(t, out)

	casOk := node.Message{Src: "lin-kv", Body: json.RawMessage(`{"type":"cas_ok","in_reply_to":` + strconv.Itoa(casID) + `}`)}
	require.NoError(t, h.Handle(casOk, n))
	writeID := lastMsgID(t, out)

	writeOk := node.Message{Src: "lin-kv", Body: json.RawMessage(`{"type":"write_ok","in_reply_to":` + strconv.Itoa(writeID) + `}`)}
	require.NoError(t, h.Handle(writeOk, n))

	lines := decodeLines(t, out)
	reply := lines[len(lines)-1]
	assert.Equal(t, "c1", reply["dest"])
	body := reply["body"].(map[string]any)
	assert.Equal(t, "send_ok", body["type"])
	assert.EqualValues(t, 5, body["offset"])
}

func TestHandler_PollWithEmptyOffsetsRepliesImmediately(t *testing.T) {
	h := New(testLogger())
	n, out := testNode()

	msg := node.Message{Src: "c1", Body: json.RawMessage(`{"type":"poll","msg_id":1,"offsets":{}}`)}
	require.NoError(t, h.Handle(msg, n))

	lines := decodeLines(t, out)
	require.Len(t, lines, 1)
	body := lines[0]["body"].(map[string]any)
	assert.Equal(t, "poll_ok", body["type"])
	assert.Empty(t, body["msgs"])
}

func TestHandler_PollCompletesOnceAllKeysAnswer(t *testing.T) {
	h := New(testLogger())
	n, out := testNode()

	msg := node.Message{Src: "c1", Body: json.RawMessage(`{"type":"poll","msg_id":1,"offsets":{"k1":1}}`)}
	require.NoError(t, h.Handle(msg, n))

	lines := decodeLines(t, out)
	require.Len(t, lines, numPolledMessages)

	ids := make([]int, 0, numPolledMessages)
	for _, l := range lines {
		ids = append(ids, int(l["body"].(map[string]any)["msg_id"].(float64)))
	}

	require.NoError(t, h.Handle(node.Message{Src: "lin-kv", Body: json.RawMessage(`{"type":"read_ok","value":100,"in_reply_to":` + strconv.Itoa(ids[0]) + `}`)}, n))
	// k1's read of offset 2 came back missing, so k1 (the only
	// requested key) is complete and the aggregate replies here, before
	// the third fanned-out read for k1 has answered.
	require.NoError(t, h.Handle(node.Message{Src: "lin-kv", Body: json.RawMessage(`{"type":"error","code":20,"in_reply_to":` + strconv.Itoa(ids[1]) + `}`)}, n))

	all := decodeLines(t, out)
	require.Len(t, all, numPolledMessages+1, "poll_ok must have been sent exactly once so far")
	reply := all[len(all)-1]
	body := reply["body"].(map[string]any)
	assert.Equal(t, "poll_ok", body["type"])
	msgs := body["msgs"].(map[string]any)["k1"].([]any)
	require.Len(t, msgs, 1)
	pair := msgs[0].([]any)
	assert.EqualValues(t, 1, pair[0])
	assert.EqualValues(t, 100, pair[1])

	// The third, late read for k1 must not trigger a second poll_ok.
	require.NoError(t, h.Handle(node.Message{Src: "lin-kv", Body: json.RawMessage(`{"type":"error","code":20,"in_reply_to":` + strconv.Itoa(ids[2]) + `}`)}, n))
	assert.Len(t, decodeLines(t, out), numPolledMessages+1, "late read must not send a duplicate poll_ok")
}

func TestHandler_ListCommittedOffsetsWaitsForAllKeys(t *testing.T) {
	h := New(testLogger())
	n, out := testNode()

	msg := node.Message{Src: "c1", Body: json.RawMessage(`{"type":"list_committed_offsets","msg_id":1,"keys":["k1","k2"]}`)}
	require.NoError(t, h.Handle(msg, n))

	lines := decodeLines(t, out)
	require.Len(t, lines, 2)
	id0 := int(lines[0]["body"].(map[string]any)["msg_id"].(float64))
	id1 := int(lines[1]["body"].(map[string]any)["msg_id"].(float64))

	require.NoError(t, h.Handle(node.Message{Src: "lin-kv", Body: json.RawMessage(`{"type":"error","code":20,"in_reply_to":` + strconv.Itoa(id0) + `}`)}, n))
	assert.Len(t, decodeLines(t, out), 2, "must not reply until the second key also answers")

	require.NoError(t, h.Handle(node.Message{Src: "lin-kv", Body: json.RawMessage(`{"type":"read_ok","value":7,"in_reply_to":` + strconv.Itoa(id1) + `}`)}, n))

	all := decodeLines(t, out)
	reply := all[len(all)-1]
	body := reply["body"].(map[string]any)
	assert.Equal(t, "list_committed_offsets_ok", body["type"])
	offsets := body["offsets"].(map[string]any)
	assert.Len(t, offsets, 1)
	assert.EqualValues(t, 7, offsets["k2"])
}

func TestHandler_CommitOffsetsRepliesOnceAllWritesComplete(t *testing.T) {
	h := New(testLogger())
	n, out := testNode()

	msg := node.Message{Src: "c1", Body: json.RawMessage(`{"type":"commit_offsets","msg_id":1,"offsets":{"k1":2,"k2":5}}`)}
	require.NoError(t, h.Handle(msg, n))

	lines := decodeLines(t, out)
	require.Len(t, lines, 2)
	id0 := int(lines[0]["body"].(map[string]any)["msg_id"].(float64))
	id1 := int(lines[1]["body"].(map[string]any)["msg_id"].(float64))

	require.NoError(t, h.Handle(node.Message{Src: "lin-kv", Body: json.RawMessage(`{"type":"write_ok","in_reply_to":` + strconv.Itoa(id0) + `}`)}, n))
	assert.Len(t, decodeLines(t, out), 2)

	require.NoError(t, h.Handle(node.Message{Src: "lin-kv", Body: json.RawMessage(`{"type":"write_ok","in_reply_to":` + strconv.Itoa(id1) + `}`)}, n))
	all := decodeLines(t, out)
	reply := all[len(all)-1]
	assert.Equal(t, "commit_offsets_ok", reply["body"].(map[string]any)["type"])
}

func firstMsgID(t *testing.T, buf *bytes.Buffer) int {
	t.Helper()
	lines := decodeLines(t, buf)
	require.NotEmpty(t, lines)
	return int(lines[0]["body"].(map[string]any)["msg_id"].(float64))
}

func lastMsgID(t *testing.T, buf *bytes.Buffer) int {
	t.Helper()
	lines := decodeLines(t, buf)
	require.NotEmpty(t, lines)
	return int(lines[len(lines)-1]["body"].(map[string]any)["msg_id"].(float64))
}
