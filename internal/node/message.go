// Copyright (c) 2024 Z5Labs and Contributors
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package node

import (
	"encoding/json"
	"fmt"
)

// Message is a single line of the Maelstrom wire protocol: a source node,
// a destination node and an opaque, type-tagged body.
type Message struct {
	Src  string          `json:"src"`
	Dest string          `json:"dest"`
	Body json.RawMessage `json:"body"`
}

// Type returns the "type" discriminator carried by the message body.
func (m Message) Type() (string, error) {
	var t struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(m.Body, &t); err != nil {
		return "", fmt.Errorf("node: decode body type: %w", err)
	}
	return t.Type, nil
}

// MsgID returns the body's msg_id, if present.
func (m Message) MsgID() (int, bool, error) {
	var h struct {
		MsgID *int `json:"msg_id"`
	}
	if err := json.Unmarshal(m.Body, &h); err != nil {
		return 0, false, fmt.Errorf("node: decode msg_id: %w", err)
	}
	if h.MsgID == nil {
		return 0, false, nil
	}
	return *h.MsgID, true, nil
}

// InReplyTo returns the body's in_reply_to, if present.
func (m Message) InReplyTo() (int, bool, error) {
	var h struct {
		InReplyTo *int `json:"in_reply_to"`
	}
	if err := json.Unmarshal(m.Body, &h); err != nil {
		return 0, false, fmt.Errorf("node: decode in_reply_to: %w", err)
	}
	if h.InReplyTo == nil {
		return 0, false, nil
	}
	return *h.InReplyTo, true, nil
}

// Unmarshal decodes the message body into v.
func (m Message) Unmarshal(v any) error {
	if err := json.Unmarshal(m.Body, v); err != nil {
		return fmt.Errorf("node: decode body: %w", err)
	}
	return nil
}

type initBody struct {
	Type    string   `json:"type"`
	NodeID  string   `json:"node_id"`
	NodeIDs []string `json:"node_ids"`
}

type initOkBody struct {
	Type string `json:"type"`
}
