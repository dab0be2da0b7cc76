// Copyright (c) 2024 Z5Labs and Contributors
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package node

// Command is an internally generated event, distinct from a message read
// off stdin, delivered to a Handler through the same dispatch loop as
// ordinary messages. Workloads define their own concrete command types;
// the node runtime only ever moves them around.
type Command any

// Handler implements a workload's message and command semantics. The node
// runtime guarantees that Handle and HandleCommand are never invoked
// concurrently with one another, so implementations need no internal
// locking of their own state.
type Handler interface {
	Handle(msg Message, n *Node) error
	HandleCommand(cmd Command, n *Node) error
}

// NoCommands can be embedded by handlers that never register a command
// channel, satisfying the HandleCommand half of Handler with a no-op.
type NoCommands struct{}

func (NoCommands) HandleCommand(Command, *Node) error { return nil }
