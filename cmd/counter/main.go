// Copyright (c) 2024 Z5Labs and Contributors
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

// Command counter runs the Maelstrom g-counter workload node.
package main

import (
	"log/slog"
	"os"

	"github.com/crywolf/gossipy-go/internal/counter"
	"github.com/crywolf/gossipy-go/internal/node"
	"github.com/crywolf/gossipy-go/internal/obs"
)

func main() {
	log := obs.Logger("counter")

	n := node.New(os.Stdin, os.Stdout, node.WithLogger(log), node.WithTracer(obs.Tracer("counter")))
	h := counter.New(log)

	cmds := make(chan node.Command, 1)
	n.RegisterCommands(cmds)
	cmds <- counter.InitStore

	if err := n.Run(h); err != nil {
		log.Error("node exited with error", slog.Any("error", err))
		os.Exit(1)
	}
}
