// Copyright (c) 2024 Z5Labs and Contributors
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

// Command broadcast runs the Maelstrom broadcast workload node. It takes
// no flags beyond an optional positional gossip interval, in
// milliseconds, since Maelstrom itself controls every other aspect of
// the process's invocation.
package main

import (
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/crywolf/gossipy-go/internal/broadcast"
	"github.com/crywolf/gossipy-go/internal/node"
	"github.com/crywolf/gossipy-go/internal/obs"
)

const defaultGossipInterval = 200 * time.Millisecond

func main() {
	log := obs.Logger("broadcast")

	interval := defaultGossipInterval
	if len(os.Args) > 1 {
		ms, err := strconv.Atoi(os.Args[1])
		if err != nil {
			log.Error("invalid gossip interval argument", slog.String("value", os.Args[1]), slog.Any("error", err))
			os.Exit(1)
		}
		interval = time.Duration(ms) * time.Millisecond
	}

	n := node.New(os.Stdin, os.Stdout, node.WithLogger(log), node.WithTracer(obs.Tracer("broadcast")))
	h := broadcast.New(log)

	cmds := make(chan node.Command)
	n.RegisterCommands(cmds)

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for range ticker.C {
			cmds <- broadcast.SendGossip
		}
	}()

	if err := n.Run(h); err != nil {
		log.Error("node exited with error", slog.Any("error", err))
		os.Exit(1)
	}
}
