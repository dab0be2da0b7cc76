// Copyright (c) 2024 Z5Labs and Contributors
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

// Command kafka runs the Maelstrom multi-node Kafka-style log workload
// node.
package main

import (
	"log/slog"
	"os"

	"github.com/crywolf/gossipy-go/internal/kafkalog"
	"github.com/crywolf/gossipy-go/internal/node"
	"github.com/crywolf/gossipy-go/internal/obs"
)

func main() {
	log := obs.Logger("kafka")

	n := node.New(os.Stdin, os.Stdout, node.WithLogger(log), node.WithTracer(obs.Tracer("kafka")))
	h := kafkalog.New(log)

	if err := n.Run(h); err != nil {
		log.Error("node exited with error", slog.Any("error", err))
		os.Exit(1)
	}
}
