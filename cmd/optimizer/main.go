package main

// Package main is the entry point of kubilitics-optimizer.
//
// Subcommands:
//   - serve: run collection, detection, prediction, the optimization cycle,
//     cost review and reporting on their schedules, plus the ops listener
//   - cycle: run one optimization cycle and print the summary
//   - decisions, approve, reject, cancel, requeue: operate on decisions
//   - report, anomalies, alerts: inspect what the engine found
//
// Configuration comes from an optional YAML file (--config) overridden by
// OPTIMIZER_* environment variables.

import (
	"fmt"
	"os"

	"github.com/kubilitics/kubilitics-optimizer/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
