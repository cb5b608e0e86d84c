// Package main provides a terminal peer for the collaborative editor relay.
//
// A peer joins a room, keeps a replica of the shared document and prints
// presence changes as they happen. Lines typed on stdin are appended to the
// shared text.
//
// # Basic Usage
//
//	peer join --server ws://localhost:3001/ws --room design --username ada
//	peer templates --category Flowchart
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := buildRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "peer",
		Short: "Terminal client for the collaborative editor relay",
		Long: `peer joins a collaborative editing room from the terminal.

It speaks the same websocket protocol as the browser editor, so edits made
here show up in every other replica of the room.`,
		SilenceUsage: true,
	}
	rootCmd.AddCommand(buildJoinCmd(), buildTemplatesCmd())
	return rootCmd
}

func printErr(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
}
