package main

import (
	"context"
	"os"

	"github.com/jadenj13/memoir/internals/mcpserver"
	"github.com/spf13/cobra"
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Expose the memory tools to MCP clients over stdio",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(configPath)
		if err != nil {
			return err
		}
		// stdout carries the protocol.
		log := newLogger(cfg, os.Stderr)

		a, err := newApp(cfg, log, false)
		if err != nil {
			return err
		}
		defer a.close(context.Background())

		srv, err := mcpserver.New(a.executor, version, log)
		if err != nil {
			return err
		}
		return srv.Serve(cmd.Context())
	},
}
