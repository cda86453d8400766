package main

import (
	"context"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/jadenj13/memoir/internals/export"
	"github.com/spf13/cobra"
)

var (
	exportTarget string
	exportStdout bool
)

var exportCmd = &cobra.Command{
	Use:   "export <user_id>",
	Short: "Publish a snapshot of a user's memories",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(configPath)
		if err != nil {
			return err
		}
		log := newLogger(cfg, os.Stderr)

		a, err := newApp(cfg, log, false)
		if err != nil {
			return err
		}
		defer a.close(context.Background())

		ctx := cmd.Context()
		user := args[0]
		entries, err := a.store.ListAll(ctx, user)
		if err != nil {
			return fmt.Errorf("list memories: %w", err)
		}

		if exportStdout {
			fmt.Fprint(cmd.OutOrStdout(), export.Render(user, entries, time.Now()))
			return nil
		}

		exporters, err := export.New(ctx, export.Options{
			GitHubToken:   cfg.Export.GitHubToken,
			GitLabToken:   cfg.Export.GitLabToken,
			GitLabBaseURL: cfg.Export.GitLabBaseURL,
		})
		if err != nil {
			return err
		}
		exp, ok := exporters[exportTarget]
		if !ok {
			var names []string
			for n := range exporters {
				names = append(names, n)
			}
			sort.Strings(names)
			return fmt.Errorf("export target %q is not configured (available: %v)", exportTarget, names)
		}

		url, err := exp.Export(ctx, user, entries)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "exported %d memories: %s\n", len(entries), url)
		return nil
	},
}

func init() {
	exportCmd.Flags().StringVarP(&exportTarget, "target", "t", export.TargetGist, "where to publish: gist or gitlab")
	exportCmd.Flags().BoolVar(&exportStdout, "stdout", false, "print the markdown instead of publishing it")
}
