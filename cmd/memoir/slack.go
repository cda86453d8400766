package main

import (
	"context"
	"errors"
	"os"

	slackhandler "github.com/jadenj13/memoir/internals/slack"
	"github.com/spf13/cobra"
)

var slackCmd = &cobra.Command{
	Use:   "slack",
	Short: "Answer Slack mentions and DMs over socket mode",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(configPath)
		if err != nil {
			return err
		}
		if cfg.Slack.BotToken == "" || cfg.Slack.AppToken == "" {
			return errors.New("SLACK_BOT_TOKEN and SLACK_APP_TOKEN are required")
		}
		log := newLogger(cfg, os.Stdout)

		a, err := newApp(cfg, log, true)
		if err != nil {
			return err
		}

		handler, err := slackhandler.NewHandler(cfg.Slack.BotToken, cfg.Slack.AppToken, a.chat, log)
		if err != nil {
			a.close(context.Background())
			return err
		}

		a.evictIdleSessions(cmd.Context())
		log.Info("slack front end starting")
		runErr := handler.Run(cmd.Context())

		shutCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		a.close(shutCtx)
		return runErr
	},
}
