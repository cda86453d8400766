package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"time"

	"github.com/jadenj13/memoir/internals/config"
	"github.com/jadenj13/memoir/internals/export"
	"github.com/jadenj13/memoir/internals/server"
	"github.com/spf13/cobra"
)

const shutdownTimeout = 30 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the chat and memory HTTP API",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(configPath)
		if err != nil {
			return err
		}
		log := newLogger(cfg, os.Stdout)

		a, err := newApp(cfg, log, true)
		if err != nil {
			return err
		}
		ctx := cmd.Context()
		a.evictIdleSessions(ctx)

		exporters, err := export.New(ctx, export.Options{
			GitHubToken:   cfg.Export.GitHubToken,
			GitLabToken:   cfg.Export.GitLabToken,
			GitLabBaseURL: cfg.Export.GitLabBaseURL,
		})
		if err != nil {
			a.close(context.Background())
			return err
		}
		targets := make(map[string]server.Exporter, len(exporters))
		for name, e := range exporters {
			targets[name] = e
		}

		api := server.New(server.Deps{
			Chat:      a.chat,
			Store:     a.store,
			Sessions:  a.sessions,
			Queue:     a.queue,
			Cache:     a.store,
			Exporters: targets,
			Model:     a.llm.Model(),
			Version:   version,
		}, log)

		srv := &http.Server{
			Addr:              cfg.Addr,
			Handler:           api.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       10 * time.Second,
			// No WriteTimeout: /chat streams for as long as the model talks.
		}

		if _, err := os.Stat(configPath); err == nil {
			go func() {
				err := config.WatchPrompt(ctx, configPath, log, a.chat.SetSystemPrompt)
				if err != nil {
					log.Warn("system prompt reload disabled", "err", err)
				}
			}()
		}

		errc := make(chan error, 1)
		go func() {
			log.Info("memoir listening", "addr", cfg.Addr, "model", a.llm.Model())
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errc <- err
			}
		}()

		select {
		case <-ctx.Done():
		case err = <-errc:
			log.Error("server error", "err", err)
		}
		log.Info("shutting down")

		shutCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if serr := srv.Shutdown(shutCtx); serr != nil {
			log.Warn("http shutdown", "err", serr)
		}
		a.close(shutCtx)
		return err
	},
}
