package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// settle lets editors finish writing before the file is re-read.
const settle = 100 * time.Millisecond

// WatchPrompt calls fn with the new chat.system_prompt whenever the config
// file at path changes it. It blocks until ctx is done. The directory is
// watched rather than the file so atomic renames by editors are seen.
func WatchPrompt(ctx context.Context, path string, log *slog.Logger, fn func(string)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(path), err)
	}

	current, _ := readPrompt(path)
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != filepath.Clean(path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}

			time.Sleep(settle)
			prompt, err := readPrompt(path)
			if err != nil {
				log.Warn("config reload failed", "path", path, "err", err)
				continue
			}
			if prompt == "" || prompt == current {
				continue
			}
			current = prompt
			fn(prompt)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Warn("config watcher error", "err", err)
		}
	}
}

func readPrompt(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	var partial struct {
		Chat struct {
			SystemPrompt string `yaml:"system_prompt"`
		} `yaml:"chat"`
	}
	if err := yaml.Unmarshal(data, &partial); err != nil {
		return "", fmt.Errorf("parse %s: %w", path, err)
	}
	return partial.Chat.SystemPrompt, nil
}
