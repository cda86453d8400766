package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/zalando/go-keyring"
)

const keyringService = "memoir"

// ResolveSecret returns the secret stored in the OS keyring under name. A
// missing entry yields "" and no error.
func ResolveSecret(name string) (string, error) {
	secret, err := keyring.Get(keyringService, name)
	if err != nil {
		if errors.Is(err, keyring.ErrNotFound) {
			return "", nil
		}
		return "", fmt.Errorf("read secret %q: %w", name, err)
	}
	return strings.TrimSpace(secret), nil
}

func StoreSecret(name, value string) error {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return fmt.Errorf("secret %q cannot be empty", name)
	}
	if err := keyring.Set(keyringService, name, trimmed); err != nil {
		return fmt.Errorf("store secret %q: %w", name, err)
	}
	return nil
}

// FillSecrets fills every empty credential from the keyring, keyed by the
// same name as its environment variable. Keyring failures are returned
// together; a partially filled config is still usable.
func (c *Config) FillSecrets() error {
	slots := map[string]*string{
		"ANTHROPIC_API_KEY": &c.LLM.APIKey,
		"MEM0_API_KEY":      &c.Memory.Mem0APIKey,
		"SLACK_BOT_TOKEN":   &c.Slack.BotToken,
		"SLACK_APP_TOKEN":   &c.Slack.AppToken,
		"GITHUB_TOKEN":      &c.Export.GitHubToken,
		"GITLAB_TOKEN":      &c.Export.GitLabToken,
	}
	var errs []error
	for name, dst := range slots {
		if *dst != "" {
			continue
		}
		v, err := ResolveSecret(name)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		*dst = v
	}
	return errors.Join(errs...)
}
