package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/fairyhunter13/ai-chat-bot/internal/config"
	"github.com/fairyhunter13/ai-chat-bot/internal/domain"
)

type seedEntry struct {
	Key         string `yaml:"key"`
	Value       string `yaml:"value"`
	Description string `yaml:"description"`
}

type seedFile struct {
	Settings []seedEntry `yaml:"settings"`
}

// seedSettings loads the optional YAML seed file and inserts any settings not
// already present. Existing values are never overwritten.
func seedSettings(ctx context.Context, cfg config.Config, repo domain.SettingsRepository) error {
	if cfg.SettingsSeedPath == "" {
		return nil
	}
	raw, err := os.ReadFile(cfg.SettingsSeedPath)
	if err != nil {
		return fmt.Errorf("op=seedSettings read %s: %w", cfg.SettingsSeedPath, err)
	}
	var sf seedFile
	if err := yaml.Unmarshal(raw, &sf); err != nil {
		return fmt.Errorf("op=seedSettings parse %s: %w", cfg.SettingsSeedPath, err)
	}
	for _, e := range sf.Settings {
		if e.Key == "" {
			continue
		}
		if _, err := repo.Get(ctx, e.Key); err == nil {
			continue
		} else if !errors.Is(err, domain.ErrNotFound) {
			return fmt.Errorf("op=seedSettings get %s: %w", e.Key, err)
		}
		if err := repo.Set(ctx, domain.Setting{Key: e.Key, Value: e.Value, Description: e.Description}); err != nil {
			return fmt.Errorf("op=seedSettings set %s: %w", e.Key, err)
		}
		slog.Info("seeded setting", slog.String("key", e.Key))
	}
	return nil
}
