package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// Provider names accepted in the settings file.
const (
	ProviderLocal = "local"
	ProviderRedis = "redis"
	ProviderBus   = "bus"
)

// Settings is the on-disk configuration, stored as settings.json in the
// settings directory. The relay loop re-reads it every cycle, so edits
// take effect without a restart.
type Settings struct {
	Version int `json:"version"`

	Cloud    CloudConfig    `json:"cloud"`
	Agent    AgentConfig    `json:"agent"`
	Telegram TelegramConfig `json:"telegram"`
}

// CloudConfig selects and configures the sync transport.
type CloudConfig struct {
	Enabled  bool   `json:"enabled"`
	Provider string `json:"provider"` // "local", "redis", or "bus"

	// RedisURL is the endpoint for the "redis" provider and for the
	// "bus" provider's stream backend.
	RedisURL string `json:"redis_url,omitempty"`

	// LocalDir is the database directory for the "local" provider.
	// Defaults to <settings dir>/localstore.
	LocalDir string `json:"local_dir,omitempty"`
}

// AgentConfig configures how agent runtime sessions are started.
type AgentConfig struct {
	// Bin is the agent binary spawned with the "app-server" argument.
	Bin string `json:"bin,omitempty"`

	// ServerURL, when set, dials an already-running app-server over
	// websocket instead of spawning a subprocess.
	ServerURL string `json:"server_url,omitempty"`
}

// TelegramConfig configures the chat-bot binding.
type TelegramConfig struct {
	Enabled bool   `json:"enabled"`
	Token   string `json:"token,omitempty"`

	// AllowedUserID gates the bot to a single paired user. Zero means
	// unpaired; pairing happens via /link with the pairing code.
	AllowedUserID int64 `json:"allowed_user_id,omitempty"`

	// PairingCodeHash is hex(sha256(code)) of the one-time pairing code.
	PairingCodeHash string `json:"pairing_code_hash,omitempty"`

	// NotifyTurns sends a notice when a turn completes outside of a
	// pending chat reply.
	NotifyTurns bool `json:"notify_turns,omitempty"`
}

// Dir returns the settings directory, honoring CODEXMONITOR_SETTINGS_DIR.
func Dir() (string, error) {
	if dir := os.Getenv("CODEXMONITOR_SETTINGS_DIR"); dir != "" {
		return dir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	return filepath.Join(home, ".codexmonitor"), nil
}

// Load reads settings.json from dir and applies environment overrides.
// A missing file yields defaults, which is a valid disabled state.
func Load(dir string) (*Settings, error) {
	s := &Settings{Version: 1}

	data, err := os.ReadFile(filepath.Join(dir, "settings.json")) //nolint:gosec // G304 - path from internal settings directory
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("read settings: %w", err)
		}
	} else if err := json.Unmarshal(data, s); err != nil {
		return nil, fmt.Errorf("parse settings: %w", err)
	}

	applyEnvOverrides(s)

	if s.Agent.Bin == "" {
		s.Agent.Bin = "codex"
	}
	if s.Cloud.LocalDir == "" {
		s.Cloud.LocalDir = filepath.Join(dir, "localstore")
	}

	if s.Cloud.Enabled {
		switch s.Cloud.Provider {
		case ProviderLocal:
		case ProviderRedis, ProviderBus:
			if s.Cloud.RedisURL == "" {
				return nil, fmt.Errorf("cloud provider %q requires redis_url", s.Cloud.Provider)
			}
		case "":
			return nil, fmt.Errorf("cloud enabled but no provider set")
		default:
			return nil, fmt.Errorf("unknown cloud provider %q", s.Cloud.Provider)
		}
	}

	return s, nil
}

// applyEnvOverrides applies CODEXMONITOR_* environment variables on top of
// the file contents. Env wins over file.
func applyEnvOverrides(s *Settings) {
	if v := os.Getenv("CODEXMONITOR_PROVIDER"); v != "" {
		s.Cloud.Provider = v
		s.Cloud.Enabled = true
	}
	if v := os.Getenv("CODEXMONITOR_REDIS_URL"); v != "" {
		s.Cloud.RedisURL = v
	}
	if v := os.Getenv("CODEXMONITOR_AGENT_BIN"); v != "" {
		s.Agent.Bin = v
	}
	if v := os.Getenv("CODEXMONITOR_TELEGRAM_TOKEN"); v != "" {
		s.Telegram.Token = v
		s.Telegram.Enabled = true
	}
}

// Save writes settings.json atomically (temp file + rename).
func Save(dir string, s *Settings) error {
	if err := os.MkdirAll(dir, 0750); err != nil {
		return fmt.Errorf("create settings directory: %w", err)
	}

	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal settings: %w", err)
	}

	path := filepath.Join(dir, "settings.json")
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("write settings: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replace settings: %w", err)
	}

	return nil
}

// Debug reports whether debug logging is enabled.
func Debug() bool {
	return os.Getenv("CODEXMONITOR_DEBUG") == "1"
}

// AllowInsecure reports whether credential-less cloud endpoints are
// permitted. Off by default.
func AllowInsecure() bool {
	return os.Getenv("CODEXMONITOR_ALLOW_INSECURE") == "1"
}
