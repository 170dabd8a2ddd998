package client

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/aydomini/EchoVault/internal/store"
	"github.com/aydomini/EchoVault/internal/transport"
	"github.com/google/uuid"
)

type Config struct {
	ServerURL string `json:"server_url"`
	Nickname  string `json:"nickname"`
	// DeviceID identifies this installation to the relay so a restart is
	// recognised as the same device rather than a new login.
	DeviceID string       `json:"device_id"`
	Sink     store.Config `json:"sink"`
}

func defaultConfig() *Config {
	return &Config{
		ServerURL: transport.DefaultServerURL,
		DeviceID:  uuid.NewString(),
		Sink:      store.Config{Type: store.TypeLocal, Dir: defaultDownloadDir()},
	}
}

func defaultDownloadDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, "Downloads", "echovault")
}

func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return defaultConfig(), nil
		}
		return nil, err
	}

	cfg := defaultConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	if cfg.ServerURL == "" {
		cfg.ServerURL = transport.DefaultServerURL
	}
	if cfg.DeviceID == "" {
		cfg.DeviceID = uuid.NewString()
	}
	if cfg.Sink.Type == "" {
		cfg.Sink.Type = store.TypeLocal
	}
	return cfg, nil
}

func SaveConfig(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return err
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

func GetConfigPath() (string, error) {
	configDir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(configDir, "echovault", "config.json"), nil
}
