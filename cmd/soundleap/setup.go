package main

import (
	"fmt"
	"log"
	"os"

	"github.com/chaz8081/soundleap-link/internal/ble"
	"github.com/chaz8081/soundleap-link/internal/config"
)

// loadConfig loads the config from the specified path, or falls back to
// the default config path, or uses built-in defaults.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.Load(path)
	}

	// Try default config path
	defaultPath := config.DefaultConfigPath()
	if _, err := os.Stat(defaultPath); err == nil {
		cfg, err := config.Load(defaultPath)
		if err != nil {
			return nil, fmt.Errorf("loading %s: %w", defaultPath, err)
		}
		log.Printf("Config loaded from %s", defaultPath)
		return cfg, nil
	}

	// No config file, use defaults
	log.Println("No config file found, using defaults")
	return config.Default(), nil
}

// sessionOptions maps the config onto session options.
func sessionOptions(cfg *config.Config) (ble.SessionOptions, error) {
	opts := ble.DefaultSessionOptions()
	policy, err := ble.ParseSelectPolicy(cfg.BLE.SelectPolicy)
	if err != nil {
		return opts, err
	}
	opts.SelectPolicy = policy
	opts.Timing = ble.TimingPolicy{
		ChunkSize:     cfg.Transfer.ChunkSize,
		AfterStart:    cfg.Transfer.AfterStart,
		AfterConfig:   cfg.Transfer.AfterConfig,
		BetweenChunks: cfg.Transfer.BetweenChunks,
	}
	return opts, nil
}

// newAdapter builds the configured BLE backend.
func newAdapter(cfg *config.Config) (ble.Adapter, error) {
	switch cfg.BLE.Backend {
	case "bluez":
		return ble.NewBlueZAdapter(cfg.BLE.Adapter), nil
	case "tinygo", "":
		return ble.NewTinyGoAdapter(ble.TinyGoOptions{
			WriteUUIDs:  cfg.BLE.WriteUUIDs,
			NotifyUUIDs: cfg.BLE.NotifyUUIDs,
		}), nil
	default:
		return nil, fmt.Errorf("unknown ble backend %q", cfg.BLE.Backend)
	}
}

// readPayload reads a transfer payload file. An empty path yields nil.
func readPayload(path string) ([]byte, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	return data, nil
}
