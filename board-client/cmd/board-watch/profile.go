package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// profile is what a --config file may set. Flags override it.
type profile struct {
	API         string        `yaml:"api"`
	Socket      string        `yaml:"socket"`
	Token       string        `yaml:"token"`
	Boards      []string      `yaml:"boards"`
	MaxAttempts int           `yaml:"maxAttempts"`
	Backoff     time.Duration `yaml:"backoff"`
	MaxBackoff  time.Duration `yaml:"maxBackoff"`
	Debug       bool          `yaml:"debug"`
}

func loadProfile(path string) (profile, error) {
	var p profile
	if path == "" {
		return p, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return p, fmt.Errorf("read profile: %w", err)
	}
	if err := yaml.Unmarshal(data, &p); err != nil {
		return p, fmt.Errorf("parse profile %s: %w", path, err)
	}
	return p, nil
}

// socketURL derives the websocket endpoint from the REST base when none is set.
func (p profile) socketURL() string {
	if p.Socket != "" {
		return p.Socket
	}
	base := strings.TrimSuffix(p.API, "/")
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	return base + "/ws"
}

func (p profile) validate() error {
	if p.API == "" {
		return fmt.Errorf("api base URL is required")
	}
	if p.Token == "" {
		return fmt.Errorf("token is required (set KANBAN_TOKEN or token in the profile)")
	}
	return nil
}
