// Copyright 2026 The Harbor Authors
// SPDX-License-Identifier: Apache-2.0

// Package config provides configuration loading for Harbor clients.
//
// Configuration is loaded from a single YAML file specified by:
//   - HARBOR_CONFIG environment variable, or
//   - --config flag passed to the command
//
// There are no fallbacks or automatic discovery, and environment
// variables never override file values. This keeps configuration
// deterministic and auditable.
package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the master configuration for a Harbor client.
type Config struct {
	// Server locates the chat backend.
	Server ServerConfig `yaml:"server"`

	// Auth carries the bearer credential.
	Auth AuthConfig `yaml:"auth"`

	// Voice sets local media defaults.
	Voice VoiceConfig `yaml:"voice"`
}

// ServerConfig locates the chat backend.
type ServerConfig struct {
	// APIURL is the REST base, e.g. https://chat.example.
	APIURL string `yaml:"api_url"`

	// SocketURL is the realtime gateway base, e.g. wss://chat.example.
	SocketURL string `yaml:"socket_url"`

	// Transport is the gateway path segment. Default: rt
	Transport string `yaml:"transport"`
}

// AuthConfig carries the bearer credential. Exactly one of Token or
// TokenFile should be set; TokenFile wins when both are.
type AuthConfig struct {
	// Token is the literal bearer token.
	Token string `yaml:"token"`

	// TokenFile is a path read at token time, so rotated credentials
	// are picked up without a restart.
	TokenFile string `yaml:"token_file"`
}

// VoiceConfig sets local media defaults.
type VoiceConfig struct {
	// Video joins voice rooms with the camera on. Default: false
	Video bool `yaml:"video"`
}

// Default returns the built-in defaults. Server URLs have no default;
// they must come from the file.
func Default() *Config {
	return &Config{
		Server: ServerConfig{Transport: "rt"},
	}
}

// Load loads configuration from the HARBOR_CONFIG environment
// variable. There are no fallbacks: if it is not set, this fails.
func Load() (*Config, error) {
	configPath := os.Getenv("HARBOR_CONFIG")
	if configPath == "" {
		return nil, fmt.Errorf("HARBOR_CONFIG environment variable not set; " +
			"set it to the path of your harbor.yaml config file, or use --config flag")
	}
	return LoadFile(configPath)
}

// LoadFile loads configuration from a specific file path and
// validates it.
func LoadFile(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks that required fields are present and well-formed.
func (c *Config) Validate() error {
	if c.Server.APIURL == "" {
		return fmt.Errorf("server.api_url is required")
	}
	if c.Server.SocketURL == "" {
		return fmt.Errorf("server.socket_url is required")
	}
	if !strings.HasPrefix(c.Server.SocketURL, "ws://") && !strings.HasPrefix(c.Server.SocketURL, "wss://") {
		return fmt.Errorf("server.socket_url must be a ws:// or wss:// URL")
	}
	if c.Server.Transport == "" {
		return fmt.Errorf("server.transport must not be empty")
	}
	if c.Auth.Token == "" && c.Auth.TokenFile == "" {
		return fmt.Errorf("auth.token or auth.token_file is required")
	}
	return nil
}

// TokenSource returns the credential callback sessions consume. For
// TokenFile the file is re-read on every call, so rotation takes
// effect without a restart; a read failure reports no credential.
func (c *Config) TokenSource() func() (string, bool) {
	if c.Auth.TokenFile != "" {
		path := c.Auth.TokenFile
		return func() (string, bool) {
			data, err := os.ReadFile(path)
			if err != nil {
				return "", false
			}
			token := strings.TrimSpace(string(data))
			return token, token != ""
		}
	}
	token := c.Auth.Token
	return func() (string, bool) {
		return token, token != ""
	}
}
