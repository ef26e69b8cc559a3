// Copyright 2024 The rosmq Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config loads and validates the broker configuration from YAML or
// JSON files, with a usable default when no file is given.
package config

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v2"

	"github.com/rosmq/rosmq/pkg/auth"
)

// UserConfig is one credential entry in the auth section.
type UserConfig struct {
	Username  string `yaml:"username" json:"username"`
	Password  string `yaml:"password" json:"password"`
	Algorithm string `yaml:"algorithm" json:"algorithm"`
	Enabled   bool   `yaml:"enabled" json:"enabled"`
}

// AuthConfig controls client authentication.
type AuthConfig struct {
	Enabled bool         `yaml:"enabled" json:"enabled"`
	Users   []UserConfig `yaml:"users" json:"users"`
}

// TLSConfig enables TLS on the MQTT listener.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled" json:"enabled"`
	CertFile string `yaml:"cert_file" json:"cert_file"`
	KeyFile  string `yaml:"key_file" json:"key_file"`
}

// SessionConfig bounds per-client state and the eviction sweeps.
type SessionConfig struct {
	// DefaultKeepAliveSecs applies when a client connects with keepalive 0.
	DefaultKeepAliveSecs int `yaml:"default_keepalive_secs" json:"default_keepalive_secs"`
	// MaxInflight caps unacknowledged outbound QoS>0 messages per client.
	MaxInflight int `yaml:"max_inflight" json:"max_inflight"`
	// MaxQueued caps messages queued for a client whose writer is busy.
	MaxQueued int `yaml:"max_queued" json:"max_queued"`
	// SweepIntervalSecs is how often idle sessions are checked.
	SweepIntervalSecs int `yaml:"sweep_interval_secs" json:"sweep_interval_secs"`
	// IdleTimeoutSecs evicts sessions with no traffic for this long,
	// regardless of their keepalive. Zero disables the backstop.
	IdleTimeoutSecs int `yaml:"idle_timeout_secs" json:"idle_timeout_secs"`
}

// BrokerConfig is the top-level broker section.
type BrokerConfig struct {
	NodeID      string `yaml:"node_id" json:"node_id"`
	MQTTAddr    string `yaml:"mqtt_addr" json:"mqtt_addr"`
	MetricsAddr string `yaml:"metrics_addr" json:"metrics_addr"`
	AdminAddr   string `yaml:"admin_addr" json:"admin_addr"`
	// MaxMessageSize rejects inbound packets larger than this many bytes.
	MaxMessageSize int `yaml:"max_message_size" json:"max_message_size"`
	// TopicSweepIntervalSecs is how often empty topics are reaped.
	TopicSweepIntervalSecs int `yaml:"topic_sweep_interval_secs" json:"topic_sweep_interval_secs"`

	Session SessionConfig `yaml:"session" json:"session"`
	Auth    AuthConfig    `yaml:"auth" json:"auth"`
	TLS     TLSConfig     `yaml:"tls" json:"tls"`
}

// Config is the complete configuration file shape.
type Config struct {
	Broker BrokerConfig `yaml:"broker" json:"broker"`
}

// DefaultConfig returns the configuration used when no file is given:
// anonymous access on :1883, metrics on :8082, admin API on :8083.
func DefaultConfig() *Config {
	return &Config{
		Broker: BrokerConfig{
			NodeID:                 "rosmq-node",
			MQTTAddr:               ":1883",
			MetricsAddr:            ":8082",
			AdminAddr:              ":8083",
			MaxMessageSize:         1024 * 1024,
			TopicSweepIntervalSecs: 60,
			Session: SessionConfig{
				DefaultKeepAliveSecs: 60,
				MaxInflight:          64,
				MaxQueued:            1024,
				SweepIntervalSecs:    10,
				IdleTimeoutSecs:      0,
			},
			Auth: AuthConfig{Enabled: false, Users: []UserConfig{}},
		},
	}
}

// LoadConfig reads the file at configPath, or returns DefaultConfig when
// configPath is empty. The format follows the file extension.
func LoadConfig(configPath string) (*Config, error) {
	if configPath == "" {
		log.Println("[INFO] No config file specified, using default configuration")
		return DefaultConfig(), nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	}

	config := DefaultConfig()
	switch ext := strings.ToLower(filepath.Ext(configPath)); ext {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, config)
	case ".json":
		err = json.Unmarshal(data, config)
	default:
		return nil, fmt.Errorf("unsupported config file format: %s (supported: .yaml, .yml, .json)", ext)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", configPath, err)
	}

	if err := validateConfig(config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	log.Printf("[INFO] Configuration loaded from %s", configPath)
	return config, nil
}

// SaveConfig writes config to configPath in the format its extension names.
func SaveConfig(config *Config, configPath string) error {
	var data []byte
	var err error
	switch ext := strings.ToLower(filepath.Ext(configPath)); ext {
	case ".yaml", ".yml":
		data, err = yaml.Marshal(config)
	case ".json":
		data, err = json.MarshalIndent(config, "", "  ")
	default:
		return fmt.Errorf("unsupported config file format: %s (supported: .yaml, .yml, .json)", ext)
	}
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(configPath, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file %s: %w", configPath, err)
	}
	return nil
}

func validateConfig(config *Config) error {
	b := &config.Broker
	if b.NodeID == "" {
		return fmt.Errorf("node_id cannot be empty")
	}
	if b.MQTTAddr == "" {
		return fmt.Errorf("mqtt_addr cannot be empty")
	}
	if b.MaxMessageSize < 0 {
		return fmt.Errorf("max_message_size cannot be negative")
	}
	if b.Session.MaxInflight < 0 || b.Session.MaxQueued < 0 {
		return fmt.Errorf("session limits cannot be negative")
	}
	if b.TLS.Enabled && (b.TLS.CertFile == "" || b.TLS.KeyFile == "") {
		return fmt.Errorf("tls requires cert_file and key_file")
	}

	usernames := make(map[string]bool)
	for i, user := range b.Auth.Users {
		if user.Username == "" {
			return fmt.Errorf("user %d: username cannot be empty", i)
		}
		if usernames[user.Username] {
			return fmt.Errorf("duplicate username: %s", user.Username)
		}
		usernames[user.Username] = true
		if user.Password == "" {
			return fmt.Errorf("user %s: password cannot be empty", user.Username)
		}
		switch user.Algorithm {
		case "plain", "sha256", "bcrypt":
		default:
			return fmt.Errorf("user %s: unsupported algorithm: %s (supported: plain, sha256, bcrypt)",
				user.Username, user.Algorithm)
		}
	}
	return nil
}

// BuildAuthChain constructs the authentication chain from the auth section.
// A disabled section yields a disabled chain, which accepts everyone.
func (c *Config) BuildAuthChain() (*auth.Chain, error) {
	chain := auth.NewChain()
	if !c.Broker.Auth.Enabled {
		chain.SetEnabled(false)
		log.Println("[INFO] Authentication disabled by configuration")
		return chain, nil
	}

	memAuth := auth.NewMemoryAuthenticator()
	for _, user := range c.Broker.Auth.Users {
		if err := memAuth.AddUser(user.Username, user.Password, auth.HashAlgorithm(user.Algorithm)); err != nil {
			return nil, fmt.Errorf("failed to add user %s: %w", user.Username, err)
		}
		if err := memAuth.SetUserEnabled(user.Username, user.Enabled); err != nil {
			return nil, err
		}
	}
	chain.Add(memAuth)
	log.Printf("[INFO] Authentication enabled with %d users", len(c.Broker.Auth.Users))
	return chain, nil
}
