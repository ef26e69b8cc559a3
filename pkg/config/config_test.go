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

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rosmq/rosmq/pkg/auth"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, ":1883", cfg.Broker.MQTTAddr)
	assert.Equal(t, 60, cfg.Broker.Session.DefaultKeepAliveSecs)
	assert.False(t, cfg.Broker.Auth.Enabled)
	require.NoError(t, validateConfig(cfg))
}

func TestLoadConfigEmptyPathUsesDefaults(t *testing.T) {
	cfg, err := LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestLoadConfigYAML(t *testing.T) {
	content := `
broker:
  node_id: test-node
  mqtt_addr: ":11883"
  max_message_size: 4096
  session:
    default_keepalive_secs: 30
    max_inflight: 8
  auth:
    enabled: true
    users:
      - username: alice
        password: secret
        algorithm: plain
        enabled: true
`
	path := filepath.Join(t.TempDir(), "rosmq.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "test-node", cfg.Broker.NodeID)
	assert.Equal(t, ":11883", cfg.Broker.MQTTAddr)
	assert.Equal(t, 4096, cfg.Broker.MaxMessageSize)
	assert.Equal(t, 30, cfg.Broker.Session.DefaultKeepAliveSecs)
	assert.Equal(t, 8, cfg.Broker.Session.MaxInflight)
	// Unset fields keep their defaults.
	assert.Equal(t, ":8082", cfg.Broker.MetricsAddr)
	require.Len(t, cfg.Broker.Auth.Users, 1)
	assert.Equal(t, "alice", cfg.Broker.Auth.Users[0].Username)
}

func TestLoadConfigJSON(t *testing.T) {
	content := `{"broker": {"node_id": "json-node", "mqtt_addr": ":21883"}}`
	path := filepath.Join(t.TempDir(), "rosmq.json")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "json-node", cfg.Broker.NodeID)
	assert.Equal(t, ":21883", cfg.Broker.MQTTAddr)
}

func TestLoadConfigRejectsUnknownExtension(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rosmq.toml")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))
	_, err := LoadConfig(path)
	assert.Error(t, err)
}

func TestValidateConfig(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty node id", func(c *Config) { c.Broker.NodeID = "" }},
		{"empty mqtt addr", func(c *Config) { c.Broker.MQTTAddr = "" }},
		{"negative message size", func(c *Config) { c.Broker.MaxMessageSize = -1 }},
		{"tls without cert", func(c *Config) { c.Broker.TLS.Enabled = true }},
		{"user without name", func(c *Config) {
			c.Broker.Auth.Users = []UserConfig{{Password: "x", Algorithm: "plain"}}
		}},
		{"user without password", func(c *Config) {
			c.Broker.Auth.Users = []UserConfig{{Username: "a", Algorithm: "plain"}}
		}},
		{"bad algorithm", func(c *Config) {
			c.Broker.Auth.Users = []UserConfig{{Username: "a", Password: "x", Algorithm: "md5"}}
		}},
		{"duplicate username", func(c *Config) {
			c.Broker.Auth.Users = []UserConfig{
				{Username: "a", Password: "x", Algorithm: "plain"},
				{Username: "a", Password: "y", Algorithm: "plain"},
			}
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(cfg)
			assert.Error(t, validateConfig(cfg))
		})
	}
}

func TestSaveConfigRoundTrip(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Broker.NodeID = "saved-node"

	for _, name := range []string{"out.yaml", "out.json"} {
		path := filepath.Join(t.TempDir(), name)
		require.NoError(t, SaveConfig(cfg, path))
		loaded, err := LoadConfig(path)
		require.NoError(t, err)
		assert.Equal(t, cfg, loaded)
	}
}

func TestBuildAuthChain(t *testing.T) {
	t.Run("disabled", func(t *testing.T) {
		cfg := DefaultConfig()
		chain, err := cfg.BuildAuthChain()
		require.NoError(t, err)
		assert.False(t, chain.IsEnabled())
		assert.Equal(t, auth.Ignore, chain.Authenticate("anyone", "anything"))
	})

	t.Run("enabled with users", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Broker.Auth.Enabled = true
		cfg.Broker.Auth.Users = []UserConfig{
			{Username: "alice", Password: "secret", Algorithm: "sha256", Enabled: true},
			{Username: "mallory", Password: "pw", Algorithm: "plain", Enabled: false},
		}
		chain, err := cfg.BuildAuthChain()
		require.NoError(t, err)
		assert.True(t, chain.IsEnabled())
		assert.Equal(t, auth.Success, chain.Authenticate("alice", "secret"))
		assert.Equal(t, auth.Failure, chain.Authenticate("alice", "wrong"))
		assert.Equal(t, auth.Failure, chain.Authenticate("mallory", "pw"))
	})
}
