// Copyright (c) 2022 The rcproxy Authors
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
	"time"

	"github.com/stretchr/testify/require"
)

const validYAML = `
port: 9000
cluster:
  node_id: 101
  seeds: ["10.0.0.2:9001"]
redis:
  servers: ["127.0.0.1:6379"]
  password: secret
log:
  path: /tmp/hydranoded.log
  level: info
`

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	file := filepath.Join(dir, "hydranode.yaml")
	require.NoError(t, os.WriteFile(file, []byte(contents), 0o644))
	return file
}

func TestLoadConfigParsesAllFields(t *testing.T) {
	file := writeConfig(t, validYAML)
	cfg, err := LoadConfig(file)
	require.NoError(t, err)
	require.Equal(t, 9000, cfg.Port)
	require.Equal(t, uint64(101), cfg.Cluster.NodeID)
	require.Equal(t, []string{"10.0.0.2:9001"}, cfg.Cluster.Seeds)
	require.Equal(t, []string{"127.0.0.1:6379"}, cfg.Redis.Servers)
	require.Equal(t, "secret", cfg.Redis.Password)
	require.Equal(t, "info", cfg.Log.Level)
}

func TestLoadConfigRejectsUnknownLogLevel(t *testing.T) {
	file := writeConfig(t, `
port: 9000
cluster:
  node_id: 101
redis:
  servers: ["127.0.0.1:6379"]
log:
  level: deafening
`)
	_, err := LoadConfig(file)
	require.Error(t, err)
}

func TestLoadConfigRejectsMissingRedisServers(t *testing.T) {
	file := writeConfig(t, `
port: 9000
cluster:
  node_id: 101
log:
  level: info
`)
	_, err := LoadConfig(file)
	require.Error(t, err)
}

func TestLoadConfigRejectsMissingNodeID(t *testing.T) {
	file := writeConfig(t, `
port: 9000
redis:
  servers: ["127.0.0.1:6379"]
log:
  level: info
`)
	_, err := LoadConfig(file)
	require.Error(t, err)
}

func TestWatchReloadsOnWrite(t *testing.T) {
	file := writeConfig(t, validYAML)

	reloaded := make(chan *Config, 1)
	w, err := Watch(file, func(cfg *Config) { reloaded <- cfg })
	require.NoError(t, err)
	defer w.Close()

	updated := `
port: 9000
cluster:
  node_id: 101
  seeds: ["10.0.0.2:9001", "10.0.0.3:9001"]
redis:
  servers: ["127.0.0.1:6379", "127.0.0.1:6380"]
log:
  path: /tmp/hydranoded.log
  level: info
`
	require.NoError(t, os.WriteFile(file, []byte(updated), 0o644))

	select {
	case cfg := <-reloaded:
		require.Len(t, cfg.Redis.Servers, 2)
		require.Len(t, cfg.Cluster.Seeds, 2)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for config reload")
	}
}

func TestWatchIgnoresInvalidRewrite(t *testing.T) {
	file := writeConfig(t, validYAML)

	reloaded := make(chan *Config, 1)
	w, err := Watch(file, func(cfg *Config) { reloaded <- cfg })
	require.NoError(t, err)
	defer w.Close()

	require.NoError(t, os.WriteFile(file, []byte("not: [valid"), 0o644))

	select {
	case <-reloaded:
		t.Fatal("onReload fired for an invalid config rewrite")
	case <-time.After(500 * time.Millisecond):
	}
}
