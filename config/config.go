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

// Package config loads the example command's YAML config and, via Watch,
// keeps the redis server list and cluster seed list current without a
// restart.
package config

import (
	"os"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/hydranet/hydranet/pkg/logging"
)

type Config struct {
	Port    int           `yaml:"port"`
	Cluster clusterConfig `yaml:"cluster"`
	Redis   redisConfig   `yaml:"redis"`
	Log     logConfig     `yaml:"log"`
}

type clusterConfig struct {
	NodeID uint64   `yaml:"node_id"`
	Seeds  []string `yaml:"seeds"`
}

type redisConfig struct {
	Servers  []string `yaml:"servers"`
	Password string   `yaml:"password"`
	DB       int      `yaml:"db"`
}

type logConfig struct {
	Path  string `yaml:"path"`
	Level string `yaml:"level"`
}

func LoadConfig(fileName string) (*Config, error) {
	file, err := os.ReadFile(fileName)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read file from %s", fileName)
	}
	var cfg Config
	if err = yaml.Unmarshal(file, &cfg); err != nil {
		return nil, errors.Wrapf(err, "failed to unmarshal config from %s", fileName)
	}
	if err = cfg.validate(); err != nil {
		return nil, errors.Wrapf(err, "config validate failed")
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if _, ok := logging.LevelMapperRev[strings.ToUpper(c.Log.Level)]; !ok {
		return errors.Errorf("unknown log level %s", c.Log.Level)
	}
	if len(c.Redis.Servers) < 1 {
		return errors.Errorf("unknown redis addrs")
	}
	if c.Cluster.NodeID == 0 {
		return errors.Errorf("cluster.node_id must be set")
	}
	return nil
}

// Watcher reloads fileName on every write and hands the new Config to
// onReload, so the redis server list and cluster seed list can change
// without restarting the process. It does not reload port or node_id,
// since those are fixed for the process's lifetime.
type Watcher struct {
	fileName string
	onReload func(*Config)

	mu     sync.Mutex
	fw     *fsnotify.Watcher
	closed bool
}

// Watch starts watching fileName for writes, invoking onReload with each
// successfully parsed update. A write that fails to parse or validate is
// logged and ignored; the previous config stays in effect.
func Watch(fileName string, onReload func(*Config)) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.Wrap(err, "failed to create config watcher")
	}
	if err := fw.Add(fileName); err != nil {
		_ = fw.Close()
		return nil, errors.Wrapf(err, "failed to watch %s", fileName)
	}
	w := &Watcher{fileName: fileName, onReload: onReload, fw: fw}
	go w.loop()
	return w, nil
}

func (w *Watcher) loop() {
	for {
		select {
		case ev, ok := <-w.fw.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			cfg, err := LoadConfig(w.fileName)
			if err != nil {
				logging.Errorf("config watcher: reload of %s failed: %v", w.fileName, err)
				continue
			}
			logging.Infof("config watcher: reloaded %s", w.fileName)
			if w.onReload != nil {
				w.onReload(cfg)
			}
		case err, ok := <-w.fw.Errors:
			if !ok {
				return
			}
			logging.Errorf("config watcher: %v", err)
		}
	}
}

// Close stops the watcher goroutine.
func (w *Watcher) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	return w.fw.Close()
}
