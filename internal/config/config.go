// Package config loads and hot-reloads the proxy's JSON configuration file.
package config

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Config is the JSON-tagged configuration recognized by the proxy, per the
// external-interfaces table (§6).
type Config struct {
	Proxy struct {
		BindAddress string `json:"bind-address"`
		Port        int    `json:"port"`
	} `json:"proxy"`

	Remote struct {
		Address string `json:"address"`
		Port    int    `json:"port"`
	} `json:"remote"`

	LAN struct {
		Enabled             bool   `json:"enabled"`
		MOTD                string `json:"motd"`
		SubMOTD             string `json:"sub-motd"`
		BroadcastIntervalMS int    `json:"broadcast-interval-ms"`
	} `json:"lan"`

	MaxPlayers   int  `json:"max-players"`
	DebugLogging bool `json:"debug-logging"`

	Metrics struct {
		Enabled       bool   `json:"enabled"`
		ListenAddress string `json:"listen-address"`
	} `json:"metrics"`

	Downstream struct {
		ProtocolOverride int `json:"protocol-override"`
	} `json:"downstream"`
}

// Default returns a configuration with every key from §6 at its documented
// default value.
func Default() *Config {
	c := &Config{}
	c.Proxy.BindAddress = "0.0.0.0"
	c.Proxy.Port = 19150
	c.Remote.Port = 19132
	c.LAN.Enabled = true
	c.LAN.MOTD = "A Bedrock Proxy"
	c.LAN.SubMOTD = "mcbeproxy"
	c.LAN.BroadcastIntervalMS = 1500
	c.MaxPlayers = 20
	c.Metrics.ListenAddress = "127.0.0.1:9132"
	return c
}

// BroadcastInterval is the LAN advertiser period as a time.Duration.
func (c *Config) BroadcastInterval() time.Duration {
	return time.Duration(c.LAN.BroadcastIntervalMS) * time.Millisecond
}

// RemoteAddr is the "host:port" dial target for the downstream client pool.
func (c *Config) RemoteAddr() string {
	return fmt.Sprintf("%s:%d", c.Remote.Address, c.Remote.Port)
}

// BindAddr is the "host:port" the upstream listener binds.
func (c *Config) BindAddr() string {
	return fmt.Sprintf("%s:%d", c.Proxy.BindAddress, c.Proxy.Port)
}

// Load reads a config file, returning Default() if it does not exist yet --
// callers that want the defaulted file persisted should call EnsureFile
// first.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	c := Default()
	if err := json.Unmarshal(data, c); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return c, nil
}

// EnsureFile writes a defaulted config file to path if none exists yet,
// matching the CLI surface's "creating a defaulted file on first run"
// requirement.
func EnsureFile(path string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("config: stat %s: %w", path, err)
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("config: create dir for %s: %w", path, err)
		}
	}
	data, err := json.MarshalIndent(Default(), "", "  ")
	if err != nil {
		return fmt.Errorf("config: marshal default: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}

// Manager holds the current configuration and watches its file for changes,
// invoking OnChange with the newly loaded config after each write.
type Manager struct {
	path string

	mu  sync.RWMutex
	cur *Config

	OnChange func(*Config)

	watcherMu sync.Mutex
	watcher   *fsnotify.Watcher
}

// NewManager loads the initial configuration and wraps it in a Manager.
func NewManager(path string) (*Manager, error) {
	c, err := Load(path)
	if err != nil {
		return nil, err
	}
	return &Manager{path: path, cur: c}, nil
}

// Current returns the most recently loaded configuration.
func (m *Manager) Current() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cur
}

// Reload re-reads the config file and, on success, swaps it in and invokes
// OnChange.
func (m *Manager) Reload() error {
	c, err := Load(m.path)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.cur = c
	m.mu.Unlock()
	if m.OnChange != nil {
		m.OnChange(c)
	}
	return nil
}

// Watch starts an fsnotify watch on the config file's directory, reloading
// on write/create events until ctx is canceled.
func (m *Manager) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config: create watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(m.path)); err != nil {
		watcher.Close()
		return fmt.Errorf("config: watch dir for %s: %w", m.path, err)
	}

	m.watcherMu.Lock()
	m.watcher = watcher
	m.watcherMu.Unlock()

	go func() {
		defer m.closeWatcher()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != filepath.Clean(m.path) {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				time.Sleep(100 * time.Millisecond)
				_ = m.Reload()
			case _, ok := <-watcher.Errors:
				if !ok {
					return
				}
			}
		}
	}()
	return nil
}

func (m *Manager) closeWatcher() {
	m.watcherMu.Lock()
	defer m.watcherMu.Unlock()
	if m.watcher != nil {
		m.watcher.Close()
		m.watcher = nil
	}
}
