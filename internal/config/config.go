// Package config loads the proxy's static configuration from an INI
// file (gopkg.in/ini.v1, matching the teacher's format) and exposes a
// fsnotify-backed watcher for hot-reloading shard/backend topology
// changes without a restart.
package config

import (
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/ini.v1"
)

// Config holds the proxy's full configuration.
type Config struct {
	Listen   string // TCP listen address (e.g. ":3307")
	Socket   string // optional Unix socket path
	Shards   map[string]ShardConfig
	DBMap    map[string]string // database name -> shard name
	Default  string            // default shard when a database has no DBMap entry
	Auth     AuthConfig
	Admin    AdminConfig
	History  HistoryConfig
}

// ShardConfig is one primary+replica pool.
type ShardConfig struct {
	Primary  string
	Replicas []string
}

// AuthConfig is the static user table the proxy authenticates
// incoming clients against, and the credentials it presents to
// backends on its own behalf.
type AuthConfig struct {
	Users           map[string]string // user -> password, for client auth
	BackendUser     string
	BackendPassword string
}

// AdminConfig controls the diagnostic HTTP API.
type AdminConfig struct {
	Listen string // e.g. "127.0.0.1:8081"; empty disables the admin server
}

// HistoryConfig bounds the per-session command-history replay log.
type HistoryConfig struct {
	MaxEntries     int
	OverflowPolicy string // "disable_pooling" or "error_on_adoption"
}

// Load reads configuration from an INI file with environment variable
// overrides, following the teacher's [section] / [section.name] layout.
func Load(path string) (*Config, error) {
	cfg, err := ini.Load(path)
	if err != nil {
		return nil, err
	}

	sec := cfg.Section("mariadb")
	c := &Config{
		Listen:  sec.Key("listen").MustString(":3307"),
		Socket:  sec.Key("socket").String(),
		Default: sec.Key("default").MustString("main"),
		Shards:  make(map[string]ShardConfig),
		DBMap:   make(map[string]string),
		Auth: AuthConfig{
			Users:           make(map[string]string),
			BackendUser:     sec.Key("backend_user").String(),
			BackendPassword: sec.Key("backend_password").String(),
		},
		Admin: AdminConfig{
			Listen: cfg.Section("admin").Key("listen").MustString(""),
		},
		History: HistoryConfig{
			MaxEntries:     sec.Key("history_max_entries").MustInt(1000),
			OverflowPolicy: sec.Key("history_overflow_policy").MustString("disable_pooling"),
		},
	}

	loadShards(cfg, c)
	loadUsers(cfg, c)

	if v := os.Getenv("MAXSCALE_PROXY_LISTEN"); v != "" {
		c.Listen = v
	}

	return c, nil
}

func loadShards(cfg *ini.File, c *Config) {
	const prefix = "mariadb."
	for _, s := range cfg.Sections() {
		name := s.Name()
		if len(name) <= len(prefix) || name[:len(prefix)] != prefix {
			continue
		}
		shardName := name[len(prefix):]

		primary := s.Key("primary").String()
		if primary == "" {
			continue
		}

		var replicas []string
		if s.HasKey("replicas") {
			for _, p := range strings.Split(s.Key("replicas").String(), ",") {
				if p = strings.TrimSpace(p); p != "" {
					replicas = append(replicas, p)
				}
			}
		}
		c.Shards[shardName] = ShardConfig{Primary: primary, Replicas: replicas}

		if s.HasKey("databases") {
			for _, db := range strings.Split(s.Key("databases").String(), ",") {
				if db = strings.TrimSpace(db); db != "" {
					c.DBMap[db] = shardName
				}
			}
		}
	}
	if len(c.Shards) == 0 {
		log.Printf("config: no shards defined, proxy will have no backends")
	}
}

func loadUsers(cfg *ini.File, c *Config) {
	sec, err := cfg.GetSection("users")
	if err != nil {
		return
	}
	for _, key := range sec.Keys() {
		c.Auth.Users[key.Name()] = key.Value()
	}
}

// Watcher watches the config file for changes and invokes callback
// with the newly loaded Config, debouncing rapid successive writes.
type Watcher struct {
	path     string
	callback func(*Config)
	watcher  *fsnotify.Watcher
	mu       sync.Mutex
	stopCh   chan struct{}
}

// NewWatcher creates a config file watcher and starts its reload loop.
func NewWatcher(path string, callback func(*Config)) (*Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating config watcher: %w", err)
	}
	if err := w.Add(path); err != nil {
		w.Close()
		return nil, fmt.Errorf("watching config file: %w", err)
	}

	cw := &Watcher{path: path, callback: callback, watcher: w, stopCh: make(chan struct{})}
	go cw.run()
	return cw, nil
}

func (cw *Watcher) run() {
	var debounce *time.Timer
	for {
		select {
		case event, ok := <-cw.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(500*time.Millisecond, cw.reload)
			}
		case err, ok := <-cw.watcher.Errors:
			if !ok {
				return
			}
			log.Printf("config: watcher error: %v", err)
		case <-cw.stopCh:
			return
		}
	}
}

func (cw *Watcher) reload() {
	cw.mu.Lock()
	defer cw.mu.Unlock()

	cfg, err := Load(cw.path)
	if err != nil {
		log.Printf("config: hot-reload failed: %v", err)
		return
	}
	log.Printf("config: reloaded from %s", cw.path)
	cw.callback(cfg)
}

// Stop ends the watcher's reload loop and releases the fsnotify handle.
func (cw *Watcher) Stop() error {
	close(cw.stopCh)
	return cw.watcher.Close()
}
