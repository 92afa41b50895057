// Package haconf is the host-local HA configuration: a sectioned YAML file
// read through viper.
//
//	he_local:
//	  host_id: 1
//	  configured: true
//	ha:
//	  local_maintenance: "False"
package haconf

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
	"pkt.systems/pslog"

	"github.com/arachmani/ovirt-hosted-engine-ha/internal/loggingutil"
)

// Sections and keys read by the HA client.
const (
	SectionEngine = "he_local"
	SectionHA     = "ha"
	SectionBroker = "broker"

	KeyHostID                 = "host_id"
	KeyConfigured             = "configured"
	KeyLocalMaintenance       = "local_maintenance"
	KeyLocalMaintenanceManual = "local_maintenance_manual"
	KeySocket                 = "socket"
	KeyStore                  = "store"
)

// Default locations.
const (
	DefaultPath       = "/etc/ovirt-hosted-engine/hosted-engine.yaml"
	DefaultSocketPath = "/var/run/ovirt-hosted-engine-ha/broker.socket"
)

// Store reads and writes one configuration file. It is safe for concurrent
// use.
type Store struct {
	path   string
	logger pslog.Logger

	mu sync.RWMutex
	v  *viper.Viper
}

// Option configures a Store.
type Option func(*Store)

// WithLogger supplies the store logger.
func WithLogger(l pslog.Logger) Option {
	return func(s *Store) {
		s.logger = l
	}
}

// Open loads path. A missing file yields an empty configuration; the file is
// created by the first Set.
func Open(path string, opts ...Option) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("haconf: path required")
	}
	s := &Store{path: filepath.Clean(path)}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = loggingutil.WithSubsystem(s.logger, "config.ha")
	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// Path returns the backing file.
func (s *Store) Path() string { return s.path }

// Reload re-reads the file.
func (s *Store) Reload() error {
	v, err := load(s.path)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.v = v
	s.mu.Unlock()
	return nil
}

func load(path string) (*viper.Viper, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return v, nil
		}
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return v, nil
		}
		return nil, fmt.Errorf("haconf: read %s: %w", path, err)
	}
	return v, nil
}

// Get returns section.key as a string. Absent keys report false.
func (s *Store) Get(section, key string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	name := section + "." + key
	if !s.v.IsSet(name) {
		return "", false
	}
	return s.v.GetString(name), true
}

// Set stores value under section.key and rewrites the file.
func (s *Store) Set(section, key, value string) error {
	if section == "" || key == "" || strings.Contains(section, ".") || strings.Contains(key, ".") {
		return fmt.Errorf("haconf: invalid key %q.%q", section, key)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	settings := s.v.AllSettings()
	sec, _ := settings[section].(map[string]any)
	if sec == nil {
		sec = make(map[string]any)
	}
	sec[key] = value
	settings[section] = sec
	if err := writeFile(s.path, settings); err != nil {
		return err
	}
	v, err := load(s.path)
	if err != nil {
		return err
	}
	s.v = v
	s.logger.Debug("config.ha.set", "section", section, "key", key, "path", s.path)
	return nil
}

// writeFile replaces path atomically.
func writeFile(path string, settings map[string]any) error {
	data, err := yaml.Marshal(settings)
	if err != nil {
		return fmt.Errorf("haconf: encode: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("haconf: prepare directory: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("haconf: create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("haconf: write temp file: %w", err)
	}
	if err := tmp.Chmod(0o644); err != nil {
		tmp.Close()
		return fmt.Errorf("haconf: chmod temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("haconf: close temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("haconf: replace %s: %w", path, err)
	}
	return nil
}
