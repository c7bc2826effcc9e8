package camera

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
)

// Manager holds the active camera settings and applies changes to the
// device. Updates are serialized; a failed apply leaves the previous
// settings in place.
type Manager struct {
	apply sync.Mutex // Serializes SetConfig calls

	mu     sync.RWMutex
	config Config

	// OnConfigChange applies new settings to the device, e.g.
	// Webcam.Reconfigure.
	OnConfigChange func(cfg Config) error
}

// NewManager creates a manager starting from cfg.
func NewManager(cfg Config) *Manager {
	return &Manager{config: cfg}
}

// GetConfig returns the current camera configuration.
func (m *Manager) GetConfig() Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.config
}

// SetConfig validates cfg and applies it through OnConfigChange. The new
// settings are stored only once applied.
func (m *Manager) SetConfig(cfg Config) error {
	if errs := cfg.Validate(); len(errs) > 0 {
		return fmt.Errorf("validation failed: %s", strings.Join(errs, "; "))
	}

	m.apply.Lock()
	defer m.apply.Unlock()

	if m.OnConfigChange != nil {
		if err := m.OnConfigChange(cfg); err != nil {
			return fmt.Errorf("failed to apply config: %w", err)
		}
	}

	m.mu.Lock()
	m.config = cfg
	m.mu.Unlock()
	return nil
}

// UpdateConfig applies a partial update. An optional "preset" key picks
// the starting point; every other key must be a Config JSON field.
func (m *Manager) UpdateConfig(params map[string]any) error {
	cfg := m.GetConfig()

	fields := make(map[string]any, len(params))
	for k, v := range params {
		if k != "preset" {
			fields[k] = v
			continue
		}
		name, _ := v.(string)
		preset := GetPreset(name)
		if preset == nil {
			return fmt.Errorf("unknown preset: %v", v)
		}
		cfg = *preset
	}

	if len(fields) > 0 {
		if err := overlay(&cfg, fields); err != nil {
			return fmt.Errorf("invalid camera settings: %w", err)
		}
	}
	return m.SetConfig(cfg)
}

// overlay decodes fields onto cfg, rejecting unknown names and values that
// do not fit the field type.
func overlay(cfg *Config, fields map[string]any) error {
	data, err := json.Marshal(fields)
	if err != nil {
		return err
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	return dec.Decode(cfg)
}
