package camera

import (
	"encoding/json"
	"fmt"
	"sync"
)

// Manager holds the current webcam configuration and handles updates.
type Manager struct {
	config Config
	mu     sync.RWMutex
}

// NewManager creates a new camera manager starting from cfg.
func NewManager(cfg Config) *Manager {
	return &Manager{
		config: cfg,
	}
}

// GetConfig returns the current camera configuration.
func (m *Manager) GetConfig() Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.config
}

// SetConfig validates and replaces the camera configuration.
func (m *Manager) SetConfig(cfg Config) error {
	if errors := cfg.Validate(); len(errors) > 0 {
		return fmt.Errorf("validation failed: %v", errors)
	}

	m.mu.Lock()
	m.config = cfg
	m.mu.Unlock()
	return nil
}

// UpdateConfig updates specific fields of the configuration.
// A "preset" key is applied first and only changes the frame size and
// rate; remaining keys override it.
func (m *Manager) UpdateConfig(params map[string]interface{}) error {
	cfg := m.GetConfig()

	if raw, ok := params["preset"]; ok {
		name, _ := raw.(string)
		if !applyPreset(&cfg, name) {
			return fmt.Errorf("unknown preset: %v", raw)
		}
	}

	for key, value := range params {
		var target *int
		switch key {
		case "preset":
			continue
		case "device":
			target = &cfg.Device
		case "width":
			target = &cfg.Width
		case "height":
			target = &cfg.Height
		case "framerate":
			target = &cfg.Framerate
		case "quality":
			target = &cfg.Quality
		default:
			return fmt.Errorf("unknown camera setting: %s", key)
		}

		v, ok := toInt(value)
		if !ok {
			return fmt.Errorf("%s must be an integer", key)
		}
		*target = v
	}

	return m.SetConfig(cfg)
}

func toInt(v interface{}) (int, bool) {
	switch val := v.(type) {
	case int:
		return val, true
	case int64:
		return int(val), true
	case float64:
		if val != float64(int(val)) {
			return 0, false
		}
		return int(val), true
	case json.Number:
		i, err := val.Int64()
		if err == nil {
			return int(i), true
		}
	}
	return 0, false
}
