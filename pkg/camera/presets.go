package camera

import "sort"

// Preset names accepted by Manager.UpdateConfig.
const (
	PresetDefault = "default"
	Preset480p    = "480p"
	Preset720p    = "720p"
	Preset1080p   = "1080p"
)

// resolution is a preset's frame size and rate; device and quality are kept
// from DefaultConfig.
type resolution struct {
	width, height, fps int
}

var presets = map[string]resolution{
	PresetDefault: {640, 480, 30},
	Preset480p:    {640, 480, 30},
	Preset720p:    {1280, 720, 30},
	// Inference cost grows with frame size.
	Preset1080p: {1920, 1080, 15},
}

// PresetNames returns the preset names in sorted order.
func PresetNames() []string {
	names := make([]string, 0, len(presets))
	for name := range presets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// GetPreset returns a preset applied to DefaultConfig, or nil if not found.
func GetPreset(name string) *Config {
	cfg := DefaultConfig()
	if !applyPreset(&cfg, name) {
		return nil
	}
	return &cfg
}

// applyPreset sets the preset's frame size and rate on cfg, leaving device
// and quality alone.
func applyPreset(cfg *Config, name string) bool {
	r, ok := presets[name]
	if !ok {
		return false
	}
	cfg.Width, cfg.Height, cfg.Framerate = r.width, r.height, r.fps
	return true
}
