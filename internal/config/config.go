// Package config provides configuration for the safetycam commands.
// Flag parsing is done in cmd/safetycam/main.go; this package is data plus env overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Default server configuration.
const (
	DefaultPort        = "8000"
	DefaultModelPath   = "models/best.onnx"
	DefaultUploadDir   = "uploads"
	DefaultTemplate    = "templates/index.html"
	DefaultMQTTTopic   = "safetycam/detections"
	DefaultUploadLimit = 512 << 20
)

// DefaultClasses are the class ids the detector keeps: helmet (12) and vest (16).
var DefaultClasses = []int{12, 16}

// Config holds all configuration for the safetycam server.
type Config struct {
	// Port the HTTP server listens on.
	Port string

	// Detector.
	ModelPath  string
	LabelsPath string // optional, one class name per line
	Classes    []int
	Confidence float64
	NMS        float64

	// Webcam device index.
	Camera int

	// Uploads.
	UploadDir   string
	UploadLimit int           // bytes
	SessionTTL  time.Duration // 0 keeps unstreamed uploads until shutdown

	// TemplatePath is the index page served at "/".
	TemplatePath string

	// MQTT event publishing (disabled when broker is empty).
	MQTTBroker string
	MQTTTopic  string

	// Logging.
	LogLevel  string
	LogFormat string
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	classes := make([]int, len(DefaultClasses))
	copy(classes, DefaultClasses)
	return Config{
		Port:         DefaultPort,
		ModelPath:    DefaultModelPath,
		Classes:      classes,
		Confidence:   0.25,
		NMS:          0.7,
		Camera:       0,
		UploadDir:    DefaultUploadDir,
		UploadLimit:  DefaultUploadLimit,
		TemplatePath: DefaultTemplate,
		MQTTTopic:    DefaultMQTTTopic,
		LogLevel:     "info",
		LogFormat:    "text",
	}
}

// LoadEnvConfig applies SAFETYCAM_* environment overrides.
// Malformed numeric values are reported rather than silently ignored.
func (c *Config) LoadEnvConfig() error {
	if v := os.Getenv("SAFETYCAM_PORT"); v != "" {
		c.Port = v
	}
	if v := os.Getenv("SAFETYCAM_MODEL"); v != "" {
		c.ModelPath = v
	}
	if v := os.Getenv("SAFETYCAM_LABELS"); v != "" {
		c.LabelsPath = v
	}
	if v := os.Getenv("SAFETYCAM_CLASSES"); v != "" {
		classes, err := ParseClasses(v)
		if err != nil {
			return &ConfigError{Field: "Classes", Message: fmt.Sprintf("SAFETYCAM_CLASSES: %v", err)}
		}
		c.Classes = classes
	}
	if v := os.Getenv("SAFETYCAM_CONFIDENCE"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return &ConfigError{Field: "Confidence", Message: "SAFETYCAM_CONFIDENCE must be a number"}
		}
		c.Confidence = f
	}
	if v := os.Getenv("SAFETYCAM_NMS"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return &ConfigError{Field: "NMS", Message: "SAFETYCAM_NMS must be a number"}
		}
		c.NMS = f
	}
	if v := os.Getenv("SAFETYCAM_CAMERA"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return &ConfigError{Field: "Camera", Message: "SAFETYCAM_CAMERA must be a device index"}
		}
		c.Camera = n
	}
	if v := os.Getenv("SAFETYCAM_UPLOAD_DIR"); v != "" {
		c.UploadDir = v
	}
	if v := os.Getenv("SAFETYCAM_UPLOAD_LIMIT"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return &ConfigError{Field: "UploadLimit", Message: "SAFETYCAM_UPLOAD_LIMIT must be a size in bytes"}
		}
		c.UploadLimit = n
	}
	if v := os.Getenv("SAFETYCAM_SESSION_TTL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return &ConfigError{Field: "SessionTTL", Message: "SAFETYCAM_SESSION_TTL must be a duration like 30m"}
		}
		c.SessionTTL = d
	}
	if v := os.Getenv("SAFETYCAM_TEMPLATE"); v != "" {
		c.TemplatePath = v
	}
	if v := os.Getenv("SAFETYCAM_MQTT_BROKER"); v != "" {
		c.MQTTBroker = v
	}
	if v := os.Getenv("SAFETYCAM_MQTT_TOPIC"); v != "" {
		c.MQTTTopic = v
	}
	if v := os.Getenv("SAFETYCAM_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("SAFETYCAM_LOG_FORMAT"); v != "" {
		c.LogFormat = v
	}
	return nil
}

// Validate checks that required configuration is present.
func (c *Config) Validate() error {
	if c.Port == "" {
		return &ConfigError{Field: "Port", Message: "port is required"}
	}
	if c.ModelPath == "" {
		return &ConfigError{Field: "ModelPath", Message: "model path is required"}
	}
	if c.Confidence <= 0 || c.Confidence > 1 {
		return &ConfigError{Field: "Confidence", Message: "confidence must be in (0, 1]"}
	}
	if c.NMS <= 0 || c.NMS > 1 {
		return &ConfigError{Field: "NMS", Message: "nms threshold must be in (0, 1]"}
	}
	if c.Camera < 0 {
		return &ConfigError{Field: "Camera", Message: "camera device index must be >= 0"}
	}
	if c.UploadDir == "" {
		return &ConfigError{Field: "UploadDir", Message: "upload directory is required"}
	}
	if c.UploadLimit <= 0 {
		return &ConfigError{Field: "UploadLimit", Message: "upload limit must be positive"}
	}
	if c.SessionTTL < 0 {
		return &ConfigError{Field: "SessionTTL", Message: "session ttl must not be negative"}
	}
	if c.MQTTBroker != "" && c.MQTTTopic == "" {
		return &ConfigError{Field: "MQTTTopic", Message: "mqtt topic is required when a broker is set"}
	}
	return nil
}

// Addr returns the listen address for the configured port.
func (c *Config) Addr() string {
	return ":" + c.Port
}

// ParseClasses parses a comma separated list of class ids, e.g. "12,16".
func ParseClasses(s string) ([]int, error) {
	var classes []int
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := strconv.Atoi(part)
		if err != nil || id < 0 {
			return nil, fmt.Errorf("invalid class id %q", part)
		}
		classes = append(classes, id)
	}
	return classes, nil
}

// ConfigError represents a configuration validation error.
type ConfigError struct {
	Field   string
	Message string
}

func (e *ConfigError) Error() string {
	return e.Message
}
