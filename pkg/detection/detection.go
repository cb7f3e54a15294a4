// Package detection holds the detector-independent types for object detection:
// boxes, class filtering, labels and configuration.
package detection

import (
	"errors"
	"sort"
)

// Detection represents a detected bounding box.
type Detection struct {
	X          float64 `json:"x"` // Top-left corner (0-1 normalized)
	Y          float64 `json:"y"`
	W          float64 `json:"w"` // Width and height (0-1 normalized)
	H          float64 `json:"h"`
	Confidence float64 `json:"confidence"`
}

// Center returns the center point of the detection
func (d Detection) Center() (x, y float64) {
	return d.X + d.W/2, d.Y + d.H/2
}

// Area returns the area of the bounding box
func (d Detection) Area() float64 {
	return d.W * d.H
}

// Pixels converts the normalized box to pixel coordinates for a frame of
// the given size.
func (d Detection) Pixels(width, height int) (x1, y1, x2, y2 int) {
	fw, fh := float64(width), float64(height)
	x1 = clamp(int(d.X*fw), 0, width)
	y1 = clamp(int(d.Y*fh), 0, height)
	x2 = clamp(int((d.X+d.W)*fw), 0, width)
	y2 = clamp(int((d.Y+d.H)*fh), 0, height)
	return x1, y1, x2, y2
}

// ObjectDetection represents a detected object with class info
type ObjectDetection struct {
	Detection
	ClassID   int    `json:"class_id"`
	ClassName string `json:"class_name"`
}

// Config holds detector configuration
type Config struct {
	ModelPath        string  // Path to ONNX model
	LabelsPath       string  // Optional labels file, one class name per line
	ConfidenceThresh float32 // Minimum confidence
	NMSThresh        float32 // Non-max suppression IoU threshold
	InputWidth       int     // Model input width
	InputHeight      int     // Model input height
	Classes          []int   // Class ids to keep; empty keeps all
}

// DefaultConfig returns defaults for a YOLOv8 export of the PPE model.
func DefaultConfig() Config {
	return Config{
		ModelPath:        "models/best.onnx",
		ConfidenceThresh: 0.25,
		NMSThresh:        0.7,
		InputWidth:       640,
		InputHeight:      640,
		Classes:          []int{ClassHelmet, ClassVest},
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.ModelPath == "" {
		return errors.New("detection: model path required")
	}
	if c.ConfidenceThresh <= 0 || c.ConfidenceThresh > 1 {
		return errors.New("detection: confidence threshold must be in (0, 1]")
	}
	if c.NMSThresh <= 0 || c.NMSThresh > 1 {
		return errors.New("detection: nms threshold must be in (0, 1]")
	}
	if c.InputWidth <= 0 || c.InputHeight <= 0 {
		return errors.New("detection: input size must be positive")
	}
	return nil
}

// Detector is the interface shared by detection backends.
type Detector interface {
	// Detect finds objects in a JPEG image.
	Detect(jpeg []byte) ([]ObjectDetection, error)

	// Close releases resources
	Close() error
}

// ClassFilter keeps detections whose class id is in the set.
// The zero value allows every class.
type ClassFilter struct {
	allowed map[int]struct{}
}

// NewClassFilter builds a filter for the given class ids.
func NewClassFilter(ids ...int) ClassFilter {
	if len(ids) == 0 {
		return ClassFilter{}
	}
	allowed := make(map[int]struct{}, len(ids))
	for _, id := range ids {
		allowed[id] = struct{}{}
	}
	return ClassFilter{allowed: allowed}
}

// Allows reports whether the class id passes the filter.
func (f ClassFilter) Allows(id int) bool {
	if len(f.allowed) == 0 {
		return true
	}
	_, ok := f.allowed[id]
	return ok
}

// IDs returns the allowed ids in ascending order, or nil when all pass.
func (f ClassFilter) IDs() []int {
	if len(f.allowed) == 0 {
		return nil
	}
	ids := make([]int, 0, len(f.allowed))
	for id := range f.allowed {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

// Apply returns the detections allowed by the filter.
func (f ClassFilter) Apply(dets []ObjectDetection) []ObjectDetection {
	if len(f.allowed) == 0 {
		return dets
	}
	var out []ObjectDetection
	for _, d := range dets {
		if f.Allows(d.ClassID) {
			out = append(out, d)
		}
	}
	return out
}

// Summarize counts detections per class name.
func Summarize(dets []ObjectDetection) map[string]int {
	counts := make(map[string]int, len(dets))
	for _, d := range dets {
		counts[d.ClassName]++
	}
	return counts
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
