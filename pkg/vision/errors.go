// Package vision runs the YOLO detector over OpenCV video captures and
// renders annotated frames.
package vision

import "errors"

// Sentinel errors for common conditions.
var (
	// ErrModelLoad is returned when the ONNX model cannot be loaded.
	ErrModelLoad = errors.New("vision: failed to load model")

	// ErrSourceUnavailable is returned when a capture device or file cannot be opened.
	ErrSourceUnavailable = errors.New("vision: video source unavailable")

	// ErrEmptyFrame is returned when asked to detect on an empty image.
	ErrEmptyFrame = errors.New("vision: empty frame")

	// ErrUnexpectedOutput is returned when the network output shape is not [1, 4+C, N].
	ErrUnexpectedOutput = errors.New("vision: unexpected model output shape")
)
