package vision

import (
	"log/slog"

	"github.com/teslashibe/go-safetycam/pkg/camera"
	"github.com/teslashibe/go-safetycam/pkg/stream"
)

// Opener opens annotated frame sources for the web server.
type Opener struct {
	detector MatDetector
	camera   *camera.Manager
	logger   *slog.Logger
}

// NewOpener shares one detector between all streams. Webcam settings and
// JPEG quality are read from the camera manager each time a source opens.
func NewOpener(d MatDetector, cam *camera.Manager, logger *slog.Logger) *Opener {
	if logger == nil {
		logger = slog.Default()
	}
	return &Opener{detector: d, camera: cam, logger: logger}
}

// OpenWebcam opens the configured capture device.
func (o *Opener) OpenWebcam() (stream.Source, error) {
	cfg := o.camera.GetConfig()
	c, err := OpenDevice(cfg)
	if err != nil {
		return nil, err
	}
	return NewPipeline(c, o.detector, cfg.Quality, o.logger), nil
}

// OpenFile opens an uploaded video.
func (o *Opener) OpenFile(path string) (stream.Source, error) {
	c, err := OpenFile(path)
	if err != nil {
		return nil, err
	}
	return NewPipeline(c, o.detector, o.camera.GetConfig().Quality, o.logger), nil
}

// Close releases the shared detector. Open streams must be finished first.
func (o *Opener) Close() error {
	return o.detector.Close()
}
