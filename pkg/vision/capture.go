package vision

import (
	"fmt"

	"github.com/teslashibe/go-safetycam/pkg/camera"
	"gocv.io/x/gocv"
)

// Capture is an open video source: a webcam device or a video file.
type Capture struct {
	vc   *gocv.VideoCapture
	name string
}

// OpenDevice opens a webcam and requests the configured size and framerate.
// Drivers may ignore the request; the actual size comes from the frames.
func OpenDevice(cfg camera.Config) (*Capture, error) {
	vc, err := gocv.OpenVideoCapture(cfg.Device)
	if err != nil {
		closeCapture(vc)
		return nil, fmt.Errorf("%w: device %d: %v", ErrSourceUnavailable, cfg.Device, err)
	}
	if !vc.IsOpened() {
		vc.Close()
		return nil, fmt.Errorf("%w: device %d not opened", ErrSourceUnavailable, cfg.Device)
	}

	vc.Set(gocv.VideoCaptureFrameWidth, float64(cfg.Width))
	vc.Set(gocv.VideoCaptureFrameHeight, float64(cfg.Height))
	vc.Set(gocv.VideoCaptureFPS, float64(cfg.Framerate))

	return &Capture{vc: vc, name: fmt.Sprintf("device:%d", cfg.Device)}, nil
}

// OpenFile opens a video file.
func OpenFile(path string) (*Capture, error) {
	vc, err := gocv.VideoCaptureFile(path)
	if err != nil {
		closeCapture(vc)
		return nil, fmt.Errorf("%w: %s: %v", ErrSourceUnavailable, path, err)
	}
	if !vc.IsOpened() {
		vc.Close()
		return nil, fmt.Errorf("%w: %s not opened", ErrSourceUnavailable, path)
	}
	return &Capture{vc: vc, name: path}, nil
}

// Name identifies the source in logs.
func (c *Capture) Name() string {
	return c.name
}

// Read grabs the next frame into m. It returns false at end of stream or on
// a device error.
func (c *Capture) Read(m *gocv.Mat) bool {
	return c.vc.Read(m)
}

// FPS reports the source framerate, 0 if unknown.
func (c *Capture) FPS() float64 {
	return c.vc.Get(gocv.VideoCaptureFPS)
}

// Close releases the capture handle. Later calls are no-ops.
func (c *Capture) Close() error {
	if c.vc == nil {
		return nil
	}
	err := c.vc.Close()
	c.vc = nil
	return err
}

// closeCapture releases a handle gocv returns alongside an open error.
func closeCapture(vc *gocv.VideoCapture) {
	if vc != nil {
		vc.Close()
	}
}
