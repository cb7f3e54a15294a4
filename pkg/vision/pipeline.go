package vision

import (
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/teslashibe/go-safetycam/pkg/detection"
	"github.com/teslashibe/go-safetycam/pkg/stream"
	"gocv.io/x/gocv"
)

// MatDetector is a detection.Detector that also accepts decoded frames.
type MatDetector interface {
	detection.Detector
	DetectMat(img gocv.Mat) ([]detection.ObjectDetection, error)
}

// Pipeline reads frames from a capture, detects, draws the boxes and
// encodes the result as JPEG. It implements stream.Source.
type Pipeline struct {
	capture  *Capture
	detector MatDetector
	quality  int
	logger   *slog.Logger

	frame  gocv.Mat
	index  int
	closed bool
}

// NewPipeline takes ownership of c; closing the pipeline closes it. The
// detector is shared and stays open.
func NewPipeline(c *Capture, d MatDetector, quality int, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		capture:  c,
		detector: d,
		quality:  quality,
		logger:   logger.With("source", c.Name()),
		frame:    gocv.NewMat(),
	}
}

// Advance reads the next frame, runs detection and draws the results onto
// it. It returns io.EOF once the source has no more frames.
func (p *Pipeline) Advance() ([]detection.ObjectDetection, error) {
	if ok := p.capture.Read(&p.frame); !ok || p.frame.Empty() {
		return nil, io.EOF
	}
	p.index++

	dets, err := p.detector.DetectMat(p.frame)
	if err != nil {
		return nil, fmt.Errorf("detect frame %d: %w", p.index, err)
	}
	Annotate(&p.frame, dets)
	return dets, nil
}

// Mat returns the current annotated frame. It is overwritten by Advance.
func (p *Pipeline) Mat() gocv.Mat {
	return p.frame
}

// Index returns the 1-based number of the current frame.
func (p *Pipeline) Index() int {
	return p.index
}

// Next implements stream.Source. Frames that fail detection or encoding
// are reported as stream.ErrSkipFrame.
func (p *Pipeline) Next() (stream.Frame, error) {
	dets, err := p.Advance()
	if errors.Is(err, io.EOF) {
		return stream.Frame{}, io.EOF
	}
	if err != nil {
		p.logger.Warn("skipping frame", "error", err)
		return stream.Frame{}, stream.ErrSkipFrame
	}

	buf, err := gocv.IMEncodeWithParams(gocv.JPEGFileExt, p.frame, []int{int(gocv.IMWriteJpegQuality), p.quality})
	if err != nil {
		p.logger.Debug("jpeg encode failed", "frame", p.index, "error", err)
		return stream.Frame{}, stream.ErrSkipFrame
	}
	defer buf.Close()

	// The native buffer is freed on Close, keep a Go copy.
	data := make([]byte, buf.Len())
	copy(data, buf.GetBytes())

	return stream.Frame{
		Index:      p.index,
		JPEG:       data,
		Detections: dets,
	}, nil
}

// Close releases the frame buffer and the capture handle.
func (p *Pipeline) Close() error {
	if p.closed {
		return nil
	}
	p.closed = true
	p.frame.Close()
	return p.capture.Close()
}
