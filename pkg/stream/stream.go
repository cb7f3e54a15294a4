// Package stream turns a source of annotated frames into a
// multipart/x-mixed-replace (MJPEG) HTTP body.
package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/textproto"
	"strconv"

	"github.com/teslashibe/go-safetycam/pkg/detection"
)

// Boundary separates frames in the multipart body.
const Boundary = "frame"

// ContentType is the response media type for a frame stream.
const ContentType = "multipart/x-mixed-replace; boundary=" + Boundary

// ErrSkipFrame is returned by a Source when a frame could not be produced
// but the stream should continue with the next one.
var ErrSkipFrame = errors.New("stream: frame skipped")

// Frame is one annotated, JPEG-encoded video frame.
type Frame struct {
	Index      int
	JPEG       []byte
	Detections []detection.ObjectDetection
}

// Source produces frames until it returns io.EOF.
type Source interface {
	Next() (Frame, error)
	Close() error
}

// FlushWriter is an io.Writer that can push buffered bytes to the client.
// *bufio.Writer satisfies it.
type FlushWriter interface {
	io.Writer
	Flush() error
}

// Writer writes JPEG frames as multipart parts, flushing after each one.
type Writer struct {
	w  FlushWriter
	mw *multipart.Writer
}

// NewWriter creates a frame writer using the fixed Boundary.
func NewWriter(w FlushWriter) *Writer {
	mw := multipart.NewWriter(w)
	// Boundary is a valid RFC 2046 token, SetBoundary cannot fail.
	_ = mw.SetBoundary(Boundary)
	return &Writer{w: w, mw: mw}
}

// WriteFrame writes one JPEG part and flushes it to the client.
func (w *Writer) WriteFrame(jpeg []byte) error {
	h := make(textproto.MIMEHeader, 2)
	h.Set("Content-Type", "image/jpeg")
	h.Set("Content-Length", strconv.Itoa(len(jpeg)))

	part, err := w.mw.CreatePart(h)
	if err != nil {
		return fmt.Errorf("create part: %w", err)
	}
	if _, err := part.Write(jpeg); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	if err := w.w.Flush(); err != nil {
		return fmt.Errorf("flush frame: %w", err)
	}
	return nil
}

// Close writes the closing boundary.
func (w *Writer) Close() error {
	if err := w.mw.Close(); err != nil {
		return err
	}
	return w.w.Flush()
}

// Stats describes a finished stream.
type Stats struct {
	Frames  int // frames written
	Skipped int // frames the source skipped
}

// Pump copies frames from src to w until the source ends, the context is
// cancelled, or a write fails (client gone). onFrame, when set, is called
// for every frame after it has been written. src is always closed.
//
// A nil error means the source reached io.EOF or the context was cancelled.
func Pump(ctx context.Context, src Source, w *Writer, onFrame func(Frame)) (stats Stats, err error) {
	defer func() {
		if cerr := src.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("close source: %w", cerr)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return stats, nil
		default:
		}

		frame, err := src.Next()
		if errors.Is(err, ErrSkipFrame) {
			stats.Skipped++
			continue
		}
		if errors.Is(err, io.EOF) {
			return stats, w.Close()
		}
		if err != nil {
			return stats, fmt.Errorf("next frame: %w", err)
		}

		if err := w.WriteFrame(frame.JPEG); err != nil {
			return stats, err
		}
		stats.Frames++

		if onFrame != nil {
			onFrame(frame)
		}
	}
}
