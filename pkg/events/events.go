// Package events publishes per-frame detection results to observers:
// websocket dashboards through the hub and, optionally, an MQTT broker.
package events

import (
	"time"

	"github.com/teslashibe/go-safetycam/pkg/detection"
	"github.com/teslashibe/go-safetycam/pkg/stream"
)

// Source kinds.
const (
	SourceWebcam = "webcam"
	SourceUpload = "upload"
)

// Event describes the detections in one streamed frame.
type Event struct {
	Time       time.Time                   `json:"time"`
	Source     string                      `json:"source"`
	SessionID  string                      `json:"session_id,omitempty"`
	Frame      int                         `json:"frame"`
	Detections []detection.ObjectDetection `json:"detections"`
	Counts     map[string]int              `json:"counts"`
}

// FromFrame builds an event for a streamed frame.
func FromFrame(source, sessionID string, f stream.Frame) Event {
	return Event{
		Time:       time.Now().UTC(),
		Source:     source,
		SessionID:  sessionID,
		Frame:      f.Index,
		Detections: f.Detections,
		Counts:     detection.Summarize(f.Detections),
	}
}

// Publisher receives detection events. Implementations must not block the
// stream that produced the event.
type Publisher interface {
	Publish(Event)
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(Event)

// Publish calls f(e).
func (f PublisherFunc) Publish(e Event) { f(e) }

// Multi fans an event out to several publishers.
type Multi []Publisher

// Publish forwards e to every publisher.
func (m Multi) Publish(e Event) {
	for _, p := range m {
		p.Publish(e)
	}
}

// OnFrame returns a stream callback that publishes frames containing at
// least one detection. Empty frames are not published.
func OnFrame(p Publisher, source, sessionID string) func(stream.Frame) {
	if p == nil {
		return nil
	}
	return func(f stream.Frame) {
		if len(f.Detections) == 0 {
			return
		}
		p.Publish(FromFrame(source, sessionID, f))
	}
}
