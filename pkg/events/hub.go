package events

import (
	"log/slog"

	"github.com/teslashibe/go-safetycam/pkg/hub"
)

// HubPublisher broadcasts events as JSON to websocket clients.
type HubPublisher struct {
	hub    *hub.Hub
	logger *slog.Logger
}

// NewHubPublisher wraps a running hub.
func NewHubPublisher(h *hub.Hub, logger *slog.Logger) *HubPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &HubPublisher{hub: h, logger: logger}
}

// Publish broadcasts e. Nothing is encoded when no client is connected.
func (p *HubPublisher) Publish(e Event) {
	if p.hub.ClientCount() == 0 {
		return
	}
	if err := p.hub.BroadcastJSON(e); err != nil {
		p.logger.Warn("encode detection event", "error", err)
	}
}
