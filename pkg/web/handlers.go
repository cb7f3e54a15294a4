package web

import (
	"bufio"
	"errors"
	"fmt"
	"html"
	"os"

	"github.com/gofiber/fiber/v2"
	"github.com/teslashibe/go-safetycam/pkg/camera"
	"github.com/teslashibe/go-safetycam/pkg/events"
	"github.com/teslashibe/go-safetycam/pkg/session"
	"github.com/teslashibe/go-safetycam/pkg/stream"
)

// uploadField is the multipart form field carrying the video.
const uploadField = "video_file"

// StatusResponse is returned by /api/status.
type StatusResponse struct {
	ActiveSessions int    `json:"active_sessions"`
	ActiveStreams  int64  `json:"active_streams"`
	FramesServed   uint64 `json:"frames_served"`
	DetectionFeeds int    `json:"detection_feeds"`
	DroppedEvents  uint64 `json:"dropped_events"`
	Classes        []int  `json:"classes"`
	ModelPath      string `json:"model_path"`
}

// CameraResponse is returned by the camera settings endpoints.
type CameraResponse struct {
	Config  camera.Config `json:"config"`
	Presets []string      `json:"presets"`
}

// handleIndex serves the template, or an inline error page when it cannot
// be read.
func (s *Server) handleIndex(c *fiber.Ctx) error {
	page, err := os.ReadFile(s.config.TemplatePath)
	if err != nil {
		s.logger.Warn("template unavailable", "path", s.config.TemplatePath, "error", err)
		c.Type("html")
		return c.SendString(fmt.Sprintf(
			"<h1>Error: template not found</h1><p>%s</p>",
			html.EscapeString(s.config.TemplatePath),
		))
	}
	c.Type("html")
	return c.Send(page)
}

func (s *Server) handleHealth(c *fiber.Ctx) error {
	return c.SendString("ok")
}

// handleWebcamFeed streams annotated webcam frames until the client goes
// away. A camera that cannot be opened yields an empty stream.
func (s *Server) handleWebcamFeed(c *fiber.Ctx) error {
	src, err := s.opener.OpenWebcam()
	if err != nil {
		s.logger.Error("webcam unavailable", "error", err)
		return emptyStream(c)
	}
	return s.serveStream(c, src, events.SourceWebcam, "", nil)
}

// handleUpload stores the uploaded video and returns its session id.
func (s *Server) handleUpload(c *fiber.Ctx) error {
	fh, err := c.FormFile(uploadField)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "missing " + uploadField,
		})
	}

	f, err := fh.Open()
	if err != nil {
		return fmt.Errorf("open upload: %w", err)
	}
	defer f.Close()

	sess, err := s.sessions.Save(fh.Filename, f)
	if err != nil {
		return err
	}

	s.logger.Info("video uploaded", "session", sess.ID, "filename", sess.Filename, "size", sess.Size)
	return c.JSON(fiber.Map{
		"session_id": sess.ID,
	})
}

// handleUploadFeed streams an uploaded video once. The session and its file
// are removed when the stream ends, whatever the reason. Unknown sessions
// get an empty stream.
func (s *Server) handleUploadFeed(c *fiber.Ctx) error {
	id := c.Query("session_id")

	sess, err := s.sessions.Acquire(id)
	if err != nil {
		if !errors.Is(err, session.ErrNotFound) {
			s.logger.Warn("session unavailable", "session", id, "error", err)
		}
		return emptyStream(c)
	}

	release := func() {
		if err := s.sessions.Release(sess.ID); err != nil {
			s.logger.Warn("release session", "session", sess.ID, "error", err)
		}
	}

	src, err := s.opener.OpenFile(sess.Path)
	if err != nil {
		s.logger.Error("cannot open upload", "session", sess.ID, "error", err)
		release()
		return emptyStream(c)
	}
	return s.serveStream(c, src, events.SourceUpload, sess.ID, release)
}

// serveStream pumps src into the response body. done, when set, runs after
// the stream has finished and src is closed.
func (s *Server) serveStream(c *fiber.Ctx, src stream.Source, source, sessionID string, done func()) error {
	c.Set(fiber.HeaderContentType, stream.ContentType)
	c.Set(fiber.HeaderCacheControl, "no-cache")

	publish := events.OnFrame(s.events, source, sessionID)
	onFrame := func(f stream.Frame) {
		s.framesServed.Add(1)
		if publish != nil {
			publish(f)
		}
	}

	// The fiber ctx is recycled once the handler returns; the writer below
	// only uses values captured here.
	ctx := s.ctx
	logger := s.logger.With("source", source)
	if sessionID != "" {
		logger = logger.With("session", sessionID)
	}

	s.activeStreams.Add(1)
	c.Context().SetBodyStreamWriter(func(w *bufio.Writer) {
		defer s.activeStreams.Add(-1)
		if done != nil {
			defer done()
		}

		logger.Info("stream started")
		stats, err := stream.Pump(ctx, src, stream.NewWriter(w), onFrame)
		if err != nil {
			logger.Info("stream stopped", "frames", stats.Frames, "skipped", stats.Skipped, "reason", err)
			return
		}
		logger.Info("stream finished", "frames", stats.Frames, "skipped", stats.Skipped)
	})
	return nil
}

// emptyStream answers with a multipart response that carries no frames.
func emptyStream(c *fiber.Ctx) error {
	c.Set(fiber.HeaderContentType, stream.ContentType)
	c.Status(fiber.StatusOK)
	return nil
}

func (s *Server) handleStatus(c *fiber.Ctx) error {
	resp := StatusResponse{
		ActiveSessions: s.sessions.Len(),
		ActiveStreams:  s.activeStreams.Load(),
		FramesServed:   s.framesServed.Load(),
		Classes:        s.config.Classes,
		ModelPath:      s.config.ModelPath,
	}
	if s.hub != nil {
		resp.DetectionFeeds = s.hub.ClientCount()
		resp.DroppedEvents = s.hub.Dropped()
	}
	return c.JSON(resp)
}

func (s *Server) handleGetCamera(c *fiber.Ctx) error {
	return c.JSON(CameraResponse{
		Config:  s.camera.GetConfig(),
		Presets: camera.PresetNames(),
	})
}

// handleSetCamera applies a preset and/or individual settings, e.g.
// {"preset": "720p", "quality": 90}.
func (s *Server) handleSetCamera(c *fiber.Ctx) error {
	var params map[string]interface{}
	if err := c.BodyParser(&params); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid camera settings: "+err.Error())
	}
	if err := s.camera.UpdateConfig(params); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	}

	cfg := s.camera.GetConfig()
	s.logger.Info("camera settings updated", "device", cfg.Device, "width", cfg.Width, "height", cfg.Height, "quality", cfg.Quality)
	return c.JSON(CameraResponse{
		Config:  cfg,
		Presets: camera.PresetNames(),
	})
}
