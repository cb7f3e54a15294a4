// Package web serves the safety camera pages and annotated video streams.
package web

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/teslashibe/go-safetycam/pkg/camera"
	"github.com/teslashibe/go-safetycam/pkg/events"
	"github.com/teslashibe/go-safetycam/pkg/hub"
	"github.com/teslashibe/go-safetycam/pkg/session"
	"github.com/teslashibe/go-safetycam/pkg/stream"
)

// SourceOpener opens annotated frame sources.
type SourceOpener interface {
	OpenWebcam() (stream.Source, error)
	OpenFile(path string) (stream.Source, error)
}

// Config holds the server settings.
type Config struct {
	// TemplatePath is the HTML page served at "/".
	TemplatePath string

	// UploadLimit caps the request body size in bytes.
	UploadLimit int

	// Reported by /api/status.
	ModelPath string
	Classes   []int
}

// Options wires the server to the rest of the application.
// Opener and Sessions are required.
type Options struct {
	Opener   SourceOpener
	Sessions *session.Store
	Camera   *camera.Manager  // defaults to camera.DefaultConfig
	Hub      *hub.Hub         // enables /ws/detections
	Events   events.Publisher // receives frames with detections
	Logger   *slog.Logger
}

// Server is the safety camera HTTP server
type Server struct {
	app    *fiber.App
	config Config

	opener   SourceOpener
	sessions *session.Store
	camera   *camera.Manager
	hub      *hub.Hub
	events   events.Publisher
	logger   *slog.Logger

	// Cancelled on Shutdown to stop in-flight streams.
	ctx    context.Context
	cancel context.CancelFunc

	activeStreams atomic.Int64
	framesServed  atomic.Uint64
}

// NewServer creates the server and registers all routes.
func NewServer(cfg Config, opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Camera == nil {
		opts.Camera = camera.NewManager(camera.DefaultConfig())
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		config:   cfg,
		opener:   opts.Opener,
		sessions: opts.Sessions,
		camera:   opts.Camera,
		hub:      opts.Hub,
		events:   opts.Events,
		logger:   opts.Logger,
		ctx:      ctx,
		cancel:   cancel,
	}

	fcfg := fiber.Config{
		AppName:               "safetycam",
		DisableStartupMessage: true,
		ErrorHandler:          s.handleError,
	}
	if cfg.UploadLimit > 0 {
		fcfg.BodyLimit = cfg.UploadLimit
	}
	app := fiber.New(fcfg)

	// CORS for local development
	app.Use(cors.New())

	s.app = app
	s.RegisterRoutes(app)
	return s
}

// RegisterRoutes adds the page, stream, upload and API routes to app.
func (s *Server) RegisterRoutes(app *fiber.App) {
	app.Get("/", s.handleIndex)
	app.Get("/healthz", s.handleHealth)

	app.Get("/video_feed/webcam", s.handleWebcamFeed)
	app.Get("/video_feed/upload", s.handleUploadFeed)
	app.Post("/upload_video", s.handleUpload)

	api := app.Group("/api")
	api.Get("/status", s.handleStatus)
	api.Get("/camera", s.handleGetCamera)
	api.Post("/camera", s.handleSetCamera)

	if s.hub == nil {
		return
	}

	// WebSocket upgrade middleware
	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	app.Get("/ws/detections", websocket.New(s.hub.Serve))
}

// App returns the underlying fiber app.
func (s *Server) App() *fiber.App {
	return s.app
}

// Listen serves HTTP on addr until Shutdown.
func (s *Server) Listen(addr string) error {
	s.logger.Info("web server listening", "addr", addr)
	return s.app.Listen(addr)
}

// Shutdown stops in-flight streams and then the server, waiting at most
// timeout for open connections to finish.
func (s *Server) Shutdown(timeout time.Duration) error {
	s.cancel()
	return s.app.ShutdownWithTimeout(timeout)
}

// ActiveStreams returns the number of streams currently being served.
func (s *Server) ActiveStreams() int64 {
	return s.activeStreams.Load()
}

// FramesServed returns the total number of frames written to clients.
func (s *Server) FramesServed() uint64 {
	return s.framesServed.Load()
}

// handleError renders errors as JSON.
func (s *Server) handleError(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	if e, ok := err.(*fiber.Error); ok {
		code = e.Code
	}
	if code >= fiber.StatusInternalServerError {
		s.logger.Error("request failed", "path", c.Path(), "error", err)
	}
	return c.Status(code).JSON(fiber.Map{
		"error": err.Error(),
	})
}
