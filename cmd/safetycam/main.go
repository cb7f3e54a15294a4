// Safetycam - workplace safety monitoring server
// Streams webcam or uploaded video with helmet and vest detections drawn on.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/teslashibe/go-safetycam/internal/config"
	"github.com/teslashibe/go-safetycam/internal/log"
	"github.com/teslashibe/go-safetycam/pkg/camera"
	"github.com/teslashibe/go-safetycam/pkg/detection"
	"github.com/teslashibe/go-safetycam/pkg/events"
	"github.com/teslashibe/go-safetycam/pkg/hub"
	"github.com/teslashibe/go-safetycam/pkg/session"
	"github.com/teslashibe/go-safetycam/pkg/vision"
	"github.com/teslashibe/go-safetycam/pkg/web"
)

const shutdownTimeout = 5 * time.Second

func main() {
	cfg, err := parseFlags()
	log.Init(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		log.Error("configuration error", "error", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg); err != nil {
		log.Error("server failed", "error", err)
		os.Exit(1)
	}
}

// parseFlags starts from defaults, applies SAFETYCAM_* env vars and then
// explicit flags.
func parseFlags() (config.Config, error) {
	cfg := config.DefaultConfig()
	envErr := cfg.LoadEnvConfig()

	port := flag.String("port", cfg.Port, "HTTP port")
	model := flag.String("model", cfg.ModelPath, "YOLO ONNX model path")
	labels := flag.String("labels", cfg.LabelsPath, "Optional class names file, one per line")
	classes := flag.String("classes", "", "Comma separated class ids to keep (default 12,16)")
	conf := flag.Float64("confidence", cfg.Confidence, "Minimum detection confidence")
	nms := flag.Float64("nms", cfg.NMS, "IoU threshold for non-maximum suppression")
	cam := flag.Int("camera", cfg.Camera, "Webcam device index")
	uploads := flag.String("upload-dir", cfg.UploadDir, "Directory for uploaded videos")
	uploadLimit := flag.Int("upload-limit", cfg.UploadLimit, "Maximum upload size in bytes")
	ttl := flag.Duration("session-ttl", cfg.SessionTTL, "Drop uploads not streamed within this time (0 = never)")
	tmpl := flag.String("template", cfg.TemplatePath, "Index page template")
	broker := flag.String("mqtt-broker", cfg.MQTTBroker, "MQTT broker URL for detection events, e.g. tcp://localhost:1883")
	topic := flag.String("mqtt-topic", cfg.MQTTTopic, "MQTT topic for detection events")
	level := flag.String("log-level", cfg.LogLevel, "Log level: debug, info, warn, error")
	format := flag.String("log-format", cfg.LogFormat, "Log format: text, json")
	flag.Parse()

	cfg.Port, cfg.ModelPath, cfg.LabelsPath = *port, *model, *labels
	cfg.Confidence, cfg.NMS, cfg.Camera = *conf, *nms, *cam
	cfg.UploadDir, cfg.UploadLimit = *uploads, *uploadLimit
	cfg.SessionTTL, cfg.TemplatePath = *ttl, *tmpl
	cfg.MQTTBroker, cfg.MQTTTopic = *broker, *topic
	cfg.LogLevel, cfg.LogFormat = *level, *format

	if envErr != nil {
		return cfg, envErr
	}
	if *classes != "" {
		ids, err := config.ParseClasses(*classes)
		if err != nil {
			return cfg, &config.ConfigError{Field: "Classes", Message: err.Error()}
		}
		cfg.Classes = ids
	}
	return cfg, cfg.Validate()
}

func run(ctx context.Context, cfg config.Config) error {
	detCfg := detection.DefaultConfig()
	detCfg.ModelPath = cfg.ModelPath
	detCfg.LabelsPath = cfg.LabelsPath
	detCfg.Classes = cfg.Classes
	detCfg.ConfidenceThresh = float32(cfg.Confidence)
	detCfg.NMSThresh = float32(cfg.NMS)

	detector, err := vision.NewYOLO(detCfg, log.Component("detector"))
	if err != nil {
		return err
	}
	camCfg := camera.DefaultConfig()
	camCfg.Device = cfg.Camera
	cameras := camera.NewManager(camCfg)

	opener := vision.NewOpener(detector, cameras, log.Component("vision"))
	defer opener.Close()

	sessions, err := session.NewStore(cfg.UploadDir, log.Component("sessions"))
	if err != nil {
		return err
	}
	defer sessions.Close()

	detections := hub.New("detections", log.Component("hub"))
	go detections.Run(ctx)

	publishers := events.Multi{events.NewHubPublisher(detections, log.Component("events"))}
	if cfg.MQTTBroker != "" {
		mqttPub, err := events.NewMQTTPublisher(events.MQTTConfig{
			Broker:   cfg.MQTTBroker,
			Topic:    cfg.MQTTTopic,
			ClientID: "safetycam",
		}, log.Component("mqtt"))
		if err != nil {
			// Events are optional; keep serving video without them.
			log.Warn("mqtt disabled", "broker", cfg.MQTTBroker, "error", err)
		} else {
			defer mqttPub.Close()
			publishers = append(publishers, mqttPub)
		}
	}

	if cfg.SessionTTL > 0 {
		go sweepSessions(ctx, sessions, cfg.SessionTTL)
	}

	server := web.NewServer(web.Config{
		TemplatePath: cfg.TemplatePath,
		UploadLimit:  cfg.UploadLimit,
		ModelPath:    cfg.ModelPath,
		Classes:      detector.Classes(),
	}, web.Options{
		Opener:   opener,
		Sessions: sessions,
		Camera:   cameras,
		Hub:      detections,
		Events:   publishers,
		Logger:   log.Component("web"),
	})

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Listen(cfg.Addr())
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info("shutting down")
	return server.Shutdown(shutdownTimeout)
}

// sweepSessions drops uploads that were never streamed.
func sweepSessions(ctx context.Context, sessions *session.Store, ttl time.Duration) {
	interval := ttl / 2
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := sessions.Sweep(ttl); n > 0 {
				log.Info("expired uploads removed", "count", n)
			}
		}
	}
}
