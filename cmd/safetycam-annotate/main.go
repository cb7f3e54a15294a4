// Safetycam-annotate - run helmet and vest detection over a video offline
//
// Shows the annotated frames in a window (press q to quit) and/or writes
// them to a video file.
package main

import (
	"context"
	"errors"
	"flag"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/teslashibe/go-safetycam/internal/config"
	"github.com/teslashibe/go-safetycam/internal/log"
	"github.com/teslashibe/go-safetycam/pkg/camera"
	"github.com/teslashibe/go-safetycam/pkg/detection"
	"github.com/teslashibe/go-safetycam/pkg/vision"
	"gocv.io/x/gocv"
)

const windowTitle = "Workplace Safety Monitoring"

type options struct {
	input      string
	device     int
	output     string
	codec      string
	noWindow   bool
	model      string
	labels     string
	classes    []int
	confidence float64
	nms        float64
}

func main() {
	log.Init(os.Getenv("SAFETYCAM_LOG_LEVEL"), "text")

	opts, err := parseFlags()
	if err != nil {
		log.Error("invalid flags", "error", err)
		os.Exit(2)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, opts); err != nil {
		log.Error("annotate failed", "error", err)
		os.Exit(1)
	}
}

func parseFlags() (options, error) {
	var o options
	flag.StringVar(&o.input, "input", "", "Video file to annotate (default: webcam)")
	flag.IntVar(&o.device, "camera", 0, "Webcam device index when no input file is given")
	flag.StringVar(&o.output, "output", "", "Write annotated video to this file")
	flag.StringVar(&o.codec, "codec", "MJPG", "FourCC codec for -output")
	flag.BoolVar(&o.noWindow, "no-window", false, "Do not open a preview window")
	flag.StringVar(&o.model, "model", config.DefaultModelPath, "YOLO ONNX model path")
	flag.StringVar(&o.labels, "labels", "", "Optional class names file")
	classes := flag.String("classes", "12,16", "Comma separated class ids to keep")
	flag.Float64Var(&o.confidence, "confidence", 0.25, "Minimum detection confidence")
	flag.Float64Var(&o.nms, "nms", float64(detection.DefaultConfig().NMSThresh), "IoU threshold for non-maximum suppression")
	flag.Parse()

	ids, err := config.ParseClasses(*classes)
	if err != nil {
		return o, err
	}
	o.classes = ids

	if o.noWindow && o.output == "" {
		return o, errors.New("-no-window needs -output, otherwise nothing is produced")
	}
	return o, nil
}

func run(ctx context.Context, o options) error {
	detCfg := detection.DefaultConfig()
	detCfg.ModelPath = o.model
	detCfg.LabelsPath = o.labels
	detCfg.Classes = o.classes
	detCfg.ConfidenceThresh = float32(o.confidence)
	detCfg.NMSThresh = float32(o.nms)

	detector, err := vision.NewYOLO(detCfg, log.Component("detector"))
	if err != nil {
		return err
	}
	defer detector.Close()

	var capture *vision.Capture
	if o.input != "" {
		capture, err = vision.OpenFile(o.input)
	} else {
		camCfg := camera.DefaultConfig()
		camCfg.Device = o.device
		capture, err = vision.OpenDevice(camCfg)
	}
	if err != nil {
		return err
	}

	pipeline := vision.NewPipeline(capture, detector, camera.DefaultConfig().Quality, log.Component("pipeline"))
	defer pipeline.Close()

	var window *gocv.Window
	if !o.noWindow {
		window = gocv.NewWindow(windowTitle)
		defer window.Close()
	}

	var writer *gocv.VideoWriter
	defer func() {
		if writer != nil {
			writer.Close()
		}
	}()

	start := time.Now()
	totals := make(map[string]int)

	for ctx.Err() == nil {
		dets, err := pipeline.Advance()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			log.Warn("frame skipped", "frame", pipeline.Index(), "error", err)
			continue
		}
		for name, n := range detection.Summarize(dets) {
			totals[name] += n
		}

		frame := pipeline.Mat()
		if o.output != "" && writer == nil {
			writer, err = openWriter(o.output, o.codec, capture.FPS(), frame)
			if err != nil {
				return err
			}
		}
		if writer != nil {
			if err := writer.Write(frame); err != nil {
				return err
			}
		}

		if window != nil {
			window.IMShow(frame)
			if window.WaitKey(1)&0xFF == 'q' {
				break
			}
		}
	}

	elapsed := time.Since(start).Seconds()
	frames := pipeline.Index()
	fps := 0.0
	if elapsed > 0 {
		fps = float64(frames) / elapsed
	}
	log.Info("done", "frames", frames, "fps", fps, "detections", totals)
	return nil
}

// openWriter creates the output file sized to the first frame.
func openWriter(path, codec string, fps float64, frame gocv.Mat) (*gocv.VideoWriter, error) {
	if fps <= 0 {
		fps = float64(camera.DefaultConfig().Framerate)
	}
	w, err := gocv.VideoWriterFile(path, codec, fps, frame.Cols(), frame.Rows(), true)
	if err != nil {
		return nil, err
	}
	log.Info("writing annotated video", "path", path, "codec", codec, "fps", fps)
	return w, nil
}
