package vision

import (
	"fmt"
	"image"
	"log/slog"
	"os"
	"sync"

	"github.com/teslashibe/go-safetycam/pkg/detection"
	"gocv.io/x/gocv"
)

// classOffset separates boxes of different classes so a single NMS pass
// suppresses overlaps within a class only.
const classOffset = 7680

// YOLODetector runs a YOLOv8 ONNX export through the OpenCV DNN module.
type YOLODetector struct {
	net       gocv.Net
	config    detection.Config
	filter    detection.ClassFilter
	labels    detection.Labels
	inputSize image.Point
	logger    *slog.Logger

	mu sync.Mutex
}

// NewYOLO loads the model described by cfg. Labels default to
// detection.DefaultLabels unless cfg.LabelsPath is set.
func NewYOLO(cfg detection.Config, logger *slog.Logger) (*YOLODetector, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	if _, err := os.Stat(cfg.ModelPath); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrModelLoad, err)
	}

	labels := detection.DefaultLabels()
	if cfg.LabelsPath != "" {
		l, err := detection.LoadLabels(cfg.LabelsPath)
		if err != nil {
			return nil, err
		}
		labels = l
	}

	net := gocv.ReadNetFromONNX(cfg.ModelPath)
	if net.Empty() {
		return nil, fmt.Errorf("%w: %s", ErrModelLoad, cfg.ModelPath)
	}
	net.SetPreferableBackend(gocv.NetBackendDefault)
	net.SetPreferableTarget(gocv.NetTargetCPU)

	logger.Info("model loaded", "path", cfg.ModelPath, "classes", cfg.Classes)

	return &YOLODetector{
		net:       net,
		config:    cfg,
		filter:    detection.NewClassFilter(cfg.Classes...),
		labels:    labels,
		inputSize: image.Pt(cfg.InputWidth, cfg.InputHeight),
		logger:    logger,
	}, nil
}

// Labels returns the class names used for detections.
func (d *YOLODetector) Labels() detection.Labels {
	return d.labels
}

// Classes returns the class ids the detector keeps, nil meaning all.
func (d *YOLODetector) Classes() []int {
	return d.filter.IDs()
}

// Detect decodes a JPEG and finds objects in it.
func (d *YOLODetector) Detect(jpeg []byte) ([]detection.ObjectDetection, error) {
	img, err := gocv.IMDecode(jpeg, gocv.IMReadColor)
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}
	defer img.Close()
	return d.DetectMat(img)
}

// DetectMat finds objects in a BGR frame.
func (d *YOLODetector) DetectMat(img gocv.Mat) ([]detection.ObjectDetection, error) {
	if img.Empty() {
		return nil, ErrEmptyFrame
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	blob := gocv.BlobFromImage(img, 1.0/255.0, d.inputSize, gocv.NewScalar(0, 0, 0, 0), true, false)
	defer blob.Close()

	d.net.SetInput(blob, "")
	output := d.net.Forward("")
	defer output.Close()

	dims := output.Size()
	if len(dims) != 3 || dims[1] <= 4 {
		return nil, fmt.Errorf("%w: %v", ErrUnexpectedOutput, dims)
	}

	data, err := output.DataPtrFloat32()
	if err != nil {
		return nil, fmt.Errorf("read output: %w", err)
	}

	imgW, imgH := img.Cols(), img.Rows()
	cands := decodeOutput(data, dims[1], dims[2], outputParams{
		scaleX:     float32(imgW) / float32(d.config.InputWidth),
		scaleY:     float32(imgH) / float32(d.config.InputHeight),
		confThresh: d.config.ConfidenceThresh,
		filter:     d.filter,
	})
	if len(cands) == 0 {
		return nil, nil
	}

	boxes := make([]image.Rectangle, len(cands))
	scores := make([]float32, len(cands))
	for i, c := range cands {
		boxes[i] = c.box.Add(image.Pt(c.classID*classOffset, c.classID*classOffset))
		scores[i] = c.score
	}
	indices := gocv.NMSBoxes(boxes, scores, d.config.ConfidenceThresh, d.config.NMSThresh)

	dets := make([]detection.ObjectDetection, 0, len(indices))
	for _, idx := range indices {
		c := cands[idx]
		dets = append(dets, toObjectDetection(c, imgW, imgH, d.labels))
	}

	d.logger.Debug("detections", "count", len(dets))
	return dets, nil
}

// Close releases the detector resources
func (d *YOLODetector) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.net.Close()
}

type candidate struct {
	box     image.Rectangle // pixel coordinates in the source frame
	score   float32
	classID int
}

type outputParams struct {
	scaleX, scaleY float32
	confThresh     float32
	filter         detection.ClassFilter
}

// decodeOutput parses a YOLOv8 output tensor laid out as [attrs][anchors]
// where attrs = 4 box values (cx, cy, w, h) followed by one score per class.
// The best class of each anchor must pass the threshold and the class filter.
func decodeOutput(data []float32, attrs, anchors int, p outputParams) []candidate {
	if attrs <= 4 || anchors <= 0 || len(data) < attrs*anchors {
		return nil
	}

	var cands []candidate
	for i := 0; i < anchors; i++ {
		best := float32(0)
		classID := -1
		for c := 4; c < attrs; c++ {
			if score := data[c*anchors+i]; score > best {
				best = score
				classID = c - 4
			}
		}
		if classID < 0 || best < p.confThresh || !p.filter.Allows(classID) {
			continue
		}

		cx := data[0*anchors+i]
		cy := data[1*anchors+i]
		w := data[2*anchors+i]
		h := data[3*anchors+i]

		x1 := int((cx - w/2) * p.scaleX)
		y1 := int((cy - h/2) * p.scaleY)
		x2 := int((cx + w/2) * p.scaleX)
		y2 := int((cy + h/2) * p.scaleY)

		cands = append(cands, candidate{
			box:     image.Rect(x1, y1, x2, y2),
			score:   best,
			classID: classID,
		})
	}
	return cands
}

func toObjectDetection(c candidate, imgW, imgH int, labels detection.Labels) detection.ObjectDetection {
	box := c.box.Intersect(image.Rect(0, 0, imgW, imgH))
	return detection.ObjectDetection{
		Detection: detection.Detection{
			X:          float64(box.Min.X) / float64(imgW),
			Y:          float64(box.Min.Y) / float64(imgH),
			W:          float64(box.Dx()) / float64(imgW),
			H:          float64(box.Dy()) / float64(imgH),
			Confidence: float64(c.score),
		},
		ClassID:   c.classID,
		ClassName: labels.Name(c.classID),
	}
}
