package analysis

import (
	"bufio"
	"context"
	"fmt"
	"image"
	"math"
	"os"
	"strings"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"gocv.io/x/gocv"

	"github.com/chenBenjamin97/vehicle-scanner/pkg/track"
)

//DNNConfig describes a make/model image classification network loadable by OpenCV's dnn module
type DNNConfig struct {
	ModelPath  string //e.g. an ONNX export of the classifier
	ConfigPath string //optional, framework dependent
	LabelsPath string //one label per line, line index == class index
	InputSize  int
	Scale      float64
	Mean       [3]float64
	SwapRB     bool
}

//DNNClassifier classifies vehicle crops with a gocv dnn network. It is not safe for concurrent use,
//the Invoker serializes calls.
type DNNClassifier struct {
	net    gocv.Net
	labels []string
	cfg    DNNConfig
}

func NewDNNClassifier(cfg DNNConfig) (*DNNClassifier, error) {
	if _, err := os.Stat(cfg.ModelPath); err != nil {
		return nil, errors.Wrapf(err, "NewDNNClassifier: model file '%s'", cfg.ModelPath)
	}
	if cfg.InputSize <= 0 {
		cfg.InputSize = 224
	}
	if cfg.Scale == 0 {
		cfg.Scale = 1.0 / 255.0
	}

	labels, err := readLabels(cfg.LabelsPath)
	if err != nil {
		return nil, err
	}

	net := gocv.ReadNet(cfg.ModelPath, cfg.ConfigPath)
	if net.Empty() {
		return nil, errors.Errorf("NewDNNClassifier: could not load network '%s'", cfg.ModelPath)
	}
	errBackend := net.SetPreferableBackend(gocv.NetBackendDefault)
	errTarget := net.SetPreferableTarget(gocv.NetTargetCPU)
	if errBackend != nil || errTarget != nil {
		net.Close()
		return nil, errors.New("NewDNNClassifier: could not set preferable backend or target")
	}

	log.WithFields(log.Fields{"model": cfg.ModelPath, "labels": len(labels)}).Info("Vehicle classifier loaded")
	return &DNNClassifier{net: net, labels: labels, cfg: cfg}, nil
}

func (c *DNNClassifier) Classify(ctx context.Context, crop gocv.Mat) (track.Classification, error) {
	if crop.Empty() {
		return track.Classification{}, errors.New("DNNClassifier: empty crop")
	}
	if err := ctx.Err(); err != nil {
		return track.Classification{}, err
	}

	size := image.Pt(c.cfg.InputSize, c.cfg.InputSize)
	mean := gocv.NewScalar(c.cfg.Mean[0], c.cfg.Mean[1], c.cfg.Mean[2], 0)
	blob := gocv.BlobFromImage(crop, c.cfg.Scale, size, mean, c.cfg.SwapRB, false)
	defer blob.Close()

	c.net.SetInput(blob, "")
	prob := c.net.Forward("")
	defer prob.Close()

	logits, err := prob.DataPtrFloat32()
	if err != nil {
		return track.Classification{}, errors.Wrap(err, "DNNClassifier: reading network output")
	}
	if len(logits) == 0 {
		return track.Classification{}, errors.New("DNNClassifier: network produced no output")
	}

	idx, conf := argmaxSoftmax(logits)
	return track.Classification{Label: c.label(idx), Confidence: conf}, nil
}

func (c *DNNClassifier) Close() error {
	return c.net.Close()
}

func (c *DNNClassifier) label(idx int) string {
	if idx < len(c.labels) {
		return c.labels[idx]
	}
	return fmt.Sprintf("class_%d", idx)
}

//argmaxSoftmax returns the index of the largest logit and its softmax probability
func argmaxSoftmax(logits []float32) (int, float64) {
	best := 0
	for i, v := range logits {
		if v > logits[best] {
			best = i
		}
	}

	//shift by the max logit to keep exp in range
	max := float64(logits[best])
	var sum float64
	for _, v := range logits {
		sum += math.Exp(float64(v) - max)
	}

	return best, 1 / sum
}

func readLabels(path string) ([]string, error) {
	if path == "" {
		return nil, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "readLabels: '%s'", path)
	}
	defer f.Close()

	labels := make([]string, 0)
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		labels = append(labels, strings.TrimSpace(scanner.Text()))
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrapf(err, "readLabels: '%s'", path)
	}

	return labels, nil
}
