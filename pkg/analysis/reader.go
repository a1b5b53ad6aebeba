package analysis

import (
	"context"
	"strings"

	"github.com/otiai10/gosseract/v2"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"gocv.io/x/gocv"

	"github.com/chenBenjamin97/vehicle-scanner/pkg/track"
)

//TesseractConfig configures the OCR engine used for plate reading
type TesseractConfig struct {
	Language  string
	Whitelist string //restricts recognised characters, empty means no restriction
}

//TesseractReader reads plate text with Tesseract. One client is reused for every call,
//the Invoker serializes access to it.
type TesseractReader struct {
	client *gosseract.Client
}

func NewTesseractReader(cfg TesseractConfig) (*TesseractReader, error) {
	if cfg.Language == "" {
		cfg.Language = "eng"
	}

	client := gosseract.NewClient()
	if err := client.SetLanguage(cfg.Language); err != nil {
		client.Close()
		return nil, errors.Wrap(err, "NewTesseractReader: set language")
	}
	if err := client.SetPageSegMode(gosseract.PSM_SINGLE_BLOCK); err != nil {
		client.Close()
		return nil, errors.Wrap(err, "NewTesseractReader: set page segmentation mode")
	}
	if cfg.Whitelist != "" {
		if err := client.SetWhitelist(cfg.Whitelist); err != nil {
			client.Close()
			return nil, errors.Wrap(err, "NewTesseractReader: set whitelist")
		}
	}

	log.WithField("language", cfg.Language).Info("Plate reader (Tesseract) initialized")
	return &TesseractReader{client: client}, nil
}

func (r *TesseractReader) ReadText(ctx context.Context, crop gocv.Mat) ([]track.PlateRead, error) {
	if crop.Empty() {
		return nil, errors.New("TesseractReader: empty crop")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	buf, err := gocv.IMEncode(".png", crop)
	if err != nil {
		return nil, errors.Wrap(err, "TesseractReader: encode crop")
	}
	defer buf.Close()

	if err := r.client.SetImageFromBytes(buf.GetBytes()); err != nil {
		return nil, errors.Wrap(err, "TesseractReader: set image")
	}

	boxes, err := r.client.GetBoundingBoxes(gosseract.RIL_TEXTLINE)
	if err != nil {
		return nil, errors.Wrap(err, "TesseractReader: get text lines")
	}

	reads := make([]track.PlateRead, 0, len(boxes))
	for _, b := range boxes {
		text := strings.TrimSpace(b.Word)
		if text == "" {
			continue
		}
		reads = append(reads, track.PlateRead{Text: text, Confidence: b.Confidence / 100.0})
	}

	return reads, nil
}

func (r *TesseractReader) Close() error {
	return r.client.Close()
}
