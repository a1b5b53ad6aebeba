package video

import (
	"os"
	"strconv"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"gocv.io/x/gocv"

	"github.com/chenBenjamin97/vehicle-scanner/pkg/utils"
)

//SourceError reports a frame source that could not be opened or read
type SourceError struct {
	Source string
	Err    error
}

func (e *SourceError) Error() string {
	return "video: source '" + e.Source + "': " + e.Err.Error()
}

func (e *SourceError) Unwrap() error { return e.Err }

//Source yields frames in order. Read returns false once a finite source is exhausted.
type Source interface {
	Read(dst *gocv.Mat) (bool, error)
	Props() Props
	Name() string
	Close() error
}

type captureSource struct {
	cap  *gocv.VideoCapture
	name string
	live bool
}

//OpenFile opens a stored video for batch processing
func OpenFile(path string) (Source, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, &SourceError{Source: path, Err: err}
	}

	cap, err := gocv.VideoCaptureFile(path)
	if err != nil {
		return nil, &SourceError{Source: path, Err: err}
	}
	if !cap.IsOpened() {
		cap.Close()
		return nil, &SourceError{Source: path, Err: errors.New("could not open video")}
	}

	return &captureSource{cap: cap, name: path}, nil
}

//OpenDevice opens a live source: a camera index ("0", "1") or a stream URL (rtsp://, http://).
//Non positive width or height fall back to 1280x720.
func OpenDevice(source string, width, height int) (Source, error) {
	if width <= 0 || height <= 0 {
		width, height = utils.LiveFrameWidth, utils.LiveFrameHeight
	}

	var device interface{} = source
	if idx, err := strconv.Atoi(source); err == nil {
		device = idx
	}

	cap, err := gocv.OpenVideoCapture(device)
	if err != nil {
		return nil, &SourceError{Source: source, Err: err}
	}
	if !cap.IsOpened() {
		cap.Close()
		return nil, &SourceError{Source: source, Err: errors.New("could not open camera source")}
	}

	cap.Set(gocv.VideoCaptureFrameWidth, float64(width))
	cap.Set(gocv.VideoCaptureFrameHeight, float64(height))
	log.WithField("source", source).Info("Camera opened successfully")

	return &captureSource{cap: cap, name: source, live: true}, nil
}

func (s *captureSource) Read(dst *gocv.Mat) (bool, error) {
	if s.cap.Read(dst) && !dst.Empty() {
		return true, nil
	}

	//a file simply ends, a live stream is not supposed to
	if s.live {
		return false, &SourceError{Source: s.name, Err: errors.New("failed to grab frame")}
	}
	return false, nil
}

func (s *captureSource) Props() Props {
	return Props{
		FPS:    s.cap.Get(gocv.VideoCaptureFPS),
		Width:  int(s.cap.Get(gocv.VideoCaptureFrameWidth)),
		Height: int(s.cap.Get(gocv.VideoCaptureFrameHeight)),
	}
}

func (s *captureSource) Name() string { return s.name }

func (s *captureSource) Close() error {
	return s.cap.Close()
}
