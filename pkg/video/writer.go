package video

import (
	"path/filepath"

	"github.com/pkg/errors"
	"gocv.io/x/gocv"

	"github.com/chenBenjamin97/vehicle-scanner/pkg/utils"
)

const defaultFPS = 30

//Writer stores annotated frames in a video container, one output frame per processed input frame
type Writer struct {
	vw   *gocv.VideoWriter
	path string
}

//NewWriter creates the output video. codec is a fourcc such as "mp4v" or "XVID".
func NewWriter(path, codec string, props Props) (*Writer, error) {
	if err := utils.EnsureDir(filepath.Dir(path)); err != nil {
		return nil, err
	}
	if codec == "" {
		codec = "mp4v"
	}

	fps := props.FPS
	if fps <= 0 {
		fps = defaultFPS //live devices often report 0
	}

	vw, err := gocv.VideoWriterFile(path, codec, fps, props.Width, props.Height, true)
	if err != nil {
		return nil, errors.Wrapf(err, "NewWriter: could not create '%s'", path)
	}
	if !vw.IsOpened() {
		vw.Close()
		return nil, errors.Errorf("NewWriter: could not open '%s' with codec %s", path, codec)
	}

	return &Writer{vw: vw, path: path}, nil
}

func (w *Writer) Write(frame gocv.Mat) error {
	return errors.Wrapf(w.vw.Write(frame), "Writer: '%s'", w.path)
}

func (w *Writer) Path() string { return w.path }

func (w *Writer) Close() error {
	return w.vw.Close()
}
