package video

import (
	"fmt"
	"image"
	"image/color"

	"github.com/pkg/errors"
	"gocv.io/x/gocv"

	"github.com/chenBenjamin97/vehicle-scanner/pkg/sink"
	"github.com/chenBenjamin97/vehicle-scanner/pkg/utils"
)

var (
	vehicleColor = color.RGBA{0, 255, 0, 0}
	textColor    = color.RGBA{0, 0, 0, 0}
	counterColor = color.RGBA{0, 0, 255, 0}
	frameColor   = color.RGBA{255, 255, 255, 0}
)

//Overlay is the frame wide text drawn next to the vehicles
type Overlay struct {
	Distinct int
	FrameID  int
	//ShowFrame adds the frame counter, live sessions draw it
	ShowFrame bool
}

//PlotRecords draws every record of the current frame on it (box, make/model or class above, plate below)
//and the running total of distinct vehicles in the top left corner
func PlotRecords(frame *gocv.Mat, recs []sink.Record, ov Overlay) error {
	for _, rec := range recs {
		if err := plotVehicle(frame, rec); err != nil {
			return err
		}
	}

	total := fmt.Sprintf("Total Vehicles: %d", ov.Distinct)
	if err := gocv.PutText(frame, total, image.Pt(10, 30), gocv.FontHersheySimplex, 1, counterColor, 2); err != nil {
		return errors.Wrap(err, "PlotRecords: counter")
	}
	if ov.ShowFrame {
		counter := fmt.Sprintf("Frame: %d", ov.FrameID)
		if err := gocv.PutText(frame, counter, image.Pt(10, 60), gocv.FontHersheySimplex, 0.6, frameColor, 1); err != nil {
			return errors.Wrap(err, "PlotRecords: frame counter")
		}
	}
	return nil
}

func plotVehicle(frame *gocv.Mat, rec sink.Record) error {
	box := rec.BBox.Crop(frame.Cols(), frame.Rows())
	if box.Empty() {
		return nil
	}

	if err := gocv.Rectangle(frame, box, vehicleColor, 2); err != nil {
		return errors.Wrapf(err, "plotVehicle: box of %d", rec.TrackID)
	}

	label := rec.MakeModel
	if label == utils.UnknownLabel || label == "" {
		label = rec.ClassLabel
	}
	size := gocv.GetTextSize(label, gocv.FontHersheySimplex, 0.6, 2)
	background := image.Rect(box.Min.X, box.Min.Y-size.Y-10, box.Min.X+size.X, box.Min.Y)
	if err := gocv.Rectangle(frame, background, vehicleColor, -1); err != nil { //thickness -1 == filled rectangle
		return errors.Wrapf(err, "plotVehicle: label background of %d", rec.TrackID)
	}
	if err := gocv.PutText(frame, label, image.Pt(box.Min.X, box.Min.Y-5), gocv.FontHersheySimplex, 0.6, textColor, 2); err != nil {
		return errors.Wrapf(err, "plotVehicle: label of %d", rec.TrackID)
	}

	if rec.PlateText != utils.UnknownLabel && rec.PlateText != "" {
		plate := "Plate: " + rec.PlateText
		if err := gocv.PutText(frame, plate, image.Pt(box.Min.X, box.Max.Y+20), gocv.FontHersheySimplex, 0.6, vehicleColor, 2); err != nil {
			return errors.Wrapf(err, "plotVehicle: plate of %d", rec.TrackID)
		}
	}

	return nil
}
