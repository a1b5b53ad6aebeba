package track

import (
	"image"
	"math"
)

//ID is the identity the tracking capability assigns to one physical vehicle
type ID int64

//Track is the lifecycle record of one identity within a session
type Track struct {
	ID             ID
	ClassLabel     string
	CreatedAtFrame int
	LastSeenFrame  int
}

//BBox is a bounding box in pixel coordinates, (X1,Y1) top-left and (X2,Y2) bottom-right
type BBox struct {
	X1 float64 `json:"x1"`
	Y1 float64 `json:"y1"`
	X2 float64 `json:"x2"`
	Y2 float64 `json:"y2"`
}

//Detection is one vehicle seen in one frame, already bound to a track identity
type Detection struct {
	TrackID    ID
	BBox       BBox
	ClassLabel string
	Confidence float64
}

//Classification is a make/model result
type Classification struct {
	Label      string
	Confidence float64
}

//PlateRead is one licence plate text candidate
type PlateRead struct {
	Text       string
	Confidence float64
}

//AnalysisState caches the most recent analysis results for a track.
//Frame fields are -1 until the matching result is first recorded.
type AnalysisState struct {
	LastClassification    *Classification
	LastPlateRead         *PlateRead
	LastClassifiedAtFrame int
	LastReadAtFrame       int
}

func newAnalysisState() *AnalysisState {
	return &AnalysisState{LastClassifiedAtFrame: -1, LastReadAtFrame: -1}
}

//Crop converts the box to integer pixels and clamps it to a frame of the given size.
//The result is empty when the box has no area inside the frame.
func (b BBox) Crop(frameWidth, frameHeight int) image.Rectangle {
	r := image.Rect(
		int(math.Floor(b.X1)), int(math.Floor(b.Y1)),
		int(math.Floor(b.X2)), int(math.Floor(b.Y2)),
	)

	//image.Rect canonicalises swapped corners, an inverted box is not a valid crop
	if b.X2 <= b.X1 || b.Y2 <= b.Y1 {
		return image.Rectangle{}
	}

	return r.Intersect(image.Rect(0, 0, frameWidth, frameHeight))
}

//Rect returns the box as an unclamped integer rectangle, used for drawing
func (b BBox) Rect() image.Rectangle {
	return image.Rect(int(b.X1), int(b.Y1), int(b.X2), int(b.Y2))
}
