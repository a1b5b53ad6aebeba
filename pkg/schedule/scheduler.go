//Package schedule decides which expensive per-vehicle analyses are due on a frame.
package schedule

import (
	"image"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

//Decision tells the caller which analyses to run for one detection on one frame
type Decision struct {
	Classify bool
	Read     bool
}

//Scheduler is a stateless cadence policy: classification every ClassifyEvery frames, plate reading on
//frames where classification is due and the frame is also a multiple of ReadEvery.
type Scheduler struct {
	classifyEvery int
	readEvery     int
}

func New(classifyEvery, readEvery int) (*Scheduler, error) {
	if classifyEvery <= 0 {
		return nil, errors.Errorf("schedule: classification cadence must be positive, got %d", classifyEvery)
	}
	if readEvery <= 0 {
		return nil, errors.Errorf("schedule: plate reading cadence must be positive, got %d", readEvery)
	}
	if readEvery%classifyEvery != 0 {
		log.Warnf("schedule: plate cadence %d is not a multiple of classification cadence %d, plates are read every %d frames",
			readEvery, classifyEvery, lcm(classifyEvery, readEvery))
	}

	return &Scheduler{classifyEvery: classifyEvery, readEvery: readEvery}, nil
}

//Decide evaluates the policy for frameID. crop is the detection's box clamped to the frame;
//an empty crop never triggers an analysis.
func (s *Scheduler) Decide(frameID int, crop image.Rectangle) Decision {
	if crop.Empty() {
		return Decision{}
	}

	d := Decision{Classify: frameID%s.classifyEvery == 0}
	d.Read = d.Classify && frameID%s.readEvery == 0
	return d
}

func (s *Scheduler) ClassifyEvery() int { return s.classifyEvery }

func (s *Scheduler) ReadEvery() int { return s.readEvery }

func lcm(a, b int) int {
	x, y := a, b
	for y != 0 {
		x, y = y, x%y
	}
	return a / x * b
}
