package pipeline

//State is the lifecycle stage of a session
type State int32

const (
	StateInit State = iota
	StateRunning
	StateStopRequested
	StateSourceExhausted
	StateFlushing
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateRunning:
		return "running"
	case StateStopRequested:
		return "stop_requested"
	case StateSourceExhausted:
		return "source_exhausted"
	case StateFlushing:
		return "flushing"
	case StateTerminated:
		return "terminated"
	default:
		return "invalid"
	}
}

//Mode selects how frames are numbered and which controls a session accepts
type Mode int

const (
	//Batch processes a stored video, frame ids are the 0-based frame index
	Batch Mode = iota
	//Live processes a device or stream until stopped, frame ids count from 1 and records carry a timestamp
	Live
)

func (m Mode) String() string {
	if m == Live {
		return "live"
	}
	return "batch"
}

//ParseMode accepts "batch" and "live"
func ParseMode(s string) (Mode, bool) {
	switch s {
	case "batch", "":
		return Batch, true
	case "live":
		return Live, true
	}
	return Batch, false
}
