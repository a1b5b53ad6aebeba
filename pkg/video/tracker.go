package video

import (
	"bufio"
	"context"
	"encoding/binary"
	"io"
	"os"
	"os/exec"
	"sync"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/vmihailenco/msgpack/v5"
	"gocv.io/x/gocv"

	"github.com/chenBenjamin97/vehicle-scanner/pkg/track"
)

//maxMessageSize guards against a corrupted length prefix
const maxMessageSize = 64 << 20

//generationShift moves the worker generation above the 32 bits left to worker track ids
const generationShift = 32

//Tracker is the detection + tracking capability: it finds objects in a frame and keeps their identity across calls
type Tracker interface {
	Track(ctx context.Context, frameID int, frame gocv.Mat) ([]RawDetection, error)
}

//ProcessConfig describes how to launch the tracking worker
type ProcessConfig struct {
	Command     string
	Args        []string
	Env         []string //added to the parent environment
	JPEGQuality int
}

//ProcessTracker drives an external detector + tracker (for instance YOLO with ByteTrack) running as a child
//process. Every frame is sent on stdin as a length prefixed msgpack request and answered on stdout with one
//length prefixed msgpack response; prefixes are 4 bytes big endian.
//A call that fails mid-exchange leaves the stream out of sync, so the process is restarted on the next call.
//A restarted worker numbers its tracks from scratch; ids are tagged with the worker generation so they
//never collide with ids handed out before the restart.
type ProcessTracker struct {
	cfg ProcessConfig

	mu         sync.Mutex
	generation int64
	spawned    bool
	cmd        *exec.Cmd
	stdin  io.WriteCloser
	stdout *bufio.Reader
	wg     sync.WaitGroup
}

//StartProcessTracker launches the worker
func StartProcessTracker(cfg ProcessConfig) (*ProcessTracker, error) {
	if cfg.Command == "" {
		return nil, errors.New("StartProcessTracker: empty command")
	}
	if cfg.JPEGQuality <= 0 {
		cfg.JPEGQuality = 90
	}

	p := &ProcessTracker{cfg: cfg}
	if err := p.spawn(); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *ProcessTracker) spawn() error {
	cmd := exec.Command(p.cfg.Command, p.cfg.Args...)
	if len(p.cfg.Env) > 0 {
		cmd.Env = append(os.Environ(), p.cfg.Env...)
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return errors.Wrap(err, "ProcessTracker: stdin pipe")
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return errors.Wrap(err, "ProcessTracker: stdout pipe")
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return errors.Wrap(err, "ProcessTracker: stderr pipe")
	}

	if err := cmd.Start(); err != nil {
		return errors.Wrapf(err, "ProcessTracker: could not start '%s'", p.cfg.Command)
	}

	if p.spawned {
		p.generation++
	}
	p.spawned = true
	p.cmd = cmd
	p.stdin = stdin
	p.stdout = bufio.NewReader(stdout)

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		//worker logs go to stderr, stdout is reserved for responses
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
			log.WithField("pid", cmd.Process.Pid).Debugf("tracker: %s", scanner.Text())
		}
	}()

	log.WithFields(log.Fields{"command": p.cfg.Command, "pid": cmd.Process.Pid, "generation": p.generation}).Info("Tracker worker started")
	return nil
}

func (p *ProcessTracker) Track(ctx context.Context, frameID int, frame gocv.Mat) ([]RawDetection, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cmd == nil {
		if err := p.spawn(); err != nil {
			return nil, err
		}
	}

	buf, err := gocv.IMEncodeWithParams(".jpg", frame, []int{int(gocv.IMWriteJpegQuality), p.cfg.JPEGQuality})
	if err != nil {
		return nil, errors.Wrap(err, "ProcessTracker: encode frame")
	}
	req := trackRequest{FrameID: frameID, Width: frame.Cols(), Height: frame.Rows(), Image: append([]byte(nil), buf.GetBytes()...)}
	buf.Close()

	done := make(chan error, 1)
	var resp trackResponse
	stdin, stdout := p.stdin, p.stdout
	go func() {
		if err := writeMessage(stdin, req); err != nil {
			done <- err
			return
		}
		done <- readMessage(stdout, &resp)
	}()

	select {
	case err = <-done:
	case <-ctx.Done():
		err = errors.Wrap(ctx.Err(), "ProcessTracker: waiting for worker")
	}
	if err != nil {
		p.stopLocked()
		return nil, err
	}

	if resp.Error != "" {
		return nil, errors.Errorf("ProcessTracker: worker error on frame %d: %s", frameID, resp.Error)
	}
	if resp.FrameID != frameID {
		p.stopLocked()
		return nil, errors.Errorf("ProcessTracker: response for frame %d while waiting for %d", resp.FrameID, frameID)
	}

	return decodeDetections(resp.Detections, p.generation)
}

//Generation counts worker restarts, 0 for the first worker
func (p *ProcessTracker) Generation() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.generation
}

//Close stops the worker
func (p *ProcessTracker) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopLocked()
	return nil
}

func (p *ProcessTracker) stopLocked() {
	if p.cmd == nil {
		return
	}

	p.stdin.Close()
	if p.cmd.Process != nil {
		p.cmd.Process.Kill()
	}
	if err := p.cmd.Wait(); err != nil {
		log.Debugf("ProcessTracker: worker exited, got '%v'", err)
	}
	p.wg.Wait()
	p.cmd = nil
}

//decodeDetections converts worker detections; worker ids keep their low 32 bits under the generation tag
func decodeDetections(wire []wireDetection, generation int64) ([]RawDetection, error) {
	out := make([]RawDetection, 0, len(wire))
	for i, w := range wire {
		if len(w.BBox) != 4 {
			return nil, errors.Errorf("ProcessTracker: detection %d has %d bbox values, want 4", i, len(w.BBox))
		}

		d := RawDetection{
			BBox:       track.BBox{X1: w.BBox[0], Y1: w.BBox[1], X2: w.BBox[2], Y2: w.BBox[3]},
			ClassLabel: w.Class,
			Confidence: w.Confidence,
		}
		if w.TrackID != nil {
			id := track.ID(generation<<generationShift | *w.TrackID&(1<<generationShift-1))
			d.TrackID = &id
		}
		out = append(out, d)
	}
	return out, nil
}

func writeMessage(w io.Writer, v interface{}) error {
	payload, err := msgpack.Marshal(v)
	if err != nil {
		return errors.Wrap(err, "marshal message")
	}

	prefix := make([]byte, 4)
	binary.BigEndian.PutUint32(prefix, uint32(len(payload)))
	if _, err := w.Write(prefix); err != nil {
		return errors.Wrap(err, "write length prefix")
	}
	if _, err := w.Write(payload); err != nil {
		return errors.Wrap(err, "write message")
	}
	return nil
}

func readMessage(r io.Reader, v interface{}) error {
	prefix := make([]byte, 4)
	if _, err := io.ReadFull(r, prefix); err != nil {
		return errors.Wrap(err, "read length prefix")
	}

	n := binary.BigEndian.Uint32(prefix)
	if n > maxMessageSize {
		return errors.Errorf("message of %d bytes exceeds limit", n)
	}

	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return errors.Wrap(err, "read message")
	}
	return errors.Wrap(msgpack.Unmarshal(payload, v), "unmarshal message")
}
