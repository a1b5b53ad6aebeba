package api

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/chenBenjamin97/vehicle-scanner/pkg/pipeline"
)

//Starter builds ready to run sessions, pipeline.Builder in production
type Starter interface {
	Build(req pipeline.Request) (*pipeline.Session, func(), error)
}

type sessionEntry struct {
	id        string
	source    string
	startedAt time.Time
	sess      *pipeline.Session

	mu     sync.Mutex
	runErr error
}

//SessionView is the JSON shape of a session
type SessionView struct {
	ID          string            `json:"id"`
	Source      string            `json:"source"`
	Mode        string            `json:"mode"`
	StartedAt   time.Time         `json:"started_at"`
	ResultsPath string            `json:"results_path"`
	Progress    pipeline.Progress `json:"progress"`
	Summary     *pipeline.Summary `json:"summary,omitempty"`
	Error       string            `json:"error,omitempty"`
}

func (e *sessionEntry) view() SessionView {
	v := SessionView{
		ID:          e.id,
		Source:      e.source,
		Mode:        e.sess.Mode().String(),
		StartedAt:   e.startedAt,
		ResultsPath: e.sess.ResultsPath(),
		Progress:    e.sess.Progress(),
	}
	if v.Progress.State == pipeline.StateTerminated {
		sum := e.sess.Summary()
		v.Summary = &sum
	}

	e.mu.Lock()
	if e.runErr != nil {
		v.Error = e.runErr.Error()
	}
	e.mu.Unlock()
	return v
}

//registry keeps every session started by this process
type registry struct {
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.RWMutex
	sessions map[string]*sessionEntry
}

func newRegistry() *registry {
	ctx, cancel := context.WithCancel(context.Background())
	return &registry{ctx: ctx, cancel: cancel, sessions: make(map[string]*sessionEntry)}
}

//start runs sess in the background and returns its entry
func (r *registry) start(source string, sess *pipeline.Session, cleanup func()) *sessionEntry {
	e := &sessionEntry{id: uuid.NewString(), source: source, startedAt: time.Now(), sess: sess}

	r.mu.Lock()
	r.sessions[e.id] = e
	r.mu.Unlock()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if cleanup != nil {
			defer cleanup()
		}

		_, err := sess.Run(r.ctx)
		if err != nil {
			log.WithField("session", e.id).Errorf("api: session ended with error, got '%v'", err)
		}
		e.mu.Lock()
		e.runErr = err
		e.mu.Unlock()
	}()

	return e
}

func (r *registry) get(id string) (*sessionEntry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.sessions[id]
	return e, ok
}

func (r *registry) list() []*sessionEntry {
	r.mu.RLock()
	out := make([]*sessionEntry, 0, len(r.sessions))
	for _, e := range r.sessions {
		out = append(out, e)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].startedAt.Before(out[j].startedAt) })
	return out
}

//stopAll stops every session and waits for their final flush, or for ctx
func (r *registry) stopAll(ctx context.Context) error {
	r.cancel()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
