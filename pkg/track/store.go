package track

import (
	"sort"
	"sync"
)

//Options tunes the store's memory policy
type Options struct {
	//RetentionFrames bounds how long a track that stopped being detected stays resident.
	//Zero keeps every track for the whole session.
	RetentionFrames int
}

//Store owns every Track and AnalysisState of a session.
//Only the session goroutine writes; the mutex lets the control surface read while a session runs.
type Store struct {
	mu       sync.RWMutex
	opts     Options
	tracks   map[ID]*Track
	states   map[ID]*AnalysisState
	distinct int
}

func NewStore(opts Options) *Store {
	return &Store{
		opts:   opts,
		tracks: make(map[ID]*Track),
		states: make(map[ID]*AnalysisState),
	}
}

//Upsert registers a sighting of id at frameID. The boolean is true when the track was created by this call.
func (s *Store) Upsert(id ID, classLabel string, frameID int) (Track, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if t, ok := s.tracks[id]; ok {
		if classLabel != "" {
			t.ClassLabel = classLabel
		}
		t.LastSeenFrame = frameID
		return *t, false
	}

	t := &Track{ID: id, ClassLabel: classLabel, CreatedAtFrame: frameID, LastSeenFrame: frameID}
	s.tracks[id] = t
	s.distinct++
	return *t, true
}

//Get returns the resident track for id
func (s *Store) Get(id ID) (Track, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.tracks[id]
	if !ok {
		return Track{}, false
	}
	return *t, true
}

//State returns a copy of the analysis state for id, creating an empty one on first access
func (s *Store) State(id ID) AnalysisState {
	s.mu.Lock()
	defer s.mu.Unlock()

	return copyState(s.stateLocked(id))
}

//RecordClassification overwrites the cached make/model of id. The most recent result always wins.
func (s *Store) RecordClassification(id ID, label string, confidence float64, frameID int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.stateLocked(id)
	st.LastClassification = &Classification{Label: label, Confidence: confidence}
	st.LastClassifiedAtFrame = frameID
}

//RecordPlate overwrites the cached plate read of id. The most recent result always wins.
func (s *Store) RecordPlate(id ID, text string, confidence float64, frameID int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.stateLocked(id)
	st.LastPlateRead = &PlateRead{Text: text, Confidence: confidence}
	st.LastReadAtFrame = frameID
}

//KnownIDs returns the resident track ids in ascending order
func (s *Store) KnownIDs() []ID {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]ID, 0, len(s.tracks))
	for id := range s.tracks {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

//Distinct is the number of tracks ever created this session. Eviction never lowers it.
func (s *Store) Distinct() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.distinct
}

//Len is the number of resident tracks
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.tracks)
}

//Evict forgets tracks not seen within the retention window ending at frameID and returns how many were dropped.
//It is a no-op when RetentionFrames is zero.
func (s *Store) Evict(frameID int) int {
	if s.opts.RetentionFrames <= 0 {
		return 0
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	evicted := 0
	for id, t := range s.tracks {
		if frameID-t.LastSeenFrame > s.opts.RetentionFrames {
			delete(s.tracks, id)
			delete(s.states, id)
			evicted++
		}
	}
	return evicted
}

func (s *Store) stateLocked(id ID) *AnalysisState {
	st, ok := s.states[id]
	if !ok {
		st = newAnalysisState()
		s.states[id] = st
	}
	return st
}

func copyState(st *AnalysisState) AnalysisState {
	out := *st
	if st.LastClassification != nil {
		c := *st.LastClassification
		out.LastClassification = &c
	}
	if st.LastPlateRead != nil {
		p := *st.LastPlateRead
		out.LastPlateRead = &p
	}
	return out
}
