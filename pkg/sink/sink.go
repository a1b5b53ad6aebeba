//Package sink accumulates fused records for a session and persists them.
package sink

import (
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/chenBenjamin97/vehicle-scanner/pkg/track"
	"github.com/chenBenjamin97/vehicle-scanner/pkg/utils"
)

//StorageError reports a flush destination that could not be written.
//The in-memory records are untouched, so the flush can be retried elsewhere.
type StorageError struct {
	Destination string
	Err         error
}

func (e *StorageError) Error() string {
	return "sink: could not write '" + e.Destination + "': " + e.Err.Error()
}

func (e *StorageError) Unwrap() error { return e.Err }

//Summary aggregates a record sequence the way the session report shows it
type Summary struct {
	Records        int
	UniqueVehicles int
	PlatesRead     int
}

//Sink is the append-only record sequence of one session.
//Appends come from the session goroutine only; reads and flushes may come from anywhere.
type Sink struct {
	mu      sync.RWMutex
	records []Record
	flushes int
}

func New() *Sink {
	return &Sink{records: make([]Record, 0, 256)}
}

func (s *Sink) Append(rec Record) {
	s.mu.Lock()
	s.records = append(s.records, rec)
	s.mu.Unlock()
}

//Records returns a copy of every record appended so far, in append order
func (s *Sink) Records() []Record {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Record, len(s.records))
	copy(out, s.records)
	return out
}

func (s *Sink) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

//Flushes is the number of successful flushes
func (s *Sink) Flushes() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.flushes
}

//Flush writes every record to destination, replacing whatever was there.
//The file format follows the extension: .db/.sqlite/.sqlite3 write a SQLite table, anything else CSV.
//Output is staged in a temporary file next to destination and renamed into place,
//so a reader never observes a partially written file.
func (s *Sink) Flush(destination string) error {
	if destination == "" {
		return &StorageError{Destination: destination, Err: errors.New("empty destination")}
	}

	//snapshot under the read lock, then write without holding it
	records := s.Records()

	if err := utils.EnsureDir(filepath.Dir(destination)); err != nil {
		return &StorageError{Destination: destination, Err: err}
	}

	var err error
	switch strings.ToLower(filepath.Ext(destination)) {
	case ".db", ".sqlite", ".sqlite3":
		err = writeSQLite(destination, records)
	default:
		err = writeCSV(destination, records)
	}
	if err != nil {
		return &StorageError{Destination: destination, Err: err}
	}

	s.mu.Lock()
	s.flushes++
	s.mu.Unlock()

	log.WithFields(log.Fields{"destination": destination, "records": len(records)}).Info("Sink: results saved")
	return nil
}

//Summary counts records, distinct vehicles and records with a known plate
func (s *Sink) Summary() Summary {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := make(map[track.ID]struct{})
	sum := Summary{Records: len(s.records)}
	for _, r := range s.records {
		seen[r.TrackID] = struct{}{}
		if r.PlateText != utils.UnknownLabel && r.PlateText != "" {
			sum.PlatesRead++
		}
	}
	sum.UniqueVehicles = len(seen)
	return sum
}

//stageAndRename runs write against a fresh temporary file in the destination directory and moves it into place
func stageAndRename(destination string, write func(tmpPath string, f *os.File) error) error {
	tmp, err := os.CreateTemp(filepath.Dir(destination), "."+filepath.Base(destination)+".tmp-*")
	if err != nil {
		return errors.Wrap(err, "create temp file")
	}
	tmpPath := tmp.Name()

	if err := write(tmpPath, tmp); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil && !errors.Is(err, os.ErrClosed) {
		os.Remove(tmpPath)
		return errors.Wrap(err, "close temp file")
	}
	if err := os.Rename(tmpPath, destination); err != nil {
		os.Remove(tmpPath)
		return errors.Wrap(err, "rename temp file")
	}

	return nil
}
