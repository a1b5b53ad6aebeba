package sink

import (
	"database/sql"
	"os"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
)

const recordsSchema = `
CREATE TABLE records (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	frame_id INTEGER NOT NULL,
	timestamp TEXT,
	vehicle_id INTEGER NOT NULL,
	vehicle_class TEXT NOT NULL,
	detection_confidence REAL DEFAULT 0,
	make_model TEXT NOT NULL,
	make_model_confidence REAL DEFAULT 0,
	license_plate TEXT NOT NULL,
	plate_confidence REAL DEFAULT 0,
	bbox TEXT NOT NULL
);

CREATE INDEX idx_records_vehicle_id ON records(vehicle_id);
CREATE INDEX idx_records_frame_id ON records(frame_id);
`

const insertRecord = `
INSERT INTO records (frame_id, timestamp, vehicle_id, vehicle_class, detection_confidence,
	make_model, make_model_confidence, license_plate, plate_confidence, bbox)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`

//writeSQLite builds a brand new database file holding every record, so each flush is a full overwrite
func writeSQLite(destination string, records []Record) error {
	return stageAndRename(destination, func(tmpPath string, f *os.File) error {
		//sqlite opens the path itself, release our handle on the empty file first
		if err := f.Close(); err != nil {
			return errors.Wrap(err, "close temp file")
		}

		conn, err := sql.Open("sqlite3", tmpPath+"?_journal_mode=DELETE&_busy_timeout=5000")
		if err != nil {
			return errors.Wrap(err, "open database")
		}
		defer conn.Close()
		conn.SetMaxOpenConns(1)

		if _, err := conn.Exec(recordsSchema); err != nil {
			return errors.Wrap(err, "create schema")
		}

		tx, err := conn.Begin()
		if err != nil {
			return errors.Wrap(err, "begin transaction")
		}
		defer tx.Rollback()

		stmt, err := tx.Prepare(insertRecord)
		if err != nil {
			return errors.Wrap(err, "prepare statement")
		}
		defer stmt.Close()

		for _, r := range records {
			row := r.Row()
			if _, err := stmt.Exec(r.FrameID, row[1], int64(r.TrackID), r.ClassLabel, r.DetectionConfidence,
				r.MakeModel, r.MakeModelConfidence, r.PlateText, r.PlateConfidence, row[9]); err != nil {
				return errors.Wrapf(err, "insert record for frame %d", r.FrameID)
			}
		}

		if err := tx.Commit(); err != nil {
			return errors.Wrap(err, "commit")
		}
		return errors.Wrap(conn.Close(), "close database")
	})
}
