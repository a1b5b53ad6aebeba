package sink

import (
	"bufio"
	"encoding/csv"
	"os"

	"github.com/pkg/errors"
)

func writeCSV(destination string, records []Record) error {
	return stageAndRename(destination, func(_ string, f *os.File) error {
		buf := bufio.NewWriter(f)
		w := csv.NewWriter(buf)

		if err := w.Write(Columns); err != nil {
			return errors.Wrap(err, "write csv header")
		}
		for _, r := range records {
			if err := w.Write(r.Row()); err != nil {
				return errors.Wrapf(err, "write csv row for frame %d", r.FrameID)
			}
		}

		w.Flush()
		if err := w.Error(); err != nil {
			return errors.Wrap(err, "flush csv")
		}
		if err := buf.Flush(); err != nil {
			return errors.Wrap(err, "flush csv buffer")
		}
		return errors.Wrap(f.Sync(), "sync csv")
	})
}
