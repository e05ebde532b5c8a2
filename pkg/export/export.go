// Package export writes audit records for offline analysis.
package export

import (
	"encoding/csv"
	"encoding/json"
	"io"
	"strconv"
	"time"

	"github.com/kilianp07/fleetalloc/core/allocation/audit"
)

var csvHeader = []string{"revision", "timestamp", "kind", "vehicle_id", "job_id", "event_id"}

// WriteJSON writes the records to w as JSON lines.
func WriteJSON(w io.Writer, recs []audit.Record) error {
	enc := json.NewEncoder(w)
	for _, r := range recs {
		if err := enc.Encode(r); err != nil {
			return err
		}
	}
	return nil
}

// WriteCSV writes one row per record with a header line.
func WriteCSV(w io.Writer, recs []audit.Record) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return err
	}
	for _, r := range recs {
		rec := []string{
			strconv.FormatUint(r.Event.Revision, 10),
			r.Timestamp.UTC().Format(time.RFC3339Nano),
			string(r.Event.Kind),
			r.Event.VehicleID,
			r.Event.JobID,
			r.Event.ID,
		}
		if err := cw.Write(rec); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}
