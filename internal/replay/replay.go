// Package replay feeds recorded vehicle traces through the tracker offline.
package replay

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log"
	"strconv"
	"strings"
	"time"

	"vehicle-tracker/internal/inference"
)

// TimeLayout is the layout of the dt column. Plain integers are read as
// epoch milliseconds.
const TimeLayout = "2006-01-02 15:04:05"

var ErrMissingColumn = errors.New("missing column")

type Handler interface {
	HandleRecord(rec inference.RawRecord) error
}

// Stats summarises one replay.
type Stats struct {
	Records int `json:"records"`
	Failed  int `json:"failed"`
}

// ReadRecords parses a trace with a header row naming at least vid, dt, lat,
// lon and dsc. operator and run are optional. Blank coordinates are kept as
// missing locations.
func ReadRecords(r io.Reader, loc *time.Location) ([]inference.RawRecord, error) {
	if loc == nil {
		loc = time.Local
	}
	csvr := csv.NewReader(r)
	csvr.FieldsPerRecord = -1
	csvr.TrimLeadingSpace = true

	head, err := csvr.Read()
	if err == io.EOF {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	idx := func(col string) int {
		for i, h := range head {
			if strings.EqualFold(strings.TrimSpace(h), col) {
				return i
			}
		}
		return -1
	}
	vid, dt, lat, lon, dsc := idx("vid"), idx("dt"), idx("lat"), idx("lon"), idx("dsc")
	for name, i := range map[string]int{"vid": vid, "dt": dt, "lat": lat, "lon": lon, "dsc": dsc} {
		if i < 0 {
			return nil, fmt.Errorf("%w: %s", ErrMissingColumn, name)
		}
	}
	operator, run := idx("operator"), idx("run")

	var out []inference.RawRecord
	for line := 2; ; line++ {
		row, err := csvr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		field := func(i int) string {
			if i < 0 || i >= len(row) {
				return ""
			}
			return strings.TrimSpace(row[i])
		}
		ts, err := parseTime(field(dt), loc)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		rec := inference.RawRecord{
			VehicleID:           field(vid),
			Time:                ts,
			TimeReceived:        ts,
			DestinationSignCode: field(dsc),
			OperatorID:          field(operator),
			RunNumber:           field(run),
		}
		if rec.Latitude, err = parseCoord(field(lat)); err != nil {
			return nil, fmt.Errorf("line %d: lat: %w", line, err)
		}
		if rec.Longitude, err = parseCoord(field(lon)); err != nil {
			return nil, fmt.Errorf("line %d: lon: %w", line, err)
		}
		out = append(out, rec)
	}
	return out, nil
}

func parseTime(s string, loc *time.Location) (int64, error) {
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		return ms, nil
	}
	t, err := time.ParseInLocation(TimeLayout, s, loc)
	if err != nil {
		return 0, fmt.Errorf("parse dt %q: %w", s, err)
	}
	return t.UnixMilli(), nil
}

func parseCoord(s string) (*float64, error) {
	if s == "" {
		return nil, nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil, err
	}
	return &v, nil
}

// Run hands every record to h in order. Records h rejects are counted and
// the replay goes on; it stops early only when ctx is done.
func Run(ctx context.Context, h Handler, recs []inference.RawRecord) (Stats, error) {
	var st Stats
	for _, rec := range recs {
		if err := ctx.Err(); err != nil {
			return st, err
		}
		st.Records++
		if err := h.HandleRecord(rec); err != nil {
			st.Failed++
		}
	}
	log.Printf("replayed %d records (%d failed)", st.Records, st.Failed)
	return st, nil
}
