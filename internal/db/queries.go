package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"vehicle-tracker/internal/gtfs"
)

var weekdayColumns = [...]string{"sunday", "monday", "tuesday", "wednesday", "thursday", "friday", "saturday"}

// fetchActiveServiceIDs returns the services running on day: calendar
// entries for its weekday plus added exceptions, minus removed ones.
func fetchActiveServiceIDs(ctx context.Context, db *sql.DB, day time.Time) ([]string, error) {
	// Boolean and exception columns are compared as text; importers store
	// them as 0/1, booleans or enum labels.
	q := `
SELECT service_id FROM calendar
WHERE start_date <= $1::date AND end_date >= $1::date
  AND ` + weekdayColumns[day.Weekday()] + `::text IN ('1','t','true','available')
UNION
SELECT service_id FROM calendar_dates
WHERE date = $1::date AND exception_type::text IN ('1','added')
EXCEPT
SELECT service_id FROM calendar_dates
WHERE date = $1::date AND exception_type::text IN ('2','removed')`

	rows, err := db.QueryContext(ctx, q, day.Format("2006-01-02"))
	if err != nil {
		return nil, fmt.Errorf("query active services: %w", err)
	}
	defer rows.Close()
	var svc []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		svc = append(svc, s)
	}
	return svc, rows.Err()
}

func fetchTrips(ctx context.Context, db *sql.DB, l layout, serviceIDs []string) ([]gtfs.Trip, error) {
	q := `SELECT t.trip_id, t.route_id, COALESCE(t.shape_id, ''), t.service_id,
                 COALESCE(t.direction_id::text, ''), ` + l.tripColumns() + `
          FROM trips t WHERE t.service_id = ANY($1)
          ORDER BY t.trip_id`
	rows, err := db.QueryContext(ctx, q, serviceIDs)
	if err != nil {
		return nil, fmt.Errorf("query trips: %w", err)
	}
	defer rows.Close()

	var trips []gtfs.Trip
	for rows.Next() {
		var t gtfs.Trip
		if err := rows.Scan(&t.TripID, &t.RouteID, &t.ShapeID, &t.ServiceID, &t.DirectionID, &t.BlockID, &t.RunID); err != nil {
			return nil, err
		}
		trips = append(trips, t)
	}
	return trips, rows.Err()
}

// fetchStopTimes loads the stop times of every trip of the given services in
// one pass, keyed by trip id and ordered by stop sequence.
func fetchStopTimes(ctx context.Context, db *sql.DB, l layout, serviceIDs []string) (map[string][]gtfs.StopTime, error) {
	q := `SELECT st.trip_id, st.stop_sequence,
                 COALESCE(st.arrival_time::text, ''),
                 COALESCE(st.departure_time::text, ''),
                 COALESCE(st.shape_dist_traveled, 0),
                 st.stop_id, ` + l.stopCoords() + `
          FROM stop_times st
          JOIN trips t ON t.trip_id = st.trip_id
          JOIN stops s ON s.stop_id = st.stop_id
          WHERE t.service_id = ANY($1)
          ORDER BY st.trip_id, st.stop_sequence`
	rows, err := db.QueryContext(ctx, q, serviceIDs)
	if err != nil {
		return nil, fmt.Errorf("query stop_times: %w", err)
	}
	defer rows.Close()

	out := make(map[string][]gtfs.StopTime)
	for rows.Next() {
		var tripID, arr, dep string
		var st gtfs.StopTime
		if err := rows.Scan(&tripID, &st.StopSequence, &arr, &dep, &st.ShapeDistTraveled, &st.StopID, &st.StopLat, &st.StopLon); err != nil {
			return nil, err
		}
		st.ArrivalSec = parseDaySeconds(arr)
		st.DepartureSec = parseDaySeconds(dep)
		out[tripID] = append(out[tripID], st)
	}
	return out, rows.Err()
}

// fetchShapes loads the points of the given shapes keyed by shape id.
func fetchShapes(ctx context.Context, db *sql.DB, l layout, shapeIDs []string) (map[string][]gtfs.ShapePoint, error) {
	out := make(map[string][]gtfs.ShapePoint)
	if len(shapeIDs) == 0 {
		return out, nil
	}
	q := `SELECT sh.shape_id, ` + l.shapeCoords() + `, sh.shape_pt_sequence,
                 COALESCE(sh.shape_dist_traveled, 0)
          FROM shapes sh WHERE sh.shape_id = ANY($1)
          ORDER BY sh.shape_id, sh.shape_pt_sequence`
	rows, err := db.QueryContext(ctx, q, shapeIDs)
	if err != nil {
		return nil, fmt.Errorf("query shapes: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var id string
		var p gtfs.ShapePoint
		if err := rows.Scan(&id, &p.Lat, &p.Lon, &p.Sequence, &p.DistTraveled); err != nil {
			return nil, err
		}
		out[id] = append(out[id], p)
	}
	return out, rows.Err()
}
