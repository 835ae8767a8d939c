// Package db loads the static schedule from a GTFS import in PostgreSQL.
package db

import (
	"context"
	"database/sql"
	"log"
	"sort"
	"strconv"
	"strings"
	"time"

	"vehicle-tracker/internal/gtfs"
	"vehicle-tracker/internal/schedule"

	_ "github.com/jackc/pgx/v5/stdlib"
)

func Open(dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(30 * time.Minute)
	return db, nil
}

func Ping(ctx context.Context, db *sql.DB) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return db.PingContext(ctx)
}

// FetchGraph loads the schedule graph for the service dates a vehicle may be
// running at now: yesterday (for trips past midnight) and today.
func FetchGraph(ctx context.Context, db *sql.DB, now time.Time) (*schedule.Graph, error) {
	var all []gtfs.BlockInstance
	for _, day := range []time.Time{midnight(now).AddDate(0, 0, -1), midnight(now)} {
		bis, err := FetchBlockInstances(ctx, db, day)
		if err != nil {
			return nil, err
		}
		all = append(all, bis...)
	}
	return schedule.NewGraph(all), nil
}

// FetchBlockInstances returns the blocks active on the given service date.
// Trips without a block_id run as a block of their own.
func FetchBlockInstances(ctx context.Context, db *sql.DB, day time.Time) ([]gtfs.BlockInstance, error) {
	l, err := introspect(ctx, db)
	if err != nil {
		return nil, err
	}
	serviceIDs, err := fetchActiveServiceIDs(ctx, db, day)
	if err != nil {
		return nil, err
	}
	if len(serviceIDs) == 0 {
		log.Printf("no active services for %s", day.Format("2006-01-02"))
		return nil, nil
	}
	trips, err := fetchTrips(ctx, db, l, serviceIDs)
	if err != nil {
		return nil, err
	}
	stopTimes, err := fetchStopTimes(ctx, db, l, serviceIDs)
	if err != nil {
		return nil, err
	}
	shapeSet := make(map[string]struct{})
	for _, t := range trips {
		if t.ShapeID != "" {
			shapeSet[t.ShapeID] = struct{}{}
		}
	}
	shapeIDs := make([]string, 0, len(shapeSet))
	for id := range shapeSet {
		shapeIDs = append(shapeIDs, id)
	}
	shapes, err := fetchShapes(ctx, db, l, shapeIDs)
	if err != nil {
		return nil, err
	}

	data := make([]schedule.TripData, 0, len(trips))
	for _, t := range trips {
		sts := stopTimes[t.TripID]
		if len(sts) == 0 {
			continue
		}
		data = append(data, schedule.TripData{Trip: t, StopTimes: sts, Shape: shapes[t.ShapeID]})
	}
	bis := groupBlocks(midnight(day).UnixMilli(), data)
	log.Printf("loaded %d blocks (%d trips, %d shapes) for %s", len(bis), len(data), len(shapes), day.Format("2006-01-02"))
	return bis, nil
}

// groupBlocks assembles the trips of one service date into block instances
// ordered by block id.
func groupBlocks(serviceDate int64, trips []schedule.TripData) []gtfs.BlockInstance {
	byBlock := make(map[string][]schedule.TripData)
	for _, td := range trips {
		id := td.Trip.BlockID
		if id == "" {
			id = td.Trip.TripID
		}
		byBlock[id] = append(byBlock[id], td)
	}
	ids := make([]string, 0, len(byBlock))
	for id := range byBlock {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([]gtfs.BlockInstance, 0, len(ids))
	for _, id := range ids {
		b := schedule.BuildBlock(id, byBlock[id])
		if len(b.Trips) == 0 {
			continue
		}
		out = append(out, gtfs.BlockInstance{Block: b, ServiceDate: serviceDate})
	}
	return out
}

func midnight(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

// parseDaySeconds parses a GTFS time of day (H:MM[:SS], hours may pass 24)
// into seconds. Unparseable values are 0.
func parseDaySeconds(s string) int {
	hh, rest, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok {
		return 0
	}
	mm, ss, _ := strings.Cut(rest, ":")
	h, err := strconv.Atoi(hh)
	if err != nil {
		return 0
	}
	m, _ := strconv.Atoi(mm)
	sec, _ := strconv.Atoi(ss)
	return max(h*3600+m*60+sec, 0)
}
