package db

import (
	"context"
	"database/sql"
	"fmt"
)

// layout records which optional GTFS columns an import carries. Imports made
// with PostGIS store geography columns instead of plain lat/lon pairs.
type layout struct {
	tripBlocks  bool
	tripRuns    bool
	stopLatLon  bool
	shapeLatLon bool
}

func introspect(ctx context.Context, db *sql.DB) (layout, error) {
	cols, err := tableColumns(ctx, db, "trips", "stops", "shapes")
	if err != nil {
		return layout{}, fmt.Errorf("introspect schema: %w", err)
	}
	l := layout{
		tripBlocks:  cols["trips.block_id"],
		tripRuns:    cols["trips.run_id"],
		stopLatLon:  cols["stops.stop_lat"] && cols["stops.stop_lon"],
		shapeLatLon: cols["shapes.shape_pt_lat"] && cols["shapes.shape_pt_lon"],
	}
	if !l.stopLatLon && !cols["stops.stop_loc"] {
		return l, fmt.Errorf("stops table missing expected columns (stop_lat/lon or stop_loc)")
	}
	if !l.shapeLatLon && !cols["shapes.shape_pt_loc"] {
		return l, fmt.Errorf("shapes table missing expected columns (shape_pt_lat/lon or shape_pt_loc)")
	}
	return l, nil
}

// tableColumns returns the set of "table.column" names of the given tables in
// the public schema.
func tableColumns(ctx context.Context, db *sql.DB, tables ...string) (map[string]bool, error) {
	rows, err := db.QueryContext(ctx, `SELECT table_name, column_name FROM information_schema.columns
          WHERE table_schema = 'public' AND table_name = ANY($1)`, tables)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := make(map[string]bool)
	for rows.Next() {
		var table, col string
		if err := rows.Scan(&table, &col); err != nil {
			return nil, err
		}
		res[table+"."+col] = true
	}
	return res, rows.Err()
}

func (l layout) tripColumns() string {
	block, run := "''", "''"
	if l.tripBlocks {
		block = "COALESCE(t.block_id::text, '')"
	}
	if l.tripRuns {
		run = "COALESCE(t.run_id::text, '')"
	}
	return block + ", " + run
}

func (l layout) stopCoords() string {
	if l.stopLatLon {
		return "COALESCE(s.stop_lat, 0), COALESCE(s.stop_lon, 0)"
	}
	return "COALESCE(ST_Y(s.stop_loc::geometry), 0), COALESCE(ST_X(s.stop_loc::geometry), 0)"
}

func (l layout) shapeCoords() string {
	if l.shapeLatLon {
		return "sh.shape_pt_lat, sh.shape_pt_lon"
	}
	return "ST_Y(sh.shape_pt_loc::geometry), ST_X(sh.shape_pt_loc::geometry)"
}
