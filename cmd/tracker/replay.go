package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"vehicle-tracker/internal/config"
	"vehicle-tracker/internal/db"
	"vehicle-tracker/internal/inference"
	"vehicle-tracker/internal/replay"
	"vehicle-tracker/internal/schedule"
	"vehicle-tracker/internal/tracker"
)

// vehicleReport is the final state of one replayed vehicle.
type vehicleReport struct {
	VehicleID  string                          `json:"vehicleId"`
	State      *inference.InferredLocation     `json:"state,omitempty"`
	Management *inference.ManagementStatus     `json:"management,omitempty"`
	Journey    []inference.JourneyPhaseSummary `json:"journey,omitempty"`
	Details    *inference.Details              `json:"details,omitempty"`
}

type replayReport struct {
	Stats    replay.Stats    `json:"stats"`
	Vehicles []vehicleReport `json:"vehicles"`
}

func doReplay(cmd *cobra.Command, args []string) error {
	paramsFile, _ := cmd.Flags().GetString("params")
	referenceFile, _ := cmd.Flags().GetString("reference")
	dsn, _ := cmd.Flags().GetString("db")
	tzName, _ := cmd.Flags().GetString("tz")
	seed, _ := cmd.Flags().GetUint64("seed")
	withDetails, _ := cmd.Flags().GetBool("details")

	loc := time.Local
	if tzName != "" {
		var err error
		if loc, err = time.LoadLocation(tzName); err != nil {
			return fmt.Errorf("invalid tz: %w", err)
		}
	}

	f, err := os.Open(args[0])
	if err != nil {
		return err
	}
	defer f.Close()
	recs, err := replay.ReadRecords(f, loc)
	if err != nil {
		return fmt.Errorf("read trace %s: %w", args[0], err)
	}

	src := tracker.Sources{
		Params:    func() (*config.Params, error) { return config.LoadParams(paramsFile) },
		Reference: func() (*config.Reference, error) { return config.LoadReference(referenceFile) },
	}
	if dsn != "" && len(recs) > 0 {
		sqlDB, err := db.Open(dsn)
		if err != nil {
			return fmt.Errorf("db open: %w", err)
		}
		defer sqlDB.Close()
		at := time.UnixMilli(recs[0].BestTimestamp()).In(loc)
		src.Graph = func(ctx context.Context) (*schedule.Graph, error) {
			return db.FetchGraph(ctx, sqlDB, at)
		}
	}

	tr := tracker.New(tracker.Options{Seed: seed})
	if err := tr.Refresh(cmd.Context(), src); err != nil {
		return err
	}
	st, err := replay.Run(cmd.Context(), tr, recs)
	if err != nil {
		return err
	}
	return writeReport(cmd.OutOrStdout(), tr, st, withDetails)
}

func writeReport(w io.Writer, tr *tracker.Tracker, st replay.Stats, withDetails bool) error {
	rep := replayReport{Stats: st, Vehicles: []vehicleReport{}}
	for _, vid := range tr.Vehicles() {
		vr := vehicleReport{
			VehicleID:  vid,
			State:      tr.CurrentState(vid),
			Management: tr.ManagementState(vid),
			Journey:    tr.JourneySummaries(vid),
		}
		if withDetails {
			if d, ok := tr.Details(vid); ok {
				vr.Details = &d
			}
		}
		rep.Vehicles = append(rep.Vehicles, vr)
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(rep)
}
