package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"vehicle-tracker/internal/config"
	"vehicle-tracker/internal/db"
	"vehicle-tracker/internal/inference"
	"vehicle-tracker/internal/listener"
	"vehicle-tracker/internal/logging"
	"vehicle-tracker/internal/metrics"
	"vehicle-tracker/internal/occupancy"
	"vehicle-tracker/internal/publisher"
	"vehicle-tracker/internal/schedule"
	"vehicle-tracker/internal/tracker"
)

func doServe(cmd *cobra.Command, args []string) error {
	// Load configuration from .env and environment
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config error: %w", err)
	}
	closer := logging.InitLogging(cfg.LogFile)
	defer closer.Close()

	// Root context with cancellation on SIGINT/SIGTERM
	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var sdb *scheduleDB
	if cfg.DatabaseURL != "" {
		sdb, err = openScheduleDB(ctx, cfg)
		if err != nil {
			return err
		}
		defer sdb.Close()
	} else {
		log.Printf("no database configured, running without a schedule")
	}

	// Metrics setup
	var mcol *metrics.Collector
	if cfg.MetricsAddr != "" {
		mcol = metrics.NewCollector(cfg.RefreshInterval, cfg.Workers)
		srv := mcol.Serve(cfg.MetricsAddr)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	pub, err := publisher.NewNATSPublisher(cfg.NATSURL, cfg.InferredSubjectPrefix, cfg.LogNATSSubjects, publisherMetrics(mcol), cfg.NATSStreamName)
	if err != nil {
		return fmt.Errorf("nats error: %w", err)
	}
	defer pub.Close()

	params, err := config.LoadParams(cfg.ParamsFile)
	if err != nil {
		return err
	}
	paramStore := config.NewParamStore(params)
	cache := occupancy.NewCache(params.APCExpiry)
	go cache.Start()
	defer cache.Stop()

	tr := tracker.New(tracker.Options{
		Params:    paramStore,
		Occupancy: cache,
		Publisher: pub,
		Metrics:   trackerMetrics(mcol),
		Workers:   cfg.Workers,
	})
	src := tracker.Sources{
		Params:    func() (*config.Params, error) { return config.LoadParams(cfg.ParamsFile) },
		Reference: func() (*config.Reference, error) { return config.LoadReference(cfg.ReferenceFile) },
	}
	if sdb != nil {
		src.Graph = sdb.FetchGraph
	}
	tr.Start()
	tr.StartRefresher(ctx, cfg.RefreshInterval, src)
	defer tr.Stop()

	// Start periodic city DB watcher (every 30 minutes) if CITY is set
	var done chan struct{}
	if sdb != nil && cfg.City != "" {
		done = make(chan struct{})
		go func() {
			defer close(done)
			sdb.watch(ctx, 30*time.Minute, mcol, func() {
				_ = tr.Refresh(ctx, tracker.Sources{Graph: sdb.FetchGraph})
			})
		}()
	}

	lm := listenerMetrics(mcol)
	raw, err := listener.Start(listener.Config{
		URL: cfg.NATSURL, Subject: cfg.RawSubject, QueueGroup: cfg.QueueGroup, Name: "vehicle-tracker-raw",
	}, func(rec inference.RawRecord) {
		if !tr.Dispatch(rec) {
			log.Printf("tracker stopped, dropping record for vid=%s", rec.VehicleID)
		}
	}, lm)
	if err != nil {
		return fmt.Errorf("raw listener: %w", err)
	}
	defer raw.Close()

	apc, err := listener.Start(listener.Config{
		URL: cfg.NATSURL, Subject: cfg.APCSubject, Name: "vehicle-tracker-apc",
	}, func(l occupancy.VehicleLoad) { _ = tr.HandleLoad(l) }, lm)
	if err != nil {
		return fmt.Errorf("apc listener: %w", err)
	}
	defer apc.Close()

	if cfg.BypassSubject != "" {
		bypass, err := listener.Start(listener.Config{
			URL: cfg.NATSURL, Subject: cfg.BypassSubject, QueueGroup: cfg.QueueGroup, Name: "vehicle-tracker-bypass",
		}, func(loc inference.InferredLocation) {
			if err := tr.HandleBypassUpdate(loc); err != nil {
				log.Printf("bypass update error: %v", err)
			}
		}, lm)
		if err != nil {
			return fmt.Errorf("bypass listener: %w", err)
		}
		defer bypass.Close()
	}

	// Block until context cancelled
	<-ctx.Done()
	if done != nil {
		<-done
	}
	log.Println("shutting down")
	return nil
}

var errNoScheduleDB = errors.New("schedule database closed")

// scheduleDB is the database the schedule graph is loaded from. With a city
// set it follows the latest successful import of that city.
type scheduleDB struct {
	cfg *config.Config

	mu   sync.RWMutex
	db   *sql.DB
	name string
}

func openScheduleDB(ctx context.Context, cfg *config.Config) (*scheduleDB, error) {
	s := &scheduleDB{cfg: cfg}
	finalDSN := cfg.DatabaseURL
	if cfg.City != "" {
		name, dsn, err := db.LatestImport(ctx, cfg.DatabaseURL, cfg.City)
		if err != nil {
			return nil, fmt.Errorf("resolve latest import for city %q: %w", cfg.City, err)
		}
		s.name, finalDSN = name, dsn
		log.Printf("Using database %q for city %q", name, cfg.City)
	}
	sqlDB, err := db.Open(finalDSN)
	if err != nil {
		return nil, fmt.Errorf("db open (city) error: %w", err)
	}
	if err := db.Ping(ctx, sqlDB); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("db ping (city) error: %w", err)
	}
	s.db = sqlDB
	return s, nil
}

func (s *scheduleDB) FetchGraph(ctx context.Context) (*schedule.Graph, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.db == nil {
		return nil, errNoScheduleDB
	}
	return db.FetchGraph(ctx, s.db, time.Now().In(s.cfg.Location))
}

func (s *scheduleDB) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db != nil {
		s.db.Close()
		s.db = nil
	}
}

// watch checks the city database every interval and switches to a newer
// import, or reconnects when the current one stops answering. switched runs
// after every switch.
func (s *scheduleDB) watch(ctx context.Context, interval time.Duration, mcol *metrics.Collector, switched func()) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		s.mu.RLock()
		cur, curName := s.db, s.name
		s.mu.RUnlock()

		// 1) Ping current DB; if it fails, force re-resolve
		needSwitch := false
		if err := db.Ping(ctx, cur); err != nil {
			log.Printf("db ping failed: %v, re-resolving city DB", err)
			if mcol != nil {
				mcol.DBSwitches.WithLabelValues("ping_failure").Inc()
			}
			needSwitch = true
		}

		// 2) Always re-resolve latest import, compare db_name
		newName, newDSN, err := db.LatestImport(ctx, s.cfg.DatabaseURL, s.cfg.City)
		if err != nil {
			log.Printf("resolve latest import error: %v", err)
			continue
		}
		if newName != curName {
			log.Printf("Detected updated DB for city %q: %q -> %q", s.cfg.City, curName, newName)
			if mcol != nil {
				mcol.DBSwitches.WithLabelValues("update").Inc()
			}
			needSwitch = true
		}
		if !needSwitch {
			continue
		}

		newDB, err := db.Open(newDSN)
		if err != nil {
			log.Printf("open new DB error: %v", err)
			continue
		}
		if err := db.Ping(ctx, newDB); err != nil {
			log.Printf("ping new DB error: %v", err)
			newDB.Close()
			continue
		}

		s.mu.Lock()
		old := s.db
		s.db, s.name = newDB, newName
		s.mu.Unlock()
		if old != nil {
			old.Close()
		}
		log.Printf("Switched to DB %q for city %q", newName, s.cfg.City)
		switched()
	}
}

// The collector satisfies each package's metric interface; a nil collector
// must reach them as a nil interface.

func trackerMetrics(c *metrics.Collector) tracker.Metrics {
	if c == nil {
		return nil
	}
	return c
}

func publisherMetrics(c *metrics.Collector) publisher.PublisherMetrics {
	if c == nil {
		return nil
	}
	return c
}

func listenerMetrics(c *metrics.Collector) listener.ListenerMetrics {
	if c == nil {
		return nil
	}
	return c
}
