package inference

import (
	"slices"
	"strings"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geo"

	"vehicle-tracker/internal/config"
	"vehicle-tracker/internal/particlefilter"
)

const (
	StatusDefault  = "default"
	StatusDeviated = "deviated"
	StatusStalled  = "stalled"

	// PlaceholderDSC is reported when no sign code could be inferred.
	PlaceholderDSC = "0000"
)

// InferredLocation is the public estimate for one vehicle. Pointer fields are
// absent when the vehicle is unmatched or the value is not trustworthy.
type InferredLocation struct {
	VehicleID     string  `json:"vehicleId"`
	Timestamp     int64   `json:"timestamp"`
	Lat           float64 `json:"lat"` // observed
	Lon           float64 `json:"lon"`
	PositionLat   float64 `json:"positionLat"` // reported position
	PositionLon   float64 `json:"positionLon"`
	Bearing       float64 `json:"bearing"`
	DSC           string  `json:"dsc,omitempty"`
	OperatorID    string  `json:"operatorId,omitempty"`
	ReportedRunID string  `json:"reportedRunId,omitempty"`
	EmergencyFlag bool    `json:"emergencyFlag"`

	Phase  Phase  `json:"inferredPhase"`
	Status string `json:"inferredStatus"`

	BlockID            string   `json:"inferredBlockId,omitempty"`
	TripID             string   `json:"inferredTripId,omitempty"`
	RouteID            string   `json:"inferredRouteId,omitempty"`
	DirectionID        string   `json:"inferredDirectionId,omitempty"`
	RunID              string   `json:"inferredRunId,omitempty"`
	ServiceDate        int64    `json:"inferredServiceDate,omitempty"`
	DistanceAlongBlock *float64 `json:"inferredDistanceAlongBlock,omitempty"`
	DistanceAlongTrip  *float64 `json:"inferredDistanceAlongTrip,omitempty"`
	ScheduleTime       *int     `json:"inferredScheduleTime,omitempty"`
	ScheduleDeviation  *int     `json:"scheduleDeviation,omitempty"` // seconds, late is positive
	BlockLat           *float64 `json:"inferredBlockLat,omitempty"`
	BlockLon           *float64 `json:"inferredBlockLon,omitempty"`
	InferredDSC        string   `json:"inferredDsc"`

	LastUpdateTime         int64 `json:"lastUpdateTime"`
	LastLocationUpdateTime int64 `json:"lastLocationUpdateTime"`
	InferenceEnabled       bool  `json:"inferenceIsEnabled"`
}

// HasStatus reports whether flag is among the record's status flags.
func (l *InferredLocation) HasStatus(flag string) bool {
	return slices.Contains(strings.Split(l.Status, ","), flag)
}

// DetourFunc classifies a projected record as on detour.
type DetourFunc func(*InferredLocation) bool

// DeviatedIsDetour treats an off-route vehicle as detoured.
func DeviatedIsDetour(l *InferredLocation) bool { return l.HasStatus(StatusDeviated) }

// ScheduleDeviation returns actual minus scheduled time in seconds for a
// record at recordTs on the service day starting at serviceDate (both epoch
// ms).
func ScheduleDeviation(recordTs, serviceDate int64, scheduledTime int) int {
	return int((recordTs-serviceDate)/1000) - scheduledTime
}

func project(vid string, p particlefilter.Particle[*VehicleState], params *config.Params, detour DetourFunc) *InferredLocation {
	s := p.Data
	rec := s.Observation.record
	here := s.Observation.Location()

	out := &InferredLocation{
		VehicleID:     vid,
		Timestamp:     p.Timestamp,
		Lat:           here.Lat(),
		Lon:           here.Lon(),
		PositionLat:   here.Lat(),
		PositionLon:   here.Lon(),
		Bearing:       rec.Bearing,
		DSC:           rec.DestinationSignCode,
		OperatorID:    rec.OperatorID,
		ReportedRunID: rec.ReportedRunID(),
		EmergencyFlag: rec.EmergencyFlag,
		Phase:         s.Journey.Phase,
	}

	var flags []string
	if bs := s.Block; bs != nil {
		loc := bs.Location
		out.BlockID = bs.Instance.ID()
		out.RunID = bs.RunID
		out.ServiceDate = bs.Instance.ServiceDate
		out.DistanceAlongBlock = ptr(loc.DistanceAlongBlock)
		out.ScheduleTime = ptr(loc.ScheduledTime)
		out.BlockLat = ptr(loc.Lat)
		out.BlockLon = ptr(loc.Lon)
		if trip := loc.ActiveTrip; trip != nil {
			out.TripID = trip.TripID
			out.RouteID = trip.RouteID
			out.DirectionID = trip.DirectionID
		}
		if along, ok := loc.DistanceAlongTrip(); ok {
			out.DistanceAlongTrip = ptr(along)
		}
		if bs.Formal() {
			out.ScheduleDeviation = ptr(ScheduleDeviation(p.Timestamp, bs.Instance.ServiceDate, loc.ScheduledTime))
		}

		if s.Journey.Phase == PhaseInProgress {
			if geo.Distance(here, orb.Point{loc.Lon, loc.Lat}) > params.OffRouteDistance {
				flags = append(flags, StatusDeviated)
			}
			if (p.Timestamp-s.Motion.LastInMotionTime)/1000 > int64(params.StalledTimeout.Seconds()) {
				flags = append(flags, StatusStalled)
			}
		}
		out.InferredDSC = bs.DestinationSignCode
	}
	if strings.TrimSpace(out.InferredDSC) == "" {
		out.InferredDSC = PlaceholderDSC
	}

	if len(flags) == 0 {
		out.Status = StatusDefault
	} else {
		slices.Sort(flags)
		out.Status = strings.Join(flags, ",")
	}

	onRoute := s.Journey.Phase == PhaseInProgress || s.Journey.Phase.IsLayover()
	if s.Block != nil && onRoute && (detour == nil || !detour(out)) {
		out.PositionLat = *out.BlockLat
		out.PositionLon = *out.BlockLon
	}
	return out
}

// ManagementStatus summarises an instance for operations tooling.
type ManagementStatus struct {
	VehicleID              string  `json:"vehicleId"`
	InferenceEnabled       bool    `json:"inferenceIsEnabled"`
	InferenceIsFormal      bool    `json:"inferenceIsFormal"`
	LastUpdateTime         int64   `json:"lastUpdateTime"`
	LastLocationUpdateTime int64   `json:"lastLocationUpdateTime"`
	MostRecentObservedDSC  string  `json:"mostRecentObservedDestinationSignCode,omitempty"`
	LastValidDSC           string  `json:"lastValidDestinationSignCode,omitempty"`
	LastInferredDSC        string  `json:"lastInferredDestinationSignCode,omitempty"`
	InferredRunID          string  `json:"inferredRunId,omitempty"`
	LastObservedLat        float64 `json:"lastObservedLatitude"`
	LastObservedLon        float64 `json:"lastObservedLongitude"`
	EmergencyFlag          bool    `json:"emergencyFlag"`
}

// ParticleSummary is the printable part of one particle.
type ParticleSummary struct {
	Weight             float64 `json:"weight"`
	Timestamp          int64   `json:"timestamp"`
	Phase              Phase   `json:"phase"`
	BlockID            string  `json:"blockId,omitempty"`
	TripID             string  `json:"tripId,omitempty"`
	DistanceAlongBlock float64 `json:"distanceAlongBlock,omitempty"`
	LastInMotionTime   int64   `json:"lastInMotionTime"`
}

func summarize(p particlefilter.Particle[*VehicleState]) ParticleSummary {
	s := ParticleSummary{
		Weight:           p.Weight,
		Timestamp:        p.Timestamp,
		Phase:            p.Data.Journey.Phase,
		LastInMotionTime: p.Data.Motion.LastInMotionTime,
	}
	if bs := p.Data.Block; bs != nil {
		s.BlockID = bs.Instance.ID()
		s.DistanceAlongBlock = bs.Location.DistanceAlongBlock
		if bs.Location.ActiveTrip != nil {
			s.TripID = bs.Location.ActiveTrip.TripID
		}
	}
	return s
}

// Details is a diagnostic view of the filter. Particles are sorted by
// descending weight.
type Details struct {
	LastObservation       *RawRecord        `json:"lastObservation,omitempty"`
	ParticleFilterFailure bool              `json:"particleFilterFailure"`
	Particles             []ParticleSummary `json:"particles"`
}
