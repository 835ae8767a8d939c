package inference

import (
	"math"
	"strings"
)

// RawRecord is one telemetry message from a vehicle. Latitude and Longitude
// are nil when the device reported no fix.
type RawRecord struct {
	VehicleID           string   `json:"vehicleId"`
	Time                int64    `json:"time"`         // device time, epoch ms
	TimeReceived        int64    `json:"timeReceived"` // receipt time, epoch ms
	Latitude            *float64 `json:"latitude"`
	Longitude           *float64 `json:"longitude"`
	Bearing             float64  `json:"bearing"`
	DestinationSignCode string   `json:"destinationSignCode,omitempty"`
	OperatorID          string   `json:"operatorId,omitempty"`
	RunNumber           string   `json:"runNumber,omitempty"`
	RunRouteID          string   `json:"runRouteId,omitempty"`
	EmergencyFlag       bool     `json:"emergencyFlag"`
}

// BestTimestamp is the later of device and receipt time.
func (r RawRecord) BestTimestamp() int64 {
	return max(r.Time, r.TimeReceived)
}

// LocationMissing reports whether either coordinate is absent.
func (r RawRecord) LocationMissing() bool {
	return r.Latitude == nil || r.Longitude == nil ||
		math.IsNaN(*r.Latitude) || math.IsNaN(*r.Longitude)
}

// ReportedRunID joins the run route and run number the way run ids are
// keyed in the schedule ("route-number").
func (r RawRecord) ReportedRunID() string {
	if r.RunNumber == "" {
		return ""
	}
	if r.RunRouteID == "" {
		return r.RunNumber
	}
	return r.RunRouteID + "-" + r.RunNumber
}

// trimmedDSC returns the sign code with surrounding blanks removed.
func (r RawRecord) trimmedDSC() string {
	return strings.TrimSpace(r.DestinationSignCode)
}

func ptr[T any](v T) *T { return &v }
