package inference

import (
	"fmt"
	"slices"

	"github.com/paulmach/orb"

	"vehicle-tracker/internal/gtfs"
)

type Phase int

const (
	PhaseUnknown Phase = iota
	PhaseInProgress
	PhaseLayoverBefore
	PhaseLayoverDuring
	PhaseDeadheadBefore
	PhaseDeadheadDuring
	PhaseDeadheadAfter
	PhaseAtBase
)

var phaseNames = [...]string{
	PhaseUnknown:        "UNKNOWN",
	PhaseInProgress:     "IN_PROGRESS",
	PhaseLayoverBefore:  "LAYOVER_BEFORE",
	PhaseLayoverDuring:  "LAYOVER_DURING",
	PhaseDeadheadBefore: "DEADHEAD_BEFORE",
	PhaseDeadheadDuring: "DEADHEAD_DURING",
	PhaseDeadheadAfter:  "DEADHEAD_AFTER",
	PhaseAtBase:         "AT_BASE",
}

func (p Phase) String() string {
	if p < 0 || int(p) >= len(phaseNames) {
		return phaseNames[PhaseUnknown]
	}
	return phaseNames[p]
}

func (p Phase) MarshalText() ([]byte, error) { return []byte(p.String()), nil }

func (p *Phase) UnmarshalText(b []byte) error {
	for k, name := range phaseNames {
		if name == string(b) {
			*p = Phase(k)
			return nil
		}
	}
	return fmt.Errorf("unknown phase %q", b)
}

// IsLayover reports LAYOVER_BEFORE and LAYOVER_DURING.
func (p Phase) IsLayover() bool { return p == PhaseLayoverBefore || p == PhaseLayoverDuring }

type MotionState struct {
	LastInMotionTime     int64 // epoch ms
	LastInMotionLocation orb.Point
}

// JourneyPhaseSummary is a contiguous stretch of time spent in one phase.
type JourneyPhaseSummary struct {
	Phase    Phase  `json:"phase"`
	TimeFrom int64  `json:"timeFrom"`
	TimeTo   int64  `json:"timeTo"`
	BlockID  string `json:"blockId,omitempty"`
}

type JourneyState struct {
	Phase     Phase
	Summaries []JourneyPhaseSummary
}

// advance returns the journey after spending time up to ts in phase. The
// receiver's summaries are shared between particles and never modified.
func (j JourneyState) advance(phase Phase, ts int64, blockID string) JourneyState {
	n := len(j.Summaries)
	out := slices.Clone(j.Summaries)
	if n > 0 && out[n-1].Phase == phase && out[n-1].BlockID == blockID {
		out[n-1].TimeTo = ts
	} else {
		out = append(out, JourneyPhaseSummary{Phase: phase, TimeFrom: ts, TimeTo: ts, BlockID: blockID})
	}
	return JourneyState{Phase: phase, Summaries: out}
}

// BlockState is a match against a scheduled block. OpAssigned is nil when it
// is unknown whether the reported run matches the block's run.
type BlockState struct {
	Instance            gtfs.BlockInstance
	Location            gtfs.ScheduledBlockLocation
	DestinationSignCode string
	RunID               string
	OpAssigned          *bool
}

// Formal reports whether the operator assignment is confirmed.
func (b *BlockState) Formal() bool {
	return b != nil && b.OpAssigned != nil && *b.OpAssigned
}

// VehicleState is one particle's belief. Block is nil when the vehicle is
// not matched to any scheduled block.
type VehicleState struct {
	Motion      MotionState
	Journey     JourneyState
	Block       *BlockState
	Observation *Observation

	// continuity scales the likelihood of an implausible block transition
	continuity float64
}
