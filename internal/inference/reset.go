package inference

import (
	"fmt"
	"time"

	"vehicle-tracker/internal/config"
)

// ResetAction is what to do with the existing belief before applying a record.
type ResetAction int

const (
	Continue ResetAction = iota
	ResetAndContinue
	ResetAndClearObservation
	Drop
)

func (a ResetAction) String() string {
	switch a {
	case Continue:
		return "CONTINUE"
	case ResetAndContinue:
		return "RESET_AND_CONTINUE"
	case ResetAndClearObservation:
		return "RESET_AND_CLEAR_OBSERVATION"
	case Drop:
		return "DROP"
	default:
		return fmt.Sprintf("ResetAction(%d)", int(a))
	}
}

type ResetDecision struct {
	Action ResetAction
	Reason string
}

type ResetPolicy struct {
	AutomaticWindow time.Duration
	OptionalWindow  time.Duration
	BackInTimeLimit time.Duration
}

func PolicyFromParams(p *config.Params) ResetPolicy {
	return ResetPolicy{
		AutomaticWindow: p.AutomaticResetWindow,
		OptionalWindow:  p.OptionalResetWindow,
		BackInTimeLimit: p.BackInTimeLimit,
	}
}

// Decide classifies a record with effective timestamp t (epoch ms).
// lastUpdated is the filter's last update time, 0 if it has none; prev may
// be nil.
func (p ResetPolicy) Decide(lastUpdated int64, prev *Observation, rec RawRecord, t int64) ResetDecision {
	if lastUpdated > 0 && t < lastUpdated {
		back := time.Duration(lastUpdated-t) * time.Millisecond
		if back > p.BackInTimeLimit {
			return ResetDecision{
				Action: ResetAndClearObservation,
				Reason: fmt.Sprintf("record is %s back in time", back),
			}
		}
		return ResetDecision{Action: Drop, Reason: "out-of-order record"}
	}

	if prev == nil {
		return ResetDecision{Action: Continue}
	}

	delta := time.Duration(t-prev.time) * time.Millisecond
	if delta < 0 {
		delta = -delta
	}
	dscChanged := prev.record.DestinationSignCode != rec.trimmedDSC()
	if delta > p.AutomaticWindow || (dscChanged && delta > p.OptionalWindow) {
		return ResetDecision{
			Action: ResetAndClearObservation,
			Reason: fmt.Sprintf("it's been %d seconds since the previous update", int64(delta/time.Second)),
		}
	}

	last := prev.record
	if last.OperatorID != rec.OperatorID || last.RunNumber != rec.RunNumber {
		return ResetDecision{Action: ResetAndContinue, Reason: "operatorId or reported runId has changed"}
	}
	return ResetDecision{Action: Continue}
}
