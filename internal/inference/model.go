package inference

import (
	"math"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geo"
	"gonum.org/v1/gonum/stat/distuv"

	"vehicle-tracker/internal/config"
	"vehicle-tracker/internal/gtfs"
	"vehicle-tracker/internal/particlefilter"
	"vehicle-tracker/internal/schedule"
)

// Model is the motion and observation model an Instance filters with.
type Model = particlefilter.Model[*VehicleState, *Observation]

type GraphSource interface {
	Load() *schedule.Graph
}

type ParamSource interface {
	Load() *config.Params
}

// blockEndTolerance is how close (meters) to either end of a block counts as
// being at that end.
const blockEndTolerance = 1.0

// ScheduleModel matches vehicles against the scheduled blocks near them.
// It memoises the candidate lookup for the current observation, so one
// ScheduleModel must not be shared between instances.
type ScheduleModel struct {
	graphs GraphSource
	params ParamSource

	memoObs   *Observation
	memoGraph *schedule.Graph
	memoCands []schedule.Candidate
}

func NewScheduleModel(graphs GraphSource, params ParamSource) *ScheduleModel {
	return &ScheduleModel{graphs: graphs, params: params}
}

func (m *ScheduleModel) candidates(obs *Observation) (*schedule.Graph, []schedule.Candidate) {
	g := m.graphs.Load()
	if m.memoObs == obs && m.memoGraph == g {
		return g, m.memoCands
	}
	mp := m.params.Load().Model
	m.memoCands = g.CandidateBlocks(obs.Location(), obs.Time(), mp.CandidateRadius, int(mp.ScheduleWindow/time.Second))
	m.memoObs = obs
	m.memoGraph = g
	return g, m.memoCands
}

func (m *ScheduleModel) Initialize(ts int64, obs *Observation, n int, rng *rand.Rand) ([]*VehicleState, error) {
	mp := m.params.Load().Model
	g, cands := m.candidates(obs)
	motion := MotionState{LastInMotionTime: ts, LastInMotionLocation: obs.Location()}

	unmatched := n
	if len(cands) > 0 && n > 1 {
		unmatched = min(max(1, int(math.Round(float64(n)*mp.UnmatchedFraction))), n-1)
	}
	noise := distuv.Normal{Mu: 0, Sigma: mp.GPSSigma, Src: rng}

	out := make([]*VehicleState, 0, n)
	for i := 0; i < n-unmatched; i++ {
		c := cands[rng.IntN(len(cands))]
		out = append(out, m.matched(g, mp, c.Instance, c.DistanceAlongBlock+noise.Rand(), obs, ts, motion, JourneyState{}, 1))
	}
	for i := 0; i < unmatched; i++ {
		out = append(out, unmatchedState(obs, ts, motion, JourneyState{}))
	}
	return out, nil
}

func (m *ScheduleModel) Transition(prev *VehicleState, ts int64, obs *Observation, rng *rand.Rand) (*VehicleState, error) {
	mp := m.params.Load().Model
	here := obs.Location()

	motion := prev.Motion
	if geo.Distance(motion.LastInMotionLocation, here) > mp.MotionThreshold {
		motion = MotionState{LastInMotionTime: ts, LastInMotionLocation: here}
	}

	g, cands := m.candidates(obs)
	if prev.Block == nil {
		if len(cands) > 0 && rng.Float64() < mp.AttachProbability {
			c := cands[rng.IntN(len(cands))]
			noise := distuv.Normal{Mu: 0, Sigma: mp.GPSSigma, Src: rng}
			return m.matched(g, mp, c.Instance, c.DistanceAlongBlock+noise.Rand(), obs, ts, motion, prev.Journey, 1), nil
		}
		return unmatchedState(obs, ts, motion, prev.Journey), nil
	}
	if rng.Float64() < mp.DetachProbability {
		return unmatchedState(obs, ts, motion, prev.Journey), nil
	}

	moved := 0.0
	if prev.Observation != nil {
		moved = geo.Distance(prev.Observation.Location(), here)
	}
	d := prev.Block.Location.DistanceAlongBlock
	continuity := 1.0
	if moved > mp.MotionThreshold {
		step := distuv.Normal{Mu: moved, Sigma: mp.ProgressSigma, Src: rng}.Rand()
		if step < 0 {
			continuity = mp.BacktrackPenalty
		}
		d += step
	}
	return m.matched(g, mp, prev.Block.Instance, d, obs, ts, motion, prev.Journey, continuity), nil
}

func (m *ScheduleModel) Likelihood(s *VehicleState, obs *Observation) float64 {
	mp := m.params.Load().Model
	if s.Block == nil {
		return mp.UnmatchedLikelihood
	}

	bs := s.Block
	l := s.continuity
	switch s.Journey.Phase {
	case PhaseInProgress, PhaseLayoverBefore, PhaseLayoverDuring, PhaseDeadheadAfter:
		offset := geo.Distance(obs.Location(), orb.Point{bs.Location.Lon, bs.Location.Lat})
		l *= offsetLikelihood(offset, mp)
	default:
		l *= mp.UnmatchedLikelihood
	}

	if len(obs.routes) > 0 && !m.servesRoutes(bs.Instance, obs) {
		l *= mp.SignCodeMismatch
	}
	if s.Journey.Phase == PhaseInProgress {
		sec := float64((obs.Time() - bs.Instance.ServiceDate) / 1000)
		dev := distuv.Normal{Mu: 0, Sigma: mp.DeviationSigma.Seconds()}
		l *= math.Exp(dev.LogProb(sec-float64(bs.Location.ScheduledTime)) - dev.LogProb(0))
	}
	return l
}

// offsetLikelihood scores the distance between a vehicle and its block
// position. The detour component keeps a vehicle a few hundred meters off
// its route more likely matched than unmatched.
func offsetLikelihood(offset float64, mp config.ModelParams) float64 {
	gps := distuv.Normal{Mu: 0, Sigma: mp.GPSSigma}.Prob(offset)
	detour := distuv.Normal{Mu: 0, Sigma: mp.OffRouteSigma}.Prob(offset)
	return (1-mp.OffRouteWeight)*gps + mp.OffRouteWeight*detour
}

func (m *ScheduleModel) servesRoutes(bi gtfs.BlockInstance, obs *Observation) bool {
	for id := range m.graphs.Load().RoutesForBlock(bi.ID()) {
		if obs.HasRouteCollection(id) {
			return true
		}
	}
	return false
}

func (m *ScheduleModel) matched(g *schedule.Graph, mp config.ModelParams, bi gtfs.BlockInstance, d float64,
	obs *Observation, ts int64, motion MotionState, journey JourneyState, continuity float64) *VehicleState {
	d = min(max(d, 0), bi.Block.TotalDistance)
	loc := schedule.LocateAtDistance(bi, d)
	bs := &BlockState{Instance: bi, Location: loc}
	if loc.ActiveTrip != nil {
		bs.RunID = loc.ActiveTrip.RunID
	}
	bs.OpAssigned = opAssigned(obs.record, bs.RunID)
	if obs.lastValidDSC != "" && len(obs.routes) > 0 {
		for id := range g.RoutesForBlock(bi.ID()) {
			if obs.HasRouteCollection(id) {
				bs.DestinationSignCode = obs.lastValidDSC
				break
			}
		}
	}
	phase := blockPhase(obs, bs, ts, mp)
	return &VehicleState{
		Motion:      motion,
		Journey:     journey.advance(phase, ts, bi.ID()),
		Block:       bs,
		Observation: obs,
		continuity:  continuity,
	}
}

func unmatchedState(obs *Observation, ts int64, motion MotionState, journey JourneyState) *VehicleState {
	phase := PhaseDeadheadBefore
	if obs.atBase {
		phase = PhaseAtBase
	}
	return &VehicleState{
		Motion:      motion,
		Journey:     journey.advance(phase, ts, ""),
		Observation: obs,
		continuity:  1,
	}
}

func blockPhase(obs *Observation, bs *BlockState, ts int64, mp config.ModelParams) Phase {
	if obs.atBase {
		return PhaseAtBase
	}
	bi := bs.Instance
	loc := bs.Location
	sec := int((ts - bi.ServiceDate) / 1000)

	switch {
	case loc.DistanceAlongBlock <= blockEndTolerance && sec < bi.StartSec():
		if obs.atTerminal {
			return PhaseLayoverBefore
		}
		return PhaseDeadheadBefore
	case loc.DistanceAlongBlock >= bi.Block.TotalDistance-blockEndTolerance && sec > bi.EndSec():
		return PhaseDeadheadAfter
	case geo.Distance(obs.Location(), orb.Point{loc.Lon, loc.Lat}) > mp.OffBlockDistance:
		return PhaseDeadheadDuring
	}

	if obs.atTerminal && loc.ActiveTrip != nil {
		along, _ := loc.DistanceAlongTrip()
		if along <= mp.GPSSigma && sec < loc.ActiveTrip.FirstDeparture() {
			if loc.ActiveTrip.Sequence == 0 {
				return PhaseLayoverBefore
			}
			return PhaseLayoverDuring
		}
	}
	if obs.outOfService {
		return PhaseDeadheadDuring
	}
	return PhaseInProgress
}

// opAssigned compares the reported run against the block's run; nil when
// either side is unknown.
func opAssigned(rec RawRecord, runID string) *bool {
	if rec.RunNumber == "" || runID == "" {
		return nil
	}
	ok := runID == rec.ReportedRunID() || runID == rec.RunNumber ||
		strings.HasSuffix(runID, "-"+rec.RunNumber)
	return &ok
}
