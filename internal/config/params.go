package config

import (
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Params are the runtime-tunable inference parameters. A Params value is
// never mutated once published through a ParamStore.
type Params struct {
	// Reset if no record arrived within this window, whatever the sign code.
	AutomaticResetWindow time.Duration `yaml:"automaticResetWindow" validate:"gt=0"`
	// Reset if the sign code changed and no record arrived within this window.
	OptionalResetWindow time.Duration `yaml:"optionalResetWindow" validate:"gt=0"`
	// Records further back in time than this reset the filter instead of being dropped.
	BackInTimeLimit time.Duration `yaml:"backInTimeLimit" validate:"gt=0"`

	OffRouteDistance float64       `yaml:"offRouteDistance" validate:"gt=0"` // meters
	StalledTimeout   time.Duration `yaml:"stalledTimeout" validate:"gt=0"`

	ParticleCount int           `yaml:"particleCount" validate:"gte=1,lte=100000"`
	APCExpiry     time.Duration `yaml:"apcExpiry" validate:"gt=0"`

	Model ModelParams `yaml:"model"`
}

// ModelParams tune the default motion and observation model. A matched
// vehicle's offset from its block is scored as a mixture of GPS noise and a
// wider detour component of weight OffRouteWeight.
type ModelParams struct {
	GPSSigma            float64       `yaml:"gpsSigma" validate:"gt=0"`      // meters
	OffRouteSigma       float64       `yaml:"offRouteSigma" validate:"gt=0"` // meters
	OffRouteWeight      float64       `yaml:"offRouteWeight" validate:"gte=0,lte=1"`
	CandidateRadius     float64       `yaml:"candidateRadius" validate:"gt=0"` // meters
	ScheduleWindow      time.Duration `yaml:"scheduleWindow" validate:"gte=0"`
	MotionThreshold     float64       `yaml:"motionThreshold" validate:"gte=0"` // meters
	ProgressSigma       float64       `yaml:"progressSigma" validate:"gt=0"`    // meters
	DeviationSigma      time.Duration `yaml:"deviationSigma" validate:"gt=0"`
	OffBlockDistance    float64       `yaml:"offBlockDistance" validate:"gt=0"` // meters
	UnmatchedLikelihood float64       `yaml:"unmatchedLikelihood" validate:"gte=0"`
	UnmatchedFraction   float64       `yaml:"unmatchedFraction" validate:"gte=0,lte=1"`
	SignCodeMismatch    float64       `yaml:"signCodeMismatch" validate:"gte=0,lte=1"`
	BacktrackPenalty    float64       `yaml:"backtrackPenalty" validate:"gte=0,lte=1"`
	AttachProbability   float64       `yaml:"attachProbability" validate:"gte=0,lte=1"`
	DetachProbability   float64       `yaml:"detachProbability" validate:"gte=0,lte=1"`
}

func DefaultParams() Params {
	return Params{
		AutomaticResetWindow: 20 * time.Minute,
		OptionalResetWindow:  10 * time.Minute,
		BackInTimeLimit:      5 * time.Minute,
		OffRouteDistance:     200,
		StalledTimeout:       900 * time.Second,
		ParticleCount:        200,
		APCExpiry:            15 * time.Minute,
		Model: ModelParams{
			GPSSigma:            40,
			OffRouteSigma:       250,
			OffRouteWeight:      0.2,
			CandidateRadius:     400,
			ScheduleWindow:      45 * time.Minute,
			MotionThreshold:     20,
			ProgressSigma:       75,
			DeviationSigma:      20 * time.Minute,
			OffBlockDistance:    500,
			UnmatchedLikelihood: 5e-5,
			UnmatchedFraction:   0.1,
			SignCodeMismatch:    0.05,
			BacktrackPenalty:    0.5,
			AttachProbability:   0.2,
			DetachProbability:   0.02,
		},
	}
}

// LoadParams reads a YAML params file over the defaults. An empty path
// returns the defaults.
func LoadParams(path string) (*Params, error) {
	p := DefaultParams()
	if path == "" {
		return &p, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parse params %s: %w", path, err)
	}
	if err := validator.New().Struct(p); err != nil {
		return nil, fmt.Errorf("validate params %s: %w", path, err)
	}
	return &p, nil
}

// ParamStore publishes the current Params; readers never see a partial update.
type ParamStore struct {
	cur atomic.Pointer[Params]
}

func NewParamStore(p *Params) *ParamStore {
	s := &ParamStore{}
	s.Swap(p)
	return s
}

func (s *ParamStore) Load() *Params { return s.cur.Load() }

func (s *ParamStore) Swap(p *Params) {
	if p == nil {
		d := DefaultParams()
		p = &d
	}
	s.cur.Store(p)
}
