package model

import (
	"bytes"
	"encoding/gob"

	"github.com/pkg/errors"
)

// WarmupLinear ramps the learning rate linearly from zero over
// WarmupSteps, then decays it linearly to zero at TotalSteps. The rate
// it reports is a multiplier applied to the optimizer's base LR by the
// caller, or read directly for telemetry.
type WarmupLinear struct {
	BaseLR      float64
	WarmupSteps int64
	TotalSteps  int64

	state schedulerState
}

type schedulerState struct {
	Step int64
}

func NewWarmupLinear(baseLR float64, warmupSteps, totalSteps int64) *WarmupLinear {
	return &WarmupLinear{
		BaseLR:      baseLR,
		WarmupSteps: warmupSteps,
		TotalSteps:  totalSteps,
	}
}

func (s *WarmupLinear) Step() {
	s.state.Step++
}

func (s *WarmupLinear) LastLR() float64 {
	t := s.state.Step
	if t == 0 {
		return 0
	}
	if t <= s.WarmupSteps {
		return s.BaseLR * float64(t) / float64(s.WarmupSteps)
	}
	if t >= s.TotalSteps {
		return 0
	}
	return s.BaseLR * float64(s.TotalSteps-t) / float64(s.TotalSteps-s.WarmupSteps)
}

func (s *WarmupLinear) State() ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(s.state); err != nil {
		return nil, errors.Wrap(err, "encode scheduler state")
	}
	return buf.Bytes(), nil
}

func (s *WarmupLinear) Restore(state []byte) error {
	return errors.Wrap(gob.NewDecoder(bytes.NewReader(state)).Decode(&s.state), "decode scheduler state")
}
