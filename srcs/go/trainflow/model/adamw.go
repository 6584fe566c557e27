package model

import (
	"bytes"
	"encoding/gob"
	"math"

	"github.com/pkg/errors"
)

// AdamW implements decoupled weight decay Adam over flat parameters.
// Moment buffers are keyed by parameter name so state survives a save
// and restore across process restarts.
type AdamW struct {
	LR          float64
	Beta1       float64
	Beta2       float64
	Eps         float64
	WeightDecay float64

	state adamwState
}

type adamwState struct {
	Step int64
	M    map[string][]float32
	V    map[string][]float32
}

func NewAdamW(lr, weightDecay float64) *AdamW {
	return &AdamW{
		LR:          lr,
		Beta1:       0.9,
		Beta2:       0.999,
		Eps:         1e-8,
		WeightDecay: weightDecay,
		state: adamwState{
			M: make(map[string][]float32),
			V: make(map[string][]float32),
		},
	}
}

// SetLR lets a scheduler drive the learning rate between steps.
func (o *AdamW) SetLR(lr float64) {
	o.LR = lr
}

func (o *AdamW) Step(params []*Parameter) error {
	o.state.Step++
	t := float64(o.state.Step)
	bc1 := 1 - math.Pow(o.Beta1, t)
	bc2 := 1 - math.Pow(o.Beta2, t)
	for _, p := range params {
		if !p.Trainable {
			continue
		}
		m, v := o.moments(p)
		for i, g := range p.Grad {
			m[i] = float32(o.Beta1)*m[i] + float32(1-o.Beta1)*g
			v[i] = float32(o.Beta2)*v[i] + float32(1-o.Beta2)*g*g
			mh := float64(m[i]) / bc1
			vh := float64(v[i]) / bc2
			p.Data[i] -= float32(o.LR * (mh/(math.Sqrt(vh)+o.Eps) + o.WeightDecay*float64(p.Data[i])))
		}
	}
	return nil
}

func (o *AdamW) moments(p *Parameter) ([]float32, []float32) {
	m, ok := o.state.M[p.Name]
	if !ok || len(m) != len(p.Data) {
		m = make([]float32, len(p.Data))
		o.state.M[p.Name] = m
	}
	v, ok := o.state.V[p.Name]
	if !ok || len(v) != len(p.Data) {
		v = make([]float32, len(p.Data))
		o.state.V[p.Name] = v
	}
	return m, v
}

func (o *AdamW) ZeroGrad(params []*Parameter) {
	for _, p := range params {
		for i := range p.Grad {
			p.Grad[i] = 0
		}
	}
}

func (o *AdamW) State() ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(o.state); err != nil {
		return nil, errors.Wrap(err, "encode optimizer state")
	}
	return buf.Bytes(), nil
}

func (o *AdamW) Restore(state []byte) error {
	return errors.Wrap(gob.NewDecoder(bytes.NewReader(state)).Decode(&o.state), "decode optimizer state")
}
