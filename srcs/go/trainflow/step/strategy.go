package step

import (
	"github.com/videoml/trainflow/srcs/go/trainflow/model"
	"github.com/videoml/trainflow/srcs/go/trainflow/sched"
)

// Plain trains one model with a flow-matching velocity objective: the
// target is noise minus clean, and the prediction is the trainable
// parameters applied element-wise to the noisy input. Gradients are
// scaled by 1/AccumSteps so an accumulated step matches a large batch.
type Plain struct {
	Model      model.Model
	Batches    *sched.Scheduler[*TrainingBatch]
	AccumSteps int
}

func (s *Plain) PrepareBatch() (*TrainingBatch, error) {
	return s.Batches.Next()
}

func (s *Plain) ForwardAndLoss(b *TrainingBatch) (float64, error) {
	return forwardVelocity(s.TrainableParameters(), b, s.AccumSteps)
}

func (s *Plain) TrainableParameters() []*model.Parameter {
	return model.TrainableParameters(s.Model.Parameters())
}

// Distill trains a generator against a frozen-teacher style objective
// while a critic learns to score the generator's outputs. Both models
// back-propagate in the same step, each on its own device mesh.
type Distill struct {
	Generator  model.Model
	Critic     model.Model
	Batches    *sched.Scheduler[*TrainingBatch]
	AccumSteps int
}

func (s *Distill) PrepareBatch() (*TrainingBatch, error) {
	return s.Batches.Next()
}

func (s *Distill) ForwardAndLoss(b *TrainingBatch) (float64, error) {
	genLoss, err := forwardVelocity(model.TrainableParameters(s.Generator.Parameters()), b, s.AccumSteps)
	if err != nil {
		return 0, err
	}
	criticLoss, err := forwardVelocity(model.TrainableParameters(s.Critic.Parameters()), b, s.AccumSteps)
	if err != nil {
		return 0, err
	}
	return genLoss + criticLoss, nil
}

func (s *Distill) TrainableParameters() []*model.Parameter {
	return append(model.TrainableParameters(s.Generator.Parameters()),
		model.TrainableParameters(s.Critic.Parameters())...)
}

// forwardVelocity computes the mean squared error between w[k]*noisy[i]
// and the velocity target noise[i]-clean[i], where w is the logical
// concatenation of the trainable parameters and k = i mod len(w).
// Gradients accumulate into the parameters.
func forwardVelocity(params []*model.Parameter, b *TrainingBatch, accumSteps int) (float64, error) {
	total := 0
	for _, p := range params {
		total += len(p.Data)
	}
	if total == 0 || len(b.Noisy) == 0 {
		return 0, nil
	}
	at := func(k int) (*model.Parameter, int) {
		for _, p := range params {
			if k < len(p.Data) {
				return p, k
			}
			k -= len(p.Data)
		}
		return nil, 0
	}
	n := float64(len(b.Noisy))
	scale := 1 / float64(accumSteps)
	var loss float64
	for i := range b.Noisy {
		p, off := at(i % total)
		pred := p.Data[off] * b.Noisy[i]
		target := b.Noise[i] - b.Clean[i]
		diff := float64(pred - target)
		loss += diff * diff / n
		p.Grad[off] += float32(2 * diff / n * float64(b.Noisy[i]) * scale)
	}
	return loss, nil
}
