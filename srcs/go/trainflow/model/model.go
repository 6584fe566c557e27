// Package model defines the training collaborators: the parameter
// container, the optimizer and LR scheduler contracts, telemetry, and
// the inference pipeline used by validation. Reference implementations
// live alongside the interfaces so the training loop can be exercised
// end to end without an external compute backend.
package model

// Parameter is a named flat tensor with its gradient buffer. Mesh
// labels which device mesh the parameter lives on; gradient norms are
// only defined within a single mesh.
type Parameter struct {
	Name      string
	Data      []float32
	Grad      []float32
	Trainable bool
	Mesh      string
}

// MergeGroup records that one internal fused parameter corresponds to
// several parameters in the interchange format. Parts are laid out
// consecutively inside the fused tensor, in declared order.
type MergeGroup struct {
	Fused string
	Parts []string
}

// NameMap translates internal parameter names to the interchange naming
// used by consolidated exports. Parameters absent from Renames and
// Merges keep their internal name.
type NameMap struct {
	Renames map[string]string
	Merges  []MergeGroup
}

// Interchange returns the exported name for an internal parameter name.
func (m NameMap) Interchange(name string) string {
	if out, ok := m.Renames[name]; ok {
		return out
	}
	return name
}

// MergeGroupOf returns the merge group owning the internal name, if any.
func (m NameMap) MergeGroupOf(name string) (MergeGroup, bool) {
	for _, g := range m.Merges {
		if g.Fused == name {
			return g, true
		}
	}
	return MergeGroup{}, false
}

// Model is a parameter container. Forward passes are owned by the step
// strategy, not the model, so swapping training schemes never means
// swapping model types.
type Model interface {
	Name() string
	Parameters() []*Parameter
	NameMap() NameMap
	// Config returns the architecture config persisted next to
	// consolidated weights. It may include a dtype entry; exporters
	// strip it.
	Config() map[string]interface{}
}

// TrainableParameters filters params down to those receiving gradients.
func TrainableParameters(params []*Parameter) []*Parameter {
	var out []*Parameter
	for _, p := range params {
		if p.Trainable {
			out = append(out, p)
		}
	}
	return out
}

// Optimizer updates parameters from their gradients.
type Optimizer interface {
	Step(params []*Parameter) error
	ZeroGrad(params []*Parameter)
	State() ([]byte, error)
	Restore(state []byte) error
}

// Scheduler drives the learning rate. Step is called once per optimizer
// step; LastLR reports the rate used by the most recent step.
type Scheduler interface {
	Step()
	LastLR() float64
	State() ([]byte, error)
	Restore(state []byte) error
}

// Artifact is one validation output, e.g. an encoded video clip.
type Artifact struct {
	Name    string
	Ext     string
	Data    []byte
	Caption string
}

// Telemetry receives scalar metrics and validation artifacts. Only the
// world rank 0 worker logs; implementations need not be safe for use
// from multiple workers.
type Telemetry interface {
	Log(step int, values map[string]float64)
	LogArtifacts(step int, artifacts []Artifact)
}

// InferencePipeline turns a prompt into an artifact. Validation runs it
// on sequence-parallel leaders.
type InferencePipeline interface {
	Generate(prompt string, inferenceSteps int) (Artifact, error)
}
