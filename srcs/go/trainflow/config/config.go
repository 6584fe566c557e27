// Package config defines the run configuration. Config files are YAML;
// parsing goes through JSON tags so the same structs serve both
// formats. Sub-configs are composed under named fields rather than
// flattened, so every knob has exactly one home.
package config

import (
	"os"

	"github.com/pkg/errors"
	"sigs.k8s.io/yaml"

	"github.com/videoml/trainflow/srcs/go/trainflow/timestep"
)

type Config struct {
	Run        Run        `json:"run"`
	Model      Model      `json:"model"`
	Data       Data       `json:"data"`
	Optim      Optim      `json:"optim"`
	Timestep   Timestep   `json:"timestep"`
	Checkpoint Checkpoint `json:"checkpoint"`
	Validation Validation `json:"validation"`
	Sparsity   Sparsity   `json:"sparsity"`
}

// Training modes.
const (
	ModePlain   = "plain"
	ModeDistill = "distill"
)

type Run struct {
	Seed        uint64  `json:"seed"`
	Mode        string  `json:"mode"`
	MaxSteps    int64   `json:"max_steps"`
	AccumSteps  int     `json:"accum_steps"`
	MaxGradNorm float64 `json:"max_grad_norm"`
	SPSize      int     `json:"sp_size"`
	OutputDir   string  `json:"output_dir"`
}

type Model struct {
	Name string `json:"name"`
	Arch Arch   `json:"arch"`
}

// Arch is the architecture sub-config, a named field of Model so model
// identity and architecture shape stay separate concerns.
type Arch struct {
	HiddenDim int `json:"hidden_dim"`
	NumBlocks int `json:"num_blocks"`
}

type Data struct {
	NumItems  int    `json:"num_items"`
	BatchSize int    `json:"batch_size"`
	SampleDim int    `json:"sample_dim"`
	Seed      uint64 `json:"seed"`
}

type Optim struct {
	LR          float64 `json:"lr"`
	WeightDecay float64 `json:"weight_decay"`
	WarmupSteps int64   `json:"warmup_steps"`
}

type Timestep struct {
	Policy string  `json:"policy"`
	Mean   float64 `json:"mean"`
	Std    float64 `json:"std"`
	Scale  float64 `json:"scale"`
}

type Checkpoint struct {
	Every int64 `json:"every"`

	// ExportEvery writes consolidated weights only, no shards, on its
	// own cadence.
	ExportEvery int64 `json:"export_every"`

	ResumeFrom string `json:"resume_from"`
}

type Validation struct {
	Every          int64    `json:"every"`
	AtStart        bool     `json:"at_start"`
	Prompts        []string `json:"prompts"`
	InferenceSteps []int    `json:"inference_steps"`
}

type Sparsity struct {
	Target        float64 `json:"target"`
	DecayRate     float64 `json:"decay_rate"`
	DecayInterval int64   `json:"decay_interval"`
}

func Default() Config {
	return Config{
		Run: Run{
			Seed:        42,
			Mode:        ModePlain,
			MaxSteps:    1000,
			AccumSteps:  1,
			MaxGradNorm: 1.0,
			SPSize:      1,
			OutputDir:   "outputs",
		},
		Model: Model{
			Name: "synthetic",
			Arch: Arch{HiddenDim: 64, NumBlocks: 1},
		},
		Data: Data{
			NumItems:  256,
			BatchSize: 2,
			SampleDim: 16,
			Seed:      1,
		},
		Optim: Optim{
			LR:          1e-4,
			WeightDecay: 1e-2,
			WarmupSteps: 100,
		},
		Timestep: Timestep{
			Policy: timestep.Uniform,
			Mean:   0,
			Std:    1,
			Scale:  1.29,
		},
		Checkpoint: Checkpoint{Every: 500},
		Validation: Validation{
			Every:          0,
			InferenceSteps: []int{8},
		},
	}
}

// Load reads a YAML config file over the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	bs, err := os.ReadFile(path)
	if err != nil {
		return cfg, errors.Wrap(err, "read config")
	}
	if err := yaml.Unmarshal(bs, &cfg); err != nil {
		return cfg, errors.Wrap(err, "parse config")
	}
	return cfg, cfg.Validate()
}

func (c Config) Validate() error {
	if c.Run.Mode != ModePlain && c.Run.Mode != ModeDistill {
		return errors.Errorf("unknown mode %q", c.Run.Mode)
	}
	if c.Run.MaxSteps <= 0 {
		return errors.New("run.max_steps must be positive")
	}
	if c.Run.AccumSteps < 1 {
		return errors.New("run.accum_steps must be at least 1")
	}
	if c.Run.SPSize < 1 {
		return errors.New("run.sp_size must be at least 1")
	}
	if c.Data.BatchSize < 1 || c.Data.SampleDim < 1 || c.Data.NumItems < 1 {
		return errors.New("data sizes must be positive")
	}
	if c.Model.Arch.HiddenDim < 1 || c.Model.Arch.NumBlocks < 1 {
		return errors.New("model.arch dimensions must be positive")
	}
	if _, err := timestep.New(c.Timestep.Policy, timestep.Params{
		Mean: c.Timestep.Mean, Std: c.Timestep.Std, Scale: c.Timestep.Scale,
	}); err != nil {
		return err
	}
	return nil
}
