package model

import (
	"fmt"

	"github.com/videoml/trainflow/srcs/go/trainflow/base"
)

// Synthetic is a small deterministic parameter container used by the
// single-process worker and by tests. Its layout exercises the export
// path: per-block fused attention projections that split into q/k/v in
// the interchange format, a renamed embedding, and a frozen parameter
// that must never appear in consolidated weights.
type Synthetic struct {
	name   string
	params []*Parameter
	dim    int
	blocks int
}

// NewSynthetic creates a container with hidden dimension dim and the
// given number of transformer blocks. Parameter lengths are multiples
// of dim so they shard evenly across world sizes dividing dim. Initial
// values are drawn from rng.
func NewSynthetic(name string, dim, blocks int, rng *base.RNG) *Synthetic {
	if blocks < 1 {
		blocks = 1
	}
	mk := func(pname string, n int, trainable bool) *Parameter {
		data := make([]float32, n)
		for i := range data {
			data[i] = float32(rng.NormFloat64()) * 0.02
		}
		return &Parameter{
			Name:      pname,
			Data:      data,
			Grad:      make([]float32, n),
			Trainable: trainable,
			Mesh:      "default",
		}
	}
	var params []*Parameter
	for b := 0; b < blocks; b++ {
		params = append(params,
			mk(fmt.Sprintf("blocks.%d.attn.qkv.weight", b), 3*dim, true),
			mk(fmt.Sprintf("blocks.%d.mlp.weight", b), 2*dim, true))
	}
	params = append(params,
		mk("embed.weight", dim, true),
		mk("pos_embed.weight", dim, false))
	return &Synthetic{
		name:   name,
		dim:    dim,
		blocks: blocks,
		params: params,
	}
}

func (m *Synthetic) Name() string {
	return m.name
}

// SetMesh relabels every parameter's device mesh.
func (m *Synthetic) SetMesh(mesh string) *Synthetic {
	for _, p := range m.params {
		p.Mesh = mesh
	}
	return m
}

func (m *Synthetic) Parameters() []*Parameter {
	return m.params
}

func (m *Synthetic) NameMap() NameMap {
	merges := make([]MergeGroup, 0, m.blocks)
	for b := 0; b < m.blocks; b++ {
		merges = append(merges, MergeGroup{
			Fused: fmt.Sprintf("blocks.%d.attn.qkv.weight", b),
			Parts: []string{
				fmt.Sprintf("blocks.%d.attn.to_q.weight", b),
				fmt.Sprintf("blocks.%d.attn.to_k.weight", b),
				fmt.Sprintf("blocks.%d.attn.to_v.weight", b),
			},
		})
	}
	return NameMap{
		Renames: map[string]string{
			"embed.weight": "embedder.proj.weight",
		},
		Merges: merges,
	}
}

func (m *Synthetic) Config() map[string]interface{} {
	return map[string]interface{}{
		"_class_name": fmt.Sprintf("%sTransformer", m.name),
		"hidden_dim":  m.dim,
		"num_blocks":  m.blocks,
		"dtype":       "float32",
	}
}
