package model

import (
	"encoding/json"
	"math"
	"os"
	"path"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/videoml/trainflow/srcs/go/trainflow/base"
)

func Test_gradNorm(t *testing.T) {
	params := []*Parameter{
		{Name: "a", Data: make([]float32, 2), Grad: []float32{3, 0}, Trainable: true, Mesh: "m"},
		{Name: "b", Data: make([]float32, 1), Grad: []float32{4}, Trainable: true, Mesh: "m"},
		{Name: "frozen", Data: make([]float32, 1), Grad: []float32{100}, Trainable: false, Mesh: "other"},
	}
	norm, err := GradNorm(params)
	require.NoError(t, err)
	require.InDelta(t, 5.0, norm, 1e-9, "frozen parameters do not contribute")
}

func Test_gradNormCrossMesh(t *testing.T) {
	params := []*Parameter{
		{Name: "a", Data: make([]float32, 1), Grad: []float32{1}, Trainable: true, Mesh: "generator"},
		{Name: "b", Data: make([]float32, 1), Grad: []float32{1}, Trainable: true, Mesh: "critic"},
	}
	_, err := GradNorm(params)
	require.ErrorIs(t, err, ErrCrossMeshGradient)
}

func Test_clipGradNorm(t *testing.T) {
	p := &Parameter{Name: "a", Data: make([]float32, 2), Grad: []float32{3, 4}, Trainable: true, Mesh: "m"}
	norm, err := ClipGradNorm([]*Parameter{p}, 1)
	require.NoError(t, err)
	require.InDelta(t, 5.0, norm, 1e-6, "reported norm is pre-clip")
	clipped := math.Sqrt(float64(p.Grad[0]*p.Grad[0] + p.Grad[1]*p.Grad[1]))
	require.InDelta(t, 1.0, clipped, 1e-6)

	// already within bounds: untouched
	q := &Parameter{Name: "b", Data: make([]float32, 1), Grad: []float32{0.5}, Trainable: true, Mesh: "m"}
	_, err = ClipGradNorm([]*Parameter{q}, 1)
	require.NoError(t, err)
	require.Equal(t, float32(0.5), q.Grad[0])
}

func Test_adamwStateRoundTrip(t *testing.T) {
	p := &Parameter{Name: "w", Data: []float32{1, 2}, Grad: []float32{0.1, -0.2}, Trainable: true}
	a := NewAdamW(1e-2, 1e-2)
	require.NoError(t, a.Step([]*Parameter{p}))
	state, err := a.State()
	require.NoError(t, err)

	b := NewAdamW(1e-2, 1e-2)
	require.NoError(t, b.Restore(state))

	pa := &Parameter{Name: "w", Data: append([]float32(nil), p.Data...), Grad: []float32{0.3, 0.4}, Trainable: true}
	pb := &Parameter{Name: "w", Data: append([]float32(nil), p.Data...), Grad: []float32{0.3, 0.4}, Trainable: true}
	require.NoError(t, a.Step([]*Parameter{pa}))
	require.NoError(t, b.Step([]*Parameter{pb}))
	require.Equal(t, pa.Data, pb.Data, "restored optimizer must continue identically")
}

func Test_warmupLinear(t *testing.T) {
	s := NewWarmupLinear(1.0, 10, 110)
	require.Equal(t, 0.0, s.LastLR())
	for i := 0; i < 5; i++ {
		s.Step()
	}
	require.InDelta(t, 0.5, s.LastLR(), 1e-12)
	for i := 0; i < 5; i++ {
		s.Step()
	}
	require.InDelta(t, 1.0, s.LastLR(), 1e-12)
	for i := 0; i < 50; i++ {
		s.Step()
	}
	require.InDelta(t, 0.5, s.LastLR(), 1e-12)
}

func Test_nameMap(t *testing.T) {
	m := NewSynthetic("m", 8, 1, base.NewRNG(1))
	nm := m.NameMap()
	require.Equal(t, "embedder.proj.weight", nm.Interchange("embed.weight"))
	require.Equal(t, "blocks.0.mlp.weight", nm.Interchange("blocks.0.mlp.weight"))
	g, ok := nm.MergeGroupOf("blocks.0.attn.qkv.weight")
	require.True(t, ok)
	require.Len(t, g.Parts, 3)
	_, ok = nm.MergeGroupOf("embed.weight")
	require.False(t, ok)
}

func Test_syntheticDeterministic(t *testing.T) {
	a := NewSynthetic("m", 8, 1, base.NewRNG(7))
	b := NewSynthetic("m", 8, 1, base.NewRNG(7))
	for i, p := range a.Parameters() {
		require.Equal(t, p.Data, b.Parameters()[i].Data)
	}
	require.Contains(t, a.Config(), "dtype")
}

func Test_syntheticBlocks(t *testing.T) {
	m := NewSynthetic("m", 8, 3, base.NewRNG(1))
	names := make(map[string]bool)
	for _, p := range m.Parameters() {
		names[p.Name] = true
	}
	require.True(t, names["blocks.2.attn.qkv.weight"])
	require.True(t, names["blocks.2.mlp.weight"])
	require.Len(t, m.Parameters(), 3*2+2)
	nm := m.NameMap()
	g, ok := nm.MergeGroupOf("blocks.2.attn.qkv.weight")
	require.True(t, ok)
	require.Equal(t, "blocks.2.attn.to_q.weight", g.Parts[0])
	require.EqualValues(t, 3, m.Config()["num_blocks"])
}

func Test_fileTelemetryRunID(t *testing.T) {
	dir := t.TempDir()
	ft, err := NewFileTelemetry(dir, "run-abc")
	require.NoError(t, err)
	ft.Log(5, map[string]float64{"train_loss": 0.25})
	require.NoError(t, ft.Close())

	bs, err := os.ReadFile(path.Join(dir, "metrics.jsonl"))
	require.NoError(t, err)
	var rec map[string]interface{}
	require.NoError(t, json.Unmarshal(bs, &rec))
	require.Equal(t, "run-abc", rec["run"])
	require.EqualValues(t, 5, rec["step"])
}

func Test_syntheticPipelineDeterministic(t *testing.T) {
	p := &SyntheticPipeline{PayloadSize: 32}
	a, err := p.Generate("a cat", 8)
	require.NoError(t, err)
	b, err := p.Generate("a cat", 8)
	require.NoError(t, err)
	require.Equal(t, a.Data, b.Data)
	c, err := p.Generate("a cat", 16)
	require.NoError(t, err)
	require.NotEqual(t, a.Data, c.Data, "step count changes the output")
	require.Len(t, a.Data, 32)
}
