package model

import (
	"fmt"

	"golang.org/x/crypto/blake2b"
)

// SyntheticPipeline is a deterministic stand-in inference pipeline: the
// artifact payload is derived from the prompt and the inference step
// count alone, so validation outputs are reproducible across runs and
// ranks.
type SyntheticPipeline struct {
	PayloadSize int
}

func (p *SyntheticPipeline) Generate(prompt string, inferenceSteps int) (Artifact, error) {
	n := p.PayloadSize
	if n <= 0 {
		n = 64
	}
	seed := []byte(fmt.Sprintf("%s/%d", prompt, inferenceSteps))
	data := make([]byte, 0, n)
	block := blake2b.Sum256(seed)
	for len(data) < n {
		data = append(data, block[:]...)
		block = blake2b.Sum256(block[:])
	}
	return Artifact{
		Ext:     ".bin",
		Data:    data[:n],
		Caption: prompt,
	}, nil
}
