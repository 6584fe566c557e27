package model

import (
	"math"

	"github.com/pkg/errors"
)

// ErrCrossMeshGradient reports that the trainable parameters span more
// than one device mesh, so a single global gradient norm is undefined.
var ErrCrossMeshGradient = errors.New("gradients span multiple device meshes")

// GradNorm returns the global L2 norm of the gradients of the trainable
// parameters. All trainable parameters must live on one mesh.
func GradNorm(params []*Parameter) (float64, error) {
	mesh := ""
	seen := false
	var sum float64
	for _, p := range params {
		if !p.Trainable {
			continue
		}
		if seen && p.Mesh != mesh {
			return 0, errors.Wrapf(ErrCrossMeshGradient, "%q vs %q", mesh, p.Mesh)
		}
		mesh, seen = p.Mesh, true
		for _, g := range p.Grad {
			sum += float64(g) * float64(g)
		}
	}
	return math.Sqrt(sum), nil
}

// ClipGradNorm scales gradients in place so their global L2 norm does
// not exceed maxNorm, returning the pre-clip norm.
func ClipGradNorm(params []*Parameter, maxNorm float64) (float64, error) {
	norm, err := GradNorm(params)
	if err != nil {
		return 0, err
	}
	if norm > maxNorm && norm > 0 {
		scale := float32(maxNorm / norm)
		for _, p := range params {
			if !p.Trainable {
				continue
			}
			for i := range p.Grad {
				p.Grad[i] *= scale
			}
		}
	}
	return norm, nil
}
