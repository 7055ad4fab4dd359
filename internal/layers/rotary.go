package layers

import (
	"fmt"
	"math"
)

// RotaryEmbedding represents rotary positional embedding
type RotaryEmbedding struct {
	headDim     int
	rotaryDim   int
	maxPosition int
	base        float64
	cosCache    []float32
	sinCache    []float32
}

// NewRotaryEmbedding creates a new rotary embedding
func NewRotaryEmbedding(headDim, rotaryDim, maxPosition int, base float64) (*RotaryEmbedding, error) {
	if rotaryDim > headDim {
		return nil, fmt.Errorf("rotary dim cannot exceed head dim")
	}
	if rotaryDim%2 != 0 {
		return nil, fmt.Errorf("rotary dim must be even, got %d", rotaryDim)
	}
	if maxPosition <= 0 {
		return nil, fmt.Errorf("max position must be positive, got %d", maxPosition)
	}

	// Precompute cos and sin values
	invFreq := make([]float64, rotaryDim/2)
	for i := 0; i < rotaryDim/2; i++ {
		invFreq[i] = 1.0 / math.Pow(base, float64(i*2)/float64(rotaryDim))
	}

	cosCache := make([]float32, maxPosition*rotaryDim/2)
	sinCache := make([]float32, maxPosition*rotaryDim/2)

	for pos := 0; pos < maxPosition; pos++ {
		for i := 0; i < rotaryDim/2; i++ {
			freq := float64(pos) * invFreq[i]
			cosCache[pos*rotaryDim/2+i] = float32(math.Cos(freq))
			sinCache[pos*rotaryDim/2+i] = float32(math.Sin(freq))
		}
	}

	return &RotaryEmbedding{
		headDim:     headDim,
		rotaryDim:   rotaryDim,
		maxPosition: maxPosition,
		base:        base,
		cosCache:    cosCache,
		sinCache:    sinCache,
	}, nil
}

// position clamps pos into the precomputed table
func (r *RotaryEmbedding) position(pos int) int {
	if pos >= r.maxPosition {
		return r.maxPosition - 1
	}
	return pos
}

// applyRotary rotates each (even, odd) pair of data by the angle of pos
func (r *RotaryEmbedding) applyRotary(data []float32, pos int) {
	r.rotate(data, pos, 1)
}

// applyInverse undoes applyRotary. The rotation is orthogonal, so this is
// also the gradient map from rotated to unrotated coordinates.
func (r *RotaryEmbedding) applyInverse(data []float32, pos int) {
	r.rotate(data, pos, -1)
}

func (r *RotaryEmbedding) rotate(data []float32, pos int, sign float32) {
	pos = r.position(pos)
	for i := 0; i < r.rotaryDim/2; i++ {
		idx1 := i * 2
		idx2 := i*2 + 1

		cos := r.cosCache[pos*r.rotaryDim/2+i]
		sin := sign * r.sinCache[pos*r.rotaryDim/2+i]

		x1 := data[idx1]
		x2 := data[idx2]

		data[idx1] = x1*cos - x2*sin
		data[idx2] = x2*cos + x1*sin
	}
}

// rotateHeads applies the rotation in place to a [T, heads*headDim] buffer,
// row t at position t.
func (r *RotaryEmbedding) rotateHeads(buf []float32, T, heads int, inverse bool) {
	for t := 0; t < T; t++ {
		for h := 0; h < heads; h++ {
			off := (t*heads + h) * r.headDim
			if inverse {
				r.applyInverse(buf[off:off+r.headDim], t)
			} else {
				r.applyRotary(buf[off:off+r.headDim], t)
			}
		}
	}
}
