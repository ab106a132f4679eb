// Package lora describes stacked low-rank adapter weights.
//
// All adapters share one pair of tensors padded to the widest rank:
//
//	A: [adapters, layers, in,      maxRank]
//	B: [adapters, layers, maxRank, out]
//
// Adapter k only uses the first Ranks[k] columns of A and rows of B, which is
// how adapters of different rank live in the same batch.
package lora

import (
	"errors"
	"fmt"

	"github.com/samcharles93/punica/internal/tensor"
)

// ErrStack reports a malformed adapter stack.
var ErrStack = errors.New("invalid adapter stack")

// Stack is a set of adapters for every layer of one projection.
type Stack struct {
	A, B *tensor.Tensor
	// Ranks holds each adapter's effective rank. Nil means every adapter uses
	// MaxRank.
	Ranks []int
}

// Dims summarises a validated stack.
type Dims struct {
	Adapters int
	Layers   int
	In       int
	Out      int
	MaxRank  int
}

// Validate checks the tensors agree with each other and with Ranks.
func (s *Stack) Validate() (Dims, error) {
	if s == nil {
		return Dims{}, fmt.Errorf("%w: nil stack", ErrStack)
	}
	if err := s.A.Validate(); err != nil {
		return Dims{}, fmt.Errorf("%w: A: %v", ErrStack, err)
	}
	if err := s.B.Validate(); err != nil {
		return Dims{}, fmt.Errorf("%w: B: %v", ErrStack, err)
	}
	if s.A.Rank() != 4 || s.B.Rank() != 4 {
		return Dims{}, fmt.Errorf("%w: A %s and B %s must both be rank 4",
			ErrStack, tensor.FormatShape(s.A.Shape), tensor.FormatShape(s.B.Shape))
	}
	if s.A.DType != s.B.DType {
		return Dims{}, fmt.Errorf("%w: A is %s, B is %s", ErrStack, s.A.DType, s.B.DType)
	}
	d := Dims{
		Adapters: s.A.Dim(0),
		Layers:   s.A.Dim(1),
		In:       s.A.Dim(2),
		MaxRank:  s.A.Dim(3),
		Out:      s.B.Dim(3),
	}
	if s.B.Dim(0) != d.Adapters || s.B.Dim(1) != d.Layers || s.B.Dim(2) != d.MaxRank {
		return Dims{}, fmt.Errorf("%w: B %s does not pair with A %s",
			ErrStack, tensor.FormatShape(s.B.Shape), tensor.FormatShape(s.A.Shape))
	}
	if d.Adapters == 0 || d.Layers == 0 || d.In == 0 || d.Out == 0 || d.MaxRank == 0 {
		return Dims{}, fmt.Errorf("%w: empty dimension in A %s", ErrStack, tensor.FormatShape(s.A.Shape))
	}
	if s.Ranks != nil {
		if len(s.Ranks) != d.Adapters {
			return Dims{}, fmt.Errorf("%w: %d ranks for %d adapters", ErrStack, len(s.Ranks), d.Adapters)
		}
		for k, r := range s.Ranks {
			if r < 1 || r > d.MaxRank {
				return Dims{}, fmt.Errorf("%w: adapter %d rank %d outside [1, %d]", ErrStack, k, r, d.MaxRank)
			}
		}
	}
	return d, nil
}

// Rank returns adapter k's effective rank.
func (s *Stack) Rank(k int) int {
	if s.Ranks == nil {
		return s.A.Dim(3)
	}
	return s.Ranks[k]
}

// AOffset is the flat offset of A[adapter, layer, 0, 0].
func (d Dims) AOffset(adapter, layer int) int {
	return (adapter*d.Layers + layer) * d.In * d.MaxRank
}

// BOffset is the flat offset of B[adapter, layer, 0, 0].
func (d Dims) BOffset(adapter, layer int) int {
	return (adapter*d.Layers + layer) * d.MaxRank * d.Out
}
