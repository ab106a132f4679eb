// Package rope implements rotary position embedding with the rotate-half
// pairing: dimension i is rotated together with dimension i+D/2 by the angle
// pos * invFreq[i], invFreq[i] = theta^(-2i/D).
//
// Every key in a cache must be rotated with the same Rotary that later
// rotates queries, otherwise relative positions no longer line up.
package rope

import (
	"fmt"
	"math"
	"strings"
)

const DefaultTheta = 10_000

// Config selects the frequency schedule.
type Config struct {
	// Theta is the frequency base. Zero selects DefaultTheta.
	Theta float64 `yaml:"theta" json:"theta"`
	// Scaling is "", "linear" or "llama3".
	Scaling string `yaml:"scaling" json:"scaling"`
	// Factor is the context extension factor for linear and llama3 scaling.
	Factor float64 `yaml:"factor" json:"factor"`
	// OrigMaxCtx, LowFactor and HighFactor parameterise llama3 scaling.
	OrigMaxCtx int     `yaml:"original_max_context" json:"original_max_context"`
	LowFactor  float64 `yaml:"low_freq_factor" json:"low_freq_factor"`
	HighFactor float64 `yaml:"high_freq_factor" json:"high_freq_factor"`
}

// Rotary holds the precomputed inverse frequencies for one head dimension.
type Rotary struct {
	headDim int
	invFreq []float64
}

// New builds a Rotary for headDim. headDim must be even.
func New(headDim int, cfg Config) (*Rotary, error) {
	if headDim <= 0 || headDim%2 != 0 {
		return nil, fmt.Errorf("rope: head dim %d must be positive and even", headDim)
	}
	base := cfg.Theta
	if base == 0 {
		base = DefaultTheta
	}
	if base <= 1 {
		return nil, fmt.Errorf("rope: theta %g must be greater than 1", base)
	}
	half := headDim / 2
	invFreq := make([]float64, half)
	for i := range invFreq {
		invFreq[i] = 1.0 / math.Pow(base, float64(2*i)/float64(headDim))
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Scaling)) {
	case "", "none", "default":
	case "linear":
		if cfg.Factor > 0 && cfg.Factor != 1 {
			for i, f := range invFreq {
				invFreq[i] = f / cfg.Factor
			}
		}
	case "llama3":
		if cfg.Factor > 0 && cfg.Factor != 1 && cfg.OrigMaxCtx <= 0 {
			return nil, fmt.Errorf("rope: llama3 scaling with factor %g needs original_max_context", cfg.Factor)
		}
		applyLlama3Scaling(invFreq, cfg.Factor, float64(cfg.OrigMaxCtx), cfg.LowFactor, cfg.HighFactor)
	default:
		return nil, fmt.Errorf("rope: unknown scaling %q (expected linear or llama3)", cfg.Scaling)
	}
	return &Rotary{headDim: headDim, invFreq: invFreq}, nil
}

// HeadDim returns the head dimension the frequencies were built for.
func (r *Rotary) HeadDim() int { return r.headDim }

// InvFreq returns a copy of the per-pair inverse frequencies.
func (r *Rotary) InvFreq() []float64 {
	return append([]float64(nil), r.invFreq...)
}

// Angles fills cos and sin (length HeadDim/2) for position pos.
func (r *Rotary) Angles(pos int, cos, sin []float32) {
	cos = cos[:len(r.invFreq)]
	sin = sin[:len(r.invFreq)]
	for i, f := range r.invFreq {
		s, c := math.Sincos(float64(pos) * f)
		cos[i] = float32(c)
		sin[i] = float32(s)
	}
}

// Rotate applies a rotation computed by Angles to one head in place.
func Rotate(x, cos, sin []float32) {
	half := len(cos)
	x = x[:2*half]
	for i := 0; i < half; i++ {
		x0 := x[i]
		x1 := x[i+half]
		x[i] = x0*cos[i] - x1*sin[i]
		x[i+half] = x0*sin[i] + x1*cos[i]
	}
}

// Apply rotates nHead consecutive heads of x in place for position pos.
func (r *Rotary) Apply(x []float32, nHead, pos int) {
	half := len(r.invFreq)
	var cosBuf, sinBuf [128]float32
	var cos, sin []float32
	if half <= len(cosBuf) {
		cos, sin = cosBuf[:half], sinBuf[:half]
	} else {
		cos, sin = make([]float32, half), make([]float32, half)
	}
	r.Angles(pos, cos, sin)
	for h := 0; h < nHead; h++ {
		Rotate(x[h*r.headDim:(h+1)*r.headDim], cos, sin)
	}
}

func applyLlama3Scaling(invFreq []float64, factor float64, origCtx float64, lowFactor float64, highFactor float64) {
	if factor <= 0 || factor == 1 || len(invFreq) == 0 {
		return
	}
	if lowFactor <= 0 {
		lowFactor = 1
	}
	if highFactor <= 0 {
		highFactor = lowFactor
	}
	if highFactor <= lowFactor {
		for i, f := range invFreq {
			invFreq[i] = f / factor
		}
		return
	}

	lowFreqWavelen := origCtx / lowFactor
	highFreqWavelen := origCtx / highFactor

	for i, f := range invFreq {
		waveLen := (2 * math.Pi) / f
		if waveLen > lowFreqWavelen {
			invFreq[i] = f / factor
			continue
		}
		if waveLen < highFreqWavelen {
			continue
		}
		smoothFactor := (origCtx/waveLen - lowFactor) / (highFactor - lowFactor)
		invFreq[i] = (1-smoothFactor)*(f/factor) + smoothFactor*f
	}
}
