package api

import (
	"time"

	"github.com/samcharles93/punica/internal/bench"
	"github.com/samcharles93/punica/internal/engine"
	"github.com/samcharles93/punica/internal/kernels"
)

type ResponseError struct {
	Message string `json:"message,omitempty"`
	Type    string `json:"type,omitempty"`
}

type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
}

type DispatchResponse struct {
	Features kernels.Features `json:"features"`
	Config   kernels.Config   `json:"config"`
	Entries  []kernels.Entry  `json:"entries"`
}

type StatsResponse struct {
	Workers int          `json:"workers"`
	Stats   engine.Stats `json:"stats"`
}

// DecodeRequest is a decode case whose past length may be omitted. An
// absent past_len selects bench.DefaultPastLen; an explicit 0 benchmarks the
// first decode step.
type DecodeRequest struct {
	bench.DecodeCase
	PastLen *int `json:"past_len,omitempty"`
}

// Case resolves the past length default.
func (r DecodeRequest) Case() bench.DecodeCase {
	c := r.DecodeCase
	c.PastLen = bench.DefaultPastLen
	if r.PastLen != nil {
		c.PastLen = *r.PastLen
	}
	return c
}

// BenchRequest selects one case. Exactly one of Decode and Lora must match Op.
type BenchRequest struct {
	Op     string          `json:"op"`
	Decode *DecodeRequest  `json:"decode,omitempty"`
	Lora   *bench.LoraCase `json:"lora,omitempty"`
	Warmup int             `json:"warmup,omitempty"`
	Iters  int             `json:"iters,omitempty"`
}

type BenchRecord struct {
	ID        string      `json:"id"`
	CreatedAt time.Time   `json:"created_at"`
	Entry     bench.Entry `json:"entry"`
}

type DeleteBenchResp struct {
	ID      string `json:"id"`
	Deleted bool   `json:"deleted"`
}
