package engine

import (
	"errors"
	"sync/atomic"
)

type counters struct {
	loraCalls      atomic.Uint64
	decodeCalls    atomic.Uint64
	loraRequests   atomic.Uint64
	decodeRequests atomic.Uint64
	bgmvSegments   atomic.Uint64
	sgmvSegments   atomic.Uint64
	contract       atomic.Uint64
	overflow       atomic.Uint64
	exhausted      atomic.Uint64
	failed         atomic.Uint64
}

func (c *counters) reject(err error) {
	switch {
	case errors.Is(err, ErrCacheOverflow):
		c.overflow.Add(1)
	case errors.Is(err, ErrResourceExhausted):
		c.exhausted.Add(1)
	case errors.Is(err, ErrContract):
		c.contract.Add(1)
	default:
		c.failed.Add(1)
	}
}

// Stats is a snapshot of the engine counters.
type Stats struct {
	LoraCalls      uint64 `json:"lora_calls"`
	DecodeCalls    uint64 `json:"decode_calls"`
	LoraRequests   uint64 `json:"lora_requests"`
	DecodeRequests uint64 `json:"decode_requests"`
	BGMVSegments   uint64 `json:"bgmv_segments"`
	SGMVSegments   uint64 `json:"sgmv_segments"`
	Rejected       struct {
		Contract  uint64 `json:"contract_violation"`
		Overflow  uint64 `json:"cache_overflow"`
		Exhausted uint64 `json:"resource_exhausted"`
	} `json:"rejected"`
	Failed uint64 `json:"failed"`
}

// Stats returns the current counters. Successful calls only count towards
// the call and request totals.
func (e *Engine) Stats() Stats {
	var s Stats
	s.LoraCalls = e.stats.loraCalls.Load()
	s.DecodeCalls = e.stats.decodeCalls.Load()
	s.LoraRequests = e.stats.loraRequests.Load()
	s.DecodeRequests = e.stats.decodeRequests.Load()
	s.BGMVSegments = e.stats.bgmvSegments.Load()
	s.SGMVSegments = e.stats.sgmvSegments.Load()
	s.Rejected.Contract = e.stats.contract.Load()
	s.Rejected.Overflow = e.stats.overflow.Load()
	s.Rejected.Exhausted = e.stats.exhausted.Load()
	s.Failed = e.stats.failed.Load()
	return s
}
