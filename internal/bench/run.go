package bench

import (
	"context"
	"fmt"
	"time"

	"gonum.org/v1/gonum/stat"
)

// Result summarises repeated timings.
type Result struct {
	Avg   time.Duration `json:"avg_ns"`
	Std   time.Duration `json:"std_ns"`
	Iters int           `json:"iters"`
}

// String formats the result as avg±std in microseconds.
func (r Result) String() string {
	return fmt.Sprintf("%3.0fus±%3.0fus", float64(r.Avg)/1e3, float64(r.Std)/1e3)
}

// Run calls fn warmup times untimed, then iters times timed.
func Run(ctx context.Context, fn func(context.Context) error, warmup, iters int) (Result, error) {
	if iters <= 0 {
		return Result{}, fmt.Errorf("iterations must be positive, got %d", iters)
	}
	for i := 0; i < warmup; i++ {
		if err := fn(ctx); err != nil {
			return Result{}, err
		}
	}
	samples := make([]float64, iters)
	for i := range samples {
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}
		start := time.Now()
		if err := fn(ctx); err != nil {
			return Result{}, err
		}
		samples[i] = float64(time.Since(start))
	}
	avg, std := stat.MeanStdDev(samples, nil)
	if iters == 1 {
		std = 0
	}
	return Result{Avg: time.Duration(avg), Std: time.Duration(std), Iters: iters}, nil
}
