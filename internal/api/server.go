// Package api serves a read-mostly HTTP view of an engine: its dispatch
// table, its counters, and on-demand benchmark runs.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v5"

	"github.com/samcharles93/punica/internal/bench"
	"github.com/samcharles93/punica/internal/engine"
)

// Limits bound what one POST /v1/bench may ask for.
type Limits struct {
	MaxBatch  int
	MaxIters  int
	MaxWarmup int
	// MaxFeatures bounds LoRA in/out widths. Decode cases are bounded by the
	// engine's cache budget instead.
	MaxFeatures int
}

func DefaultLimits() Limits {
	return Limits{MaxBatch: 64, MaxIters: 1000, MaxWarmup: 100, MaxFeatures: 1 << 16}
}

type Server struct {
	engine  *engine.Engine
	store   *BenchStore
	limits  Limits
	version string
	clock   func() time.Time
}

func NewServer(e *engine.Engine, store *BenchStore, limits Limits, version string) *Server {
	if store == nil {
		store = NewBenchStore(0)
	}
	return &Server{
		engine:  e,
		store:   store,
		limits:  limits,
		version: version,
		clock:   time.Now,
	}
}

func (s *Server) Register(e *echo.Echo) {
	e.GET("/healthz", s.handleHealth)
	e.GET("/v1/dispatch", s.handleDispatch)
	e.GET("/v1/stats", s.handleStats)

	e.POST("/v1/bench", s.handleCreateBench)
	e.GET("/v1/bench", s.handleListBench)
	e.GET("/v1/bench/:id", s.handleGetBench)
	e.DELETE("/v1/bench/:id", s.handleDeleteBench)
}

func (s *Server) handleHealth(c *echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok", Version: s.version})
}

func (s *Server) handleDispatch(c *echo.Context) error {
	t := s.engine.Table()
	return c.JSON(http.StatusOK, DispatchResponse{
		Features: t.Features(),
		Config:   t.Config(),
		Entries:  t.Entries(),
	})
}

func (s *Server) handleStats(c *echo.Context) error {
	return c.JSON(http.StatusOK, StatsResponse{Workers: s.engine.Workers(), Stats: s.engine.Stats()})
}

func (s *Server) handleCreateBench(c *echo.Context) error {
	req, err := decodeJSON[BenchRequest](c.Request().Body)
	if err != nil {
		return writeBadRequest(c, err.Error())
	}
	if err := s.validateBench(&req); err != nil {
		return writeEngineError(c, err)
	}

	var decode []bench.DecodeCase
	var lora []bench.LoraCase
	if req.Decode != nil {
		decode = append(decode, req.Decode.Case())
	} else {
		lora = append(lora, *req.Lora)
	}
	entries, err := s.runBench(c.Request().Context(), decode, lora, req.Warmup, req.Iters)
	if err != nil {
		return writeEngineError(c, err)
	}
	rec := s.store.Create(entries[0], s.clock())
	return c.JSON(http.StatusOK, rec)
}

func (s *Server) runBench(ctx context.Context, decode []bench.DecodeCase, lora []bench.LoraCase, warmup, iters int) ([]bench.Entry, error) {
	pageSize := s.engine.Table().Config().PageSizes[0]
	return bench.Sweep(ctx, s.engine, decode, lora, bench.Options{Warmup: warmup, Iters: iters, PageSize: pageSize})
}

func (s *Server) validateBench(req *BenchRequest) error {
	if req.Iters == 0 {
		req.Iters = min(10, s.limits.MaxIters)
	}
	if req.Iters < 0 || req.Iters > s.limits.MaxIters {
		return newInvalidRequest(fmt.Sprintf("iters must be in [1, %d]", s.limits.MaxIters))
	}
	if req.Warmup < 0 || req.Warmup > s.limits.MaxWarmup {
		return newInvalidRequest(fmt.Sprintf("warmup must be in [0, %d]", s.limits.MaxWarmup))
	}

	switch req.Op {
	case "decode", "rotary_mha_decode":
		if req.Decode == nil || req.Lora != nil {
			return newInvalidRequest("op decode takes exactly a decode case")
		}
		if c := req.Decode.Case(); c.PastLen < 0 || (c.MaxLen > 0 && c.PastLen >= c.MaxLen) {
			return newInvalidRequest(fmt.Sprintf("past_len must be in [0, max_len), got %d", c.PastLen))
		}
		return s.checkBatch(req.Decode.Batch)
	case "lora", "add_lora":
		if req.Lora == nil || req.Decode != nil {
			return newInvalidRequest("op lora takes exactly a lora case")
		}
		c := req.Lora
		if c.In < 1 || c.Out < 1 || c.In > s.limits.MaxFeatures || c.Out > s.limits.MaxFeatures {
			return newInvalidRequest(fmt.Sprintf("in and out must be in [1, %d]", s.limits.MaxFeatures))
		}
		if maxRank := s.engine.Table().Config().MaxRank; c.Rank < 1 || c.Rank > maxRank {
			return newInvalidRequest(fmt.Sprintf("rank must be in [1, %d]", maxRank))
		}
		return s.checkBatch(c.Batch)
	default:
		return newInvalidRequest(fmt.Sprintf("unknown op %q (expected decode or lora)", req.Op))
	}
}

func (s *Server) checkBatch(b int) error {
	if b < 1 || b > s.limits.MaxBatch {
		return newInvalidRequest(fmt.Sprintf("batch must be in [1, %d]", s.limits.MaxBatch))
	}
	return nil
}

func (s *Server) handleListBench(c *echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{"data": s.store.List()})
}

func (s *Server) handleGetBench(c *echo.Context) error {
	rec, ok := s.store.Get(c.Param("id"))
	if !ok {
		return writeNotFound(c, "benchmark not found")
	}
	return c.JSON(http.StatusOK, rec)
}

func (s *Server) handleDeleteBench(c *echo.Context) error {
	id := c.Param("id")
	if !s.store.Delete(id) {
		return writeNotFound(c, "benchmark not found")
	}
	return c.JSON(http.StatusOK, DeleteBenchResp{ID: id, Deleted: true})
}
