package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/punica/internal/dtype"
	"github.com/samcharles93/punica/internal/engine"
	"github.com/samcharles93/punica/internal/logger"
	"github.com/samcharles93/punica/internal/rope"
)

var (
	logLevel   string
	logFormat  string
	debug      bool
	configFile string
)

// engineFlagValues holds the raw engine flags. List flags are comma
// separated so they can come from a single environment variable.
type engineFlagValues struct {
	headDims      string
	pageSizes     string
	dtypes        string
	maxRank       int64
	narrowRankMax int64
	workers       int64
	scratchMB     int64
	cacheMB       int64
	inputMB       int64
	expandTile    int64
	ropeTheta     float64
	ropeScaling   string
	ropeFactor    float64
	ropeOrigCtx   int64
	// rope carries config file settings; flags override the fields they cover.
	rope rope.Config
}

func loggingFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "log-level",
			Usage:       "log level (debug, info, warn, error)",
			Value:       "info",
			Sources:     cli.EnvVars("PUNICA_LOG_LEVEL"),
			Destination: &logLevel,
		},
		&cli.StringFlag{
			Name:        "log-format",
			Usage:       "log format (pretty, json, text)",
			Value:       "pretty",
			Sources:     cli.EnvVars("PUNICA_LOG_FORMAT"),
			Destination: &logFormat,
		},
		&cli.BoolFlag{
			Name:        "debug",
			Usage:       "enable debug logging (shorthand for --log-level=debug)",
			Destination: &debug,
		},
	}
}

func engineFlags(v *engineFlagValues) []cli.Flag {
	def := engine.DefaultOptions()
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "config",
			Usage:       "path to config.yaml (default: user config dir)",
			Sources:     cli.EnvVars("PUNICA_CONFIG"),
			Destination: &configFile,
		},
		&cli.StringFlag{
			Name:        "head-dims",
			Usage:       "comma separated head dims to specialise",
			Value:       joinInts(def.Kernels.HeadDims),
			Sources:     cli.EnvVars("PUNICA_HEAD_DIMS"),
			Destination: &v.headDims,
		},
		&cli.StringFlag{
			Name:        "page-sizes",
			Usage:       "comma separated page sizes to specialise",
			Value:       joinInts(def.Kernels.PageSizes),
			Sources:     cli.EnvVars("PUNICA_PAGE_SIZES"),
			Destination: &v.pageSizes,
		},
		&cli.StringFlag{
			Name:        "dtypes",
			Usage:       "comma separated storage dtypes (f32, f16, bf16)",
			Value:       joinDTypes(def.Kernels.DTypes),
			Sources:     cli.EnvVars("PUNICA_DTYPES"),
			Destination: &v.dtypes,
		},
		&cli.Int64Flag{
			Name:        "max-rank",
			Usage:       "largest LoRA rank with a kernel",
			Value:       int64(def.Kernels.MaxRank),
			Destination: &v.maxRank,
		},
		&cli.Int64Flag{
			Name:        "narrow-rank-max",
			Usage:       "largest rank served by the BGMV kernel",
			Value:       int64(def.Kernels.NarrowRankMax),
			Destination: &v.narrowRankMax,
		},
		&cli.Int64Flag{
			Name:        "workers",
			Aliases:     []string{"j"},
			Usage:       "worker pool size (0 = GOMAXPROCS)",
			Sources:     cli.EnvVars("PUNICA_WORKERS"),
			Destination: &v.workers,
		},
		&cli.Int64Flag{
			Name:        "scratch-mb",
			Usage:       "scratch budget per call in MiB",
			Value:       def.ScratchBytes >> 20,
			Destination: &v.scratchMB,
		},
		&cli.Int64Flag{
			Name:        "cache-mb",
			Usage:       "size limit of one KV cache in MiB (0 = unbounded)",
			Value:       def.CacheBytes >> 20,
			Destination: &v.cacheMB,
		},
		&cli.Int64Flag{
			Name:        "input-mb",
			Usage:       "size limit of one benchmark case's LoRA inputs in MiB (0 = unbounded)",
			Value:       def.InputBytes >> 20,
			Destination: &v.inputMB,
		},
		&cli.Int64Flag{
			Name:        "expand-tile",
			Usage:       "output column tile of the LoRA expand phase",
			Value:       int64(def.ExpandTile),
			Destination: &v.expandTile,
		},
		&cli.Float64Flag{
			Name:        "rope-theta",
			Usage:       "rotary frequency base",
			Value:       def.Rope.Theta,
			Destination: &v.ropeTheta,
		},
		&cli.StringFlag{
			Name:        "rope-scaling",
			Usage:       "rotary scaling (none, linear, llama3)",
			Destination: &v.ropeScaling,
		},
		&cli.Float64Flag{
			Name:        "rope-factor",
			Usage:       "rotary scaling factor",
			Destination: &v.ropeFactor,
		},
		&cli.Int64Flag{
			Name:        "rope-orig-ctx",
			Usage:       "pre-training context length for llama3 scaling",
			Destination: &v.ropeOrigCtx,
		},
	}
}

// options converts the flag values into engine options.
func (v *engineFlagValues) options(log logger.Logger) (engine.Options, error) {
	opts := engine.DefaultOptions()
	var err error
	if opts.Kernels.HeadDims, err = parseInts(v.headDims); err != nil {
		return opts, fmt.Errorf("--head-dims: %w", err)
	}
	if opts.Kernels.PageSizes, err = parseInts(v.pageSizes); err != nil {
		return opts, fmt.Errorf("--page-sizes: %w", err)
	}
	if opts.Kernels.DTypes, err = parseDTypes(v.dtypes); err != nil {
		return opts, fmt.Errorf("--dtypes: %w", err)
	}
	opts.Kernels.MaxRank = int(v.maxRank)
	opts.Kernels.NarrowRankMax = int(v.narrowRankMax)
	opts.Workers = int(v.workers)
	opts.ScratchBytes = v.scratchMB << 20
	opts.CacheBytes = v.cacheMB << 20
	opts.InputBytes = v.inputMB << 20
	opts.ExpandTile = int(v.expandTile)
	opts.Rope = v.rope
	opts.Rope.Theta = v.ropeTheta
	opts.Rope.Scaling = v.ropeScaling
	opts.Rope.Factor = v.ropeFactor
	if v.ropeOrigCtx > 0 {
		opts.Rope.OrigMaxCtx = int(v.ropeOrigCtx)
	}
	opts.Logger = log
	return opts, nil
}

func parseInts(s string) ([]int, error) {
	var out []int
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		n, err := strconv.Atoi(part)
		if err != nil {
			return nil, fmt.Errorf("invalid integer %q", part)
		}
		out = append(out, n)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("empty list")
	}
	return out, nil
}

func parseDTypes(s string) ([]dtype.DType, error) {
	var out []dtype.DType
	for _, part := range strings.Split(s, ",") {
		if strings.TrimSpace(part) == "" {
			continue
		}
		dt, err := dtype.Parse(part)
		if err != nil {
			return nil, err
		}
		out = append(out, dt)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("empty list")
	}
	return out, nil
}

func joinInts(v []int) string {
	parts := make([]string, len(v))
	for i, n := range v {
		parts[i] = strconv.Itoa(n)
	}
	return strings.Join(parts, ",")
}

func joinDTypes(v []dtype.DType) string {
	parts := make([]string, len(v))
	for i, dt := range v {
		parts[i] = dt.String()
	}
	return strings.Join(parts, ",")
}
