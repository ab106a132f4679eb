package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/samcharles93/punica/internal/dtype"
	"github.com/samcharles93/punica/internal/rope"
)

// Config represents the punica configuration file (~/.config/punica/config.yaml).
// Scalar fields are pointers so we can distinguish "not set" from zero values.
type Config struct {
	// Kernels
	HeadDims      []int         `yaml:"head_dims"`
	PageSizes     []int         `yaml:"page_sizes"`
	DTypes        []dtype.DType `yaml:"dtypes"`
	MaxRank       *int64        `yaml:"max_rank"`
	NarrowRankMax *int64        `yaml:"narrow_rank_max"`

	// Engine
	Workers    *int64       `yaml:"workers"`
	ScratchMB  *int64       `yaml:"scratch_mb"`
	CacheMB    *int64       `yaml:"cache_mb"`
	InputMB    *int64       `yaml:"input_mb"`
	ExpandTile *int64       `yaml:"expand_tile"`
	Rope       *rope.Config `yaml:"rope"`

	// Bench
	Warmup *int64 `yaml:"warmup"`
	Iters  *int64 `yaml:"iters"`

	// Server
	ServerAddress string `yaml:"server_address"`
}

// flagSetter is satisfied by *cli.Command.
type flagSetter interface {
	IsSet(name string) bool
}

func configPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "punica", "config.yaml")
}

// LoadConfig reads path, or the default location when path is empty. A
// missing default file yields a zero Config; a missing explicit file is an
// error.
func LoadConfig(path string) (Config, error) {
	explicit := path != ""
	if !explicit {
		path = configPath()
		if path == "" {
			return Config{}, nil
		}
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if !explicit && errors.Is(err, fs.ErrNotExist) {
			return Config{}, nil
		}
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	return parseConfig(data)
}

func parseConfig(data []byte) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

// applyEngineConfig applies config file defaults to the engine flag values
// when the corresponding CLI flag was not explicitly set.
func applyEngineConfig(c flagSetter, cfg Config, v *engineFlagValues) {
	if len(cfg.HeadDims) > 0 && !c.IsSet("head-dims") {
		v.headDims = joinInts(cfg.HeadDims)
	}
	if len(cfg.PageSizes) > 0 && !c.IsSet("page-sizes") {
		v.pageSizes = joinInts(cfg.PageSizes)
	}
	if len(cfg.DTypes) > 0 && !c.IsSet("dtypes") {
		v.dtypes = joinDTypes(cfg.DTypes)
	}
	setInt64(c, "max-rank", cfg.MaxRank, &v.maxRank)
	setInt64(c, "narrow-rank-max", cfg.NarrowRankMax, &v.narrowRankMax)
	setInt64(c, "workers", cfg.Workers, &v.workers)
	setInt64(c, "scratch-mb", cfg.ScratchMB, &v.scratchMB)
	setInt64(c, "cache-mb", cfg.CacheMB, &v.cacheMB)
	setInt64(c, "input-mb", cfg.InputMB, &v.inputMB)
	setInt64(c, "expand-tile", cfg.ExpandTile, &v.expandTile)

	if cfg.Rope != nil {
		v.rope = *cfg.Rope
		if cfg.Rope.Theta != 0 && !c.IsSet("rope-theta") {
			v.ropeTheta = cfg.Rope.Theta
		}
		if cfg.Rope.Scaling != "" && !c.IsSet("rope-scaling") {
			v.ropeScaling = cfg.Rope.Scaling
		}
		if cfg.Rope.Factor != 0 && !c.IsSet("rope-factor") {
			v.ropeFactor = cfg.Rope.Factor
		}
	}
}

func setInt64(c flagSetter, name string, from *int64, to *int64) {
	if from != nil && !c.IsSet(name) {
		*to = *from
	}
}
