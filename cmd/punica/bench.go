package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"slices"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/schollz/progressbar/v3"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/punica/internal/bench"
	"github.com/samcharles93/punica/internal/dtype"
	"github.com/samcharles93/punica/internal/logger"
)

func benchCmd() *cli.Command {
	var (
		ev         engineFlagValues
		warmup     int64
		iters      int64
		maxBatch   int64
		dtypeName  string
		jsonPath   string
		noProgress bool
	)

	flags := engineFlags(&ev)
	flags = append(flags,
		&cli.Int64Flag{
			Name:        "warmup",
			Usage:       "untimed calls per case",
			Value:       3,
			Destination: &warmup,
		},
		&cli.Int64Flag{
			Name:        "iters",
			Aliases:     []string{"n"},
			Usage:       "timed calls per case",
			Value:       20,
			Destination: &iters,
		},
		&cli.Int64Flag{
			Name:        "max-batch",
			Usage:       "largest batch size in the sweep",
			Value:       int64(len(bench.BatchSizes)),
			Destination: &maxBatch,
		},
		&cli.StringFlag{
			Name:        "dtype",
			Usage:       "storage dtype of the benchmark tensors",
			Value:       "f16",
			Destination: &dtypeName,
		},
		&cli.StringFlag{
			Name:        "json",
			Usage:       "also write the report as JSON to this path (- for stdout)",
			Destination: &jsonPath,
		},
		&cli.BoolFlag{
			Name:        "no-progress",
			Usage:       "disable the progress bar",
			Destination: &noProgress,
		},
	)

	return &cli.Command{
		Name:      "bench",
		Usage:     "Time rotary decode attention and LoRA add over the standard shape grid",
		ArgsUsage: "[decode|lora|all]",
		Flags:     flags,
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := logger.FromContext(ctx)

			which := cmd.Args().First()
			if which == "" {
				which = "all"
			}
			if !slices.Contains([]string{"decode", "lora", "all"}, which) {
				return cli.Exit(fmt.Sprintf("error: unknown benchmark %q (expected decode, lora or all)", which), 2)
			}
			dt, err := dtype.Parse(dtypeName)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: --dtype: %v", err), 2)
			}

			e, cfg, err := openEngine(ctx, cmd, &ev)
			if err != nil {
				return err
			}
			defer func() { _ = e.Close() }()
			setInt64(cmd, "warmup", cfg.Warmup, &warmup)
			setInt64(cmd, "iters", cfg.Iters, &iters)

			batches := batchSizes(int(maxBatch))
			var decode []bench.DecodeCase
			var lora []bench.LoraCase
			if which != "lora" {
				decode = bench.DecodeCases(bench.DecodeModelSizes, batches, dt)
			}
			if which != "decode" {
				lora = bench.LoraCases(bench.LoraRanks, bench.LoraWeightSizes, batches, dt)
			}

			opts := bench.Options{
				Warmup:   int(warmup),
				Iters:    int(iters),
				PageSize: e.Table().Config().PageSizes[0],
			}
			if !noProgress {
				bar := newProgressBar(os.Stderr, len(decode)+len(lora), which)
				opts.Progress = func() { _ = bar.Add(1) }
				defer func() { _ = bar.Finish() }()
			}

			log.Info("starting benchmark sweep",
				"decode_cases", len(decode),
				"lora_cases", len(lora),
				"workers", e.Workers(),
				"iters", iters,
			)
			started := time.Now()
			entries, err := bench.Sweep(ctx, e, decode, lora, opts)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: benchmark: %v", err), 1)
			}
			log.Info("benchmark sweep finished", "elapsed", time.Since(started))

			renderEntries(os.Stdout, entries)

			if jsonPath != "" {
				report := bench.NewReport(started, e.Workers(), e.Table().Features().DotWidth, entries)
				if err := writeReport(jsonPath, report); err != nil {
					return cli.Exit(fmt.Sprintf("error: write report: %v", err), 1)
				}
			}
			return nil
		},
	}
}

func batchSizes(maxBatch int) []int {
	var out []int
	for _, b := range bench.BatchSizes {
		if b <= maxBatch {
			out = append(out, b)
		}
	}
	return out
}

func newProgressBar(w io.Writer, total int, desc string) *progressbar.ProgressBar {
	return progressbar.NewOptions(total,
		progressbar.OptionSetWriter(w),
		progressbar.OptionSetDescription(desc),
		progressbar.OptionSetWidth(40),
		progressbar.OptionShowCount(),
		progressbar.OptionClearOnFinish(),
		progressbar.OptionSetTheme(progressbar.Theme{
			Saucer:        "=",
			SaucerHead:    ">",
			SaucerPadding: " ",
			BarStart:      "[",
			BarEnd:        "]",
		}),
	)
}

// renderEntries prints one table per operation, in sweep order.
func renderEntries(w io.Writer, entries []bench.Entry) {
	var op string
	var rows [][]string
	flush := func() {
		if len(rows) == 0 {
			return
		}
		_, _ = fmt.Fprintln(w, op)
		table := tablewriter.NewWriter(w)
		table.SetAlignment(tablewriter.ALIGN_LEFT)
		table.SetBorder(false)
		table.SetColumnSeparator("|")
		table.SetAutoWrapText(false)
		table.AppendBulk(rows)
		table.Render()
		_, _ = fmt.Fprintln(w)
		rows = nil
	}
	for _, e := range entries {
		if e.Op != op {
			flush()
			op = e.Op
		}
		rows = append(rows, e.Fields())
	}
	flush()
}

func writeReport(path string, r bench.Report) error {
	if path == "-" {
		return r.WriteJSON(os.Stdout)
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := r.WriteJSON(f); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}
