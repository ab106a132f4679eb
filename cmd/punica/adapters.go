package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/olekukonko/tablewriter"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/punica/internal/dtype"
	"github.com/samcharles93/punica/internal/logger"
	"github.com/samcharles93/punica/internal/lora"
)

func adaptersCmd() *cli.Command {
	var (
		module    string
		dtypeName string
	)

	return &cli.Command{
		Name:      "adapters",
		Usage:     "Load PEFT adapter files into one stack and describe it",
		ArgsUsage: "<adapter.safetensors>...",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "module",
				Usage:       "target projection to load (q_proj, v_proj, ...)",
				Value:       "q_proj",
				Destination: &module,
			},
			&cli.StringFlag{
				Name:        "dtype",
				Usage:       "storage dtype of the stack",
				Value:       "f16",
				Destination: &dtypeName,
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := logger.FromContext(ctx)

			paths := cmd.Args().Slice()
			if len(paths) == 0 {
				return cli.Exit("error: at least one adapter file is required", 2)
			}
			dt, err := dtype.Parse(dtypeName)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: --dtype: %v", err), 2)
			}

			stack, err := lora.LoadPEFT(module, dt, paths...)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: load adapters: %v", err), 1)
			}
			d, err := stack.Validate()
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			log.Debug("adapter stack loaded", "adapters", d.Adapters, "bytes", stack.A.Bytes()+stack.B.Bytes())

			fmt.Printf("module:    %s\n", module)
			fmt.Printf("layers:    %d\n", d.Layers)
			fmt.Printf("shape:     %d -> %d\n", d.In, d.Out)
			fmt.Printf("max rank:  %d\n", d.MaxRank)
			fmt.Println()

			data := make([][]string, 0, d.Adapters)
			for k, p := range paths {
				data = append(data, []string{strconv.Itoa(k), filepath.Base(p), strconv.Itoa(stack.Rank(k))})
			}
			table := tablewriter.NewWriter(os.Stdout)
			table.SetHeader([]string{"INDEX", "FILE", "RANK"})
			table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
			table.SetAlignment(tablewriter.ALIGN_LEFT)
			table.SetHeaderLine(false)
			table.SetBorder(false)
			table.SetNoWhiteSpace(true)
			table.SetTablePadding("    ")
			table.AppendBulk(data)
			table.Render()
			return nil
		},
	}
}
