package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/olekukonko/tablewriter"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/punica/internal/kernels"
)

func dispatchCmd() *cli.Command {
	var ev engineFlagValues

	return &cli.Command{
		Name:  "dispatch",
		Usage: "Print the kernel dispatch table for the configured parameters",
		Flags: engineFlags(&ev),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			e, _, err := openEngine(ctx, cmd, &ev)
			if err != nil {
				return err
			}
			defer func() { _ = e.Close() }()

			f := e.Table().Features()
			fmt.Printf("workers:   %d\n", e.Workers())
			fmt.Printf("features:  avx2=%t fma=%t asimd=%t dot=%d\n", f.AVX2, f.FMA, f.ASIMD, f.DotWidth)
			fmt.Println()
			renderTable(os.Stdout, e.Table().Entries())
			return nil
		},
	}
}

func renderTable(w io.Writer, entries []kernels.Entry) {
	data := make([][]string, 0, len(entries))
	for _, e := range entries {
		data = append(data, []string{e.Key, e.Kernel})
	}
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"KEY", "KERNEL"})
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetNoWhiteSpace(true)
	table.SetTablePadding("    ")
	table.AppendBulk(data)
	table.Render()
}
