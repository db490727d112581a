package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"

	"github.com/dustin/go-humanize"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"aegis/internal/hostprobe"
)

func newProbeCmd(opts *globalOpts) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "probe",
		Short: "Show host GPUs, memory and the budgets aegisd would derive",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}
			host, err := hostprobe.New().Probe(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(host)
			}
			vram, ram := host.Budgets(cfg.VRAMMarginBytes, cfg.RAMMarginBytes)
			renderHost(out, host, vram, ram)
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Output JSON instead of tables")
	return cmd
}

func renderHost(w io.Writer, host hostprobe.Host, vramBudget, ramBudget uint64) {
	if len(host.GPUs) == 0 {
		msg := "no GPUs detected"
		if host.GPUError != nil {
			msg += ": " + host.GPUError.Error()
		}
		fmt.Fprintln(w, msg)
	} else {
		var rows [][]string
		for _, g := range host.GPUs {
			rows = append(rows, []string{
				strconv.Itoa(g.Index), g.Name,
				humanize.IBytes(g.VRAMTotal), humanize.IBytes(g.VRAMFree), g.Driver,
			})
		}
		table := newTable(w, []string{"GPU", "NAME", "VRAM", "FREE", "DRIVER"})
		table.AppendBulk(rows)
		table.Render()
	}
	fmt.Fprintln(w)

	table := newTable(w, []string{"MEMORY", "TOTAL", "AVAILABLE", "BUDGET"})
	table.Append([]string{"vram", humanize.IBytes(host.VRAMTotal()), humanize.IBytes(host.VRAMFree()), humanize.IBytes(vramBudget)})
	table.Append([]string{"ram", humanize.IBytes(host.RAMTotal), humanize.IBytes(host.RAMAvailable), humanize.IBytes(ramBudget)})
	table.Append([]string{"swap", humanize.IBytes(host.SwapTotal), humanize.IBytes(host.SwapFree), "-"})
	table.Render()
}

// newTable returns a borderless left-aligned table.
func newTable(w io.Writer, header []string) *tablewriter.Table {
	table := tablewriter.NewWriter(w)
	table.SetHeader(header)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetAutoFormatHeaders(false)
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetNoWhiteSpace(true)
	table.SetTablePadding("    ")
	return table
}
