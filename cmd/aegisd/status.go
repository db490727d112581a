package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"aegis/pkg/types"
)

const defaultServerURL = "http://localhost:8090"

func newStatusCmd() *cobra.Command {
	var server string
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show tier states, queues and the memory ledger of a running server",
		RunE: func(cmd *cobra.Command, args []string) error {
			if server == "" {
				server = os.Getenv("AEGIS_SERVER")
			}
			if server == "" {
				server = defaultServerURL
			}
			st, err := fetchStatus(cmd.Context(), &http.Client{Timeout: 10 * time.Second}, server)
			if err != nil {
				return err
			}
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(st)
			}
			renderStatus(cmd.OutOrStdout(), st)
			return nil
		},
	}
	cmd.Flags().StringVar(&server, "server", "", "Server base URL (defaults AEGIS_SERVER or "+defaultServerURL+")")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Output JSON instead of tables")
	return cmd
}

func fetchStatus(ctx context.Context, c *http.Client, server string) (types.StatusResponse, error) {
	var st types.StatusResponse
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(server, "/")+"/status", nil)
	if err != nil {
		return st, err
	}
	resp, err := c.Do(req)
	if err != nil {
		return st, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		var er types.ErrorResponse
		if json.NewDecoder(resp.Body).Decode(&er) == nil && er.Error != "" {
			return st, fmt.Errorf("status: %s (%d)", er.Error, resp.StatusCode)
		}
		return st, fmt.Errorf("status: unexpected HTTP %d", resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		return st, fmt.Errorf("decode status: %w", err)
	}
	return st, nil
}

func renderStatus(w io.Writer, st types.StatusResponse) {
	var rows [][]string
	for _, t := range st.Tiers {
		state := t.State
		if t.Degraded {
			state += " (degraded)"
		}
		inflight := t.Inflight
		if inflight == "" {
			inflight = "-"
		}
		rows = append(rows, []string{
			string(t.Tier), state, strconv.Itoa(t.QueueLen), inflight, strconv.Itoa(t.Failures),
			humanize.IBytes(t.ResidentVRAMBytes), humanize.IBytes(t.WorkVRAMBytes), humanize.IBytes(t.WorkRAMBytes),
		})
	}
	table := newTable(w, []string{"TIER", "STATE", "QUEUED", "INFLIGHT", "FAILURES", "PINNED VRAM", "WORK VRAM", "WORK RAM"})
	table.AppendBulk(rows)
	table.Render()
	fmt.Fprintln(w)

	l := st.Ledger
	table = newTable(w, []string{"LEDGER", "BUDGET", "COMMITTED", "DRIFT"})
	table.Append([]string{"vram", humanize.IBytes(l.VRAMBudgetBytes), humanize.IBytes(l.VRAMCommittedBytes), humanize.IBytes(l.VRAMDriftBytes)})
	table.Append([]string{"ram", humanize.IBytes(l.RAMBudgetBytes), humanize.IBytes(l.RAMCommittedBytes), humanize.IBytes(l.RAMDriftBytes)})
	table.Render()
	fmt.Fprintf(w, "\nactive %d, submitted %d, completed %d, failed %d, cancelled %d, up %s\n",
		st.Active, st.Submitted, st.Completed, st.Failed, st.Cancelled,
		(time.Duration(st.UptimeSeconds) * time.Second).String())
}
