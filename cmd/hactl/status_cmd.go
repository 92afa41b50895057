package main

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/arachmani/ovirt-hosted-engine-ha/client"
)

type statusView struct {
	Global map[string]string `json:"global,omitempty" yaml:"global,omitempty"`
	Hosts  []hostView        `json:"hosts" yaml:"hosts"`
}

type hostView struct {
	HostID  int               `json:"host_id" yaml:"host_id"`
	Score   int               `json:"score" yaml:"score"`
	Stopped bool              `json:"stopped" yaml:"stopped"`
	Live    *bool             `json:"live,omitempty" yaml:"live,omitempty"`
	Updated *time.Time        `json:"updated,omitempty" yaml:"updated,omitempty"`
	Extra   map[string]string `json:"extra,omitempty" yaml:"extra,omitempty"`
}

func newStatusView(stats *client.ParsedStats) statusView {
	view := statusView{Hosts: []hostView{}}
	if stats.Global != nil {
		view.Global = stats.Global.Flags
	}
	for _, id := range stats.IDs() {
		rec, ok := stats.Host(id)
		if !ok {
			continue
		}
		hv := hostView{HostID: rec.HostID, Score: rec.Score, Stopped: rec.Stopped, Live: rec.LiveData, Extra: rec.Extra}
		if ts, ok := rec.Timestamp(); ok {
			hv.Updated = &ts
		}
		view.Hosts = append(view.Hosts, hv)
	}
	return view
}

func newStatusCommand(env *cliEnv) *cobra.Command {
	var direct bool
	var mode, output string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the global record and every host's published state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			statMode, err := client.ParseStatMode(mode)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			cli, closeFn, err := env.haClient(ctx, direct)
			if err != nil {
				return err
			}
			defer closeFn()
			var stats *client.ParsedStats
			if direct {
				stats, err = cli.GetAllStatsDirect(ctx, statMode)
			} else {
				stats, err = cli.GetAllStats(ctx, statMode, env.timeout())
			}
			if err != nil {
				return err
			}
			return writeStatus(cmd.OutOrStdout(), newStatusView(stats), output, time.Now())
		},
	}
	cmd.Flags().BoolVar(&direct, "direct", false, "read shared storage directly instead of asking the broker (no liveness)")
	cmd.Flags().StringVar(&mode, "mode", string(client.StatAll), "records to show (all|host|global)")
	cmd.Flags().StringVarP(&output, "output", "o", "text", "output format (text|json|yaml)")
	return cmd
}

func writeStatus(w io.Writer, view statusView, output string, now time.Time) error {
	switch strings.ToLower(strings.TrimSpace(output)) {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(view)
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(view); err != nil {
			return err
		}
		return enc.Close()
	case "text", "":
		return writeStatusText(w, view, now)
	default:
		return fmt.Errorf("unsupported output %q (want text, json or yaml)", output)
	}
}

func writeStatusText(w io.Writer, view statusView, now time.Time) error {
	if view.Global != nil {
		fmt.Fprintln(w, "global:")
		for _, name := range sortedKeys(view.Global) {
			fmt.Fprintf(w, "  %s: %s\n", name, view.Global[name])
		}
	}
	if len(view.Hosts) == 0 {
		_, err := fmt.Fprintln(w, "no hosts")
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "HOST\tSCORE\tSTOPPED\tLIVE\tUPDATED")
	for _, h := range view.Hosts {
		live := "unknown"
		if h.Live != nil {
			live = fmt.Sprintf("%t", *h.Live)
		}
		updated := "-"
		if h.Updated != nil {
			updated = humanize.RelTime(*h.Updated, now, "ago", "from now")
		}
		fmt.Fprintf(tw, "%d\t%d\t%t\t%s\t%s\n", h.HostID, h.Score, h.Stopped, live, updated)
	}
	return tw.Flush()
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
