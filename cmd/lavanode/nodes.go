package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"text/tabwriter"
	"time"

	"github.com/hxnx/lavanode/config"
	"github.com/hxnx/lavanode/internal/lavalink"
	"github.com/hxnx/lavanode/internal/logger"
	"github.com/hxnx/lavanode/internal/rest"
	"github.com/spf13/cobra"
)

var (
	nodesJSON    bool
	nodesTimeout time.Duration
)

var nodesCmd = &cobra.Command{
	Use:   "nodes",
	Short: "Probe the configured Lavalink nodes",
	Long:  "Query every node in LAVALINK_NODES over REST and print its version, load and penalty.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Parse()
		if err != nil {
			return err
		}
		nodes, err := cfg.NodeConfigs()
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), nodesTimeout)
		defer cancel()

		reports := probeNodes(ctx, nodes, cfg.Lavalink.ClientName)
		if nodesJSON {
			return writeJSON(cmd.OutOrStdout(), reports)
		}
		return writeTable(cmd.OutOrStdout(), reports)
	},
}

func init() {
	nodesCmd.Flags().BoolVar(&nodesJSON, "json", false, "print JSON instead of a table")
	nodesCmd.Flags().DurationVar(&nodesTimeout, "timeout", 10*time.Second, "overall probe timeout")
	rootCmd.AddCommand(nodesCmd)
}

type nodeReport struct {
	Name    string  `json:"name"`
	Host    string  `json:"host"`
	Group   string  `json:"group,omitempty"`
	Version string  `json:"version,omitempty"`
	Players int     `json:"players"`
	Playing int     `json:"playing"`
	Uptime  string  `json:"uptime,omitempty"`
	Penalty float64 `json:"penalty"`
	Error   string  `json:"error,omitempty"`
}

// probeNodes queries every node concurrently. Results keep the input order.
func probeNodes(ctx context.Context, nodes []lavalink.NodeConfig, clientName string) []nodeReport {
	reports := make([]nodeReport, len(nodes))

	var wg sync.WaitGroup
	for i, nc := range nodes {
		wg.Add(1)
		go func(i int, nc lavalink.NodeConfig) {
			defer wg.Done()
			reports[i] = probeNode(ctx, nc, clientName)
		}(i, nc)
	}
	wg.Wait()
	return reports
}

func probeNode(ctx context.Context, nc lavalink.NodeConfig, clientName string) nodeReport {
	report := nodeReport{Name: nc.Name, Host: nc.Host, Group: nc.Group}

	version := nc.Version
	if version <= 0 {
		version = lavalink.DefaultVersion
	}
	client := rest.New(nc.Host, nc.Password, nc.Secure, version,
		rest.WithUserAgent(clientName),
		rest.WithLogger(logger.Named("rest")),
	)

	info, err := client.Info(ctx)
	if err != nil {
		report.Error = err.Error()
		return report
	}
	report.Version = info.Version.Semver

	stats, err := client.Stats(ctx)
	if err != nil {
		report.Error = err.Error()
		return report
	}
	report.Players = stats.Players
	report.Playing = stats.PlayingPlayers
	report.Uptime = (time.Duration(stats.Uptime) * time.Millisecond).Round(time.Second).String()
	report.Penalty = lavalink.Penalty(stats)
	return report
}

func writeJSON(w io.Writer, reports []nodeReport) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(reports)
}

func writeTable(w io.Writer, reports []nodeReport) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tHOST\tGROUP\tVERSION\tPLAYERS\tPLAYING\tUPTIME\tPENALTY\tERROR")
	for _, r := range reports {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%d\t%s\t%.2f\t%s\n",
			r.Name, r.Host, r.Group, r.Version, r.Players, r.Playing, r.Uptime, r.Penalty, r.Error)
	}
	return tw.Flush()
}
