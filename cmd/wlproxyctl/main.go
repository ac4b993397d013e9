// Command wlproxyctl is a small operator CLI that queries a running
// wlproxyd's metrics endpoint and prints a one-screen summary: live
// endpoints, live objects, messages forwarded, and teardown counts by
// cause.
//
// The metrics it reads are decoded with github.com/prometheus/common's
// expfmt, the same text-exposition parser promhttp's own handler formats
// against on the server side.
package main

import (
	"fmt"
	"net/http"
	"os"
	"sort"

	"github.com/prometheus/common/expfmt"
	"github.com/urfave/cli"

	"github.com/mahkoh/wl-proxy-sub007/internal/config"
)

func action(c *cli.Context) error {
	cfg := config.ParseCtl(c)

	resp, err := http.Get(cfg.MetricsAddr + "/metrics")
	if err != nil {
		return fmt.Errorf("fetching metrics from %s: %w", cfg.MetricsAddr, err)
	}
	defer resp.Body.Close()

	var parser expfmt.TextParser
	families, err := parser.TextToMetricFamilies(resp.Body)
	if err != nil {
		return fmt.Errorf("parsing metrics: %w", err)
	}

	names := make([]string, 0, len(families))
	for name := range families {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		mf := families[name]
		for _, m := range mf.Metric {
			labels := ""
			for _, lp := range m.Label {
				labels += fmt.Sprintf(" %s=%q", lp.GetName(), lp.GetValue())
			}

			switch {
			case m.Gauge != nil:
				fmt.Printf("%s%s %g\n", name, labels, m.Gauge.GetValue())
			case m.Counter != nil:
				fmt.Printf("%s%s %g\n", name, labels, m.Counter.GetValue())
			}
		}
	}

	return nil
}

func main() {
	app := cli.NewApp()
	app.Name = "wlproxyctl"
	app.Usage = "inspect a running wlproxyd"
	app.Flags = config.CtlFlags
	app.Action = action

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
