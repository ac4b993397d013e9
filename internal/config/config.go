// Package config defines the command-line surface for cmd/wlproxyd and
// cmd/wlproxyctl via github.com/urfave/cli (v1), plus the logger both
// commands log through.
package config

import (
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli"

	"github.com/mahkoh/wl-proxy-sub007/internal/endpoint"
)

// Daemon holds every -flag cmd/wlproxyd accepts, parsed from a cli.Context.
type Daemon struct {
	// ListenSocket is the Unix-domain socket path downstream clients
	// connect to.
	ListenSocket string
	// UpstreamSocket is the Unix-domain socket path of the real server
	// this proxy forwards to.
	UpstreamSocket string
	// MaxOutboundBytes is the per-endpoint backpressure soft limit.
	MaxOutboundBytes int
	// LogLevel is parsed with logrus.ParseLevel.
	LogLevel string
	// MetricsAddr is the net/http listen address for the Prometheus
	// handler; empty disables it.
	MetricsAddr string
	// Debug enables non-fatal-signal backtraces (see internal/signals).
	Debug bool
}

// DaemonFlags is the flag set shared by every wlproxyd invocation.
var DaemonFlags = []cli.Flag{
	cli.StringFlag{
		Name:  "listen-socket",
		Usage: "Unix-domain socket path clients connect to (required)",
	},
	cli.StringFlag{
		Name:  "upstream-socket",
		Usage: "Unix-domain socket path of the upstream server (required)",
	},
	cli.IntFlag{
		Name:  "max-outbound-bytes",
		Value: endpoint.DefaultMaxOutboundBytes,
		Usage: "per-endpoint outbound backpressure limit before the endpoint is dropped",
	},
	cli.StringFlag{
		Name:  "log",
		Value: "info",
		Usage: "log level: debug, info, warn, error, fatal or panic",
	},
	cli.StringFlag{
		Name:  "metrics-addr",
		Value: "",
		Usage: "address to serve Prometheus metrics on (empty disables it)",
	},
	cli.BoolFlag{
		Name:  "debug",
		Usage: "log a backtrace on non-fatal signals",
	},
}

// ParseDaemon extracts a Daemon config from c, validating the two
// required socket-path flags before returning.
func ParseDaemon(c *cli.Context) (Daemon, error) {
	d := Daemon{
		ListenSocket:     c.String("listen-socket"),
		UpstreamSocket:   c.String("upstream-socket"),
		MaxOutboundBytes: c.Int("max-outbound-bytes"),
		LogLevel:         c.String("log"),
		MetricsAddr:      c.String("metrics-addr"),
		Debug:            c.Bool("debug"),
	}

	if d.ListenSocket == "" {
		return Daemon{}, fmt.Errorf("-listen-socket is required")
	}
	if d.UpstreamSocket == "" {
		return Daemon{}, fmt.Errorf("-upstream-socket is required")
	}
	if d.MaxOutboundBytes <= 0 {
		return Daemon{}, fmt.Errorf("-max-outbound-bytes must be positive")
	}
	return d, nil
}

// NewLogger builds the top-level logrus.Logger cmd/wlproxyd logs through.
func NewLogger(levelName string) (*logrus.Logger, error) {
	level, err := logrus.ParseLevel(levelName)
	if err != nil {
		return nil, err
	}

	log := logrus.New()
	log.Level = level
	log.Formatter = &logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339Nano,
	}
	return log, nil
}

// Ctl holds the flags cmd/wlproxyctl accepts.
type Ctl struct {
	MetricsAddr string
}

// CtlFlags is the flag set for cmd/wlproxyctl.
var CtlFlags = []cli.Flag{
	cli.StringFlag{
		Name:  "metrics-addr",
		Value: "http://127.0.0.1:9090",
		Usage: "base URL of a running wlproxyd's metrics endpoint",
	},
}

// ParseCtl extracts a Ctl config from c.
func ParseCtl(c *cli.Context) Ctl {
	return Ctl{MetricsAddr: c.GlobalString("metrics-addr")}
}
