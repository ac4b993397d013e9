// Command wlproxyd is the proxy daemon: it accepts client connections on
// a listening Unix-domain socket, maintains one connection to an upstream
// server socket, and forwards messages between them.
package main

import (
	"fmt"
	"net/http"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli"

	"github.com/mahkoh/wl-proxy-sub007/internal/config"
	"github.com/mahkoh/wl-proxy-sub007/internal/ioloop"
	"github.com/mahkoh/wl-proxy-sub007/internal/metrics"
	"github.com/mahkoh/wl-proxy-sub007/internal/proxycore"
	"github.com/mahkoh/wl-proxy-sub007/internal/schema"
	"github.com/mahkoh/wl-proxy-sub007/internal/signals"
)

const name = "wlproxyd"

var defaultErrorFile = os.Stderr

// log is set once in action() so fatal() and the signal handler can both
// reach it; until then it points at a bare standard logger.
var log = logrus.WithField("name", name)

func fatal(err error) {
	log.Error(err)
	fmt.Fprintln(defaultErrorFile, err)
	os.Exit(1)
}

func action(c *cli.Context) error {
	cfg, err := config.ParseDaemon(c)
	if err != nil {
		return err
	}

	base, err := config.NewLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	log = logrus.NewEntry(base).WithFields(logrus.Fields{
		"name": name,
		"pid":  os.Getpid(),
	})

	m := metrics.New()
	if cfg.MetricsAddr != "" {
		go func() {
			srv := &http.Server{Addr: cfg.MetricsAddr, Handler: m.Handler()}
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.WithError(err).Error("metrics server stopped")
			}
		}()
		log.WithField("addr", cfg.MetricsAddr).Info("serving metrics")
	}

	proxy := proxycore.New(schema.Builtin(), log, m)

	driver := ioloop.New(proxy, log)
	driver.ListenSocket = cfg.ListenSocket
	driver.UpstreamSocket = cfg.UpstreamSocket
	driver.MaxOutboundBytes = cfg.MaxOutboundBytes

	signals.SetupHandler(log, cfg.Debug, driver.Close)

	log.WithFields(logrus.Fields{
		"listen-socket":   cfg.ListenSocket,
		"upstream-socket": cfg.UpstreamSocket,
	}).Info("starting")

	return driver.Run()
}

func main() {
	app := cli.NewApp()
	app.Name = name
	app.Usage = "transparent forwarding proxy for the object protocol"
	app.Flags = config.DaemonFlags
	app.Action = action

	if err := app.Run(os.Args); err != nil {
		fatal(err)
	}
}
