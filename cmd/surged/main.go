// Command surged runs a small demonstration server on the surge engine:
// a plain-text /hello endpoint and an /echo endpoint that mirrors the
// request body, served over HTTP/1.1, h2c upgrade, and prior-knowledge
// HTTP/2.
package main

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/yourusername/surge/pkg/surge"
	"github.com/yourusername/surge/pkg/surge/web"
)

var (
	flagHost     string
	flagPort     int
	flagLogLevel string
	flagWorkers  int
)

func main() {
	root := &cobra.Command{
		Use:   "surged",
		Short: "Demonstration HTTP/1.1 + h2c server on the surge engine",
		RunE:  run,
	}
	flags := root.Flags()
	flags.SetNormalizeFunc(func(f *pflag.FlagSet, name string) pflag.NormalizedName {
		return pflag.NormalizedName(strings.ReplaceAll(name, "_", "-"))
	})
	flags.StringVar(&flagHost, "host", "0.0.0.0", "bind address")
	flags.IntVar(&flagPort, "port", 8080, "bind port (0 for ephemeral)")
	flags.StringVar(&flagLogLevel, "log-level", "info", "log level (trace..panic)")
	flags.IntVar(&flagWorkers, "workers", 0, "handler workers (0 = single worker)")

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	level, err := logrus.ParseLevel(flagLogLevel)
	if err != nil {
		return err
	}
	log := logrus.New()
	log.SetLevel(level)

	cfg := surge.DefaultConfig()
	cfg.Host = flagHost
	cfg.Port = flagPort
	cfg.Log = log
	if flagWorkers > 0 {
		cfg.Executor = surge.NewPoolExecutor(flagWorkers)
	}

	engine, err := surge.NewEngine(cfg)
	if err != nil {
		return err
	}

	engine.Router().GET("/hello", func(req *web.Request, res web.ResponseHandle) {
		_ = res.RespondString(200, web.ContentTypePlainText, "Hello You")
	})
	engine.Router().POST("/echo", func(req *web.Request, res web.ResponseHandle) {
		ct := req.Headers.Get(web.HeaderContentType)
		if ct == "" {
			ct = web.ContentTypeOctets
		}
		_ = res.RespondBytes(200, ct, req.BodyBytes())
	})

	if err := engine.Start(); err != nil {
		return err
	}
	log.WithField("port", engine.Port()).Info("surged listening")

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	log.Info("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return engine.Shutdown(ctx)
}
