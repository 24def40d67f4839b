package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/saylorsolutions/nomroute/config"
	"github.com/saylorsolutions/nomroute/pkg/dispatch"
	"github.com/saylorsolutions/nomroute/pkg/telemetry"
	"github.com/saylorsolutions/nomroute/plugin"
	"github.com/saylorsolutions/nomroute/plugin/blackhole"
	"github.com/saylorsolutions/nomroute/plugin/file"
	"github.com/saylorsolutions/nomroute/plugin/kafka"
	"github.com/saylorsolutions/nomroute/plugin/nats"
	"github.com/saylorsolutions/nomroute/plugin/stdstream"
	"github.com/saylorsolutions/nomroute/plugin/store"
	"github.com/saylorsolutions/nomroute/runtime"
)

const defaultImmediateTimeout = 5 * time.Second

func main() {
	if len(os.Args) <= 1 {
		usage()
		return
	}
	args := os.Args[1:]
	switch args[0] {
	case "run":
		start := time.Now()
		report, err := doRun(args[1:]...)
		if err != nil {
			exitError("Failed to run: %v", err)
		}
		fmt.Println(report.String())
		fmt.Printf("Routing completed in %s\n", roundDuration(time.Since(start)))
		if len(report.TimedOut()) > 0 {
			os.Exit(2)
		}
	case "vet":
		if err := doVet(args[1:]...); err != nil {
			exitError("Vet failed: %v", err)
		}
		fmt.Println("Configuration is valid")
	case "plugins":
		doPrintPlugins()
	case "help":
		usage()
	default:
		exitError("Unrecognized command: '%s'", args[0])
	}
}

func roundDuration(dur time.Duration) string {
	switch {
	case dur < time.Millisecond:
		return dur.Round(time.Microsecond).String()
	case dur < time.Second:
		return dur.Round(time.Millisecond).String()
	default:
		return dur.Round(time.Second).String()
	}
}

func exitError(format string, args ...any) {
	if !strings.HasSuffix(format, "\n") {
		format += "\n"
	}
	fmt.Fprintf(os.Stderr, "Error: "+format, args...)
	usage()
	os.Exit(1)
}

func usage() {
	text := `
nomroute routes log records from sources to destinations according to a TOML configuration.

  nomroute help
  nomroute plugins
  nomroute run [-immediate-timeout DURATION] FILE
  nomroute vet FILE

The 'help' subcommand will print this usage information.
The 'plugins' subcommand will print the documentation for every source and sink available to a configuration.
The 'run' subcommand will route records as configured in FILE until every source is exhausted, then drain every destination.
The first interrupt stops the sources and drains every destination. A second interrupt abandons whatever can't be delivered within the immediate timeout (default 5s).
The exit status is 2 if any destination timed out while draining.
The 'vet' subcommand will load FILE and create every destination without opening any of them, reporting any problems found.
`
	fmt.Print(text)
}

func plugins() []plugin.Plugin {
	return []plugin.Plugin{
		file.Plugin(),
		stdstream.Plugin(),
		store.Plugin(),
		kafka.Plugin(),
		nats.Plugin(),
		blackhole.Plugin(),
	}
}

func doPrintPlugins() {
	reg := plugin.NewRegistration()
	reg.Register(plugins()...)
	fmt.Println("Plugins provide the sources and sinks that a nomroute configuration refers to by type, as in type = \"file.Tail\"")
	fmt.Println()
	fmt.Print(reg.AllDocs())
}

func loadConfig(args []string) (*config.Configuration, hclog.Logger, error) {
	if len(args) < 1 {
		return nil, nil, errors.New("a configuration file is required")
	}
	conf, err := config.Load(args[0])
	if err != nil {
		return nil, nil, err
	}
	return conf, conf.Logger("nomroute"), nil
}

func doVet(args ...string) error {
	conf, log, err := loadConfig(args)
	if err != nil {
		return err
	}
	return runtime.NewEngine(log, conf, plugins()...).Vet()
}

func doRun(args ...string) (dispatch.Report, error) {
	flags := flag.NewFlagSet("run", flag.ContinueOnError)
	immediateTimeout := flags.Duration("immediate-timeout", defaultImmediateTimeout, "How long destinations may keep draining after a second interrupt")
	if err := flags.Parse(args); err != nil {
		return dispatch.Report{}, err
	}
	conf, log, err := loadConfig(flags.Args())
	if err != nil {
		return dispatch.Report{}, err
	}
	if conf.Metrics.Enabled {
		telemetry.Init(log)
		srv := serveMetrics(log, conf.Metrics.Address())
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			_ = srv.Shutdown(ctx)
		}()
	}

	commands := make(chan dispatch.StopRequest, 2)
	signals := make(chan os.Signal, 2)
	signal.Notify(signals, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(signals)
	go forwardSignals(log, signals, commands, *immediateTimeout)

	return runtime.NewEngine(log, conf, plugins()...).Run(context.Background(), commands)
}

// forwardSignals turns the first signal into a Graceful stop, and any later one into an Immediate stop.
func forwardSignals(log hclog.Logger, signals <-chan os.Signal, commands chan<- dispatch.StopRequest, timeout time.Duration) {
	first := true
	for sig := range signals {
		req := dispatch.ImmediateStop(timeout)
		if first {
			req = dispatch.GracefulStop()
			first = false
		}
		log.Info("Received signal", "signal", sig.String(), "mode", req.Mode)
		select {
		case commands <- req:
		default:
		}
	}
}

func serveMetrics(log hclog.Logger, addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", telemetry.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		log.Info("Serving metrics", "address", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("Metrics server failed", "error", err)
		}
	}()
	return srv
}
