package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/oriys/midas/internal/config"
	"github.com/oriys/midas/internal/event"
	"github.com/oriys/midas/internal/host"
	"github.com/oriys/midas/internal/logging"
	"github.com/oriys/midas/internal/metrics"
	"github.com/oriys/midas/internal/transport"
	"github.com/oriys/midas/internal/tui"
)

func hostCmd() *cobra.Command {
	var (
		configFile string
		headless   bool
		autostart  int
	)
	cmd := &cobra.Command{
		Use:   "host",
		Short: "Run the coordinator",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configFile)
			if err != nil {
				return usageError{err: err}
			}
			flags := cmd.Flags()
			if flags.Changed("address") {
				cfg.Address, _ = flags.GetString("address")
			}
			if flags.Changed("script") {
				cfg.Host.Script, _ = flags.GetString("script")
			}
			if flags.Changed("metrics") {
				cfg.Host.MetricsAddr, _ = flags.GetString("metrics")
			}
			if flags.Changed("log-level") {
				cfg.LogLevel, _ = flags.GetString("log-level")
			}
			if flags.Changed("log-file") {
				cfg.LogFile, _ = flags.GetString("log-file")
			}
			if cfg.Address == "" {
				return usageError{err: errors.New("an --address is required")}
			}
			if autostart > 0 && cfg.Host.Script == "" {
				return usageError{err: errors.New("--autostart requires --script")}
			}
			return runHost(cfg, headless, autostart)
		},
	}
	cmd.Flags().String("address", "", "HOST:PORT to listen on")
	cmd.Flags().String("script", "", "script preloaded into the Begin prompt")
	cmd.Flags().String("metrics", "", "address for the prometheus endpoint (disabled when empty)")
	cmd.Flags().String("log-level", "", "debug, info, warn or error")
	cmd.Flags().String("log-file", "", "file for operational logs (default: discarded under the UI)")
	cmd.Flags().StringVar(&configFile, "config", "", "path to YAML config (flags override)")
	cmd.Flags().BoolVar(&headless, "headless", false, "run without the terminal UI, logging events to stderr")
	cmd.Flags().IntVar(&autostart, "autostart", 0, "headless: Begin once this many participants registered")
	return cmd
}

func runHost(cfg config.Config, headless bool, autostart int) error {
	logging.SetLevelFromString(cfg.LogLevel)
	if cfg.LogFile != "" {
		f, err := os.OpenFile(cfg.LogFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return fmt.Errorf("open log file: %w", err)
		}
		defer f.Close()
		logging.SetOutput(f)
	} else if !headless {
		// The UI owns the terminal; without a log file there is nowhere for
		// operational logs to go.
		logging.SetOutput(io.Discard)
	}

	router := event.NewRouter(cfg.Host.EventBuffer)
	sink := event.NewSink(cfg.Host.EventBuffer)

	listener, err := transport.Listen(cfg.Address, router)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", cfg.Address, err)
	}
	defer listener.Close()
	go listener.Run()
	logging.Op().Info("host listening", "address", listener.Addr().String())

	var met *metrics.Metrics
	if cfg.Host.MetricsAddr != "" {
		met = metrics.New("midas")
		go func() {
			if err := met.Serve(cfg.Host.MetricsAddr); err != nil {
				logging.Op().Warn("metrics endpoint stopped", "error", err)
			}
		}()
	}

	coordinator := host.New(router, sink, listener, met)
	done := make(chan struct{})
	go func() {
		coordinator.Run()
		close(done)
	}()

	if headless {
		runHeadless(router, sink, cfg.Host.Script, autostart)
	} else if err := tui.Run(sink.Events(), router.Send, cfg.Host.Script); err != nil {
		// The UI failed mid-session; tell the coordinator to wind down.
		router.Send(event.RemoveAll{})
		router.Send(event.Shutdown{})
		<-done
		return fmt.Errorf("terminal ui: %w", err)
	}
	<-done
	return nil
}

// runHeadless mirrors the UI contract onto the operational logger and exits
// on SIGINT/SIGTERM. With autostart > 0 it issues one Begin as soon as that
// many participants are registered.
func runHeadless(router *event.Router, sink *event.Sink, script string, autostart int) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	registered := 0
	begun := false
	go func() {
		for ev := range sink.Events() {
			switch e := ev.(type) {
			case event.ParticipantRegistered:
				registered++
				logging.Op().Info("participant registered", "name", e.Name)
				if !begun && autostart > 0 && registered >= autostart {
					begun = true
					router.Send(event.Begin{Path: script})
				}
			case event.ParticipantUnregistered:
				registered--
				logging.Op().Info("participant unregistered", "name", e.Name)
			case event.ChangeStatusTo:
				logging.Op().Debug("status", "name", e.Name, "status", e.Status.String())
			case event.ParticipantProgress:
				logging.Op().Debug("progress", "name", e.Name, "fraction", e.Fraction)
			case event.Log:
				logUILine(e)
			case event.InterpretResultsReturn:
				logging.Op().Info("job result", "summary", e.Text)
			}
		}
	}()

	<-ctx.Done()
	router.Send(event.RemoveAll{})
	router.Send(event.Shutdown{})
}

func logUILine(l event.Log) {
	logger := logging.Op().With("source", l.Source.String(), "severity", l.Severity.String())
	switch l.Severity {
	case event.SeverityError:
		logger.Error(l.Message)
	case event.SeverityWarning:
		logger.Warn(l.Message)
	default:
		logger.Info(l.Message)
	}
}
