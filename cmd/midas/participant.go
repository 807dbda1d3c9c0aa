package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/oriys/midas/internal/config"
	"github.com/oriys/midas/internal/logging"
	"github.com/oriys/midas/internal/participant"
)

func participantCmd() *cobra.Command {
	var configFile string
	cmd := &cobra.Command{
		Use:   "participant",
		Short: "Connect worker threads to a host",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configFile)
			if err != nil {
				return usageError{err: err}
			}
			flags := cmd.Flags()
			if flags.Changed("address") {
				cfg.Address, _ = flags.GetString("address")
			}
			if flags.Changed("name") {
				cfg.Participant.Name, _ = flags.GetString("name")
			}
			if flags.Changed("threads") {
				cfg.Participant.Threads, _ = flags.GetInt("threads")
			}
			if flags.Changed("log-level") {
				cfg.LogLevel, _ = flags.GetString("log-level")
			}
			if cfg.Address == "" {
				return usageError{err: errors.New("an --address is required")}
			}
			if cfg.Participant.Name == "" {
				return usageError{err: errors.New("a --name is required")}
			}
			if cfg.Participant.Threads < 0 {
				return usageError{err: errors.New("--threads must not be negative")}
			}
			logging.SetLevelFromString(cfg.LogLevel)

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			err = participant.Run(ctx, participant.Options{
				Address:           cfg.Address,
				BaseName:          cfg.Participant.Name,
				Threads:           cfg.Participant.Threads,
				ReconnectInterval: cfg.Participant.ReconnectInterval,
			})
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}
	cmd.Flags().String("address", "", "HOST:PORT of the host")
	cmd.Flags().String("name", "", "participant base name (suffixed per worker when --threads > 1)")
	cmd.Flags().Int("threads", 0, "worker threads (default: hardware concurrency)")
	cmd.Flags().String("log-level", "", "debug, info, warn or error")
	cmd.Flags().StringVar(&configFile, "config", "", "path to YAML config (flags override)")
	return cmd
}
