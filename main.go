package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/prappser/streamer_server/internal"
	"github.com/prappser/streamer_server/internal/source"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

// Set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		log.Fatal().Err(err).Msg("Streamer exited")
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "streamer",
		Short:         "HTTP byte-range streaming proxy for remote media",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringP("config", "c", "", "path to the YAML config (default files/config.yaml)")

	serve := newServeCmd()
	root.RunE = serve.RunE
	root.AddCommand(serve, newVersionCmd())
	return root
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the streaming server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			configPath, err := cmd.Flags().GetString("config")
			if err != nil {
				return err
			}
			return serve(cmd.Context(), configPath)
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	}
}

func serve(parent context.Context, configPath string) error {
	config, err := internal.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("error loading config: %w", err)
	}

	logFile, err := internal.SetupLogger(config.Log)
	if err != nil {
		return err
	}
	defer logFile.Close()

	src, err := source.NewSource(&config.Source)
	if err != nil {
		return fmt.Errorf("error initializing source: %w", err)
	}

	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info().Str("version", version).Str("source", src.Name()).Msg("Starting streamer")
	return internal.NewServer(config, src, version).ListenAndServe(ctx)
}
