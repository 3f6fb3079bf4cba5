// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"context"
	"log"
	"os"

	"github.com/go-logr/stdr"
	"github.com/spf13/cobra"

	"github.com/Hearmeman24/CivitAI-Downloader/internal/server"
)

func newServeCmd(ro *RootOpts) *cobra.Command {
	var (
		addr      string
		port      int
		outputDir string
		conns     int
		active    int
		noAria2   bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start an HTTP server for remote downloads",
		Long: `Start an HTTP server that provides:
  - REST API for download management
  - WebSocket for live progress updates
  - Prometheus metrics on /metrics

The output path is configured server-side only (not via API).

Example:
  civitdl serve
  civitdl serve --port 3000
  civitdl serve --output ./Models`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := &server.Config{
				Addr:        addr,
				Port:        port,
				OutputDir:   outputDir,
				Connections: conns,
				MaxActive:   active,
				NoAria2:     noAria2,
				Token:       resolveToken(ro),
			}

			logger := stdr.New(log.New(os.Stderr, "", log.LstdFlags))
			if ro.Verbose {
				stdr.SetVerbosity(1)
			}

			srv := server.New(cfg, logger.WithName("civitdl"))

			ctx, cancel := signalContext(context.Background())
			defer cancel()

			return srv.ListenAndServe(ctx)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "0.0.0.0", "Address to bind to")
	cmd.Flags().IntVarP(&port, "port", "p", 8080, "Port to listen on")
	cmd.Flags().StringVarP(&outputDir, "output", "o", "Models", "Output directory for downloads")
	cmd.Flags().IntVarP(&conns, "connections", "c", 8, "Connections per file")
	cmd.Flags().IntVar(&active, "max-active", 2, "Max concurrent downloads")
	cmd.Flags().BoolVar(&noAria2, "no-aria2", false, "Use the built-in transfer engine only")

	return cmd
}
