// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"modelvault/internal/server"
)

func newServeCmd(ro *RootOpts) *cobra.Command {
	var (
		addr    string
		port    int
		origins []string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP server for remote download management",
		Long: `Start an HTTP server that provides:
  - REST API for download and catalog management
  - WebSocket for live progress updates

The storage directory is configured server-side only (not via API).

Example:
  modelvault serve
  modelvault serve --port 3000
  modelvault serve --storage-dir /var/lib/modelvault`,
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return applySettingsDefaults(cmd, ro)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := buildLogger(ro)
			if err != nil {
				return err
			}
			defer logger.Sync()

			accessKey := strings.TrimSpace(ro.AccessKey)
			if accessKey == "" {
				accessKey = strings.TrimSpace(os.Getenv("MODELVAULT_ACCESS_KEY"))
			}
			secretKey := strings.TrimSpace(ro.SecretKey)
			if secretKey == "" {
				secretKey = strings.TrimSpace(os.Getenv("MODELVAULT_SECRET_KEY"))
			}
			endpoint := strings.TrimSpace(ro.Endpoint)
			if endpoint == "" {
				endpoint = strings.TrimSpace(os.Getenv("MODELVAULT_ENDPOINT"))
			}
			if endpoint == "" {
				return fmt.Errorf("missing endpoint. Pass --endpoint or set MODELVAULT_ENDPOINT")
			}

			srv, err := server.New(server.Config{
				Addr:           addr,
				Port:           port,
				AccessKey:      accessKey,
				SecretKey:      secretKey,
				Endpoint:       endpoint,
				StorageDir:     ro.StorageDir,
				AllowedOrigins: origins,
			}, server.WithLogger(logger))
			if err != nil {
				return err
			}

			ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			fmt.Printf("modelvault server listening on http://%s:%d\n", addr, port)
			fmt.Printf("  API: http://localhost:%d/api\n", port)

			return srv.ListenAndServe(ctx)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "0.0.0.0", "Address to bind to")
	cmd.Flags().IntVarP(&port, "port", "p", 8080, "Port to listen on")
	cmd.Flags().StringSliceVar(&origins, "allow-origin", nil, "Allowed CORS origins (default: any)")

	return cmd
}
