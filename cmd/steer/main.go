// Copyright 2025 The Steer Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// The steer command runs the programmable reverse proxy.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/automaxprocs/maxprocs"
	"go.uber.org/zap"

	"github.com/steerproxy/steer"
	"github.com/steerproxy/steer/admin"
)

// Version is set at build time.
var Version = "(devel)"

func main() {
	root := &cobra.Command{
		Use:           "steer",
		Short:         "A programmable TCP/TLS reverse proxy with automatic certificates",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(startCommand(), versionCommand(), listCertsCommand())
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func startCommand() *cobra.Command {
	var (
		configPath string
		adminAddr  string
		debug      bool
	)
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start the proxy and its admin API",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := steer.NewLogger(debug)
			defer logger.Sync()
			steer.SetLogger(logger)
			undo, err := maxprocs.Set(maxprocs.Logger(logger.Sugar().Debugf))
			defer undo()
			if err != nil {
				logger.Warn("setting GOMAXPROCS", zap.Error(err))
			}

			config, err := steer.LoadConfig(configPath)
			if err != nil {
				return err
			}

			registry := prometheus.NewRegistry()
			srv := steer.NewServer(config,
				steer.WithLogger(logger.Named("server")),
				steer.WithMetrics(registry),
			)

			adminSrv := &http.Server{
				Addr:              adminAddr,
				Handler:           admin.NewHandler(srv, logger.Named("admin"), registry),
				ReadHeaderTimeout: 10 * time.Second,
			}
			go func() {
				logger.Info("admin api listening", zap.String("addr", adminAddr))
				if err := adminSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
					logger.Error("admin api failed", zap.Error(err))
				}
			}()

			ctx, stop := signal.NotifyContext(context.Background(),
				os.Interrupt, syscall.SIGTERM)
			defer stop()

			err = srv.Run(ctx)

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			adminSrv.Shutdown(shutdownCtx)
			return err
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "steer.toml", "path to the configuration document")
	cmd.Flags().StringVar(&adminAddr, "admin", "127.0.0.1:9070", "admin API listen address")
	cmd.Flags().BoolVar(&debug, "debug", false, "enable debug logging")
	return cmd
}

func versionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(Version)
		},
	}
}

func listCertsCommand() *cobra.Command {
	var certsDir string
	cmd := &cobra.Command{
		Use:   "list-certs",
		Short: "List the certificates stored in the certificate directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			certs, errs := steer.LoadCertsDir(certsDir)
			for _, err := range errs {
				fmt.Fprintln(os.Stderr, "Warning:", err)
			}
			for _, cert := range certs {
				fmt.Printf("%s\t%v\texpires %s\n",
					cert.ID[:12], cert.Names, humanize.Time(cert.NotAfter))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&certsDir, "certs-dir", "certs", "certificate directory")
	return cmd
}
