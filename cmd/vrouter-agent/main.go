/*
Copyright 2025 The Contrail Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-logr/logr"
	"github.com/spf13/cobra"

	"github.com/arvindvis/contrail-controller/pkg/agent"
	"github.com/arvindvis/contrail-controller/pkg/agent/config"
	logutil "github.com/arvindvis/contrail-controller/pkg/agent/util/logging"
	"github.com/arvindvis/contrail-controller/pkg/common/observability/logging"
	"github.com/arvindvis/contrail-controller/pkg/common/observability/profiling"
	"github.com/arvindvis/contrail-controller/version"
)

func main() {
	if err := newCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newCommand() *cobra.Command {
	cfg := config.Default()
	cmd := &cobra.Command{
		Use:          "contrail-vrouter-agent",
		Short:        "Virtual-router control agent",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), cfg)
		},
	}
	cfg.RegisterFlags(cmd.Flags())
	return cmd
}

func run(ctx context.Context, cfg *config.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if cfg.HostName == "" {
		hostName, err := os.Hostname()
		if err != nil {
			return fmt.Errorf("resolving host name: %w", err)
		}
		cfg.HostName = hostName
	}

	logger := logging.NewLogger(logging.Options{
		Verbosity:   cfg.LogLevel,
		Development: cfg.LogLocal,
	})
	logger.V(logutil.DEFAULT).Info("Starting",
		"program", cfg.ProgramName,
		"version", version.BuildVersion,
		"commit", version.CommitSHA,
		"buildRef", version.BuildRef)

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := agent.New(cfg, logger, agent.Options{})
	if err != nil {
		return err
	}

	srv := introspectServer(cfg, a, logger)
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error(err, "Introspect server shutdown")
		}
	}()
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error(err, "Introspect server failed")
		}
	}()

	return a.Run(ctx)
}

// introspectServer serves metrics and pprof on the configured HTTP port.
func introspectServer(cfg *config.Config, a *agent.Agent, logger logr.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", a.Metrics().Handler())
	profiling.SetupPprofHandlers(mux)

	addr := net.JoinHostPort("", strconv.Itoa(cfg.HTTPServerPort))
	logger.V(logutil.DEFAULT).Info("Introspect server listening", "addr", addr)
	return &http.Server{Addr: addr, Handler: mux}
}
