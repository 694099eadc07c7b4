// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/Nutomic/ibis-sub001/pkg/logging"
	"github.com/Nutomic/ibis-sub001/services/wiki/app"
	"github.com/Nutomic/ibis-sub001/services/wiki/config"
	"github.com/Nutomic/ibis-sub001/services/wiki/observability"
	"github.com/Nutomic/ibis-sub001/services/wiki/version"
)

const serviceName = "ibis"

func newLogger(cfg config.LoggingConfig) (*logging.Logger, error) {
	level, err := logging.ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	return logging.New(logging.Config{
		Level:   level,
		LogDir:  cfg.Dir,
		Service: serviceName,
		JSON:    cfg.JSON,
	}), nil
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg.Logging)
	if err != nil {
		return err
	}
	defer logger.Close()
	slog.SetDefault(logger.Slog())

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracer, err := observability.InitTracer(ctx, serviceName, cfg.Telemetry.Tracing, cfg.Telemetry.OTLPEndpoint, nil)
	if err != nil {
		return err
	}
	shutdownMeter, err := observability.InitMeter(ctx, serviceName, cfg.Telemetry.Metrics, nil, nil, 0)
	if err != nil {
		return err
	}
	defer func() {
		flushCtx := context.WithoutCancel(ctx)
		if err := shutdownMeter(flushCtx); err != nil {
			logger.Warn("meter shutdown", "error", err)
		}
		if err := shutdownTracer(flushCtx); err != nil {
			logger.Warn("tracer shutdown", "error", err)
		}
	}()

	a, err := app.New(ctx, cfg, Version, logger.Slog())
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			logger.Error("close storage", "error", err)
		}
	}()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.Run(gctx) })
	if watcher, err := config.NewWatcher(configPath, a.Filter, logger.Slog()); err != nil {
		logger.Warn("config hot reload disabled", "error", err)
	} else {
		g.Go(func() error {
			if err := watcher.Run(gctx); err != nil {
				logger.Warn("config hot reload stopped", "error", err)
			}
			return nil
		})
	}
	err = g.Wait()
	logger.Info("stopped")
	return err
}

func runUserAdd(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg.Logging)
	if err != nil {
		return err
	}
	defer logger.Close()

	a, err := app.New(cmd.Context(), cfg, Version, logger.Slog())
	if err != nil {
		return err
	}
	defer a.Close()

	p, token, err := a.AddUser(cmd.Context(), args[0], userAdmin)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "created %s\n", p.ID)
	fmt.Fprintf(out, "token: %s\n", token)
	return nil
}

func runConfigInit(cmd *cobra.Command, _ []string) error {
	if err := config.Write(configPath, config.DefaultConfig()); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", configPath)
	return nil
}

func runVersion(cmd *cobra.Command, _ []string) {
	fmt.Fprintf(cmd.OutOrStdout(), "ibis %s\n", Version)
}

func runVersionHash(cmd *cobra.Command, args []string) error {
	var diff string
	switch {
	case hashFrom != "":
		from, err := os.ReadFile(hashFrom)
		if err != nil {
			return err
		}
		to, err := os.ReadFile(hashTo)
		if err != nil {
			return err
		}
		change, err := version.Compute(string(from), string(to), version.Empty)
		if err != nil {
			return err
		}
		diff = change.Diff
	case len(args) == 1:
		data, err := os.ReadFile(args[0])
		if err != nil {
			return err
		}
		diff = string(data)
	default:
		data, err := io.ReadAll(cmd.InOrStdin())
		if err != nil {
			return err
		}
		diff = string(data)
	}
	v := version.Of(diff)
	fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", v, v.Hex())
	return nil
}
