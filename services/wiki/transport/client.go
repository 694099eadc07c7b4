// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package transport moves federation documents between instances.
//
// # Description
//
// Client fetches remote documents for the resolver and delivers outbound
// activities to inboxes. Delivery is fire and forget from the caller's
// point of view: Deliver encodes the activity, hands every recipient to its
// own goroutine and returns. A failure for one recipient never delays the
// others and is not retried.
//
// Every contacted host gets its own circuit breaker, and all deliveries
// share a token bucket. Hosts refused by the DomainFilter are never
// contacted.
//
// # Thread Safety
//
// Client is safe for concurrent use.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/Nutomic/ibis-sub001/services/wiki/apub"
)

var (
	// ErrDomainBlocked is returned for hosts refused by the DomainFilter.
	ErrDomainBlocked = errors.New("domain not allowed")
	// ErrBadURL is returned for ids that are not absolute http(s) URLs.
	ErrBadURL = errors.New("not an http url")
)

// StatusError is a non 2xx response.
type StatusError struct {
	URL  string
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s returned status %d", e.URL, e.Code)
}

var deliveriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "ibis_deliveries_total",
	Help: "Outbound activity deliveries by outcome",
}, []string{"outcome"})

var tracer = otel.Tracer("github.com/Nutomic/ibis-sub001/services/wiki/transport")

// Config tunes the client.
type Config struct {
	FetchTimeout    time.Duration
	DeliveryTimeout time.Duration
	// DeliveryRate is the sustained number of deliveries per second.
	DeliveryRate  float64
	DeliveryBurst int
	// MaxBodyBytes bounds fetched documents.
	MaxBodyBytes int64
	UserAgent    string
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		FetchTimeout:    10 * time.Second,
		DeliveryTimeout: 10 * time.Second,
		DeliveryRate:    50,
		DeliveryBurst:   100,
		MaxBodyBytes:    4 << 20,
		UserAgent:       "ibis",
	}
}

// Client fetches and delivers federation documents.
type Client struct {
	cfg      Config
	http     *http.Client
	filter   *DomainFilter
	signer   Signer
	limiter  *rate.Limiter
	breakers *breakers
	latency  metric.Float64Histogram
	logger   *slog.Logger

	pending atomic.Int64
}

// NewClient creates a Client. signer may be nil, in which case deliveries
// are unsigned.
func NewClient(cfg Config, filter *DomainFilter, signer Signer, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "transport")
	latency, err := otel.Meter("github.com/Nutomic/ibis-sub001/services/wiki/transport").Float64Histogram(
		"ibis.delivery.duration",
		metric.WithUnit("s"),
		metric.WithDescription("Duration of outbound activity deliveries"),
	)
	if err != nil {
		logger.Warn("delivery histogram unavailable", slog.String("error", err.Error()))
	}
	return &Client{
		cfg:      cfg,
		http:     &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)},
		filter:   filter,
		signer:   signer,
		limiter:  rate.NewLimiter(rate.Limit(cfg.DeliveryRate), cfg.DeliveryBurst),
		breakers: newBreakers(logger),
		latency:  latency,
		logger:   logger,
	}
}

func (c *Client) target(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("%w: %q", ErrBadURL, raw)
	}
	if !c.filter.Allowed(u.Host) {
		return nil, fmt.Errorf("%w: %s", ErrDomainBlocked, u.Host)
	}
	return u, nil
}

// Fetch retrieves a federation document and decodes it into out.
func (c *Client) Fetch(ctx context.Context, raw string, out any) error {
	u, err := c.target(raw)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, c.cfg.FetchTimeout)
	defer cancel()

	_, err = c.breakers.get(u.Host).Execute(func() (any, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Accept", apub.MediaType)
		req.Header.Set("User-Agent", c.cfg.UserAgent)
		resp, err := c.http.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
			return nil, &StatusError{URL: raw, Code: resp.StatusCode}
		}
		return nil, json.NewDecoder(io.LimitReader(resp.Body, c.cfg.MaxBodyBytes)).Decode(out)
	})
	if err != nil {
		return fmt.Errorf("fetch %s: %w", raw, err)
	}
	return nil
}

// Deliver sends a to every inbox in the background. Duplicate and refused
// inboxes are skipped. Only encoding errors are returned.
func (c *Client) Deliver(ctx context.Context, a apub.Activity, inboxes []string) error {
	body, err := apub.Encode(a)
	if err != nil {
		return err
	}
	seen := make(map[string]struct{}, len(inboxes))
	var targets []*url.URL
	for _, inbox := range inboxes {
		if _, dup := seen[inbox]; dup {
			continue
		}
		seen[inbox] = struct{}{}
		u, err := c.target(inbox)
		if err != nil {
			deliveriesTotal.WithLabelValues("refused").Inc()
			c.logger.Debug("skipping inbox", slog.String("inbox", inbox), slog.String("error", err.Error()))
			continue
		}
		targets = append(targets, u)
	}
	if len(targets) == 0 {
		return nil
	}

	ctx = context.WithoutCancel(ctx)
	c.pending.Add(1)
	go func() {
		defer c.pending.Add(-1)
		var g errgroup.Group
		for _, u := range targets {
			g.Go(func() error { return c.deliverOne(ctx, a, body, u) })
		}
		_ = g.Wait()
	}()
	return nil
}

func (c *Client) deliverOne(ctx context.Context, a apub.Activity, body []byte, u *url.URL) error {
	ctx, span := tracer.Start(ctx, "transport.deliver")
	defer span.End()
	span.SetAttributes(
		attribute.String("activity.kind", string(a.Kind())),
		attribute.String("inbox.host", u.Host),
	)

	start := time.Now()
	err := c.post(ctx, a, body, u)
	outcome := "ok"
	if err != nil {
		outcome = "error"
		span.RecordError(err)
		c.logger.Warn("delivery failed",
			slog.String("activity_id", a.Identify()),
			slog.String("kind", string(a.Kind())),
			slog.String("inbox", u.String()),
			slog.String("error", err.Error()))
	}
	deliveriesTotal.WithLabelValues(outcome).Inc()
	if c.latency != nil {
		c.latency.Record(ctx, time.Since(start).Seconds(), metric.WithAttributes(attribute.String("outcome", outcome)))
	}
	return err
}

func (c *Client) post(ctx context.Context, a apub.Activity, body []byte, u *url.URL) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, c.cfg.DeliveryTimeout)
	defer cancel()

	_, err := c.breakers.get(u.Host).Execute(func() (any, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", apub.MediaType)
		req.Header.Set("User-Agent", c.cfg.UserAgent)
		if c.signer != nil {
			if err := SignRequest(ctx, req, body, a.ActorID(), c.signer); err != nil {
				return nil, err
			}
		}
		resp, err := c.http.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return nil, &StatusError{URL: u.String(), Code: resp.StatusCode}
		}
		return nil, nil
	})
	return err
}

// Pending reports how many delivery batches are still running.
func (c *Client) Pending() int64 {
	return c.pending.Load()
}

// Wait blocks until no delivery is running or ctx is done.
func (c *Client) Wait(ctx context.Context) error {
	t := time.NewTicker(5 * time.Millisecond)
	defer t.Stop()
	for c.pending.Load() > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
	return nil
}
