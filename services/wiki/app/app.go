// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package app assembles a wiki instance from its configuration.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/Nutomic/ibis-sub001/pkg/validation"
	"github.com/Nutomic/ibis-sub001/services/wiki/api"
	"github.com/Nutomic/ibis-sub001/services/wiki/comment"
	"github.com/Nutomic/ibis-sub001/services/wiki/config"
	"github.com/Nutomic/ibis-sub001/services/wiki/conflict"
	"github.com/Nutomic/ibis-sub001/services/wiki/federation"
	"github.com/Nutomic/ibis-sub001/services/wiki/follow"
	"github.com/Nutomic/ibis-sub001/services/wiki/keys"
	"github.com/Nutomic/ibis-sub001/services/wiki/model"
	"github.com/Nutomic/ibis-sub001/services/wiki/replication"
	"github.com/Nutomic/ibis-sub001/services/wiki/resolver"
	"github.com/Nutomic/ibis-sub001/services/wiki/storage/badger"
	"github.com/Nutomic/ibis-sub001/services/wiki/transport"
)

// shutdownTimeout bounds draining HTTP requests and queued deliveries.
const shutdownTimeout = 15 * time.Second

// App is one running instance with every component wired.
type App struct {
	Config config.Config
	Site   model.Site

	Store       *badger.Store
	Keys        *keys.Keyring
	Filter      *transport.DomainFilter
	Client      *transport.Client
	Resolver    *resolver.Resolver
	Graph       *follow.Graph
	Conflicts   *conflict.Ledger
	Coordinator *replication.Coordinator
	Comments    *comment.Service
	Dispatcher  *federation.Dispatcher
	Server      *api.Server

	logger *slog.Logger
}

// New opens storage, bootstraps the local instance and wires the
// components.
//
// # Description
//
// The local instance row and its keypair are created on first start. Later
// starts reuse them. The domain of an existing data directory cannot be
// changed.
//
// # Inputs
//
//   - cfg: Validated configuration.
//   - version: Reported by nodeinfo.
//   - logger: Base logger. Nil means slog.Default().
//
// # Outputs
//
//   - *App: Ready to serve. Close releases storage.
//   - error: Storage or bootstrap failure.
func New(ctx context.Context, cfg config.Config, version string, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	store, err := openStore(cfg.Storage, logger)
	if err != nil {
		return nil, err
	}

	a := &App{
		Config: cfg,
		Site:   model.NewSite(cfg.Federation.Domain, cfg.Federation.TLS),
		Store:  store,
		Keys:   keys.NewKeyring(store),
		Filter: transport.NewDomainFilter(cfg.Federation.Allowlist, cfg.Federation.Blocklist),
		logger: logger.With("component", "app"),
	}
	if err := a.bootstrap(ctx); err != nil {
		_ = store.Close()
		return nil, err
	}

	tcfg := transport.DefaultConfig()
	tcfg.FetchTimeout = cfg.Federation.FetchTimeout
	tcfg.DeliveryRate = cfg.Federation.DeliveryRate
	tcfg.DeliveryBurst = cfg.Federation.DeliveryBurst
	tcfg.UserAgent = "ibis/" + version
	a.Client = transport.NewClient(tcfg, a.Filter, a.Keys, logger)

	a.Resolver = resolver.New(store, a.Client, a.Site, resolver.Config{StaleAfter: cfg.Federation.StaleAfter}, logger)
	a.Graph = follow.NewGraph(store, logger)
	a.Conflicts = conflict.NewLedger(store, logger)
	a.Coordinator = replication.New(replication.Deps{
		Store:     store,
		Followers: a.Graph,
		Conflicts: a.Conflicts,
		Resolver:  a.Resolver,
		Sender:    a.Client,
	}, a.Site, replication.Options{ArticleApproval: cfg.Options.ArticleApproval}, logger)
	a.Comments = comment.New(store, a.Resolver, a.Graph, a.Client, a.Site, cfg.Federation.CommentMaxDepth, logger)
	a.Dispatcher = federation.New(federation.Deps{
		Store:    store,
		Resolver: a.Resolver,
		Articles: a.Coordinator,
		Comments: a.Comments,
		Graph:    a.Graph,
		Sender:   a.Client,
		Filter:   a.Filter,
	}, a.Site, logger)
	a.Server = api.NewServer(api.Deps{
		Store:       store,
		Coordinator: a.Coordinator,
		Comments:    a.Comments,
		Conflicts:   a.Conflicts,
		Dispatcher:  a.Dispatcher,
		Resolver:    a.Resolver,
		Graph:       a.Graph,
	}, a.Site, api.Options{
		VerifySignatures: cfg.Federation.VerifySignatures,
		Version:          version,
		RegistrationOpen: cfg.Options.RegistrationOpen,
	}, logger)
	return a, nil
}

func openStore(cfg config.StorageConfig, logger *slog.Logger) (*badger.Store, error) {
	if cfg.InMemory {
		return badger.OpenInMemoryStore()
	}
	dbCfg := badger.DefaultConfig()
	dbCfg.Path = cfg.Path
	dbCfg.Logger = logger.With("component", "badger")
	db, err := badger.Open(dbCfg)
	if err != nil {
		return nil, err
	}
	store, err := badger.NewStore(db, logger)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// bootstrap creates the local instance with its keypair if missing.
func (a *App) bootstrap(ctx context.Context) error {
	local, err := a.Store.LocalInstance(ctx)
	switch {
	case err == nil:
		if local.ID != a.Site.InstanceID() {
			return fmt.Errorf("data directory belongs to %s, configured domain is %s", local.ID, a.Site.InstanceID())
		}
		return nil
	case !errors.Is(err, model.ErrNotFound):
		return fmt.Errorf("read local instance: %w", err)
	}

	id := a.Site.InstanceID()
	pub, err := a.Keys.Generate(ctx, id)
	if err != nil {
		return err
	}
	inst := model.Instance{
		ID:          id,
		Domain:      a.Site.Domain,
		Name:        a.Site.Domain,
		PublicKey:   pub,
		Inbox:       a.Site.Inbox(),
		Articles:    a.Site.ArticlesURL(),
		LastRefresh: time.Now().UTC(),
		Local:       true,
	}
	if err := a.Store.CreateLocalInstance(ctx, inst); err != nil {
		return fmt.Errorf("create local instance: %w", err)
	}
	a.logger.Info("bootstrapped local instance", slog.String("id", string(id)))
	return nil
}

// AddUser creates a local person with a signing key and returns an API
// token for it. The token is shown once; only its hash is stored.
func (a *App) AddUser(ctx context.Context, username string, admin bool) (model.Person, string, error) {
	if err := validation.ValidateUsername(username); err != nil {
		return model.Person{}, "", err
	}
	if username == model.GhostUsername {
		return model.Person{}, "", fmt.Errorf("username %q is reserved: %w", username, validation.ErrInvalid)
	}
	if _, err := a.Store.LocalPersonByName(ctx, username); err == nil {
		return model.Person{}, "", fmt.Errorf("user %s: %w", username, model.ErrAlreadyExists)
	} else if !errors.Is(err, model.ErrNotFound) {
		return model.Person{}, "", err
	}

	id := a.Site.PersonID(username)
	pub, err := a.Keys.Generate(ctx, id)
	if err != nil {
		return model.Person{}, "", err
	}
	p, err := a.Store.UpsertPerson(ctx, model.Person{
		ID:          id,
		Username:    username,
		PublicKey:   pub,
		Inbox:       a.Site.Inbox(),
		LastRefresh: time.Now().UTC(),
		Local:       true,
		Admin:       admin,
	})
	if err != nil {
		return model.Person{}, "", fmt.Errorf("create user %s: %w", username, err)
	}
	token := api.NewToken()
	if err := a.Store.PutToken(ctx, api.HashToken(token), p.ID); err != nil {
		return model.Person{}, "", fmt.Errorf("store token for %s: %w", username, err)
	}
	a.logger.Info("created user", slog.String("id", string(p.ID)), slog.Bool("admin", admin))
	return p, token, nil
}

// Handler returns the HTTP handler of the instance.
func (a *App) Handler() http.Handler {
	return a.Server.Router()
}

// Run serves HTTP on the configured address until ctx is cancelled, then
// drains requests and queued deliveries.
func (a *App) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              a.Config.HTTP.Bind,
		Handler:           a.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("listening", slog.String("bind", srv.Addr), slog.String("domain", a.Site.Domain))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve http: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	err := srv.Shutdown(shutdownCtx)
	if werr := a.Client.Wait(shutdownCtx); werr != nil {
		a.logger.Warn("deliveries still pending at shutdown", slog.Int64("pending", a.Client.Pending()))
	}
	return err
}

// Close releases storage.
func (a *App) Close() error {
	return a.Store.Close()
}
