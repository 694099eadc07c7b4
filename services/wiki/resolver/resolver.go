// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package resolver dereferences federated ids into local rows.
//
// # Description
//
// Every reference to a remote entity goes through the Resolver. A local copy
// is returned when present and fresh; otherwise the entity is fetched from
// its owner, its id is checked against the address it was fetched from, and
// the result is upserted. Concurrent lookups of the same id share a single
// fetch.
//
// Actor references embedded in other objects never fail the enclosing
// operation: an actor that cannot be fetched is replaced by the local ghost
// person so edits and comments stay attributable.
//
// # Thread Safety
//
// Resolver is safe for concurrent use.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/sync/singleflight"

	"github.com/Nutomic/ibis-sub001/services/wiki/apub"
	"github.com/Nutomic/ibis-sub001/services/wiki/model"
	"github.com/Nutomic/ibis-sub001/services/wiki/version"
)

// ErrDereferenceFailed is returned when a remote entity cannot be fetched or
// its document does not belong to the address it was fetched from.
var ErrDereferenceFailed = errors.New("dereference failed")

var fetchTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "ibis_resolver_fetch_total",
	Help: "Remote dereferences by entity kind and outcome",
}, []string{"kind", "outcome"})

// Fetcher retrieves a federation document and decodes it into out.
type Fetcher interface {
	Fetch(ctx context.Context, url string, out any) error
}

// Store is the persistence the resolver needs.
type Store interface {
	Instance(ctx context.Context, id model.ObjectID) (model.Instance, error)
	UpsertInstance(ctx context.Context, inst model.Instance) (model.Instance, error)
	Person(ctx context.Context, id model.ObjectID) (model.Person, error)
	UpsertPerson(ctx context.Context, p model.Person) (model.Person, error)
	LocalPersonByName(ctx context.Context, username string) (model.Person, error)
	Article(ctx context.Context, id model.ObjectID) (model.Article, error)
	UpsertArticle(ctx context.Context, a model.Article) (model.Article, error)
	CreateEdit(ctx context.Context, e model.Edit) (model.Edit, error)
}

// Config tunes the resolver.
type Config struct {
	// StaleAfter is the age after which a remote actor is refetched.
	StaleAfter time.Duration
}

// Resolver dereferences ids.
type Resolver struct {
	store   Store
	fetcher Fetcher
	site    model.Site
	cfg     Config
	flight  singleflight.Group
	logger  *slog.Logger
	now     func() time.Time
}

// New creates a Resolver for the local site.
func New(store Store, fetcher Fetcher, site model.Site, cfg Config, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 24 * time.Hour
	}
	return &Resolver{
		store:   store,
		fetcher: fetcher,
		site:    site,
		cfg:     cfg,
		logger:  logger.With("component", "resolver"),
		now:     time.Now,
	}
}

// fetch retrieves url into out and checks that id, the document's own id,
// lives on the host that served it.
func (r *Resolver) fetch(ctx context.Context, kind, url string, out any, id func() model.ObjectID) error {
	if err := r.fetcher.Fetch(ctx, url, out); err != nil {
		fetchTotal.WithLabelValues(kind, "error").Inc()
		return fmt.Errorf("%w: fetch %s %s: %w", ErrDereferenceFailed, kind, url, err)
	}
	if got := id(); !got.SameDomain(model.ObjectID(url)) {
		fetchTotal.WithLabelValues(kind, "domain_mismatch").Inc()
		return fmt.Errorf("%w: %s document %s served by %s", ErrDereferenceFailed, kind, got, model.ObjectID(url).Domain())
	}
	fetchTotal.WithLabelValues(kind, "ok").Inc()
	return nil
}

func (r *Resolver) stale(last time.Time) bool {
	return r.now().Sub(last) > r.cfg.StaleAfter
}

// once coalesces concurrent resolutions of the same key.
func once[T any](r *Resolver, key string, fn func() (T, error)) (T, error) {
	v, err, _ := r.flight.Do(key, func() (any, error) { return fn() })
	if err != nil {
		var zero T
		return zero, err
	}
	return v.(T), nil
}

// Instance resolves an instance.
func (r *Resolver) Instance(ctx context.Context, id model.ObjectID) (model.Instance, error) {
	local, err := r.store.Instance(ctx, id)
	switch {
	case err == nil && (local.Local || !r.stale(local.LastRefresh)):
		return local, nil
	case err != nil && !errors.Is(err, model.ErrNotFound):
		return model.Instance{}, err
	case errors.Is(err, model.ErrNotFound) && r.site.IsLocal(id):
		return model.Instance{}, err
	}
	have := err == nil
	fresh, err := once(r, "instance\x00"+string(id), func() (model.Instance, error) {
		return r.fetchInstance(ctx, id)
	})
	if err != nil && have {
		r.logger.Warn("refresh failed, using stored instance",
			slog.String("id", string(id)), slog.String("error", err.Error()))
		return local, nil
	}
	return fresh, err
}

func (r *Resolver) fetchInstance(ctx context.Context, id model.ObjectID) (model.Instance, error) {
	var doc apub.InstanceObject
	if err := r.fetch(ctx, "instance", string(id), &doc, func() model.ObjectID { return doc.ID }); err != nil {
		return model.Instance{}, err
	}
	inst, err := r.store.UpsertInstance(ctx, doc.ToModel(r.now().UTC()))
	if err != nil {
		return model.Instance{}, fmt.Errorf("store instance %s: %w", id, err)
	}
	if inst.Articles != "" {
		if err := r.SyncArticles(ctx, inst); err != nil {
			r.logger.Warn("article collection sync failed",
				slog.String("instance", string(id)), slog.String("error", err.Error()))
		}
	}
	return inst, nil
}

// Person resolves a person.
func (r *Resolver) Person(ctx context.Context, id model.ObjectID) (model.Person, error) {
	local, err := r.store.Person(ctx, id)
	switch {
	case err == nil && (local.Local || !r.stale(local.LastRefresh)):
		return local, nil
	case err != nil && !errors.Is(err, model.ErrNotFound):
		return model.Person{}, err
	case errors.Is(err, model.ErrNotFound) && r.site.IsLocal(id):
		return model.Person{}, err
	}
	have := err == nil
	fresh, err := once(r, "person\x00"+string(id), func() (model.Person, error) {
		var doc apub.PersonObject
		if err := r.fetch(ctx, "person", string(id), &doc, func() model.ObjectID { return doc.ID }); err != nil {
			return model.Person{}, err
		}
		p, err := r.store.UpsertPerson(ctx, doc.ToModel(r.now().UTC()))
		if err != nil {
			return model.Person{}, fmt.Errorf("store person %s: %w", id, err)
		}
		return p, nil
	})
	if err != nil && have {
		return local, nil
	}
	return fresh, err
}

// Actor resolves a person referenced from another object, substituting the
// ghost when the person cannot be resolved.
func (r *Resolver) Actor(ctx context.Context, id model.ObjectID) (model.Person, error) {
	p, err := r.Person(ctx, id)
	if err == nil {
		return p, nil
	}
	r.logger.Info("substituting ghost for unresolvable actor",
		slog.String("actor", string(id)), slog.String("error", err.Error()))
	return r.Ghost(ctx)
}

// Ghost returns the local placeholder person, creating it on first use.
func (r *Resolver) Ghost(ctx context.Context) (model.Person, error) {
	p, err := r.store.LocalPersonByName(ctx, model.GhostUsername)
	if err == nil {
		return p, nil
	}
	if !errors.Is(err, model.ErrNotFound) {
		return model.Person{}, err
	}
	return once(r, "ghost", func() (model.Person, error) {
		return r.store.UpsertPerson(ctx, model.Person{
			ID:          r.site.GhostID(),
			Username:    model.GhostUsername,
			DisplayName: "Deleted user",
			Inbox:       r.site.Inbox(),
			LastRefresh: r.now().UTC(),
			Local:       true,
		})
	})
}

// Article resolves an article. Remote articles are fetched only when
// missing, or always when force is set, and each fetch also syncs the
// article's edit history.
func (r *Resolver) Article(ctx context.Context, id model.ObjectID, force bool) (model.Article, error) {
	local, err := r.store.Article(ctx, id)
	switch {
	case err == nil && (local.Local || !force):
		return local, nil
	case err != nil && !errors.Is(err, model.ErrNotFound):
		return model.Article{}, err
	case errors.Is(err, model.ErrNotFound) && r.site.IsLocal(id):
		return model.Article{}, err
	}
	return once(r, "article\x00"+string(id), func() (model.Article, error) {
		var doc apub.ArticleObject
		if err := r.fetch(ctx, "article", string(id), &doc, func() model.ObjectID { return doc.ID }); err != nil {
			return model.Article{}, err
		}
		return r.StoreArticle(ctx, doc)
	})
}

// StoreArticle upserts a remote article snapshot and syncs its edits. The
// snapshot must be attributed to an instance on the article's own host.
func (r *Resolver) StoreArticle(ctx context.Context, doc apub.ArticleObject) (model.Article, error) {
	if !doc.AttributedTo.SameDomain(doc.ID) {
		return model.Article{}, fmt.Errorf("%w: article %s attributed to %s", ErrDereferenceFailed, doc.ID, doc.AttributedTo)
	}
	if r.site.IsLocal(doc.ID) {
		return model.Article{}, fmt.Errorf("%w: remote copy of local article %s", ErrDereferenceFailed, doc.ID)
	}
	if _, err := r.Instance(ctx, doc.AttributedTo); err != nil {
		return model.Article{}, fmt.Errorf("resolve origin of %s: %w", doc.ID, err)
	}
	a := doc.ToModel()
	if existing, err := r.store.Article(ctx, doc.ID); err == nil {
		a.Removed = existing.Removed
	}
	stored, err := r.store.UpsertArticle(ctx, a)
	if err != nil {
		return model.Article{}, fmt.Errorf("store article %s: %w", doc.ID, err)
	}
	if err := r.SyncEdits(ctx, stored, doc.Edits); err != nil {
		return model.Article{}, err
	}
	return stored, nil
}

// SyncEdits fetches the edits collection of a remote article and stores
// every edit it lists as confirmed. Edits whose version does not match
// their diff are skipped.
func (r *Resolver) SyncEdits(ctx context.Context, a model.Article, collection string) error {
	if collection == "" {
		collection = a.EditsURL()
	}
	var doc apub.OrderedCollection[apub.EditObject]
	if err := r.fetch(ctx, "edits", collection, &doc, func() model.ObjectID { return model.ObjectID(doc.ID) }); err != nil {
		return err
	}
	for _, item := range doc.OrderedItems {
		if err := r.storeEdit(ctx, a, item); err != nil {
			return err
		}
	}
	return nil
}

func (r *Resolver) storeEdit(ctx context.Context, a model.Article, item apub.EditObject) error {
	if item.Object != a.ID || !item.ID.SameDomain(a.ID) {
		r.logger.Warn("skipping edit of another article",
			slog.String("edit", string(item.ID)), slog.String("article", string(a.ID)))
		return nil
	}
	if version.Of(item.Content) != item.Version {
		r.logger.Warn("skipping edit with mismatched version", slog.String("edit", string(item.ID)))
		return nil
	}
	creator, err := r.Actor(ctx, item.AttributedTo)
	if err != nil {
		return fmt.Errorf("resolve creator of %s: %w", item.ID, err)
	}
	if _, err := r.store.CreateEdit(ctx, item.ToModel(creator.ID, false)); err != nil {
		return fmt.Errorf("store edit %s: %w", item.ID, err)
	}
	return nil
}

// SyncArticles fetches the article collection of a remote instance and
// stores every article snapshot it lists. Items hosted elsewhere are
// skipped and local articles are never overwritten.
func (r *Resolver) SyncArticles(ctx context.Context, inst model.Instance) error {
	var doc apub.OrderedCollection[apub.ArticleObject]
	if err := r.fetch(ctx, "articles", inst.Articles, &doc, func() model.ObjectID { return model.ObjectID(doc.ID) }); err != nil {
		return err
	}
	for _, item := range doc.OrderedItems {
		if !strings.EqualFold(string(item.AttributedTo), string(inst.ID)) || !item.ID.SameDomain(inst.ID) || r.site.IsLocal(item.ID) {
			r.logger.Debug("skipping foreign article in collection",
				slog.String("instance", string(inst.ID)), slog.String("article", string(item.ID)))
			continue
		}
		a := item.ToModel()
		existing, err := r.store.Article(ctx, a.ID)
		switch {
		case err == nil && existing.Local:
			continue
		case err == nil:
			a.Removed = existing.Removed
		case !errors.Is(err, model.ErrNotFound):
			return err
		}
		if _, err := r.store.UpsertArticle(ctx, a); err != nil {
			return fmt.Errorf("store article %s: %w", a.ID, err)
		}
	}
	return nil
}

// FetchComment retrieves a remote comment document without storing it.
func (r *Resolver) FetchComment(ctx context.Context, id model.ObjectID) (apub.CommentObject, error) {
	var doc apub.CommentObject
	err := r.fetch(ctx, "comment", string(id), &doc, func() model.ObjectID { return doc.ID })
	return doc, err
}

// PublicKey returns the PEM key of the instance or person that owns a
// signature. Instances are identified by the root path of their host.
func (r *Resolver) PublicKey(ctx context.Context, owner model.ObjectID) (string, error) {
	u, err := url.Parse(string(owner))
	if err != nil {
		return "", fmt.Errorf("%w: key owner %s", ErrDereferenceFailed, owner)
	}
	if u.Path == "" || u.Path == "/" {
		inst, err := r.Instance(ctx, owner)
		return inst.PublicKey, err
	}
	p, err := r.Person(ctx, owner)
	return p.PublicKey, err
}
