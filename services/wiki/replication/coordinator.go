// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package replication decides where an edit is applied and propagates the
// result.
//
// # Description
//
// Every article has one origin instance, the only instance that accepts
// edits to it. An edit of a local article is committed here and the new
// state is pushed to every follower. An edit of a remote article is stored
// pending and proposed to the origin, which either commits it and pushes
// the new state to its followers and the submitter, or rejects it back.
//
// Commits go through a compare-and-swap on the article's latest version,
// so two edits racing against the same base cannot both win. The loser is
// re-applied once against the new text and becomes a conflict if it no
// longer applies.
//
// # Thread Safety
//
// Coordinator is safe for concurrent use.
package replication

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/Nutomic/ibis-sub001/services/wiki/apub"
	"github.com/Nutomic/ibis-sub001/services/wiki/model"
	"github.com/Nutomic/ibis-sub001/services/wiki/version"
)

var (
	// ErrArticleExists is returned when creating an article whose title is
	// taken on this instance.
	ErrArticleExists = errors.New("article already exists")
	// ErrNotOrigin is returned for operations only an article's origin may
	// perform.
	ErrNotOrigin = errors.New("article is not local")
	// ErrVersionMismatch is returned for a remote edit whose version is not
	// the hash of its diff.
	ErrVersionMismatch = errors.New("edit version does not match its diff")
)

var (
	editsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ibis_edits_total",
		Help: "Edits by the path they took",
	}, []string{"path"})

	patchApplySeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "ibis_patch_apply_seconds",
		Help:    "Time spent applying incoming diffs",
		Buckets: prometheus.ExponentialBuckets(0.0001, 4, 8),
	})
)

// Store is the persistence the coordinator needs.
type Store interface {
	LocalInstance(ctx context.Context) (model.Instance, error)
	Article(ctx context.Context, id model.ObjectID) (model.Article, error)
	InsertArticle(ctx context.Context, a model.Article) (model.Article, error)
	UpdateArticle(ctx context.Context, id model.ObjectID, form model.ArticleUpdate) (model.Article, error)
	CreateEdit(ctx context.Context, e model.Edit) (model.Edit, error)
	CommitEdit(ctx context.Context, e model.Edit, expected version.EditVersion, newText string) (model.Article, model.Edit, error)
	Edit(ctx context.Context, id model.ObjectID) (model.Edit, error)
	EditByVersion(ctx context.Context, article model.ObjectID, v version.EditVersion) (model.Edit, error)
	Edits(ctx context.Context, article model.ObjectID, includePending bool) ([]model.Edit, error)
	DeleteEdit(ctx context.Context, id model.ObjectID) error
}

// Followers lists the inboxes following an instance.
type Followers interface {
	FollowersOf(ctx context.Context, instance model.Instance) ([]string, error)
}

// Conflicts records conflicts for their creators.
type Conflicts interface {
	Create(ctx context.Context, diff, summary string, creator, article model.ObjectID, previous version.EditVersion) (model.Conflict, error)
	Delete(ctx context.Context, id uuid.UUID, creator model.ObjectID) error
}

// Resolver dereferences remote objects.
type Resolver interface {
	Instance(ctx context.Context, id model.ObjectID) (model.Instance, error)
	Actor(ctx context.Context, id model.ObjectID) (model.Person, error)
	Article(ctx context.Context, id model.ObjectID, force bool) (model.Article, error)
	StoreArticle(ctx context.Context, doc apub.ArticleObject) (model.Article, error)
}

// Sender delivers activities to inboxes.
type Sender interface {
	Deliver(ctx context.Context, a apub.Activity, inboxes []string) error
}

// Options are instance policies.
type Options struct {
	// ArticleApproval holds articles created by non-admins back from
	// federation until an admin approves them.
	ArticleApproval bool
}

// Coordinator runs edit placement and propagation.
type Coordinator struct {
	store     Store
	followers Followers
	conflicts Conflicts
	resolver  Resolver
	sender    Sender
	site      model.Site
	opts      Options
	logger    *slog.Logger
	now       func() time.Time
}

// Deps groups the collaborators of a Coordinator.
type Deps struct {
	Store     Store
	Followers Followers
	Conflicts Conflicts
	Resolver  Resolver
	Sender    Sender
}

// New creates a Coordinator for the local site.
func New(deps Deps, site model.Site, opts Options, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		store:     deps.Store,
		followers: deps.Followers,
		conflicts: deps.Conflicts,
		resolver:  deps.Resolver,
		sender:    deps.Sender,
		site:      site,
		opts:      opts,
		logger:    logger.With("component", "replication"),
		now:       time.Now,
	}
}

// send mints an id with build and delivers the activity once to each
// distinct inbox. Delivery failures are logged only.
func (c *Coordinator) send(ctx context.Context, build func(id string) apub.Activity, inboxes []string) {
	inboxes = unique(inboxes)
	if len(inboxes) == 0 {
		return
	}
	id, err := c.site.ActivityID()
	if err != nil {
		c.logger.Error("mint activity id", slog.String("error", err.Error()))
		return
	}
	a := build(id)
	if err := c.sender.Deliver(ctx, a, inboxes); err != nil {
		c.logger.Error("deliver activity",
			slog.String("kind", string(a.Kind())),
			slog.String("error", err.Error()))
	}
}

// followerInboxes lists the inboxes following the local instance.
func (c *Coordinator) followerInboxes(ctx context.Context) ([]string, error) {
	local, err := c.store.LocalInstance(ctx)
	if err != nil {
		return nil, err
	}
	return c.followers.FollowersOf(ctx, local)
}

// Publish sends the authoritative state of a local article to every
// follower, plus any extra inboxes. Unapproved articles are not published.
func (c *Coordinator) Publish(ctx context.Context, a model.Article, extra ...string) error {
	if !a.Local || !a.Approved {
		return nil
	}
	inboxes, err := c.followerInboxes(ctx)
	if err != nil {
		return err
	}
	inboxes = append(inboxes, extra...)
	c.send(ctx, func(id string) apub.Activity {
		return apub.NewUpdateLocalArticle(id, c.site.InstanceID(), apub.FromArticle(a))
	}, inboxes)
	return nil
}

func unique(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := in[:0:0]
	for _, s := range in {
		if _, ok := seen[s]; ok || s == "" {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}
