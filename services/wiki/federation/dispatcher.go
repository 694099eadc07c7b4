// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package federation receives activities from other instances.
//
// Every inbound activity is verified, deduplicated on its id and then
// handed to the component that owns its effect. Direct authoritative
// article activities are relayed once to this instance's own followers.
package federation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/Nutomic/ibis-sub001/services/wiki/apub"
	"github.com/Nutomic/ibis-sub001/services/wiki/follow"
	"github.com/Nutomic/ibis-sub001/services/wiki/model"
)

// DefaultDedupeTTL is how long received activity ids are remembered.
const DefaultDedupeTTL = 7 * 24 * time.Hour

// ErrVerificationFailed marks an activity dropped without effect.
var ErrVerificationFailed = errors.New("activity verification failed")

var activitiesReceived = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "ibis_activities_received_total",
	Help: "Inbound activities by type and outcome.",
}, []string{"type", "outcome"})

// Store is the persistence the dispatcher needs.
type Store interface {
	LocalInstance(ctx context.Context) (model.Instance, error)
	MarkActivitySeen(ctx context.Context, id string, ttl time.Duration) (bool, error)
	ForgetActivity(ctx context.Context, id string) error
}

// Resolver dereferences remote actors and articles.
type Resolver interface {
	Instance(ctx context.Context, id model.ObjectID) (model.Instance, error)
	Article(ctx context.Context, id model.ObjectID, force bool) (model.Article, error)
}

// Articles applies article and edit activities.
type Articles interface {
	ReceiveArticle(ctx context.Context, doc apub.ArticleObject) (model.Article, error)
	ReceiveRemoteEdit(ctx context.Context, doc apub.EditObject) error
	ReceiveReject(ctx context.Context, doc apub.EditObject) error
	ReceiveRemoved(ctx context.Context, id model.ObjectID, removed bool) error
}

// Comments applies comment activities.
type Comments interface {
	Receive(ctx context.Context, act apub.CreateOrUpdateComment) (model.Comment, error)
	ReceiveDeleted(ctx context.Context, act apub.Activity, id model.ObjectID, deleted bool, via model.ObjectID) error
}

// Graph is the follow graph.
type Graph interface {
	Follow(ctx context.Context, subject follow.Subject, target model.ObjectID, pending bool) (model.Follow, error)
	Accept(ctx context.Context, subject, target model.ObjectID) error
	Unfollow(ctx context.Context, subject, target model.ObjectID) error
	FollowersOf(ctx context.Context, instance model.Instance) ([]string, error)
}

// Sender delivers activities.
type Sender interface {
	Deliver(ctx context.Context, a apub.Activity, inboxes []string) error
}

// Filter decides which hosts are federated with.
type Filter interface {
	Allowed(host string) bool
}

// Deps groups the collaborators of a Dispatcher.
type Deps struct {
	Store    Store
	Resolver Resolver
	Articles Articles
	Comments Comments
	Graph    Graph
	Sender   Sender
	Filter   Filter
}

// Dispatcher routes inbound activities.
type Dispatcher struct {
	store     Store
	resolver  Resolver
	articles  Articles
	comments  Comments
	graph     Graph
	sender    Sender
	filter    Filter
	site      model.Site
	dedupeTTL time.Duration
	logger    *slog.Logger
}

type allowAll struct{}

func (allowAll) Allowed(string) bool { return true }

// New creates a Dispatcher.
func New(deps Deps, site model.Site, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	filter := deps.Filter
	if filter == nil {
		filter = allowAll{}
	}
	return &Dispatcher{
		store:     deps.Store,
		resolver:  deps.Resolver,
		articles:  deps.Articles,
		comments:  deps.Comments,
		graph:     deps.Graph,
		sender:    deps.Sender,
		filter:    filter,
		site:      site,
		dedupeTTL: DefaultDedupeTTL,
		logger:    logger.With("component", "federation"),
	}
}

// Handle verifies and applies one inbound activity.
//
// # Description
//
// Verification failures are logged and returned wrapping
// ErrVerificationFailed; nothing is stored for them. An activity whose id
// (the wrapped id for an Announce) was already applied returns nil without
// effect. When applying fails the id is forgotten again so a redelivery is
// processed.
//
// # Thread Safety
//
// Safe for concurrent use. Concurrent deliveries of one activity are
// applied once.
func (d *Dispatcher) Handle(ctx context.Context, a apub.Activity) error {
	kind := string(a.Kind())
	if err := d.Verify(a); err != nil {
		activitiesReceived.WithLabelValues(kind, "rejected").Inc()
		d.logger.Warn("dropping activity",
			slog.String("activity_id", a.Identify()),
			slog.String("type", kind),
			slog.String("actor", string(a.ActorID())),
			slog.String("error", err.Error()))
		return err
	}

	inner := apub.InnerActivity(a)
	seen, err := d.store.MarkActivitySeen(ctx, inner.Identify(), d.dedupeTTL)
	if err != nil {
		return fmt.Errorf("record activity %s: %w", inner.Identify(), err)
	}
	if seen {
		activitiesReceived.WithLabelValues(kind, "duplicate").Inc()
		return nil
	}

	var via model.ObjectID
	if ann, ok := a.(apub.Announce); ok {
		via = ann.Actor
	}
	if err := d.receive(ctx, inner, via); err != nil {
		activitiesReceived.WithLabelValues(kind, "failed").Inc()
		if ferr := d.store.ForgetActivity(ctx, inner.Identify()); ferr != nil {
			d.logger.Error("forget failed activity", slog.String("error", ferr.Error()))
		}
		return fmt.Errorf("apply %s %s: %w", inner.Kind(), inner.Identify(), err)
	}
	activitiesReceived.WithLabelValues(kind, "applied").Inc()
	return nil
}

// receive applies a verified activity. via is the announcing actor, or ""
// for a direct delivery.
func (d *Dispatcher) receive(ctx context.Context, a apub.Activity, via model.ObjectID) error {
	switch act := a.(type) {
	case apub.Follow:
		return d.receiveFollow(ctx, act)
	case apub.Accept:
		return d.graph.Accept(ctx, act.Object.Actor, act.Object.Object)
	case apub.UndoFollow:
		return d.graph.Unfollow(ctx, act.Object.Actor, act.Object.Object)

	case apub.CreateArticle:
		return d.receiveArticle(ctx, act, act.Object, via)
	case apub.UpdateLocalArticle:
		return d.receiveArticle(ctx, act, act.Object, via)
	case apub.UpdateRemoteArticle:
		return d.articles.ReceiveRemoteEdit(ctx, act.Object)
	case apub.RejectEdit:
		return d.articles.ReceiveReject(ctx, act.Object)
	case apub.RemoveArticle:
		return d.articles.ReceiveRemoved(ctx, act.Object, true)
	case apub.UndoRemoveArticle:
		return d.articles.ReceiveRemoved(ctx, act.Object.Object, false)

	case apub.CreateOrUpdateComment:
		_, err := d.comments.Receive(ctx, act)
		return err
	case apub.DeleteComment:
		return d.comments.ReceiveDeleted(ctx, act, act.Object, true, via)
	case apub.UndoDeleteComment:
		return d.comments.ReceiveDeleted(ctx, act, act.Object.Object, false, via)

	case apub.Announce:
		return fmt.Errorf("%w: nested announce", ErrVerificationFailed)
	}
	return fmt.Errorf("%w: unhandled %s", apub.ErrUnknownType, a.Kind())
}

// receiveFollow records a follow of this instance and accepts it.
func (d *Dispatcher) receiveFollow(ctx context.Context, act apub.Follow) error {
	follower, err := d.resolver.Instance(ctx, act.Actor)
	if err != nil {
		return fmt.Errorf("resolve follower %s: %w", act.Actor, err)
	}
	if _, err := d.graph.Follow(ctx, follow.InstanceSubject(follower), act.Object, false); err != nil {
		return err
	}
	local, err := d.store.LocalInstance(ctx)
	if err != nil {
		return err
	}
	id, err := d.site.ActivityID()
	if err != nil {
		return err
	}
	return d.sender.Deliver(ctx, apub.NewAccept(id, local.ID, act), []string{follower.Inbox})
}

// receiveArticle stores an authoritative article. A payload relayed by a
// third party is not trusted; the article is fetched from its origin.
func (d *Dispatcher) receiveArticle(ctx context.Context, act apub.Activity, doc apub.ArticleObject, via model.ObjectID) error {
	if via != "" && !via.SameDomain(doc.ID) {
		_, err := d.resolver.Article(ctx, doc.ID, true)
		return err
	}
	a, err := d.articles.ReceiveArticle(ctx, doc)
	if err != nil {
		return err
	}
	if !a.Local {
		d.relay(ctx, act, via)
	}
	return nil
}

// relay announces a directly received activity to this instance's
// followers. Activities that arrived in an Announce are not relayed again.
func (d *Dispatcher) relay(ctx context.Context, act apub.Activity, via model.ObjectID) {
	if via != "" {
		return
	}
	local, err := d.store.LocalInstance(ctx)
	if err != nil {
		d.logger.Error("load local instance", slog.String("error", err.Error()))
		return
	}
	inboxes, err := d.graph.FollowersOf(ctx, local)
	if err != nil {
		d.logger.Error("list followers", slog.String("error", err.Error()))
		return
	}
	if len(inboxes) == 0 {
		return
	}
	id, err := d.site.ActivityID()
	if err != nil {
		return
	}
	if err := d.sender.Deliver(ctx, apub.NewAnnounce(id, local.ID, act), inboxes); err != nil {
		d.logger.Error("deliver relay", slog.String("error", err.Error()))
	}
}
