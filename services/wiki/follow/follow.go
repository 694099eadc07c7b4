// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package follow maintains follow relations between actors and instances.
//
// # Description
//
// A relation is created pending on the follower's side when a Follow is
// sent, and becomes accepted when the followed instance's Accept arrives.
// The followed side stores the relation accepted as soon as it receives the
// Follow. Every operation is idempotent so duplicate and out of order
// deliveries are harmless.
package follow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Nutomic/ibis-sub001/services/wiki/model"
)

// Store is the persistence the graph needs.
type Store interface {
	PutFollow(ctx context.Context, f model.Follow) (model.Follow, error)
	AcceptFollow(ctx context.Context, follower, target model.ObjectID) (bool, error)
	DeleteFollow(ctx context.Context, follower, target model.ObjectID) (bool, error)
	Follow(ctx context.Context, follower, target model.ObjectID) (model.Follow, error)
	Followers(ctx context.Context, target model.ObjectID) ([]model.Follow, error)
	Following(ctx context.Context, follower model.ObjectID) ([]model.Follow, error)
}

// Subject is the actor that follows.
type Subject struct {
	ID    model.ObjectID
	Kind  model.FollowerKind
	Inbox string
}

// PersonSubject returns the subject for a person.
func PersonSubject(p model.Person) Subject {
	return Subject{ID: p.ID, Kind: model.FollowerPerson, Inbox: p.Inbox}
}

// InstanceSubject returns the subject for an instance.
func InstanceSubject(i model.Instance) Subject {
	return Subject{ID: i.ID, Kind: model.FollowerInstance, Inbox: i.Inbox}
}

// Graph is the follow graph.
type Graph struct {
	store  Store
	logger *slog.Logger
}

// NewGraph creates a Graph over store.
func NewGraph(store Store, logger *slog.Logger) *Graph {
	if logger == nil {
		logger = slog.Default()
	}
	return &Graph{store: store, logger: logger.With("component", "follow")}
}

// Follow records that subject follows target. Following an already
// followed target only updates the pending flag.
func (g *Graph) Follow(ctx context.Context, subject Subject, target model.ObjectID, pending bool) (model.Follow, error) {
	f, err := g.store.PutFollow(ctx, model.Follow{
		Follower:      subject.ID,
		FollowerKind:  subject.Kind,
		FollowerInbox: subject.Inbox,
		Target:        target,
		Pending:       pending,
		Published:     time.Now().UTC(),
	})
	if err != nil {
		return model.Follow{}, fmt.Errorf("follow %s -> %s: %w", subject.ID, target, err)
	}
	g.logger.Debug("follow recorded",
		slog.String("follower", string(subject.ID)),
		slog.String("target", string(target)),
		slog.Bool("pending", pending))
	return f, nil
}

// Accept clears the pending flag of subject's relation to target. It is a
// no-op when no pending relation exists.
func (g *Graph) Accept(ctx context.Context, subject, target model.ObjectID) error {
	changed, err := g.store.AcceptFollow(ctx, subject, target)
	if err != nil {
		return fmt.Errorf("accept %s -> %s: %w", subject, target, err)
	}
	if !changed {
		g.logger.Debug("accept without pending follow ignored",
			slog.String("follower", string(subject)),
			slog.String("target", string(target)))
	}
	return nil
}

// Unfollow removes the relation. It is a no-op when none exists.
func (g *Graph) Unfollow(ctx context.Context, subject, target model.ObjectID) error {
	if _, err := g.store.DeleteFollow(ctx, subject, target); err != nil {
		return fmt.Errorf("unfollow %s -> %s: %w", subject, target, err)
	}
	return nil
}

// IsFollowing reports whether subject has an accepted relation to target.
func (g *Graph) IsFollowing(ctx context.Context, subject, target model.ObjectID) (bool, error) {
	f, err := g.store.Follow(ctx, subject, target)
	if errors.Is(err, model.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return !f.Pending, nil
}

// FollowersOf returns the distinct inboxes of accepted followers of
// instance, without the instance's own inbox. Followers on one instance
// share an inbox, so each follower instance appears once.
func (g *Graph) FollowersOf(ctx context.Context, instance model.Instance) ([]string, error) {
	follows, err := g.store.Followers(ctx, instance.ID)
	if err != nil {
		return nil, fmt.Errorf("list followers of %s: %w", instance.ID, err)
	}
	seen := map[string]bool{instance.Inbox: true}
	var inboxes []string
	for _, f := range follows {
		if f.Pending || f.FollowerInbox == "" || seen[f.FollowerInbox] {
			continue
		}
		seen[f.FollowerInbox] = true
		inboxes = append(inboxes, f.FollowerInbox)
	}
	return inboxes, nil
}

// Followers returns the accepted relations targeting id.
func (g *Graph) Followers(ctx context.Context, id model.ObjectID) ([]model.Follow, error) {
	follows, err := g.store.Followers(ctx, id)
	if err != nil {
		return nil, err
	}
	out := follows[:0]
	for _, f := range follows {
		if !f.Pending {
			out = append(out, f)
		}
	}
	return out, nil
}

// Following returns every relation created by subject, pending or not.
func (g *Graph) Following(ctx context.Context, subject model.ObjectID) ([]model.Follow, error) {
	return g.store.Following(ctx, subject)
}
