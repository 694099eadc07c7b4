// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package comment manages article discussions.
//
// Comments on a local article are stored here and relayed to followers.
// Comments on a remote article are stored here and sent to the article's
// origin, which stores them and relays them to its own followers. Nesting
// depth is bounded and checked before anything is stored.
package comment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Nutomic/ibis-sub001/pkg/validation"
	"github.com/Nutomic/ibis-sub001/services/wiki/apub"
	"github.com/Nutomic/ibis-sub001/services/wiki/model"
)

// DefaultMaxDepth bounds reply nesting.
const DefaultMaxDepth = 50

// ErrDepthExceeded is returned for replies nested deeper than allowed.
var ErrDepthExceeded = errors.New("comment nesting too deep")

// Store is the persistence the service needs.
type Store interface {
	LocalInstance(ctx context.Context) (model.Instance, error)
	Article(ctx context.Context, id model.ObjectID) (model.Article, error)
	Comment(ctx context.Context, id model.ObjectID) (model.Comment, error)
	Comments(ctx context.Context, article model.ObjectID) ([]model.Comment, error)
	UpsertComment(ctx context.Context, c model.Comment) (model.Comment, error)
	UpdateComment(ctx context.Context, id model.ObjectID, form model.CommentUpdate) (model.Comment, error)
}

// Resolver dereferences remote objects.
type Resolver interface {
	Instance(ctx context.Context, id model.ObjectID) (model.Instance, error)
	Actor(ctx context.Context, id model.ObjectID) (model.Person, error)
	Article(ctx context.Context, id model.ObjectID, force bool) (model.Article, error)
	FetchComment(ctx context.Context, id model.ObjectID) (apub.CommentObject, error)
}

// Followers lists the inboxes following an instance.
type Followers interface {
	FollowersOf(ctx context.Context, instance model.Instance) ([]string, error)
}

// Sender delivers activities to inboxes.
type Sender interface {
	Deliver(ctx context.Context, a apub.Activity, inboxes []string) error
}

// Service runs comment operations.
type Service struct {
	store     Store
	resolver  Resolver
	followers Followers
	sender    Sender
	site      model.Site
	maxDepth  int
	logger    *slog.Logger
	now       func() time.Time
}

// New creates a Service. maxDepth <= 0 means DefaultMaxDepth.
func New(store Store, resolver Resolver, followers Followers, sender Sender, site model.Site, maxDepth int, logger *slog.Logger) *Service {
	if maxDepth <= 0 {
		maxDepth = DefaultMaxDepth
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:     store,
		resolver:  resolver,
		followers: followers,
		sender:    sender,
		site:      site,
		maxDepth:  maxDepth,
		logger:    logger.With("component", "comment"),
		now:       time.Now,
	}
}

// depthUnder returns the depth of a reply to parent.
func (s *Service) depthUnder(parent model.Comment) (int, error) {
	depth := parent.Depth + 1
	if depth > s.maxDepth {
		return 0, fmt.Errorf("%w: depth %d, maximum %d", ErrDepthExceeded, depth, s.maxDepth)
	}
	return depth, nil
}

// Create adds a comment by creator to article, optionally replying to
// parent.
func (s *Service) Create(ctx context.Context, creator model.Person, article, parent model.ObjectID, content string) (model.Comment, error) {
	if err := validation.ValidateNotEmpty(content); err != nil {
		return model.Comment{}, err
	}
	a, err := s.store.Article(ctx, article)
	if err != nil {
		return model.Comment{}, err
	}
	if a.Removed {
		return model.Comment{}, fmt.Errorf("article %s is removed: %w", a.Title, model.ErrForbidden)
	}
	depth := 0
	if parent != "" {
		p, err := s.store.Comment(ctx, parent)
		if err != nil {
			return model.Comment{}, fmt.Errorf("load parent: %w", err)
		}
		if p.Article != article {
			return model.Comment{}, fmt.Errorf("parent %s belongs to %s: %w", parent, p.Article, validation.ErrInvalid)
		}
		if depth, err = s.depthUnder(p); err != nil {
			return model.Comment{}, err
		}
	}
	c, err := s.store.UpsertComment(ctx, model.Comment{
		ID:        s.site.CommentID(),
		Creator:   creator.ID,
		Article:   article,
		Parent:    parent,
		Content:   content,
		Depth:     depth,
		Local:     true,
		Published: s.now().UTC(),
	})
	if err != nil {
		return model.Comment{}, fmt.Errorf("store comment: %w", err)
	}
	s.federate(ctx, a, func(id string) apub.Activity {
		return apub.NewCreateOrUpdateComment(id, creator.ID, apub.FromComment(c), false)
	})
	return c, nil
}

func (s *Service) owned(ctx context.Context, creator model.Person, id model.ObjectID) (model.Comment, model.Article, error) {
	c, err := s.store.Comment(ctx, id)
	if err != nil {
		return model.Comment{}, model.Article{}, err
	}
	if c.Creator != creator.ID {
		return model.Comment{}, model.Article{}, fmt.Errorf("comment %s: %w", id, model.ErrForbidden)
	}
	a, err := s.store.Article(ctx, c.Article)
	return c, a, err
}

// Update replaces the content of one of creator's comments.
func (s *Service) Update(ctx context.Context, creator model.Person, id model.ObjectID, content string) (model.Comment, error) {
	if err := validation.ValidateNotEmpty(content); err != nil {
		return model.Comment{}, err
	}
	_, a, err := s.owned(ctx, creator, id)
	if err != nil {
		return model.Comment{}, err
	}
	c, err := s.store.UpdateComment(ctx, id, model.CommentUpdate{Content: &content, Updated: model.Ptr(s.now().UTC())})
	if err != nil {
		return model.Comment{}, err
	}
	s.federate(ctx, a, func(aid string) apub.Activity {
		return apub.NewCreateOrUpdateComment(aid, creator.ID, apub.FromComment(c), true)
	})
	return c, nil
}

// SetDeleted deletes or restores one of creator's comments.
func (s *Service) SetDeleted(ctx context.Context, creator model.Person, id model.ObjectID, deleted bool) (model.Comment, error) {
	current, a, err := s.owned(ctx, creator, id)
	if err != nil {
		return model.Comment{}, err
	}
	if current.Deleted == deleted {
		return current, nil
	}
	c, err := s.store.UpdateComment(ctx, id, model.CommentUpdate{Deleted: model.Ptr(deleted)})
	if err != nil {
		return model.Comment{}, err
	}
	var deleteID string
	if !deleted {
		if deleteID, err = s.site.ActivityID(); err != nil {
			return c, err
		}
	}
	s.federate(ctx, a, func(aid string) apub.Activity {
		if deleted {
			return apub.NewDeleteComment(aid, creator.ID, c.ID)
		}
		return apub.NewUndoDeleteComment(aid, apub.NewDeleteComment(deleteID, creator.ID, c.ID))
	})
	return c, nil
}

// List returns the comments of an article in creation order.
func (s *Service) List(ctx context.Context, article model.ObjectID) ([]model.Comment, error) {
	return s.store.Comments(ctx, article)
}

// federate sends a locally made comment activity on its way: relayed to
// followers for a local article, sent to the origin otherwise.
func (s *Service) federate(ctx context.Context, a model.Article, build func(id string) apub.Activity) {
	id, err := s.site.ActivityID()
	if err != nil {
		s.logger.Error("mint activity id", slog.String("error", err.Error()))
		return
	}
	act := build(id)
	if a.Local {
		s.relay(ctx, a, act)
		return
	}
	origin, err := s.resolver.Instance(ctx, a.Instance)
	if err != nil {
		s.logger.Warn("cannot reach article origin",
			slog.String("article", string(a.ID)), slog.String("error", err.Error()))
		return
	}
	if err := s.sender.Deliver(ctx, act, []string{origin.Inbox}); err != nil {
		s.logger.Error("deliver comment", slog.String("error", err.Error()))
	}
}

// relay wraps act in an Announce from the local instance to its followers.
func (s *Service) relay(ctx context.Context, a model.Article, act apub.Activity) {
	if !a.Approved {
		return
	}
	local, err := s.store.LocalInstance(ctx)
	if err != nil {
		s.logger.Error("load local instance", slog.String("error", err.Error()))
		return
	}
	inboxes, err := s.followers.FollowersOf(ctx, local)
	if err != nil || len(inboxes) == 0 {
		return
	}
	id, err := s.site.ActivityID()
	if err != nil {
		return
	}
	if err := s.sender.Deliver(ctx, apub.NewAnnounce(id, local.ID, act), inboxes); err != nil {
		s.logger.Error("deliver comment relay", slog.String("error", err.Error()))
	}
}
