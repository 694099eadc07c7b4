// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package comment

import (
	"context"
	"errors"
	"fmt"

	"github.com/Nutomic/ibis-sub001/services/wiki/apub"
	"github.com/Nutomic/ibis-sub001/services/wiki/model"
)

// Receive stores a comment sent by another instance. When this instance is
// the article's origin the activity is relayed to its followers.
func (s *Service) Receive(ctx context.Context, act apub.CreateOrUpdateComment) (model.Comment, error) {
	c, a, err := s.storeRemote(ctx, act.Object, 0)
	if err != nil {
		return model.Comment{}, err
	}
	if a.Local {
		s.relay(ctx, a, act)
	}
	return c, nil
}

// storeRemote upserts a remote comment, resolving unknown parents first.
// hops bounds the walk up the thread.
func (s *Service) storeRemote(ctx context.Context, doc apub.CommentObject, hops int) (model.Comment, model.Article, error) {
	if hops > s.maxDepth {
		return model.Comment{}, model.Article{}, fmt.Errorf("%w: parent chain too long", ErrDepthExceeded)
	}
	a, err := s.resolver.Article(ctx, doc.Context, false)
	if err != nil {
		return model.Comment{}, model.Article{}, fmt.Errorf("resolve article of comment %s: %w", doc.ID, err)
	}
	depth := 0
	parentID := doc.ParentID()
	if parentID != "" {
		parent, err := s.store.Comment(ctx, parentID)
		if errors.Is(err, model.ErrNotFound) {
			var pdoc apub.CommentObject
			if pdoc, err = s.resolver.FetchComment(ctx, parentID); err == nil {
				parent, _, err = s.storeRemote(ctx, pdoc, hops+1)
			}
		}
		if err != nil {
			return model.Comment{}, model.Article{}, fmt.Errorf("resolve parent of %s: %w", doc.ID, err)
		}
		if parent.Article != a.ID {
			return model.Comment{}, model.Article{}, fmt.Errorf("parent %s belongs to another article: %w", parentID, model.ErrForbidden)
		}
		if depth, err = s.depthUnder(parent); err != nil {
			return model.Comment{}, model.Article{}, err
		}
	}
	creator, err := s.resolver.Actor(ctx, doc.AttributedTo)
	if err != nil {
		return model.Comment{}, model.Article{}, err
	}
	deleted := doc.Deleted
	if existing, err := s.store.Comment(ctx, doc.ID); err == nil {
		deleted = existing.Deleted
	}
	c, err := s.store.UpsertComment(ctx, model.Comment{
		ID:        doc.ID,
		Creator:   creator.ID,
		Article:   a.ID,
		Parent:    parentID,
		Content:   doc.Content,
		Depth:     depth,
		Deleted:   deleted,
		Published: doc.Published,
		Updated:   doc.Updated,
	})
	return c, a, err
}

// ReceiveDeleted applies a remote delete or restore of a comment. via is
// the announcing instance, or "" for a direct delivery; only the article's
// origin may relay a deletion.
func (s *Service) ReceiveDeleted(ctx context.Context, act apub.Activity, id model.ObjectID, deleted bool, via model.ObjectID) error {
	c, err := s.store.Comment(ctx, id)
	if errors.Is(err, model.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if !c.Creator.SameDomain(act.ActorID()) {
		return fmt.Errorf("comment %s deleted by %s: %w", id, act.ActorID(), model.ErrForbidden)
	}
	if via != "" && !via.SameDomain(c.Article) {
		return fmt.Errorf("deletion of %s relayed by %s: %w", id, via, model.ErrForbidden)
	}
	if _, err := s.store.UpdateComment(ctx, id, model.CommentUpdate{Deleted: model.Ptr(deleted)}); err != nil {
		return err
	}
	a, err := s.store.Article(ctx, c.Article)
	if err != nil {
		return err
	}
	if a.Local {
		s.relay(ctx, a, act)
	}
	return nil
}
