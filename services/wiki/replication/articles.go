// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package replication

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/Nutomic/ibis-sub001/pkg/validation"
	"github.com/Nutomic/ibis-sub001/services/wiki/apub"
	"github.com/Nutomic/ibis-sub001/services/wiki/model"
	"github.com/Nutomic/ibis-sub001/services/wiki/version"
)

// CreateArticle creates a local article and, when text is not empty,
// commits it as the first edit.
//
// # Inputs
//
//   - creator: Local person creating the article.
//   - title: Raw title. Spaces become underscores.
//   - text: Initial text, may be empty.
//   - summary: Summary of the first edit.
//
// # Outputs
//
//   - model.Article: The stored article.
//   - error: validation.ErrInvalid, ErrArticleExists, version.ErrInvalidEdit.
func (c *Coordinator) CreateArticle(ctx context.Context, creator model.Person, title, text, summary string) (model.Article, error) {
	title, err := validation.SanitizeTitle(title)
	if err != nil {
		return model.Article{}, err
	}
	if text != "" {
		if err := validation.ValidateNotEmpty(summary); err != nil {
			return model.Article{}, err
		}
	}
	inst, err := c.store.LocalInstance(ctx)
	if err != nil {
		return model.Article{}, err
	}

	a, err := c.store.InsertArticle(ctx, model.Article{
		ID:            c.site.ArticleID(title),
		Title:         title,
		Instance:      inst.ID,
		LatestVersion: version.Empty,
		Local:         true,
		Approved:      !c.opts.ArticleApproval || creator.Admin,
	})
	if errors.Is(err, model.ErrAlreadyExists) {
		return model.Article{}, fmt.Errorf("%w: %s", ErrArticleExists, title)
	}
	if err != nil {
		return model.Article{}, fmt.Errorf("store article %s: %w", title, err)
	}
	if text != "" {
		change, err := version.Compute("", text, version.Empty)
		if err != nil {
			return model.Article{}, err
		}
		if a, _, err = c.commitLocal(ctx, a, c.newEdit(a, creator.ID, change, summary)); err != nil {
			return model.Article{}, err
		}
	}
	c.logger.Info("article created",
		slog.String("article", string(a.ID)),
		slog.String("creator", string(creator.ID)),
		slog.Bool("approved", a.Approved))

	if a.Approved {
		if err := c.announceCreate(ctx, a); err != nil {
			return a, err
		}
	}
	return a, nil
}

func (c *Coordinator) announceCreate(ctx context.Context, a model.Article) error {
	inboxes, err := c.followerInboxes(ctx)
	if err != nil {
		return err
	}
	c.send(ctx, func(id string) apub.Activity {
		return apub.NewCreateArticle(id, c.site.InstanceID(), apub.FromArticle(a))
	}, inboxes)
	return nil
}

// localArticleForAdmin loads a local article for an admin-only operation.
func (c *Coordinator) localArticleForAdmin(ctx context.Context, admin model.Person, id model.ObjectID) (model.Article, error) {
	if !admin.Local || !admin.Admin {
		return model.Article{}, fmt.Errorf("%s is not an admin: %w", admin.Username, model.ErrForbidden)
	}
	a, err := c.store.Article(ctx, id)
	if err != nil {
		return model.Article{}, err
	}
	if !a.Local {
		return model.Article{}, fmt.Errorf("%w: %s", ErrNotOrigin, id)
	}
	return a, nil
}

// Protect sets the protection flag of a local article and publishes it.
func (c *Coordinator) Protect(ctx context.Context, admin model.Person, id model.ObjectID, protected bool) (model.Article, error) {
	if _, err := c.localArticleForAdmin(ctx, admin, id); err != nil {
		return model.Article{}, err
	}
	a, err := c.store.UpdateArticle(ctx, id, model.ArticleUpdate{Protected: model.Ptr(protected)})
	if err != nil {
		return model.Article{}, err
	}
	return a, c.Publish(ctx, a)
}

// Approve releases a held back article to federation.
func (c *Coordinator) Approve(ctx context.Context, admin model.Person, id model.ObjectID) (model.Article, error) {
	current, err := c.localArticleForAdmin(ctx, admin, id)
	if err != nil {
		return model.Article{}, err
	}
	if current.Approved {
		return current, nil
	}
	a, err := c.store.UpdateArticle(ctx, id, model.ArticleUpdate{Approved: model.Ptr(true)})
	if err != nil {
		return model.Article{}, err
	}
	return a, c.announceCreate(ctx, a)
}

// SetRemoved removes or restores a local article and tells followers.
func (c *Coordinator) SetRemoved(ctx context.Context, admin model.Person, id model.ObjectID, removed bool) (model.Article, error) {
	current, err := c.localArticleForAdmin(ctx, admin, id)
	if err != nil {
		return model.Article{}, err
	}
	if current.Removed == removed {
		return current, nil
	}
	a, err := c.store.UpdateArticle(ctx, id, model.ArticleUpdate{Removed: model.Ptr(removed)})
	if err != nil {
		return model.Article{}, err
	}
	if !a.Approved {
		return a, nil
	}
	inboxes, err := c.followerInboxes(ctx)
	if err != nil {
		return a, err
	}
	var removeID string
	if !removed {
		if removeID, err = c.site.ActivityID(); err != nil {
			return a, err
		}
	}
	actor := c.site.InstanceID()
	c.send(ctx, func(id string) apub.Activity {
		if removed {
			return apub.NewRemoveArticle(id, actor, a.ID)
		}
		return apub.NewUndoRemoveArticle(id, apub.NewRemoveArticle(removeID, actor, a.ID))
	}, inboxes)
	return a, nil
}

// ReceiveArticle stores the authoritative state of a remote article sent
// by its origin. Text is taken from the origin as is.
func (c *Coordinator) ReceiveArticle(ctx context.Context, doc apub.ArticleObject) (model.Article, error) {
	a, err := c.resolver.StoreArticle(ctx, doc)
	if err != nil {
		return model.Article{}, fmt.Errorf("store authoritative %s: %w", doc.ID, err)
	}
	editsTotal.WithLabelValues("replicated").Inc()
	return a, nil
}

// ReceiveRemoved toggles the removed flag of a remote article. Unknown
// articles are ignored.
func (c *Coordinator) ReceiveRemoved(ctx context.Context, id model.ObjectID, removed bool) error {
	a, err := c.store.Article(ctx, id)
	if errors.Is(err, model.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if a.Local {
		return fmt.Errorf("remote removal of local article %s: %w", id, model.ErrForbidden)
	}
	_, err = c.store.UpdateArticle(ctx, id, model.ArticleUpdate{Removed: model.Ptr(removed)})
	return err
}
