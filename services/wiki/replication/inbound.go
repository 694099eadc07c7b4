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

	"github.com/Nutomic/ibis-sub001/services/wiki/apub"
	"github.com/Nutomic/ibis-sub001/services/wiki/model"
	"github.com/Nutomic/ibis-sub001/services/wiki/storage/badger"
	"github.com/Nutomic/ibis-sub001/services/wiki/version"
)

// ReceiveRemoteEdit handles an edit proposed to this instance as the
// article's origin.
//
// # Description
//
// The diff is applied to the live text. On success the edit is committed
// unchanged, so its version matches the submitter's pending copy, and the
// new state goes to every follower and to the submitter's instance. When
// the diff does not apply, or stops applying because a concurrent edit won
// the commit, the edit is rejected back to its creator and nothing is
// stored.
//
// Receiving an edit that is already committed does nothing. An edit whose
// version is not the hash of its diff fails with ErrVersionMismatch.
func (c *Coordinator) ReceiveRemoteEdit(ctx context.Context, doc apub.EditObject) error {
	if version.Of(doc.Content) != doc.Version {
		return fmt.Errorf("%w: %s", ErrVersionMismatch, doc.ID)
	}
	a, err := c.store.Article(ctx, doc.Object)
	if err != nil {
		return fmt.Errorf("load article %s: %w", doc.Object, err)
	}
	if !a.Local {
		return fmt.Errorf("%w: %s", ErrNotOrigin, a.ID)
	}
	if existing, err := c.store.EditByVersion(ctx, a.ID, doc.Version); err == nil && !existing.Pending {
		return nil
	} else if err != nil && !errors.Is(err, model.ErrNotFound) {
		return err
	}

	creator, err := c.resolver.Actor(ctx, doc.AttributedTo)
	if err != nil {
		return fmt.Errorf("resolve creator: %w", err)
	}
	e := doc.ToModel(creator.ID, false)
	e.ID = model.EditID(a.ID, e.Version)

	updated, err := c.commitRemote(ctx, a, e)
	if errors.Is(err, version.ErrPatchFailed) {
		editsTotal.WithLabelValues("rejected").Inc()
		c.logger.Info("rejecting edit",
			slog.String("article", string(a.ID)),
			slog.String("version", e.Version.Hex()),
			slog.String("creator", string(doc.AttributedTo)),
			slog.String("reason", err.Error()))
		c.reject(ctx, doc, creator)
		return nil
	}
	if err != nil {
		return err
	}
	editsTotal.WithLabelValues("accepted").Inc()
	var extra []string
	if !c.site.IsLocal(creator.ID) && creator.Inbox != "" {
		extra = append(extra, creator.Inbox)
	}
	return c.Publish(ctx, updated, extra...)
}

// commitRemote commits a proposed edit verbatim. The compare-and-swap is
// retried once against the text that won the race.
func (c *Coordinator) commitRemote(ctx context.Context, a model.Article, e model.Edit) (model.Article, error) {
	for attempt := 0; ; attempt++ {
		text, err := timedApply(a.Text, e.Diff)
		if err != nil {
			return a, err
		}
		if text == a.Text {
			return a, fmt.Errorf("%w: diff leaves text unchanged", version.ErrPatchFailed)
		}
		updated, _, err := c.store.CommitEdit(ctx, e, a.LatestVersion, text)
		if !errors.Is(err, badger.ErrStaleVersion) {
			return updated, err
		}
		if attempt == 1 {
			return a, fmt.Errorf("%w: %w", version.ErrPatchFailed, err)
		}
		if a, err = c.store.Article(ctx, a.ID); err != nil {
			return a, err
		}
	}
}

// reject sends the edit back to its creator. A creator that could not be
// resolved has no inbox to send to.
func (c *Coordinator) reject(ctx context.Context, doc apub.EditObject, creator model.Person) {
	if c.site.IsLocal(creator.ID) || creator.Inbox == "" {
		return
	}
	c.send(ctx, func(id string) apub.Activity {
		return apub.NewRejectEdit(id, c.site.InstanceID(), doc)
	}, []string{creator.Inbox})
}

// ReceiveReject handles the origin's rejection of an edit made here.
//
// The article is refetched so the creator sees the text that caused the
// rejection, the edit is turned into a conflict for its creator, and the
// pending copy is dropped. Duplicate rejections produce one conflict.
func (c *Coordinator) ReceiveReject(ctx context.Context, doc apub.EditObject) error {
	creator := doc.AttributedTo
	if !c.site.IsLocal(creator) {
		return fmt.Errorf("rejected edit %s was not made here: %w", doc.ID, model.ErrForbidden)
	}
	if _, err := c.resolver.Article(ctx, doc.Object, true); err != nil {
		c.logger.Warn("refetch of rejected article failed",
			slog.String("article", string(doc.Object)),
			slog.String("error", err.Error()))
	}
	if _, err := c.conflicts.Create(ctx, doc.Content, doc.Summary, creator, doc.Object, doc.PreviousVersion); err != nil {
		return err
	}
	editsTotal.WithLabelValues("conflict").Inc()

	pending, err := c.store.Edit(ctx, doc.ID)
	switch {
	case errors.Is(err, model.ErrNotFound):
		return nil
	case err != nil:
		return err
	case pending.Pending:
		return c.store.DeleteEdit(ctx, pending.ID)
	}
	return nil
}
