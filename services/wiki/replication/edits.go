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
	"time"

	"github.com/google/uuid"

	"github.com/Nutomic/ibis-sub001/pkg/validation"
	"github.com/Nutomic/ibis-sub001/services/wiki/apub"
	"github.com/Nutomic/ibis-sub001/services/wiki/model"
	"github.com/Nutomic/ibis-sub001/services/wiki/storage/badger"
	"github.com/Nutomic/ibis-sub001/services/wiki/version"
)

// EditForm is a user's edit of an article.
type EditForm struct {
	Article model.ObjectID
	NewText string
	Summary string
	// PreviousVersion is the version the user started editing from.
	PreviousVersion version.EditVersion
	// ResolveConflict, when set, is discarded before the edit is applied.
	ResolveConflict *uuid.UUID
}

// EditResult reports what happened to an edit. Exactly one of Edit and
// Conflict is set.
type EditResult struct {
	Article  model.Article
	Edit     *model.Edit
	Conflict *model.Conflict
}

func (c *Coordinator) newEdit(a model.Article, creator model.ObjectID, change version.Change, summary string) model.Edit {
	return model.Edit{
		ID:              model.EditID(a.ID, change.Version),
		Article:         a.ID,
		Creator:         creator,
		Diff:            change.Diff,
		Summary:         summary,
		Version:         change.Version,
		PreviousVersion: change.PreviousVersion,
		Published:       c.now().UTC(),
	}
}

// EditArticle applies a user's edit.
//
// # Description
//
// An edit made against the latest version is submitted as is. An edit made
// against an older version is rebased: the user's change relative to the
// text they started from is applied to the current text. If that fails the
// edit becomes a conflict for the user and the article is not touched.
//
// Submitting means committing for a local article and forwarding to the
// origin for a remote one.
//
// # Outputs
//
//   - EditResult: The committed or pending edit, or the conflict.
//   - error: validation.ErrInvalid, version.ErrInvalidEdit, model.ErrForbidden,
//     version.ErrVersionNotFound, model.ErrNotFound.
func (c *Coordinator) EditArticle(ctx context.Context, creator model.Person, form EditForm) (EditResult, error) {
	if err := validation.ValidateNotEmpty(form.Summary); err != nil {
		return EditResult{}, err
	}
	if form.ResolveConflict != nil {
		if err := c.conflicts.Delete(ctx, *form.ResolveConflict, creator.ID); err != nil {
			return EditResult{}, fmt.Errorf("resolve conflict: %w", err)
		}
	}
	a, err := c.store.Article(ctx, form.Article)
	if err != nil {
		return EditResult{}, err
	}
	if a.Removed {
		return EditResult{}, fmt.Errorf("article %s is removed: %w", a.Title, model.ErrForbidden)
	}
	if err := model.CanEditArticle(a, creator.Local && creator.Admin); err != nil {
		return EditResult{}, err
	}

	newText := version.Normalize(form.NewText)
	if form.PreviousVersion != a.LatestVersion {
		rebased, conflict, err := c.rebase(ctx, a, creator, form, newText)
		if err != nil || conflict != nil {
			return EditResult{Article: a, Conflict: conflict}, err
		}
		newText = rebased
	}

	change, err := version.Compute(a.Text, newText, a.LatestVersion)
	if err != nil {
		return EditResult{}, err
	}
	e := c.newEdit(a, creator.ID, change, form.Summary)

	if a.Local {
		a, stored, err := c.commitLocal(ctx, a, e)
		if errors.Is(err, version.ErrPatchFailed) {
			conflict, cerr := c.conflicts.Create(ctx, e.Diff, e.Summary, creator.ID, a.ID, e.PreviousVersion)
			if cerr != nil {
				return EditResult{}, cerr
			}
			return EditResult{Article: a, Conflict: &conflict}, nil
		}
		if err != nil {
			return EditResult{}, err
		}
		editsTotal.WithLabelValues("local").Inc()
		return EditResult{Article: a, Edit: &stored}, c.Publish(ctx, a)
	}

	stored, err := c.forward(ctx, a, creator, e)
	if err != nil {
		return EditResult{}, err
	}
	return EditResult{Article: a, Edit: &stored}, nil
}

// rebase moves an edit made against an older version onto the current
// text. A rebase that does not apply is recorded as a conflict.
func (c *Coordinator) rebase(ctx context.Context, a model.Article, creator model.Person, form EditForm, newText string) (string, *model.Conflict, error) {
	edits, err := c.store.Edits(ctx, a.ID, false)
	if err != nil {
		return "", nil, err
	}
	ancestor, err := version.Reconstruct(edits, form.PreviousVersion)
	if err != nil {
		return "", nil, err
	}
	rebased, err := version.Rebase(ancestor, newText, a.Text)
	if err == nil {
		return rebased, nil, nil
	}
	if !errors.Is(err, version.ErrPatchFailed) {
		return "", nil, err
	}
	diff := version.UnifiedDiff(ancestor, newText)
	conflict, err := c.conflicts.Create(ctx, diff, form.Summary, creator.ID, a.ID, form.PreviousVersion)
	if err != nil {
		return "", nil, err
	}
	editsTotal.WithLabelValues("conflict").Inc()
	return "", &conflict, nil
}

// commitLocal commits e to a local article. If another edit won the race,
// e's diff is applied to the new text once more and committed as a fresh
// edit; version.ErrPatchFailed is returned when that no longer applies.
func (c *Coordinator) commitLocal(ctx context.Context, a model.Article, e model.Edit) (model.Article, model.Edit, error) {
	text, err := timedApply(a.Text, e.Diff)
	if err != nil {
		return a, model.Edit{}, err
	}
	updated, stored, err := c.store.CommitEdit(ctx, e, a.LatestVersion, text)
	if !errors.Is(err, badger.ErrStaleVersion) {
		return updated, stored, err
	}

	current, err := c.store.Article(ctx, a.ID)
	if err != nil {
		return a, model.Edit{}, err
	}
	text, err = timedApply(current.Text, e.Diff)
	if err != nil {
		return current, model.Edit{}, err
	}
	retry, err := version.Compute(current.Text, text, current.LatestVersion)
	if err != nil {
		return current, model.Edit{}, fmt.Errorf("%w: %w", version.ErrPatchFailed, err)
	}
	e = c.newEdit(current, e.Creator, retry, e.Summary)
	updated, stored, err = c.store.CommitEdit(ctx, e, current.LatestVersion, retry.NewText)
	if errors.Is(err, badger.ErrStaleVersion) {
		return current, model.Edit{}, fmt.Errorf("%w: %w", version.ErrPatchFailed, err)
	}
	return updated, stored, err
}

func timedApply(base, diff string) (string, error) {
	start := time.Now()
	defer func() { patchApplySeconds.Observe(time.Since(start).Seconds()) }()
	return version.Apply(base, diff)
}

// forward stores e pending and proposes it to the article's origin.
func (c *Coordinator) forward(ctx context.Context, a model.Article, creator model.Person, e model.Edit) (model.Edit, error) {
	origin, err := c.resolver.Instance(ctx, a.Instance)
	if err != nil {
		return model.Edit{}, fmt.Errorf("resolve origin of %s: %w", a.ID, err)
	}
	e.Pending = true
	stored, err := c.store.CreateEdit(ctx, e)
	if err != nil {
		return model.Edit{}, fmt.Errorf("store pending edit: %w", err)
	}
	c.send(ctx, func(id string) apub.Activity {
		return apub.NewUpdateRemoteArticle(id, creator.ID, origin.ID, apub.FromEdit(stored))
	}, []string{origin.Inbox})
	editsTotal.WithLabelValues("forwarded").Inc()
	c.logger.Info("edit forwarded to origin",
		slog.String("article", string(a.ID)),
		slog.String("version", stored.Version.Hex()),
		slog.String("origin", string(origin.ID)))
	return stored, nil
}
