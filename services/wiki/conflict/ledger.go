// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package conflict keeps edits that could not be applied on an article's
// origin, so their creators can redo them against the current text.
//
// Conflicts are private: every read and delete is scoped to the creator,
// and a conflict owned by someone else is reported exactly like a missing
// one.
package conflict

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/Nutomic/ibis-sub001/services/wiki/model"
	"github.com/Nutomic/ibis-sub001/services/wiki/version"
)

var conflictsCreated = promauto.NewCounter(prometheus.CounterOpts{
	Name: "ibis_conflicts_total",
	Help: "Conflicts recorded for rejected edits",
})

// Store is the persistence the ledger needs.
type Store interface {
	CreateConflict(ctx context.Context, c model.Conflict, n model.Notification) (model.Conflict, bool, error)
	Conflict(ctx context.Context, id uuid.UUID) (model.Conflict, error)
	ConflictsBy(ctx context.Context, creator model.ObjectID) ([]model.Conflict, error)
	DeleteConflict(ctx context.Context, id uuid.UUID) error
}

// Ledger records and serves conflicts.
type Ledger struct {
	store  Store
	logger *slog.Logger
	now    func() time.Time
}

// NewLedger creates a Ledger over store.
func NewLedger(store Store, logger *slog.Logger) *Ledger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{store: store, logger: logger.With("component", "conflict"), now: time.Now}
}

// Create records a conflict for creator and notifies them in the same
// transaction. Recording the same diff twice for one creator returns the
// first conflict.
func (l *Ledger) Create(ctx context.Context, diff, summary string, creator, article model.ObjectID, previous version.EditVersion) (model.Conflict, error) {
	now := l.now().UTC()
	c := model.Conflict{
		ID:              uuid.New(),
		Version:         version.Of(diff),
		Diff:            diff,
		Summary:         summary,
		Creator:         creator,
		Article:         article,
		PreviousVersion: previous,
		Published:       now,
	}
	n := model.Notification{
		ID:        uuid.New(),
		Person:    creator,
		Kind:      model.NotifyConflict,
		Object:    c.ID.String(),
		Published: now,
	}
	stored, created, err := l.store.CreateConflict(ctx, c, n)
	if err != nil {
		return model.Conflict{}, fmt.Errorf("create conflict: %w", err)
	}
	if created {
		conflictsCreated.Inc()
		l.logger.Info("conflict recorded",
			slog.String("conflict_id", stored.ID.String()),
			slog.String("article", string(article)),
			slog.String("creator", string(creator)))
	}
	return stored, nil
}

// Read returns a conflict owned by creator.
func (l *Ledger) Read(ctx context.Context, id uuid.UUID, creator model.ObjectID) (model.Conflict, error) {
	c, err := l.store.Conflict(ctx, id)
	if err != nil {
		return model.Conflict{}, fmt.Errorf("read conflict %s: %w", id, err)
	}
	if c.Creator != creator {
		return model.Conflict{}, fmt.Errorf("read conflict %s: %w", id, model.ErrNotFound)
	}
	return c, nil
}

// List returns every conflict owned by creator.
func (l *Ledger) List(ctx context.Context, creator model.ObjectID) ([]model.Conflict, error) {
	return l.store.ConflictsBy(ctx, creator)
}

// Delete discards a conflict owned by creator, along with the creator's
// pending edit of the same version.
func (l *Ledger) Delete(ctx context.Context, id uuid.UUID, creator model.ObjectID) error {
	if _, err := l.Read(ctx, id, creator); err != nil {
		return err
	}
	if err := l.store.DeleteConflict(ctx, id); err != nil && !errors.Is(err, model.ErrNotFound) {
		return fmt.Errorf("delete conflict %s: %w", id, err)
	}
	return nil
}
