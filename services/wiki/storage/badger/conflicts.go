// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package badger

import (
	"context"
	"errors"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"

	"github.com/Nutomic/ibis-sub001/services/wiki/model"
)

func conflictByKey(creator model.ObjectID, c model.Conflict) []byte {
	return key(pfxConflictBy, string(creator), c.Version.Hex())
}

// CreateConflict stores a conflict together with the notification for its
// creator. A conflict with the same creator and version already stored is
// returned instead, and no second notification is written.
func (s *Store) CreateConflict(ctx context.Context, c model.Conflict, n model.Notification) (model.Conflict, bool, error) {
	var (
		out     model.Conflict
		created bool
	)
	err := s.update(ctx, func(txn *badger.Txn) error {
		created = false
		idStr, err := getString(txn, conflictByKey(c.Creator, c))
		if err == nil {
			out, err = getJSON[model.Conflict](txn, key(pfxConflict, idStr))
			return err
		}
		if !errors.Is(err, model.ErrNotFound) {
			return err
		}
		if err := txn.Set(conflictByKey(c.Creator, c), []byte(c.ID.String())); err != nil {
			return err
		}
		if err := putJSON(txn, key(pfxConflict, c.ID.String()), c); err != nil {
			return err
		}
		if err := putNotification(txn, n); err != nil {
			return err
		}
		out, created = c, true
		return nil
	})
	return out, created, err
}

// Conflict reads a conflict by id.
func (s *Store) Conflict(ctx context.Context, id uuid.UUID) (model.Conflict, error) {
	var c model.Conflict
	err := s.view(ctx, func(txn *badger.Txn) error {
		var err error
		c, err = getJSON[model.Conflict](txn, key(pfxConflict, id.String()))
		return err
	})
	return c, err
}

// ConflictsBy lists the conflicts of one creator.
func (s *Store) ConflictsBy(ctx context.Context, creator model.ObjectID) ([]model.Conflict, error) {
	var out []model.Conflict
	err := s.view(ctx, func(txn *badger.Txn) error {
		return scan(txn, prefix(pfxConflictBy, string(creator)), func(_, v []byte) error {
			c, err := getJSON[model.Conflict](txn, key(pfxConflict, string(v)))
			if err != nil {
				return err
			}
			out = append(out, c)
			return nil
		})
	})
	return out, err
}

// DeleteConflict removes a conflict and, if still present, the creator's
// pending edit with the same version.
func (s *Store) DeleteConflict(ctx context.Context, id uuid.UUID) error {
	return s.update(ctx, func(txn *badger.Txn) error {
		c, err := getJSON[model.Conflict](txn, key(pfxConflict, id.String()))
		if err != nil {
			return err
		}
		editID, err := getString(txn, editVersionKey(c.Article, c.Version))
		switch {
		case err == nil:
			e, err := getJSON[model.Edit](txn, key(pfxEdit, editID))
			if err != nil {
				return err
			}
			if e.Pending && e.Creator == c.Creator {
				if err := deleteEdit(txn, e.ID); err != nil {
					return err
				}
			}
		case !errors.Is(err, model.ErrNotFound):
			return err
		}
		if err := txn.Delete(conflictByKey(c.Creator, c)); err != nil {
			return err
		}
		return txn.Delete(key(pfxConflict, id.String()))
	})
}
