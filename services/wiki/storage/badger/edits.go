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
	"fmt"

	"github.com/dgraph-io/badger/v4"

	"github.com/Nutomic/ibis-sub001/services/wiki/model"
	"github.com/Nutomic/ibis-sub001/services/wiki/version"
)

func editSeqKey(article model.ObjectID, seq uint64) []byte {
	return key(pfxEditSeq, string(article), seqKeyPart(seq))
}

func editVersionKey(article model.ObjectID, v version.EditVersion) []byte {
	return key(pfxEditVersion, string(article), v.Hex())
}

// putEdit upserts e inside txn.
//
// Edits are keyed by id and immutable once stored, except that a pending
// edit may be confirmed. Confirming moves the edit to the end of the
// article's creation order, because the origin accepted it after every edit
// already confirmed locally.
func (s *Store) putEdit(txn *badger.Txn, e model.Edit) (model.Edit, error) {
	existing, err := getJSON[model.Edit](txn, key(pfxEdit, string(e.ID)))
	switch {
	case err == nil:
		if !existing.Pending || e.Pending {
			return existing, nil
		}
		if err := txn.Delete(editSeqKey(existing.Article, existing.Seq)); err != nil {
			return e, err
		}
		existing.Pending = false
		e = existing
	case errors.Is(err, model.ErrNotFound):
	default:
		return e, err
	}

	seq, err := s.nextSeq()
	if err != nil {
		return e, err
	}
	e.Seq = seq
	if err := txn.Set(editSeqKey(e.Article, e.Seq), []byte(e.ID)); err != nil {
		return e, err
	}
	if err := txn.Set(editVersionKey(e.Article, e.Version), []byte(e.ID)); err != nil {
		return e, err
	}
	return e, putJSON(txn, key(pfxEdit, string(e.ID)), e)
}

// CreateEdit upserts an edit without touching the article.
//
// Creating an edit that already exists returns the stored one unchanged,
// unless the stored one is pending and e is not, which confirms it.
func (s *Store) CreateEdit(ctx context.Context, e model.Edit) (model.Edit, error) {
	var out model.Edit
	err := s.update(ctx, func(txn *badger.Txn) error {
		var err error
		out, err = s.putEdit(txn, e)
		return err
	})
	return out, err
}

// CommitEdit stores a confirmed edit and the article text it produces in one
// transaction.
//
// # Description
//
// The article's latest version must still equal expected when the
// transaction commits, otherwise ErrStaleVersion is returned and nothing is
// written. This is the single serialization point for edits of an article
// on its origin.
//
// # Outputs
//
//   - model.Article: Article after the update.
//   - model.Edit: Stored edit with its sequence number.
//   - error: ErrStaleVersion, model.ErrNotFound.
func (s *Store) CommitEdit(ctx context.Context, e model.Edit, expected version.EditVersion, newText string) (model.Article, model.Edit, error) {
	var (
		article model.Article
		stored  model.Edit
	)
	e.Pending = false
	err := s.update(ctx, func(txn *badger.Txn) error {
		var err error
		article, err = getJSON[model.Article](txn, key(pfxArticle, string(e.Article)))
		if err != nil {
			return fmt.Errorf("read article %s: %w", e.Article, err)
		}
		if article.LatestVersion != expected {
			return fmt.Errorf("expected %s, found %s: %w", expected, article.LatestVersion, ErrStaleVersion)
		}
		stored, err = s.putEdit(txn, e)
		if err != nil {
			return err
		}
		article.Text = newText
		article.LatestVersion = stored.Version
		return putJSON(txn, key(pfxArticle, string(article.ID)), article)
	})
	return article, stored, err
}

// Edit reads an edit by id.
func (s *Store) Edit(ctx context.Context, id model.ObjectID) (model.Edit, error) {
	var e model.Edit
	err := s.view(ctx, func(txn *badger.Txn) error {
		var err error
		e, err = getJSON[model.Edit](txn, key(pfxEdit, string(id)))
		return err
	})
	return e, err
}

// EditByVersion reads the edit of an article with the given version.
func (s *Store) EditByVersion(ctx context.Context, article model.ObjectID, v version.EditVersion) (model.Edit, error) {
	var e model.Edit
	err := s.view(ctx, func(txn *badger.Txn) error {
		id, err := getString(txn, editVersionKey(article, v))
		if err != nil {
			return err
		}
		e, err = getJSON[model.Edit](txn, key(pfxEdit, id))
		return err
	})
	return e, err
}

// Edits lists the edits of an article in creation order.
func (s *Store) Edits(ctx context.Context, article model.ObjectID, includePending bool) ([]model.Edit, error) {
	var out []model.Edit
	err := s.view(ctx, func(txn *badger.Txn) error {
		return scan(txn, prefix(pfxEditSeq, string(article)), func(_, v []byte) error {
			e, err := getJSON[model.Edit](txn, key(pfxEdit, string(v)))
			if err != nil {
				return err
			}
			if includePending || !e.Pending {
				out = append(out, e)
			}
			return nil
		})
	})
	return out, err
}

// DeleteEdit removes an edit and its index entries. Missing edits are not an
// error.
func (s *Store) DeleteEdit(ctx context.Context, id model.ObjectID) error {
	return s.update(ctx, func(txn *badger.Txn) error {
		return deleteEdit(txn, id)
	})
}

func deleteEdit(txn *badger.Txn, id model.ObjectID) error {
	e, err := getJSON[model.Edit](txn, key(pfxEdit, string(id)))
	if errors.Is(err, model.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	for _, k := range [][]byte{
		editSeqKey(e.Article, e.Seq),
		editVersionKey(e.Article, e.Version),
		key(pfxEdit, string(id)),
	} {
		if err := txn.Delete(k); err != nil {
			return err
		}
	}
	return nil
}
