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
	"strings"

	"github.com/dgraph-io/badger/v4"

	"github.com/Nutomic/ibis-sub001/services/wiki/model"
)

func titleKey(domain, title string) []byte {
	return key(pfxArticleTitle, strings.ToLower(domain), strings.ToLower(title))
}

// UpsertArticle creates an article or replaces the stored one with the same
// id. Replacing keeps the local flag of the stored row.
func (s *Store) UpsertArticle(ctx context.Context, a model.Article) (model.Article, error) {
	err := s.update(ctx, func(txn *badger.Txn) error {
		existing, err := getJSON[model.Article](txn, key(pfxArticle, string(a.ID)))
		switch {
		case err == nil:
			a.Local = existing.Local
			if existing.Title != a.Title {
				if err := txn.Delete(titleKey(a.ID.Domain(), existing.Title)); err != nil {
					return err
				}
			}
		case !errors.Is(err, model.ErrNotFound):
			return err
		}
		if err := txn.Set(titleKey(a.ID.Domain(), a.Title), []byte(a.ID)); err != nil {
			return err
		}
		return putJSON(txn, key(pfxArticle, string(a.ID)), a)
	})
	return a, err
}

// InsertArticle stores a new article. It fails with model.ErrAlreadyExists
// when the id or the title on the article's host is taken.
func (s *Store) InsertArticle(ctx context.Context, a model.Article) (model.Article, error) {
	err := s.update(ctx, func(txn *badger.Txn) error {
		for _, k := range [][]byte{key(pfxArticle, string(a.ID)), titleKey(a.ID.Domain(), a.Title)} {
			found, err := exists(txn, k)
			if err != nil {
				return err
			}
			if found {
				return fmt.Errorf("article %s: %w", a.Title, model.ErrAlreadyExists)
			}
		}
		if err := txn.Set(titleKey(a.ID.Domain(), a.Title), []byte(a.ID)); err != nil {
			return err
		}
		return putJSON(txn, key(pfxArticle, string(a.ID)), a)
	})
	return a, err
}

// Article reads an article by id.
func (s *Store) Article(ctx context.Context, id model.ObjectID) (model.Article, error) {
	var a model.Article
	err := s.view(ctx, func(txn *badger.Txn) error {
		var err error
		a, err = getJSON[model.Article](txn, key(pfxArticle, string(id)))
		return err
	})
	return a, err
}

// ArticleByTitle reads an article by the domain of its origin and title.
func (s *Store) ArticleByTitle(ctx context.Context, domain, title string) (model.Article, error) {
	var a model.Article
	err := s.view(ctx, func(txn *badger.Txn) error {
		id, err := getString(txn, titleKey(domain, title))
		if err != nil {
			return err
		}
		a, err = getJSON[model.Article](txn, key(pfxArticle, id))
		return err
	})
	return a, err
}

// Articles lists articles, optionally only local ones.
func (s *Store) Articles(ctx context.Context, localOnly bool) ([]model.Article, error) {
	var out []model.Article
	err := s.view(ctx, func(txn *badger.Txn) error {
		all, err := scanJSON[model.Article](txn, prefix(pfxArticle))
		if err != nil {
			return err
		}
		for _, a := range all {
			if !localOnly || a.Local {
				out = append(out, a)
			}
		}
		return nil
	})
	return out, err
}

// UpdateArticle applies a partial update.
func (s *Store) UpdateArticle(ctx context.Context, id model.ObjectID, form model.ArticleUpdate) (model.Article, error) {
	var a model.Article
	err := s.update(ctx, func(txn *badger.Txn) error {
		var err error
		a, err = getJSON[model.Article](txn, key(pfxArticle, string(id)))
		if err != nil {
			return err
		}
		oldTitle := a.Title
		form.ApplyTo(&a)
		if a.Title != oldTitle {
			if err := txn.Delete(titleKey(id.Domain(), oldTitle)); err != nil {
				return err
			}
			if err := txn.Set(titleKey(id.Domain(), a.Title), []byte(id)); err != nil {
				return err
			}
		}
		return putJSON(txn, key(pfxArticle, string(id)), a)
	})
	return a, err
}
