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
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/dgraph-io/badger/v4"

	"github.com/Nutomic/ibis-sub001/services/wiki/model"
)

// ErrStaleVersion indicates the article moved past the version an edit was
// checked against.
var ErrStaleVersion = errors.New("article version changed concurrently")

// maxConflictRetries bounds retries of transactions that lost a write race.
const maxConflictRetries = 5

// Key prefixes. Components of a key are joined with keySep, which cannot
// occur in a URI.
const (
	keySep = "\x00"

	pfxInstance      = "instance"
	pfxLocalInstance = "local_instance"
	pfxPrivateKey    = "private_key"
	pfxPerson        = "person"
	pfxLocalPerson   = "local_person"
	pfxToken         = "token"
	pfxArticle       = "article"
	pfxArticleTitle  = "article_title"
	pfxEdit          = "edit"
	pfxEditSeq       = "edit_seq"
	pfxEditVersion   = "edit_version"
	pfxConflict      = "conflict"
	pfxConflictBy    = "conflict_by"
	pfxComment       = "comment"
	pfxCommentSeq    = "comment_seq"
	pfxFollow        = "follow"
	pfxNotification  = "notification"
	pfxActivity      = "activity"
	seqKey           = "seq"
)

func key(parts ...string) []byte {
	return []byte(strings.Join(parts, keySep))
}

func prefix(parts ...string) []byte {
	return []byte(strings.Join(parts, keySep) + keySep)
}

// Store exposes typed repositories over a DB.
type Store struct {
	db     *DB
	seq    *badger.Sequence
	logger *slog.Logger
}

// NewStore wraps db. Close releases the sequence lease but not the DB.
func NewStore(db *DB, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	seq, err := db.GetSequence([]byte(seqKey), 128)
	if err != nil {
		return nil, fmt.Errorf("acquire sequence: %w", err)
	}
	return &Store{db: db, seq: seq, logger: logger.With("component", "store")}, nil
}

// OpenInMemoryStore opens an in-memory DB and a Store over it. Closing the
// returned Store also closes the DB.
func OpenInMemoryStore() (*Store, error) {
	db, err := OpenInMemory()
	if err != nil {
		return nil, err
	}
	s, err := NewStore(db, nil)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the sequence and closes the underlying DB.
func (s *Store) Close() error {
	if err := s.seq.Release(); err != nil {
		s.logger.Warn("release sequence", slog.String("error", err.Error()))
	}
	return s.db.Close()
}

// nextSeq returns the next creation order number. Zero is never returned.
func (s *Store) nextSeq() (uint64, error) {
	for {
		n, err := s.seq.Next()
		if err != nil {
			return 0, fmt.Errorf("next sequence: %w", err)
		}
		if n != 0 {
			return n, nil
		}
	}
}

// update runs fn in a read-write transaction, retrying when it lost a write
// race to a concurrent transaction. fn must be safe to re-run.
func (s *Store) update(ctx context.Context, fn func(txn *badger.Txn) error) error {
	var err error
	for attempt := 0; attempt < maxConflictRetries; attempt++ {
		err = s.db.WithTxn(ctx, fn)
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
		s.logger.Debug("transaction conflict, retrying", slog.Int("attempt", attempt+1))
	}
	return err
}

func (s *Store) view(ctx context.Context, fn func(txn *badger.Txn) error) error {
	return s.db.WithReadTxn(ctx, fn)
}

func getJSON[T any](txn *badger.Txn, k []byte) (T, error) {
	var v T
	item, err := txn.Get(k)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return v, model.ErrNotFound
	}
	if err != nil {
		return v, err
	}
	err = item.Value(func(val []byte) error {
		return json.Unmarshal(val, &v)
	})
	return v, err
}

func putJSON(txn *badger.Txn, k []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", strings.SplitN(string(k), keySep, 2)[0], err)
	}
	return txn.Set(k, data)
}

func getString(txn *badger.Txn, k []byte) (string, error) {
	item, err := txn.Get(k)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return "", model.ErrNotFound
	}
	if err != nil {
		return "", err
	}
	val, err := item.ValueCopy(nil)
	return string(val), err
}

func exists(txn *badger.Txn, k []byte) (bool, error) {
	_, err := txn.Get(k)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	return err == nil, err
}

// scan calls fn for every key under p in key order.
func scan(txn *badger.Txn, p []byte, fn func(k, v []byte) error) error {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = p
	it := txn.NewIterator(opts)
	defer it.Close()

	for it.Rewind(); it.Valid(); it.Next() {
		item := it.Item()
		k := item.KeyCopy(nil)
		if err := item.Value(func(v []byte) error { return fn(k, v) }); err != nil {
			return err
		}
	}
	return nil
}

// scanJSON decodes every value under p.
func scanJSON[T any](txn *badger.Txn, p []byte) ([]T, error) {
	var out []T
	err := scan(txn, p, func(_, v []byte) error {
		var item T
		if err := json.Unmarshal(v, &item); err != nil {
			return err
		}
		out = append(out, item)
		return nil
	})
	return out, err
}

// seqKeyPart renders a sequence number so lexical order is numeric order.
func seqKeyPart(n uint64) string {
	return fmt.Sprintf("%016x", n)
}
