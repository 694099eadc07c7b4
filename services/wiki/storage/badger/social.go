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
	"sort"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"

	"github.com/Nutomic/ibis-sub001/services/wiki/model"
)

// --- comments ---

// UpsertComment creates a comment or replaces the stored one with the same
// id, keeping its creation order and local flag.
func (s *Store) UpsertComment(ctx context.Context, c model.Comment) (model.Comment, error) {
	err := s.update(ctx, func(txn *badger.Txn) error {
		existing, err := getJSON[model.Comment](txn, key(pfxComment, string(c.ID)))
		switch {
		case err == nil:
			c.Seq = existing.Seq
			c.Local = existing.Local
		case errors.Is(err, model.ErrNotFound):
			if c.Seq, err = s.nextSeq(); err != nil {
				return err
			}
			if err := txn.Set(key(pfxCommentSeq, string(c.Article), seqKeyPart(c.Seq)), []byte(c.ID)); err != nil {
				return err
			}
		default:
			return err
		}
		return putJSON(txn, key(pfxComment, string(c.ID)), c)
	})
	return c, err
}

// Comment reads a comment by id.
func (s *Store) Comment(ctx context.Context, id model.ObjectID) (model.Comment, error) {
	var c model.Comment
	err := s.view(ctx, func(txn *badger.Txn) error {
		var err error
		c, err = getJSON[model.Comment](txn, key(pfxComment, string(id)))
		return err
	})
	return c, err
}

// Comments lists the comments of an article in creation order.
func (s *Store) Comments(ctx context.Context, article model.ObjectID) ([]model.Comment, error) {
	var out []model.Comment
	err := s.view(ctx, func(txn *badger.Txn) error {
		return scan(txn, prefix(pfxCommentSeq, string(article)), func(_, v []byte) error {
			c, err := getJSON[model.Comment](txn, key(pfxComment, string(v)))
			if err != nil {
				return err
			}
			out = append(out, c)
			return nil
		})
	})
	return out, err
}

// UpdateComment applies a partial update.
func (s *Store) UpdateComment(ctx context.Context, id model.ObjectID, form model.CommentUpdate) (model.Comment, error) {
	var c model.Comment
	err := s.update(ctx, func(txn *badger.Txn) error {
		var err error
		c, err = getJSON[model.Comment](txn, key(pfxComment, string(id)))
		if err != nil {
			return err
		}
		form.ApplyTo(&c)
		return putJSON(txn, key(pfxComment, string(id)), c)
	})
	return c, err
}

// --- follows ---

func followKey(target, follower model.ObjectID) []byte {
	return key(pfxFollow, string(target), string(follower))
}

// PutFollow upserts a follow relation on (target, follower). An existing
// relation only has its pending flag and inbox updated.
func (s *Store) PutFollow(ctx context.Context, f model.Follow) (model.Follow, error) {
	err := s.update(ctx, func(txn *badger.Txn) error {
		existing, err := getJSON[model.Follow](txn, followKey(f.Target, f.Follower))
		switch {
		case err == nil:
			existing.Pending = f.Pending
			if f.FollowerInbox != "" {
				existing.FollowerInbox = f.FollowerInbox
			}
			f = existing
		case !errors.Is(err, model.ErrNotFound):
			return err
		}
		return putJSON(txn, followKey(f.Target, f.Follower), f)
	})
	return f, err
}

// AcceptFollow clears the pending flag. It reports whether a pending
// relation existed.
func (s *Store) AcceptFollow(ctx context.Context, follower, target model.ObjectID) (bool, error) {
	var changed bool
	err := s.update(ctx, func(txn *badger.Txn) error {
		changed = false
		f, err := getJSON[model.Follow](txn, followKey(target, follower))
		if errors.Is(err, model.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if !f.Pending {
			return nil
		}
		f.Pending = false
		changed = true
		return putJSON(txn, followKey(target, follower), f)
	})
	return changed, err
}

// DeleteFollow removes a relation. It reports whether one existed.
func (s *Store) DeleteFollow(ctx context.Context, follower, target model.ObjectID) (bool, error) {
	var found bool
	err := s.update(ctx, func(txn *badger.Txn) error {
		var err error
		found, err = exists(txn, followKey(target, follower))
		if err != nil || !found {
			return err
		}
		return txn.Delete(followKey(target, follower))
	})
	return found, err
}

// Follow reads a single relation.
func (s *Store) Follow(ctx context.Context, follower, target model.ObjectID) (model.Follow, error) {
	var f model.Follow
	err := s.view(ctx, func(txn *badger.Txn) error {
		var err error
		f, err = getJSON[model.Follow](txn, followKey(target, follower))
		return err
	})
	return f, err
}

// Followers lists relations whose target is the given actor.
func (s *Store) Followers(ctx context.Context, target model.ObjectID) ([]model.Follow, error) {
	var out []model.Follow
	err := s.view(ctx, func(txn *badger.Txn) error {
		var err error
		out, err = scanJSON[model.Follow](txn, prefix(pfxFollow, string(target)))
		return err
	})
	return out, err
}

// Following lists relations created by the given follower.
func (s *Store) Following(ctx context.Context, follower model.ObjectID) ([]model.Follow, error) {
	var out []model.Follow
	err := s.view(ctx, func(txn *badger.Txn) error {
		all, err := scanJSON[model.Follow](txn, prefix(pfxFollow))
		if err != nil {
			return err
		}
		for _, f := range all {
			if f.Follower == follower {
				out = append(out, f)
			}
		}
		return nil
	})
	return out, err
}

// --- notifications ---

func notificationKey(person model.ObjectID, id uuid.UUID) []byte {
	return key(pfxNotification, string(person), id.String())
}

func putNotification(txn *badger.Txn, n model.Notification) error {
	return putJSON(txn, notificationKey(n.Person, n.ID), n)
}

// CreateNotification stores a notification.
func (s *Store) CreateNotification(ctx context.Context, n model.Notification) error {
	return s.update(ctx, func(txn *badger.Txn) error {
		return putNotification(txn, n)
	})
}

// Notifications lists a person's notifications, newest first.
func (s *Store) Notifications(ctx context.Context, person model.ObjectID) ([]model.Notification, error) {
	var out []model.Notification
	err := s.view(ctx, func(txn *badger.Txn) error {
		var err error
		out, err = scanJSON[model.Notification](txn, prefix(pfxNotification, string(person)))
		return err
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Published.After(out[j].Published) })
	return out, err
}

// MarkNotificationRead marks one of a person's notifications read.
func (s *Store) MarkNotificationRead(ctx context.Context, person model.ObjectID, id uuid.UUID) error {
	return s.update(ctx, func(txn *badger.Txn) error {
		n, err := getJSON[model.Notification](txn, notificationKey(person, id))
		if err != nil {
			return err
		}
		n.Read = true
		return putNotification(txn, n)
	})
}

// --- inbound activity log ---

// MarkActivitySeen records an inbound activity id for ttl. It reports
// whether the id had already been recorded, which makes the check and the
// record a single atomic step.
func (s *Store) MarkActivitySeen(ctx context.Context, id string, ttl time.Duration) (bool, error) {
	var seen bool
	err := s.update(ctx, func(txn *badger.Txn) error {
		var err error
		seen, err = exists(txn, key(pfxActivity, id))
		if err != nil || seen {
			return err
		}
		return txn.SetEntry(badger.NewEntry(key(pfxActivity, id), nil).WithTTL(ttl))
	})
	return seen, err
}

// ForgetActivity removes an activity id so a redelivery is processed again.
func (s *Store) ForgetActivity(ctx context.Context, id string) error {
	return s.update(ctx, func(txn *badger.Txn) error {
		return txn.Delete(key(pfxActivity, id))
	})
}
