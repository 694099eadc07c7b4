// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package model defines the stored entities of the wiki.
//
// # Description
//
// Entities reference each other by ObjectID, the URI an entity is known by
// across the federation. A reference never implies the referenced entity is
// stored locally; callers resolve it explicitly through the resolver.
package model

import (
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Nutomic/ibis-sub001/services/wiki/version"
)

// ObjectID is the federated identifier of an entity.
type ObjectID string

// String returns the URI.
func (id ObjectID) String() string { return string(id) }

// Domain returns the host of the URI including any port, or "" when the id
// does not parse.
func (id ObjectID) Domain() string {
	u, err := url.Parse(string(id))
	if err != nil {
		return ""
	}
	return u.Host
}

// SameDomain reports whether both ids live on the same host.
func (id ObjectID) SameDomain(other ObjectID) bool {
	d := id.Domain()
	return d != "" && strings.EqualFold(d, other.Domain())
}

// Instance is a federation peer. Exactly one instance is local.
type Instance struct {
	ID          ObjectID  `json:"id"`
	Domain      string    `json:"domain"`
	Name        string    `json:"name,omitempty"`
	Description string    `json:"description,omitempty"`
	PublicKey   string    `json:"public_key"`
	Inbox       string    `json:"inbox"`
	Articles    string    `json:"articles_url,omitempty"`
	LastRefresh time.Time `json:"last_refresh"`
	Local       bool      `json:"local"`
}

// FollowersURL returns the followers collection of the instance.
func (i Instance) FollowersURL() string {
	return strings.TrimSuffix(string(i.ID), "/") + "/followers"
}

// Person is a user account. Admin is only meaningful for local persons.
type Person struct {
	ID          ObjectID  `json:"id"`
	Username    string    `json:"username"`
	DisplayName string    `json:"display_name,omitempty"`
	Bio         string    `json:"bio,omitempty"`
	PublicKey   string    `json:"public_key"`
	Inbox       string    `json:"inbox"`
	LastRefresh time.Time `json:"last_refresh"`
	Local       bool      `json:"local"`
	Admin       bool      `json:"admin,omitempty"`
}

// Article is a wiki page. Instance is its origin, the only instance that
// accepts new edits for it.
type Article struct {
	ID            ObjectID            `json:"id"`
	Title         string              `json:"title"`
	Text          string              `json:"text"`
	Instance      ObjectID            `json:"instance"`
	LatestVersion version.EditVersion `json:"latest_version"`
	Local         bool                `json:"local"`
	Protected     bool                `json:"protected"`
	Approved      bool                `json:"approved"`
	Removed       bool                `json:"removed"`
}

// EditsURL returns the edits collection of the article.
func (a Article) EditsURL() string {
	return string(a.ID) + "/edits"
}

// Edit is one diff in an article's history. Seq orders edits of an article
// by creation and is assigned by the store.
type Edit struct {
	ID              ObjectID            `json:"id"`
	Article         ObjectID            `json:"article"`
	Creator         ObjectID            `json:"creator"`
	Diff            string              `json:"diff"`
	Summary         string              `json:"summary"`
	Version         version.EditVersion `json:"version"`
	PreviousVersion version.EditVersion `json:"previous_version"`
	Published       time.Time           `json:"published"`
	Pending         bool                `json:"pending"`
	Seq             uint64              `json:"seq"`
}

// DiffText implements version.Step.
func (e Edit) DiffText() string { return e.Diff }

// Hash implements version.Step.
func (e Edit) Hash() version.EditVersion { return e.Version }

// Conflict is an edit the origin refused, kept for its creator to redo.
type Conflict struct {
	ID              uuid.UUID           `json:"id"`
	Version         version.EditVersion `json:"version"`
	Diff            string              `json:"diff"`
	Summary         string              `json:"summary"`
	Creator         ObjectID            `json:"creator"`
	Article         ObjectID            `json:"article"`
	PreviousVersion version.EditVersion `json:"previous_version"`
	Published       time.Time           `json:"published"`
}

// Comment belongs to an article discussion. Parent is empty for top level
// comments, which have depth 0.
type Comment struct {
	ID        ObjectID   `json:"id"`
	Creator   ObjectID   `json:"creator"`
	Article   ObjectID   `json:"article"`
	Parent    ObjectID   `json:"parent,omitempty"`
	Content   string     `json:"content"`
	Depth     int        `json:"depth"`
	Deleted   bool       `json:"deleted"`
	Local     bool       `json:"local"`
	Published time.Time  `json:"published"`
	Updated   *time.Time `json:"updated,omitempty"`
	Seq       uint64     `json:"seq"`
}

// FollowerKind tells which actor type follows.
type FollowerKind string

const (
	FollowerPerson   FollowerKind = "person"
	FollowerInstance FollowerKind = "instance"
)

// Follow relates a follower actor to a followed instance.
type Follow struct {
	Follower      ObjectID     `json:"follower"`
	FollowerKind  FollowerKind `json:"follower_kind"`
	FollowerInbox string       `json:"follower_inbox"`
	Target        ObjectID     `json:"target"`
	Pending       bool         `json:"pending"`
	Published     time.Time    `json:"published"`
}

// NotificationKind categorizes notifications.
type NotificationKind string

const (
	NotifyConflict NotificationKind = "conflict"
	NotifyEdit     NotificationKind = "edit"
	NotifyComment  NotificationKind = "comment"
)

// Notification tells a local person about something that concerns them.
type Notification struct {
	ID        uuid.UUID        `json:"id"`
	Person    ObjectID         `json:"person"`
	Kind      NotificationKind `json:"kind"`
	Object    string           `json:"object"`
	Read      bool             `json:"read"`
	Published time.Time        `json:"published"`
}
