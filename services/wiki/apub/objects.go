// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package apub

import (
	"time"

	"github.com/Nutomic/ibis-sub001/services/wiki/model"
	"github.com/Nutomic/ibis-sub001/services/wiki/version"
)

// Object type discriminators.
const (
	TypeService           = "Service"
	TypePerson            = "Person"
	TypeArticle           = "Article"
	TypePatch             = "Patch"
	TypeNote              = "Note"
	TypeCollection        = "Collection"
	TypeOrderedCollection = "OrderedCollection"
)

// PublicKey is the key block embedded in actors.
type PublicKey struct {
	ID           string         `json:"id"`
	Owner        model.ObjectID `json:"owner"`
	PublicKeyPem string         `json:"publicKeyPem"`
}

// InstanceObject is the actor document of an instance.
type InstanceObject struct {
	Context   string         `json:"@context,omitempty"`
	Type      string         `json:"type" validate:"eq=Service"`
	ID        model.ObjectID `json:"id" validate:"required,url"`
	Name      string         `json:"name,omitempty"`
	Summary   string         `json:"summary,omitempty"`
	Inbox     string         `json:"inbox" validate:"required,url"`
	Followers string         `json:"followers,omitempty"`
	Articles  string         `json:"articles,omitempty" validate:"omitempty,url"`
	PublicKey PublicKey      `json:"publicKey"`
}

// PersonObject is the actor document of a person.
type PersonObject struct {
	Context           string         `json:"@context,omitempty"`
	Type              string         `json:"type" validate:"eq=Person"`
	ID                model.ObjectID `json:"id" validate:"required,url"`
	PreferredUsername string         `json:"preferredUsername" validate:"required"`
	Name              string         `json:"name,omitempty"`
	Summary           string         `json:"summary,omitempty"`
	Inbox             string         `json:"inbox" validate:"required,url"`
	PublicKey         PublicKey      `json:"publicKey"`
}

// ArticleObject carries an article snapshot. Content is the origin's
// materialized text at LatestVersion.
type ArticleObject struct {
	Type          string              `json:"type" validate:"eq=Article"`
	ID            model.ObjectID      `json:"id" validate:"required,url"`
	AttributedTo  model.ObjectID      `json:"attributedTo" validate:"required,url"`
	To            []string            `json:"to,omitempty"`
	Edits         string              `json:"edits" validate:"required,url"`
	LatestVersion version.EditVersion `json:"latestVersion"`
	Content       string              `json:"content"`
	Name          string              `json:"name" validate:"required"`
	Protected     bool                `json:"protected"`
}

// EditObject carries one edit of an article. Content is the diff.
type EditObject struct {
	Type            string              `json:"type" validate:"eq=Patch"`
	ID              model.ObjectID      `json:"id" validate:"required,url"`
	Content         string              `json:"content"`
	Version         version.EditVersion `json:"version"`
	PreviousVersion version.EditVersion `json:"previousVersion"`
	Object          model.ObjectID      `json:"object" validate:"required,url"`
	AttributedTo    model.ObjectID      `json:"attributedTo" validate:"required,url"`
	Summary         string              `json:"summary"`
	Published       time.Time           `json:"published"`
}

// CommentObject carries a comment. InReplyTo is the parent comment, or the
// article for top level comments. Context is always the article.
type CommentObject struct {
	Type         string         `json:"type" validate:"eq=Note"`
	ID           model.ObjectID `json:"id" validate:"required,url"`
	AttributedTo model.ObjectID `json:"attributedTo" validate:"required,url"`
	To           []string       `json:"to,omitempty"`
	Content      string         `json:"content"`
	InReplyTo    model.ObjectID `json:"inReplyTo" validate:"required,url"`
	Context      model.ObjectID `json:"context" validate:"required,url"`
	Deleted      bool           `json:"deleted,omitempty"`
	Published    time.Time      `json:"published"`
	Updated      *time.Time     `json:"updated,omitempty"`
}

// OrderedCollection is a paged-less ordered collection.
type OrderedCollection[T any] struct {
	Context      string `json:"@context,omitempty"`
	Type         string `json:"type"`
	ID           string `json:"id"`
	TotalItems   int    `json:"totalItems"`
	OrderedItems []T    `json:"orderedItems"`
}

// NewOrderedCollection wraps items.
func NewOrderedCollection[T any](id string, items []T) OrderedCollection[T] {
	if items == nil {
		items = []T{}
	}
	return OrderedCollection[T]{
		Context:      ContextURL,
		Type:         TypeOrderedCollection,
		ID:           id,
		TotalItems:   len(items),
		OrderedItems: items,
	}
}
