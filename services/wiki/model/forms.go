// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package model

import (
	"time"

	"github.com/Nutomic/ibis-sub001/services/wiki/version"
)

// ArticleUpdate is a partial update of an Article. Nil fields are left
// untouched.
type ArticleUpdate struct {
	Title         *string
	Text          *string
	LatestVersion *version.EditVersion
	Protected     *bool
	Approved      *bool
	Removed       *bool
}

// ApplyTo merges the set fields into a.
func (u ArticleUpdate) ApplyTo(a *Article) {
	if u.Title != nil {
		a.Title = *u.Title
	}
	if u.Text != nil {
		a.Text = *u.Text
	}
	if u.LatestVersion != nil {
		a.LatestVersion = *u.LatestVersion
	}
	if u.Protected != nil {
		a.Protected = *u.Protected
	}
	if u.Approved != nil {
		a.Approved = *u.Approved
	}
	if u.Removed != nil {
		a.Removed = *u.Removed
	}
}

// CommentUpdate is a partial update of a Comment.
type CommentUpdate struct {
	Content *string
	Deleted *bool
	Updated *time.Time
}

// ApplyTo merges the set fields into c.
func (u CommentUpdate) ApplyTo(c *Comment) {
	if u.Content != nil {
		c.Content = *u.Content
	}
	if u.Deleted != nil {
		c.Deleted = *u.Deleted
	}
	if u.Updated != nil {
		t := *u.Updated
		c.Updated = &t
	}
}

// Ptr returns a pointer to v, for filling update forms.
func Ptr[T any](v T) *T {
	return &v
}
