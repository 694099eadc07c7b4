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
	"strings"
	"time"

	"github.com/Nutomic/ibis-sub001/services/wiki/model"
)

// FromInstance renders the actor document of an instance.
func FromInstance(i model.Instance) InstanceObject {
	return InstanceObject{
		Context:   ContextURL,
		Type:      TypeService,
		ID:        i.ID,
		Name:      i.Name,
		Summary:   i.Description,
		Inbox:     i.Inbox,
		Followers: i.FollowersURL(),
		Articles:  i.Articles,
		PublicKey: publicKey(i.ID, i.PublicKey),
	}
}

// ToModel converts the document into a remote instance row.
func (o InstanceObject) ToModel(now time.Time) model.Instance {
	return model.Instance{
		ID:          o.ID,
		Domain:      o.ID.Domain(),
		Name:        o.Name,
		Description: o.Summary,
		PublicKey:   o.PublicKey.PublicKeyPem,
		Inbox:       o.Inbox,
		Articles:    o.Articles,
		LastRefresh: now,
	}
}

// FromPerson renders the actor document of a person.
func FromPerson(p model.Person) PersonObject {
	return PersonObject{
		Context:           ContextURL,
		Type:              TypePerson,
		ID:                p.ID,
		PreferredUsername: p.Username,
		Name:              p.DisplayName,
		Summary:           p.Bio,
		Inbox:             p.Inbox,
		PublicKey:         publicKey(p.ID, p.PublicKey),
	}
}

// ToModel converts the document into a remote person row.
func (o PersonObject) ToModel(now time.Time) model.Person {
	return model.Person{
		ID:          o.ID,
		Username:    o.PreferredUsername,
		DisplayName: o.Name,
		Bio:         o.Summary,
		PublicKey:   o.PublicKey.PublicKeyPem,
		Inbox:       o.Inbox,
		LastRefresh: now,
	}
}

func publicKey(owner model.ObjectID, pem string) PublicKey {
	return PublicKey{ID: string(owner) + "#main-key", Owner: owner, PublicKeyPem: pem}
}

// FromArticle renders an article snapshot addressed to the public.
func FromArticle(a model.Article) ArticleObject {
	return ArticleObject{
		Type:          TypeArticle,
		ID:            a.ID,
		AttributedTo:  a.Instance,
		To:            []string{PublicAddress},
		Edits:         a.EditsURL(),
		LatestVersion: a.LatestVersion,
		Content:       a.Text,
		Name:          a.Title,
		Protected:     a.Protected,
	}
}

// ToModel converts the snapshot into a remote article row.
func (o ArticleObject) ToModel() model.Article {
	return model.Article{
		ID:            o.ID,
		Title:         o.Name,
		Text:          o.Content,
		Instance:      o.AttributedTo,
		LatestVersion: o.LatestVersion,
		Protected:     o.Protected,
		Approved:      true,
	}
}

// FromEdit renders an edit.
func FromEdit(e model.Edit) EditObject {
	return EditObject{
		Type:            TypePatch,
		ID:              e.ID,
		Content:         e.Diff,
		Version:         e.Version,
		PreviousVersion: e.PreviousVersion,
		Object:          e.Article,
		AttributedTo:    e.Creator,
		Summary:         e.Summary,
		Published:       e.Published,
	}
}

// ToModel converts the document into an edit row. The creator is passed in
// because it may have been replaced by a placeholder during resolution.
func (o EditObject) ToModel(creator model.ObjectID, pending bool) model.Edit {
	return model.Edit{
		ID:              o.ID,
		Article:         o.Object,
		Creator:         creator,
		Diff:            o.Content,
		Summary:         o.Summary,
		Version:         o.Version,
		PreviousVersion: o.PreviousVersion,
		Published:       o.Published,
		Pending:         pending,
	}
}

// FromComment renders a comment.
func FromComment(c model.Comment) CommentObject {
	replyTo := c.Parent
	if replyTo == "" {
		replyTo = c.Article
	}
	return CommentObject{
		Type:         TypeNote,
		ID:           c.ID,
		AttributedTo: c.Creator,
		To:           []string{PublicAddress},
		Content:      c.Content,
		InReplyTo:    replyTo,
		Context:      c.Article,
		Deleted:      c.Deleted,
		Published:    c.Published,
		Updated:      c.Updated,
	}
}

// ParentID returns the parent comment, or "" for a top level comment.
func (o CommentObject) ParentID() model.ObjectID {
	if strings.EqualFold(string(o.InReplyTo), string(o.Context)) {
		return ""
	}
	return o.InReplyTo
}
