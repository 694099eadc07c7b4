// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package apub defines the federation wire format: actor and content
// objects, and the closed set of activities instances exchange.
//
// # Description
//
// Activity is a sum type. Every variant is a struct in this package and
// Decode is the only way to obtain one from bytes, so the set of accepted
// messages is fixed here and consumers switch over it exhaustively.
//
// Several variants share a wire type and are told apart by the type of
// their object: an Update carrying an Article is the origin's authoritative
// update, an Update carrying a Patch is an edit proposed to the origin.
package apub

import (
	"github.com/Nutomic/ibis-sub001/services/wiki/model"
)

const (
	// ContextURL is the JSON-LD context of every document.
	ContextURL = "https://www.w3.org/ns/activitystreams"
	// PublicAddress addresses an activity to everyone.
	PublicAddress = "https://www.w3.org/ns/activitystreams#Public"
	// MediaType is the content type of federation documents.
	MediaType = "application/activity+json"
)

// Activity type discriminators.
const (
	TypeFollow   = "Follow"
	TypeAccept   = "Accept"
	TypeUndo     = "Undo"
	TypeCreate   = "Create"
	TypeUpdate   = "Update"
	TypeRemove   = "Remove"
	TypeDelete   = "Delete"
	TypeAnnounce = "Announce"
	TypeReject   = "Reject"
)

// Kind names a variant. Kinds are stable and used as metric labels.
type Kind string

const (
	KindFollow                Kind = "follow"
	KindAccept                Kind = "accept"
	KindUndoFollow            Kind = "undo_follow"
	KindCreateArticle         Kind = "create_article"
	KindUpdateLocalArticle    Kind = "update_local_article"
	KindUpdateRemoteArticle   Kind = "update_remote_article"
	KindRemoveArticle         Kind = "remove_article"
	KindUndoRemoveArticle     Kind = "undo_remove_article"
	KindCreateOrUpdateComment Kind = "create_or_update_comment"
	KindDeleteComment         Kind = "delete_comment"
	KindUndoDeleteComment     Kind = "undo_delete_comment"
	KindAnnounce              Kind = "announce"
	KindRejectEdit            Kind = "reject_edit"
)

// Activity is implemented only by the variants in this package.
type Activity interface {
	// Identify returns the id minted by the sender.
	Identify() string
	// ActorID returns the purported sender.
	ActorID() model.ObjectID
	// Kind returns the variant.
	Kind() Kind
	// Recipients returns the addressing of the activity.
	Recipients() []string

	sealed()
}

// header holds the fields every activity has.
type header struct {
	Context string         `json:"@context,omitempty"`
	Type    string         `json:"type" validate:"required"`
	ID      string         `json:"id" validate:"required,url"`
	Actor   model.ObjectID `json:"actor" validate:"required,url"`
	To      []string       `json:"to,omitempty"`
}

func (h header) Identify() string        { return h.ID }
func (h header) ActorID() model.ObjectID { return h.Actor }
func (h header) Recipients() []string    { return h.To }
func (header) sealed()                   {}

func newHeader(typ, id string, actor model.ObjectID, to []string) header {
	return header{Context: ContextURL, Type: typ, ID: id, Actor: actor, To: to}
}

// Follow asks an instance to deliver its updates to the actor.
type Follow struct {
	header
	Object model.ObjectID `json:"object" validate:"required,url"`
}

// Accept confirms a Follow.
type Accept struct {
	header
	Object Follow `json:"object"`
}

// UndoFollow withdraws a Follow.
type UndoFollow struct {
	header
	Object Follow `json:"object"`
}

// CreateArticle announces a new article from its origin.
type CreateArticle struct {
	header
	Object ArticleObject `json:"object"`
}

// UpdateLocalArticle is the origin's authoritative article update.
type UpdateLocalArticle struct {
	header
	Object ArticleObject `json:"object"`
}

// UpdateRemoteArticle proposes an edit to the article's origin.
type UpdateRemoteArticle struct {
	header
	Object EditObject `json:"object"`
}

// RejectEdit tells the submitter that the origin could not apply an edit.
type RejectEdit struct {
	header
	Object EditObject `json:"object"`
}

// RemoveArticle marks an article removed on its origin.
type RemoveArticle struct {
	header
	Object model.ObjectID `json:"object" validate:"required,url"`
}

// UndoRemoveArticle restores a removed article.
type UndoRemoveArticle struct {
	header
	Object RemoveArticle `json:"object"`
}

// CreateOrUpdateComment carries a new or edited comment.
type CreateOrUpdateComment struct {
	header
	Object CommentObject `json:"object"`
}

// DeleteComment marks a comment deleted.
type DeleteComment struct {
	header
	Object model.ObjectID `json:"object" validate:"required,url"`
}

// UndoDeleteComment restores a deleted comment.
type UndoDeleteComment struct {
	header
	Object DeleteComment `json:"object"`
}

// Announce relays another activity to the announcer's followers. It never
// wraps another Announce.
type Announce struct {
	header
	Object Activity `json:"object" validate:"-"`
}

func (Follow) Kind() Kind                { return KindFollow }
func (Accept) Kind() Kind                { return KindAccept }
func (UndoFollow) Kind() Kind            { return KindUndoFollow }
func (CreateArticle) Kind() Kind         { return KindCreateArticle }
func (UpdateLocalArticle) Kind() Kind    { return KindUpdateLocalArticle }
func (UpdateRemoteArticle) Kind() Kind   { return KindUpdateRemoteArticle }
func (RejectEdit) Kind() Kind            { return KindRejectEdit }
func (RemoveArticle) Kind() Kind         { return KindRemoveArticle }
func (UndoRemoveArticle) Kind() Kind     { return KindUndoRemoveArticle }
func (CreateOrUpdateComment) Kind() Kind { return KindCreateOrUpdateComment }
func (DeleteComment) Kind() Kind         { return KindDeleteComment }
func (UndoDeleteComment) Kind() Kind     { return KindUndoDeleteComment }
func (Announce) Kind() Kind              { return KindAnnounce }

// --- constructors ---

// NewFollow builds a Follow of target by actor.
func NewFollow(id string, actor, target model.ObjectID) Follow {
	return Follow{header: newHeader(TypeFollow, id, actor, []string{string(target)}), Object: target}
}

// NewAccept accepts follow on behalf of actor.
func NewAccept(id string, actor model.ObjectID, follow Follow) Accept {
	return Accept{header: newHeader(TypeAccept, id, actor, []string{string(follow.Actor)}), Object: follow}
}

// NewUndoFollow withdraws follow.
func NewUndoFollow(id string, follow Follow) UndoFollow {
	return UndoFollow{header: newHeader(TypeUndo, id, follow.Actor, follow.To), Object: follow}
}

// NewCreateArticle announces article to the public.
func NewCreateArticle(id string, actor model.ObjectID, article ArticleObject) CreateArticle {
	return CreateArticle{header: newHeader(TypeCreate, id, actor, []string{PublicAddress}), Object: article}
}

// NewUpdateLocalArticle builds the authoritative update of article.
func NewUpdateLocalArticle(id string, actor model.ObjectID, article ArticleObject) UpdateLocalArticle {
	return UpdateLocalArticle{header: newHeader(TypeUpdate, id, actor, []string{PublicAddress}), Object: article}
}

// NewUpdateRemoteArticle proposes edit to the origin instance.
func NewUpdateRemoteArticle(id string, actor, origin model.ObjectID, edit EditObject) UpdateRemoteArticle {
	return UpdateRemoteArticle{header: newHeader(TypeUpdate, id, actor, []string{string(origin)}), Object: edit}
}

// NewRejectEdit rejects edit back to its creator.
func NewRejectEdit(id string, actor model.ObjectID, edit EditObject) RejectEdit {
	return RejectEdit{header: newHeader(TypeReject, id, actor, []string{string(edit.AttributedTo)}), Object: edit}
}

// NewRemoveArticle removes article.
func NewRemoveArticle(id string, actor, article model.ObjectID) RemoveArticle {
	return RemoveArticle{header: newHeader(TypeRemove, id, actor, []string{PublicAddress}), Object: article}
}

// NewUndoRemoveArticle restores the article removed by remove.
func NewUndoRemoveArticle(id string, remove RemoveArticle) UndoRemoveArticle {
	return UndoRemoveArticle{header: newHeader(TypeUndo, id, remove.Actor, []string{PublicAddress}), Object: remove}
}

// NewCreateOrUpdateComment carries comment. update selects the Update type.
func NewCreateOrUpdateComment(id string, actor model.ObjectID, comment CommentObject, update bool) CreateOrUpdateComment {
	typ := TypeCreate
	if update {
		typ = TypeUpdate
	}
	return CreateOrUpdateComment{header: newHeader(typ, id, actor, []string{PublicAddress}), Object: comment}
}

// NewDeleteComment deletes comment.
func NewDeleteComment(id string, actor, comment model.ObjectID) DeleteComment {
	return DeleteComment{header: newHeader(TypeDelete, id, actor, []string{PublicAddress}), Object: comment}
}

// NewUndoDeleteComment restores the comment deleted by del.
func NewUndoDeleteComment(id string, del DeleteComment) UndoDeleteComment {
	return UndoDeleteComment{header: newHeader(TypeUndo, id, del.Actor, []string{PublicAddress}), Object: del}
}

// NewAnnounce wraps inner for relay by actor.
func NewAnnounce(id string, actor model.ObjectID, inner Activity) Announce {
	return Announce{header: newHeader(TypeAnnounce, id, actor, []string{PublicAddress}), Object: inner}
}
