// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package federation

import (
	"fmt"

	"github.com/Nutomic/ibis-sub001/services/wiki/apub"
	"github.com/Nutomic/ibis-sub001/services/wiki/model"
	"github.com/Nutomic/ibis-sub001/services/wiki/version"
)

// Verify checks the domain consistency of an activity before it has any
// effect. The id of every activity must live on its actor's host. Wrapped
// objects must belong to the actor that wraps them.
func (d *Dispatcher) Verify(a apub.Activity) error {
	if err := sameHost(model.ObjectID(a.Identify()), a.ActorID(), "activity id"); err != nil {
		return err
	}
	if !d.filter.Allowed(a.ActorID().Domain()) {
		return fmt.Errorf("%w: actor host %s is not federated with", ErrVerificationFailed, a.ActorID().Domain())
	}

	switch act := a.(type) {
	case apub.Announce:
		inner := act.Object
		if inner == nil {
			return fmt.Errorf("%w: empty announce", ErrVerificationFailed)
		}
		if err := verifyAnnounced(act.Actor, inner); err != nil {
			return err
		}
		return d.Verify(inner)

	case apub.Follow:
		if act.Object != d.site.InstanceID() {
			return fmt.Errorf("%w: follow of %s received here", ErrVerificationFailed, act.Object)
		}
	case apub.Accept:
		if act.Object.Object != act.Actor {
			return fmt.Errorf("%w: accept of a follow of %s", ErrVerificationFailed, act.Object.Object)
		}
		if !d.site.IsLocal(act.Object.Actor) {
			return fmt.Errorf("%w: accept of a follow not sent from here", ErrVerificationFailed)
		}
	case apub.UndoFollow:
		if act.Object.Actor != act.Actor {
			return fmt.Errorf("%w: undo of another actor's follow", ErrVerificationFailed)
		}

	case apub.CreateArticle:
		return sameHost(act.Object.ID, act.Actor, "article")
	case apub.UpdateLocalArticle:
		return sameHost(act.Object.ID, act.Actor, "article")
	case apub.UpdateRemoteArticle:
		if act.Object.AttributedTo != act.Actor {
			return fmt.Errorf("%w: edit attributed to %s sent by %s", ErrVerificationFailed, act.Object.AttributedTo, act.Actor)
		}
		if version.Of(act.Object.Content) != act.Object.Version {
			return fmt.Errorf("%w: edit %s version does not match its diff", ErrVerificationFailed, act.Object.ID)
		}
	case apub.RejectEdit:
		return sameHost(act.Object.Object, act.Actor, "rejected article")
	case apub.RemoveArticle:
		return sameHost(act.Object, act.Actor, "removed article")
	case apub.UndoRemoveArticle:
		if act.Object.Actor != act.Actor {
			return fmt.Errorf("%w: undo of another actor's removal", ErrVerificationFailed)
		}
		return sameHost(act.Object.Object, act.Actor, "restored article")

	case apub.CreateOrUpdateComment:
		if act.Object.AttributedTo != act.Actor {
			return fmt.Errorf("%w: comment attributed to %s sent by %s", ErrVerificationFailed, act.Object.AttributedTo, act.Actor)
		}
		return sameHost(act.Object.ID, act.Actor, "comment")
	case apub.DeleteComment:
		return sameHost(act.Object, act.Actor, "deleted comment")
	case apub.UndoDeleteComment:
		if act.Object.Actor != act.Actor {
			return fmt.Errorf("%w: undo of another actor's deletion", ErrVerificationFailed)
		}
		return sameHost(act.Object.Object, act.Actor, "restored comment")
	}
	return nil
}

// verifyAnnounced limits what an instance may relay. Article snapshots may
// come from anyone since third-party copies are refetched from the origin.
// Removals and comments are only accepted from the article's own host.
// Follows and edit traffic are never relayed.
func verifyAnnounced(announcer model.ObjectID, inner apub.Activity) error {
	switch act := inner.(type) {
	case apub.CreateArticle, apub.UpdateLocalArticle:
		return nil
	case apub.RemoveArticle:
		return sameHost(act.Object, announcer, "announced removal of")
	case apub.UndoRemoveArticle:
		return sameHost(act.Object.Object, announcer, "announced restore of")
	case apub.CreateOrUpdateComment:
		return sameHost(act.Object.Context, announcer, "article of announced comment")
	case apub.DeleteComment, apub.UndoDeleteComment:
		return nil
	case apub.Announce:
		return fmt.Errorf("%w: nested announce", ErrVerificationFailed)
	}
	return fmt.Errorf("%w: %s may not be announced", ErrVerificationFailed, inner.Kind())
}

func sameHost(id, actor model.ObjectID, what string) error {
	if !id.SameDomain(actor) {
		return fmt.Errorf("%w: %s %s does not belong to actor %s", ErrVerificationFailed, what, id, actor)
	}
	return nil
}
