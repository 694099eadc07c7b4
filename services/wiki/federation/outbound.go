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
	"context"
	"fmt"

	"github.com/Nutomic/ibis-sub001/services/wiki/apub"
	"github.com/Nutomic/ibis-sub001/services/wiki/follow"
	"github.com/Nutomic/ibis-sub001/services/wiki/model"
)

// FollowInstance asks a remote instance to deliver its updates here. The
// relation stays pending until the remote instance accepts.
func (d *Dispatcher) FollowInstance(ctx context.Context, target model.ObjectID) (model.Instance, error) {
	local, remote, err := d.peers(ctx, target)
	if err != nil {
		return model.Instance{}, err
	}
	if _, err := d.graph.Follow(ctx, follow.InstanceSubject(local), remote.ID, true); err != nil {
		return model.Instance{}, err
	}
	id, err := d.site.ActivityID()
	if err != nil {
		return model.Instance{}, err
	}
	return remote, d.sender.Deliver(ctx, apub.NewFollow(id, local.ID, remote.ID), []string{remote.Inbox})
}

// UnfollowInstance withdraws a follow of a remote instance.
func (d *Dispatcher) UnfollowInstance(ctx context.Context, target model.ObjectID) error {
	local, remote, err := d.peers(ctx, target)
	if err != nil {
		return err
	}
	if err := d.graph.Unfollow(ctx, local.ID, remote.ID); err != nil {
		return err
	}
	id, err := d.site.ActivityID()
	if err != nil {
		return err
	}
	return d.sender.Deliver(ctx, apub.NewUndoFollow(id, apub.NewFollow(id+"-follow", local.ID, remote.ID)), []string{remote.Inbox})
}

func (d *Dispatcher) peers(ctx context.Context, target model.ObjectID) (model.Instance, model.Instance, error) {
	if d.site.IsLocal(target) {
		return model.Instance{}, model.Instance{}, fmt.Errorf("cannot follow the local instance: %w", model.ErrForbidden)
	}
	local, err := d.store.LocalInstance(ctx)
	if err != nil {
		return model.Instance{}, model.Instance{}, err
	}
	remote, err := d.resolver.Instance(ctx, target)
	if err != nil {
		return model.Instance{}, model.Instance{}, fmt.Errorf("resolve %s: %w", target, err)
	}
	return local, remote, nil
}
