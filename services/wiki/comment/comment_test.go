// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package comment

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Nutomic/ibis-sub001/services/wiki/apub"
	"github.com/Nutomic/ibis-sub001/services/wiki/follow"
	"github.com/Nutomic/ibis-sub001/services/wiki/model"
	"github.com/Nutomic/ibis-sub001/services/wiki/storage/badger"
)

const (
	alphaInbox = "http://alpha.example/inbox"
	betaInbox  = "http://beta.example/inbox"

	alphaID  = model.ObjectID("http://alpha.example/")
	xavier   = model.ObjectID("http://alpha.example/user/xavier")
	remoteID = model.ObjectID("http://alpha.example/article/Remote")
)

type delivery struct {
	activity apub.Activity
	inboxes  []string
}

type fakeSender struct {
	mu  sync.Mutex
	out []delivery
}

func (f *fakeSender) Deliver(_ context.Context, a apub.Activity, inboxes []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.out = append(f.out, delivery{activity: a, inboxes: inboxes})
	return nil
}

func (f *fakeSender) last(t *testing.T) delivery {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(t, f.out)
	return f.out[len(f.out)-1]
}

type fakeResolver struct {
	store    *badger.Store
	comments map[model.ObjectID]apub.CommentObject
	fetched  int
}

func (r *fakeResolver) Instance(_ context.Context, id model.ObjectID) (model.Instance, error) {
	if id == alphaID {
		return model.Instance{ID: alphaID, Domain: "alpha.example", Inbox: alphaInbox}, nil
	}
	return model.Instance{}, model.ErrNotFound
}

func (r *fakeResolver) Actor(ctx context.Context, id model.ObjectID) (model.Person, error) {
	if id == xavier {
		return model.Person{ID: xavier, Username: "xavier", Inbox: alphaInbox}, nil
	}
	return r.store.Person(ctx, id)
}

func (r *fakeResolver) Article(ctx context.Context, id model.ObjectID, _ bool) (model.Article, error) {
	return r.store.Article(ctx, id)
}

func (r *fakeResolver) FetchComment(_ context.Context, id model.ObjectID) (apub.CommentObject, error) {
	r.fetched++
	doc, ok := r.comments[id]
	if !ok {
		return apub.CommentObject{}, model.ErrNotFound
	}
	return doc, nil
}

type env struct {
	svc      *Service
	store    *badger.Store
	sender   *fakeSender
	resolver *fakeResolver
	site     model.Site
	local    model.Article
	carol    model.Person
	dave     model.Person
}

func newEnv(t *testing.T, maxDepth int) *env {
	t.Helper()
	ctx := context.Background()
	store, err := badger.OpenInMemoryStore()
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	site := model.NewSite("beta.example", false)
	require.NoError(t, store.CreateLocalInstance(ctx, model.Instance{
		ID: site.InstanceID(), Domain: site.Domain, Inbox: betaInbox, Local: true,
	}))
	carol, err := store.UpsertPerson(ctx, model.Person{ID: site.PersonID("carol"), Username: "carol", Inbox: betaInbox, Local: true})
	require.NoError(t, err)
	dave, err := store.UpsertPerson(ctx, model.Person{ID: site.PersonID("dave"), Username: "dave", Inbox: betaInbox, Local: true})
	require.NoError(t, err)

	local, err := store.InsertArticle(ctx, model.Article{
		ID: site.ArticleID("Talk"), Title: "Talk", Instance: site.InstanceID(), Local: true, Approved: true,
	})
	require.NoError(t, err)
	_, err = store.UpsertArticle(ctx, model.Article{ID: remoteID, Title: "Remote", Instance: alphaID, Approved: true})
	require.NoError(t, err)

	graph := follow.NewGraph(store, nil)
	_, err = graph.Follow(ctx, follow.Subject{ID: alphaID, Kind: model.FollowerInstance, Inbox: alphaInbox}, site.InstanceID(), false)
	require.NoError(t, err)

	sender := &fakeSender{}
	res := &fakeResolver{store: store, comments: map[model.ObjectID]apub.CommentObject{}}
	return &env{
		svc:      New(store, res, graph, sender, site, maxDepth, nil),
		store:    store,
		sender:   sender,
		resolver: res,
		site:     site,
		local:    local,
		carol:    carol,
		dave:     dave,
	}
}

func TestCreate_LocalArticleIsAnnouncedToFollowers(t *testing.T) {
	e := newEnv(t, 0)
	ctx := context.Background()

	c, err := e.svc.Create(ctx, e.carol, e.local.ID, "", "first")
	require.NoError(t, err)
	assert.Equal(t, 0, c.Depth)
	assert.True(t, c.Local)

	d := e.sender.last(t)
	assert.Equal(t, []string{alphaInbox}, d.inboxes)
	ann, ok := d.activity.(apub.Announce)
	require.True(t, ok)
	assert.Equal(t, e.site.InstanceID(), ann.ActorID())
	inner, ok := ann.Object.(apub.CreateOrUpdateComment)
	require.True(t, ok)
	assert.Equal(t, c.ID, inner.Object.ID)
	assert.Equal(t, e.carol.ID, inner.ActorID())
	assert.Equal(t, apub.TypeCreate, inner.Type)
}

func TestCreate_RemoteArticleGoesToOrigin(t *testing.T) {
	e := newEnv(t, 0)
	c, err := e.svc.Create(context.Background(), e.carol, remoteID, "", "hello origin")
	require.NoError(t, err)

	d := e.sender.last(t)
	assert.Equal(t, []string{alphaInbox}, d.inboxes)
	direct, ok := d.activity.(apub.CreateOrUpdateComment)
	require.True(t, ok)
	assert.Equal(t, c.ID, direct.Object.ID)
	assert.Equal(t, remoteID, direct.Object.InReplyTo)

	stored, err := e.store.Comment(context.Background(), c.ID)
	require.NoError(t, err)
	assert.Equal(t, "hello origin", stored.Content)
}

func TestCreate_Validation(t *testing.T) {
	e := newEnv(t, 0)
	ctx := context.Background()

	_, err := e.svc.Create(ctx, e.carol, e.local.ID, "", "   ")
	assert.Error(t, err)

	_, err = e.svc.Create(ctx, e.carol, "http://beta.example/article/Missing", "", "x")
	assert.ErrorIs(t, err, model.ErrNotFound)

	other, err := e.svc.Create(ctx, e.carol, remoteID, "", "elsewhere")
	require.NoError(t, err)
	_, err = e.svc.Create(ctx, e.carol, e.local.ID, other.ID, "wrong thread")
	assert.Error(t, err)
}

func TestCreate_DepthBound(t *testing.T) {
	e := newEnv(t, 0)
	ctx := context.Background()

	parent, err := e.svc.Create(ctx, e.carol, e.local.ID, "", "root")
	require.NoError(t, err)
	for depth := 1; depth <= DefaultMaxDepth; depth++ {
		parent, err = e.svc.Create(ctx, e.carol, e.local.ID, parent.ID, fmt.Sprintf("reply %d", depth))
		require.NoError(t, err)
		require.Equal(t, depth, parent.Depth)
	}
	assert.Equal(t, DefaultMaxDepth, parent.Depth)

	_, err = e.svc.Create(ctx, e.carol, e.local.ID, parent.ID, "too deep")
	assert.ErrorIs(t, err, ErrDepthExceeded)
}

func TestUpdateAndDelete_OnlyByCreator(t *testing.T) {
	e := newEnv(t, 0)
	ctx := context.Background()

	c, err := e.svc.Create(ctx, e.carol, e.local.ID, "", "draft")
	require.NoError(t, err)

	_, err = e.svc.Update(ctx, e.dave, c.ID, "hijack")
	assert.ErrorIs(t, err, model.ErrForbidden)
	_, err = e.svc.SetDeleted(ctx, e.dave, c.ID, true)
	assert.ErrorIs(t, err, model.ErrForbidden)

	updated, err := e.svc.Update(ctx, e.carol, c.ID, "final")
	require.NoError(t, err)
	assert.Equal(t, "final", updated.Content)
	require.NotNil(t, updated.Updated)

	deleted, err := e.svc.SetDeleted(ctx, e.carol, c.ID, true)
	require.NoError(t, err)
	assert.True(t, deleted.Deleted)
	ann := e.sender.last(t).activity.(apub.Announce)
	assert.Equal(t, apub.KindDeleteComment, ann.Object.Kind())

	restored, err := e.svc.SetDeleted(ctx, e.carol, c.ID, false)
	require.NoError(t, err)
	assert.False(t, restored.Deleted)
	ann = e.sender.last(t).activity.(apub.Announce)
	undo, ok := ann.Object.(apub.UndoDeleteComment)
	require.True(t, ok)
	assert.Equal(t, c.ID, undo.Object.Object)
	assert.True(t, e.site.IsLocal(model.ObjectID(undo.Object.Identify())))
	assert.NotContains(t, undo.Object.Identify(), undo.Identify())

	list, err := e.svc.List(ctx, e.local.ID)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "final", list[0].Content)
}

func TestReceive_FetchesUnknownParent(t *testing.T) {
	e := newEnv(t, 0)
	ctx := context.Background()
	now := time.Now().UTC()

	parent := apub.CommentObject{
		Type: apub.TypeNote, ID: "http://alpha.example/comment/p1", AttributedTo: xavier,
		Content: "parent", InReplyTo: remoteID, Context: remoteID, Published: now,
	}
	e.resolver.comments[parent.ID] = parent
	child := apub.CommentObject{
		Type: apub.TypeNote, ID: "http://alpha.example/comment/c1", AttributedTo: xavier,
		Content: "child", InReplyTo: parent.ID, Context: remoteID, Published: now,
	}

	c, err := e.svc.Receive(ctx, apub.NewCreateOrUpdateComment("http://alpha.example/activity/a1", xavier, child, false))
	require.NoError(t, err)
	assert.Equal(t, 1, c.Depth)
	assert.Equal(t, parent.ID, c.Parent)
	assert.False(t, c.Local)
	assert.Equal(t, 1, e.resolver.fetched)

	stored, err := e.store.Comment(ctx, parent.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, stored.Depth)

	// The origin of the remote article relays, not this instance.
	assert.Empty(t, e.sender.out)
}

func TestReceive_OnLocalArticleIsRelayed(t *testing.T) {
	e := newEnv(t, 0)
	ctx := context.Background()

	doc := apub.CommentObject{
		Type: apub.TypeNote, ID: "http://alpha.example/comment/c9", AttributedTo: xavier,
		Content: "nice page", InReplyTo: e.local.ID, Context: e.local.ID, Published: time.Now().UTC(),
	}
	act := apub.NewCreateOrUpdateComment("http://alpha.example/activity/a9", xavier, doc, false)
	_, err := e.svc.Receive(ctx, act)
	require.NoError(t, err)

	ann, ok := e.sender.last(t).activity.(apub.Announce)
	require.True(t, ok)
	assert.Equal(t, act.Identify(), ann.Object.Identify())

	del := apub.NewDeleteComment("http://gamma.example/activity/x", "http://gamma.example/user/mallory", doc.ID)
	assert.ErrorIs(t, e.svc.ReceiveDeleted(ctx, del, doc.ID, true, ""), model.ErrForbidden)

	del = apub.NewDeleteComment("http://alpha.example/activity/d9", xavier, doc.ID)
	assert.ErrorIs(t, e.svc.ReceiveDeleted(ctx, del, doc.ID, true, "http://gamma.example/"), model.ErrForbidden)
	unchanged, err := e.store.Comment(ctx, doc.ID)
	require.NoError(t, err)
	assert.False(t, unchanged.Deleted)

	require.NoError(t, e.svc.ReceiveDeleted(ctx, del, doc.ID, true, ""))
	stored, err := e.store.Comment(ctx, doc.ID)
	require.NoError(t, err)
	assert.True(t, stored.Deleted)
}

func TestReceive_DepthBound(t *testing.T) {
	e := newEnv(t, 2)
	ctx := context.Background()

	replyTo := e.local.ID
	var err error
	for i := 0; i < 4; i++ {
		doc := apub.CommentObject{
			Type: apub.TypeNote, ID: model.ObjectID(fmt.Sprintf("http://alpha.example/comment/d%d", i)),
			AttributedTo: xavier, Content: "deeper", InReplyTo: replyTo, Context: e.local.ID,
		}
		_, err = e.svc.Receive(ctx, apub.NewCreateOrUpdateComment(fmt.Sprintf("http://alpha.example/activity/d%d", i), xavier, doc, false))
		if i <= 2 {
			require.NoError(t, err)
		}
		replyTo = doc.ID
	}
	assert.ErrorIs(t, err, ErrDepthExceeded)
}
