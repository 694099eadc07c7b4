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
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Nutomic/ibis-sub001/services/wiki/apub"
	"github.com/Nutomic/ibis-sub001/services/wiki/follow"
	"github.com/Nutomic/ibis-sub001/services/wiki/model"
	"github.com/Nutomic/ibis-sub001/services/wiki/storage/badger"
	"github.com/Nutomic/ibis-sub001/services/wiki/transport"
	"github.com/Nutomic/ibis-sub001/services/wiki/version"
)

const (
	alphaID    = model.ObjectID("http://alpha.example/")
	alphaInbox = "http://alpha.example/inbox"
	gammaID    = model.ObjectID("http://gamma.example/")
	gammaInbox = "http://gamma.example/inbox"
	articleID  = model.ObjectID("http://alpha.example/article/Page")
)

type fakeSender struct {
	mu   sync.Mutex
	sent []apub.Activity
	to   [][]string
}

func (f *fakeSender) Deliver(_ context.Context, a apub.Activity, inboxes []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, a)
	f.to = append(f.to, inboxes)
	return nil
}

type fakeResolver struct {
	refetched []model.ObjectID
}

func (r *fakeResolver) Instance(_ context.Context, id model.ObjectID) (model.Instance, error) {
	switch id {
	case alphaID:
		return model.Instance{ID: alphaID, Domain: "alpha.example", Inbox: alphaInbox}, nil
	case gammaID:
		return model.Instance{ID: gammaID, Domain: "gamma.example", Inbox: gammaInbox}, nil
	}
	return model.Instance{}, model.ErrNotFound
}

func (r *fakeResolver) Article(_ context.Context, id model.ObjectID, force bool) (model.Article, error) {
	if force {
		r.refetched = append(r.refetched, id)
	}
	return model.Article{ID: id}, nil
}

type fakeArticles struct {
	articles []apub.ArticleObject
	edits    []apub.EditObject
	rejects  []apub.EditObject
	removed  map[model.ObjectID]bool
	failNext error
}

func (f *fakeArticles) ReceiveArticle(_ context.Context, doc apub.ArticleObject) (model.Article, error) {
	if err := f.failNext; err != nil {
		f.failNext = nil
		return model.Article{}, err
	}
	f.articles = append(f.articles, doc)
	return doc.ToModel(), nil
}

func (f *fakeArticles) ReceiveRemoteEdit(_ context.Context, doc apub.EditObject) error {
	f.edits = append(f.edits, doc)
	return nil
}

func (f *fakeArticles) ReceiveReject(_ context.Context, doc apub.EditObject) error {
	f.rejects = append(f.rejects, doc)
	return nil
}

func (f *fakeArticles) ReceiveRemoved(_ context.Context, id model.ObjectID, removed bool) error {
	if f.removed == nil {
		f.removed = map[model.ObjectID]bool{}
	}
	f.removed[id] = removed
	return nil
}

type fakeComments struct {
	received []apub.CreateOrUpdateComment
	deleted  map[model.ObjectID]bool
}

func (f *fakeComments) Receive(_ context.Context, act apub.CreateOrUpdateComment) (model.Comment, error) {
	f.received = append(f.received, act)
	return model.Comment{ID: act.Object.ID}, nil
}

func (f *fakeComments) ReceiveDeleted(_ context.Context, _ apub.Activity, id model.ObjectID, deleted bool, _ model.ObjectID) error {
	if f.deleted == nil {
		f.deleted = map[model.ObjectID]bool{}
	}
	f.deleted[id] = deleted
	return nil
}

type env struct {
	d        *Dispatcher
	site     model.Site
	graph    *follow.Graph
	sender   *fakeSender
	resolver *fakeResolver
	articles *fakeArticles
	comments *fakeComments
	filter   *transport.DomainFilter
}

func newEnv(t *testing.T) *env {
	t.Helper()
	ctx := context.Background()
	store, err := badger.OpenInMemoryStore()
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	site := model.NewSite("beta.example", false)
	require.NoError(t, store.CreateLocalInstance(ctx, model.Instance{
		ID: site.InstanceID(), Domain: site.Domain, Inbox: site.Inbox(), Local: true,
	}))
	e := &env{
		site:     site,
		graph:    follow.NewGraph(store, nil),
		sender:   &fakeSender{},
		resolver: &fakeResolver{},
		articles: &fakeArticles{},
		comments: &fakeComments{},
		filter:   transport.NewDomainFilter(nil, []string{"evil.example"}),
	}
	e.d = New(Deps{
		Store:    store,
		Resolver: e.resolver,
		Articles: e.articles,
		Comments: e.comments,
		Graph:    e.graph,
		Sender:   e.sender,
		Filter:   e.filter,
	}, site, nil)
	return e
}

func article() apub.ArticleObject {
	return apub.ArticleObject{
		Type: apub.TypeArticle, ID: articleID, AttributedTo: alphaID, Name: "Page", Content: "text\n",
		Edits: string(articleID) + "/edits",
	}
}

func (e *env) followedBy(t *testing.T, id model.ObjectID, inbox string) {
	t.Helper()
	_, err := e.graph.Follow(context.Background(), follow.Subject{ID: id, Kind: model.FollowerInstance, Inbox: inbox}, e.site.InstanceID(), false)
	require.NoError(t, err)
}

func TestVerify_Rejects(t *testing.T) {
	e := newEnv(t)
	comment := apub.CommentObject{
		Type: apub.TypeNote, ID: "http://alpha.example/comment/1", AttributedTo: "http://alpha.example/user/x",
		InReplyTo: articleID, Context: articleID,
	}
	cases := map[string]apub.Activity{
		"id on another host":      apub.NewUpdateLocalArticle("http://gamma.example/activity/1", alphaID, article()),
		"article of another host": apub.NewUpdateLocalArticle("http://gamma.example/activity/1", gammaID, article()),
		"blocked host": apub.NewRemoveArticle("http://evil.example/activity/1", "http://evil.example/",
			"http://evil.example/article/X"),
		"accept of foreign follow": apub.NewAccept("http://alpha.example/activity/2", alphaID,
			apub.NewFollow("http://gamma.example/activity/3", gammaID, alphaID)),
		"follow of another instance": apub.NewFollow("http://alpha.example/activity/4", alphaID, gammaID),
		"comment by someone else": apub.NewCreateOrUpdateComment("http://alpha.example/activity/5",
			"http://alpha.example/user/y", comment, false),
		"nested announce": apub.NewAnnounce("http://gamma.example/activity/6", gammaID,
			apub.NewAnnounce("http://alpha.example/activity/7", alphaID, apub.NewRemoveArticle("http://alpha.example/activity/8", alphaID, articleID))),
		"announce of invalid": apub.NewAnnounce("http://gamma.example/activity/9", gammaID,
			apub.NewRemoveArticle("http://alpha.example/activity/10", alphaID, "http://gamma.example/article/Y")),
	}
	for name, act := range cases {
		t.Run(name, func(t *testing.T) {
			err := e.d.Handle(context.Background(), act)
			assert.ErrorIs(t, err, ErrVerificationFailed)
		})
	}
	assert.Empty(t, e.articles.articles)
	assert.Empty(t, e.articles.removed)
	assert.Empty(t, e.comments.received)
}

func TestHandle_DedupesDirectAndRelayed(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	update := apub.NewUpdateLocalArticle("http://alpha.example/activity/u1", alphaID, article())
	require.NoError(t, e.d.Handle(ctx, update))
	require.NoError(t, e.d.Handle(ctx, update))
	require.NoError(t, e.d.Handle(ctx, apub.NewAnnounce("http://alpha.example/activity/a1", alphaID, update)))

	assert.Len(t, e.articles.articles, 1)
}

func TestHandle_FailureAllowsRedelivery(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.articles.failNext = errors.New("disk full")

	update := apub.NewUpdateLocalArticle("http://alpha.example/activity/u2", alphaID, article())
	err := e.d.Handle(ctx, update)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrVerificationFailed)

	require.NoError(t, e.d.Handle(ctx, update))
	assert.Len(t, e.articles.articles, 1)
}

func TestHandle_FollowIsAccepted(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	f := apub.NewFollow("http://alpha.example/activity/f1", alphaID, e.site.InstanceID())
	require.NoError(t, e.d.Handle(ctx, f))

	following, err := e.graph.IsFollowing(ctx, alphaID, e.site.InstanceID())
	require.NoError(t, err)
	assert.True(t, following)

	require.Len(t, e.sender.sent, 1)
	accept, ok := e.sender.sent[0].(apub.Accept)
	require.True(t, ok)
	assert.Equal(t, f.Identify(), accept.Object.Identify())
	assert.Equal(t, []string{alphaInbox}, e.sender.to[0])

	undo := apub.NewUndoFollow("http://alpha.example/activity/f2", f)
	require.NoError(t, e.d.Handle(ctx, undo))
	following, err = e.graph.IsFollowing(ctx, alphaID, e.site.InstanceID())
	require.NoError(t, err)
	assert.False(t, following)
}

func TestFollowInstance_PendingUntilAccepted(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	_, err := e.d.FollowInstance(ctx, alphaID)
	require.NoError(t, err)
	following, err := e.graph.IsFollowing(ctx, e.site.InstanceID(), alphaID)
	require.NoError(t, err)
	assert.False(t, following)

	require.Len(t, e.sender.sent, 1)
	sentFollow := e.sender.sent[0].(apub.Follow)
	require.NoError(t, e.d.Handle(ctx, apub.NewAccept("http://alpha.example/activity/acc", alphaID, sentFollow)))

	following, err = e.graph.IsFollowing(ctx, e.site.InstanceID(), alphaID)
	require.NoError(t, err)
	assert.True(t, following)

	require.NoError(t, e.d.UnfollowInstance(ctx, alphaID))
	following, err = e.graph.IsFollowing(ctx, e.site.InstanceID(), alphaID)
	require.NoError(t, err)
	assert.False(t, following)

	_, err = e.d.FollowInstance(ctx, e.site.InstanceID())
	assert.ErrorIs(t, err, model.ErrForbidden)
}

func TestHandle_RelaysOnce(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.followedBy(t, gammaID, gammaInbox)

	direct := apub.NewUpdateLocalArticle("http://alpha.example/activity/u3", alphaID, article())
	require.NoError(t, e.d.Handle(ctx, direct))
	assert.Len(t, e.articles.articles, 1)

	require.Len(t, e.sender.sent, 1)
	ann, ok := e.sender.sent[0].(apub.Announce)
	require.True(t, ok)
	assert.Equal(t, e.site.InstanceID(), ann.Actor)
	assert.Equal(t, direct.Identify(), ann.Object.Identify())
	assert.Equal(t, []string{gammaInbox}, e.sender.to[0])

	second := article()
	second.Content = "more text\n"
	relayed := apub.NewAnnounce("http://alpha.example/activity/a2", alphaID,
		apub.NewUpdateLocalArticle("http://alpha.example/activity/u5", alphaID, second))
	require.NoError(t, e.d.Handle(ctx, relayed))
	assert.Len(t, e.articles.articles, 2)
	assert.Len(t, e.sender.sent, 1)

	remove := apub.NewRemoveArticle("http://alpha.example/activity/r1", alphaID, articleID)
	require.NoError(t, e.d.Handle(ctx, remove))
	assert.True(t, e.articles.removed[articleID])
	assert.Len(t, e.sender.sent, 1, "removals are only announced by the article's origin")
}

func TestHandle_AnnounceRestrictions(t *testing.T) {
	comment := apub.CommentObject{
		Type: apub.TypeNote, ID: "http://alpha.example/comment/1", AttributedTo: "http://alpha.example/user/x",
		InReplyTo: articleID, Context: articleID,
	}
	edit := apub.EditObject{Type: apub.TypePatch, ID: articleID + "/abc", Object: articleID, AttributedTo: "http://beta.example/user/carol"}
	followAct := apub.NewFollow("http://alpha.example/activity/f9", alphaID, "http://beta.example/")
	cases := map[string]apub.Activity{
		"removal relayed by a third party": apub.NewAnnounce("http://gamma.example/activity/r2", gammaID,
			apub.NewRemoveArticle("http://alpha.example/activity/r3", alphaID, articleID)),
		"restore relayed by a third party": apub.NewAnnounce("http://gamma.example/activity/r4", gammaID,
			apub.NewUndoRemoveArticle("http://alpha.example/activity/r5",
				apub.NewRemoveArticle("http://alpha.example/activity/r6", alphaID, articleID))),
		"comment relayed by a third party": apub.NewAnnounce("http://gamma.example/activity/c4", gammaID,
			apub.NewCreateOrUpdateComment("http://alpha.example/activity/c5", comment.AttributedTo, comment, false)),
		"rejected edit": apub.NewAnnounce("http://alpha.example/activity/e3", alphaID,
			apub.NewRejectEdit("http://alpha.example/activity/e4", alphaID, edit)),
		"follow":        apub.NewAnnounce("http://alpha.example/activity/f8", alphaID, followAct),
		"accept":        apub.NewAnnounce("http://alpha.example/activity/f7", alphaID, apub.NewAccept("http://alpha.example/activity/f6", alphaID, followAct)),
		"undo follow":   apub.NewAnnounce("http://alpha.example/activity/f5", alphaID, apub.NewUndoFollow("http://alpha.example/activity/f4", followAct)),
	}
	for name, act := range cases {
		t.Run(name, func(t *testing.T) {
			e := newEnv(t)
			err := e.d.Handle(context.Background(), act)
			assert.ErrorIs(t, err, ErrVerificationFailed)
			assert.Empty(t, e.articles.removed)
			assert.Empty(t, e.articles.rejects)
			assert.Empty(t, e.comments.received)
			assert.Empty(t, e.sender.sent)
		})
	}
}

func TestHandle_OriginAnnouncedRemoval(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	remove := apub.NewRemoveArticle("http://alpha.example/activity/r7", alphaID, articleID)

	require.NoError(t, e.d.Handle(ctx, apub.NewAnnounce("http://alpha.example/activity/r8", alphaID, remove)))
	assert.True(t, e.articles.removed[articleID])

	restore := apub.NewUndoRemoveArticle("http://alpha.example/activity/r9", remove)
	require.NoError(t, e.d.Handle(ctx, apub.NewAnnounce("http://alpha.example/activity/r10", alphaID, restore)))
	assert.False(t, e.articles.removed[articleID])
}

func TestHandle_ThirdPartyRelayIsRefetched(t *testing.T) {
	e := newEnv(t)
	relayed := apub.NewAnnounce("http://gamma.example/activity/a3", gammaID,
		apub.NewUpdateLocalArticle("http://alpha.example/activity/u4", alphaID, article()))

	require.NoError(t, e.d.Handle(context.Background(), relayed))
	assert.Empty(t, e.articles.articles)
	assert.Equal(t, []model.ObjectID{articleID}, e.resolver.refetched)
}

func TestHandle_RoutesEditsAndComments(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	creator := model.ObjectID("http://alpha.example/user/x")

	diff := version.UnifiedDiff("a\n", "b\n")
	edit := apub.EditObject{
		Type: apub.TypePatch, ID: "http://beta.example/article/Local/abc", Object: "http://beta.example/article/Local",
		AttributedTo: creator, Content: diff, Version: version.Of(diff),
	}
	require.NoError(t, e.d.Handle(ctx, apub.NewUpdateRemoteArticle("http://alpha.example/activity/e1", creator, e.site.InstanceID(), edit)))
	assert.Len(t, e.articles.edits, 1)

	rejected := apub.EditObject{Type: apub.TypePatch, ID: articleID + "/abc", Object: articleID, AttributedTo: e.site.PersonID("carol")}
	require.NoError(t, e.d.Handle(ctx, apub.NewRejectEdit("http://alpha.example/activity/e2", alphaID, rejected)))
	assert.Len(t, e.articles.rejects, 1)

	comment := apub.CommentObject{
		Type: apub.TypeNote, ID: "http://alpha.example/comment/1", AttributedTo: creator,
		InReplyTo: articleID, Context: articleID,
	}
	require.NoError(t, e.d.Handle(ctx, apub.NewCreateOrUpdateComment("http://alpha.example/activity/c1", creator, comment, false)))
	assert.Len(t, e.comments.received, 1)

	del := apub.NewDeleteComment("http://alpha.example/activity/c2", creator, comment.ID)
	require.NoError(t, e.d.Handle(ctx, del))
	assert.True(t, e.comments.deleted[comment.ID])
	require.NoError(t, e.d.Handle(ctx, apub.NewUndoDeleteComment("http://alpha.example/activity/c3", del)))
	assert.False(t, e.comments.deleted[comment.ID])
}

func TestHandle_ForgedEditVersionIsDropped(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	creator := model.ObjectID("http://alpha.example/user/x")
	local := model.ObjectID("http://beta.example/article/Local")

	honest := version.UnifiedDiff("a\n", "b\n")
	forged := apub.EditObject{
		Type: apub.TypePatch, ID: local + "/f", Object: local, AttributedTo: creator,
		Content: version.UnifiedDiff("a\n", "evil\n"), Version: version.Of(honest),
	}
	err := e.d.Handle(ctx, apub.NewUpdateRemoteArticle("http://alpha.example/activity/e5", creator, e.site.InstanceID(), forged))
	assert.ErrorIs(t, err, ErrVerificationFailed)
	assert.Empty(t, e.articles.edits)

	forged.Content = honest
	require.NoError(t, e.d.Handle(ctx, apub.NewUpdateRemoteArticle("http://alpha.example/activity/e6", creator, e.site.InstanceID(), forged)))
	assert.Len(t, e.articles.edits, 1)
}
