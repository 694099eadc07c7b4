// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package app

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Nutomic/ibis-sub001/pkg/validation"
	"github.com/Nutomic/ibis-sub001/services/wiki/api"
	"github.com/Nutomic/ibis-sub001/services/wiki/config"
	"github.com/Nutomic/ibis-sub001/services/wiki/model"
)

func init() {
	gin.SetMode(gin.TestMode)
}

const waitFor = 10 * time.Second

// node is an App served by an httptest server on its own port. While
// paused, its inbox accepts deliveries without processing them.
type node struct {
	*App
	srv    *httptest.Server
	paused atomic.Bool
}

func newNode(t *testing.T) *node {
	t.Helper()
	srv := httptest.NewUnstartedServer(nil)
	cfg := config.DefaultConfig()
	cfg.Federation.Domain = srv.Listener.Addr().String()
	cfg.Storage.InMemory = true
	cfg.Federation.DeliveryRate = 1000
	cfg.Federation.DeliveryBurst = 1000
	require.NoError(t, cfg.Validate())

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	a, err := New(context.Background(), cfg, "test", logger)
	require.NoError(t, err)

	n := &node{App: a, srv: srv}
	handler := a.Handler()
	srv.Config.Handler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if n.paused.Load() && r.Method == http.MethodPost && r.URL.Path == "/inbox" {
			w.WriteHeader(http.StatusAccepted)
			return
		}
		handler.ServeHTTP(w, r)
	})
	srv.Start()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), waitFor)
		defer cancel()
		_ = a.Client.Wait(ctx)
		srv.Close()
		_ = a.Close()
	})
	return n
}

func (n *node) user(t *testing.T, name string, admin bool) (model.Person, string) {
	t.Helper()
	p, token, err := n.AddUser(context.Background(), name, admin)
	require.NoError(t, err)
	return p, token
}

// call sends an API request and decodes a JSON response into out when
// out is not nil.
func (n *node) call(t *testing.T, token, method, path string, body, out any) int {
	t.Helper()
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, n.srv.URL+path, r)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := n.srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		data, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		require.NoError(t, json.Unmarshal(data, out), string(data))
	}
	return resp.StatusCode
}

// settle waits until no node has a delivery in flight twice in a row.
func settle(t *testing.T, nodes ...*node) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	quiet := 0
	for quiet < 2 {
		idle := true
		for _, n := range nodes {
			if n.Client.Pending() > 0 {
				idle = false
				require.NoError(t, n.Client.Wait(ctx))
			}
		}
		if idle {
			quiet++
		} else {
			quiet = 0
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func followInstance(t *testing.T, follower, target *node, token string) {
	t.Helper()
	status := follower.call(t, token, http.MethodPost, "/api/v1/instance/follow",
		api.InstanceForm{ID: target.Site.InstanceID()}, nil)
	require.Equal(t, http.StatusOK, status)
	require.Eventually(t, func() bool {
		ok, err := follower.Graph.IsFollowing(context.Background(), follower.Site.InstanceID(), target.Site.InstanceID())
		return err == nil && ok
	}, waitFor, 10*time.Millisecond)
}

func articleOn(n *node, id model.ObjectID) (model.Article, bool) {
	a, err := n.Store.Article(context.Background(), id)
	return a, err == nil
}

func TestFederation_EditsAndCommentsReachFollowers(t *testing.T) {
	alpha, beta := newNode(t), newNode(t)
	_, aliceToken := alpha.user(t, "alice", true)
	bob, bobToken := beta.user(t, "bob", false)

	followInstance(t, beta, alpha, bobToken)

	var created model.Article
	status := alpha.call(t, aliceToken, http.MethodPost, "/api/v1/article",
		api.CreateArticleForm{Title: "Ibis", Text: "one\ntwo\nthree\n", Summary: "start"}, &created)
	require.Equal(t, http.StatusCreated, status)
	require.Eventually(t, func() bool {
		a, ok := articleOn(beta, created.ID)
		return ok && a.Text == created.Text && a.LatestVersion == created.LatestVersion
	}, waitFor, 10*time.Millisecond)

	// bob edits the copy on beta; the origin commits and sends the result back.
	copyOnBeta, _ := articleOn(beta, created.ID)
	var res api.EditResponse
	status = beta.call(t, bobToken, http.MethodPatch, "/api/v1/article", api.EditArticleForm{
		ArticleID:       created.ID,
		NewText:         "one\n2\nthree",
		Summary:         "digits",
		PreviousVersion: copyOnBeta.LatestVersion,
	}, &res)
	require.Equal(t, http.StatusOK, status)
	require.NotNil(t, res.Edit)
	assert.True(t, res.Edit.Pending)

	require.Eventually(t, func() bool {
		a, ok := articleOn(alpha, created.ID)
		b, okb := articleOn(beta, created.ID)
		return ok && okb && a.Text == "one\n2\nthree\n" && b.LatestVersion == a.LatestVersion
	}, waitFor, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		e, err := beta.Store.Edit(context.Background(), res.Edit.ID)
		return err == nil && !e.Pending
	}, waitFor, 10*time.Millisecond)

	onAlpha, err := alpha.Store.Edits(context.Background(), created.ID, false)
	require.NoError(t, err)
	require.Len(t, onAlpha, 2)
	assert.Equal(t, bob.ID, onAlpha[1].Creator)

	// A comment made on beta goes through the origin; the reply comes back.
	var root model.Comment
	status = beta.call(t, bobToken, http.MethodPost, "/api/v1/comment",
		api.CreateCommentForm{ArticleID: created.ID, Content: "nice digits"}, &root)
	require.Equal(t, http.StatusCreated, status)
	require.Eventually(t, func() bool {
		c, err := alpha.Store.Comment(context.Background(), root.ID)
		return err == nil && c.Content == "nice digits" && !c.Local
	}, waitFor, 10*time.Millisecond)

	var reply model.Comment
	status = alpha.call(t, aliceToken, http.MethodPost, "/api/v1/comment",
		api.CreateCommentForm{ArticleID: created.ID, ParentID: root.ID, Content: "thanks"}, &reply)
	require.Equal(t, http.StatusCreated, status)
	require.Eventually(t, func() bool {
		c, err := beta.Store.Comment(context.Background(), reply.ID)
		return err == nil && c.Depth == 1 && c.Parent == root.ID
	}, waitFor, 10*time.Millisecond)

	var thread []model.Comment
	require.Equal(t, http.StatusOK, beta.call(t, bobToken, http.MethodGet,
		"/api/v1/comments?article="+string(created.ID), nil, &thread))
	assert.Len(t, thread, 2)
	settle(t, alpha, beta)
}

func TestFederation_RejectedEditBecomesConflict(t *testing.T) {
	alpha, beta := newNode(t), newNode(t)
	alice, aliceToken := alpha.user(t, "alice", true)
	bob, bobToken := beta.user(t, "bob", false)
	ctx := context.Background()

	followInstance(t, beta, alpha, bobToken)
	created, err := alpha.Coordinator.CreateArticle(ctx, alice, "Lines", "a\nb\nc\n", "start")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		_, ok := articleOn(beta, created.ID)
		return ok
	}, waitFor, 10*time.Millisecond)
	stale, _ := articleOn(beta, created.ID)

	// beta misses alice's edit, so bob edits an outdated copy.
	beta.paused.Store(true)
	var res api.EditResponse
	status := alpha.call(t, aliceToken, http.MethodPatch, "/api/v1/article", api.EditArticleForm{
		ArticleID: created.ID, NewText: "a\nB\nc\n", Summary: "upper", PreviousVersion: created.LatestVersion,
	}, &res)
	require.Equal(t, http.StatusOK, status)
	settle(t, alpha, beta)
	beta.paused.Store(false)

	status = beta.call(t, bobToken, http.MethodPatch, "/api/v1/article", api.EditArticleForm{
		ArticleID: created.ID, NewText: "a\nX\nc\n", Summary: "cross", PreviousVersion: stale.LatestVersion,
	}, &res)
	require.Equal(t, http.StatusOK, status)
	require.NotNil(t, res.Edit)
	pendingID := res.Edit.ID

	var conflicts []model.Conflict
	require.Eventually(t, func() bool {
		conflicts = nil
		return beta.call(t, bobToken, http.MethodGet, "/api/v1/conflicts", nil, &conflicts) == http.StatusOK &&
			len(conflicts) == 1
	}, waitFor, 20*time.Millisecond)
	settle(t, alpha, beta)

	assert.Equal(t, bob.ID, conflicts[0].Creator)
	assert.Equal(t, stale.LatestVersion, conflicts[0].PreviousVersion)

	a, _ := articleOn(alpha, created.ID)
	assert.Equal(t, "a\nB\nc\n", a.Text)
	b, _ := articleOn(beta, created.ID)
	assert.Equal(t, a.LatestVersion, b.LatestVersion, "rejection refetches the article")
	_, err = beta.Store.Edit(ctx, pendingID)
	assert.ErrorIs(t, err, model.ErrNotFound)

	var notes []model.Notification
	require.Equal(t, http.StatusOK, beta.call(t, bobToken, http.MethodGet, "/api/v1/notifications", nil, &notes))
	assert.Len(t, notes, 1)

	// Resolving the conflict with a fresh edit clears it.
	status = beta.call(t, bobToken, http.MethodPatch, "/api/v1/article", api.EditArticleForm{
		ArticleID: created.ID, NewText: "a\nB\nc\nX\n", Summary: "merged",
		PreviousVersion: b.LatestVersion, ResolveConflict: &conflicts[0].ID,
	}, &res)
	require.Equal(t, http.StatusOK, status)
	require.Eventually(t, func() bool {
		a, _ := articleOn(alpha, created.ID)
		return a.Text == "a\nB\nc\nX\n"
	}, waitFor, 10*time.Millisecond)
	list, err := beta.Conflicts.List(ctx, bob.ID)
	require.NoError(t, err)
	assert.Empty(t, list)
	settle(t, alpha, beta)
}

func TestFederation_UnsignedInboxIsRefused(t *testing.T) {
	alpha := newNode(t)
	req, err := http.NewRequest(http.MethodPost, alpha.srv.URL+"/inbox",
		bytes.NewReader([]byte(`{"type":"Follow","id":"http://evil.example/activity/1","actor":"http://evil.example/","object":"`+string(alpha.Site.InstanceID())+`"}`)))
	require.NoError(t, err)
	resp, err := alpha.srv.Client().Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestApp_AddUser(t *testing.T) {
	n := newNode(t)
	ctx := context.Background()

	p, token := n.user(t, "carol", false)
	assert.Equal(t, n.Site.PersonID("carol"), p.ID)
	assert.NotEmpty(t, p.PublicKey)
	assert.True(t, p.Local)

	_, _, err := n.AddUser(ctx, "carol", true)
	assert.ErrorIs(t, err, model.ErrAlreadyExists)
	_, _, err = n.AddUser(ctx, "x", false)
	assert.ErrorIs(t, err, validation.ErrInvalid)
	_, _, err = n.AddUser(ctx, model.GhostUsername, false)
	assert.ErrorIs(t, err, validation.ErrInvalid)

	var notes []model.Notification
	assert.Equal(t, http.StatusOK, n.call(t, token, http.MethodGet, "/api/v1/notifications", nil, &notes))
	assert.Equal(t, http.StatusUnauthorized, n.call(t, "wrong", http.MethodGet, "/api/v1/notifications", nil, nil))
	assert.Equal(t, http.StatusUnauthorized, n.call(t, "", http.MethodGet, "/api/v1/notifications", nil, nil))

	sig, err := n.Keys.Sign(ctx, p.ID, []byte("payload"))
	require.NoError(t, err)
	assert.NotEmpty(t, sig)
}

func TestNew_BootstrapIsStable(t *testing.T) {
	dir := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.Storage.Path = dir
	ctx := context.Background()

	first, err := New(ctx, cfg, "test", nil)
	require.NoError(t, err)
	local, err := first.Store.LocalInstance(ctx)
	require.NoError(t, err)
	assert.Equal(t, first.Site.InstanceID(), local.ID)
	assert.NotEmpty(t, local.PublicKey)
	require.NoError(t, first.Close())

	second, err := New(ctx, cfg, "test", nil)
	require.NoError(t, err)
	again, err := second.Store.LocalInstance(ctx)
	require.NoError(t, err)
	assert.Equal(t, local.PublicKey, again.PublicKey)
	require.NoError(t, second.Close())

	cfg.Federation.Domain = "other.example"
	_, err = New(ctx, cfg, "test", nil)
	assert.ErrorContains(t, err, "data directory belongs to")
}
