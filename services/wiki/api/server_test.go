// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Nutomic/ibis-sub001/services/wiki/api"
	"github.com/Nutomic/ibis-sub001/services/wiki/app"
	"github.com/Nutomic/ibis-sub001/services/wiki/apub"
	"github.com/Nutomic/ibis-sub001/services/wiki/config"
	"github.com/Nutomic/ibis-sub001/services/wiki/model"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fixture struct {
	app    *app.App
	router http.Handler
	admin  string
	user   string
}

func newFixture(t *testing.T, mutate func(*config.Config)) *fixture {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Storage.InMemory = true
	cfg.Federation.VerifySignatures = false
	cfg.Federation.Blocklist = []string{"evil.example"}
	if mutate != nil {
		mutate(&cfg)
	}
	a, err := app.New(context.Background(), cfg, "1.2.3", slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })

	_, admin, err := a.AddUser(context.Background(), "alice", true)
	require.NoError(t, err)
	_, user, err := a.AddUser(context.Background(), "bob", false)
	require.NoError(t, err)
	return &fixture{app: a, router: a.Handler(), admin: admin, user: user}
}

// do runs a request and decodes the JSON response into out when it is not
// nil.
func (f *fixture) do(t *testing.T, token, method, path string, body, out any) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, r)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	if out != nil {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), out), rec.Body.String())
	}
	return rec
}

func (f *fixture) create(t *testing.T, token, title, text string) model.Article {
	t.Helper()
	var a model.Article
	rec := f.do(t, token, http.MethodPost, "/api/v1/article",
		api.CreateArticleForm{Title: title, Text: text, Summary: "first"}, &a)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return a
}

func q(id model.ObjectID) string {
	return url.QueryEscape(string(id))
}

func TestHealthAndDiscovery(t *testing.T) {
	f := newFixture(t, nil)
	f.create(t, f.admin, "Home", "welcome\n")

	assert.Equal(t, http.StatusOK, f.do(t, "", http.MethodGet, "/healthz", nil, nil).Code)

	var wf api.Webfinger
	rec := f.do(t, "", http.MethodGet, "/.well-known/webfinger?resource=acct:alice@localhost:8080", nil, &wf)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, wf.Links, 1)
	assert.Equal(t, "http://localhost:8080/user/alice", wf.Links[0].Href)

	rec = f.do(t, "", http.MethodGet, "/.well-known/webfinger?resource=acct:localhost:8080@localhost:8080", nil, &wf)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "http://localhost:8080/", wf.Links[0].Href)

	var errBody api.ErrorResponse
	rec = f.do(t, "", http.MethodGet, "/.well-known/webfinger?resource=acct:nobody@localhost:8080", nil, &errBody)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "not_found", errBody.Code)
	rec = f.do(t, "", http.MethodGet, "/.well-known/webfinger?resource=acct:alice@elsewhere.example", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	var info struct {
		Software struct{ Version string } `json:"software"`
		Usage    struct {
			Users      struct{ Total int } `json:"users"`
			LocalPosts int                 `json:"localPosts"`
		} `json:"usage"`
	}
	rec = f.do(t, "", http.MethodGet, "/nodeinfo/2.1", nil, &info)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "1.2.3", info.Software.Version)
	assert.Equal(t, 2, info.Usage.Users.Total)
	assert.Equal(t, 1, info.Usage.LocalPosts)

	rec = f.do(t, "", http.MethodGet, "/metrics", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestAuthentication(t *testing.T) {
	f := newFixture(t, nil)
	assert.Equal(t, http.StatusUnauthorized, f.do(t, "", http.MethodGet, "/api/v1/conflicts", nil, nil).Code)
	assert.Equal(t, http.StatusUnauthorized, f.do(t, "nope", http.MethodGet, "/api/v1/conflicts", nil, nil).Code)

	var list []model.Conflict
	rec := f.do(t, f.user, http.MethodGet, "/api/v1/conflicts", nil, &list)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, list)
}

func TestFederationObjects(t *testing.T) {
	f := newFixture(t, nil)
	a := f.create(t, f.admin, "Go Lang", "gophers\n")
	assert.Equal(t, model.ObjectID("http://localhost:8080/article/Go_Lang"), a.ID)

	rec := f.do(t, "", http.MethodGet, "/", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, apub.MediaType, rec.Header().Get("Content-Type"))

	var doc apub.ArticleObject
	require.Equal(t, http.StatusOK, f.do(t, "", http.MethodGet, "/article/Go_Lang", nil, &doc).Code)
	assert.Equal(t, "gophers\n", doc.Content)
	assert.Equal(t, a.LatestVersion, doc.LatestVersion)

	var edits apub.OrderedCollection[apub.EditObject]
	require.Equal(t, http.StatusOK, f.do(t, "", http.MethodGet, "/article/Go_Lang/edits", nil, &edits).Code)
	require.Len(t, edits.OrderedItems, 1)

	var edit apub.EditObject
	rec = f.do(t, "", http.MethodGet, "/article/Go_Lang/"+a.LatestVersion.Hex(), nil, &edit)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, model.EditID(a.ID, a.LatestVersion), edit.ID)
	assert.Equal(t, http.StatusOK, f.do(t, "", http.MethodGet, "/article/Go_Lang/"+a.LatestVersion.String(), nil, nil).Code)
	assert.Equal(t, http.StatusBadRequest, f.do(t, "", http.MethodGet, "/article/Go_Lang/zzz", nil, nil).Code)
	assert.Equal(t, http.StatusNotFound, f.do(t, "", http.MethodGet, "/article/Go_Lang/00000000000000000000000000000000", nil, nil).Code)

	var all apub.OrderedCollection[apub.ArticleObject]
	require.Equal(t, http.StatusOK, f.do(t, "", http.MethodGet, "/all_articles", nil, &all).Code)
	assert.Len(t, all.OrderedItems, 1)

	assert.Equal(t, http.StatusOK, f.do(t, "", http.MethodGet, "/user/bob", nil, nil).Code)
	assert.Equal(t, http.StatusNotFound, f.do(t, "", http.MethodGet, "/user/nobody", nil, nil).Code)
	assert.Equal(t, http.StatusOK, f.do(t, "", http.MethodGet, "/followers", nil, nil).Code)
}

func TestUnapprovedArticlesAreHidden(t *testing.T) {
	f := newFixture(t, func(c *config.Config) { c.Options.ArticleApproval = true })
	a := f.create(t, f.user, "Draft", "wip\n")
	assert.False(t, a.Approved)
	assert.Equal(t, http.StatusNotFound, f.do(t, "", http.MethodGet, "/article/Draft", nil, nil).Code)

	assert.Equal(t, http.StatusForbidden,
		f.do(t, f.user, http.MethodPost, "/api/v1/article/approve", api.ArticleIDForm{ID: a.ID}, nil).Code)
	var approved model.Article
	require.Equal(t, http.StatusOK,
		f.do(t, f.admin, http.MethodPost, "/api/v1/article/approve", api.ArticleIDForm{ID: a.ID}, &approved).Code)
	assert.True(t, approved.Approved)
	assert.Equal(t, http.StatusOK, f.do(t, "", http.MethodGet, "/article/Draft", nil, nil).Code)
}

func lines(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = "line " + string(rune('a'+i))
	}
	return out
}

func TestEditRebaseAndConflict(t *testing.T) {
	f := newFixture(t, nil)
	base := lines(10)
	a := f.create(t, f.admin, "Long", strings.Join(base, "\n")+"\n")
	v1 := a.LatestVersion

	// alice changes the second line.
	second := append([]string(nil), base...)
	second[1] = "LINE B"
	var res api.EditResponse
	rec := f.do(t, f.admin, http.MethodPatch, "/api/v1/article", api.EditArticleForm{
		ArticleID: a.ID, NewText: strings.Join(second, "\n"), Summary: "caps", PreviousVersion: v1,
	}, &res)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	v2 := res.Article.LatestVersion

	// bob appends to the end of v1; the change is far enough away to rebase.
	appended := append(append([]string(nil), base...), "line k")
	rec = f.do(t, f.user, http.MethodPatch, "/api/v1/article", api.EditArticleForm{
		ArticleID: a.ID, NewText: strings.Join(appended, "\n"), Summary: "more", PreviousVersion: v1,
	}, &res)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.NotNil(t, res.Edit)
	assert.Equal(t, v2, res.Edit.PreviousVersion)
	assert.Contains(t, res.Article.Text, "LINE B\n")
	assert.Contains(t, res.Article.Text, "line k\n")

	// bob edits the second line from v1 as well, which cannot be rebased.
	clash := append([]string(nil), base...)
	clash[1] = "line bee"
	rec = f.do(t, f.user, http.MethodPatch, "/api/v1/article", api.EditArticleForm{
		ArticleID: a.ID, NewText: strings.Join(clash, "\n"), Summary: "clash", PreviousVersion: v1,
	}, &res)
	require.Equal(t, http.StatusConflict, rec.Code, rec.Body.String())
	require.NotNil(t, res.Conflict)
	conflictID := res.Conflict.ID

	var mine []model.Conflict
	require.Equal(t, http.StatusOK, f.do(t, f.user, http.MethodGet, "/api/v1/conflicts", nil, &mine).Code)
	require.Len(t, mine, 1)
	assert.Equal(t, http.StatusNotFound,
		f.do(t, f.admin, http.MethodGet, "/api/v1/conflict/"+conflictID.String(), nil, nil).Code)
	assert.Equal(t, http.StatusOK,
		f.do(t, f.user, http.MethodGet, "/api/v1/conflict/"+conflictID.String(), nil, nil).Code)

	var notes []model.Notification
	require.Equal(t, http.StatusOK, f.do(t, f.user, http.MethodGet, "/api/v1/notifications", nil, &notes).Code)
	require.Len(t, notes, 1)
	assert.Equal(t, http.StatusNoContent,
		f.do(t, f.user, http.MethodPost, "/api/v1/notifications/"+notes[0].ID.String()+"/read", nil, nil).Code)
	require.Equal(t, http.StatusOK, f.do(t, f.user, http.MethodGet, "/api/v1/notifications", nil, &notes).Code)
	assert.True(t, notes[0].Read)

	assert.Equal(t, http.StatusNoContent,
		f.do(t, f.user, http.MethodDelete, "/api/v1/conflict/"+conflictID.String(), nil, nil).Code)
	assert.Equal(t, http.StatusBadRequest,
		f.do(t, f.user, http.MethodDelete, "/api/v1/conflict/not-a-uuid", nil, nil).Code)

	var history []model.Edit
	require.Equal(t, http.StatusOK, f.do(t, f.user, http.MethodGet, "/api/v1/article/history?id="+q(a.ID), nil, &history).Code)
	assert.Len(t, history, 3)

	var at struct{ Text string }
	require.Equal(t, http.StatusOK, f.do(t, f.user, http.MethodGet,
		"/api/v1/article/version?id="+q(a.ID)+"&version="+v2.Hex(), nil, &at).Code)
	assert.Equal(t, strings.Join(second, "\n")+"\n", at.Text)

	var errBody api.ErrorResponse
	rec = f.do(t, f.user, http.MethodPatch, "/api/v1/article", api.EditArticleForm{
		ArticleID: a.ID, NewText: res.Article.Text, Summary: "noop", PreviousVersion: res.Article.LatestVersion,
	}, &errBody)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_edit", errBody.Code)
}

func TestArticleValidationAndProtection(t *testing.T) {
	f := newFixture(t, nil)
	a := f.create(t, f.admin, "Guarded", "keep\n")

	var errBody api.ErrorResponse
	rec := f.do(t, f.user, http.MethodPost, "/api/v1/article", api.CreateArticleForm{Title: "Guarded"}, &errBody)
	assert.Equal(t, http.StatusConflict, rec.Code)
	rec = f.do(t, f.user, http.MethodPost, "/api/v1/article", api.CreateArticleForm{Title: "x!"}, &errBody)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid", errBody.Code)
	rec = f.do(t, f.user, http.MethodPatch, "/api/v1/article", map[string]string{"article_id": "not a url"}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	var read model.Article
	require.Equal(t, http.StatusOK, f.do(t, f.user, http.MethodGet, "/api/v1/article?title=Guarded", nil, &read).Code)
	assert.Equal(t, a.ID, read.ID)

	assert.Equal(t, http.StatusForbidden, f.do(t, f.user, http.MethodPost, "/api/v1/article/protect",
		api.ProtectArticleForm{ID: a.ID, Protected: true}, nil).Code)
	require.Equal(t, http.StatusOK, f.do(t, f.admin, http.MethodPost, "/api/v1/article/protect",
		api.ProtectArticleForm{ID: a.ID, Protected: true}, nil).Code)
	rec = f.do(t, f.user, http.MethodPatch, "/api/v1/article", api.EditArticleForm{
		ArticleID: a.ID, NewText: "changed", Summary: "try", PreviousVersion: a.LatestVersion,
	}, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	var removed model.Article
	require.Equal(t, http.StatusOK, f.do(t, f.admin, http.MethodDelete, "/api/v1/article?id="+q(a.ID), nil, &removed).Code)
	assert.True(t, removed.Removed)
	rec = f.do(t, f.admin, http.MethodPatch, "/api/v1/article", api.EditArticleForm{
		ArticleID: a.ID, NewText: "changed", Summary: "try", PreviousVersion: a.LatestVersion,
	}, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	require.Equal(t, http.StatusOK, f.do(t, f.admin, http.MethodPost, "/api/v1/article/restore",
		api.ArticleIDForm{ID: a.ID}, &removed).Code)
	assert.False(t, removed.Removed)
}

func TestComments(t *testing.T) {
	f := newFixture(t, nil)
	a := f.create(t, f.admin, "Talk", "hello\n")

	var root, reply model.Comment
	require.Equal(t, http.StatusCreated, f.do(t, f.user, http.MethodPost, "/api/v1/comment",
		api.CreateCommentForm{ArticleID: a.ID, Content: "first!"}, &root).Code)
	require.Equal(t, http.StatusCreated, f.do(t, f.admin, http.MethodPost, "/api/v1/comment",
		api.CreateCommentForm{ArticleID: a.ID, ParentID: root.ID, Content: "welcome"}, &reply).Code)
	assert.Equal(t, 1, reply.Depth)
	assert.Equal(t, http.StatusBadRequest, f.do(t, f.user, http.MethodPost, "/api/v1/comment",
		api.CreateCommentForm{ArticleID: a.ID, Content: " "}, nil).Code)

	id := strings.TrimPrefix(string(root.ID), "http://localhost:8080/comment/")
	var doc apub.CommentObject
	require.Equal(t, http.StatusOK, f.do(t, "", http.MethodGet, "/comment/"+id, nil, &doc).Code)
	assert.Equal(t, root.ID, doc.ID)

	assert.Equal(t, http.StatusForbidden, f.do(t, f.admin, http.MethodPatch, "/api/v1/comment",
		api.UpdateCommentForm{ID: root.ID, Content: "hijack"}, nil).Code)
	var updated model.Comment
	require.Equal(t, http.StatusOK, f.do(t, f.user, http.MethodPatch, "/api/v1/comment",
		api.UpdateCommentForm{ID: root.ID, Content: "first, edited"}, &updated).Code)
	assert.NotNil(t, updated.Updated)

	var deleted model.Comment
	require.Equal(t, http.StatusOK, f.do(t, f.user, http.MethodDelete, "/api/v1/comment?id="+q(root.ID), nil, &deleted).Code)
	assert.True(t, deleted.Deleted)
	require.Equal(t, http.StatusOK, f.do(t, f.user, http.MethodPost, "/api/v1/comment/restore",
		api.CommentIDForm{ID: root.ID}, &deleted).Code)
	assert.False(t, deleted.Deleted)

	var thread []model.Comment
	require.Equal(t, http.StatusOK, f.do(t, f.user, http.MethodGet, "/api/v1/comments?article="+q(a.ID), nil, &thread).Code)
	assert.Len(t, thread, 2)
}

func TestInboxDropsUnverifiableActivities(t *testing.T) {
	f := newFixture(t, nil)
	post := func(body string) int {
		req := httptest.NewRequest(http.MethodPost, "/inbox", strings.NewReader(body))
		req.Header.Set("Content-Type", apub.MediaType)
		rec := httptest.NewRecorder()
		f.router.ServeHTTP(rec, req)
		return rec.Code
	}

	assert.Equal(t, http.StatusBadRequest, post(`{"type":`))
	assert.Equal(t, http.StatusBadRequest, post(`{"type":"Like","id":"http://a.example/1","actor":"http://a.example/"}`))
	assert.Equal(t, http.StatusAccepted, post(
		`{"type":"Follow","id":"http://other.example/activity/1","actor":"http://a.example/","object":"http://localhost:8080/"}`))
	assert.Equal(t, http.StatusAccepted, post(
		`{"type":"Follow","id":"http://evil.example/activity/1","actor":"http://evil.example/","object":"http://localhost:8080/"}`))
}
