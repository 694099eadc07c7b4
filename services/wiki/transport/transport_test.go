// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package transport

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Nutomic/ibis-sub001/services/wiki/apub"
	"github.com/Nutomic/ibis-sub001/services/wiki/keys"
	"github.com/Nutomic/ibis-sub001/services/wiki/model"
	"github.com/Nutomic/ibis-sub001/services/wiki/storage/badger"
)

func TestDomainFilter(t *testing.T) {
	f := NewDomainFilter(nil, []string{"Evil.example"})
	assert.True(t, f.Allowed("good.example"))
	assert.False(t, f.Allowed("evil.example"))
	assert.False(t, f.Allowed("evil.example:8080"))

	f.Set([]string{"good.example"}, nil)
	assert.True(t, f.Allowed("good.example:443"))
	assert.False(t, f.Allowed("other.example"))
	assert.False(t, f.Allowed("evil.example"), "allow list excludes everything else")

	var none *DomainFilter
	assert.True(t, none.Allowed("anything.example"))
}

func TestClient_Fetch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/missing" {
			http.NotFound(w, r)
			return
		}
		assert.Equal(t, apub.MediaType, r.Header.Get("Accept"))
		w.Header().Set("Content-Type", apub.MediaType)
		_, _ = io.WriteString(w, `{"id":"x","name":"alpha"}`)
	}))
	defer srv.Close()

	c := NewClient(DefaultConfig(), NewDomainFilter(nil, nil), nil, nil)
	var out struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	}
	require.NoError(t, c.Fetch(context.Background(), srv.URL+"/doc", &out))
	assert.Equal(t, "alpha", out.Name)

	err := c.Fetch(context.Background(), srv.URL+"/missing", &out)
	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusNotFound, se.Code)

	assert.ErrorIs(t, c.Fetch(context.Background(), "ftp://x/y", &out), ErrBadURL)

	blocked := NewClient(DefaultConfig(), NewDomainFilter(nil, []string{"127.0.0.1"}), nil, nil)
	assert.ErrorIs(t, blocked.Fetch(context.Background(), srv.URL+"/doc", &out), ErrDomainBlocked)
}

type inboxRecorder struct {
	mu   sync.Mutex
	hits map[string]int
}

func (r *inboxRecorder) handler(status int) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		body, _ := io.ReadAll(req.Body)
		var env struct {
			ID string `json:"id"`
		}
		_ = json.Unmarshal(body, &env)
		r.mu.Lock()
		r.hits[req.Host+" "+env.ID]++
		r.mu.Unlock()
		w.WriteHeader(status)
	})
}

func TestClient_DeliverIsIndependentPerRecipient(t *testing.T) {
	rec := &inboxRecorder{hits: map[string]int{}}
	ok1 := httptest.NewServer(rec.handler(http.StatusOK))
	defer ok1.Close()
	ok2 := httptest.NewServer(rec.handler(http.StatusAccepted))
	defer ok2.Close()
	broken := httptest.NewServer(rec.handler(http.StatusInternalServerError))
	defer broken.Close()

	c := NewClient(DefaultConfig(), NewDomainFilter(nil, nil), nil, nil)
	a := apub.NewFollow("http://alpha.example/activity/abcdefg", "http://alpha.example/", "http://beta.example/")
	inboxes := []string{broken.URL + "/inbox", ok1.URL + "/inbox", ok2.URL + "/inbox", ok1.URL + "/inbox"}
	require.NoError(t, c.Deliver(context.Background(), a, inboxes))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, c.Wait(ctx))

	rec.mu.Lock()
	defer rec.mu.Unlock()
	for _, srv := range []*httptest.Server{ok1, ok2, broken} {
		host := strings.TrimPrefix(srv.URL, "http://")
		assert.Equal(t, 1, rec.hits[host+" "+a.ID], host)
	}
}

func TestSignature_RoundTrip(t *testing.T) {
	s, err := badger.OpenInMemoryStore()
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	ring := keys.NewKeyring(s)
	actor := model.ObjectID("http://alpha.example/")
	pub, err := ring.Generate(context.Background(), actor)
	require.NoError(t, err)
	lookup := func(_ context.Context, id model.ObjectID) (string, error) {
		require.Equal(t, actor, id)
		return pub, nil
	}

	body := []byte(`{"type":"Follow"}`)
	req := httptest.NewRequest(http.MethodPost, "http://beta.example/inbox", strings.NewReader(string(body)))
	require.NoError(t, SignRequest(context.Background(), req, body, actor, ring))

	owner, err := VerifyRequest(context.Background(), req, body, lookup)
	require.NoError(t, err)
	assert.Equal(t, actor, owner)

	_, err = VerifyRequest(context.Background(), req, []byte(`{"type":"Undo"}`), lookup)
	assert.ErrorIs(t, err, keys.ErrBadSignature)

	unsigned := httptest.NewRequest(http.MethodPost, "http://beta.example/inbox", nil)
	_, err = VerifyRequest(context.Background(), unsigned, nil, lookup)
	assert.ErrorIs(t, err, ErrUnsigned)
}
