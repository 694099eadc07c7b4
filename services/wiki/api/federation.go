// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package api

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/Nutomic/ibis-sub001/services/wiki/apub"
	"github.com/Nutomic/ibis-sub001/services/wiki/federation"
	"github.com/Nutomic/ibis-sub001/services/wiki/model"
	"github.com/Nutomic/ibis-sub001/services/wiki/transport"
	"github.com/Nutomic/ibis-sub001/services/wiki/version"
)

// writeObject renders a federation document.
func writeObject(c *gin.Context, doc any) {
	c.Header("Content-Type", apub.MediaType)
	c.JSON(http.StatusOK, doc)
}

func (s *Server) getInstance(c *gin.Context) {
	local, err := s.Store.LocalInstance(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	writeObject(c, apub.FromInstance(local))
}

func (s *Server) getPerson(c *gin.Context) {
	p, err := s.Store.LocalPersonByName(c.Request.Context(), c.Param("name"))
	if err != nil {
		s.fail(c, err)
		return
	}
	doc := apub.FromPerson(p)
	doc.Context = apub.ContextURL
	writeObject(c, doc)
}

// localArticle loads a federated local article by its title path segment.
func (s *Server) localArticle(c *gin.Context) (model.Article, bool) {
	a, err := s.Store.ArticleByTitle(c.Request.Context(), s.site.Domain, c.Param("title"))
	if err == nil && (!a.Local || !a.Approved) {
		err = fmt.Errorf("article %s: %w", c.Param("title"), model.ErrNotFound)
	}
	if err != nil {
		s.fail(c, err)
		return model.Article{}, false
	}
	return a, true
}

func (s *Server) getArticle(c *gin.Context) {
	a, ok := s.localArticle(c)
	if !ok {
		return
	}
	writeObject(c, apub.FromArticle(a))
}

// getEditOrCollection serves {article}/edits and {article}/{version}.
func (s *Server) getEditOrCollection(c *gin.Context) {
	a, ok := s.localArticle(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	if c.Param("version") == "edits" {
		edits, err := s.Store.Edits(ctx, a.ID, false)
		if err != nil {
			s.fail(c, err)
			return
		}
		items := make([]apub.EditObject, 0, len(edits))
		for _, e := range edits {
			items = append(items, apub.FromEdit(e))
		}
		writeObject(c, apub.NewOrderedCollection(a.EditsURL(), items))
		return
	}
	v, err := version.Parse(c.Param("version"))
	if err != nil {
		s.badRequest(c, err)
		return
	}
	e, err := s.Store.EditByVersion(ctx, a.ID, v)
	if err == nil && e.Pending {
		err = model.ErrNotFound
	}
	if err != nil {
		s.fail(c, err)
		return
	}
	writeObject(c, apub.FromEdit(e))
}

func (s *Server) getComment(c *gin.Context) {
	id := model.ObjectID(s.site.Base() + "/comment/" + c.Param("id"))
	cm, err := s.Store.Comment(c.Request.Context(), id)
	if err != nil {
		s.fail(c, err)
		return
	}
	writeObject(c, apub.FromComment(cm))
}

func (s *Server) getArticles(c *gin.Context) {
	articles, err := s.Store.Articles(c.Request.Context(), true)
	if err != nil {
		s.fail(c, err)
		return
	}
	items := make([]apub.ArticleObject, 0, len(articles))
	for _, a := range articles {
		if a.Approved {
			items = append(items, apub.FromArticle(a))
		}
	}
	writeObject(c, apub.NewOrderedCollection(s.site.ArticlesURL(), items))
}

func (s *Server) getFollowers(c *gin.Context) {
	ctx := c.Request.Context()
	local, err := s.Store.LocalInstance(ctx)
	if err != nil {
		s.fail(c, err)
		return
	}
	follows, err := s.Graph.Followers(ctx, local.ID)
	if err != nil {
		s.fail(c, err)
		return
	}
	items := make([]model.ObjectID, 0, len(follows))
	for _, f := range follows {
		items = append(items, f.Follower)
	}
	writeObject(c, apub.NewOrderedCollection(local.FollowersURL(), items))
}

// inbox receives one activity.
//
// # Description
//
// The body is read once, its signature checked when signatures are
// required, decoded into the closed activity set and handed to the
// dispatcher. Activities that fail verification are accepted with no
// effect so the sender learns nothing about why.
//
// # Outputs
//
//   - 200 when applied or already applied.
//   - 202 when dropped by verification.
//   - 400 for bodies that are not a known activity.
//   - 401 for missing or bad signatures.
func (s *Server) inbox(c *gin.Context) {
	ctx := c.Request.Context()
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxInboxBytes))
	if err != nil {
		s.badRequest(c, err)
		return
	}

	var signer model.ObjectID
	if s.opts.VerifySignatures {
		if signer, err = transport.VerifyRequest(ctx, c.Request, body, s.Resolver.PublicKey); err != nil {
			s.logger.Warn("inbox signature rejected",
				slog.String("request_id", c.GetString(requestIDKey)),
				slog.String("error", err.Error()))
			c.AbortWithStatusJSON(http.StatusUnauthorized, ErrorResponse{Error: "signature rejected", Code: "unauthorized"})
			return
		}
	}

	act, err := apub.Decode(body)
	if err != nil {
		s.badRequest(c, err)
		return
	}
	if signer != "" && !signer.SameDomain(act.ActorID()) {
		s.logger.Warn("inbox signer does not match actor",
			slog.String("signer", string(signer)),
			slog.String("actor", string(act.ActorID())))
		c.AbortWithStatusJSON(http.StatusUnauthorized, ErrorResponse{Error: "signature rejected", Code: "unauthorized"})
		return
	}

	err = s.Dispatcher.Handle(ctx, act)
	switch {
	case errors.Is(err, federation.ErrVerificationFailed):
		c.Status(http.StatusAccepted)
	case err != nil:
		s.fail(c, err)
	default:
		c.Status(http.StatusOK)
	}
}
