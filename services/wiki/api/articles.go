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
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/Nutomic/ibis-sub001/services/wiki/model"
	"github.com/Nutomic/ibis-sub001/services/wiki/replication"
	"github.com/Nutomic/ibis-sub001/services/wiki/version"
)

// CreateArticleForm creates a local article.
type CreateArticleForm struct {
	Title   string `json:"title" binding:"required"`
	Text    string `json:"text"`
	Summary string `json:"summary"`
}

// EditArticleForm edits an article, local or remote.
type EditArticleForm struct {
	ArticleID       model.ObjectID      `json:"article_id" binding:"required,url"`
	NewText         string              `json:"new_text"`
	Summary         string              `json:"summary" binding:"required"`
	PreviousVersion version.EditVersion `json:"previous_version"`
	ResolveConflict *uuid.UUID          `json:"resolve_conflict_id,omitempty"`
}

// ArticleIDForm names an article.
type ArticleIDForm struct {
	ID model.ObjectID `json:"id" binding:"required,url"`
}

// ProtectArticleForm sets the protected flag.
type ProtectArticleForm struct {
	ID        model.ObjectID `json:"id" binding:"required,url"`
	Protected bool           `json:"protected"`
}

// EditResponse reports an applied edit or the conflict it produced.
type EditResponse struct {
	Article  model.Article   `json:"article"`
	Edit     *model.Edit     `json:"edit,omitempty"`
	Conflict *model.Conflict `json:"conflict,omitempty"`
}

func (s *Server) readArticle(c *gin.Context) {
	ctx := c.Request.Context()
	var (
		a   model.Article
		err error
	)
	if id := c.Query("id"); id != "" {
		a, err = s.Store.Article(ctx, model.ObjectID(id))
	} else {
		domain := c.DefaultQuery("domain", s.site.Domain)
		a, err = s.Store.ArticleByTitle(ctx, domain, c.Query("title"))
	}
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, a)
}

func (s *Server) createArticle(c *gin.Context) {
	var form CreateArticleForm
	if err := c.ShouldBindJSON(&form); err != nil {
		s.badRequest(c, err)
		return
	}
	a, err := s.Coordinator.CreateArticle(c.Request.Context(), currentPerson(c), form.Title, form.Text, form.Summary)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, a)
}

func (s *Server) editArticle(c *gin.Context) {
	var form EditArticleForm
	if err := c.ShouldBindJSON(&form); err != nil {
		s.badRequest(c, err)
		return
	}
	res, err := s.Coordinator.EditArticle(c.Request.Context(), currentPerson(c), replication.EditForm{
		Article:         form.ArticleID,
		NewText:         form.NewText,
		Summary:         form.Summary,
		PreviousVersion: form.PreviousVersion,
		ResolveConflict: form.ResolveConflict,
	})
	if err != nil {
		s.fail(c, err)
		return
	}
	status := http.StatusOK
	if res.Conflict != nil {
		status = http.StatusConflict
	}
	c.JSON(status, EditResponse{Article: res.Article, Edit: res.Edit, Conflict: res.Conflict})
}

func (s *Server) articleHistory(c *gin.Context) {
	edits, err := s.Store.Edits(c.Request.Context(), model.ObjectID(c.Query("id")), false)
	if err != nil {
		s.fail(c, err)
		return
	}
	if edits == nil {
		edits = []model.Edit{}
	}
	c.JSON(http.StatusOK, edits)
}

func (s *Server) articleVersion(c *gin.Context) {
	v, err := version.Parse(c.Query("version"))
	if err != nil {
		s.badRequest(c, err)
		return
	}
	id := model.ObjectID(c.Query("id"))
	edits, err := s.Store.Edits(c.Request.Context(), id, false)
	if err != nil {
		s.fail(c, err)
		return
	}
	text, err := version.Reconstruct(edits, v)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": id, "version": v, "text": text})
}

func (s *Server) resolveArticle(c *gin.Context) {
	a, err := s.Resolver.Article(c.Request.Context(), model.ObjectID(c.Query("id")), true)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, a)
}

func (s *Server) protectArticle(c *gin.Context) {
	var form ProtectArticleForm
	if err := c.ShouldBindJSON(&form); err != nil {
		s.badRequest(c, err)
		return
	}
	a, err := s.Coordinator.Protect(c.Request.Context(), currentPerson(c), form.ID, form.Protected)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, a)
}

func (s *Server) approveArticle(c *gin.Context) {
	var form ArticleIDForm
	if err := c.ShouldBindJSON(&form); err != nil {
		s.badRequest(c, err)
		return
	}
	a, err := s.Coordinator.Approve(c.Request.Context(), currentPerson(c), form.ID)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, a)
}

func (s *Server) removeArticle(c *gin.Context) {
	s.setRemoved(c, model.ObjectID(c.Query("id")), true)
}

func (s *Server) restoreArticle(c *gin.Context) {
	var form ArticleIDForm
	if err := c.ShouldBindJSON(&form); err != nil {
		s.badRequest(c, err)
		return
	}
	s.setRemoved(c, form.ID, false)
}

func (s *Server) setRemoved(c *gin.Context, id model.ObjectID, removed bool) {
	a, err := s.Coordinator.SetRemoved(c.Request.Context(), currentPerson(c), id, removed)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, a)
}
