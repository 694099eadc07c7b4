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
)

// CreateCommentForm creates a comment, optionally as a reply.
type CreateCommentForm struct {
	ArticleID model.ObjectID `json:"article_id" binding:"required,url"`
	ParentID  model.ObjectID `json:"parent_id,omitempty" binding:"omitempty,url"`
	Content   string         `json:"content" binding:"required"`
}

// UpdateCommentForm replaces a comment's content.
type UpdateCommentForm struct {
	ID      model.ObjectID `json:"id" binding:"required,url"`
	Content string         `json:"content" binding:"required"`
}

// InstanceForm names an instance.
type InstanceForm struct {
	ID model.ObjectID `json:"id" binding:"required,url"`
}

// CommentIDForm names a comment.
type CommentIDForm struct {
	ID model.ObjectID `json:"id" binding:"required,url"`
}

func (s *Server) uuidParam(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		s.badRequest(c, err)
		return uuid.Nil, false
	}
	return id, true
}

// --- conflicts ---

func (s *Server) listConflicts(c *gin.Context) {
	list, err := s.Conflicts.List(c.Request.Context(), currentPerson(c).ID)
	if err != nil {
		s.fail(c, err)
		return
	}
	if list == nil {
		list = []model.Conflict{}
	}
	c.JSON(http.StatusOK, list)
}

func (s *Server) readConflict(c *gin.Context) {
	id, ok := s.uuidParam(c)
	if !ok {
		return
	}
	cf, err := s.Conflicts.Read(c.Request.Context(), id, currentPerson(c).ID)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, cf)
}

func (s *Server) deleteConflict(c *gin.Context) {
	id, ok := s.uuidParam(c)
	if !ok {
		return
	}
	if err := s.Conflicts.Delete(c.Request.Context(), id, currentPerson(c).ID); err != nil {
		s.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// --- instances ---

func (s *Server) followInstance(c *gin.Context) {
	var form InstanceForm
	if err := c.ShouldBindJSON(&form); err != nil {
		s.badRequest(c, err)
		return
	}
	inst, err := s.Dispatcher.FollowInstance(c.Request.Context(), form.ID)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, inst)
}

func (s *Server) unfollowInstance(c *gin.Context) {
	var form InstanceForm
	if err := c.ShouldBindJSON(&form); err != nil {
		s.badRequest(c, err)
		return
	}
	if err := s.Dispatcher.UnfollowInstance(c.Request.Context(), form.ID); err != nil {
		s.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) resolveInstance(c *gin.Context) {
	inst, err := s.Resolver.Instance(c.Request.Context(), model.ObjectID(c.Query("id")))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, inst)
}

// --- comments ---

func (s *Server) listComments(c *gin.Context) {
	list, err := s.Comments.List(c.Request.Context(), model.ObjectID(c.Query("article")))
	if err != nil {
		s.fail(c, err)
		return
	}
	if list == nil {
		list = []model.Comment{}
	}
	c.JSON(http.StatusOK, list)
}

func (s *Server) createComment(c *gin.Context) {
	var form CreateCommentForm
	if err := c.ShouldBindJSON(&form); err != nil {
		s.badRequest(c, err)
		return
	}
	cm, err := s.Comments.Create(c.Request.Context(), currentPerson(c), form.ArticleID, form.ParentID, form.Content)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, cm)
}

func (s *Server) updateComment(c *gin.Context) {
	var form UpdateCommentForm
	if err := c.ShouldBindJSON(&form); err != nil {
		s.badRequest(c, err)
		return
	}
	cm, err := s.Comments.Update(c.Request.Context(), currentPerson(c), form.ID, form.Content)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, cm)
}

func (s *Server) deleteComment(c *gin.Context) {
	s.setCommentDeleted(c, model.ObjectID(c.Query("id")), true)
}

func (s *Server) restoreComment(c *gin.Context) {
	var form CommentIDForm
	if err := c.ShouldBindJSON(&form); err != nil {
		s.badRequest(c, err)
		return
	}
	s.setCommentDeleted(c, form.ID, false)
}

func (s *Server) setCommentDeleted(c *gin.Context, id model.ObjectID, deleted bool) {
	cm, err := s.Comments.SetDeleted(c.Request.Context(), currentPerson(c), id, deleted)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, cm)
}

// --- notifications ---

func (s *Server) listNotifications(c *gin.Context) {
	list, err := s.Store.Notifications(c.Request.Context(), currentPerson(c).ID)
	if err != nil {
		s.fail(c, err)
		return
	}
	if list == nil {
		list = []model.Notification{}
	}
	c.JSON(http.StatusOK, list)
}

func (s *Server) readNotification(c *gin.Context) {
	id, ok := s.uuidParam(c)
	if !ok {
		return
	}
	if err := s.Store.MarkNotificationRead(c.Request.Context(), currentPerson(c).ID, id); err != nil {
		s.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
