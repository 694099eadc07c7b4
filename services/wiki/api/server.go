// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package api serves the HTTP surface of a wiki instance.
//
// Three route families share one gin engine: the federation endpoints read
// by other instances (object documents and the inbox), the user API under
// /api/v1, and discovery and operations endpoints.
package api

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/Nutomic/ibis-sub001/services/wiki/comment"
	"github.com/Nutomic/ibis-sub001/services/wiki/conflict"
	"github.com/Nutomic/ibis-sub001/services/wiki/federation"
	"github.com/Nutomic/ibis-sub001/services/wiki/follow"
	"github.com/Nutomic/ibis-sub001/services/wiki/model"
	"github.com/Nutomic/ibis-sub001/services/wiki/replication"
	"github.com/Nutomic/ibis-sub001/services/wiki/resolver"
	"github.com/Nutomic/ibis-sub001/services/wiki/storage/badger"
)

// maxInboxBytes bounds the body of an inbound activity.
const maxInboxBytes = 1 << 20

// Deps groups the services behind the routes.
type Deps struct {
	Store       *badger.Store
	Coordinator *replication.Coordinator
	Comments    *comment.Service
	Conflicts   *conflict.Ledger
	Dispatcher  *federation.Dispatcher
	Resolver    *resolver.Resolver
	Graph       *follow.Graph
}

// Options tune the server.
type Options struct {
	// VerifySignatures rejects unsigned or badly signed inbox deliveries.
	VerifySignatures bool
	// ServiceName labels spans from the tracing middleware.
	ServiceName string
	// Version is reported by nodeinfo.
	Version string
	// RegistrationOpen is reported by nodeinfo.
	RegistrationOpen bool
}

// Server holds the handlers.
type Server struct {
	Deps
	site   model.Site
	opts   Options
	logger *slog.Logger
}

// NewServer creates a Server.
func NewServer(deps Deps, site model.Site, opts Options, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.ServiceName == "" {
		opts.ServiceName = "ibis"
	}
	return &Server{Deps: deps, site: site, opts: opts, logger: logger.With("component", "api")}
}

// Router builds the gin engine with every route registered.
func (s *Server) Router() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware(s.opts.ServiceName))
	router.Use(requestID())

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	router.GET("/.well-known/webfinger", s.webfinger)
	router.GET("/.well-known/nodeinfo", s.nodeinfoLinks)
	router.GET("/nodeinfo/2.1", s.nodeinfo)

	// Federation
	router.GET("/", s.getInstance)
	router.GET("/user/:name", s.getPerson)
	router.GET("/article/:title", s.getArticle)
	router.GET("/article/:title/:version", s.getEditOrCollection)
	router.GET("/comment/:id", s.getComment)
	router.GET("/all_articles", s.getArticles)
	router.GET("/followers", s.getFollowers)
	router.POST("/inbox", s.inbox)

	v1 := router.Group("/api/v1", s.authenticate())
	{
		v1.GET("/article", s.readArticle)
		v1.POST("/article", s.createArticle)
		v1.PATCH("/article", s.editArticle)
		v1.DELETE("/article", s.removeArticle)
		v1.GET("/article/history", s.articleHistory)
		v1.GET("/article/version", s.articleVersion)
		v1.POST("/article/resolve", s.resolveArticle)
		v1.POST("/article/protect", s.protectArticle)
		v1.POST("/article/approve", s.approveArticle)
		v1.POST("/article/restore", s.restoreArticle)

		v1.GET("/conflicts", s.listConflicts)
		v1.GET("/conflict/:id", s.readConflict)
		v1.DELETE("/conflict/:id", s.deleteConflict)

		v1.POST("/instance/follow", s.followInstance)
		v1.POST("/instance/unfollow", s.unfollowInstance)
		v1.GET("/instance/resolve", s.resolveInstance)

		v1.GET("/comments", s.listComments)
		v1.POST("/comment", s.createComment)
		v1.PATCH("/comment", s.updateComment)
		v1.DELETE("/comment", s.deleteComment)
		v1.POST("/comment/restore", s.restoreComment)

		v1.GET("/notifications", s.listNotifications)
		v1.POST("/notifications/:id/read", s.readNotification)
	}
	return router
}
