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
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"

	"github.com/Nutomic/ibis-sub001/pkg/validation"
	"github.com/Nutomic/ibis-sub001/services/wiki/comment"
	"github.com/Nutomic/ibis-sub001/services/wiki/model"
	"github.com/Nutomic/ibis-sub001/services/wiki/replication"
	"github.com/Nutomic/ibis-sub001/services/wiki/resolver"
	"github.com/Nutomic/ibis-sub001/services/wiki/transport"
	"github.com/Nutomic/ibis-sub001/services/wiki/version"
)

// ErrorResponse is the body of every failed API call.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// statusOf maps service errors to a status code and a stable error code.
func statusOf(err error) (int, string) {
	var verrs validator.ValidationErrors
	switch {
	case errors.Is(err, model.ErrNotFound), errors.Is(err, version.ErrVersionNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, model.ErrForbidden):
		return http.StatusForbidden, "forbidden"
	case errors.Is(err, replication.ErrArticleExists), errors.Is(err, model.ErrAlreadyExists):
		return http.StatusConflict, "already_exists"
	case errors.Is(err, version.ErrInvalidEdit), errors.Is(err, replication.ErrVersionMismatch):
		return http.StatusBadRequest, "invalid_edit"
	case errors.Is(err, version.ErrPatchFailed):
		return http.StatusConflict, "patch_failed"
	case errors.Is(err, comment.ErrDepthExceeded):
		return http.StatusBadRequest, "depth_exceeded"
	case errors.Is(err, validation.ErrInvalid), errors.As(err, &verrs):
		return http.StatusBadRequest, "invalid"
	case errors.Is(err, transport.ErrDomainBlocked):
		return http.StatusForbidden, "domain_blocked"
	case errors.Is(err, resolver.ErrDereferenceFailed):
		return http.StatusBadGateway, "dereference_failed"
	}
	return http.StatusInternalServerError, "internal"
}

func (s *Server) fail(c *gin.Context, err error) {
	status, code := statusOf(err)
	logger := s.logger.With(
		slog.String("request_id", c.GetString(requestIDKey)),
		slog.String("handler", c.FullPath()))
	if status >= http.StatusInternalServerError {
		logger.Error("request failed", slog.String("error", err.Error()))
	} else {
		logger.Debug("request rejected", slog.String("error", err.Error()))
	}
	c.AbortWithStatusJSON(status, ErrorResponse{Error: err.Error(), Code: code})
}

func (s *Server) badRequest(c *gin.Context, err error) {
	c.AbortWithStatusJSON(http.StatusBadRequest, ErrorResponse{Error: err.Error(), Code: "invalid"})
}
