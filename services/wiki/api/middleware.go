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
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/Nutomic/ibis-sub001/services/wiki/model"
)

const (
	requestIDKey = "request_id"
	personKey    = "ibis_person"
)

// requestID propagates X-Request-ID, minting one when absent.
func requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		c.Set(requestIDKey, id)
		c.Header("X-Request-ID", id)
		c.Next()
	}
}

// HashToken returns the stored form of an API token.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// NewToken mints a random API token.
func NewToken() string {
	return strings.ReplaceAll(uuid.NewString()+uuid.NewString(), "-", "")
}

// authenticate resolves "Authorization: Bearer <token>" to a local person.
func (s *Server) authenticate() gin.HandlerFunc {
	return func(c *gin.Context) {
		token, ok := strings.CutPrefix(c.GetHeader("Authorization"), "Bearer ")
		if !ok || token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, ErrorResponse{Error: "missing bearer token", Code: "unauthorized"})
			return
		}
		p, err := s.Store.PersonByToken(c.Request.Context(), HashToken(token))
		if errors.Is(err, model.ErrNotFound) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, ErrorResponse{Error: "unknown token", Code: "unauthorized"})
			return
		}
		if err != nil {
			s.fail(c, err)
			return
		}
		c.Set(personKey, p)
		c.Next()
	}
}

func currentPerson(c *gin.Context) model.Person {
	p, _ := c.Get(personKey)
	person, _ := p.(model.Person)
	return person
}
