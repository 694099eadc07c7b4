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
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/Nutomic/ibis-sub001/services/wiki/apub"
	"github.com/Nutomic/ibis-sub001/services/wiki/model"
)

// WebfingerLink is one link of a webfinger document.
type WebfingerLink struct {
	Rel  string `json:"rel"`
	Type string `json:"type,omitempty"`
	Href string `json:"href"`
}

// Webfinger maps an account handle to its actor.
type Webfinger struct {
	Subject string          `json:"subject"`
	Links   []WebfingerLink `json:"links"`
}

// webfinger answers acct:name@domain for local persons and the instance.
func (s *Server) webfinger(c *gin.Context) {
	resource := c.Query("resource")
	handle, ok := strings.CutPrefix(resource, "acct:")
	name, domain, found := strings.Cut(handle, "@")
	if !ok || !found || !strings.EqualFold(domain, s.site.Domain) {
		s.fail(c, fmt.Errorf("resource %q: %w", resource, model.ErrNotFound))
		return
	}
	var href model.ObjectID
	if name == s.site.Domain {
		href = s.site.InstanceID()
	} else {
		p, err := s.Store.LocalPersonByName(c.Request.Context(), name)
		if err != nil {
			s.fail(c, err)
			return
		}
		href = p.ID
	}
	c.JSON(http.StatusOK, Webfinger{
		Subject: resource,
		Links:   []WebfingerLink{{Rel: "self", Type: apub.MediaType, Href: string(href)}},
	})
}

func (s *Server) nodeinfoLinks(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"links": []WebfingerLink{{
		Rel:  "http://nodeinfo.diaspora.software/ns/schema/2.1",
		Href: s.site.Base() + "/nodeinfo/2.1",
	}}})
}

// nodeinfo reports the software and local content counts.
func (s *Server) nodeinfo(c *gin.Context) {
	st, err := s.Store.LocalStats(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"version":           "2.1",
		"software":          gin.H{"name": "ibis", "version": s.opts.Version},
		"protocols":         []string{"activitypub"},
		"openRegistrations": s.opts.RegistrationOpen,
		"usage": gin.H{
			"users":         gin.H{"total": st.Users},
			"localPosts":    st.Articles,
			"localComments": st.Comments,
		},
	})
}
