// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package model

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"net/url"
	"strings"

	"github.com/google/uuid"

	"github.com/Nutomic/ibis-sub001/services/wiki/version"
)

// GhostUsername is the placeholder author for unresolvable remote actors.
const GhostUsername = "ghost"

const activityIDAlphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// Site mints the URIs of locally owned objects.
type Site struct {
	Scheme string
	Domain string
}

// NewSite returns a Site for domain, using https when tls is set.
func NewSite(domain string, tls bool) Site {
	scheme := "http"
	if tls {
		scheme = "https"
	}
	return Site{Scheme: scheme, Domain: domain}
}

// Base returns scheme://domain without a trailing slash.
func (s Site) Base() string {
	return s.Scheme + "://" + s.Domain
}

// InstanceID is the id of the local instance.
func (s Site) InstanceID() ObjectID {
	return ObjectID(s.Base() + "/")
}

// Inbox is the shared inbox of every local actor.
func (s Site) Inbox() string {
	return s.Base() + "/inbox"
}

// ArticlesURL is the collection of local articles.
func (s Site) ArticlesURL() string {
	return s.Base() + "/all_articles"
}

// PersonID is the id of a local person.
func (s Site) PersonID(username string) ObjectID {
	return ObjectID(s.Base() + "/user/" + url.PathEscape(username))
}

// GhostID is the id of the local placeholder person.
func (s Site) GhostID() ObjectID {
	return s.PersonID(GhostUsername)
}

// ArticleID is the id of a local article. title must already be sanitized.
func (s Site) ArticleID(title string) ObjectID {
	return ObjectID(s.Base() + "/article/" + url.PathEscape(title))
}

// CommentID mints the id of a new local comment.
func (s Site) CommentID() ObjectID {
	return ObjectID(s.Base() + "/comment/" + uuid.NewString())
}

// ActivityID mints a fresh activity id.
func (s Site) ActivityID() (string, error) {
	suffix, err := randomString(7)
	if err != nil {
		return "", fmt.Errorf("generate activity id: %w", err)
	}
	return s.Base() + "/activity/" + suffix, nil
}

// IsLocal reports whether id is owned by this site.
func (s Site) IsLocal(id ObjectID) bool {
	return strings.EqualFold(id.Domain(), s.Domain)
}

// EditID is the id of an edit: the article id followed by the version hex.
func EditID(article ObjectID, v version.EditVersion) ObjectID {
	return ObjectID(string(article) + "/" + v.Hex())
}

func randomString(n int) (string, error) {
	max := big.NewInt(int64(len(activityIDAlphabet)))
	var sb strings.Builder
	for i := 0; i < n; i++ {
		idx, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		sb.WriteByte(activityIDAlphabet[idx.Int64()])
	}
	return sb.String(), nil
}
