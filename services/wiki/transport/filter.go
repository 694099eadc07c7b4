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
	"net/url"
	"strings"
	"sync/atomic"
)

type domainLists struct {
	allow map[string]struct{}
	block map[string]struct{}
}

// DomainFilter decides which peers may be contacted and may deliver.
//
// A domain on the block list is always refused. When the allow list is not
// empty, only domains on it are accepted. Lists can be replaced at any time
// without locking readers.
type DomainFilter struct {
	lists atomic.Pointer[domainLists]
}

// NewDomainFilter builds a filter from allow and block lists.
func NewDomainFilter(allow, block []string) *DomainFilter {
	f := &DomainFilter{}
	f.Set(allow, block)
	return f
}

// Set replaces both lists.
func (f *DomainFilter) Set(allow, block []string) {
	f.lists.Store(&domainLists{allow: toSet(allow), block: toSet(block)})
}

func toSet(domains []string) map[string]struct{} {
	out := make(map[string]struct{}, len(domains))
	for _, d := range domains {
		d = strings.ToLower(strings.TrimSpace(d))
		if d != "" {
			out[d] = struct{}{}
		}
	}
	return out
}

// Allowed reports whether host (with or without port) may be contacted.
func (f *DomainFilter) Allowed(host string) bool {
	if f == nil {
		return true
	}
	l := f.lists.Load()
	host = strings.ToLower(host)
	name := host
	if u, err := url.Parse("//" + host); err == nil {
		name = u.Hostname()
	}
	if _, ok := l.block[host]; ok {
		return false
	}
	if _, ok := l.block[name]; ok {
		return false
	}
	if len(l.allow) == 0 {
		return true
	}
	_, okHost := l.allow[host]
	_, okName := l.allow[name]
	return okHost || okName
}
