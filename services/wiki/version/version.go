// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package version implements the content-addressed edit chain of an article.
//
// # Description
//
// Every edit is stored as a unified diff against the previous article text.
// The identifier of an article state is the EditVersion of the diff that
// produced it: the first 16 bytes of the SHA-256 digest of the exact diff
// text. Article text at any version is rebuilt by replaying diffs in
// creation order starting from the empty string.
//
// Versioning is textual. Nothing in this package merges concurrent edits;
// a diff that does not apply is reported as ErrPatchFailed and the caller
// decides whether that becomes a conflict.
//
// # Thread Safety
//
// All functions are pure and safe for concurrent use.
package version

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/google/uuid"
)

// EditVersion identifies an article state by the hash of the diff that
// produced it.
//
// It is serialized as a UUID string, which keeps it wire compatible with
// peers that model the version as a UUID.
type EditVersion uuid.UUID

// Empty is the version of an article with no edits: the hash of the empty
// diff. It is the same on every instance.
//
// Hex form: e3b0c44298fc1c149afbf4c8996fb924.
var Empty = Of("")

// Of returns the EditVersion of the given diff text.
//
// The hash covers the diff text only, never the resulting article text. Two
// different diffs producing the same text therefore get different versions.
func Of(diff string) EditVersion {
	sum := sha256.Sum256([]byte(diff))
	var v EditVersion
	copy(v[:], sum[:16])
	return v
}

// Parse reads an EditVersion from its UUID form or its 32 character hex form.
func Parse(s string) (EditVersion, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return EditVersion{}, fmt.Errorf("parse edit version %q: %w", s, err)
	}
	return EditVersion(u), nil
}

// String returns the UUID form.
func (v EditVersion) String() string {
	return uuid.UUID(v).String()
}

// Hex returns the 32 character lowercase hex form used in edit URLs.
func (v EditVersion) Hex() string {
	return hex.EncodeToString(v[:])
}

// IsEmpty reports whether v is the version of the empty chain.
func (v EditVersion) IsEmpty() bool {
	return v == Empty
}

// MarshalText implements encoding.TextMarshaler.
func (v EditVersion) MarshalText() ([]byte, error) {
	return []byte(v.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (v *EditVersion) UnmarshalText(data []byte) error {
	parsed, err := Parse(string(data))
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}
