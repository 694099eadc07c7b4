// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package version

import "errors"

var (
	// ErrInvalidEdit indicates an edit that is empty or changes nothing.
	ErrInvalidEdit = errors.New("edit contains no changes")

	// ErrPatchFailed indicates a diff whose context or removed lines do not
	// match the text it is applied to.
	ErrPatchFailed = errors.New("patch does not apply")

	// ErrVersionNotFound indicates a reconstruction target that is not part
	// of the given edit chain.
	ErrVersionNotFound = errors.New("version not found in edit history")

	// ErrMalformedDiff indicates diff text that cannot be parsed.
	ErrMalformedDiff = errors.New("malformed diff")
)
