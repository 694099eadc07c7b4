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

import "fmt"

// Step is one element of an edit chain.
type Step interface {
	// DiffText returns the unified diff of the step.
	DiffText() string

	// Hash returns the EditVersion of DiffText.
	Hash() EditVersion
}

// Reconstruct rebuilds the text at target by replaying edits in order.
//
// # Description
//
// Replay starts from the empty string and stops as soon as the running
// version equals target. Empty as target yields the empty string without
// touching the chain.
//
// # Outputs
//
//   - string: Text at target.
//   - error: ErrVersionNotFound if the chain ends before target,
//     ErrPatchFailed if a step does not apply to the accumulated text.
func Reconstruct[S Step](edits []S, target EditVersion) (string, error) {
	text := ""
	if target.IsEmpty() {
		return text, nil
	}
	for i, e := range edits {
		next, err := Apply(text, e.DiffText())
		if err != nil {
			return "", fmt.Errorf("replay edit %d (%s): %w", i, e.Hash(), err)
		}
		text = next
		if e.Hash() == target {
			return text, nil
		}
	}
	return "", fmt.Errorf("%s: %w", target, ErrVersionNotFound)
}

// Latest returns the version of the last edit, or Empty for no edits.
func Latest[S Step](edits []S) EditVersion {
	if len(edits) == 0 {
		return Empty
	}
	return edits[len(edits)-1].Hash()
}
