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

import (
	"fmt"
	"strings"

	"github.com/pmezard/go-difflib/difflib"
)

// contextLines is the number of unchanged lines around each hunk.
const contextLines = 3

// Diff file headers. They carry no paths since an article has exactly one
// text.
const (
	origHeader = "--- original\n"
	newHeader  = "+++ modified\n"
)

// Change is a computed edit before it is attributed to a person and stored.
type Change struct {
	// Diff is the unified diff from the previous text to NewText.
	Diff string

	// Version is Of(Diff).
	Version EditVersion

	// PreviousVersion is the version Diff was computed against.
	PreviousVersion EditVersion

	// NewText is the normalized text the diff produces.
	NewText string
}

// Compute diffs articleText against newText.
//
// # Description
//
// newText is normalized to end with a newline before diffing. The edit is
// rejected with ErrInvalidEdit when the normalized text is blank or equal to
// articleText.
//
// # Inputs
//
//   - articleText: Text at previous.
//   - newText: Proposed text.
//   - previous: Version articleText corresponds to.
//
// # Outputs
//
//   - Change: Diff, its version, and the normalized new text.
//   - error: ErrInvalidEdit.
func Compute(articleText, newText string, previous EditVersion) (Change, error) {
	if strings.TrimSpace(newText) == "" {
		return Change{}, fmt.Errorf("new text is empty: %w", ErrInvalidEdit)
	}
	newText = Normalize(newText)
	if newText == Normalize(articleText) {
		return Change{}, ErrInvalidEdit
	}
	d := UnifiedDiff(articleText, newText)
	return Change{
		Diff:            d,
		Version:         Of(d),
		PreviousVersion: previous,
		NewText:         newText,
	}, nil
}

// UnifiedDiff renders the unified diff between two texts.
//
// Both texts are normalized first, so every diff line ends in a newline and
// no "no newline at end of file" markers are produced. Identical texts
// yield the empty string.
func UnifiedDiff(from, to string) string {
	a := splitLines(Normalize(from))
	b := splitLines(Normalize(to))

	m := difflib.NewMatcher(a, b)
	groups := m.GetGroupedOpCodes(contextLines)
	if len(groups) == 0 || (len(groups) == 1 && len(groups[0]) == 1 && groups[0][0].Tag == 'e') {
		return ""
	}

	var sb strings.Builder
	sb.WriteString(origHeader)
	sb.WriteString(newHeader)
	for _, g := range groups {
		first, last := g[0], g[len(g)-1]
		fmt.Fprintf(&sb, "@@ -%s +%s @@\n", formatRange(first.I1, last.I2), formatRange(first.J1, last.J2))
		for _, op := range g {
			switch op.Tag {
			case 'e':
				writeLines(&sb, ' ', a[op.I1:op.I2])
			case 'd':
				writeLines(&sb, '-', a[op.I1:op.I2])
			case 'i':
				writeLines(&sb, '+', b[op.J1:op.J2])
			case 'r':
				writeLines(&sb, '-', a[op.I1:op.I2])
				writeLines(&sb, '+', b[op.J1:op.J2])
			}
		}
	}
	return sb.String()
}

// Normalize converts CRLF line endings to LF and appends a trailing newline
// to non-empty text that lacks one.
func Normalize(text string) string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	if text != "" && !strings.HasSuffix(text, "\n") {
		return text + "\n"
	}
	return text
}

// formatRange renders a hunk range the way GNU diff does: a single line is
// written without a count, an empty range points at the line before it.
func formatRange(start, stop int) string {
	beginning := start + 1
	length := stop - start
	if length == 1 {
		return fmt.Sprintf("%d", beginning)
	}
	if length == 0 {
		beginning--
	}
	return fmt.Sprintf("%d,%d", beginning, length)
}

func writeLines(sb *strings.Builder, prefix byte, lines []string) {
	for _, l := range lines {
		sb.WriteByte(prefix)
		sb.WriteString(l)
	}
}

// splitLines splits text into lines that keep their newline. The empty text
// has no lines.
func splitLines(text string) []string {
	if text == "" {
		return nil
	}
	lines := strings.SplitAfter(text, "\n")
	if lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	return lines
}
