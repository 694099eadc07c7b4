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

	"github.com/sourcegraph/go-diff/diff"
)

// hunk is a parsed hunk split into the lines it expects and the lines it
// produces.
type hunk struct {
	origStart int32
	origLines int32
	newLines  int32
	old       []string
	new       []string
}

// start returns the 0-based index of the first line the hunk covers. A hunk
// with no original lines inserts after line origStart.
func (h hunk) start() int {
	if h.origLines == 0 {
		return int(h.origStart)
	}
	return int(h.origStart) - 1
}

// Apply applies a unified diff to base.
//
// # Description
//
// Each hunk is placed at the line its header names. If the lines there do
// not match the hunk's context and removed lines exactly, the nearest exact
// match after the previous hunk is used instead. Context is never reduced:
// a hunk whose old side occurs nowhere fails with ErrPatchFailed.
//
// The empty diff leaves base unchanged.
//
// # Inputs
//
//   - base: Text to patch. Normalized to end with a newline.
//   - diffText: Unified diff as produced by UnifiedDiff.
//
// # Outputs
//
//   - string: Patched text.
//   - error: ErrPatchFailed, also wrapping ErrMalformedDiff for unparsable
//     input.
func Apply(base, diffText string) (string, error) {
	if diffText == "" {
		return base, nil
	}
	hunks, err := parseHunks(diffText)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrPatchFailed, err)
	}

	lines := splitLines(Normalize(base))
	out := make([]string, 0, len(lines))
	pos := 0
	for i, h := range hunks {
		at, ok := locate(lines, h.old, h.start(), pos)
		if !ok {
			return "", fmt.Errorf("hunk %d at line %d: %w", i+1, h.origStart, ErrPatchFailed)
		}
		out = append(out, lines[pos:at]...)
		out = append(out, h.new...)
		pos = at + len(h.old)
	}
	out = append(out, lines[pos:]...)
	return strings.Join(out, ""), nil
}

// Rebase carries the change from ancestor to edited over onto current.
func Rebase(ancestor, edited, current string) (string, error) {
	return Apply(current, UnifiedDiff(ancestor, edited))
}

// parseHunks reads the hunks of diffText.
//
// Only the "@@" range lines go through go-diff. Hunk bodies are consumed by
// the line counts in their header, so a removed line "--x" followed by an
// added line "++y" is never mistaken for a file header, and every byte of a
// line after its prefix is kept.
func parseHunks(diffText string) ([]hunk, error) {
	lines := splitLines(diffText)
	i := 0
	for i < len(lines) && !strings.HasPrefix(lines[i], "@@ ") {
		i++
	}
	if i == len(lines) {
		return nil, fmt.Errorf("no hunks: %w", ErrMalformedDiff)
	}

	var hunks []hunk
	for i < len(lines) {
		h, err := parseHunkHeader(lines[i])
		if err != nil {
			return nil, err
		}
		i++
		var newLines int32
		for int32(len(h.old)) < h.origLines || newLines < h.newLines {
			if i == len(lines) {
				return nil, fmt.Errorf("hunk at line %d is truncated: %w", h.origStart, ErrMalformedDiff)
			}
			line := lines[i]
			i++
			if !strings.HasSuffix(line, "\n") || len(line) < 2 {
				return nil, fmt.Errorf("unterminated hunk line: %w", ErrMalformedDiff)
			}
			content := line[1:]
			switch line[0] {
			case ' ':
				h.old = append(h.old, content)
				h.new = append(h.new, content)
				newLines++
			case '-':
				h.old = append(h.old, content)
			case '+':
				h.new = append(h.new, content)
				newLines++
			case '\\':
				// no-newline marker, never produced for normalized text
			default:
				return nil, fmt.Errorf("unexpected line prefix %q: %w", line[0], ErrMalformedDiff)
			}
			if int32(len(h.old)) > h.origLines || newLines > h.newLines {
				return nil, fmt.Errorf("hunk line counts do not match header: %w", ErrMalformedDiff)
			}
		}
		for i < len(lines) && strings.HasPrefix(lines[i], "\\") {
			i++
		}
		if i < len(lines) && !strings.HasPrefix(lines[i], "@@ ") {
			return nil, fmt.Errorf("trailing line after hunk: %w", ErrMalformedDiff)
		}
		hunks = append(hunks, h)
	}
	return hunks, nil
}

func parseHunkHeader(line string) (hunk, error) {
	parsed, err := diff.ParseHunks([]byte(line))
	if err != nil || len(parsed) != 1 {
		return hunk{}, fmt.Errorf("%w: bad hunk header %q", ErrMalformedDiff, strings.TrimSuffix(line, "\n"))
	}
	p := parsed[0]
	if p.OrigLines < 0 || p.NewLines < 0 {
		return hunk{}, fmt.Errorf("%w: negative hunk range", ErrMalformedDiff)
	}
	return hunk{origStart: p.OrigStartLine, origLines: p.OrigLines, newLines: p.NewLines}, nil
}

// locate finds where old occurs in lines, preferring want and never before
// min. It searches outward from want so the closest match wins.
func locate(lines, old []string, want, min int) (int, bool) {
	maxStart := len(lines) - len(old)
	if maxStart < min {
		return 0, false
	}
	if want >= min && want <= maxStart && matchAt(lines, old, want) {
		return want, true
	}
	if len(old) == 0 {
		// pure insertion with no context: only the named position is valid
		return 0, false
	}
	for d := 1; ; d++ {
		below, above := want-d, want+d
		if below < min && above > maxStart {
			return 0, false
		}
		if below >= min && below <= maxStart && matchAt(lines, old, below) {
			return below, true
		}
		if above >= min && above <= maxStart && matchAt(lines, old, above) {
			return above, true
		}
	}
}

func matchAt(lines, old []string, at int) bool {
	for i, l := range old {
		if lines[at+i] != l {
			return false
		}
	}
	return true
}
