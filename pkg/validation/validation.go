// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package validation checks user supplied names and text before they are
// stored or federated.
package validation

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"
)

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("validation failed")

var (
	titlePattern    = regexp.MustCompile(`^[a-zA-Z0-9_]{3,100}$`)
	usernamePattern = regexp.MustCompile(`^[a-zA-Z0-9_]{3,20}$`)
)

// SanitizeTitle replaces spaces with underscores and validates the result.
//
// Titles become part of article URLs, so only ASCII letters, digits and
// underscores are accepted, between 3 and 100 characters.
func SanitizeTitle(title string) (string, error) {
	normalized := strings.ReplaceAll(strings.TrimSpace(title), " ", "_")
	if !titlePattern.MatchString(normalized) {
		return "", fmt.Errorf("%w: invalid title %q", ErrInvalid, title)
	}
	return normalized, nil
}

// ValidateUsername checks a local username.
func ValidateUsername(name string) error {
	if !usernamePattern.MatchString(name) {
		return fmt.Errorf("%w: invalid username %q (3-20 letters, digits or underscores)", ErrInvalid, name)
	}
	return nil
}

// ValidateDisplayName checks an optional display name.
func ValidateDisplayName(name string) error {
	if name == "" {
		return nil
	}
	n := utf8.RuneCountInString(name)
	if strings.Contains(name, "@") || n < 3 || n > 20 {
		return fmt.Errorf("%w: invalid display name", ErrInvalid)
	}
	return nil
}

// ValidateNotEmpty rejects text with fewer than two non-space characters.
func ValidateNotEmpty(text string) error {
	if len(strings.TrimSpace(text)) < 2 {
		return fmt.Errorf("%w: empty text submitted", ErrInvalid)
	}
	return nil
}
