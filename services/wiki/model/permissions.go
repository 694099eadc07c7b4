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

import "fmt"

// CanEditArticle checks the protection flag. A protected article can only
// be edited by an admin of its origin instance.
func CanEditArticle(a Article, isAdmin bool) error {
	if a.Protected && (!a.Local || !isAdmin) {
		return fmt.Errorf("article %s is protected, only admins on its origin can edit: %w", a.Title, ErrForbidden)
	}
	return nil
}
