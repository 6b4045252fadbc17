package main

import (
	"strings"

	"github.com/google/uuid"
)

// instanceScope identifies one sync profile. Two processes following the
// same project, user and groups share a lock; different profiles do not.
func instanceScope(projectURL, userID, groupID string) string {
	parts := []string{
		strings.TrimRight(strings.ToLower(strings.TrimSpace(projectURL)), "/"),
		strings.TrimSpace(userID),
		strings.TrimSpace(groupID),
	}
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(strings.Join(parts, "|"))).String()
}
