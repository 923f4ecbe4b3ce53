package security

import (
	"crypto/rand"
	"encoding/hex"
	"regexp"
	"strings"
)

// Page ID constraints
const (
	MinPageIDLength = 8
	MaxPageIDLength = 64
)

// validPageIDPattern allows alphanumeric, hyphens, and underscores
var validPageIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// blockedIDPatterns are rejected in client-chosen page IDs.
var blockedIDPatterns = []string{
	"__proto__",
	"constructor",
	"prototype",
}

// GeneratePageID creates a cryptographically secure random page ID.
func GeneratePageID() (string, error) {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}
	return hex.EncodeToString(bytes), nil
}

// ValidatePageID checks a client-chosen page ID.
// Returns an error message if invalid, empty string if valid.
func ValidatePageID(id string) string {
	switch {
	case id == "":
		return "page ID is required"
	case len(id) < MinPageIDLength:
		return "page ID too short (min 8 characters)"
	case len(id) > MaxPageIDLength:
		return "page ID too long (max 64 characters)"
	case !validPageIDPattern.MatchString(id):
		return "page ID contains invalid characters (use alphanumeric, hyphens, underscores only)"
	}

	idLower := strings.ToLower(id)
	for _, pattern := range blockedIDPatterns {
		if strings.Contains(idLower, pattern) {
			return "page ID contains blocked pattern"
		}
	}
	return ""
}
