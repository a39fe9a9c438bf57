package storage

import (
	"fmt"
	"path"
	"regexp"
)

var pathComponentPattern = regexp.MustCompile(`^[a-zA-Z0-9_][a-zA-Z0-9._-]{0,127}$`)

// SessionPrefix is the key prefix owning every artifact of a session.
func SessionPrefix(sessionID string) (string, error) {
	if err := validatePathComponent(sessionID, "session id"); err != nil {
		return "", err
	}
	return "sessions/" + sessionID + "/", nil
}

// BuildArtifactPath returns the object key of a session's store file:
// sessions/{sessionID}/{tableName}{ext}.
func BuildArtifactPath(sessionID, tableName, ext string) (string, error) {
	prefix, err := SessionPrefix(sessionID)
	if err != nil {
		return "", err
	}
	if err := validatePathComponent(tableName+ext, "artifact name"); err != nil {
		return "", err
	}
	return path.Join(prefix, tableName+ext), nil
}

func validatePathComponent(value, field string) error {
	if !pathComponentPattern.MatchString(value) || value == "." || value == ".." {
		return fmt.Errorf("invalid %s: %q", field, value)
	}
	return nil
}
