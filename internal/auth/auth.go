// Package auth authenticates API keys and gates routes by role.
package auth

import (
	"context"
	"crypto/sha256"
	"fmt"
	"slices"
	"strings"
)

const (
	RoleUploader = "uploader"
	RoleAsker    = "asker"
	// RoleAll grants every role.
	RoleAll = "*"
)

var knownRoles = []string{RoleAsker, RoleUploader}

type Identity struct {
	Subject string
	Roles   []string
}

func (i Identity) HasRole(role string) bool {
	return slices.Contains(i.Roles, role)
}

type APIKeyValidator interface {
	Validate(ctx context.Context, apiKey string) (Identity, bool)
}

// StaticAPIKeyValidator holds keys configured at startup. Only key digests are
// kept in memory.
type StaticAPIKeyValidator struct {
	keys map[[sha256.Size]byte]Identity
}

// NewStaticAPIKeyValidator parses comma separated "key:subject:role|role"
// entries. The role "*" grants uploader and asker.
func NewStaticAPIKeyValidator(keySpec string) (*StaticAPIKeyValidator, error) {
	validator := &StaticAPIKeyValidator{keys: map[[sha256.Size]byte]Identity{}}
	for _, entry := range strings.Split(keySpec, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		key, identity, err := parseKeyEntry(entry)
		if err != nil {
			return nil, err
		}
		digest := sha256.Sum256([]byte(key))
		if _, dup := validator.keys[digest]; dup {
			return nil, fmt.Errorf("static key for %q is configured twice", identity.Subject)
		}
		validator.keys[digest] = identity
	}
	return validator, nil
}

func parseKeyEntry(entry string) (string, Identity, error) {
	key, rest, ok := strings.Cut(entry, ":")
	subject, roleList, ok2 := strings.Cut(rest, ":")
	if !ok || !ok2 || strings.Contains(roleList, ":") {
		return "", Identity{}, fmt.Errorf("invalid static key entry: expected key:subject:role|role")
	}
	key, subject = strings.TrimSpace(key), strings.TrimSpace(subject)
	if key == "" || subject == "" {
		return "", Identity{}, fmt.Errorf("invalid static key entry for %q: empty key or subject", subject)
	}

	var roles []string
	for _, role := range strings.Split(roleList, "|") {
		role = strings.TrimSpace(role)
		switch {
		case role == "":
		case role == RoleAll:
			roles = append(roles, knownRoles...)
		case slices.Contains(knownRoles, role):
			roles = append(roles, role)
		default:
			return "", Identity{}, fmt.Errorf("static key for %q: unknown role %q", subject, role)
		}
	}
	if len(roles) == 0 {
		return "", Identity{}, fmt.Errorf("static key for %q: at least one role is required", subject)
	}
	slices.Sort(roles)
	return key, Identity{Subject: subject, Roles: slices.Compact(roles)}, nil
}

func (v *StaticAPIKeyValidator) Validate(_ context.Context, apiKey string) (Identity, bool) {
	identity, ok := v.keys[sha256.Sum256([]byte(apiKey))]
	return identity, ok
}

// Len reports how many keys are configured.
func (v *StaticAPIKeyValidator) Len() int {
	return len(v.keys)
}
