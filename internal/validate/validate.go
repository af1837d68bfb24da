// Package validate checks session, scope, and task-group identifiers before
// they reach the store. The three scope contracts are deliberately separate
// functions: "global or group", "group only", and "new group name" mean
// different things at different call sites, and collapsing them behind a
// boolean flag is how the wrong sentinel ends up in a uniqueness key.
package validate

import (
	"fmt"
	"regexp"
	"strings"
)

// ScopeGlobal is the sentinel scope for session-wide state and events.
const ScopeGlobal = "global"

const maxIdentifierLen = 64

var identifierPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// reservedGroupNames may not be used as task-group ids. They collide with
// scope sentinels or with words the command surface treats specially.
var reservedGroupNames = []string{"global", "session", "all", "default"}

// Identifier applies the base checks shared by every identifier kind:
// non-empty after trimming, bounded length, restricted character set.
// It returns the trimmed identifier.
func Identifier(kind, id string) (string, error) {
	trimmed := strings.TrimSpace(id)
	if trimmed == "" {
		return "", fmt.Errorf("%s must not be empty", kind)
	}
	if len(trimmed) > maxIdentifierLen {
		return "", fmt.Errorf("%s exceeds %d characters", kind, maxIdentifierLen)
	}
	if !identifierPattern.MatchString(trimmed) {
		return "", fmt.Errorf("%s %q contains characters outside [A-Za-z0-9_-]", kind, trimmed)
	}
	return trimmed, nil
}

// ScopeGlobalOrGroup accepts the "global" sentinel or a well-formed group id.
// An empty scope defaults to global. Used for session-wide state and events.
func ScopeGlobalOrGroup(scope string) (string, error) {
	trimmed := strings.TrimSpace(scope)
	if trimmed == "" {
		return ScopeGlobal, nil
	}
	if strings.EqualFold(trimmed, ScopeGlobal) {
		return ScopeGlobal, nil
	}
	return Identifier("scope", trimmed)
}

// ScopeGroupOnly accepts only a concrete task-group id. The "global" sentinel
// is rejected in any casing: investigation state and per-group records are
// always about one specific group, and a session-wide row under this state
// type would silently shadow every group.
func ScopeGroupOnly(scope string) (string, error) {
	trimmed, err := Identifier("scope", scope)
	if err != nil {
		return "", err
	}
	if strings.EqualFold(trimmed, ScopeGlobal) {
		return "", fmt.Errorf("scope %q is reserved; this operation requires a concrete task-group id", trimmed)
	}
	return trimmed, nil
}

// TaskGroupID validates a new task-group name. Beyond the base checks it
// rejects the reserved-word set so a group can never collide with a scope
// sentinel.
func TaskGroupID(id string) (string, error) {
	trimmed, err := Identifier("task-group id", id)
	if err != nil {
		return "", err
	}
	for _, reserved := range reservedGroupNames {
		if strings.EqualFold(trimmed, reserved) {
			return "", fmt.Errorf("task-group id %q is reserved", trimmed)
		}
	}
	return trimmed, nil
}

// StateType validates a state-type tag. State types share the identifier
// character rules but have no reserved set.
func StateType(stateType string) (string, error) {
	return Identifier("state type", stateType)
}

// EventCategory validates an event category tag.
func EventCategory(category string) (string, error) {
	return Identifier("event category", category)
}
