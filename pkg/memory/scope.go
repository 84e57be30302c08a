package memory

import (
	"strings"

	memerr "github.com/theapemachine/memcube/pkg/errors"
)

// Scope is the memory tier a node belongs to.
type Scope string

const (
	ScopeWorking  Scope = "WorkingMemory"
	ScopeLongTerm Scope = "LongTermMemory"
	ScopeUser     Scope = "UserMemory"
)

var scopeAliases = map[string]Scope{
	"workingmemory":  ScopeWorking,
	"working":        ScopeWorking,
	"shortterm":      ScopeWorking,
	"stm":            ScopeWorking,
	"recent":         ScopeWorking,
	"usermemory":     ScopeUser,
	"user":           ScopeUser,
	"midterm":        ScopeUser,
	"profile":        ScopeUser,
	"preference":     ScopeUser,
	"longtermmemory": ScopeLongTerm,
	"longterm":       ScopeLongTerm,
	"ltm":            ScopeLongTerm,
}

/*
ParseScope normalizes a scope name or alias. An empty value defaults to
long-term memory.
*/
func ParseScope(raw string) (Scope, error) {
	key := strings.ToLower(strings.TrimSpace(raw))
	key = strings.NewReplacer("_", "", "-", "", " ", "").Replace(key)

	if key == "" {
		return ScopeLongTerm, nil
	}

	if scope, ok := scopeAliases[key]; ok {
		return scope, nil
	}

	return "", memerr.ErrValidation.WithMessagef("unknown memory scope %q", raw)
}
