/*
Package namespace computes the tenant scope of a request. A scope is a set of
cube ids; writes target exactly one cube, reads may span several.
*/
package namespace

import (
	"strings"

	memerr "github.com/theapemachine/memcube/pkg/errors"
)

/*
ResolveWrite returns the single cube a write lands in. The explicit list wins
over the single cube id, which wins over the user's default cube.
*/
func ResolveWrite(userID, cubeID string, writable []string) (string, error) {
	cubes := resolve(userID, cubeID, writable)

	if len(cubes) == 0 {
		return "", memerr.ErrValidation.WithMessagef("unable to resolve a writable cube")
	}

	return cubes[0], nil
}

/*
ResolveRead returns the cubes a read may see, in request order. A hit in any
of them qualifies.
*/
func ResolveRead(userID, cubeID string, readable []string) ([]string, error) {
	cubes := resolve(userID, cubeID, readable)

	if len(cubes) == 0 {
		return nil, memerr.ErrValidation.WithMessagef("unable to resolve a readable cube")
	}

	return cubes, nil
}

func resolve(userID, cubeID string, explicit []string) []string {
	if cubes := normalize(explicit); len(cubes) > 0 {
		return cubes
	}

	if cube := strings.TrimSpace(cubeID); cube != "" {
		return []string{cube}
	}

	if user := strings.TrimSpace(userID); user != "" {
		return []string{user}
	}

	return nil
}

// normalize drops blank entries and duplicates, keeping first-seen order.
func normalize(ids []string) []string {
	if len(ids) == 0 {
		return nil
	}

	out := make([]string, 0, len(ids))
	seen := make(map[string]struct{}, len(ids))

	for _, id := range ids {
		id = strings.TrimSpace(id)

		if id == "" {
			continue
		}

		if _, dup := seen[id]; dup {
			continue
		}

		seen[id] = struct{}{}
		out = append(out, id)
	}

	return out
}
