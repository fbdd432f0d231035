package utils

import (
	"fmt"
	"sort"
	"strings"
)

// ResolveID matches identifier against ids: an exact match wins, otherwise a
// unique prefix. Ambiguous prefixes are an error listing the candidates.
func ResolveID(ids []string, identifier, kind string) (string, error) {
	if identifier == "" {
		return "", fmt.Errorf("empty %s id", kind)
	}

	var matches []string
	for _, id := range ids {
		if id == identifier {
			return id, nil
		}
		if strings.HasPrefix(id, identifier) {
			matches = append(matches, id)
		}
	}

	switch len(matches) {
	case 0:
		return "", fmt.Errorf("%s %q not found", kind, identifier)
	case 1:
		return matches[0], nil
	}
	sort.Strings(matches)
	return "", fmt.Errorf("%s prefix %q is ambiguous: %s", kind, identifier, strings.Join(matches, ", "))
}
