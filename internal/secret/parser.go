package secret

import (
	"context"
	"fmt"
	"regexp"
	"strings"
)

// refPattern matches ${type:name} references.
var refPattern = regexp.MustCompile(`\$\{([^:}]+):([^}]+)\}`)

// ParseRef parses a string containing a single secret reference.
func ParseRef(input string) (*Ref, error) {
	matches := refPattern.FindStringSubmatch(input)
	if len(matches) != 3 {
		return nil, fmt.Errorf("invalid secret reference format: %s", input)
	}
	return &Ref{
		Type:     strings.TrimSpace(matches[1]),
		Name:     strings.TrimSpace(matches[2]),
		Original: matches[0],
	}, nil
}

// IsRef returns true if the string contains a secret reference.
// Plain ${VAR} expansions have no type prefix and do not match.
func IsRef(input string) bool {
	return refPattern.MatchString(input)
}

// FindRefs finds all secret references in a string.
func FindRefs(input string) []*Ref {
	matches := refPattern.FindAllStringSubmatch(input, -1)
	refs := make([]*Ref, 0, len(matches))
	for _, match := range matches {
		if len(match) == 3 {
			refs = append(refs, &Ref{
				Type:     strings.TrimSpace(match[1]),
				Name:     strings.TrimSpace(match[2]),
				Original: match[0],
			})
		}
	}
	return refs
}

// ExpandRefs replaces every secret reference in a string with its
// resolved value. onResolved, when non-nil, is invoked once per
// resolved value so callers can register it for log masking.
func (r *Resolver) ExpandRefs(ctx context.Context, input string, onResolved func(string)) (string, error) {
	if !IsRef(input) {
		return input, nil
	}

	result := input
	for _, ref := range FindRefs(input) {
		value, err := r.Resolve(ctx, *ref)
		if err != nil {
			return "", fmt.Errorf("failed to resolve secret %s: %w", ref.Original, err)
		}
		if onResolved != nil {
			onResolved(value)
		}
		result = strings.ReplaceAll(result, ref.Original, value)
	}
	return result, nil
}

// MaskValue masks a secret value for safe display.
func MaskValue(value string) string {
	if len(value) <= 4 {
		return "****"
	}
	if len(value) <= 8 {
		return value[:2] + "****"
	}
	return value[:3] + "****" + value[len(value)-2:]
}
