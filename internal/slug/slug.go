// Package slug generates URL-safe public identifiers for listings.
package slug

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
)

const maxLen = 50

// maxSuffix caps collision probing. Hitting it means the caller is feeding
// near-duplicate names, which is an input problem, not a retry problem.
const maxSuffix = 1000

var ErrTooManyCollisions = errors.New("slug: too many collisions")

var (
	stripPattern    = regexp.MustCompile(`[^\w\s-]`)
	hyphenPattern   = regexp.MustCompile(`\s+`)
	collapsePattern = regexp.MustCompile(`-+`)
)

// Make normalizes a product name into its base slug. An empty or
// all-symbol name yields an empty slug; the listing then simply has none
// until a usable name exists.
func Make(name string) string {
	s := strings.ToLower(strings.TrimSpace(name))
	s = stripPattern.ReplaceAllString(s, "")
	s = hyphenPattern.ReplaceAllString(s, "-")
	s = collapsePattern.ReplaceAllString(s, "-")
	s = strings.Trim(s, "-")
	if len(s) > maxLen {
		s = strings.TrimRight(s[:maxLen], "-")
	}
	return s
}

// Allocate returns the first unused slug derived from name, probing
// base, base-1, base-2, … against exists. The check and the eventual
// persist are not atomic: the store's uniqueness constraint stays the
// authoritative guard, and a persist conflict means "allocate again",
// not a fatal error.
func Allocate(ctx context.Context, name string, exists func(context.Context, string) (bool, error)) (string, error) {
	base := Make(name)
	if base == "" {
		return "", nil
	}

	candidate := base
	for suffix := 1; ; suffix++ {
		taken, err := exists(ctx, candidate)
		if err != nil {
			return "", fmt.Errorf("check slug %q: %w", candidate, err)
		}
		if !taken {
			return candidate, nil
		}
		if suffix > maxSuffix {
			return "", ErrTooManyCollisions
		}
		candidate = fmt.Sprintf("%s-%d", base, suffix)
	}
}
