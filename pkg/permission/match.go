package permission

import (
	"github.com/bmatcuk/doublestar/v4"
)

// matches reports whether pattern covers resource. Patterns use doublestar
// syntax: "*" stays within a path segment, "**" crosses segments.
func matches(pattern, resource string) bool {
	if pattern == resource {
		return true
	}
	ok, err := doublestar.Match(pattern, resource)
	return err == nil && ok
}

func opMatches(granted, requested Operation) bool {
	return granted == OpAny || granted == requested
}

// ValidatePattern reports whether pattern is usable.
func ValidatePattern(pattern string) bool {
	return pattern != "" && doublestar.ValidatePattern(pattern)
}

// specificity ranks how narrowly a pattern matches. Higher sorts first.
type specificity struct {
	exact     bool
	literals  int
	wildcards int
}

func specificityOf(pattern string) specificity {
	s := specificity{exact: true}
	inClass := false
	for i := 0; i < len(pattern); i++ {
		c := pattern[i]
		switch {
		case c == '\\' && i+1 < len(pattern):
			i++
			s.literals++
		case inClass:
			if c == ']' {
				inClass = false
			}
		case c == '[':
			inClass = true
			s.exact = false
			s.wildcards++
		case c == '*' || c == '?' || c == '{':
			s.exact = false
			s.wildcards++
		case c == '}' || c == ',':
			// part of an alternation
		default:
			s.literals++
		}
	}
	return s
}

// moreSpecific reports whether a ranks before b.
func (a specificity) moreSpecific(b specificity) (bool, bool) {
	if a.exact != b.exact {
		return a.exact, true
	}
	if a.literals != b.literals {
		return a.literals > b.literals, true
	}
	if a.wildcards != b.wildcards {
		return a.wildcards < b.wildcards, true
	}
	return false, false
}

// best returns the grant that decides for resource, if any.
func best(grants []Grant, resource string, op Operation) (Grant, bool) {
	var (
		winner Grant
		rank   specificity
		found  bool
	)
	for _, g := range grants {
		if !opMatches(g.Operation, op) || !matches(g.Pattern, resource) {
			continue
		}
		sp := specificityOf(g.Pattern)
		if !found {
			winner, rank, found = g, sp, true
			continue
		}
		better, decided := sp.moreSpecific(rank)
		if !decided {
			better = g.GrantedAt.After(winner.GrantedAt)
		}
		if better {
			winner, rank = g, sp
		}
	}
	return winner, found
}
