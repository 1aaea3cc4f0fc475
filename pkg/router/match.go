package router

import (
	"errors"
	"strings"
)

// ErrInvalidPattern indicates a topic filter that violates wildcard rules.
var ErrInvalidPattern = errors.New("invalid topic pattern")

// ValidatePattern checks a topic filter. "+" matches exactly one segment and
// must occupy a whole segment; "#" matches any remaining segments and must be
// the final segment.
func ValidatePattern(pattern string) error {
	if pattern == "" {
		return ErrInvalidPattern
	}
	segments := strings.Split(pattern, "/")
	for i, seg := range segments {
		switch {
		case seg == "#":
			if i != len(segments)-1 {
				return ErrInvalidPattern
			}
		case strings.Contains(seg, "#") || strings.Contains(seg, "+"):
			if seg != "+" {
				return ErrInvalidPattern
			}
		}
	}
	return nil
}

// MatchTopic reports whether a concrete topic matches a filter. Topics are
// compared segment by segment; wildcards never appear in published topics.
func MatchTopic(pattern, topic string) bool {
	p := strings.Split(pattern, "/")
	t := strings.Split(topic, "/")

	for i, seg := range p {
		if seg == "#" {
			return true
		}
		if i >= len(t) {
			return false
		}
		if seg != "+" && seg != t[i] {
			return false
		}
	}
	return len(p) == len(t)
}
