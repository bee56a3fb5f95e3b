// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package types

import (
	"regexp"
	"strings"
)

// Filter decides whether a consumer is interested in a message.
type Filter interface {
	Matches(msg *Message) bool
}

// MatchAll is a filter accepting every message.
var MatchAll Filter = matchAll{}

type matchAll struct{}

func (matchAll) Matches(*Message) bool { return true }

// Selector is a consumer's selection criteria: a routing-key pattern plus
// optional property equality constraints.
//
// Patterns support level wildcards separated by '/':
//   - + matches exactly one level
//   - # matches zero or more levels (must be last)
type Selector struct {
	pattern    string
	regex      *regexp.Regexp
	isExact    bool
	matchAll   bool
	properties map[string]string
}

// NewSelector compiles a selector. An empty pattern or "#" matches every
// routing key.
func NewSelector(pattern string, properties map[string]string) *Selector {
	s := &Selector{
		pattern:    pattern,
		properties: properties,
	}

	switch {
	case pattern == "" || pattern == "#":
		s.matchAll = true
	case !strings.Contains(pattern, "+") && !strings.Contains(pattern, "#"):
		s.isExact = true
	default:
		s.regex = compilePattern(pattern)
	}

	return s
}

// Matches implements Filter.
func (s *Selector) Matches(msg *Message) bool {
	if msg == nil {
		return false
	}
	if !s.MatchesKey(msg.RoutingKey) {
		return false
	}
	for k, v := range s.properties {
		if msg.Properties[k] != v {
			return false
		}
	}
	return true
}

// MatchesKey reports whether the routing key matches the selector pattern.
func (s *Selector) MatchesKey(routingKey string) bool {
	if s.matchAll {
		return true
	}
	if s.isExact {
		return routingKey == s.pattern
	}
	if s.regex != nil {
		return s.regex.MatchString(routingKey)
	}
	return false
}

// Pattern returns the original pattern string.
func (s *Selector) Pattern() string {
	return s.pattern
}

// compilePattern converts a wildcard pattern to an anchored regex.
func compilePattern(pattern string) *regexp.Regexp {
	escaped := regexp.QuoteMeta(pattern)

	// QuoteMeta escapes '+' but leaves '#' alone.
	escaped = strings.ReplaceAll(escaped, `\+`, `[^/]+`)
	escaped = strings.ReplaceAll(escaped, `#`, `.*`)

	regex, err := regexp.Compile("^" + escaped + "$")
	if err != nil {
		return nil
	}
	return regex
}

// AnyOf is a filter matching when any of its members matches. An ordering
// group scans its stream with the union of its members' selectors.
type AnyOf []Filter

// Matches implements Filter.
func (a AnyOf) Matches(msg *Message) bool {
	for _, f := range a {
		if f == nil || f.Matches(msg) {
			return true
		}
	}
	return false
}
