// Package tokens models the per-service token sets shared by the tunnel
// server and its clients, and persists them with atomic replacement and a
// backup of every previous version.
package tokens

import (
	"fmt"
	"sort"
	"strings"
)

// TokenSet maps a service identifier to its opaque token.
type TokenSet map[string]string

// Clone returns an independent copy of the set.
func (s TokenSet) Clone() TokenSet {
	if s == nil {
		return nil
	}
	out := make(TokenSet, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out
}

// Equal reports whether both sets hold the same services and tokens.
func (s TokenSet) Equal(other TokenSet) bool {
	if len(s) != len(other) {
		return false
	}
	for k, v := range s {
		if ov, ok := other[k]; !ok || ov != v {
			return false
		}
	}
	return true
}

// Services returns the service identifiers in sorted order.
func (s TokenSet) Services() []string {
	names := make([]string, 0, len(s))
	for name := range s {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Values returns every token in the set. Used to redact tokens out of
// error strings before they are logged or persisted.
func (s TokenSet) Values() []string {
	values := make([]string, 0, len(s))
	for _, v := range s {
		values = append(values, v)
	}
	return values
}

// Contains reports whether any service currently uses token.
func (s TokenSet) Contains(token string) bool {
	for _, v := range s {
		if v == token {
			return true
		}
	}
	return false
}

// Validate checks the set is well-formed: at least one service, and no
// empty or whitespace-padded identifiers or tokens.
func (s TokenSet) Validate() error {
	if len(s) == 0 {
		return fmt.Errorf("token set is empty")
	}
	for _, name := range s.Services() {
		if strings.TrimSpace(name) == "" {
			return fmt.Errorf("service identifier is empty")
		}
		if strings.TrimSpace(name) != name {
			return fmt.Errorf("service identifier %q has surrounding whitespace", name)
		}
		token := s[name]
		if strings.TrimSpace(token) == "" {
			return fmt.Errorf("token for service %q is empty", name)
		}
		if strings.TrimSpace(token) != token {
			return fmt.Errorf("token for service %q has surrounding whitespace", name)
		}
	}
	return nil
}

// Diff compares the set against the expected service identifiers. unknown
// holds services present in s but not expected; missing holds expected
// services absent from s. Both are sorted.
func (s TokenSet) Diff(expected []string) (unknown, missing []string) {
	want := make(map[string]struct{}, len(expected))
	for _, name := range expected {
		want[name] = struct{}{}
		if _, ok := s[name]; !ok {
			missing = append(missing, name)
		}
	}
	for _, name := range s.Services() {
		if _, ok := want[name]; !ok {
			unknown = append(unknown, name)
		}
	}
	sort.Strings(missing)
	return unknown, missing
}

// Parse builds a set from "service=token" pairs as given on the command line.
func Parse(pairs []string) (TokenSet, error) {
	set := make(TokenSet, len(pairs))
	for _, pair := range pairs {
		name, token, ok := strings.Cut(pair, "=")
		if !ok {
			return nil, fmt.Errorf("invalid token %q: expected service=value", pair)
		}
		if _, dup := set[name]; dup {
			return nil, fmt.Errorf("service %q given more than once", name)
		}
		set[name] = token
	}
	if err := set.Validate(); err != nil {
		return nil, err
	}
	return set, nil
}
