// Package router maintains the path table a master channel uses to dispatch
// inbound connections to its subs.
//
// A pattern is either an exact path ("/api/v1") or a prefix wildcard ending in
// '*' ("/api/*"). Lookup prefers an exact match, then the longest matching
// wildcard prefix. Each pattern may be registered by only one handler at a time.
package router

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/sammck-go/muxchan/pkg/channel"
	"github.com/sammck-go/muxchan/share"
)

// Handler is the value a pattern is bound to. Handlers are compared with ==,
// so they must be comparable values such as pointers.
type Handler interface{}

// Match is the result of a successful lookup.
type Match struct {
	// Pattern is the registered pattern that matched
	Pattern string

	// Handler is the value registered for Pattern
	Handler Handler
}

// snapshot is an immutable view of the table. Lookups read the current
// snapshot without locking; registration replaces it.
type snapshot struct {
	exact map[string]Handler
	// wildcard prefixes sorted by descending length
	prefixes []string
	wildcard map[string]Handler
}

// Table is a path routing table safe for concurrent use.
type Table struct {
	share.Logger
	lock    sync.Mutex
	current *snapshot
}

// New creates an empty Table.
func New(logger share.Logger) *Table {
	return &Table{
		Logger:  logger.Fork("router"),
		current: &snapshot{exact: map[string]Handler{}, wildcard: map[string]Handler{}},
	}
}

func (t *Table) String() string {
	return t.Logger.Prefix()
}

// ValidatePattern checks that pattern is a usable path pattern: non-empty, with
// at most one '*', and only as the final character.
func ValidatePattern(pattern string) error {
	if pattern == "" {
		return fmt.Errorf("empty path pattern: %w", channel.ErrConfig)
	}
	if i := strings.IndexByte(pattern, '*'); i >= 0 && i != len(pattern)-1 {
		return fmt.Errorf("path pattern %q: '*' is only allowed at the end: %w", pattern, channel.ErrConfig)
	}
	return nil
}

// Register binds pattern to handler. Registering a pattern that is already
// bound returns an error wrapping channel.ErrRoutingConflict.
func (t *Table) Register(pattern string, handler Handler) error {
	if err := ValidatePattern(pattern); err != nil {
		return t.Errorf("%w", err)
	}
	t.lock.Lock()
	defer t.lock.Unlock()
	old := t.current
	if prefix, ok := strings.CutSuffix(pattern, "*"); ok {
		if _, dup := old.wildcard[prefix]; dup {
			return t.Errorf("path %q already registered: %w", pattern, channel.ErrRoutingConflict)
		}
	} else if _, dup := old.exact[pattern]; dup {
		return t.Errorf("path %q already registered: %w", pattern, channel.ErrRoutingConflict)
	}
	next := old.clone()
	next.add(pattern, handler)
	t.current = next
	t.DLogf("registered %q", pattern)
	return nil
}

// Unregister removes pattern if it is currently bound to handler. It returns true
// if a removal occurred.
func (t *Table) Unregister(pattern string, handler Handler) bool {
	t.lock.Lock()
	defer t.lock.Unlock()
	old := t.current
	var current Handler
	var ok bool
	if prefix, wild := strings.CutSuffix(pattern, "*"); wild {
		current, ok = old.wildcard[prefix]
	} else {
		current, ok = old.exact[pattern]
	}
	if !ok || current != handler {
		return false
	}
	next := &snapshot{exact: map[string]Handler{}, wildcard: map[string]Handler{}}
	for p, h := range old.exact {
		if p != pattern {
			next.add(p, h)
		}
	}
	for p, h := range old.wildcard {
		if p+"*" != pattern {
			next.add(p+"*", h)
		}
	}
	t.current = next
	t.DLogf("unregistered %q", pattern)
	return true
}

// Lookup resolves path: an exact match wins, otherwise the longest wildcard
// prefix of path.
func (t *Table) Lookup(path string) (Match, bool) {
	t.lock.Lock()
	s := t.current
	t.lock.Unlock()
	if h, ok := s.exact[path]; ok {
		return Match{Pattern: path, Handler: h}, true
	}
	for _, prefix := range s.prefixes {
		if strings.HasPrefix(path, prefix) {
			return Match{Pattern: prefix + "*", Handler: s.wildcard[prefix]}, true
		}
	}
	return Match{}, false
}

// Patterns returns every registered pattern in lexicographic order.
func (t *Table) Patterns() []string {
	t.lock.Lock()
	s := t.current
	t.lock.Unlock()
	result := make([]string, 0, len(s.exact)+len(s.wildcard))
	for p := range s.exact {
		result = append(result, p)
	}
	for p := range s.wildcard {
		result = append(result, p+"*")
	}
	sort.Strings(result)
	return result
}

// Len returns the number of registered patterns.
func (t *Table) Len() int {
	t.lock.Lock()
	defer t.lock.Unlock()
	return len(t.current.exact) + len(t.current.wildcard)
}

func (s *snapshot) clone() *snapshot {
	next := &snapshot{
		exact:    make(map[string]Handler, len(s.exact)+1),
		wildcard: make(map[string]Handler, len(s.wildcard)+1),
		prefixes: append([]string(nil), s.prefixes...),
	}
	for p, h := range s.exact {
		next.exact[p] = h
	}
	for p, h := range s.wildcard {
		next.wildcard[p] = h
	}
	return next
}

// add must only be called on a snapshot that is not yet published
func (s *snapshot) add(pattern string, handler Handler) {
	prefix, wild := strings.CutSuffix(pattern, "*")
	if !wild {
		s.exact[pattern] = handler
		return
	}
	s.wildcard[prefix] = handler
	s.prefixes = append(s.prefixes, prefix)
	sort.SliceStable(s.prefixes, func(i, j int) bool {
		return len(s.prefixes[i]) > len(s.prefixes[j])
	})
}
