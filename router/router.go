// Package router resolves an inbound (method, path) pair to a route ID
// plus extracted path parameters. Routes register path patterns whose
// ":name" segments match any single path segment. Literal segments always
// win over parameter segments at the same depth.
//
// The trie keeps one parameter child per level, so two parameterized
// routes overlapping at the same depth collide on that branch:
// last-registered wins. This is an accepted structural limitation, not a
// bug to work around.
package router

import (
	"strings"
	"sync/atomic"
)

// Route is one registered endpoint pattern.
type Route struct {
	ID          string
	ProjectID   string
	ProjectName string
	Path        string
	Method      string
	Active      bool
}

// Match is the result of resolving an inbound request path.
type Match struct {
	RouteID     string
	ProjectID   string
	ProjectName string
	Params      map[string]string
}

type node struct {
	children  map[string]*node
	paramName string
	param     *node
	route     *Route
}

func newNode() *node {
	return &node{children: make(map[string]*node)}
}

// Matcher resolves paths against an atomically swappable trie. Rebuild
// constructs a complete new trie before publishing it, so concurrent
// Match calls never observe a half-built structure.
type Matcher struct {
	root atomic.Pointer[map[string]*node] // method -> trie root
}

// NewMatcher creates an empty matcher.
func NewMatcher() *Matcher {
	m := &Matcher{}
	empty := make(map[string]*node)
	m.root.Store(&empty)
	return m
}

// Rebuild replaces the entire matching trie with one built from the given
// routes. Inactive routes are skipped.
func (m *Matcher) Rebuild(routes []Route) {
	roots := make(map[string]*node)
	for i := range routes {
		r := routes[i]
		if !r.Active {
			continue
		}
		method := strings.ToUpper(r.Method)
		root, ok := roots[method]
		if !ok {
			root = newNode()
			roots[method] = root
		}
		insert(root, &r)
	}
	m.root.Store(&roots)
}

func insert(root *node, r *Route) {
	cur := root
	for _, seg := range splitPath(r.Path) {
		if strings.HasPrefix(seg, ":") {
			if cur.param == nil {
				cur.param = newNode()
			}
			// One parameter branch per level: a later registration
			// overwrites the captured name.
			cur.paramName = strings.TrimPrefix(seg, ":")
			cur = cur.param
			continue
		}
		next, ok := cur.children[seg]
		if !ok {
			next = newNode()
			cur.children[seg] = next
		}
		cur = next
	}
	cur.route = r
}

// Match resolves a path and method. It returns nil when no registered
// route consumes every segment exactly: a strict prefix of a longer route
// does not match, and neither does a path with trailing extra segments.
func (m *Matcher) Match(path, method string) *Match {
	roots := *m.root.Load()
	root, ok := roots[strings.ToUpper(method)]
	if !ok {
		return nil
	}

	params := make(map[string]string)
	cur := root
	for _, seg := range splitPath(path) {
		if next, ok := cur.children[seg]; ok {
			cur = next
			continue
		}
		if cur.param != nil {
			params[cur.paramName] = seg
			cur = cur.param
			continue
		}
		return nil
	}
	if cur.route == nil {
		return nil
	}
	return &Match{
		RouteID:     cur.route.ID,
		ProjectID:   cur.route.ProjectID,
		ProjectName: cur.route.ProjectName,
		Params:      params,
	}
}

// splitPath splits on "/" and discards empty segments.
func splitPath(p string) []string {
	parts := strings.Split(p, "/")
	segs := parts[:0]
	for _, s := range parts {
		if s != "" {
			segs = append(segs, s)
		}
	}
	return segs
}
