package router

import (
	"testing"
)

func buildMatcher(routes ...Route) *Matcher {
	m := NewMatcher()
	m.Rebuild(routes)
	return m
}

func active(id, method, path string) Route {
	return Route{ID: id, Method: method, Path: path, Active: true}
}

func TestMatch_LiteralBeatsParam(t *testing.T) {
	m := buildMatcher(
		active("users", "GET", "/api/users"),
		active("byid", "GET", "/api/:id"),
	)

	got := m.Match("/api/users", "GET")
	if got == nil || got.RouteID != "users" {
		t.Fatalf("Match(/api/users) = %+v, want literal route", got)
	}

	got = m.Match("/api/123", "GET")
	if got == nil || got.RouteID != "byid" {
		t.Fatalf("Match(/api/123) = %+v, want param route", got)
	}
	if got.Params["id"] != "123" {
		t.Errorf("params = %v, want id=123", got.Params)
	}
}

func TestMatch_Exactness(t *testing.T) {
	m := buildMatcher(active("one", "GET", "/api/users/:id"))

	if got := m.Match("/api/users", "GET"); got != nil {
		t.Errorf("strict prefix matched: %+v", got)
	}
	if got := m.Match("/api/users/1/extra", "GET"); got != nil {
		t.Errorf("overlong path matched: %+v", got)
	}
	if got := m.Match("/api/users/1", "GET"); got == nil {
		t.Error("exact path should match")
	}
}

func TestMatch_MethodSeparation(t *testing.T) {
	m := buildMatcher(
		active("get", "GET", "/things"),
		active("post", "POST", "/things"),
	)

	if got := m.Match("/things", "POST"); got == nil || got.RouteID != "post" {
		t.Errorf("Match(POST /things) = %+v", got)
	}
	if got := m.Match("/things", "DELETE"); got != nil {
		t.Errorf("unregistered method matched: %+v", got)
	}
}

func TestMatch_MultipleParams(t *testing.T) {
	m := buildMatcher(active("r", "GET", "/projects/:pid/routes/:rid"))

	got := m.Match("/projects/p1/routes/r9", "GET")
	if got == nil {
		t.Fatal("expected match")
	}
	if got.Params["pid"] != "p1" || got.Params["rid"] != "r9" {
		t.Errorf("params = %v", got.Params)
	}
}

// One parameter branch per level: overlapping parameterized routes at the
// same depth collide and the last registered wins. Pinned as documented
// behavior.
func TestMatch_ParamBranchLastRegisteredWins(t *testing.T) {
	m := buildMatcher(
		active("a", "GET", "/api/:a/x"),
		active("b", "GET", "/api/:b/y"),
	)

	got := m.Match("/api/7/y", "GET")
	if got == nil || got.RouteID != "b" {
		t.Fatalf("Match(/api/7/y) = %+v, want route b", got)
	}
	if got.Params["b"] != "7" {
		t.Errorf("params = %v, want b=7 (last registered name wins)", got.Params)
	}
	// Route a's literal tail still resolves through the shared branch.
	if got := m.Match("/api/7/x", "GET"); got == nil || got.RouteID != "a" {
		t.Errorf("Match(/api/7/x) = %+v, want route a", got)
	}
}

func TestMatch_InactiveSkipped(t *testing.T) {
	m := buildMatcher(Route{ID: "off", Method: "GET", Path: "/off", Active: false})

	if got := m.Match("/off", "GET"); got != nil {
		t.Errorf("inactive route matched: %+v", got)
	}
}

func TestRebuild_ReplacesAtomically(t *testing.T) {
	m := buildMatcher(active("old", "GET", "/old"))
	m.Rebuild([]Route{active("new", "GET", "/new")})

	if got := m.Match("/old", "GET"); got != nil {
		t.Errorf("stale route survived rebuild: %+v", got)
	}
	if got := m.Match("/new", "GET"); got == nil || got.RouteID != "new" {
		t.Errorf("Match(/new) = %+v", got)
	}
}

func TestMatch_RootAndTrailingSlash(t *testing.T) {
	m := buildMatcher(active("root", "GET", "/"), active("list", "GET", "/items/"))

	if got := m.Match("/", "GET"); got == nil || got.RouteID != "root" {
		t.Errorf("Match(/) = %+v", got)
	}
	if got := m.Match("/items", "GET"); got == nil || got.RouteID != "list" {
		t.Errorf("trailing-slash pattern should match segment-equivalent path: %+v", got)
	}
}
