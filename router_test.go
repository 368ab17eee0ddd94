package fastcgi

import "testing"

func factoryTagged(tag string) Factory {
	return func() Request { return &taggedRequest{tag: tag} }
}

type taggedRequest struct{ tag string }

func (t *taggedRequest) Respond(ctx *Context, ev Event) bool { return true }

func lookupTag(t *testing.T, r *Router, scriptName, requestURI string) string {
	t.Helper()
	req := r.Lookup(scriptName, requestURI)()
	tr, ok := req.(*taggedRequest)
	if !ok {
		return "<default>"
	}
	return tr.tag
}

func TestRouterExactScriptNameWins(t *testing.T) {
	r := NewRouter()
	r.Handle("/app.php", factoryTagged("exact"))
	r.Handle("/", factoryTagged("root"))
	if got := lookupTag(t, r, "/app.php", "/app.php?x=1"); got != "exact" {
		t.Fatalf("Lookup = %q, want exact", got)
	}
}

func TestRouterLongestPrefixWins(t *testing.T) {
	r := NewRouter()
	r.Handle("/api/", factoryTagged("api"))
	r.Handle("/api/v2/", factoryTagged("api-v2"))
	if got := lookupTag(t, r, "", "/api/v2/users"); got != "api-v2" {
		t.Fatalf("Lookup = %q, want api-v2", got)
	}
	if got := lookupTag(t, r, "", "/api/v1/users"); got != "api" {
		t.Fatalf("Lookup = %q, want api", got)
	}
}

func TestRouterDefaultNotFound(t *testing.T) {
	r := NewRouter()
	req := r.Lookup("/nope", "/nope")()
	if _, ok := req.(*notFoundRequest); !ok {
		t.Fatalf("Lookup with no routes registered = %T, want *notFoundRequest", req)
	}
}

func TestRouterCustomNotFound(t *testing.T) {
	r := NewRouter()
	r.SetNotFound(factoryTagged("custom-404"))
	if got := lookupTag(t, r, "/nope", "/nope"); got != "custom-404" {
		t.Fatalf("Lookup = %q, want custom-404", got)
	}
}
