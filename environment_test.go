package fastcgi

import "testing"

func TestEnvironmentSetVarBasicFields(t *testing.T) {
	e := newEnvironment()
	e.setVar("HTTP_HOST", "example.com")
	e.setVar("REQUEST_METHOD", "POST")
	e.setVar("SCRIPT_NAME", "/index.php")
	e.setVar("CONTENT_LENGTH", "123")
	e.setVar("CONTENT_TYPE", "application/x-www-form-urlencoded")

	if e.Host != "example.com" {
		t.Errorf("Host = %q", e.Host)
	}
	if e.RequestMethod != "POST" {
		t.Errorf("RequestMethod = %q", e.RequestMethod)
	}
	if e.ScriptName != "/index.php" {
		t.Errorf("ScriptName = %q", e.ScriptName)
	}
	if e.ContentLength != 123 {
		t.Errorf("ContentLength = %d, want 123", e.ContentLength)
	}
	if e.ContentType != "application/x-www-form-urlencoded" {
		t.Errorf("ContentType = %q", e.ContentType)
	}
}

func TestEnvironmentDefaultContentLength(t *testing.T) {
	e := newEnvironment()
	if e.ContentLength != -1 {
		t.Fatalf("default ContentLength = %d, want -1", e.ContentLength)
	}
}

func TestEnvironmentQueryStringFromRequestURI(t *testing.T) {
	e := newEnvironment()
	e.setVar("REQUEST_URI", "/search?q=go&page=2")
	if e.RequestURI != "/search?q=go&page=2" {
		t.Errorf("RequestURI = %q", e.RequestURI)
	}
	if e.Gets["q"] != "go" || e.Gets["page"] != "2" {
		t.Errorf("Gets = %+v", e.Gets)
	}
}

func TestEnvironmentCookies(t *testing.T) {
	e := newEnvironment()
	e.setVar("HTTP_COOKIE", "session=abc123; theme = dark")
	if e.Cookies["session"] != "abc123" {
		t.Errorf("Cookies[session] = %q", e.Cookies["session"])
	}
	if e.Cookies["theme"] != "dark" {
		t.Errorf("Cookies[theme] = %q", e.Cookies["theme"])
	}
}

func TestEnvironmentUnknownVarGoesToOthers(t *testing.T) {
	e := newEnvironment()
	e.setVar("FCGI_ROLE", "RESPONDER")
	if e.Others["FCGI_ROLE"] != "RESPONDER" {
		t.Errorf("Others[FCGI_ROLE] = %q", e.Others["FCGI_ROLE"])
	}
}

func TestSplitCommaList(t *testing.T) {
	got := splitCommaList("en-US, fr;q=0.8,  ")
	want := []string{"en-US", "fr;q=0.8"}
	if len(got) != len(want) {
		t.Fatalf("splitCommaList = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("splitCommaList[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}
