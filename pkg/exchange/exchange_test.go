package exchange

import (
	"net/http"
	"strings"
	"testing"
	"time"
)

func TestHeaderCaseInsensitiveMultimap(t *testing.T) {
	var h Header
	h.Add("Accept", "text/html")
	h.Add("accept", "application/json")
	h.Add("X-Trace", "a")

	if got := h.Get("ACCEPT"); got != "text/html" {
		t.Fatalf("expected first value, got %q", got)
	}
	if got := h.Joined("accept"); got != "text/html, application/json" {
		t.Fatalf("unexpected joined value %q", got)
	}

	h.Set("ACCEPT", "*/*")
	if vals := h.Values("accept"); len(vals) != 1 || vals[0] != "*/*" {
		t.Fatalf("set should replace all values, got %v", vals)
	}
	if h[0].Value != "*/*" {
		t.Fatalf("set should keep the original position, got %+v", h)
	}

	h.Del("x-trace")
	if h.Has("X-Trace") {
		t.Fatalf("expected header to be deleted")
	}
	if names := h.Names(); len(names) != 1 || names[0] != "Accept" {
		t.Fatalf("unexpected names %v", names)
	}
}

func TestHeaderCloneIsIndependent(t *testing.T) {
	h := Header{{Name: "A", Value: "1"}}
	c := h.Clone()
	c.Set("A", "2")
	if h.Get("A") != "1" {
		t.Fatalf("clone mutated source")
	}
}

func TestFromHTTPDeterministic(t *testing.T) {
	src := http.Header{}
	src.Add("Zeta", "z")
	src.Add("Alpha", "a1")
	src.Add("Alpha", "a2")

	h := FromHTTP(src)
	if len(h) != 3 || h[0].Name != "Alpha" || h[2].Name != "Zeta" {
		t.Fatalf("unexpected order %+v", h)
	}
	back := h.HTTP()
	if len(back["Alpha"]) != 2 {
		t.Fatalf("round trip lost values: %v", back)
	}
}

func TestParseBody(t *testing.T) {
	tests := []struct {
		name        string
		contentType string
		raw         string
		kind        BodyKind
		degraded    bool
	}{
		{name: "json object", contentType: "application/json", raw: `{"a":1}`, kind: KindJSON},
		{name: "json suffix", contentType: "application/problem+json; charset=utf-8", raw: `[1,2]`, kind: KindJSON},
		{name: "broken json", contentType: "application/json", raw: `{"a":`, kind: KindText, degraded: true},
		{name: "form", contentType: "application/x-www-form-urlencoded", raw: "a=1&b=2&b=3", kind: KindForm},
		{name: "plain", contentType: "text/plain", raw: "hello", kind: KindText},
		{name: "binary", contentType: "image/png", raw: "\x89PNG", kind: KindBinary},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body, degraded := ParseBody(tt.contentType, []byte(tt.raw))
			if body == nil {
				t.Fatalf("expected body")
			}
			if body.Kind != tt.kind {
				t.Fatalf("expected kind %s, got %s", tt.kind, body.Kind)
			}
			if degraded != tt.degraded {
				t.Fatalf("expected degraded=%v, got %v", tt.degraded, degraded)
			}
		})
	}

	if body, _ := ParseBody("application/json", nil); body != nil {
		t.Fatalf("empty payload should produce no body")
	}
}

func TestBodyBytesRoundTrip(t *testing.T) {
	form, _ := ParseBody("application/x-www-form-urlencoded", []byte("b=3&b=4&a=1"))
	if got := string(form.Bytes()); got != "a=1&b=3&b=4" {
		t.Fatalf("unexpected form encoding %q", got)
	}
	values := form.Data().(map[string]any)
	if list, ok := values["b"].([]any); !ok || len(list) != 2 {
		t.Fatalf("expected repeated key as list, got %#v", values["b"])
	}

	bin, _ := ParseBody("application/octet-stream", []byte{0, 1, 2})
	if got := bin.Bytes(); len(got) != 3 || got[2] != 2 {
		t.Fatalf("binary payload not restored: %v", got)
	}

	js := JSONBody(map[string]any{"ok": true})
	if string(js.Bytes()) != `{"ok":true}` {
		t.Fatalf("unexpected json bytes %s", js.Bytes())
	}
	if !js.Structured() {
		t.Fatalf("object body should be structured")
	}
}

func TestEntryComplete(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	e := &Entry{Exchange: Exchange{ID: "a", Timestamp: start}}
	if !e.InFlight() || e.Status() != 0 {
		t.Fatalf("new entry should be in flight")
	}

	e.Complete(&Response{StatusCode: 201, Timestamp: start.Add(42 * time.Millisecond)})
	if e.DurationMs != 42 || e.Status() != 201 {
		t.Fatalf("unexpected completion %+v", e)
	}

	e.Complete(&Response{StatusCode: 200, Timestamp: start.Add(-time.Second)})
	if e.DurationMs != 0 {
		t.Fatalf("negative durations must clamp to zero, got %d", e.DurationMs)
	}
}

func TestDeriveID(t *testing.T) {
	id := DeriveID("parent")
	if !strings.HasPrefix(id, "parent-replay-") || id == DeriveID("parent") {
		t.Fatalf("unexpected derived id %q", id)
	}
}

func TestClientIP(t *testing.T) {
	tests := []struct {
		name       string
		remoteAddr string
		headers    map[string]string
		expectedIP string
	}{
		{name: "forwarded chain", remoteAddr: "10.0.0.1:1", headers: map[string]string{"X-Forwarded-For": "192.168.1.100, 10.0.0.2"}, expectedIP: "192.168.1.100"},
		{name: "real ip", remoteAddr: "10.0.0.1:1", headers: map[string]string{"X-Real-IP": "192.168.1.200"}, expectedIP: "192.168.1.200"},
		{name: "remote addr", remoteAddr: "10.0.0.1:12345", expectedIP: "10.0.0.1"},
		{name: "no port", remoteAddr: "10.0.0.1", expectedIP: "10.0.0.1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := &http.Request{RemoteAddr: tt.remoteAddr, Header: make(http.Header)}
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}
			if ip := ClientIP(req); ip != tt.expectedIP {
				t.Errorf("Expected IP %s, got %s", tt.expectedIP, ip)
			}
		})
	}
}
