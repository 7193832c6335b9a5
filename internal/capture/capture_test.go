package capture

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/funnyzak/rewind/pkg/exchange"
)

func TestFilterExcluded(t *testing.T) {
	f := NewFilter([]string{"/health", "/static/", "/assets/*", "/api/*/debug", "/**/metrics"})

	tests := []struct {
		path     string
		excluded bool
	}{
		{"/health", true},
		{"/healthz", false},
		{"/static/app.js", true},
		{"/static", true},
		{"/assets/img/logo.png", true},
		{"/api/v1/debug", true},
		{"/api/v1/users", false},
		{"/internal/svc/metrics", true},
		{"/users", false},
	}

	for _, tt := range tests {
		if got := f.Excluded(tt.path); got != tt.excluded {
			t.Errorf("Excluded(%q) = %v, want %v", tt.path, got, tt.excluded)
		}
	}
}

func TestExtractSkipsExcludedPaths(t *testing.T) {
	e := NewExtractor(Options{CaptureBody: true, ExcludePaths: []string{"/health"}})
	req := httptest.NewRequest(http.MethodGet, "/health", nil)

	res := e.Extract(NewInbound(req, nil, time.Now()))
	if res.Status != StatusSkipped || res.Exchange != nil {
		t.Fatalf("expected skip, got %+v", res)
	}
}

func TestExtractRecordsAndRedacts(t *testing.T) {
	e := NewExtractor(Options{CaptureBody: true})
	req := httptest.NewRequest(http.MethodPost, "/users?page=2", strings.NewReader(`{"name":"ada"}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer secret")
	req.Header.Set("X-Trace", "t1")
	req.Header.Set("User-Agent", "curl/8")

	at := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	res := e.Extract(NewInbound(req, []byte(`{"name":"ada"}`), at))
	if res.Status != StatusRecorded {
		t.Fatalf("expected recorded, got %s (%s)", res.Status, res.Reason)
	}

	ex := res.Exchange
	if ex.Method != "POST" || ex.Path != "/users" || ex.Query != "page=2" || ex.URL != "/users?page=2" {
		t.Fatalf("unexpected request line %+v", ex)
	}
	if !ex.Timestamp.Equal(at) {
		t.Fatalf("expected capture time to be kept")
	}
	if got := ex.Headers.Get("authorization"); got != DefaultRedactionToken {
		t.Fatalf("authorization should be redacted, got %q", got)
	}
	if got := ex.Headers.Get("x-trace"); got != "t1" {
		t.Fatalf("unexpected trace header %q", got)
	}
	if ex.Body == nil || ex.Body.Kind != exchange.KindJSON {
		t.Fatalf("expected json body, got %+v", ex.Body)
	}
	if ex.Body.Data().(map[string]any)["name"] != "ada" {
		t.Fatalf("unexpected body value %+v", ex.Body.Value)
	}
	if ex.Client.UserAgent != "curl/8" {
		t.Fatalf("unexpected client %+v", ex.Client)
	}
}

func TestExtractDegradesOnBrokenBody(t *testing.T) {
	e := NewExtractor(Options{CaptureBody: true})
	req := httptest.NewRequest(http.MethodPost, "/orders", strings.NewReader(`{"broken"`))
	req.Header.Set("Content-Type", "application/json")

	res := e.Extract(NewInbound(req, []byte(`{"broken"`), time.Now()))
	if res.Status != StatusDegraded || !res.Exchange.Degraded {
		t.Fatalf("expected degraded capture, got %+v", res)
	}
	if res.Exchange.Body.Kind != exchange.KindText || res.Exchange.Body.Raw != `{"broken"` {
		t.Fatalf("expected raw text fallback, got %+v", res.Exchange.Body)
	}
}

func TestExtractIgnoresBodyWhenDisabledOrBodyless(t *testing.T) {
	e := NewExtractor(Options{CaptureBody: false})
	req := httptest.NewRequest(http.MethodPost, "/x", strings.NewReader("a"))
	if res := e.Extract(NewInbound(req, []byte("a"), time.Now())); res.Exchange.Body != nil {
		t.Fatalf("body capture disabled but body stored")
	}

	e = NewExtractor(Options{CaptureBody: true})
	req = httptest.NewRequest(http.MethodGet, "/x", nil)
	if res := e.Extract(NewInbound(req, []byte("ignored"), time.Now())); res.Exchange.Body != nil {
		t.Fatalf("GET should not carry a captured body")
	}
}

func TestExtractRecoversFromPanics(t *testing.T) {
	e := NewExtractor(Options{CaptureBody: true})
	in := &Inbound{Method: "POST", Path: "/p", RequestURI: "/p", Header: http.Header{"X-A": {"1"}}, Body: []byte("x")}
	e.redactor = nil

	res := e.Extract(in)
	if res.Status != StatusDegraded || res.Exchange == nil || !res.Exchange.Degraded {
		t.Fatalf("expected degraded result after panic, got %+v", res)
	}
	if res.Exchange.Path != "/p" {
		t.Fatalf("partial exchange should keep what was captured, got %+v", res.Exchange)
	}
}

func TestExtractResponse(t *testing.T) {
	e := NewExtractor(Options{CaptureBody: true, CaptureResponse: true, RedactHeaders: []string{"set-cookie"}})
	h := http.Header{}
	h.Set("Content-Type", "application/json")
	h.Set("Set-Cookie", "sid=1")

	resp := e.ExtractResponse(&Outbound{StatusCode: 201, Header: h, Body: []byte(`{"id":7}`), At: time.Now()})
	if resp == nil || resp.StatusCode != 201 {
		t.Fatalf("unexpected response %+v", resp)
	}
	if resp.Headers.Get("Set-Cookie") != DefaultRedactionToken {
		t.Fatalf("set-cookie should be redacted")
	}
	if resp.Body.Data().(map[string]any)["id"].(float64) != 7 {
		t.Fatalf("unexpected body %+v", resp.Body)
	}

	e = NewExtractor(Options{CaptureBody: true, CaptureResponse: false})
	slim := e.ExtractResponse(&Outbound{StatusCode: 503, Header: h, Body: []byte(`{"id":7}`)})
	if slim == nil || slim.StatusCode != 503 || slim.Body != nil || slim.Headers.Len() != 0 {
		t.Fatalf("expected status-only response, got %+v", slim)
	}
}
