package server

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/funnyzak/rewind/internal/capture"
	"github.com/funnyzak/rewind/internal/compare"
	"github.com/funnyzak/rewind/internal/recorder"
	"github.com/funnyzak/rewind/internal/replay"
	"github.com/funnyzak/rewind/internal/storage"
	"github.com/funnyzak/rewind/pkg/exchange"
)

func newTestRecorder(t *testing.T, exclude ...string) *recorder.Recorder {
	t.Helper()
	rec := recorder.New(storage.NewMemory(storage.Options{MaxEntries: 50}), recorder.Options{
		Enabled: true,
		Capture: capture.Options{
			CaptureBody:     true,
			CaptureResponse: true,
			ExcludePaths:    exclude,
		},
	}, noopLogger{}, nil)
	t.Cleanup(func() { rec.Close() })
	return rec
}

type recordingPrinter struct {
	mu      sync.Mutex
	entries []*exchange.Entry
}

func (p *recordingPrinter) PrintEntry(e *exchange.Entry) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.entries = append(p.entries, e)
	return nil
}

func (p *recordingPrinter) PrintEntries([]*exchange.Entry) error { return nil }
func (p *recordingPrinter) PrintResult(*replay.Result) error { return nil }
func (p *recordingPrinter) PrintReport(*compare.Report) error { return nil }

func TestCaptureMiddlewareRecordsExchange(t *testing.T) {
	rec := newTestRecorder(t)
	var wg sync.WaitGroup
	out := &recordingPrinter{}

	var seen string
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		seen = string(body)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		io.WriteString(w, `{"created":true}`)
	})
	handler := CaptureMiddleware(rec, CaptureOptions{Logger: noopLogger{}, WaitGroup: &wg, Printer: out})(next)

	req := httptest.NewRequest(http.MethodPost, "http://localhost/users?x=1", strings.NewReader(`{"name":"ada"}`))
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	wg.Wait()

	if seen != `{"name":"ada"}` {
		t.Fatalf("handler saw body %q", seen)
	}
	if rr.Code != http.StatusCreated {
		t.Fatalf("unexpected status %d", rr.Code)
	}

	entries, err := rec.GetAll()
	if err != nil || len(entries) != 1 {
		t.Fatalf("expected one entry, got %d (%v)", len(entries), err)
	}
	entry := entries[0]
	if entry.Exchange.Method != http.MethodPost || entry.Exchange.Path != "/users" || entry.Exchange.Query != "x=1" {
		t.Fatalf("unexpected request half %+v", entry.Exchange)
	}
	if entry.Exchange.Body == nil || entry.Exchange.Body.Kind != exchange.KindJSON {
		t.Fatalf("expected json request body, got %+v", entry.Exchange.Body)
	}
	if entry.Response == nil || entry.Response.StatusCode != http.StatusCreated {
		t.Fatalf("expected captured 201 response, got %+v", entry.Response)
	}
	if got := string(entry.Response.Body.Bytes()); got != `{"created":true}` {
		t.Fatalf("unexpected response body %q", got)
	}
	if len(out.entries) != 1 || out.entries[0].ID() != entry.ID() {
		t.Fatalf("printer did not receive the completed exchange")
	}
}

func TestCaptureMiddlewareRejectsLargeBody(t *testing.T) {
	rec := newTestRecorder(t)
	called := false
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { called = true })
	handler := CaptureMiddleware(rec, CaptureOptions{MaxBodyBytes: 4})(next)

	req := httptest.NewRequest(http.MethodPost, "http://localhost/upload", strings.NewReader("too large"))
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d", rr.Code)
	}
	if called {
		t.Fatal("handler should not run for oversized bodies")
	}
	if rec.Count() != 0 {
		t.Fatalf("oversized request should not be recorded, got %d", rec.Count())
	}
}

func TestCaptureMiddlewareSkipsExcludedPaths(t *testing.T) {
	rec := newTestRecorder(t, "/health")
	var wg sync.WaitGroup
	handler := CaptureMiddleware(rec, CaptureOptions{WaitGroup: &wg})(NewHandler(nil, noopLogger{}))

	for _, path := range []string{"/health", "/orders"} {
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "http://localhost"+path, nil))
		if rr.Code != http.StatusOK || rr.Body.String() != "ok" {
			t.Fatalf("%s: unexpected response %d %q", path, rr.Code, rr.Body.String())
		}
	}
	wg.Wait()

	entries, _ := rec.GetAll()
	if len(entries) != 1 || entries[0].Exchange.Path != "/orders" {
		t.Fatalf("expected only /orders recorded, got %d entries", len(entries))
	}
}

func TestCaptureWriterKeepsBodyWithinLimit(t *testing.T) {
	rr := httptest.NewRecorder()
	w := &captureWriter{ResponseWriter: rr, limit: 5}
	io.WriteString(w, "hello ")
	io.WriteString(w, "world")

	out := w.outbound(time.Now())
	if out.StatusCode != http.StatusOK {
		t.Fatalf("implicit status = %d", out.StatusCode)
	}
	if string(out.Body) != "hello" {
		t.Fatalf("captured body %q", out.Body)
	}
	if rr.Body.String() != "hello world" {
		t.Fatalf("client body %q", rr.Body.String())
	}
}
