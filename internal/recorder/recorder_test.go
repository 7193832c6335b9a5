package recorder

import (
	"bytes"
	"errors"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/funnyzak/rewind/internal/capture"
	"github.com/funnyzak/rewind/internal/logger"
	"github.com/funnyzak/rewind/internal/storage"
	"github.com/funnyzak/rewind/pkg/exchange"
)

type noopLogger struct{}

func (noopLogger) Debug(string, ...interface{}) {}
func (noopLogger) Info(string, ...interface{})  {}
func (noopLogger) Warn(string, ...interface{})  {}
func (noopLogger) Error(string, ...interface{}) {}
func (noopLogger) Fatal(string, ...interface{}) {}

func (n noopLogger) With(...interface{}) logger.Logger { return n }

type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) Publish(e Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
}

func (l *eventLog) types() []EventType {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]EventType, len(l.events))
	for i, e := range l.events {
		out[i] = e.Type
	}
	return out
}

var baseTime = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestRecorder(t *testing.T, mutate func(*Options)) (*Recorder, *eventLog) {
	t.Helper()
	opts := Options{
		Enabled: true,
		Capture: capture.Options{
			CaptureBody:     true,
			CaptureResponse: true,
			ExcludePaths:    []string{"/health"},
			RedactHeaders:   []string{"Authorization"},
		},
	}
	if mutate != nil {
		mutate(&opts)
	}
	events := &eventLog{}
	r := New(storage.NewMemory(storage.Options{MaxEntries: 100}), opts, noopLogger{}, events)
	r.now = func() time.Time { return baseTime }
	t.Cleanup(func() { _ = r.Close() })
	return r, events
}

func inbound(method, path string, body string) *capture.Inbound {
	header := http.Header{}
	header.Set("Authorization", "Bearer secret")
	if body != "" {
		header.Set("Content-Type", "application/json")
	}
	return &capture.Inbound{
		Method:     method,
		RequestURI: path,
		Path:       path,
		Header:     header,
		Body:       []byte(body),
		RemoteAddr: "10.0.0.1",
		At:         baseTime,
	}
}

func record(t *testing.T, r *Recorder, method, path string, status int, latency time.Duration) string {
	t.Helper()
	res := r.RecordRequest(inbound(method, path, ""))
	if res.Status != capture.StatusRecorded {
		t.Fatalf("RecordRequest(%s %s) status = %v", method, path, res.Status)
	}
	r.RecordResponse(res.ID, &capture.Outbound{StatusCode: status, At: baseTime.Add(latency)})
	return res.ID
}

func TestRecordRequestAndResponse(t *testing.T) {
	r, events := newTestRecorder(t, nil)

	res := r.RecordRequest(inbound(http.MethodPost, "/api/users", `{"name":"ada"}`))
	if res.Status != capture.StatusRecorded || res.ID == "" {
		t.Fatalf("unexpected result %+v", res)
	}

	entry, err := r.Get(res.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if !entry.InFlight() {
		t.Fatalf("expected in-flight entry before response")
	}
	if got := entry.Exchange.Headers.Get("Authorization"); got != capture.DefaultRedactionToken {
		t.Fatalf("authorization header = %q, want redacted", got)
	}

	header := http.Header{}
	header.Set("Content-Type", "application/json")
	r.RecordResponse(res.ID, &capture.Outbound{
		StatusCode: http.StatusCreated,
		Header:     header,
		Body:       []byte(`{"id":1}`),
		At:         baseTime.Add(120 * time.Millisecond),
	})

	entry, err = r.Get(res.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if entry.Status() != http.StatusCreated {
		t.Fatalf("status = %d, want 201", entry.Status())
	}
	if entry.DurationMs != 120 {
		t.Fatalf("duration = %d, want 120", entry.DurationMs)
	}

	want := []EventType{EventCaptureStarted, EventCaptureCompleted}
	if got := events.types(); len(got) != 2 || got[0] != want[0] || got[1] != want[1] {
		t.Fatalf("events = %v, want %v", got, want)
	}
}

func TestRecordRequestSkips(t *testing.T) {
	r, events := newTestRecorder(t, nil)

	if res := r.RecordRequest(inbound(http.MethodGet, "/health", "")); res.Status != capture.StatusSkipped {
		t.Fatalf("excluded path status = %v", res.Status)
	}

	r.Stop()
	if r.Enabled() {
		t.Fatalf("recorder should be disabled after Stop")
	}
	if res := r.RecordRequest(inbound(http.MethodGet, "/api", "")); res.Status != capture.StatusSkipped {
		t.Fatalf("disabled recorder status = %v", res.Status)
	}
	if r.Count() != 0 {
		t.Fatalf("count = %d, want 0", r.Count())
	}

	r.Start()
	if res := r.RecordRequest(inbound(http.MethodGet, "/api", "")); res.Status != capture.StatusRecorded {
		t.Fatalf("restarted recorder status = %v", res.Status)
	}

	got := events.types()
	if len(got) < 2 || got[0] != EventRecordingStopped || got[1] != EventRecordingStarted {
		t.Fatalf("events = %v", got)
	}
}

// pausingBackend blocks the first Get for id until released.
type pausingBackend struct {
	storage.Backend
	id      string
	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

func (b *pausingBackend) Get(id string) (*exchange.Entry, error) {
	entry, err := b.Backend.Get(id)
	if id == b.id {
		b.once.Do(func() {
			close(b.entered)
			<-b.release
		})
	}
	return entry, err
}

func TestDeleteDuringResponseCaptureStaysDeleted(t *testing.T) {
	for _, viaClear := range []bool{false, true} {
		backend := &pausingBackend{
			Backend: storage.NewMemory(storage.Options{MaxEntries: 10}),
			entered: make(chan struct{}),
			release: make(chan struct{}),
		}
		r := New(backend, Options{Enabled: true, Capture: capture.Options{CaptureResponse: true}}, noopLogger{}, nil)
		res := r.RecordRequest(inbound(http.MethodGet, "/slow", ""))
		backend.id = res.ID

		responded := make(chan struct{})
		go func() {
			r.RecordResponse(res.ID, &capture.Outbound{StatusCode: http.StatusOK, At: time.Now()})
			close(responded)
		}()
		<-backend.entered

		removed := make(chan struct{})
		go func() {
			if viaClear {
				_ = r.Clear()
			} else {
				_, _ = r.Delete(res.ID)
			}
			close(removed)
		}()
		select {
		case <-removed:
			t.Fatalf("clear=%v: removal finished while the response was being stored", viaClear)
		case <-time.After(50 * time.Millisecond):
		}
		close(backend.release)
		<-responded
		<-removed

		if _, err := r.Get(res.ID); !errors.Is(err, ErrNotFound) {
			t.Fatalf("clear=%v: Get() error = %v, want ErrNotFound", viaClear, err)
		}
		_ = r.Close()
	}
}

func TestRecordResponseUnknownID(t *testing.T) {
	r, events := newTestRecorder(t, nil)

	r.RecordResponse("missing", &capture.Outbound{StatusCode: http.StatusOK, At: baseTime})
	if r.Count() != 0 {
		t.Fatalf("count = %d, want 0", r.Count())
	}
	if len(events.types()) != 0 {
		t.Fatalf("no event expected for unknown id")
	}
}

func TestGetNotFound(t *testing.T) {
	r, _ := newTestRecorder(t, nil)
	if _, err := r.Get("nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get() error = %v, want ErrNotFound", err)
	}
}

func TestFilter(t *testing.T) {
	r, _ := newTestRecorder(t, nil)
	record(t, r, http.MethodGet, "/api/users", 200, 10*time.Millisecond)
	record(t, r, http.MethodPost, "/api/users", 201, 300*time.Millisecond)
	record(t, r, http.MethodGet, "/api/orders", 500, 50*time.Millisecond)
	inFlight := r.RecordRequest(inbound(http.MethodGet, "/api/slow", ""))

	tests := []struct {
		name  string
		query Query
		want  int
	}{
		{name: "all", query: Query{}, want: 4},
		{name: "method", query: Query{Method: "get"}, want: 3},
		{name: "path", query: Query{PathContains: "USERS"}, want: 2},
		{name: "status", query: Query{Status: 500}, want: 1},
		{name: "min duration skips in flight", query: Query{MinDuration: 40 * time.Millisecond}, want: 2},
		{name: "max duration", query: Query{MaxDuration: 60 * time.Millisecond}, want: 2},
		{name: "limit", query: Query{Limit: 1}, want: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := r.Filter(tt.query)
			if err != nil {
				t.Fatalf("Filter() error = %v", err)
			}
			if len(got) != tt.want {
				t.Fatalf("Filter() returned %d entries, want %d", len(got), tt.want)
			}
		})
	}

	recent, err := r.GetRecent(1)
	if err != nil {
		t.Fatalf("GetRecent() error = %v", err)
	}
	if len(recent) != 1 || recent[0].ID() != inFlight.ID {
		t.Fatalf("GetRecent(1) should return the newest entry")
	}
}

func TestDeleteAndClear(t *testing.T) {
	r, events := newTestRecorder(t, nil)
	id := record(t, r, http.MethodGet, "/a", 200, time.Millisecond)
	record(t, r, http.MethodGet, "/b", 200, time.Millisecond)

	ok, err := r.Delete(id)
	if err != nil || !ok {
		t.Fatalf("Delete() = %v, %v", ok, err)
	}
	if ok, _ := r.Delete(id); ok {
		t.Fatalf("second Delete() should report false")
	}
	if err := r.Clear(); err != nil {
		t.Fatalf("Clear() error = %v", err)
	}
	if r.Count() != 0 {
		t.Fatalf("count = %d after Clear", r.Count())
	}
	got := events.types()
	if got[len(got)-1] != EventCleared {
		t.Fatalf("last event = %v, want cleared", got[len(got)-1])
	}
}

func TestExportImportRoundTrip(t *testing.T) {
	for _, format := range []string{"json", "yaml"} {
		t.Run(format, func(t *testing.T) {
			src, _ := newTestRecorder(t, nil)
			record(t, src, http.MethodGet, "/api/users", 200, 15*time.Millisecond)
			res := src.RecordRequest(inbound(http.MethodPost, "/api/users", `{"name":"ada","tags":["x"]}`))
			src.RecordResponse(res.ID, &capture.Outbound{StatusCode: 201, At: baseTime.Add(20 * time.Millisecond)})

			var buf bytes.Buffer
			if err := src.Export(&buf, format); err != nil {
				t.Fatalf("Export() error = %v", err)
			}

			dst, events := newTestRecorder(t, nil)
			report, err := dst.Import(&buf)
			if err != nil {
				t.Fatalf("Import() error = %v", err)
			}
			if report.Imported != 2 || report.Skipped != 0 {
				t.Fatalf("report = %+v", report)
			}

			got, err := dst.Get(res.ID)
			if err != nil {
				t.Fatalf("Get() error = %v", err)
			}
			if got.Status() != 201 || got.DurationMs != 20 {
				t.Fatalf("imported entry status=%d duration=%d", got.Status(), got.DurationMs)
			}
			body, ok := got.Exchange.Body.Data().(map[string]interface{})
			if !ok || body["name"] != "ada" {
				t.Fatalf("imported body = %#v", got.Exchange.Body.Data())
			}

			types := events.types()
			if len(types) != 1 || types[0] != EventImported {
				t.Fatalf("events = %v", types)
			}
		})
	}
}

func TestImportSkipsMalformedRecords(t *testing.T) {
	r, _ := newTestRecorder(t, nil)
	doc := `{"version":"1","entries":[
		{"exchange":{"id":"a","method":"GET","url":"/ok"}},
		{"exchange":{"id":"b","url":"/no-method"}},
		{"exchange":{"id":"c","method":"GET"}},
		{"exchange":"not an object"},
		{"exchange":{"method":"delete","path":"/items","query":"x=1"}}
	]}`

	report, err := r.Import(strings.NewReader(doc))
	if err != nil {
		t.Fatalf("Import() error = %v", err)
	}
	if report.Imported != 2 || report.Skipped != 3 || len(report.Errors) != 3 {
		t.Fatalf("report = %+v", report)
	}

	all, err := r.GetAll()
	if err != nil {
		t.Fatalf("GetAll() error = %v", err)
	}
	var generated bool
	for _, e := range all {
		if e.Exchange.Method == http.MethodDelete {
			generated = e.ID() != "" && e.Exchange.URL == "/items?x=1" && e.Exchange.Timestamp.Equal(baseTime)
		}
	}
	if !generated {
		t.Fatalf("expected missing id, url and timestamp to be filled")
	}
}

func TestImportBareArrayAndYAMLList(t *testing.T) {
	r, _ := newTestRecorder(t, nil)

	report, err := r.Import(strings.NewReader(`[{"exchange":{"id":"x","method":"GET","url":"/x"}}]`))
	if err != nil || report.Imported != 1 {
		t.Fatalf("bare array import = %+v, %v", report, err)
	}

	yamlList := "- exchange:\n    id: y\n    method: PUT\n    url: /y\n"
	report, err = r.Import(strings.NewReader(yamlList))
	if err != nil || report.Imported != 1 {
		t.Fatalf("yaml list import = %+v, %v", report, err)
	}
	if r.Count() != 2 {
		t.Fatalf("count = %d, want 2", r.Count())
	}
}

func TestImportYAMLMultiDocumentStream(t *testing.T) {
	r, _ := newTestRecorder(t, nil)
	stream := "- exchange: {id: a, method: GET, url: /a}\n" +
		"---\n" +
		"- exchange: {id: b, method: GET, url: /b}\n" +
		"---\n" +
		"version: \"1\"\nentries:\n  - exchange: {id: c, method: POST, url: /c}\n  - exchange: {id: d}\n"

	report, err := r.Import(strings.NewReader(stream))
	if err != nil {
		t.Fatalf("Import() error = %v", err)
	}
	if report.Imported != 3 || report.Skipped != 1 {
		t.Fatalf("report = %+v, want 3 imported and 1 skipped", report)
	}
	for _, id := range []string{"a", "b", "c"} {
		if _, err := r.Get(id); err != nil {
			t.Fatalf("Get(%q) error = %v", id, err)
		}
	}
}

func TestImportRejectsUnparseableDocument(t *testing.T) {
	r, _ := newTestRecorder(t, nil)
	if _, err := r.Import(strings.NewReader("version: [unterminated")); err == nil {
		t.Fatalf("expected error for unparseable document")
	}
	if _, err := r.Import(strings.NewReader("just a scalar")); err == nil {
		t.Fatalf("expected error for scalar document")
	}
}

func TestExportUnknownFormat(t *testing.T) {
	r, _ := newTestRecorder(t, nil)
	if err := r.Export(&bytes.Buffer{}, "xml"); !errors.Is(err, ErrUnknownFormat) {
		t.Fatalf("Export() error = %v, want ErrUnknownFormat", err)
	}
}
