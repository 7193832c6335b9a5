package printer

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/funnyzak/rewind/internal/replay"
	"github.com/funnyzak/rewind/pkg/exchange"
)

func TestJSONPrinter_PrintEntry(t *testing.T) {
	p := NewJSONPrinter(noopLogger{})
	buf := &bytes.Buffer{}
	p.SetOutput(buf)

	if err := p.PrintEntry(completedEntry(exchange.JSONBody(map[string]any{}), nil, "")); err != nil {
		t.Fatalf("print entry failed: %v", err)
	}

	var decoded map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &decoded); err != nil {
		t.Fatalf("invalid json: %v", err)
	}
	if decoded["type"] != "exchange" {
		t.Fatalf("unexpected type: %v", decoded["type"])
	}
	data, ok := decoded["data"].(map[string]interface{})
	if !ok || data["duration_ms"] != float64(42) {
		t.Fatalf("unexpected data: %v", decoded["data"])
	}
}

func TestJSONPrinter_OneLinePerItem(t *testing.T) {
	p := NewJSONPrinter(noopLogger{})
	buf := &bytes.Buffer{}
	p.SetOutput(buf)

	entries := []*exchange.Entry{completedEntry(nil, nil, ""), completedEntry(nil, nil, "")}
	if err := p.PrintEntries(entries); err != nil {
		t.Fatalf("print entries failed: %v", err)
	}
	if err := p.PrintResult(&replay.Result{ID: "r", OriginalID: "abc", Mocked: true}); err != nil {
		t.Fatalf("print result failed: %v", err)
	}

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 3 {
		t.Fatalf("expected 3 lines, got %d: %s", len(lines), buf.String())
	}
	if !strings.Contains(lines[2], `"type":"replay"`) {
		t.Fatalf("unexpected replay line: %s", lines[2])
	}
}
