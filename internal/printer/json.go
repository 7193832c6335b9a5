package printer

import (
	"encoding/json"
	"io"
	"os"
	"sync"

	"github.com/funnyzak/rewind/internal/compare"
	"github.com/funnyzak/rewind/internal/logger"
	"github.com/funnyzak/rewind/internal/replay"
	"github.com/funnyzak/rewind/pkg/exchange"
)

// JSONPrinter writes one JSON document per line
type JSONPrinter struct {
	encoder *json.Encoder
	logger  logger.Logger
	mu      sync.Mutex
}

// NewJSONPrinter creates a JSON printer on stdout
func NewJSONPrinter(log logger.Logger) *JSONPrinter {
	p := &JSONPrinter{logger: log}
	p.SetOutput(os.Stdout)
	return p
}

// SetOutput replaces the destination writer
func (p *JSONPrinter) SetOutput(w io.Writer) {
	if w == nil {
		w = os.Stdout
	}
	encoder := json.NewEncoder(w)
	encoder.SetEscapeHTML(false)
	p.mu.Lock()
	p.encoder = encoder
	p.mu.Unlock()
}

type jsonEnvelope struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

// PrintEntry implements Printer
func (p *JSONPrinter) PrintEntry(entry *exchange.Entry) error {
	return p.emit("exchange", entry)
}

// PrintEntries implements Printer
func (p *JSONPrinter) PrintEntries(entries []*exchange.Entry) error {
	for _, entry := range entries {
		if err := p.emit("exchange", entry); err != nil {
			return err
		}
	}
	return nil
}

// PrintResult implements Printer
func (p *JSONPrinter) PrintResult(res *replay.Result) error {
	return p.emit("replay", res)
}

// PrintReport implements Printer
func (p *JSONPrinter) PrintReport(report *compare.Report) error {
	return p.emit("comparison", report)
}

func (p *JSONPrinter) emit(kind string, data interface{}) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.encoder.Encode(jsonEnvelope{Type: kind, Data: data}); err != nil {
		if p.logger != nil {
			p.logger.Error("Failed to encode JSON output", "type", kind, "error", err)
		}
		return err
	}
	return nil
}
