package recorder

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/funnyzak/rewind/pkg/exchange"
	"gopkg.in/yaml.v3"
)

// ExportVersion is written into every export document.
const ExportVersion = "1"

// ErrUnknownFormat is returned for export formats other than json and yaml.
var ErrUnknownFormat = errors.New("unknown export format")

// Document is the self-describing export envelope.
type Document struct {
	Version    string            `json:"version" yaml:"version"`
	ExportedAt time.Time         `json:"exported_at" yaml:"exported_at"`
	Count      int               `json:"count" yaml:"count"`
	Entries    []*exchange.Entry `json:"entries" yaml:"entries"`
}

// ImportReport summarises an import. Malformed records are skipped, not fatal.
type ImportReport struct {
	Imported int      `json:"imported"`
	Skipped  int      `json:"skipped"`
	Errors   []string `json:"errors,omitempty"`
}

// Export writes every entry to w as json or yaml.
func (r *Recorder) Export(w io.Writer, format string) error {
	entries, err := r.backend.List()
	if err != nil {
		return err
	}
	return WriteDocument(w, format, entries, r.now())
}

// WriteDocument encodes entries in the export envelope.
func WriteDocument(w io.Writer, format string, entries []*exchange.Entry, now time.Time) error {
	if entries == nil {
		entries = []*exchange.Entry{}
	}
	doc := Document{
		Version:    ExportVersion,
		ExportedAt: now.UTC(),
		Count:      len(entries),
		Entries:    entries,
	}
	switch strings.ToLower(format) {
	case "", "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		enc.SetEscapeHTML(false)
		return enc.Encode(doc)
	case "yaml", "yml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(doc); err != nil {
			return err
		}
		return enc.Close()
	default:
		return fmt.Errorf("%w: %s", ErrUnknownFormat, format)
	}
}

// Import reads an export document (json or yaml), a bare JSON array of
// entries, or a YAML list. Each record is decoded independently; records
// that fail to decode or lack a method and URL are skipped. An error is
// returned only when the document itself cannot be parsed.
func (r *Recorder) Import(src io.Reader) (*ImportReport, error) {
	data, err := io.ReadAll(src)
	if err != nil {
		return nil, fmt.Errorf("read import: %w", err)
	}

	decoders, err := splitRecords(data)
	if err != nil {
		return nil, err
	}

	report := &ImportReport{}
	for i, decode := range decoders {
		var entry exchange.Entry
		if err := decode(&entry); err != nil {
			report.skip(i, err.Error())
			continue
		}
		if reason := r.normalizeImported(&entry); reason != "" {
			report.skip(i, reason)
			continue
		}
		if err := r.backend.Store(&entry); err != nil {
			report.skip(i, err.Error())
			continue
		}
		report.Imported++
	}

	r.log.Info("Import finished", "imported", report.Imported, "skipped", report.Skipped)
	r.publish(EventImported, "", map[string]interface{}{
		"imported": report.Imported,
		"skipped":  report.Skipped,
	})
	return report, nil
}

func (rep *ImportReport) skip(index int, reason string) {
	rep.Skipped++
	rep.Errors = append(rep.Errors, fmt.Sprintf("record %d: %s", index, reason))
}

// normalizeImported fills derivable fields and returns a reason when the
// record is unusable.
func (r *Recorder) normalizeImported(entry *exchange.Entry) string {
	ex := &entry.Exchange
	ex.Method = strings.ToUpper(strings.TrimSpace(ex.Method))
	if ex.Method == "" {
		return "missing method"
	}
	if ex.URL == "" {
		ex.URL = ex.Path
		if ex.Query != "" {
			ex.URL += "?" + ex.Query
		}
	}
	if ex.URL == "" {
		return "missing url"
	}
	if ex.Path == "" {
		ex.Path, _, _ = strings.Cut(ex.URL, "?")
	}
	if ex.Query == "" {
		_, ex.Query, _ = strings.Cut(ex.URL, "?")
	}
	if ex.ID == "" {
		ex.ID = exchange.NewID()
	}
	if ex.Timestamp.IsZero() {
		ex.Timestamp = r.now()
	}
	if entry.Response != nil && !entry.Response.Timestamp.IsZero() && entry.DurationMs == 0 {
		entry.Complete(entry.Response)
	}
	return ""
}

type recordDecoder func(*exchange.Entry) error

func splitRecords(data []byte) ([]recordDecoder, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, nil
	}
	if trimmed[0] == '{' || trimmed[0] == '[' {
		if raws, err := splitJSON(trimmed); err == nil {
			return raws, nil
		}
		// Flow-style YAML also starts with a bracket; fall through.
	}
	return splitYAML(trimmed)
}

func splitJSON(data []byte) ([]recordDecoder, error) {
	var raws []json.RawMessage
	if data[0] == '[' {
		if err := json.Unmarshal(data, &raws); err != nil {
			return nil, err
		}
	} else {
		var doc struct {
			Entries []json.RawMessage `json:"entries"`
		}
		if err := json.Unmarshal(data, &doc); err != nil {
			return nil, err
		}
		raws = doc.Entries
	}
	out := make([]recordDecoder, len(raws))
	for i, raw := range raws {
		raw := raw
		out[i] = func(e *exchange.Entry) error { return json.Unmarshal(raw, e) }
	}
	return out, nil
}

// splitYAML collects records from every document in a YAML stream. Each
// document is an export envelope or a bare list.
func splitYAML(data []byte) ([]recordDecoder, error) {
	var out []recordDecoder
	dec := yaml.NewDecoder(bytes.NewReader(data))
	for {
		var root yaml.Node
		if err := dec.Decode(&root); err != nil {
			if errors.Is(err, io.EOF) {
				return out, nil
			}
			return nil, fmt.Errorf("parse import document: %w", err)
		}
		if len(root.Content) == 0 {
			continue
		}
		items, err := yamlRecords(root.Content[0])
		if err != nil {
			return nil, err
		}
		for _, item := range items {
			item := item
			out = append(out, func(e *exchange.Entry) error { return item.Decode(e) })
		}
	}
}

func yamlRecords(node *yaml.Node) ([]*yaml.Node, error) {
	if node.Kind == yaml.MappingNode {
		var entries *yaml.Node
		for i := 0; i+1 < len(node.Content); i += 2 {
			if node.Content[i].Value == "entries" {
				entries = node.Content[i+1]
				break
			}
		}
		if entries == nil {
			return nil, fmt.Errorf("parse import document: no entries")
		}
		node = entries
	}
	if node.Kind != yaml.SequenceNode {
		return nil, fmt.Errorf("parse import document: entries must be a list")
	}
	return node.Content, nil
}
