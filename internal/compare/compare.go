// Package compare diffs a replayed response against the recorded one.
package compare

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/funnyzak/rewind/pkg/exchange"
	"github.com/pmezard/go-difflib/difflib"
)

// Body difference kinds
const (
	BodyChanged     = "changed"
	BodyTypeChanged = "type-changed"
)

// Options tunes a comparison
type Options struct {
	// IgnoreHeaders are skipped, case-insensitive.
	IgnoreHeaders []string
	// Context is the number of unchanged lines around each diff hunk.
	Context int
}

// VolatileHeaders change on every response and are usually ignored.
var VolatileHeaders = []string{"Date", "Age", "Expires", "Last-Modified", "Etag", "X-Request-Id", "Server-Timing"}

// StatusDiff records differing status codes
type StatusDiff struct {
	Original int `json:"original"`
	Replayed int `json:"replayed"`
}

// ValueDiff records a header present on both sides with different values
type ValueDiff struct {
	Original string `json:"original"`
	Replayed string `json:"replayed"`
}

// HeaderDiff groups header changes by name
type HeaderDiff struct {
	Added    map[string]string    `json:"added,omitempty"`
	Removed  map[string]string    `json:"removed,omitempty"`
	Modified map[string]ValueDiff `json:"modified,omitempty"`
}

func (h *HeaderDiff) empty() bool {
	return len(h.Added) == 0 && len(h.Removed) == 0 && len(h.Modified) == 0
}

// BodyDiff describes how the bodies differ
type BodyDiff struct {
	Kind         string `json:"kind"`
	OriginalType string `json:"original_type"`
	ReplayedType string `json:"replayed_type"`
	Diff         string `json:"diff,omitempty"`
	// Lines counts removed plus added lines in Diff.
	Lines int `json:"lines"`
}

// Differences holds one entry per changed category; nil means unchanged.
type Differences struct {
	StatusCode *StatusDiff `json:"status_code,omitempty"`
	Headers    *HeaderDiff `json:"headers,omitempty"`
	Body       *BodyDiff   `json:"body,omitempty"`
}

// Report is the outcome of a comparison
type Report struct {
	Identical   bool        `json:"identical"`
	Differences Differences `json:"differences"`
	Summary     string      `json:"summary"`
}

// Compare diffs two responses with default options. nil responses compare
// as empty ones with status 0.
func Compare(original, replayed *exchange.Response) *Report {
	return CompareWith(original, replayed, Options{})
}

// CompareWith diffs two responses.
func CompareWith(original, replayed *exchange.Response, opts Options) *Report {
	if original == nil {
		original = &exchange.Response{}
	}
	if replayed == nil {
		replayed = &exchange.Response{}
	}
	if opts.Context <= 0 {
		opts.Context = 3
	}

	report := &Report{}
	if original.StatusCode != replayed.StatusCode {
		report.Differences.StatusCode = &StatusDiff{Original: original.StatusCode, Replayed: replayed.StatusCode}
	}
	if h := diffHeaders(original.Headers, replayed.Headers, opts.IgnoreHeaders); !h.empty() {
		report.Differences.Headers = h
	}
	report.Differences.Body = diffBodies(original.Body, replayed.Body, opts.Context)

	d := report.Differences
	report.Identical = d.StatusCode == nil && d.Headers == nil && d.Body == nil
	report.Summary = summarize(d)
	return report
}

func diffHeaders(original, replayed exchange.Header, ignore []string) *HeaderDiff {
	skip := make(map[string]bool, len(ignore))
	for _, name := range ignore {
		skip[strings.ToLower(name)] = true
	}

	diff := &HeaderDiff{
		Added:    map[string]string{},
		Removed:  map[string]string{},
		Modified: map[string]ValueDiff{},
	}
	for _, name := range wireNames(original) {
		if skip[strings.ToLower(name)] {
			continue
		}
		before := original.Joined(name)
		if !replayed.Has(name) {
			diff.Removed[name] = before
			continue
		}
		if after := replayed.Joined(name); after != before {
			diff.Modified[name] = ValueDiff{Original: before, Replayed: after}
		}
	}
	for _, name := range wireNames(replayed) {
		if skip[strings.ToLower(name)] || original.Has(name) {
			continue
		}
		diff.Added[name] = replayed.Joined(name)
	}
	return diff
}

// wireNames lists distinct header names in first-seen order, spelled as
// they were recorded.
func wireNames(h exchange.Header) []string {
	seen := make(map[string]bool, len(h))
	out := make([]string, 0, len(h))
	for _, f := range h {
		key := strings.ToLower(f.Name)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, f.Name)
	}
	return out
}

func diffBodies(original, replayed *exchange.Body, context int) *BodyDiff {
	a, b := original.Data(), replayed.Data()
	ta, tb := typeOf(a), typeOf(b)
	if ta != tb {
		return &BodyDiff{Kind: BodyTypeChanged, OriginalType: ta, ReplayedType: tb}
	}

	switch ta {
	case "null":
		return nil
	case "object", "array":
		left, right := canonical(a), canonical(b)
		if left == right {
			return nil
		}
		text, lines := unifiedDiff(left, right, context)
		return &BodyDiff{Kind: BodyChanged, OriginalType: ta, ReplayedType: tb, Diff: text, Lines: lines}
	default:
		left, right := scalar(a), scalar(b)
		if left == right {
			return nil
		}
		return &BodyDiff{
			Kind:         BodyChanged,
			OriginalType: ta,
			ReplayedType: tb,
			Diff:         "- " + left + "\n+ " + right + "\n",
			Lines:        2,
		}
	}
}

func typeOf(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case map[string]any:
		return "object"
	case []any:
		return "array"
	case string:
		return "string"
	case bool:
		return "boolean"
	case float64, float32, int, int64, json.Number:
		return "number"
	default:
		return fmt.Sprintf("%T", v)
	}
}

// canonical renders v as indented JSON; map keys come out sorted.
func canonical(v any) string {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}

func scalar(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}

func unifiedDiff(a, b string, context int) (string, int) {
	ud := difflib.UnifiedDiff{
		A:        difflib.SplitLines(a),
		B:        difflib.SplitLines(b),
		FromFile: "original",
		ToFile:   "replayed",
		Context:  context,
	}
	text, err := difflib.GetUnifiedDiffString(ud)
	if err != nil {
		return "", 0
	}

	lines := 0
	for _, line := range strings.Split(text, "\n") {
		if strings.HasPrefix(line, "+++") || strings.HasPrefix(line, "---") {
			continue
		}
		if strings.HasPrefix(line, "+") || strings.HasPrefix(line, "-") {
			lines++
		}
	}
	return text, lines
}

func summarize(d Differences) string {
	var parts []string
	if d.StatusCode != nil {
		parts = append(parts, fmt.Sprintf("status %d→%d", d.StatusCode.Original, d.StatusCode.Replayed))
	}
	if d.Headers != nil {
		parts = append(parts, fmt.Sprintf("headers +%d -%d ~%d",
			len(d.Headers.Added), len(d.Headers.Removed), len(d.Headers.Modified)))
	}
	if d.Body != nil {
		if d.Body.Kind == BodyTypeChanged {
			parts = append(parts, fmt.Sprintf("body type changed (%s→%s)", d.Body.OriginalType, d.Body.ReplayedType))
		} else {
			parts = append(parts, fmt.Sprintf("body changed (%d lines)", d.Body.Lines))
		}
	}
	if len(parts) == 0 {
		return "identical"
	}
	return strings.Join(parts, "; ")
}

// SortedNames returns the keys of m in order, for stable rendering.
func SortedNames[V any](m map[string]V) []string {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
