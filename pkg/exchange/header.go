package exchange

import (
	"net/http"
	"sort"
	"strings"
)

// HeaderField is a single name/value pair as it appeared on the wire
type HeaderField struct {
	Name  string `json:"name" yaml:"name"`
	Value string `json:"value" yaml:"value"`
}

// Header is an ordered, case-insensitive header multimap.
// Field order is preserved so that exports and replays reproduce what was seen.
type Header []HeaderField

// FromHTTP converts a net/http header map. Names are visited in sorted order
// so the result is deterministic.
func FromHTTP(h http.Header) Header {
	if len(h) == 0 {
		return Header{}
	}
	names := make([]string, 0, len(h))
	for name := range h {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make(Header, 0, len(h))
	for _, name := range names {
		for _, value := range h[name] {
			out = append(out, HeaderField{Name: name, Value: value})
		}
	}
	return out
}

// HTTP converts back to a net/http header map.
func (h Header) HTTP() http.Header {
	out := make(http.Header, len(h))
	for _, f := range h {
		out.Add(f.Name, f.Value)
	}
	return out
}

// Get returns the first value for name, or "".
func (h Header) Get(name string) string {
	for _, f := range h {
		if strings.EqualFold(f.Name, name) {
			return f.Value
		}
	}
	return ""
}

// Values returns every value recorded for name in order.
func (h Header) Values(name string) []string {
	var out []string
	for _, f := range h {
		if strings.EqualFold(f.Name, name) {
			out = append(out, f.Value)
		}
	}
	return out
}

// Joined returns all values for name joined with ", ".
func (h Header) Joined(name string) string {
	return strings.Join(h.Values(name), ", ")
}

// Has reports whether name is present.
func (h Header) Has(name string) bool {
	for _, f := range h {
		if strings.EqualFold(f.Name, name) {
			return true
		}
	}
	return false
}

// Set replaces every field named name with a single value (last write wins).
// The new field takes the position of the first removed one.
func (h *Header) Set(name, value string) {
	out := (*h)[:0:0]
	placed := false
	for _, f := range *h {
		if strings.EqualFold(f.Name, name) {
			if !placed {
				out = append(out, HeaderField{Name: name, Value: value})
				placed = true
			}
			continue
		}
		out = append(out, f)
	}
	if !placed {
		out = append(out, HeaderField{Name: name, Value: value})
	}
	*h = out
}

// Add appends a field.
func (h *Header) Add(name, value string) {
	*h = append(*h, HeaderField{Name: name, Value: value})
}

// Del removes every field named name.
func (h *Header) Del(name string) {
	out := (*h)[:0:0]
	for _, f := range *h {
		if !strings.EqualFold(f.Name, name) {
			out = append(out, f)
		}
	}
	*h = out
}

// Names returns the distinct names in first-seen order, canonicalized.
func (h Header) Names() []string {
	seen := make(map[string]struct{}, len(h))
	out := make([]string, 0, len(h))
	for _, f := range h {
		key := strings.ToLower(f.Name)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, http.CanonicalHeaderKey(f.Name))
	}
	return out
}

// Len returns the number of fields.
func (h Header) Len() int { return len(h) }

// Clone returns a deep copy.
func (h Header) Clone() Header {
	if h == nil {
		return nil
	}
	out := make(Header, len(h))
	copy(out, h)
	return out
}
