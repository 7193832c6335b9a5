package capture

import (
	"strings"

	"github.com/funnyzak/rewind/pkg/exchange"
)

// DefaultRedactionToken replaces sensitive header values.
const DefaultRedactionToken = "[REDACTED]"

// DefaultRedactHeaders lists headers whose values never reach storage.
var DefaultRedactHeaders = []string{
	"authorization",
	"cookie",
	"set-cookie",
	"x-api-key",
	"api-key",
	"x-auth-token",
	"proxy-authorization",
}

// Redactor masks configured header values.
type Redactor struct {
	names map[string]struct{}
	token string
}

// NewRedactor builds a redactor; empty arguments fall back to the defaults.
func NewRedactor(names []string, token string) *Redactor {
	if len(names) == 0 {
		names = DefaultRedactHeaders
	}
	if token == "" {
		token = DefaultRedactionToken
	}
	set := make(map[string]struct{}, len(names))
	for _, n := range names {
		set[strings.ToLower(strings.TrimSpace(n))] = struct{}{}
	}
	return &Redactor{names: set, token: token}
}

// Sensitive reports whether name is on the redaction list.
func (r *Redactor) Sensitive(name string) bool {
	_, ok := r.names[strings.ToLower(name)]
	return ok
}

// Apply returns a copy of h with sensitive values replaced.
func (r *Redactor) Apply(h exchange.Header) exchange.Header {
	out := h.Clone()
	for i := range out {
		if r.Sensitive(out[i].Name) {
			out[i].Value = r.token
		}
	}
	return out
}
