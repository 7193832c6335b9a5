package replay

import (
	"strings"

	"github.com/funnyzak/rewind/pkg/exchange"
	"golang.org/x/net/http/httpguts"
)

// Tracking headers stamped onto live replays.
const (
	HeaderReplay     = "X-Rewind-Replay"
	HeaderOriginalID = "X-Rewind-Original-ID"
)

// transport framing that the client regenerates per request
var framingHeaders = map[string]bool{
	"host":              true,
	"connection":        true,
	"keep-alive":        true,
	"proxy-connection":  true,
	"te":                true,
	"trailer":           true,
	"trailers":          true,
	"transfer-encoding": true,
	"upgrade":           true,
	"content-length":    true,
	"expect":            true,
}

var credentialHeaders = map[string]bool{
	"authorization":       true,
	"proxy-authorization": true,
	"proxy-authenticate":  true,
	"cookie":              true,
	"x-api-key":           true,
	"api-key":             true,
	"x-auth-token":        true,
	"x-csrf-token":        true,
	"x-xsrf-token":        true,
}

// headers describing the caller's browser or network path, not the API contract
var clientNoiseHeaders = map[string]bool{
	"user-agent":                true,
	"accept-encoding":           true,
	"accept-language":           true,
	"cache-control":             true,
	"pragma":                    true,
	"dnt":                       true,
	"referer":                   true,
	"origin":                    true,
	"priority":                  true,
	"upgrade-insecure-requests": true,
	"x-forwarded-for":           true,
	"x-forwarded-host":          true,
	"x-forwarded-proto":         true,
	"x-forwarded-port":          true,
	"x-real-ip":                 true,
	"forwarded":                 true,
	"via":                       true,
}

// SanitizeOptions selects which header classes survive.
type SanitizeOptions struct {
	// IncludeCredentials keeps authorization-style headers.
	IncludeCredentials bool
	// DropClientNoise removes browser and network-path headers.
	DropClientNoise bool
	// Blacklist names extra headers to drop, case-insensitive.
	Blacklist []string
	// RedactionToken marks values masked at capture time. Such headers are
	// always dropped; an empty token disables the check.
	RedactionToken string
}

// SanitizeHeaders returns the subset of h that can be sent on a fresh
// request. Framing headers, headers named in Connection, invalid names and
// values, and previous replay tracking headers are always removed.
func SanitizeHeaders(h exchange.Header, opts SanitizeOptions) exchange.Header {
	connectionScoped := map[string]bool{}
	for _, v := range h.Values("Connection") {
		for _, token := range strings.Split(v, ",") {
			if token = strings.ToLower(strings.TrimSpace(token)); token != "" {
				connectionScoped[token] = true
			}
		}
	}
	blacklist := make(map[string]bool, len(opts.Blacklist))
	for _, name := range opts.Blacklist {
		blacklist[strings.ToLower(strings.TrimSpace(name))] = true
	}

	out := make(exchange.Header, 0, len(h))
	for _, field := range h {
		lower := strings.ToLower(field.Name)
		switch {
		case !httpguts.ValidHeaderFieldName(field.Name), !httpguts.ValidHeaderFieldValue(field.Value):
			continue
		case framingHeaders[lower], connectionScoped[lower], blacklist[lower]:
			continue
		case strings.HasPrefix(lower, "x-rewind-"):
			continue
		case credentialHeaders[lower] && !opts.IncludeCredentials:
			continue
		case opts.DropClientNoise && (clientNoiseHeaders[lower] || strings.HasPrefix(lower, "sec-")):
			continue
		case opts.RedactionToken != "" && field.Value == opts.RedactionToken:
			continue
		}
		out = append(out, field)
	}
	return out
}
