package exchange

import (
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Exchange is the request half of a captured interaction
type Exchange struct {
	ID        string    `json:"id" yaml:"id"`
	Timestamp time.Time `json:"timestamp" yaml:"timestamp"`
	Method    string    `json:"method" yaml:"method"`
	// URL is the path plus raw query as received
	URL      string `json:"url" yaml:"url"`
	Path     string `json:"path" yaml:"path"`
	Query    string `json:"query,omitempty" yaml:"query,omitempty"`
	Headers  Header `json:"headers" yaml:"headers"`
	Body     *Body  `json:"body,omitempty" yaml:"body,omitempty"`
	Client   Client `json:"client" yaml:"client"`
	Degraded bool   `json:"degraded,omitempty" yaml:"degraded,omitempty"`
}

// Client describes who sent the request
type Client struct {
	RemoteAddr string `json:"remote_addr,omitempty" yaml:"remote_addr,omitempty"`
	UserAgent  string `json:"user_agent,omitempty" yaml:"user_agent,omitempty"`
}

// Response is the response half of a captured interaction
type Response struct {
	StatusCode int       `json:"status_code" yaml:"status_code"`
	Headers    Header    `json:"headers" yaml:"headers"`
	Body       *Body     `json:"body,omitempty" yaml:"body,omitempty"`
	Timestamp  time.Time `json:"timestamp" yaml:"timestamp"`
}

// Entry is the unit held by storage backends. Response is nil while the
// exchange is in flight.
type Entry struct {
	Exchange   Exchange  `json:"exchange" yaml:"exchange"`
	Response   *Response `json:"response,omitempty" yaml:"response,omitempty"`
	DurationMs int64     `json:"duration_ms" yaml:"duration_ms"`
}

// ID is a shortcut for e.Exchange.ID.
func (e *Entry) ID() string { return e.Exchange.ID }

// InFlight reports whether the response has not been captured yet.
func (e *Entry) InFlight() bool { return e.Response == nil }

// Duration returns the recorded latency.
func (e *Entry) Duration() time.Duration {
	return time.Duration(e.DurationMs) * time.Millisecond
}

// Status returns the response status or 0 when in flight.
func (e *Entry) Status() int {
	if e.Response == nil {
		return 0
	}
	return e.Response.StatusCode
}

// Complete attaches resp and recomputes the duration from the two timestamps.
func (e *Entry) Complete(resp *Response) {
	e.Response = resp
	if resp == nil {
		e.DurationMs = 0
		return
	}
	d := resp.Timestamp.Sub(e.Exchange.Timestamp)
	if d < 0 {
		d = 0
	}
	e.DurationMs = d.Milliseconds()
}

// Clone returns a copy that does not share header slices with e.
func (e *Entry) Clone() *Entry {
	if e == nil {
		return nil
	}
	c := *e
	c.Exchange.Headers = e.Exchange.Headers.Clone()
	c.Exchange.Body = e.Exchange.Body.Clone()
	if e.Response != nil {
		resp := *e.Response
		resp.Headers = e.Response.Headers.Clone()
		resp.Body = e.Response.Body.Clone()
		c.Response = &resp
	}
	return &c
}

// NewID allocates a fresh exchange identifier.
func NewID() string {
	return uuid.NewString()
}

// DeriveID builds an identifier for a replay of parent.
func DeriveID(parent string) string {
	return parent + "-replay-" + strings.SplitN(uuid.NewString(), "-", 2)[0]
}

// ClientIP gets the client address, honouring proxy headers.
func ClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if idx := strings.IndexByte(xff, ','); idx >= 0 {
			return strings.TrimSpace(xff[:idx])
		}
		return strings.TrimSpace(xff)
	}

	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}

	if idx := strings.LastIndexByte(r.RemoteAddr, ':'); idx > 0 && !strings.HasSuffix(r.RemoteAddr, "]") {
		return r.RemoteAddr[:idx]
	}
	return r.RemoteAddr
}

// IsBinaryContent detects binary payloads by content type or NUL density.
func IsBinaryContent(contentType string, body []byte) bool {
	binaryTypes := []string{
		"image/", "video/", "audio/",
		"application/octet-stream",
		"application/zip", "application/gzip",
		"application/pdf", "application/msword",
		"application/vnd.ms-", "application/vnd.openxmlformats-",
	}
	ct := strings.ToLower(contentType)
	for _, binaryType := range binaryTypes {
		if strings.HasPrefix(ct, binaryType) {
			return true
		}
	}

	nullCount := 0
	for _, b := range body {
		if b == 0 {
			nullCount++
		}
	}
	// More than 10% NUL bytes
	return len(body) > 0 && nullCount > len(body)/10
}
