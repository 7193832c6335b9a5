package capture

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/funnyzak/rewind/pkg/exchange"
)

// Status tags the outcome of a capture attempt
type Status int

const (
	// StatusRecorded means the exchange was captured in full.
	StatusRecorded Status = iota
	// StatusSkipped means nothing was captured (disabled or excluded path).
	StatusSkipped
	// StatusDegraded means a partial capture was stored.
	StatusDegraded
)

func (s Status) String() string {
	switch s {
	case StatusRecorded:
		return "recorded"
	case StatusSkipped:
		return "skipped"
	case StatusDegraded:
		return "degraded"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// MarshalText renders the status by name.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Result is returned for every capture attempt; capture never fails the host request.
type Result struct {
	Status   Status             `json:"status"`
	ID       string             `json:"id,omitempty"`
	Exchange *exchange.Exchange `json:"-"`
	Reason   string             `json:"reason,omitempty"`
}

// Skipped builds a skip result.
func Skipped(reason string) Result {
	return Result{Status: StatusSkipped, Reason: reason}
}

// Inbound is the snapshot of a request handed over by the host server
type Inbound struct {
	Method     string
	RequestURI string
	Path       string
	RawQuery   string
	Header     http.Header
	Body       []byte
	RemoteAddr string
	UserAgent  string
	At         time.Time
}

// NewInbound snapshots r. The body must already have been read by the caller.
func NewInbound(r *http.Request, body []byte, at time.Time) *Inbound {
	uri := r.URL.RequestURI()
	if r.RequestURI != "" {
		uri = r.RequestURI
	}
	return &Inbound{
		Method:     r.Method,
		RequestURI: uri,
		Path:       r.URL.Path,
		RawQuery:   r.URL.RawQuery,
		Header:     r.Header.Clone(),
		Body:       body,
		RemoteAddr: exchange.ClientIP(r),
		UserAgent:  r.UserAgent(),
		At:         at,
	}
}

// Outbound is the snapshot of the response produced by the host
type Outbound struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	At         time.Time
}

// Options controls what the extractor keeps
type Options struct {
	CaptureBody     bool
	CaptureResponse bool
	ExcludePaths    []string
	RedactHeaders   []string
	RedactionToken  string
}

// Extractor turns host request/response snapshots into exchange records.
type Extractor struct {
	opts     Options
	filter   *Filter
	redactor *Redactor
}

// NewExtractor builds an extractor from opts.
func NewExtractor(opts Options) *Extractor {
	return &Extractor{
		opts:     opts,
		filter:   NewFilter(opts.ExcludePaths),
		redactor: NewRedactor(opts.RedactHeaders, opts.RedactionToken),
	}
}

// Extract builds an Exchange from in. It never panics: any failure while
// reading parts of the request produces a Degraded result with whatever was
// captured so far.
func (e *Extractor) Extract(in *Inbound) (res Result) {
	if in == nil {
		return Skipped("no request")
	}
	if e.filter.Excluded(in.Path) {
		return Skipped("excluded path")
	}

	ex := &exchange.Exchange{
		Timestamp: in.At,
		Method:    strings.ToUpper(in.Method),
		URL:       in.RequestURI,
		Path:      in.Path,
		Query:     in.RawQuery,
	}
	if ex.Timestamp.IsZero() {
		ex.Timestamp = time.Now()
	}
	res = Result{Status: StatusRecorded, Exchange: ex}

	defer func() {
		if r := recover(); r != nil {
			ex.Degraded = true
			res = Result{Status: StatusDegraded, Exchange: ex, Reason: fmt.Sprintf("capture panic: %v", r)}
		}
	}()

	ex.Headers = e.redactor.Apply(exchange.FromHTTP(in.Header))
	ex.Client = exchange.Client{RemoteAddr: in.RemoteAddr, UserAgent: in.UserAgent}

	if e.opts.CaptureBody && carriesBody(ex.Method) {
		body, degraded := exchange.ParseBody(in.Header.Get("Content-Type"), in.Body)
		ex.Body = body
		if degraded {
			ex.Degraded = true
			res.Status = StatusDegraded
			res.Reason = "body parse failed, kept raw"
		}
	}
	return res
}

// ExtractResponse builds a Response from out. With response capture
// disabled only the status and completion time are kept.
func (e *Extractor) ExtractResponse(out *Outbound) (resp *exchange.Response) {
	if out == nil {
		return nil
	}
	resp = &exchange.Response{StatusCode: out.StatusCode, Timestamp: out.At}
	if resp.StatusCode == 0 {
		resp.StatusCode = http.StatusOK
	}
	if resp.Timestamp.IsZero() {
		resp.Timestamp = time.Now()
	}
	if !e.opts.CaptureResponse {
		return resp
	}

	defer func() {
		if r := recover(); r != nil {
			resp.Body = nil
		}
	}()

	resp.Headers = e.redactor.Apply(exchange.FromHTTP(out.Header))
	if e.opts.CaptureBody {
		resp.Body, _ = exchange.ParseBody(out.Header.Get("Content-Type"), out.Body)
	}
	return resp
}

func carriesBody(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions, http.MethodTrace, http.MethodConnect:
		return false
	default:
		return true
	}
}
