// Package generate turns recorded exchanges into runnable test artifacts.
package generate

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/funnyzak/rewind/internal/config"
	"github.com/funnyzak/rewind/internal/replay"
	"github.com/funnyzak/rewind/pkg/exchange"
	"github.com/tidwall/gjson"
)

// Format selects the artifact type
type Format string

const (
	FormatGoTest    Format = "go-test"
	FormatGoTestify Format = "go-testify"
	FormatPostman   Format = "postman"
	FormatHAR       Format = "har"
)

// Formats lists every supported format.
var Formats = []Format{FormatGoTest, FormatGoTestify, FormatPostman, FormatHAR}

// Naming strategies
const (
	NamingSequential  = "sequential"
	NamingDescriptive = "descriptive"
	NamingOutcome     = "outcome"
)

// ErrUnknownFormat is returned for formats outside Formats.
var ErrUnknownFormat = errors.New("unknown artifact format")

const (
	defaultPackage        = "replay_test"
	defaultBaseURL        = "http://localhost:38888"
	defaultLatencyFactor  = 3
	defaultLatencyFloorMs = 1000
)

// Options tunes generation. Zero values fall back to the defaults above.
type Options struct {
	Naming             string
	PackageName        string
	BaseURL            string
	Title              string
	DropClientHeaders  bool
	IncludeCredentials bool
	RedactionToken     string
	LatencyFactor      int
	LatencyFloorMs     int
	// AssertFields are gjson paths checked individually instead of
	// comparing whole bodies.
	AssertFields []string
	// Now stamps metadata and time-bearing formats.
	Now time.Time
}

// OptionsFromConfig maps the generate config section.
func OptionsFromConfig(cfg *config.GenerateConfig, redactionToken string) Options {
	return Options{
		Naming:            cfg.Naming,
		PackageName:       cfg.PackageName,
		BaseURL:           cfg.BaseURL,
		DropClientHeaders: cfg.DropClientHeaders,
		RedactionToken:    redactionToken,
		LatencyFactor:     cfg.LatencyFactor,
		LatencyFloorMs:    cfg.LatencyFloorMs,
	}
}

// Metadata describes a generated artifact
type Metadata struct {
	Format      Format    `json:"format"`
	TestCount   int       `json:"test_count"`
	GeneratedAt time.Time `json:"generated_at"`
	Naming      string    `json:"naming"`
	BaseURL     string    `json:"base_url"`
	SourceIDs   []string  `json:"source_ids"`
}

// Artifact is the generated document; persisting it is up to the caller.
type Artifact struct {
	Content  string   `json:"content"`
	Filename string   `json:"filename"`
	Metadata Metadata `json:"metadata"`
}

// Generate renders entries as format. It fails only for unknown formats.
func Generate(entries []*exchange.Entry, format Format, opts Options) (*Artifact, error) {
	opts = withDefaults(opts)
	cases := buildCases(entries, opts)

	var (
		content  string
		filename string
	)
	switch format {
	case FormatGoTest:
		content, filename = renderGo(cases, opts, false), "rewind_recorded_test.go"
	case FormatGoTestify:
		content, filename = renderGo(cases, opts, true), "rewind_recorded_testify_test.go"
	case FormatPostman:
		content, filename = renderPostman(cases, opts), "rewind.postman_collection.json"
	case FormatHAR:
		content, filename = renderHAR(cases, opts), "rewind.har"
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownFormat, format)
	}

	ids := make([]string, len(cases))
	for i, c := range cases {
		ids[i] = c.Entry.ID()
	}
	return &Artifact{
		Content:  content,
		Filename: filename,
		Metadata: Metadata{
			Format:      format,
			TestCount:   len(cases),
			GeneratedAt: opts.Now.UTC(),
			Naming:      opts.Naming,
			BaseURL:     opts.BaseURL,
			SourceIDs:   ids,
		},
	}, nil
}

// ParseFormat accepts a format name case-insensitively.
func ParseFormat(s string) (Format, error) {
	f := Format(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range Formats {
		if f == known {
			return f, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownFormat, s)
}

func withDefaults(opts Options) Options {
	switch opts.Naming {
	case NamingSequential, NamingDescriptive, NamingOutcome:
	default:
		opts.Naming = NamingDescriptive
	}
	if opts.PackageName == "" {
		opts.PackageName = defaultPackage
	}
	if opts.BaseURL == "" {
		opts.BaseURL = defaultBaseURL
	}
	opts.BaseURL = strings.TrimSuffix(opts.BaseURL, "/")
	if opts.Title == "" {
		opts.Title = "rewind recorded traffic"
	}
	if opts.LatencyFactor <= 0 {
		opts.LatencyFactor = defaultLatencyFactor
	}
	if opts.LatencyFloorMs <= 0 {
		opts.LatencyFloorMs = defaultLatencyFloorMs
	}
	if opts.Now.IsZero() {
		opts.Now = time.Now()
	}
	return opts
}

// testCase is the format-neutral view of one entry
type testCase struct {
	Entry   *exchange.Entry
	Name    string
	Method  string
	URL     string // path plus query
	Path    string
	Query   string
	Headers exchange.Header

	Body        string
	HasBody     bool
	ContentType string

	Status     int
	Expect     expectation
	ExpectBody string
	Fields     []fieldAssertion
	LatencyMs  int64
}

type expectation int

const (
	expectNothing expectation = iota
	expectJSON
	expectText
	expectFields
)

type fieldAssertion struct {
	Path string
	// Raw is the JSON literal recorded at Path; Want its string form.
	Raw  string
	Want string
}

func buildCases(entries []*exchange.Entry, opts Options) []*testCase {
	names := newNamer(opts.Naming)
	cases := make([]*testCase, 0, len(entries))
	for _, entry := range entries {
		if entry == nil {
			continue
		}
		ex := entry.Exchange
		c := &testCase{
			Entry:  entry,
			Method: ex.Method,
			Path:   ex.Path,
			Query:  ex.Query,
			Headers: replay.SanitizeHeaders(ex.Headers, replay.SanitizeOptions{
				IncludeCredentials: opts.IncludeCredentials,
				DropClientNoise:    opts.DropClientHeaders,
				RedactionToken:     opts.RedactionToken,
			}),
			Status:    200,
			LatencyMs: latencyBound(entry, opts),
		}
		if c.Path == "" {
			c.Path = "/"
		}
		c.URL = c.Path
		if c.Query != "" {
			c.URL += "?" + c.Query
		}

		if ex.Body != nil && ex.Body.Kind != exchange.KindBinary {
			c.Body, c.HasBody = string(ex.Body.Bytes()), true
			c.ContentType = ex.Headers.Get("Content-Type")
			if c.ContentType == "" {
				c.ContentType = ex.Body.ContentType()
				c.Headers.Set("Content-Type", c.ContentType)
			}
		}

		if resp := entry.Response; resp != nil {
			c.Status = resp.StatusCode
			expectBody(c, resp.Body, opts.AssertFields)
		}
		c.Name = names.next(c)
		cases = append(cases, c)
	}
	return cases
}

func expectBody(c *testCase, body *exchange.Body, fields []string) {
	if body == nil {
		return
	}
	switch body.Kind {
	case exchange.KindJSON:
		data, err := json.Marshal(body.Value)
		if err != nil {
			return
		}
		c.ExpectBody = string(data)
		if len(fields) == 0 {
			c.Expect = expectJSON
			return
		}
		for _, path := range fields {
			res := gjson.Get(c.ExpectBody, path)
			if !res.Exists() {
				continue
			}
			c.Fields = append(c.Fields, fieldAssertion{Path: path, Raw: res.Raw, Want: res.String()})
		}
		if len(c.Fields) > 0 {
			c.Expect = expectFields
		} else {
			c.Expect = expectJSON
		}
	case exchange.KindText:
		c.ExpectBody = body.Raw
		c.Expect = expectText
	}
}

// latencyBound is max(floor, factor x recorded duration) in milliseconds.
func latencyBound(entry *exchange.Entry, opts Options) int64 {
	bound := int64(opts.LatencyFloorMs)
	if entry.InFlight() {
		return bound
	}
	if scaled := entry.DurationMs * int64(opts.LatencyFactor); scaled > bound {
		return scaled
	}
	return bound
}

// queryPairs splits a raw query preserving order.
func queryPairs(raw string) [][2]string {
	var out [][2]string
	for _, part := range strings.Split(raw, "&") {
		if part == "" {
			continue
		}
		key, value, _ := strings.Cut(part, "=")
		if k, err := url.QueryUnescape(key); err == nil {
			key = k
		}
		if v, err := url.QueryUnescape(value); err == nil {
			value = v
		}
		out = append(out, [2]string{key, value})
	}
	return out
}

var (
	idSegment  = regexp.MustCompile(`^(\d+|[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}|[0-9a-fA-F]{16,}|[{:].*)$`)
	nonIdent   = regexp.MustCompile(`[^a-z0-9]+`)
	leadDigits = regexp.MustCompile(`^[0-9]`)
)

type namer struct {
	strategy string
	seq      int
	seen     map[string]int
}

func newNamer(strategy string) *namer {
	return &namer{strategy: strategy, seen: map[string]int{}}
}

// next returns a unique snake_case name for c.
func (n *namer) next(c *testCase) string {
	n.seq++
	var name string
	switch n.strategy {
	case NamingSequential:
		name = fmt.Sprintf("case_%03d", n.seq)
	case NamingOutcome:
		name = describe(c.Method, c.Path) + "_" + outcome(c)
	default:
		name = describe(c.Method, c.Path)
	}

	n.seen[name]++
	if count := n.seen[name]; count > 1 {
		name = fmt.Sprintf("%s_%d", name, count)
	}
	return name
}

// describe builds a verb+resource name: GET /users/7 -> get_users_by_id.
func describe(method, p string) string {
	parts := []string{strings.ToLower(method)}
	resource := false
	for _, seg := range strings.Split(p, "/") {
		if seg == "" {
			continue
		}
		if idSegment.MatchString(seg) {
			parts = append(parts, "by_id")
			continue
		}
		if clean := strings.Trim(nonIdent.ReplaceAllString(strings.ToLower(seg), "_"), "_"); clean != "" {
			parts = append(parts, clean)
			resource = true
		}
	}
	if !resource && len(parts) == 1 {
		parts = append(parts, "root")
	}
	name := strings.Join(parts, "_")
	if leadDigits.MatchString(name) {
		name = "n" + name
	}
	return name
}

func outcome(c *testCase) string {
	if c.Status >= 400 {
		return "error"
	}
	return "success"
}

// camel converts snake_case to CamelCase for Go identifiers.
func camel(name string) string {
	var b strings.Builder
	for _, part := range strings.Split(name, "_") {
		if part == "" {
			continue
		}
		b.WriteString(strings.ToUpper(part[:1]))
		b.WriteString(part[1:])
	}
	return b.String()
}
