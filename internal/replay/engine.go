// Package replay rebuilds stored exchanges and executes them again, either
// against a live target or by answering from the recorded response.
package replay

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/funnyzak/rewind/internal/config"
	"github.com/funnyzak/rewind/internal/logger"
	"github.com/funnyzak/rewind/internal/recorder"
	"github.com/funnyzak/rewind/pkg/exchange"
	"golang.org/x/sync/errgroup"
)

var (
	// ErrNotFound is the recorder's lookup sentinel, shared so callers can
	// test either package's name.
	ErrNotFound = recorder.ErrNotFound
	// ErrNoResponse is returned by mock replays of entries that never
	// received a response.
	ErrNoResponse = fmt.Errorf("%w: no recorded response", ErrNotFound)
)

const (
	defaultTimeout       = 30 * time.Second
	defaultMaxConcurrent = 4
	defaultMaxResponse   = 32 << 20
)

// ErrorKind classifies a failed replay
type ErrorKind string

const (
	KindNetwork        ErrorKind = "network"
	KindTimeout        ErrorKind = "timeout"
	KindInvalidRequest ErrorKind = "invalid_request"
	KindRead           ErrorKind = "read"
	KindNotFound       ErrorKind = "not_found"
)

// Source is the read side of the recorder.
type Source interface {
	Get(id string) (*exchange.Entry, error)
}

// Options configures an Engine
type Options struct {
	BaseURL               string
	Timeout               time.Duration
	MaxConcurrent         int
	MaxIdleConns          int
	MaxIdleConnsPerHost   int
	MaxConnsPerHost       int
	IdleConnTimeout       time.Duration
	ResponseHeaderTimeout time.Duration
	TLSHandshakeTimeout   time.Duration
	TLSInsecureSkipVerify bool
	IncludeCredentials    bool
	HeaderBlacklist       []string
	RedactionToken        string
	PathStrategy          PathStrategyOptions
	// MaxResponseBytes caps a replayed body; larger responses fail with
	// KindRead. 0 means 32 MiB.
	MaxResponseBytes int64
}

// OptionsFromConfig maps the replay config section. redactionToken should be
// the recorder's so masked values are recognised.
func OptionsFromConfig(cfg *config.ReplayConfig, redactionToken string) Options {
	rules := make([]RewriteRuleOption, 0, len(cfg.PathStrategy.Rules))
	for _, r := range cfg.PathStrategy.Rules {
		rules = append(rules, RewriteRuleOption{Name: r.Name, Match: r.Match, Replace: r.Replace, Regex: r.Regex})
	}
	return Options{
		BaseURL:               cfg.BaseURL,
		Timeout:               time.Duration(cfg.Timeout) * time.Second,
		MaxConcurrent:         cfg.MaxConcurrent,
		MaxIdleConns:          cfg.MaxIdleConns,
		MaxIdleConnsPerHost:   cfg.MaxIdleConnsPerHost,
		MaxConnsPerHost:       cfg.MaxConnsPerHost,
		IdleConnTimeout:       time.Duration(cfg.IdleConnTimeout) * time.Second,
		ResponseHeaderTimeout: time.Duration(cfg.ResponseHeaderTimeout) * time.Second,
		TLSHandshakeTimeout:   time.Duration(cfg.TLSHandshakeTimeout) * time.Second,
		TLSInsecureSkipVerify: cfg.TLSInsecureSkipVerify,
		IncludeCredentials:    cfg.IncludeCredentials,
		HeaderBlacklist:       cfg.HeaderBlacklist,
		RedactionToken:        redactionToken,
		PathStrategy: PathStrategyOptions{
			Mode:        cfg.PathStrategy.Mode,
			StripPrefix: cfg.PathStrategy.StripPrefix,
			Rules:       rules,
		},
	}
}

// Overrides are overlaid onto the stored exchange. Zero values keep the
// recorded data.
type Overrides struct {
	Method string `json:"method,omitempty"`
	Path   string `json:"path,omitempty"`
	Query  string `json:"query,omitempty"`
	// Headers are set on top of the sanitized recorded headers; an empty
	// value removes the header.
	Headers map[string]string `json:"headers,omitempty"`
	// Body replaces the recorded body and is parsed by the effective
	// Content-Type.
	Body   *string `json:"body,omitempty"`
	Target string  `json:"target,omitempty"`
	Mock   bool    `json:"mock,omitempty"`
	// TimeoutMs bounds a live attempt; 0 uses the engine default.
	TimeoutMs          int   `json:"timeout_ms,omitempty"`
	IncludeCredentials *bool `json:"include_credentials,omitempty"`
}

// Request is the ephemeral request built for one replay
type Request struct {
	ID        string          `json:"id"`
	ParentID  string          `json:"parent_id"`
	Timestamp time.Time       `json:"timestamp"`
	Method    string          `json:"method"`
	URL       string          `json:"url"`
	Path      string          `json:"path"`
	Query     string          `json:"query,omitempty"`
	Headers   exchange.Header `json:"headers"`
	Body      *exchange.Body  `json:"body,omitempty"`
	// PathRule names the rewrite rule that fired, if any.
	PathRule string `json:"path_rule,omitempty"`
}

// Result is the outcome of one replay. Failures are carried in Error and
// ErrorKind; a Result is always renderable.
type Result struct {
	ID         string             `json:"id"`
	OriginalID string             `json:"original_id"`
	Original   *exchange.Entry    `json:"original,omitempty"`
	Request    *Request           `json:"request,omitempty"`
	Response   *exchange.Response `json:"response,omitempty"`
	Mocked     bool               `json:"mocked"`
	StartedAt  time.Time          `json:"started_at"`
	Duration   time.Duration      `json:"-"`
	DurationMs int64              `json:"duration_ms"`
	Error      string             `json:"error,omitempty"`
	ErrorKind  ErrorKind          `json:"error_kind,omitempty"`
}

// OK reports whether the replay produced a response without error.
func (r *Result) OK() bool { return r.Error == "" && r.Response != nil }

func (r *Result) fail(kind ErrorKind, err error) {
	r.ErrorKind = kind
	r.Error = err.Error()
}

// Engine replays stored exchanges
type Engine struct {
	source Source
	opts   Options
	client *http.Client
	paths  *pathStrategy
	log    logger.Logger
	now    func() time.Time
}

// New creates an Engine over source.
func New(source Source, opts Options, log logger.Logger) *Engine {
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = defaultMaxConcurrent
	}
	if opts.MaxResponseBytes <= 0 {
		opts.MaxResponseBytes = defaultMaxResponse
	}

	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		MaxIdleConns:          positiveOrDefault(opts.MaxIdleConns, 100),
		MaxIdleConnsPerHost:   positiveOrDefault(opts.MaxIdleConnsPerHost, opts.MaxConcurrent),
		MaxConnsPerHost:       positiveOrDefault(opts.MaxConnsPerHost, opts.MaxConcurrent*2),
		IdleConnTimeout:       durationOrDefault(opts.IdleConnTimeout, 90*time.Second),
		ResponseHeaderTimeout: opts.ResponseHeaderTimeout,
		TLSHandshakeTimeout:   durationOrDefault(opts.TLSHandshakeTimeout, 10*time.Second),
		ExpectContinueTimeout: time.Second,
		TLSClientConfig: &tls.Config{
			InsecureSkipVerify: opts.TLSInsecureSkipVerify,
		},
	}

	return &Engine{
		source: source,
		opts:   opts,
		client: &http.Client{
			Transport: transport,
			// Report what the target answered, not where it pointed.
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		paths: newPathStrategy(opts.PathStrategy, log),
		log:   log.With("component", "replay"),
		now:   time.Now,
	}
}

// Close releases idle connections.
func (e *Engine) Close() {
	if transport, ok := e.client.Transport.(*http.Transport); ok {
		transport.CloseIdleConnections()
	}
}

// Replay re-executes the exchange stored under id. Only lookup failures are
// returned as errors; everything that happens on the wire ends up in the
// Result.
func (e *Engine) Replay(ctx context.Context, id string, ov Overrides) (*Result, error) {
	entry, err := e.lookup(id)
	if err != nil {
		return nil, err
	}

	req := e.build(entry, ov)
	res := &Result{
		ID:         req.ID,
		OriginalID: entry.ID(),
		Original:   entry,
		Request:    req,
		StartedAt:  req.Timestamp,
	}

	if ov.Mock {
		if entry.Response == nil {
			return nil, fmt.Errorf("%w: %s", ErrNoResponse, id)
		}
		res.Mocked = true
		res.Response = entry.Clone().Response
		return res, nil
	}

	timeout := e.opts.Timeout
	if ov.TimeoutMs > 0 {
		timeout = time.Duration(ov.TimeoutMs) * time.Millisecond
	}
	e.execute(ctx, req, timeout, res)

	if res.Error != "" {
		e.log.Warn("Replay failed",
			"id", res.ID,
			"original_id", res.OriginalID,
			"url", req.URL,
			"kind", string(res.ErrorKind),
			"error", res.Error,
		)
	} else {
		e.log.Info("Exchange replayed",
			"id", res.ID,
			"original_id", res.OriginalID,
			"url", req.URL,
			"status", res.Response.StatusCode,
			"duration", res.Duration,
		)
	}
	return res, nil
}

// ReplayMany replays ids with at most concurrency requests in flight.
// Results keep the input order; lookup failures become failed Results.
func (e *Engine) ReplayMany(ctx context.Context, ids []string, ov Overrides, concurrency int) []*Result {
	if concurrency <= 0 {
		concurrency = e.opts.MaxConcurrent
	}
	results := make([]*Result, len(ids))

	var g errgroup.Group
	g.SetLimit(concurrency)
	for i, id := range ids {
		i, id := i, id
		g.Go(func() error {
			res, err := e.Replay(ctx, id, ov)
			if err != nil {
				res = &Result{OriginalID: id, StartedAt: e.now(), ErrorKind: KindNotFound, Error: err.Error()}
				if !errors.Is(err, ErrNotFound) {
					res.ErrorKind = KindInvalidRequest
				}
			}
			results[i] = res
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func (e *Engine) lookup(id string) (*exchange.Entry, error) {
	entry, err := e.source.Get(id)
	if errors.Is(err, ErrNotFound) || (err == nil && entry == nil) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return entry, nil
}

func (e *Engine) build(entry *exchange.Entry, ov Overrides) *Request {
	ex := entry.Exchange
	req := &Request{
		ID:        exchange.DeriveID(ex.ID),
		ParentID:  ex.ID,
		Timestamp: e.now(),
		Method:    ex.Method,
		Path:      ex.Path,
		Query:     ex.Query,
		Body:      ex.Body.Clone(),
	}
	if ov.Method != "" {
		req.Method = strings.ToUpper(ov.Method)
	}
	if ov.Path != "" {
		req.Path = ov.Path
	}
	if ov.Query != "" {
		req.Query = strings.TrimPrefix(ov.Query, "?")
	}

	includeCreds := e.opts.IncludeCredentials
	if ov.IncludeCredentials != nil {
		includeCreds = *ov.IncludeCredentials
	}
	req.Headers = SanitizeHeaders(ex.Headers, SanitizeOptions{
		IncludeCredentials: includeCreds,
		Blacklist:          e.opts.HeaderBlacklist,
		RedactionToken:     e.opts.RedactionToken,
	})
	for name, value := range ov.Headers {
		if value == "" {
			req.Headers.Del(name)
			continue
		}
		req.Headers.Set(name, value)
	}

	if ov.Body != nil {
		req.Body, _ = exchange.ParseBody(req.Headers.Get("Content-Type"), []byte(*ov.Body))
	}

	target := ov.Target
	if target == "" {
		target = e.opts.BaseURL
	}
	req.URL, req.PathRule = e.resolveURL(target, req.Path, req.Query)
	return req
}

// resolveURL joins target with the strategy-mapped path. An empty target
// yields a relative URL.
func (e *Engine) resolveURL(target, p, query string) (string, string) {
	resolved, rule := e.paths.resolve(p)
	u := strings.TrimSuffix(strings.TrimSpace(target), "/") + resolved
	if query != "" {
		u += "?" + query
	}
	return u, rule
}

func (e *Engine) execute(ctx context.Context, req *Request, timeout time.Duration, res *Result) {
	start := time.Now()
	defer func() {
		res.Duration = time.Since(start)
		res.DurationMs = res.Duration.Milliseconds()
	}()

	if !strings.HasPrefix(req.URL, "http://") && !strings.HasPrefix(req.URL, "https://") {
		res.fail(KindInvalidRequest, fmt.Errorf("no replay target for %s", req.URL))
		return
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	payload := req.Body.Bytes()
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, bytes.NewReader(payload))
	if err != nil {
		res.fail(KindInvalidRequest, fmt.Errorf("create request failed: %w", err))
		return
	}
	httpReq.Header = req.Headers.HTTP()
	if len(payload) > 0 && httpReq.Header.Get("Content-Type") == "" {
		httpReq.Header.Set("Content-Type", req.Body.ContentType())
	}
	httpReq.Header.Set(HeaderReplay, "true")
	httpReq.Header.Set(HeaderOriginalID, req.ParentID)

	resp, err := e.client.Do(httpReq)
	if err != nil {
		res.fail(classify(ctx, err), fmt.Errorf("request failed: %w", err))
		return
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			e.log.Debug("Failed to close replay response body", "error", cerr)
		}
	}()

	limit := e.opts.MaxResponseBytes
	data, readErr := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	truncated := int64(len(data)) > limit
	if truncated {
		data = data[:limit]
	}
	body, _ := exchange.ParseBody(resp.Header.Get("Content-Type"), data)
	res.Response = &exchange.Response{
		StatusCode: resp.StatusCode,
		Headers:    exchange.FromHTTP(resp.Header),
		Body:       body,
		Timestamp:  e.now(),
	}
	if readErr != nil {
		kind := KindRead
		if classify(ctx, readErr) == KindTimeout {
			kind = KindTimeout
		}
		res.fail(kind, fmt.Errorf("read response failed: %w", readErr))
		return
	}
	if truncated {
		res.fail(KindRead, fmt.Errorf("response body exceeds %d bytes; kept the first %d", limit, limit))
	}
}

func classify(ctx context.Context, err error) ErrorKind {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return KindTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return KindTimeout
	}
	return KindNetwork
}

func positiveOrDefault(value, def int) int {
	if value > 0 {
		return value
	}
	return def
}

func durationOrDefault(value, def time.Duration) time.Duration {
	if value > 0 {
		return value
	}
	return def
}
