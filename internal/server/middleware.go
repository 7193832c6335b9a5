package server

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/funnyzak/rewind/internal/capture"
	"github.com/funnyzak/rewind/internal/logger"
	"github.com/funnyzak/rewind/internal/printer"
	"github.com/funnyzak/rewind/pkg/exchange"
)

var errRequestBodyTooLarge = errors.New("request body exceeds configured limit")

// Recorder is the part of the recorder the capture middleware needs.
type Recorder interface {
	RecordRequest(*capture.Inbound) capture.Result
	RecordResponse(id string, out *capture.Outbound)
	Get(id string) (*exchange.Entry, error)
}

// CaptureOptions configures CaptureMiddleware
type CaptureOptions struct {
	// MaxBodyBytes bounds request bodies (413 above it) and the captured
	// copy of response bodies. 0 means unlimited.
	MaxBodyBytes int64
	// Printer, when set, receives every completed exchange.
	Printer printer.Printer
	Logger  logger.Logger
	// WaitGroup tracks capture goroutines so shutdown can drain them.
	WaitGroup *sync.WaitGroup
}

// CaptureMiddleware records every request passing through next. Capture runs
// on background goroutines; the response is never delayed by it.
func CaptureMiddleware(rec Recorder, opts CaptureOptions) func(http.Handler) http.Handler {
	if opts.WaitGroup == nil {
		opts.WaitGroup = &sync.WaitGroup{}
	}
	if opts.Logger == nil {
		opts.Logger = logger.Nop()
	}
	c := &captureMiddleware{rec: rec, opts: opts}
	return c.wrap
}

type captureMiddleware struct {
	rec  Recorder
	opts CaptureOptions
}

func (c *captureMiddleware) wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		body, err := c.readRequestBody(r)
		if err != nil {
			c.handleBodyReadError(w, err)
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(body))
		in := capture.NewInbound(r, body, start)

		done := make(chan *capture.Outbound, 1)
		c.opts.WaitGroup.Add(1)
		go c.process(in, done)

		sent := false
		defer func() {
			if !sent {
				close(done)
			}
		}()

		cw := &captureWriter{ResponseWriter: w, limit: c.opts.MaxBodyBytes}
		next.ServeHTTP(cw, r)
		done <- cw.outbound(time.Now())
		sent = true
	})
}

// process records the request half, then waits for the response half.
// A closed channel means the handler panicked; the entry stays in flight.
func (c *captureMiddleware) process(in *capture.Inbound, done <-chan *capture.Outbound) {
	defer c.opts.WaitGroup.Done()

	res := c.rec.RecordRequest(in)
	out, ok := <-done
	if res.Status == capture.StatusSkipped || !ok {
		return
	}
	c.rec.RecordResponse(res.ID, out)

	if c.opts.Printer == nil {
		return
	}
	entry, err := c.rec.Get(res.ID)
	if err != nil {
		c.opts.Logger.Debug("Captured exchange not available for printing", "id", res.ID, "error", err)
		return
	}
	if err := c.opts.Printer.PrintEntry(entry); err != nil {
		c.opts.Logger.Debug("Failed to print exchange", "id", res.ID, "error", err)
	}
}

func (c *captureMiddleware) readRequestBody(r *http.Request) ([]byte, error) {
	if r.Body == nil {
		return nil, nil
	}
	defer r.Body.Close()

	if c.opts.MaxBodyBytes <= 0 {
		return io.ReadAll(r.Body)
	}

	limited := io.LimitReader(r.Body, c.opts.MaxBodyBytes+1)
	body, err := io.ReadAll(limited)
	if err != nil {
		return nil, err
	}
	if int64(len(body)) > c.opts.MaxBodyBytes {
		return nil, errRequestBodyTooLarge
	}
	return body, nil
}

func (c *captureMiddleware) handleBodyReadError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, errRequestBodyTooLarge):
		c.opts.Logger.Warn("Request body exceeds configured limit", "limit_bytes", c.opts.MaxBodyBytes)
		http.Error(w, "Payload Too Large", http.StatusRequestEntityTooLarge)
	default:
		c.opts.Logger.Warn("Failed to read request body", "error", err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
	}
}

// captureWriter observes the status, headers and body written downstream.
type captureWriter struct {
	http.ResponseWriter
	status int
	header http.Header
	body   bytes.Buffer
	limit  int64
}

func (w *captureWriter) WriteHeader(code int) {
	if w.status == 0 {
		w.status = code
		w.header = w.ResponseWriter.Header().Clone()
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *captureWriter) Write(p []byte) (int, error) {
	if w.status == 0 {
		w.WriteHeader(http.StatusOK)
	}
	w.keep(p)
	return w.ResponseWriter.Write(p)
}

func (w *captureWriter) keep(p []byte) {
	if w.limit <= 0 {
		w.body.Write(p)
		return
	}
	room := w.limit - int64(w.body.Len())
	if room <= 0 {
		return
	}
	if int64(len(p)) > room {
		p = p[:room]
	}
	w.body.Write(p)
}

// Flush implements http.Flusher when the underlying writer does.
func (w *captureWriter) Flush() {
	if w.status == 0 {
		w.WriteHeader(http.StatusOK)
	}
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack implements http.Hijacker so websocket upgrades keep working.
func (w *captureWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	return h.Hijack()
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (w *captureWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

func (w *captureWriter) outbound(at time.Time) *capture.Outbound {
	status := w.status
	header := w.header
	if status == 0 {
		status = http.StatusOK
		header = w.ResponseWriter.Header().Clone()
	}
	return &capture.Outbound{
		StatusCode: status,
		Header:     header,
		Body:       bytes.Clone(w.body.Bytes()),
		At:         at,
	}
}
