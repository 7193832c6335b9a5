// Package recorder owns the capture lifecycle: it turns host traffic into
// stored entries, answers queries over them and moves them in and out of the
// process as export documents.
package recorder

import (
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/funnyzak/rewind/internal/capture"
	"github.com/funnyzak/rewind/internal/config"
	"github.com/funnyzak/rewind/internal/logger"
	"github.com/funnyzak/rewind/internal/storage"
	"github.com/funnyzak/rewind/pkg/exchange"
)

// ErrNotFound is returned when an exchange ID is unknown or evicted.
var ErrNotFound = errors.New("exchange not found")

// Options configures a Recorder.
type Options struct {
	Enabled bool
	Capture capture.Options
}

// OptionsFromConfig maps the recorder config section.
func OptionsFromConfig(cfg *config.RecorderConfig) Options {
	return Options{
		Enabled: cfg.Enable,
		Capture: capture.Options{
			CaptureBody:     cfg.CaptureBody,
			CaptureResponse: cfg.CaptureResponse,
			ExcludePaths:    cfg.ExcludePaths,
			RedactHeaders:   cfg.RedactHeaders,
			RedactionToken:  cfg.RedactionToken,
		},
	}
}

// Recorder coordinates capture, storage and lifecycle notifications.
type Recorder struct {
	backend   storage.Backend
	extractor *capture.Extractor
	log       logger.Logger
	sink      EventSink
	enabled   atomic.Bool
	now       func() time.Time

	// removeMu orders Delete and Clear against the load-complete-store
	// in RecordResponse so a removed entry stays removed.
	removeMu sync.RWMutex
}

// New creates a Recorder. sink may be nil.
func New(backend storage.Backend, opts Options, log logger.Logger, sink EventSink) *Recorder {
	if sink == nil {
		sink = discardSink{}
	}
	r := &Recorder{
		backend:   backend,
		extractor: capture.NewExtractor(opts.Capture),
		log:       log.With("component", "recorder"),
		sink:      sink,
		now:       time.Now,
	}
	r.enabled.Store(opts.Enabled)
	return r
}

// Start accepts new captures.
func (r *Recorder) Start() {
	if !r.enabled.Swap(true) {
		r.log.Info("Recording started")
		r.publish(EventRecordingStarted, "", nil)
	}
}

// Stop rejects new captures. In-flight exchanges still get their responses.
func (r *Recorder) Stop() {
	if r.enabled.Swap(false) {
		r.log.Info("Recording stopped")
		r.publish(EventRecordingStopped, "", nil)
	}
}

// Enabled reports whether new captures are accepted.
func (r *Recorder) Enabled() bool { return r.enabled.Load() }

// RecordRequest captures the request half of an exchange. It never fails:
// problems are reported through the result status and the log.
func (r *Recorder) RecordRequest(in *capture.Inbound) capture.Result {
	if !r.Enabled() {
		return capture.Skipped("recording disabled")
	}

	res := r.extractor.Extract(in)
	if res.Status == capture.StatusSkipped {
		return res
	}

	id := exchange.NewID()
	res.ID = id
	res.Exchange.ID = id
	if res.Status == capture.StatusDegraded {
		r.log.Debug("Capture degraded", "id", id, "reason", res.Reason)
	}

	entry := &exchange.Entry{Exchange: *res.Exchange}
	if err := r.backend.Store(entry); err != nil {
		r.log.Warn("Failed to persist captured request", "id", id, "error", err)
	}
	r.publish(EventCaptureStarted, id, map[string]interface{}{
		"method": entry.Exchange.Method,
		"path":   entry.Exchange.Path,
		"status": res.Status.String(),
	})
	return res
}

// RecordResponse attaches the response half. Unknown IDs (never stored or
// already evicted) are ignored.
func (r *Recorder) RecordResponse(id string, out *capture.Outbound) {
	if id == "" || out == nil {
		return
	}
	resp := r.extractor.ExtractResponse(out)

	r.removeMu.RLock()
	entry, err := r.backend.Get(id)
	if err != nil {
		r.removeMu.RUnlock()
		r.log.Warn("Failed to load exchange for response", "id", id, "error", err)
		return
	}
	if entry == nil {
		r.removeMu.RUnlock()
		r.log.Debug("Response for unknown exchange ignored", "id", id)
		return
	}
	entry.Complete(resp)
	err = r.backend.Store(entry)
	r.removeMu.RUnlock()
	if err != nil {
		r.log.Warn("Failed to persist captured response", "id", id, "error", err)
	}
	r.publish(EventCaptureCompleted, id, map[string]interface{}{
		"method":      entry.Exchange.Method,
		"path":        entry.Exchange.Path,
		"status":      entry.Status(),
		"duration_ms": entry.DurationMs,
	})
}

// Get returns the entry for id or ErrNotFound.
func (r *Recorder) Get(id string) (*exchange.Entry, error) {
	entry, err := r.backend.Get(id)
	if err != nil {
		return nil, err
	}
	if entry == nil {
		return nil, ErrNotFound
	}
	return entry, nil
}

// GetAll returns every live entry, newest first.
func (r *Recorder) GetAll() ([]*exchange.Entry, error) {
	return r.backend.List()
}

// GetRecent returns up to limit entries, newest first.
func (r *Recorder) GetRecent(limit int) ([]*exchange.Entry, error) {
	return r.backend.Recent(limit)
}

// Query narrows Filter results. Zero values match everything.
type Query struct {
	Method       string
	PathContains string
	Status       int
	MinDuration  time.Duration
	MaxDuration  time.Duration
	Limit        int
}

// Match reports whether entry satisfies q. Duration bounds only match
// completed entries.
func (q Query) Match(entry *exchange.Entry) bool {
	if q.Method != "" && !strings.EqualFold(entry.Exchange.Method, q.Method) {
		return false
	}
	if q.PathContains != "" && !strings.Contains(strings.ToLower(entry.Exchange.Path), strings.ToLower(q.PathContains)) {
		return false
	}
	if q.Status != 0 && entry.Status() != q.Status {
		return false
	}
	if q.MinDuration > 0 || q.MaxDuration > 0 {
		if entry.InFlight() {
			return false
		}
		if q.MinDuration > 0 && entry.Duration() < q.MinDuration {
			return false
		}
		if q.MaxDuration > 0 && entry.Duration() > q.MaxDuration {
			return false
		}
	}
	return true
}

// Filter returns entries matching q, newest first.
func (r *Recorder) Filter(q Query) ([]*exchange.Entry, error) {
	all, err := r.backend.List()
	if err != nil {
		return nil, err
	}
	result := make([]*exchange.Entry, 0, len(all))
	for _, entry := range all {
		if !q.Match(entry) {
			continue
		}
		result = append(result, entry)
		if q.Limit > 0 && len(result) >= q.Limit {
			break
		}
	}
	return result, nil
}

// Delete removes one entry and reports whether it existed.
func (r *Recorder) Delete(id string) (bool, error) {
	r.removeMu.Lock()
	defer r.removeMu.Unlock()
	return r.backend.Delete(id)
}

// Clear removes every entry.
func (r *Recorder) Clear() error {
	r.removeMu.Lock()
	err := r.backend.Clear()
	r.removeMu.Unlock()
	if err != nil {
		return err
	}
	r.log.Info("Recorded exchanges cleared")
	r.publish(EventCleared, "", nil)
	return nil
}

// Count returns the number of live entries.
func (r *Recorder) Count() int { return r.backend.Count() }

// Close releases the storage backend.
func (r *Recorder) Close() error { return r.backend.Close() }

func (r *Recorder) publish(kind EventType, id string, data map[string]interface{}) {
	r.sink.Publish(Event{Type: kind, ID: id, Time: r.now(), Data: data})
}
