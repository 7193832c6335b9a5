// Package web exposes the recorder, replay engine and generator over a JSON
// admin API, plus a websocket stream of lifecycle events.
package web

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/funnyzak/rewind/internal/compare"
	"github.com/funnyzak/rewind/internal/config"
	"github.com/funnyzak/rewind/internal/generate"
	"github.com/funnyzak/rewind/internal/logger"
	"github.com/funnyzak/rewind/internal/recorder"
	"github.com/funnyzak/rewind/internal/replay"
	"github.com/funnyzak/rewind/pkg/exchange"
)

const (
	defaultListLimit = 100
	maxListLimit     = 1000
	maxImportBytes   = 64 << 20
	contentTypeJSON  = "application/json"
)

// Dependencies are the components served by the admin API.
type Dependencies struct {
	Recorder *recorder.Recorder
	Engine   *replay.Engine
	Hub      *Hub
	// Generate holds the configured generator defaults; requests may
	// override format and naming.
	Generate generate.Options
	// IgnoreHeaders are skipped when comparing replayed responses.
	IgnoreHeaders []string
}

// Service bundles the admin API
type Service struct {
	cfg    *config.WebConfig
	logger logger.Logger
	deps   Dependencies
	auth   *TokenAuth
}

// NewService builds a Service from configuration.
func NewService(cfg *config.WebConfig, log logger.Logger, deps Dependencies) *Service {
	if deps.IgnoreHeaders == nil {
		deps.IgnoreHeaders = compare.VolatileHeaders
	}
	return &Service{
		cfg:    cfg,
		logger: log.With("component", "admin"),
		deps:   deps,
		auth:   NewTokenAuth(cfg.Auth),
	}
}

// AdminPath returns the normalized mount point.
func (s *Service) AdminPath() string {
	return normalizePath(s.cfg.AdminPath)
}

// RegisterRoutes wires the admin routes into router. They must be
// registered before the catch-all host route.
func (s *Service) RegisterRoutes(router *mux.Router) {
	if s == nil || !s.cfg.Enable {
		return
	}

	api := router.PathPrefix(s.AdminPath()).Subrouter()
	api.Use(s.authMiddleware)

	api.HandleFunc("/exchanges", s.handleList).Methods(http.MethodGet)
	api.HandleFunc("/exchanges", s.handleClear).Methods(http.MethodDelete)
	api.HandleFunc("/exchanges/{id}", s.handleGet).Methods(http.MethodGet)
	api.HandleFunc("/exchanges/{id}", s.handleDelete).Methods(http.MethodDelete)
	api.HandleFunc("/exchanges/{id}/replay", s.handleReplay).Methods(http.MethodPost)
	api.HandleFunc("/exchanges/{id}/compare", s.handleCompare).Methods(http.MethodPost)
	api.HandleFunc("/exchanges/{id}/curl", s.handleCurl).Methods(http.MethodGet)
	api.HandleFunc("/exchanges/{id}/snippet", s.handleSnippet).Methods(http.MethodGet)
	api.HandleFunc("/replay", s.handleReplayMany).Methods(http.MethodPost)

	api.HandleFunc("/recording", s.handleRecordingStatus).Methods(http.MethodGet)
	api.HandleFunc("/recording/start", s.handleRecordingStart).Methods(http.MethodPost)
	api.HandleFunc("/recording/stop", s.handleRecordingStop).Methods(http.MethodPost)

	api.HandleFunc("/generate", s.handleGenerate).Methods(http.MethodPost)
	api.HandleFunc("/export", s.handleExport).Methods(http.MethodGet)
	api.HandleFunc("/import", s.handleImport).Methods(http.MethodPost)

	if s.deps.Hub != nil {
		api.HandleFunc("/ws", s.handleWebsocket).Methods(http.MethodGet)
	}
}

func (s *Service) handleList(w http.ResponseWriter, r *http.Request) {
	q, err := parseQuery(r)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err)
		return
	}
	entries, err := s.deps.Recorder.Filter(q)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"data":  entries,
		"count": len(entries),
		"total": s.deps.Recorder.Count(),
		"limit": q.Limit,
	})
}

func parseQuery(r *http.Request) (recorder.Query, error) {
	values := r.URL.Query()
	q := recorder.Query{
		Method:       values.Get("method"),
		PathContains: values.Get("path"),
		Limit:        parseIntDefault(values.Get("limit"), defaultListLimit),
	}
	if q.Limit <= 0 || q.Limit > maxListLimit {
		q.Limit = maxListLimit
	}
	if v := values.Get("status"); v != "" {
		status, err := strconv.Atoi(v)
		if err != nil {
			return q, fmt.Errorf("invalid status %q", v)
		}
		q.Status = status
	}
	for key, dst := range map[string]*time.Duration{"min_ms": &q.MinDuration, "max_ms": &q.MaxDuration} {
		v := values.Get(key)
		if v == "" {
			continue
		}
		ms, err := strconv.ParseInt(v, 10, 64)
		if err != nil || ms < 0 {
			return q, fmt.Errorf("invalid %s %q", key, v)
		}
		*dst = time.Duration(ms) * time.Millisecond
	}
	return q, nil
}

func (s *Service) handleGet(w http.ResponseWriter, r *http.Request) {
	entry, err := s.deps.Recorder.Get(mux.Vars(r)["id"])
	if err != nil {
		s.respondLookupError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, entry)
}

func (s *Service) handleDelete(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	existed, err := s.deps.Recorder.Delete(id)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err)
		return
	}
	if !existed {
		s.respondLookupError(w, recorder.ErrNotFound)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{"deleted": id})
}

func (s *Service) handleClear(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Recorder.Clear(); err != nil {
		s.respondError(w, http.StatusInternalServerError, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{"cleared": true})
}

func (s *Service) handleRecordingStatus(w http.ResponseWriter, r *http.Request) {
	s.respondRecording(w)
}

func (s *Service) handleRecordingStart(w http.ResponseWriter, r *http.Request) {
	s.deps.Recorder.Start()
	s.respondRecording(w)
}

func (s *Service) handleRecordingStop(w http.ResponseWriter, r *http.Request) {
	s.deps.Recorder.Stop()
	s.respondRecording(w)
}

func (s *Service) respondRecording(w http.ResponseWriter) {
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"recording": s.deps.Recorder.Enabled(),
		"count":     s.deps.Recorder.Count(),
	})
}

func (s *Service) handleReplay(w http.ResponseWriter, r *http.Request) {
	var ov replay.Overrides
	if !s.decodeOptional(w, r, &ov) {
		return
	}
	res, err := s.deps.Engine.Replay(r.Context(), mux.Vars(r)["id"], ov)
	if err != nil {
		s.respondLookupError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, res)
}

type compareResponse struct {
	Result *replay.Result  `json:"result"`
	Report *compare.Report `json:"report,omitempty"`
}

func (s *Service) handleCompare(w http.ResponseWriter, r *http.Request) {
	var ov replay.Overrides
	if !s.decodeOptional(w, r, &ov) {
		return
	}
	res, err := s.deps.Engine.Replay(r.Context(), mux.Vars(r)["id"], ov)
	if err != nil {
		s.respondLookupError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, s.compareResult(res))
}

// compareResult diffs a successful replay against its recorded response.
func (s *Service) compareResult(res *replay.Result) compareResponse {
	out := compareResponse{Result: res}
	if res.OK() && res.Original != nil {
		out.Report = compare.CompareWith(res.Original.Response, res.Response, compare.Options{IgnoreHeaders: s.deps.IgnoreHeaders})
	}
	return out
}

type replayManyRequest struct {
	IDs         []string         `json:"ids"`
	Overrides   replay.Overrides `json:"overrides"`
	Concurrency int              `json:"concurrency"`
	Compare     bool             `json:"compare"`
}

func (s *Service) handleReplayMany(w http.ResponseWriter, r *http.Request) {
	var req replayManyRequest
	if !s.decodeOptional(w, r, &req) {
		return
	}
	if len(req.IDs) == 0 {
		s.respondError(w, http.StatusBadRequest, errors.New("ids must not be empty"))
		return
	}
	results := s.deps.Engine.ReplayMany(r.Context(), req.IDs, req.Overrides, req.Concurrency)
	if !req.Compare {
		s.respondJSON(w, http.StatusOK, map[string]interface{}{"data": results})
		return
	}
	compared := make([]compareResponse, len(results))
	for i, res := range results {
		compared[i] = s.compareResult(res)
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{"data": compared})
}

func (s *Service) handleCurl(w http.ResponseWriter, r *http.Request) {
	values := r.URL.Query()
	cmd, err := s.deps.Engine.Curl(mux.Vars(r)["id"], replay.CurlOptions{
		Target:             values.Get("target"),
		IncludeCredentials: parseBool(values.Get("include_credentials")),
	})
	if err != nil {
		s.respondLookupError(w, err)
		return
	}
	s.respondText(w, cmd+"\n")
}

func (s *Service) handleSnippet(w http.ResponseWriter, r *http.Request) {
	values := r.URL.Query()
	snippet, err := s.deps.Engine.Snippet(mux.Vars(r)["id"], replay.SnippetOptions{
		Target:             values.Get("target"),
		IncludeCredentials: parseBool(values.Get("include_credentials")),
		TestName:           values.Get("name"),
	})
	if err != nil {
		s.respondLookupError(w, err)
		return
	}
	s.respondText(w, snippet)
}

type generateRequest struct {
	IDs          []string `json:"ids"`
	Format       string   `json:"format"`
	Naming       string   `json:"naming"`
	BaseURL      string   `json:"base_url"`
	PackageName  string   `json:"package_name"`
	AssertFields []string `json:"assert_fields"`
	// Inline returns the artifact as JSON instead of a download.
	Inline bool `json:"inline"`
}

func (s *Service) handleGenerate(w http.ResponseWriter, r *http.Request) {
	var req generateRequest
	if !s.decodeOptional(w, r, &req) {
		return
	}
	format, err := generate.ParseFormat(req.Format)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err)
		return
	}

	entries, err := s.selectEntries(req.IDs)
	if err != nil {
		s.respondLookupError(w, err)
		return
	}

	opts := s.deps.Generate
	if req.Naming != "" {
		opts.Naming = req.Naming
	}
	if req.BaseURL != "" {
		opts.BaseURL = req.BaseURL
	}
	if req.PackageName != "" {
		opts.PackageName = req.PackageName
	}
	if len(req.AssertFields) > 0 {
		opts.AssertFields = req.AssertFields
	}
	opts.Now = time.Now()

	artifact, err := generate.Generate(entries, format, opts)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err)
		return
	}
	s.logger.Info("Artifact generated", "format", string(format), "tests", artifact.Metadata.TestCount)

	if req.Inline {
		s.respondJSON(w, http.StatusOK, artifact)
		return
	}
	w.Header().Set("Content-Type", artifactContentType(format))
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%s", artifact.Filename))
	w.Header().Set("X-Rewind-Test-Count", strconv.Itoa(artifact.Metadata.TestCount))
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(artifact.Content))
}

// selectEntries resolves ids in order; no ids selects every entry, oldest first.
func (s *Service) selectEntries(ids []string) ([]*exchange.Entry, error) {
	if len(ids) == 0 {
		all, err := s.deps.Recorder.GetAll()
		if err != nil {
			return nil, err
		}
		for i, j := 0, len(all)-1; i < j; i, j = i+1, j-1 {
			all[i], all[j] = all[j], all[i]
		}
		return all, nil
	}
	entries := make([]*exchange.Entry, 0, len(ids))
	for _, id := range ids {
		entry, err := s.deps.Recorder.Get(id)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", id, err)
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func artifactContentType(format generate.Format) string {
	switch format {
	case generate.FormatGoTest, generate.FormatGoTestify:
		return "text/x-go; charset=utf-8"
	default:
		return contentTypeJSON
	}
}

func (s *Service) handleExport(w http.ResponseWriter, r *http.Request) {
	format := strings.ToLower(r.URL.Query().Get("format"))
	if format == "" {
		format = "json"
	}
	var contentType, ext string
	switch format {
	case "json":
		contentType, ext = contentTypeJSON, "json"
	case "yaml", "yml":
		contentType, ext = "application/yaml", "yaml"
	default:
		s.respondError(w, http.StatusBadRequest, fmt.Errorf("%w: %s", recorder.ErrUnknownFormat, format))
		return
	}

	filename := fmt.Sprintf("rewind_exchanges_%d.%s", time.Now().Unix(), ext)
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%s", filename))
	w.WriteHeader(http.StatusOK)
	if err := s.deps.Recorder.Export(w, format); err != nil {
		s.logger.Error("Export failed", "error", err)
	}
}

func (s *Service) handleImport(w http.ResponseWriter, r *http.Request) {
	report, err := s.deps.Recorder.Import(http.MaxBytesReader(w, r.Body, maxImportBytes))
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err)
		return
	}
	s.respondJSON(w, http.StatusOK, report)
}

func (s *Service) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	if _, err := s.deps.Hub.Upgrade(w, r); err != nil {
		s.logger.Error("Failed to upgrade websocket", "error", err)
		return
	}
}

// decodeOptional decodes a JSON body into dst; an empty body leaves dst untouched.
func (s *Service) decodeOptional(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	if r.Body == nil || r.ContentLength == 0 {
		return true
	}
	err := json.NewDecoder(r.Body).Decode(dst)
	if err == nil || errors.Is(err, io.EOF) {
		return true
	}
	s.respondError(w, http.StatusBadRequest, fmt.Errorf("invalid payload: %w", err))
	return false
}

func (s *Service) respondLookupError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, replay.ErrNoResponse):
		s.respondError(w, http.StatusConflict, err)
	case errors.Is(err, recorder.ErrNotFound):
		s.respondError(w, http.StatusNotFound, err)
	default:
		s.respondError(w, http.StatusInternalServerError, err)
	}
}

func (s *Service) respondError(w http.ResponseWriter, status int, err error) {
	s.respondJSON(w, status, map[string]string{"error": err.Error()})
}

func (s *Service) respondText(w http.ResponseWriter, body string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(body))
}

func (s *Service) respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", contentTypeJSON)
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("Failed to encode JSON response", "error", err)
	}
}

func parseIntDefault(value string, def int) int {
	if value == "" {
		return def
	}

	if parsed, err := strconv.Atoi(value); err == nil {
		return parsed
	}
	return def
}

func parseBool(value string) bool {
	b, _ := strconv.ParseBool(value)
	return b
}

func normalizePath(p string) string {
	if p == "" {
		return "/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	if len(p) > 1 && strings.HasSuffix(p, "/") {
		p = strings.TrimRight(p, "/")
	}
	return p
}
