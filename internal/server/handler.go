package server

import (
	"net/http"
	"strings"

	"github.com/funnyzak/rewind/internal/config"
	"github.com/funnyzak/rewind/internal/logger"
)

// ImmediateResponseRule describes a runtime response rule
type ImmediateResponseRule struct {
	Name       string
	Methods    []string
	Path       string
	PathPrefix string
	Status     int
	Body       string
	Headers    map[string]string
}

// RulesFromConfig converts configured response rules, uppercasing methods.
func RulesFromConfig(cfgs []config.ImmediateResponseConfig) []ImmediateResponseRule {
	rules := make([]ImmediateResponseRule, 0, len(cfgs))
	for _, c := range cfgs {
		methods := make([]string, 0, len(c.Methods))
		for _, m := range c.Methods {
			if m = strings.ToUpper(strings.TrimSpace(m)); m != "" {
				methods = append(methods, m)
			}
		}
		rules = append(rules, ImmediateResponseRule{
			Name:       c.Name,
			Methods:    methods,
			Path:       c.Path,
			PathPrefix: c.PathPrefix,
			Status:     c.Status,
			Body:       c.Body,
			Headers:    c.Headers,
		})
	}
	return rules
}

// Handler is the development host: it answers every request with the first
// matching response rule, or 200 "ok".
type Handler struct {
	logger logger.Logger
	rules  []ImmediateResponseRule
}

// NewHandler creates a new request handler
func NewHandler(rules []ImmediateResponseRule, log logger.Logger) *Handler {
	return &Handler{logger: log, rules: rules}
}

// ServeHTTP implements the http.Handler interface
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.sendImmediateResponse(w, r)
}

// sendImmediateResponse sends immediate response
func (h *Handler) sendImmediateResponse(w http.ResponseWriter, r *http.Request) *ImmediateResponseRule {
	responseRule := h.selectResponseRule(r)
	statusCode := http.StatusOK
	body := []byte("ok")
	defaultContentType := "text/plain"

	if responseRule != nil {
		statusCode = responseRule.Status
		body = []byte(responseRule.Body)
		hasContentType := false
		for key, value := range responseRule.Headers {
			if key == "" {
				continue
			}
			w.Header().Set(key, value)
			if strings.EqualFold(key, "Content-Type") {
				hasContentType = true
			}
		}
		if !hasContentType {
			w.Header().Set("Content-Type", defaultContentType)
		}
		h.logger.Debug("Immediate response applied",
			"rule", responseRule.Name,
			"status", responseRule.Status,
			"method", r.Method,
			"path", r.URL.Path,
		)
	} else {
		w.Header().Set("Content-Type", defaultContentType)
	}

	w.Header().Set("Server", "Rewind/1.0")
	w.WriteHeader(statusCode)
	if len(body) > 0 && r.Method != http.MethodHead {
		w.Write(body)
	}

	if flusher, ok := w.(http.Flusher); ok {
		flusher.Flush()
	}

	return responseRule
}

func (h *Handler) selectResponseRule(r *http.Request) *ImmediateResponseRule {
	if len(h.rules) == 0 {
		return nil
	}

	path := r.URL.Path
	method := strings.ToUpper(r.Method)

	for i := range h.rules {
		rule := &h.rules[i]
		if len(rule.Methods) > 0 {
			matched := false
			for _, allowed := range rule.Methods {
				if method == allowed {
					matched = true
					break
				}
			}
			if !matched {
				continue
			}
		}

		if rule.Path != "" && rule.Path != path {
			continue
		}

		if rule.PathPrefix != "" && !strings.HasPrefix(path, rule.PathPrefix) {
			continue
		}

		return rule
	}

	return nil
}
