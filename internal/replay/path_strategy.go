package replay

import (
	"fmt"
	"path"
	"regexp"
	"strings"

	"github.com/funnyzak/rewind/internal/logger"
)

type pathStrategyMode string

const (
	pathModeAppend      pathStrategyMode = "append"
	pathModeStripPrefix pathStrategyMode = "strip_prefix"
	pathModeRewrite     pathStrategyMode = "rewrite"
)

// PathStrategyOptions configures how recorded paths map onto the replay target
type PathStrategyOptions struct {
	Mode        string
	StripPrefix string
	Rules       []RewriteRuleOption
}

// RewriteRuleOption describes a single rewrite rule definition
type RewriteRuleOption struct {
	Name    string
	Match   string
	Replace string
	Regex   bool
}

type pathStrategy struct {
	mode        pathStrategyMode
	stripPrefix string
	rules       []rewriteRule
}

type rewriteRule struct {
	name    string
	match   string
	replace string
	expr    *regexp.Regexp
}

// newPathStrategy returns nil for append mode, which leaves paths untouched.
func newPathStrategy(opts PathStrategyOptions, log logger.Logger) *pathStrategy {
	mode := pathStrategyMode(strings.ToLower(strings.TrimSpace(opts.Mode)))
	switch mode {
	case "", pathModeAppend:
		return nil
	case pathModeStripPrefix:
		prefix := strings.TrimSpace(opts.StripPrefix)
		if prefix == "" || prefix == "/" {
			return nil
		}
		return &pathStrategy{mode: mode, stripPrefix: cleanPath(prefix)}
	case pathModeRewrite:
		rules := compileRules(opts.Rules, log)
		if len(rules) == 0 {
			return nil
		}
		return &pathStrategy{mode: mode, rules: rules}
	default:
		if log != nil {
			log.Warn("Unknown replay path strategy, using append", "mode", opts.Mode)
		}
		return nil
	}
}

// resolve maps p and reports the name of the rule that fired, if any.
func (ps *pathStrategy) resolve(p string) (string, string) {
	clean := cleanPath(p)
	if ps == nil {
		return clean, ""
	}

	switch ps.mode {
	case pathModeStripPrefix:
		if !hasPathPrefix(clean, ps.stripPrefix) {
			return clean, ""
		}
		return cleanPath(strings.TrimPrefix(clean, ps.stripPrefix)), string(ps.mode)
	case pathModeRewrite:
		for _, rule := range ps.rules {
			if rule.expr != nil {
				if rule.expr.MatchString(clean) {
					return cleanPath(rule.expr.ReplaceAllString(clean, rule.replace)), rule.name
				}
				continue
			}
			if hasPathPrefix(clean, rule.match) {
				return joinPath(rule.replace, strings.TrimPrefix(clean, rule.match)), rule.name
			}
		}
	}
	return clean, ""
}

func compileRules(options []RewriteRuleOption, log logger.Logger) []rewriteRule {
	var rules []rewriteRule
	for idx, opt := range options {
		rule := rewriteRule{
			name:    opt.Name,
			match:   strings.TrimSpace(opt.Match),
			replace: strings.TrimSpace(opt.Replace),
		}
		if rule.name == "" {
			rule.name = fmt.Sprintf("rewrite_rule_%d", idx+1)
		}
		if rule.replace == "" {
			rule.replace = "/"
		}
		if rule.match == "" {
			continue
		}

		if opt.Regex {
			expr, err := regexp.Compile(rule.match)
			if err != nil {
				if log != nil {
					log.Warn("Invalid rewrite regex skipped", "rule", rule.name, "error", err)
				}
				continue
			}
			rule.expr = expr
		} else {
			rule.match = cleanPath(rule.match)
			if rule.match == "/" {
				continue
			}
			rule.replace = cleanPath(rule.replace)
		}
		rules = append(rules, rule)
	}
	return rules
}

// hasPathPrefix matches whole segments: /api matches /api and /api/x, not /apix.
func hasPathPrefix(p, prefix string) bool {
	if !strings.HasPrefix(p, prefix) {
		return false
	}
	return len(p) == len(prefix) || p[len(prefix)] == '/'
}

func cleanPath(p string) string {
	if p == "" {
		return "/"
	}
	cleaned := path.Clean(p)
	if cleaned == "." {
		cleaned = "/"
	}
	if !strings.HasPrefix(cleaned, "/") {
		cleaned = "/" + cleaned
	}
	return cleaned
}

func joinPath(base, remainder string) string {
	remainder = strings.TrimLeft(remainder, "/")
	if remainder == "" {
		return cleanPath(base)
	}
	return cleanPath(cleanPath(base) + "/" + remainder)
}
