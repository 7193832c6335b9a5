package replay

import "testing"

func TestPathStrategyStripPrefix(t *testing.T) {
	ps := newPathStrategy(PathStrategyOptions{
		Mode:        "strip_prefix",
		StripPrefix: "/api",
	}, nil)
	if ps == nil {
		t.Fatal("expected non-nil path strategy")
	}

	tests := []struct {
		in       string
		want     string
		wantRule bool
	}{
		{in: "/api/v1/users", want: "/v1/users", wantRule: true},
		{in: "/api", want: "/", wantRule: true},
		{in: "/apiary", want: "/apiary"},
		{in: "/other", want: "/other"},
	}
	for _, tt := range tests {
		got, rule := ps.resolve(tt.in)
		if got != tt.want || (rule != "") != tt.wantRule {
			t.Fatalf("resolve(%q) = %q rule %q, want %q", tt.in, got, rule, tt.want)
		}
	}
}

func TestPathStrategyRewritePrefix(t *testing.T) {
	ps := newPathStrategy(PathStrategyOptions{
		Mode: "rewrite",
		Rules: []RewriteRuleOption{
			{Name: "svc", Match: "/service", Replace: "/backend"},
		},
	}, nil)
	if ps == nil {
		t.Fatal("expected non-nil path strategy")
	}

	path, rule := ps.resolve("/service/foo")
	if path != "/backend/foo" || rule != "svc" {
		t.Fatalf("unexpected rewrite result path=%s rule=%s", path, rule)
	}
}

func TestPathStrategyRegex(t *testing.T) {
	ps := newPathStrategy(PathStrategyOptions{
		Mode: "rewrite",
		Rules: []RewriteRuleOption{
			{Match: `^/tenant/(.*)$`, Replace: "/$1", Regex: true},
			{Match: `([`, Regex: true},
		},
	}, nil)
	if ps == nil {
		t.Fatal("expected non-nil path strategy")
	}
	if len(ps.rules) != 1 {
		t.Fatalf("invalid regex should be skipped, got %d rules", len(ps.rules))
	}

	path, rule := ps.resolve("/tenant/acme/orders")
	if path != "/acme/orders" || rule != "rewrite_rule_1" {
		t.Fatalf("unexpected regex rewrite path=%s rule=%s", path, rule)
	}
}

func TestPathStrategyAppendDefault(t *testing.T) {
	for _, mode := range []string{"", "append", "bogus"} {
		if ps := newPathStrategy(PathStrategyOptions{Mode: mode}, nil); ps != nil {
			t.Fatalf("expected nil strategy for mode %q", mode)
		}
	}

	var ps *pathStrategy
	if path, _ := ps.resolve("a//b/../c"); path != "/a/c" {
		t.Fatalf("nil strategy should only clean the path, got %s", path)
	}
}
