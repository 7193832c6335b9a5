package replay

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"unicode"

	"github.com/funnyzak/rewind/pkg/exchange"
)

const defaultReproTarget = "http://localhost:38888"

// CurlOptions controls the generated reproduction command
type CurlOptions struct {
	Target             string
	IncludeCredentials bool
}

// SnippetOptions controls the generated test snippet
type SnippetOptions struct {
	Target             string
	IncludeCredentials bool
	TestName           string
}

// Curl renders a shell command that re-issues the stored exchange.
// Binary bodies are piped through base64 -d.
func (e *Engine) Curl(id string, opts CurlOptions) (string, error) {
	_, req, err := e.reproduction(id, opts.Target, opts.IncludeCredentials)
	if err != nil {
		return "", err
	}

	var parts []string
	switch {
	case req.Method == http.MethodHead:
		parts = append(parts, "curl --head")
	case req.Method == http.MethodGet && req.Body == nil:
		parts = append(parts, "curl")
	default:
		parts = append(parts, "curl -X "+req.Method)
	}
	parts[0] += " " + shellQuote(req.URL)

	for _, field := range req.Headers {
		parts = append(parts, "-H "+shellQuote(field.Name+": "+field.Value))
	}

	prefix := ""
	if req.Body != nil {
		if req.Body.Kind == exchange.KindBinary {
			prefix = "echo " + shellQuote(req.Body.Raw) + " | base64 -d | "
			parts = append(parts, "--data-binary @-")
		} else {
			parts = append(parts, "--data-raw "+shellQuote(string(req.Body.Bytes())))
		}
	}
	return prefix + strings.Join(parts, " \\\n  "), nil
}

// Snippet renders a self-contained Go test that re-issues the stored
// exchange and checks the recorded status.
func (e *Engine) Snippet(id string, opts SnippetOptions) (string, error) {
	entry, req, err := e.reproduction(id, opts.Target, opts.IncludeCredentials)
	if err != nil {
		return "", err
	}
	status := http.StatusOK
	if entry.Response != nil {
		status = entry.Response.StatusCode
	}

	name := opts.TestName
	if name == "" {
		name = "TestReplay" + exportedName(req.Method, req.Path)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "func %s(t *testing.T) {\n", name)
	if req.Body != nil {
		fmt.Fprintf(&b, "\tbody := strings.NewReader(%s)\n", strconv.Quote(string(req.Body.Bytes())))
		fmt.Fprintf(&b, "\treq, err := http.NewRequest(%q, %q, body)\n", req.Method, req.URL)
	} else {
		fmt.Fprintf(&b, "\treq, err := http.NewRequest(%q, %q, nil)\n", req.Method, req.URL)
	}
	b.WriteString("\tif err != nil {\n\t\tt.Fatal(err)\n\t}\n")
	for _, field := range req.Headers {
		fmt.Fprintf(&b, "\treq.Header.Add(%q, %q)\n", field.Name, field.Value)
	}
	b.WriteString("\n\tresp, err := http.DefaultClient.Do(req)\n")
	b.WriteString("\tif err != nil {\n\t\tt.Fatal(err)\n\t}\n")
	b.WriteString("\tdefer resp.Body.Close()\n\n")
	fmt.Fprintf(&b, "\tif resp.StatusCode != %d {\n", status)
	fmt.Fprintf(&b, "\t\tt.Fatalf(\"status = %%d, want %d\", resp.StatusCode)\n", status)
	b.WriteString("\t}\n}\n")
	return b.String(), nil
}

// reproduction builds the request a live replay would send, without the
// tracking headers.
func (e *Engine) reproduction(id, target string, includeCreds bool) (*exchange.Entry, *Request, error) {
	entry, err := e.lookup(id)
	if err != nil {
		return nil, nil, err
	}
	if target == "" {
		target = e.opts.BaseURL
	}
	if target == "" {
		target = defaultReproTarget
	}
	return entry, e.build(entry, Overrides{Target: target, IncludeCredentials: &includeCreds}), nil
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// exportedName turns "GET", "/users/{id}/orders" into "GetUsersIdOrders".
func exportedName(method, p string) string {
	var b strings.Builder
	upper := true
	for _, r := range strings.ToLower(method) + "/" + p {
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) {
			upper = true
			continue
		}
		if upper {
			r = unicode.ToUpper(r)
			upper = false
		}
		b.WriteRune(r)
	}
	return b.String()
}
