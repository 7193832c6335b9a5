package generate

import (
	"encoding/json"
	"go/parser"
	"go/token"
	"testing"
	"time"

	"github.com/funnyzak/rewind/pkg/exchange"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fixedNow = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func entry(id, method, path string, status int, durationMs int64, body *exchange.Body) *exchange.Entry {
	var headers exchange.Header
	headers.Add("Accept", "application/json")
	headers.Add("User-Agent", "Mozilla/5.0")
	headers.Add("Authorization", "[REDACTED]")
	e := &exchange.Entry{Exchange: exchange.Exchange{
		ID:        id,
		Timestamp: fixedNow,
		Method:    method,
		Path:      path,
		URL:       path,
		Headers:   headers,
	}}
	if status == 0 {
		return e
	}
	var respHeaders exchange.Header
	if body != nil {
		respHeaders.Add("Content-Type", body.ContentType())
	}
	e.Complete(&exchange.Response{
		StatusCode: status,
		Headers:    respHeaders,
		Body:       body,
		Timestamp:  fixedNow.Add(time.Duration(durationMs) * time.Millisecond),
	})
	return e
}

func sampleEntries() []*exchange.Entry {
	post := entry("p1", "POST", "/users", 201, 30, exchange.JSONBody(map[string]any{"id": float64(8)}))
	post.Exchange.Body = exchange.JSONBody(map[string]any{"name": "ada"})
	post.Exchange.Headers.Add("Content-Type", "application/json")

	return []*exchange.Entry{
		entry("g1", "GET", "/users/7", 200, 500, exchange.JSONBody(map[string]any{
			"id":   float64(7),
			"name": "ada",
			"tags": []any{"admin"},
		})),
		post,
		entry("e1", "GET", "/health", 503, 5, exchange.TextBody("down")),
		entry("f1", "DELETE", "/users/7", 0, 0, nil),
	}
}

func defaultOpts() Options {
	return Options{Now: fixedNow, RedactionToken: "[REDACTED]", DropClientHeaders: true}
}

func TestGenerateUnknownFormat(t *testing.T) {
	_, err := Generate(nil, Format("xml"), defaultOpts())
	require.ErrorIs(t, err, ErrUnknownFormat)

	_, err = ParseFormat("nope")
	require.ErrorIs(t, err, ErrUnknownFormat)

	f, err := ParseFormat(" Go-Testify ")
	require.NoError(t, err)
	assert.Equal(t, FormatGoTestify, f)
}

func TestGenerateEmpty(t *testing.T) {
	for _, format := range Formats {
		t.Run(string(format), func(t *testing.T) {
			art, err := Generate(nil, format, defaultOpts())
			require.NoError(t, err)
			assert.Equal(t, 0, art.Metadata.TestCount)
			assert.NotEmpty(t, art.Filename)

			switch format {
			case FormatGoTest, FormatGoTestify:
				_, err := parser.ParseFile(token.NewFileSet(), art.Filename, art.Content, 0)
				require.NoError(t, err, art.Content)
			default:
				assert.True(t, json.Valid([]byte(art.Content)))
			}
		})
	}
}

func TestGenerateGoTest(t *testing.T) {
	art, err := Generate(sampleEntries(), FormatGoTest, defaultOpts())
	require.NoError(t, err)
	assert.Equal(t, 4, art.Metadata.TestCount)
	assert.Equal(t, []string{"g1", "p1", "e1", "f1"}, art.Metadata.SourceIDs)

	file, err := parser.ParseFile(token.NewFileSet(), art.Filename, art.Content, parser.ImportsOnly)
	require.NoError(t, err, art.Content)
	var imports []string
	for _, spec := range file.Imports {
		imports = append(imports, spec.Path.Value)
	}
	assert.Contains(t, imports, `"reflect"`)
	assert.NotContains(t, imports, `"github.com/stretchr/testify/assert"`)

	_, err = parser.ParseFile(token.NewFileSet(), art.Filename, art.Content, 0)
	require.NoError(t, err, art.Content)

	c := art.Content
	assert.Contains(t, c, "func TestGetUsersById(t *testing.T)")
	assert.Contains(t, c, "func TestPostUsers(t *testing.T)")
	assert.Contains(t, c, "func TestGetHealth(t *testing.T)")
	assert.Contains(t, c, "func TestDeleteUsersById(t *testing.T)")
	assert.Contains(t, c, "if resp.StatusCode != 503 {")
	assert.Contains(t, c, "if elapsed > 1500*time.Millisecond {")
	assert.Contains(t, c, "if elapsed > 1000*time.Millisecond {")
	assert.Contains(t, c, "body := strings.NewReader(`{\"name\":\"ada\"}`)")
	assert.Contains(t, c, `if string(got) != `+"`down`")
	assert.Contains(t, c, `req.Header.Add("Accept", "application/json")`)
	assert.NotContains(t, c, "User-Agent")
	assert.NotContains(t, c, "Authorization")
}

func TestGenerateGoTestify(t *testing.T) {
	art, err := Generate(sampleEntries(), FormatGoTestify, defaultOpts())
	require.NoError(t, err)

	_, err = parser.ParseFile(token.NewFileSet(), art.Filename, art.Content, 0)
	require.NoError(t, err, art.Content)

	c := art.Content
	assert.Contains(t, c, `"github.com/stretchr/testify/assert"`)
	assert.Contains(t, c, `"github.com/stretchr/testify/require"`)
	assert.Contains(t, c, "assert.JSONEq(t, `{\"id\":7,\"name\":\"ada\",\"tags\":[\"admin\"]}`, string(got))")
	assert.Contains(t, c, "assert.Equal(t, 503, resp.StatusCode)")
	assert.NotContains(t, c, `"reflect"`)
}

func TestGenerateAssertFields(t *testing.T) {
	opts := defaultOpts()
	opts.AssertFields = []string{"name", "tags.0", "missing"}

	art, err := Generate(sampleEntries()[:1], FormatGoTest, opts)
	require.NoError(t, err)
	_, err = parser.ParseFile(token.NewFileSet(), art.Filename, art.Content, 0)
	require.NoError(t, err, art.Content)
	assert.Contains(t, art.Content, `"github.com/tidwall/gjson"`)
	assert.Contains(t, art.Content, `gjson.GetBytes(got, "name").String(); v != "ada"`)
	assert.Contains(t, art.Content, `gjson.GetBytes(got, "tags.0").String(); v != "admin"`)
	assert.NotContains(t, art.Content, `"missing"`)

	art, err = Generate(sampleEntries()[:1], FormatPostman, opts)
	require.NoError(t, err)
	assert.Contains(t, art.Content, `pm.expect(pm.response.json()[\"tags\"][0]).to.eql(\"admin\");`)
}

func TestNamingStrategies(t *testing.T) {
	entries := append(sampleEntries(), entry("g2", "GET", "/users/9", 404, 3, nil))

	tests := []struct {
		naming string
		want   []string
	}{
		{naming: NamingSequential, want: []string{"case_001", "case_002", "case_003", "case_004", "case_005"}},
		{naming: NamingDescriptive, want: []string{"get_users_by_id", "post_users", "get_health", "delete_users_by_id", "get_users_by_id_2"}},
		{naming: NamingOutcome, want: []string{"get_users_by_id_success", "post_users_success", "get_health_error", "delete_users_by_id_success", "get_users_by_id_error"}},
	}

	for _, tt := range tests {
		t.Run(tt.naming, func(t *testing.T) {
			cases := buildCases(entries, withDefaults(Options{Naming: tt.naming, Now: fixedNow}))
			var got []string
			for _, c := range cases {
				got = append(got, c.Name)
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDescribe(t *testing.T) {
	tests := map[string]string{
		"/":                                          "get_root",
		"/users/7/orders/19":                         "get_users_by_id_orders_by_id",
		"/v1/api-keys/{key}":                         "get_v1_api_keys_by_id",
		"/files/0b9f3c1e-4a2d-4c55-9f0e-8a2b6c7d1e3f": "get_files_by_id",
	}
	for path, want := range tests {
		assert.Equal(t, want, describe("GET", path), path)
	}
}

func TestGeneratePostman(t *testing.T) {
	art, err := Generate(sampleEntries(), FormatPostman, defaultOpts())
	require.NoError(t, err)

	var coll postmanCollection
	require.NoError(t, json.Unmarshal([]byte(art.Content), &coll))
	assert.Equal(t, postmanSchema, coll.Info.Schema)
	require.Len(t, coll.Item, 2)
	assert.Equal(t, "users", coll.Item[0].Name)
	assert.Len(t, coll.Item[0].Item, 3)
	assert.Equal(t, "health", coll.Item[1].Name)

	get := coll.Item[0].Item[0]
	assert.Equal(t, "{{baseUrl}}/users/7", get.Request.URL.Raw)
	assert.Equal(t, []string{"users", "7"}, get.Request.URL.Path)
	exec := get.Event[0].Script.Exec
	assert.Contains(t, exec, "    pm.response.to.have.status(200);")
	assert.Contains(t, exec, `    pm.expect(pm.response.json()).to.eql({"id":7,"name":"ada","tags":["admin"]});`)
	assert.Contains(t, exec, "    pm.expect(pm.response.responseTime).to.be.below(1500);")

	pending := coll.Item[0].Item[2]
	assert.Contains(t, pending.Event[0].Script.Exec, "    pm.response.to.have.status(200);")
	assert.NotContains(t, pending.Event[0].Script.Exec, "body matches recording")

	post := coll.Item[0].Item[1]
	require.NotNil(t, post.Request.Body)
	assert.Equal(t, `{"name":"ada"}`, post.Request.Body.Raw)
	assert.Equal(t, "json", post.Request.Body.Options.Raw.Language)
}

func TestGenerateHAR(t *testing.T) {
	art, err := Generate(sampleEntries(), FormatHAR, defaultOpts())
	require.NoError(t, err)

	var doc harDocument
	require.NoError(t, json.Unmarshal([]byte(art.Content), &doc))
	assert.Equal(t, "1.2", doc.Log.Version)
	require.Len(t, doc.Log.Entries, 4)

	first := doc.Log.Entries[0]
	assert.Equal(t, "http://localhost:38888/users/7", first.Request.URL)
	assert.Equal(t, float64(500), first.Time)
	assert.Equal(t, float64(500), first.Timings.Wait)
	assert.Equal(t, 200, first.Response.Status)
	assert.Equal(t, "OK", first.Response.StatusText)
	assert.JSONEq(t, `{"id":7,"name":"ada","tags":["admin"]}`, first.Response.Content.Text)

	pending := doc.Log.Entries[3]
	assert.Equal(t, 0, pending.Response.Status)
	assert.Equal(t, float64(-1), pending.Timings.Wait)
	assert.Equal(t, float64(-1), pending.Timings.Send)
}

func TestGenerateDeterministic(t *testing.T) {
	for _, format := range Formats {
		a, err := Generate(sampleEntries(), format, defaultOpts())
		require.NoError(t, err)
		b, err := Generate(sampleEntries(), format, defaultOpts())
		require.NoError(t, err)
		assert.Equal(t, a.Content, b.Content, string(format))
	}
}

func TestLatencyBound(t *testing.T) {
	opts := withDefaults(Options{Now: fixedNow})
	assert.Equal(t, int64(1000), latencyBound(entry("a", "GET", "/", 200, 100, nil), opts))
	assert.Equal(t, int64(1500), latencyBound(entry("b", "GET", "/", 200, 500, nil), opts))
	assert.Equal(t, int64(1000), latencyBound(entry("c", "GET", "/", 0, 0, nil), opts))
}
