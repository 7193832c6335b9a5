package generate

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

const postmanSchema = "https://schema.getpostman.com/json/collection/v2.1.0/collection.json"

type postmanCollection struct {
	Info     postmanInfo       `json:"info"`
	Item     []postmanFolder   `json:"item"`
	Variable []postmanVariable `json:"variable"`
}

type postmanInfo struct {
	PostmanID   string `json:"_postman_id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Schema      string `json:"schema"`
}

type postmanFolder struct {
	Name string        `json:"name"`
	Item []postmanItem `json:"item"`
}

type postmanItem struct {
	Name    string         `json:"name"`
	Event   []postmanEvent `json:"event"`
	Request postmanRequest `json:"request"`
}

type postmanEvent struct {
	Listen string        `json:"listen"`
	Script postmanScript `json:"script"`
}

type postmanScript struct {
	Type string   `json:"type"`
	Exec []string `json:"exec"`
}

type postmanRequest struct {
	Method string       `json:"method"`
	Header []postmanKV  `json:"header"`
	Body   *postmanBody `json:"body,omitempty"`
	URL    postmanURL   `json:"url"`
}

type postmanBody struct {
	Mode    string              `json:"mode"`
	Raw     string              `json:"raw"`
	Options *postmanBodyOptions `json:"options,omitempty"`
}

type postmanBodyOptions struct {
	Raw struct {
		Language string `json:"language"`
	} `json:"raw"`
}

type postmanURL struct {
	Raw   string      `json:"raw"`
	Host  []string    `json:"host"`
	Path  []string    `json:"path"`
	Query []postmanKV `json:"query,omitempty"`
}

type postmanKV struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

type postmanVariable struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// simpleFieldPath matches gjson paths that map onto plain JS property access.
var simpleFieldPath = regexp.MustCompile(`^[A-Za-z0-9_\-]+(\.[A-Za-z0-9_\-]+)*$`)

func renderPostman(cases []*testCase, opts Options) string {
	var seed strings.Builder
	seed.WriteString(opts.Title)
	for _, c := range cases {
		seed.WriteString("|" + c.Entry.ID())
	}

	coll := postmanCollection{
		Info: postmanInfo{
			PostmanID:   uuid.NewSHA1(uuid.NameSpaceURL, []byte(seed.String())).String(),
			Name:        opts.Title,
			Description: fmt.Sprintf("Generated by rewind from %d recorded exchanges.", len(cases)),
			Schema:      postmanSchema,
		},
		Item:     []postmanFolder{},
		Variable: []postmanVariable{{Key: "baseUrl", Value: opts.BaseURL}},
	}

	folders := map[string]int{}
	for _, c := range cases {
		group := firstSegment(c.Path)
		idx, ok := folders[group]
		if !ok {
			idx = len(coll.Item)
			folders[group] = idx
			coll.Item = append(coll.Item, postmanFolder{Name: group})
		}
		coll.Item[idx].Item = append(coll.Item[idx].Item, postmanItemFor(c))
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(coll); err != nil {
		return "{}\n"
	}
	return buf.String()
}

func postmanItemFor(c *testCase) postmanItem {
	segments := []string{}
	for _, seg := range strings.Split(c.Path, "/") {
		if seg != "" {
			segments = append(segments, seg)
		}
	}
	req := postmanRequest{
		Method: c.Method,
		Header: []postmanKV{},
		URL: postmanURL{
			Raw:  "{{baseUrl}}" + c.URL,
			Host: []string{"{{baseUrl}}"},
			Path: segments,
		},
	}
	for _, field := range c.Headers {
		req.Header = append(req.Header, postmanKV{Key: field.Name, Value: field.Value})
	}
	for _, pair := range queryPairs(c.Query) {
		req.URL.Query = append(req.URL.Query, postmanKV{Key: pair[0], Value: pair[1]})
	}
	if c.HasBody {
		req.Body = &postmanBody{Mode: "raw", Raw: c.Body}
		if strings.Contains(c.ContentType, "json") {
			req.Body.Options = &postmanBodyOptions{}
			req.Body.Options.Raw.Language = "json"
		}
	}

	return postmanItem{
		Name: c.Name,
		Event: []postmanEvent{{
			Listen: "test",
			Script: postmanScript{Type: "text/javascript", Exec: postmanTests(c)},
		}},
		Request: req,
	}
}

func postmanTests(c *testCase) []string {
	var lines []string
	add := func(title string, body ...string) {
		lines = append(lines, fmt.Sprintf("pm.test(%s, function () {", strconv.Quote(title)))
		for _, b := range body {
			lines = append(lines, "    "+b)
		}
		lines = append(lines, "});")
	}

	add(fmt.Sprintf("status is %d", c.Status), fmt.Sprintf("pm.response.to.have.status(%d);", c.Status))
	switch c.Expect {
	case expectJSON:
		add("body matches recording", fmt.Sprintf("pm.expect(pm.response.json()).to.eql(%s);", c.ExpectBody))
	case expectText:
		add("body matches recording", fmt.Sprintf("pm.expect(pm.response.text()).to.eql(%s);", jsString(c.ExpectBody)))
	case expectFields:
		for _, f := range c.Fields {
			if !simpleFieldPath.MatchString(f.Path) {
				continue
			}
			add(f.Path+" matches recording", fmt.Sprintf("pm.expect(pm.response.json()%s).to.eql(%s);", jsAccessor(f.Path), f.Raw))
		}
	}
	add(fmt.Sprintf("responds within %dms", c.LatencyMs), fmt.Sprintf("pm.expect(pm.response.responseTime).to.be.below(%d);", c.LatencyMs))
	return lines
}

// jsAccessor turns "items.0.id" into `["items"][0]["id"]`.
func jsAccessor(path string) string {
	var b strings.Builder
	for _, seg := range strings.Split(path, ".") {
		if _, err := strconv.Atoi(seg); err == nil {
			b.WriteString("[" + seg + "]")
			continue
		}
		b.WriteString("[" + jsString(seg) + "]")
	}
	return b.String()
}

func jsString(s string) string {
	data, err := json.Marshal(s)
	if err != nil {
		return strconv.Quote(s)
	}
	return string(data)
}

func firstSegment(p string) string {
	for _, seg := range strings.Split(p, "/") {
		if seg != "" {
			return seg
		}
	}
	return "root"
}
