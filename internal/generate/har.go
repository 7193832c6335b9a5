package generate

import (
	"bytes"
	"encoding/json"
	"net/http"
	"time"

	"github.com/funnyzak/rewind/pkg/exchange"
)

const harVersion = "1.2"

type harDocument struct {
	Log harLog `json:"log"`
}

type harLog struct {
	Version string     `json:"version"`
	Creator harCreator `json:"creator"`
	Pages   []struct{} `json:"pages"`
	Entries []harEntry `json:"entries"`
}

type harCreator struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

type harEntry struct {
	StartedDateTime string      `json:"startedDateTime"`
	Time            float64     `json:"time"`
	Request         harRequest  `json:"request"`
	Response        harResponse `json:"response"`
	Cache           struct{}    `json:"cache"`
	Timings         harTimings  `json:"timings"`
	Comment         string      `json:"comment,omitempty"`
}

type harRequest struct {
	Method      string       `json:"method"`
	URL         string       `json:"url"`
	HTTPVersion string       `json:"httpVersion"`
	Cookies     []struct{}   `json:"cookies"`
	Headers     []harNV      `json:"headers"`
	QueryString []harNV      `json:"queryString"`
	PostData    *harPostData `json:"postData,omitempty"`
	HeadersSize int          `json:"headersSize"`
	BodySize    int          `json:"bodySize"`
}

type harResponse struct {
	Status      int        `json:"status"`
	StatusText  string     `json:"statusText"`
	HTTPVersion string     `json:"httpVersion"`
	Cookies     []struct{} `json:"cookies"`
	Headers     []harNV    `json:"headers"`
	Content     harContent `json:"content"`
	RedirectURL string     `json:"redirectURL"`
	HeadersSize int        `json:"headersSize"`
	BodySize    int        `json:"bodySize"`
}

type harNV struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

type harPostData struct {
	MimeType string `json:"mimeType"`
	Text     string `json:"text"`
}

type harContent struct {
	Size     int    `json:"size"`
	MimeType string `json:"mimeType"`
	Text     string `json:"text,omitempty"`
	Encoding string `json:"encoding,omitempty"`
}

type harTimings struct {
	Blocked float64 `json:"blocked"`
	DNS     float64 `json:"dns"`
	Connect float64 `json:"connect"`
	Send    float64 `json:"send"`
	Wait    float64 `json:"wait"`
	Receive float64 `json:"receive"`
	SSL     float64 `json:"ssl"`
}

func renderHAR(cases []*testCase, opts Options) string {
	doc := harDocument{Log: harLog{
		Version: harVersion,
		Creator: harCreator{Name: "rewind", Version: harVersion},
		Pages:   []struct{}{},
		Entries: make([]harEntry, 0, len(cases)),
	}}
	for _, c := range cases {
		doc.Log.Entries = append(doc.Log.Entries, harEntryFor(c, opts))
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(doc); err != nil {
		return "{}\n"
	}
	return buf.String()
}

func harEntryFor(c *testCase, opts Options) harEntry {
	started := c.Entry.Exchange.Timestamp
	if started.IsZero() {
		started = opts.Now
	}

	entry := harEntry{
		StartedDateTime: started.UTC().Format(time.RFC3339Nano),
		Request: harRequest{
			Method:      c.Method,
			URL:         opts.BaseURL + c.URL,
			HTTPVersion: "HTTP/1.1",
			Cookies:     []struct{}{},
			Headers:     harHeaders(c.Headers),
			QueryString: []harNV{},
			HeadersSize: -1,
			BodySize:    0,
		},
	}
	for _, pair := range queryPairs(c.Query) {
		entry.Request.QueryString = append(entry.Request.QueryString, harNV{Name: pair[0], Value: pair[1]})
	}
	if c.HasBody {
		entry.Request.PostData = &harPostData{MimeType: c.ContentType, Text: c.Body}
		entry.Request.BodySize = len(c.Body)
	}

	resp := c.Entry.Response
	if resp == nil {
		// In flight when exported: no response and no timings.
		entry.Response = harResponse{
			HTTPVersion: "HTTP/1.1",
			Cookies:     []struct{}{},
			Headers:     []harNV{},
			Content:     harContent{MimeType: "x-unknown"},
			HeadersSize: -1,
			BodySize:    -1,
		}
		entry.Timings = harTimings{Blocked: -1, DNS: -1, Connect: -1, Send: -1, Wait: -1, Receive: -1, SSL: -1}
		entry.Comment = "response not captured"
		return entry
	}

	duration := float64(c.Entry.DurationMs)
	entry.Time = duration
	entry.Timings = harTimings{Blocked: -1, DNS: -1, Connect: -1, Send: 0, Wait: duration, Receive: 0, SSL: -1}
	entry.Response = harResponse{
		Status:      resp.StatusCode,
		StatusText:  http.StatusText(resp.StatusCode),
		HTTPVersion: "HTTP/1.1",
		Cookies:     []struct{}{},
		Headers:     harHeaders(resp.Headers),
		Content:     harContentFor(resp),
		HeadersSize: -1,
	}
	entry.Response.BodySize = entry.Response.Content.Size
	return entry
}

func harHeaders(h exchange.Header) []harNV {
	out := make([]harNV, 0, len(h))
	for _, field := range h {
		out = append(out, harNV{Name: field.Name, Value: field.Value})
	}
	return out
}

func harContentFor(resp *exchange.Response) harContent {
	content := harContent{MimeType: resp.Headers.Get("Content-Type")}
	if resp.Body == nil {
		if content.MimeType == "" {
			content.MimeType = "x-unknown"
		}
		return content
	}
	if content.MimeType == "" {
		content.MimeType = resp.Body.ContentType()
	}
	content.Size = len(resp.Body.Bytes())
	if resp.Body.Kind == exchange.KindBinary {
		content.Text = resp.Body.Raw
		content.Encoding = "base64"
		return content
	}
	content.Text = string(resp.Body.Bytes())
	return content
}
