package printer

import (
	"bytes"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"html"
	"io"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/dustin/go-humanize"
	nethtml "golang.org/x/net/html"

	"github.com/funnyzak/rewind/internal/config"
	"github.com/funnyzak/rewind/internal/logger"
	"github.com/funnyzak/rewind/pkg/exchange"
)

type bodyFormatter struct {
	cfg    *config.BodyViewConfig
	logger logger.Logger
}

type formattedBody struct {
	Text    string
	Notices []string
}

func newBodyFormatter(cfg *config.BodyViewConfig, log logger.Logger) *bodyFormatter {
	if cfg == nil {
		cfg = &config.BodyViewConfig{}
	}
	return &bodyFormatter{cfg: cfg, logger: log}
}

// Format renders body for the console. contentType is the header value the
// body travelled with and may be empty.
func (f *bodyFormatter) Format(body *exchange.Body, contentType string) formattedBody {
	if f == nil || body == nil {
		return formattedBody{}
	}
	if body.Kind == exchange.KindBinary {
		size := humanize.Bytes(uint64(len(body.Bytes())))
		return formattedBody{Notices: []string{fmt.Sprintf("[Binary body: %s, %s. Content skipped.]", body.ContentType(), size)}}
	}

	raw := body.Bytes()
	if !f.cfg.Enable {
		return f.preview(string(raw))
	}

	var res formattedBody
	switch body.Kind {
	case exchange.KindJSON:
		res = f.formatJSON(raw)
	case exchange.KindForm:
		res = f.formatForm(body)
	default:
		mediaType := strings.ToLower(contentType)
		switch {
		case strings.Contains(mediaType, "xml"):
			res = f.formatXML(raw)
		case strings.Contains(mediaType, "html") || looksLikeHTML(raw):
			res = f.formatHTML(raw)
		default:
			res = formattedBody{Text: string(raw)}
		}
	}
	out := f.preview(res.Text)
	out.Notices = append(res.Notices, out.Notices...)
	return out
}

// preview cuts text at MaxPreviewBytes on a rune boundary.
func (f *bodyFormatter) preview(text string) formattedBody {
	limit := f.cfg.MaxPreviewBytes
	if limit <= 0 || len(text) <= limit {
		return formattedBody{Text: text}
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(text[cut]) {
		cut--
	}
	notice := fmt.Sprintf("[Showing first %s of %s]", humanize.Bytes(uint64(cut)), humanize.Bytes(uint64(len(text))))
	return formattedBody{Text: text[:cut], Notices: []string{notice}}
}

func (f *bodyFormatter) formatJSON(raw []byte) formattedBody {
	if !f.cfg.Json.Pretty {
		return formattedBody{Text: string(raw)}
	}
	if f.cfg.Json.MaxIndentBytes > 0 && len(raw) > f.cfg.Json.MaxIndentBytes {
		notice := fmt.Sprintf("[JSON larger than %s, indentation skipped]", humanize.Bytes(uint64(f.cfg.Json.MaxIndentBytes)))
		return formattedBody{Text: string(raw), Notices: []string{notice}}
	}
	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "", "  "); err != nil {
		if f.logger != nil {
			f.logger.Debug("json indent failed", "error", err)
		}
		return formattedBody{Text: string(raw)}
	}
	return formattedBody{Text: buf.String()}
}

func (f *bodyFormatter) formatForm(body *exchange.Body) formattedBody {
	values, ok := body.Value.(map[string]any)
	if !ok || len(values) == 0 {
		return formattedBody{Text: string(body.Bytes())}
	}
	keys := make([]string, 0, len(values))
	maxKeyWidth := utf8.RuneCountInString("Key")
	for k := range values {
		keys = append(keys, k)
		if w := utf8.RuneCountInString(k); w > maxKeyWidth {
			maxKeyWidth = w
		}
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString("Form data:\n")
	fmt.Fprintf(&b, "%-*s │ %s\n", maxKeyWidth, "Key", "Value")
	b.WriteString(strings.Repeat("─", maxKeyWidth) + "─┼" + strings.Repeat("─", 40) + "\n")
	for _, key := range keys {
		fmt.Fprintf(&b, "%-*s │ %s\n", maxKeyWidth, key, formValueString(values[key]))
	}
	return formattedBody{Text: b.String()}
}

func formValueString(v any) string {
	switch val := v.(type) {
	case []any:
		parts := make([]string, 0, len(val))
		for _, item := range val {
			parts = append(parts, fmt.Sprint(item))
		}
		return strings.Join(parts, ", ")
	case []string:
		return strings.Join(val, ", ")
	default:
		return fmt.Sprint(val)
	}
}

func (f *bodyFormatter) formatXML(raw []byte) formattedBody {
	processed := raw
	if f.cfg.XML.StripControl {
		processed = stripControlBytes(processed)
	}
	if !f.cfg.XML.Pretty {
		return formattedBody{Text: string(processed)}
	}
	formatted, err := prettyXML(processed)
	if err != nil {
		if f.logger != nil {
			f.logger.Debug("xml pretty failed", "error", err)
		}
		return formattedBody{Text: string(processed)}
	}
	return formattedBody{Text: formatted}
}

func (f *bodyFormatter) formatHTML(raw []byte) formattedBody {
	processed := raw
	if f.cfg.HTML.StripControl {
		processed = stripControlBytes(processed)
	}
	if !f.cfg.HTML.Pretty {
		return formattedBody{Text: string(processed)}
	}
	formatted, err := prettyHTML(processed)
	if err != nil {
		if f.logger != nil {
			f.logger.Debug("html pretty failed", "error", err)
		}
		return formattedBody{Text: string(processed)}
	}
	return formattedBody{Text: formatted}
}

func looksLikeHTML(body []byte) bool {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) < 5 {
		return false
	}
	prefix := strings.ToLower(string(trimmed[:5]))
	return strings.HasPrefix(prefix, "<html") || strings.HasPrefix(prefix, "<!doc")
}

func stripControlBytes(b []byte) []byte {
	if len(b) == 0 {
		return b
	}
	buf := make([]byte, 0, len(b))
	for _, ch := range b {
		if ch < 0x20 && ch != '\n' && ch != '\r' && ch != '\t' {
			continue
		}
		buf = append(buf, ch)
	}
	return buf
}

func prettyXML(data []byte) (string, error) {
	decoder := xml.NewDecoder(bytes.NewReader(data))
	var buf bytes.Buffer
	encoder := xml.NewEncoder(&buf)
	encoder.Indent("", "  ")
	for {
		token, err := decoder.Token()
		if err != nil {
			if err == io.EOF {
				break
			}
			return "", err
		}
		if err := encoder.EncodeToken(token); err != nil {
			return "", err
		}
	}
	if err := encoder.Flush(); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func prettyHTML(data []byte) (string, error) {
	node, err := nethtml.Parse(bytes.NewReader(data))
	if err != nil {
		return "", err
	}
	var b strings.Builder
	renderHTMLNode(&b, node, 0)
	return b.String(), nil
}

func renderHTMLNode(b *strings.Builder, node *nethtml.Node, depth int) {
	indent := strings.Repeat("  ", depth)
	switch node.Type {
	case nethtml.DocumentNode:
		for child := node.FirstChild; child != nil; child = child.NextSibling {
			renderHTMLNode(b, child, depth)
		}
	case nethtml.ElementNode:
		b.WriteString(indent + "<" + node.Data)
		for _, attr := range node.Attr {
			fmt.Fprintf(b, " %s=\"%s\"", attr.Key, html.EscapeString(attr.Val))
		}
		if isVoidElement(node.Data) {
			b.WriteString(" />\n")
			return
		}
		b.WriteString(">\n")
		for child := node.FirstChild; child != nil; child = child.NextSibling {
			renderHTMLNode(b, child, depth+1)
		}
		if node.FirstChild != nil {
			b.WriteString(indent)
		}
		b.WriteString("</" + node.Data + ">\n")
	case nethtml.TextNode:
		if text := strings.TrimSpace(node.Data); text != "" {
			b.WriteString(indent + text + "\n")
		}
	case nethtml.CommentNode:
		b.WriteString(indent + "<!--" + strings.TrimSpace(node.Data) + "-->\n")
	}
}

func isVoidElement(tag string) bool {
	switch strings.ToLower(tag) {
	case "area", "base", "br", "col", "embed", "hr", "img", "input", "keygen", "link", "meta", "param", "source", "track", "wbr":
		return true
	default:
		return false
	}
}
