package exchange

import (
	"encoding/base64"
	"encoding/json"
	"mime"
	"net/url"
	"strings"
	"unicode/utf8"
)

// BodyKind tags how a captured body was decoded
type BodyKind string

const (
	KindJSON   BodyKind = "json"
	KindForm   BodyKind = "form"
	KindText   BodyKind = "text"
	KindBinary BodyKind = "binary"
)

// Body holds a captured payload. Structured kinds (json, form) carry the
// decoded Value; text carries Raw; binary carries base64 in Raw.
type Body struct {
	Kind  BodyKind `json:"kind" yaml:"kind"`
	Value any      `json:"value,omitempty" yaml:"value,omitempty"`
	Raw   string   `json:"raw,omitempty" yaml:"raw,omitempty"`
}

// JSONBody wraps an already decoded JSON value.
func JSONBody(v any) *Body {
	return &Body{Kind: KindJSON, Value: v}
}

// TextBody wraps plain text.
func TextBody(s string) *Body {
	return &Body{Kind: KindText, Raw: s}
}

// ParseBody decodes raw according to contentType. The second return is true
// when a structured parse was attempted and failed, in which case the raw
// text is kept instead.
func ParseBody(contentType string, raw []byte) (*Body, bool) {
	if len(raw) == 0 {
		return nil, false
	}

	mediaType := mediaTypeOf(contentType)
	switch {
	case isJSONMedia(mediaType):
		var v any
		if err := json.Unmarshal(raw, &v); err != nil {
			return rawBody(contentType, raw), true
		}
		return &Body{Kind: KindJSON, Value: v}, false
	case mediaType == "application/x-www-form-urlencoded":
		values, err := url.ParseQuery(string(raw))
		if err != nil {
			return rawBody(contentType, raw), true
		}
		return &Body{Kind: KindForm, Value: formValue(values)}, false
	}
	return rawBody(contentType, raw), false
}

func rawBody(contentType string, raw []byte) *Body {
	if IsBinaryContent(contentType, raw) || !utf8.Valid(raw) {
		return &Body{Kind: KindBinary, Raw: base64.StdEncoding.EncodeToString(raw)}
	}
	return &Body{Kind: KindText, Raw: string(raw)}
}

// Data returns the comparable runtime value of the body.
func (b *Body) Data() any {
	if b == nil {
		return nil
	}
	switch b.Kind {
	case KindJSON, KindForm:
		return b.Value
	default:
		return b.Raw
	}
}

// Bytes reconstructs the wire payload.
func (b *Body) Bytes() []byte {
	if b == nil {
		return nil
	}
	switch b.Kind {
	case KindJSON:
		data, err := json.Marshal(b.Value)
		if err != nil {
			return nil
		}
		return data
	case KindForm:
		return []byte(formValues(b.Value).Encode())
	case KindBinary:
		data, err := base64.StdEncoding.DecodeString(b.Raw)
		if err != nil {
			return []byte(b.Raw)
		}
		return data
	default:
		return []byte(b.Raw)
	}
}

// Structured reports whether the body holds a decoded object or array.
func (b *Body) Structured() bool {
	if b == nil {
		return false
	}
	switch b.Value.(type) {
	case map[string]any, []any:
		return b.Kind == KindJSON || b.Kind == KindForm
	}
	return false
}

// ContentType suggests a content type for a body without one.
func (b *Body) ContentType() string {
	if b == nil {
		return ""
	}
	switch b.Kind {
	case KindJSON:
		return "application/json"
	case KindForm:
		return "application/x-www-form-urlencoded"
	case KindBinary:
		return "application/octet-stream"
	default:
		return "text/plain; charset=utf-8"
	}
}

// Clone returns a copy. Decoded values are shared; callers treat them as read-only.
func (b *Body) Clone() *Body {
	if b == nil {
		return nil
	}
	c := *b
	return &c
}

func mediaTypeOf(contentType string) string {
	if contentType == "" {
		return ""
	}
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		mediaType = strings.TrimSpace(strings.SplitN(contentType, ";", 2)[0])
	}
	return strings.ToLower(mediaType)
}

func isJSONMedia(mediaType string) bool {
	return mediaType == "application/json" || strings.HasSuffix(mediaType, "+json")
}

func formValue(values url.Values) map[string]any {
	out := make(map[string]any, len(values))
	for key, vals := range values {
		if len(vals) == 1 {
			out[key] = vals[0]
			continue
		}
		list := make([]any, len(vals))
		for i, v := range vals {
			list[i] = v
		}
		out[key] = list
	}
	return out
}

func formValues(v any) url.Values {
	out := url.Values{}
	m, ok := v.(map[string]any)
	if !ok {
		return out
	}
	for key, val := range m {
		switch typed := val.(type) {
		case []any:
			for _, item := range typed {
				out.Add(key, toString(item))
			}
		default:
			out.Add(key, toString(typed))
		}
	}
	return out
}

func toString(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	data, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(data)
}
