// Package payload splits a request's raw payloads into path parameters and
// a body, using the declared route schema of the request's RPC.
package payload

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/tobert/tracelanes/internal/trace"
)

// Decoder turns an opaque payload into display text.
type Decoder func([]byte) string

// UTF8 is the default Decoder. Invalid sequences become U+FFFD.
func UTF8(b []byte) string {
	return strings.ToValidUTF8(string(b), "�")
}

// Param is one positional path argument paired with its segment name.
type Param struct {
	Name  string `json:"name"`
	Value string `json:"value"`
	// Missing is set when the payload list was shorter than the schema.
	Missing bool `json:"missing,omitempty"`
}

// Body is a formatted payload.
type Body struct {
	Text string `json:"text"`
	JSON bool   `json:"json"` // Text is pretty-printed JSON
}

// Split is the result of correlating payloads against a route schema.
type Split struct {
	// Resolved reports whether the request's RPC was found in the metadata.
	Resolved bool    `json:"resolved"`
	Params   []Param `json:"params,omitempty"`
	Body     *Body   `json:"body,omitempty"`
}

// Correlator formats payloads with a configurable Decoder.
type Correlator struct {
	Decode Decoder
}

var std = Correlator{Decode: UTF8}

// Correlate splits data using the default decoder.
func Correlate(tr *trace.Trace, req *trace.Request, data [][]byte) Split {
	return std.Correlate(tr, req, data)
}

// Render formats the first payload using the default decoder.
func Render(data [][]byte) *Body {
	return std.Render(data)
}

// Correlate resolves req's RPC by service and endpoint name and splits data
// into its path parameters and an optional trailing body.
//
// With no resolvable RPC the last payload is an opaque body. Otherwise the
// first P payloads are the P non-literal segments and, when more remain, the
// last one is the body.
func (c Correlator) Correlate(tr *trace.Trace, req *trace.Request, data [][]byte) Split {
	rpc, ok := tr.Meta.LookupRPC(req.SvcName, req.RPCName)
	if !ok {
		if len(data) == 0 {
			return Split{}
		}
		return Split{Body: c.Render(data[len(data)-1:])}
	}

	params := rpc.Path.Params()
	split := Split{Resolved: true}
	for i, seg := range params {
		p := Param{Name: seg.Value}
		if i < len(data) {
			p.Value = c.decode(data[i])
		} else {
			p.Missing = true
		}
		split.Params = append(split.Params, p)
	}
	if len(data) > len(params) {
		split.Body = c.format(data[len(data)-1])
	}
	return split
}

// Render formats the first payload element, or returns nil when there is
// none.
func (c Correlator) Render(data [][]byte) *Body {
	if len(data) == 0 {
		return nil
	}
	return c.format(data[0])
}

func (c Correlator) format(b []byte) *Body {
	raw := c.decode(b)
	if pretty, ok := Pretty(raw); ok {
		return &Body{Text: pretty, JSON: true}
	}
	return &Body{Text: raw}
}

func (c Correlator) decode(b []byte) string {
	if c.Decode == nil {
		return UTF8(b)
	}
	return c.Decode(b)
}

// Pretty re-indents a JSON document with two spaces, keeping key order.
// It reports false and returns raw unchanged when raw is not valid JSON.
func Pretty(raw string) (string, bool) {
	src := []byte(raw)
	if !json.Valid(src) {
		return raw, false
	}
	var buf bytes.Buffer
	if err := json.Indent(&buf, src, "", "  "); err != nil {
		return raw, false
	}
	return strings.TrimSpace(buf.String()), true
}
