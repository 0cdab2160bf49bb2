// Package detail builds the structured content of the span header and of
// the per-bar tooltips. It decides what text to show and in which viewer
// mode. It never decides how that text is drawn.
package detail

import (
	"errors"
	"fmt"

	"github.com/tobert/tracelanes/internal/payload"
	"github.com/tobert/tracelanes/internal/trace"
)

// Mode is the content mode handed to the read-only text viewer.
type Mode string

const (
	ModeJSON Mode = "json"
	ModeSQL  Mode = "sql"
	ModeText Mode = "text"
)

// Content is text destined for the external viewer.
type Content struct {
	Text string `json:"text"`
	Mode Mode   `json:"mode"`
}

// Section is one titled block of a detail view. At most one of Note and
// Content is set; Params accompany a request body.
type Section struct {
	Title   string          `json:"title"`
	Note    string          `json:"note,omitempty"`
	Content *Content        `json:"content,omitempty"`
	Params  []payload.Param `json:"params,omitempty"`
	// Stack is handed to the stack viewer untouched.
	Stack *trace.Stack `json:"stack,omitempty"`
	Error bool         `json:"error,omitempty"`
}

// Row is a label/value pair, used for HTTP timing breakdowns.
type Row struct {
	Label string `json:"label"`
	Value string `json:"value"`
}

// ErrNoDetail is returned for events that have no tooltip.
var ErrNoDetail = errors.New("event has no detail view")

// UnresolvedReferenceError reports a tooltip target that names a request id
// with no matching child.
type UnresolvedReferenceError struct {
	RequestID string // request owning the event
	Ref       string // missing child request id
}

func (e *UnresolvedReferenceError) Error() string {
	return fmt.Sprintf("request %s: call references unknown child request %s", e.RequestID, e.Ref)
}

const completed = "Completed successfully."

func errorSection(title string, err []byte, stack *trace.Stack) Section {
	return Section{
		Title:   title,
		Content: &Content{Text: payload.UTF8(err), Mode: ModeText},
		Stack:   stack,
		Error:   true,
	}
}

// errorOrOK is the tooltip "Error" block: the error text, or a success note.
func errorOrOK(err []byte) Section {
	if err != nil {
		return errorSection("Error", err, nil)
	}
	return Section{Title: "Error", Note: completed}
}

func note(title, text string) Section {
	return Section{Title: title, Note: text}
}

func bodyContent(b *payload.Body) *Content {
	if b == nil {
		return nil
	}
	mode := ModeText
	if b.JSON {
		mode = ModeJSON
	}
	return &Content{Text: b.Text, Mode: mode}
}

// requestSection renders a payload split under title, or empty when there
// are no inputs.
func requestSection(tr *trace.Trace, req *trace.Request, title, empty string) Section {
	if len(req.Inputs) == 0 {
		return note(title, empty)
	}
	split := payload.Correlate(tr, req, req.Inputs)
	return Section{Title: title, Params: split.Params, Content: bodyContent(split.Body)}
}

// dataSection renders the first element of data under title.
func dataSection(title string, data [][]byte, empty string) Section {
	b := payload.Render(data)
	if b == nil {
		return note(title, empty)
	}
	return Section{Title: title, Content: bodyContent(b)}
}
