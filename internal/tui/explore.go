// Package tui is the terminal span detail page: lanes of bars, a keyboard
// cursor standing in for the pointer, and the tooltip of the bar under it.
package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/tobert/tracelanes/internal/detail"
	"github.com/tobert/tracelanes/internal/hover"
	"github.com/tobert/tracelanes/internal/timeline"
	"github.com/tobert/tracelanes/internal/trace"
	"github.com/tobert/tracelanes/internal/viz"
)

const defaultWidth = 100

type keyMap struct {
	Up, Down, Left, Right key.Binding
	Tooltip, Open, Back   key.Binding
	Leave, Quit           key.Binding
}

func (k keyMap) ShortHelp() []key.Binding {
	return []key.Binding{k.Up, k.Left, k.Tooltip, k.Open, k.Back, k.Leave, k.Quit}
}

func (k keyMap) FullHelp() [][]key.Binding {
	return [][]key.Binding{
		{k.Up, k.Down, k.Left, k.Right},
		{k.Tooltip, k.Open, k.Back, k.Leave, k.Quit},
	}
}

var keys = keyMap{
	Up:      key.NewBinding(key.WithKeys("up", "k"), key.WithHelp("↑↓/jk", "lane")),
	Down:    key.NewBinding(key.WithKeys("down", "j")),
	Left:    key.NewBinding(key.WithKeys("left", "h"), key.WithHelp("←→/hl", "bar")),
	Right:   key.NewBinding(key.WithKeys("right", "l")),
	Tooltip: key.NewBinding(key.WithKeys("tab"), key.WithHelp("tab", "focus tooltip")),
	Open:    key.NewBinding(key.WithKeys("enter"), key.WithHelp("enter", "open call")),
	Back:    key.NewBinding(key.WithKeys("backspace", "u"), key.WithHelp("u", "parent")),
	Leave:   key.NewBinding(key.WithKeys("esc"), key.WithHelp("esc", "hide")),
	Quit:    key.NewBinding(key.WithKeys("q", "ctrl+c"), key.WithHelp("q", "quit")),
}

var (
	titleStyle   = lipgloss.NewStyle().Bold(true)
	dimStyle     = lipgloss.NewStyle().Faint(true)
	errStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("#d14a4a"))
	tooltipStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("#7c7cff")).
			Padding(0, 1)
	focusedTooltipStyle = tooltipStyle.BorderForeground(lipgloss.Color("#ffb347"))
)

// Model is the bubbletea model of one trace being explored.
type Model struct {
	tr     *trace.Trace
	stack  []*trace.Request // requests opened so far; the last is shown
	header *detail.RequestView
	tl     *timeline.Model

	lane  int // index into tl.Lanes
	bar   int // index into the lane's bars
	hover map[uint32]*hover.Tracker[int]

	width  int
	color  bool
	status string
	help   help.Model
}

// New opens the root request of tr.
func New(tr *trace.Trace, color bool) (*Model, error) {
	if tr == nil || tr.Root == nil {
		return nil, fmt.Errorf("trace has no root request")
	}
	m := &Model{tr: tr, width: defaultWidth, color: color, help: help.New()}
	if err := m.open(tr.Root); err != nil {
		return nil, err
	}
	return m, nil
}

// open shows req, pushing it onto the request stack.
func (m *Model) open(req *trace.Request) error {
	tl, err := timeline.Build(m.tr, req)
	if err != nil {
		return err
	}
	header, err := detail.ForRequest(m.tr, req)
	if err != nil {
		return err
	}
	m.stack = append(m.stack, req)
	m.show(tl, header)
	return nil
}

func (m *Model) show(tl *timeline.Model, header *detail.RequestView) {
	m.tl, m.header = tl, header
	m.lane, m.bar = 0, 0
	m.hover = make(map[uint32]*hover.Tracker[int])
	m.status = ""
	m.enterBar()
}

// Request returns the request being shown.
func (m *Model) Request() *trace.Request { return m.stack[len(m.stack)-1] }

// Selection returns the bar under the cursor while its tooltip is up.
func (m *Model) Selection() (viz.Selection, bool) {
	l := m.currentLane()
	if l == nil {
		return viz.Selection{}, false
	}
	t := m.tracker(l.GoID)
	index, ok := t.Target()
	if !ok {
		return viz.Selection{}, false
	}
	return viz.Selection{GoID: l.GoID, Bar: index}, true
}

// HoverState returns the tooltip state of the lane under the cursor.
func (m *Model) HoverState() hover.State {
	l := m.currentLane()
	if l == nil {
		return hover.Idle
	}
	return m.tracker(l.GoID).State()
}

func (m *Model) currentLane() *timeline.LaneView {
	if m.tl == nil || m.lane < 0 || m.lane >= len(m.tl.Lanes) {
		return nil
	}
	return &m.tl.Lanes[m.lane]
}

func (m *Model) tracker(goid uint32) *hover.Tracker[int] {
	t := m.hover[goid]
	if t == nil {
		t = &hover.Tracker[int]{}
		m.hover[goid] = t
	}
	return t
}

// enterBar moves the pointer onto the cursor's bar, if the lane has one.
func (m *Model) enterBar() {
	l := m.currentLane()
	if l == nil || len(l.Bars) == 0 {
		return
	}
	m.bar = min(max(m.bar, 0), len(l.Bars)-1)
	m.tracker(l.GoID).EnterBar(m.bar)
}

// Init implements tea.Model.
func (m *Model) Init() tea.Cmd { return nil }

// Update implements tea.Model.
func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.help.Width = msg.Width
		return m, nil
	case tea.KeyMsg:
		return m.handleKey(msg)
	}
	return m, nil
}

func (m *Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch {
	case key.Matches(msg, keys.Quit):
		return m, tea.Quit
	case key.Matches(msg, keys.Up):
		m.moveLane(-1)
	case key.Matches(msg, keys.Down):
		m.moveLane(1)
	case key.Matches(msg, keys.Left):
		m.moveBar(-1)
	case key.Matches(msg, keys.Right):
		m.moveBar(1)
	case key.Matches(msg, keys.Tooltip):
		m.toggleTooltip()
	case key.Matches(msg, keys.Leave):
		if l := m.currentLane(); l != nil {
			m.tracker(l.GoID).Reset()
		}
	case key.Matches(msg, keys.Open):
		m.openCall()
	case key.Matches(msg, keys.Back):
		m.back()
	}
	return m, nil
}

// moveLane leaves the current lane entirely and enters the next one.
func (m *Model) moveLane(delta int) {
	next := m.lane + delta
	if m.tl == nil || next < 0 || next >= len(m.tl.Lanes) {
		return
	}
	if l := m.currentLane(); l != nil {
		m.tracker(l.GoID).Reset()
	}
	m.lane, m.bar = next, 0
	m.enterBar()
}

// moveBar slides the pointer to a neighbouring bar of the same lane. It is
// ignored while focus is in the tooltip.
func (m *Model) moveBar(delta int) {
	l := m.currentLane()
	if l == nil || len(l.Bars) == 0 {
		return
	}
	next := m.bar + delta
	if next < 0 || next >= len(l.Bars) {
		return
	}
	t := m.tracker(l.GoID)
	if t.State() == hover.OverTooltip {
		return
	}
	t.LeaveBar()
	m.bar = next
	t.EnterBar(next)
}

// toggleTooltip moves focus between the bar and its tooltip.
func (m *Model) toggleTooltip() {
	l := m.currentLane()
	if l == nil {
		return
	}
	t := m.tracker(l.GoID)
	switch t.State() {
	case hover.OverBar:
		t.LeaveBar()
		t.EnterTooltip()
	case hover.OverTooltip, hover.OverBarAndTooltip:
		t.EnterBar(m.bar)
		t.LeaveTooltip()
	case hover.Idle:
		m.enterBar()
	}
}

// openCall drills into the request an API call bar points at.
func (m *Model) openCall() {
	sel, ok := m.Selection()
	if !ok {
		return
	}
	l, _ := m.tl.Lane(sel.GoID)
	call, isCall := l.Bars[sel.Bar].Event.(*trace.RPCCall)
	if !isCall {
		m.status = "only API calls open a request"
		return
	}
	child := m.tr.FindRequest(call.ReqID)
	if child == nil {
		m.status = fmt.Sprintf("request %s is not in this trace", call.ReqID)
		return
	}
	if err := m.open(child); err != nil {
		m.status = err.Error()
	}
}

// back returns to the parent request.
func (m *Model) back() {
	if len(m.stack) < 2 {
		return
	}
	m.stack = m.stack[:len(m.stack)-1]
	req := m.Request()
	tl, err := timeline.Build(m.tr, req)
	if err != nil {
		m.status = err.Error()
		return
	}
	header, err := detail.ForRequest(m.tr, req)
	if err != nil {
		m.status = err.Error()
		return
	}
	m.show(tl, header)
}

// View implements tea.Model.
func (m *Model) View() string {
	var b strings.Builder

	crumbs := make([]string, len(m.stack))
	for i, r := range m.stack {
		crumbs[i] = r.ID
	}
	b.WriteString(titleStyle.Render(m.header.Title()))
	fmt.Fprintf(&b, "  %s  %s\n", m.header.TypeLabel, m.header.Duration)
	b.WriteString(dimStyle.Render(strings.Join(crumbs, " › ")) + "\n\n")

	opts := viz.Options{Width: m.width, Color: m.color, NoLegend: true}
	if sel, ok := m.Selection(); ok {
		opts.Selected = &sel
	}
	b.WriteString(viz.Timeline(m.tl, opts))

	if opts.Selected != nil {
		b.WriteByte('\n')
		b.WriteString(m.tooltip(*opts.Selected))
		b.WriteByte('\n')
	}

	if len(m.tl.Logs) > 0 {
		fmt.Fprintf(&b, "\nLogs (%d)\n", len(m.tl.Logs))
		for _, l := range m.tl.Logs {
			fmt.Fprintf(&b, "  %s %s %s\n", l.Clock, l.LevelTag, l.Msg)
		}
	}

	if m.status != "" {
		b.WriteString("\n" + errStyle.Render(m.status) + "\n")
	}
	b.WriteString("\n" + m.help.View(keys))
	return b.String()
}

func (m *Model) tooltip(sel viz.Selection) string {
	l, _ := m.tl.Lane(sel.GoID)
	bar := l.Bars[sel.Bar]
	view, err := detail.ForEvent(m.tr, m.Request(), bar.Event)
	if err != nil {
		return errStyle.Render(err.Error())
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s  %s", titleStyle.Render(view.Title), view.Latency)
	for _, sec := range view.Sections {
		b.WriteString("\n\n" + dimStyle.Render(sec.Title))
		switch {
		case sec.Note != "":
			b.WriteString("\n" + sec.Note)
		case sec.Content != nil:
			text := sec.Content.Text
			if sec.Error {
				text = errStyle.Render(text)
			}
			b.WriteString("\n" + text)
		}
		for _, p := range sec.Params {
			value := p.Value
			if p.Missing {
				value = dimStyle.Render("(missing)")
			}
			fmt.Fprintf(&b, "\n%s: %s", p.Name, value)
		}
		if sec.Stack != nil {
			writeStack(&b, sec.Stack)
		}
	}
	if len(view.Timings) > 0 {
		b.WriteString("\n\n" + dimStyle.Render("Timings"))
		for _, r := range view.Timings {
			fmt.Fprintf(&b, "\n%-10s %s", r.Label, r.Value)
		}
	}
	if view.Stack != nil {
		b.WriteString("\n\n" + dimStyle.Render("Stack"))
		writeStack(&b, view.Stack)
	}

	style := tooltipStyle
	if t := m.tracker(sel.GoID); t.State() != hover.OverBar {
		style = focusedTooltipStyle
	}
	return style.MaxWidth(m.width).Render(b.String())
}

func writeStack(b *strings.Builder, s *trace.Stack) {
	for _, f := range s.Frames {
		fmt.Fprintf(b, "\n  %s\n    %s:%d", f.Func, f.Filename, f.Line)
	}
}

// Run starts the explorer on the terminal's alternate screen.
func Run(tr *trace.Trace, color bool) error {
	m, err := New(tr, color)
	if err != nil {
		return err
	}
	_, err = tea.NewProgram(m, tea.WithAltScreen()).Run()
	return err
}
