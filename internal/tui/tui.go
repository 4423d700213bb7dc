// Package tui is the interactive terminal reference client for the
// known-item retrieval engine: a search bar driving Rescore, a
// cursor-navigable result grid for the current Display, and key
// bindings for liking, resetting and submitting.
package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/somhunter/somhunter-go/internal/engine"
	"github.com/somhunter/somhunter-go/internal/frames"
)

var (
	colorAccent  = lipgloss.Color("#7C6AF7")
	colorDim     = lipgloss.Color("#555555")
	colorMuted   = lipgloss.Color("#888888")
	colorText    = lipgloss.Color("#DDDDDD")
	colorSubdued = lipgloss.Color("#444444")
	colorLiked   = lipgloss.Color("#5AF078")
	colorErr     = lipgloss.Color("#FF6B6B")

	sTitle   = lipgloss.NewStyle().Bold(true).Foreground(colorText)
	sAccent  = lipgloss.NewStyle().Foreground(colorAccent)
	sDim     = lipgloss.NewStyle().Foreground(colorDim)
	sMuted   = lipgloss.NewStyle().Foreground(colorMuted)
	sLiked   = lipgloss.NewStyle().Foreground(colorLiked)
	sErr     = lipgloss.NewStyle().Foreground(colorErr)
	sDivider = lipgloss.NewStyle().Foreground(colorSubdued)
	sSel     = lipgloss.NewStyle().Background(lipgloss.Color("#1E1A3A")).Foreground(colorText)
	sHint    = lipgloss.NewStyle().Foreground(colorDim).Background(lipgloss.Color("#111111"))
)

// cycledTypes are the display types Tab rotates through. DisplayDetail
// and DisplayTopKNN always need a selected frame, so they're reached
// with their own key instead of the cycle.
var cycledTypes = []engine.DisplayType{
	engine.DisplayTopN,
	engine.DisplayTopNCtx,
	engine.DisplaySOM,
	engine.DisplayRandom,
}

type (
	displayMsg struct {
		d   engine.Display
		err error
	}
	errMsg struct{ err error }
)

// Model is the BubbleTea application model.
type Model struct {
	eng   *engine.Engine
	input textinput.Model

	cycleIdx    int
	displayType engine.DisplayType
	page        int
	display     engine.Display
	cursor      int

	width, height int
	err           error
	status        string
}

// New creates a TUI model backed by eng, loaded with the initial TopN
// display.
func New(eng *engine.Engine) Model {
	ti := textinput.New()
	ti.Placeholder = "describe what you're looking for…"
	ti.Focus()
	ti.CharLimit = 512
	ti.Width = 60
	ti.PromptStyle = sAccent
	ti.Prompt = "❯ "
	ti.TextStyle = lipgloss.NewStyle().Foreground(colorText)

	return Model{
		eng:         eng,
		input:       ti,
		displayType: engine.DisplayTopN,
	}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(textinput.Blink, loadDisplay(m.eng, engine.DisplayTopN, frames.NullFrameID, 0))
}

func loadDisplay(eng *engine.Engine, dt engine.DisplayType, selected frames.FrameID, page int) tea.Cmd {
	return func() tea.Msg {
		d, err := eng.GetDisplay(dt, selected, page)
		return displayMsg{d: d, err: err}
	}
}

func (m Model) selectedFrame() (frames.FrameID, bool) {
	if m.cursor < 0 || m.cursor >= len(m.display.Frames) {
		return 0, false
	}
	df := m.display.Frames[m.cursor]
	if df.ID == nil {
		return 0, false
	}
	return *df.ID, true
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
		m.input.Width = m.width - 8
		return m, nil

	case displayMsg:
		if msg.err != nil {
			m.err = msg.err
			return m, nil
		}
		m.err = nil
		m.display = msg.d
		m.displayType = msg.d.Type
		m.page = msg.d.Page
		if m.cursor >= len(m.display.Frames) {
			m.cursor = 0
		}
		return m, nil

	case errMsg:
		m.err = msg.err
		return m, nil

	case tea.KeyMsg:
		if m.input.Focused() {
			switch msg.String() {
			case "enter":
				text := m.input.Value()
				m.status = fmt.Sprintf("rescoring %q…", text)
				return m, rescoreCmd(m.eng, text, m.displayType)
			case "esc":
				m.input.Blur()
				return m, nil
			case "ctrl+c":
				return m, tea.Quit
			}
			var cmd tea.Cmd
			m.input, cmd = m.input.Update(msg)
			return m, cmd
		}

		switch msg.String() {
		case "ctrl+c", "q":
			return m, tea.Quit

		case "/":
			m.input.Focus()
			return m, nil

		case "tab":
			m.cycleIdx = (m.cycleIdx + 1) % len(cycledTypes)
			dt := cycledTypes[m.cycleIdx]
			return m, loadDisplay(m.eng, dt, frames.NullFrameID, 0)

		case "left", "h":
			if m.page > 0 {
				return m, loadDisplay(m.eng, m.displayType, frames.NullFrameID, m.page-1)
			}
			return m, nil

		case "right", "n":
			return m, loadDisplay(m.eng, m.displayType, frames.NullFrameID, m.page+1)

		case "up", "k":
			if m.cursor > 0 {
				m.cursor--
			}
			return m, nil

		case "down", "j":
			if m.cursor < len(m.display.Frames)-1 {
				m.cursor++
			}
			return m, nil

		case "enter", "d":
			if id, ok := m.selectedFrame(); ok {
				return m, loadDisplay(m.eng, engine.DisplayDetail, id, 0)
			}
			return m, nil

		case "K":
			if id, ok := m.selectedFrame(); ok {
				return m, loadDisplay(m.eng, engine.DisplayTopKNN, id, 0)
			}
			return m, nil

		case "l":
			if id, ok := m.selectedFrame(); ok {
				return m, likeCmd(m.eng, id, true, m.displayType, m.page)
			}
			return m, nil

		case "u":
			if id, ok := m.selectedFrame(); ok {
				return m, likeCmd(m.eng, id, false, m.displayType, m.page)
			}
			return m, nil

		case "s":
			if id, ok := m.selectedFrame(); ok {
				return m, submitCmd(m.eng, id)
			}
			return m, nil

		case "r":
			m.status = "resetting session…"
			return m, resetCmd(m.eng)
		}
	}
	return m, nil
}

func rescoreCmd(eng *engine.Engine, text string, dt engine.DisplayType) tea.Cmd {
	return func() tea.Msg {
		if err := eng.Rescore(text); err != nil {
			return errMsg{err}
		}
		d, err := eng.GetDisplay(dt, frames.NullFrameID, 0)
		return displayMsg{d: d, err: err}
	}
}

func resetCmd(eng *engine.Engine) tea.Cmd {
	return func() tea.Msg {
		if err := eng.ResetSearchSession(); err != nil {
			return errMsg{err}
		}
		d, err := eng.GetDisplay(engine.DisplayTopN, frames.NullFrameID, 0)
		return displayMsg{d: d, err: err}
	}
}

func likeCmd(eng *engine.Engine, id frames.FrameID, like bool, dt engine.DisplayType, page int) tea.Cmd {
	return func() tea.Msg {
		var err error
		if like {
			err = eng.AddLikes([]frames.FrameID{id})
		} else {
			err = eng.RemoveLikes([]frames.FrameID{id})
		}
		if err != nil {
			return errMsg{err}
		}
		d, err := eng.GetDisplay(dt, frames.NullFrameID, page)
		return displayMsg{d: d, err: err}
	}
}

func submitCmd(eng *engine.Engine, id frames.FrameID) tea.Cmd {
	return func() tea.Msg {
		if err := eng.SubmitToServer(id); err != nil {
			return errMsg{err}
		}
		return displayMsg{}
	}
}

func (m Model) View() string {
	if m.width == 0 {
		return ""
	}
	var b strings.Builder
	divider := sDivider.Render(strings.Repeat("─", clamp(m.width-2, 10, 200)))

	left := "  " + sTitle.Render("somhunter") + "  " + sMuted.Render(string(m.displayType))
	right := sDim.Render(fmt.Sprintf("page %d", m.page))
	fmt.Fprintln(&b, padBetween(left, right, m.width))
	fmt.Fprintln(&b, "  "+m.input.View())
	fmt.Fprintln(&b, "  "+divider)

	if m.err != nil {
		fmt.Fprintln(&b, sErr.Render("  error: "+m.err.Error()))
	} else if len(m.display.Frames) == 0 {
		fmt.Fprintln(&b, sMuted.Render("  no frames on this display"))
	} else {
		m.renderGrid(&b)
	}

	b.WriteString("\n  " + divider + "\n")
	status := m.status
	if status == "" {
		status = sMuted.Render("ready")
	}
	hint := sHint.Render("/ search  tab cycle  h/n/←/→ page  j/k/↑/↓ move  enter detail  K knn  l like  u unlike  s submit  r reset  q quit")
	fmt.Fprintln(&b, padBetween("  "+status, hint, m.width))

	return b.String()
}

func (m Model) renderGrid(b *strings.Builder) {
	cols := clamp(m.width/20, 1, 8)
	for i, df := range m.display.Frames {
		cell := "  ·empty·  "
		if df.ID != nil {
			mark := " "
			if df.Liked {
				mark = sLiked.Render("♥")
			}
			cell = fmt.Sprintf("%s f%-6d", mark, int32(*df.ID))
		}
		if i == m.cursor {
			cell = sSel.Render(cell)
		}
		fmt.Fprintf(b, "  %-18s", cell)
		if (i+1)%cols == 0 {
			b.WriteString("\n")
		}
	}
	if len(m.display.Frames)%cols != 0 {
		b.WriteString("\n")
	}
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func padBetween(left, right string, width int) string {
	lv, rv := visibleLen(left), visibleLen(right)
	gap := width - lv - rv - 2
	if gap < 1 {
		gap = 1
	}
	return left + strings.Repeat(" ", gap) + right
}

func visibleLen(s string) int {
	n := 0
	inEsc := false
	for _, c := range s {
		if c == '\x1b' {
			inEsc = true
		}
		if inEsc {
			if (c >= 'A' && c <= 'Z') || (c >= 'a' && c <= 'z') {
				inEsc = false
			}
			continue
		}
		n++
	}
	return n
}
