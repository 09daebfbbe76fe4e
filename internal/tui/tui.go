// Package tui is an interactive inspector for a running world.
package tui

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/tatianab/worldcore/internal/events"
	"github.com/tatianab/worldcore/internal/models"
	"github.com/tatianab/worldcore/internal/world"
)

const feedSize = 256

type model struct {
	world     *world.World
	feed      <-chan events.Event
	textInput textinput.Model
	viewport  viewport.Model
	log       string
	width     int
	height    int
}

var (
	userStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#EEEEEE")).
			Background(lipgloss.Color("#5F5F87")).
			Bold(true).
			PaddingLeft(1)

	outputStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FFFFFF"))

	eventStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#7FAF7F"))

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FF5F5F"))

	helpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#888888")).
			Italic(true)

	stateStyle = lipgloss.NewStyle().
			Border(lipgloss.NormalBorder(), false, false, false, true).
			BorderForeground(lipgloss.Color("#3C3C3C")).
			PaddingLeft(2).
			Foreground(lipgloss.Color("#AAAAAA"))

	titleStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FFA500")).
			Bold(true).
			Underline(true)
)

func newModel(w *world.World, feed <-chan events.Event) model {
	ti := textinput.New()
	ti.Placeholder = "/help"
	ti.Focus()
	ti.CharLimit = 256
	ti.Width = 60

	return model{
		world:     w,
		feed:      feed,
		textInput: ti,
		log:       helpStyle.Render(helpText) + "\n\n",
	}
}

type eventMsg struct{ ev events.Event }

type resultMsg struct {
	output string
	err    error
}

func (m model) Init() tea.Cmd {
	return tea.Batch(textinput.Blink, waitForEvent(m.feed))
}

func waitForEvent(feed <-chan events.Event) tea.Cmd {
	return func() tea.Msg {
		ev, ok := <-feed
		if !ok {
			return nil
		}
		return eventMsg{ev}
	}
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmd tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.Type {
		case tea.KeyCtrlC, tea.KeyEsc:
			return m, tea.Quit

		case tea.KeyEnter:
			line := strings.TrimSpace(m.textInput.Value())
			if line == "" {
				return m, nil
			}
			m.textInput.Reset()
			m.append(userStyle.Width(m.logWidth()).Render("> " + line))
			return m, m.execute(line)
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		if m.viewport.Width == 0 {
			m.viewport = viewport.New(m.logWidth(), msg.Height-6)
		} else {
			m.viewport.Width = m.logWidth()
			m.viewport.Height = msg.Height - 6
		}
		m.viewport.SetContent(m.log)
		m.viewport.GotoBottom()

	case eventMsg:
		m.append(eventStyle.Width(m.logWidth()).Render("• " + Describe(msg.ev)))
		return m, waitForEvent(m.feed)

	case resultMsg:
		switch {
		case errors.Is(msg.err, errQuit):
			return m, tea.Quit
		case msg.err != nil:
			m.append(errorStyle.Width(m.logWidth()).Render("error: " + msg.err.Error()))
		case msg.output != "":
			m.append(outputStyle.Width(m.logWidth()).Render(msg.output))
		}
		return m, nil
	}

	m.textInput, cmd = m.textInput.Update(msg)
	return m, cmd
}

func (m *model) append(s string) {
	m.log += s + "\n"
	m.viewport.SetContent(m.log)
	m.viewport.GotoBottom()
}

func (m model) logWidth() int {
	if m.width == 0 {
		return 80
	}
	return int(float64(m.width) * 0.70)
}

func (m model) execute(line string) tea.Cmd {
	return func() tea.Msg {
		out, err := Execute(context.Background(), m.world, line)
		return resultMsg{out, err}
	}
}

func (m model) View() string {
	if m.viewport.Width == 0 {
		return "\n  Loading world...\n"
	}
	body := lipgloss.JoinHorizontal(lipgloss.Top, m.viewport.View(), m.renderState())
	help := helpStyle.Render("Type /help for commands, /quit or Esc to leave.")
	return "\n" + lipgloss.JoinVertical(lipgloss.Left, body, "\n"+m.textInput.View(), "\n"+help) + "\n"
}

func (m model) renderState() string {
	ctx := context.Background()
	st := m.world.Rumors.Statistics(ctx)

	clock := titleStyle.Render("TIME") + fmt.Sprintf("\ntick %d\n\n", m.world.Tick())

	keys := m.world.State.Keys()
	state := titleStyle.Render("STATE") + "\n"
	if len(keys) == 0 {
		state += "(empty)\n"
	}
	for i, k := range keys {
		if i == 12 {
			state += fmt.Sprintf("… %d more\n", len(keys)-i)
			break
		}
		state += fmt.Sprintf("%s: %v\n", k, m.world.State.Get(k, nil))
	}
	state += "\n"

	rumors := titleStyle.Render("RUMORS") + fmt.Sprintf(
		"\n%d rumors\n%d variants\n%d entities\navg belief %.2f\n",
		st.Rumors, st.Variants, st.Entities, st.AverageBelief)
	if st.Unsaved > 0 {
		rumors += errorStyle.Render(fmt.Sprintf("%d unsaved", st.Unsaved)) + "\n"
	}

	width := int(float64(m.width) * 0.28)
	return stateStyle.Width(width).Height(m.viewport.Height).Render(clock + state + rumors)
}

// Describe renders an event as one line.
func Describe(ev events.Event) string {
	switch e := ev.(type) {
	case events.StateChanged:
		if e.Change == models.ChangeDeleted {
			return fmt.Sprintf("%s deleted (was %v)", e.Key, e.OldValue)
		}
		return fmt.Sprintf("%s %s: %v -> %v", e.Key, e.Change, e.OldValue, e.NewValue)
	case events.RumorCreated:
		return fmt.Sprintf("%s started a rumor: %q", e.OriginatorID, e.Content)
	case events.RumorTransmitted:
		verb := "told"
		if !e.FirstHeard {
			verb = "reminded"
		}
		s := fmt.Sprintf("%s %s %s (belief %.2f)", e.FromEntityID, verb, e.ToEntityID, e.Believability)
		if e.Mutated {
			s += ", garbled"
		}
		return s
	case events.BeliefChanged:
		return fmt.Sprintf("%s belief %.2f -> %.2f", e.EntityID, e.Old, e.New)
	case events.RumorMutated:
		return fmt.Sprintf("%s retold %q as %q", e.EntityID, e.OriginalContent, e.MutatedContent)
	case events.RumorDecayed:
		return fmt.Sprintf("rumor %s faded for %d", shortID(e.RumorID), len(e.Entities))
	case events.RumorPurged:
		return fmt.Sprintf("rumor %s purged", shortID(e.RumorID))
	case events.TimeAdvanced:
		return fmt.Sprintf("tick %d", e.Tick)
	default:
		return string(ev.Kind())
	}
}

// Run shows the inspector until the user quits. Events reach the feed from an
// async subscriber; when the feed is full they are dropped rather than
// blocking the bus.
func Run(w *world.World) error {
	feed := make(chan events.Event, feedSize)
	sub := w.Bus.SubscribeAsync(events.KindAny, func(_ context.Context, ev events.Event) error {
		select {
		case feed <- ev:
		default:
		}
		return nil
	}, -10)
	defer w.Bus.Unsubscribe(events.KindAny, sub)

	p := tea.NewProgram(newModel(w, feed), tea.WithAltScreen())
	_, err := p.Run()
	return err
}
