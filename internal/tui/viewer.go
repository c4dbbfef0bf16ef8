// Package tui is the live terminal viewer behind `raymem top`. It
// refreshes the cluster memory summary on a tick and renders it with the
// same textual format the CLI prints, under a styled status header.
package tui

import (
	"context"
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"

	"github.com/ThomasGoatly/ray/internal/memstat"
)

// Fetcher obtains a fresh cluster report. Collection can block on
// per-process timeouts, so it runs inside a bubbletea command rather
// than the update loop.
type Fetcher func(ctx context.Context) (*memstat.ClusterReport, error)

// Options tunes the viewer.
type Options struct {
	Interval          time.Duration // refresh period; default 2s
	MaxRowsPerProcess int           // 0 = unlimited
}

type tickMsg time.Time

type reportMsg struct {
	report *memstat.ClusterReport
	err    error
}

type model struct {
	ctx     context.Context
	fetch   Fetcher
	opts    Options
	started time.Time

	report     *memstat.ClusterReport
	fetchErr   error
	refreshing bool
	fetchedAt  time.Time

	width  int
	height int
}

func newModel(ctx context.Context, fetch Fetcher, opts Options) model {
	if opts.Interval <= 0 {
		opts.Interval = 2 * time.Second
	}
	return model{
		ctx:     ctx,
		fetch:   fetch,
		opts:    opts,
		started: time.Now(),
	}
}

func (m model) tickCmd() tea.Cmd {
	return tea.Tick(m.opts.Interval, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m model) refreshCmd() tea.Cmd {
	ctx, fetch := m.ctx, m.fetch
	return func() tea.Msg {
		report, err := fetch(ctx)
		return reportMsg{report: report, err: err}
	}
}

func (m model) Init() tea.Cmd {
	return tea.Batch(m.refreshCmd(), m.tickCmd())
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "r":
			if m.refreshing {
				return m, nil
			}
			m.refreshing = true
			return m, m.refreshCmd()
		}
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
	case tickMsg:
		cmds := []tea.Cmd{m.tickCmd()}
		if !m.refreshing {
			m.refreshing = true
			cmds = append(cmds, m.refreshCmd())
		}
		return m, tea.Batch(cmds...)
	case reportMsg:
		m.refreshing = false
		m.fetchErr = msg.err
		if msg.err == nil {
			m.report = msg.report
			m.fetchedAt = time.Now()
		}
	}
	return m, nil
}

func (m model) View() string {
	title := lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("62"))
	dim := lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	errS := lipgloss.NewStyle().Foreground(lipgloss.Color("196"))

	var out strings.Builder
	out.WriteString(title.Render("raymem top") + "\n")
	out.WriteString(dim.Render(m.statusLine()) + "\n\n")

	switch {
	case m.report == nil && m.fetchErr != nil:
		out.WriteString(errS.Render("collect failed: "+m.fetchErr.Error()) + "\n")
	case m.report == nil:
		out.WriteString(dim.Render("waiting for first report...") + "\n")
	default:
		out.WriteString(memstat.RenderText(m.report, memstat.RenderOptions{
			MaxRowsPerProcess: m.opts.MaxRowsPerProcess,
		}))
		// Keep the last good report on screen when a refresh fails.
		if m.fetchErr != nil {
			out.WriteString("\n" + errS.Render("refresh failed: "+m.fetchErr.Error()) + "\n")
		}
	}
	return out.String()
}

func (m model) statusLine() string {
	parts := []string{fmt.Sprintf("refresh %s", m.opts.Interval)}
	if m.report != nil {
		parts = append(parts,
			fmt.Sprintf("%d objects", m.report.NumObjects()),
			fmt.Sprintf("%s pinned", humanize.Bytes(uint64(m.report.PinnedBytes()))),
			fmt.Sprintf("updated %s", m.fetchedAt.Format("15:04:05")),
		)
		if n := m.report.NumUnreachable(); n > 0 {
			parts = append(parts, fmt.Sprintf("%d unreachable", n))
		}
	}
	if m.refreshing {
		parts = append(parts, "refreshing")
	}
	parts = append(parts, "r refresh, q quit")
	return strings.Join(parts, " · ")
}

// Run drives the viewer until the user quits or ctx ends.
func Run(ctx context.Context, fetch Fetcher, opts Options) error {
	defer bestEffortResetTTY()

	p := tea.NewProgram(newModel(ctx, fetch, opts))

	done := make(chan error, 1)
	go func() {
		_, err := p.Run()
		done <- err
	}()

	select {
	case <-ctx.Done():
		p.Quit()
		return ctx.Err()
	case err := <-done:
		return err
	}
}
