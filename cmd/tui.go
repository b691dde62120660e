// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/Thermoquad/helioflash/pkg/stm32boot"
)

// Event log entry
type eventLogEntry struct {
	timestamp time.Time
	message   string
	isError   bool
}

// TUI model
type model struct {
	title         string
	connInfo      string
	imageInfo     string
	state         stm32boot.State
	block         int
	progress      progress.Model
	latest        stm32boot.Progress
	eventLog      []eventLogEntry
	maxLogEntries int
	started       time.Time
	elapsed       time.Duration
	width         int
	height        int
	cancel        context.CancelFunc
	cancelling    bool
	finished      bool
	report        *stm32boot.Report
	err           error
}

// Messages
type tickMsg time.Time
type stateMsg struct {
	state stm32boot.State
	block int
}
type progressMsg stm32boot.Progress
type doneMsg struct {
	report *stm32boot.Report
	err    error
}

func initialModel(title, connInfo, imageInfo string, cancel context.CancelFunc) model {
	return model{
		title:         title,
		connInfo:      connInfo,
		imageInfo:     imageInfo,
		state:         stm32boot.StateIdle,
		block:         -1,
		progress:      progress.New(progress.WithDefaultGradient()),
		eventLog:      make([]eventLogEntry, 0),
		maxLogEntries: 100,
		started:       time.Now(),
		width:         80,
		height:        24,
		cancel:        cancel,
	}
}

func (m model) Init() tea.Cmd {
	return tickCmd()
}

func tickCmd() tea.Cmd {
	return tea.Tick(100*time.Millisecond, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			if m.finished {
				return m, tea.Quit
			}
			// The session unwinds and reports through doneMsg
			if !m.cancelling && m.cancel != nil {
				m.cancelling = true
				m.cancel()
				m.addLogEntry("Cancelling session...", true)
			}
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.progress.Width = msg.Width - 8
		if m.progress.Width > 72 {
			m.progress.Width = 72
		}

	case tickMsg:
		if m.finished {
			return m, nil
		}
		m.elapsed = time.Since(m.started)
		return m, tickCmd()

	case stateMsg:
		if msg.state != m.state {
			m.addLogEntry(msg.state.String(), msg.state == stm32boot.StateFailed)
		}
		m.state = msg.state
		m.block = msg.block

	case progressMsg:
		m.latest = stm32boot.Progress(msg)
		return m, m.progress.SetPercent(msg.Fraction)

	case progress.FrameMsg:
		pm, cmd := m.progress.Update(msg)
		m.progress = pm.(progress.Model)
		return m, cmd

	case doneMsg:
		m.finished = true
		m.report = msg.report
		m.err = msg.err
		m.elapsed = time.Since(m.started)
		if msg.err != nil {
			m.addLogEntry(msg.err.Error(), true)
		} else {
			m.addLogEntry(fmt.Sprintf("Done in %s", m.elapsed.Round(time.Millisecond)), false)
		}
		return m, tea.Quit
	}

	return m, nil
}

func (m *model) addLogEntry(message string, isError bool) {
	entry := eventLogEntry{
		timestamp: time.Now(),
		message:   message,
		isError:   isError,
	}
	m.eventLog = append(m.eventLog, entry)

	if len(m.eventLog) > m.maxLogEntries {
		m.eventLog = m.eventLog[len(m.eventLog)-m.maxLogEntries:]
	}
}

func (m model) View() string {
	titleStyle := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("12")).
		Background(lipgloss.Color("235")).
		Padding(0, 1)

	headerStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("241"))

	labelStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("12")).
		Bold(true)

	valueStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("10"))

	errorStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("9")).
		Bold(true)

	infoStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("11"))

	boxStyle := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color("240")).
		Padding(0, 1)

	var s strings.Builder
	s.WriteString(titleStyle.Render(m.title))
	s.WriteString("\n")
	s.WriteString(headerStyle.Render(fmt.Sprintf("%s | Press 'q' to cancel", m.connInfo)))
	s.WriteString("\n\n")

	status := strings.Builder{}
	stateText := valueStyle.Render(m.state.String())
	if m.state == stm32boot.StateFailed {
		stateText = errorStyle.Render(m.state.String())
	}
	status.WriteString(fmt.Sprintf("%s %s   %s %s\n",
		labelStyle.Render("State:"), stateText,
		labelStyle.Render("Elapsed:"), valueStyle.Render(m.elapsed.Round(100*time.Millisecond).String()),
	))
	if m.imageInfo != "" {
		status.WriteString(fmt.Sprintf("%s %s\n", labelStyle.Render("Image:"), m.imageInfo))
	}
	if m.latest.Blocks > 0 {
		status.WriteString(fmt.Sprintf("%s %d/%d   %s %d/%d\n",
			labelStyle.Render("Blocks:"), m.latest.Block, m.latest.Blocks,
			labelStyle.Render("Bytes:"), m.latest.Bytes, m.latest.TotalBytes,
		))
	}
	status.WriteString(m.progress.View())

	s.WriteString(boxStyle.Render(status.String()))
	s.WriteString("\n\n")

	s.WriteString(labelStyle.Render("Events:"))
	s.WriteString("\n")

	logHeight := m.height - 14
	if logHeight < 5 {
		logHeight = 5
	}
	startIdx := len(m.eventLog) - logHeight
	if startIdx < 0 {
		startIdx = 0
	}

	logContent := strings.Builder{}
	if len(m.eventLog) == 0 {
		logContent.WriteString(headerStyle.Render("  (no events yet)"))
	}
	for i := startIdx; i < len(m.eventLog); i++ {
		entry := m.eventLog[i]
		timestamp := entry.timestamp.Format("15:04:05.000")
		if entry.isError {
			logContent.WriteString(fmt.Sprintf("%s %s\n", headerStyle.Render(timestamp), errorStyle.Render("✗ "+entry.message)))
		} else {
			logContent.WriteString(fmt.Sprintf("%s %s\n", headerStyle.Render(timestamp), infoStyle.Render("ℹ "+entry.message)))
		}
	}
	s.WriteString(boxStyle.Width(m.width - 4).Render(logContent.String()))
	s.WriteString("\n")

	return s.String()
}

// teaView forwards flasher callbacks into a running program.
type teaView struct {
	program *tea.Program
}

func (v *teaView) State(s stm32boot.State, block int) {
	v.program.Send(stateMsg{state: s, block: block})
}

func (v *teaView) Progress(p stm32boot.Progress) {
	v.program.Send(progressMsg(p))
}

// runWithTUI runs fn while the progress view owns the terminal.
// fn receives the view to hand to the flasher and the context the
// q key cancels.
func runWithTUI(ctx context.Context, title, connInfo, imageInfo string, fn func(ctx context.Context, view sessionView) (*stm32boot.Report, error)) (*stm32boot.Report, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	p := tea.NewProgram(initialModel(title, connInfo, imageInfo, cancel), tea.WithAltScreen())
	view := &teaView{program: p}

	type result struct {
		report *stm32boot.Report
		err    error
	}
	results := make(chan result, 1)
	go func() {
		report, err := fn(ctx, view)
		results <- result{report, err}
		p.Send(doneMsg{report: report, err: err})
	}()

	if _, err := p.Run(); err != nil {
		cancel()
		<-results
		return nil, fmt.Errorf("error running TUI: %w", err)
	}
	res := <-results
	return res.report, res.err
}
