// Copyright 2025 James Ross
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

// Simple, pragmatic read-only dashboard for watching task collection
// progress. It only ever talks to the HTTP API, never the Store or Queue
// directly, so it reflects exactly what an external client would see.

type taskRow struct {
	ID         string  `json:"id"`
	Type       string  `json:"type"`
	Status     string  `json:"status"`
	Percentage float64 `json:"percentage"`
	Phase      string  `json:"phase"`
}

type listEnvelope struct {
	Success bool `json:"success"`
	Data    struct {
		Items []json.RawMessage `json:"items"`
	} `json:"data"`
	Error string `json:"error"`
}

type tasksMsg struct {
	rows []taskRow
	err  error
}

type tick struct{}

type model struct {
	apiBase      string
	client       *http.Client
	tbl          table.Model
	spinner      spinner.Model
	loading      bool
	errText      string
	refreshEvery time.Duration
}

func initialModel(apiBase string, refreshEvery time.Duration) model {
	sp := spinner.New()
	sp.Spinner = spinner.Dot

	columns := []table.Column{
		{Title: "Task ID", Width: 36},
		{Title: "Type", Width: 16},
		{Title: "Status", Width: 12},
		{Title: "Progress", Width: 10},
		{Title: "Phase", Width: 10},
	}
	t := table.New(table.WithColumns(columns), table.WithFocused(true))
	t.SetStyles(table.Styles{
		Header:   lipgloss.NewStyle().Bold(true),
		Selected: lipgloss.NewStyle().Bold(true),
	})

	return model{
		apiBase:      apiBase,
		client:       &http.Client{Timeout: 5 * time.Second},
		tbl:          t,
		spinner:      sp,
		refreshEvery: refreshEvery,
	}
}

func (m model) Init() tea.Cmd {
	return tea.Batch(m.refreshCmd(), tea.Every(m.refreshEvery, func(time.Time) tea.Msg { return tick{} }), spinner.Tick)
}

func (m model) refreshCmd() tea.Cmd {
	return func() tea.Msg {
		resp, err := m.client.Get(m.apiBase + "/api/tasks?limit=50")
		if err != nil {
			return tasksMsg{err: err}
		}
		defer resp.Body.Close()

		var env listEnvelope
		if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
			return tasksMsg{err: err}
		}
		if !env.Success {
			return tasksMsg{err: fmt.Errorf("%s", env.Error)}
		}

		rows := make([]taskRow, 0, len(env.Data.Items))
		for _, raw := range env.Data.Items {
			var full struct {
				ID       string `json:"id"`
				Type     string `json:"type"`
				Status   string `json:"status"`
				Progress struct {
					Percentage float64 `json:"percentage"`
					Phase      string  `json:"phase"`
				} `json:"progress"`
			}
			if err := json.Unmarshal(raw, &full); err != nil {
				continue
			}
			rows = append(rows, taskRow{
				ID: full.ID, Type: full.Type, Status: full.Status,
				Percentage: full.Progress.Percentage, Phase: full.Progress.Phase,
			})
		}
		return tasksMsg{rows: rows}
	}
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			return m, tea.Quit
		case "r":
			m.loading = true
			return m, tea.Batch(m.refreshCmd(), spinner.Tick)
		}
	case tick:
		return m, m.refreshCmd()
	case tasksMsg:
		m.loading = false
		if msg.err != nil {
			m.errText = msg.err.Error()
			return m, nil
		}
		m.errText = ""
		rows := make([]table.Row, 0, len(msg.rows))
		for _, r := range msg.rows {
			rows = append(rows, table.Row{r.ID, r.Type, r.Status, fmt.Sprintf("%.0f%%", r.Percentage), r.Phase})
		}
		m.tbl.SetRows(rows)
		return m, nil
	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}

	var cmd tea.Cmd
	m.tbl, cmd = m.tbl.Update(msg)
	return m, cmd
}

func (m model) View() string {
	header := lipgloss.NewStyle().Bold(true).Render("vk-collector dashboard") + "  (q: quit, r: refresh)\n\n"
	if m.errText != "" {
		header += lipgloss.NewStyle().Foreground(lipgloss.Color("1")).Render("error: "+m.errText) + "\n\n"
	}
	return header + m.tbl.View() + "\n"
}

func main() {
	var apiBase string
	var refresh time.Duration
	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)
	fs.StringVar(&apiBase, "api", "http://localhost:8080", "Base URL of the collector HTTP API")
	fs.DurationVar(&refresh, "refresh", 3*time.Second, "Refresh interval")
	_ = fs.Parse(os.Args[1:])

	p := tea.NewProgram(initialModel(apiBase, refresh))
	if _, err := p.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "dashboard error: %v\n", err)
		os.Exit(1)
	}
}
