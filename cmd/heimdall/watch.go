package main

import (
	"fmt"
	"time"

	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/mkarlsen/heimdall/internal/config"
	"github.com/mkarlsen/heimdall/internal/state"
	"github.com/mkarlsen/heimdall/pkg/models"
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Watch all runs live in a terminal view",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		store, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer store.Close()

		model := newWatchModel(store, cfg.Watch.RefreshRate)
		program := tea.NewProgram(model, tea.WithAltScreen())
		_, err = program.Run()
		return err
	},
}

var (
	watchTitleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12")).Padding(0, 1)
	watchHelpStyle  = lipgloss.NewStyle().Faint(true).Padding(0, 1)
	watchErrStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Padding(0, 1)
	watchBoxStyle   = lipgloss.NewStyle().BorderStyle(lipgloss.NormalBorder()).BorderForeground(lipgloss.Color("240"))
)

type watchTickMsg time.Time

type watchRunsMsg struct {
	runs []*models.RunState
	err  error
}

type watchModel struct {
	store   state.RunStore
	refresh time.Duration
	table   table.Model
	err     error
}

func newWatchModel(store state.RunStore, refresh time.Duration) watchModel {
	if refresh <= 0 {
		refresh = 500 * time.Millisecond
	}

	columns := []table.Column{
		{Title: "RUN", Width: 10},
		{Title: "TICKER", Width: 8},
		{Title: "PHASE", Width: 14},
		{Title: "STATUS", Width: 16},
		{Title: "ATTEMPT", Width: 8},
		{Title: "UPDATED", Width: 18},
	}
	t := table.New(
		table.WithColumns(columns),
		table.WithFocused(true),
		table.WithHeight(15),
	)
	styles := table.DefaultStyles()
	styles.Header = styles.Header.Bold(true).BorderStyle(lipgloss.NormalBorder()).BorderBottom(true)
	styles.Selected = styles.Selected.Foreground(lipgloss.Color("229")).Background(lipgloss.Color("57"))
	t.SetStyles(styles)

	return watchModel{store: store, refresh: refresh, table: t}
}

func (m watchModel) Init() tea.Cmd {
	return tea.Batch(m.loadRuns, m.tick())
}

func (m watchModel) tick() tea.Cmd {
	return tea.Tick(m.refresh, func(t time.Time) tea.Msg {
		return watchTickMsg(t)
	})
}

func (m watchModel) loadRuns() tea.Msg {
	runs, err := m.store.ListRuns(nil)
	return watchRunsMsg{runs: runs, err: err}
}

func (m watchModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			return m, tea.Quit
		}

	case watchTickMsg:
		return m, tea.Batch(m.loadRuns, m.tick())

	case watchRunsMsg:
		m.err = msg.err
		if msg.err == nil {
			rows := make([]table.Row, 0, len(msg.runs))
			for _, run := range msg.runs {
				rows = append(rows, table.Row{
					run.RunID,
					run.Inputs.Ticker,
					string(run.Phase),
					string(run.Status),
					fmt.Sprintf("%d", run.AttemptCount),
					run.UpdatedAt.Local().Format("2006-01-02 15:04:05"),
				})
			}
			m.table.SetRows(rows)
		}
		return m, nil
	}

	var cmd tea.Cmd
	m.table, cmd = m.table.Update(msg)
	return m, cmd
}

func (m watchModel) View() string {
	view := watchTitleStyle.Render("Heimdall runs") + "\n"
	view += watchBoxStyle.Render(m.table.View()) + "\n"
	if m.err != nil {
		view += watchErrStyle.Render(fmt.Sprintf("store error: %v", m.err)) + "\n"
	}
	view += watchHelpStyle.Render("q: quit  ↑/↓: scroll")
	return view
}
