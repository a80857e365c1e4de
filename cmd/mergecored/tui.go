package main

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/relaynotes/mergecore/internal/merge"
)

const tuiRefresh = 500 * time.Millisecond

type tickMsg time.Time

// statusModel is a bubbletea model that lists every document the fleet's
// Manager knows about, its current state path, and its derived
// SyncStatus, refreshing on a fixed tick rather than subscribing to the
// HSM's own effect stream, to keep this command decoupled from it.
type statusModel struct {
	fleet    *docFleet
	rows     []statusRow
	spinner  spinner.Model
	gotFirst bool
}

type statusRow struct {
	guid      string
	path      string
	statePath merge.State
	status    merge.StatusKind
}

func newStatusModel(fleet *docFleet) statusModel {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = cyan
	return statusModel{fleet: fleet, spinner: s}
}

func (m statusModel) Init() tea.Cmd {
	return tea.Batch(tick(), m.spinner.Tick)
}

func tick() tea.Cmd {
	return tea.Tick(tuiRefresh, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m statusModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q", "esc":
			return m, tea.Quit
		}
	case tickMsg:
		m.rows = snapshotRows(m.fleet)
		m.gotFirst = true
		return m, tick()
	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}
	return m, nil
}

func snapshotRows(fleet *docFleet) []statusRow {
	statuses := fleet.manager.Statuses()
	rows := make([]statusRow, 0, len(statuses))
	for guid, st := range statuses {
		statePath := merge.State("")
		if hsm, ok := fleet.manager.Get(guid); ok {
			statePath = hsm.Snapshot().StatePath
		}
		rows = append(rows, statusRow{guid: guid, path: st.Path, statePath: statePath, status: st.Status})
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].path < rows[j].path })
	return rows
}

func (m statusModel) View() string {
	var b strings.Builder
	b.WriteString(cyan.Bold(true).Render("mergecored") + " " + gray.Render(m.fleet.cfg.DocsDir) + "\n\n")

	if !m.gotFirst {
		b.WriteString(m.spinner.View() + " " + gray.Render("discovering documents...") + "\n")
	} else if len(m.rows) == 0 {
		b.WriteString(gray.Render("no documents discovered") + "\n")
	}

	for _, r := range m.rows {
		b.WriteString(fmt.Sprintf("%-28s %-32s %s\n", r.path, string(r.statePath), statusBadge(r.status)))
	}

	b.WriteString("\n" + gray.Render("q/esc/ctrl+c to quit") + "\n")
	return b.String()
}

func statusBadge(s merge.StatusKind) string {
	switch s {
	case merge.StatusSynced:
		return green.Render(string(s))
	case merge.StatusConflict:
		return red.Render(string(s))
	case merge.StatusError:
		return red.Bold(true).Render(string(s))
	default:
		return yellow.Render(string(s))
	}
}
