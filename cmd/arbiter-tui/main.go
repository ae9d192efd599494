// Command arbiter-tui is a terminal dashboard for a running arbiterd.
package main

import (
	"context"
	"crypto/tls"
	"flag"
	"fmt"
	"log"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/dd0wney/cluso-arbiter/pkg/audit"
	"github.com/dd0wney/cluso-arbiter/pkg/cluster"
	"github.com/dd0wney/cluso-arbiter/pkg/dispatch"
	arbtls "github.com/dd0wney/cluso-arbiter/pkg/tls"
)

// Styles
var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FF00FF")).
			MarginLeft(2).
			MarginTop(1)

	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#00FFFF")).
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("#00FFFF")).
			Padding(0, 1)

	activeTabStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FFFFFF")).
			Background(lipgloss.Color("#FF00FF")).
			Padding(0, 2)

	inactiveTabStyle = lipgloss.NewStyle().
				Foreground(lipgloss.Color("#666666")).
				Padding(0, 2)

	contentStyle = lipgloss.NewStyle().
			MarginLeft(2).
			MarginTop(1)

	statsBoxStyle = lipgloss.NewStyle().
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("#00FF00")).
			Padding(1, 2).
			MarginRight(2)

	alertBoxStyle = lipgloss.NewStyle().
			BorderStyle(lipgloss.DoubleBorder()).
			BorderForeground(lipgloss.Color("#FF0000")).
			Padding(1, 2)

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FF0000")).
			Bold(true)

	successStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#00FF00")).
			Bold(true)

	helpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#888888")).
			MarginTop(1).
			MarginLeft(2)
)

type view int

const (
	dashboardView view = iota
	membersView
	claimsView
	eventsView
	viewCount
)

var viewNames = []string{"Dashboard", "Members", "Claims", "Events"}

type keyMap struct {
	Tab         key.Binding
	ShiftTab    key.Binding
	Refresh     key.Binding
	Acknowledge key.Binding
	Quit        key.Binding
	Up          key.Binding
	Down        key.Binding
}

var keys = keyMap{
	Tab: key.NewBinding(
		key.WithKeys("tab"),
		key.WithHelp("tab", "next view"),
	),
	ShiftTab: key.NewBinding(
		key.WithKeys("shift+tab"),
		key.WithHelp("shift+tab", "prev view"),
	),
	Refresh: key.NewBinding(
		key.WithKeys("r"),
		key.WithHelp("r", "refresh"),
	),
	Acknowledge: key.NewBinding(
		key.WithKeys("a"),
		key.WithHelp("a", "acknowledge unfenced"),
	),
	Quit: key.NewBinding(
		key.WithKeys("q", "ctrl+c"),
		key.WithHelp("q", "quit"),
	),
	Up: key.NewBinding(
		key.WithKeys("up", "k"),
		key.WithHelp("↑/k", "up"),
	),
	Down: key.NewBinding(
		key.WithKeys("down", "j"),
		key.WithHelp("↓/j", "down"),
	),
}

func (k keyMap) ShortHelp() []key.Binding {
	return []key.Binding{k.Tab, k.Refresh, k.Acknowledge, k.Quit}
}

func (k keyMap) FullHelp() [][]key.Binding {
	return [][]key.Binding{
		{k.Tab, k.ShiftTab, k.Refresh},
		{k.Up, k.Down, k.Acknowledge},
		{k.Quit},
	}
}

type model struct {
	client       *client
	interval     time.Duration
	currentView  view
	memberTable  table.Model
	claimTable   table.Model
	eventTable   table.Model
	help         help.Model
	keys         keyMap
	width        int
	height       int
	status       *dispatch.Status
	events       []*audit.Event
	lastRefresh  time.Time
	message      string
	messageErr   bool
}

type tickMsg time.Time

type refreshMsg struct {
	status *dispatch.Status
	events []*audit.Event
	err    error
}

type ackMsg struct {
	peer string
	err  error
}

func tickCmd(every time.Duration) tea.Cmd {
	return tea.Tick(every, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (m model) refreshCmd() tea.Cmd {
	c := m.client
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()

		st, err := c.status(ctx)
		if err != nil {
			return refreshMsg{err: err}
		}
		events, err := c.events(ctx, 50)
		return refreshMsg{status: st, events: events, err: err}
	}
}

func (m model) ackCmd(peer string) tea.Cmd {
	c := m.client
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		return ackMsg{peer: peer, err: c.acknowledge(ctx, peer)}
	}
}

func newTable(columns []table.Column, focused bool) table.Model {
	t := table.New(
		table.WithColumns(columns),
		table.WithFocused(focused),
		table.WithHeight(10),
	)

	s := table.DefaultStyles()
	s.Header = s.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(lipgloss.Color("#00FFFF")).
		BorderBottom(true).
		Bold(true)
	s.Selected = s.Selected.
		Foreground(lipgloss.Color("#FFFFFF")).
		Background(lipgloss.Color("#FF00FF")).
		Bold(false)
	t.SetStyles(s)
	return t
}

func initialModel(c *client, interval time.Duration) model {
	return model{
		client:   c,
		interval: interval,
		memberTable: newTable([]table.Column{
			{Title: "Node", Width: 16},
			{Title: "Status", Width: 10},
			{Title: "Links", Width: 30},
			{Title: "Fencing", Width: 12},
			{Title: "Changed", Width: 10},
		}, true),
		claimTable: newTable([]table.Column{
			{Title: "Group", Width: 20},
			{Title: "Owner", Width: 16},
			{Title: "Claimed by", Width: 16},
			{Title: "At", Width: 10},
		}, true),
		eventTable: newTable([]table.Column{
			{Title: "Time", Width: 10},
			{Title: "Kind", Width: 14},
			{Title: "Peer", Width: 12},
			{Title: "Outcome", Width: 8},
			{Title: "Detail", Width: 40},
		}, true),
		help: help.New(),
		keys: keys,
	}
}

func (m model) Init() tea.Cmd {
	return tea.Batch(m.refreshCmd(), tickCmd(m.interval))
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmd tea.Cmd
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.help.Width = msg.Width

	case tickMsg:
		return m, tea.Batch(m.refreshCmd(), tickCmd(m.interval))

	case refreshMsg:
		if msg.err != nil {
			m.message = fmt.Sprintf("Refresh failed: %v", msg.err)
			m.messageErr = true
			return m, nil
		}
		m.apply(msg.status, msg.events)
		if m.messageErr {
			m.message = ""
			m.messageErr = false
		}
		return m, nil

	case ackMsg:
		if msg.err != nil {
			m.message = msg.err.Error()
			m.messageErr = true
			return m, nil
		}
		m.message = fmt.Sprintf("Acknowledged %s", msg.peer)
		m.messageErr = false
		return m, m.refreshCmd()

	case tea.KeyMsg:
		switch {
		case key.Matches(msg, m.keys.Quit):
			return m, tea.Quit

		case key.Matches(msg, m.keys.Tab):
			m.currentView = (m.currentView + 1) % viewCount

		case key.Matches(msg, m.keys.ShiftTab):
			m.currentView = (m.currentView + viewCount - 1) % viewCount

		case key.Matches(msg, m.keys.Refresh):
			return m, m.refreshCmd()

		case key.Matches(msg, m.keys.Acknowledge):
			if peer := m.selectedUnfenced(); peer != "" {
				return m, m.ackCmd(peer)
			}
			m.message = "Selected node is not marked unfenced"
			m.messageErr = true
			return m, nil
		}
	}

	switch m.currentView {
	case membersView:
		m.memberTable, cmd = m.memberTable.Update(msg)
		cmds = append(cmds, cmd)
	case claimsView:
		m.claimTable, cmd = m.claimTable.Update(msg)
		cmds = append(cmds, cmd)
	case eventsView:
		m.eventTable, cmd = m.eventTable.Update(msg)
		cmds = append(cmds, cmd)
	}

	return m, tea.Batch(cmds...)
}

func (m *model) apply(st *dispatch.Status, events []*audit.Event) {
	m.status = st
	m.events = events
	m.lastRefresh = time.Now()

	unfenced := m.unfencedPeers()
	fencing := make(map[string]bool, len(st.Arbiter.Fencing))
	for _, p := range st.Arbiter.Fencing {
		fencing[p] = true
	}

	members := make([]table.Row, 0, len(st.Members))
	for _, n := range st.Members {
		state := ""
		switch {
		case unfenced[n.Name]:
			state = "UNFENCED"
		case fencing[n.Name]:
			state = "fencing"
		}
		members = append(members, table.Row{
			n.Name,
			n.Status.String(),
			formatLinks(n.Links),
			state,
			formatTime(n.LastChange),
		})
	}
	m.memberTable.SetRows(members)

	claims := make([]table.Row, 0, len(st.Arbiter.Claims))
	for _, c := range st.Arbiter.Claims {
		claims = append(claims, table.Row{c.Group, c.Owner, c.From, formatTime(c.At)})
	}
	m.claimTable.SetRows(claims)

	rows := make([]table.Row, 0, len(events))
	for i := len(events) - 1; i >= 0; i-- {
		e := events[i]
		rows = append(rows, table.Row{
			formatTime(e.Timestamp),
			string(e.Kind),
			e.Peer,
			string(e.Outcome),
			e.Detail,
		})
	}
	m.eventTable.SetRows(rows)
}

func (m model) unfencedPeers() map[string]bool {
	out := make(map[string]bool)
	if m.status == nil {
		return out
	}
	for _, u := range m.status.Arbiter.Unfenced {
		out[u.Peer] = true
	}
	return out
}

// selectedUnfenced returns the peer to acknowledge: the highlighted member,
// or the only unfenced peer when the dashboard is shown.
func (m model) selectedUnfenced() string {
	unfenced := m.unfencedPeers()
	switch m.currentView {
	case membersView:
		row := m.memberTable.SelectedRow()
		if row != nil && unfenced[row[0]] {
			return row[0]
		}
	case dashboardView:
		if len(unfenced) == 1 {
			for p := range unfenced {
				return p
			}
		}
	}
	return ""
}

func formatLinks(links map[string]cluster.Status) string {
	if len(links) == 0 {
		return "-"
	}
	parts := make([]string, 0, len(links))
	for id, st := range links {
		parts = append(parts, id+"="+st.String())
	}
	sort.Strings(parts)
	return strings.Join(parts, " ")
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format("15:04:05")
}

func (m model) View() string {
	if m.width == 0 {
		return "Initializing..."
	}

	var s strings.Builder

	title := "Cluster Arbiter"
	if m.status != nil {
		title += " - " + m.status.Self
	}
	s.WriteString(titleStyle.Render(title))
	s.WriteString("\n\n")

	s.WriteString(m.renderTabs())
	s.WriteString("\n\n")

	switch m.currentView {
	case dashboardView:
		s.WriteString(m.renderDashboard())
	case membersView:
		s.WriteString(m.renderTable("Membership", m.memberTable))
	case claimsView:
		s.WriteString(m.renderTable("Resource Claims", m.claimTable))
	case eventsView:
		s.WriteString(m.renderTable("Incident Journal", m.eventTable))
	}

	if m.message != "" {
		s.WriteString("\n\n")
		if m.messageErr {
			s.WriteString(errorStyle.Render("✗ " + m.message))
		} else {
			s.WriteString(successStyle.Render("✓ " + m.message))
		}
	}

	s.WriteString("\n\n")
	s.WriteString(helpStyle.Render(m.help.ShortHelpView(m.keys.ShortHelp())))

	return s.String()
}

func (m model) renderTabs() string {
	var tabs []string
	for i, name := range viewNames {
		if view(i) == m.currentView {
			tabs = append(tabs, activeTabStyle.Render(name))
		} else {
			tabs = append(tabs, inactiveTabStyle.Render(name))
		}
	}
	return lipgloss.JoinHorizontal(lipgloss.Top, tabs...)
}

func (m model) renderDashboard() string {
	st := m.status
	if st == nil {
		return contentStyle.Render(helpStyle.Render("Waiting for arbiterd..."))
	}

	up, down := 0, 0
	for _, n := range st.Members {
		switch n.Status {
		case cluster.StatusUp:
			up++
		case cluster.StatusDown:
			down++
		}
	}

	loop := "running"
	if !st.Running {
		loop = "stopped"
	}

	statsContent := fmt.Sprintf(`Arbiter
───────────────
Loop:        %s
Policy:      %s
Members:     %d up / %d down
Witnesses:   %d
Arbitrating: %s
Fencing:     %s
Isolations:  %d
Refreshed:   %s`,
		loop,
		st.Arbiter.Policy,
		up, down,
		len(st.Witnesses),
		joinOrDash(st.Arbiter.Arbitrating),
		joinOrDash(st.Arbiter.Fencing),
		st.Arbiter.Isolations,
		formatTime(m.lastRefresh),
	)

	round := "Last probe round\n───────────────\nnone yet"
	if r := st.LastRound; r != nil {
		round = fmt.Sprintf("Last probe round\n───────────────\nPeer:        %s\nAt:          %s\nReachable:   %s\nUnreachable: %s",
			r.Peer, formatTime(r.At), joinOrDash(r.Reachable), joinOrDash(r.Unreachable))
	}
	if n := len(st.Arbiter.History); n > 0 {
		last := st.Arbiter.History[n-1]
		round += fmt.Sprintf("\n\nLast verdict: %s (%s)", last.Verdict, last.Peer)
	}

	boxes := lipgloss.JoinHorizontal(lipgloss.Top,
		statsBoxStyle.Render(statsContent),
		statsBoxStyle.Render(round))

	if len(st.Arbiter.Unfenced) == 0 {
		return contentStyle.Render(boxes)
	}

	var alert strings.Builder
	alert.WriteString("UNFENCED PEERS - manual intervention required\n")
	for _, u := range st.Arbiter.Unfenced {
		fmt.Fprintf(&alert, "\n%s via %s since %s: %s", u.Peer, u.Channel, formatTime(u.Since), u.Error)
	}
	return contentStyle.Render(lipgloss.JoinVertical(lipgloss.Left, boxes, "", alertBoxStyle.Render(errorStyle.Render(alert.String()))))
}

func (m model) renderTable(title string, t table.Model) string {
	var s strings.Builder
	s.WriteString(headerStyle.Render(title))
	s.WriteString("\n\n")
	s.WriteString(t.View())
	return contentStyle.Render(s.String())
}

func joinOrDash(s []string) string {
	if len(s) == 0 {
		return "-"
	}
	return strings.Join(s, ", ")
}

func main() {
	addr := flag.String("addr", "http://localhost:7780", "arbiterd API address (https:// when TLS is enabled)")
	interval := flag.Duration("interval", 2*time.Second, "Refresh interval")
	caFile := flag.String("ca", "", "CA certificate that signed the arbiterd certificate")
	certFile := flag.String("cert", "", "Client certificate for APIs that require one")
	keyFile := flag.String("key", "", "Client certificate key")
	flag.Parse()

	var tlsConfig *tls.Config
	if strings.HasPrefix(*addr, "https://") {
		var err error
		tlsConfig, err = arbtls.ClientConfig(*caFile, *certFile, *keyFile)
		if err != nil {
			log.Fatalf("TLS configuration: %v", err)
		}
	}

	p := tea.NewProgram(initialModel(newClient(*addr, tlsConfig), *interval), tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		log.Fatalf("Error running program: %v", err)
	}
}
