// Package tui is blipctl's live monitor dashboard: a single-screen bubbletea
// model polling a BLIP engine's /metrics endpoint every 2 seconds and
// rendering the counters with lipgloss. Grounded on
// strandctl/pkg/tui.Model (tick-driven refresh, title/status bar styling,
// errMsg/dataMsg message shapes), narrowed from three tabs of fleet data
// down to one screen of connection counters.
package tui

import (
	"bufio"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("15")).
			Background(lipgloss.Color("57")).
			Padding(0, 1)

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("12")).
			PaddingRight(1)

	valueStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("252"))

	statusBarStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("241")).
			PaddingLeft(1)

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("1")).
			Bold(true).
			PaddingLeft(1)
)

const refreshInterval = 2 * time.Second

type tickMsg time.Time
type dataMsg map[string]int64
type errMsg error

// Model is the top-level bubbletea model for `blipctl monitor`.
type Model struct {
	metricsURL string
	counters   map[string]int64
	order      []string
	err        error
	lastFetch  time.Time
	width      int
}

// New returns a Model that polls metricsURL (an engine's /metrics
// endpoint).
func New(metricsURL string) Model {
	return Model{
		metricsURL: metricsURL,
		counters:   map[string]int64{},
		order: []string{
			"blip_frames_sent_total",
			"blip_frames_received_total",
			"blip_bytes_sent_wire_total",
			"blip_bytes_received_wire_total",
			"blip_outgoing_messages_active",
			"blip_incoming_messages_active",
			"blip_acks_sent_total",
			"blip_acks_received_total",
			"blip_checksum_errors_total",
		},
	}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(tick(), fetchMetrics(m.metricsURL))
}

func tick() tea.Cmd {
	return tea.Tick(refreshInterval, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		return m, nil
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "r":
			return m, fetchMetrics(m.metricsURL)
		}
		return m, nil
	case tickMsg:
		return m, tea.Batch(tick(), fetchMetrics(m.metricsURL))
	case dataMsg:
		m.counters = msg
		m.err = nil
		m.lastFetch = time.Now()
		return m, nil
	case errMsg:
		m.err = msg
		return m, nil
	}
	return m, nil
}

func (m Model) View() string {
	var sb strings.Builder
	sb.WriteString(titleStyle.Render("  blipctl monitor  "))
	sb.WriteString("\n\n")

	for _, key := range m.order {
		label := labelStyle.Render(fmt.Sprintf("%-32s", key))
		value := valueStyle.Render(strconv.FormatInt(m.counters[key], 10))
		sb.WriteString(label)
		sb.WriteString(value)
		sb.WriteString("\n")
	}

	sb.WriteString("\n")
	if m.err != nil {
		sb.WriteString(errorStyle.Render(fmt.Sprintf("error: %v", m.err)))
	} else {
		status := fmt.Sprintf("source: %s", m.metricsURL)
		if !m.lastFetch.IsZero() {
			status += fmt.Sprintf("  |  last refresh: %s", m.lastFetch.Format("15:04:05"))
		}
		status += "  |  q: quit  r: refresh"
		sb.WriteString(statusBarStyle.Render(status))
	}
	return sb.String()
}

// fetchMetrics scrapes the Prometheus text exposition format at url and
// extracts the bare `name value` pairs this dashboard cares about.
func fetchMetrics(url string) tea.Cmd {
	return func() tea.Msg {
		resp, err := http.Get(url) //nolint:gosec // url comes from operator flag/config
		if err != nil {
			return errMsg(err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return errMsg(fmt.Errorf("GET %s: status %d", url, resp.StatusCode))
		}

		counters := dataMsg{}
		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			line := scanner.Text()
			if line == "" || strings.HasPrefix(line, "#") {
				continue
			}
			fields := strings.Fields(line)
			if len(fields) != 2 {
				continue
			}
			n, err := strconv.ParseInt(fields[1], 10, 64)
			if err != nil {
				continue
			}
			counters[fields[0]] = n
		}
		return counters
	}
}
