package main

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"

	"github.com/postalsys/kvmux/internal/control"
)

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("241"))
	focusStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("212"))

	stateColors = map[string]lipgloss.Color{
		"connected":          lipgloss.Color("42"),
		"setting_up":         lipgloss.Color("214"),
		"failed":             lipgloss.Color("203"),
		"permanently_failed": lipgloss.Color("160"),
	}
)

var columns = []struct {
	title string
	width int
}{
	{"", 2},
	{"REMOTE", 14},
	{"HOSTNAME", 22},
	{"STATE", 20},
	{"FAILS", 6},
	{"PID", 8},
	{"BACKLOG", 18},
	{"RECONNECT", 0},
}

func cell(s string, col int, style lipgloss.Style) string {
	if w := columns[col].width; w > 0 {
		style = style.Width(w)
	}
	return style.Render(s)
}

// renderStatus formats a status snapshot as a table, one row per remote.
func renderStatus(st *control.StatusResponse, now time.Time) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Focus: %s\n\n", focusStyle.Render(st.Focus))

	if len(st.Remotes) == 0 {
		b.WriteString("No remotes configured.\n")
		return b.String()
	}

	var header []string
	for i, c := range columns {
		header = append(header, cell(c.title, i, headerStyle))
	}
	b.WriteString(strings.TrimRight(strings.Join(header, ""), " "))
	b.WriteString("\n")

	plain := lipgloss.NewStyle()
	for _, r := range st.Remotes {
		marker := ""
		if r.Focused {
			marker = "*"
		}
		pid := "-"
		if r.PID != 0 {
			pid = strconv.Itoa(r.PID)
		}
		backlog := "-"
		if r.BacklogMessages > 0 {
			backlog = fmt.Sprintf("%d / %s", r.BacklogMessages, humanize.IBytes(uint64(r.BacklogBytes)))
		}
		next := "-"
		if r.NextReconnect != nil {
			if r.NextReconnect.After(now) {
				next = humanize.RelTime(*r.NextReconnect, now, "ago", "from now")
			} else {
				next = "due"
			}
		}

		row := []string{
			cell(marker, 0, focusStyle),
			cell(r.Alias, 1, plain),
			cell(r.Hostname, 2, plain),
			cell(r.State, 3, plain.Foreground(stateColors[r.State])),
			cell(strconv.Itoa(r.FailCount), 4, plain),
			cell(pid, 5, plain),
			cell(backlog, 6, plain),
			cell(next, 7, plain),
		}
		b.WriteString(strings.TrimRight(strings.Join(row, ""), " "))
		b.WriteString("\n")
	}
	return b.String()
}
