package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"relaysync/pkg/coordinator"
	"relaysync/pkg/provider"
	"relaysync/pkg/sharedfolder"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"
)

// Style definitions
var (
	primaryColor   = lipgloss.Color("#FF79C6") // Pink
	secondaryColor = lipgloss.Color("#8BE9FD") // Cyan
	accentColor    = lipgloss.Color("#50FA7B") // Green
	warningColor   = lipgloss.Color("#FFB86C") // Orange
	dangerColor    = lipgloss.Color("#FF5555") // Red
	mutedColor     = lipgloss.Color("#6272A4") // Comment
	fgColor        = lipgloss.Color("#F8F8F2") // Foreground

	panelStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(primaryColor).
			Padding(1, 2).
			MarginBottom(1)

	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(primaryColor).
			MarginBottom(1)

	mutedStyle = lipgloss.NewStyle().
			Foreground(mutedColor)

	labelStyle = lipgloss.NewStyle().
			Foreground(mutedColor).
			Width(20)

	valueStyle = lipgloss.NewStyle().
			Foreground(fgColor).
			Bold(true)

	accentValueStyle = lipgloss.NewStyle().
				Foreground(accentColor).
				Bold(true)

	warningValueStyle = lipgloss.NewStyle().
				Foreground(warningColor).
				Bold(true)

	dangerValueStyle = lipgloss.NewStyle().
				Foreground(dangerColor).
				Bold(true)
)

func statusCmd() *cobra.Command {
	var (
		addr       string
		jsonOutput bool
		timeout    time.Duration
	)

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show queues, pool and folders of a running process",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()

			report, err := coordinator.FetchStatus(ctx, addr)
			if err != nil {
				return err
			}

			if jsonOutput {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(report)
			}

			fmt.Println(renderOverview(report))
			if len(report.Folders) == 0 {
				fmt.Println(mutedStyle.Render("No shared folders configured"))
				return nil
			}
			fmt.Println(createFoldersTable(report.Folders))
			return nil
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8090", "status server address")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "print the raw report as JSON")
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Second, "request timeout")
	return cmd
}

func renderOverview(report *coordinator.StatusReport) string {
	q := report.Queue
	g := report.Global
	p := report.Pool

	queueState := accentValueStyle.Render("running")
	if q.IsPaused {
		queueState = warningValueStyle.Render("paused")
	}
	failed := valueStyle
	if g.FailedItems > 0 {
		failed = dangerValueStyle
	}

	rows := []struct {
		label string
		value string
	}{
		{"Queue", queueState},
		{"Syncs", valueStyle.Render(fmt.Sprintf("%d active, %d queued", q.SyncsActive, q.SyncsQueued))},
		{"Downloads", valueStyle.Render(fmt.Sprintf("%d active, %d queued", q.DownloadsActive, q.DownloadsQueued))},
		{"Completed", valueStyle.Render(fmt.Sprintf("%d / %d", g.CompletedItems, g.TotalItems))},
		{"Failed", failed.Render(fmt.Sprintf("%d", g.FailedItems))},
		{"Connections", valueStyle.Render(fmt.Sprintf("%d/%d persistent, %d/%d temporary, %d waiting",
			p.Persistent, p.MaxPersistent, p.Temporary, p.MaxTemporary, p.Queued))},
	}

	var content strings.Builder
	for _, r := range rows {
		content.WriteString(labelStyle.Render(r.label+":") + " " + r.value + "\n")
	}
	content.WriteString("\n")
	content.WriteString(labelStyle.Render("Sync:") + " " + renderProgressBar(float64(g.SyncPercent), 30) + "\n")
	content.WriteString(labelStyle.Render("Download:") + " " + renderProgressBar(float64(g.DownloadPercent), 30) + "\n")
	content.WriteString(labelStyle.Render("Total:") + " " + renderProgressBar(float64(g.TotalPercent), 30))

	title := titleStyle.Render("RELAYSYNC")
	return panelStyle.Width(72).Render(lipgloss.JoinVertical(lipgloss.Left, title, content.String()))
}

func createFoldersTable(folders []sharedfolder.Status) string {
	t := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(secondaryColor)).
		StyleFunc(func(row, col int) lipgloss.Style {
			switch {
			case row == table.HeaderRow:
				return lipgloss.NewStyle().
					Foreground(secondaryColor).
					Bold(true).
					Padding(0, 1)
			default:
				return lipgloss.NewStyle().
					Padding(0, 1)
			}
		}).
		Headers("FOLDER", "PATH", "READY", "FILES", "PENDING", "STALE", "CONNECTION", "PROGRESS")

	for _, f := range folders {
		ready := dangerValueStyle.Render("no")
		if f.Ready {
			ready = accentValueStyle.Render("yes")
		}
		stale := mutedStyle.Render("0")
		if len(f.Stale) > 0 {
			stale = warningValueStyle.Render(fmt.Sprintf("%d", len(f.Stale)))
		}

		t.Row(
			f.GUID,
			f.Root,
			ready,
			fmt.Sprintf("%d", f.Files),
			fmt.Sprintf("%d", f.Pending),
			stale,
			renderConnection(f.Relay, f.Connection),
			renderMiniBar(float64(f.Progress.TotalPercent), 10)+fmt.Sprintf(" %d%%", f.Progress.TotalPercent),
		)
	}

	return lipgloss.NewStyle().
		MarginBottom(1).
		Render("SHARED FOLDERS\n" + t.Render())
}

func renderConnection(relay string, state *provider.State) string {
	if relay == "" {
		return mutedStyle.Render("local")
	}
	if state == nil {
		return mutedStyle.Render("idle")
	}
	switch state.Status {
	case provider.StatusConnected:
		return accentValueStyle.Render("connected")
	case provider.StatusConnecting:
		return warningValueStyle.Render("connecting")
	}
	if state.Intent == provider.IntentDisconnected {
		return mutedStyle.Render("offline")
	}
	return dangerValueStyle.Render(string(state.Status))
}

func renderProgressBar(percent float64, width int) string {
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}

	filled := int(float64(width) * percent / 100)
	empty := width - filled

	bar := lipgloss.NewStyle().Foreground(getProgressBarColor(percent)).Render(strings.Repeat("█", filled))
	bar += mutedStyle.Render(strings.Repeat("░", empty))

	return fmt.Sprintf("%s %.0f%%", bar, percent)
}

func renderMiniBar(percent float64, width int) string {
	filled := int(float64(width) * percent / 100)
	if filled > width {
		filled = width
	}
	if filled < 0 {
		filled = 0
	}
	return lipgloss.NewStyle().Foreground(getProgressBarColor(percent)).Render(strings.Repeat("▰", filled)) +
		mutedStyle.Render(strings.Repeat("▱", width-filled))
}

// Sync progress fills toward green.
func getProgressBarColor(percentage float64) lipgloss.Color {
	switch {
	case percentage >= 100:
		return accentColor
	case percentage >= 50:
		return secondaryColor
	default:
		return warningColor
	}
}
