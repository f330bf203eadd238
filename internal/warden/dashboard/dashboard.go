// Package dashboard renders a terminal overview of the engine: a styled
// container table plus engine totals, refreshed on a fixed poll interval.
package dashboard

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/bdobrica/dockwarden/common/retry"
	"github.com/bdobrica/dockwarden/internal/warden/engine"
	"github.com/bdobrica/dockwarden/internal/warden/observability"
)

// DefaultInterval is the poll period between engine snapshots.
const DefaultInterval = 5 * time.Second

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("39"))
	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("245"))
	runningStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("42"))
	stoppedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("203"))
	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("240"))
	errorStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("196"))
)

// Snapshot is one poll's worth of engine state.
type Snapshot struct {
	Containers []engine.ContainerSummary
	Info       engine.SystemInfo
	Taken      time.Time
	Err        error
}

// Dashboard polls an Executor and renders snapshots to a writer.
type Dashboard struct {
	exec     *engine.Executor
	out      io.Writer
	interval time.Duration
}

// New creates a Dashboard writing to out. A non-positive interval falls back
// to DefaultInterval.
func New(exec *engine.Executor, out io.Writer, interval time.Duration) *Dashboard {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Dashboard{exec: exec, out: out, interval: interval}
}

// Run polls and renders until ctx is canceled. A failed poll renders an
// error banner and waits for the next tick; it never terminates the loop.
func (d *Dashboard) Run(ctx context.Context) error {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		snap := d.poll(ctx)
		fmt.Fprint(d.out, "\033[2J\033[H")
		fmt.Fprint(d.out, Render(snap))
		if snap.Err != nil {
			observability.WithTrace(ctx).Warn("dashboard poll failed", "err", snap.Err)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// pollRetry bounds the in-tick reconnect attempts so a dead engine still
// yields an error banner well before the next tick.
var pollRetry = retry.Config{
	MaxAttempts:  2,
	InitialDelay: 500 * time.Millisecond,
	MaxDelay:     2 * time.Second,
	ShouldRetry: func(err error) bool {
		var connErr *engine.ConnectivityError
		return errors.As(err, &connErr)
	},
}

func (d *Dashboard) poll(ctx context.Context) Snapshot {
	snap := Snapshot{Taken: time.Now()}
	snap.Err = retry.Do(ctx, pollRetry, func() error {
		containers, err := d.exec.ListContainers(ctx, true)
		if err != nil {
			return err
		}
		info, err := d.exec.SystemInfo(ctx)
		if err != nil {
			return err
		}
		snap.Containers = containers
		snap.Info = info
		return nil
	})
	return snap
}

// Render formats a snapshot as a styled multi-line block.
func Render(snap Snapshot) string {
	var b strings.Builder

	b.WriteString(titleStyle.Render("dockwarden"))
	b.WriteString(dimStyle.Render("  " + snap.Taken.Format("15:04:05")))
	b.WriteString("\n\n")

	if snap.Err != nil {
		b.WriteString(errorStyle.Render("engine unreachable: " + snap.Err.Error()))
		b.WriteString("\n")
		return b.String()
	}

	fmt.Fprintf(&b, "%s\n", headerStyle.Render(
		fmt.Sprintf("%-12s  %-24s  %-28s  %-22s  %s", "ID", "NAME", "IMAGE", "STATUS", "PORTS")))
	for _, c := range snap.Containers {
		style := stoppedStyle
		if strings.HasPrefix(c.Status, "Up") {
			style = runningStyle
		}
		row := fmt.Sprintf("%-12s  %-24s  %-28s  %-22s  %s",
			c.ID, clip(c.Name, 24), clip(c.Image, 28), clip(c.Status, 22), c.Ports)
		b.WriteString(style.Render(row))
		b.WriteString("\n")
	}
	if len(snap.Containers) == 0 {
		b.WriteString(dimStyle.Render("no containers"))
		b.WriteString("\n")
	}

	b.WriteString("\n")
	b.WriteString(dimStyle.Render(Summary(snap.Info)))
	b.WriteString("\n")
	return b.String()
}

// Summary condenses engine totals into one status line.
func Summary(info engine.SystemInfo) string {
	return fmt.Sprintf("containers: %d (%d running, %d paused, %d stopped)  images: %d  engine: %s",
		info.Containers, info.ContainersRunning, info.ContainersPaused, info.ContainersStopped,
		info.Images, info.ServerVersion)
}

func clip(s string, max int) string {
	if len(s) <= max {
		return s
	}
	if max <= 1 {
		return s[:max]
	}
	return s[:max-1] + "…"
}
